package broker

import (
	"context"
	"sync"

	"github.com/a-essam23/go-gateway/pkg/errs"
)

const memoryBufSize = 4096

type memSub struct {
	topics map[string]struct{}
	ch     chan Message
	quit   chan struct{}
}

// Memory fans out in-process. It is used when a single process serves both
// the producer and the gateway, and in tests.
type Memory struct {
	mu     sync.RWMutex
	subs   map[int]*memSub
	nextID int
	closed bool
	done   chan struct{}
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[int]*memSub), done: make(chan struct{})}
}

func (m *Memory) Publish(ctx context.Context, topic string, payload []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errs.ErrClosed
	}
	msg := Message{Topic: topic, Payload: append([]byte(nil), payload...)}
	for _, s := range m.subs {
		if _, ok := s.topics[topic]; !ok {
			continue
		}
		select {
		case s.ch <- msg:
		case <-s.quit:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, h Handler, topics ...string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errs.ErrClosed
	}
	id := m.nextID
	m.nextID++
	sub := &memSub{topics: topicSet(topics), ch: make(chan Message, memoryBufSize), quit: make(chan struct{})}
	m.subs[id] = sub
	m.mu.Unlock()

	defer func() {
		// unblock publishers waiting on a full buffer before taking the lock
		close(sub.quit)
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.done:
			return nil
		case msg := <-sub.ch:
			h(ctx, msg)
		}
	}
}

// Subscribers reports the number of active subscriptions.
func (m *Memory) Subscribers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
	return nil
}
