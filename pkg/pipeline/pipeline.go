package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

/*
 * The purpose of this is to detach the implementation of op handlers and
 * their guards from the socket loops that dispatch them.
 */

// ErrUnknownOp is returned by Execute when nothing is registered for a key.
var ErrUnknownOp = errors.New("unknown op")

// Cargo is what every modifier and action receives for one inbound frame.
type Cargo[S any] struct {
	Ctx     context.Context
	Logger  *slog.Logger
	Session S
	Payload json.RawMessage
}

// ActionFunc handles one frame.
type ActionFunc[S any] func(c *Cargo[S]) error

// ModifierFunc guards an action; a non-nil error stops the step.
type ModifierFunc[S any] func(c *Cargo[S]) error

// represents one registered op: its guards, then its action
type Step[S any] struct {
	Modifiers []ModifierFunc[S]
	Action    ActionFunc[S]
}

func (s Step[S]) Run(c *Cargo[S]) error {
	for _, mod := range s.Modifiers {
		if err := mod(c); err != nil {
			return err
		}
	}
	return s.Action(c)
}

/*
* The table from op keys to steps. Handlers are registered once at startup;
* lookups happen for every inbound frame.
 */
type Registry[K comparable, S any] struct {
	logger *slog.Logger
	mu     sync.RWMutex
	steps  map[K]Step[S]
	// applied before every step's own modifiers
	global []ModifierFunc[S]
}

func NewRegistry[K comparable, S any](logger *slog.Logger, global ...ModifierFunc[S]) *Registry[K, S] {
	return &Registry[K, S]{
		logger: logger,
		steps:  make(map[K]Step[S]),
		global: global,
	}
}

func (r *Registry[K, S]) Register(key K, action ActionFunc[S], modifiers ...ModifierFunc[S]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.steps[key]; exists {
		panic(fmt.Sprintf("handler already registered: %v", key))
	}
	mods := make([]ModifierFunc[S], 0, len(r.global)+len(modifiers))
	mods = append(mods, r.global...)
	mods = append(mods, modifiers...)
	r.steps[key] = Step[S]{Modifiers: mods, Action: action}
}

func (r *Registry[K, S]) Lookup(key K) (Step[S], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	step, ok := r.steps[key]
	return step, ok
}

// Execute runs the step registered for key.
func (r *Registry[K, S]) Execute(key K, c *Cargo[S]) error {
	step, ok := r.Lookup(key)
	if !ok {
		return fmt.Errorf("%w: %v", ErrUnknownOp, key)
	}
	if c.Logger == nil {
		c.Logger = r.logger
	}
	return step.Run(c)
}

func (r *Registry[K, S]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.steps)
}
