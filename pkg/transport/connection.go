package transport

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/a-essam23/go-gateway/pkg/errs"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// callback executed when a message is received.
type MessageHandler func(ctx context.Context, connId uuid.UUID, msg []byte)

type OnCloseHandler func(connId uuid.UUID, err error)

type ConnectionConfig struct {
	// ReadTimeout bounds the wait for each inbound frame. Zero means 60s and
	// a negative value disables the deadline.
	ReadTimeout time.Duration
	// SendQueueSize is the outbound high-water mark; a full queue fails Send.
	SendQueueSize  int
	MaxMessageSize int64
	// Compress enables a persistent zlib stream over all outbound frames.
	Compress bool
}

type outbound struct {
	data  []byte
	close *closeFrame
}

type closeFrame struct {
	code   websocket.StatusCode
	reason string
}

// Connection represents a single, thread-safe WebSocket connection.
type Connection struct {
	id     uuid.UUID
	conn   *websocket.Conn
	config ConnectionConfig
	send   chan outbound
	zlib   *ZlibStream

	onMessage MessageHandler
	onClose   OnCloseHandler

	done      chan struct{}
	wg        *sync.WaitGroup
	ctx       context.Context
	closeOnce sync.Once
	closing   sync.Once
	cancel    context.CancelFunc
	started   bool

	logger *slog.Logger
}

func NewConnection(parentCtx context.Context, wg *sync.WaitGroup, conn *websocket.Conn, config ConnectionConfig, onMessage MessageHandler, onClose OnCloseHandler, logger *slog.Logger) *Connection {
	id := uuid.New()
	connCtx, cancel := context.WithCancel(parentCtx)
	connLogger := logger.With(slog.String("connID", id.String()))
	if config.SendQueueSize <= 0 {
		config.SendQueueSize = 256
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = 60 * time.Second
	}
	if conn != nil && config.MaxMessageSize > 0 {
		conn.SetReadLimit(config.MaxMessageSize)
	}

	c := &Connection{
		id:        id,
		conn:      conn,
		logger:    connLogger,
		config:    config,
		onMessage: onMessage,
		send:      make(chan outbound, config.SendQueueSize),
		done:      make(chan struct{}),
		ctx:       connCtx,
		cancel:    cancel,
		onClose:   onClose,
		wg:        wg,
	}
	if config.Compress {
		c.zlib = NewZlibStream()
	}
	return c
}

func (c *Connection) Run() {
	c.started = true
	if c.wg != nil {
		c.wg.Add(1)
	}
	go c.readPump()
	go c.writePump()

	c.logger.Debug("connection established")
}

// readPump pumps messages from the WebSocket connection to the message handler.
// Messages are handled sequentially on this goroutine.
func (c *Connection) readPump() {
	var readErr error
	defer func() {
		c.Close(readErr)
	}()

	for {
		readCtx, cancelRead := c.ctx, context.CancelFunc(func() {})
		if c.config.ReadTimeout > 0 {
			readCtx, cancelRead = context.WithTimeout(c.ctx, c.config.ReadTimeout)
		}
		typ, r, err := c.conn.Reader(readCtx)
		if err != nil {
			cancelRead()
			readErr = err
			return
		}
		// Ensure we are only handling text or binary messages.
		if typ != websocket.MessageText && typ != websocket.MessageBinary {
			cancelRead()
			continue
		}
		message, err := io.ReadAll(r)
		cancelRead()
		if err != nil {
			readErr = err
			return
		}
		if c.onMessage != nil {
			c.onMessage(c.ctx, c.id, message)
		}
	}
}

// writePump pumps messages from the send channel to the WebSocket connection.
func (c *Connection) writePump() {
	var writeErr error

	defer func() {
		c.Close(writeErr)
	}()

	for {
		select {
		case msg := <-c.send:
			if msg.close != nil {
				writeErr = c.conn.Close(msg.close.code, msg.close.reason)
				if writeErr == nil {
					writeErr = websocket.CloseError{Code: msg.close.code, Reason: msg.close.reason}
				}
				return
			}
			typ := websocket.MessageText
			data := msg.data
			if c.zlib != nil {
				compressed, err := c.zlib.Compress(data)
				if err != nil {
					writeErr = err
					return
				}
				typ, data = websocket.MessageBinary, compressed
			}
			if err := c.conn.Write(c.ctx, typ, data); err != nil {
				writeErr = err
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Send queues a message for the client. It never blocks: a full queue returns
// errs.ErrBackpressure and a closed connection returns errs.ErrClosed.
func (c *Connection) Send(message []byte) error {
	if c.ctx.Err() != nil {
		return errs.ErrClosed
	}
	select {
	case c.send <- outbound{data: message}:
		return nil
	default:
		return errs.ErrBackpressure
	}
}

// CloseWithStatus closes the socket with a code after every frame queued
// before it has been written.
func (c *Connection) CloseWithStatus(code websocket.StatusCode, reason string) {
	c.closing.Do(func() {
		select {
		case c.send <- outbound{close: &closeFrame{code: code, reason: reason}}:
		default:
			// queue is full; close right away, off the caller's goroutine
			// since the handshake waits on the peer
			go func() {
				if c.conn != nil {
					_ = c.conn.Close(code, reason)
				}
				c.Close(websocket.CloseError{Code: code, Reason: reason})
			}()
		}
	})
}

// Close releases the connection and its resources without waiting for the
// peer. Cancelling the read context tears down a socket still stuck in a
// close handshake, so Close also serves to abort one.
func (c *Connection) Close(err error) {
	c.closeOnce.Do(func() {
		status := websocket.CloseStatus(err)
		c.logger.Debug("Transport connection closing", slog.Any("reason", err), slog.String("status", status.String()))

		c.cancel() // Signal goroutines to stop.
		if c.conn != nil {
			// a second close after a coded close is a no-op on the wire
			go func() { _ = c.conn.Close(websocket.StatusNormalClosure, "") }()
		}
		if c.onClose != nil {
			c.onClose(c.id, err)
		}
		if c.started && c.wg != nil {
			c.wg.Done()
		}
		close(c.done)
	})
}

// returns a channel that is closed when the connection is fully terminated.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// ID returns the unique identifier of the connection.
func (c *Connection) ID() uuid.UUID {
	return c.id
}

// Compressed reports whether outbound frames go through the zlib stream.
func (c *Connection) Compressed() bool {
	return c.zlib != nil
}

func (c *Connection) SetOnMessageHandler(handler MessageHandler) {
	c.onMessage = handler
}
func (c *Connection) SetOnCloseHandler(handler OnCloseHandler) {
	c.onClose = handler
}
