package rpc

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
)

// Client is the controller end of one worker channel. Call submission never
// blocks on the remote: it writes a frame and returns a future. A reader
// goroutine matches responses to pending futures; when the transport dies,
// every in-flight future resolves with a channel-closed failure.
type Client struct {
	mu      sync.Mutex
	conn    io.ReadWriteCloser
	enc     *json.Encoder
	pending map[uint64]*Future
	nextID  uint64
	closed  bool
	log     zerolog.Logger

	readerDone chan struct{}
}

// NewClient wraps a transport and starts the reader loop.
func NewClient(conn io.ReadWriteCloser, log zerolog.Logger) *Client {
	c := &Client{
		conn:       conn,
		enc:        json.NewEncoder(conn),
		pending:    make(map[uint64]*Future),
		log:        log.With().Str("component", "rpc-client").Logger(),
		readerDone: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Call submits a named operation and returns a future for its response.
// Marshalling or transport errors resolve the returned future immediately.
func (c *Client) Call(op string, params any) *Future {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return resolved(nil, fmt.Errorf("marshal %s params: %w", op, err))
		}
		raw = b
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return resolved(nil, ErrChannelClosed("call "+op+" on closed channel"))
	}
	c.nextID++
	id := c.nextID
	fut := NewFuture()
	c.pending[id] = fut
	err := c.enc.Encode(request{ID: id, Op: op, Params: raw})
	if err != nil {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if err != nil {
		fut.Complete(nil, ErrChannelClosed("write "+op+": "+err.Error()))
	}
	return fut
}

func (c *Client) readLoop() {
	defer close(c.readerDone)
	dec := json.NewDecoder(c.conn)
	for {
		var resp response
		if err := dec.Decode(&resp); err != nil {
			c.failAll(err)
			return
		}
		c.mu.Lock()
		fut := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if fut == nil {
			c.log.Warn().Uint64("id", resp.ID).Msg("response for unknown request id")
			continue
		}
		if resp.Error != "" {
			fut.Complete(nil, remoteError{msg: resp.Error})
		} else {
			fut.Complete(resp.Result, nil)
		}
	}
}

// failAll resolves every pending future with a channel-closed failure and
// marks the client unusable.
func (c *Client) failAll(cause error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]*Future)
	wasClosed := c.closed
	c.closed = true
	c.mu.Unlock()

	if len(pending) > 0 {
		c.log.Warn().Int("inflight", len(pending)).Err(cause).Msg("channel closed with requests in flight")
	}
	for _, fut := range pending {
		fut.Complete(nil, ErrChannelClosed("remote terminated: "+cause.Error()))
	}
	if !wasClosed {
		_ = c.conn.Close()
	}
}

// Close tears down the transport; pending futures resolve as channel-closed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	err := c.conn.Close()
	<-c.readerDone
	return err
}

// Done returns a channel closed once the reader loop has exited, i.e. the
// channel is dead.
func (c *Client) Done() <-chan struct{} { return c.readerDone }
