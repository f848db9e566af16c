package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"
)

// Handler executes one named operation. A returned *Future defers the
// response until the future resolves (without blocking the serve loop);
// any other value is marshalled and sent immediately.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Server is the worker end of a channel: it reads request frames, dispatches
// them to registered handlers and writes response frames. Operation errors
// travel inside response frames; they never terminate the loop.
type Server struct {
	handlers   map[string]Handler
	onShutdown func()
	log        zerolog.Logger

	// deferred counts in-flight future replies; shutdown drains them before
	// acknowledging, so no finished result is lost to the closing channel.
	deferred sync.WaitGroup

	writeMu sync.Mutex
	enc     *json.Encoder
}

// NewServer returns a server with no handlers registered.
func NewServer(log zerolog.Logger) *Server {
	return &Server{
		handlers: make(map[string]Handler),
		log:      log.With().Str("component", "rpc-server").Logger(),
	}
}

// Handle registers a handler for op. Must be called before Serve.
func (s *Server) Handle(op string, h Handler) { s.handlers[op] = h }

// OnShutdown registers a hook run when the shutdown operation arrives, before
// the acknowledgement is sent. The hook should finish in-flight work.
func (s *Server) OnShutdown(fn func()) { s.onShutdown = fn }

// Serve reads requests from r until EOF or a shutdown request. It returns nil
// on orderly shutdown and the transport error otherwise.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	s.writeMu.Lock()
	s.enc = json.NewEncoder(w)
	s.writeMu.Unlock()

	dec := json.NewDecoder(r)
	for {
		var req request
		if err := dec.Decode(&req); err != nil {
			if err == io.EOF {
				s.log.Debug().Msg("request stream closed")
				return nil
			}
			return fmt.Errorf("decode request: %w", err)
		}
		if req.Op == OpShutdown {
			s.log.Debug().Msg("shutdown requested")
			if s.onShutdown != nil {
				s.onShutdown()
			}
			// The ack is the last frame on the wire; deferred replies for
			// work the shutdown hook just flushed must precede it.
			s.deferred.Wait()
			s.reply(response{ID: req.ID, Result: json.RawMessage(`{}`)})
			return nil
		}
		s.dispatch(ctx, req)
	}
}

func (s *Server) dispatch(ctx context.Context, req request) {
	h, ok := s.handlers[req.Op]
	if !ok {
		s.reply(response{ID: req.ID, Error: "unknown operation: " + req.Op})
		return
	}
	value, err := s.invoke(ctx, h, req.Params)
	if err != nil {
		s.reply(response{ID: req.ID, Error: err.Error()})
		return
	}
	if fut, isFuture := value.(*Future); isFuture {
		// Deferred result: answer when the future resolves so the loop can
		// keep accepting requests (shutdown included) in the meantime.
		s.deferred.Add(1)
		go func() {
			defer s.deferred.Done()
			v, err := fut.Wait(ctx)
			if err != nil {
				s.reply(response{ID: req.ID, Error: err.Error()})
				return
			}
			s.replyValue(req.ID, v)
		}()
		return
	}
	s.replyValue(req.ID, value)
}

// invoke runs a handler with panic containment: a panicking operation becomes
// that request's error, not a dead worker.
func (s *Server) invoke(ctx context.Context, h Handler, params json.RawMessage) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("handler panicked")
			err = fmt.Errorf("operation panicked: %v", r)
		}
	}()
	return h(ctx, params)
}

func (s *Server) replyValue(id uint64, value any) {
	raw, err := json.Marshal(value)
	if err != nil {
		s.reply(response{ID: id, Error: "marshal result: " + err.Error()})
		return
	}
	s.reply(response{ID: id, Result: raw})
}

func (s *Server) reply(resp response) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.enc.Encode(resp); err != nil {
		s.log.Error().Err(err).Uint64("id", resp.ID).Msg("write response")
	}
}
