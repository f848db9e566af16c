package session

import (
	"sync"
	"time"

	"tensord/internal/rpc"
	"tensord/pkg/types"
)

// RemoteWorker is the session's view of its isolated worker process: named
// operations submitted through futures, plus bounded graceful shutdown.
// *rpc.Worker implements it; tests substitute in-process fakes.
type RemoteWorker interface {
	Call(op string, params any) *rpc.Future
	Shutdown(grace time.Duration) error
}

// Session binds a generated id to its leased devices and worker channel.
type Session struct {
	ID        string
	ModelRef  string
	Devices   []string
	CreatedAt time.Time

	worker RemoteWorker

	mu         sync.Mutex
	negotiated *types.NegotiatedShapes
}

// Worker returns the session's RPC channel.
func (s *Session) Worker() RemoteWorker { return s.worker }

// Negotiated returns the dry-run record, or nil before negotiation.
func (s *Session) Negotiated() *types.NegotiatedShapes {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.negotiated
}

func (s *Session) setNegotiated(r *types.NegotiatedShapes) {
	s.mu.Lock()
	s.negotiated = r
	s.mu.Unlock()
}
