// Package devices tracks compute devices and their exclusive leases. Devices
// are registered once at startup and never destroyed; lease and release are
// the only mutations, all serialized through one mutex.
package devices

import (
	"sync"

	"github.com/rs/zerolog"
)

// Status of a device in the registry.
type Status string

const (
	StatusAvailable Status = "AVAILABLE"
	StatusInUse     Status = "IN_USE"
)

// Device is a snapshot of one registry entry.
type Device struct {
	ID        string
	Status    Status
	SessionID string
}

// conflictError signals that a device cannot be leased, either because it is
// unknown or already held by another session.
type conflictError struct{ msg string }

func (e conflictError) Error() string { return e.msg }

// IsConflict reports whether err indicates a lease conflict.
func IsConflict(err error) bool {
	_, ok := err.(conflictError)
	return ok
}

type entry struct {
	status    Status
	sessionID string
}

// Registry is the process-wide device table. Safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   []string
	log     zerolog.Logger
}

// NewRegistry builds a registry with the given device ids, all AVAILABLE.
// Duplicate ids collapse to one entry.
func NewRegistry(log zerolog.Logger, ids ...string) *Registry {
	r := &Registry{
		entries: make(map[string]*entry, len(ids)),
		order:   make([]string, 0, len(ids)),
		log:     log.With().Str("component", "devices").Logger(),
	}
	for _, id := range ids {
		if _, ok := r.entries[id]; ok {
			continue
		}
		r.entries[id] = &entry{status: StatusAvailable}
		r.order = append(r.order, id)
	}
	return r
}

// List returns a snapshot of all devices in registration order.
func (r *Registry) List() []Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Device, 0, len(r.order))
	for _, id := range r.order {
		e := r.entries[id]
		out = append(out, Device{ID: id, Status: e.status, SessionID: e.sessionID})
	}
	return out
}

// Lease atomically transitions every requested device from AVAILABLE to
// IN_USE bound to sessionID. All-or-nothing: on any conflict the leases
// acquired so far in this call are rolled back before the error returns.
func (r *Registry) Lease(sessionID string, ids ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	acquired := make([]string, 0, len(ids))
	for _, id := range ids {
		e, ok := r.entries[id]
		if !ok {
			r.rollbackLocked(acquired)
			return conflictError{msg: "device " + id + " doesn't exist"}
		}
		if e.status == StatusInUse {
			r.rollbackLocked(acquired)
			return conflictError{msg: "device " + id + " is already in use by session " + e.sessionID}
		}
		e.status = StatusInUse
		e.sessionID = sessionID
		acquired = append(acquired, id)
	}
	r.log.Debug().Str("session", sessionID).Strs("devices", ids).Msg("devices leased")
	return nil
}

func (r *Registry) rollbackLocked(ids []string) {
	for _, id := range ids {
		e := r.entries[id]
		e.status = StatusAvailable
		e.sessionID = ""
	}
}

// Release returns the given devices to AVAILABLE. Idempotent: releasing an
// already-available or unknown device is a no-op, since session teardown may
// race with process shutdown.
func (r *Registry) Release(ids ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		e, ok := r.entries[id]
		if !ok || e.status == StatusAvailable {
			continue
		}
		r.log.Debug().Str("device", id).Str("session", e.sessionID).Msg("device released")
		e.status = StatusAvailable
		e.sessionID = ""
	}
}

// InUseCount returns the number of currently leased devices.
func (r *Registry) InUseCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.status == StatusInUse {
			n++
		}
	}
	return n
}
