package devices

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

func newTestRegistry(ids ...string) *Registry {
	return NewRegistry(zerolog.Nop(), ids...)
}

func statusOf(t *testing.T, r *Registry, id string) Device {
	t.Helper()
	for _, d := range r.List() {
		if d.ID == id {
			return d
		}
	}
	t.Fatalf("device %s not in registry", id)
	return Device{}
}

func TestLeaseAndRelease(t *testing.T) {
	r := newTestRegistry("cpu", "cuda:0")
	if err := r.Lease("s1", "cpu"); err != nil {
		t.Fatalf("lease: %v", err)
	}
	d := statusOf(t, r, "cpu")
	if d.Status != StatusInUse || d.SessionID != "s1" {
		t.Fatalf("cpu = %+v", d)
	}
	if statusOf(t, r, "cuda:0").Status != StatusAvailable {
		t.Fatalf("cuda:0 should stay available")
	}
	r.Release("cpu")
	d = statusOf(t, r, "cpu")
	if d.Status != StatusAvailable || d.SessionID != "" {
		t.Fatalf("cpu after release = %+v", d)
	}
}

func TestLeaseConflict(t *testing.T) {
	r := newTestRegistry("cpu")
	if err := r.Lease("s1", "cpu"); err != nil {
		t.Fatalf("lease: %v", err)
	}
	err := r.Lease("s2", "cpu")
	if err == nil || !IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	// first lease untouched
	if d := statusOf(t, r, "cpu"); d.SessionID != "s1" {
		t.Fatalf("owner changed: %+v", d)
	}
	// releasing lets the second session in
	r.Release("cpu")
	if err := r.Lease("s2", "cpu"); err != nil {
		t.Fatalf("lease after release: %v", err)
	}
}

func TestLeaseUnknownDevice(t *testing.T) {
	r := newTestRegistry("cpu")
	err := r.Lease("s1", "tpu")
	if err == nil || !IsConflict(err) {
		t.Fatalf("expected conflict for unknown device, got %v", err)
	}
}

func TestBatchLeaseIsAllOrNothing(t *testing.T) {
	r := newTestRegistry("cpu", "cuda:0", "cuda:1")
	if err := r.Lease("s1", "cuda:1"); err != nil {
		t.Fatalf("lease: %v", err)
	}
	err := r.Lease("s2", "cpu", "cuda:0", "cuda:1")
	if err == nil || !IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	// nothing partially leased
	if d := statusOf(t, r, "cpu"); d.Status != StatusAvailable {
		t.Fatalf("cpu leaked: %+v", d)
	}
	if d := statusOf(t, r, "cuda:0"); d.Status != StatusAvailable {
		t.Fatalf("cuda:0 leaked: %+v", d)
	}
	if d := statusOf(t, r, "cuda:1"); d.SessionID != "s1" {
		t.Fatalf("cuda:1 owner changed: %+v", d)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	r := newTestRegistry("cpu")
	r.Release("cpu")
	r.Release("nonexistent")
	if err := r.Lease("s1", "cpu"); err != nil {
		t.Fatalf("lease after spurious releases: %v", err)
	}
	r.Release("cpu")
	r.Release("cpu")
	if r.InUseCount() != 0 {
		t.Fatalf("in use count = %d", r.InUseCount())
	}
}

func TestConcurrentLeaseSingleWinner(t *testing.T) {
	r := newTestRegistry("cpu")
	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = r.Lease("session", "cpu")
		}(i)
	}
	wg.Wait()
	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else if !IsConflict(err) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("winners = %d, want 1", wins)
	}
	if r.InUseCount() != 1 {
		t.Fatalf("in use = %d", r.InUseCount())
	}
}
