// Package logbuf keeps a bounded in-memory ring of daemon log records so the
// log stream endpoint can replay recent history and follow new entries. It
// plugs into zerolog as an extra writer.
package logbuf

import (
	"encoding/json"
	"sync"
	"time"
)

// Entry is one captured log record.
type Entry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// Buffer is a fixed-capacity ring of log entries with live subscribers.
// It implements io.Writer over zerolog's JSON line output.
type Buffer struct {
	mu      sync.Mutex
	entries []Entry
	start   int
	count   int
	subs    map[int]chan Entry
	nextSub int
}

// New returns a buffer holding at most capacity entries.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 512
	}
	return &Buffer{
		entries: make([]Entry, capacity),
		subs:    make(map[int]chan Entry),
	}
}

// line mirrors zerolog's default field names.
type line struct {
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Write parses one zerolog JSON line and records it. Lines that are not
// valid JSON are kept verbatim at info level; the writer never errors, a
// log sink must not take the logger down.
func (b *Buffer) Write(p []byte) (int, error) {
	var l line
	e := Entry{Level: "info", Time: time.Now()}
	if err := json.Unmarshal(p, &l); err == nil {
		if l.Level != "" {
			e.Level = l.Level
		}
		e.Message = l.Message
		if !l.Time.IsZero() {
			e.Time = l.Time
		}
	} else {
		e.Message = string(trimNewline(p))
	}
	b.append(e)
	return len(p), nil
}

func (b *Buffer) append(e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count < len(b.entries) {
		b.entries[(b.start+b.count)%len(b.entries)] = e
		b.count++
	} else {
		b.entries[b.start] = e
		b.start = (b.start + 1) % len(b.entries)
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default: // slow subscriber drops entries rather than blocking logging
		}
	}
}

// Snapshot returns the buffered entries, oldest first.
func (b *Buffer) Snapshot() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Entry, 0, b.count)
	for i := 0; i < b.count; i++ {
		out = append(out, b.entries[(b.start+i)%len(b.entries)])
	}
	return out
}

// Subscribe registers a live feed of entries appended after this call.
// The returned cancel func must be called to release the subscription.
func (b *Buffer) Subscribe() (<-chan Entry, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSub
	b.nextSub++
	ch := make(chan Entry, 64)
	b.subs[id] = ch
	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

func trimNewline(p []byte) []byte {
	for len(p) > 0 && (p[len(p)-1] == '\n' || p[len(p)-1] == '\r') {
		p = p[:len(p)-1]
	}
	return p
}
