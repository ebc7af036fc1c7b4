package logger

import (
	"encoding/json"
	"sync"
)

// Ring keeps the most recent log lines for the admin log endpoint. It is an io.Writer
// meant to sit next to stdout in a zerolog.MultiLevelWriter.
type Ring struct {
	mu    sync.Mutex
	lines []json.RawMessage
	next  int
	full  bool
}

// NewRing keeps up to size lines
func NewRing(size int) *Ring {
	if size <= 0 {
		size = 1000
	}
	return &Ring{lines: make([]json.RawMessage, size)}
}

// Write stores one zerolog line; zerolog issues one Write per event
func (r *Ring) Write(p []byte) (int, error) {
	line := make(json.RawMessage, len(p))
	copy(line, p)
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}

	r.mu.Lock()
	r.lines[r.next] = line
	r.next = (r.next + 1) % len(r.lines)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
	return len(p), nil
}

// Entries returns the buffered lines, oldest first
func (r *Ring) Entries() []json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		return append([]json.RawMessage(nil), r.lines[:r.next]...)
	}
	out := make([]json.RawMessage, 0, len(r.lines))
	out = append(out, r.lines[r.next:]...)
	return append(out, r.lines[:r.next]...)
}

// Clear drops every buffered line
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.lines {
		r.lines[i] = nil
	}
	r.next, r.full = 0, false
}
