// Package callback correlates outgoing requests with the peer's responses.
package callback

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"sync"
)

// idBytes is the number of random bytes behind each id (16 hex characters).
const idBytes = 8

// Handler receives the payload of the response a request was waiting for.
type Handler func(payload json.RawMessage)

// Registry maps opaque callback ids to pending handlers.
// Each handler is invoked at most once; unknown ids are ignored.
type Registry struct {
	mu       sync.Mutex
	handlers map[string]Handler
	newID    func() string
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		newID:    randomID,
	}
}

// Register stores h under a fresh random id and returns the id.
func (r *Registry) Register(h Handler) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.newID()
	for _, taken := r.handlers[id]; taken; _, taken = r.handlers[id] {
		id = r.newID()
	}
	r.handlers[id] = h
	return id
}

// Resolve invokes the handler registered under id with payload and forgets
// it. It reports whether a handler was found; an unknown id is not an error.
func (r *Registry) Resolve(id string, payload json.RawMessage) bool {
	r.mu.Lock()
	h, ok := r.handlers[id]
	delete(r.handlers, id)
	r.mu.Unlock()

	if !ok {
		return false
	}
	// Handlers may register follow-up requests, so run them unlocked.
	h(payload)
	return true
}

// Forget drops the handler registered under id without invoking it.
func (r *Registry) Forget(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, id)
}

// Len returns the number of pending handlers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handlers)
}

// Clear drops every pending handler without invoking it and returns how
// many were dropped.
func (r *Registry) Clear() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.handlers)
	r.handlers = make(map[string]Handler)
	return n
}

func randomID() string {
	var b [idBytes]byte
	// crypto/rand.Read never returns an error on supported platforms.
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
