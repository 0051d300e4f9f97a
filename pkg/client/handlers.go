package client

import (
	"sync"

	"github.com/agent-workspace/realtime/pkg/protocol"
)

// EventHandler receives envelopes of the kind it was registered for.
// Handlers run on the read goroutine and must not wait for request replies.
type EventHandler func(env *protocol.Envelope)

// HandlerID identifies a registered handler for Off.
type HandlerID uint64

type handlerEntry struct {
	id HandlerID
	fn EventHandler
}

// registry holds event handlers apart from any connection, so handlers
// registered before Connect keep working across reconnects.
type registry struct {
	mu     sync.RWMutex
	next   HandlerID
	byKind map[protocol.Kind][]handlerEntry
}

func newRegistry() *registry {
	return &registry{byKind: make(map[protocol.Kind][]handlerEntry)}
}

func (r *registry) add(kind protocol.Kind, fn EventHandler) HandlerID {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.next++
	r.byKind[kind] = append(r.byKind[kind], handlerEntry{id: r.next, fn: fn})
	return r.next
}

func (r *registry) remove(id HandlerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for kind, entries := range r.byKind {
		for i, e := range entries {
			if e.id != id {
				continue
			}
			entries = append(entries[:i:i], entries[i+1:]...)
			if len(entries) == 0 {
				delete(r.byKind, kind)
			} else {
				r.byKind[kind] = entries
			}
			return true
		}
	}
	return false
}

func (r *registry) dispatch(env *protocol.Envelope) {
	r.mu.RLock()
	entries := r.byKind[env.Type()]
	r.mu.RUnlock()

	for _, e := range entries {
		e.fn(env)
	}
}
