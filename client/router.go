package client

import (
	"sync"

	"collabtext/protocol"
)

// Listener receives an envelope on the connection's delivery goroutine.
type Listener func(env *protocol.Envelope)

// Subscription is the handle returned by Router.On.
type Subscription struct {
	router  *Router
	msgType string
	id      uint64
}

// Cancel detaches the listener. It is safe to call more than once.
func (s *Subscription) Cancel() {
	if s == nil || s.router == nil {
		return
	}
	s.router.remove(s)
}

// Router dispatches envelopes to listeners keyed by message type. Listeners on
// protocol.TypeAny receive every envelope after the typed listeners.
type Router struct {
	mu        sync.Mutex
	nextId    uint64
	listeners map[string]map[uint64]Listener
	// registration order, so dispatch is deterministic
	order map[string][]uint64
}

func NewRouter() *Router {
	return &Router{
		listeners: map[string]map[uint64]Listener{},
		order:     map[string][]uint64{},
	}
}

func (r *Router) On(msgType string, listener Listener) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextId += 1
	id := r.nextId
	byId, ok := r.listeners[msgType]
	if !ok {
		byId = map[uint64]Listener{}
		r.listeners[msgType] = byId
	}
	byId[id] = listener
	r.order[msgType] = append(r.order[msgType], id)
	return &Subscription{router: r, msgType: msgType, id: id}
}

func (r *Router) Off(sub *Subscription) {
	sub.Cancel()
}

func (r *Router) remove(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byId, ok := r.listeners[sub.msgType]
	if !ok {
		return
	}
	if _, ok := byId[sub.id]; !ok {
		return
	}
	delete(byId, sub.id)
	ids := r.order[sub.msgType]
	for i, id := range ids {
		if id == sub.id {
			r.order[sub.msgType] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(byId) == 0 {
		delete(r.listeners, sub.msgType)
		delete(r.order, sub.msgType)
	}
}

// Dispatch calls the listeners for env.Type, then the TypeAny listeners.
// Listeners run without the router lock held and may subscribe or cancel.
func (r *Router) Dispatch(env *protocol.Envelope) {
	for _, listener := range r.snapshot(env.Type) {
		listener(env)
	}
	if env.Type != protocol.TypeAny {
		for _, listener := range r.snapshot(protocol.TypeAny) {
			listener(env)
		}
	}
}

func (r *Router) snapshot(msgType string) []Listener {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := r.order[msgType]
	out := make([]Listener, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.listeners[msgType][id])
	}
	return out
}

// Count returns the number of listeners registered for msgType.
func (r *Router) Count(msgType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners[msgType])
}
