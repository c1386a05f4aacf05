// Package router dispatches parsed ESL events to global and
// channel-scoped handlers, per spec §4.4: a channel-scoped match stops
// the chain, otherwise global handlers plus the wildcard table run.
// The unregister-closure idiom is grounded on
// services/signaling/b2bua/leg_impl.go's OnStateChange/remove-by-index
// pattern, generalized here from one callback slice to a two-level
// handler table.
package router

import (
	"sync"

	"github.com/sebas/eslswitch/frame"
)

// Handler processes one event. Handlers run as detached goroutines so a
// slow handler cannot stall the reader loop (spec §4.4/§5); a handler's
// panic or error is the caller's concern, not the router's — Router
// never lets a handler's misbehavior affect its peers.
type Handler func(ev *frame.Event)

// Wildcard is the event-name key that matches every event in the
// global table.
const Wildcard = "*"

type entry struct {
	id int
	fn Handler
}

// Router holds the global table (event name -> handlers, including the
// "*" wildcard) and the channel table (O(1) lookup keyed by
// "<UUID>:<EventName>").
type Router struct {
	mu       sync.Mutex
	nextID   int
	global   map[string][]entry
	channel  map[string][]entry
	onPanic  func(ev *frame.Event, r any)
}

// New returns an empty Router.
func New() *Router {
	return &Router{
		global:  make(map[string][]entry),
		channel: make(map[string][]entry),
	}
}

// OnPanic installs a callback invoked if a handler panics, so the
// panic can be logged instead of crashing the dispatching goroutine.
func (r *Router) OnPanic(fn func(ev *frame.Event, r any)) {
	r.mu.Lock()
	r.onPanic = fn
	r.mu.Unlock()
}

// On registers a global handler for eventName (or Wildcard for every
// event). Returns an unregister function, safe to call at most once
// meaningfully (subsequent calls are no-ops).
func (r *Router) On(eventName string, fn Handler) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.global[eventName] = append(r.global[eventName], entry{id: id, fn: fn})
	r.mu.Unlock()

	return func() { r.removeGlobal(eventName, id) }
}

// OnChannel registers a handler scoped to one channel UUID and event
// name. A channel-scoped match stops the dispatch chain for that event
// (global handlers for the same event on that channel do not run).
func (r *Router) OnChannel(uuid, eventName string, fn Handler) func() {
	key := channelKey(uuid, eventName)

	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.channel[key] = append(r.channel[key], entry{id: id, fn: fn})
	r.mu.Unlock()

	return func() { r.removeChannel(key, id) }
}

func channelKey(uuid, eventName string) string {
	return uuid + ":" + eventName
}

func (r *Router) removeGlobal(eventName string, id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.global[eventName] = removeByID(r.global[eventName], id)
	if len(r.global[eventName]) == 0 {
		delete(r.global, eventName)
	}
}

func (r *Router) removeChannel(key string, id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channel[key] = removeByID(r.channel[key], id)
	if len(r.channel[key]) == 0 {
		delete(r.channel, key)
	}
}

func removeByID(entries []entry, id int) []entry {
	for i, e := range entries {
		if e.id == id {
			return append(entries[:i], entries[i+1:]...)
		}
	}
	return entries
}

// Dispatch implements protocol.Dispatcher: it routes one event per
// spec §4.4's precedence rule and runs each matched handler as a
// detached goroutine.
func (r *Router) Dispatch(ev *frame.Event) {
	name := ev.EventName()
	uuid := ev.UniqueID()

	var matched []entry
	if uuid != "" {
		r.mu.Lock()
		matched = append(matched, r.channel[channelKey(uuid, name)]...)
		r.mu.Unlock()
	}

	if len(matched) > 0 {
		r.run(ev, matched)
		return
	}

	r.mu.Lock()
	matched = append(matched, r.global[name]...)
	matched = append(matched, r.global[Wildcard]...)
	r.mu.Unlock()

	r.run(ev, matched)
}

func (r *Router) run(ev *frame.Event, entries []entry) {
	for _, e := range entries {
		fn := e.fn
		go func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.mu.Lock()
					onPanic := r.onPanic
					r.mu.Unlock()
					if onPanic != nil {
						onPanic(ev, rec)
					}
				}
			}()
			fn(ev)
		}()
	}
}
