package channel

import (
	"context"
	"log/slog"
	"sync"

	"github.com/sebas/eslswitch/frame"
)

// Session is a protocol engine bound to a single outbound-mode ESL
// socket: it owns the A-leg (and any B-legs created by bridges or
// originates) and forwards every inbound event to the right Channel,
// materializing the A-leg lazily from the first command/reply after
// `connect` that carries Channel-State, per spec §9's design note (the
// creation trigger is not named CHANNEL_CREATE).
type Session struct {
	mu       sync.RWMutex
	deps     Deps
	logger   *slog.Logger
	channels map[string]*Channel
	aLeg     string

	unregister []func()
}

// NewSession builds a Session over deps. Call Start after the
// connect/linger/myevents handshake has completed.
func NewSession(deps Deps) *Session {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Session{
		deps:     deps,
		logger:   deps.Logger,
		channels: make(map[string]*Channel),
	}
}

// Start subscribes to the wildcard event table so every event can be
// routed to its owning Channel, creating one on demand for
// CHANNEL_CREATE/CHANNEL_DATA whose UUID is not yet known.
func (s *Session) Start() {
	unreg := s.deps.Subscriber.On("*", s.dispatch)
	s.mu.Lock()
	s.unregister = append(s.unregister, unreg)
	s.mu.Unlock()
}

// Stop unregisters the session's event subscription and closes every
// tracked channel's event subscriptions.
func (s *Session) Stop() {
	s.mu.Lock()
	unregs := s.unregister
	s.unregister = nil
	chans := make([]*Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		chans = append(chans, ch)
	}
	s.mu.Unlock()

	for _, u := range unregs {
		u()
	}
	for _, ch := range chans {
		ch.Close()
	}
}

func (s *Session) dispatch(ev *frame.Event) {
	uuid := ev.UniqueID()
	if uuid == "" {
		return
	}

	s.mu.Lock()
	ch, ok := s.channels[uuid]
	if !ok {
		switch ev.EventName() {
		case "CHANNEL_CREATE", "CHANNEL_DATA":
			ch = FromSession(uuid, s.deps)
			s.channels[uuid] = ch
			if s.aLeg == "" {
				s.aLeg = uuid
			}
		}
	}
	s.mu.Unlock()

	if ch == nil {
		return
	}
	if ev.EventName() == "CHANNEL_DESTROY" {
		s.gc(uuid)
	}
}

// gc removes a destroyed channel from tracking, clearing the A-leg
// reference if that leg was the one destroyed.
func (s *Session) gc(uuid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channels, uuid)
	if s.aLeg == uuid {
		s.aLeg = ""
	}
}

// Channel returns the tracked Channel for uuid, if any.
func (s *Session) Channel(uuid string) (*Channel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[uuid]
	return ch, ok
}

// ALeg returns the session's originally-connected channel, if it still
// exists.
func (s *Session) ALeg() (*Channel, bool) {
	s.mu.RLock()
	aLeg := s.aLeg
	s.mu.RUnlock()
	if aLeg == "" {
		return nil, false
	}
	return s.Channel(aLeg)
}

// Connect performs the outbound-mode startup handshake of spec §4.3:
// connect, optionally linger, optionally myevents, optionally a plain
// event subscription, and a Unique-ID filter for the initial leg. The
// connect reply's own Channel-State materializes the A-leg.
func (s *Session) Connect(ctx context.Context, sender Sender, linger, myevents, subscribeEvents bool) (*Channel, error) {
	reply, err := sender.Send(ctx, "connect")
	if err != nil {
		return nil, err
	}

	uuid := reply.UniqueID()
	if uuid == "" {
		uuid, _ = reply.Get("Unique-ID")
	}

	if linger {
		if _, err := sender.Send(ctx, "linger"); err != nil {
			return nil, err
		}
	}
	if myevents {
		if _, err := sender.Send(ctx, "myevents"); err != nil {
			return nil, err
		}
	}
	if subscribeEvents {
		if _, err := sender.Send(ctx, "event plain all"); err != nil {
			return nil, err
		}
	}
	if uuid != "" {
		if _, err := sender.Send(ctx, "filter Unique-ID "+uuid); err != nil {
			return nil, err
		}
	}

	ch := FromSession(uuid, s.deps)
	// Seed state/callState directly from the connect reply, since its
	// Channel-State header is the creation trigger, not a later event.
	ch.handleEvent(reply)

	s.mu.Lock()
	s.channels[uuid] = ch
	s.aLeg = uuid
	s.mu.Unlock()

	return ch, nil
}
