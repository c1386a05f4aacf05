package router

import (
	"sync"
	"testing"
	"time"

	"github.com/sebas/eslswitch/frame"
)

func mkEvent(name, uuid string) *frame.Event {
	block := "Event-Name: " + name
	if uuid != "" {
		block += "\nUnique-ID: " + uuid
	}
	return frame.ParseHeaderBlock(block)
}

func TestChannelScopedStopsGlobal(t *testing.T) {
	r := New()

	var mu sync.Mutex
	var globalFired, channelFired bool

	r.On("CHANNEL_ANSWER", func(ev *frame.Event) {
		mu.Lock()
		globalFired = true
		mu.Unlock()
	})
	r.OnChannel("u1", "CHANNEL_ANSWER", func(ev *frame.Event) {
		mu.Lock()
		channelFired = true
		mu.Unlock()
	})

	r.Dispatch(mkEvent("CHANNEL_ANSWER", "u1"))

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if !channelFired {
		t.Fatal("expected channel-scoped handler to fire")
	}
	if globalFired {
		t.Fatal("global handler should not fire when a channel-scoped handler matches")
	}
}

func TestGlobalFallback(t *testing.T) {
	r := New()
	done := make(chan struct{}, 1)

	r.On("CHANNEL_ANSWER", func(ev *frame.Event) { done <- struct{}{} })
	r.Dispatch(mkEvent("CHANNEL_ANSWER", "u2")) // no channel handler registered for u2

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected global handler to fire")
	}
}

func TestWildcard(t *testing.T) {
	r := New()
	done := make(chan struct{}, 1)
	r.On(Wildcard, func(ev *frame.Event) { done <- struct{}{} })
	r.Dispatch(mkEvent("ANYTHING", ""))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected wildcard handler to fire")
	}
}

func TestUnregister(t *testing.T) {
	r := New()
	fired := make(chan struct{}, 1)
	unregister := r.On("CUSTOM_EVENT", func(ev *frame.Event) { fired <- struct{}{} })
	unregister()

	r.Dispatch(mkEvent("CUSTOM_EVENT", ""))

	select {
	case <-fired:
		t.Fatal("handler should not fire after unregister")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCustomEventRoutesBySubclass(t *testing.T) {
	r := New()
	done := make(chan struct{}, 1)
	r.On("sofia::register", func(ev *frame.Event) { done <- struct{}{} })

	ev := frame.ParseHeaderBlock("Event-Name: CUSTOM\nEvent-Subclass: sofia::register")
	r.Dispatch(ev)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected CUSTOM event to route by Event-Subclass")
	}
}
