package correlate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sebas/eslswitch/frame"
)

// fakeSender records sent commands and lets the test script replies.
type fakeSender struct {
	mu       sync.Mutex
	sent     []string
	handlers map[int]func(cmd string) (*frame.Event, error)
	reply    func(cmd string) (*frame.Event, error)
}

func newFakeSender(reply func(cmd string) (*frame.Event, error)) *fakeSender {
	return &fakeSender{reply: reply}
}

func (f *fakeSender) Send(ctx context.Context, cmd string) (*frame.Event, error) {
	f.mu.Lock()
	f.sent = append(f.sent, cmd)
	f.mu.Unlock()
	return f.reply(cmd)
}

func (f *fakeSender) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	copy(out, f.sent)
	return out
}

// fakeSubscriber is a minimal in-process stand-in for router.Router.
type fakeSubscriber struct {
	mu       sync.Mutex
	global   map[string][]Handler
	channel  map[string][]Handler
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{global: make(map[string][]Handler), channel: make(map[string][]Handler)}
}

func (f *fakeSubscriber) On(eventName string, fn Handler) func() {
	f.mu.Lock()
	f.global[eventName] = append(f.global[eventName], fn)
	idx := len(f.global[eventName]) - 1
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		hs := f.global[eventName]
		if idx < len(hs) {
			hs[idx] = nil
		}
	}
}

func (f *fakeSubscriber) OnChannel(uuid, eventName string, fn Handler) func() {
	key := uuid + ":" + eventName
	f.mu.Lock()
	f.channel[key] = append(f.channel[key], fn)
	idx := len(f.channel[key]) - 1
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		hs := f.channel[key]
		if idx < len(hs) {
			hs[idx] = nil
		}
	}
}

func (f *fakeSubscriber) fireChannel(uuid, eventName string, ev *frame.Event) {
	key := uuid + ":" + eventName
	f.mu.Lock()
	hs := append([]Handler(nil), f.channel[key]...)
	f.mu.Unlock()
	for _, h := range hs {
		if h != nil {
			h(ev)
		}
	}
}

func (f *fakeSubscriber) fireGlobal(eventName string, ev *frame.Event) {
	f.mu.Lock()
	hs := append([]Handler(nil), f.global[eventName]...)
	f.mu.Unlock()
	for _, h := range hs {
		if h != nil {
			h(ev)
		}
	}
}

func TestAwaitExecute_Success(t *testing.T) {
	sub := newFakeSubscriber()
	c := New(newFakeSender(func(cmd string) (*frame.Event, error) { return frame.ParseHeaderBlock(""), nil }), sub)

	res := c.AwaitExecute("app-1", "chan-1", time.Second)

	completion := frame.ParseHeaderBlock("Event-Name: CHANNEL_EXECUTE_COMPLETE\nUnique-ID: chan-1\nApplication-UUID: app-1\nApplication-Response: +OK")
	sub.fireChannel("chan-1", "CHANNEL_EXECUTE_COMPLETE", completion)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := res.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	ok, err := res.IsSuccessful()
	if err != nil || !ok {
		t.Fatalf("IsSuccessful = %v, %v", ok, err)
	}
}

func TestAwaitExecute_IgnoresMismatchedAppUUID(t *testing.T) {
	sub := newFakeSubscriber()
	c := New(newFakeSender(func(cmd string) (*frame.Event, error) { return frame.ParseHeaderBlock(""), nil }), sub)

	res := c.AwaitExecute("app-1", "chan-1", time.Second)

	other := frame.ParseHeaderBlock("Event-Name: CHANNEL_EXECUTE_COMPLETE\nUnique-ID: chan-1\nApplication-UUID: app-other")
	sub.fireChannel("chan-1", "CHANNEL_EXECUTE_COMPLETE", other)

	if res.IsCompleted() {
		t.Fatal("should not complete on mismatched Application-UUID")
	}
}

func TestAwaitExecute_InterruptedByHangup(t *testing.T) {
	sub := newFakeSubscriber()
	c := New(newFakeSender(func(cmd string) (*frame.Event, error) { return frame.ParseHeaderBlock(""), nil }), sub)

	res := c.AwaitExecute("app-1", "chan-1", time.Second)
	sub.fireChannel("chan-1", "CHANNEL_HANGUP", frame.ParseHeaderBlock("Event-Name: CHANNEL_HANGUP\nUnique-ID: chan-1"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := res.Wait(ctx)
	if err == nil {
		t.Fatal("expected OperationInterrupted")
	}
}

func TestAwaitExecute_Timeout(t *testing.T) {
	sub := newFakeSubscriber()
	c := New(newFakeSender(func(cmd string) (*frame.Event, error) { return frame.ParseHeaderBlock(""), nil }), sub)

	res := c.AwaitExecute("app-1", "chan-1", 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := res.Wait(ctx)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestBgAPI_Success(t *testing.T) {
	sub := newFakeSubscriber()
	var capturedJobUUID string
	sender := newFakeSender(func(cmd string) (*frame.Event, error) {
		if len(cmd) >= 6 && cmd[:6] == "bgapi " {
			// The reply below echoes job-A, the Job-UUID this test passes to BgAPI.
		}
		if len(cmd) >= 7 && cmd[:7] == "filter " {
			return frame.ParseHeaderBlock("Reply-Text: +OK"), nil
		}
		return frame.ParseHeaderBlock("Reply-Text: +OK Job-UUID: job-A"), nil
	})
	c := New(sender, sub)

	res, err := c.BgAPI(context.Background(), "status", "job-A")
	if err != nil {
		t.Fatalf("BgAPI: %v", err)
	}
	capturedJobUUID = res.JobUUID
	if capturedJobUUID != "job-A" {
		t.Fatalf("JobUUID = %q, want job-A", capturedJobUUID)
	}

	completion := frame.ParseHeaderBlock("Event-Name: BACKGROUND_JOB\nJob-UUID: job-A")
	completion.Body = []byte("+OK done")
	sub.fireGlobal("BACKGROUND_JOB", completion)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := res.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	ok, err := res.IsSuccessful()
	if err != nil || !ok {
		t.Fatalf("IsSuccessful = %v, %v", ok, err)
	}
	if res.Response() != "+OK done" {
		t.Fatalf("Response() = %q", res.Response())
	}
}

func TestBgAPI_UUIDMismatchRefiles(t *testing.T) {
	sub := newFakeSubscriber()
	sender := newFakeSender(func(cmd string) (*frame.Event, error) {
		if len(cmd) >= 7 && cmd[:7] == "filter " {
			return frame.ParseHeaderBlock("Reply-Text: +OK"), nil
		}
		// bgapi reply assigns a DIFFERENT Job-UUID than the one sent.
		return frame.ParseHeaderBlock("Reply-Text: +OK Job-UUID: job-B"), nil
	})
	c := New(sender, sub)

	res, err := c.BgAPI(context.Background(), "originate foo", "job-A")
	if err != nil {
		t.Fatalf("BgAPI: %v", err)
	}
	if res.JobUUID != "job-B" {
		t.Fatalf("JobUUID = %q, want job-B (re-filed)", res.JobUUID)
	}

	jobs := c.PendingJobs()
	if _, ok := jobs["job-B"]; !ok {
		t.Fatalf("expected job tracked under job-B, got %v", jobs)
	}
	if _, ok := jobs["job-A"]; ok {
		t.Fatal("job-A should no longer be tracked")
	}

	completion := frame.ParseHeaderBlock("Event-Name: BACKGROUND_JOB\nJob-UUID: job-B")
	completion.Body = []byte("+OK")
	sub.fireGlobal("BACKGROUND_JOB", completion)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := res.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestShutdown_FailsPendingJobs(t *testing.T) {
	sub := newFakeSubscriber()
	sender := newFakeSender(func(cmd string) (*frame.Event, error) {
		return frame.ParseHeaderBlock("Reply-Text: +OK Job-UUID: job-X"), nil
	})
	c := New(sender, sub)

	res, err := c.BgAPI(context.Background(), "status", "job-X")
	if err != nil {
		t.Fatalf("BgAPI: %v", err)
	}

	c.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := res.Wait(ctx); err == nil {
		t.Fatal("expected pending job to fail on shutdown")
	}
}
