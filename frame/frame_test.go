package frame

import "testing"

func TestParseHeaderBlock_Basic(t *testing.T) {
	ev := ParseHeaderBlock("Content-Type: command/reply\nReply-Text: +OK accepted")
	if ct := ev.ContentType(); ct != "command/reply" {
		t.Fatalf("ContentType = %q, want command/reply", ct)
	}
	if rt, _ := ev.Get("Reply-Text"); rt != "+OK accepted" {
		t.Fatalf("Reply-Text = %q", rt)
	}
}

func TestParseHeaderBlock_URLDecoded(t *testing.T) {
	ev := ParseHeaderBlock("Caller-Caller-ID-Name: a%20b")
	v, ok := ev.Get("Caller-Caller-ID-Name")
	if !ok || v != "a b" {
		t.Fatalf("got %q, ok=%v, want \"a b\"", v, ok)
	}
}

func TestParseHeaderBlock_RepeatedHeader(t *testing.T) {
	ev := ParseHeaderBlock("X-Custom: v1\nX-Custom: v2\nX-Custom: v3")
	got := ev.GetAll("X-Custom")
	want := []string{"v1", "v2", "v3"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestEventName_CustomSubclass(t *testing.T) {
	ev := ParseHeaderBlock("Event-Name: CUSTOM\nEvent-Subclass: sofia::register")
	if got := ev.EventName(); got != "sofia::register" {
		t.Fatalf("EventName() = %q, want sofia::register", got)
	}
}

func TestEventName_Plain(t *testing.T) {
	ev := ParseHeaderBlock("Event-Name: CHANNEL_ANSWER")
	if got := ev.EventName(); got != "CHANNEL_ANSWER" {
		t.Fatalf("EventName() = %q", got)
	}
}

func TestParse_EventPlainMergesBody(t *testing.T) {
	header := "Content-Length: 45\nContent-Type: text/event-plain"
	body := []byte("Event-Name: CHANNEL_CREATE\nUnique-ID: abc-123")

	events, err := Parse(header, body)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.EventName() != "CHANNEL_CREATE" {
		t.Fatalf("EventName() = %q", ev.EventName())
	}
	if ev.UniqueID() != "abc-123" {
		t.Fatalf("UniqueID() = %q", ev.UniqueID())
	}
	if ev.Body != nil {
		t.Fatalf("Body should be cleared after merge, got %q", ev.Body)
	}
}

func TestParse_EventLockSplitsSubEvents(t *testing.T) {
	header := "Content-Type: text/event-plain\nevent-lock: true"
	body := []byte(
		"Event-Name: CHANNEL_EXECUTE\nUnique-ID: u1\n" +
			"Event-Name: CHANNEL_EXECUTE_COMPLETE\nUnique-ID: u1",
	)

	events, err := Parse(header, body)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].EventName() != "CHANNEL_EXECUTE" {
		t.Fatalf("events[0].EventName() = %q", events[0].EventName())
	}
	if events[1].EventName() != "CHANNEL_EXECUTE_COMPLETE" {
		t.Fatalf("events[1].EventName() = %q", events[1].EventName())
	}
	for _, ev := range events {
		if ct := ev.ContentType(); ct != "text/event-plain" {
			t.Fatalf("sub-event Content-Type = %q, want inherited text/event-plain", ct)
		}
	}
}

func TestParseHeaderBlock_ContinuationLine(t *testing.T) {
	ev := ParseHeaderBlock("Application-Response: line one\nline two")
	v, _ := ev.Get("Application-Response")
	if v != "line one\nline two" {
		t.Fatalf("got %q", v)
	}
}
