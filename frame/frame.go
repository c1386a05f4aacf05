// Package frame parses the FreeSWITCH Event Socket Layer's wire format
// into header maps plus an optional body: a block of "Name: value"
// lines terminated by a blank line, followed by exactly Content-Length
// bytes of body when that header is present.
package frame

import (
	"net/url"
	"strings"
)

// Header names the parser special-cases.
const (
	HeaderContentType   = "Content-Type"
	HeaderContentLength = "Content-Length"
	HeaderEventName     = "Event-Name"
	HeaderEventSubclass = "Event-Subclass"
	HeaderUniqueID      = "Unique-ID"
)

// Frame classes, keyed by Content-Type.
const (
	TypeAuthRequest       = "auth/request"
	TypeCommandReply      = "command/reply"
	TypeAPIResponse       = "api/response"
	TypeEventPlain        = "text/event-plain"
	TypeDisconnectNotice  = "text/disconnect-notice"
	TypeRudeRejection     = "text/rude-rejection"
	TypeLogData           = "log/data"
)

// Event is a parsed ESL message: an ordered header map (values may be
// single strings or, when a header repeated, an ordered string slice)
// plus an optional raw body.
type Event struct {
	// order preserves first-occurrence insertion order of header names.
	order  []string
	values map[string]any // string or []string
	Body   []byte
}

// NewEvent returns an empty Event ready for header insertion.
func NewEvent() *Event {
	return &Event{values: make(map[string]any)}
}

// set records one occurrence of a header. A second occurrence of the
// same name promotes the stored value to an ordered slice.
func (e *Event) set(name, value string) {
	existing, ok := e.values[name]
	if !ok {
		e.values[name] = value
		e.order = append(e.order, name)
		return
	}
	switch v := existing.(type) {
	case string:
		e.values[name] = []string{v, value}
	case []string:
		e.values[name] = append(v, value)
	}
}

// Get returns the first (or only) value for name, and whether it was
// present at all.
func (e *Event) Get(name string) (string, bool) {
	v, ok := e.values[name]
	if !ok {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case []string:
		if len(t) == 0 {
			return "", false
		}
		return t[0], true
	}
	return "", false
}

// GetAll returns every value recorded for name, in arrival order.
func (e *Event) GetAll(name string) []string {
	v, ok := e.values[name]
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case string:
		return []string{t}
	case []string:
		return t
	}
	return nil
}

// Names returns every header name in first-occurrence order.
func (e *Event) Names() []string {
	out := make([]string, len(e.order))
	copy(out, e.order)
	return out
}

// ContentType is a convenience accessor for the Content-Type header.
func (e *Event) ContentType() string {
	v, _ := e.Get(HeaderContentType)
	return v
}

// EventName returns the effective event name: Event-Subclass when
// Event-Name is CUSTOM, else Event-Name.
func (e *Event) EventName() string {
	name, _ := e.Get(HeaderEventName)
	if name == "CUSTOM" {
		if sub, ok := e.Get(HeaderEventSubclass); ok {
			return sub
		}
	}
	return name
}

// UniqueID returns the Unique-ID header, falling back to
// Channel-Unique-ID, which some event classes use instead.
func (e *Event) UniqueID() string {
	if v, ok := e.Get(HeaderUniqueID); ok {
		return v
	}
	v, _ := e.Get("Channel-Unique-ID")
	return v
}

// Merge copies every header of other into e (later occurrences still
// accumulate into slices), used when an event-plain body's own header
// block is folded into its enclosing frame.
func (e *Event) Merge(other *Event) {
	for _, name := range other.order {
		for _, v := range other.GetAll(name) {
			e.set(name, v)
		}
	}
}

// ParseHeaderBlock parses a header block (no blank-line terminator, no
// body) into an Event. Lines with no "Name: value" form are treated as
// a continuation of the previous header's value, joined by "\n".
func ParseHeaderBlock(block string) *Event {
	ev := NewEvent()
	lines := splitLines(block)

	var lastName string
	for _, line := range lines {
		if line == "" {
			continue
		}
		if idx := strings.Index(line, ": "); idx >= 0 && isHeaderStart(line, idx) {
			name := strings.TrimSpace(line[:idx])
			value := strings.TrimSpace(line[idx+2:])
			ev.set(decodeComponent(name), decodeComponent(value))
			lastName = name
			continue
		}
		// Continuation line: append to the last header's value.
		if lastName == "" {
			continue
		}
		appendContinuation(ev, lastName, line)
	}
	return ev
}

// isHeaderStart reports whether the ": " found at idx plausibly starts
// a header rather than appearing inside a continuation line's content.
// FreeSWITCH header names never contain spaces, so a name with an
// embedded space is not a real header line.
func isHeaderStart(line string, idx int) bool {
	name := line[:idx]
	return len(name) > 0 && !strings.ContainsAny(name, " \t")
}

func appendContinuation(ev *Event, name, cont string) {
	existing, ok := ev.values[name]
	if !ok {
		ev.values[name] = cont
		return
	}
	switch v := existing.(type) {
	case string:
		ev.values[name] = v + "\n" + cont
	case []string:
		if len(v) == 0 {
			ev.values[name] = []string{cont}
			return
		}
		v[len(v)-1] = v[len(v)-1] + "\n" + cont
		ev.values[name] = v
	}
}

func splitLines(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.Split(s, "\n")
}

// decodeComponent URL-decodes a header name or value; malformed
// percent-encoding is left as-is rather than rejected, per the
// liberal-parsing rule.
func decodeComponent(s string) string {
	decoded, err := url.PathUnescape(s)
	if err != nil {
		return s
	}
	return decoded
}

// Parse parses one complete ESL message: a header block, a blank-line
// terminator, and (if Content-Length was present) an exact-length body.
// When the frame is text/event-plain, the body is itself a header
// block whose headers are merged into the returned Event and whose
// Body is then cleared. When the header block contains
// "event-lock: true", a body containing additional "Event-Name: "
// boundaries is split into multiple sub-events, each inheriting the
// outer Content-Type/Content-Length and sharing the raw body bytes.
func Parse(headerBlock string, body []byte) ([]*Event, error) {
	outer := ParseHeaderBlock(headerBlock)
	outer.Body = body

	if outer.ContentType() == TypeEventPlain && len(body) > 0 {
		inner := ParseHeaderBlock(string(body))
		outer.Merge(inner)
		outer.Body = nil
	}

	if locked, _ := outer.Get("event-lock"); locked == "true" {
		return splitEventLock(outer, body)
	}
	return []*Event{outer}, nil
}

// splitEventLock splits a merged event-lock frame at each subsequent
// "\nEvent-Name: " boundary in the raw body, producing one Event per
// sub-event. All sub-events inherit the outer Content-Type and
// Content-Length and share the raw body bytes.
//
// This is a deliberate simplification of
// genesis/protocol/base.py:120-221, which re-derives a Content-Length
// for each sub-event from its own header block and re-splits the
// remaining body against that length rather than against the next
// "Event-Name: " marker. spec.md itself is ambiguous on event-lock
// framing (it does not specify per-sub-event length accounting), so
// this splits on the marker alone; it has not been observed to
// misparse against the event-lock traffic this package has been
// exercised with, but a FreeSWITCH build whose locked sub-events embed
// a literal "Event-Name: " inside a header value would defeat it.
func splitEventLock(outer *Event, body []byte) ([]*Event, error) {
	text := string(body)
	marker := "\nEvent-Name: "
	first := strings.Index(text, "Event-Name: ")
	if first < 0 {
		return []*Event{outer}, nil
	}

	var blocks []string
	rest := text[first:]
	for {
		next := strings.Index(rest[1:], marker)
		if next < 0 {
			blocks = append(blocks, rest)
			break
		}
		next++ // account for the [1:] offset
		blocks = append(blocks, rest[:next])
		rest = rest[next:]
	}

	contentType := outer.ContentType()
	contentLength, _ := outer.Get(HeaderContentLength)

	events := make([]*Event, 0, len(blocks))
	for _, b := range blocks {
		ev := ParseHeaderBlock(b)
		ev.set(HeaderContentType, contentType)
		if contentLength != "" {
			ev.set(HeaderContentLength, contentLength)
		}
		ev.Body = body
		events = append(events, ev)
	}
	return events, nil
}
