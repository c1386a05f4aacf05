// Package channel implements the Channel/Session state machine of
// spec §4.6: a mutex-guarded struct tracking FreeSWITCH channel and
// call state, the full verb surface (answer, playback, bridge, say,
// DTMF, ...), and wait-for-state/wait-for-event suspension. Grounded
// on services/signaling/b2bua/leg_impl.go's shape (options-pattern
// constructors, GetState/WaitForState, OnStateChange/OnTerminated
// unregister-closures, TransitionTo with per-state timing fields,
// copy-under-lock-then-invoke-without-lock callback dispatch),
// generalized from SIP leg states to the ESL channel-state enum and
// enriched with the verb table and supplemented features of
// SPEC_FULL.md (say, silence, play_and_get_digits, an Originate
// convenience, and A-leg variable propagation on bridge).
package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sebas/eslswitch/correlate"
	"github.com/sebas/eslswitch/eslerrors"
	"github.com/sebas/eslswitch/frame"
	"github.com/sebas/eslswitch/router"
)

// Sender issues a command and waits for its reply.
type Sender interface {
	Send(ctx context.Context, cmd string) (*frame.Event, error)
}

// CorrelatorAPI is the subset of correlate.Correlator Channel depends
// on.
type CorrelatorAPI interface {
	AwaitExecute(appUUID, channelUUID string, timeout time.Duration) *correlate.CommandResult
	BgAPI(ctx context.Context, cmd string, jobUUID string) (*correlate.BackgroundJobResult, error)
}

// Subscriber registers event handlers, matching router.Router.
type Subscriber interface {
	On(eventName string, fn router.Handler) func()
	OnChannel(uuid, eventName string, fn router.Handler) func()
}

// Deps bundles the collaborators a Channel needs: a command sender, a
// correlator for execute/bgapi completions, and an event subscriber.
// All three are typically backed by one protocol.Engine/correlate.Correlator/
// router.Router trio.
type Deps struct {
	Sender     Sender
	Correlator CorrelatorAPI
	Subscriber Subscriber
	Logger     *slog.Logger
}

// Option configures a Channel at construction time, following the
// functional-options idiom of leg_impl.go's LegOption.
type Option func(*channelOptions)

type channelOptions struct {
	executeTimeout time.Duration
}

// WithExecuteTimeout sets the default timeout applied to execute verbs
// that don't specify their own. Zero means no timeout.
func WithExecuteTimeout(d time.Duration) Option {
	return func(o *channelOptions) { o.executeTimeout = d }
}

// DTMFHandler processes one DTMF digit event.
type DTMFHandler func(digit string, ev *frame.Event)

// Channel models one FreeSWITCH call leg (spec §3 Channel).
type Channel struct {
	mu sync.RWMutex

	uuid string
	deps Deps
	opts channelOptions

	state     State
	callState CallState
	answered  bool // for the wait(EXECUTE) AND-condition (spec §4.6)

	vars    map[string]string
	context map[string]string

	createdAt       time.Time
	stateTimestamps map[State]time.Time

	isGone bool

	stateChangeCallbacks []func(old, new State)
	terminatedCallbacks  []func(cause string)
	callbackMu           sync.Mutex

	dtmfHandlers   map[string][]DTMFHandler // "" key = unfiltered
	dtmfHandlersMu sync.Mutex

	unregister []func()

	ctx    context.Context
	cancel context.CancelFunc
}

func newChannel(id string, deps Deps, opts ...Option) *Channel {
	o := channelOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()

	return &Channel{
		uuid:            id,
		deps:            deps,
		opts:            o,
		state:           StateNew,
		createdAt:       now,
		stateTimestamps: map[State]time.Time{StateNew: now},
		vars:            make(map[string]string),
		context:         make(map[string]string),
		dtmfHandlers:    make(map[string][]DTMFHandler),
		ctx:             ctx,
		cancel:          cancel,
	}
}

// UUID returns the channel's identity. Immutable after construction.
func (c *Channel) UUID() string { return c.uuid }

// GetState returns the current channel state.
func (c *Channel) GetState() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// GetCallState returns the current call state.
func (c *Channel) GetCallState() CallState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.callState
}

// IsGone reports whether the channel has hung up or been destroyed.
func (c *Channel) IsGone() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isGone
}

// GetVariable returns a channel variable previously observed on an
// inbound event, or set locally.
func (c *Channel) GetVariable(name string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.vars[name]
	return v, ok
}

// Context returns the channel's cancellation context, cancelled when
// the channel is closed.
func (c *Channel) Context() context.Context { return c.ctx }

// OnStateChange registers a callback invoked on every state
// transition. Returns an unregister function (leg_impl.go idiom).
func (c *Channel) OnStateChange(fn func(old, new State)) func() {
	c.callbackMu.Lock()
	c.stateChangeCallbacks = append(c.stateChangeCallbacks, fn)
	idx := len(c.stateChangeCallbacks) - 1
	c.callbackMu.Unlock()

	return func() {
		c.callbackMu.Lock()
		defer c.callbackMu.Unlock()
		if idx < len(c.stateChangeCallbacks) {
			c.stateChangeCallbacks = append(c.stateChangeCallbacks[:idx], c.stateChangeCallbacks[idx+1:]...)
		}
	}
}

// OnTerminated registers a callback invoked once the channel reaches a
// terminal state.
func (c *Channel) OnTerminated(fn func(cause string)) {
	c.callbackMu.Lock()
	c.terminatedCallbacks = append(c.terminatedCallbacks, fn)
	c.callbackMu.Unlock()
}

// OnDTMF registers a handler for DTMF events. When digit is "", the
// handler is invoked for every digit. DTMF events are taken from the
// global table: an event whose Unique-ID names another channel is
// ignored, while an event with no Unique-ID at all is accepted, since
// some FreeSWITCH configurations omit Unique-ID on DTMF events.
func (c *Channel) OnDTMF(digit string, fn DTMFHandler) func() {
	c.dtmfHandlersMu.Lock()
	c.dtmfHandlers[digit] = append(c.dtmfHandlers[digit], fn)
	idx := len(c.dtmfHandlers[digit]) - 1
	c.dtmfHandlersMu.Unlock()

	return func() {
		c.dtmfHandlersMu.Lock()
		defer c.dtmfHandlersMu.Unlock()
		hs := c.dtmfHandlers[digit]
		if idx < len(hs) {
			c.dtmfHandlers[digit] = append(hs[:idx], hs[idx+1:]...)
		}
	}
}

// registerStateHandlers wires the channel's event subscriptions: any
// event carrying Unique-ID for this channel updates state/callState,
// and an unfiltered DTMF subscription dispatches digit handlers.
func (c *Channel) registerStateHandlers() {
	for _, name := range []string{
		"CHANNEL_CREATE", "CHANNEL_STATE", "CHANNEL_DATA", "CHANNEL_ANSWER",
		"CHANNEL_EXECUTE", "CHANNEL_EXECUTE_COMPLETE", "CHANNEL_HANGUP",
		"CHANNEL_HANGUP_COMPLETE", "CHANNEL_DESTROY",
	} {
		unreg := c.deps.Subscriber.OnChannel(c.uuid, name, c.handleEvent)
		c.unregister = append(c.unregister, unreg)
	}
	unreg := c.deps.Subscriber.On("DTMF", c.handleDTMF)
	c.unregister = append(c.unregister, unreg)
}

func (c *Channel) handleDTMF(ev *frame.Event) {
	if uuid := ev.UniqueID(); uuid != "" && uuid != c.uuid {
		return
	}
	digit, _ := ev.Get("DTMF-Digit")

	c.dtmfHandlersMu.Lock()
	handlers := append([]DTMFHandler(nil), c.dtmfHandlers[digit]...)
	handlers = append(handlers, c.dtmfHandlers[""]...)
	c.dtmfHandlersMu.Unlock()

	for _, h := range handlers {
		h(digit, ev)
	}
}

func (c *Channel) handleEvent(ev *frame.Event) {
	c.mu.Lock()

	old := c.state
	if numStr, ok := ev.Get("Channel-State-Number"); ok {
		if n, err := strconv.Atoi(numStr); err == nil {
			if st, ok := stateFromNumber(n); ok {
				c.state = st
			}
		}
	} else if csStr, ok := ev.Get("Channel-State"); ok {
		if st, ok := stateFromString(csStr); ok {
			c.state = st
		}
	}

	if ccs, ok := ev.Get("Channel-Call-State"); ok {
		if cs, ok := callStateFromString(ccs); ok {
			c.callState = cs
		}
	}

	if ev.EventName() == "CHANNEL_ANSWER" {
		c.answered = true
	}

	for _, name := range ev.Names() {
		if strings.HasPrefix(name, "variable_") {
			v, _ := ev.Get(name)
			c.vars[strings.TrimPrefix(name, "variable_")] = v
		}
		if isContextHeader(name) {
			v, _ := ev.Get(name)
			c.context[name] = v
		}
	}

	if c.callState == CallStateHangup || c.state == StateDestroy {
		c.isGone = true
	}

	newState := c.state
	stateTimestamps := c.stateTimestamps
	if _, seen := stateTimestamps[newState]; !seen {
		stateTimestamps[newState] = time.Now()
	}
	gone := c.isGone
	c.mu.Unlock()

	if old != newState {
		c.notifyStateChange(old, newState)
	}
	if gone && ev.EventName() == "CHANNEL_HANGUP_COMPLETE" {
		cause, _ := ev.Get("Hangup-Cause")
		c.notifyTerminated(cause)
	}
}

func isContextHeader(name string) bool {
	switch name {
	case "Caller-Caller-ID-Name", "Caller-Caller-ID-Number",
		"Caller-Destination-Number", "Channel-Name", "Channel-Call-UUID",
		"Hangup-Cause":
		return true
	}
	return false
}

func (c *Channel) notifyStateChange(old, new State) {
	c.callbackMu.Lock()
	cbs := make([]func(old, new State), len(c.stateChangeCallbacks))
	copy(cbs, c.stateChangeCallbacks)
	c.callbackMu.Unlock()
	for _, fn := range cbs {
		fn(old, new)
	}
}

func (c *Channel) notifyTerminated(cause string) {
	c.callbackMu.Lock()
	cbs := make([]func(cause string), len(c.terminatedCallbacks))
	copy(cbs, c.terminatedCallbacks)
	c.callbackMu.Unlock()
	for _, fn := range cbs {
		fn(cause)
	}
}

// Close releases the channel's event subscriptions and cancels its
// context. Safe to call more than once.
func (c *Channel) Close() {
	c.mu.Lock()
	c.isGone = true
	c.mu.Unlock()

	c.cancel()
	for _, unreg := range c.unregister {
		unreg()
	}
}

// Create issues the full origination sequence of spec §4.6's `create`
// row and scenario S3: api create_uuid, register the channel's event
// handlers, filter Unique-ID, then api originate with unquoted
// origination_uuid/return_ring_ready ahead of vars. Returns once
// the originate command's reply is received (not once the call
// answers).
func Create(ctx context.Context, deps Deps, dial string, vars map[string]string, opts ...Option) (*Channel, error) {
	reply, err := deps.Sender.Send(ctx, "api create_uuid")
	if err != nil {
		return nil, err
	}
	newUUID := strings.TrimSpace(string(reply.Body))
	if newUUID == "" || strings.HasPrefix(newUUID, "-ERR") {
		return nil, fmt.Errorf("channel: create_uuid failed: %q", newUUID)
	}

	ch := newChannel(newUUID, deps, opts...)
	ch.registerStateHandlers()

	if _, err := deps.Sender.Send(ctx, "filter Unique-ID "+newUUID); err != nil {
		ch.Close()
		return nil, err
	}

	rest := make(map[string]string, len(vars))
	for k, v := range vars {
		if k != "origination_uuid" && k != "return_ring_ready" {
			rest[k] = v
		}
	}
	varString := "{origination_uuid=" + newUUID + ",return_ring_ready=true"
	if extra := FormatVars(rest); extra != "" {
		varString += "," + extra[1:len(extra)-1]
	}
	dialString := varString + "}" + dial
	oreply, err := deps.Sender.Send(ctx, "api originate "+dialString+" &park()")
	if err != nil {
		ch.Close()
		return nil, err
	}
	body := strings.TrimSpace(string(oreply.Body))
	if strings.HasPrefix(body, "-ERR") {
		ch.Close()
		return nil, &eslerrors.OriginateError{Destination: dial, Variables: vars, Cause: fmt.Errorf("%s", body)}
	}

	return ch, nil
}

// Originate is a convenience wrapper performing the same sequence as
// Create, for callers that don't already hold a Session (spec
// SPEC_FULL.md supplemented feature, grounded on
// original_source/genesis/channel.py's classmethod-style create path).
func Originate(ctx context.Context, deps Deps, dial string, vars map[string]string, opts ...Option) (*Channel, error) {
	return Create(ctx, deps, dial, vars, opts...)
}

// FromSession wraps an already-known channel UUID (the outbound-mode
// A-leg materialized from the initial `connect` reply, or a B-leg
// discovered via CHANNEL_CREATE).
func FromSession(id string, deps Deps, opts ...Option) *Channel {
	ch := newChannel(id, deps, opts...)
	ch.registerStateHandlers()
	return ch
}

// Wait suspends until the channel reaches target state (or the
// EXECUTE-specific AND-condition with CHANNEL_ANSWER, per spec §4.6),
// or reaches a terminal state first (also returns nil), or timeout
// elapses (returns eslerrors.ErrTimeout). Mirrors leg_impl.go's
// WaitForState polling-ticker shape.
func (c *Channel) Wait(ctx context.Context, target State, timeout time.Duration) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		c.mu.RLock()
		current := c.state
		answered := c.answered
		c.mu.RUnlock()

		reached := current >= target
		if target == StateExecute {
			reached = current >= StateExecute && answered
		}
		if reached {
			return nil
		}
		if current.IsTerminal() && target != StateHangup && target != StateDestroy && target != StateReporting {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.ctx.Done():
			return eslerrors.ErrSessionGoneAway
		case <-ticker.C:
			if !deadline.IsZero() && time.Now().After(deadline) {
				return eslerrors.ErrTimeout
			}
			continue
		}
	}
}

// WaitForEvent suspends until eventName arrives, or timeout elapses.
// Per spec §4.6/§9, only CHANNEL_STATE, CHANNEL_ANSWER, and
// CHANNEL_HANGUP_COMPLETE are filtered by this channel's Unique-ID;
// any other event name (notably DTMF) is delivered from the global
// table regardless of which channel it names.
func (c *Channel) WaitForEvent(ctx context.Context, eventName string, timeout time.Duration) (*frame.Event, error) {
	resultCh := make(chan *frame.Event, 1)
	deliver := func(ev *frame.Event) {
		select {
		case resultCh <- ev:
		default:
		}
	}

	var unregister func()
	if isChannelFilteredEvent(eventName) {
		unregister = c.deps.Subscriber.OnChannel(c.uuid, eventName, deliver)
	} else {
		unregister = c.deps.Subscriber.On(eventName, deliver)
	}
	defer unregister()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case ev := <-resultCh:
		return ev, nil
	case <-timeoutCh:
		return nil, eslerrors.ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func isChannelFilteredEvent(name string) bool {
	switch name {
	case "CHANNEL_STATE", "CHANNEL_ANSWER", "CHANNEL_HANGUP_COMPLETE":
		return true
	}
	return false
}

// execute sends a dialplan application via sendmsg and correlates its
// completion via Application-UUID, per spec §4.5's execute-correlation
// protocol. Registration happens before the send, as required.
func (c *Channel) execute(ctx context.Context, app, data string, timeout time.Duration) (*correlate.CommandResult, error) {
	if c.IsGone() {
		return nil, eslerrors.ErrSessionGoneAway
	}
	appUUID := "app-" + uuid.New().String()
	if timeout == 0 {
		timeout = c.opts.executeTimeout
	}

	result := c.deps.Correlator.AwaitExecute(appUUID, c.uuid, timeout)
	result.Application = app

	cmd := fmt.Sprintf(
		"sendmsg %s\ncall-command: execute\nexecute-app-name: %s\nexecute-app-arg: %s\nEvent-UUID: %s\nevent-lock: true\n",
		c.uuid, app, data, appUUID,
	)
	if _, err := c.deps.Sender.Send(ctx, cmd); err != nil {
		return nil, err
	}
	return result, nil
}

// runExecute runs execute and blocks for its completion, returning an
// error unless the application's response does not start with -ERR.
func (c *Channel) runExecute(ctx context.Context, app, data string, timeout time.Duration) error {
	result, err := c.execute(ctx, app, data, timeout)
	if err != nil {
		return err
	}
	if err := result.Wait(ctx); err != nil {
		return err
	}
	ok, err := result.IsSuccessful()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("channel: %s failed: %s", app, result.Response())
	}
	return nil
}

// Answer answers the channel.
func (c *Channel) Answer(ctx context.Context) error {
	return c.runExecute(ctx, "answer", "", 0)
}

// Park parks the channel.
func (c *Channel) Park(ctx context.Context) error {
	return c.runExecute(ctx, "park", "", 0)
}

// Hangup hangs up the channel with cause. Per spec §3/§8 invariant 8,
// a channel already at state >= HANGUP returns nil (the stand-in for a
// synthetic +OK) without emitting any wire command.
func (c *Channel) Hangup(ctx context.Context, cause string) error {
	if c.GetState().IsTerminal() {
		return nil
	}
	if cause == "" {
		cause = "NORMAL_CLEARING"
	}
	_, err := c.deps.Sender.Send(ctx, "api uuid_kill "+c.uuid+" "+cause)
	return err
}

// Playback plays a file.
func (c *Channel) Playback(ctx context.Context, path string) error {
	return c.runExecute(ctx, "playback", path, 0)
}

// Say speaks text via a TTS/IVR module (supplemented feature, grounded
// on original_source/genesis/channels/channel.py's say()).
func (c *Channel) Say(ctx context.Context, module, lang, sayType, method, text string) error {
	data := fmt.Sprintf("%s.%s %s %s %s", module, lang, sayType, method, text)
	return c.runExecute(ctx, "say", data, 0)
}

// Silence plays seconds of silence (supplemented feature).
func (c *Channel) Silence(ctx context.Context, seconds int) error {
	return c.runExecute(ctx, "playback", fmt.Sprintf("silence_stream://%d", seconds*1000), 0)
}

// PlayAndGetDigitsOptions configures PlayAndGetDigits, mirroring
// FreeSWITCH's full play_and_get_digits parameter set (supplemented
// feature, grounded on original_source/genesis/channels/channel.py).
type PlayAndGetDigitsOptions struct {
	MinDigits     int
	MaxDigits     int
	Tries         int
	Timeout       time.Duration
	Terminators   string
	File          string
	InvalidFile   string
	VarName       string
	Regexp        string
	DigitTimeout  time.Duration
}

// PlayAndGetDigits prompts and collects DTMF input, returning the
// digits collected in the named channel variable.
func (c *Channel) PlayAndGetDigits(ctx context.Context, opts PlayAndGetDigitsOptions) (string, error) {
	varName := opts.VarName
	if varName == "" {
		varName = "play_and_get_digits_result"
	}
	data := fmt.Sprintf("%d %d %d %d %s %s %s %s %s",
		opts.MinDigits, opts.MaxDigits, opts.Tries,
		opts.Timeout.Milliseconds(), opts.Terminators, opts.File,
		opts.InvalidFile, varName, opts.Regexp)
	if opts.DigitTimeout > 0 {
		data += fmt.Sprintf(" %d", opts.DigitTimeout.Milliseconds())
	}
	if err := c.runExecute(ctx, "play_and_get_digits", data, 0); err != nil {
		return "", err
	}
	v, _ := c.GetVariable(varName)
	return v, nil
}

// SetVariable sets a channel variable via uuid_setvar.
func (c *Channel) SetVariable(ctx context.Context, name, value string) error {
	_, err := c.deps.Sender.Send(ctx, fmt.Sprintf("api uuid_setvar %s %s %s", c.uuid, name, value))
	return err
}

// Log writes a log line on this channel by executing the dialplan
// "log" application with "<level> <msg>".
func (c *Channel) Log(ctx context.Context, level, msg string) error {
	return c.runExecute(ctx, "log", level+" "+msg, 0)
}

// originationVars returns the A-leg caller-id variables to propagate
// onto a bridge target unless the caller already overrode them
// (spec §4.6 bridge(); exact variable names from
// original_source/genesis/channels/channel.py's bridge()).
func (c *Channel) originationVars(overrides map[string]string) map[string]string {
	c.mu.RLock()
	callerName := c.vars["effective_caller_id_name"]
	callerNumber := c.vars["effective_caller_id_number"]
	c.mu.RUnlock()

	merged := map[string]string{}
	if callerNumber != "" {
		merged["origination_caller_id_number"] = callerNumber
	}
	if callerName != "" {
		merged["origination_caller_id_name"] = callerName
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

// Bridge bridges this channel to another Channel (via uuid_bridge, a
// bgapi call, returning that same Channel on success) or to a raw
// endpoint string. For a string target it generates a B-leg UUID,
// injects it as origination_uuid alongside the propagated A-leg
// caller-id vars (unless overridden), registers a Channel for that
// B-leg and files an event filter for it before issuing the execute
// bridge, and returns the B-leg Channel on success — mirroring
// original_source/genesis/channels/channel.py's bridge(), which
// returns the new Channel for exactly this reason.
func (c *Channel) Bridge(ctx context.Context, other any, vars map[string]string) (*Channel, error) {
	switch t := other.(type) {
	case *Channel:
		res, err := c.deps.Correlator.BgAPI(ctx, "uuid_bridge "+c.uuid+" "+t.uuid, "")
		if err != nil {
			return nil, err
		}
		if err := res.Wait(ctx); err != nil {
			return nil, err
		}
		ok, err := res.IsSuccessful()
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("channel: bridge failed: %s", res.Response())
		}
		return t, nil
	case string:
		if c.GetState().IsTerminal() {
			return nil, eslerrors.ErrChannel
		}
		blegUUID := uuid.New().String()
		merged := c.originationVars(vars)
		merged["origination_uuid"] = blegUUID

		bleg := FromSession(blegUUID, c.deps)

		if _, err := c.deps.Sender.Send(ctx, "filter Unique-ID "+blegUUID); err != nil {
			c.deps.Logger.Warn("channel: failed to add event filter for B-leg", "bleg_uuid", blegUUID, "error", err)
		}

		dialString := FormatVars(merged) + t
		if err := c.runExecute(ctx, "bridge", dialString, 0); err != nil {
			bleg.Close()
			return nil, err
		}
		return bleg, nil
	default:
		return nil, fmt.Errorf("channel: Bridge: unsupported target type %T", other)
	}
}

// Unbridge transfers the channel off its bridge, optionally parking
// both legs.
func (c *Channel) Unbridge(ctx context.Context, dest string, park bool) error {
	cmd := "uuid_transfer " + c.uuid
	if park {
		cmd += " -both"
	}
	if dest != "" {
		cmd += " " + dest
	} else {
		cmd += " park inline"
	}
	res, err := c.deps.Correlator.BgAPI(ctx, cmd, "")
	if err != nil {
		return err
	}
	return res.Wait(ctx)
}
