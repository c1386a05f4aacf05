// Package correlate implements the two ESL completion protocols of
// spec §4.5: execute correlation (await CHANNEL_EXECUTE_COMPLETE by
// Application-UUID, abort on channel hangup/destroy) and bgapi
// correlation (await BACKGROUND_JOB by Job-UUID, re-filing on a
// server-assigned UUID mismatch). Exact bgapi semantics are grounded on
// _examples/original_source/genesis/channels/bgapi.py; the
// AwaitableResult shape is grounded on
// original_source/genesis/channels/results.py, reexpressed as a struct
// with a channel closed on completion rather than an asyncio.Event,
// per the teacher's synchronous-getter style.
package correlate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sebas/eslswitch/eslerrors"
	"github.com/sebas/eslswitch/frame"
	"github.com/sebas/eslswitch/router"
)

// ErrNotCompleted is returned by IsSuccessful when the result has not
// yet resolved.
var ErrNotCompleted = errors.New("correlate: result not completed")

// Sender issues a command and waits for its command/reply, matching
// protocol.Engine.Send's signature so Correlator depends only on this
// narrow interface.
type Sender interface {
	Send(ctx context.Context, cmd string) (*frame.Event, error)
}

// Handler is an alias of router.Handler so that *router.Router
// satisfies Subscriber without wrapping.
type Handler = router.Handler

// Subscriber registers event handlers, matching router.Router's
// On/OnChannel methods.
type Subscriber interface {
	On(eventName string, fn Handler) func()
	OnChannel(uuid, eventName string, fn Handler) func()
}

// Result is the shared completion-future base for CommandResult and
// BackgroundJobResult: exactly one of a completion event or an error
// resolves it, after which Wait returns immediately.
type Result struct {
	mu    sync.Mutex
	once  sync.Once
	done  chan struct{}
	event *frame.Event
	err   error
}

func newResult() Result {
	return Result{done: make(chan struct{})}
}

func (r *Result) complete(ev *frame.Event) {
	r.once.Do(func() {
		r.mu.Lock()
		r.event = ev
		r.mu.Unlock()
		close(r.done)
	})
}

func (r *Result) fail(err error) {
	r.once.Do(func() {
		r.mu.Lock()
		r.err = err
		r.mu.Unlock()
		close(r.done)
	})
}

// IsCompleted reports whether the result has resolved (successfully or
// not) without blocking.
func (r *Result) IsCompleted() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the result resolves or ctx is done, returning
// whichever error the result resolved with (nil on success).
func (r *Result) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Event returns the completion event, or nil if the result failed or
// has not resolved yet.
func (r *Result) Event() *frame.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.event
}

// CommandResult is the execute-correlation future: it resolves when a
// CHANNEL_EXECUTE_COMPLETE with a matching Application-UUID arrives, or
// fails with eslerrors.OperationInterrupted on a hangup/destroy, or
// eslerrors.ErrTimeout.
type CommandResult struct {
	Result
	AppUUID     string
	ChannelUUID string
	Command     string
	Application string

	cleanupOnce sync.Once
	cleanup     func()
}

func (r *CommandResult) doCleanup() {
	r.cleanupOnce.Do(func() {
		if r.cleanup != nil {
			r.cleanup()
		}
	})
}

// IsSuccessful reports whether the completed execute succeeded: its
// Application-Response must not start with "-ERR". Returns
// ErrNotCompleted if the result has not resolved yet.
func (r *CommandResult) IsSuccessful() (bool, error) {
	if !r.IsCompleted() {
		return false, ErrNotCompleted
	}
	r.mu.Lock()
	err := r.err
	ev := r.event
	r.mu.Unlock()
	if err != nil {
		return false, nil
	}
	resp, _ := ev.Get("Application-Response")
	return !strings.HasPrefix(resp, "-ERR"), nil
}

// Response returns the Application-Response body of the completion
// event, or "" if not yet resolved successfully.
func (r *CommandResult) Response() string {
	ev := r.Event()
	if ev == nil {
		return ""
	}
	resp, _ := ev.Get("Application-Response")
	return resp
}

// BackgroundJobResult is the bgapi-correlation future: it resolves
// when a BACKGROUND_JOB event with a matching Job-UUID arrives.
type BackgroundJobResult struct {
	Result
	JobUUID string
	Command string
}

// IsSuccessful reports whether the completed job succeeded: its body,
// trimmed, must start with "+OK". Returns ErrNotCompleted if the
// result has not resolved yet.
func (r *BackgroundJobResult) IsSuccessful() (bool, error) {
	if !r.IsCompleted() {
		return false, ErrNotCompleted
	}
	r.mu.Lock()
	err := r.err
	ev := r.event
	r.mu.Unlock()
	if err != nil {
		return false, nil
	}
	return strings.HasPrefix(strings.TrimSpace(string(ev.Body)), "+OK"), nil
}

// Response returns the trimmed body of the BACKGROUND_JOB completion
// event.
func (r *BackgroundJobResult) Response() string {
	ev := r.Event()
	if ev == nil {
		return ""
	}
	return strings.TrimSpace(string(ev.Body))
}

// Option configures a Correlator.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger sets the logger used for correlation diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Correlator owns both correlation protocols for one connection.
type Correlator struct {
	sender Sender
	sub    Subscriber
	logger *slog.Logger

	mu           sync.Mutex
	pendingJobs  map[string]*BackgroundJobResult
	bgRegistered bool
	bgUnregister func()
}

// New builds a Correlator over sender (for issuing filter/bgapi
// commands) and sub (for registering completion handlers).
func New(sender Sender, sub Subscriber, opts ...Option) *Correlator {
	o := &options{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	return &Correlator{
		sender:      sender,
		sub:         sub,
		logger:      o.logger,
		pendingJobs: make(map[string]*BackgroundJobResult),
	}
}

// AwaitExecute registers the execute-completion and hangup-interrupt
// handlers for appUUID/channelUUID and returns the CommandResult
// future. Handlers are registered BEFORE the caller sends the
// triggering sendmsg command (spec §4.5 step 2-3 before step 4), so
// the caller must call this first, then send the command, then Wait
// on the returned result.
func (c *Correlator) AwaitExecute(appUUID, channelUUID string, timeout time.Duration) *CommandResult {
	res := &CommandResult{
		Result:      newResult(),
		AppUUID:     appUUID,
		ChannelUUID: channelUUID,
		Command:     "execute",
	}

	// unregComplete/unregHangup/unregDestroy/timer are filled in as each
	// registration below completes. res.cleanup closes over these local
	// variables (not struct fields) and is assigned before any
	// registration happens, so a handler firing mid-registration can
	// never race the assignment itself — it can only observe some of
	// the variables still nil, which the guards below handle.
	var (
		unregComplete func()
		unregHangup   func()
		unregDestroy  func()
		timer         *time.Timer
	)
	res.cleanup = func() {
		if unregComplete != nil {
			unregComplete()
		}
		if unregHangup != nil {
			unregHangup()
		}
		if unregDestroy != nil {
			unregDestroy()
		}
		if timer != nil {
			timer.Stop()
		}
	}

	unregComplete = c.sub.OnChannel(channelUUID, "CHANNEL_EXECUTE_COMPLETE", func(ev *frame.Event) {
		if got, _ := ev.Get("Application-UUID"); got != appUUID {
			return
		}
		res.complete(ev)
		res.doCleanup()
	})

	interrupt := func(ev *frame.Event) {
		res.fail(&eslerrors.OperationInterrupted{AppUUID: appUUID, ChannelUUID: channelUUID})
		res.doCleanup()
	}
	unregHangup = c.sub.OnChannel(channelUUID, "CHANNEL_HANGUP", interrupt)
	unregDestroy = c.sub.OnChannel(channelUUID, "CHANNEL_DESTROY", interrupt)

	if timeout > 0 {
		timer = time.AfterFunc(timeout, func() {
			res.fail(eslerrors.ErrTimeout)
			res.doCleanup()
		})
	}

	return res
}

// BgAPI performs a full bgapi correlation: generates a Job-UUID if
// jobUUID is empty, files a filter for it before sending, sends the
// bgapi command, and — on a server-assigned UUID that differs from the
// one sent — re-files under the new UUID and continues tracking under
// it (spec §8 scenario S6). The returned BackgroundJobResult resolves
// when the matching BACKGROUND_JOB event arrives.
func (c *Correlator) BgAPI(ctx context.Context, cmd string, jobUUID string) (*BackgroundJobResult, error) {
	c.ensureBackgroundHandler()

	if jobUUID == "" {
		jobUUID = "job-" + uuid.New().String()
	}

	if _, err := c.sender.Send(ctx, "filter Job-UUID "+jobUUID); err != nil {
		return nil, err
	}

	res := &BackgroundJobResult{Result: newResult(), JobUUID: jobUUID, Command: cmd}
	c.mu.Lock()
	c.pendingJobs[jobUUID] = res
	c.mu.Unlock()

	reply, err := c.sender.Send(ctx, "bgapi "+cmd+"\nJob-UUID: "+jobUUID)
	if err != nil {
		c.removeJob(jobUUID)
		return nil, err
	}

	replyText, _ := reply.Get("Reply-Text")
	assigned := parseJobUUID(replyText)
	if assigned == "" {
		c.removeJob(jobUUID)
		c.deleteFilter(jobUUID)
		res.fail(fmt.Errorf("correlate: bgapi reply missing Job-UUID: %q", replyText))
		return res, nil
	}

	if assigned != jobUUID {
		c.logger.Warn("correlate: bgapi assigned a different Job-UUID", "sent", jobUUID, "assigned", assigned)
		c.mu.Lock()
		delete(c.pendingJobs, jobUUID)
		c.pendingJobs[assigned] = res
		c.mu.Unlock()
		res.JobUUID = assigned

		go func() {
			refileCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			c.sender.Send(refileCtx, "filter delete Job-UUID "+jobUUID)
			c.sender.Send(refileCtx, "filter Job-UUID "+assigned)
		}()
	}

	return res, nil
}

func parseJobUUID(replyText string) string {
	const prefix = "+OK Job-UUID: "
	if strings.HasPrefix(replyText, prefix) {
		return strings.TrimSpace(replyText[len(prefix):])
	}
	return ""
}

func (c *Correlator) ensureBackgroundHandler() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bgRegistered {
		return
	}
	c.bgUnregister = c.sub.On("BACKGROUND_JOB", c.handleBackgroundJob)
	c.bgRegistered = true
}

func (c *Correlator) handleBackgroundJob(ev *frame.Event) {
	jobUUID, _ := ev.Get("Job-UUID")
	res, ok := c.removeJobReturning(jobUUID)
	if !ok {
		return
	}
	res.complete(ev)
	c.deleteFilter(jobUUID)
}

func (c *Correlator) removeJob(jobUUID string) {
	c.mu.Lock()
	delete(c.pendingJobs, jobUUID)
	c.mu.Unlock()
}

func (c *Correlator) removeJobReturning(jobUUID string) (*BackgroundJobResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.pendingJobs[jobUUID]
	if ok {
		delete(c.pendingJobs, jobUUID)
	}
	return res, ok
}

func (c *Correlator) deleteFilter(jobUUID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.sender.Send(ctx, "filter delete Job-UUID "+jobUUID)
	}()
}

// PendingJobs returns a snapshot of currently-tracked bgapi jobs, keyed
// by Job-UUID.
func (c *Correlator) PendingJobs() map[string]*BackgroundJobResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]*BackgroundJobResult, len(c.pendingJobs))
	for k, v := range c.pendingJobs {
		out[k] = v
	}
	return out
}

// Shutdown fails every outstanding bgapi job with eslerrors.ErrClosed
// and unregisters the BACKGROUND_JOB handler.
func (c *Correlator) Shutdown() {
	c.mu.Lock()
	jobs := c.pendingJobs
	c.pendingJobs = make(map[string]*BackgroundJobResult)
	unreg := c.bgUnregister
	c.bgRegistered = false
	c.mu.Unlock()

	for _, res := range jobs {
		res.fail(eslerrors.ErrClosed)
	}
	if unreg != nil {
		unreg()
	}
}
