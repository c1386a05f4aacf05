// Package protocol multiplexes one ESL transport into command replies,
// events, the authentication handshake, and disconnect notices. It owns
// the reader loop (classify frames) and the consumer loop (dispatch
// events), per spec §4.3.
package protocol

import (
	"context"
	"log/slog"
	"sync"

	"github.com/sebas/eslswitch/eslerrors"
	"github.com/sebas/eslswitch/frame"
	"github.com/sebas/eslswitch/transport"
)

// Dispatcher receives events popped from the consumer loop. Event
// routing (C4) implements this; protocol only depends on the interface
// to avoid importing the router package's concrete types.
type Dispatcher interface {
	Dispatch(ev *frame.Event)
}

// Option configures an Engine at construction time.
type Option func(*options)

type options struct {
	logger       *slog.Logger
	dispatcher   Dispatcher
	eventBufSize int
}

// WithLogger sets the logger used for reader/consumer-loop diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithDispatcher sets the event-router dispatcher events are forwarded
// to. Without one, events are silently dropped (useful for tests that
// only exercise command correlation).
func WithDispatcher(d Dispatcher) Option {
	return func(o *options) { o.dispatcher = d }
}

// WithEventBuffer sets the depth of the internal events queue.
// Defaults to 256.
func WithEventBuffer(n int) Option {
	return func(o *options) { o.eventBufSize = n }
}

// Engine is a single connection's protocol state machine: reader loop,
// consumer loop, commands-queue waiters, and the auth handshake gate.
type Engine struct {
	tr     *transport.Transport
	logger *slog.Logger
	disp   Dispatcher

	events chan *frame.Event

	waitersMu sync.Mutex
	waiters   []chan *frame.Event

	sendMu sync.Mutex

	authReady     chan struct{}
	authReadyOnce sync.Once

	closed     chan struct{}
	closedOnce sync.Once

	lingerMu sync.Mutex
	lingered bool

	wg sync.WaitGroup
}

// New constructs an Engine over an already-connected transport. Call
// Start to begin the reader/consumer loops.
func New(tr *transport.Transport, opts ...Option) *Engine {
	o := &options{
		logger:       slog.Default(),
		eventBufSize: 256,
	}
	for _, opt := range opts {
		opt(o)
	}

	return &Engine{
		tr:        tr,
		logger:    o.logger,
		disp:      o.dispatcher,
		events:    make(chan *frame.Event, o.eventBufSize),
		authReady: make(chan struct{}),
		closed:    make(chan struct{}),
	}
}

// Start launches the reader and consumer loops. It returns immediately;
// loops run until the transport closes or Close is called.
func (e *Engine) Start() {
	e.wg.Add(2)
	go e.readerLoop()
	go e.consumerLoop()
}

// Wait blocks until both loops have exited (the transport closed).
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Linger marks the connection as having sent a linger directive, so a
// subsequent disconnect notice does not trigger an automatic close.
func (e *Engine) Linger() {
	e.lingerMu.Lock()
	e.lingered = true
	e.lingerMu.Unlock()
}

func (e *Engine) isLingering() bool {
	e.lingerMu.Lock()
	defer e.lingerMu.Unlock()
	return e.lingered
}

// AuthRequested blocks until the server's initial auth/request frame
// has arrived, or ctx is cancelled.
func (e *Engine) AuthRequested(ctx context.Context) error {
	select {
	case <-e.authReady:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.closed:
		return eslerrors.ErrClosed
	}
}

// Authenticate performs the inbound-mode auth handshake: wait for
// auth/request, send "auth <password>", and fail with
// eslerrors.ErrAuthentication unless Reply-Text is "+OK accepted".
func (e *Engine) Authenticate(ctx context.Context, password string) error {
	if err := e.AuthRequested(ctx); err != nil {
		return err
	}
	reply, err := e.Send(ctx, "auth "+password)
	if err != nil {
		return err
	}
	if rt, _ := reply.Get("Reply-Text"); rt != "+OK accepted" {
		return eslerrors.ErrAuthentication
	}
	return nil
}

// Send writes cmd as one frame and returns the next command-queue
// reply, in strict FIFO order relative to other concurrent Send calls
// (invariant: the enqueue-then-write pair is serialized under sendMu,
// so waiters are always popped in the same order their commands were
// physically written).
func (e *Engine) Send(ctx context.Context, cmd string) (*frame.Event, error) {
	replyCh := make(chan *frame.Event, 1)

	e.sendMu.Lock()
	e.waitersMu.Lock()
	e.waiters = append(e.waiters, replyCh)
	e.waitersMu.Unlock()

	err := e.tr.WriteCommand(cmd)
	e.sendMu.Unlock()

	if err != nil {
		e.removeWaiter(replyCh)
		return nil, &eslerrors.ConnectionError{Op: "send", Cause: err}
	}

	select {
	case ev := <-replyCh:
		return ev, nil
	case <-ctx.Done():
		e.removeWaiter(replyCh)
		return nil, ctx.Err()
	case <-e.closed:
		return nil, eslerrors.ErrClosed
	}
}

func (e *Engine) removeWaiter(target chan *frame.Event) {
	e.waitersMu.Lock()
	defer e.waitersMu.Unlock()
	for i, w := range e.waiters {
		if w == target {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			return
		}
	}
}

func (e *Engine) popWaiter() chan *frame.Event {
	e.waitersMu.Lock()
	defer e.waitersMu.Unlock()
	if len(e.waiters) == 0 {
		return nil
	}
	ch := e.waiters[0]
	e.waiters = e.waiters[1:]
	return ch
}

// Close shuts the transport down and unblocks every pending Send and
// event consumer. Safe to call more than once.
func (e *Engine) Close() error {
	var err error
	e.closedOnce.Do(func() {
		close(e.closed)
		err = e.tr.Close()
	})
	return err
}

func (e *Engine) readerLoop() {
	defer e.wg.Done()
	defer close(e.events)

	for {
		fr, err := e.tr.ReadFrame()
		if err != nil {
			e.logger.Debug("protocol: reader loop exiting", "error", err)
			e.Close()
			return
		}

		events, err := frame.Parse(fr.HeaderBlock, fr.Body)
		if err != nil {
			e.logger.Warn("protocol: frame parse error", "error", err)
			continue
		}

		for _, ev := range events {
			e.classify(ev)
		}
	}
}

func (e *Engine) classify(ev *frame.Event) {
	switch ev.ContentType() {
	case frame.TypeAuthRequest:
		e.authReadyOnce.Do(func() { close(e.authReady) })

	case frame.TypeCommandReply, frame.TypeAPIResponse:
		if w := e.popWaiter(); w != nil {
			w <- ev
		} else {
			e.logger.Warn("protocol: reply with no waiter", "content_type", ev.ContentType())
		}

	case frame.TypeDisconnectNotice, frame.TypeRudeRejection:
		if !e.isLingering() {
			e.Close()
		}

	default:
		select {
		case e.events <- ev:
		case <-e.closed:
		}
	}
}

func (e *Engine) consumerLoop() {
	defer e.wg.Done()
	for ev := range e.events {
		if e.disp != nil {
			e.disp.Dispatch(ev)
		}
	}
}
