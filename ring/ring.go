// Package ring implements ring groups: dialing a set of destinations in
// parallel, sequentially, or load-balanced, returning the first channel
// to answer. Grounded on original_source/genesis/group/ring.py's
// RingGroup.ring and its three private mode helpers, reexpressed with
// goroutines/channels in place of asyncio tasks, and on
// services/signaling/b2bua/leg_impl.go for the Channel collaborator
// shape (GetState/Wait/Hangup).
package ring

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sebas/eslswitch/channel"
	"github.com/sebas/eslswitch/loadbalancer"
)

// Mode selects how a ring group dials its destinations.
type Mode int

const (
	// Parallel originates every destination at once and returns the
	// first to answer, hanging up the rest.
	Parallel Mode = iota
	// Sequential dials destinations one at a time, advancing to the
	// next on a per-destination timeout.
	Sequential
	// Balanced dials destinations one at a time, picking the
	// least-loaded destination via a loadbalancer.Backend each round.
	Balanced
)

// ErrBalancerRequired is returned when Balanced mode is requested
// without a Backend.
var ErrBalancerRequired = errors.New("ring: balancer is required for Balanced mode")

// Destination normalizes a ring group member: a dial string plus
// per-destination channel variables merged on top of the group's
// shared variables. Grounded on ring.py's plain dial-string members,
// generalized to carry per-leg overrides (SPEC_FULL.md supplement).
type Destination struct {
	Dial string
	Vars map[string]string
}

// Dest is a convenience constructor for a Destination with no
// per-leg variable overrides.
func Dest(dial string) Destination { return Destination{Dial: dial} }

// Option configures a ring operation.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	vars     map[string]string
	balancer loadbalancer.Backend
}

// WithLogger sets the logger used for ring group diagnostics.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithVariables sets the channel variables applied to every
// destination's origination, merged under any per-Destination Vars.
func WithVariables(vars map[string]string) Option {
	return func(o *options) { o.vars = vars }
}

// WithBalancer supplies the Backend used by Balanced mode. Required
// for Balanced, ignored otherwise.
func WithBalancer(b loadbalancer.Backend) Option {
	return func(o *options) { o.balancer = b }
}

// Ring dials group according to mode and returns the first Channel to
// answer within timeout, or nil if none answered. Every channel that
// doesn't win the race is hung up before Ring returns.
func Ring(ctx context.Context, deps channel.Deps, group []Destination, mode Mode, timeout time.Duration, opts ...Option) (*channel.Channel, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	switch mode {
	case Parallel:
		return ringParallel(ctx, deps, group, timeout, o)
	case Sequential:
		return ringSequential(ctx, deps, group, timeout, o)
	case Balanced:
		if o.balancer == nil {
			return nil, ErrBalancerRequired
		}
		return ringBalanced(ctx, deps, group, timeout, o)
	default:
		return nil, errors.New("ring: unknown mode")
	}
}

func mergedVars(base map[string]string, d Destination) map[string]string {
	merged := make(map[string]string, len(base)+len(d.Vars))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range d.Vars {
		merged[k] = v
	}
	return merged
}

func hangupIfNotGone(ctx context.Context, ch *channel.Channel) {
	if ch == nil || ch.GetState().IsTerminal() {
		return
	}
	ch.Hangup(ctx, "NORMAL_CLEARING")
}

// ringParallel originates every destination at once and returns the
// first to reach EXECUTE within timeout, hanging up the rest. Grounded
// on ring.py's _ring_parallel, using a longer per-channel wait
// (2x timeout) so an individual Wait never times out before the global
// race does.
func ringParallel(ctx context.Context, deps channel.Deps, group []Destination, timeout time.Duration, o options) (*channel.Channel, error) {
	type outcome struct {
		ch  *channel.Channel
		err error
	}

	callees := make([]*channel.Channel, 0, len(group))
	for _, d := range group {
		ch, err := channel.Create(ctx, deps, d.Dial, mergedVars(o.vars, d))
		if err != nil {
			o.logger.Warn("ring: originate failed", "dial", d.Dial, "error", err)
			continue
		}
		callees = append(callees, ch)
	}
	if len(callees) == 0 {
		return nil, nil
	}

	results := make(chan outcome, len(callees))
	for _, ch := range callees {
		go func(ch *channel.Channel) {
			err := ch.Wait(ctx, channel.StateExecute, timeout*2)
			results <- outcome{ch: ch, err: err}
		}(ch)
	}

	var winner *channel.Channel
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	received := 0
loop:
	for received < len(callees) {
		select {
		case r := <-results:
			received++
			if r.err == nil {
				winner = r.ch
				break loop
			}
		case <-deadline.C:
			break loop
		case <-ctx.Done():
			break loop
		}
	}

	for _, ch := range callees {
		if ch == winner {
			continue
		}
		hangupIfNotGone(ctx, ch)
	}
	return winner, nil
}

// ringSequential dials destinations one at a time, returning the first
// to reach EXECUTE within timeout; each destination that times out is
// hung up before advancing. Grounded on ring.py's _ring_sequential.
func ringSequential(ctx context.Context, deps channel.Deps, group []Destination, timeout time.Duration, o options) (*channel.Channel, error) {
	for _, d := range group {
		ch, err := channel.Create(ctx, deps, d.Dial, mergedVars(o.vars, d))
		if err != nil {
			o.logger.Warn("ring: originate failed", "dial", d.Dial, "error", err)
			continue
		}
		if err := ch.Wait(ctx, channel.StateExecute, timeout); err == nil {
			return ch, nil
		}
		hangupIfNotGone(ctx, ch)
	}
	return nil, nil
}

// ringBalanced dials destinations one at a time, each round picking the
// least-loaded remaining destination via the balancer, incrementing
// before dialing and decrementing once the outcome (answer or timeout)
// is known. Grounded on ring.py's _ring_balancing exactly, including
// decrement-before-return on success.
func ringBalanced(ctx context.Context, deps channel.Deps, group []Destination, timeout time.Duration, o options) (*channel.Channel, error) {
	byDial := make(map[string]Destination, len(group))
	remaining := make([]string, 0, len(group))
	for _, d := range group {
		byDial[d.Dial] = d
		remaining = append(remaining, d.Dial)
	}

	for len(remaining) > 0 {
		least, err := o.balancer.GetLeastLoaded(ctx, remaining)
		if err != nil || least == "" {
			least = remaining[0]
		}

		if err := o.balancer.Increment(ctx, least); err != nil {
			o.logger.Warn("ring: balancer increment failed", "dial", least, "error", err)
		}

		d := byDial[least]
		ch, err := channel.Create(ctx, deps, d.Dial, mergedVars(o.vars, d))
		if err != nil {
			o.balancer.Decrement(ctx, least)
			remaining = removeDial(remaining, least)
			continue
		}

		waitErr := ch.Wait(ctx, channel.StateExecute, timeout)
		if decErr := o.balancer.Decrement(ctx, least); decErr != nil {
			o.logger.Warn("ring: balancer decrement failed", "dial", least, "error", decErr)
		}
		if waitErr == nil {
			return ch, nil
		}

		hangupIfNotGone(ctx, ch)
		remaining = removeDial(remaining, least)
	}

	return nil, nil
}

func removeDial(remaining []string, dial string) []string {
	out := make([]string, 0, len(remaining))
	for _, d := range remaining {
		if d != dial {
			out = append(out, d)
		}
	}
	return out
}
