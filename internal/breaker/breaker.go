// Package breaker wraps unreliable calls (coordination store reads and
// writes, bus publishes) with failure-rate tracking and
// closed/open/half-open gating.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/tinywideclouds/go-notification-service/pkg/notification"
)

// State is the gate position of a breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ParseState accepts the names produced by State.String.
func ParseState(s string) (State, error) {
	switch s {
	case "CLOSED", "closed":
		return StateClosed, nil
	case "OPEN", "open":
		return StateOpen, nil
	case "HALF_OPEN", "half_open", "half-open":
		return StateHalfOpen, nil
	default:
		return 0, fmt.Errorf("unknown breaker state %q", s)
	}
}

// Options configures a single breaker.
type Options struct {
	// ErrorThresholdPercentage trips the breaker when the failure rate over
	// the rolling window reaches it (0-100).
	ErrorThresholdPercentage float64
	// VolumeThreshold is the minimum number of calls in the window before
	// the failure rate is evaluated.
	VolumeThreshold int
	RollingWindow   time.Duration
	WindowBuckets   int
	// ResetTimeout is how long the breaker stays open before admitting a probe.
	ResetTimeout time.Duration
	// Timeout bounds each wrapped call. Zero disables it.
	Timeout           time.Duration
	HalfOpenMaxProbes int
	// IsFailure decides which errors count against the breaker.
	IsFailure func(error) bool
}

// DefaultOptions returns the service-wide defaults.
func DefaultOptions() Options {
	return Options{
		ErrorThresholdPercentage: 50,
		VolumeThreshold:          10,
		RollingWindow:            10 * time.Second,
		WindowBuckets:            10,
		ResetTimeout:             30 * time.Second,
		Timeout:                  3 * time.Second,
		HalfOpenMaxProbes:        1,
		IsFailure:                DefaultIsFailure,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ErrorThresholdPercentage <= 0 {
		o.ErrorThresholdPercentage = d.ErrorThresholdPercentage
	}
	if o.VolumeThreshold <= 0 {
		o.VolumeThreshold = d.VolumeThreshold
	}
	if o.RollingWindow <= 0 {
		o.RollingWindow = d.RollingWindow
	}
	if o.WindowBuckets <= 0 {
		o.WindowBuckets = d.WindowBuckets
	}
	if o.ResetTimeout <= 0 {
		o.ResetTimeout = d.ResetTimeout
	}
	if o.HalfOpenMaxProbes <= 0 {
		o.HalfOpenMaxProbes = d.HalfOpenMaxProbes
	}
	if o.IsFailure == nil {
		o.IsFailure = d.IsFailure
	}
	return o
}

// DefaultIsFailure ignores caller-side problems (bad input, quota, missing
// resources) so that only dependency trouble trips a breaker.
func DefaultIsFailure(err error) bool {
	if err == nil {
		return false
	}
	switch notification.KindOf(err) {
	case notification.KindValidation, notification.KindNotFound,
		notification.KindRateLimited, notification.KindAuthorization,
		notification.KindAuthentication:
		return false
	}
	return !errors.Is(err, context.Canceled)
}

// Counters are cumulative call statistics since the breaker was created.
type Counters struct {
	Fires     int64 `json:"fires"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
	Timeouts  int64 `json:"timeouts"`
	Rejects   int64 `json:"rejects"`
	Fallbacks int64 `json:"fallbacks"`
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Name            string    `json:"name"`
	State           string    `json:"state"`
	Forced          bool      `json:"forced"`
	Counters        Counters  `json:"counters"`
	WindowRequests  int       `json:"windowRequests"`
	WindowFailures  int       `json:"windowFailures"`
	FailureRate     float64   `json:"failureRate"`
	LastStateChange time.Time `json:"lastStateChange"`
	NextProbeAt     time.Time `json:"nextProbeAt,omitempty"`
}

// StateChangeFunc observes transitions. It is called without the breaker lock held.
type StateChangeFunc func(name string, from, to State)

type transition struct{ from, to State }

// Breaker is a single named circuit breaker. State is owned by the breaker
// and only changes through its own transitions or an operator force.
type Breaker struct {
	name  string
	opts  Options
	clock clock.Clock

	mu               sync.Mutex
	state            State
	forced           *State
	window           *rollingWindow
	openedAt         time.Time
	halfOpenInFlight int
	counters         Counters
	lastStateChange  time.Time
	listeners        []StateChangeFunc
}

// New creates a closed breaker.
func New(name string, opts Options, clk clock.Clock) *Breaker {
	if clk == nil {
		clk = clock.New()
	}
	opts = opts.withDefaults()
	return &Breaker{
		name:            name,
		opts:            opts,
		clock:           clk,
		state:           StateClosed,
		window:          newRollingWindow(opts.RollingWindow, opts.WindowBuckets),
		lastStateChange: clk.Now(),
	}
}

// Name returns the breaker's operation name.
func (b *Breaker) Name() string { return b.name }

// OnStateChange registers a transition listener.
func (b *Breaker) OnStateChange(fn StateChangeFunc) {
	b.mu.Lock()
	b.listeners = append(b.listeners, fn)
	b.mu.Unlock()
}

// State returns the current state, promoting OPEN to HALF_OPEN once the
// reset timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	var pending []transition
	if b.forced == nil {
		pending = b.maybeHalfOpenLocked(pending)
	}
	s := b.effectiveStateLocked()
	listeners := b.listeners
	b.mu.Unlock()
	b.notify(listeners, pending)
	return s
}

// Execute runs fn if the breaker admits it. A rejected call returns a
// *notification.Error of kind KindCircuitOpen carrying the time until the
// next probe.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}

	timedOut, callErr := b.run(ctx, fn)
	b.record(probe, callErr, timedOut)
	if timedOut {
		return notification.NewTimeoutError(b.name, callErr)
	}
	return callErr
}

// Do is Execute for calls that produce a value. When the call is rejected
// or fails and fallback is non-nil, fallback receives the error and its
// result is returned instead.
func Do[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error), fallback func(ctx context.Context, err error) (T, error)) (T, error) {
	var result T
	err := b.Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err == nil {
			result = v
		}
		return err
	})
	if err == nil {
		return result, nil
	}
	if fallback == nil {
		var zero T
		return zero, err
	}
	b.mu.Lock()
	b.counters.Fallbacks++
	b.mu.Unlock()
	return fallback(ctx, err)
}

func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	var pending []transition
	defer func() {
		listeners := b.listeners
		b.mu.Unlock()
		b.notify(listeners, pending)
	}()

	if b.forced != nil {
		if *b.forced == StateOpen {
			b.counters.Rejects++
			return false, notification.NewCircuitOpenError(b.name, b.opts.ResetTimeout)
		}
		b.counters.Fires++
		return false, nil
	}

	pending = b.maybeHalfOpenLocked(pending)

	switch b.state {
	case StateOpen:
		b.counters.Rejects++
		return false, notification.NewCircuitOpenError(b.name, b.retryAfterLocked())
	case StateHalfOpen:
		if b.halfOpenInFlight >= b.opts.HalfOpenMaxProbes {
			b.counters.Rejects++
			return false, notification.NewCircuitOpenError(b.name, b.opts.ResetTimeout)
		}
		b.halfOpenInFlight++
		b.counters.Fires++
		return true, nil
	default:
		b.counters.Fires++
		return false, nil
	}
}

// run invokes fn under the configured timeout. fn keeps running in the
// background if it ignores its context, but the caller is released.
func (b *Breaker) run(ctx context.Context, fn func(ctx context.Context) error) (bool, error) {
	if b.opts.Timeout <= 0 {
		return false, fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, b.opts.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(callCtx) }()

	select {
	case err := <-done:
		if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return true, err
		}
		return false, err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return true, callCtx.Err()
	}
}

func (b *Breaker) record(probe bool, err error, timedOut bool) {
	failed := timedOut || b.opts.IsFailure(err)
	now := b.clock.Now()

	b.mu.Lock()
	var pending []transition
	defer func() {
		listeners := b.listeners
		b.mu.Unlock()
		b.notify(listeners, pending)
	}()

	switch {
	case timedOut:
		b.counters.Timeouts++
		b.counters.Failures++
	case failed:
		b.counters.Failures++
	default:
		b.counters.Successes++
	}

	if probe && b.halfOpenInFlight > 0 {
		b.halfOpenInFlight--
	}
	if b.forced != nil {
		b.window.record(now, failed)
		return
	}

	if probe && b.state == StateHalfOpen {
		if failed {
			pending = b.toLocked(StateOpen, now, pending)
		} else {
			pending = b.toLocked(StateClosed, now, pending)
		}
		return
	}

	b.window.record(now, failed)
	if b.state != StateClosed {
		return
	}
	requests, failures := b.window.totals(now)
	if requests < b.opts.VolumeThreshold {
		return
	}
	rate := float64(failures) / float64(requests) * 100
	if rate >= b.opts.ErrorThresholdPercentage {
		pending = b.toLocked(StateOpen, now, pending)
	}
}

func (b *Breaker) maybeHalfOpenLocked(pending []transition) []transition {
	if b.state != StateOpen {
		return pending
	}
	now := b.clock.Now()
	if now.Sub(b.openedAt) < b.opts.ResetTimeout {
		return pending
	}
	return b.toLocked(StateHalfOpen, now, pending)
}

func (b *Breaker) toLocked(to State, now time.Time, pending []transition) []transition {
	from := b.state
	if from == to {
		return pending
	}
	b.state = to
	b.lastStateChange = now
	switch to {
	case StateOpen:
		b.openedAt = now
		b.halfOpenInFlight = 0
	case StateHalfOpen:
		b.halfOpenInFlight = 0
	case StateClosed:
		b.window.reset()
		b.halfOpenInFlight = 0
	}
	return append(pending, transition{from: from, to: to})
}

func (b *Breaker) retryAfterLocked() time.Duration {
	d := b.opts.ResetTimeout - b.clock.Now().Sub(b.openedAt)
	if d < 0 {
		return 0
	}
	return d
}

func (b *Breaker) effectiveStateLocked() State {
	if b.forced != nil {
		return *b.forced
	}
	return b.state
}

func (b *Breaker) notify(listeners []StateChangeFunc, pending []transition) {
	for _, t := range pending {
		for _, fn := range listeners {
			fn(b.name, t.from, t.to)
		}
	}
}

// Force pins the breaker to state until ClearForce is called. Forcing
// HALF_OPEN is not meaningful for manual response and is rejected.
func (b *Breaker) Force(state State) error {
	if state == StateHalfOpen {
		return notification.NewValidationError("breaker.force", "only OPEN or CLOSED can be forced")
	}
	b.mu.Lock()
	from := b.effectiveStateLocked()
	s := state
	b.forced = &s
	b.lastStateChange = b.clock.Now()
	listeners := b.listeners
	b.mu.Unlock()
	if from != state {
		b.notify(listeners, []transition{{from: from, to: state}})
	}
	return nil
}

// ClearForce resumes automatic evaluation from a fresh CLOSED state.
func (b *Breaker) ClearForce() {
	b.mu.Lock()
	if b.forced == nil {
		b.mu.Unlock()
		return
	}
	from := *b.forced
	b.forced = nil
	b.state = StateClosed
	b.window.reset()
	b.halfOpenInFlight = 0
	b.lastStateChange = b.clock.Now()
	listeners := b.listeners
	b.mu.Unlock()
	if from != StateClosed {
		b.notify(listeners, []transition{{from: from, to: StateClosed}})
	}
}

// Snapshot returns the breaker's current view.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	var pending []transition
	if b.forced == nil {
		pending = b.maybeHalfOpenLocked(pending)
	}
	now := b.clock.Now()
	requests, failures := b.window.totals(now)
	snap := Snapshot{
		Name:            b.name,
		State:           b.effectiveStateLocked().String(),
		Forced:          b.forced != nil,
		Counters:        b.counters,
		WindowRequests:  requests,
		WindowFailures:  failures,
		LastStateChange: b.lastStateChange,
	}
	if requests > 0 {
		snap.FailureRate = float64(failures) / float64(requests) * 100
	}
	if b.forced == nil && b.state == StateOpen {
		snap.NextProbeAt = b.openedAt.Add(b.opts.ResetTimeout)
	}
	listeners := b.listeners
	b.mu.Unlock()
	b.notify(listeners, pending)
	return snap
}
