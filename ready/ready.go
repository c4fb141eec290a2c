// Package ready decides when a freshly started directory service can serve
// authenticated requests, as opposed to merely having a running process.
package ready

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"
)

const (
	// DefaultInterval is the pause between failed attempts.
	DefaultInterval = 1 * time.Second

	// DefaultTimeout is the default maximum wait for readiness.
	DefaultTimeout = 60 * time.Second
)

// Endpoint is the address a started service is reachable at.
type Endpoint struct {
	Host string
	Port int
	TLS  bool
}

// Addr returns host:port.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// URL returns the ldap:// or ldaps:// URL for the endpoint.
func (e Endpoint) URL() string {
	scheme := "ldap"
	if e.TLS {
		scheme = "ldaps"
	}
	return scheme + "://" + e.Addr()
}

// Credential is a bind identity.
type Credential struct {
	DN       string
	Password string
}

// Checker performs a single readiness check. Every call must use a fresh
// connection: the condition under test is whether a new client can get in.
type Checker interface {
	Check(ctx context.Context, ep Endpoint) error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context, ep Endpoint) error

func (f CheckerFunc) Check(ctx context.Context, ep Endpoint) error { return f(ctx, ep) }

// Outcome is the terminal state of a Gate.
type Outcome int

const (
	Ready Outcome = iota
	TimedOut
	Canceled
)

func (o Outcome) String() string {
	switch o {
	case Ready:
		return "ready"
	case TimedOut:
		return "timeout"
	case Canceled:
		return "canceled"
	}
	return "outcome(" + strconv.Itoa(int(o)) + ")"
}

// Result describes how a Gate finished.
type Result struct {
	Outcome  Outcome
	Attempts int
	Elapsed  time.Duration

	// LastFailure and LastErr describe the most recent failed attempt.
	// Both are zero when the first attempt succeeded.
	LastFailure Failure
	LastErr     error

	timeout time.Duration
	ctxErr  error
}

// Err converts the result to an error: nil when ready, a *TimeoutError when
// the budget ran out, or the context's error when the caller gave up.
func (r Result) Err() error {
	switch r.Outcome {
	case Ready:
		return nil
	case TimedOut:
		return &TimeoutError{
			Timeout:  r.timeout,
			Attempts: r.Attempts,
			Failure:  r.LastFailure,
			Err:      r.LastErr,
		}
	default:
		if r.LastErr != nil {
			return fmt.Errorf("readiness check interrupted after %d attempts (last error: %v): %w", r.Attempts, r.LastErr, r.ctxErr)
		}
		return fmt.Errorf("readiness check interrupted: %w", r.ctxErr)
	}
}

// step is what the loop does after an attempt.
type step int

const (
	stepDone step = iota
	stepRetry
	stepTimeout
)

// Gate polls a Checker until it succeeds, the time budget is spent, or ctx
// is cancelled.
type Gate struct {
	Checker Checker

	// Timeout is the maximum wait. Zero or negative means exactly one attempt.
	Timeout time.Duration

	// Interval is the pause between attempts. Defaults to DefaultInterval.
	Interval time.Duration

	// OnFailure, if non-nil, is called after each failed attempt.
	OnFailure func(attempt int, failure Failure, err error)
}

// Wait runs the gate against ep.
//
// Time remaining is evaluated before sleeping, never after: when Interval is
// longer than what is left of the budget, the sleep is cut short so one last
// attempt still runs at the deadline. An always-failing check therefore
// reports TimedOut after at least Timeout and before Timeout+Interval.
func (g *Gate) Wait(ctx context.Context, ep Endpoint) Result {
	interval := g.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	// time.Now carries a monotonic reading, so deadline arithmetic is
	// immune to wall clock changes.
	start := time.Now()
	deadline := start.Add(g.Timeout)
	res := Result{timeout: g.Timeout}

	for {
		res.Attempts++
		next := g.attempt(ctx, ep, deadline, &res)
		if next == stepDone {
			res.Outcome = Ready
			res.Elapsed = time.Since(start)
			return res
		}
		if ctx.Err() != nil {
			res.Outcome = Canceled
			res.ctxErr = ctx.Err()
			res.Elapsed = time.Since(start)
			return res
		}
		if next == stepTimeout {
			res.Outcome = TimedOut
			res.Elapsed = time.Since(start)
			return res
		}

		wait := min(interval, time.Until(deadline))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			res.Outcome = Canceled
			res.ctxErr = ctx.Err()
			res.Elapsed = time.Since(start)
			return res
		case <-timer.C:
		}
	}
}

// attempt runs the checker once and decides what happens next.
func (g *Gate) attempt(ctx context.Context, ep Endpoint, deadline time.Time, res *Result) step {
	err := g.Checker.Check(ctx, ep)
	if err == nil {
		return stepDone
	}
	res.LastErr = err
	res.LastFailure = Classify(err)
	if g.OnFailure != nil {
		g.OnFailure(res.Attempts, res.LastFailure, err)
	}
	if time.Until(deadline) <= 0 {
		return stepTimeout
	}
	return stepRetry
}

// Poll runs a Gate and returns its error.
func Poll(ctx context.Context, ep Endpoint, checker Checker, timeout, interval time.Duration) error {
	g := Gate{Checker: checker, Timeout: timeout, Interval: interval}
	return g.Wait(ctx, ep).Err()
}
