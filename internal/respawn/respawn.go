// Package respawn decides whether a process that exited on its own should be
// launched again, and after how long.
package respawn

import (
	"time"

	"github.com/pkg/errors"
)

// Exit describes one termination of a supervised process.
type Exit struct {
	Err           error
	StartedAt     time.Time
	At            time.Time
	StopRequested bool
}

// Uptime reports how long the process ran.
func (e Exit) Uptime() time.Duration {
	if e.StartedAt.IsZero() || e.At.Before(e.StartedAt) {
		return 0
	}
	return e.At.Sub(e.StartedAt)
}

// Decision is the outcome of a policy evaluation.
type Decision struct {
	Respawn bool
	Delay   time.Duration
	Reason  string
}

// History is the per-process bookkeeping a policy keeps between calls.
// Only policies mutate it; the owner serializes calls.
type History struct {
	Respawns int
	Last     time.Time

	backoff int
	resetAt time.Time
	starts  []time.Time
}

func (h *History) record(at time.Time) {
	h.Respawns++
	h.Last = at
}

// Policy decides what happens after an unrequested exit.
type Policy interface {
	Decide(exit Exit, h *History) Decision
	Name() string
}

// Kinds accepted by Parse.
const (
	KindDefault     = "default"
	KindNever       = "never"
	KindRateLimited = "ratelimit"
)

// Options parameterizes Parse.
type Options struct {
	Backoff []time.Duration
	Limit   int
	Period  time.Duration
}

// Parse builds a policy from its configured name.
func Parse(kind string, o Options) (Policy, error) {
	switch kind {
	case "", KindDefault:
		return NewDefault(o.Backoff...), nil
	case KindNever:
		return Never{}, nil
	case KindRateLimited:
		if o.Limit <= 0 || o.Period <= 0 {
			return nil, errors.Errorf("respawn policy %q needs a positive limit and period", kind)
		}
		return &RateLimited{Limit: o.Limit, Period: o.Period, Backoff: NewDefault(o.Backoff...)}, nil
	}
	return nil, errors.Errorf("unknown respawn policy %q", kind)
}
