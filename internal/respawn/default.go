package respawn

import "time"

// DefaultBackoff is used when a Default policy is built without durations.
// The last duration is used repetitively.
var DefaultBackoff = []time.Duration{
	0,
	5 * time.Second,
	15 * time.Second,
	30 * time.Second,
}

// Default always respawns unless a stop was requested. Delays walk the
// backoff list and fall back to the first entry once the process stayed up
// past the reset window of its previous attempt.
type Default struct {
	Backoff []time.Duration
}

func NewDefault(backoff ...time.Duration) *Default {
	if len(backoff) == 0 {
		backoff = DefaultBackoff
	}
	return &Default{Backoff: append([]time.Duration(nil), backoff...)}
}

func (d *Default) Name() string { return KindDefault }

func (d *Default) Decide(exit Exit, h *History) Decision {
	if exit.StopRequested {
		return Decision{Reason: "stop requested"}
	}
	return Decision{Respawn: true, Delay: d.next(exit.At, h)}
}

// next advances the backoff counter in h and returns the delay to apply.
func (d *Default) next(now time.Time, h *History) time.Duration {
	backoffs := d.Backoff
	if len(backoffs) == 0 {
		backoffs = DefaultBackoff
	}
	if h.Respawns == 0 || now.After(h.resetAt) {
		h.backoff = -1
	}

	startIx := h.backoff
	resetIx := startIx
	if startIx < len(backoffs)-1 {
		startIx++
		resetIx++
		h.backoff = startIx
		if resetIx < len(backoffs)-2 {
			resetIx++
		}
	}
	if startIx < 0 {
		startIx, resetIx = 0, 0
	}

	start := backoffs[startIx]
	h.resetAt = now.Add(start + backoffs[resetIx])
	h.record(now)
	return start
}

// Never leaves every exited process stopped.
type Never struct{}

func (Never) Name() string { return KindNever }

func (Never) Decide(exit Exit, _ *History) Decision {
	if exit.StopRequested {
		return Decision{Reason: "stop requested"}
	}
	return Decision{Reason: "respawn disabled"}
}
