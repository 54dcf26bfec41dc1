package respawn

import (
	"fmt"
	"time"
)

// RateLimited respawns like Backoff until Limit respawns happened within
// Period, then gives up and leaves the process stopped.
type RateLimited struct {
	Limit   int
	Period  time.Duration
	Backoff *Default
}

func (r *RateLimited) Name() string { return KindRateLimited }

func (r *RateLimited) Decide(exit Exit, h *History) Decision {
	if exit.StopRequested {
		return Decision{Reason: "stop requested"}
	}
	if r.Limit > 0 {
		cutoff := exit.At.Add(-r.Period)
		kept := h.starts[:0]
		for _, t := range h.starts {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		h.starts = kept
		if len(h.starts) >= r.Limit {
			return Decision{Reason: fmt.Sprintf("respawned %d times within %s", len(h.starts), r.Period)}
		}
		h.starts = append(h.starts, exit.At)
	}
	b := r.Backoff
	if b == nil {
		b = NewDefault()
	}
	return Decision{Respawn: true, Delay: b.next(exit.At, h)}
}
