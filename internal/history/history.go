package history

import (
	"context"
	"log/slog"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart      EventType = "start"
	EventStop       EventType = "stop"
	EventCrash      EventType = "crash"
	EventRespawn    EventType = "respawn"
	EventConnect    EventType = "connect"
	EventDisconnect EventType = "disconnect"
)

// Record is the snapshot of a managed process attached to an event.
type Record struct {
	Name      string    `json:"name"`
	PID       int       `json:"pid"`
	State     string    `json:"state"`
	StartedAt time.Time `json:"started_at"`
	ExitErr   string    `json:"exit_err,omitempty"`
	Respawns  int       `json:"respawns"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}

// SendTimeout bounds a single Send call issued by Dispatch.
const SendTimeout = 5 * time.Second

// Dispatch delivers e to every sink. Failures are logged and never
// returned; history is best-effort and must not affect supervision.
func Dispatch(ctx context.Context, log *slog.Logger, sinks []Sink, e Event) {
	for _, s := range sinks {
		sctx, cancel := context.WithTimeout(ctx, SendTimeout)
		if err := s.Send(sctx, e); err != nil && log != nil {
			log.Warn("history send failed", "event", e.Type, "process", e.Record.Name, "error", err)
		}
		cancel()
	}
}
