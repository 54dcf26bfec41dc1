package client

import (
	"time"

	"github.com/loykin/procmaster/internal/protocol"
)

// AddRequest registers a process through the HTTP API.
type AddRequest struct {
	Name    string            `json:"name"`
	Command []string          `json:"command"`
	Env     map[string]string `json:"env,omitempty"`
	WorkDir string            `json:"work_dir,omitempty"`
	Start   bool              `json:"start,omitempty"`
	Respawn *RespawnRequest   `json:"respawn,omitempty"`
}

type RespawnRequest struct {
	Policy  string   `json:"policy"`
	Backoff []string `json:"backoff,omitempty"`
	Limit   int      `json:"limit,omitempty"`
	Period  string   `json:"period,omitempty"`
}

type ReconnectRequest struct {
	Address string `json:"address"`
	Port    string `json:"port"`
}

// ProcessStatus is one entry of GET /processes.
type ProcessStatus struct {
	Name      string    `json:"name"`
	State     string    `json:"state"`
	PID       int       `json:"pid,omitempty"`
	Connected bool      `json:"connected"`
	Respawns  int       `json:"respawns"`
	StartedAt time.Time `json:"started_at,omitempty"`
	LastExit  string    `json:"last_exit,omitempty"`
	Command   []string  `json:"command"`
	Policy    string    `json:"policy"`
}

// ProcessUsage mirrors GET /processes/:name/usage.
type ProcessUsage struct {
	PID        int       `json:"pid"`
	CreatedAt  time.Time `json:"created_at"`
	CPUPercent float64   `json:"cpu_percent"`
	RSS        uint64    `json:"rss_bytes"`
	VMS        uint64    `json:"vms_bytes"`
	Threads    int32     `json:"threads"`
	Children   int       `json:"children"`
	TreeRSS    uint64    `json:"tree_rss_bytes"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// Directive is a message the manager sends to a launched process.
type Directive = protocol.Directive

// Directive kinds.
const (
	DirectiveShutdown  = protocol.DirectiveShutdown
	DirectiveReconnect = protocol.DirectiveReconnect
	DirectiveDown      = protocol.DirectiveDown
	DirectiveStdin     = protocol.DirectiveStdin
)
