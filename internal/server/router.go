package server

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/loykin/procmaster/internal/manager"
	"github.com/loykin/procmaster/internal/metrics"
	"github.com/loykin/procmaster/internal/process"
	"github.com/loykin/procmaster/internal/protocol"
	"github.com/loykin/procmaster/internal/respawn"
)

// Controller is the part of the manager the HTTP API drives.
// *manager.Master implements it.
type Controller interface {
	AddProcess(name string, command []string, env map[string]string, workDir string, policy respawn.Policy)
	StartProcess(name string)
	StopProcess(name string)
	RemoveProcess(name string)
	SendStdin(name string, data []byte)
	DownServer(serverName string)
	ReconnectServersToServerManager(addr, port string)
	ReconnectProcessToServerManager(name, addr, port string)
	Shutdown()
	ProcessNames(onlyStarted bool) []string
	Status(name string) (manager.Status, error)
	Statuses() []manager.Status
}

// Router provides embeddable HTTP handlers for the process manager.
// Endpoints, relative to basePath:
//
//	GET    /processes[?started=true]
//	GET    /processes/:name
//	GET    /processes/:name/usage
//	POST   /processes                    body: AddRequest
//	POST   /processes/:name/start
//	POST   /processes/:name/stop
//	DELETE /processes/:name
//	POST   /processes/:name/stdin        body: raw bytes
//	POST   /processes/:name/reconnect    body: ReconnectRequest
//	POST   /reconnect                    body: ReconnectRequest
//	POST   /servers/:name/down
//	POST   /shutdown
//	GET    /metrics
//
// Control calls answer 202: the manager acts on a best-effort basis and
// reports failures in its log.
type Router struct {
	ctrl     Controller
	basePath string
	usage    func(pid int) (process.Usage, error)
}

func NewRouter(ctrl Controller, basePath string) *Router {
	return &Router{ctrl: ctrl, basePath: sanitizeBase(basePath), usage: process.ReadUsage}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	r.Register(g.Group(r.basePath))
	return g
}

// Register adds the routes to an existing gin group.
func (r *Router) Register(group *gin.RouterGroup) {
	group.GET("/processes", r.handleList)
	group.POST("/processes", r.handleAdd)
	group.GET("/processes/:name", r.handleStatus)
	group.GET("/processes/:name/usage", r.handleUsage)
	group.DELETE("/processes/:name", r.handleRemove)
	group.POST("/processes/:name/start", r.handleStart)
	group.POST("/processes/:name/stop", r.handleStop)
	group.POST("/processes/:name/stdin", r.handleStdin)
	group.POST("/processes/:name/reconnect", r.handleReconnectProcess)
	group.POST("/reconnect", r.handleReconnectServers)
	group.POST("/servers/:name/down", r.handleDown)
	group.POST("/shutdown", r.handleShutdown)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr, basePath string, ctrl Controller) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           NewRouter(ctrl, basePath).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return server
}

type errorResp struct {
	Error string `json:"error"`
}

type acceptedResp struct {
	Accepted bool   `json:"accepted"`
	Name     string `json:"name,omitempty"`
}

// AddRequest is the body of POST /processes.
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

func (rr *RespawnRequest) policy() (respawn.Policy, error) {
	if rr == nil {
		return nil, nil
	}
	var o respawn.Options
	for _, s := range rr.Backoff {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, errors.Wrapf(err, "backoff %q", s)
		}
		o.Backoff = append(o.Backoff, d)
	}
	if rr.Period != "" {
		d, err := time.ParseDuration(rr.Period)
		if err != nil {
			return nil, errors.Wrapf(err, "period %q", rr.Period)
		}
		o.Period = d
	}
	o.Limit = rr.Limit
	return respawn.Parse(rr.Policy, o)
}

// ReconnectRequest carries the new server manager endpoint. Port is a
// string so malformed values reach the manager's own validation.
type ReconnectRequest struct {
	Address string `json:"address"`
	Port    string `json:"port"`
}

func (r *Router) handleList(c *gin.Context) {
	started, _ := strconv.ParseBool(c.Query("started"))
	all := r.ctrl.Statuses()
	if !started {
		writeJSON(c, http.StatusOK, all)
		return
	}
	out := make([]manager.Status, 0, len(all))
	for _, st := range all {
		if st.State == manager.StateStarting.String() || st.State == manager.StateRunning.String() {
			out = append(out, st)
		}
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleStatus(c *gin.Context) {
	st, err := r.ctrl.Status(c.Param("name"))
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, manager.ErrUnknownProcess) {
			code = http.StatusNotFound
		}
		writeJSON(c, code, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleUsage(c *gin.Context) {
	st, err := r.ctrl.Status(c.Param("name"))
	if err != nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
		return
	}
	if st.PID <= 0 {
		writeJSON(c, http.StatusConflict, errorResp{Error: st.Name + " is " + st.State})
		return
	}
	u, err := r.usage(st.PID)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, process.ErrNoProcess) {
			code = http.StatusConflict
		}
		writeJSON(c, code, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, u)
}

func (r *Router) handleAdd(c *gin.Context) {
	var req AddRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if !isValidName(req.Name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name"})
		return
	}
	if len(req.Command) == 0 || req.Command[0] == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "command required"})
		return
	}
	if !isSafeAbsPath(req.WorkDir) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid work_dir: must be absolute path without traversal"})
		return
	}
	policy, err := req.Respawn.policy()
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid respawn: " + err.Error()})
		return
	}
	r.ctrl.AddProcess(req.Name, req.Command, req.Env, req.WorkDir, policy)
	if req.Start {
		r.ctrl.StartProcess(req.Name)
	}
	writeJSON(c, http.StatusAccepted, acceptedResp{Accepted: true, Name: req.Name})
}

func (r *Router) handleStart(c *gin.Context) {
	r.control(c, r.ctrl.StartProcess)
}

func (r *Router) handleStop(c *gin.Context) {
	r.control(c, r.ctrl.StopProcess)
}

func (r *Router) handleRemove(c *gin.Context) {
	r.control(c, r.ctrl.RemoveProcess)
}

func (r *Router) handleDown(c *gin.Context) {
	r.control(c, r.ctrl.DownServer)
}

func (r *Router) control(c *gin.Context, fn func(string)) {
	name := c.Param("name")
	if !isValidName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name"})
		return
	}
	fn(name)
	writeJSON(c, http.StatusAccepted, acceptedResp{Accepted: true, Name: name})
}

func (r *Router) handleStdin(c *gin.Context) {
	name := c.Param("name")
	body := http.MaxBytesReader(c.Writer, c.Request.Body, protocol.MaxPayload)
	data, err := io.ReadAll(body)
	if err != nil {
		writeJSON(c, http.StatusRequestEntityTooLarge, errorResp{Error: err.Error()})
		return
	}
	r.ctrl.SendStdin(name, data)
	writeJSON(c, http.StatusAccepted, acceptedResp{Accepted: true, Name: name})
}

func (r *Router) handleReconnectProcess(c *gin.Context) {
	var req ReconnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	name := c.Param("name")
	r.ctrl.ReconnectProcessToServerManager(name, req.Address, req.Port)
	writeJSON(c, http.StatusAccepted, acceptedResp{Accepted: true, Name: name})
}

func (r *Router) handleReconnectServers(c *gin.Context) {
	var req ReconnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	r.ctrl.ReconnectServersToServerManager(req.Address, req.Port)
	writeJSON(c, http.StatusAccepted, acceptedResp{Accepted: true})
}

func (r *Router) handleShutdown(c *gin.Context) {
	go r.ctrl.Shutdown()
	writeJSON(c, http.StatusAccepted, acceptedResp{Accepted: true})
}
