// Package listener accepts TCP connections on a dedicated goroutine and
// hands each one to a ConnHandler on a worker pool.
package listener

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sourcegraph/conc/pool"

	"github.com/loykin/procmaster/internal/protocol"
)

// DefaultBacklog is the pending-connection queue size requested at bind.
const DefaultBacklog = 20

// ErrNotStarted is returned by address accessors before Start succeeded.
var ErrNotStarted = errors.New("listener not started")

// ConnHandler takes over a freshly accepted connection. Returning an error
// makes the listener log it and close the connection.
type ConnHandler interface {
	InitializeConnection(conn net.Conn) error
}

// HandlerFunc adapts a function to ConnHandler.
type HandlerFunc func(conn net.Conn) error

func (f HandlerFunc) InitializeConnection(conn net.Conn) error { return f(conn) }

// Config describes where and how to bind.
type Config struct {
	Name    string
	Address string
	Port    int
	Backlog int
}

// SocketListener owns a listening socket.
type SocketListener struct {
	cfg     Config
	handler ConnHandler
	log     *slog.Logger

	mu       sync.Mutex
	ln       net.Listener
	addr     *net.TCPAddr
	shutdown atomic.Bool
	done     chan struct{}
	tasks    *pool.Pool
}

func New(cfg Config, handler ConnHandler, log *slog.Logger) *SocketListener {
	if cfg.Backlog <= 0 {
		cfg.Backlog = DefaultBacklog
	}
	if cfg.Name == "" {
		cfg.Name = "listener"
	}
	if log == nil {
		log = slog.Default()
	}
	return &SocketListener{
		cfg:     cfg,
		handler: handler,
		log:     log.With("component", "listener", "listener", cfg.Name),
		done:    make(chan struct{}),
		tasks:   pool.New(),
	}
}

// Start binds the socket and launches the accept loop.
func (l *SocketListener) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln != nil {
		return errors.Errorf("listener %s already started", l.cfg.Name)
	}
	if l.shutdown.Load() {
		return errors.Errorf("listener %s is shut down", l.cfg.Name)
	}

	lc := net.ListenConfig{Control: reuseAddr}
	hostPort := net.JoinHostPort(l.cfg.Address, strconv.Itoa(l.cfg.Port))
	ln, err := lc.Listen(context.Background(), "tcp", hostPort)
	if err != nil {
		return errors.Wrapf(err, "bind %s on %s", l.cfg.Name, hostPort)
	}
	l.ln = ln
	l.addr = ln.Addr().(*net.TCPAddr)
	l.log.Info("listening", "address", l.addr.String(), "backlog", l.cfg.Backlog)

	go l.acceptLoop(ln)
	return nil
}

func (l *SocketListener) acceptLoop(ln net.Listener) {
	defer func() {
		l.tasks.Wait()
		close(l.done)
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || l.shutdown.Load() {
				return
			}
			l.log.Error("accept failed, shutting down", "error", err)
			l.Shutdown()
			return
		}
		if l.shutdown.Load() {
			_ = conn.Close()
			return
		}
		l.tasks.Go(func() { l.serve(conn) })
	}
}

func (l *SocketListener) serve(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("connection handler panicked", "remote", remote, "panic", r)
			_ = conn.Close()
		}
	}()
	if err := l.handler.InitializeConnection(conn); err != nil {
		if protocol.IsViolation(err) {
			l.log.Warn("rejected connection", "remote", remote, "error", err)
		} else {
			l.log.Warn("connection failed", "remote", remote, "error", err)
		}
		_ = conn.Close()
	}
}

// Shutdown closes the listening socket. It is safe to call any number of
// times from any goroutine; in-flight handler tasks finish on their own.
func (l *SocketListener) Shutdown() {
	if !l.shutdown.CompareAndSwap(false, true) {
		return
	}
	l.mu.Lock()
	ln := l.ln
	l.mu.Unlock()
	if ln == nil {
		close(l.done)
		return
	}
	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		l.log.Warn("close listener", "error", err)
	}
	l.log.Info("listener shut down")
}

// Wait blocks until the accept loop exited and every handler task returned.
func (l *SocketListener) Wait() { <-l.done }

// Done is closed when Wait would return.
func (l *SocketListener) Done() <-chan struct{} { return l.done }

// Addr returns the bound address.
func (l *SocketListener) Addr() (*net.TCPAddr, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.addr == nil {
		return nil, ErrNotStarted
	}
	return l.addr, nil
}

// Port returns the bound port, which differs from the configured one when
// that was zero.
func (l *SocketListener) Port() (int, error) {
	a, err := l.Addr()
	if err != nil {
		return 0, err
	}
	return a.Port, nil
}
