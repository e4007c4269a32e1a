// Package operator — server.go
//
// Unix domain socket server for OCTOTRACE operator overrides.
//
// Protocol: newline-delimited JSON over a Unix domain socket.
// Socket path: /run/octotrace/operator.sock (configurable).
// Permissions: 0600, owned by root. Only root can connect.
//
// Commands (JSON request → JSON response):
//
//	{"cmd":"status"}
//	  → Returns the current sampling rate, attached backend count, and
//	    per-OU drop counts.
//	  → Response: {"ok":true,"rate":1,"attached":3,"drops":{"seq_scan":0}}
//
//	{"cmd":"set-sampling-rate","rate":0.1}
//	  → Updates the executor_sampling_rate consulted by the next
//	    ExecutorStart. Rate must be in [0, 1].
//	  → Response: {"ok":true,"rate":0.1}
//
//	{"cmd":"detach","pid":1234}
//	  → Detaches probes from PID 1234 and stops tracking it.
//	  → Response: {"ok":true,"pid":1234}
//
//	{"cmd":"list"}
//	  → Returns all attached PIDs.
//	  → Response: {"ok":true,"backends":[{"pid":1234,"attached":true},...]}
//
// Security:
//   - Socket is created with 0600 permissions; only root can connect.
//   - Each connection is handled in a separate goroutine.
//   - Max concurrent connections: 4 (operator use only, not high-throughput).
//   - Max request size: 4096 bytes (prevents memory exhaustion).
//   - Connection timeout: 10s read, 10s write.
package operator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	maxConcurrentConns = 4
	maxRequestBytes    = 4096
	connTimeout        = 10 * time.Second
)

// BackendStatus is a snapshot of one attached PID.
type BackendStatus struct {
	PID      uint32 `json:"pid"`
	Attached bool   `json:"attached"`
}

// Controller is the interface the operator server uses to read and
// mutate coordinator runtime state. Implemented by cmd/octotrace's
// top-level wiring, wrapping internal/coordinator.Supervisor and the
// configured sampling rate.
type Controller interface {
	// CurrentSamplingRate returns the rate consulted by the next
	// ExecutorStart.
	CurrentSamplingRate() float64

	// SetSamplingRate updates the rate; must validate range [0, 1].
	SetSamplingRate(rate float64) error

	// Detach stops tracking pid and releases its attachment.
	Detach(pid uint32) error

	// ListBackends returns every currently attached PID.
	ListBackends() []BackendStatus

	// DropCounts returns the per-OU drop counter snapshot.
	DropCounts() map[string]uint64
}

// Request is the JSON structure for operator commands.
type Request struct {
	Cmd  string  `json:"cmd"`            // status | set-sampling-rate | detach | list
	PID  uint32  `json:"pid,omitempty"`  // target PID
	Rate float64 `json:"rate,omitempty"` // target sampling rate
}

// Response is the JSON structure for operator command responses.
type Response struct {
	OK       bool              `json:"ok"`
	Error    string            `json:"error,omitempty"`
	Rate     float64           `json:"rate,omitempty"`
	PID      uint32            `json:"pid,omitempty"`
	Attached int               `json:"attached,omitempty"`
	Drops    map[string]uint64 `json:"drops,omitempty"`
	Backends []BackendStatus   `json:"backends,omitempty"`
}

// Server is the operator Unix domain socket server.
type Server struct {
	socketPath string
	ctrl       Controller
	log        *zap.Logger
	sem        chan struct{} // Semaphore: max concurrent connections.
}

// NewServer creates an operator Server.
func NewServer(socketPath string, ctrl Controller, log *zap.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		ctrl:       ctrl,
		log:        log,
		sem:        make(chan struct{}, maxConcurrentConns),
	}
}

// ListenAndServe starts the operator socket server. Removes any stale
// socket file before binding. Blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("operator: remove stale socket %q: %w", s.socketPath, err)
	}

	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("operator: mkdir %q: %w", filepath.Dir(s.socketPath), err)
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("operator: listen %q: %w", s.socketPath, err)
	}
	defer lis.Close()

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("operator: chmod %q: %w", s.socketPath, err)
	}

	s.log.Info("operator socket listening", zap.String("path", s.socketPath))

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Error("operator: accept error", zap.Error(err))
				continue
			}
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("operator: max connections reached, rejecting")
			_ = conn.Close()
			continue
		}

		go func(c net.Conn) {
			defer func() { <-s.sem }()
			defer c.Close()
			s.handleConn(c)
		}(conn)
	}
}

// handleConn handles a single operator connection: reads one JSON
// request, executes the command, writes one JSON response.
func (s *Server) handleConn(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	buf := make([]byte, maxRequestBytes)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		s.log.Warn("operator: read error", zap.Error(err))
		return
	}

	var req Request
	if err := json.Unmarshal(buf[:n], &req); err != nil {
		s.writeResponse(conn, Response{OK: false, Error: "invalid JSON: " + err.Error()})
		return
	}

	resp := s.dispatch(req)
	s.writeResponse(conn, resp)
}

func (s *Server) dispatch(req Request) Response {
	switch req.Cmd {
	case "status":
		return s.cmdStatus()
	case "set-sampling-rate":
		return s.cmdSetSamplingRate(req)
	case "detach":
		return s.cmdDetach(req)
	case "list":
		return s.cmdList()
	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown command %q", req.Cmd)}
	}
}

func (s *Server) cmdStatus() Response {
	return Response{
		OK:       true,
		Rate:     s.ctrl.CurrentSamplingRate(),
		Attached: len(s.ctrl.ListBackends()),
		Drops:    s.ctrl.DropCounts(),
	}
}

func (s *Server) cmdSetSamplingRate(req Request) Response {
	if err := s.ctrl.SetSamplingRate(req.Rate); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	s.log.Info("operator: sampling rate updated", zap.Float64("rate", req.Rate))
	return Response{OK: true, Rate: req.Rate}
}

func (s *Server) cmdDetach(req Request) Response {
	if req.PID == 0 {
		return Response{OK: false, Error: "pid required for detach"}
	}
	if err := s.ctrl.Detach(req.PID); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	s.log.Info("operator: PID detached", zap.Uint32("pid", req.PID))
	return Response{OK: true, PID: req.PID}
}

func (s *Server) cmdList() Response {
	return Response{OK: true, Backends: s.ctrl.ListBackends()}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	data, _ := json.Marshal(resp)
	data = append(data, '\n')
	_, _ = conn.Write(data)
}

// ─── In-memory controller ────────────────────────────────────────────────

// MemController is a thread-safe in-memory Controller used by this
// package's tests. cmd/octotrace does not use it: it wires its own
// Controller over the harness's sampling rate and the coordinator
// Supervisor.
type MemController struct {
	mu        sync.RWMutex
	rate      float64
	backends  map[uint32]bool
	drops     map[string]uint64
	detachErr map[uint32]error
}

// NewMemController creates a MemController with the given initial rate.
func NewMemController(initialRate float64) *MemController {
	return &MemController{
		rate:      initialRate,
		backends:  make(map[uint32]bool),
		drops:     make(map[string]uint64),
		detachErr: make(map[uint32]error),
	}
}

func (c *MemController) CurrentSamplingRate() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rate
}

func (c *MemController) SetSamplingRate(rate float64) error {
	if rate < 0 || rate > 1 {
		return fmt.Errorf("sampling rate must be in [0, 1], got %f", rate)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rate = rate
	return nil
}

func (c *MemController) Attach(pid uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backends[pid] = true
}

func (c *MemController) Detach(pid uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err, ok := c.detachErr[pid]; ok {
		return err
	}
	delete(c.backends, pid)
	return nil
}

// SetDetachError makes the next Detach(pid) call fail with err, for tests.
func (c *MemController) SetDetachError(pid uint32, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.detachErr[pid] = err
}

func (c *MemController) ListBackends() []BackendStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]BackendStatus, 0, len(c.backends))
	for pid, attached := range c.backends {
		out = append(out, BackendStatus{PID: pid, Attached: attached})
	}
	return out
}

func (c *MemController) IncrDrop(ouName string, n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drops[ouName] += n
}

func (c *MemController) DropCounts() map[string]uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]uint64, len(c.drops))
	for k, v := range c.drops {
		out[k] = v
	}
	return out
}
