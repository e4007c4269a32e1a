// Package coordinator implements the userspace collector coordinator: it
// attaches to a target server process and its children as they fork,
// routes decoded per-OU records from the kernel collector state machine
// to the configured sink, and tracks backend lifecycle through the
// shared lifecycle ring.
//
// This repository models the kernel side with internal/kernelsim rather
// than a live eBPF program, so "attach" here is bookkeeping plus rate
// limiting rather than a uprobe.Attach call; a production build swaps
// the Attacher implementation for one backed by internal/bpf.Objects
// without touching the routing loop below.
package coordinator

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/octotrace/octotrace/internal/kernelsim"
	"github.com/octotrace/octotrace/internal/observability"
	"github.com/octotrace/octotrace/internal/ratelimit"
	"github.com/octotrace/octotrace/internal/schema"
	"github.com/octotrace/octotrace/internal/sink"
)

// Attacher is the attach/detach boundary the supervisor drives. A
// production implementation wraps internal/bpf.Objects and adds or removes
// the PID in its tracked_pids map; the default NoopAttacher used by the
// simulation harness always succeeds.
type Attacher interface {
	Attach(pid uint32) error
	Detach(pid uint32) error
}

// NoopAttacher tracks nothing and never fails. Used when no real target
// binary is configured (simulation mode).
type NoopAttacher struct{}

func (NoopAttacher) Attach(uint32) error { return nil }
func (NoopAttacher) Detach(uint32) error { return nil }

// Supervisor is the single coordinator instance: one per (catalog,
// kernel state machine, sink set) triple. It owns one consumer goroutine
// per OU ring plus one for the lifecycle ring; the records of every
// attached process for an OU pass through that OU's single consumer.
type Supervisor struct {
	cat       *schema.Catalog
	sm        *kernelsim.StateMachine
	lifecycle *kernelsim.LifecycleRing
	sinks     map[string]sink.Sink // keyed by OU name
	sinkKind  string               // "csv" | "sql", for metric labels
	attacher  Attacher
	limiter   *ratelimit.Bucket
	metrics   *observability.Metrics
	log       *zap.Logger

	mu       sync.Mutex
	attached map[uint32]struct{}
}

// New constructs a Supervisor. sinks must have one entry per OU in cat
// (by name); sinkKind labels the sink_writes_total/sink_errors_total
// metrics ("csv" or "sql").
func New(
	cat *schema.Catalog,
	sm *kernelsim.StateMachine,
	lifecycle *kernelsim.LifecycleRing,
	sinks map[string]sink.Sink,
	sinkKind string,
	attacher Attacher,
	limiter *ratelimit.Bucket,
	metrics *observability.Metrics,
	log *zap.Logger,
) *Supervisor {
	if attacher == nil {
		attacher = NoopAttacher{}
	}
	return &Supervisor{
		cat:       cat,
		sm:        sm,
		lifecycle: lifecycle,
		sinks:     sinks,
		sinkKind:  sinkKind,
		attacher:  attacher,
		limiter:   limiter,
		metrics:   metrics,
		log:       log,
		attached:  make(map[uint32]struct{}),
	}
}

// Run starts one record-routing goroutine per OU and one lifecycle
// consumer, and blocks until ctx is cancelled. On return, every OU's
// sink has been closed.
func (s *Supervisor) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	for _, ou := range s.cat.OUs {
		ou := ou
		snk, ok := s.sinks[ou.Name]
		if !ok {
			return fmt.Errorf("coordinator: no sink configured for OU %q", ou.Name)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.routeRecords(ctx, ou, snk)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.consumeLifecycle(ctx)
	}()

	wg.Wait()

	var firstErr error
	for name, snk := range s.sinks {
		if err := snk.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("coordinator: close sink %q: %w", name, err)
		}
	}
	return firstErr
}

// routeRecords drains ou's ring and hands each record to snk until ctx
// is cancelled. Sink errors are logged and counted, never fatal: a
// single bad record must not take down the whole coordinator.
func (s *Supervisor) routeRecords(ctx context.Context, ou schema.OU, snk sink.Sink) {
	ring := s.sm.Ring(ou.Index)
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-ring:
			if !ok {
				return
			}
			if err := snk.Write(rec); err != nil {
				s.metrics.SinkErrorsTotal.WithLabelValues(ou.Name, s.sinkKind).Inc()
				s.log.Warn("sink write failed",
					zap.String("ou", ou.Name), zap.Uint32("pid", rec.PID), zap.Error(err))
				continue
			}
			s.metrics.SinkWritesTotal.WithLabelValues(ou.Name, s.sinkKind).Inc()
		}
	}
}

// consumeLifecycle drains the shared lifecycle ring, attaching newly
// forked backends/background workers and detaching reaped ones, until
// ctx is cancelled.
func (s *Supervisor) consumeLifecycle(ctx context.Context) {
	events := s.lifecycle.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.handleLifecycleEvent(ev)
		}
	}
}

func (s *Supervisor) handleLifecycleEvent(ev kernelsim.LifecycleEvent) {
	switch ev.Type {
	case kernelsim.ForkBackend, kernelsim.ForkBackground:
		s.attach(ev.PID)
	case kernelsim.ReapBackend, kernelsim.ReapBackground:
		s.detach(ev.PID)
	}
}

// attach discover-then-attaches a newly forked process. Every attempt
// spends one ClassAttachRetryTransient token from the rate limiter; an
// attempt the limiter refuses, or the attacher fails, is logged and not
// retried.
func (s *Supervisor) attach(pid uint32) {
	s.mu.Lock()
	_, already := s.attached[pid]
	s.mu.Unlock()
	if already {
		return
	}

	if !s.limiter.ConsumeForClass(ratelimit.ClassAttachRetryTransient) {
		s.log.Debug("attach deferred: rate limit budget exhausted", zap.Uint32("pid", pid))
		return
	}

	if err := s.attacher.Attach(pid); err != nil {
		s.metrics.AttachFailuresTotal.Inc()
		s.log.Warn("attach failed", zap.Uint32("pid", pid), zap.Error(err))
		return
	}

	s.mu.Lock()
	s.attached[pid] = struct{}{}
	s.mu.Unlock()
	s.metrics.AttachedBackends.Inc()
}

// detach releases a reaped process's attachment.
func (s *Supervisor) detach(pid uint32) {
	s.mu.Lock()
	_, ok := s.attached[pid]
	if ok {
		delete(s.attached, pid)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	if err := s.attacher.Detach(pid); err != nil {
		s.log.Warn("detach failed", zap.Uint32("pid", pid), zap.Error(err))
	}
	s.metrics.AttachedBackends.Dec()
}

// AttachedCount returns the number of currently attached PIDs.
func (s *Supervisor) AttachedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attached)
}

// AttachedPIDs returns a snapshot of every currently attached PID, for
// the operator "list" command.
func (s *Supervisor) AttachedPIDs() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint32, 0, len(s.attached))
	for pid := range s.attached {
		out = append(out, pid)
	}
	return out
}

// ForceDetach is the operator-initiated counterpart to the lifecycle-
// driven detach(): it lets an operator release a PID's attachment
// without waiting for a reap event. Returns an error if pid is not
// currently attached.
func (s *Supervisor) ForceDetach(pid uint32) error {
	s.mu.Lock()
	_, ok := s.attached[pid]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("coordinator: pid %d is not attached", pid)
	}
	s.detach(pid)
	return nil
}
