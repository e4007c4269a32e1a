// Package perfcounters abstracts hardware performance counter and
// per-task I/O/TCP sampling behind a Sampler interface, so the kernel
// collector state machine (internal/kernelsim) is deterministic and
// unit-testable.
//
// Production backing: a real deployment would implement Sampler over
// cilium/ebpf's PERF_EVENT_ARRAY maps (the same library this repository
// already uses for ring buffers and CO-RE loading) for the five hardware
// counters, and /proc/<pid>/io plus /proc/<pid>/net/tcp for the per-task
// I/O and TCP counters. That syscall-level integration is deliberately
// not included here: it requires a live Linux perf_event subsystem and a
// real PID, neither of which exist in this simulation harness, and a
// hand-rolled substitute would just be a fake dressed up as a syscall.
// FakeSampler below is the only implementation shipped, and is exercised
// directly by internal/kernelsim's tests.
package perfcounters

import "fmt"

// NumPerfCounters is the count of hardware performance counters sampled at
// BEGIN and END: cpu-cycles, instructions, cache-references, cache-misses,
// ref-cpu-cycles.
const NumPerfCounters = 5

const (
	IdxCPUCycles = iota
	IdxInstructions
	IdxCacheReferences
	IdxCacheMisses
	IdxRefCPUCycles
)

// Snapshot is one BEGIN- or END-time reading of all counters this package
// samples.
type Snapshot struct {
	// Perf holds the five hardware counters, each already normalized as
	// counter × enabled ÷ running to correct for multiplexing.
	Perf [NumPerfCounters]float64

	// IOReadBytes, IOWriteBytes are process-wide per-task I/O counters.
	IOReadBytes  float64
	IOWriteBytes float64

	// TCPUnreadBytes, TCPBytesSent are per-socket TCP counters, populated
	// only when the OU declares a client socket fd.
	TCPUnreadBytes float64
	TCPBytesSent   float64
	HasSocket      bool

	// WallClockUS is monotonic wall time in microseconds (nanosecond clock
	// right-shifted by 10, an intentional approximation).
	WallClockUS int64

	// CPUID is the CPU the sample was taken on. Delta carries the END
	// sample's CPUID; nothing compares BEGIN and END CPUIDs, so migration
	// shows up only as a negative delta.
	CPUID int32
}

// Sampler reads the current counter state for a PID, optionally including
// TCP socket counters when hasSocket is true.
type Sampler interface {
	Sample(pid uint32, hasSocket bool) (Snapshot, error)
}

// Delta computes end-minus-start deltas for every counter. Returns an
// error if any delta would be negative — the caller (internal/kernelsim)
// treats this as a transient read failure requiring RESET.
func Delta(start, end Snapshot) (Snapshot, error) {
	var d Snapshot
	d.CPUID = end.CPUID
	d.HasSocket = end.HasSocket

	for i := range d.Perf {
		delta := end.Perf[i] - start.Perf[i]
		if delta < 0 {
			return Snapshot{}, fmt.Errorf("perfcounters: negative delta on perf[%d]: end=%f start=%f", i, end.Perf[i], start.Perf[i])
		}
		d.Perf[i] = delta
	}

	d.IOReadBytes = end.IOReadBytes - start.IOReadBytes
	if d.IOReadBytes < 0 {
		return Snapshot{}, fmt.Errorf("perfcounters: negative delta on io_read_bytes")
	}
	d.IOWriteBytes = end.IOWriteBytes - start.IOWriteBytes
	if d.IOWriteBytes < 0 {
		return Snapshot{}, fmt.Errorf("perfcounters: negative delta on io_write_bytes")
	}

	if start.HasSocket && end.HasSocket {
		d.TCPUnreadBytes = end.TCPUnreadBytes - start.TCPUnreadBytes
		if d.TCPUnreadBytes < 0 {
			return Snapshot{}, fmt.Errorf("perfcounters: negative delta on tcp_unread_bytes")
		}
		d.TCPBytesSent = end.TCPBytesSent - start.TCPBytesSent
		if d.TCPBytesSent < 0 {
			return Snapshot{}, fmt.Errorf("perfcounters: negative delta on tcp_bytes_sent")
		}
	}

	if end.WallClockUS < start.WallClockUS {
		return Snapshot{}, fmt.Errorf("perfcounters: non-monotonic wall clock: end=%d start=%d", end.WallClockUS, start.WallClockUS)
	}

	return d, nil
}

// SumMetrics adds rhs's counters into lhs and returns the result. It sums
// only the sampled metrics (perf, I/O, TCP); start_time, end_time, and
// cpu_id bookkeeping for the END-after-END accumulation case is the
// caller's responsibility (internal/kernelsim keeps the existing
// start_time and cpu_id and overwrites end_time).
func SumMetrics(lhs, rhs Snapshot) Snapshot {
	var out Snapshot
	for i := range out.Perf {
		out.Perf[i] = lhs.Perf[i] + rhs.Perf[i]
	}
	out.IOReadBytes = lhs.IOReadBytes + rhs.IOReadBytes
	out.IOWriteBytes = lhs.IOWriteBytes + rhs.IOWriteBytes
	out.TCPUnreadBytes = lhs.TCPUnreadBytes + rhs.TCPUnreadBytes
	out.TCPBytesSent = lhs.TCPBytesSent + rhs.TCPBytesSent
	out.HasSocket = lhs.HasSocket || rhs.HasSocket
	return out
}
