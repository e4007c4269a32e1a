// Package sink implements the per-OU output sinks the coordinator
// routes decoded records to: one sink per OU, with the reference sink
// appending CSV-like rows with header = feature names ‖ metric names.
package sink

import "github.com/octotrace/octotrace/internal/kernelsim"

// Sink receives fully decoded records for a single OU, in the order its
// ring buffer consumer produced them. Implementations must be safe for
// use by exactly one goroutine at a time (the coordinator guarantees one
// consumer per OU, never concurrent writers to the same sink).
type Sink interface {
	// Write persists or forwards one record.
	Write(rec kernelsim.Record) error

	// Close flushes any buffered state and releases resources. Safe to
	// call once, at shutdown.
	Close() error
}
