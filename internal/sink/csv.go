package sink

import (
	"encoding/csv"
	"fmt"
	"io"
	"sync"

	"github.com/octotrace/octotrace/internal/kernelsim"
	"github.com/octotrace/octotrace/internal/schema"
)

// metricColumns is the fixed metric column order, matching
// internal/codegen's metricFields list.
var metricColumns = []string{
	"start_time", "end_time", "elapsed_us", "cpu_cycles", "instructions",
	"cache_references", "cache_misses", "ref_cpu_cycles",
	"disk_bytes_read", "disk_bytes_written",
	"network_bytes_read", "network_bytes_written", "cpu_id", "pid",
}

// CSVSink is the reference sink: one CSV file per OU, header = feature
// names ‖ metric names, one row per record.
type CSVSink struct {
	mu        sync.Mutex
	w         *csv.Writer
	closer    io.Closer
	features  []string
	wroteRows int
}

// NewCSVSink writes a header row derived from ou's feature schema
// followed by the fixed metric columns, then returns a Sink that appends
// one row per Write call.
func NewCSVSink(w io.Writer, ou schema.OU) (*CSVSink, error) {
	featureNames := make([]string, len(ou.Features))
	for i, f := range ou.Features {
		featureNames[i] = f.Name
	}

	cw := csv.NewWriter(w)
	header := append(append([]string{}, featureNames...), metricColumns...)
	if err := cw.Write(header); err != nil {
		return nil, fmt.Errorf("sink: write CSV header: %w", err)
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return nil, fmt.Errorf("sink: flush CSV header: %w", err)
	}

	closer, _ := w.(io.Closer)
	return &CSVSink{w: cw, closer: closer, features: featureNames}, nil
}

// Write appends one row: feature values in schema order followed by
// metric values in the fixed metricColumns order.
func (s *CSVSink) Write(rec kernelsim.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := make([]string, 0, len(s.features)+len(metricColumns))
	for _, name := range s.features {
		row = append(row, fmt.Sprintf("%v", rec.Features[name]))
	}
	row = append(row,
		fmt.Sprintf("%d", rec.Metrics.StartTimeUS),
		fmt.Sprintf("%d", rec.Metrics.EndTimeUS),
		fmt.Sprintf("%d", rec.Metrics.ElapsedUS),
		fmt.Sprintf("%g", rec.Metrics.CPUCycles),
		fmt.Sprintf("%g", rec.Metrics.Instructions),
		fmt.Sprintf("%g", rec.Metrics.CacheReferences),
		fmt.Sprintf("%g", rec.Metrics.CacheMisses),
		fmt.Sprintf("%g", rec.Metrics.RefCPUCycles),
		fmt.Sprintf("%g", rec.Metrics.DiskBytesRead),
		fmt.Sprintf("%g", rec.Metrics.DiskBytesWritten),
		fmt.Sprintf("%g", rec.Metrics.NetworkBytesRead),
		fmt.Sprintf("%g", rec.Metrics.NetworkBytesWritten),
		fmt.Sprintf("%d", rec.Metrics.CPUID),
		fmt.Sprintf("%d", rec.Metrics.PID),
	)

	if err := s.w.Write(row); err != nil {
		return fmt.Errorf("sink: write CSV row: %w", err)
	}
	s.wroteRows++
	return nil
}

// RowsWritten returns the number of data rows written so far (excludes
// the header).
func (s *CSVSink) RowsWritten() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wroteRows
}

// Close flushes the underlying CSV writer and closes w if it implements
// io.Closer.
func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return fmt.Errorf("sink: flush on close: %w", err)
	}
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
