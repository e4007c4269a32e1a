// Package bpf — events.go
//
// LifecycleEvent mirrors the three-int32 struct carried on the
// lifecycle ring: {type, pid, socket_fd}. RecordHeader mirrors the
// header every per-OU ring record is prefixed with: {ou_index, pid}.
//
// Both structs have the same size as their C counterparts; every field is
// a fixed-size integer, so no padding fields are needed. unsafe.Sizeof is
// checked against the expected size by init() below, and the parse
// functions decode each field from raw bytes with binary.LittleEndian.
package bpf

import (
	"encoding/binary"
	"fmt"
	"unsafe"
)

// LifecycleEvent is the Go representation of the lifecycle ring's
// 12-byte payload: three little-endian int32 fields.
type LifecycleEvent struct {
	Type     int32 // [0..3]
	PID      int32 // [4..7]
	SocketFD int32 // [8..11] — only populated when Type == fork-backend
}

const lifecycleEventSize = 12

func init() {
	if sz := unsafe.Sizeof(LifecycleEvent{}); sz != lifecycleEventSize {
		panic(fmt.Sprintf(
			"LifecycleEvent size mismatch: Go=%d bytes, expected=%d bytes",
			sz, lifecycleEventSize,
		))
	}
}

// ParseLifecycleEvent deserializes a raw lifecycle ring record.
func ParseLifecycleEvent(raw []byte) (LifecycleEvent, error) {
	if len(raw) < lifecycleEventSize {
		return LifecycleEvent{}, fmt.Errorf(
			"lifecycle event too short: got %d bytes, expected %d", len(raw), lifecycleEventSize)
	}
	var e LifecycleEvent
	e.Type = int32(binary.LittleEndian.Uint32(raw[0:4]))
	e.PID = int32(binary.LittleEndian.Uint32(raw[4:8]))
	e.SocketFD = int32(binary.LittleEndian.Uint32(raw[8:12]))
	return e, nil
}

// RecordHeader is the fixed 8-byte prefix every per-OU ring record
// carries, before the OU's variable-shape feature struct and fixed-shape
// metric struct.
type RecordHeader struct {
	OUIndex uint32 // [0..3]
	PID     uint32 // [4..7]
}

const recordHeaderSize = 8

func init() {
	if sz := unsafe.Sizeof(RecordHeader{}); sz != recordHeaderSize {
		panic(fmt.Sprintf(
			"RecordHeader size mismatch: Go=%d bytes, expected=%d bytes",
			sz, recordHeaderSize,
		))
	}
}

// ParseRecordHeader deserializes the 8-byte header prefixing a raw per-OU
// ring record. The remainder of raw (the feature and metric structs) must
// be decoded by the caller using the OU's schema, since its shape varies
// per OU.
func ParseRecordHeader(raw []byte) (RecordHeader, []byte, error) {
	if len(raw) < recordHeaderSize {
		return RecordHeader{}, nil, fmt.Errorf(
			"record too short for header: got %d bytes, expected >= %d", len(raw), recordHeaderSize)
	}
	var h RecordHeader
	h.OUIndex = binary.LittleEndian.Uint32(raw[0:4])
	h.PID = binary.LittleEndian.Uint32(raw[4:8])
	return h, raw[recordHeaderSize:], nil
}
