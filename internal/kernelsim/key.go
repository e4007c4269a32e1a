// Package kernelsim implements the per-OU BEGIN/END/FEATURES/FLUSH state
// machine described for the kernel-side collector: a production build
// would run this protocol as an eBPF tracing program attached to C1's
// markers, maintaining bounded hash maps keyed by (ou_index,
// plan_node_id). This package reproduces the same maps, the same
// transition rules, and the same RESET discipline in ordinary Go, so the
// protocol is deterministic and unit-testable without a live kernel.
package kernelsim

// Key uniquely identifies one (ou_index, plan_node_id) state machine
// instance, packed into a single uint64 the way the real collector packs
// its BPF map key.
type Key struct {
	OUIndex    int32
	PlanNodeID int32
}

// Pack encodes Key into the 64-bit form the real collector uses as a BPF
// map key: ou_index in the high 32 bits, plan_node_id in the low 32 bits.
func (k Key) Pack() uint64 {
	return uint64(uint32(k.OUIndex))<<32 | uint64(uint32(k.PlanNodeID))
}

// Unpack decodes a packed key back into its components.
func Unpack(packed uint64) Key {
	return Key{
		OUIndex:    int32(packed >> 32),
		PlanNodeID: int32(packed),
	}
}
