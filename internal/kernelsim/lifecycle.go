package kernelsim

// LifecycleEventType mirrors the four named postmaster lifecycle events
// carried through the dedicated lifecycle ring.
type LifecycleEventType int32

const (
	ForkBackend    LifecycleEventType = 0
	ForkBackground LifecycleEventType = 1
	ReapBackend    LifecycleEventType = 2
	ReapBackground LifecycleEventType = 3
)

func (t LifecycleEventType) String() string {
	switch t {
	case ForkBackend:
		return "fork-backend"
	case ForkBackground:
		return "fork-background"
	case ReapBackend:
		return "reap-backend"
	case ReapBackground:
		return "reap-background"
	default:
		return "unknown"
	}
}

// LifecycleEvent is the three-int32-field payload carried on the
// lifecycle ring: {type, pid, socket_fd}. SocketFD is only meaningful
// when Type == ForkBackend.
type LifecycleEvent struct {
	Type     LifecycleEventType
	PID      uint32
	SocketFD int32
}

// LifecycleRing is a dedicated single-producer channel carrying
// LifecycleEvents, analogous to the per-OU Record rings but independent
// of any OU.
type LifecycleRing struct {
	ch chan LifecycleEvent
}

// NewLifecycleRing constructs a lifecycle ring with the given capacity.
func NewLifecycleRing(capacity int) *LifecycleRing {
	if capacity <= 0 {
		capacity = 256
	}
	return &LifecycleRing{ch: make(chan LifecycleEvent, capacity)}
}

// Emit publishes ev, dropping it (never blocking) if the ring is full.
// Returns true if the event was enqueued.
func (r *LifecycleRing) Emit(ev LifecycleEvent) bool {
	select {
	case r.ch <- ev:
		return true
	default:
		return false
	}
}

// Events returns the consumer-facing read channel.
func (r *LifecycleRing) Events() <-chan LifecycleEvent {
	return r.ch
}
