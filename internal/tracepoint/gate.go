package tracepoint

import (
	"math/rand"
	"sync/atomic"
)

// SamplingGate is the process-wide executor_running boolean. It is set
// exactly once per executor invocation by Arm, with a probability given by
// rate, and reset at teardown by Disarm. All executor markers must check
// Sampled() before firing.
type SamplingGate struct {
	running atomic.Bool
}

// NewSamplingGate returns a gate in the disarmed state.
func NewSamplingGate() *SamplingGate {
	return &SamplingGate{}
}

// Arm samples the gate with the given probability (clamped to [0, 1]) and
// stores the outcome. Called exactly once per executor invocation, at
// ExecutorStart.
func (g *SamplingGate) Arm(rate float64) {
	switch {
	case rate <= 0:
		g.running.Store(false)
	case rate >= 1:
		g.running.Store(true)
	default:
		g.running.Store(rand.Float64() < rate)
	}
}

// Disarm resets the gate at executor teardown.
func (g *SamplingGate) Disarm() {
	g.running.Store(false)
}

// Sampled reports whether the current executor invocation was sampled in.
func (g *SamplingGate) Sampled() bool {
	return g.running.Load()
}
