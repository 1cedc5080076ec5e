package main

import "sync/atomic"

// sendHealth tracks per-subscriber datagram send success and implements a
// lightweight circuit breaker so the relay stops wasting effort on
// unreachable peers (§4.6, §4.8).
type sendHealth struct {
	failures atomic.Uint32 // consecutive SendDatagram failures
	skips    atomic.Uint32 // skips since the breaker opened; paces probe attempts
}

// shouldSkip returns true when the breaker is open and it is not yet time
// for a probe attempt.
func (h *sendHealth) shouldSkip() bool {
	if h.failures.Load() < circuitBreakerThreshold {
		return false
	}
	s := h.skips.Add(1)
	return s%circuitBreakerProbeInterval != 0
}

// recordFailure increments the consecutive failure counter.
func (h *sendHealth) recordFailure() {
	h.failures.Add(1)
}

// recordSuccess resets the failure and skip counters.
func (h *sendHealth) recordSuccess() {
	if h.failures.Swap(0) >= circuitBreakerThreshold {
		h.skips.Store(0)
	}
}
