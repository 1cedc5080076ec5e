package main

import "time"

// Operational limits — named constants for values that would otherwise be
// scattered across the connection, relay, and dispatch code.
const (
	// circuitBreakerThreshold is the number of consecutive SendDatagram
	// failures before a subscriber's datagram circuit breaker opens.
	circuitBreakerThreshold uint32 = 50

	// circuitBreakerProbeInterval is the number of skipped sends between
	// probe attempts while the circuit breaker is open.
	circuitBreakerProbeInterval uint32 = 25

	// handshakeTimeout bounds the Connect round-trip (§5).
	handshakeTimeout = 10 * time.Second

	// idleSessionTimeout is how long a session may go without a sync or
	// keepalive before the server may evict it (§5).
	idleSessionTimeout = 60 * time.Second

	// outboundQueueSize bounds each subscriber's broadcast outbound queue;
	// exceeding it marks the subscriber a SlowConsumer (§4.4).
	outboundQueueSize = 256

	// maxServerConnections bounds how many subscribers may be connected at
	// once; Connect beyond this limit is rejected with ReasonServerFull.
	maxServerConnections = 256
)
