package config

import "time"

// Default timeout and interval values
const (
	// DefaultListenAddr is the default HTTP/WebSocket listen address.
	DefaultListenAddr = ":3003"

	// DefaultHeartbeatInterval is the interval between keep-alive probes.
	DefaultHeartbeatInterval = 5 * time.Second

	// DefaultHeartbeatThreshold is the consecutive unacknowledged probe
	// count after which a session is force-closed as unresponsive.
	DefaultHeartbeatThreshold = 10

	// DefaultDispatchInterval is the tick at which a session's inbound
	// queue is drained, bounding per-session CPU.
	DefaultDispatchInterval = 20 * time.Millisecond

	// DefaultShutdownDuration is the lead time for a scheduled shutdown
	// when the request does not specify one.
	DefaultShutdownDuration = 30 * time.Minute
)
