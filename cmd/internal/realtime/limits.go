package realtime

import "time"

const (
	// Max bytes per websocket frame read.
	maxFrameBytes = 64 << 10

	// Max concurrent presence watches per session.
	maxPresenceWatches = 32
)

const (
	defaultPingInterval = 25 * time.Second
	defaultPingTimeout  = 5 * time.Second

	// Per-connection rate limit (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
