package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit). Clients only send join/leave requests.
	maxFrameBytes = 8 << 10 // 8 KiB

	// Max list rooms one connection may hold at once.
	maxListRoomsPerClient = 64
)

const (
	// Heartbeat defaults.
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 60
	rateLimitWindow = 10 * time.Second
)
