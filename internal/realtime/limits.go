package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max cell value length (runes) accepted in commit_edit and draft_edit.
	maxCellValueChars = 10000
)

const (
	// Heartbeat defaults (overridable via GRID_WS_HEARTBEAT_*).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window). Drafts make this chattier than chat.
	rateLimitEvents = 300
	rateLimitWindow = 10 * time.Second

	// A connection that has not joined within this long is closed.
	joinTimeout = 15 * time.Second
)
