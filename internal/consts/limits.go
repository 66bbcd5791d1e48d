package consts

import "time"

// Buffer sizes for various operations
const (
	// BufferSize1KB is 1 kilobyte
	BufferSize1KB = 1024
	// BufferSize64KB is 64 kilobytes
	BufferSize64KB = 64 * 1024
)

// Websocket transport limits
const (
	// MaxFrameSize is the largest inbound frame accepted from a client
	MaxFrameSize = BufferSize64KB
	// DefaultSendBuffer is the number of outbound events queued per session
	// before the session is considered a slow consumer
	DefaultSendBuffer = 256
	// DefaultFramesPerSecond bounds inbound command frames per session
	DefaultFramesPerSecond = 20
	// DefaultFrameBurst is the burst allowance for inbound frames
	DefaultFrameBurst = 40
)

// LLM default configurations
const (
	// DefaultMaxTokens is the default maximum tokens for LLM responses
	DefaultMaxTokens = 150
	// DefaultPromptQueue is the number of AI prompts a session may queue
	DefaultPromptQueue = 4
)

// Timeouts for various operations
const (
	// Timeout5Seconds is a 5 second timeout
	Timeout5Seconds = 5 * time.Second
	// Timeout10Seconds is a 10 second timeout
	Timeout10Seconds = 10 * time.Second
	// Timeout60Seconds is a 60 second timeout (1 minute)
	Timeout60Seconds = 60 * time.Second
	// Timeout2Minutes is a 2 minute timeout
	Timeout2Minutes = 2 * time.Minute
)

// Websocket keepalive
const (
	// WriteWait is the time allowed to write a frame to the peer
	WriteWait = Timeout10Seconds
	// PongWait is the time allowed to read the next pong from the peer
	PongWait = Timeout60Seconds
	// PingPeriod must be less than PongWait
	PingPeriod = (PongWait * 9) / 10
)
