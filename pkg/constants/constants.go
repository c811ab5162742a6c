// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout is the default timeout for most operations
	DefaultTimeout = 30 * time.Second

	// WebSocketPingInterval is the interval for WebSocket ping/pong
	WebSocketPingInterval = 60 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second
)

// JWT-related constants
const (
	// AccessTokenExpiry is the default access token lifetime
	AccessTokenExpiry = 15 * time.Minute

	// RefreshTokenExpiry is the default refresh token lifetime
	RefreshTokenExpiry = 30 * 24 * time.Hour
)

// Database connection constants
const (
	// MaxConnLifetime is the maximum lifetime of a database connection
	MaxConnLifetime = 1 * time.Hour

	// MaxConnIdleTime is the maximum idle time for a database connection
	MaxConnIdleTime = 30 * time.Minute

	// HealthCheckPeriod is the interval between database health checks
	HealthCheckPeriod = 1 * time.Minute
)

// Call coordination constants
const (
	// CallRingTimeout is how long a ringing session may go unanswered before
	// the reaper may reclaim it
	CallRingTimeout = 5 * time.Minute

	// CallSaveMaxAttempts bounds the conditional-write retry loop
	CallSaveMaxAttempts = 3

	// CallSaveBaseBackoff is multiplied by the attempt count between retries
	CallSaveBaseBackoff = 50 * time.Millisecond

	// CallSaveMaxBackoff caps the delay between retries
	CallSaveMaxBackoff = 500 * time.Millisecond

	// MaxCallDuration is the maximum allowed call duration (24 hours)
	MaxCallDuration = 24 * time.Hour
)

// Presence constants
const (
	// PresenceTTL is how long a presence heartbeat stays valid
	PresenceTTL = 5 * time.Minute
)

// Push notification constants
const (
	// PushTokenExpiry is the validity period for push notification tokens
	PushTokenExpiry = 30 * 24 * time.Hour // 30 days
)

// Call event archive constants
const (
	// CallEventRetention is the duration archived call events are retained
	CallEventRetention = 90 * 24 * time.Hour // 90 days
)
