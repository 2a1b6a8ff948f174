// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout is the default timeout for most operations
	DefaultTimeout = 30 * time.Second

	// StoreTimeout bounds a single call persistence round trip
	StoreTimeout = 5 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second
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

// Push notification constants
const (
	// PushTokenExpiry is the validity period for push notification tokens
	PushTokenExpiry = 30 * 24 * time.Hour // 30 days

	// IncomingCallPushTTL is how long a ringing push stays deliverable
	IncomingCallPushTTL = 60 * time.Second
)

// Pagination constants
const (
	// DefaultPageSize is the default number of items per page
	DefaultPageSize = 20

	// MaxPageSize is the maximum number of items per page
	MaxPageSize = 100
)

// Call-related constants
const (
	// MaxCallDuration is the maximum allowed call duration (24 hours)
	MaxCallDuration = 24 * time.Hour

	// MaxConferenceParticipants caps a conference roster
	MaxConferenceParticipants = 32

	// MaxSignalPayloadBytes caps an opaque offer/answer/candidate blob
	MaxSignalPayloadBytes = 64 * 1024
)

// Presence constants
const (
	// PresenceTTL is how long a presence record survives without refresh
	PresenceTTL = 5 * time.Minute

	// UserStatusOnline indicates a user is currently online
	UserStatusOnline = "online"

	// UserStatusOffline indicates a user is currently offline
	UserStatusOffline = "offline"
)
