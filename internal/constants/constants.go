package constants

import "time"

const (
	LedgerTimeout   = 5 * time.Second
	VerifierTimeout = 10 * time.Second
	DatabaseTimeout = 5 * time.Second
	RequestTimeout  = 30 * time.Second
)

const (
	DBMaxOpenConns    = 100
	DBMaxIdleConns    = 10
	DBConnMaxLifetime = 1 * time.Hour
	DBMaxIdleTime     = 10 * time.Minute
)

const (
	ShutdownTimeout = 5 * time.Second
)

const (
	DefaultLeaderboardLimit = 50
	MaxLeaderboardLimit     = 100
	ViolationListLimit      = 100
	DecayConcurrency        = 8
)

const (
	SampleRetention    = 5 * time.Minute
	MaxRetainedSamples = 256
)

const (
	MaxEventDuration  = 30 * 24 * time.Hour
	MaxSeasonDuration = 365 * 24 * time.Hour
)
