package internal

import "time"

// Config carries the flat service configuration assembled from CLI flags
// and environment variables in cmd.
type Config struct {
	// MetaDriver and MetaAddr select the metadata store, e.g.
	// "redis" and "127.0.0.1:6379/0".
	MetaDriver string
	MetaAddr   string

	// StagingPath is the local scratch area used while moving packages
	// between the pipeline and a Space.
	StagingPath string

	// DefaultSpacePath is the root of the default local-filesystem Space
	// populated at startup.
	DefaultSpacePath string

	// AsyncWorkers bounds the task-runner pool.
	AsyncWorkers int

	// BackendTimeout is applied by remote backend adapters to individual
	// API round-trips, not to whole transfers. Large transfers are
	// expected to take a long time.
	BackendTimeout time.Duration

	// GPGKeyPath points at the keyfile used by encrypted-filesystem
	// Spaces.
	GPGKeyPath string
}

const (
	// DefaultAsyncWorkers is sized for a handful of concurrent
	// multi-gigabyte transfers, not for throughput.
	DefaultAsyncWorkers = 4

	DefaultBackendTimeout = 15 * time.Minute
)
