package importer

import "errors"

var (
	// ErrJobSetup means the staged file could not be opened or parsed.
	ErrJobSetup = errors.New("job setup failed")
	// ErrEntityResolution means a row's entity could not be located or scraped.
	ErrEntityResolution = errors.New("entity resolution failed")
	// ErrJobNotFound is returned by job stores for unknown ids.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobExists is returned when a job id is reused.
	ErrJobExists = errors.New("job already exists")
	// ErrQueueClosed is returned by Dequeue once a queue stops delivering.
	ErrQueueClosed = errors.New("queue closed")
)
