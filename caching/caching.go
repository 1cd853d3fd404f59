package caching

import (
	"context"
	"errors"

	"osf-archiver/goutils/datamodel"
)

// DbCache holds the archiving state of destination nodes.
// Implementations apply each call atomically: concurrent addon updates never lose
// each other, a terminal target status is never replaced, and a job leaves the
// archiving state at most once.
type DbCache interface {
	// CreateArchiveJob stores a new job with every addon PENDING. It fails with
	// ErrJobExists while a previous job for the same destination is still archiving.
	CreateArchiveJob(ctx context.Context, job *datamodel.ArchiveJob, addons []string) error
	GetArchiveJob(ctx context.Context, dstNodeID string) (*datamodel.ArchiveJob, error)
	GetArchiveTargets(ctx context.Context, dstNodeID string) (map[string]*datamodel.ArchiveTarget, error)
	// UpdateArchiveTarget writes the target record unless the stored one is already terminal.
	UpdateArchiveTarget(ctx context.Context, dstNodeID string, target *datamodel.ArchiveTarget) (bool, error)
	// FinishArchiveJob flips archiving off when every target is terminal and returns the
	// outcome. It returns OutcomeInProgress when nothing changed.
	FinishArchiveJob(ctx context.Context, dstNodeID string, doneAt int64) (datamodel.Outcome, error)
	// AbortArchiveJob flips archiving off with the given outcome, returns false if it was already off.
	AbortArchiveJob(ctx context.Context, dstNodeID string, outcome datamodel.Outcome, doneAt int64) (bool, error)
	MarkArchiveJobDeleted(ctx context.Context, dstNodeID string) error
	// GetActiveArchiveJobs lists destinations still archiving that started before the given time (unix ms).
	GetActiveArchiveJobs(ctx context.Context, startedBefore int64) ([]string, error)
}

// DiskCache is responsible for data caching in local disk
type DiskCache interface {
	Read(filepath string) ([]byte, error)
	Write(filepath string, data []byte) error
}

var (
	ErrJobNotFound = errors.New("archive job not found")
	ErrJobExists   = errors.New("archive job already in progress")
	ErrCacheClosed = errors.New("cache is closed")
)
