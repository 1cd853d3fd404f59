package mock

import (
	"context"

	"osf-archiver/goutils/datamodel"
)

type DbCacheMock struct {
	CreateArchiveJobMock      func(ctx context.Context, job *datamodel.ArchiveJob, addons []string) error
	GetArchiveJobMock         func(ctx context.Context, dstNodeID string) (*datamodel.ArchiveJob, error)
	GetArchiveTargetsMock     func(ctx context.Context, dstNodeID string) (map[string]*datamodel.ArchiveTarget, error)
	UpdateArchiveTargetMock   func(ctx context.Context, dstNodeID string, target *datamodel.ArchiveTarget) (bool, error)
	FinishArchiveJobMock      func(ctx context.Context, dstNodeID string, doneAt int64) (datamodel.Outcome, error)
	AbortArchiveJobMock       func(ctx context.Context, dstNodeID string, outcome datamodel.Outcome, doneAt int64) (bool, error)
	MarkArchiveJobDeletedMock func(ctx context.Context, dstNodeID string) error
	GetActiveArchiveJobsMock  func(ctx context.Context, startedBefore int64) ([]string, error)
}

func (m DbCacheMock) CreateArchiveJob(ctx context.Context, job *datamodel.ArchiveJob, addons []string) error {
	return m.CreateArchiveJobMock(ctx, job, addons)
}

func (m DbCacheMock) GetArchiveJob(ctx context.Context, dstNodeID string) (*datamodel.ArchiveJob, error) {
	return m.GetArchiveJobMock(ctx, dstNodeID)
}

func (m DbCacheMock) GetArchiveTargets(ctx context.Context, dstNodeID string) (map[string]*datamodel.ArchiveTarget, error) {
	return m.GetArchiveTargetsMock(ctx, dstNodeID)
}

func (m DbCacheMock) UpdateArchiveTarget(ctx context.Context, dstNodeID string, target *datamodel.ArchiveTarget) (bool, error) {
	return m.UpdateArchiveTargetMock(ctx, dstNodeID, target)
}

func (m DbCacheMock) FinishArchiveJob(ctx context.Context, dstNodeID string, doneAt int64) (datamodel.Outcome, error) {
	return m.FinishArchiveJobMock(ctx, dstNodeID, doneAt)
}

func (m DbCacheMock) AbortArchiveJob(ctx context.Context, dstNodeID string, outcome datamodel.Outcome, doneAt int64) (bool, error) {
	return m.AbortArchiveJobMock(ctx, dstNodeID, outcome, doneAt)
}

func (m DbCacheMock) MarkArchiveJobDeleted(ctx context.Context, dstNodeID string) error {
	return m.MarkArchiveJobDeletedMock(ctx, dstNodeID)
}

func (m DbCacheMock) GetActiveArchiveJobs(ctx context.Context, startedBefore int64) ([]string, error) {
	return m.GetActiveArchiveJobsMock(ctx, startedBefore)
}
