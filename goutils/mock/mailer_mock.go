package mock

import (
	"context"

	"osf-archiver/goutils/datamodel"
)

type MailerMock struct {
	SendSizeExceededMock func(ctx context.Context, job *datamodel.ArchiveJob, stat datamodel.Stat, limit int64) error
	SendCopyErrorMock    func(ctx context.Context, job *datamodel.ArchiveJob, targets map[string]*datamodel.ArchiveTarget) error
	SendStatErrorMock    func(ctx context.Context, job *datamodel.ArchiveJob, addon string, statErr error) error
	SendSuccessMock      func(ctx context.Context, job *datamodel.ArchiveJob) error
}

func (m MailerMock) SendSizeExceeded(ctx context.Context, job *datamodel.ArchiveJob, stat datamodel.Stat, limit int64) error {
	return m.SendSizeExceededMock(ctx, job, stat, limit)
}

func (m MailerMock) SendCopyError(ctx context.Context, job *datamodel.ArchiveJob, targets map[string]*datamodel.ArchiveTarget) error {
	return m.SendCopyErrorMock(ctx, job, targets)
}

func (m MailerMock) SendStatError(ctx context.Context, job *datamodel.ArchiveJob, addon string, statErr error) error {
	return m.SendStatErrorMock(ctx, job, addon, statErr)
}

func (m MailerMock) SendSuccess(ctx context.Context, job *datamodel.ArchiveJob) error {
	return m.SendSuccessMock(ctx, job)
}
