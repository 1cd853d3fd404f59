package service

import (
	"context"
	"encoding/json"
	"sort"

	log "github.com/sirupsen/logrus"

	"osf-archiver/archiver/events"
	"osf-archiver/goutils/datamodel"
	"osf-archiver/goutils/taskmgr/worker"
)

// OnStatusChanged finishes the job once every addon is terminal. The store flips the
// archiving flag at most once, so only one caller ever sees a finished outcome.
func (s *ArchiverService) OnStatusChanged(ctx context.Context, ev *events.StatusChanged) error {
	outcome, err := s.cache.FinishArchiveJob(ctx, ev.DstNodeID, s.now().UnixMilli())
	if err != nil {
		return err
	}

	switch outcome {
	case datamodel.OutcomeSuccess:
		return s.onArchiveSuccess(ctx, ev.DstNodeID)
	case datamodel.OutcomeCopyError:
		return s.onCopyError(ctx, ev.DstNodeID)
	default:
		return nil
	}
}

func (s *ArchiverService) onArchiveSuccess(ctx context.Context, dstNodeID string) error {
	l := log.WithField("dstNodeID", dstNodeID)
	l.Info("archive succeeded")

	s.writeReport(ctx, dstNodeID, nil)

	body, err := json.Marshal(&datamodel.SuccessEmailMessage{DstNodeID: dstNodeID})
	if err != nil {
		return err
	}

	routingKey := s.settingsObj.Rabbitmq.Setup.Queues.Archiver.SuccessEmailRoutingKey

	err = s.taskMgr.Publish(ctx, worker.TypeArchiverWorker, routingKey, body)
	if err == nil {
		return nil
	}

	// the job is already finished, a lost task would mean a lost email
	l.WithError(err).Warn("failed to enqueue success email, sending it directly")

	return s.SendSuccessEmail(ctx, dstNodeID)
}

func (s *ArchiverService) onCopyError(ctx context.Context, dstNodeID string) error {
	job, err := s.cache.GetArchiveJob(ctx, dstNodeID)
	if err != nil {
		return err
	}

	targets, err := s.cache.GetArchiveTargets(ctx, dstNodeID)
	if err != nil {
		return err
	}

	failed := make([]string, 0)
	for name, t := range targets {
		if t.Status == datamodel.ArchiveStatusFailure {
			failed = append(failed, name)
		}
	}

	sort.Strings(failed)

	log.WithField("dstNodeID", dstNodeID).WithField("failed", failed).Warn("archive failed to copy")

	if err = s.mailer.SendCopyError(ctx, job, targets); err != nil {
		log.WithError(err).Error("failed to send copy error email")
	}

	s.rollback(ctx, job, datamodel.IssueCopyError, map[string]interface{}{"failed": failed}, nil)

	return nil
}

// SendSuccessEmail notifies the initiator of a finished archive.
func (s *ArchiverService) SendSuccessEmail(ctx context.Context, dstNodeID string) error {
	job, err := s.cache.GetArchiveJob(ctx, dstNodeID)
	if err != nil {
		return err
	}

	if job.Outcome != datamodel.OutcomeSuccess {
		log.WithField("dstNodeID", dstNodeID).WithField("outcome", job.Outcome).Warn("archive did not succeed, skipping success email")

		return nil
	}

	return s.mailer.SendSuccess(ctx, job)
}
