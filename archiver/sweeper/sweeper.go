package sweeper

import (
	"context"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"osf-archiver/caching"
	"osf-archiver/goutils/datamodel"
	"osf-archiver/goutils/reporting"
	"osf-archiver/goutils/settings"
)

// StuckArchive is an archive still running past the time limit.
type StuckArchive struct {
	DstNodeID string
	TaskID    string
	Elapsed   time.Duration
	Pending   []string
}

// Sweeper reports archives that outlived archive_time_limit. It never fails them.
type Sweeper struct {
	cache     caching.DbCache
	reporter  reporting.Service
	timeLimit time.Duration
	now       func() time.Time
}

func NewSweeper(settingsObj *settings.SettingsObj, cache caching.DbCache, reporter reporting.Service) *Sweeper {
	return &Sweeper{
		cache:     cache,
		reporter:  reporter,
		timeLimit: time.Duration(settingsObj.ArchiveTimeLimit) * time.Second,
		now:       time.Now,
	}
}

// Sweep lists the stuck archives and reports each of them.
func (s *Sweeper) Sweep(ctx context.Context) ([]*StuckArchive, error) {
	now := s.now()

	dstNodeIDs, err := s.cache.GetActiveArchiveJobs(ctx, now.Add(-s.timeLimit).UnixMilli())
	if err != nil {
		log.WithError(err).Error("failed to list active archive jobs")

		return nil, err
	}

	stuck := make([]*StuckArchive, 0, len(dstNodeIDs))

	for _, dstNodeID := range dstNodeIDs {
		job, err := s.cache.GetArchiveJob(ctx, dstNodeID)
		if err != nil {
			log.WithError(err).WithField("dstNodeID", dstNodeID).Error("failed to get stuck archive job")

			continue
		}

		targets, err := s.cache.GetArchiveTargets(ctx, dstNodeID)
		if err != nil {
			log.WithError(err).WithField("dstNodeID", dstNodeID).Error("failed to get stuck archive targets")

			continue
		}

		pending := make([]string, 0)
		for name, t := range targets {
			if !t.Status.IsTerminal() {
				pending = append(pending, name+":"+string(t.Status))
			}
		}

		sort.Strings(pending)

		archive := &StuckArchive{
			DstNodeID: dstNodeID,
			TaskID:    job.TaskID,
			Elapsed:   job.Elapsed(now),
			Pending:   pending,
		}

		log.WithField("dstNodeID", dstNodeID).WithField("elapsed", archive.Elapsed).Warn("archive is stuck")

		s.reporter.Report(datamodel.IssueStuckArchive, dstNodeID, map[string]interface{}{
			"taskID":  archive.TaskID,
			"elapsed": archive.Elapsed.String(),
			"pending": archive.Pending,
		})

		stuck = append(stuck, archive)
	}

	return stuck, nil
}

// Schedule runs Sweep on the cron frequency until the returned runner is stopped.
func (s *Sweeper) Schedule(frequency string) (*cron.Cron, error) {
	cronRunner := cron.New(cron.WithChain(
		cron.Recover(cron.DefaultLogger),
	))

	cronID, err := cronRunner.AddFunc(frequency, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		_, _ = s.Sweep(ctx)
	})
	if err != nil {
		log.WithError(err).Error("failed to add stuck archive sweep cron job")

		return nil, err
	}

	log.WithField("cronId", cronID).Info("added stuck archive sweep cron job")

	cronRunner.Start()

	return cronRunner, nil
}
