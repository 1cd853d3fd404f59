package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"osf-archiver/archiver/events"
	"osf-archiver/caching"
	"osf-archiver/goutils/datamodel"
	"osf-archiver/goutils/mailer"
	"osf-archiver/goutils/nodeapi"
	"osf-archiver/goutils/reporting"
	"osf-archiver/goutils/settings"
	"osf-archiver/goutils/taskmgr"
	"osf-archiver/goutils/waterbutler"
)

var (
	ErrQuotaExceeded = errors.New("archive size exceeded")
	ErrStatFailed    = errors.New("failed to stat addon")
	ErrCopyFailed    = errors.New("copy request failed")
	ErrUnknownTopic  = errors.New("unknown task topic")
	ErrUnknownTarget = errors.New("addon is not part of the archive")
)

// Service runs archiver tasks received by the worker.
type Service interface {
	Run(msgBody []byte, topic string) error
}

// Dependencies are the collaborators of the archiver.
type Dependencies struct {
	Settings    *settings.SettingsObj
	Cache       caching.DbCache
	DiskCache   caching.DiskCache
	WaterButler waterbutler.Service
	Mailer      mailer.Service
	NodeAPI     nodeapi.Service
	Reporter    reporting.Service
	TaskMgr     taskmgr.TaskMgr
	Bus         *events.Bus
}

type ArchiverService struct {
	settingsObj *settings.SettingsObj
	cache       caching.DbCache
	diskCache   caching.DiskCache
	wb          waterbutler.Service
	mailer      mailer.Service
	nodeAPI     nodeapi.Service
	reporter    reporting.Service
	taskMgr     taskmgr.TaskMgr
	bus         *events.Bus
	validate    *validator.Validate
	now         func() time.Time
}

var _ Service = (*ArchiverService)(nil)

// NewArchiverService builds the service and subscribes its completion listener to the bus.
func NewArchiverService(deps *Dependencies) *ArchiverService {
	bus := deps.Bus
	if bus == nil {
		bus = events.NewBus()
	}

	s := &ArchiverService{
		settingsObj: deps.Settings,
		cache:       deps.Cache,
		diskCache:   deps.DiskCache,
		wb:          deps.WaterButler,
		mailer:      deps.Mailer,
		nodeAPI:     deps.NodeAPI,
		reporter:    deps.Reporter,
		taskMgr:     deps.TaskMgr,
		bus:         bus,
		validate:    validator.New(),
		now:         time.Now,
	}

	bus.Subscribe(s.OnStatusChanged)

	return s
}

func (s *ArchiverService) Run(msgBody []byte, topic string) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(s.settingsObj.ArchiveTimeLimit)*time.Second)
	defer cancel()

	queues := s.settingsObj.Rabbitmq.Setup.Queues.Archiver

	switch topic {
	case queues.RegistrationRoutingKey:
		msg := new(datamodel.RegistrationCreatedMessage)

		if err := json.Unmarshal(msgBody, msg); err != nil {
			log.WithError(err).Error("failed to unmarshal registration created message")

			return err
		}

		if err := s.validate.Struct(msg); err != nil {
			log.WithError(err).Error("invalid registration created message")

			return err
		}

		err := s.Archive(ctx, msg)
		if errors.Is(err, ErrQuotaExceeded) || errors.Is(err, ErrStatFailed) {
			// the archive was rolled back and everyone notified, nothing left to retry
			return nil
		}

		return err
	case queues.SuccessEmailRoutingKey:
		msg := new(datamodel.SuccessEmailMessage)

		if err := json.Unmarshal(msgBody, msg); err != nil {
			log.WithError(err).Error("failed to unmarshal success email message")

			return err
		}

		return s.SendSuccessEmail(ctx, msg.DstNodeID)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
}

// Archive copies every archivable addon of the source node into the registration.
func (s *ArchiverService) Archive(ctx context.Context, msg *datamodel.RegistrationCreatedMessage) error {
	l := log.WithField("srcNodeID", msg.SrcNodeID).WithField("dstNodeID", msg.DstNodeID)

	job := &datamodel.ArchiveJob{
		SrcNodeID:      msg.SrcNodeID,
		DstNodeID:      msg.DstNodeID,
		InitiatorID:    msg.InitiatorID,
		InitiatorEmail: msg.InitiatorEmail,
		InitiatorName:  msg.InitiatorName,
		TaskID:         uuid.NewString(),
		StartedAt:      s.now().UnixMilli(),
	}

	addons := s.archivableAddons(msg.Addons)

	err := s.cache.CreateArchiveJob(ctx, job, addons)
	if errors.Is(err, caching.ErrJobExists) {
		l.Warn("archive already in progress for registration, skipping")

		return nil
	}

	if err != nil {
		return err
	}

	l = l.WithField("taskID", job.TaskID)
	l.WithField("addons", addons).Info("started archive")

	if len(addons) == 0 {
		return s.bus.Publish(ctx, &events.StatusChanged{DstNodeID: job.DstNodeID})
	}

	stat, err := s.StatNode(ctx, job, msg.Cookie, addons)
	if err != nil {
		if !statOnly(err) {
			l.WithError(err).Error("failed to stat node")
			s.reporter.Report(datamodel.IssueInternal, job.DstNodeID, map[string]interface{}{"error": err.Error()})
		}

		return s.failStat(ctx, job, addons, err)
	}

	l.WithField("diskUsage", stat.DiskUsage()).WithField("numFiles", stat.NumFiles()).Info("stat done")

	if stat.DiskUsage() > float64(s.settingsObj.MaxArchiveSize) {
		return s.failSizeExceeded(ctx, job, addons, stat)
	}

	s.copyAddons(ctx, job, msg.Cookie, stat)

	return nil
}

func (s *ArchiverService) archivableAddons(addons []string) []string {
	seen := make(map[string]struct{}, len(addons))
	archivable := make([]string, 0, len(addons))

	for _, addon := range addons {
		if _, ok := seen[addon]; ok || addon == "" {
			continue
		}

		seen[addon] = struct{}{}

		if !s.settingsObj.IsArchivable(addon) {
			log.WithField("addon", addon).Debug("addon is not archivable, skipping")

			continue
		}

		archivable = append(archivable, addon)
	}

	return archivable
}

func (s *ArchiverService) failSizeExceeded(ctx context.Context, job *datamodel.ArchiveJob, addons []string, stat datamodel.Stat) error {
	limit := s.settingsObj.MaxArchiveSize

	aborted, err := s.cache.AbortArchiveJob(ctx, job.DstNodeID, datamodel.OutcomeSizeExceeded, s.now().UnixMilli())
	if err != nil {
		return err
	}

	sizeErr := fmt.Errorf("%w: %.0f bytes over a limit of %d bytes", ErrQuotaExceeded, stat.DiskUsage(), limit)

	if !aborted {
		return sizeErr
	}

	log.WithField("dstNodeID", job.DstNodeID).WithError(sizeErr).Warn("archive is too large")

	for _, addon := range addons {
		s.updateTarget(ctx, job.DstNodeID, &datamodel.ArchiveTarget{
			Name:   addon,
			Status: datamodel.ArchiveStatusFailure,
			Errors: []string{sizeErr.Error()},
		})
	}

	if err = s.mailer.SendSizeExceeded(ctx, job, stat, limit); err != nil {
		log.WithError(err).Error("failed to send size exceeded email")
	}

	s.rollback(ctx, job, datamodel.IssueSizeExceeded, map[string]interface{}{
		"diskUsage": stat.DiskUsage(),
		"limit":     limit,
	}, stat)

	return sizeErr
}

// failStat aborts the archive after the stat phase failed, whatever the cause, so no target is
// left behind in a non-terminal state.
func (s *ArchiverService) failStat(ctx context.Context, job *datamodel.ArchiveJob, addons []string, cause error) error {
	ctx, cancel := detached(ctx)
	defer cancel()

	l := log.WithField("dstNodeID", job.DstNodeID)

	aborted, err := s.cache.AbortArchiveJob(ctx, job.DstNodeID, datamodel.OutcomeStatError, s.now().UnixMilli())
	if err != nil {
		l.WithError(cause).Error("failed to abort archive after stat failure")

		return fmt.Errorf("failed to abort archive: %w", err)
	}

	if !aborted {
		return cause
	}

	failed := statErrors(cause)
	failedByAddon := make(map[string]*StatError, len(failed))

	for _, e := range failed {
		failedByAddon[e.Addon] = e
	}

	// an empty addon tells the initiator the whole node could not be checked
	addon, reason := "", errorText(cause)
	addonErr := errors.New(reason)
	if len(failed) > 0 {
		addon, addonErr = failed[0].Addon, failed[0].Err
		reason = "stat failed for " + addon
	}

	for _, name := range addons {
		target := &datamodel.ArchiveTarget{Name: name, Status: datamodel.ArchiveStatusFailure}

		if e, ok := failedByAddon[name]; ok {
			target.Errors = []string{e.Err.Error()}
		} else {
			target.Errors = []string{"archive aborted: " + reason}
		}

		s.updateTarget(ctx, job.DstNodeID, target)
	}

	if err = s.mailer.SendStatError(ctx, job, addon, addonErr); err != nil {
		l.WithError(err).Error("failed to send stat error email")
	}

	extra := map[string]interface{}{"error": reason}
	if len(failed) > 0 {
		addonErrs := make(map[string]interface{}, len(failed))
		for _, e := range failed {
			addonErrs[e.Addon] = e.Err.Error()
		}

		extra = map[string]interface{}{"errors": addonErrs}
	}

	s.rollback(ctx, job, datamodel.IssueStatError, extra, nil)

	if len(failed) == 0 {
		return fmt.Errorf("%w: %s", ErrStatFailed, reason)
	}

	return cause
}

// detached keeps rollback steps running after the task context is done.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx.Err() == nil {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(context.Background(), time.Minute)
}

// rollback deletes the registration after a failed archive and reports the issue.
func (s *ArchiverService) rollback(ctx context.Context, job *datamodel.ArchiveJob, issueType datamodel.IssueType, extra map[string]interface{}, stat datamodel.Stat) {
	l := log.WithField("dstNodeID", job.DstNodeID).WithField("issueType", issueType)

	var result *multierror.Error

	if err := s.nodeAPI.DeleteRegistration(ctx, job.DstNodeID); err != nil {
		result = multierror.Append(result, err)
	} else if err = s.cache.MarkArchiveJobDeleted(ctx, job.DstNodeID); err != nil {
		result = multierror.Append(result, err)
	}

	if err := result.ErrorOrNil(); err != nil {
		l.WithError(err).Error("failed to roll back registration")
		s.reporter.Report(datamodel.IssueInternal, job.DstNodeID, map[string]interface{}{"rollback": err.Error()})
	}

	s.reporter.Report(issueType, job.DstNodeID, extra)
	s.writeReport(ctx, job.DstNodeID, stat)

	l.Info("archive rolled back")
}

// updateTarget writes a target without notifying listeners.
func (s *ArchiverService) updateTarget(ctx context.Context, dstNodeID string, target *datamodel.ArchiveTarget) bool {
	target.UpdatedAt = s.now().UnixMilli()

	updated, err := s.cache.UpdateArchiveTarget(ctx, dstNodeID, target)
	if err != nil {
		log.WithError(err).WithField("dstNodeID", dstNodeID).WithField("addon", target.Name).Error("failed to update archive target")

		return false
	}

	if !updated {
		log.WithField("dstNodeID", dstNodeID).WithField("addon", target.Name).
			WithField("status", target.Status).Debug("archive target already terminal, update dropped")
	}

	return updated
}

// transition writes a target and fires a status changed event when the write took effect.
func (s *ArchiverService) transition(ctx context.Context, dstNodeID string, target *datamodel.ArchiveTarget) error {
	if !s.updateTarget(ctx, dstNodeID, target) {
		return nil
	}

	return s.bus.Publish(ctx, &events.StatusChanged{
		DstNodeID: dstNodeID,
		Addon:     target.Name,
		Status:    target.Status,
	})
}

// writeReport keeps the final state of a job on local disk.
func (s *ArchiverService) writeReport(ctx context.Context, dstNodeID string, stat datamodel.Stat) {
	if s.diskCache == nil || s.settingsObj.LocalCachePath == "" {
		return
	}

	job, err := s.cache.GetArchiveJob(ctx, dstNodeID)
	if err != nil {
		log.WithError(err).WithField("dstNodeID", dstNodeID).Error("failed to get archive job for report")

		return
	}

	targets, err := s.cache.GetArchiveTargets(ctx, dstNodeID)
	if err != nil {
		log.WithError(err).WithField("dstNodeID", dstNodeID).Error("failed to get archive targets for report")

		return
	}

	data, err := json.Marshal(&datamodel.JobReport{Job: job, Targets: targets, Stat: stat})
	if err != nil {
		log.WithError(err).Error("failed to marshal job report")

		return
	}

	if err = s.diskCache.Write(ReportPath(s.settingsObj.LocalCachePath, dstNodeID), data); err != nil {
		log.WithError(err).WithField("dstNodeID", dstNodeID).Error("failed to write job report")
	}
}

// ReportPath is where the final report of a job is kept.
func ReportPath(localCachePath, dstNodeID string) string {
	return filepath.Join(localCachePath, "reports", dstNodeID+".json")
}
