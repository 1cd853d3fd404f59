package service

import (
	"context"
	"fmt"
	"net/http"

	"github.com/remeh/sizedwaitgroup"
	log "github.com/sirupsen/logrus"

	"osf-archiver/goutils/datamodel"
	"osf-archiver/goutils/waterbutler"
)

// copyAddons starts one copy per addon with files; empty addons succeed right away.
func (s *ArchiverService) copyAddons(ctx context.Context, job *datamodel.ArchiveJob, cookie string, stat *datamodel.AggregateStatResult) {
	swg := sizedwaitgroup.New(s.settingsObj.Concurrency)

	for _, addonStat := range stat.Targets() {
		if addonStat.NumFiles() == 0 {
			err := s.transition(ctx, job.DstNodeID, &datamodel.ArchiveTarget{
				Name:   addonStat.TargetID(),
				Status: datamodel.ArchiveStatusSuccess,
				Meta:   map[string]interface{}{"empty": true},
			})
			if err != nil {
				log.WithError(err).WithField("addon", addonStat.TargetID()).Error("failed to complete empty addon")
			}

			continue
		}

		swg.Add()

		go func(addonStat datamodel.Stat) {
			defer swg.Done()

			if err := s.ArchiveAddon(ctx, job, cookie, addonStat); err != nil {
				log.WithError(err).WithField("dstNodeID", job.DstNodeID).WithField("addon", addonStat.TargetID()).Error("failed to archive addon")
			}
		}(addonStat)
	}

	swg.Wait()
}

func addonMeta(stat datamodel.Stat) map[string]interface{} {
	return map[string]interface{}{
		"disk_usage": stat.DiskUsage(),
		"num_files":  stat.NumFiles(),
	}
}

// ArchiveAddon copies one addon's root folder into the registration's archive provider.
func (s *ArchiverService) ArchiveAddon(ctx context.Context, job *datamodel.ArchiveJob, cookie string, stat datamodel.Stat) error {
	addon := stat.TargetID()

	err := s.transition(ctx, job.DstNodeID, &datamodel.ArchiveTarget{
		Name:   addon,
		Status: datamodel.ArchiveStatusSending,
		Meta:   addonMeta(stat),
	})
	if err != nil {
		log.WithError(err).WithField("addon", addon).Warn("status changed handlers failed")
	}

	copyReq := &datamodel.CopyRequest{
		Source: datamodel.CopyLocation{
			Cookie:   cookie,
			NodeID:   job.SrcNodeID,
			Provider: addon,
			Path:     "/",
		},
		Destination: datamodel.CopyLocation{
			Cookie:   cookie,
			NodeID:   job.DstNodeID,
			Provider: s.settingsObj.ArchiveProvider,
			Path:     "/",
		},
		Rename: fmt.Sprintf("Archive of %s", s.settingsObj.AddonFullName(addon)),
	}

	return s.MakeCopyRequest(ctx, job, stat, copyReq)
}

// MakeCopyRequest sends the copy and records its result. 200 and 201 finish the addon,
// 202 leaves it SENT until WaterButler calls back, anything else fails it.
func (s *ArchiverService) MakeCopyRequest(ctx context.Context, job *datamodel.ArchiveJob, stat datamodel.Stat, copyReq *datamodel.CopyRequest) error {
	addon := stat.TargetID()
	l := log.WithField("dstNodeID", job.DstNodeID).WithField("addon", addon)

	res, copyErr := s.wb.Copy(ctx, copyReq)

	if err := s.transition(ctx, job.DstNodeID, &datamodel.ArchiveTarget{
		Name:   addon,
		Status: datamodel.ArchiveStatusSent,
		Meta:   addonMeta(stat),
	}); err != nil {
		l.WithError(err).Warn("status changed handlers failed")
	}

	target := &datamodel.ArchiveTarget{Name: addon, Meta: addonMeta(stat)}

	var result error

	switch {
	case copyErr != nil:
		target.Status = datamodel.ArchiveStatusFailure
		target.Errors = []string{copyErr.Error()}
		result = fmt.Errorf("%w: %s", ErrCopyFailed, copyErr)
	case res.StatusCode == http.StatusOK || res.StatusCode == http.StatusCreated:
		target.Status = datamodel.ArchiveStatusSuccess
	case res.StatusCode == http.StatusAccepted:
		l.Info("copy accepted, waiting for waterbutler callback")

		return nil
	default:
		target.Status = datamodel.ArchiveStatusFailure
		target.Errors = waterbutler.ErrorsFromBody(res.StatusCode, res.Body)
		result = fmt.Errorf("%w: %s responded %d", ErrCopyFailed, addon, res.StatusCode)
	}

	l.WithField("status", target.Status).Info("copy finished")

	if err := s.transition(ctx, job.DstNodeID, target); err != nil {
		l.WithError(err).Warn("status changed handlers failed")
	}

	return result
}

// HandleCallback completes an addon whose copy was accepted asynchronously.
func (s *ArchiverService) HandleCallback(ctx context.Context, dstNodeID, addon string, callback *datamodel.WaterButlerCallback) error {
	l := log.WithField("dstNodeID", dstNodeID).WithField("addon", addon).WithField("action", callback.Action)

	if _, err := s.cache.GetArchiveJob(ctx, dstNodeID); err != nil {
		return err
	}

	targets, err := s.cache.GetArchiveTargets(ctx, dstNodeID)
	if err != nil {
		return err
	}

	current, ok := targets[addon]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, addon)
	}

	if current.Status.IsTerminal() {
		l.WithField("status", current.Status).Info("callback for finished addon ignored")

		return nil
	}

	target := &datamodel.ArchiveTarget{
		Name:   addon,
		Status: datamodel.ArchiveStatusSuccess,
		Meta:   current.Meta,
	}

	if len(callback.Errors) > 0 {
		target.Status = datamodel.ArchiveStatusFailure
		target.Errors = callback.Errors
	}

	l.WithField("status", target.Status).Info("received waterbutler callback")

	return s.transition(ctx, dstNodeID, target)
}
