package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/remeh/sizedwaitgroup"
	log "github.com/sirupsen/logrus"

	"osf-archiver/goutils/datamodel"
	"osf-archiver/goutils/settings"
)

// StatError is the failure to walk one addon's file tree.
type StatError struct {
	Addon string
	Err   error
}

func (e *StatError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrStatFailed, e.Addon, e.Err)
}

func (e *StatError) Unwrap() error {
	return e.Err
}

func (e *StatError) Is(target error) bool {
	return target == ErrStatFailed
}

// statErrors flattens the stat failures held by err.
func statErrors(err error) []*StatError {
	var errs []error

	var merr *multierror.Error
	if errors.As(err, &merr) {
		errs = merr.Errors
	} else {
		errs = []error{err}
	}

	result := make([]*StatError, 0, len(errs))

	for _, e := range errs {
		var statErr *StatError
		if errors.As(e, &statErr) {
			result = append(result, statErr)
		}
	}

	return result
}

// statOnly reports whether every failure held by err is a StatError.
func statOnly(err error) bool {
	errs := []error{err}

	var merr *multierror.Error
	if errors.As(err, &merr) {
		errs = merr.Errors
	}

	return len(statErrors(err)) == len(errs)
}

// errorText joins the messages held by err on one line.
func errorText(err error) string {
	var merr *multierror.Error
	if !errors.As(err, &merr) {
		return err.Error()
	}

	msgs := make([]string, len(merr.Errors))
	for i, e := range merr.Errors {
		msgs[i] = e.Error()
	}

	return strings.Join(msgs, "; ")
}

// StatAddon marks the addon CHECKING and measures its file tree.
func (s *ArchiverService) StatAddon(ctx context.Context, job *datamodel.ArchiveJob, cookie, addon string) (*datamodel.AggregateStatResult, error) {
	updated, err := s.cache.UpdateArchiveTarget(ctx, job.DstNodeID, &datamodel.ArchiveTarget{
		Name:      addon,
		Status:    datamodel.ArchiveStatusChecking,
		UpdatedAt: s.now().UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to mark %s as checking: %w", addon, err)
	}

	if !updated {
		return nil, fmt.Errorf("archive target %s is already terminal", addon)
	}

	tree, err := s.wb.GetFileTree(ctx, cookie, job.SrcNodeID, addon)
	if err != nil {
		log.WithError(err).WithField("dstNodeID", job.DstNodeID).WithField("addon", addon).Warn("failed to stat addon")

		return nil, &StatError{Addon: addon, Err: err}
	}

	return AggregateFileTree(addon, s.settingsObj.AddonFullName(addon), tree), nil
}

// AggregateFileTree turns a file tree into stats: folders become aggregates and files leaves.
func AggregateFileTree(targetID, targetName string, tree *datamodel.FileMetadata) *datamodel.AggregateStatResult {
	targets := make([]datamodel.Stat, 0, len(tree.Children))

	for _, child := range tree.Children {
		if child.Kind == datamodel.FileKindFolder {
			targets = append(targets, AggregateFileTree(child.Path, child.Name, child))

			continue
		}

		targets = append(targets, datamodel.NewStatResult(child.Path, child.Name, child.Size, nil))
	}

	return datamodel.NewAggregateStatResult(targetID, targetName, targets, nil)
}

// StatNode stats every addon concurrently and folds them into one node-level result.
// With the exclude policy failed addons are recorded as excluded and left out of the result.
func (s *ArchiverService) StatNode(ctx context.Context, job *datamodel.ArchiveJob, cookie string, addons []string) (*datamodel.AggregateStatResult, error) {
	swg := sizedwaitgroup.New(s.settingsObj.Concurrency)

	var (
		mu    sync.Mutex
		stats = make([]datamodel.Stat, 0, len(addons))
		errs  *multierror.Error
	)

	for _, addon := range addons {
		swg.Add()

		go func(addon string) {
			defer swg.Done()

			stat, err := s.StatAddon(ctx, job, cookie, addon)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				errs = multierror.Append(errs, err)

				return
			}

			stats = append(stats, stat)
		}(addon)
	}

	swg.Wait()

	if err := errs.ErrorOrNil(); err != nil {
		if !statOnly(err) || s.settingsObj.StatFailurePolicy != settings.StatFailurePolicyExclude {
			return nil, err
		}

		for _, e := range statErrors(err) {
			_ = s.transition(ctx, job.DstNodeID, &datamodel.ArchiveTarget{
				Name:   e.Addon,
				Status: datamodel.ArchiveStatusSuccess,
				Errors: []string{e.Err.Error()},
				Meta:   map[string]interface{}{"excluded": true},
			})
		}
	}

	return datamodel.NewAggregateStatResult(job.SrcNodeID, job.SrcNodeID, stats, nil), nil
}
