package caching

import (
	"context"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"osf-archiver/goutils/datamodel"
)

type memoryState struct {
	jobs    map[string]*datamodel.ArchiveJob
	targets map[string]map[string]*datamodel.ArchiveTarget
}

// MemoryCache keeps archive state in process. A single goroutine owns the state and
// applies requests in arrival order, so every DbCache call is atomic.
type MemoryCache struct {
	requests  chan func(*memoryState)
	closed    chan struct{}
	closeOnce sync.Once
}

var _ DbCache = (*MemoryCache)(nil)

func NewMemoryCache() *MemoryCache {
	m := &MemoryCache{
		requests: make(chan func(*memoryState)),
		closed:   make(chan struct{}),
	}

	go m.run()

	return m
}

func (m *MemoryCache) run() {
	state := &memoryState{
		jobs:    make(map[string]*datamodel.ArchiveJob),
		targets: make(map[string]map[string]*datamodel.ArchiveTarget),
	}

	for {
		select {
		case req := <-m.requests:
			req(state)
		case <-m.closed:
			log.Debug("memory cache stopped")

			return
		}
	}
}

// Close stops the owner goroutine; later calls fail with ErrCacheClosed.
func (m *MemoryCache) Close() {
	m.closeOnce.Do(func() { close(m.closed) })
}

func (m *MemoryCache) do(ctx context.Context, fn func(*memoryState)) error {
	done := make(chan struct{})

	req := func(s *memoryState) {
		defer close(done)
		fn(s)
	}

	select {
	case m.requests <- req:
	case <-m.closed:
		return ErrCacheClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	<-done

	return nil
}

func copyTarget(t *datamodel.ArchiveTarget) *datamodel.ArchiveTarget {
	c := *t
	c.Errors = append([]string(nil), t.Errors...)

	if t.Meta != nil {
		c.Meta = make(map[string]interface{}, len(t.Meta))
		for k, v := range t.Meta {
			c.Meta[k] = v
		}
	}

	return &c
}

func (m *MemoryCache) CreateArchiveJob(ctx context.Context, job *datamodel.ArchiveJob, addons []string) error {
	var exists bool

	err := m.do(ctx, func(s *memoryState) {
		if current, ok := s.jobs[job.DstNodeID]; ok && current.Archiving {
			exists = true

			return
		}

		stored := *job
		stored.Archiving = true
		stored.Outcome = datamodel.OutcomeInProgress
		stored.Deleted = false
		stored.DoneAt = 0
		s.jobs[job.DstNodeID] = &stored

		targets := make(map[string]*datamodel.ArchiveTarget, len(addons))
		for _, addon := range addons {
			targets[addon] = &datamodel.ArchiveTarget{
				Name:      addon,
				Status:    datamodel.ArchiveStatusPending,
				UpdatedAt: job.StartedAt,
			}
		}

		s.targets[job.DstNodeID] = targets
	})
	if err != nil {
		return err
	}

	if exists {
		return ErrJobExists
	}

	return nil
}

func (m *MemoryCache) GetArchiveJob(ctx context.Context, dstNodeID string) (*datamodel.ArchiveJob, error) {
	var job *datamodel.ArchiveJob

	err := m.do(ctx, func(s *memoryState) {
		if stored, ok := s.jobs[dstNodeID]; ok {
			c := *stored
			job = &c
		}
	})
	if err != nil {
		return nil, err
	}

	if job == nil {
		return nil, ErrJobNotFound
	}

	return job, nil
}

func (m *MemoryCache) GetArchiveTargets(ctx context.Context, dstNodeID string) (map[string]*datamodel.ArchiveTarget, error) {
	targets := make(map[string]*datamodel.ArchiveTarget)

	err := m.do(ctx, func(s *memoryState) {
		for name, t := range s.targets[dstNodeID] {
			targets[name] = copyTarget(t)
		}
	})

	return targets, err
}

func (m *MemoryCache) UpdateArchiveTarget(ctx context.Context, dstNodeID string, target *datamodel.ArchiveTarget) (bool, error) {
	updated := false

	err := m.do(ctx, func(s *memoryState) {
		targets, ok := s.targets[dstNodeID]
		if !ok {
			targets = make(map[string]*datamodel.ArchiveTarget)
			s.targets[dstNodeID] = targets
		}

		if current, ok := targets[target.Name]; ok && current.Status.IsTerminal() {
			return
		}

		targets[target.Name] = copyTarget(target)
		updated = true
	})

	return updated, err
}

func (m *MemoryCache) FinishArchiveJob(ctx context.Context, dstNodeID string, doneAt int64) (datamodel.Outcome, error) {
	outcome := datamodel.OutcomeInProgress

	err := m.do(ctx, func(s *memoryState) {
		job, ok := s.jobs[dstNodeID]
		if !ok || !job.Archiving {
			return
		}

		failed := false
		for _, t := range s.targets[dstNodeID] {
			if !t.Status.IsTerminal() {
				return
			}

			if t.Status == datamodel.ArchiveStatusFailure {
				failed = true
			}
		}

		outcome = datamodel.OutcomeSuccess
		if failed {
			outcome = datamodel.OutcomeCopyError
		}

		job.Archiving = false
		job.Outcome = outcome
		job.DoneAt = doneAt
	})

	return outcome, err
}

func (m *MemoryCache) AbortArchiveJob(ctx context.Context, dstNodeID string, outcome datamodel.Outcome, doneAt int64) (bool, error) {
	aborted := false

	err := m.do(ctx, func(s *memoryState) {
		job, ok := s.jobs[dstNodeID]
		if !ok || !job.Archiving {
			return
		}

		job.Archiving = false
		job.Outcome = outcome
		job.DoneAt = doneAt
		aborted = true
	})

	return aborted, err
}

func (m *MemoryCache) MarkArchiveJobDeleted(ctx context.Context, dstNodeID string) error {
	notFound := false

	err := m.do(ctx, func(s *memoryState) {
		job, ok := s.jobs[dstNodeID]
		if !ok {
			notFound = true

			return
		}

		job.Deleted = true
	})
	if err != nil {
		return err
	}

	if notFound {
		return ErrJobNotFound
	}

	return nil
}

func (m *MemoryCache) GetActiveArchiveJobs(ctx context.Context, startedBefore int64) ([]string, error) {
	type active struct {
		id        string
		startedAt int64
	}

	jobs := make([]active, 0)

	err := m.do(ctx, func(s *memoryState) {
		for id, job := range s.jobs {
			if job.Archiving && job.StartedAt <= startedBefore {
				jobs = append(jobs, active{id: id, startedAt: job.StartedAt})
			}
		}
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].startedAt == jobs[j].startedAt {
			return jobs[i].id < jobs[j].id
		}

		return jobs[i].startedAt < jobs[j].startedAt
	})

	ids := make([]string, len(jobs))
	for i := range jobs {
		ids[i] = jobs[i].id
	}

	return ids, nil
}
