package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/teranos/portal/errors"
)

// MapRepository is an in-memory Repository.
//
// Jobs are sharded per organization and each shard has its own lock, so
// writers for different organizations never contend. Concurrent claims of
// the same slot are merged, not refused.
type MapRepository struct {
	open   atomic.Bool
	logger *zap.SugaredLogger
	now    func() time.Time

	mu     sync.RWMutex // guards shards and orgOrder
	shards map[uuid.UUID]*orgShard
	// first-seen order, for stable Organizations output
	orgOrder []uuid.UUID
}

type orgShard struct {
	mu       sync.Mutex
	jobs     map[uuid.UUID]*Job
	order    []uuid.UUID
	lastRuns map[uuid.UUID]time.Time
}

// NewMapRepository returns a closed, empty repository
func NewMapRepository(logger *zap.SugaredLogger) *MapRepository {
	return &MapRepository{
		logger: logger,
		now:    time.Now,
		shards: make(map[uuid.UUID]*orgShard),
	}
}

func (r *MapRepository) Open(ctx context.Context) error {
	if !r.open.CompareAndSwap(false, true) {
		return errors.NewIllegalStateError("repository is already open")
	}
	r.logger.Debugw("Opening in-memory job repository")
	return nil
}

func (r *MapRepository) Close(ctx context.Context) error {
	if !r.open.CompareAndSwap(true, false) {
		return errors.NewIllegalStateError("repository is not open")
	}
	r.logger.Debugw("Closing in-memory job repository")
	return nil
}

func (r *MapRepository) assertOpen() error {
	if !r.open.Load() {
		return errors.NewIllegalStateError("repository is not open")
	}
	return nil
}

// shard returns the organization's shard, creating it when create is set
func (r *MapRepository) shard(org uuid.UUID, create bool) *orgShard {
	r.mu.RLock()
	s := r.shards[org]
	r.mu.RUnlock()
	if s != nil || !create {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s = r.shards[org]; s == nil {
		s = &orgShard{
			jobs:     make(map[uuid.UUID]*Job),
			lastRuns: make(map[uuid.UUID]time.Time),
		}
		r.shards[org] = s
		r.orgOrder = append(r.orgOrder, org)
	}
	return s
}

func (r *MapRepository) AddOrUpdateJob(ctx context.Context, job *Job, org uuid.UUID) error {
	if err := r.assertOpen(); err != nil {
		return err
	}
	if err := job.Validate(); err != nil {
		return err
	}

	stored := job.Clone()
	s := r.shard(org, true)
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.jobs[job.ID]; ok {
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = existing.CreatedAt
		}
	} else {
		s.order = append(s.order, job.ID)
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = r.now()
		}
	}
	s.jobs[job.ID] = stored
	return nil
}

func (r *MapRepository) RemoveJob(ctx context.Context, id, org uuid.UUID) error {
	if err := r.assertOpen(); err != nil {
		return err
	}

	s := r.shard(org, false)
	if s == nil {
		return errors.NewNotFoundError("job %s in organization %s", id, org)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return errors.NewNotFoundError("job %s in organization %s", id, org)
	}
	delete(s.jobs, id)
	for i, jobID := range s.order {
		if jobID == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (r *MapRepository) GetJob(ctx context.Context, id, org uuid.UUID) (*Job, error) {
	if err := r.assertOpen(); err != nil {
		return nil, err
	}

	s := r.shard(org, false)
	if s == nil {
		return nil, errors.NewNotFoundError("job %s in organization %s", id, org)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, errors.NewNotFoundError("job %s in organization %s", id, org)
	}
	return job.Clone(), nil
}

func (r *MapRepository) GetLastRun(ctx context.Context, id, org uuid.UUID) (*time.Time, error) {
	if err := r.assertOpen(); err != nil {
		return nil, err
	}

	s := r.shard(org, false)
	if s == nil {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	last, ok := s.lastRuns[id]
	if !ok {
		return nil, nil
	}
	return &last, nil
}

func (r *MapRepository) JobStarted(ctx context.Context, id, org uuid.UUID, scheduled time.Time) error {
	return r.recordRun(id, org, scheduled)
}

func (r *MapRepository) JobSucceeded(ctx context.Context, id, org uuid.UUID, scheduled time.Time, result any) error {
	return r.recordRun(id, org, scheduled)
}

func (r *MapRepository) JobFailed(ctx context.Context, id, org uuid.UUID, scheduled time.Time, cause error) error {
	return r.recordRun(id, org, scheduled)
}

// recordRun applies lastRun = max(lastRun, scheduled)
func (r *MapRepository) recordRun(id, org uuid.UUID, scheduled time.Time) error {
	if err := r.assertOpen(); err != nil {
		return err
	}

	s := r.shard(org, true)
	s.mu.Lock()
	defer s.mu.Unlock()

	if last, ok := s.lastRuns[id]; !ok || scheduled.After(last) {
		s.lastRuns[id] = scheduled
	}
	return nil
}

func (r *MapRepository) Query(ctx context.Context, q JobQuery) (*QueryResult, error) {
	if err := r.assertOpen(); err != nil {
		return nil, err
	}
	if err := q.validate(); err != nil {
		return nil, err
	}

	s := r.shard(q.Organization, false)
	if s == nil {
		return q.page(nil), nil
	}
	s.mu.Lock()
	matches := make([]*Job, 0, len(s.order))
	for _, id := range s.order {
		job := s.jobs[id]
		if q.HandlerName != "" && job.HandlerName != q.HandlerName {
			continue
		}
		matches = append(matches, job.Clone())
	}
	s.mu.Unlock()

	return q.page(matches), nil
}

func (r *MapRepository) Organizations(ctx context.Context) ([]uuid.UUID, error) {
	if err := r.assertOpen(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	order := append([]uuid.UUID(nil), r.orgOrder...)
	r.mu.RUnlock()

	orgs := make([]uuid.UUID, 0, len(order))
	for _, org := range order {
		s := r.shard(org, false)
		s.mu.Lock()
		hasJobs := len(s.jobs) > 0
		s.mu.Unlock()
		if hasJobs {
			orgs = append(orgs, org)
		}
	}
	return orgs, nil
}
