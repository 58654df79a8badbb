package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/portal/errors"
	"github.com/teranos/portal/pulse/schedule"
)

func TestRepository_Lifecycle(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		org := uuid.New()
		job := newJob("noop", oneOffAt(t, anchor))
		require.NoError(t, repo.AddOrUpdateJob(ctx, job, org))

		assert.True(t, errors.IsIllegalStateError(repo.Open(ctx)), "open twice")
		require.NoError(t, repo.Close(ctx))
		assert.True(t, errors.IsIllegalStateError(repo.Close(ctx)), "close twice")

		// Every operation is refused while closed
		_, err := repo.GetJob(ctx, job.ID, org)
		assert.True(t, errors.IsIllegalStateError(err))
		_, err = repo.GetLastRun(ctx, job.ID, org)
		assert.True(t, errors.IsIllegalStateError(err))
		_, err = repo.Query(ctx, JobQuery{Organization: org})
		assert.True(t, errors.IsIllegalStateError(err))
		_, err = repo.Organizations(ctx)
		assert.True(t, errors.IsIllegalStateError(err))
		assert.True(t, errors.IsIllegalStateError(repo.AddOrUpdateJob(ctx, job, org)))
		assert.True(t, errors.IsIllegalStateError(repo.RemoveJob(ctx, job.ID, org)))
		assert.True(t, errors.IsIllegalStateError(repo.JobStarted(ctx, job.ID, org, anchor)))
		assert.True(t, errors.IsIllegalStateError(repo.JobSucceeded(ctx, job.ID, org, anchor, nil)))
		assert.True(t, errors.IsIllegalStateError(repo.JobFailed(ctx, job.ID, org, anchor, errors.New("boom"))))

		// Re-opening keeps what was stored
		require.NoError(t, repo.Open(ctx))
		got, err := repo.GetJob(ctx, job.ID, org)
		require.NoError(t, err)
		assert.Equal(t, job.ID, got.ID)
	})
}

func TestRepository_AddOrUpdateIsIdempotent(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		org := uuid.New()
		job := newJob("noop", hourlyFrom(t, anchor))
		job.Name = "hourly"
		job.Payload = []byte(`{"batch":5}`)

		require.NoError(t, repo.AddOrUpdateJob(ctx, job, org))
		first, err := repo.GetJob(ctx, job.ID, org)
		require.NoError(t, err)

		require.NoError(t, repo.AddOrUpdateJob(ctx, job, org))
		second, err := repo.GetJob(ctx, job.ID, org)
		require.NoError(t, err)

		assertSameJob(t, first, second)

		result, err := repo.Query(ctx, JobQuery{Organization: org})
		require.NoError(t, err)
		assert.Equal(t, 1, result.Total)
	})
}

func TestRepository_UpdateReplacesScheduleAndKeepsPosition(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		org := uuid.New()
		a := newJob("noop", oneOffAt(t, anchor))
		b := newJob("noop", oneOffAt(t, anchor))
		require.NoError(t, repo.AddOrUpdateJob(ctx, a, org))
		require.NoError(t, repo.AddOrUpdateJob(ctx, b, org))

		updated := a.Clone()
		updated.Schedule = hourlyFrom(t, anchor)
		updated.CreatedAt = time.Time{}
		require.NoError(t, repo.AddOrUpdateJob(ctx, updated, org))

		got, err := repo.GetJob(ctx, a.ID, org)
		require.NoError(t, err)
		assert.Equal(t, schedule.KindPeriodic, got.Schedule.Kind())
		assert.True(t, a.CreatedAt.Equal(got.CreatedAt), "zero CreatedAt keeps the stored one")

		result, err := repo.Query(ctx, JobQuery{Organization: org})
		require.NoError(t, err)
		require.Len(t, result.Jobs, 2)
		assert.Equal(t, a.ID, result.Jobs[0].ID)
		assert.Equal(t, b.ID, result.Jobs[1].ID)
	})
}

func TestRepository_RejectsInvalidJobs(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		org := uuid.New()

		noSchedule := newJob("noop", nil)
		assert.True(t, errors.IsConfigurationError(repo.AddOrUpdateJob(ctx, noSchedule, org)))

		noHandler := newJob("", oneOffAt(t, anchor))
		assert.True(t, errors.IsConfigurationError(repo.AddOrUpdateJob(ctx, noHandler, org)))

		noID := newJob("noop", oneOffAt(t, anchor))
		noID.ID = uuid.Nil
		assert.True(t, errors.IsConfigurationError(repo.AddOrUpdateJob(ctx, noID, org)))
	})
}

func TestRepository_GetJobNotFound(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo Repository) {
		_, err := repo.GetJob(context.Background(), uuid.New(), uuid.New())
		assert.True(t, errors.IsNotFoundError(err))
	})
}

func TestRepository_RunRecordIsMonotonic(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		org := uuid.New()
		id := uuid.New()

		last, err := repo.GetLastRun(ctx, id, org)
		require.NoError(t, err)
		assert.Nil(t, last, "never run")

		t1 := anchor.Add(2 * time.Hour)
		t2 := anchor.Add(time.Hour)

		require.NoError(t, repo.JobFailed(ctx, id, org, t1, errors.New("upstream unavailable")))
		require.NoError(t, repo.JobSucceeded(ctx, id, org, t2, "late success for an older slot"))

		last, err = repo.GetLastRun(ctx, id, org)
		require.NoError(t, err)
		requireTimeEqual(t, t1, last)

		t3 := anchor.Add(3 * time.Hour)
		require.NoError(t, repo.JobStarted(ctx, id, org, t3))
		last, err = repo.GetLastRun(ctx, id, org)
		require.NoError(t, err)
		requireTimeEqual(t, t3, last)
	})
}

func TestRepository_Query(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		org := uuid.New()

		var ids []uuid.UUID
		for i := 0; i < 5; i++ {
			handler := "rollup.dispatch"
			if i%2 == 1 {
				handler = "pulse.prune-executions"
			}
			job := newJob(handler, oneOffAt(t, anchor))
			ids = append(ids, job.ID)
			require.NoError(t, repo.AddOrUpdateJob(ctx, job, org))
		}
		// Another organization's jobs never leak in
		require.NoError(t, repo.AddOrUpdateJob(ctx, newJob("rollup.dispatch", oneOffAt(t, anchor)), uuid.New()))

		page, err := repo.Query(ctx, JobQuery{Organization: org, Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, 5, page.Total)
		require.Len(t, page.Jobs, 2)
		assert.Equal(t, ids[0], page.Jobs[0].ID)
		assert.Equal(t, ids[1], page.Jobs[1].ID)
		next, more := page.NextOffset()
		assert.True(t, more)
		assert.Equal(t, 2, next)

		last, err := repo.Query(ctx, JobQuery{Organization: org, Offset: 4, Limit: 2})
		require.NoError(t, err)
		require.Len(t, last.Jobs, 1)
		assert.Equal(t, ids[4], last.Jobs[0].ID)
		_, more = last.NextOffset()
		assert.False(t, more)

		beyond, err := repo.Query(ctx, JobQuery{Organization: org, Offset: 10})
		require.NoError(t, err)
		assert.Empty(t, beyond.Jobs)
		assert.Equal(t, 5, beyond.Total)

		filtered, err := repo.Query(ctx, JobQuery{Organization: org, HandlerName: "rollup.dispatch"})
		require.NoError(t, err)
		assert.Equal(t, 3, filtered.Total)
		for _, job := range filtered.Jobs {
			assert.Equal(t, "rollup.dispatch", job.HandlerName)
		}

		_, err = repo.Query(ctx, JobQuery{Organization: org, Offset: -1})
		assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
	})
}

func TestRepository_OrganizationsAreIsolated(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		orgA, orgB := uuid.New(), uuid.New()

		// Same job id in both organizations
		job := newJob("noop", oneOffAt(t, anchor))
		require.NoError(t, repo.AddOrUpdateJob(ctx, job, orgA))
		require.NoError(t, repo.AddOrUpdateJob(ctx, job, orgB))
		require.NoError(t, repo.JobStarted(ctx, job.ID, orgA, anchor))

		lastA, err := repo.GetLastRun(ctx, job.ID, orgA)
		require.NoError(t, err)
		requireTimeEqual(t, anchor, lastA)

		lastB, err := repo.GetLastRun(ctx, job.ID, orgB)
		require.NoError(t, err)
		assert.Nil(t, lastB)

		orgs, err := repo.Organizations(ctx)
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{orgA, orgB}, orgs)
	})
}

func TestRepository_RemoveJob(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		org := uuid.New()
		job := newJob("noop", oneOffAt(t, anchor))
		require.NoError(t, repo.AddOrUpdateJob(ctx, job, org))
		require.NoError(t, repo.JobStarted(ctx, job.ID, org, anchor))

		require.NoError(t, repo.RemoveJob(ctx, job.ID, org))
		_, err := repo.GetJob(ctx, job.ID, org)
		assert.True(t, errors.IsNotFoundError(err))
		assert.True(t, errors.IsNotFoundError(repo.RemoveJob(ctx, job.ID, org)))

		orgs, err := repo.Organizations(ctx)
		require.NoError(t, err)
		assert.Empty(t, orgs)

		// The run record survives, so re-adding does not replay the slot
		require.NoError(t, repo.AddOrUpdateJob(ctx, job, org))
		last, err := repo.GetLastRun(ctx, job.ID, org)
		require.NoError(t, err)
		requireTimeEqual(t, anchor, last)
		assert.Nil(t, job.Schedule.NextRun(last))
	})
}

func TestRepository_ConcurrentWritersOnDifferentJobs(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		org := uuid.New()

		const n = 20
		jobs := make([]*Job, n)
		for i := range jobs {
			jobs[i] = newJob("noop", hourlyFrom(t, anchor))
		}

		var wg sync.WaitGroup
		for i := range jobs {
			wg.Add(1)
			go func(job *Job, slot time.Time) {
				defer wg.Done()
				assert.NoError(t, repo.AddOrUpdateJob(ctx, job, org))
				assert.NoError(t, repo.JobStarted(ctx, job.ID, org, slot))
				assert.NoError(t, repo.JobSucceeded(ctx, job.ID, org, slot, nil))
			}(jobs[i], anchor.Add(time.Duration(i)*time.Hour))
		}
		wg.Wait()

		result, err := repo.Query(ctx, JobQuery{Organization: org})
		require.NoError(t, err)
		assert.Equal(t, n, result.Total)
		for i, job := range jobs {
			last, err := repo.GetLastRun(ctx, job.ID, org)
			require.NoError(t, err)
			requireTimeEqual(t, anchor.Add(time.Duration(i)*time.Hour), last)
		}
	})
}

func TestMapRepository_ConcurrentClaimsMerge(t *testing.T) {
	repo := newMapRepo(t)
	ctx := context.Background()
	org, id := uuid.New(), uuid.New()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, repo.JobStarted(ctx, id, org, anchor))
		}()
	}
	wg.Wait()

	last, err := repo.GetLastRun(ctx, id, org)
	require.NoError(t, err)
	requireTimeEqual(t, anchor, last)
}

func TestMapRepository_ReturnsCopies(t *testing.T) {
	repo := newMapRepo(t)
	ctx := context.Background()
	org := uuid.New()
	job := newJob("noop", oneOffAt(t, anchor))
	job.Payload = []byte(`{"batch":1}`)
	require.NoError(t, repo.AddOrUpdateJob(ctx, job, org))

	job.Payload[0] = 'X'
	got, err := repo.GetJob(ctx, job.ID, org)
	require.NoError(t, err)
	assert.Equal(t, `{"batch":1}`, string(got.Payload))

	got.HandlerName = "mutated"
	again, err := repo.GetJob(ctx, job.ID, org)
	require.NoError(t, err)
	assert.Equal(t, "noop", again.HandlerName)
}

func assertSameJob(t *testing.T, want, got *Job) {
	t.Helper()
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.Name, got.Name)
	assert.Equal(t, want.HandlerName, got.HandlerName)
	assert.Equal(t, string(want.Payload), string(got.Payload))
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt))
	assert.True(t, want.UpdatedAt.Equal(got.UpdatedAt))

	wantSched, err := schedule.Marshal(want.Schedule)
	require.NoError(t, err)
	gotSched, err := schedule.Marshal(got.Schedule)
	require.NoError(t, err)
	assert.JSONEq(t, string(wantSched), string(gotSched))
}
