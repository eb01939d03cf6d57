package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/metaengine/hooks"
)

type recorder struct {
	runs   []string
	errs   []error
	pruned int64
}

func (r *recorder) ObserveJob(job string, err error) {
	r.runs = append(r.runs, job)
	r.errs = append(r.errs, err)
}

func (r *recorder) ObservePruned(n int64) { r.pruned += n }

func TestScheduler_AddAndNextRun(t *testing.T) {
	s := NewScheduler(nil)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, Job{Name: "hourly", Schedule: "@every 1h", Run: func(context.Context) error { return nil }}))
	require.NoError(t, s.Add(ctx, Job{Name: "disabled", Schedule: Off}))
	assert.Error(t, s.Add(ctx, Job{Name: "broken", Schedule: "whenever"}))

	_, ok := s.NextRun("disabled")
	assert.False(t, ok)

	s.Start(ctx)
	defer s.Stop()

	next, ok := s.NextRun("hourly")
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Hour), next, time.Minute)
}

func TestScheduler_RunReportsOutcome(t *testing.T) {
	rec := &recorder{}
	s := NewScheduler(rec)

	boom := errors.New("boom")
	s.run(context.Background(), Job{Name: "failing", Run: func(context.Context) error { return boom }})
	s.run(context.Background(), Job{Name: "ok", Run: func(context.Context) error { return nil }})

	assert.Equal(t, []string{"failing", "ok"}, rec.runs)
	assert.ErrorIs(t, rec.errs[0], boom)
	assert.NoError(t, rec.errs[1])

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.run(ctx, Job{Name: "cancelled", Run: func(context.Context) error { return nil }})
	assert.Len(t, rec.runs, 2, "runs after shutdown are dropped")
}

func TestRetentionJob(t *testing.T) {
	ctx := context.Background()
	audit := hooks.NewInMemoryAuditStore()
	now := time.Now()
	for i, age := range []time.Duration{time.Hour, 10 * 24 * time.Hour, 40 * 24 * time.Hour} {
		require.NoError(t, audit.Append(ctx, hooks.Execution{
			ID:            string(rune('a' + i)),
			HookName:      "h",
			CorrelationID: "c",
			Stage:         hooks.StageTransformation,
			Attempt:       1,
			MaxAttempts:   1,
			Status:        hooks.StatusSuccess,
			StartedAt:     now.Add(-age),
			CompletedAt:   now.Add(-age),
		}))
	}

	rec := &recorder{}
	job := RetentionJob("0 3 * * *", audit, 7*24*time.Hour, rec)
	assert.Equal(t, "audit-retention", job.Name)
	require.NoError(t, job.Run(ctx))
	assert.Equal(t, int64(2), rec.pruned)
	assert.Equal(t, 1, audit.Len())

	assert.Equal(t, Off, RetentionJob("0 3 * * *", audit, 0, nil).Schedule)
}
