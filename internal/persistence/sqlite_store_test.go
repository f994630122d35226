package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/lottr/internal/jobs"
)

func newStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "data", "lottr.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStore_JobsRoundTrip(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	job := &jobs.RunJob{
		ID:        "job-1",
		Source:    "cron",
		DedupeKey: "/data/script.txt",
		Payload: jobs.RunPayload{
			File:   "/data/script.txt",
			Output: "/data/script.translated.txt",
		},
		Status:    jobs.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, store.UpsertJob(ctx, job))

	job.Status = jobs.StatusFailed
	job.Error = "boom"
	require.NoError(t, store.UpsertJob(ctx, job))

	all, err := store.LoadJobs(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, job.ID, all[0].ID)
	assert.Equal(t, jobs.StatusFailed, all[0].Status)
	assert.Equal(t, "boom", all[0].Error)
	assert.Equal(t, job.Payload, all[0].Payload)

	require.NoError(t, store.DeleteJob(ctx, job.ID))
	all, err = store.LoadJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSQLiteStore_BacksQueueRecovery(t *testing.T) {
	t.Parallel()
	store := newStore(t)

	q := jobs.NewQueue(1, store)
	job, created := q.Enqueue(jobs.EnqueueRequest{
		Source:    "cron",
		DedupeKey: "a.txt",
		Payload:   jobs.RunPayload{File: "a.txt"},
	})
	require.True(t, created)

	restarted := jobs.NewQueue(1, store)
	got, ok := restarted.Get(job.ID)
	require.True(t, ok)
	assert.Equal(t, jobs.StatusPending, got.Status)
	assert.Equal(t, "a.txt", got.Payload.File)
}

func TestSQLiteStore_Runs(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	ctx := context.Background()

	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	runs := []RunRecord{
		{RunID: "r1", File: "a.txt", StartedAt: base, FinishedAt: base.Add(time.Minute), Lines: 10, Candidates: 4, Batches: 1, Translated: 4},
		{RunID: "r2", File: "a.txt", StartedAt: base.Add(time.Hour), FinishedAt: base.Add(time.Hour + time.Minute), Lines: 10, Candidates: 4, Batches: 2, FailedBatches: 1, FailedLines: 2, ExitCode: 2, ReportJSON: `{"run_id":"r2"}`},
		{RunID: "r3", JobID: "job-7", File: "b.txt", StartedAt: base.Add(2 * time.Hour), FinishedAt: base.Add(2*time.Hour + time.Second)},
	}
	for _, r := range runs {
		require.NoError(t, store.SaveRun(ctx, r))
	}

	all, err := store.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"r3", "r2", "r1"}, []string{all[0].RunID, all[1].RunID, all[2].RunID})
	assert.Equal(t, "job-7", all[0].JobID)
	assert.Equal(t, "{}", all[0].ReportJSON)

	limited, err := store.ListRuns(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	r2, ok, err := store.GetRun(ctx, "r2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, r2.ExitCode)
	assert.Equal(t, 2, r2.FailedLines)
	assert.Equal(t, time.Minute, r2.Duration())

	_, ok, err = store.GetRun(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	last, ok, err := store.LastSuccess(ctx, "a.txt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, base.Equal(last), "r2 failed so r1 is the last success")

	_, ok, err = store.LastSuccess(ctx, "never.txt")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Error(t, store.SaveRun(ctx, RunRecord{}))
}

func TestSQLiteStore_MigrationsIdempotent(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "lottr.db")

	first, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, first.SaveRun(context.Background(), RunRecord{RunID: "r1", File: "a.txt", StartedAt: time.Now(), FinishedAt: time.Now()}))
	require.NoError(t, first.Close())

	second, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer second.Close()

	all, err := second.ListRuns(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestMigrationVersion(t *testing.T) {
	assert.Equal(t, 1, migrationVersion("001_init.sql"))
	assert.Equal(t, 12, migrationVersion("12"))
	assert.Equal(t, 0, migrationVersion("init.sql"))
}

func TestNewSQLiteStore_RequiresPath(t *testing.T) {
	_, err := NewSQLiteStore("  ")
	assert.Error(t, err)
}
