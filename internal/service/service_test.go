package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/lottr/internal/config"
	"github.com/MimeLyc/lottr/internal/jobs"
	"github.com/MimeLyc/lottr/internal/persistence"
	"github.com/MimeLyc/lottr/pkg/icron"
)

var testTime = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

type fixedHistory struct {
	last time.Time
}

func (h fixedHistory) LastSuccess(_ context.Context, _ string) (time.Time, bool, error) {
	return h.last, !h.last.IsZero(), nil
}

func newScheduler(t *testing.T, cfg *config.Config, completer *dictCompleter, history SuccessLookup) (*Scheduler, *jobs.Queue) {
	t.Helper()
	tr, err := NewTranslator(cfg, WithCompleter(completer))
	require.NoError(t, err)
	queue := jobs.NewQueue(1, nil)
	c := cron.New(cron.WithParser(icron.Parser))
	return NewScheduler(cfg, c, queue, tr, history), queue
}

func TestScheduler_TickDeduplicates(t *testing.T) {
	path := writeInput(t, "script.txt", "hello\n")
	s, queue := newScheduler(t, testConfig(path), &dictCompleter{}, nil)

	first, created, err := s.Tick(context.Background())
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, path, first.Payload.File)
	assert.Equal(t, "cron", first.Source)

	second, created, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.False(t, created, "the pending run still holds the dedupe key")
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, queue.Active())
}

func TestScheduler_ExecuteThenSkipUnchanged(t *testing.T) {
	path := writeInput(t, "script.txt", "hello\n")
	out := filepath.Join(t.TempDir(), "out.txt")
	completer := &dictCompleter{}
	s, queue := newScheduler(t, testConfig(path, func(c *config.Config) { c.Output = out }), completer, nil)

	// mtime must predate the run start
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	queue.Start(context.Background(), s.Execute)
	defer queue.Stop()

	job, created, err := s.Tick(context.Background())
	require.NoError(t, err)
	require.True(t, created)

	require.Eventually(t, func() bool {
		got, ok := queue.Get(job.ID)
		return ok && got.Status == jobs.StatusSuccess
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Thello\n", readFile(t, out))

	job, created, err = s.Tick(context.Background())
	require.NoError(t, err)
	assert.False(t, created)
	assert.Nil(t, job, "unchanged input is not queued again")

	now := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, now, now))
	_, created, err = s.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, created, "a modified input is queued")
}

func TestScheduler_PartialRunFailsJob(t *testing.T) {
	path := writeInput(t, "script.txt", "bad\n")
	completer := &dictCompleter{fail: func(string) error { return context.DeadlineExceeded }}
	cfg := testConfig(path, func(c *config.Config) { c.LLM.MaxAttempts = 1 })
	s, _ := newScheduler(t, cfg, completer, nil)

	err := s.Execute(context.Background(), &jobs.RunJob{ID: "job-1", Payload: jobs.RunPayload{File: path}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 1 batches failed")
	assert.True(t, s.since().IsZero())
}

func TestScheduler_UsesHistory(t *testing.T) {
	path := writeInput(t, "script.txt", "hello\n")
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	cfg := testConfig(path, func(c *config.Config) { c.CronExpr = "@every 1h" })
	s, _ := newScheduler(t, cfg, &dictCompleter{}, fixedHistory{last: time.Now()})
	require.NoError(t, s.Schedule(context.Background()))
	assert.Len(t, s.cron.Entries(), 1)

	job, created, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.False(t, created)
}

func TestScheduler_ScheduleErrors(t *testing.T) {
	path := writeInput(t, "script.txt", "hello\n")

	s, _ := newScheduler(t, testConfig(path), &dictCompleter{}, nil)
	assert.True(t, IsErrorType(s.Schedule(context.Background()), ErrConfig), "missing cron")

	s, _ = newScheduler(t, testConfig("", func(c *config.Config) { c.CronExpr = "@hourly" }), &dictCompleter{}, nil)
	assert.True(t, IsErrorType(s.Schedule(context.Background()), ErrConfig), "missing file")

	s, _ = newScheduler(t, testConfig(path, func(c *config.Config) { c.CronExpr = "bad cron" }), &dictCompleter{}, nil)
	assert.True(t, IsErrorType(s.Schedule(context.Background()), ErrConfig), "bad expression")
}

func TestScheduler_RecordsToSQLite(t *testing.T) {
	path := writeInput(t, "script.txt", "hello\n")
	store, err := persistence.NewSQLiteStore(filepath.Join(t.TempDir(), "lottr.db"))
	require.NoError(t, err)
	defer store.Close()

	cfg := testConfig(path)
	tr, err := NewTranslator(cfg, WithCompleter(&dictCompleter{}), WithRecorder(store))
	require.NoError(t, err)
	s := NewScheduler(cfg, cron.New(cron.WithParser(icron.Parser)), jobs.NewQueue(1, store), tr, store)

	require.NoError(t, s.Execute(context.Background(), &jobs.RunJob{ID: "job-9", Payload: jobs.RunPayload{File: path}}))

	runs, err := store.ListRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "job-9", runs[0].JobID)
	assert.Equal(t, ExitOK, runs[0].ExitCode)

	last, ok, err := store.LastSuccess(context.Background(), path)
	require.NoError(t, err)
	require.True(t, ok)
	assert.WithinDuration(t, s.since(), last, time.Second)
}
