package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/MimeLyc/lottr/internal/config"
	"github.com/MimeLyc/lottr/internal/jobs"
	"github.com/MimeLyc/lottr/pkg/file"
	"github.com/MimeLyc/lottr/pkg/icron"
	"github.com/MimeLyc/lottr/pkg/log"
)

// SuccessLookup finds the start time of the last fully successful run of a file.
type SuccessLookup interface {
	LastSuccess(ctx context.Context, file string) (time.Time, bool, error)
}

// Scheduler enqueues a run of the configured file on every cron tick and
// executes queued runs.
type Scheduler struct {
	cfg        *config.Config
	cron       *cron.Cron
	queue      *jobs.Queue
	translator *Translator
	history    SuccessLookup

	mu          sync.Mutex
	lastSuccess time.Time
}

func NewScheduler(
	cfg *config.Config,
	c *cron.Cron,
	queue *jobs.Queue,
	translator *Translator,
	history SuccessLookup,
) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		cron:       c,
		queue:      queue,
		translator: translator,
		history:    history,
	}
}

var singleflightGroup singleflight.Group

// Schedule registers the tick with cron. The cron must use icron.Parser.
func (s *Scheduler) Schedule(ctx context.Context) error {
	if s.cfg.CronExpr == "" {
		return NewError(ErrConfig, "cron expression is required")
	}
	if s.cfg.File == "" {
		return NewError(ErrConfig, "no input file given")
	}
	if info, err := icron.GetTriggerInfo(s.cfg.CronExpr, time.Now(), 1); err == nil && len(info.Next) > 0 {
		log.Info("Scheduling %s on %q, next run at %s (in %v)",
			s.cfg.File, s.cfg.CronExpr, info.Next[0].Format(time.RFC3339), info.TimeUntilNext.Round(time.Second))
	}

	s.loadLastSuccess(ctx)

	_, err := s.cron.AddFunc(s.cfg.CronExpr, func() {
		if _, _, err := s.Tick(ctx); err != nil {
			log.Error("Scheduled tick for %s failed: %v", s.cfg.File, err)
		}
	})
	if err != nil {
		return WrapError(err, ErrConfig, "invalid cron expression").WithContext("cron", s.cfg.CronExpr)
	}
	return nil
}

// Tick enqueues a run when the input changed since the last successful run.
// It returns the queued job and whether a new one was created.
func (s *Scheduler) Tick(ctx context.Context) (*jobs.RunJob, bool, error) {
	type outcome struct {
		job     *jobs.RunJob
		created bool
	}

	v, err, _ := singleflightGroup.Do(s.cfg.File, func() (any, error) {
		changed, err := file.ModifiedSince(s.cfg.File, s.since())
		if err != nil {
			return nil, WrapError(err, ErrFileRead, "failed to stat input").WithContext("file", s.cfg.File)
		}
		if !changed {
			log.Debug("%s unchanged since last successful run, skipping", s.cfg.File)
			return outcome{}, nil
		}

		job, created := s.queue.Enqueue(jobs.EnqueueRequest{
			Source:    "cron",
			DedupeKey: s.cfg.File,
			Payload: jobs.RunPayload{
				File:   s.cfg.File,
				Output: s.cfg.Output,
				Report: s.cfg.Report,
			},
		})
		if created {
			log.Info("Queued job %s for %s", job.ID, s.cfg.File)
		} else {
			log.Debug("Job %s for %s still %s", job.ID, s.cfg.File, job.Status)
		}
		return outcome{job: job, created: created}, nil
	})
	if err != nil {
		return nil, false, err
	}
	out := v.(outcome)
	return out.job, out.created, nil
}

// Execute runs a queued job. Partial runs fail the job so the next tick retries.
func (s *Scheduler) Execute(ctx context.Context, job *jobs.RunJob) error {
	report, err := s.translator.Run(ctx, RunRequest{
		File:   job.Payload.File,
		Output: job.Payload.Output,
		Report: job.Payload.Report,
		JobID:  job.ID,
	})
	if err != nil {
		return err
	}
	if report.ExitCode() != ExitOK {
		return fmt.Errorf("run %s: %d of %d batches failed", report.RunID, report.FailedBatches, report.Batches)
	}

	s.mu.Lock()
	if report.StartedAt.After(s.lastSuccess) {
		s.lastSuccess = report.StartedAt
	}
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) since() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSuccess
}

func (s *Scheduler) loadLastSuccess(ctx context.Context) {
	if s.history == nil {
		return
	}
	last, ok, err := s.history.LastSuccess(ctx, s.cfg.File)
	if err != nil {
		log.Warn("Failed to read run history for %s: %v", s.cfg.File, err)
		return
	}
	if ok {
		s.mu.Lock()
		s.lastSuccess = last
		s.mu.Unlock()
		log.Info("Last successful run of %s started at %s", s.cfg.File, last.Format(time.RFC3339))
	}
}
