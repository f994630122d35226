package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/MimeLyc/lottr/internal/batch"
	"github.com/MimeLyc/lottr/internal/credential"
	"github.com/MimeLyc/lottr/internal/llm"
	"github.com/MimeLyc/lottr/internal/prompt"
	"github.com/MimeLyc/lottr/internal/transform"
	"github.com/MimeLyc/lottr/pkg/log"
)

// Completer sends one chat request with the given credential.
type Completer interface {
	Complete(ctx context.Context, cred *credential.Credential, messages []llm.Message) (string, error)
}

// Options configure a Dispatcher.
type Options struct {
	MaxConcurrent int
	Policy        RetryPolicy
	// DrainTimeout is how long in-flight requests may finish after cancellation.
	DrainTimeout time.Duration
	// OnResult is called from a single goroutine as each batch settles.
	OnResult func(Result)
}

const defaultDrainTimeout = 10 * time.Second

// Dispatcher sends batches concurrently through a credential pool.
type Dispatcher struct {
	pool        *credential.Pool
	completer   Completer
	prompt      *prompt.Builder
	transformer *transform.Transformer
	opts        Options
}

// New creates a Dispatcher.
func New(pool *credential.Pool, completer Completer, builder *prompt.Builder, transformer *transform.Transformer, opts Options) (*Dispatcher, error) {
	if pool == nil || completer == nil || builder == nil || transformer == nil {
		return nil, fmt.Errorf("dispatcher: pool, completer, prompt and transformer are required")
	}
	if opts.MaxConcurrent <= 0 {
		return nil, fmt.Errorf("dispatcher: max concurrent must be > 0, got %d", opts.MaxConcurrent)
	}
	opts.Policy = opts.Policy.withDefaults()
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = defaultDrainTimeout
	}
	return &Dispatcher{
		pool:        pool,
		completer:   completer,
		prompt:      builder,
		transformer: transformer,
		opts:        opts,
	}, nil
}

type settled struct {
	pos int
	res Result
}

// Run dispatches every batch and returns one result per batch, in batch order.
//
// Cancelling ctx stops scheduling. Requests already sent get DrainTimeout to
// complete; everything else settles as FailedFinal with ErrCancelled. When the
// pool runs out of live credentials, unscheduled batches settle with
// credential.ErrPoolExhausted while in-flight ones still complete.
func (d *Dispatcher) Run(ctx context.Context, batches []batch.Batch) []Result {
	results := make([]Result, len(batches))
	for i, b := range batches {
		results[i] = Result{Batch: b, State: StatePending}
	}
	if len(batches) == 0 {
		return results
	}

	// scheduling stops on cancellation or pool exhaustion
	schedCtx, stopScheduling := context.WithCancelCause(ctx)
	defer stopScheduling(nil)

	// requests outlive ctx by at most DrainTimeout
	reqCtx, abortRequests := context.WithCancel(context.WithoutCancel(ctx))
	defer abortRequests()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
			return
		}
		timer := time.NewTimer(d.opts.DrainTimeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			log.Warn("drain timeout %v reached, aborting in-flight requests", d.opts.DrainTimeout)
			abortRequests()
		case <-done:
		}
	}()

	sem := semaphore.NewWeighted(int64(d.opts.MaxConcurrent))
	workers := min(len(batches), 2*d.opts.MaxConcurrent)

	jobs := make(chan int)
	out := make(chan settled)

	var g errgroup.Group
	g.Go(func() error {
		defer close(jobs)
		for i := range batches {
			select {
			case <-schedCtx.Done():
				return nil
			case jobs <- i:
			}
		}
		return nil
	})
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for pos := range jobs {
				res := d.dispatch(schedCtx, reqCtx, sem, batches[pos], stopScheduling)
				out <- settled{pos: pos, res: res}
			}
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(out)
	}()

	for s := range out {
		results[s.pos] = s.res
		if d.opts.OnResult != nil {
			d.opts.OnResult(s.res)
		}
	}

	// batches never handed to a worker
	cause := stopReason(schedCtx)
	for i := range results {
		if results[i].State != StatePending {
			continue
		}
		results[i].State = StateFailedFinal
		results[i].Err = cause
		if d.opts.OnResult != nil {
			d.opts.OnResult(results[i])
		}
	}
	return results
}

func (d *Dispatcher) dispatch(schedCtx, reqCtx context.Context, sem *semaphore.Weighted, b batch.Batch, stopScheduling context.CancelCauseFunc) Result {
	res := Result{Batch: b, State: StateDispatched}
	messages := d.prompt.Messages(b.Texts())
	policy := d.opts.Policy

	fail := func(err error) Result {
		res.State = StateFailedFinal
		res.Err = err
		log.Error("batch %d (lines %d-%d) failed after %d attempt(s): %v", b.ID, first(b), last(b), res.Attempts, err)
		return res
	}

	avoid := ""
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			res.State = StateRetrying
			if err := sleepWithCtx(schedCtx, policy.Delay(attempt-1)); err != nil {
				return fail(stopReason(schedCtx))
			}
		}
		if schedCtx.Err() != nil {
			return fail(stopReason(schedCtx))
		}

		// the credential is picked only once a slot is held, so its health is current
		if err := sem.Acquire(schedCtx, 1); err != nil {
			return fail(stopReason(schedCtx))
		}
		cred, err := d.pool.AcquireWait(schedCtx, avoid)
		if err != nil {
			sem.Release(1)
			if errors.Is(err, credential.ErrPoolExhausted) {
				stopScheduling(err)
				return fail(err)
			}
			return fail(stopReason(schedCtx))
		}
		res.State = StateDispatched
		res.Attempts++
		log.Debug("batch %d attempt %d via %s (%d lines, ~%d tokens)", b.ID, res.Attempts, cred.Name(), len(b.Members), b.EstimatedTokens)
		raw, err := d.completer.Complete(reqCtx, cred, messages)

		// health is reported before the slot is freed so the next holder sees it
		if err == nil {
			d.pool.ReportSuccess(cred)
			sem.Release(1)
			segments, perr := d.transformer.Segments(raw, len(b.Members))
			if perr != nil {
				log.Debug("batch %d raw response: %q", b.ID, raw)
				return fail(perr)
			}
			res.State = StateSucceeded
			res.Segments = segments
			res.Err = nil
			return res
		}

		if reqCtx.Err() != nil {
			sem.Release(1)
			return fail(fmt.Errorf("%w: %v", ErrCancelled, err))
		}

		res.State = StateFailed
		res.Err = err
		class := llm.Classify(err)
		d.pool.ReportFailure(cred, class.Kind, class.RetryAfter)
		sem.Release(1)
		if !class.Retryable {
			if schedCtx.Err() != nil {
				return fail(stopReason(schedCtx))
			}
			return fail(err)
		}
		log.Warn("batch %d attempt %d via %s failed (%s): %v", b.ID, res.Attempts, cred.Name(), class.Kind, err)
		avoid = cred.Key
	}

	return fail(res.Err)
}

// stopReason explains why scheduling stopped.
func stopReason(ctx context.Context) error {
	cause := context.Cause(ctx)
	if cause == nil || errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		return ErrCancelled
	}
	return cause
}

func sleepWithCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func first(b batch.Batch) int {
	if len(b.Members) == 0 {
		return -1
	}
	return b.Members[0].Index
}

func last(b batch.Batch) int {
	if len(b.Members) == 0 {
		return -1
	}
	return b.Members[len(b.Members)-1].Index
}
