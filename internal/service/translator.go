package service

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/MimeLyc/lottr/internal/batch"
	"github.com/MimeLyc/lottr/internal/config"
	"github.com/MimeLyc/lottr/internal/credential"
	"github.com/MimeLyc/lottr/internal/dispatch"
	"github.com/MimeLyc/lottr/internal/document"
	"github.com/MimeLyc/lottr/internal/extract"
	"github.com/MimeLyc/lottr/internal/llm"
	"github.com/MimeLyc/lottr/internal/persistence"
	"github.com/MimeLyc/lottr/internal/prompt"
	"github.com/MimeLyc/lottr/internal/reinject"
	"github.com/MimeLyc/lottr/internal/transform"
	"github.com/MimeLyc/lottr/pkg/file"
	"github.com/MimeLyc/lottr/pkg/log"
)

// RunRecorder stores finished runs.
type RunRecorder interface {
	SaveRun(ctx context.Context, rec persistence.RunRecord) error
}

// RunRequest names the document of one run. Empty Output and Report fall
// back to the config, then to paths derived from File.
type RunRequest struct {
	File   string
	Output string
	Report string
	JobID  string
}

// Translator runs the pipeline: filter, extract, batch, dispatch, reinject, write.
type Translator struct {
	cfg *config.Config

	filter      *extract.Filter
	extractor   *extract.Extractor
	batcher     *batch.Batcher
	builder     *prompt.Builder
	transformer *transform.Transformer
	reinjector  *reinject.Reinjector
	creds       []credential.Credential

	completer dispatch.Completer
	recorder  RunRecorder
	onPlan    func(*Plan)
	onResult  func(dispatch.Result)
	now       func() time.Time
}

type TranslatorOption func(*Translator)

// WithCompleter replaces the HTTP chat client.
func WithCompleter(c dispatch.Completer) TranslatorOption {
	return func(t *Translator) { t.completer = c }
}

// WithRecorder stores every finished run.
func WithRecorder(r RunRecorder) TranslatorOption {
	return func(t *Translator) { t.recorder = r }
}

// WithPlanHook is called once the batches of a run are known, before dispatch.
func WithPlanHook(fn func(*Plan)) TranslatorOption {
	return func(t *Translator) { t.onPlan = fn }
}

// WithResultHook is called as each batch settles.
func WithResultHook(fn func(dispatch.Result)) TranslatorOption {
	return func(t *Translator) { t.onResult = fn }
}

// NewTranslator compiles every pattern and template in cfg. All failures are ErrConfig.
func NewTranslator(cfg *config.Config, opts ...TranslatorOption) (*Translator, error) {
	if cfg == nil {
		return nil, NewError(ErrConfig, "config is required")
	}

	t := &Translator{cfg: cfg, batcher: batch.New(batch.DefaultEstimator), now: time.Now}
	for _, opt := range opts {
		opt(t)
	}

	var err error
	if t.filter, err = extract.NewFilter(cfg.FilterPatterns, true); err != nil {
		return nil, WrapError(err, ErrConfig, "invalid filter_patterns")
	}
	mode, err := extract.ParseMode(cfg.Mode)
	if err != nil {
		return nil, WrapError(err, ErrConfig, "invalid mode")
	}
	if t.extractor, err = extract.NewExtractor(mode, cfg.CapturePattern, cfg.TrimEnabled()); err != nil {
		return nil, WrapError(err, ErrConfig, "invalid capture_pattern")
	}
	escape, err := reinject.ParseEscape(cfg.Escape)
	if err != nil {
		return nil, WrapError(err, ErrConfig, "invalid escape")
	}
	if t.reinjector, err = reinject.New(reinject.Options{
		Expression: cfg.ReplaceExpression,
		Escape:     escape,
		LineWidth:  cfg.LineWidth,
	}); err != nil {
		return nil, WrapError(err, ErrConfig, "invalid replace_expression")
	}
	if t.transformer, err = transform.New(cfg.OutputRules); err != nil {
		return nil, WrapError(err, ErrConfig, "invalid output_rules")
	}
	if t.builder, err = prompt.Load(cfg.PromptPath, cfg.SourceLanguage, cfg.TargetLanguage); err != nil {
		return nil, WrapError(err, ErrConfig, "invalid prompt").WithContext("prompt_path", cfg.PromptPath)
	}

	for _, c := range cfg.Credentials {
		if c.Key == "" {
			continue
		}
		t.creds = append(t.creds, credential.Credential{
			Key:          c.Key,
			Endpoint:     c.Endpoint,
			Organization: c.Organization,
			Model:        c.Model,
		})
	}

	if t.completer == nil {
		client, err := llm.NewClient(&llm.Config{
			Model:       cfg.LLM.Model,
			MaxTokens:   cfg.LLM.MaxTokens,
			Temperature: cfg.LLM.Temperature,
			Timeout:     cfg.LLM.Timeout,
			AppName:     "lottr",
		})
		if err != nil {
			return nil, WrapError(err, ErrConfig, "invalid llm settings")
		}
		t.completer = client
	}
	return t, nil
}

// Plan loads the document and lays out batches without dispatching.
func (t *Translator) Plan(path string) (*Plan, *document.Document, error) {
	if path == "" {
		return nil, nil, NewError(ErrConfig, "no input file given")
	}
	doc, err := document.Load(path)
	if err != nil {
		return nil, nil, WrapError(err, ErrFileRead, "failed to read input").WithContext("file", path)
	}

	matched := t.filter.Apply(doc.Lines)
	warnings := t.extractor.Apply(doc.Lines)
	for _, w := range warnings {
		log.Warn("%s: %s", path, w)
	}
	candidates := doc.Candidates()
	log.Debug("%s: %d lines, %d matched, %d candidates", path, len(doc.Lines), matched, len(candidates))

	batches, err := t.batcher.Make(candidates, t.cfg.MaxTokens)
	if err != nil {
		return nil, nil, WrapError(err, ErrConfig, "failed to batch candidates")
	}

	return &Plan{
		File:       path,
		Lines:      len(doc.Lines),
		Candidates: len(candidates),
		Warnings:   warnings,
		Batches:    batches,
	}, doc, nil
}

// Translate runs the configured file.
func (t *Translator) Translate(ctx context.Context) (*Report, error) {
	return t.Run(ctx, RunRequest{File: t.cfg.File})
}

// Run translates one document. Per-batch failures are reported, not returned:
// the error is non-nil only when nothing could be written.
func (t *Translator) Run(ctx context.Context, req RunRequest) (*Report, error) {
	started := t.now()
	report := newReport(uuid.NewString(), req.File, started)

	plan, doc, err := t.Plan(req.File)
	if err != nil {
		return nil, err
	}
	report.Lines = plan.Lines
	report.Candidates = plan.Candidates
	report.Batches = len(plan.Batches)
	report.addWarnings(plan.Warnings)

	output := firstNonEmpty(req.Output, t.cfg.Output, file.OutputPath(req.File))
	if err := document.CheckWritable(output); err != nil {
		return nil, WrapError(err, ErrFileWrite, "output location is not writable").WithContext("output", output)
	}
	if t.onPlan != nil {
		t.onPlan(plan)
	}

	log.Info("Run %s: translating %s (%d candidates in %d batches, %s → %s)",
		report.RunID, req.File, plan.Candidates, len(plan.Batches),
		prompt.LanguageName(t.cfg.SourceLanguage), prompt.LanguageName(t.cfg.TargetLanguage))

	if len(plan.Batches) > 0 {
		results, err := t.dispatch(ctx, plan.Batches)
		if err != nil {
			return nil, err
		}
		t.reinject(results)
		report.addResults(results)
	}

	if err := document.WriteFile(output, doc); err != nil {
		return nil, WrapError(err, ErrFileWrite, "failed to write output").WithContext("output", output)
	}
	report.Output = output
	report.FinishedAt = t.now()

	reportPath := firstNonEmpty(req.Report, t.cfg.Report)
	if reportPath == "" && report.ExitCode() != ExitOK {
		reportPath = file.ReportPath(req.File)
	}
	if reportPath != "" {
		if err := report.WriteFile(reportPath); err != nil {
			log.Warn("Failed to write report %s: %v", reportPath, err)
		} else {
			log.Info("Report written to %s", reportPath)
		}
	}

	t.record(ctx, req.JobID, report)

	if report.ExitCode() == ExitOK {
		log.Info("%s", report.Summary())
	} else {
		log.Warn("%s; failed line ranges %v", report.Summary(), report.FailedRanges)
	}
	return report, nil
}

func (t *Translator) dispatch(ctx context.Context, batches []batch.Batch) ([]dispatch.Result, error) {
	rateLimit, transient := t.cfg.Cooldowns()
	pool, err := credential.NewPool(t.creds, credential.Options{
		RateLimitCooldown: rateLimit,
		TransientCooldown: transient,
	})
	if err != nil {
		return nil, WrapError(err, ErrPoolExhausted, "no usable credentials")
	}

	base, maxDelay := t.cfg.RetryDelays()
	d, err := dispatch.New(pool, t.completer, t.builder, t.transformer, dispatch.Options{
		MaxConcurrent: t.cfg.MaxConcurrent,
		Policy: dispatch.RetryPolicy{
			MaxAttempts: t.cfg.LLM.MaxAttempts,
			BaseDelay:   base,
			Multiplier:  t.cfg.LLM.Multiplier,
			MaxDelay:    maxDelay,
		},
		DrainTimeout: t.cfg.DrainTimeout(),
		OnResult:     t.onResult,
	})
	if err != nil {
		return nil, WrapError(err, ErrConfig, "invalid dispatch settings")
	}

	results := d.Run(ctx, batches)
	for _, h := range pool.Snapshot() {
		if h.State != credential.Healthy {
			log.Warn("Credential %s ended %s after %d failure(s)", h.Credential.Name(), h.State, h.Failures)
		}
	}
	return results, nil
}

// reinject writes successful segments back into their lines.
func (t *Translator) reinject(results []dispatch.Result) {
	for i := range results {
		res := &results[i]
		if res.State != dispatch.StateSucceeded {
			continue
		}
		if err := t.reinjector.Apply(res.Batch.Members, res.Segments); err != nil {
			res.State = dispatch.StateFailedFinal
			res.Err = fmt.Errorf("%w: %v", transform.ErrParse, err)
			log.Error("batch %d: %v", res.BatchID(), err)
			continue
		}
		res.State = dispatch.StateReinjected
	}
}

func (t *Translator) record(ctx context.Context, jobID string, report *Report) {
	if t.recorder == nil {
		return
	}
	var buf bytes.Buffer
	if err := report.Encode(&buf); err != nil {
		log.Warn("Failed to encode report %s: %v", report.RunID, err)
	}
	rec := persistence.RunRecord{
		RunID:         report.RunID,
		JobID:         jobID,
		File:          report.File,
		Output:        report.Output,
		StartedAt:     report.StartedAt,
		FinishedAt:    report.FinishedAt,
		Lines:         report.Lines,
		Candidates:    report.Candidates,
		Batches:       report.Batches,
		Translated:    report.Translated,
		FailedBatches: report.FailedBatches,
		FailedLines:   len(report.FailedLines),
		ExitCode:      report.ExitCode(),
		ReportJSON:    string(bytes.TrimSpace(buf.Bytes())),
	}
	// history survives a cancelled run
	if err := t.recorder.SaveRun(context.WithoutCancel(ctx), rec); err != nil {
		log.Warn("Failed to record run %s: %v", report.RunID, err)
	}
}

// ExitCode maps a run outcome onto the process exit status.
func ExitCode(report *Report, err error) int {
	if err != nil {
		return ExitFatal
	}
	if report == nil {
		return ExitOK
	}
	return report.ExitCode()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
