// lottr translates the matching lines of a text document with an LLM and
// writes them back in place.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/MimeLyc/lottr/internal/config"
	"github.com/MimeLyc/lottr/internal/dispatch"
	"github.com/MimeLyc/lottr/internal/jobs"
	"github.com/MimeLyc/lottr/internal/persistence"
	"github.com/MimeLyc/lottr/internal/service"
	"github.com/MimeLyc/lottr/pkg/icron"
	"github.com/MimeLyc/lottr/pkg/log"
)

// Version information (set via -ldflags during build)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	logFile    string
	fileLogger *log.FileLogger
)

// exitError carries a non-zero exit status out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "lottr",
		Short: "Translate matching lines of a text document with an LLM",
		Long: `lottr picks lines out of a text document, translates them in batches
through OpenAI-compatible chat endpoints and writes each translation back
into the line it came from.

Commands:
  translate   Translate one document
  schedule    Re-translate a document on a cron schedule when it changes
  history     List finished runs
  init        Write a sample configuration file`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return setupLogging(logFile)
		},
	}

	root.PersistentFlags().StringVar(&logFile, "log-file", "", "Append logs to this file instead of stderr")

	root.AddCommand(
		newTranslateCmd(),
		newScheduleCmd(),
		newHistoryCmd(),
		newInitCmd(),
		newVersionCmd(),
	)
	return root
}

func main() {
	err := newRootCmd().Execute()
	closeLogFile()
	if err == nil {
		return
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", ee.err)
		}
		os.Exit(ee.code)
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(service.ExitFatal)
}

// ---------------------------------------------------------------------------
// translate
// ---------------------------------------------------------------------------

func newTranslateCmd() *cobra.Command {
	var (
		configPath string
		output     string
		report     string
		logLevel   string
		dryRun     bool
		noProgress bool
	)

	cmd := &cobra.Command{
		Use:   "translate [file]",
		Short: "Translate one document",
		Long: `Translate one document and write the result next to it.

Exit status is 0 when every batch was translated, 2 when some batches failed
(their lines are left untranslated and listed in the report) and 1 when no
output could be written.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var file string
			if len(args) == 1 {
				file = args[0]
			}
			opts := []config.Option{
				config.WithFile(file),
				config.WithOutput(output),
				config.WithReport(report),
				config.WithLogLevel(logLevel),
			}
			if dryRun {
				opts = append(opts, config.PlanOnly())
			}
			cfg, err := loadConfig(configPath, opts...)
			if err != nil {
				return err
			}

			var trOpts []service.TranslatorOption
			if !dryRun {
				if store := openStore(cfg); store != nil {
					defer store.Close()
					trOpts = append(trOpts, service.WithRecorder(store))
				}
				if !noProgress && isTerminal(os.Stderr) {
					trOpts = append(trOpts, progressHooks(os.Stderr)...)
				}
			}

			tr, err := service.NewTranslator(cfg, trOpts...)
			if err != nil {
				return fail(err)
			}

			if dryRun {
				plan, _, err := tr.Plan(cfg.File)
				if err != nil {
					return fail(err)
				}
				plan.Print(cmd.OutOrStdout())
				return nil
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rep, err := tr.Translate(ctx)
			if err != nil {
				return fail(err)
			}
			if code := service.ExitCode(rep, nil); code != service.ExitOK {
				return &exitError{code: code}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file (.toml or .yaml)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default <file>.translated<ext>)")
	cmd.Flags().StringVar(&report, "report", "", "Write the JSON run report here")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the batch plan without calling the model")
	cmd.Flags().BoolVar(&noProgress, "no-progress", false, "Disable the progress bar")
	return cmd
}

// progressHooks draws one bar tick per settled batch.
func progressHooks(w io.Writer) []service.TranslatorOption {
	var bar *progressbar.ProgressBar
	return []service.TranslatorOption{
		service.WithPlanHook(func(p *service.Plan) {
			if len(p.Batches) == 0 {
				return
			}
			bar = progressbar.NewOptions(len(p.Batches),
				progressbar.OptionSetWriter(w),
				progressbar.OptionEnableColorCodes(true),
				progressbar.OptionShowCount(),
				progressbar.OptionSetWidth(40),
				progressbar.OptionSetDescription(fmt.Sprintf("[cyan]%s[reset]", filepath.Base(p.File))),
				progressbar.OptionOnCompletion(func() { fmt.Fprintln(w) }),
				progressbar.OptionSetTheme(progressbar.Theme{
					Saucer:        "[green]=[reset]",
					SaucerHead:    "[green]>[reset]",
					SaucerPadding: " ",
					BarStart:      "[",
					BarEnd:        "]",
				}))
		}),
		service.WithResultHook(func(dispatch.Result) {
			if bar != nil {
				_ = bar.Add(1)
			}
		}),
	}
}

// ---------------------------------------------------------------------------
// schedule
// ---------------------------------------------------------------------------

func newScheduleCmd() *cobra.Command {
	var (
		configPath string
		cronExpr   string
		logLevel   string
		workers    int
	)

	cmd := &cobra.Command{
		Use:   "schedule [file]",
		Short: "Re-translate a document on a cron schedule when it changes",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var file string
			if len(args) == 1 {
				file = args[0]
			}
			cfg, err := loadConfig(configPath,
				config.WithFile(file),
				config.WithCron(cronExpr),
				config.WithLogLevel(logLevel),
			)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var (
				opts    []service.TranslatorOption
				store   jobs.Store
				history service.SuccessLookup
			)
			if s := openStore(cfg); s != nil {
				defer s.Close()
				opts = append(opts, service.WithRecorder(s))
				store, history = s, s
			}

			tr, err := service.NewTranslator(cfg, opts...)
			if err != nil {
				return fail(err)
			}

			c := cron.New(cron.WithParser(icron.Parser))
			queue := jobs.NewQueue(workers, store)
			scheduler := service.NewScheduler(cfg, c, queue, tr, history)

			queue.Start(ctx, scheduler.Execute)
			if err := scheduler.Schedule(ctx); err != nil {
				queue.Stop()
				return fail(err)
			}
			c.Start()
			log.Info("Scheduler started, press Ctrl+C to stop")

			<-ctx.Done()
			log.Info("Shutting down scheduler")
			<-c.Stop().Done()
			queue.Stop()
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file (.toml or .yaml)")
	cmd.Flags().StringVar(&cronExpr, "cron", "", `Cron expression, seconds optional (e.g. "0 */30 * * * *")`)
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	cmd.Flags().IntVar(&workers, "workers", 1, "Number of concurrent runs")
	return cmd
}

// ---------------------------------------------------------------------------
// history
// ---------------------------------------------------------------------------

func newHistoryCmd() *cobra.Command {
	var (
		limit   int
		dataDir string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List finished runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Default()
			cfg.DataDir = dataDir
			if cfg.DataDir == "" {
				cfg.DataDir = os.Getenv("LOTTR_DATA_DIR")
			}

			store, err := persistence.NewSQLiteStore(cfg.DBPath())
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			printRuns(cmd.OutOrStdout(), runs)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of runs to show (0 for all)")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "Directory holding lottr.db (default ~/.lottr)")
	return cmd
}

func printRuns(w io.Writer, runs []persistence.RunRecord) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FINISHED\tFILE\tBATCHES\tFAILED\tLINES\tDURATION\tEXIT\tRUN")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d/%d\t%s\t%d\t%s\n",
			r.FinishedAt.Local().Format("2006-01-02 15:04:05"),
			r.File,
			r.Batches,
			r.FailedBatches,
			r.Translated, r.Candidates,
			r.Duration().Round(time.Millisecond),
			r.ExitCode,
			r.RunID,
		)
	}
	_ = tw.Flush()
}

// ---------------------------------------------------------------------------
// init / version
// ---------------------------------------------------------------------------

func newInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a sample configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "lottr.toml"
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.WriteFile(path, config.Sample()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing file")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "lottr %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// setupLogging logs to path, or to stderr so stdout stays free for plans and
// listings. The level is refined once the config is loaded.
func setupLogging(path string) error {
	level := log.ParseLevel(os.Getenv("LOTTR_LOG_LEVEL"))
	if path == "" {
		log.InitLogger(level)
		log.GetLogger().SetOutput(os.Stderr)
		return nil
	}
	fl, err := log.NewFileLogger(path, level)
	if err != nil {
		return err
	}
	closeLogFile()
	fileLogger = fl
	log.SetLogger(fl.Logger)
	return nil
}

func closeLogFile() {
	if fileLogger != nil {
		_ = fileLogger.Close()
		fileLogger = nil
	}
}

func loadConfig(path string, opts ...config.Option) (*config.Config, error) {
	cfg, err := config.Load(path, opts...)
	if err != nil {
		return nil, fail(service.WrapError(err, service.ErrConfig, "failed to load configuration"))
	}
	log.GetLogger().SetLevel(log.ParseLevel(cfg.LogLevel))
	return cfg, nil
}

// openStore opens the run history. A broken store only costs history.
func openStore(cfg *config.Config) *persistence.SQLiteStore {
	store, err := persistence.NewSQLiteStore(cfg.DBPath())
	if err != nil {
		log.Warn("Run history disabled: %v", err)
		return nil
	}
	return store
}

// fail logs err with handler advice and maps it to the fatal exit status.
func fail(err error) error {
	service.NewDefaultErrorHandler().Handle(err)
	return &exitError{code: service.ExitFatal}
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
