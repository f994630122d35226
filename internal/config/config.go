package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/language"

	"github.com/MimeLyc/lottr/internal/extract"
	"github.com/MimeLyc/lottr/internal/reinject"
	"github.com/MimeLyc/lottr/internal/transform"
	"github.com/MimeLyc/lottr/pkg/icron"
)

// Config holds one translation job's configuration.
// Loaded from a TOML or YAML file, then overridden by environment variables.
//
// Environment Variables:
// - LOTTR_LOG_LEVEL: log level (debug, info, warn, error)
// - LOTTR_MAX_CONCURRENT: global in-flight request ceiling
// - LOTTR_MAX_TOKENS: per-batch token budget
// - LOTTR_DATA_DIR: directory of the run history database (default: ~/.lottr)
// - LLM_MODEL: model name
// - LLM_API_KEY / LLM_API_URL: appends one credential to the pool
type Config struct {
	File string `toml:"file" yaml:"file"`
	From string `toml:"from" yaml:"from"`
	To   string `toml:"to" yaml:"to"`

	// Extraction
	Mode              string   `toml:"mode" yaml:"mode"`
	Trim              *bool    `toml:"trim" yaml:"trim"`
	FilterPatterns    []string `toml:"filter_patterns" yaml:"filter_patterns"`
	CapturePattern    string   `toml:"capture_pattern" yaml:"capture_pattern"`
	ReplaceExpression string   `toml:"replace_expression" yaml:"replace_expression"`
	Escape            string   `toml:"escape" yaml:"escape"`
	LineWidth         int      `toml:"line_width" yaml:"line_width"`

	OutputRules []transform.Rule `toml:"output_rules" yaml:"output_rules"`

	MaxTokens     int    `toml:"max_tokens" yaml:"max_tokens"`
	MaxConcurrent int    `toml:"max_concurrent" yaml:"max_concurrent"`
	PromptPath    string `toml:"prompt_path" yaml:"prompt_path"`

	Output string `toml:"output" yaml:"output"`
	Report string `toml:"report" yaml:"report"`

	LogLevel string `toml:"log_level" yaml:"log_level"`
	DataDir  string `toml:"data_dir" yaml:"data_dir"`
	CronExpr string `toml:"cron" yaml:"cron"`

	LLM         LLMConfig          `toml:"llm" yaml:"llm"`
	Credentials []CredentialConfig `toml:"credentials" yaml:"credentials"`

	// resolved by validate
	SourceLanguage language.Tag `toml:"-" yaml:"-"`
	TargetLanguage language.Tag `toml:"-" yaml:"-"`

	planOnly bool
}

// LLMConfig holds request and retry settings shared by all credentials.
type LLMConfig struct {
	Model               string  `toml:"model" yaml:"model"`
	Temperature         float64 `toml:"temperature" yaml:"temperature"`
	MaxTokens           int     `toml:"max_tokens" yaml:"max_tokens"`
	Timeout             int     `toml:"timeout" yaml:"timeout"`
	MaxAttempts         int     `toml:"max_attempts" yaml:"max_attempts"`
	BaseDelayMs         int     `toml:"base_delay_ms" yaml:"base_delay_ms"`
	MaxDelayMs          int     `toml:"max_delay_ms" yaml:"max_delay_ms"`
	Multiplier          float64 `toml:"multiplier" yaml:"multiplier"`
	RateLimitCooldownMs int     `toml:"rate_limit_cooldown_ms" yaml:"rate_limit_cooldown_ms"`
	TransientCooldownMs int     `toml:"transient_cooldown_ms" yaml:"transient_cooldown_ms"`
	DrainTimeoutMs      int     `toml:"drain_timeout_ms" yaml:"drain_timeout_ms"`
}

// CredentialConfig is one pool entry. KeyEnv names an environment variable
// holding the key, so keys can stay out of the file.
type CredentialConfig struct {
	Key          string `toml:"key" yaml:"key"`
	KeyEnv       string `toml:"key_env" yaml:"key_env,omitempty"`
	Endpoint     string `toml:"endpoint" yaml:"endpoint"`
	Organization string `toml:"organization" yaml:"organization,omitempty"`
	Model        string `toml:"model" yaml:"model,omitempty"`
}

const (
	defaultModel         = "gpt-3.5-turbo"
	defaultEndpoint      = "https://api.openai.com/v1"
	defaultMaxTokens     = 1000
	defaultMaxConcurrent = 4
	dbFileName           = "lottr.db"
)

// Default returns a Config with every default applied and no credentials.
func Default() *Config {
	trim := true
	return &Config{
		Mode:          string(extract.ModeText),
		Trim:          &trim,
		Escape:        string(reinject.EscapeNone),
		MaxTokens:     defaultMaxTokens,
		MaxConcurrent: defaultMaxConcurrent,
		OutputRules:   DefaultOutputRules(),
		LogLevel:      "info",
		LLM: LLMConfig{
			Model:               defaultModel,
			Temperature:         0.3,
			Timeout:             180,
			MaxAttempts:         4,
			BaseDelayMs:         500,
			MaxDelayMs:          30000,
			Multiplier:          2,
			RateLimitCooldownMs: 20000,
			TransientCooldownMs: 2000,
			DrainTimeoutMs:      10000,
		},
	}
}

// DefaultOutputRules strip lines that are not numbered items, then capture each item's text.
func DefaultOutputRules() []transform.Rule {
	return []transform.Rule{
		transform.Replace(`(?m)^[^(\n].*\n?`, ""),
		transform.Capture(`\(\d+\)\s?(.+)`, 1),
	}
}

// Option is a function type for configuring Config
type Option func(*Config)

// WithFile overrides the input document path.
func WithFile(path string) Option {
	return func(c *Config) {
		if path != "" {
			c.File = path
		}
	}
}

// WithOutput overrides the output path.
func WithOutput(path string) Option {
	return func(c *Config) {
		if path != "" {
			c.Output = path
		}
	}
}

// WithReport overrides the report path.
func WithReport(path string) Option {
	return func(c *Config) {
		if path != "" {
			c.Report = path
		}
	}
}

// WithLogLevel overrides the log level.
func WithLogLevel(level string) Option {
	return func(c *Config) {
		if level != "" {
			c.LogLevel = level
		}
	}
}

// WithCron overrides the schedule expression.
func WithCron(expr string) Option {
	return func(c *Config) {
		if expr != "" {
			c.CronExpr = expr
		}
	}
}

// PlanOnly skips the credential checks for loads that never call the model,
// such as a dry run.
func PlanOnly() Option {
	return func(c *Config) { c.planOnly = true }
}

// applyEnv overrides file values with environment variables.
func (c *Config) applyEnv() {
	c.LogLevel = getEnvString("LOTTR_LOG_LEVEL", c.LogLevel)
	c.MaxConcurrent = getEnvInt("LOTTR_MAX_CONCURRENT", c.MaxConcurrent)
	c.MaxTokens = getEnvInt("LOTTR_MAX_TOKENS", c.MaxTokens)
	c.DataDir = getEnvString("LOTTR_DATA_DIR", c.DataDir)
	c.LLM.Model = getEnvString("LLM_MODEL", c.LLM.Model)
	c.LLM.Temperature = getEnvFloat("LLM_TEMPERATURE", c.LLM.Temperature)

	if key := getEnvString("LLM_API_KEY", ""); key != "" {
		c.Credentials = append(c.Credentials, CredentialConfig{
			Key:      key,
			Endpoint: getEnvString("LLM_API_URL", defaultEndpoint),
		})
	}

	for i := range c.Credentials {
		cred := &c.Credentials[i]
		if cred.Key == "" && cred.KeyEnv != "" {
			cred.Key = os.Getenv(cred.KeyEnv)
		}
		if cred.Endpoint == "" {
			cred.Endpoint = defaultEndpoint
		}
	}
}

// resolvePaths makes relative prompt paths relative to the config file.
func (c *Config) resolvePaths(configDir string) {
	if c.PromptPath != "" && !filepath.IsAbs(c.PromptPath) && configDir != "" {
		candidate := filepath.Join(configDir, c.PromptPath)
		if _, err := os.Stat(candidate); err == nil {
			c.PromptPath = candidate
		}
	}
}

// validate checks if all required configuration is properly set
func (c *Config) validate() error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(c.To) == "" {
		add("to (target language) is required")
	} else if tag, err := language.Parse(c.To); err != nil {
		add("invalid to %q: %v", c.To, err)
	} else {
		c.TargetLanguage = tag
	}
	c.SourceLanguage = language.Und
	if strings.TrimSpace(c.From) != "" {
		if tag, err := language.Parse(c.From); err != nil {
			add("invalid from %q: %v", c.From, err)
		} else {
			c.SourceLanguage = tag
		}
	}

	mode, err := extract.ParseMode(c.Mode)
	if err != nil {
		add("%v", err)
	}
	if mode == extract.ModeReplace && c.CapturePattern == "" {
		add("capture_pattern is required in replace mode")
	}
	if _, err := reinject.ParseEscape(c.Escape); err != nil {
		add("%v", err)
	}
	if c.LineWidth < 0 {
		add("line_width must not be negative")
	}
	if c.MaxTokens <= 0 {
		add("max_tokens must be > 0, got %d", c.MaxTokens)
	}
	if c.MaxConcurrent <= 0 {
		add("max_concurrent must be > 0, got %d", c.MaxConcurrent)
	}
	if c.LLM.Model == "" {
		add("llm.model is required")
	}
	if c.LLM.Timeout <= 0 {
		add("llm.timeout must be > 0")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		add("llm.temperature must be between 0 and 2")
	}

	if !c.planOnly {
		c.validateCredentials(add)
	}

	if c.CronExpr != "" {
		if _, err := icron.Parse(c.CronExpr); err != nil {
			add("%v", err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateCredentials(add func(format string, args ...any)) {
	usable := 0
	for i, cred := range c.Credentials {
		if strings.TrimSpace(cred.Key) == "" {
			if cred.KeyEnv != "" {
				add("credentials[%d]: environment variable %s is empty", i, cred.KeyEnv)
			} else {
				add("credentials[%d]: key is required", i)
			}
			continue
		}
		usable++
	}
	if usable == 0 && len(c.Credentials) == 0 {
		add("at least one credential is required (configure [[credentials]] or set LLM_API_KEY)")
	}
}

// TrimEnabled reports whether text-mode trimming is on.
func (c *Config) TrimEnabled() bool {
	return c.Trim == nil || *c.Trim
}

// RetryDelays returns the backoff settings as durations.
func (c *Config) RetryDelays() (base, max time.Duration) {
	return time.Duration(c.LLM.BaseDelayMs) * time.Millisecond, time.Duration(c.LLM.MaxDelayMs) * time.Millisecond
}

// DrainTimeout returns how long in-flight requests may run after cancellation.
func (c *Config) DrainTimeout() time.Duration {
	return time.Duration(c.LLM.DrainTimeoutMs) * time.Millisecond
}

// Cooldowns returns the rate-limit and transient credential cooldowns.
func (c *Config) Cooldowns() (rateLimit, transient time.Duration) {
	return time.Duration(c.LLM.RateLimitCooldownMs) * time.Millisecond, time.Duration(c.LLM.TransientCooldownMs) * time.Millisecond
}

// DBPath returns the run history database location.
func (c *Config) DBPath() string {
	dir := c.DataDir
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".lottr")
		} else {
			dir = ".lottr"
		}
	}
	return filepath.Join(dir, dbFileName)
}

// getEnvString gets a string value from environment variables with default
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer value from environment variables with default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat gets a float value from environment variables with default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}
