package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/MimeLyc/lottr/pkg/log"
)

// Format is a config file encoding.
type Format string

const (
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
)

// FormatOf picks the encoding from the file extension; unknown extensions are TOML.
func FormatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatTOML
	}
}

// Load reads the config file at path, loads a .env file next to it, applies
// environment overrides and opts, then validates. An empty path skips the file.
func Load(path string, opts ...Option) (*Config, error) {
	cfg := Default()
	configDir := ""

	if path != "" {
		configDir = filepath.Dir(path)
		// decoders reuse existing slice elements, so defaults go in afterwards
		cfg.OutputRules = nil
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := decode(data, FormatOf(path), cfg); err != nil {
			return nil, fmt.Errorf("invalid config file %s: %w", path, err)
		}
	}

	if cfg.OutputRules == nil {
		cfg.OutputRules = DefaultOutputRules()
	}

	loadDotEnv(configDir)
	cfg.applyEnv()
	for _, opt := range opts {
		opt(cfg)
	}
	cfg.resolvePaths(configDir)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	log.Debug("Config: file=%s from=%s to=%s mode=%s max_tokens=%d max_concurrent=%d credentials=%d",
		cfg.File, cfg.SourceLanguage, cfg.TargetLanguage, cfg.Mode, cfg.MaxTokens, cfg.MaxConcurrent, len(cfg.Credentials))
	return cfg, nil
}

func decode(data []byte, format Format, cfg *Config) error {
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		return nil
	default:
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return err
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
		}
		return nil
	}
}

// loadDotEnv loads .env from dir and the working directory. Existing
// variables are never overwritten.
func loadDotEnv(dir string) {
	candidates := []string{".env"}
	if dir != "" && dir != "." {
		candidates = append([]string{filepath.Join(dir, ".env")}, candidates...)
	}
	for _, p := range candidates {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Warn("Failed to load %s: %v", p, err)
		}
	}
}

// WriteFile encodes cfg at path (format by extension) through a temp file and rename.
func WriteFile(path string, cfg *Config) error {
	var buf bytes.Buffer
	switch FormatOf(path) {
	case FormatYAML:
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
		if err := enc.Close(); err != nil {
			return err
		}
	default:
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, buf.Bytes(), 0o600); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// Sample returns the starter config written by the init command.
func Sample() *Config {
	cfg := Default()
	cfg.File = "script.txt"
	cfg.From = "ja"
	cfg.To = "zh"
	cfg.Mode = "replace"
	cfg.FilterPatterns = []string{`[^\x00-\x7f]`}
	cfg.CapturePattern = `:\s"(.+)"`
	cfg.ReplaceExpression = `: "$trans"`
	cfg.Escape = "json"
	cfg.Credentials = []CredentialConfig{{KeyEnv: "OPENAI_API_KEY", Endpoint: defaultEndpoint}}
	return cfg
}
