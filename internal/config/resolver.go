package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hurttlocker/chemresolve/internal/embed"
)

type ValueSource string

const (
	SourceUnknown ValueSource = "unknown"
	SourceConfig  ValueSource = "config"
	SourceEnv     ValueSource = "env"
	SourceCLI     ValueSource = "cli"
	SourceDefault ValueSource = "default"
)

type ResolvedValue struct {
	Value  string      `json:"value"`
	Source ValueSource `json:"source"`
	From   string      `json:"from,omitempty"`
}

type ResolveOptions struct {
	ConfigPath     string
	CLIEmbed       string
	CLIDBPath      string
	CLISnapshotDir string
	CLILogLevel    string
}

type ResolvedConfig struct {
	ConfigPath string `json:"config_path"`

	DBPath      ResolvedValue `json:"db_path"`
	SnapshotDir ResolvedValue `json:"snapshot_dir"`
	LogLevel    ResolvedValue `json:"log_level"`
	MetricsAddr ResolvedValue `json:"metrics_addr"`

	EmbedProvider ResolvedValue `json:"embed_provider"`
	EmbedAPIKey   ResolvedValue `json:"embed_api_key"`
	EmbedEndpoint ResolvedValue `json:"embed_endpoint"`

	Settings Settings `json:"settings"`
}

type fileConfig struct {
	DBPath      string `yaml:"db_path"`
	SnapshotDir string `yaml:"snapshot_dir"`
	LogLevel    string `yaml:"log_level"`
	MetricsAddr string `yaml:"metrics_addr"`
	Embed       struct {
		Provider string `yaml:"provider"`
		APIKey   string `yaml:"api_key"`
		Endpoint string `yaml:"endpoint"`
	} `yaml:"embed"`
	Settings `yaml:",inline"`
}

func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".chemresolve", "config.yaml")
}

func DefaultSnapshotDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".chemresolve", "snapshots")
}

// ResolveConfig layers the config file, CHEMRESOLVE_* environment variables
// and CLI flags, in that order of increasing precedence. A missing config
// file is not an error.
func ResolveConfig(opts ResolveOptions) (ResolvedConfig, error) {
	path := strings.TrimSpace(opts.ConfigPath)
	if path == "" {
		path = DefaultConfigPath()
	}

	out := ResolvedConfig{
		ConfigPath:  path,
		SnapshotDir: ResolvedValue{Value: DefaultSnapshotDir(), Source: SourceDefault, From: "built-in default"},
		LogLevel:    ResolvedValue{Value: "info", Source: SourceDefault, From: "built-in default"},
		Settings:    DefaultSettings(),
	}

	cfg, err := loadConfig(path)
	if err != nil {
		return out, err
	}

	if cfg != nil {
		apply(&out.DBPath, cfg.DBPath, SourceConfig, path)
		apply(&out.SnapshotDir, cfg.SnapshotDir, SourceConfig, path)
		apply(&out.LogLevel, cfg.LogLevel, SourceConfig, path)
		apply(&out.MetricsAddr, cfg.MetricsAddr, SourceConfig, path)
		apply(&out.EmbedProvider, cfg.Embed.Provider, SourceConfig, path)
		apply(&out.EmbedEndpoint, cfg.Embed.Endpoint, SourceConfig, path)
		apply(&out.EmbedAPIKey, cfg.Embed.APIKey, SourceConfig, path)
		out.Settings = cfg.Settings.withDefaults()
	}

	applyEnv(&out.DBPath, "CHEMRESOLVE_DB")
	applyEnv(&out.DBPath, "CHEMRESOLVE_DB_PATH")
	applyEnv(&out.SnapshotDir, "CHEMRESOLVE_SNAPSHOT_DIR")
	applyEnv(&out.LogLevel, "CHEMRESOLVE_LOG_LEVEL")
	applyEnv(&out.MetricsAddr, "CHEMRESOLVE_METRICS_ADDR")
	applyEnv(&out.EmbedProvider, "CHEMRESOLVE_EMBED")
	applyEnv(&out.EmbedEndpoint, "CHEMRESOLVE_EMBED_ENDPOINT")
	applyEnv(&out.EmbedAPIKey, "CHEMRESOLVE_EMBED_API_KEY")
	if err := applySettingsEnv(&out.Settings); err != nil {
		return out, err
	}

	apply(&out.EmbedProvider, opts.CLIEmbed, SourceCLI, "--embed")
	apply(&out.DBPath, opts.CLIDBPath, SourceCLI, "--db")
	apply(&out.SnapshotDir, opts.CLISnapshotDir, SourceCLI, "--snapshot-dir")
	apply(&out.LogLevel, opts.CLILogLevel, SourceCLI, "--log-level")

	if out.DBPath.Value != "" {
		out.DBPath.Value = expandUserPath(out.DBPath.Value)
	}
	out.SnapshotDir.Value = expandUserPath(out.SnapshotDir.Value)

	if err := out.Settings.Validate(); err != nil {
		return out, fmt.Errorf("invalid settings: %w", err)
	}
	return out, nil
}

// EmbedConfig builds the embedding provider config. Endpoint and API key
// overrides apply on top of the provider defaults.
func (r ResolvedConfig) EmbedConfig() (*embed.EmbedConfig, error) {
	provider := r.EmbedProvider.Value
	if provider == "" {
		provider = "hash/" + embed.HashModel
	}
	cfg, err := embed.ParseEmbedFlag(provider)
	if err != nil {
		return nil, fmt.Errorf("embed provider (%s from %s): %w", r.EmbedProvider.Source, r.EmbedProvider.From, err)
	}
	if v := strings.TrimSpace(r.EmbedEndpoint.Value); v != "" && cfg.Provider != "hash" && cfg.Provider != "onnx" {
		cfg.Endpoint = v
	}
	if v := strings.TrimSpace(r.EmbedAPIKey.Value); v != "" {
		cfg.APIKey = v
	}
	return cfg, nil
}

// applySettingsEnv overrides the most commonly tuned settings.
func applySettingsEnv(s *Settings) error {
	floats := map[string]*float64{
		"CHEMRESOLVE_AUTO_ACCEPT":          &s.Thresholds.AutoAccept,
		"CHEMRESOLVE_REJECT":               &s.Thresholds.Reject,
		"CHEMRESOLVE_DISAGREEMENT_PENALTY": &s.Thresholds.DisagreementPenalty,
		"CHEMRESOLVE_MARGIN_THRESHOLD":     &s.Thresholds.MarginThreshold,
		"CHEMRESOLVE_TARGET_PRECISION":     &s.Calibration.TargetPrecision,
		"CHEMRESOLVE_CLUSTER_SIMILARITY":   &s.Clustering.Similarity,
	}
	for env, dst := range floats {
		v := strings.TrimSpace(os.Getenv(env))
		if v == "" {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("parsing %s=%q: %w", env, v, err)
		}
		*dst = f
	}
	if v := strings.TrimSpace(os.Getenv("CHEMRESOLVE_LATENCY_BUDGET")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parsing CHEMRESOLVE_LATENCY_BUDGET=%q: %w", v, err)
		}
		s.Engine.LatencyBudget = d
	}
	if v := strings.TrimSpace(os.Getenv("CHEMRESOLVE_BATCH_WORKERS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing CHEMRESOLVE_BATCH_WORKERS=%q: %w", v, err)
		}
		s.Engine.BatchWorkers = n
	}
	return nil
}

func apply(dst *ResolvedValue, raw string, source ValueSource, from string) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return
	}
	*dst = ResolvedValue{Value: v, Source: source, From: from}
}

func applyEnv(dst *ResolvedValue, envKey string) {
	if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
		*dst = ResolvedValue{Value: v, Source: SourceEnv, From: envKey}
	}
}

func loadConfig(path string) (*fileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &cfg, nil
}

func expandUserPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
