// Command chemresolve resolves free-text chemical names to canonical
// entities and runs the learning loop (validation, calibration, retraining
// assessment, clustering) over the recorded decisions.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hurttlocker/chemresolve/internal/config"
	"github.com/hurttlocker/chemresolve/internal/embed"
	"github.com/hurttlocker/chemresolve/internal/engine"
	"github.com/hurttlocker/chemresolve/internal/snapshot"
	"github.com/hurttlocker/chemresolve/internal/store"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "0.1.0-dev"

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	configPath  string
	dbPath      string
	embed       string
	snapshotDir string
	logLevel    string
	verbose     bool
	jsonOut     bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "chemresolve",
		Short:         "Resolve chemical names to canonical entities",
		SilenceUsage:  true, // don't print usage on operational errors
		SilenceErrors: true,
		Long: `chemresolve maps free-text chemical names, synonyms and registry numbers
to canonical entities through a cascade of identifier, exact, fuzzy and
semantic matching. Every decision is recorded; reviewer validations feed
threshold calibration and retraining assessment.`,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "", "Config file (default ~/.chemresolve/config.yaml)")
	pf.StringVar(&g.dbPath, "db", "", "SQLite database path (default ~/.chemresolve/chemresolve.db)")
	pf.StringVar(&g.embed, "embed", "", "Embedding provider/model, e.g. hash/chargram-v1 or ollama/nomic-embed-text")
	pf.StringVar(&g.snapshotDir, "snapshot-dir", "", "Snapshot catalog directory (default ~/.chemresolve/snapshots)")
	pf.StringVar(&g.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.BoolVarP(&g.verbose, "verbose", "v", false, "Debug logging")
	pf.BoolVar(&g.jsonOut, "json", false, "Print JSON output")

	root.AddCommand(
		newResolveCmd(g),
		newBatchCmd(g),
		newIngestCmd(g),
		newValidateCmd(g),
		newEntityCmd(g),
		newCalibrateCmd(g),
		newAssessCmd(g),
		newClusterCmd(g),
		newStatsCmd(g),
		newSnapshotCmd(g),
		newRepairCmd(g),
		newCheckCmd(g),
		newServeCmd(g),
		newConfigCmd(g),
		newVersionCmd(),
	)
	return root
}

// app is everything a command needs, opened from the resolved config.
type app struct {
	cfg     config.ResolvedConfig
	logger  *slog.Logger
	store   store.Store
	engine  *engine.Engine
	catalog *snapshot.Catalog
	out     io.Writer
	json    bool
}

type openOptions struct {
	catalog bool // open the snapshot catalog
}

func (g *globalFlags) resolve() (config.ResolvedConfig, error) {
	return config.ResolveConfig(config.ResolveOptions{
		ConfigPath:     g.configPath,
		CLIEmbed:       g.embed,
		CLIDBPath:      g.dbPath,
		CLISnapshotDir: g.snapshotDir,
		CLILogLevel:    g.logLevel,
	})
}

func (g *globalFlags) open(cmd *cobra.Command, opts openOptions) (*app, error) {
	cfg, err := g.resolve()
	if err != nil {
		return nil, err
	}
	level := cfg.LogLevel.Value
	if g.verbose {
		level = "debug"
	}
	logger := newLogger(cmd.ErrOrStderr(), level)

	dbPath := cfg.DBPath.Value
	if dbPath == "" {
		dbPath = store.ExpandPath(store.DefaultDBPath)
	}
	st, err := store.NewStore(store.StoreConfig{DBPath: dbPath})
	if err != nil {
		return nil, fmt.Errorf("opening store %s: %w", dbPath, err)
	}

	embCfg, err := cfg.EmbedConfig()
	if err != nil {
		st.Close()
		return nil, err
	}
	emb, err := embed.New(embCfg)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("creating embedder: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, store: st, out: cmd.OutOrStdout(), json: g.jsonOut}
	if opts.catalog {
		a.catalog, err = snapshot.Open(cfg.SnapshotDir.Value, logger)
		if err != nil {
			st.Close()
			return nil, err
		}
	}

	s := cfg.Settings
	seed := s.ThresholdSet()
	eopts := engine.Options{
		Thresholds:    &seed,
		Calibration:   s.Calibration,
		Advisor:       s.Retraining,
		ClusterTopK:   s.Clustering.TopK,
		LatencyBudget: s.Engine.LatencyBudget,
		BatchWorkers:  s.Engine.BatchWorkers,
		Catalog:       a.catalog,
		Logger:        logger,
	}
	if dbPath != ":memory:" {
		eopts.IndexPath = indexPathFor(dbPath)
	}
	a.engine, err = engine.Open(cmd.Context(), st, emb, eopts)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Close persists the semantic index and releases the store and catalog.
func (a *app) Close() {
	if a.engine != nil {
		if err := a.engine.Close(); err != nil {
			a.logger.Warn("closing engine", "error", err)
		}
	}
	if a.catalog != nil {
		if err := a.catalog.Close(); err != nil {
			a.logger.Warn("closing snapshot catalog", "error", err)
		}
	}
	if a.store != nil {
		a.store.Close()
	}
}

// printJSON writes v indented.
func (a *app) printJSON(v any) error {
	return writeJSON(a.out, v)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func jsonLine(v any) (string, error) {
	b, err := json.Marshal(v)
	return string(b), err
}

func indexPathFor(dbPath string) string {
	return strings.TrimSuffix(dbPath, filepath.Ext(dbPath)) + ".hnsw"
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		l = slog.LevelDebug
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: l}))
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "chemresolve %s\n", version)
		},
	}
}

func newConfigCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the resolved configuration and where each value came from",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.resolve()
			if err != nil {
				return err
			}
			if cfg.EmbedAPIKey.Value != "" {
				cfg.EmbedAPIKey.Value = "********"
			}
			return writeJSON(cmd.OutOrStdout(), cfg)
		},
	}
}
