// Package mcp provides a Model Context Protocol server for chemresolve.
//
// It exposes resolution, synonym ingestion, reviewer validation, calibration,
// retraining assessment and variant clustering as MCP tools, and the active
// thresholds and decision statistics as MCP resources. The server is served
// over stdio by the serve command.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hurttlocker/chemresolve/internal/engine"
	"github.com/hurttlocker/chemresolve/internal/learn"
	"github.com/hurttlocker/chemresolve/internal/match"
)

// Tool limits.
const (
	defaultTopCandidates = 5
	maxTopCandidates     = 20
	maxBatchQueries      = 500
)

// ServerConfig holds configuration for the MCP server.
type ServerConfig struct {
	Engine  *engine.Engine
	Version string // version string for MCP server info
	Logger  *slog.Logger
}

// NewServer creates a configured MCP server with every chemresolve tool and
// resource. The engine is safe for concurrent use, so handlers need no
// extra locking.
func NewServer(cfg ServerConfig) *server.MCPServer {
	ver := cfg.Version
	if ver == "" {
		ver = "dev"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mcp")

	s := server.NewMCPServer(
		"chemresolve",
		ver,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(true, false),
	)

	registerResolveTool(s, cfg.Engine)
	registerResolveBatchTool(s, cfg.Engine)
	registerIngestTool(s, cfg.Engine)
	registerValidateTool(s, cfg.Engine)
	registerCalibrateTool(s, cfg.Engine, logger)
	registerAssessTool(s, cfg.Engine)
	registerClusterTool(s, cfg.Engine)
	registerStatsTool(s, cfg.Engine)
	registerIndexCheckTool(s, cfg.Engine)

	registerThresholdsResource(s, cfg.Engine)
	registerStatsResource(s, cfg.Engine)

	return s
}

// --- Tools ---

// decisionView is a decision trimmed to its best candidate per entity.
type decisionView struct {
	*match.Decision
	TotalCandidates int `json:"total_candidates"`
}

func viewOf(d *match.Decision, top int) decisionView {
	trimmed := *d
	trimmed.Candidates = d.TopCandidates(top)
	return decisionView{Decision: &trimmed, TotalCandidates: len(d.Candidates)}
}

func registerResolveTool(s *server.MCPServer, eng *engine.Engine) {
	tool := mcp.NewTool("chem_resolve",
		mcp.WithDescription("Resolve a free-text chemical name or registry number to a canonical entity. Returns the decision with status, method, confidence, review flag and the best candidate per entity. Every call is recorded for later validation."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Chemical name, synonym or registry number as written in the source"),
		),
		mcp.WithNumber("top",
			mcp.Description("Candidates to return, best per entity (default: 5, max: 20)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil || strings.TrimSpace(query) == "" {
			return mcp.NewToolResultError("query is required"), nil
		}

		d := eng.Resolve(ctx, query)
		data, _ := json.MarshalIndent(viewOf(d, topArg(req)), "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerResolveBatchTool(s *server.MCPServer, eng *engine.Engine) {
	tool := mcp.NewTool("chem_resolve_batch",
		mcp.WithDescription("Resolve many chemical names at once. Queries are separated by newlines; decisions come back in the same order."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("queries",
			mcp.Required(),
			mcp.Description("Newline-separated queries (max 500)"),
		),
		mcp.WithNumber("top",
			mcp.Description("Candidates to return per decision (default: 5, max: 20)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		raw, err := req.RequireString("queries")
		if err != nil {
			return mcp.NewToolResultError("queries is required"), nil
		}
		queries := splitLines(raw)
		if len(queries) == 0 {
			return mcp.NewToolResultError("queries is empty"), nil
		}
		if len(queries) > maxBatchQueries {
			return mcp.NewToolResultError(fmt.Sprintf("too many queries: %d (max %d)", len(queries), maxBatchQueries)), nil
		}

		top := topArg(req)
		decisions := eng.ResolveBatch(ctx, queries)
		views := make([]decisionView, len(decisions))
		resolved, review := 0, 0
		for i, d := range decisions {
			views[i] = viewOf(d, top)
			if d.Resolved() {
				resolved++
			}
			if d.NeedsReview {
				review++
			}
		}

		result := map[string]interface{}{
			"decisions":    views,
			"count":        len(views),
			"resolved":     resolved,
			"needs_review": review,
		}
		data, _ := json.MarshalIndent(result, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerIngestTool(s *server.MCPServer, eng *engine.Engine) {
	tool := mcp.NewTool("chem_ingest",
		mcp.WithDescription("Add a synonym for an existing entity. The synonym becomes resolvable immediately by exact, fuzzy and semantic matching. Re-adding a known synonym is a no-op."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("text",
			mcp.Required(),
			mcp.Description("Synonym text as written"),
		),
		mcp.WithString("entity_id",
			mcp.Required(),
			mcp.Description("Canonical entity the synonym names"),
		),
		mcp.WithNumber("confidence",
			mcp.Description("Prior confidence in (0, 1] (default: 1)"),
		),
		mcp.WithString("source",
			mcp.Description("Provenance tag (default: manual)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil {
			return mcp.NewToolResultError("text is required"), nil
		}
		entityID, err := req.RequireString("entity_id")
		if err != nil || entityID == "" {
			return mcp.NewToolResultError("entity_id is required"), nil
		}
		confidence := 1.0
		if v, err := req.RequireFloat("confidence"); err == nil {
			confidence = v
		}
		source := match.SourceManual
		if v, err := req.RequireString("source"); err == nil && v != "" {
			source = v
		}

		res, err := eng.Ingest(ctx, text, entityID, confidence, source)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("ingest error: %v", err)), nil
		}
		data, _ := json.MarshalIndent(res, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerValidateTool(s *server.MCPServer, eng *engine.Engine) {
	tool := mcp.NewTool("chem_validate",
		mcp.WithDescription("Record a reviewer's answer for a decision. The decision's query becomes a validated synonym of the chosen entity and the validation feeds calibration."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("decision_id",
			mcp.Required(),
			mcp.Description("Decision id returned by chem_resolve"),
		),
		mcp.WithString("entity_id",
			mcp.Required(),
			mcp.Description("The correct entity for the decision's query"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		decisionID, err := req.RequireString("decision_id")
		if err != nil || decisionID == "" {
			return mcp.NewToolResultError("decision_id is required"), nil
		}
		entityID, err := req.RequireString("entity_id")
		if err != nil || entityID == "" {
			return mcp.NewToolResultError("entity_id is required"), nil
		}

		res, err := eng.IngestValidation(ctx, decisionID, entityID)
		if errors.Is(err, match.ErrNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("decision %s not found", decisionID)), nil
		}
		if errors.Is(err, match.ErrAlreadyValidated) {
			return mcp.NewToolResultError(fmt.Sprintf("decision %s is already validated", decisionID)), nil
		}
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("validation error: %v", err)), nil
		}
		result := map[string]interface{}{
			"decision_id": decisionID,
			"entity_id":   entityID,
			"synonym":     res,
		}
		data, _ := json.MarshalIndent(result, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerCalibrateTool(s *server.MCPServer, eng *engine.Engine, logger *slog.Logger) {
	tool := mcp.NewTool("chem_calibrate",
		mcp.WithDescription("Recompute the fuzzy and semantic cutoffs from validated decisions and activate them as a new threshold version. Fails without changing anything when there are too few validated decisions."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithNumber("window_days",
			mcp.Description("Only use decisions from the last N days (default: all history)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		prev := eng.Thresholds()
		next, err := eng.Calibrate(ctx, windowArg(req))
		if errors.Is(err, match.ErrInsufficientCalibrationData) {
			logger.Info("calibration skipped", "error", err)
			return mcp.NewToolResultError(err.Error()), nil
		}
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("calibration error: %v", err)), nil
		}
		result := map[string]interface{}{
			"previous": prev,
			"active":   next,
		}
		data, _ := json.MarshalIndent(result, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerAssessTool(s *server.MCPServer, eng *engine.Engine) {
	tool := mcp.NewTool("chem_assess_retraining",
		mcp.WithDescription("Evaluate whether the embedding model should be retrained: validated volume, unknown-rate plateau, semantic share and borderline share. Returns not_needed, consider or recommended with the value of every trigger."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithNumber("window_days",
			mcp.Description("Only use decisions from the last N days (default: all history)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		a, ws, err := eng.AssessRetraining(ctx, windowArg(req))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("assessment error: %v", err)), nil
		}
		result := map[string]interface{}{
			"assessment": a,
			"window":     ws,
		}
		data, _ := json.MarshalIndent(result, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerClusterTool(s *server.MCPServer, eng *engine.Engine) {
	tool := mcp.NewTool("chem_cluster",
		mcp.WithDescription("Group spelling variants of unresolved queries so a reviewer can validate a whole cluster at once. Each cluster carries suggested entities. Without texts, the current review queue is clustered."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("texts",
			mcp.Description("Newline-separated texts to cluster (default: review queue)"),
		),
		mcp.WithNumber("threshold",
			mcp.Description("Similarity needed to join a cluster, in (0, 1] (default: 0.85)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var texts []string
		if raw, err := req.RequireString("texts"); err == nil {
			texts = splitLines(raw)
		}
		threshold := 0.0
		if v, err := req.RequireFloat("threshold"); err == nil {
			threshold = v
		}

		clusters, err := eng.ClusterUnresolved(ctx, texts, threshold)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("cluster error: %v", err)), nil
		}
		if clusters == nil {
			clusters = []learn.Cluster{}
		}
		result := map[string]interface{}{
			"clusters": clusters,
			"stats":    learn.ClusterStats(clusters),
		}
		data, _ := json.MarshalIndent(result, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerStatsTool(s *server.MCPServer, eng *engine.Engine) {
	tool := mcp.NewTool("chem_stats",
		mcp.WithDescription("Decision statistics: volume, validation rate, unknown rate, review load, counts and disagreement rate per method, validated precision, confidence distribution, and corpus maturity (synonyms per entity, lexical rate, semantic reliance, weekly trend)."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithNumber("window_days",
			mcp.Description("Only use decisions from the last N days (default: all history)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		st, err := eng.Statistics(ctx, windowArg(req))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("stats error: %v", err)), nil
		}
		data, _ := json.MarshalIndent(st, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerIndexCheckTool(s *server.MCPServer, eng *engine.Engine) {
	tool := mcp.NewTool("chem_index_check",
		mcp.WithDescription("Compare the semantic index with the store. An inconsistent index halts ingestion until the repair command rebuilds it."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		rep, err := eng.CheckConsistency(ctx)
		if err != nil && !errors.Is(err, match.ErrIndexInconsistency) {
			return mcp.NewToolResultError(fmt.Sprintf("index check error: %v", err)), nil
		}
		data, _ := json.MarshalIndent(rep, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

// --- Helpers ---

func topArg(req mcp.CallToolRequest) int {
	top := defaultTopCandidates
	if v, err := req.RequireFloat("top"); err == nil && v > 0 {
		top = min(int(v), maxTopCandidates)
	}
	return top
}

func windowArg(req mcp.CallToolRequest) time.Duration {
	if v, err := req.RequireFloat("window_days"); err == nil && v > 0 {
		return time.Duration(v * float64(24*time.Hour))
	}
	return 0
}

// splitLines returns the non-blank lines of s, trimmed.
func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}
