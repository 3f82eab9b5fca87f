package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hurttlocker/chemresolve/internal/engine"
)

func registerThresholdsResource(s *server.MCPServer, eng *engine.Engine) {
	resource := mcp.NewResource(
		"chemresolve://thresholds",
		"Active Thresholds",
		mcp.WithResourceDescription("The active threshold set: version, per-method accept and reject cutoffs, and the disagreement penalty."),
		mcp.WithMIMEType("application/json"),
	)

	s.AddResource(resource, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		history, err := eng.Store().ListThresholdSets(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing threshold sets: %w", err)
		}
		payload := map[string]interface{}{
			"active":   eng.Thresholds(),
			"versions": len(history),
		}
		data, _ := json.MarshalIndent(payload, "", "  ")
		return []mcp.ResourceContents{
			mcp.TextResourceContents{URI: req.Params.URI, MIMEType: "application/json", Text: string(data)},
		}, nil
	})
}

func registerStatsResource(s *server.MCPServer, eng *engine.Engine) {
	resource := mcp.NewResource(
		"chemresolve://stats",
		"Store Statistics",
		mcp.WithResourceDescription("Entity, synonym, embedding and decision counts, plus the embedding model and index generation."),
		mcp.WithMIMEType("application/json"),
	)

	s.AddResource(resource, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		stats, err := eng.Store().Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("getting stats: %w", err)
		}
		payload := map[string]interface{}{
			"store":            stats,
			"model":            eng.Model(),
			"index_generation": eng.Generation(),
		}
		if err := eng.Inconsistent(); err != nil {
			payload["index_inconsistency"] = err.Error()
		}
		data, _ := json.MarshalIndent(payload, "", "  ")
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(data),
			},
		}, nil
	})
}
