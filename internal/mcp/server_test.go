package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hurttlocker/chemresolve/internal/embed"
	"github.com/hurttlocker/chemresolve/internal/engine"
	"github.com/hurttlocker/chemresolve/internal/match"
	"github.com/hurttlocker/chemresolve/internal/store"
)

// helper: create a test engine over a small corpus
func setupTestServer(t *testing.T) (*server.MCPServer, *engine.Engine) {
	t.Helper()
	s, err := store.NewStore(store.StoreConfig{DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng, err := engine.Open(context.Background(), s, embed.NewHashEmbedder(64), engine.Options{Logger: logger})
	if err != nil {
		t.Fatalf("opening engine: %v", err)
	}
	t.Cleanup(func() { eng.Close() })

	entities := []*match.Entity{
		{ID: "E1", PreferredName: "Benzene", RegistryNumber: "71-43-2"},
		{ID: "E2", PreferredName: "Toluene", RegistryNumber: "108-88-3"},
		{ID: "E3", PreferredName: "Acetone", RegistryNumber: "67-64-1"},
	}
	for _, e := range entities {
		if res, err := eng.AddEntity(context.Background(), e); err != nil || res.Status != engine.IngestInserted {
			t.Fatalf("adding entity %s: %+v, %v", e.ID, res, err)
		}
	}

	return NewServer(ServerConfig{Engine: eng, Version: "test", Logger: logger}), eng
}

func TestNewServer(t *testing.T) {
	srv, _ := setupTestServer(t)
	if srv == nil {
		t.Fatal("NewServer returned nil")
	}
}

// callTool is a helper that invokes an MCP tool through the JSON-RPC handler.
func callTool(t *testing.T, srv *server.MCPServer, name string, args map[string]interface{}) *mcplib.CallToolResult {
	t.Helper()

	result := srv.HandleMessage(context.Background(), mustMarshal(t, map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params": map[string]interface{}{
			"name":      name,
			"arguments": args,
		},
	}))

	respBytes, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}

	var resp struct {
		Result struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
			IsError bool `json:"isError"`
		} `json:"result"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		t.Fatalf("unmarshal response: %v\nraw: %s", err, string(respBytes))
	}
	if resp.Error != nil {
		t.Fatalf("JSON-RPC error: %d %s", resp.Error.Code, resp.Error.Message)
	}

	callResult := &mcplib.CallToolResult{IsError: resp.Result.IsError}
	for _, c := range resp.Result.Content {
		if c.Type == "text" {
			callResult.Content = append(callResult.Content, mcplib.NewTextContent(c.Text))
		}
	}
	return callResult
}

func readResource(t *testing.T, srv *server.MCPServer, uri string) string {
	t.Helper()
	result := srv.HandleMessage(context.Background(), mustMarshal(t, map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "resources/read",
		"params":  map[string]interface{}{"uri": uri},
	}))
	respBytes, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	var resp struct {
		Result struct {
			Contents []struct {
				Text string `json:"text"`
			} `json:"contents"`
		} `json:"result"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("reading %s: %s", uri, resp.Error.Message)
	}
	if len(resp.Result.Contents) == 0 {
		t.Fatalf("no contents for %s", uri)
	}
	return resp.Result.Contents[0].Text
}

func mustMarshal(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func getTextContent(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	for _, c := range result.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no text content found")
	return ""
}

func TestResolveTool(t *testing.T) {
	srv, _ := setupTestServer(t)

	result := callTool(t, srv, "chem_resolve", map[string]interface{}{
		"query": "BENZENE",
	})
	if result.IsError {
		t.Fatalf("unexpected error: %s", getTextContent(t, result))
	}

	var d struct {
		ID         string            `json:"id"`
		EntityID   string            `json:"entity_id"`
		Method     string            `json:"method"`
		Confidence float64           `json:"confidence"`
		Candidates []match.Candidate `json:"candidates"`
	}
	if err := json.Unmarshal([]byte(getTextContent(t, result)), &d); err != nil {
		t.Fatalf("parsing decision: %v", err)
	}
	if d.ID == "" || d.EntityID != "E1" || d.Method != "exact" || d.Confidence != 1 {
		t.Errorf("unexpected decision: %+v", d)
	}
}

func TestResolveToolRegistryNumber(t *testing.T) {
	srv, _ := setupTestServer(t)

	result := callTool(t, srv, "chem_resolve", map[string]interface{}{
		"query": "CAS 67-64-1",
	})
	text := getTextContent(t, result)
	if !strings.Contains(text, `"entity_id": "E3"`) || !strings.Contains(text, `"method": "identifier"`) {
		t.Errorf("expected identifier hit for E3, got %s", text)
	}
}

func TestResolveToolRequiresQuery(t *testing.T) {
	srv, _ := setupTestServer(t)
	result := callTool(t, srv, "chem_resolve", map[string]interface{}{})
	if !result.IsError {
		t.Fatal("expected error without query")
	}
}

func TestResolveBatchTool(t *testing.T) {
	srv, _ := setupTestServer(t)

	result := callTool(t, srv, "chem_resolve_batch", map[string]interface{}{
		"queries": "toluene\n\n  benzene  \n108-88-3\n",
		"top":     float64(2),
	})
	var out struct {
		Count     int `json:"count"`
		Resolved  int `json:"resolved"`
		Decisions []struct {
			Query    string `json:"query"`
			EntityID string `json:"entity_id"`
		} `json:"decisions"`
	}
	if err := json.Unmarshal([]byte(getTextContent(t, result)), &out); err != nil {
		t.Fatalf("parsing batch: %v", err)
	}
	if out.Count != 3 || out.Resolved != 3 {
		t.Fatalf("count=%d resolved=%d", out.Count, out.Resolved)
	}
	want := []string{"E2", "E1", "E2"}
	for i, d := range out.Decisions {
		if d.EntityID != want[i] {
			t.Errorf("decision %d (%q) = %s, want %s", i, d.Query, d.EntityID, want[i])
		}
	}
}

func TestIngestTool(t *testing.T) {
	srv, _ := setupTestServer(t)

	result := callTool(t, srv, "chem_ingest", map[string]interface{}{
		"text":      "Methylbenzene",
		"entity_id": "E2",
	})
	var res engine.IngestResult
	if err := json.Unmarshal([]byte(getTextContent(t, result)), &res); err != nil {
		t.Fatalf("parsing ingest result: %v", err)
	}
	if res.Status != engine.IngestInserted || res.Normalized != "methylbenzene" {
		t.Fatalf("unexpected ingest result: %+v", res)
	}

	again := callTool(t, srv, "chem_ingest", map[string]interface{}{
		"text":      "methylbenzene",
		"entity_id": "E2",
	})
	if !strings.Contains(getTextContent(t, again), `"duplicate"`) {
		t.Errorf("expected duplicate, got %s", getTextContent(t, again))
	}

	resolved := callTool(t, srv, "chem_resolve", map[string]interface{}{"query": "methylbenzene"})
	if !strings.Contains(getTextContent(t, resolved), `"entity_id": "E2"`) {
		t.Errorf("ingested synonym not resolvable: %s", getTextContent(t, resolved))
	}

	unknown := callTool(t, srv, "chem_ingest", map[string]interface{}{
		"text":      "benzol",
		"entity_id": "E404",
	})
	if !strings.Contains(getTextContent(t, unknown), "unknown entity") {
		t.Errorf("expected rejection for unknown entity, got %s", getTextContent(t, unknown))
	}
}

func TestValidateTool(t *testing.T) {
	srv, eng := setupTestServer(t)

	d := eng.Resolve(context.Background(), "dimethyl ketone")
	result := callTool(t, srv, "chem_validate", map[string]interface{}{
		"decision_id": d.ID,
		"entity_id":   "E3",
	})
	if result.IsError {
		t.Fatalf("validate failed: %s", getTextContent(t, result))
	}

	stored, err := eng.Store().GetDecision(context.Background(), d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Validation == nil || stored.Validation.EntityID != "E3" {
		t.Errorf("validation not attached: %+v", stored.Validation)
	}

	again := eng.Resolve(context.Background(), "Dimethyl Ketone")
	if again.EntityID != "E3" || again.Method != match.MethodExact {
		t.Errorf("validated query should resolve exactly, got %s via %s", again.EntityID, again.Method)
	}

	twice := callTool(t, srv, "chem_validate", map[string]interface{}{
		"decision_id": d.ID,
		"entity_id":   "E1",
	})
	if !twice.IsError || !strings.Contains(getTextContent(t, twice), "already validated") {
		t.Errorf("expected already validated error, got %s", getTextContent(t, twice))
	}

	missing := callTool(t, srv, "chem_validate", map[string]interface{}{
		"decision_id": "no-such-decision",
		"entity_id":   "E3",
	})
	if !missing.IsError || !strings.Contains(getTextContent(t, missing), "not found") {
		t.Errorf("expected not found error, got %s", getTextContent(t, missing))
	}
}

func TestCalibrateToolInsufficientData(t *testing.T) {
	srv, eng := setupTestServer(t)

	result := callTool(t, srv, "chem_calibrate", map[string]interface{}{})
	if !result.IsError {
		t.Fatalf("expected error, got %s", getTextContent(t, result))
	}
	if !strings.Contains(getTextContent(t, result), "insufficient calibration data") {
		t.Errorf("unexpected message: %s", getTextContent(t, result))
	}
	if eng.Thresholds().Version != 1 {
		t.Errorf("thresholds changed: v%d", eng.Thresholds().Version)
	}
}

func TestAssessTool(t *testing.T) {
	srv, eng := setupTestServer(t)
	for i := 0; i < 4; i++ {
		eng.Resolve(context.Background(), "benzene")
	}

	result := callTool(t, srv, "chem_assess_retraining", map[string]interface{}{
		"window_days": float64(30),
	})
	var out struct {
		Assessment struct {
			Level    string `json:"level"`
			Triggers []struct {
				Name string `json:"name"`
			} `json:"triggers"`
		} `json:"assessment"`
		Window struct {
			Total int `json:"total"`
		} `json:"window"`
	}
	if err := json.Unmarshal([]byte(getTextContent(t, result)), &out); err != nil {
		t.Fatalf("parsing assessment: %v", err)
	}
	if out.Window.Total != 4 {
		t.Errorf("window total = %d, want 4", out.Window.Total)
	}
	if len(out.Assessment.Triggers) != 4 {
		t.Errorf("expected 4 triggers, got %d", len(out.Assessment.Triggers))
	}
	if out.Assessment.Level == "" {
		t.Error("missing level")
	}
}

func TestClusterTool(t *testing.T) {
	srv, _ := setupTestServer(t)

	result := callTool(t, srv, "chem_cluster", map[string]interface{}{
		"texts":     "acetone\nAcetone\naceton\nxylene",
		"threshold": float64(0.8),
	})
	var out struct {
		Clusters []struct {
			Anchor      string `json:"anchor"`
			Total       int    `json:"total"`
			Suggestions []struct {
				EntityID string `json:"entity_id"`
			} `json:"suggestions"`
		} `json:"clusters"`
		Stats struct {
			Clusters int `json:"clusters"`
			Queries  int `json:"queries"`
		} `json:"stats"`
	}
	if err := json.Unmarshal([]byte(getTextContent(t, result)), &out); err != nil {
		t.Fatalf("parsing clusters: %v", err)
	}
	if out.Stats.Clusters != 2 || out.Stats.Queries != 4 {
		t.Fatalf("stats = %+v", out.Stats)
	}
	top := out.Clusters[0]
	if top.Anchor != "acetone" || top.Total != 3 {
		t.Errorf("top cluster = %+v", top)
	}
	if len(top.Suggestions) == 0 || top.Suggestions[0].EntityID != "E3" {
		t.Errorf("expected exact suggestion E3, got %+v", top.Suggestions)
	}
}

func TestClusterToolEmptyQueue(t *testing.T) {
	srv, _ := setupTestServer(t)
	result := callTool(t, srv, "chem_cluster", map[string]interface{}{})
	if !strings.Contains(getTextContent(t, result), `"clusters": []`) {
		t.Errorf("expected empty cluster list, got %s", getTextContent(t, result))
	}
}

func TestStatsTool(t *testing.T) {
	srv, eng := setupTestServer(t)
	eng.Resolve(context.Background(), "benzene")
	eng.Resolve(context.Background(), "  ")

	result := callTool(t, srv, "chem_stats", map[string]interface{}{})
	var st struct {
		Total      int            `json:"total"`
		Unresolved int            `json:"unresolved"`
		ByMethod   map[string]int `json:"by_method"`
		Maturity   struct {
			RecentDecisions int   `json:"recent_decisions"`
			Weeks           []any `json:"weeks"`
		} `json:"maturity"`
	}
	if err := json.Unmarshal([]byte(getTextContent(t, result)), &st); err != nil {
		t.Fatalf("parsing stats: %v", err)
	}
	if st.Maturity.RecentDecisions != 2 || len(st.Maturity.Weeks) != 12 {
		t.Errorf("maturity = %+v", st.Maturity)
	}
	if st.Total != 2 || st.Unresolved != 1 {
		t.Errorf("stats = %+v", st)
	}
	if st.ByMethod["exact"] != 1 || st.ByMethod["none"] != 1 {
		t.Errorf("by method = %v", st.ByMethod)
	}
}

func TestIndexCheckTool(t *testing.T) {
	srv, _ := setupTestServer(t)
	result := callTool(t, srv, "chem_index_check", map[string]interface{}{})
	var rep engine.ConsistencyReport
	if err := json.Unmarshal([]byte(getTextContent(t, result)), &rep); err != nil {
		t.Fatalf("parsing report: %v", err)
	}
	if !rep.Consistent || rep.StoreVectors != 3 || rep.IndexVectors != 3 {
		t.Errorf("report = %+v", rep)
	}
}

func TestResources(t *testing.T) {
	srv, _ := setupTestServer(t)

	th := readResource(t, srv, "chemresolve://thresholds")
	if !strings.Contains(th, `"version": 1`) || !strings.Contains(th, `"semantic"`) {
		t.Errorf("thresholds resource = %s", th)
	}

	stats := readResource(t, srv, "chemresolve://stats")
	var payload struct {
		Store struct {
			Entities int `json:"entities"`
			Synonyms int `json:"synonyms"`
		} `json:"store"`
		Model string `json:"model"`
	}
	if err := json.Unmarshal([]byte(stats), &payload); err != nil {
		t.Fatalf("parsing stats resource: %v", err)
	}
	if payload.Store.Entities != 3 || payload.Store.Synonyms != 3 {
		t.Errorf("store stats = %+v", payload.Store)
	}
	if !strings.HasPrefix(payload.Model, "hash/") {
		t.Errorf("model = %q", payload.Model)
	}
}

func TestSplitLines(t *testing.T) {
	got := splitLines(" a \n\n b\r\nc")
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("splitLines = %q", got)
	}
}
