package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jesmine0820/ielts-listening-question-generator/internal/history"
	"github.com/jesmine0820/ielts-listening-question-generator/internal/questionspec"
	"github.com/jesmine0820/ielts-listening-question-generator/internal/storage"
	"github.com/jesmine0820/ielts-listening-question-generator/internal/workflow"
)

// PendingSpecURI is the resource holding the spec waiting for generation.
const PendingSpecURI = "ielts://spec/pending"

// MCPHistory is the history feature as the MCP layer sees it.
type MCPHistory interface {
	List(ctx context.Context) ([]history.Set, error)
	EnsureAudio(ctx context.Context, set string, onUpdate func(status string)) (history.AudioResult, error)
}

// MCPCatalog provides the question catalog.
type MCPCatalog interface {
	Get(ctx context.Context) (*questionspec.Catalog, error)
}

// MCPJobs lists persisted audio jobs.
type MCPJobs interface {
	Jobs(limit int) ([]storage.PollJob, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	History MCPHistory
	Catalog MCPCatalog // optional; validate_spec then checks structure only
	Jobs    MCPJobs
	State   questionspec.KV
}

// NewMCPServer creates an MCP server with the question generator tools and
// resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"ielts",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("IELTS listening question generator: saved question sets, audio and question specs."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_history",
			mcp.WithDescription("List saved question sets, newest first, with their downloadable files."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of sets (default 20)")),
		),
		mcpListHistory(deps),
	)

	s.AddTool(
		mcp.NewTool("ensure_audio",
			mcp.WithDescription("Make sure a saved question set has audio, generating it and waiting if needed."),
			mcp.WithString("set", mcp.Description("Saved set name, e.g. set_3"), mcp.Required()),
		),
		mcpEnsureAudio(deps),
	)

	s.AddTool(
		mcp.NewTool("validate_spec",
			mcp.WithDescription("Check a question spec (generator JSON or YAML spec file) against the builder rules and the catalog."),
			mcp.WithString("spec", mcp.Description("The spec document"), mcp.Required()),
			mcp.WithString("format", mcp.Description("json or yaml (default json)")),
		),
		mcpValidateSpec(deps),
	)

	s.AddTool(
		mcp.NewTool("question_catalog",
			mcp.WithDescription("List the themes, topics and per-part question types the generator offers."),
		),
		mcpQuestionCatalog(deps),
	)

	s.AddTool(
		mcp.NewTool("audio_jobs",
			mcp.WithDescription("List background audio jobs and their last reported status."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of jobs (default 20)")),
		),
		mcpAudioJobs(deps),
	)

	s.AddResource(
		mcp.NewResource(
			PendingSpecURI,
			"Pending Question Spec",
			mcp.WithResourceDescription("The question spec saved for the next generation run, in generator JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourcePendingSpec(deps),
	)

	return s
}

func clampLimit(n int) int {
	if n <= 0 {
		return 20
	}
	return min(n, 100)
}

func mcpListHistory(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sets, err := deps.History.List(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("loading history failed: %s", workflow.Describe(err))), nil
		}
		if limit := clampLimit(req.GetInt("limit", 20)); len(sets) > limit {
			sets = sets[:limit]
		}

		type setResult struct {
			Name  string   `json:"name"`
			Date  string   `json:"date"`
			Time  string   `json:"time"`
			Files []string `json:"files"`
		}
		results := make([]setResult, len(sets))
		for i, s := range sets {
			results[i] = setResult{Name: s.Name, Date: s.Date(), Time: s.Time(), Files: []string{}}
			for _, f := range s.Files {
				results[i].Files = append(results[i].Files, f.Name)
			}
		}
		return mcpJSON(results)
	}
}

func mcpEnsureAudio(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		set, err := req.RequireString("set")
		if err != nil || strings.TrimSpace(set) == "" {
			return mcpError("set is required"), nil
		}

		res, err := deps.History.EnsureAudio(ctx, strings.TrimSpace(set), nil)
		if err != nil {
			return mcpError(fmt.Sprintf("audio for %s: %s", set, workflow.Describe(err))), nil
		}
		return mcpJSON(map[string]string{
			"status":  res.Status,
			"task_id": res.TaskID,
			"url":     res.URL,
		})
	}
}

func mcpValidateSpec(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		doc, err := req.RequireString("spec")
		if err != nil {
			return mcpError("spec is required"), nil
		}

		var spec questionspec.Spec
		switch strings.ToLower(req.GetString("format", "json")) {
		case "yaml", "yml":
			spec, err = questionspec.LoadYAML(strings.NewReader(doc))
		case "json":
			if spec, err = questionspec.Parse(doc); err == nil {
				err = spec.Validate()
			}
		default:
			return mcpError("format must be json or yaml"), nil
		}
		if err != nil {
			return mcpError(err.Error()), nil
		}

		if deps.Catalog != nil {
			catalog, err := deps.Catalog.Get(ctx)
			if err != nil {
				return mcpError(fmt.Sprintf("loading catalog failed: %s", workflow.Describe(err))), nil
			}
			if err := catalog.Validate(spec); err != nil {
				return mcpError(err.Error()), nil
			}
		}

		_, total := spec.Totals()
		return mcpText(fmt.Sprintf("Valid: theme %s, %d questions", spec.Theme(), total)), nil
	}
}

func mcpQuestionCatalog(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Catalog == nil {
			return mcpError("catalog not available"), nil
		}
		catalog, err := deps.Catalog.Get(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("loading catalog failed: %s", workflow.Describe(err))), nil
		}

		type theme struct {
			Name   string   `json:"name"`
			Topics []string `json:"topics"`
		}
		out := struct {
			Themes []theme             `json:"themes"`
			Types  map[string][]string `json:"types_by_part"`
		}{Types: make(map[string][]string)}
		for _, name := range catalog.ThemeNames() {
			out.Themes = append(out.Themes, theme{Name: name, Topics: catalog.Themes[name].Topics})
		}
		for p := 1; p <= questionspec.NumParts; p++ {
			out.Types[fmt.Sprint(p)] = catalog.TypeIDs(p)
		}
		return mcpJSON(out)
	}
}

func mcpAudioJobs(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		jobs, err := deps.Jobs.Jobs(clampLimit(req.GetInt("limit", 20)))
		if err != nil {
			return mcpError(fmt.Sprintf("listing audio jobs failed: %v", err)), nil
		}

		type jobResult struct {
			ID         string `json:"id"`
			Kind       string `json:"kind"`
			Label      string `json:"label,omitempty"`
			TaskID     string `json:"task_id"`
			Status     string `json:"status"`
			LastStatus string `json:"last_status,omitempty"`
			LastError  string `json:"last_error,omitempty"`
			UpdatedAt  string `json:"updated_at"`
		}
		results := make([]jobResult, len(jobs))
		for i, j := range jobs {
			results[i] = jobResult{
				ID:         j.ID,
				Kind:       j.Kind,
				Label:      j.Label,
				TaskID:     j.TaskID,
				Status:     j.Status,
				LastStatus: j.LastStatus,
				LastError:  j.LastError,
				UpdatedAt:  j.UpdatedAt.Format(time.RFC3339),
			}
		}
		return mcpJSON(results)
	}
}

func mcpResourcePendingSpec(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		spec, ok, err := questionspec.Pending(deps.State)
		if err != nil {
			return nil, fmt.Errorf("failed to read pending spec: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("no question spec is pending")
		}
		data, err := spec.JSON()
		if err != nil {
			return nil, err
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     data,
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
