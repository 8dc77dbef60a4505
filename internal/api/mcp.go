package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/jobpipe/internal/fault"
	"github.com/kalambet/jobpipe/internal/status"
	"github.com/kalambet/jobpipe/internal/storage"
)

// MCPDeps holds dependencies for the MCP server. The stdio transport has no
// bearer token, so every tool acts as UserID.
type MCPDeps struct {
	Store        Store
	Orchestrator Orchestrator
	UserID       string
	Logger       *slog.Logger
}

// NewMCPServer creates an MCP server with the jobpipe tools registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"jobpipe",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("jobpipe scores resumes against job postings and turns recordings into transcripts, summaries and translations."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("analyze_job",
			mcp.WithDescription("Queue a compatibility analysis of a resume against a LinkedIn job URL or a pasted job description."),
			mcp.WithString("resumeText", mcp.Description("Plain-text resume"), mcp.Required()),
			mcp.WithString("jobUrl", mcp.Description("LinkedIn job posting URL")),
			mcp.WithString("jobDescription", mcp.Description("Job description text, when no URL is given")),
		),
		mcpAnalyzeJob(deps),
	)

	s.AddTool(
		mcp.NewTool("get_analysis",
			mcp.WithDescription("Return the status and, once completed, the result of a job analysis."),
			mcp.WithString("id", mcp.Description("Analysis id"), mcp.Required()),
		),
		mcpGetAnalysis(deps),
	)

	s.AddTool(
		mcp.NewTool("get_transcription",
			mcp.WithDescription("Return a transcription with its summary and translations."),
			mcp.WithString("id", mcp.Description("Transcription id"), mcp.Required()),
		),
		mcpGetTranscription(deps),
	)

	s.AddTool(
		mcp.NewTool("regenerate_summary",
			mcp.WithDescription("Request a fresh summary of a completed transcription."),
			mcp.WithString("id", mcp.Description("Transcription id"), mcp.Required()),
		),
		mcpRegenerateSummary(deps),
	)

	s.AddTool(
		mcp.NewTool("translate_transcription",
			mcp.WithDescription("Request a translation of a completed transcription."),
			mcp.WithString("id", mcp.Description("Transcription id"), mcp.Required()),
			mcp.WithString("language", mcp.Description("Target language code, e.g. es or pt-BR"), mcp.Required()),
		),
		mcpTranslate(deps),
	)

	return s
}

func (deps MCPDeps) app() *app {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &app{Deps: Deps{Store: deps.Store, Orchestrator: deps.Orchestrator}, logger: logger.With("component", "mcp")}
}

func mcpAnalyzeJob(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("resumeText")
		if err != nil {
			return mcpError("resumeText is required"), nil
		}
		in := AnalysisRequest{
			ResumeText:     text,
			JobURL:         req.GetString("jobUrl", ""),
			JobDescription: req.GetString("jobDescription", ""),
		}
		id, err := deps.app().createAnalysis(ctx, deps.UserID, in, storage.ResumeFromText)
		if err != nil {
			return mcpFault(err), nil
		}
		return mcpJSON(createdAnalysis{AnalysisID: id, Status: string(storage.AnalysisQueued)})
	}
}

func mcpGetAnalysis(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		a, err := deps.app().ownedAnalysis(WithUser(ctx, deps.UserID), id)
		if err != nil {
			return mcpFault(err), nil
		}
		return mcpJSON(status.Analysis(a))
	}
}

func mcpGetTranscription(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		t, err := deps.app().ownedTranscription(WithUser(ctx, deps.UserID), id)
		if err != nil {
			return mcpFault(err), nil
		}
		translations, err := deps.Store.ListTranslations(ctx, t.ID)
		if err != nil {
			return mcpFault(err), nil
		}
		return mcpJSON(status.Transcription(t, translations))
	}
}

func mcpRegenerateSummary(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		t, err := deps.app().ownedTranscription(WithUser(ctx, deps.UserID), id)
		if err != nil {
			return mcpFault(err), nil
		}
		st, err := deps.Orchestrator.RegenerateSummary(ctx, t.ID)
		if err != nil {
			return mcpFault(err), nil
		}
		return mcpJSON(queuedSummary{Status: "queued", SummaryStatus: string(st)})
	}
}

func mcpTranslate(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		lang, err := validateLanguage(req.GetString("language", ""))
		if err != nil {
			return mcpFault(err), nil
		}
		t, err := deps.app().ownedTranscription(WithUser(ctx, deps.UserID), id)
		if err != nil {
			return mcpFault(err), nil
		}
		st, err := deps.Orchestrator.RequestTranslation(ctx, t.ID, lang)
		if err != nil {
			return mcpFault(err), nil
		}
		return mcpJSON(queuedTranslation{Status: "queued", Language: lang, TranslationStatus: string(st)})
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

// mcpFault reports err as a tool error, hiding details of unclassified ones.
func mcpFault(err error) *mcp.CallToolResult {
	switch fault.KindOf(err) {
	case fault.Validation, fault.Conflict:
		return mcpError(err.Error())
	case fault.NotFound:
		return mcpError("not found")
	case fault.Transient:
		return mcpError("service temporarily unavailable, try again")
	default:
		return mcpError("internal error")
	}
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
