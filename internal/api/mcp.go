package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/acctintel/internal/account"
	"github.com/kalambet/acctintel/internal/conversation"
	"github.com/kalambet/acctintel/internal/submission"
)

const defaultMCPWait = 3 * time.Minute

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store  *conversation.Store
	Runner *submission.Runner
	// WaitTimeout bounds how long analyze_account blocks. Defaults to 3m.
	WaitTimeout time.Duration
	Version     string
}

// NewMCPServer creates an MCP server with the account analysis tools and
// resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	if deps.WaitTimeout <= 0 {
		deps.WaitTimeout = defaultMCPWait
	}
	if deps.Version == "" {
		deps.Version = "dev"
	}
	s := server.NewMCPServer(
		"acctintel",
		deps.Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("acctintel: analyze company accounts by website and read the resulting conversations."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("validate_url",
			mcp.WithDescription("Check and normalize a company website URL and derive the account identity from it."),
			mcp.WithString("url", mcp.Description("Website URL or bare domain"), mcp.Required()),
		),
		mcpValidateURL(deps),
	)

	s.AddTool(
		mcp.NewTool("analyze_account",
			mcp.WithDescription("Submit a company for account analysis and wait for the formatted result."),
			mcp.WithString("url", mcp.Description("Company website URL or bare domain"), mcp.Required()),
			mcp.WithString("industry", mcp.Description("One of: Technology, Finance, Retail, Manufacturing, Logistics, Healthcare, Education, Government, E-commerce"), mcp.Required()),
			mcp.WithString("company_name", mcp.Description("Company name; derived from the domain when omitted")),
			mcp.WithString("analysis_type", mcp.Description("Full Analysis (default), Detect Opportunities, Map Current Stack or Analyze Digital Maturity")),
			mcp.WithBoolean("new_chat", mcp.Description("Start a new conversation instead of appending to the active one")),
			mcp.WithBoolean("wait", mcp.Description("Wait for the result (default true)")),
		),
		mcpAnalyzeAccount(deps),
	)

	s.AddTool(
		mcp.NewTool("list_conversations",
			mcp.WithDescription("List analysis conversations, most recently active first."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of conversations (default 20)")),
		),
		mcpListConversations(deps),
	)

	s.AddTool(
		mcp.NewTool("get_conversation",
			mcp.WithDescription("Return one conversation with all of its messages."),
			mcp.WithString("id", mcp.Description("Conversation id"), mcp.Required()),
		),
		mcpGetConversation(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"conversations://active",
			"Active Conversation",
			mcp.WithResourceDescription("The active conversation as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceActive(deps),
	)

	return s
}

func mcpValidateURL(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		raw, err := req.RequireString("url")
		if err != nil {
			return mcpError("url is required"), nil
		}
		return mcpJSON(validate(raw))
	}
}

func mcpAnalyzeAccount(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		rawURL, err := req.RequireString("url")
		if err != nil {
			return mcpError("url is required"), nil
		}
		form := account.Form{
			URL:          rawURL,
			CompanyName:  req.GetString("company_name", ""),
			Industry:     req.GetString("industry", ""),
			AnalysisType: req.GetString("analysis_type", ""),
		}

		if req.GetBool("new_chat", false) {
			// Validate first so a bad form does not leave an empty conversation.
			if _, fieldErrs := form.Validate(); len(fieldErrs) > 0 {
				return mcpError(fieldErrs.Error()), nil
			}
			at, _ := account.CanonicalAnalysisType(form.AnalysisType)
			deps.Store.CreatePlaceholder(ctx, at)
		}

		s, err := deps.Runner.Submit(ctx, form)
		if err != nil {
			return mcpError(fmt.Sprintf("submission rejected: %v", err)), nil
		}
		if !req.GetBool("wait", true) {
			return mcpText(fmt.Sprintf("Submitted %s in conversation %s", s.ID, s.ConversationID)), nil
		}

		waitCtx, cancel := context.WithTimeout(ctx, deps.WaitTimeout)
		defer cancel()
		out, err := s.Wait(waitCtx)
		if err != nil {
			return mcpText(fmt.Sprintf("Analysis still running as submission %s (state %s); read conversation %s later.", s.ID, s.State(), s.ConversationID)), nil
		}
		if out.Err != nil {
			return mcpError(out.Text), nil
		}
		return mcpText(out.Text), nil
	}
}

type conversationSummary struct {
	ID           string    `json:"id"`
	DisplayName  string    `json:"display_name"`
	Domain       string    `json:"domain,omitempty"`
	AnalysisType string    `json:"analysis_type"`
	Bound        bool      `json:"bound"`
	Messages     int       `json:"messages"`
	LastActivity time.Time `json:"last_activity"`
	Active       bool      `json:"active,omitempty"`
}

func mcpListConversations(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}

		active, _ := deps.Store.Active()
		convs := deps.Store.SortedByActivity()
		if len(convs) > limit {
			convs = convs[:limit]
		}
		out := make([]conversationSummary, len(convs))
		for i, c := range convs {
			out[i] = conversationSummary{
				ID:           c.ID,
				DisplayName:  c.DisplayName,
				Domain:       c.Domain,
				AnalysisType: c.AnalysisType,
				Bound:        c.Bound,
				Messages:     len(c.Messages),
				LastActivity: c.LastActivity,
				Active:       c.ID == active.ID,
			}
		}
		return mcpJSON(out)
	}
}

func mcpGetConversation(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		c, err := deps.Store.Get(id)
		if errors.Is(err, conversation.ErrConversationNotFound) {
			return mcpError(fmt.Sprintf("conversation %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get conversation: %v", err)), nil
		}
		return mcpJSON(c)
	}
}

func mcpResourceActive(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		var body any
		if c, ok := deps.Store.Active(); ok {
			body = c
		}
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal conversation: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
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
