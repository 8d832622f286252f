package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/epubfeed/internal/ingest"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Submitter Submitter
	Feed      FeedReader
	Requests  RequestReader
	PublicURL string
	Version   string
}

// NewMCPServer creates an MCP server exposing submission and the feed to
// agents.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	if deps.Version == "" {
		deps.Version = "dev"
	}
	s := server.NewMCPServer(
		"epubfeed",
		deps.Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("epubfeed converts web pages and PDFs into EPUB e-books and publishes them in an RSS feed."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("submit_url",
			mcp.WithDescription("Convert a web page or PDF into an EPUB and add it to the feed."),
			mcp.WithString("url", mcp.Description("http(s) URL of the page or PDF"), mcp.Required()),
			mcp.WithString("title", mcp.Description("Optional title; inferred from the source when empty")),
		),
		mcpSubmitURL(deps),
	)

	s.AddTool(
		mcp.NewTool("list_documents",
			mcp.WithDescription("List recent submissions, newest first."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 20)")),
		),
		mcpListDocuments(deps),
	)

	s.AddTool(
		mcp.NewTool("get_document",
			mcp.WithDescription("Show a single submission by id."),
			mcp.WithString("id", mcp.Description("Request id"), mcp.Required()),
		),
		mcpGetDocument(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"feed://rss",
			"RSS Feed",
			mcp.WithResourceDescription("The published RSS 2.0 feed"),
			mcp.WithMIMEType("application/rss+xml"),
		),
		mcpResourceFeed(deps.Feed.Read, "application/rss+xml"),
	)

	s.AddResource(
		mcp.NewResource(
			"feed://atom",
			"Atom Feed",
			mcp.WithResourceDescription("The feed rendered as Atom 1.0"),
			mcp.WithMIMEType("application/atom+xml"),
		),
		mcpResourceFeed(deps.Feed.Atom, "application/atom+xml"),
	)

	return s
}

func mcpSubmitURL(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		source, err := req.RequireString("url")
		if err != nil {
			return mcpError("url is required"), nil
		}
		title := req.GetString("title", "")

		res, err := deps.Submitter.Submit(context.WithoutCancel(ctx), ingest.SubmitRequest{URL: source, Title: title})
		if err != nil {
			if res.ID != "" {
				return mcpError(fmt.Sprintf("%s error (request %s): %v", ingest.KindOf(err), res.ID, err)), nil
			}
			return mcpError(fmt.Sprintf("%s error: %v", ingest.KindOf(err), err)), nil
		}

		b, err := json.Marshal(res)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListDocuments(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 200 {
			limit = 200
		}

		recs, err := deps.Requests.ListRequests(limit, 0)
		if err != nil {
			return mcpError(fmt.Sprintf("list failed: %v", err)), nil
		}
		views := make([]RequestView, len(recs))
		for i, rec := range recs {
			views[i] = newRequestView(rec, deps.PublicURL)
		}
		b, err := json.Marshal(views)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGetDocument(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		rec, err := deps.Requests.GetRequest(id)
		if err != nil {
			return mcpError(fmt.Sprintf("request %s: %v", id, err)), nil
		}
		b, err := json.Marshal(newRequestView(rec, deps.PublicURL))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceFeed(read func() ([]byte, error), mimeType string) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		data, err := read()
		if err != nil {
			return nil, fmt.Errorf("failed to read feed: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: mimeType,
				Text:     string(data),
			},
		}, nil
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
