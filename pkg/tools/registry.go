// Package tools provides the MCP tools that expose workspace changesets and
// their augmented diffs.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/otel/codes"

	"github.com/NERVsystems/osmadiff/pkg/core"
	"github.com/NERVsystems/osmadiff/pkg/monitoring"
	"github.com/NERVsystems/osmadiff/pkg/tracing"
)

// Registry contains all tool definitions and handlers
type Registry struct {
	logger  *slog.Logger
	factory *core.ToolFactory
	service Service
}

// NewRegistry creates a new tool registry backed by service.
func NewRegistry(service Service, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:  logger,
		factory: core.NewToolFactory(),
		service: service,
	}
}

// ToolDefinition represents an MCP tool definition.
type ToolDefinition struct {
	Name        string
	Description string
	Tool        mcp.Tool
	Handler     server.ToolHandlerFunc
}

// GetToolDefinitions returns the list of all available tools.
func (r *Registry) GetToolDefinitions() []ToolDefinition {
	return []ToolDefinition{
		{
			Name:        "get_version",
			Description: "Get the version information for this service",
			Tool:        GetVersionTool(),
			Handler:     HandleGetVersion,
		},
		{
			Name:        "list_changesets",
			Description: "List the changesets of a workspace. Parameters: workspace (number), include_changes (boolean)",
			Tool:        r.ListChangesetsTool(),
			Handler:     r.HandleListChangesets,
		},
		{
			Name:        "get_changeset",
			Description: "Get changeset metadata. Parameters: workspace (number), changeset (number)",
			Tool:        r.GetChangesetTool(),
			Handler:     r.HandleGetChangeset,
		},
		{
			Name:        "get_change_data",
			Description: "Get the change bundle of a changeset. Parameters: workspace (number), changeset (number)",
			Tool:        r.GetChangeDataTool(),
			Handler:     r.HandleGetChangeData,
		},
		{
			Name:        "get_augmented_diff",
			Description: "Get the augmented diff of a changeset. Parameters: workspace (number), changeset (number)",
			Tool:        r.GetAugmentedDiffTool(),
			Handler:     r.HandleGetAugmentedDiff,
		},
		{
			Name:        "get_elements",
			Description: "Look up nodes or ways by reference. Parameters: workspace (number), type (node|way), refs (string)",
			Tool:        r.GetElementsTool(),
			Handler:     r.HandleGetElements,
		},
		{
			Name:        "prune_caches",
			Description: "Prune stale cache entries",
			Tool:        r.PruneCachesTool(),
			Handler:     r.HandlePruneCaches,
		},
	}
}

// RegisterTools registers all tools with the MCP server.
func (r *Registry) RegisterTools(mcpServer *server.MCPServer) {
	for _, def := range r.GetToolDefinitions() {
		r.logger.Info("registering tool", "name", def.Name)
		mcpServer.AddTool(def.Tool, r.wrapWithTracing(def.Name, def.Handler))
	}
}

// wrapWithTracing wraps a tool handler with a span and request metrics.
func (r *Registry) wrapWithTracing(toolName string, handler server.ToolHandlerFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ctx, span := tracing.StartSpan(ctx, fmt.Sprintf("mcp.tool.%s", toolName))
		defer span.End()

		startTime := time.Now()
		result, err := handler(ctx, req)
		duration := time.Since(startTime)

		// Tool errors are results, not Go errors.
		status := tracing.StatusSuccess
		switch {
		case err != nil:
			status = tracing.StatusError
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		case result != nil && result.IsError:
			status = tracing.StatusError
			span.SetStatus(codes.Error, "tool returned an error result")
		default:
			span.SetStatus(codes.Ok, "")
		}

		resultSize := 0
		if result != nil && result.Content != nil {
			if data, marshalErr := json.Marshal(result.Content); marshalErr == nil {
				resultSize = len(data)
			}
		}

		span.SetAttributes(tracing.MCPToolAttributes(toolName, status, duration.Milliseconds(), resultSize)...)
		monitoring.RecordMCPRequest(toolName, duration, status == tracing.StatusSuccess)

		r.logger.Debug("tool execution traced",
			"tool", toolName,
			"duration_ms", duration.Milliseconds(),
			"status", status,
			"result_size", resultSize,
		)

		return result, err
	}
}

// GetToolNames returns a list of all tool names.
func (r *Registry) GetToolNames() []string {
	defs := r.GetToolDefinitions()
	names := make([]string, len(defs))
	for i, def := range defs {
		names[i] = def.Name
	}
	return names
}
