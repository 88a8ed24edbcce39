package core

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// ToolFactory provides a simplified way to create new tool definitions
// with standardized parameters
type ToolFactory struct{}

// NewToolFactory creates a new tool factory
func NewToolFactory() *ToolFactory {
	return &ToolFactory{}
}

// CreateBasicTool creates a new tool with the specified name and description
func (f *ToolFactory) CreateBasicTool(name, description string) mcp.Tool {
	return mcp.NewTool(name, mcp.WithDescription(description))
}

// CreateWorkspaceTool creates a tool scoped to one workspace. Extra options
// add tool specific parameters.
func (f *ToolFactory) CreateWorkspaceTool(name, description string, extra ...mcp.ToolOption) mcp.Tool {
	opts := []mcp.ToolOption{mcp.WithDescription(description), workspaceParam()}
	return mcp.NewTool(name, append(opts, extra...)...)
}

// CreateChangesetTool creates a tool addressing one changeset of a workspace.
func (f *ToolFactory) CreateChangesetTool(name, description string) mcp.Tool {
	return mcp.NewTool(name,
		mcp.WithDescription(description),
		workspaceParam(),
		mcp.WithNumber("changeset",
			mcp.Required(),
			mcp.Description("The changeset ID"),
			mcp.Min(1),
		),
	)
}

func workspaceParam() mcp.ToolOption {
	return mcp.WithNumber("workspace",
		mcp.Required(),
		mcp.Description("The workspace ID"),
		mcp.Min(1),
	)
}
