package tools

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/NERVsystems/osmadiff/pkg/adiff"
	"github.com/NERVsystems/osmadiff/pkg/changesets"
	"github.com/NERVsystems/osmadiff/pkg/core"
	"github.com/NERVsystems/osmadiff/pkg/osm"
)

// Service is the changeset API the tools expose. *changesets.Manager
// implements it.
type Service interface {
	ListChangesets(ctx context.Context, ws osm.WorkspaceID) ([]*osm.Changeset, error)
	GetChangeset(ctx context.Context, ws osm.WorkspaceID, id int64) (*osm.Changeset, error)
	GetChangeData(ctx context.Context, ws osm.WorkspaceID, cs *osm.Changeset) (*osm.Change, error)
	GetAugmentedDiff(ctx context.Context, ws osm.WorkspaceID, cs *osm.Changeset) (*adiff.AugmentedDiff, error)
	GetAllChangeData(ctx context.Context, ws osm.WorkspaceID) ([]changesets.ChangesetData, error)
	GetElements(ctx context.Context, ws osm.WorkspaceID, t osm.ElementType, refs []osm.Ref) (osm.Elements, error)
	PruneCaches(ctx context.Context) changesets.PruneStats
}

var _ Service = (*changesets.Manager)(nil)

// ListChangesetsInput selects the workspace and whether change bundles are
// included.
type ListChangesetsInput struct {
	Workspace      int64 `json:"workspace"`
	IncludeChanges bool  `json:"include_changes"`
}

// ListChangesetsOutput is the list_changesets result.
type ListChangesetsOutput struct {
	Workspace  int64                      `json:"workspace"`
	Changesets []*osm.Changeset           `json:"changesets,omitempty"`
	Data       []changesets.ChangesetData `json:"data,omitempty"`
}

// ListChangesetsTool returns a tool definition for listing a workspace's changesets
func (r *Registry) ListChangesetsTool() mcp.Tool {
	return r.factory.CreateWorkspaceTool("list_changesets",
		"List the changesets of a workspace. With include_changes, each changeset is returned with its change bundle.",
		mcp.WithBoolean("include_changes",
			mcp.Description("Also fetch the change bundle of every changeset"),
			mcp.DefaultBool(false),
		),
	)
}

// HandleListChangesets lists changesets, optionally with their change bundles.
func (r *Registry) HandleListChangesets(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return WithParsedInput(r.logger, "list_changesets", func(ctx context.Context, input ListChangesetsInput, logger *slog.Logger) (interface{}, error) {
		if err := validateWorkspace(input.Workspace); err != nil {
			return nil, err
		}
		ws := osm.WorkspaceID(input.Workspace)
		out := ListChangesetsOutput{Workspace: input.Workspace}

		if input.IncludeChanges {
			data, err := r.service.GetAllChangeData(ctx, ws)
			if err != nil {
				return nil, err
			}
			out.Data = data
			logger.Debug("listed changesets with changes", "workspace", ws, "count", len(data))
			return out, nil
		}

		list, err := r.service.ListChangesets(ctx, ws)
		if err != nil {
			return nil, err
		}
		out.Changesets = list
		logger.Debug("listed changesets", "workspace", ws, "count", len(list))
		return out, nil
	})(ctx, req)
}

// GetChangesetTool returns a tool definition for changeset metadata
func (r *Registry) GetChangesetTool() mcp.Tool {
	return r.factory.CreateChangesetTool("get_changeset",
		"Get the metadata of one changeset: author, open state, bounds, tags and change count.")
}

// HandleGetChangeset returns changeset metadata.
func (r *Registry) HandleGetChangeset(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return WithParsedInput(r.logger, "get_changeset", func(ctx context.Context, input ChangesetInput, logger *slog.Logger) (interface{}, error) {
		if err := input.Validate(); err != nil {
			return nil, err
		}
		return r.service.GetChangeset(ctx, osm.WorkspaceID(input.Workspace), input.Changeset)
	})(ctx, req)
}

// GetChangeDataTool returns a tool definition for a changeset's change bundle
func (r *Registry) GetChangeDataTool() mcp.Tool {
	return r.factory.CreateChangesetTool("get_change_data",
		"Get the raw change bundle of a changeset: the created, modified and deleted elements.")
}

// HandleGetChangeData returns the changeset together with its change bundle.
func (r *Registry) HandleGetChangeData(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return WithParsedInput(r.logger, "get_change_data", func(ctx context.Context, input ChangesetInput, logger *slog.Logger) (interface{}, error) {
		if err := input.Validate(); err != nil {
			return nil, err
		}
		ws := osm.WorkspaceID(input.Workspace)

		cs, err := r.service.GetChangeset(ctx, ws, input.Changeset)
		if err != nil {
			return nil, err
		}
		change, err := r.service.GetChangeData(ctx, ws, cs)
		if err != nil {
			return nil, err
		}
		return changesets.ChangesetData{Changeset: cs, Change: change}, nil
	})(ctx, req)
}

// AugmentedDiffOutput is the get_augmented_diff result.
type AugmentedDiffOutput struct {
	Changeset *osm.Changeset       `json:"changeset"`
	Diff      *adiff.AugmentedDiff `json:"diff"`
}

// GetAugmentedDiffTool returns a tool definition for augmented diffs
func (r *Registry) GetAugmentedDiffTool() mcp.Tool {
	return r.factory.CreateChangesetTool("get_augmented_diff",
		"Get the augmented diff of a changeset: every touched element with its old and new version, including ways whose geometry changed because one of their nodes moved.")
}

// HandleGetAugmentedDiff builds or loads the augmented diff of a changeset.
func (r *Registry) HandleGetAugmentedDiff(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return WithParsedInput(r.logger, "get_augmented_diff", func(ctx context.Context, input ChangesetInput, logger *slog.Logger) (interface{}, error) {
		if err := input.Validate(); err != nil {
			return nil, err
		}
		ws := osm.WorkspaceID(input.Workspace)

		cs, err := r.service.GetChangeset(ctx, ws, input.Changeset)
		if err != nil {
			return nil, err
		}
		diff, err := r.service.GetAugmentedDiff(ctx, ws, cs)
		if err != nil {
			return nil, err
		}
		logger.Debug("augmented diff ready", "workspace", ws, "changeset", cs.ID, "actions", len(diff.Actions))
		return AugmentedDiffOutput{Changeset: cs, Diff: diff}, nil
	})(ctx, req)
}

// GetElementsInput selects elements by version token.
type GetElementsInput struct {
	Workspace int64  `json:"workspace"`
	Type      string `json:"type"`
	Refs      string `json:"refs"`
}

// GetElementsOutput is the get_elements result.
type GetElementsOutput struct {
	Workspace int64        `json:"workspace"`
	Type      string       `json:"type"`
	Elements  osm.Elements `json:"elements"`
}

// GetElementsTool returns a tool definition for batch element lookups
func (r *Registry) GetElementsTool() mcp.Tool {
	return r.factory.CreateWorkspaceTool("get_elements",
		"Look up nodes or ways of a workspace by reference. A reference is an element ID for the current version or <id>v<version> for one historical version.",
		mcp.WithString("type",
			mcp.Required(),
			mcp.Description("Element type"),
			mcp.Enum(string(osm.TypeNode), string(osm.TypeWay)),
		),
		mcp.WithString("refs",
			mcp.Required(),
			mcp.Description("Comma separated references, e.g. 12,15v3"),
		),
	)
}

// HandleGetElements parses the references and fetches them in one batch.
func (r *Registry) HandleGetElements(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return WithParsedInput(r.logger, "get_elements", func(ctx context.Context, input GetElementsInput, logger *slog.Logger) (interface{}, error) {
		if err := validateWorkspace(input.Workspace); err != nil {
			return nil, err
		}
		t := osm.ElementType(input.Type)
		if t != osm.TypeNode && t != osm.TypeWay {
			return nil, core.NewValidationError(core.ErrInvalidParameter,
				fmt.Sprintf("type must be node or way, got %q", input.Type))
		}
		refs, err := osm.ParseRefs(input.Refs)
		if err != nil {
			return nil, err
		}

		elements, err := r.service.GetElements(ctx, osm.WorkspaceID(input.Workspace), t, refs)
		if err != nil {
			return nil, err
		}
		logger.Debug("elements fetched", "workspace", input.Workspace, "type", t, "requested", len(refs), "found", len(elements))
		return GetElementsOutput{Workspace: input.Workspace, Type: input.Type, Elements: elements}, nil
	})(ctx, req)
}

// PruneCachesTool returns a tool definition for an on-demand cache prune
func (r *Registry) PruneCachesTool() mcp.Tool {
	return r.factory.CreateBasicTool("prune_caches",
		"Remove cached change bundles and diffs that have not been accessed within their TTL.")
}

// HandlePruneCaches prunes both caches and reports how many entries went.
func (r *Registry) HandlePruneCaches(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return WithParsedInput(r.logger, "prune_caches", func(ctx context.Context, _ struct{}, logger *slog.Logger) (interface{}, error) {
		return r.service.PruneCaches(ctx), nil
	})(ctx, req)
}
