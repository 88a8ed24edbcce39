package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/NERVsystems/osmadiff/pkg/core"
)

// ErrorResponse creates a tool error result carrying a plain message.
func ErrorResponse(message string) *mcp.CallToolResult {
	return mcp.NewToolResultError(message)
}

// InputParser is a generic function to parse request arguments into a strongly typed struct
func InputParser[T any](req mcp.CallToolRequest) (T, *mcp.CallToolResult, error) {
	var input T

	inputJSON, err := json.Marshal(req.Params.Arguments)
	if err != nil {
		return input, core.NewValidationError(core.ErrInvalidInput, fmt.Sprintf("invalid input format: %v", err)).ToMCPResult(), err
	}
	if string(inputJSON) == "null" {
		return input, nil, nil
	}

	if err := json.Unmarshal(inputJSON, &input); err != nil {
		return input, core.NewValidationError(core.ErrInvalidInput, fmt.Sprintf("failed to parse input: %v", err)).ToMCPResult(), err
	}

	return input, nil, nil
}

// WithParsedInput is a higher-order function that handles request parsing and error handling
func WithParsedInput[T any](
	logger *slog.Logger,
	handlerName string,
	handler func(ctx context.Context, input T, logger *slog.Logger) (interface{}, error),
) func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("tool", handlerName)

	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		input, errResult, err := InputParser[T](req)
		if err != nil {
			logger.Warn("failed to parse input", "error", err)
			return errResult, nil
		}

		result, err := handler(ctx, input, logger)
		if err != nil {
			logger.Error("handler error", "error", err)
			return ToolError(err).ToMCPResult(), nil
		}

		resultBytes, err := json.Marshal(result)
		if err != nil {
			logger.Error("failed to marshal result", "error", err)
			return ErrorResponse("Failed to generate result"), nil
		}

		return mcp.NewToolResultText(string(resultBytes)), nil
	}
}

// ChangesetInput addresses one changeset of a workspace.
type ChangesetInput struct {
	Workspace int64 `json:"workspace"`
	Changeset int64 `json:"changeset"`
}

// Validate checks both IDs.
func (in ChangesetInput) Validate() error {
	if err := validateWorkspace(in.Workspace); err != nil {
		return err
	}
	if in.Changeset <= 0 {
		return core.NewValidationError(core.ErrInvalidParameter,
			fmt.Sprintf("changeset must be a positive integer, got %d", in.Changeset))
	}
	return nil
}

func validateWorkspace(ws int64) error {
	if ws <= 0 {
		return core.NewValidationError(core.ErrInvalidParameter,
			fmt.Sprintf("workspace must be a positive integer, got %d", ws))
	}
	return nil
}
