package tools

import (
	"context"
	"errors"

	"github.com/NERVsystems/osmadiff/pkg/adiff"
	"github.com/NERVsystems/osmadiff/pkg/cache"
	"github.com/NERVsystems/osmadiff/pkg/core"
	"github.com/NERVsystems/osmadiff/pkg/osm"
)

// Guidance attached to errors that do not come from the API client.
const (
	GuidanceHistoryGap   = "The data source has no version of an element as of the requested changeset. The workspace history may be incomplete."
	GuidanceIncomplete   = "The data source returned fewer elements than requested. Try again later."
	GuidanceInvalidRef   = "Element references are an ID for the current version or <id>v<version>, e.g. 12v3, separated by commas."
	GuidanceCacheClosed  = "The cache is shutting down. Retry once the service has restarted."
	GuidanceTimeout      = "The request took too long. Large changesets may need several attempts while the cache fills."
	GuidanceCancellation = "The request was cancelled."
)

// ToolError converts err into a coded error for a tool result. Errors that
// already carry a code keep it.
func ToolError(err error) *core.Error {
	var coded *core.Error
	if errors.As(err, &coded) {
		return coded
	}

	switch {
	case errors.Is(err, adiff.ErrNotFoundAsOf):
		return core.NewError(core.ErrNotFound, err.Error()).
			WithGuidance(GuidanceHistoryGap).
			WithSuggestions("Check that the element history of the workspace was imported completely.")
	case errors.Is(err, adiff.ErrMissingElement):
		return core.NewError(core.ErrServiceUnavailable, err.Error()).WithGuidance(GuidanceIncomplete)
	case errors.Is(err, osm.ErrInvalidRef):
		return core.NewError(core.ErrInvalidInput, err.Error()).WithGuidance(GuidanceInvalidRef)
	case errors.Is(err, cache.ErrClosed):
		return core.NewError(core.ErrCacheError, err.Error()).WithGuidance(GuidanceCacheClosed)
	case errors.Is(err, context.DeadlineExceeded):
		return core.NewError(core.ErrServiceTimeout, err.Error()).WithGuidance(GuidanceTimeout)
	case errors.Is(err, context.Canceled):
		return core.NewError(core.ErrServiceUnavailable, err.Error()).WithGuidance(GuidanceCancellation)
	}
	return core.AsError(err)
}
