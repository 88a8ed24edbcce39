package tracing

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for osmadiff operations
const (
	// MCP tool attributes
	AttrMCPToolName     = "mcp.tool.name"
	AttrMCPToolStatus   = "mcp.tool.status"
	AttrMCPToolDuration = "mcp.tool.duration_ms"
	AttrMCPResultSize   = "mcp.tool.result_size"

	// External service attributes
	AttrServiceName      = "osm.service.name"
	AttrServiceOperation = "osm.service.operation"
	AttrServiceURL       = "osm.service.url"
	AttrServiceStatus    = "osm.service.status"

	// Workspace and changeset attributes
	AttrWorkspace   = "osm.workspace.id"
	AttrChangeset   = "osm.changeset.id"
	AttrChangeCount = "osm.change.elements"

	// Diff build attributes
	AttrDiffActions     = "adiff.actions"
	AttrDiffSynthesized = "adiff.actions.synthesized"
	AttrDiffRounds      = "adiff.resolve.rounds"

	// Cache attributes
	AttrCacheType = "osm.cache.type"
	AttrCacheHit  = "osm.cache.hit"
	AttrCacheKey  = "osm.cache.key"

	// Rate limiting attributes
	AttrRateLimitService = "osm.ratelimit.service"
	AttrRateLimitWaitMs  = "osm.ratelimit.wait_ms"

	// HTTP attributes
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"

	// Error attributes
	AttrErrorType    = "error.type"
	AttrErrorMessage = "error.message"
)

// Status values
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Service names
const (
	ServiceOSMAPI = "osm_api"
	ServiceCache  = "cache"
)

// Cache types
const (
	CacheTypeChanges = "changes"
	CacheTypeDiffs   = "diffs"
)

// MCPToolAttributes returns attributes for MCP tool execution
func MCPToolAttributes(toolName string, status string, durationMs int64, resultSize int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrMCPToolName, toolName),
		attribute.String(AttrMCPToolStatus, status),
		attribute.Int64(AttrMCPToolDuration, durationMs),
		attribute.Int(AttrMCPResultSize, resultSize),
	}
}

// ChangesetAttributes identifies a changeset within a workspace
func ChangesetAttributes(workspace, changeset int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int64(AttrWorkspace, workspace),
		attribute.Int64(AttrChangeset, changeset),
	}
}

// CacheAttributes returns attributes for cache operations
func CacheAttributes(cacheType string, hit bool, key string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrCacheType, cacheType),
		attribute.Bool(AttrCacheHit, hit),
		attribute.String(AttrCacheKey, key),
	}
}

// ErrorAttributes returns attributes for errors
func ErrorAttributes(err error) []attribute.KeyValue {
	if err == nil {
		return nil
	}
	return []attribute.KeyValue{
		attribute.String(AttrErrorType, "error"),
		attribute.String(AttrErrorMessage, err.Error()),
	}
}
