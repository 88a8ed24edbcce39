package osm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/NERVsystems/osmadiff/pkg/core"
	"github.com/NERVsystems/osmadiff/pkg/tracing"
)

const (
	// DefaultUserAgent is the default User-Agent string
	DefaultUserAgent = "osmadiff/0.1.0"

	// WorkspaceHeader selects the workspace a request operates on.
	WorkspaceHeader = "X-Workspace"

	// versionCacheType labels the historical version cache in metrics.
	versionCacheType = "element_versions"
)

// ClientOptions configures a Client.
type ClientOptions struct {
	BaseURL   string
	Token     string
	UserAgent string

	// RequestsPerSecond and Burst bound outgoing requests. A zero rate
	// disables limiting.
	RequestsPerSecond float64
	Burst             int

	// VersionCacheSize bounds the LRU of exact element versions. Versions
	// never change once written, so entries need no expiry.
	VersionCacheSize int

	HTTPClient *http.Client
	Retry      core.RetryOptions
	Hooks      *MonitoringHooks
	Logger     *slog.Logger
}

// DefaultClientOptions returns options suitable for a local workspace server.
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		BaseURL:           "http://localhost:3000/api/0.6",
		UserAgent:         DefaultUserAgent,
		RequestsPerSecond: 20,
		Burst:             20,
		VersionCacheSize:  50000,
		Retry:             core.DefaultRetryOptions,
	}
}

// Client talks to an OSM API 0.6 compatible server that scopes every request
// to a workspace through the X-Workspace header.
type Client struct {
	baseURL   *url.URL
	token     string
	userAgent string
	http      *http.Client
	retry     core.RetryOptions
	hooks     *MonitoringHooks
	versions  *lru.Cache[string, Element]
	logger    *slog.Logger
}

// NewClient creates a workspace API client.
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("osm client: base URL is required")
	}
	base, err := url.Parse(strings.TrimSuffix(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("osm client: invalid base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("osm client: unsupported URL scheme %q", base.Scheme)
	}

	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.VersionCacheSize <= 0 {
		opts.VersionCacheSize = DefaultClientOptions().VersionCacheSize
	}

	versions, err := lru.New[string, Element](opts.VersionCacheSize)
	if err != nil {
		return nil, fmt.Errorf("osm client: version cache: %w", err)
	}

	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	hc := core.DefaultClient
	if opts.HTTPClient != nil {
		hc = opts.HTTPClient
	}
	wrapped := *hc
	rt := wrapped.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	wrapped.Transport = &monitoredTransport{
		base:    rt,
		limiter: limiter,
		hooks:   opts.Hooks,
		service: tracing.ServiceOSMAPI,
	}

	return &Client{
		baseURL:   base,
		token:     opts.Token,
		userAgent: opts.UserAgent,
		http:      &wrapped,
		retry:     opts.Retry,
		hooks:     opts.Hooks,
		versions:  versions,
		logger:    opts.Logger.With("component", "osm_client"),
	}, nil
}

// request is one API call description.
type request struct {
	operation string
	path      string
	rawQuery  string
	accept    string
	workspace WorkspaceID
}

func (c *Client) do(ctx context.Context, r request) (*http.Response, error) {
	u := c.baseURL.JoinPath(r.path)
	u.RawQuery = r.rawQuery

	ctx = context.WithValue(ctx, operationKey{}, r.operation)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, core.NewError(core.ErrInternalError, fmt.Sprintf("failed to create request: %v", err))
	}

	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", r.accept)
	if r.workspace != 0 {
		req.Header.Set(WorkspaceHeader, strconv.FormatInt(int64(r.workspace), 10))
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	return core.WithRetry(ctx, req, c.http, c.retry)
}

// getJSON performs a request inside an operation span and decodes the body.
func (c *Client) getJSON(ctx context.Context, r request, v any) error {
	r.accept = "application/json"

	ctx, span := tracing.StartSpan(ctx, "osm."+r.operation,
		trace.WithAttributes(
			attribute.String(tracing.AttrServiceName, tracing.ServiceOSMAPI),
			attribute.String(tracing.AttrServiceOperation, r.operation),
			attribute.Int64(tracing.AttrWorkspace, int64(r.workspace)),
		),
	)
	defer span.End()

	start := time.Now()
	resp, err := c.do(ctx, r)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		c.logger.Debug("request failed", "operation", r.operation, "path", r.path, "error", err)
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode failed")
		return core.NewError(core.ErrParseError, fmt.Sprintf("failed to decode %s response: %v", r.operation, err))
	}

	c.logger.Debug("request complete",
		"operation", r.operation,
		"workspace", r.workspace,
		"duration", time.Since(start),
	)
	span.SetStatus(codes.Ok, "")
	return nil
}

type elementsResponse struct {
	Elements Elements `json:"elements"`
}

// ListChangesets returns the workspace's changesets as ordered by the server.
func (c *Client) ListChangesets(ctx context.Context, ws WorkspaceID) ([]*Changeset, error) {
	var out struct {
		Changesets []*Changeset `json:"changesets"`
	}
	err := c.getJSON(ctx, request{
		operation: "list_changesets",
		path:      "changesets.json",
		workspace: ws,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Changesets, nil
}

// GetChangeset returns one changeset descriptor.
func (c *Client) GetChangeset(ctx context.Context, ws WorkspaceID, id int64) (*Changeset, error) {
	var out struct {
		Changeset *Changeset `json:"changeset"`
	}
	err := c.getJSON(ctx, request{
		operation: "get_changeset",
		path:      fmt.Sprintf("changeset/%d.json", id),
		workspace: ws,
	}, &out)
	if err != nil {
		return nil, err
	}
	if out.Changeset == nil {
		return nil, core.NewError(core.ErrNotFound, fmt.Sprintf("changeset %d not found", id))
	}
	return out.Changeset, nil
}

// GetChange downloads and parses the osmChange document of a changeset.
func (c *Client) GetChange(ctx context.Context, ws WorkspaceID, id int64) (*Change, error) {
	ctx, span := tracing.StartSpan(ctx, "osm.get_change",
		trace.WithAttributes(
			attribute.String(tracing.AttrServiceName, tracing.ServiceOSMAPI),
			attribute.Int64(tracing.AttrWorkspace, int64(ws)),
			attribute.Int64(tracing.AttrChangeset, id),
		),
	)
	defer span.End()

	resp, err := c.do(ctx, request{
		operation: "get_change",
		path:      fmt.Sprintf("changeset/%d/download", id),
		accept:    "application/xml",
		workspace: ws,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return nil, err
	}
	defer resp.Body.Close()

	change, err := ParseChange(resp.Body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "parse failed")
		return nil, core.NewError(core.ErrParseError, fmt.Sprintf("changeset %d: %v", id, err))
	}
	span.SetAttributes(attribute.Int(tracing.AttrChangeCount, change.Len()))
	return change, nil
}

func versionKey(ws WorkspaceID, t ElementType, id int64, version int) string {
	return fmt.Sprintf("%d/%s/%d/%d", ws, t, id, version)
}

// GetElement returns one exact historical version of an element. Missing
// tags are returned as an empty map.
func (c *Client) GetElement(ctx context.Context, ws WorkspaceID, t ElementType, id int64, version int) (Element, error) {
	if !t.Valid() {
		return nil, core.NewValidationError(core.ErrInvalidParameter, fmt.Sprintf("unknown element type %q", t))
	}
	if version < 1 {
		return nil, core.NewValidationError(core.ErrInvalidParameter, fmt.Sprintf("invalid version %d for %s %d", version, t, id))
	}

	key := versionKey(ws, t, id, version)
	if e, ok := c.versions.Get(key); ok {
		c.hooks.cacheLookup(versionCacheType, true)
		return e, nil
	}
	c.hooks.cacheLookup(versionCacheType, false)

	var out elementsResponse
	err := c.getJSON(ctx, request{
		operation: "get_element",
		path:      fmt.Sprintf("%s/%d/%d.json", t, id, version),
		workspace: ws,
	}, &out)
	if err != nil {
		return nil, err
	}
	if len(out.Elements) == 0 {
		return nil, core.NewError(core.ErrNotFound, fmt.Sprintf("%s %d version %d not found", t, id, version))
	}

	e := out.Elements[0]
	c.versions.Add(key, e)
	return e, nil
}

// batch resolves versioned refs from the version cache and fetches the rest
// in one request. Results are not ordered like refs.
func (c *Client) batch(ctx context.Context, ws WorkspaceID, t ElementType, refs []Ref) (Elements, error) {
	var out Elements
	missing := make([]Ref, 0, len(refs))
	for _, r := range refs {
		if !r.IsCurrent() {
			if e, ok := c.versions.Get(versionKey(ws, t, r.ID, r.Version)); ok {
				c.hooks.cacheLookup(versionCacheType, true)
				out = append(out, e)
				continue
			}
			c.hooks.cacheLookup(versionCacheType, false)
		}
		missing = append(missing, r)
	}
	if len(missing) == 0 {
		return out, nil
	}

	plural := string(t) + "s"
	var resp elementsResponse
	err := c.getJSON(ctx, request{
		operation: "get_" + plural,
		path:      plural + ".json",
		rawQuery:  plural + "=" + JoinRefs(missing),
		workspace: ws,
	}, &resp)
	if err != nil {
		return nil, err
	}

	for _, e := range resp.Elements {
		m := e.Base()
		c.versions.Add(versionKey(ws, e.Type(), m.ID, m.Version), e)
	}
	return append(out, resp.Elements...), nil
}

// GetNodes fetches nodes by ref. Bare refs return the current version;
// versioned refs return that exact version.
func (c *Client) GetNodes(ctx context.Context, ws WorkspaceID, refs []Ref) ([]*Node, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	elements, err := c.batch(ctx, ws, TypeNode, refs)
	if err != nil {
		return nil, err
	}

	nodes := make([]*Node, 0, len(elements))
	for _, e := range elements {
		n, ok := e.(*Node)
		if !ok {
			return nil, core.NewError(core.ErrParseError, fmt.Sprintf("expected node, got %s %d", e.Type(), e.Base().ID))
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// GetWays fetches ways by ref, with the same ref rules as GetNodes.
func (c *Client) GetWays(ctx context.Context, ws WorkspaceID, refs []Ref) ([]*Way, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	elements, err := c.batch(ctx, ws, TypeWay, refs)
	if err != nil {
		return nil, err
	}
	return waysOf(elements)
}

// GetWaysForNode returns the current ways that reference a node.
func (c *Client) GetWaysForNode(ctx context.Context, ws WorkspaceID, nodeID int64) ([]*Way, error) {
	var out elementsResponse
	err := c.getJSON(ctx, request{
		operation: "get_ways_for_node",
		path:      fmt.Sprintf("node/%d/ways.json", nodeID),
		workspace: ws,
	}, &out)
	if err != nil {
		return nil, err
	}
	return waysOf(out.Elements)
}

func waysOf(elements Elements) ([]*Way, error) {
	ways := make([]*Way, 0, len(elements))
	for _, e := range elements {
		w, ok := e.(*Way)
		if !ok {
			return nil, core.NewError(core.ErrParseError, fmt.Sprintf("expected way, got %s %d", e.Type(), e.Base().ID))
		}
		ways = append(ways, w)
	}
	return ways, nil
}

// CheckHealth verifies that the API server answers its capabilities endpoint.
func (c *Client) CheckHealth(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var out map[string]any
	if err := c.getJSON(ctx, request{operation: "capabilities", path: "capabilities.json"}, &out); err != nil {
		return fmt.Errorf("osm api health check failed: %w", err)
	}
	return nil
}
