package kube

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"k8s.io/client-go/rest"

	"github.com/vesselops/vessel-agent/pkg/observability"
)

const (
	// DefaultBaseURL is the in-cluster API server address
	DefaultBaseURL = "https://kubernetes.default.svc"

	// NodesPath lists every node in the cluster
	NodesPath = "/api/v1/nodes"

	// ApplyingAgentHeader names the agent authoring a change
	ApplyingAgentHeader = "X-Applying-Agent"

	ContentTypeJSON       = "application/json"
	ContentTypeApplyPatch = "application/apply-patch+yaml"

	// DefaultMaxResponseBytes caps the body kept from one response. The body
	// is carried verbatim in a completion frame.
	DefaultMaxResponseBytes = 8 << 20

	defaultRequestTimeout = 30 * time.Second
)

// ErrResponseTooLarge is returned when a response body exceeds the client's cap
var ErrResponseTooLarge = errors.New("response body too large")

// ClientConfig contains configuration for the cluster API client
type ClientConfig struct {
	// Rest carries the API server address, bearer token and CA
	Rest      *rest.Config
	AgentName string
	Timeout   time.Duration

	// MaxResponseBytes defaults to DefaultMaxResponseBytes
	MaxResponseBytes int64
	Logger           *zap.Logger
}

// Client issues authenticated requests against the cluster API
type Client struct {
	baseURL   string
	agentName string
	maxBody   int64
	http      *http.Client
	logger    *zap.Logger
}

// Response is the final status and body of a cluster API call
type Response struct {
	StatusCode int
	Status     string
	Body       []byte
}

// OK reports whether the status is in the 2xx range
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode <= 299
}

// Value is the reported result: the body as raw JSON when it parses, the body
// as text otherwise, and the status line when the body is empty
func (r *Response) Value() any {
	body := bytes.TrimSpace(r.Body)
	if len(body) == 0 {
		return r.Status
	}
	if json.Valid(body) {
		return json.RawMessage(body)
	}
	return string(body)
}

// NewClient creates a new cluster API client
func NewClient(config ClientConfig) (*Client, error) {
	if config.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if config.Rest == nil {
		return nil, fmt.Errorf("cluster API config is required")
	}
	if config.AgentName == "" {
		return nil, fmt.Errorf("agent name is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultRequestTimeout
	}
	if config.MaxResponseBytes <= 0 {
		config.MaxResponseBytes = DefaultMaxResponseBytes
	}

	restConfig := rest.CopyConfig(config.Rest)
	if restConfig.Host == "" {
		restConfig.Host = DefaultBaseURL
	}
	if !strings.Contains(restConfig.Host, "://") {
		restConfig.Host = "https://" + restConfig.Host
	}
	if _, err := url.Parse(restConfig.Host); err != nil {
		return nil, fmt.Errorf("invalid cluster API URL: %w", err)
	}
	if restConfig.Timeout <= 0 {
		restConfig.Timeout = config.Timeout
	}
	if restConfig.UserAgent == "" {
		restConfig.UserAgent = config.AgentName
	}

	// the client from rest injects the bearer token, rereading the token file
	// as it rotates, and trusts the configured CA
	httpClient, err := rest.HTTPClientFor(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create cluster HTTP client: %w", err)
	}

	return &Client{
		baseURL:   strings.TrimRight(restConfig.Host, "/"),
		agentName: config.AgentName,
		maxBody:   config.MaxResponseBytes,
		http:      httpClient,
		logger:    config.Logger,
	}, nil
}

// GetNodes lists the cluster's nodes
func (c *Client) GetNodes(ctx context.Context) (*Response, error) {
	return c.do(ctx, http.MethodGet, NodesPath, nil, "")
}

// Create POSTs a manifest to its collection
func (c *Client) Create(ctx context.Context, d *ResourceDescriptor) (*Response, error) {
	return c.do(ctx, http.MethodPost, d.CollectionPath(), d.Body, ContentTypeJSON)
}

// Patch sends a server-side apply patch to the resource owned by this agent
func (c *Client) Patch(ctx context.Context, d *ResourceDescriptor) (*Response, error) {
	path := d.ItemPath() + "?fieldManager=" + url.QueryEscape(c.agentName)
	return c.do(ctx, http.MethodPatch, path, d.Body, ContentTypeApplyPatch)
}

// Apply creates the resource and, when it already exists (409), patches it
// instead. Any other create status is final.
func (c *Client) Apply(ctx context.Context, d *ResourceDescriptor) (*Response, error) {
	resp, err := c.Create(ctx, d)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusConflict {
		return resp, nil
	}

	c.logger.Debug("Resource exists, patching",
		zap.String("resource", d.String()),
	)
	observability.AddSpanEvent(ctx, "conflict")
	return c.Patch(ctx, d)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, contentType string) (resp *Response, err error) {
	ctx, span := observability.StartSpan(ctx, observability.TracerName, "kube "+method)
	defer func() { observability.EndSpan(span, err) }()
	span.SetAttributes(
		attribute.String("http.method", method),
		attribute.String("kube.path", path),
	)

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", ContentTypeJSON)
	req.Header.Set(ApplyingAgentHeader, c.agentName)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	httpResp, err := c.http.Do(req)
	observability.KubeRequestDurationSeconds.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if err != nil {
		observability.KubeRequestsTotal.WithLabelValues(method, "error").Inc()
		return nil, fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, c.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(data)) > c.maxBody {
		observability.KubeRequestsTotal.WithLabelValues(method, "error").Inc()
		return nil, fmt.Errorf("%s %s: %w (limit %d bytes)", method, path, ErrResponseTooLarge, c.maxBody)
	}

	observability.KubeRequestsTotal.WithLabelValues(method, strconv.Itoa(httpResp.StatusCode)).Inc()
	span.SetAttributes(attribute.Int("http.status_code", httpResp.StatusCode))

	c.logger.Debug("Cluster API call",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", httpResp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)

	return &Response{
		StatusCode: httpResp.StatusCode,
		Status:     httpResp.Status,
		Body:       data,
	}, nil
}
