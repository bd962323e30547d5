package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cuemby/topofabric/pkg/api"
	"github.com/cuemby/topofabric/pkg/manager"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Error is a request the API answered with a non-2xx status
type Error struct {
	StatusCode int
	Reason     string
	Message    string
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s (%s, HTTP %d)", e.Message, e.Reason, e.StatusCode)
	}
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.StatusCode)
}

// IsReason reports whether err is an API error with the given reason code
func IsReason(err error, reason string) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Reason == reason
}

// Client talks to the HTTP API of a topofabric node
type Client struct {
	base *url.URL
	http *http.Client
}

// NewClient creates a client for the node at addr ("host:port" or a URL)
func NewClient(addr string) (*Client, error) {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	base, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	return &Client{
		base: base,
		http: &http.Client{Timeout: 5 * time.Minute},
	}, nil
}

// ApplyCommands submits a batch. On rejection the response is returned along
// with the error so callers can report how many commands were applied.
func (c *Client) ApplyCommands(ctx context.Context, cmds []manager.Command) (*api.CommandsResponse, error) {
	var resp api.CommandsResponse
	err := c.do(ctx, http.MethodPost, "/v1/commands", nil, api.CommandsRequest{Commands: cmds}, &resp)
	var apiErr *Error
	if errors.As(err, &apiErr) && resp.Failed != "" {
		return &resp, err
	}
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Topology returns the derived topology of the node's store
func (c *Client) Topology(ctx context.Context) (*api.TopologyView, error) {
	var view api.TopologyView
	if err := c.do(ctx, http.MethodGet, "/v1/topology", nil, nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// Binding returns the fabric placement of a port
func (c *Client) Binding(ctx context.Context, portID string) (*api.BindingView, error) {
	var view api.BindingView
	if err := c.do(ctx, http.MethodGet, "/v1/bindings/"+url.PathEscape(portID), nil, nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// Reconcile runs a reconciliation pass and returns its report
func (c *Client) Reconcile(ctx context.Context, repair bool) (*api.ReportView, error) {
	q := url.Values{}
	if repair {
		q.Set("repair", "true")
	}
	var report api.ReportView
	if err := c.do(ctx, http.MethodPost, "/v1/reconcile", q, nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// LastReport returns the report of the node's most recent pass
func (c *Client) LastReport(ctx context.Context) (*api.ReportView, error) {
	var report api.ReportView
	if err := c.do(ctx, http.MethodGet, "/v1/reconcile", nil, nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// Ready returns the node's readiness checks. A node that is not ready answers
// 503 with the same body, so the response is returned without an error.
func (c *Client) Ready(ctx context.Context) (*api.ReadyResponse, error) {
	var ready api.ReadyResponse
	err := c.do(ctx, http.MethodGet, "/ready", nil, nil, &ready)
	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusServiceUnavailable && ready.Status != "" {
		return &ready, nil
	}
	if err != nil {
		return nil, err
	}
	return &ready, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = query.Encode()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", c.base.Host, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &Error{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var e struct {
			Error  string `json:"error"`
			Reason string `json:"reason"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			apiErr.Message, apiErr.Reason = e.Error, e.Reason
		}
		// Some endpoints carry a full body on failure
		if out != nil {
			_ = json.Unmarshal(data, out)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// CheckHealth queries the gRPC health service of the node at addr. An empty
// service asks for the process; api.EngineService asks for leadership.
func CheckHealth(ctx context.Context, addr, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}
