package entitlements

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/qualloop/selfserve/internal/selfserve/plans"
)

// apiKeyHeader authenticates service-to-service calls.
const apiKeyHeader = "X-Internal-API-Key"

// Cycle describes a tenant's usage reset cadence.
type Cycle struct {
	Period plans.CyclePeriod
	Anchor time.Time
}

// UsageSnapshot is the tenant's current usage and limits per allowance.
type UsageSnapshot struct {
	Usage  map[plans.Allowance]int64
	Limits map[plans.Allowance]int64
}

// Client is the entitlement service surface the applier needs.
type Client interface {
	SetAccess(ctx context.Context, tenantID string, authorized bool) error
	SetLimits(ctx context.Context, tenantID string, resets map[plans.Allowance]plans.ResetPolicy) error
	SetUsageCycle(ctx context.Context, tenantID string, cycle Cycle) error
	AdjustUsage(ctx context.Context, tenantID string, deltas map[plans.Allowance]int64) error
	GetUsage(ctx context.Context, tenantID string) (*UsageSnapshot, error)
}

// HTTPClient talks to the internal entitlement API.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPClient creates an entitlement client.
func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// The limit endpoint names fields differently from the usage endpoints:
// limits are keyed projectLimit, usage adjustments projectUsage.
var limitFieldNames = map[plans.Allowance]string{
	plans.AllowanceProject:       "projectLimit",
	plans.AllowanceChatMessage:   "chatMessageLimit",
	plans.AllowanceGridQuestion:  "gridQuestionLimit",
	plans.AllowanceTranscription: "transcriptionLimit",
	plans.AllowanceTranslation:   "translationLimit",
	plans.AllowanceOpenEndLabel:  "openEndLabelLimit",
}

type setAccessRequest struct {
	Authorized bool `json:"authorized"`
}

type setCycleRequest struct {
	Period string `json:"period"`
	Anchor string `json:"anchor"`
}

type usageAdjustment struct {
	Delta     int64  `json:"delta"`
	Direction string `json:"direction"`
}

type usageResponse struct {
	Usage  map[string]int64 `json:"usage"`
	Limits map[string]int64 `json:"limits"`
}

type apiErrorResponse struct {
	Error string `json:"error"`
}

// SetAccess flips the tenant's access flag.
func (c *HTTPClient) SetAccess(ctx context.Context, tenantID string, authorized bool) error {
	return c.doJSON(ctx, http.MethodPut, c.tenantPath(tenantID, "access"), setAccessRequest{Authorized: authorized}, nil)
}

// SetLimits applies reset policies to the tenant's allowance limits.
func (c *HTTPClient) SetLimits(ctx context.Context, tenantID string, resets map[plans.Allowance]plans.ResetPolicy) error {
	payload := make(map[string]any, len(resets))
	for allowance, policy := range resets {
		field, ok := limitFieldNames[allowance]
		if !ok {
			return fmt.Errorf("no limit field for allowance %q", allowance)
		}
		payload[field] = map[string]int64{"reset": policy.Wire()}
	}
	return c.doJSON(ctx, http.MethodPut, c.tenantPath(tenantID, "limits"), payload, nil)
}

// SetUsageCycle sets the tenant's usage reset cadence and anchor.
func (c *HTTPClient) SetUsageCycle(ctx context.Context, tenantID string, cycle Cycle) error {
	payload := setCycleRequest{
		Period: string(cycle.Period),
		Anchor: cycle.Anchor.UTC().Format(time.RFC3339),
	}
	return c.doJSON(ctx, http.MethodPut, c.tenantPath(tenantID, "usage-cycle"), payload, nil)
}

// AdjustUsage applies allowance deltas. Positive deltas grant credit.
func (c *HTTPClient) AdjustUsage(ctx context.Context, tenantID string, deltas map[plans.Allowance]int64) error {
	payload := make(map[string]usageAdjustment, len(deltas))
	for allowance, delta := range deltas {
		if delta == 0 {
			continue
		}
		adj := usageAdjustment{Delta: delta, Direction: "increment"}
		if delta < 0 {
			adj = usageAdjustment{Delta: -delta, Direction: "decrement"}
		}
		payload[string(allowance)] = adj
	}
	if len(payload) == 0 {
		return nil
	}
	return c.doJSON(ctx, http.MethodPost, c.tenantPath(tenantID, "usage"), payload, nil)
}

// GetUsage fetches the tenant's usage snapshot.
func (c *HTTPClient) GetUsage(ctx context.Context, tenantID string) (*UsageSnapshot, error) {
	var out usageResponse
	if err := c.doJSON(ctx, http.MethodGet, c.tenantPath(tenantID, "usage"), nil, &out); err != nil {
		return nil, err
	}
	snapshot := &UsageSnapshot{
		Usage:  make(map[plans.Allowance]int64, len(out.Usage)),
		Limits: make(map[plans.Allowance]int64, len(out.Limits)),
	}
	for name, value := range out.Usage {
		snapshot.Usage[plans.Allowance(name)] = value
	}
	for name, value := range out.Limits {
		snapshot.Limits[plans.Allowance(name)] = value
	}
	return snapshot, nil
}

func (c *HTTPClient) tenantPath(tenantID, suffix string) string {
	return "/api/internal/organizations/" + url.PathEscape(tenantID) + "/" + suffix
}

func (c *HTTPClient) doJSON(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal entitlement request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create entitlement request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(apiKeyHeader, c.apiKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("entitlement request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr apiErrorResponse
		_ = json.Unmarshal(respBody, &apiErr)
		return fmt.Errorf("entitlement error (HTTP %d): %s", resp.StatusCode, apiErr.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode entitlement response: %w", err)
	}
	return nil
}
