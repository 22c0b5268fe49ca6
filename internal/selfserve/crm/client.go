package crm

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
)

const defaultCRMBaseURL = "https://api.attio.com/v2"

// Object types the self-serve flow writes to.
const (
	ObjectCompanies  = "companies"
	ObjectWorkspaces = "workspaces"
	ObjectDeals      = "deals"
	ObjectProducts   = "products"
)

// RecordID identifies a CRM record.
type RecordID struct {
	WorkspaceID string `json:"workspace_id"`
	ObjectID    string `json:"object_id"`
	RecordID    string `json:"record_id"`
}

// Record is a CRM record as returned by the API.
type Record struct {
	ID     RecordID                   `json:"id"`
	Values map[string]json.RawMessage `json:"values"`
}

// StringValue extracts a plain string attribute from a record's values.
// The API wraps attribute values in a list of value objects; raw strings
// are accepted too.
func (r *Record) StringValue(attribute string) string {
	raw, ok := r.Values[attribute]
	if !ok {
		return ""
	}
	var plain string
	if err := json.Unmarshal(raw, &plain); err == nil {
		return plain
	}
	var wrapped []struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && len(wrapped) > 0 {
		return wrapped[0].Value
	}
	return ""
}

// API is the CRM surface the synchronizer needs.
type API interface {
	CreateRecord(ctx context.Context, objectType string, values map[string]any) (*Record, error)
	QueryRecords(ctx context.Context, objectType string, filter map[string]any, limit int) ([]Record, error)
}

// AttioClient talks to the Attio REST API.
type AttioClient struct {
	baseURL    string
	apiToken   string
	httpClient *http.Client
}

// NewAttioClient creates a CRM client backed by Attio.
func NewAttioClient(apiToken string) *AttioClient {
	return &AttioClient{
		baseURL:  defaultCRMBaseURL,
		apiToken: apiToken,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// NewAttioClientWithBaseURL is used by tests to point at a local server.
func NewAttioClientWithBaseURL(apiToken, baseURL string) *AttioClient {
	c := NewAttioClient(apiToken)
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

type createRecordRequest struct {
	Data struct {
		Values map[string]any `json:"values"`
	} `json:"data"`
}

type recordResponse struct {
	Data Record `json:"data"`
}

type queryRecordsRequest struct {
	Filter map[string]any `json:"filter,omitempty"`
	Limit  int            `json:"limit,omitempty"`
}

type queryRecordsResponse struct {
	Data []Record `json:"data"`
}

type attioErrorResponse struct {
	StatusCode int    `json:"status_code"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

// CreateRecord creates a record of the given object type.
func (c *AttioClient) CreateRecord(ctx context.Context, objectType string, values map[string]any) (*Record, error) {
	var payload createRecordRequest
	payload.Data.Values = values

	var out recordResponse
	path := "/objects/" + url.PathEscape(objectType) + "/records"
	if err := c.doJSON(ctx, http.MethodPost, path, payload, &out); err != nil {
		return nil, err
	}
	return &out.Data, nil
}

// QueryRecords lists records of the object type matching the filter.
func (c *AttioClient) QueryRecords(ctx context.Context, objectType string, filter map[string]any, limit int) ([]Record, error) {
	payload := queryRecordsRequest{Filter: filter, Limit: limit}

	var out queryRecordsResponse
	path := "/objects/" + url.PathEscape(objectType) + "/records/query"
	if err := c.doJSON(ctx, http.MethodPost, path, payload, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *AttioClient) doJSON(ctx context.Context, method, path string, payload, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal crm request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("create crm request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("crm request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr attioErrorResponse
		_ = json.Unmarshal(respBody, &apiErr)
		return fmt.Errorf("crm error (HTTP %d): code=%s message=%s", resp.StatusCode, apiErr.Code, apiErr.Message)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode crm response: %w", err)
	}
	return nil
}
