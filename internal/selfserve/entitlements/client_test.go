package entitlements

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/qualloop/selfserve/internal/selfserve/plans"
)

type capturedRequest struct {
	method string
	path   string
	apiKey string
	body   map[string]json.RawMessage
}

func newCaptureServer(t *testing.T, status int, response string) (*httptest.Server, *capturedRequest) {
	t.Helper()
	captured := &capturedRequest{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.method = r.Method
		captured.path = r.URL.Path
		captured.apiKey = r.Header.Get(apiKeyHeader)
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&captured.body)
		}
		w.WriteHeader(status)
		if response != "" {
			_, _ = w.Write([]byte(response))
		}
	}))
	t.Cleanup(srv.Close)
	return srv, captured
}

func TestSetLimitsWireFormat(t *testing.T) {
	srv, captured := newCaptureServer(t, http.StatusOK, "")
	c := NewHTTPClient(srv.URL, "internal-key")

	resets := map[plans.Allowance]plans.ResetPolicy{
		plans.AllowanceProject:     {Unlimited: true},
		plans.AllowanceChatMessage: {Ceiling: 500},
	}
	if err := c.SetLimits(context.Background(), "org_abc", resets); err != nil {
		t.Fatalf("SetLimits: %v", err)
	}

	if captured.method != http.MethodPut {
		t.Errorf("method=%q, want=PUT", captured.method)
	}
	if captured.path != "/api/internal/organizations/org_abc/limits" {
		t.Errorf("path=%q", captured.path)
	}
	if captured.apiKey != "internal-key" {
		t.Errorf("api key header=%q", captured.apiKey)
	}

	var projectLimit struct {
		Reset int64 `json:"reset"`
	}
	if err := json.Unmarshal(captured.body["projectLimit"], &projectLimit); err != nil {
		t.Fatalf("projectLimit payload: %v, body=%v", err, captured.body)
	}
	if projectLimit.Reset != plans.Unlimited {
		t.Errorf("projectLimit reset=%d, want=%d", projectLimit.Reset, plans.Unlimited)
	}

	var chatLimit struct {
		Reset int64 `json:"reset"`
	}
	if err := json.Unmarshal(captured.body["chatMessageLimit"], &chatLimit); err != nil {
		t.Fatalf("chatMessageLimit payload: %v", err)
	}
	if chatLimit.Reset != 500 {
		t.Errorf("chatMessageLimit reset=%d, want=500", chatLimit.Reset)
	}
}

func TestAdjustUsageWireFormat(t *testing.T) {
	srv, captured := newCaptureServer(t, http.StatusOK, "")
	c := NewHTTPClient(srv.URL, "internal-key")

	deltas := map[plans.Allowance]int64{
		plans.AllowanceProject:      1,
		plans.AllowanceChatMessage:  100,
		plans.AllowanceTranslation:  -25,
		plans.AllowanceOpenEndLabel: 0, // dropped
	}
	if err := c.AdjustUsage(context.Background(), "org_abc", deltas); err != nil {
		t.Fatalf("AdjustUsage: %v", err)
	}

	if captured.path != "/api/internal/organizations/org_abc/usage" {
		t.Errorf("path=%q", captured.path)
	}

	var adj usageAdjustment
	if err := json.Unmarshal(captured.body["projectUsage"], &adj); err != nil {
		t.Fatalf("projectUsage payload: %v, body=%v", err, captured.body)
	}
	if adj.Delta != 1 || adj.Direction != "increment" {
		t.Errorf("projectUsage=%+v", adj)
	}

	if err := json.Unmarshal(captured.body["translationUsage"], &adj); err != nil {
		t.Fatalf("translationUsage payload: %v", err)
	}
	if adj.Delta != 25 || adj.Direction != "decrement" {
		t.Errorf("translationUsage=%+v", adj)
	}

	if _, ok := captured.body["openEndLabelUsage"]; ok {
		t.Error("zero delta sent on the wire")
	}
}

func TestAdjustUsageAllZeroSkipsRequest(t *testing.T) {
	srv, captured := newCaptureServer(t, http.StatusOK, "")
	c := NewHTTPClient(srv.URL, "internal-key")

	if err := c.AdjustUsage(context.Background(), "org_abc", map[plans.Allowance]int64{plans.AllowanceProject: 0}); err != nil {
		t.Fatalf("AdjustUsage: %v", err)
	}
	if captured.method != "" {
		t.Error("request sent for all-zero deltas")
	}
}

func TestSetUsageCycleWireFormat(t *testing.T) {
	srv, captured := newCaptureServer(t, http.StatusOK, "")
	c := NewHTTPClient(srv.URL, "internal-key")

	anchor := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	if err := c.SetUsageCycle(context.Background(), "org_abc", Cycle{Period: plans.CycleYear, Anchor: anchor}); err != nil {
		t.Fatalf("SetUsageCycle: %v", err)
	}

	if captured.path != "/api/internal/organizations/org_abc/usage-cycle" {
		t.Errorf("path=%q", captured.path)
	}
	var body setCycleRequest
	raw, _ := json.Marshal(captured.body)
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("cycle payload: %v", err)
	}
	if body.Period != "year" {
		t.Errorf("period=%q, want=year", body.Period)
	}
	if body.Anchor != "2026-08-30T12:00:00Z" {
		t.Errorf("anchor=%q", body.Anchor)
	}
}

func TestSetAccessErrorSurfaced(t *testing.T) {
	srv, _ := newCaptureServer(t, http.StatusBadGateway, `{"error":"upstream down"}`)
	c := NewHTTPClient(srv.URL, "internal-key")

	if err := c.SetAccess(context.Background(), "org_abc", true); err == nil {
		t.Fatal("expected error")
	}
}

func TestGetUsage(t *testing.T) {
	srv, captured := newCaptureServer(t, http.StatusOK, `{"usage":{"projectUsage":3},"limits":{"projectUsage":-1}}`)
	c := NewHTTPClient(srv.URL, "internal-key")

	snapshot, err := c.GetUsage(context.Background(), "org_abc")
	if err != nil {
		t.Fatalf("GetUsage: %v", err)
	}
	if captured.method != http.MethodGet {
		t.Errorf("method=%q, want=GET", captured.method)
	}
	if snapshot.Usage[plans.AllowanceProject] != 3 {
		t.Errorf("usage=%v", snapshot.Usage)
	}
	if snapshot.Limits[plans.AllowanceProject] != plans.Unlimited {
		t.Errorf("limits=%v", snapshot.Limits)
	}
}
