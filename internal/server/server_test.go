package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/bastion/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const adminSecret = "test-secret"

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                "0",
		Env:                 "development",
		LogLevel:            "error",
		LogFormat:           "text",
		Sensitivity:         100,
		BaseCooldown:        time.Minute,
		MaxHalfOpenAttempts: 3,
		MetricsWindow:       time.Minute,
		AdminSecret:         adminSecret,
	}
}

// newTestServer creates a server with in-memory stores
func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig())
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

func doJSON(t *testing.T, s *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	s.router.ServeHTTP(w, req)
	return w
}

func adminHeaders() map[string]string {
	return map[string]string{"X-Admin-Secret": adminSecret}
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}

	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/live", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/ready", nil)
	s.router.ServeHTTP(w, req)

	// Server hasn't called Run() so ready is false
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"GET:/v1/status",
		"GET:/v1/operations",
		"GET:/v1/operations/:op/history",
		"GET:/v1/layers",
		"GET:/v1/callers/:address",
		"GET:/v1/incidents",
		"POST:/v1/calls",
		"POST:/v1/calls/:id/complete",
	}

	routeSet := make(map[string]bool)
	for _, route := range routes {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Core route %s not registered", e)
		}
	}
}

func TestAdminRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	expected := []string{
		"POST:/v1/admin/layers/:slot/enable",
		"POST:/v1/admin/layers/:slot/disable",
		"POST:/v1/admin/layers/:slot/reset",
		"PUT:/v1/admin/quorum",
		"PUT:/v1/admin/sensitivity",
		"POST:/v1/admin/thresholds/raise",
		"POST:/v1/admin/thresholds/lower",
		"POST:/v1/admin/cascade/reset",
		"POST:/v1/admin/callers/:address/block",
		"POST:/v1/admin/operations/:op/recover",
		"POST:/v1/admin/feedback",
		"POST:/v1/admin/learning/apply",
	}

	routeSet := make(map[string]bool)
	for _, route := range routes {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Admin route %s not registered", e)
		}
	}
}

// ---------------------------------------------------------------------------
// Status & read surface
// ---------------------------------------------------------------------------

func TestStatusEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/v1/status", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Operations map[string]string `json:"operations"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}

	if resp.Operations["withdraw"] != "idle" {
		t.Errorf("Expected withdraw lifecycle 'idle', got %q", resp.Operations["withdraw"])
	}
	if len(resp.Operations) != 8 {
		t.Errorf("Expected 8 operations, got %d", len(resp.Operations))
	}
}

func TestLayersEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/v1/layers", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var resp struct {
		Layers []map[string]interface{} `json:"layers"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if len(resp.Layers) != 8 {
		t.Errorf("Expected 8 layers, got %d", len(resp.Layers))
	}
}

func TestUnknownOperationParam(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/v1/operations/teleport", "", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown operation, got %d", w.Code)
	}
}

func TestCallerProfileNotFound(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/v1/callers/0xaaaa000000000000000000000000000000000001", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown caller, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Screening flow
// ---------------------------------------------------------------------------

func TestScreenCallLifecycle(t *testing.T) {
	s := newTestServer(t)

	body := `{"caller":"0xaaaa000000000000000000000000000000000001","operation":"transfer","gas":21000,"value":"100"}`
	w := doJSON(t, s, "POST", "/v1/calls", body, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		CallID  string  `json:"callId"`
		Allowed bool    `json:"allowed"`
		Depth   int     `json:"depth"`
		Score   float64 `json:"score"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if !resp.Allowed {
		t.Error("Expected call to be allowed")
	}
	if resp.Depth != 1 {
		t.Errorf("Expected depth 1, got %d", resp.Depth)
	}
	if resp.CallID == "" {
		t.Fatal("Expected a call ID")
	}

	// While in-flight the operation should show as executing
	w = doJSON(t, s, "GET", "/v1/operations/transfer", "", nil)
	var opResp map[string]interface{}
	_ = json.Unmarshal(w.Body.Bytes(), &opResp)
	if opResp["lifecycle"] != "executing" {
		t.Errorf("Expected lifecycle 'executing', got %v", opResp["lifecycle"])
	}

	// Complete successfully
	w = doJSON(t, s, "POST", "/v1/calls/"+resp.CallID+"/complete", `{"success":true}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 on complete, got %d: %s", w.Code, w.Body.String())
	}

	// Back to idle
	w = doJSON(t, s, "GET", "/v1/operations/transfer", "", nil)
	_ = json.Unmarshal(w.Body.Bytes(), &opResp)
	if opResp["lifecycle"] != "idle" {
		t.Errorf("Expected lifecycle 'idle' after complete, got %v", opResp["lifecycle"])
	}

	// The caller now has a behavioral profile
	w = doJSON(t, s, "GET", "/v1/callers/0xaaaa000000000000000000000000000000000001", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 for profiled caller, got %d", w.Code)
	}
}

func TestScreenCallUnknownOperation(t *testing.T) {
	s := newTestServer(t)

	body := `{"caller":"0xaaaa000000000000000000000000000000000001","operation":"teleport"}`
	w := doJSON(t, s, "POST", "/v1/calls", body, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown operation, got %d", w.Code)
	}
}

func TestScreenCallInvalidCaller(t *testing.T) {
	s := newTestServer(t)

	body := `{"caller":"not-an-address","operation":"transfer"}`
	w := doJSON(t, s, "POST", "/v1/calls", body, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for invalid caller, got %d", w.Code)
	}
}

func TestScreenCallBlockedCaller(t *testing.T) {
	s := newTestServer(t)

	// Block the caller through the admin surface
	w := doJSON(t, s, "POST", "/v1/admin/callers/0xbbbb000000000000000000000000000000000002/block",
		`{"blocked":true}`, adminHeaders())
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 blocking caller, got %d: %s", w.Code, w.Body.String())
	}

	body := `{"caller":"0xbbbb000000000000000000000000000000000002","operation":"transfer"}`
	w = doJSON(t, s, "POST", "/v1/calls", body, nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for blocked caller, got %d: %s", w.Code, w.Body.String())
	}
}

func TestCompleteUnknownCall(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "POST", "/v1/calls/call_doesnotexist/complete", `{"success":true}`, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown call ID, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Admin surface
// ---------------------------------------------------------------------------

func TestAdminRequiresSecret(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "POST", "/v1/admin/cascade/reset", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without secret, got %d", w.Code)
	}

	w = doJSON(t, s, "POST", "/v1/admin/cascade/reset", "",
		map[string]string{"X-Admin-Secret": "wrong"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 with wrong secret, got %d", w.Code)
	}

	w = doJSON(t, s, "POST", "/v1/admin/cascade/reset", "", adminHeaders())
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 with correct secret, got %d", w.Code)
	}
}

func TestAdminLayerToggle(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "POST", "/v1/admin/layers/5/disable", "", adminHeaders())
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 disabling layer, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, s, "POST", "/v1/admin/layers/5/enable", "", adminHeaders())
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 enabling layer, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, s, "POST", "/v1/admin/layers/42/disable", "", adminHeaders())
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for out-of-range slot, got %d", w.Code)
	}
}

func TestAdminQuorumValidation(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "PUT", "/v1/admin/quorum", `{"quorum":5}`, adminHeaders())
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 setting quorum, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, s, "PUT", "/v1/admin/quorum", `{"quorum":9}`, adminHeaders())
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("Expected 422 for invalid quorum, got %d", w.Code)
	}
}

func TestAdminSensitivityValidation(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "PUT", "/v1/admin/sensitivity", `{"sensitivity":50}`, adminHeaders())
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 setting sensitivity, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, s, "PUT", "/v1/admin/sensitivity", `{"sensitivity":150}`, adminHeaders())
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("Expected 422 for out-of-range sensitivity, got %d", w.Code)
	}
}

func TestAdminRecoverOnIdleFails(t *testing.T) {
	s := newTestServer(t)

	// Recovery is only valid from the Error state
	w := doJSON(t, s, "POST", "/v1/admin/operations/swap/recover", "", adminHeaders())
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("Expected 422 recovering an idle operation, got %d", w.Code)
	}
}

func TestAdminFeedbackAndLearning(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "POST", "/v1/admin/feedback", `{"wasActualAttack":true}`, adminHeaders())
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 recording feedback, got %d", w.Code)
	}

	w = doJSON(t, s, "POST", "/v1/admin/learning/apply", "", adminHeaders())
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 applying learning, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	// One sample is far below the minimum, so no adjustment
	if resp["adjustment"] != "none" {
		t.Errorf("Expected adjustment 'none', got %v", resp["adjustment"])
	}
}

func TestAdminThresholdAdjustment(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "POST", "/v1/admin/thresholds/raise", "", adminHeaders())
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 raising thresholds, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Thresholds struct {
			Call uint64 `json:"call"`
		} `json:"thresholds"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	// 100 × 105 / 100
	if resp.Thresholds.Call != 105 {
		t.Errorf("Expected call threshold 105 after raise, got %d", resp.Thresholds.Call)
	}

	w = doJSON(t, s, "POST", "/v1/admin/thresholds/lower", "", adminHeaders())
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 lowering thresholds, got %d: %s", w.Code, w.Body.String())
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	// 105 × 98 / 100
	if resp.Thresholds.Call != 102 {
		t.Errorf("Expected call threshold 102 after lower, got %d", resp.Thresholds.Call)
	}
}

// ---------------------------------------------------------------------------
// Incident audit trail
// ---------------------------------------------------------------------------

func TestIncidentsEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/v1/incidents", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var resp struct {
		Incidents []map[string]interface{} `json:"incidents"`
		Count     int                      `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.Count != 0 {
		t.Errorf("Expected empty audit trail, got %d incidents", resp.Count)
	}

	// A caller block change is a published guard event, so it must land in
	// the audit trail (persistence is async best-effort).
	w = doJSON(t, s, "POST", "/v1/admin/callers/0xcccc000000000000000000000000000000000003/block",
		`{"blocked":true}`, adminHeaders())
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 blocking caller, got %d", w.Code)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		w = doJSON(t, s, "GET", "/v1/incidents", "", nil)
		resp.Incidents = nil
		_ = json.Unmarshal(w.Body.Bytes(), &resp)
		if len(resp.Incidents) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if len(resp.Incidents) != 1 {
		t.Fatalf("Expected 1 incident after caller block, got %d", len(resp.Incidents))
	}
	inc := resp.Incidents[0]
	if inc["type"] != "caller_block_changed" {
		t.Errorf("Expected type 'caller_block_changed', got %v", inc["type"])
	}
	if inc["id"] == "" {
		t.Error("Expected a populated incident ID")
	}
}

// ---------------------------------------------------------------------------
// Engine health checks
// ---------------------------------------------------------------------------

func TestHealthDegradedByOpenCircuit(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "POST", "/v1/admin/operations/withdraw/circuit/open",
		`{"reason":"maintenance"}`, adminHeaders())
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 opening circuit, got %d", w.Code)
	}

	w = doJSON(t, s, "GET", "/health", "", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 with an open circuit, got %d", w.Code)
	}
	var resp map[string]interface{}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["status"] != "degraded" {
		t.Errorf("Expected status 'degraded', got %v", resp["status"])
	}

	w = doJSON(t, s, "POST", "/v1/admin/operations/withdraw/circuit/close", "", adminHeaders())
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 closing circuit, got %d", w.Code)
	}

	w = doJSON(t, s, "GET", "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 after closing circuit, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// 404 test
// ---------------------------------------------------------------------------

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/nonexistent", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}
