package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"

	"github.com/bausoptical/lenses/internal/pos"
	"github.com/bausoptical/lenses/internal/sms"
	"github.com/bausoptical/lenses/internal/store"
	"github.com/bausoptical/lenses/pkg/observability"
)

type stubQueue struct {
	enqueued []*pos.NormalizedEvent
	err      error
}

func (q *stubQueue) Enqueue(_ context.Context, ev *pos.NormalizedEvent) error {
	if q.err != nil {
		return q.err
	}
	q.enqueued = append(q.enqueued, ev)
	return nil
}

const testSecret = "whsec_test123"

func newTestServer(t *testing.T) (*store.Memory, *stubQueue, *mux.Router) {
	t.Helper()
	mem := store.NewMemory()
	if err := mem.SaveBranchConfig(context.Background(), &store.BranchConfig{
		BranchID:          "b1",
		BranchName:        "Westlands",
		WebhookSecret:     testSecret,
		WebhookEnabled:    true,
		AutomationEnabled: true,
		SMSProvider:       store.ProviderAfricasTalking,
		CountryCode:       "254",
	}); err != nil {
		t.Fatalf("save config: %v", err)
	}

	queue := &stubQueue{}
	handler := NewHandler(mem, queue, sms.NewClient(), observability.NewLogger("test"))
	router := mux.NewRouter()
	handler.Routes(router)
	return mem, queue, router
}

func signBody(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func postWebhook(router *mux.Router, branchID string, body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/pos", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if branchID != "" {
		req.Header.Set("X-Branch-ID", branchID)
	}
	if signature != "" {
		req.Header.Set("X-Webhook-Signature", signature)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestPosWebhook_Batch(t *testing.T) {
	mem, queue, router := newTestServer(t)

	body := []byte(`{"events":[
		{"event_type":"sale.completed","id":"evt_1","phone":"0712345678","customer_name":"Grace"},
		{"event_type":"unknown.thing","id":"evt_2"}
	]}`)
	w := postWebhook(router, "b1", body, signBody(body, testSecret))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp struct {
		Received  bool          `json:"received"`
		Processed int           `json:"processed"`
		Results   []eventResult `json:"results"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Received || resp.Processed != 2 {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Results[0].Status != "accepted" || resp.Results[0].PosEventID != "evt_1" {
		t.Errorf("results[0] = %+v", resp.Results[0])
	}
	if resp.Results[1].Status != "skipped" {
		t.Errorf("results[1] = %+v", resp.Results[1])
	}

	if len(queue.enqueued) != 1 {
		t.Fatalf("enqueued %d events, want 1", len(queue.enqueued))
	}
	if queue.enqueued[0].EventType != store.AfterPurchase {
		t.Errorf("enqueued type = %s", queue.enqueued[0].EventType)
	}

	cfg, _ := mem.GetBranchConfig(context.Background(), "b1")
	if cfg.LastWebhookAt == nil {
		t.Error("LastWebhookAt not stamped")
	}
}

func TestPosWebhook_SingleEventObject(t *testing.T) {
	_, queue, router := newTestServer(t)

	body := []byte(`{"event_type":"order.ready","id":"evt_3","phone":"0712345678"}`)
	w := postWebhook(router, "b1", body, signBody(body, testSecret))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if len(queue.enqueued) != 1 || queue.enqueued[0].EventType != store.OrderCollected {
		t.Fatalf("enqueued = %+v", queue.enqueued)
	}
}

func TestPosWebhook_NoSignatureAccepted(t *testing.T) {
	_, queue, router := newTestServer(t)

	body := []byte(`{"event_type":"sale.completed","id":"evt_1","phone":"0712345678"}`)
	w := postWebhook(router, "b1", body, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want soft accept without signature", w.Code)
	}
	if len(queue.enqueued) != 1 {
		t.Fatalf("enqueued %d, want 1", len(queue.enqueued))
	}
}

func TestPosWebhook_Rejections(t *testing.T) {
	_, queue, router := newTestServer(t)
	body := []byte(`{"event_type":"sale.completed","id":"evt_1","phone":"0712345678"}`)

	tests := []struct {
		name      string
		branchID  string
		body      []byte
		signature string
		wantCode  int
	}{
		{"missing branch header", "", body, signBody(body, testSecret), http.StatusBadRequest},
		{"unknown branch", "nope", body, signBody(body, testSecret), http.StatusNotFound},
		{"invalid signature", "b1", body, signBody(body, "wrong-secret"), http.StatusUnauthorized},
		{"malformed json", "b1", []byte(`{broken`), signBody([]byte(`{broken`), testSecret), http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postWebhook(router, tt.branchID, tt.body, tt.signature)
			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.wantCode, w.Body.String())
			}
		})
	}
	if len(queue.enqueued) != 0 {
		t.Errorf("rejected requests enqueued %d events", len(queue.enqueued))
	}
}

func TestPosWebhook_Disabled(t *testing.T) {
	mem, queue, router := newTestServer(t)
	ctx := context.Background()
	cfg, _ := mem.GetBranchConfig(ctx, "b1")
	cfg.WebhookEnabled = false
	mem.SaveBranchConfig(ctx, cfg)

	body := []byte(`{"event_type":"sale.completed","id":"evt_1","phone":"0712345678"}`)
	w := postWebhook(router, "b1", body, signBody(body, testSecret))
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	if len(queue.enqueued) != 0 {
		t.Error("disabled branch must not enqueue")
	}
}

func TestWebhookStatus(t *testing.T) {
	_, _, router := newTestServer(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/webhooks/pos", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("bare status = %d", w.Code)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/webhooks/pos?branchId=b1", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("branch status = %d", w.Code)
	}
	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["webhookEnabled"] != true {
		t.Errorf("resp = %v", resp)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/webhooks/pos?branchId=nope", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown branch status = %d, want 404", w.Code)
	}
}

func TestSaveIntegrations(t *testing.T) {
	_, _, router := newTestServer(t)

	body := []byte(`{"branch_id":"b2","branch_name":"Karen","webhook_enabled":true,
		"automation_enabled":true,"sms_provider":"TWILIO","sms_api_key":"sk_live"}`)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/integrations/save", bytes.NewReader(body)))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var saved store.BranchConfig
	if err := json.Unmarshal(w.Body.Bytes(), &saved); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(saved.WebhookSecret) != 64 {
		t.Errorf("webhook secret %q, want freshly minted 64-char hex", saved.WebhookSecret)
	}
	if saved.CountryCode != "254" {
		t.Errorf("CountryCode = %q, want default", saved.CountryCode)
	}
	if saved.OptOutKeyword != "STOP" {
		t.Errorf("OptOutKeyword = %q, want default", saved.OptOutKeyword)
	}
	if saved.SMSAPIKey != "" {
		t.Error("sms api key must be redacted in responses")
	}

	// Second save must keep the original secret.
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/integrations/save",
		strings.NewReader(`{"branch_id":"b2","branch_name":"Karen Mall"}`)))
	if w.Code != http.StatusOK {
		t.Fatalf("second save status = %d", w.Code)
	}
	var updated store.BranchConfig
	json.Unmarshal(w.Body.Bytes(), &updated)
	if updated.WebhookSecret != saved.WebhookSecret {
		t.Error("webhook secret rotated on update")
	}
	if updated.BranchName != "Karen Mall" {
		t.Errorf("BranchName = %q", updated.BranchName)
	}
}

func TestSaveIntegrations_MissingBranchID(t *testing.T) {
	_, _, router := newTestServer(t)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/integrations/save",
		strings.NewReader(`{"branch_name":"Nameless"}`)))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestGetIntegrations(t *testing.T) {
	_, _, router := newTestServer(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/integrations?branchId=b1", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var cfg store.BranchConfig
	json.Unmarshal(w.Body.Bytes(), &cfg)
	if cfg.BranchID != "b1" || cfg.WebhookSecret != testSecret {
		t.Errorf("cfg = %+v", cfg)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/integrations", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing branchId status = %d, want 400", w.Code)
	}
}

func TestTestSmsEndpoint(t *testing.T) {
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":true,"message_id":"vs_test"}`))
	}))
	defer provider.Close()

	mem := store.NewMemory()
	mem.SaveBranchConfig(context.Background(), &store.BranchConfig{
		BranchID:    "b1",
		BranchName:  "Westlands",
		SMSProvider: store.ProviderVeriSend,
		SMSAPIKey:   "vs-key",
		CountryCode: "254",
	})
	smsClient := &sms.Client{HTTPClient: provider.Client(), VeriSendURL: provider.URL}
	handler := NewHandler(mem, &stubQueue{}, smsClient, observability.NewLogger("test"))
	router := mux.NewRouter()
	handler.Routes(router)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/integrations/test-sms",
		strings.NewReader(`{"branch_id":"b1","phone":"0712345678"}`)))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var res sms.Result
	json.Unmarshal(w.Body.Bytes(), &res)
	if !res.Success || res.ProviderMsgID != "vs_test" {
		t.Errorf("result = %+v", res)
	}
}

func TestTestPosEndpoint(t *testing.T) {
	posAPI := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Write([]byte(`{"branch_name":"Westlands"}`))
	}))
	defer posAPI.Close()

	_, _, router := newTestServer(t)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/integrations/test-pos",
		strings.NewReader(`{"pos_api_base_url":"`+posAPI.URL+`","pos_api_key":"key"}`)))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var res pos.ConnectionResult
	json.Unmarshal(w.Body.Bytes(), &res)
	if !res.Success || res.BranchName != "Westlands" {
		t.Errorf("result = %+v", res)
	}
}

func TestHealth(t *testing.T) {
	_, _, router := newTestServer(t)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}
