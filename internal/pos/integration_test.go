package pos

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bausoptical/lenses/internal/store"
)

func TestNormalize_EventTypeMapping(t *testing.T) {
	tests := []struct {
		rawType string
		want    store.EventType
	}{
		{"sale.completed", store.AfterPurchase},
		{"SALE.COMPLETED", store.AfterPurchase},
		{"visit.checkedout", store.AfterVisit},
		{"patient.checked_out", store.AfterVisit},
		{"repair.created", store.RepairLogged},
		{"repair.done", store.RepairCompleted},
		{"order.ready", store.OrderCollected},
		{"exam.due", store.EyeExamDue},
	}

	for _, tt := range tests {
		t.Run(tt.rawType, func(t *testing.T) {
			ev := Normalize(map[string]any{
				"event_type": tt.rawType,
				"id":         "evt_1",
				"phone":      "0712345678",
			}, "branch-1")
			if ev == nil {
				t.Fatalf("Normalize returned nil for %q", tt.rawType)
			}
			if ev.EventType != tt.want {
				t.Errorf("EventType = %s, want %s", ev.EventType, tt.want)
			}
		})
	}
}

func TestNormalize_SkipCases(t *testing.T) {
	tests := []struct {
		name string
		raw  map[string]any
	}{
		{"nil payload", nil},
		{"unknown event type", map[string]any{"event_type": "till.opened", "phone": "0712345678"}},
		{"no event type", map[string]any{"phone": "0712345678"}},
		{"no phone anywhere", map[string]any{"event_type": "sale.completed", "id": "evt_1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if ev := Normalize(tt.raw, "branch-1"); ev != nil {
				t.Errorf("expected nil, got %+v", ev)
			}
		})
	}
}

func TestNormalize_NestedCustomer(t *testing.T) {
	ev := Normalize(map[string]any{
		"event_type": "sale.completed",
		"id":         "evt_7",
		"order_id":   "ORD-42",
		"customer": map[string]any{
			"first_name": "Grace",
			"last_name":  "Wanjiru",
			"phone":      "0712 345 678",
		},
	}, "branch-1")
	if ev == nil {
		t.Fatal("Normalize returned nil")
	}
	if ev.CustomerName != "Grace Wanjiru" {
		t.Errorf("CustomerName = %q, want %q", ev.CustomerName, "Grace Wanjiru")
	}
	if ev.CustomerPhone != "0712 345 678" {
		t.Errorf("CustomerPhone = %q", ev.CustomerPhone)
	}
	if ev.OrderID != "ORD-42" {
		t.Errorf("OrderID = %q, want ORD-42", ev.OrderID)
	}

	// patient nesting, no name at all
	ev = Normalize(map[string]any{
		"event_type": "visit.checkedout",
		"id":         "evt_8",
		"patient":    map[string]any{"mobile": "0712345678"},
	}, "branch-1")
	if ev == nil {
		t.Fatal("Normalize returned nil for patient payload")
	}
	if ev.CustomerName != "Valued Customer" {
		t.Errorf("CustomerName = %q, want fallback", ev.CustomerName)
	}
}

func TestNormalize_EventID(t *testing.T) {
	withID := Normalize(map[string]any{
		"event_type": "sale.completed",
		"id":         "evt_explicit",
		"phone":      "0712345678",
	}, "branch-1")
	if withID.PosEventID != "evt_explicit" {
		t.Errorf("PosEventID = %q, want explicit id", withID.PosEventID)
	}

	raw := map[string]any{
		"event_type": "sale.completed",
		"phone":      "0712345678",
		"created_at": "2026-03-01T10:00:00Z",
	}
	first := Normalize(raw, "branch-1")
	second := Normalize(raw, "branch-1")
	if first.PosEventID == "" || len(first.PosEventID) != 16 {
		t.Fatalf("fallback id = %q, want 16 hex chars", first.PosEventID)
	}
	if first.PosEventID != second.PosEventID {
		t.Errorf("fallback id not deterministic: %q vs %q", first.PosEventID, second.PosEventID)
	}
}

func TestNormalize_NumericIDs(t *testing.T) {
	// Some POS systems send ids unquoted. The id must survive as-is so a
	// webhook retry of the same payload dedups onto the same event row.
	raw := map[string]any{
		"event_type": "sale.completed",
		"id":         float64(12345),
		"order_id":   float64(987),
		"phone":      "0712345678",
	}
	first := Normalize(raw, "branch-1")
	if first == nil {
		t.Fatal("Normalize returned nil")
	}
	if first.PosEventID != "12345" {
		t.Errorf("PosEventID = %q, want 12345", first.PosEventID)
	}
	if first.OrderID != "987" {
		t.Errorf("OrderID = %q, want 987", first.OrderID)
	}

	second := Normalize(raw, "branch-1")
	if second.PosEventID != first.PosEventID {
		t.Errorf("replay produced a different id: %q vs %q", first.PosEventID, second.PosEventID)
	}
}

func TestPollEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer key123" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("X-Branch-ID"); got != "branch-1" {
			t.Errorf("X-Branch-ID = %q", got)
		}
		if r.URL.Query().Get("since") == "" {
			t.Error("missing since parameter")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"events":[
			{"event_type":"sale.completed","id":"evt_1","phone":"0712345678"},
			{"event_type":"till.opened","id":"evt_2","phone":"0712345678"}
		]}`))
	}))
	defer srv.Close()

	events, err := PollEvents(context.Background(), srv.Client(), APIConfig{
		BaseURL:  srv.URL,
		APIKey:   "key123",
		BranchID: "branch-1",
	}, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("PollEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1 (unknown type dropped)", len(events))
	}
	if events[0].PosEventID != "evt_1" {
		t.Errorf("PosEventID = %q", events[0].PosEventID)
	}
	if src := events[0].RawPayload["_source"]; src != string(store.SourceAPIPoll) {
		t.Errorf("_source = %v, want API_POLL", src)
	}
}

func TestPollEvents_BareArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"event_type":"order.ready","id":"evt_9","phone":"0712345678"}]`))
	}))
	defer srv.Close()

	events, err := PollEvents(context.Background(), srv.Client(), APIConfig{BaseURL: srv.URL}, time.Time{})
	if err != nil {
		t.Fatalf("PollEvents: %v", err)
	}
	if len(events) != 1 || events[0].EventType != store.OrderCollected {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestPollEvents_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	if _, err := PollEvents(context.Background(), srv.Client(), APIConfig{BaseURL: srv.URL}, time.Time{}); err == nil {
		t.Fatal("expected error on 403")
	}
}

func TestTestConnection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Write([]byte(`{"branch_name":"Westlands"}`))
	}))
	defer srv.Close()

	res := TestConnection(context.Background(), srv.Client(), srv.URL, "key123")
	if !res.Success {
		t.Fatalf("Success = false, error = %q", res.Error)
	}
	if res.BranchName != "Westlands" {
		t.Errorf("BranchName = %q", res.BranchName)
	}
}

func TestTestConnection_Failure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	res := TestConnection(context.Background(), srv.Client(), srv.URL, "wrong")
	if res.Success {
		t.Fatal("expected failure on 401")
	}
	if res.Error == "" {
		t.Error("expected error message")
	}
}
