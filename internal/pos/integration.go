// Package pos bridges heterogeneous point-of-sale systems into the
// automation pipeline. Two integration modes feed it: the POS pushes events
// to our webhook endpoint, or we poll the POS REST API. Both produce the
// same NormalizedEvent.
package pos

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bausoptical/lenses/internal/store"
)

// NormalizedEvent is the POS-vendor-agnostic form of one inbound event. The
// original raw payload rides along for the audit trail.
type NormalizedEvent struct {
	EventType       store.EventType `json:"event_type"`
	PosEventID      string          `json:"pos_event_id"`
	BranchID        string          `json:"branch_id"`
	CustomerPhone   string          `json:"customer_phone"`
	CustomerName    string          `json:"customer_name"`
	OrderID         string          `json:"order_id,omitempty"`
	AppointmentDate string          `json:"appointment_date,omitempty"`
	DoctorName      string          `json:"doctor_name,omitempty"`
	ProductName     string          `json:"product_name,omitempty"`
	RawPayload      map[string]any  `json:"raw_payload"`
}

// eventTypeMap translates POS vendor event names (matched case-insensitively)
// onto the internal trigger set. Unknown names make the normalizer skip the
// event rather than fail the batch.
var eventTypeMap = map[string]store.EventType{
	"sale.completed":      store.AfterPurchase,
	"sale_completed":      store.AfterPurchase,
	"purchase.done":       store.AfterPurchase,
	"visit.checkedout":    store.AfterVisit,
	"visit_completed":     store.AfterVisit,
	"patient.checked_out": store.AfterVisit,
	"repair.created":      store.RepairLogged,
	"repair.logged":       store.RepairLogged,
	"repair.completed":    store.RepairCompleted,
	"repair.done":         store.RepairCompleted,
	"order.ready":         store.OrderCollected,
	"order.collected":     store.OrderCollected,
	"order_ready":         store.OrderCollected,
	"reminder.due":        store.CustomTimeReminder,
	"followup.needed":     store.FollowupNeeded,
	"exam.due":            store.EyeExamDue,
	"checkup.seasonal":    store.SeasonalCheckup,
}

// firstString probes an ordered list of candidate keys and returns the first
// non-empty string value.
func firstString(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// firstScalar is firstString but also accepts JSON numbers; POS vendors
// disagree on whether ids are quoted, and a dropped numeric id would break
// replay dedup.
func firstScalar(m map[string]any, keys ...string) string {
	for _, key := range keys {
		switch v := m[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

// Normalize maps one raw POS payload onto a NormalizedEvent. A nil return
// means "skip, not an error": the event type is unknown or no customer phone
// could be found.
func Normalize(raw map[string]any, branchID string) *NormalizedEvent {
	if raw == nil {
		return nil
	}

	rawEventType := firstString(raw, "event_type", "eventType", "event", "type", "action")
	eventType, ok := eventTypeMap[strings.ToLower(rawEventType)]
	if !ok {
		return nil
	}

	// Customer data may be nested under customer/patient or flat.
	customer := raw
	if nested, ok := raw["customer"].(map[string]any); ok {
		customer = nested
	} else if nested, ok := raw["patient"].(map[string]any); ok {
		customer = nested
	}

	phone := firstString(customer, "phone", "phone_number", "mobile")
	if phone == "" {
		phone = firstString(raw, "phone", "customer_phone")
	}
	if phone == "" {
		return nil
	}

	name := firstString(customer, "name", "full_name")
	if name == "" {
		name = strings.TrimSpace(firstString(customer, "first_name") + " " + firstString(customer, "last_name"))
	}
	if name == "" {
		name = firstString(raw, "customer_name")
	}
	if name == "" {
		name = "Valued Customer"
	}

	posEventID := firstScalar(raw, "id", "event_id", "webhook_id")
	if posEventID == "" {
		posEventID = fallbackEventID(rawEventType, phone, firstString(raw, "created_at"))
	}

	return &NormalizedEvent{
		EventType:       eventType,
		PosEventID:      posEventID,
		BranchID:        branchID,
		CustomerPhone:   phone,
		CustomerName:    name,
		OrderID:         firstScalar(raw, "order_id", "orderId", "sale_id", "receipt_number", "repair_id"),
		AppointmentDate: firstString(raw, "appointment_date", "visit_date", "scheduled_at"),
		DoctorName:      firstString(raw, "doctor", "doctor_name", "staff_name"),
		ProductName:     firstString(raw, "product", "product_name", "item_name"),
		RawPayload:      raw,
	}
}

// fallbackEventID derives a stable dedup key for payloads without an
// explicit id, so identical replays collapse onto the same PosEvent row.
func fallbackEventID(rawEventType, phone, createdAt string) string {
	if createdAt == "" {
		createdAt = fmt.Sprintf("%d", time.Now().UnixMilli())
	}
	sum := sha256.Sum256([]byte(rawEventType + ":" + phone + ":" + createdAt))
	return hex.EncodeToString(sum[:])[:16]
}

// API poll mode

// APIConfig identifies one branch's POS REST endpoint.
type APIConfig struct {
	BaseURL  string
	APIKey   string
	BranchID string
}

// PollEvents pulls events created since the given time from the POS REST
// API and normalizes each. Events the normalizer skips are dropped. Raw
// payloads are tagged so the audit trail records the ingest path.
func PollEvents(ctx context.Context, client *http.Client, cfg APIConfig, since time.Time) ([]*NormalizedEvent, error) {
	if since.IsZero() {
		since = time.Now().Add(-5 * time.Minute)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/events?since=%s", cfg.BaseURL, since.UTC().Format(time.RFC3339)), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Branch-ID", cfg.BranchID)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll POS events: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("POS API responded %d: %s", resp.StatusCode, string(body))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	events, err := decodeEventList(raw)
	if err != nil {
		return nil, err
	}

	var normalized []*NormalizedEvent
	for _, payload := range events {
		ev := Normalize(payload, cfg.BranchID)
		if ev == nil {
			continue
		}
		ev.RawPayload["_source"] = string(store.SourceAPIPoll)
		normalized = append(normalized, ev)
	}
	return normalized, nil
}

// decodeEventList accepts a bare array or an {events:[...]} / {data:[...]}
// wrapper, both of which occur across POS vendors.
func decodeEventList(raw []byte) ([]map[string]any, error) {
	var list []map[string]any
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}

	var wrapper struct {
		Events []map[string]any `json:"events"`
		Data   []map[string]any `json:"data"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return nil, fmt.Errorf("decode POS event list: %w", err)
	}
	if wrapper.Events != nil {
		return wrapper.Events, nil
	}
	return wrapper.Data, nil
}

// Connection test

// ConnectionResult is returned to operators testing POS credentials.
type ConnectionResult struct {
	Success    bool   `json:"success"`
	BranchName string `json:"branchName,omitempty"`
	Error      string `json:"error,omitempty"`
}

// TestConnection probes the POS health endpoint with the supplied
// credentials. Intended for direct display in the dashboard; it never
// returns a Go error.
func TestConnection(ctx context.Context, client *http.Client, baseURL, apiKey string) ConnectionResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return ConnectionResult{Success: false, Error: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return ConnectionResult{Success: false, Error: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ConnectionResult{Success: false, Error: fmt.Sprintf("POS returned %d", resp.StatusCode)}
	}

	var health struct {
		BranchName string `json:"branch_name"`
		Name       string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return ConnectionResult{Success: false, Error: err.Error()}
	}

	name := health.BranchName
	if name == "" {
		name = health.Name
	}
	if name == "" {
		name = "Connected"
	}
	return ConnectionResult{Success: true, BranchName: name}
}
