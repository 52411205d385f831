// Package webhook is the HTTP surface of the service: the POS webhook
// endpoint plus the small integrations API the dashboard uses to configure
// and test a branch.
package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/bausoptical/lenses/internal/pos"
	"github.com/bausoptical/lenses/internal/sms"
	"github.com/bausoptical/lenses/internal/store"
	"github.com/bausoptical/lenses/pkg/jsonutil"
	"github.com/bausoptical/lenses/pkg/monitoring"
	"github.com/bausoptical/lenses/pkg/observability"
	"github.com/bausoptical/lenses/pkg/secrets"
)

// maxWebhookBody caps how much of a POS payload we will read. Real payloads
// are a few KB; anything near the cap is abuse.
const maxWebhookBody = 1 << 20

// Handler owns the HTTP routes. All state it needs is injected.
type Handler struct {
	store      store.Store
	queue      EventQueue
	smsClient  *sms.Client
	httpClient *http.Client
	logger     *observability.Logger
}

func NewHandler(st store.Store, queue EventQueue, smsClient *sms.Client, logger *observability.Logger) *Handler {
	return &Handler{
		store:      st,
		queue:      queue,
		smsClient:  smsClient,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

func (h *Handler) Routes(r *mux.Router) {
	r.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/webhooks/pos", h.handlePosWebhook).Methods(http.MethodPost)
	r.HandleFunc("/api/webhooks/pos", h.handleWebhookStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/integrations", h.handleGetIntegrations).Methods(http.MethodGet)
	r.HandleFunc("/api/integrations/save", h.handleSaveIntegrations).Methods(http.MethodPost)
	r.HandleFunc("/api/integrations/test-sms", h.handleTestSms).Methods(http.MethodPost)
	r.HandleFunc("/api/integrations/test-pos", h.handleTestPos).Methods(http.MethodPost)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	jsonutil.WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "lenses",
	})
}

// eventResult is the per-event entry in the webhook response. The POS only
// learns whether each event was accepted for processing, never the pipeline
// outcome.
type eventResult struct {
	Status     string `json:"status"`
	EventType  string `json:"eventType,omitempty"`
	PosEventID string `json:"posEventId,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// handlePosWebhook ingests one POS delivery: authenticate the branch, verify
// the payload signature, normalize each event and hand it to the work queue.
// The 200 response means "received and queued", nothing more.
func (h *Handler) handlePosWebhook(w http.ResponseWriter, r *http.Request) {
	branchID := r.Header.Get("X-Branch-ID")
	if branchID == "" {
		monitoring.EventsReceived.WithLabelValues("rejected").Inc()
		jsonutil.WriteErrorJSON(w, http.StatusBadRequest, "missing X-Branch-ID header")
		return
	}
	log := h.logger.With("branch_id", branchID)

	rawBody, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		monitoring.EventsReceived.WithLabelValues("rejected").Inc()
		jsonutil.WriteErrorJSON(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	cfg, err := h.store.GetBranchConfig(r.Context(), branchID)
	if err != nil {
		log.Error("failed to load branch config", "error", err)
		jsonutil.WriteErrorJSON(w, http.StatusInternalServerError, "internal error")
		return
	}
	if cfg == nil {
		monitoring.EventsReceived.WithLabelValues("rejected").Inc()
		jsonutil.WriteErrorJSON(w, http.StatusNotFound, "branch not configured")
		return
	}
	if !cfg.WebhookEnabled {
		monitoring.EventsReceived.WithLabelValues("rejected").Inc()
		jsonutil.WriteErrorJSON(w, http.StatusForbidden, "webhooks are disabled for this branch")
		return
	}

	// Signature is verified against the exact raw bytes. A POS that sends no
	// signature at all is accepted with a warning; many vendors only support
	// it behind a feature flag.
	signature := r.Header.Get("X-Webhook-Signature")
	if signature == "" {
		log.Warn("webhook received without signature")
	} else if !pos.VerifySignature(rawBody, signature, cfg.WebhookSecret) {
		monitoring.EventsReceived.WithLabelValues("rejected").Inc()
		log.Warn("webhook signature verification failed")
		jsonutil.WriteErrorJSON(w, http.StatusUnauthorized, "invalid webhook signature")
		return
	}

	payloads, err := decodeWebhookBody(rawBody)
	if err != nil {
		monitoring.EventsReceived.WithLabelValues("rejected").Inc()
		jsonutil.WriteErrorJSON(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	if err := h.store.TouchWebhookReceived(r.Context(), branchID, time.Now()); err != nil {
		log.Warn("failed to stamp webhook receipt", "error", err)
	}

	results := make([]eventResult, 0, len(payloads))
	for _, payload := range payloads {
		results = append(results, h.acceptEvent(r.Context(), log, payload, branchID))
	}

	jsonutil.WriteJSON(w, http.StatusOK, map[string]any{
		"received":  true,
		"processed": len(results),
		"results":   results,
	})
}

// acceptEvent normalizes one payload and enqueues it. Skips are reported to
// the POS so a misconfigured vendor mapping shows up in their delivery logs.
func (h *Handler) acceptEvent(ctx context.Context, log *observability.Logger, payload map[string]any, branchID string) eventResult {
	ev := pos.Normalize(payload, branchID)
	if ev == nil {
		monitoring.EventsReceived.WithLabelValues("skipped").Inc()
		return eventResult{Status: "skipped", Reason: "unrecognized event type or missing customer phone"}
	}
	if err := h.queue.Enqueue(ctx, ev); err != nil {
		monitoring.EventsReceived.WithLabelValues("error").Inc()
		log.Error("failed to enqueue event", "pos_event_id", ev.PosEventID, "error", err)
		return eventResult{Status: "error", EventType: string(ev.EventType), PosEventID: ev.PosEventID, Reason: "queue unavailable"}
	}
	monitoring.EventsReceived.WithLabelValues("accepted").Inc()
	log.Info("event accepted", "pos_event_id", ev.PosEventID, "event_type", ev.EventType)
	return eventResult{Status: "accepted", EventType: string(ev.EventType), PosEventID: ev.PosEventID}
}

// decodeWebhookBody accepts a single event object, a bare array of events,
// or an {events: [...]} wrapper.
func decodeWebhookBody(raw []byte) ([]map[string]any, error) {
	var list []map[string]any
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}

	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	if wrapped, ok := obj["events"].([]any); ok {
		events := make([]map[string]any, 0, len(wrapped))
		for _, item := range wrapped {
			if m, ok := item.(map[string]any); ok {
				events = append(events, m)
			}
		}
		return events, nil
	}
	return []map[string]any{obj}, nil
}

// handleWebhookStatus reports webhook liveness. With a branchId query
// parameter it includes that branch's webhook state; the POS vendors use the
// bare form as an endpoint ping.
func (h *Handler) handleWebhookStatus(w http.ResponseWriter, r *http.Request) {
	branchID := r.URL.Query().Get("branchId")
	if branchID == "" {
		jsonutil.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok"})
		return
	}

	cfg, err := h.store.GetBranchConfig(r.Context(), branchID)
	if err != nil {
		jsonutil.WriteErrorJSON(w, http.StatusInternalServerError, "internal error")
		return
	}
	if cfg == nil {
		jsonutil.WriteErrorJSON(w, http.StatusNotFound, "branch not configured")
		return
	}
	jsonutil.WriteJSON(w, http.StatusOK, map[string]any{
		"status":              "ok",
		"webhookEnabled":      cfg.WebhookEnabled,
		"lastEventReceivedAt": cfg.LastWebhookAt,
	})
}

func (h *Handler) handleGetIntegrations(w http.ResponseWriter, r *http.Request) {
	branchID := r.URL.Query().Get("branchId")
	if branchID == "" {
		jsonutil.WriteErrorJSON(w, http.StatusBadRequest, "missing branchId parameter")
		return
	}
	cfg, err := h.store.GetBranchConfig(r.Context(), branchID)
	if err != nil {
		jsonutil.WriteErrorJSON(w, http.StatusInternalServerError, "internal error")
		return
	}
	if cfg == nil {
		jsonutil.WriteErrorJSON(w, http.StatusNotFound, "branch not configured")
		return
	}
	jsonutil.WriteJSON(w, http.StatusOK, redactConfig(cfg))
}

// redactConfig blanks stored SMS and POS credentials before a config leaves
// the service. The webhook secret stays: operators paste it into the POS.
func redactConfig(cfg *store.BranchConfig) *store.BranchConfig {
	out := *cfg
	out.SMSAPIKey = ""
	out.SMSAuthToken = ""
	out.PosAPIKey = ""
	return &out
}

// handleSaveIntegrations upserts a branch config. The first save mints the
// branch's webhook secret; later saves never rotate it.
func (h *Handler) handleSaveIntegrations(w http.ResponseWriter, r *http.Request) {
	var cfg store.BranchConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		jsonutil.WriteErrorJSON(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if cfg.BranchID == "" {
		jsonutil.WriteErrorJSON(w, http.StatusBadRequest, "branch_id is required")
		return
	}
	if cfg.CountryCode == "" {
		cfg.CountryCode = sms.DefaultCountryCode
	}
	if cfg.OptOutKeyword == "" {
		cfg.OptOutKeyword = "STOP"
	}

	existing, err := h.store.GetBranchConfig(r.Context(), cfg.BranchID)
	if err != nil {
		jsonutil.WriteErrorJSON(w, http.StatusInternalServerError, "internal error")
		return
	}
	if existing == nil {
		secret, err := secrets.NewWebhookSecret()
		if err != nil {
			jsonutil.WriteErrorJSON(w, http.StatusInternalServerError, "failed to generate webhook secret")
			return
		}
		cfg.WebhookSecret = secret
	}

	if err := h.store.SaveBranchConfig(r.Context(), &cfg); err != nil {
		h.logger.Error("failed to save branch config", "branch_id", cfg.BranchID, "error", err)
		jsonutil.WriteErrorJSON(w, http.StatusInternalServerError, "failed to save configuration")
		return
	}

	saved, err := h.store.GetBranchConfig(r.Context(), cfg.BranchID)
	if err != nil || saved == nil {
		jsonutil.WriteErrorJSON(w, http.StatusInternalServerError, "failed to reload configuration")
		return
	}
	h.logger.Info("branch config saved", "branch_id", cfg.BranchID)
	jsonutil.WriteJSON(w, http.StatusOK, redactConfig(saved))
}

// handleTestSms sends a canned message to the given phone using the branch's
// saved SMS credentials.
func (h *Handler) handleTestSms(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BranchID string `json:"branch_id"`
		Phone    string `json:"phone"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.BranchID == "" || req.Phone == "" {
		jsonutil.WriteErrorJSON(w, http.StatusBadRequest, "branch_id and phone are required")
		return
	}
	cfg, err := h.store.GetBranchConfig(r.Context(), req.BranchID)
	if err != nil {
		jsonutil.WriteErrorJSON(w, http.StatusInternalServerError, "internal error")
		return
	}
	if cfg == nil {
		jsonutil.WriteErrorJSON(w, http.StatusNotFound, "branch not configured")
		return
	}

	result := h.smsClient.TestConnection(r.Context(), req.Phone, sms.ConfigFromBranch(cfg), cfg.BranchName)
	jsonutil.WriteJSON(w, http.StatusOK, result)
}

// handleTestPos probes a POS API with the supplied credentials, falling back
// to the branch's saved ones. Used from the dashboard before saving.
func (h *Handler) handleTestPos(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BranchID      string `json:"branch_id"`
		PosAPIBaseURL string `json:"pos_api_base_url"`
		PosAPIKey     string `json:"pos_api_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonutil.WriteErrorJSON(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	baseURL, apiKey := req.PosAPIBaseURL, req.PosAPIKey
	if baseURL == "" && req.BranchID != "" {
		cfg, err := h.store.GetBranchConfig(r.Context(), req.BranchID)
		if err != nil {
			jsonutil.WriteErrorJSON(w, http.StatusInternalServerError, "internal error")
			return
		}
		if cfg != nil {
			baseURL, apiKey = cfg.PosAPIBaseURL, cfg.PosAPIKey
		}
	}
	if baseURL == "" {
		jsonutil.WriteErrorJSON(w, http.StatusBadRequest, "no POS API URL configured")
		return
	}

	result := pos.TestConnection(r.Context(), h.httpClient, baseURL, apiKey)
	jsonutil.WriteJSON(w, http.StatusOK, result)
}
