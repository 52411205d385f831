// Package automation turns normalized POS events into at most one outbound
// message each, either sent immediately or persisted as a deferred Reminder.
package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bausoptical/lenses/internal/pos"
	"github.com/bausoptical/lenses/internal/sms"
	"github.com/bausoptical/lenses/internal/store"
	"github.com/bausoptical/lenses/pkg/monitoring"
	"github.com/bausoptical/lenses/pkg/observability"
)

// immediateWindow is the near-immediacy threshold: a computed send time
// within this window of now is sent right away instead of scheduled.
const immediateWindow = 30 * time.Second

// Dispatcher sends one SMS through a provider backend.
type Dispatcher interface {
	Send(ctx context.Context, params sms.SendParams, cfg sms.Config) sms.Result
}

// OutcomePublisher receives pipeline outcome events for downstream
// consumers (dashboards, analytics). Implementations must be cheap to call;
// failures are logged and swallowed.
type OutcomePublisher interface {
	Publish(ctx context.Context, key string, value []byte) error
}

// PipelineResult reports what the engine did with one event. Skips are
// explicit outcomes, not errors: duplicates, opted-out customers and
// disabled automation all land here with Success=true.
type PipelineResult struct {
	Success    bool   `json:"success"`
	Skipped    bool   `json:"skipped,omitempty"`
	Reason     string `json:"reason,omitempty"`
	SmsLogID   string `json:"sms_log_id,omitempty"`
	ReminderID string `json:"reminder_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Engine is the single authoritative place where a normalized event becomes
// zero or one outbound message. All collaborators are injected; the Redis
// client and publisher are optional and nil-safe.
type Engine struct {
	store      store.Store
	dispatcher Dispatcher
	redis      *redis.Client
	publisher  OutcomePublisher
	logger     *observability.Logger
	now        func() time.Time
}

func NewEngine(st store.Store, dispatcher Dispatcher, logger *observability.Logger) *Engine {
	return &Engine{
		store:      st,
		dispatcher: dispatcher,
		logger:     logger,
		now:        time.Now,
	}
}

// WithRedis attaches a fast-path dedup cache. The database unique
// constraint remains the serialization point; Redis only short-circuits
// obvious replays before they reach it.
func (e *Engine) WithRedis(client *redis.Client) *Engine {
	e.redis = client
	return e
}

// WithPublisher attaches an outcome event publisher.
func (e *Engine) WithPublisher(p OutcomePublisher) *Engine {
	e.publisher = p
	return e
}

// WithClock overrides the engine's clock. Used by tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

func (e *Engine) dedupKey(branchID, posEventID string) string {
	return fmt.Sprintf("posevent:done:%s:%s", branchID, posEventID)
}

// ProcessPosEvent runs the pipeline for one event:
// dedup → persist raw → config → customer → opt-out → template → render →
// send now or schedule. Safe to call repeatedly with the same event; only
// the first call past the claim produces side effects. Panics anywhere in
// the pipeline are converted to a failure result so one bad event cannot
// take down the worker.
func (e *Engine) ProcessPosEvent(ctx context.Context, event *pos.NormalizedEvent) (result PipelineResult) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("pipeline panic", "pos_event_id", event.PosEventID, "panic", fmt.Sprint(r))
			result = PipelineResult{Success: false, Error: fmt.Sprintf("internal error: %v", r)}
		}
	}()

	log := e.logger.With("branch_id", event.BranchID, "pos_event_id", event.PosEventID, "event_type", event.EventType)

	// 1. Fast-path dedup. Advisory only.
	if e.redis != nil {
		if exists, err := e.redis.Exists(ctx, e.dedupKey(event.BranchID, event.PosEventID)).Result(); err != nil {
			log.Warn("redis dedup check failed", "error", err)
		} else if exists > 0 {
			monitoring.EventsProcessed.WithLabelValues("duplicate").Inc()
			return PipelineResult{Success: true, Skipped: true, Reason: "already processed"}
		}
	}

	existing, err := e.store.GetPosEvent(ctx, event.BranchID, event.PosEventID)
	if err != nil {
		return e.fail(ctx, log, event, "", fmt.Errorf("dedup lookup: %w", err))
	}
	if existing != nil && existing.Processed {
		monitoring.EventsProcessed.WithLabelValues("duplicate").Inc()
		return PipelineResult{Success: true, Skipped: true, Reason: "already processed"}
	}

	// 2. Persist the raw event before any side effects. The claim is an
	// atomic insert: of two concurrent deliveries exactly one creates the
	// row, and the loser re-reads to learn whether it should resume or stop.
	stored := e.buildPosEvent(event)
	created, err := e.store.ClaimPosEvent(ctx, stored)
	if err != nil {
		return e.fail(ctx, log, event, "", fmt.Errorf("claim event: %w", err))
	}
	if !created {
		existing, err = e.store.GetPosEvent(ctx, event.BranchID, event.PosEventID)
		if err != nil {
			return e.fail(ctx, log, event, "", fmt.Errorf("reread after claim: %w", err))
		}
		if existing == nil || existing.Processed {
			monitoring.EventsProcessed.WithLabelValues("duplicate").Inc()
			return PipelineResult{Success: true, Skipped: true, Reason: "already processed"}
		}
		// Present but unprocessed: an earlier attempt crashed mid-pipeline.
		// Resume against the stored row.
		stored = existing
	}

	// 3. Branch config. Absence is terminal, not retried.
	cfg, err := e.store.GetBranchConfig(ctx, event.BranchID)
	if err != nil {
		return e.fail(ctx, log, event, stored.ID, fmt.Errorf("load branch config: %w", err))
	}
	if cfg == nil {
		e.markProcessed(ctx, log, stored.ID, false, "branch not configured")
		monitoring.EventsProcessed.WithLabelValues("error").Inc()
		return PipelineResult{Success: false, Error: "branch not configured"}
	}

	// 4. Automation toggle.
	if !cfg.AutomationEnabled {
		e.markProcessed(ctx, log, stored.ID, false, "")
		monitoring.EventsProcessed.WithLabelValues("skipped").Inc()
		return PipelineResult{Success: true, Skipped: true, Reason: "automation disabled for branch"}
	}

	// 5. Find or create the customer under the normalized phone key.
	phone := sms.NormalizePhone(event.CustomerPhone, cfg.CountryCode)
	customer, err := e.store.GetCustomerByPhone(ctx, event.BranchID, phone)
	if err != nil {
		return e.fail(ctx, log, event, stored.ID, fmt.Errorf("lookup customer: %w", err))
	}
	if customer == nil {
		customer = &store.Customer{
			BranchID:      event.BranchID,
			Name:          event.CustomerName,
			Phone:         phone,
			Source:        store.CustomerFromPOS,
			PosCustomerID: event.PosEventID,
		}
		if err := e.store.CreateCustomer(ctx, customer); err != nil {
			return e.fail(ctx, log, event, stored.ID, fmt.Errorf("create customer: %w", err))
		}
	}

	// 6. Opt-out short-circuit.
	if customer.OptedOut {
		e.markProcessed(ctx, log, stored.ID, false, "")
		monitoring.EventsProcessed.WithLabelValues("skipped").Inc()
		return PipelineResult{Success: true, Skipped: true, Reason: "customer opted out"}
	}

	// 7. Activity timestamps. Best-effort; not part of the idempotency
	// contract.
	e.touchCustomerActivity(ctx, log, customer.ID, event.EventType)

	// 8. Template match: most recently updated active automatic template.
	template, err := e.store.FindActiveTemplate(ctx, event.BranchID, event.EventType)
	if err != nil {
		return e.fail(ctx, log, event, stored.ID, fmt.Errorf("find template: %w", err))
	}
	if template == nil {
		reason := fmt.Sprintf("no active template for %s", event.EventType)
		e.markProcessed(ctx, log, stored.ID, false, reason)
		monitoring.EventsProcessed.WithLabelValues("skipped").Inc()
		return PipelineResult{Success: true, Skipped: true, Reason: reason}
	}

	// 9. Render.
	message := sms.RenderTemplate(template.Message, sms.TemplateVariables{
		CustomerName:    event.CustomerName,
		OrderID:         event.OrderID,
		BranchName:      cfg.BranchName,
		AppointmentDate: formatAppointmentDate(event.AppointmentDate),
		DoctorName:      event.DoctorName,
		ProductName:     event.ProductName,
		OptOutKeyword:   cfg.OptOutKeyword,
	})

	// 10. Apply the template delay and decide the path.
	now := e.now()
	sendAt := template.ScheduledFor(now)
	if dueImmediately(sendAt, now) {
		return e.sendNow(ctx, log, cfg, customer, template, stored, message)
	}
	return e.schedule(ctx, log, event, customer, template, stored, sendAt)
}

// dueImmediately reports whether a computed send time falls inside the
// near-immediacy window. The window boundary itself is immediate.
func dueImmediately(sendAt, now time.Time) bool {
	return !sendAt.After(now.Add(immediateWindow))
}

func (e *Engine) buildPosEvent(event *pos.NormalizedEvent) *store.PosEvent {
	source := store.SourceWebhook
	if s, ok := event.RawPayload["_source"].(string); ok && s == string(store.SourceAPIPoll) {
		source = store.SourceAPIPoll
	}
	var appointment *time.Time
	if event.AppointmentDate != "" {
		if t, err := time.Parse(time.RFC3339, event.AppointmentDate); err == nil {
			appointment = &t
		}
	}
	return &store.PosEvent{
		BranchID:        event.BranchID,
		PosEventID:      event.PosEventID,
		EventType:       event.EventType,
		Source:          source,
		RawPayload:      event.RawPayload,
		CustomerPhone:   event.CustomerPhone,
		CustomerName:    event.CustomerName,
		OrderID:         event.OrderID,
		AppointmentDate: appointment,
	}
}

// sendNow dispatches immediately, logs the attempt and closes out the event.
func (e *Engine) sendNow(ctx context.Context, log *observability.Logger, cfg *store.BranchConfig, customer *store.Customer, template *store.Template, stored *store.PosEvent, message string) PipelineResult {
	result := e.dispatcher.Send(ctx, sms.SendParams{
		To:      customer.Phone,
		Message: message,
	}, sms.ConfigFromBranch(cfg))

	status := store.SmsSent
	if !result.Success {
		status = store.SmsFailed
	}
	smsLog := &store.SmsLog{
		BranchID:      stored.BranchID,
		CustomerID:    customer.ID,
		TemplateID:    template.ID,
		Phone:         customer.Phone,
		Message:       message,
		Provider:      cfg.SMSProvider,
		ProviderMsgID: result.ProviderMsgID,
		Status:        status,
		ErrorMessage:  result.Error,
		Cost:          result.Cost,
	}
	if err := e.store.CreateSmsLog(ctx, smsLog); err != nil {
		log.Error("failed to write sms log", "error", err)
	}

	e.markProcessed(ctx, log, stored.ID, true, "")
	e.rememberProcessed(ctx, stored.BranchID, stored.PosEventID)

	monitoring.SmsAttempts.WithLabelValues(string(cfg.SMSProvider), string(status)).Inc()
	if result.Success {
		monitoring.EventsProcessed.WithLabelValues("sent").Inc()
		e.publishOutcome(ctx, "sms.sent", stored, smsLog.ID, "")
		log.Info("sms sent", "sms_log_id", smsLog.ID, "provider", cfg.SMSProvider)
		return PipelineResult{Success: true, SmsLogID: smsLog.ID}
	}
	monitoring.EventsProcessed.WithLabelValues("send_failed").Inc()
	e.publishOutcome(ctx, "sms.failed", stored, smsLog.ID, "")
	log.Warn("sms send failed", "sms_log_id", smsLog.ID, "provider", cfg.SMSProvider, "error", result.Error)
	return PipelineResult{Success: false, SmsLogID: smsLog.ID, Error: result.Error}
}

// schedule persists a pending Reminder for the sweeper and closes out the
// event. The reminder's eventual disposition is not part of this result.
func (e *Engine) schedule(ctx context.Context, log *observability.Logger, event *pos.NormalizedEvent, customer *store.Customer, template *store.Template, stored *store.PosEvent, sendAt time.Time) PipelineResult {
	related := string(event.EventType)
	if event.OrderID != "" {
		related = "Order #" + event.OrderID
	}
	reminder := &store.Reminder{
		BranchID:     event.BranchID,
		CustomerID:   customer.ID,
		TemplateID:   template.ID,
		Type:         event.EventType,
		RelatedEvent: related,
		ScheduledAt:  sendAt,
		Status:       store.ReminderPending,
	}
	if err := e.store.CreateReminder(ctx, reminder); err != nil {
		return e.fail(ctx, log, event, stored.ID, fmt.Errorf("create reminder: %w", err))
	}

	e.markProcessed(ctx, log, stored.ID, false, "")
	e.rememberProcessed(ctx, stored.BranchID, stored.PosEventID)

	monitoring.EventsProcessed.WithLabelValues("scheduled").Inc()
	e.publishOutcome(ctx, "reminder.scheduled", stored, "", reminder.ID)
	log.Info("reminder scheduled", "reminder_id", reminder.ID, "scheduled_at", sendAt)
	return PipelineResult{
		Success:    true,
		ReminderID: reminder.ID,
		Reason:     fmt.Sprintf("scheduled for %s", sendAt.UTC().Format(time.RFC3339)),
	}
}

func (e *Engine) touchCustomerActivity(ctx context.Context, log *observability.Logger, customerID string, eventType store.EventType) {
	now := e.now()
	var visitAt, purchaseAt *time.Time
	switch eventType {
	case store.AfterVisit:
		visitAt = &now
	case store.AfterPurchase:
		purchaseAt = &now
	default:
		return
	}
	if err := e.store.UpdateCustomerActivity(ctx, customerID, visitAt, purchaseAt); err != nil {
		log.Warn("failed to update customer activity", "customer_id", customerID, "error", err)
	}
}

func (e *Engine) markProcessed(ctx context.Context, log *observability.Logger, eventID string, smsTriggered bool, procErr string) {
	if err := e.store.MarkPosEventProcessed(ctx, eventID, smsTriggered, procErr); err != nil {
		log.Error("failed to mark event processed", "event_id", eventID, "error", err)
	}
}

func (e *Engine) rememberProcessed(ctx context.Context, branchID, posEventID string) {
	if e.redis == nil {
		return
	}
	if err := e.redis.Set(ctx, e.dedupKey(branchID, posEventID), "1", 24*time.Hour).Err(); err != nil {
		e.logger.Warn("redis dedup set failed", "error", err)
	}
}

// fail records an unexpected error on the stored event (when it exists) and
// converts it into a structured failure result.
func (e *Engine) fail(ctx context.Context, log *observability.Logger, event *pos.NormalizedEvent, storedID string, err error) PipelineResult {
	log.Error("pipeline failure", "error", err)
	if storedID != "" {
		e.markProcessed(ctx, log, storedID, false, err.Error())
	}
	monitoring.EventsProcessed.WithLabelValues("error").Inc()
	e.publishOutcomeRaw(ctx, "pos.event.failed", map[string]any{
		"branch_id":    event.BranchID,
		"pos_event_id": event.PosEventID,
		"error":        err.Error(),
	})
	return PipelineResult{Success: false, Error: err.Error()}
}

func (e *Engine) publishOutcome(ctx context.Context, eventType string, stored *store.PosEvent, smsLogID, reminderID string) {
	e.publishOutcomeRaw(ctx, eventType, map[string]any{
		"branch_id":    stored.BranchID,
		"pos_event_id": stored.PosEventID,
		"event_type":   stored.EventType,
		"sms_log_id":   smsLogID,
		"reminder_id":  reminderID,
	})
}

func (e *Engine) publishOutcomeRaw(ctx context.Context, eventType string, payload map[string]any) {
	if e.publisher == nil {
		return
	}
	payload["type"] = eventType
	payload["at"] = e.now().UTC().Format(time.RFC3339)
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := e.publisher.Publish(ctx, eventType, body); err != nil {
		e.logger.Warn("failed to publish outcome event", "type", eventType, "error", err)
	}
}

// formatAppointmentDate renders an RFC3339 or date-only timestamp in the
// long form customers see in messages. Unparseable input passes through
// unchanged rather than dropping the variable.
func formatAppointmentDate(raw string) string {
	if raw == "" {
		return ""
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.Format("Monday, 2 January 2006")
		}
	}
	return raw
}
