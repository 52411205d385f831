package store

import (
	"time"
)

// EventType is the POS-vendor-agnostic event classification that drives
// template matching. Raw POS event names are mapped onto this closed set
// by the payload normalizer.
type EventType string

const (
	AfterVisit         EventType = "AFTER_VISIT"
	AfterPurchase      EventType = "AFTER_PURCHASE"
	RepairLogged       EventType = "REPAIR_LOGGED"
	RepairCompleted    EventType = "REPAIR_COMPLETED"
	OrderCollected     EventType = "ORDER_COLLECTED"
	CustomTimeReminder EventType = "CUSTOM_TIME_REMINDER"
	FollowupNeeded     EventType = "FOLLOWUP_NEEDED"
	SeasonalCheckup    EventType = "SEASONAL_CHECKUP"
	EyeExamDue         EventType = "EYE_EXAM_DUE"
)

// Provider identifies the configured SMS backend for a branch.
type Provider string

const (
	ProviderAfricasTalking Provider = "AFRICAS_TALKING"
	ProviderTwilio         Provider = "TWILIO"
	ProviderVeriSend       Provider = "VERISEND"
	ProviderCustom         Provider = "CUSTOM"
)

// EventSource records how a PosEvent reached us.
type EventSource string

const (
	SourceWebhook EventSource = "WEBHOOK"
	SourceAPIPoll EventSource = "API_POLL"
)

// BranchConfig holds the per-branch integration settings. Created on first
// save by an operator; never deleted, only deactivated.
type BranchConfig struct {
	ID                  string     `json:"id"`
	BranchID            string     `json:"branch_id"`
	BranchName          string     `json:"branch_name"`
	WebhookSecret       string     `json:"webhook_secret"`
	WebhookEnabled      bool       `json:"webhook_enabled"`
	AutomationEnabled   bool       `json:"automation_enabled"`
	RetryFailedSMS      bool       `json:"retry_failed_sms"`
	PosAPIBaseURL       string     `json:"pos_api_base_url,omitempty"`
	PosAPIKey           string     `json:"pos_api_key,omitempty"`
	SMSProvider         Provider   `json:"sms_provider"`
	SMSAPIKey           string     `json:"sms_api_key,omitempty"`
	SMSUsername         string     `json:"sms_username,omitempty"`
	SMSSenderID         string     `json:"sms_sender_id,omitempty"`
	SMSAccountSID       string     `json:"sms_account_sid,omitempty"`
	SMSAuthToken        string     `json:"sms_auth_token,omitempty"`
	SMSFromNumber       string     `json:"sms_from_number,omitempty"`
	CountryCode         string     `json:"country_code"`
	DefaultDelayMinutes int        `json:"default_delay_minutes"`
	OptOutKeyword       string     `json:"opt_out_keyword"`
	LastWebhookAt       *time.Time `json:"last_webhook_received_at,omitempty"`
	Active              bool       `json:"active"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// PosEvent is the durable record of one inbound raw event. The pair
// (BranchID, PosEventID) is unique and is the dedup key for the whole
// pipeline. Rows are never deleted.
type PosEvent struct {
	ID              string         `json:"id"`
	BranchID        string         `json:"branch_id"`
	PosEventID      string         `json:"pos_event_id"`
	EventType       EventType      `json:"event_type"`
	Source          EventSource    `json:"source"`
	RawPayload      map[string]any `json:"raw_payload"`
	CustomerPhone   string         `json:"customer_phone"`
	CustomerName    string         `json:"customer_name"`
	OrderID         string         `json:"order_id,omitempty"`
	AppointmentDate *time.Time     `json:"appointment_date,omitempty"`
	Processed       bool           `json:"processed"`
	ProcessedAt     *time.Time     `json:"processed_at,omitempty"`
	SMSTriggered    bool           `json:"sms_triggered"`
	Error           string         `json:"error,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// CustomerSource distinguishes rows created by the pipeline from rows
// entered through the dashboard.
type CustomerSource string

const (
	CustomerFromPOS    CustomerSource = "POS"
	CustomerFromManual CustomerSource = "MANUAL"
)

// Customer is keyed by (BranchID, Phone) where Phone is always the
// normalized international form.
type Customer struct {
	ID             string         `json:"id"`
	BranchID       string         `json:"branch_id"`
	Name           string         `json:"name"`
	Phone          string         `json:"phone"`
	Source         CustomerSource `json:"source"`
	PosCustomerID  string         `json:"pos_customer_id,omitempty"`
	OptedOut       bool           `json:"opted_out"`
	LastVisitAt    *time.Time     `json:"last_visit_at,omitempty"`
	LastPurchaseAt *time.Time     `json:"last_purchase_at,omitempty"`
	Tags           []string       `json:"tags,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

type TemplateType string

const (
	TemplateAutomatic TemplateType = "AUTOMATIC"
	TemplateManual    TemplateType = "MANUAL"
)

type TemplateStatus string

const (
	TemplateActive TemplateStatus = "ACTIVE"
	TemplatePaused TemplateStatus = "PAUSED"
)

type DelayUnit string

const (
	DelayMinutes DelayUnit = "MINUTES"
	DelayHours   DelayUnit = "HOURS"
	DelayDays    DelayUnit = "DAYS"
	DelayWeeks   DelayUnit = "WEEKS"
	DelayMonths  DelayUnit = "MONTHS"
)

// Template is a parametrized message body tied to a trigger event and an
// optional send delay. When several active automatic templates share a
// trigger, the most recently updated one wins.
type Template struct {
	ID           string         `json:"id"`
	BranchID     string         `json:"branch_id"`
	Name         string         `json:"name"`
	Type         TemplateType   `json:"type"`
	TriggerEvent EventType      `json:"trigger_event"`
	Message      string         `json:"message"`
	DelayValue   int            `json:"delay_value"`
	DelayUnit    DelayUnit      `json:"delay_unit"`
	Status       TemplateStatus `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// ScheduledFor applies the template's delay to the given base time.
// Days, weeks and months use calendar arithmetic.
func (t *Template) ScheduledFor(base time.Time) time.Time {
	if t.DelayValue <= 0 {
		return base
	}
	switch t.DelayUnit {
	case DelayMinutes:
		return base.Add(time.Duration(t.DelayValue) * time.Minute)
	case DelayHours:
		return base.Add(time.Duration(t.DelayValue) * time.Hour)
	case DelayDays:
		return base.AddDate(0, 0, t.DelayValue)
	case DelayWeeks:
		return base.AddDate(0, 0, t.DelayValue*7)
	case DelayMonths:
		return base.AddDate(0, t.DelayValue, 0)
	default:
		return base
	}
}

type ReminderStatus string

const (
	ReminderPending   ReminderStatus = "PENDING"
	ReminderSending   ReminderStatus = "SENDING"
	ReminderSent      ReminderStatus = "SENT"
	ReminderFailed    ReminderStatus = "FAILED"
	ReminderSkipped   ReminderStatus = "SKIPPED"
	ReminderCancelled ReminderStatus = "CANCELLED"
)

// Reminder is a persisted, time-deferred send obligation. Created by the
// automation engine, consumed by the sweeper which flips it to a terminal
// status. SENDING is the in-flight claim state between the two.
type Reminder struct {
	ID           string         `json:"id"`
	BranchID     string         `json:"branch_id"`
	CustomerID   string         `json:"customer_id"`
	TemplateID   string         `json:"template_id"`
	Type         EventType      `json:"type"`
	RelatedEvent string         `json:"related_event,omitempty"`
	ScheduledAt  time.Time      `json:"scheduled_at"`
	Status       ReminderStatus `json:"status"`
	SentAt       *time.Time     `json:"sent_at,omitempty"`
	Error        string         `json:"error,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

type SmsStatus string

const (
	SmsPending   SmsStatus = "PENDING"
	SmsSent      SmsStatus = "SENT"
	SmsFailed    SmsStatus = "FAILED"
	SmsDelivered SmsStatus = "DELIVERED"
)

// SmsLog is the append-only audit record of one attempted send. Only later
// delivery-status callbacks may touch a row after creation.
type SmsLog struct {
	ID              string    `json:"id"`
	BranchID        string    `json:"branch_id"`
	CustomerID      string    `json:"customer_id"`
	TemplateID      string    `json:"template_id,omitempty"`
	Phone           string    `json:"phone"`
	Message         string    `json:"message"`
	Provider        Provider  `json:"provider"`
	ProviderMsgID   string    `json:"provider_msg_id,omitempty"`
	Status          SmsStatus `json:"status"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	Cost            float64   `json:"cost,omitempty"`
	StatusUpdatedAt time.Time `json:"status_updated_at"`
	CreatedAt       time.Time `json:"created_at"`
}
