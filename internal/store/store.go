package store

import (
	"context"
	"time"
)

// BranchConfigStore manages per-branch integration settings.
type BranchConfigStore interface {
	// GetBranchConfig returns nil, nil when the branch has no config.
	GetBranchConfig(ctx context.Context, branchID string) (*BranchConfig, error)
	// SaveBranchConfig upserts the config keyed by BranchID. The webhook
	// secret of an existing row is preserved.
	SaveBranchConfig(ctx context.Context, cfg *BranchConfig) error
	// TouchWebhookReceived stamps the last-webhook-received time.
	TouchWebhookReceived(ctx context.Context, branchID string, at time.Time) error
}

// PosEventStore persists raw POS events and enforces the
// (branch_id, pos_event_id) uniqueness that makes the pipeline idempotent.
type PosEventStore interface {
	// GetPosEvent returns nil, nil when no row exists.
	GetPosEvent(ctx context.Context, branchID, posEventID string) (*PosEvent, error)
	// ClaimPosEvent atomically inserts the event. created reports whether
	// this call created the row; false means another delivery got there
	// first and the caller must re-read to learn its processed state.
	ClaimPosEvent(ctx context.Context, ev *PosEvent) (created bool, err error)
	// MarkPosEventProcessed flips the row to processed exactly once,
	// recording whether an SMS was triggered and any terminal error.
	MarkPosEventProcessed(ctx context.Context, id string, smsTriggered bool, procErr string) error
}

// CustomerStore manages customers keyed by (branch_id, normalized phone).
type CustomerStore interface {
	GetCustomerByPhone(ctx context.Context, branchID, phone string) (*Customer, error)
	GetCustomerByID(ctx context.Context, id string) (*Customer, error)
	CreateCustomer(ctx context.Context, c *Customer) error
	// UpdateCustomerActivity sets last-visit / last-purchase timestamps.
	// Nil fields are left untouched.
	UpdateCustomerActivity(ctx context.Context, id string, visitAt, purchaseAt *time.Time) error
}

// TemplateStore resolves message templates.
type TemplateStore interface {
	// FindActiveTemplate returns the active AUTOMATIC template for the
	// trigger with the most recent update time, or nil, nil when none match.
	FindActiveTemplate(ctx context.Context, branchID string, trigger EventType) (*Template, error)
	GetTemplateByID(ctx context.Context, id string) (*Template, error)
	SaveTemplate(ctx context.Context, t *Template) error
}

// ReminderStore manages deferred sends.
type ReminderStore interface {
	CreateReminder(ctx context.Context, r *Reminder) error
	// ClaimDueReminders selects up to limit PENDING reminders due at or
	// before now and flips them to SENDING in the same operation, so
	// overlapping sweeps never pick the same row.
	ClaimDueReminders(ctx context.Context, now time.Time, limit int) ([]*Reminder, error)
	// ResolveReminder writes the terminal status for a claimed reminder.
	ResolveReminder(ctx context.Context, id string, status ReminderStatus, sentAt *time.Time, errMsg string) error
	// RequeueStaleSending returns SENDING rows older than the cutoff to
	// PENDING. Recovers reminders orphaned by a crash mid-sweep.
	RequeueStaleSending(ctx context.Context, olderThan time.Time) (int, error)
}

// SmsLogStore appends audit records of attempted sends.
type SmsLogStore interface {
	CreateSmsLog(ctx context.Context, l *SmsLog) error
}

// Store aggregates the per-entity ports. The engine and sweeper receive a
// Store explicitly; nothing in the core reaches for package-level state.
type Store interface {
	BranchConfigStore
	PosEventStore
	CustomerStore
	TemplateStore
	ReminderStore
	SmsLogStore
}
