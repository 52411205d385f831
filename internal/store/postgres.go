package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Postgres implements Store on database/sql. All dedup-sensitive writes are
// expressed as single atomic statements; the unique constraints in
// schema.sql are the serialization boundary, not in-process locking.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// BranchConfig

const branchConfigColumns = `
	id, branch_id, branch_name, webhook_secret, webhook_enabled,
	automation_enabled, retry_failed_sms, pos_api_base_url, pos_api_key,
	sms_provider, sms_api_key, sms_username, sms_sender_id, sms_account_sid,
	sms_auth_token, sms_from_number, country_code, default_delay_minutes,
	opt_out_keyword, last_webhook_at, active, created_at, updated_at`

func (p *Postgres) GetBranchConfig(ctx context.Context, branchID string) (*BranchConfig, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+branchConfigColumns+` FROM branch_configs WHERE branch_id = $1`, branchID)

	var c BranchConfig
	err := row.Scan(
		&c.ID, &c.BranchID, &c.BranchName, &c.WebhookSecret, &c.WebhookEnabled,
		&c.AutomationEnabled, &c.RetryFailedSMS, &c.PosAPIBaseURL, &c.PosAPIKey,
		&c.SMSProvider, &c.SMSAPIKey, &c.SMSUsername, &c.SMSSenderID, &c.SMSAccountSID,
		&c.SMSAuthToken, &c.SMSFromNumber, &c.CountryCode, &c.DefaultDelayMinutes,
		&c.OptOutKeyword, &c.LastWebhookAt, &c.Active, &c.CreatedAt, &c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get branch config: %w", err)
	}
	return &c, nil
}

func (p *Postgres) SaveBranchConfig(ctx context.Context, cfg *BranchConfig) error {
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO branch_configs (`+branchConfigColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
		ON CONFLICT (branch_id) DO UPDATE SET
			branch_name = EXCLUDED.branch_name,
			webhook_enabled = EXCLUDED.webhook_enabled,
			automation_enabled = EXCLUDED.automation_enabled,
			retry_failed_sms = EXCLUDED.retry_failed_sms,
			pos_api_base_url = EXCLUDED.pos_api_base_url,
			pos_api_key = EXCLUDED.pos_api_key,
			sms_provider = EXCLUDED.sms_provider,
			sms_api_key = EXCLUDED.sms_api_key,
			sms_username = EXCLUDED.sms_username,
			sms_sender_id = EXCLUDED.sms_sender_id,
			sms_account_sid = EXCLUDED.sms_account_sid,
			sms_auth_token = EXCLUDED.sms_auth_token,
			sms_from_number = EXCLUDED.sms_from_number,
			country_code = EXCLUDED.country_code,
			default_delay_minutes = EXCLUDED.default_delay_minutes,
			opt_out_keyword = EXCLUDED.opt_out_keyword,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at`,
		cfg.ID, cfg.BranchID, cfg.BranchName, cfg.WebhookSecret, cfg.WebhookEnabled,
		cfg.AutomationEnabled, cfg.RetryFailedSMS, cfg.PosAPIBaseURL, cfg.PosAPIKey,
		cfg.SMSProvider, cfg.SMSAPIKey, cfg.SMSUsername, cfg.SMSSenderID, cfg.SMSAccountSID,
		cfg.SMSAuthToken, cfg.SMSFromNumber, cfg.CountryCode, cfg.DefaultDelayMinutes,
		cfg.OptOutKeyword, cfg.LastWebhookAt, cfg.Active, cfg.CreatedAt, cfg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save branch config: %w", err)
	}
	return nil
}

func (p *Postgres) TouchWebhookReceived(ctx context.Context, branchID string, at time.Time) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE branch_configs SET last_webhook_at = $1 WHERE branch_id = $2`, at, branchID)
	return err
}

// PosEvent

const posEventColumns = `
	id, branch_id, pos_event_id, event_type, source, raw_payload,
	customer_phone, customer_name, order_id, appointment_date,
	processed, processed_at, sms_triggered, error, created_at`

func (p *Postgres) GetPosEvent(ctx context.Context, branchID, posEventID string) (*PosEvent, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+posEventColumns+` FROM pos_events WHERE branch_id = $1 AND pos_event_id = $2`,
		branchID, posEventID)
	return scanPosEvent(row)
}

func scanPosEvent(row *sql.Row) (*PosEvent, error) {
	var ev PosEvent
	var raw []byte
	err := row.Scan(
		&ev.ID, &ev.BranchID, &ev.PosEventID, &ev.EventType, &ev.Source, &raw,
		&ev.CustomerPhone, &ev.CustomerName, &ev.OrderID, &ev.AppointmentDate,
		&ev.Processed, &ev.ProcessedAt, &ev.SMSTriggered, &ev.Error, &ev.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pos event: %w", err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &ev.RawPayload); err != nil {
			return nil, fmt.Errorf("decode raw payload: %w", err)
		}
	}
	return &ev, nil
}

func (p *Postgres) ClaimPosEvent(ctx context.Context, ev *PosEvent) (bool, error) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(ev.RawPayload)
	if err != nil {
		return false, fmt.Errorf("encode raw payload: %w", err)
	}

	// Insert-or-fail is the dedup serialization point: the loser of a
	// concurrent race sees created=false and must re-read the row.
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO pos_events (`+posEventColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,FALSE,NULL,FALSE,'',$11)
		ON CONFLICT (branch_id, pos_event_id) DO NOTHING`,
		ev.ID, ev.BranchID, ev.PosEventID, ev.EventType, ev.Source, raw,
		ev.CustomerPhone, ev.CustomerName, ev.OrderID, ev.AppointmentDate, ev.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("claim pos event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *Postgres) MarkPosEventProcessed(ctx context.Context, id string, smsTriggered bool, procErr string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE pos_events
		SET processed = TRUE, processed_at = $1, sms_triggered = $2, error = $3
		WHERE id = $4 AND processed = FALSE`,
		time.Now().UTC(), smsTriggered, procErr, id)
	if err != nil {
		return fmt.Errorf("mark pos event processed: %w", err)
	}
	return nil
}

// Customer

const customerColumns = `
	id, branch_id, name, phone, source, pos_customer_id, opted_out,
	last_visit_at, last_purchase_at, tags, created_at, updated_at`

func (p *Postgres) GetCustomerByPhone(ctx context.Context, branchID, phone string) (*Customer, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+customerColumns+` FROM customers WHERE branch_id = $1 AND phone = $2`,
		branchID, phone)
	return scanCustomer(row)
}

func (p *Postgres) GetCustomerByID(ctx context.Context, id string) (*Customer, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+customerColumns+` FROM customers WHERE id = $1`, id)
	return scanCustomer(row)
}

func scanCustomer(row *sql.Row) (*Customer, error) {
	var c Customer
	err := row.Scan(
		&c.ID, &c.BranchID, &c.Name, &c.Phone, &c.Source, &c.PosCustomerID, &c.OptedOut,
		&c.LastVisitAt, &c.LastPurchaseAt, pq.Array(&c.Tags), &c.CreatedAt, &c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get customer: %w", err)
	}
	return &c, nil
}

func (p *Postgres) CreateCustomer(ctx context.Context, c *Customer) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO customers (`+customerColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		c.ID, c.BranchID, c.Name, c.Phone, c.Source, c.PosCustomerID, c.OptedOut,
		c.LastVisitAt, c.LastPurchaseAt, pq.Array(c.Tags), c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create customer: %w", err)
	}
	return nil
}

func (p *Postgres) UpdateCustomerActivity(ctx context.Context, id string, visitAt, purchaseAt *time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE customers SET
			last_visit_at = COALESCE($1, last_visit_at),
			last_purchase_at = COALESCE($2, last_purchase_at),
			updated_at = $3
		WHERE id = $4`,
		visitAt, purchaseAt, time.Now().UTC(), id)
	return err
}

// Template

const templateColumns = `
	id, branch_id, name, type, trigger_event, message,
	delay_value, delay_unit, status, created_at, updated_at`

func (p *Postgres) FindActiveTemplate(ctx context.Context, branchID string, trigger EventType) (*Template, error) {
	// Most recently updated active template wins the tie-break.
	row := p.db.QueryRowContext(ctx, `
		SELECT `+templateColumns+` FROM templates
		WHERE branch_id = $1 AND trigger_event = $2 AND status = $3 AND type = $4
		ORDER BY updated_at DESC
		LIMIT 1`,
		branchID, trigger, TemplateActive, TemplateAutomatic)
	return scanTemplate(row)
}

func (p *Postgres) GetTemplateByID(ctx context.Context, id string) (*Template, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+templateColumns+` FROM templates WHERE id = $1`, id)
	return scanTemplate(row)
}

func scanTemplate(row *sql.Row) (*Template, error) {
	var t Template
	err := row.Scan(
		&t.ID, &t.BranchID, &t.Name, &t.Type, &t.TriggerEvent, &t.Message,
		&t.DelayValue, &t.DelayUnit, &t.Status, &t.CreatedAt, &t.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get template: %w", err)
	}
	return &t, nil
}

func (p *Postgres) SaveTemplate(ctx context.Context, t *Template) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO templates (`+templateColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			type = EXCLUDED.type,
			trigger_event = EXCLUDED.trigger_event,
			message = EXCLUDED.message,
			delay_value = EXCLUDED.delay_value,
			delay_unit = EXCLUDED.delay_unit,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`,
		t.ID, t.BranchID, t.Name, t.Type, t.TriggerEvent, t.Message,
		t.DelayValue, t.DelayUnit, t.Status, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save template: %w", err)
	}
	return nil
}

// Reminder

const reminderColumns = `
	id, branch_id, customer_id, template_id, type, related_event,
	scheduled_at, status, sent_at, error, created_at`

func (p *Postgres) CreateReminder(ctx context.Context, r *Reminder) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO reminders (`+reminderColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		r.ID, r.BranchID, r.CustomerID, r.TemplateID, r.Type, r.RelatedEvent,
		r.ScheduledAt, r.Status, r.SentAt, r.Error, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create reminder: %w", err)
	}
	return nil
}

func (p *Postgres) ClaimDueReminders(ctx context.Context, now time.Time, limit int) ([]*Reminder, error) {
	// Claiming and selecting in one statement keeps overlapping sweeps from
	// picking the same reminder. SKIP LOCKED covers concurrent sweepers.
	rows, err := p.db.QueryContext(ctx, `
		UPDATE reminders SET status = $1, claimed_at = $2
		WHERE id IN (
			SELECT id FROM reminders
			WHERE status = $3 AND scheduled_at <= $2
			ORDER BY scheduled_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+reminderColumns,
		ReminderSending, now, ReminderPending, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due reminders: %w", err)
	}
	defer rows.Close()

	var reminders []*Reminder
	for rows.Next() {
		var r Reminder
		if err := rows.Scan(
			&r.ID, &r.BranchID, &r.CustomerID, &r.TemplateID, &r.Type, &r.RelatedEvent,
			&r.ScheduledAt, &r.Status, &r.SentAt, &r.Error, &r.CreatedAt,
		); err != nil {
			return nil, err
		}
		reminders = append(reminders, &r)
	}
	return reminders, rows.Err()
}

func (p *Postgres) ResolveReminder(ctx context.Context, id string, status ReminderStatus, sentAt *time.Time, errMsg string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE reminders SET status = $1, sent_at = $2, error = $3 WHERE id = $4`,
		status, sentAt, errMsg, id)
	if err != nil {
		return fmt.Errorf("resolve reminder: %w", err)
	}
	return nil
}

func (p *Postgres) RequeueStaleSending(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE reminders SET status = $1, claimed_at = NULL
		WHERE status = $2 AND claimed_at < $3`,
		ReminderPending, ReminderSending, olderThan)
	if err != nil {
		return 0, fmt.Errorf("requeue stale reminders: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// SmsLog

func (p *Postgres) CreateSmsLog(ctx context.Context, l *SmsLog) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	if l.StatusUpdatedAt.IsZero() {
		l.StatusUpdatedAt = now
	}
	templateID := sql.NullString{String: l.TemplateID, Valid: l.TemplateID != ""}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO sms_logs (
			id, branch_id, customer_id, template_id, phone, message, provider,
			provider_msg_id, status, error_message, cost, status_updated_at, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		l.ID, l.BranchID, l.CustomerID, templateID, l.Phone, l.Message, l.Provider,
		l.ProviderMsgID, l.Status, l.ErrorMessage, l.Cost, l.StatusUpdatedAt, l.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create sms log: %w", err)
	}
	return nil
}
