package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is a map-backed Store used by tests and by local runs without a
// database. Mutations mirror the atomicity of the Postgres implementation:
// claims happen under one lock acquisition.
type Memory struct {
	mu sync.Mutex

	configs   map[string]*BranchConfig // branchID → config
	events    map[string]*PosEvent     // branchID+"\x00"+posEventID → event
	customers map[string]*Customer     // id → customer
	templates map[string]*Template     // id → template
	reminders map[string]*Reminder     // id → reminder
	claimedAt map[string]time.Time     // reminder id → claim time
	smsLogs   []*SmsLog
}

func NewMemory() *Memory {
	return &Memory{
		configs:   make(map[string]*BranchConfig),
		events:    make(map[string]*PosEvent),
		customers: make(map[string]*Customer),
		templates: make(map[string]*Template),
		reminders: make(map[string]*Reminder),
		claimedAt: make(map[string]time.Time),
	}
}

func eventKey(branchID, posEventID string) string {
	return branchID + "\x00" + posEventID
}

func (m *Memory) GetBranchConfig(_ context.Context, branchID string) (*BranchConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.configs[branchID]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, nil
}

func (m *Memory) SaveBranchConfig(_ context.Context, cfg *BranchConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := m.configs[cfg.BranchID]; ok {
		cfg.ID = existing.ID
		cfg.WebhookSecret = existing.WebhookSecret
		cfg.CreatedAt = existing.CreatedAt
	} else {
		if cfg.ID == "" {
			cfg.ID = uuid.New().String()
		}
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now
	cp := *cfg
	m.configs[cfg.BranchID] = &cp
	return nil
}

func (m *Memory) TouchWebhookReceived(_ context.Context, branchID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.configs[branchID]; ok {
		t := at
		c.LastWebhookAt = &t
	}
	return nil
}

func (m *Memory) GetPosEvent(_ context.Context, branchID, posEventID string) (*PosEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev, ok := m.events[eventKey(branchID, posEventID)]; ok {
		cp := *ev
		return &cp, nil
	}
	return nil, nil
}

func (m *Memory) ClaimPosEvent(_ context.Context, ev *PosEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := eventKey(ev.BranchID, ev.PosEventID)
	if _, ok := m.events[key]; ok {
		return false, nil
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	cp := *ev
	cp.Processed = false
	cp.ProcessedAt = nil
	cp.SMSTriggered = false
	cp.Error = ""
	m.events[key] = &cp
	return true, nil
}

func (m *Memory) MarkPosEventProcessed(_ context.Context, id string, smsTriggered bool, procErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range m.events {
		if ev.ID == id && !ev.Processed {
			now := time.Now().UTC()
			ev.Processed = true
			ev.ProcessedAt = &now
			ev.SMSTriggered = smsTriggered
			ev.Error = procErr
			return nil
		}
	}
	return nil
}

func (m *Memory) GetCustomerByPhone(_ context.Context, branchID, phone string) (*Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.customers {
		if c.BranchID == branchID && c.Phone == phone {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *Memory) GetCustomerByID(_ context.Context, id string) (*Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.customers[id]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, nil
}

func (m *Memory) CreateCustomer(_ context.Context, c *Customer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	cp := *c
	m.customers[c.ID] = &cp
	return nil
}

func (m *Memory) UpdateCustomerActivity(_ context.Context, id string, visitAt, purchaseAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.customers[id]; ok {
		if visitAt != nil {
			c.LastVisitAt = visitAt
		}
		if purchaseAt != nil {
			c.LastPurchaseAt = purchaseAt
		}
		c.UpdatedAt = time.Now().UTC()
	}
	return nil
}

// SetOptOut flips a customer's opt-out flag. Used by tests and the inbound
// keyword handling that lives outside the core pipeline.
func (m *Memory) SetOptOut(id string, optedOut bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.customers[id]; ok {
		c.OptedOut = optedOut
	}
}

func (m *Memory) FindActiveTemplate(_ context.Context, branchID string, trigger EventType) (*Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matches []*Template
	for _, t := range m.templates {
		if t.BranchID == branchID && t.TriggerEvent == trigger &&
			t.Status == TemplateActive && t.Type == TemplateAutomatic {
			matches = append(matches, t)
		}
	}
	if len(matches) == 0 {
		return nil, nil
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].UpdatedAt.After(matches[j].UpdatedAt)
	})
	cp := *matches[0]
	return &cp, nil
}

func (m *Memory) GetTemplateByID(_ context.Context, id string) (*Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.templates[id]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, nil
}

func (m *Memory) SaveTemplate(_ context.Context, t *Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now().UTC()
	}
	cp := *t
	m.templates[t.ID] = &cp
	return nil
}

func (m *Memory) CreateReminder(_ context.Context, r *Reminder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	cp := *r
	m.reminders[r.ID] = &cp
	return nil
}

func (m *Memory) ClaimDueReminders(_ context.Context, now time.Time, limit int) ([]*Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*Reminder
	for _, r := range m.reminders {
		if r.Status == ReminderPending && !r.ScheduledAt.After(now) {
			due = append(due, r)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].ScheduledAt.Before(due[j].ScheduledAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}
	claimed := make([]*Reminder, 0, len(due))
	for _, r := range due {
		r.Status = ReminderSending
		m.claimedAt[r.ID] = now
		cp := *r
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

func (m *Memory) ResolveReminder(_ context.Context, id string, status ReminderStatus, sentAt *time.Time, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.reminders[id]; ok {
		r.Status = status
		r.SentAt = sentAt
		r.Error = errMsg
		delete(m.claimedAt, id)
	}
	return nil
}

func (m *Memory) RequeueStaleSending(_ context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, r := range m.reminders {
		if r.Status == ReminderSending {
			if at, ok := m.claimedAt[id]; ok && at.Before(olderThan) {
				r.Status = ReminderPending
				delete(m.claimedAt, id)
				n++
			}
		}
	}
	return n, nil
}

func (m *Memory) CreateSmsLog(_ context.Context, l *SmsLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
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
	cp := *l
	m.smsLogs = append(m.smsLogs, &cp)
	return nil
}

// SmsLogs returns a snapshot of the audit log for assertions.
func (m *Memory) SmsLogs() []*SmsLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*SmsLog, len(m.smsLogs))
	for i, l := range m.smsLogs {
		cp := *l
		out[i] = &cp
	}
	return out
}

// Reminders returns a snapshot of all reminder rows for assertions.
func (m *Memory) Reminders() []*Reminder {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Reminder, 0, len(m.reminders))
	for _, r := range m.reminders {
		cp := *r
		out = append(out, &cp)
	}
	return out
}
