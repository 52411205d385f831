package automation

import (
	"context"
	"time"

	"github.com/bausoptical/lenses/internal/sms"
	"github.com/bausoptical/lenses/internal/store"
	"github.com/bausoptical/lenses/pkg/monitoring"
)

const (
	// sweepBatchSize bounds per-invocation work so one sweep cannot run
	// unbounded against a backlog.
	sweepBatchSize = 50

	// staleSendingAge is how long a reminder may sit in SENDING before a
	// later sweep assumes the claiming process died and requeues it.
	staleSendingAge = 10 * time.Minute
)

// ProcessDueReminders runs one sweep: claim due pending reminders, dispatch
// each through the SMS dispatcher, and write terminal statuses. Stateless
// and idempotent per invocation; a crash mid-batch leaves unclaimed
// reminders pending for the next sweep. One bad reminder never aborts the
// batch.
func (e *Engine) ProcessDueReminders(ctx context.Context) error {
	now := e.now()

	requeued, err := e.store.RequeueStaleSending(ctx, now.Add(-staleSendingAge))
	if err != nil {
		e.logger.Warn("failed to requeue stale reminders", "error", err)
	} else if requeued > 0 {
		e.logger.Warn("requeued stale in-flight reminders", "count", requeued)
	}

	due, err := e.store.ClaimDueReminders(ctx, now, sweepBatchSize)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}
	e.logger.Info("processing due reminders", "count", len(due))

	for _, reminder := range due {
		e.processReminder(ctx, reminder)
	}
	return nil
}

func (e *Engine) processReminder(ctx context.Context, reminder *store.Reminder) {
	log := e.logger.With("reminder_id", reminder.ID, "branch_id", reminder.BranchID)

	resolve := func(status store.ReminderStatus, sentAt *time.Time, errMsg string) {
		if err := e.store.ResolveReminder(ctx, reminder.ID, status, sentAt, errMsg); err != nil {
			log.Error("failed to resolve reminder", "error", err)
		}
		monitoring.RemindersSwept.WithLabelValues(string(status)).Inc()
	}

	customer, err := e.store.GetCustomerByID(ctx, reminder.CustomerID)
	if err != nil || customer == nil {
		resolve(store.ReminderFailed, nil, "customer not found")
		return
	}
	// Opt-out wins over every other disposition, including a branch with no
	// usable SMS config.
	if customer.OptedOut {
		resolve(store.ReminderSkipped, nil, "customer opted out")
		return
	}
	cfg, err := e.store.GetBranchConfig(ctx, reminder.BranchID)
	if err != nil || cfg == nil || cfg.SMSProvider == "" {
		resolve(store.ReminderFailed, nil, "no SMS config")
		return
	}
	template, err := e.store.GetTemplateByID(ctx, reminder.TemplateID)
	if err != nil || template == nil {
		resolve(store.ReminderFailed, nil, "template not found")
		return
	}

	message := sms.RenderTemplate(template.Message, sms.TemplateVariables{
		CustomerName:  customer.Name,
		BranchName:    cfg.BranchName,
		OptOutKeyword: cfg.OptOutKeyword,
	})

	result := e.dispatcher.Send(ctx, sms.SendParams{
		To:      customer.Phone,
		Message: message,
	}, sms.ConfigFromBranch(cfg))

	status := store.SmsSent
	if !result.Success {
		status = store.SmsFailed
	}
	smsLog := &store.SmsLog{
		BranchID:      reminder.BranchID,
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
	monitoring.SmsAttempts.WithLabelValues(string(cfg.SMSProvider), string(status)).Inc()

	if result.Success {
		sentAt := e.now()
		resolve(store.ReminderSent, &sentAt, "")
		e.publishOutcomeRaw(ctx, "reminder.sent", map[string]any{
			"branch_id":   reminder.BranchID,
			"reminder_id": reminder.ID,
			"sms_log_id":  smsLog.ID,
		})
		log.Info("reminder sent", "sms_log_id", smsLog.ID)
		return
	}
	resolve(store.ReminderFailed, nil, result.Error)
	e.publishOutcomeRaw(ctx, "reminder.failed", map[string]any{
		"branch_id":   reminder.BranchID,
		"reminder_id": reminder.ID,
		"sms_log_id":  smsLog.ID,
		"error":       result.Error,
	})
	log.Warn("reminder send failed", "error", result.Error)
}
