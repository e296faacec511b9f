package alerting

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"nearby-alerts/internal/logging"
	"nearby-alerts/internal/storage"
)

// AuditedNotifier records every delivery attempt in the notification store.
type AuditedNotifier struct {
	next   Notifier
	store  storage.NotificationStore
	logger zerolog.Logger
}

// NewAuditedNotifier wraps next. A nil store disables auditing.
func NewAuditedNotifier(next Notifier, store storage.NotificationStore, logger zerolog.Logger) *AuditedNotifier {
	return &AuditedNotifier{
		next:   next,
		store:  store,
		logger: logging.Component(logger, "alert_audit"),
	}
}

// Notify delivers through the wrapped notifier and then persists the outcome.
// An audit failure is logged and never replaces the delivery result.
func (a *AuditedNotifier) Notify(ctx context.Context, note Notification) error {
	deliveryErr := a.next.Notify(ctx, note)
	if a.store == nil {
		return deliveryErr
	}

	rec := storage.NotificationRecord{
		NotificationID: note.ID,
		ActivityID:     note.ActivityID,
		Title:          note.Title,
		Body:           note.Body,
		DistanceMeters: decimal.NewFromFloat(note.DistanceMeters),
		FiredAt:        note.FiredAt,
		Delivered:      deliveryErr == nil,
	}
	if rec.FiredAt.IsZero() {
		rec.FiredAt = time.Now().UTC()
	}
	if deliveryErr != nil {
		msg := deliveryErr.Error()
		rec.Error = &msg
	}

	if _, err := a.store.InsertNotification(ctx, rec); err != nil {
		a.logger.Error().Err(err).Str("activity_id", note.ActivityID).Msg("failed to persist notification record")
	}
	return deliveryErr
}

var _ Notifier = (*AuditedNotifier)(nil)
