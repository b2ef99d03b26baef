package repo

import (
	"context"
	"time"

	"github.com/richardliu001/savings-ledger/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// WebhookStore is the persistence the reconciler needs.
type WebhookStore interface {
	InsertWebhookEvent(ctx context.Context, evt *model.WebhookEvent) (bool, error)
	GetWebhookEvent(ctx context.Context, provider, eventID string) (*model.WebhookEvent, error)
	ClaimWebhookEvent(ctx context.Context, id uint64, staleBefore time.Time) (bool, error)
	FinishWebhookEvent(ctx context.Context, id uint64, status model.WebhookStatus, errMsg string, txID *string) error
	ListRetryableWebhookEvents(ctx context.Context, maxAttempts int, staleBefore time.Time, limit int) ([]model.WebhookEvent, error)
	PurgeWebhookEvents(ctx context.Context, before time.Time) (int64, error)
}

// InsertWebhookEvent records the first sighting of an event. It reports
// false when a row for (provider, event_id) already exists.
func (r *Repository) InsertWebhookEvent(ctx context.Context, evt *model.WebhookEvent) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider"}, {Name: "event_id"}},
			DoNothing: true,
		}).
		Create(evt)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// GetWebhookEvent returns gorm.ErrRecordNotFound when the event is unseen.
func (r *Repository) GetWebhookEvent(ctx context.Context, provider, eventID string) (*model.WebhookEvent, error) {
	var evt model.WebhookEvent
	err := r.db.WithContext(ctx).
		Where("provider = ? AND event_id = ?", provider, eventID).
		First(&evt).Error
	if err != nil {
		return nil, err
	}
	return &evt, nil
}

// ClaimWebhookEvent moves a pending or failed event, or one stuck in
// processing since before staleBefore, to processing. Exactly one caller
// wins the claim.
func (r *Repository) ClaimWebhookEvent(ctx context.Context, id uint64, staleBefore time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&model.WebhookEvent{}).
		Where("id = ? AND (status IN ? OR (status = ? AND updated_at < ?))",
			id,
			[]string{string(model.WebhookPending), string(model.WebhookFailed)},
			model.WebhookProcessing,
			staleBefore.UTC()).
		Updates(map[string]interface{}{
			"status":              model.WebhookProcessing,
			"processing_attempts": gorm.Expr("processing_attempts + 1"),
			"updated_at":          time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// FinishWebhookEvent records the terminal state of one processing attempt.
func (r *Repository) FinishWebhookEvent(ctx context.Context, id uint64, status model.WebhookStatus, errMsg string, txID *string) error {
	now := time.Now().UTC()
	fields := map[string]interface{}{
		"status":     status,
		"last_error": errMsg,
		"updated_at": now,
	}
	if txID != nil {
		fields["transaction_id"] = *txID
	}
	if status == model.WebhookProcessed || status == model.WebhookIgnored {
		fields["processed_at"] = &now
	}
	return r.db.WithContext(ctx).
		Model(&model.WebhookEvent{}).
		Where("id = ? AND status = ?", id, model.WebhookProcessing).
		Updates(fields).Error
}

// ListRetryableWebhookEvents returns failed events, and events abandoned in
// processing since before staleBefore, that still have attempts left.
func (r *Repository) ListRetryableWebhookEvents(ctx context.Context, maxAttempts int, staleBefore time.Time, limit int) ([]model.WebhookEvent, error) {
	var evts []model.WebhookEvent
	err := r.db.WithContext(ctx).
		Where("(status = ? OR (status = ? AND updated_at < ?)) AND processing_attempts < ?",
			model.WebhookFailed, model.WebhookProcessing, staleBefore.UTC(), maxAttempts).
		Order("id").
		Limit(limit).
		Find(&evts).Error
	return evts, err
}

// PurgeWebhookEvents deletes settled rows processed before the cutoff.
// Failed rows are kept for manual review.
func (r *Repository) PurgeWebhookEvents(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("status IN ? AND processed_at < ?",
			[]string{string(model.WebhookProcessed), string(model.WebhookIgnored)},
			before.UTC()).
		Delete(&model.WebhookEvent{})
	return res.RowsAffected, res.Error
}
