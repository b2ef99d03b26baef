package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/richardliu001/savings-ledger/internal/model"
	"github.com/segmentio/kafka-go"
	"gorm.io/gorm"
)

// CreateOutboxEvent writes event.
func (r *Repository) CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error {
	return tx.WithContext(ctx).Create(evt).Error
}

// PollOutbox pulls unprocessed events.
func (r *Repository) PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var evts []model.OutboxEvent
	err := r.db.WithContext(ctx).Where("processed = ?", false).Order("id").Limit(limit).Find(&evts).Error
	return evts, err
}

// MarkOutboxProcessed sets processed flag.
func (r *Repository) MarkOutboxProcessed(ctx context.Context, id uint64) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).Model(&model.OutboxEvent{}).Where("id = ?", id).
		Updates(map[string]interface{}{"processed": true, "processed_at": &now}).Error
}

// PublishEvent sends to Kafka, keyed by aggregate id so one user's events
// stay on one partition in commit order.
func (r *Repository) PublishEvent(ctx context.Context, evt model.OutboxEvent) error {
	if r.writer == nil {
		return errors.New("kafka writer not configured")
	}
	msg := kafka.Message{
		Key:   []byte(evt.AggregateID),
		Value: []byte(evt.Payload),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(evt.EventType)},
		},
		Time: time.Now(),
	}
	return r.writer.WriteMessages(ctx, msg)
}

// RelayOutbox publishes up to limit unprocessed events in id order and marks
// each one processed. It stops at the first publish failure so a user's
// events never reach Kafka out of order; the failed event is retried on the
// next call. It returns how many events were relayed.
func (r *Repository) RelayOutbox(ctx context.Context, limit int) (int, error) {
	evts, err := r.PollOutbox(ctx, limit)
	if err != nil {
		return 0, err
	}
	for i, evt := range evts {
		if err := r.PublishEvent(ctx, evt); err != nil {
			return i, fmt.Errorf("publish outbox %d: %w", evt.ID, err)
		}
		if err := r.MarkOutboxProcessed(ctx, evt.ID); err != nil {
			// published but unmarked; it goes out again on the next call
			return i, fmt.Errorf("mark outbox %d: %w", evt.ID, err)
		}
	}
	return len(evts), nil
}
