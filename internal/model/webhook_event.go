package model

import "time"

type WebhookStatus string

const (
	WebhookPending    WebhookStatus = "pending"
	WebhookProcessing WebhookStatus = "processing"
	WebhookProcessed  WebhookStatus = "processed"
	WebhookFailed     WebhookStatus = "failed"
	WebhookIgnored    WebhookStatus = "ignored"
)

// WebhookEvent is the idempotency record for one provider notification.
type WebhookEvent struct {
	ID                 uint64        `gorm:"primaryKey" json:"id"`
	Provider           string        `gorm:"size:32;not null;uniqueIndex:ux_webhook_event_provider_event,priority:1" json:"provider"`
	EventID            string        `gorm:"size:191;not null;uniqueIndex:ux_webhook_event_provider_event,priority:2" json:"event_id"`
	EventType          string        `gorm:"size:64;not null;index" json:"event_type"`
	Status             WebhookStatus `gorm:"size:16;not null;index" json:"status"`
	Payload            string        `gorm:"type:text;not null" json:"payload"`
	ProcessingAttempts int           `gorm:"not null;default:0" json:"processing_attempts"`
	LastError          string        `gorm:"type:text" json:"last_error,omitempty"`
	TransactionID      *string       `gorm:"size:36" json:"transaction_id,omitempty"`
	ProcessedAt        *time.Time    `gorm:"index" json:"processed_at,omitempty"`
	CreatedAt          time.Time     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}

func (WebhookEvent) TableName() string { return "webhook_event" }
