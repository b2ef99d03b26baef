package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Metadata is the typed extension bag stored on a Transaction. Only these keys
// exist; provider specific fields are mapped onto them by the reconciler.
type Metadata struct {
	Destination           string           `json:"destination,omitempty"`
	FromAvailable         *decimal.Decimal `json:"from_available,omitempty"`
	FromLocked            *decimal.Decimal `json:"from_locked,omitempty"`
	OriginalTransactionID string           `json:"original_transaction_id,omitempty"`
	RequestedAmount       *decimal.Decimal `json:"requested_amount,omitempty"`
	Shortfall             *decimal.Decimal `json:"shortfall,omitempty"`
	RefundedAmount        *decimal.Decimal `json:"refunded_amount,omitempty"`
	Reason                string           `json:"reason,omitempty"`
	Actor                 string           `json:"actor,omitempty"`
	Provider              string           `json:"provider,omitempty"`
	ProviderEventID       string           `json:"provider_event_id,omitempty"`
	FailureReason         string           `json:"failure_reason,omitempty"`
	PriorFailureReason    string           `json:"prior_failure_reason,omitempty"`
	AllocationDate        string           `json:"allocation_date,omitempty"`
	IdempotencyKey        string           `json:"idempotency_key,omitempty"`
}

// Value implements driver.Valuer.
func (m Metadata) Value() (driver.Value, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *Metadata) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = Metadata{}
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("metadata: unsupported type %T", src)
	}
	if len(raw) == 0 {
		*m = Metadata{}
		return nil
	}
	return json.Unmarshal(raw, m)
}
