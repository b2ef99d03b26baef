package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type TxType string

const (
	TxDeposit    TxType = "deposit"
	TxWithdrawal TxType = "withdrawal"
	TxAllocation TxType = "allocation"
	TxRefund     TxType = "refund"
	TxFee        TxType = "fee"
	TxBonus      TxType = "bonus"
	TxTransfer   TxType = "transfer"
	TxAdjustment TxType = "adjustment"
)

type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxCompleted TxStatus = "completed"
	TxFailed    TxStatus = "failed"
	TxCancelled TxStatus = "cancelled"
)

// Final reports whether no further status transition is allowed.
func (s TxStatus) Final() bool { return s != TxPending }

// Transaction is the human-readable record of one financial event.
// (type, external_reference) is unique so a replayed reference resolves to the
// original row instead of a second credit.
type Transaction struct {
	ID                string          `gorm:"primaryKey;size:36" json:"transaction_id"`
	UserID            string          `gorm:"size:64;not null;index:idx_transaction_user_created,priority:1" json:"user_id"`
	Type              TxType          `gorm:"size:32;not null;uniqueIndex:ux_transaction_type_ref,priority:1" json:"type"`
	Amount            decimal.Decimal `gorm:"type:numeric(20,2);not null" json:"amount"`
	Partition         Partition       `gorm:"size:16;not null" json:"partition"`
	Status            TxStatus        `gorm:"size:16;not null;index" json:"status"`
	ExternalReference *string         `gorm:"size:128;uniqueIndex:ux_transaction_type_ref,priority:2" json:"external_reference,omitempty"`
	Description       string          `gorm:"size:255" json:"description"`
	Metadata          Metadata        `gorm:"type:text" json:"metadata"`
	CreatedAt         time.Time       `gorm:"autoCreateTime;index:idx_transaction_user_created,priority:2" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Transaction) TableName() string { return "transaction" }
