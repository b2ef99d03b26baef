package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type WalletStatus string

const (
	WalletActive WalletStatus = "active"
	WalletFrozen WalletStatus = "frozen"
)

// DateLayout is the calendar-day format used for allocation dates.
const DateLayout = "2006-01-02"

// Wallet is the per-user projection of the ledger. It is only written by the
// ledger service inside the same database transaction as its entries.
type Wallet struct {
	UserID                string          `gorm:"primaryKey;size:64" json:"user_id"`
	AvailableBalance      decimal.Decimal `gorm:"type:numeric(20,2);not null;default:0" json:"available_balance"`
	Locked                decimal.Decimal `gorm:"type:numeric(20,2);not null;default:0" json:"locked"`
	ReferralEarnings      decimal.Decimal `gorm:"type:numeric(20,2);not null;default:0" json:"referral_earnings"`
	EscrowBalance         decimal.Decimal `gorm:"type:numeric(20,2);not null;default:0" json:"escrow_balance"`
	DailyAllocationAmount decimal.Decimal `gorm:"type:numeric(20,2);not null;default:0" json:"daily_allocation_amount"`
	CurrentStreak         int             `gorm:"not null;default:0" json:"current_streak"`
	LongestStreak         int             `gorm:"not null;default:0" json:"longest_streak"`
	LastAllocationDate    *string         `gorm:"size:10" json:"last_allocation_date,omitempty"`
	Status                WalletStatus    `gorm:"size:16;not null;default:'active';index" json:"status"`
	Version               uint64          `gorm:"not null;default:0" json:"-"`
	CreatedAt             time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Wallet) TableName() string { return "wallet" }

// Total is derived; there is no stored aggregate balance column.
func (w *Wallet) Total() decimal.Decimal {
	return w.AvailableBalance.Add(w.Locked).Add(w.ReferralEarnings).Add(w.EscrowBalance)
}

// Balance returns the current balance of a user partition.
func (w *Wallet) Balance(p Partition) decimal.Decimal {
	switch p {
	case PartitionWallet:
		return w.AvailableBalance
	case PartitionLocked:
		return w.Locked
	case PartitionReferral:
		return w.ReferralEarnings
	case PartitionEscrow:
		return w.EscrowBalance
	}
	return decimal.Zero
}

// SetBalance overwrites a user partition. Callers must have written the
// matching ledger entry.
func (w *Wallet) SetBalance(p Partition, v decimal.Decimal) {
	switch p {
	case PartitionWallet:
		w.AvailableBalance = v
	case PartitionLocked:
		w.Locked = v
	case PartitionReferral:
		w.ReferralEarnings = v
	case PartitionEscrow:
		w.EscrowBalance = v
	}
}
