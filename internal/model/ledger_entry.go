package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type EntryType string

const (
	Debit  EntryType = "debit"
	Credit EntryType = "credit"
)

// Partition names a sub-balance. PartitionSystem is the external clearing
// side of every entry pair that moves money in or out of a wallet; it is not
// a user balance and carries no post balance.
type Partition string

const (
	PartitionWallet   Partition = "wallet"
	PartitionLocked   Partition = "locked"
	PartitionEscrow   Partition = "escrow"
	PartitionReferral Partition = "referral"
	PartitionSystem   Partition = "system"
)

// UserPartitions are the partitions projected onto Wallet.
var UserPartitions = []Partition{PartitionWallet, PartitionLocked, PartitionReferral, PartitionEscrow}

// Valid reports whether p is a user partition.
func (p Partition) Valid() bool {
	for _, u := range UserPartitions {
		if p == u {
			return true
		}
	}
	return false
}

// LedgerEntry is append-only. For user partitions a debit increases the
// balance and a credit decreases it.
type LedgerEntry struct {
	ID            uint64              `gorm:"primaryKey" json:"id"`
	TransactionID string              `gorm:"size:36;not null;index" json:"transaction_id"`
	UserID        string              `gorm:"size:64;not null;index:idx_entry_user_partition,priority:1" json:"user_id"`
	EntryType     EntryType           `gorm:"size:8;not null" json:"entry_type"`
	Partition     Partition           `gorm:"column:account_partition;size:16;not null;index:idx_entry_user_partition,priority:2" json:"account_partition"`
	Amount        decimal.Decimal     `gorm:"type:numeric(20,2);not null" json:"amount"`
	PostBalance   decimal.NullDecimal `gorm:"type:numeric(20,2)" json:"post_balance"`
	ReferenceID   string              `gorm:"size:128" json:"reference_id,omitempty"`
	CreatedAt     time.Time           `gorm:"autoCreateTime" json:"created_at"`
}

func (LedgerEntry) TableName() string { return "ledger_entry" }

// Balanced reports whether debits equal credits and no amount is negative.
func Balanced(entries []LedgerEntry) bool {
	debit, credit := decimal.Zero, decimal.Zero
	for _, e := range entries {
		if e.Amount.IsNegative() {
			return false
		}
		switch e.EntryType {
		case Debit:
			debit = debit.Add(e.Amount)
		case Credit:
			credit = credit.Add(e.Amount)
		default:
			return false
		}
	}
	return debit.Equal(credit)
}
