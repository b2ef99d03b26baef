package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// AllocationRecord marks that a wallet was allocated on a calendar day.
// (user_id, date) is unique so racing scheduler instances cannot both commit.
type AllocationRecord struct {
	ID            uint64          `gorm:"primaryKey"`
	UserID        string          `gorm:"size:64;not null;uniqueIndex:ux_allocation_user_date,priority:1"`
	Date          string          `gorm:"size:10;not null;uniqueIndex:ux_allocation_user_date,priority:2"`
	TransactionID string          `gorm:"size:36;not null"`
	Amount        decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	CreatedAt     time.Time       `gorm:"autoCreateTime"`
}

func (AllocationRecord) TableName() string { return "allocation_record" }
