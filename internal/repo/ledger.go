package repo

import (
	"context"

	"github.com/richardliu001/savings-ledger/internal/model"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// AppendEntries writes ledger entries. Entries are never updated or deleted.
func (r *Repository) AppendEntries(ctx context.Context, tx *gorm.DB, entries []model.LedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return tx.WithContext(ctx).Create(&entries).Error
}

// EntriesForTransaction returns the entries grouped under one transaction id.
func (r *Repository) EntriesForTransaction(ctx context.Context, tx *gorm.DB, txID string) ([]model.LedgerEntry, error) {
	var es []model.LedgerEntry
	err := tx.WithContext(ctx).Where("transaction_id = ?", txID).Order("id").Find(&es).Error
	return es, err
}

// ListEntries pages a user's ledger history, newest first.
func (r *Repository) ListEntries(ctx context.Context, userID string, limit, offset int) ([]model.LedgerEntry, error) {
	var es []model.LedgerEntry
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id desc").
		Limit(limit).
		Offset(offset).
		Find(&es).Error
	return es, err
}

// LatestPostBalances returns the post balance of the most recent entry per
// user partition. Partitions with no entries are reported as zero.
func (r *Repository) LatestPostBalances(ctx context.Context, tx *gorm.DB, userID string) (map[model.Partition]decimal.Decimal, error) {
	out := make(map[model.Partition]decimal.Decimal, len(model.UserPartitions))
	for _, p := range model.UserPartitions {
		var es []model.LedgerEntry
		err := tx.WithContext(ctx).
			Where("user_id = ? AND account_partition = ?", userID, p).
			Order("id desc").
			Limit(1).
			Find(&es).Error
		if err != nil {
			return nil, err
		}
		if len(es) == 0 || !es[0].PostBalance.Valid {
			out[p] = decimal.Zero
			continue
		}
		out[p] = es[0].PostBalance.Decimal
	}
	return out, nil
}
