package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/richardliu001/savings-ledger/internal/metrics"
	"github.com/richardliu001/savings-ledger/internal/model"
	"github.com/richardliu001/savings-ledger/internal/notify"
	"github.com/richardliu001/savings-ledger/internal/repo"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// Page selects a window of a newest-first listing.
type Page struct {
	Limit  int
	Offset int
}

func (p Page) normalize() Page {
	if p.Limit <= 0 {
		p.Limit = defaultPageSize
	}
	if p.Limit > maxPageSize {
		p.Limit = maxPageSize
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// next returns the offset of the following page, or -1 when got is the last.
func (p Page) next(got int) int {
	if got < p.Limit {
		return -1
	}
	return p.Offset + got
}

type TransactionPage struct {
	Items      []model.Transaction `json:"items"`
	NextOffset int                 `json:"next_offset"`
}

type EntryPage struct {
	Items      []model.LedgerEntry `json:"items"`
	NextOffset int                 `json:"next_offset"`
}

// Verification compares the wallet projection with the ledger.
type Verification struct {
	UserID     string                              `json:"user_id"`
	Projection map[model.Partition]decimal.Decimal `json:"projection"`
	Ledger     map[model.Partition]decimal.Decimal `json:"ledger"`
	Consistent bool                                `json:"consistent"`
}

// CreateWallet opens a zero-balance wallet for a new user.
func (s *LedgerService) CreateWallet(ctx context.Context, userID string, dailyAllocation decimal.Decimal) (*model.Wallet, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: empty user id", ErrWalletNotFound)
	}
	if dailyAllocation.IsNegative() || !dailyAllocation.Equal(dailyAllocation.Round(amountScale)) {
		return nil, ErrInvalidAmount
	}
	w := &model.Wallet{
		UserID:                userID,
		AvailableBalance:      decimal.Zero,
		Locked:                decimal.Zero,
		ReferralEarnings:      decimal.Zero,
		EscrowBalance:         decimal.Zero,
		DailyAllocationAmount: dailyAllocation,
		Status:                model.WalletActive,
	}
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.repo.GetWallet(ctx, tx, userID); err == nil {
			return ErrWalletExists
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		return s.repo.CreateWallet(ctx, tx, w)
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, fmt.Errorf("%w: %s", ErrWalletExists, userID)
	}
	if err != nil {
		return nil, err
	}
	s.log.Infow("wallet created", "user_id", userID, "daily_allocation", dailyAllocation.String())
	return w, nil
}

// SetDailyAllocation changes the amount the scheduler moves each day. Zero
// disables daily allocation without touching the streak.
func (s *LedgerService) SetDailyAllocation(ctx context.Context, userID string, amount decimal.Decimal) (*model.Wallet, error) {
	if amount.IsNegative() || !amount.Equal(amount.Round(amountScale)) {
		return nil, ErrInvalidAmount
	}
	var out *model.Wallet
	err := s.execute(ctx, "set_daily_allocation", userID, func(tx *gorm.DB) error {
		w, err := s.lockWallet(ctx, tx, userID)
		if err != nil {
			return err
		}
		w.DailyAllocationAmount = amount
		if err := s.repo.UpdateWallet(ctx, tx, w); err != nil {
			return err
		}
		out = w
		return nil
	})
	return out, err
}

// SetStatus freezes or reactivates a wallet. Wallets are never deleted.
func (s *LedgerService) SetStatus(ctx context.Context, userID string, status model.WalletStatus, auth Authorization) (*model.Wallet, error) {
	if auth.Actor == "" {
		return nil, ErrUnauthorized
	}
	if status != model.WalletActive && status != model.WalletFrozen {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	var out *model.Wallet
	err := s.execute(ctx, "set_status", userID, func(tx *gorm.DB) error {
		w, err := s.lockWallet(ctx, tx, userID)
		if err != nil {
			return err
		}
		out = w
		if w.Status == status {
			return nil
		}
		w.Status = status
		return s.repo.UpdateWallet(ctx, tx, w)
	})
	if err != nil {
		return nil, err
	}
	s.log.Infow("wallet status changed", "user_id", userID, "status", status, "actor", auth.Actor)
	return out, nil
}

// GetWallet returns the current projection, served from cache when warm.
func (s *LedgerService) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	if w, err := s.repo.GetCachedWallet(ctx, userID); err == nil {
		return w, nil
	} else if !errors.Is(err, repo.ErrCacheMiss) {
		s.log.Warnw("wallet cache read", "user_id", userID, "err", err)
	}
	gen, gerr := s.repo.WalletCacheGeneration(ctx, userID)
	if gerr != nil {
		s.log.Warnw("wallet cache generation", "user_id", userID, "err", gerr)
	}
	w, err := s.repo.GetWallet(ctx, s.repo.DB(ctx), userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrWalletNotFound, userID)
	}
	if err != nil {
		return nil, err
	}
	if gerr == nil {
		if _, err := s.repo.CacheWallet(ctx, w, gen); err != nil {
			s.log.Warnw("wallet cache write", "user_id", userID, "err", err)
		}
	}
	return w, nil
}

// GetTransaction loads one transaction by id.
func (s *LedgerService) GetTransaction(ctx context.Context, transactionID string) (*model.Transaction, error) {
	t, err := s.repo.GetTransaction(ctx, s.repo.DB(ctx), transactionID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, transactionID)
	}
	return t, err
}

// TransactionByReference resolves a provider reference to the transaction it
// created.
func (s *LedgerService) TransactionByReference(ctx context.Context, txType model.TxType, reference string) (*model.Transaction, error) {
	if reference == "" {
		return nil, ErrReferenceRequired
	}
	found, t, err := s.repo.TxExists(ctx, s.repo.DB(ctx), txType, reference)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s reference %s", ErrTransactionNotFound, txType, reference)
	}
	return t, nil
}

// ListTransactions pages a user's transactions, newest first.
func (s *LedgerService) ListTransactions(ctx context.Context, userID string, page Page) (*TransactionPage, error) {
	page = page.normalize()
	txs, err := s.repo.ListTransactions(ctx, userID, page.Limit, page.Offset)
	if err != nil {
		return nil, err
	}
	return &TransactionPage{Items: txs, NextOffset: page.next(len(txs))}, nil
}

// ListEntries pages a user's ledger entries, newest first.
func (s *LedgerService) ListEntries(ctx context.Context, userID string, page Page) (*EntryPage, error) {
	page = page.normalize()
	es, err := s.repo.ListEntries(ctx, userID, page.Limit, page.Offset)
	if err != nil {
		return nil, err
	}
	return &EntryPage{Items: es, NextOffset: page.next(len(es))}, nil
}

// ListActiveWallets pages active wallets by user id for batch jobs.
func (s *LedgerService) ListActiveWallets(ctx context.Context, afterUserID string, limit int) ([]model.Wallet, error) {
	return s.repo.ListWallets(ctx, model.WalletActive, afterUserID, limit)
}

// Verify recomputes a wallet's partitions from the latest ledger post
// balances. A mismatch is reported as ErrLedgerImbalance and alerted; the
// projection is never rewritten to match.
func (s *LedgerService) Verify(ctx context.Context, userID string) (*Verification, error) {
	v := &Verification{UserID: userID, Projection: map[model.Partition]decimal.Decimal{}}
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		w, err := s.lockWallet(ctx, tx, userID)
		if err != nil {
			return err
		}
		for _, p := range model.UserPartitions {
			v.Projection[p] = w.Balance(p)
		}
		v.Ledger, err = s.repo.LatestPostBalances(ctx, tx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}

	v.Consistent = true
	var drift []string
	for _, p := range model.UserPartitions {
		if !v.Projection[p].Equal(v.Ledger[p]) {
			v.Consistent = false
			drift = append(drift, fmt.Sprintf("%s wallet=%s ledger=%s", p, v.Projection[p], v.Ledger[p]))
		}
	}
	if v.Consistent {
		return v, nil
	}

	metrics.LedgerImbalances.Inc()
	s.log.Errorw("wallet projection drifted from ledger", "user_id", userID, "drift", drift)
	s.notifier.Notify(ctx, notify.Notification{
		UserID: notify.OperatorsUserID,
		Kind:   notify.KindOperatorIncident,
		Title:  "Wallet projection drift",
		Body:   fmt.Sprintf("user %s: %v", userID, drift),
	})
	return v, fmt.Errorf("%w: user %s projection does not match ledger", ErrLedgerImbalance, userID)
}
