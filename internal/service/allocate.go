package service

import (
	"context"
	"fmt"
	"time"

	"github.com/richardliu001/savings-ledger/internal/model"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Allocate moves amount from available to locked. Insufficient available
// balance returns OutcomeInsufficientFunds and writes nothing.
func (s *LedgerService) Allocate(ctx context.Context, userID string, amount decimal.Decimal, idempotencyKey string) (*Result, error) {
	if !validAmount(amount) {
		return nil, ErrInvalidAmount
	}
	var res *Result
	err := s.execute(ctx, "allocate", userID, func(tx *gorm.DB) error {
		existed, prev, err := s.repo.TxExists(ctx, tx, model.TxAllocation, idempotencyKey)
		if err != nil {
			return err
		}
		if existed {
			if prev.UserID != userID || !prev.Amount.Equal(amount) {
				return fmt.Errorf("%w: key %s", ErrIdempotencyConflict, idempotencyKey)
			}
			res = &Result{Transaction: prev, Outcome: OutcomeDuplicate}
			return nil
		}

		w, err := s.lockWallet(ctx, tx, userID)
		if err != nil {
			return err
		}
		if w.Status == model.WalletFrozen {
			return fmt.Errorf("%w: %s", ErrWalletFrozen, userID)
		}
		if w.AvailableBalance.LessThan(amount) {
			res = &Result{Wallet: w, Outcome: OutcomeInsufficientFunds}
			return nil
		}

		t := s.newTransaction(userID, model.TxAllocation, amount, model.PartitionLocked, idempotencyKey, "Savings allocation")
		if err := s.moveToLocked(ctx, tx, w, t); err != nil {
			return err
		}
		res = &Result{Transaction: t, Wallet: w, Outcome: OutcomeCompleted}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.observe("allocate", res)
	return res, nil
}

// AllocateDaily performs the scheduled allocation for one wallet on the
// given calendar date (YYYY-MM-DD in the scheduler's timezone) and updates
// the streak. A wallet already allocated for date is skipped; the
// (user, date) allocation record rejects a concurrent second commit.
// Insufficient funds leaves the date and streak untouched.
func (s *LedgerService) AllocateDaily(ctx context.Context, userID, date string) (*Result, error) {
	day, err := time.Parse(model.DateLayout, date)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDate, date)
	}
	yesterday := day.AddDate(0, 0, -1).Format(model.DateLayout)
	ref := fmt.Sprintf("daily:%s:%s", userID, date)

	var res *Result
	err = s.execute(ctx, "allocate_daily", userID, func(tx *gorm.DB) error {
		w, err := s.lockWallet(ctx, tx, userID)
		if err != nil {
			return err
		}
		switch {
		case w.Status != model.WalletActive:
			res = &Result{Wallet: w, Outcome: OutcomeSkipped, Reason: "wallet " + string(w.Status)}
			return nil
		case w.LastAllocationDate != nil && *w.LastAllocationDate >= date:
			res = &Result{Wallet: w, Outcome: OutcomeSkipped, Reason: "already allocated"}
			return nil
		case !w.DailyAllocationAmount.IsPositive():
			res = &Result{Wallet: w, Outcome: OutcomeSkipped, Reason: "no daily amount"}
			return nil
		}
		amount := w.DailyAllocationAmount
		if w.AvailableBalance.LessThan(amount) {
			res = &Result{Wallet: w, Outcome: OutcomeInsufficientFunds}
			return nil
		}

		t := s.newTransaction(userID, model.TxAllocation, amount, model.PartitionLocked, ref, "Daily savings")
		t.Metadata.AllocationDate = date

		if w.LastAllocationDate != nil && *w.LastAllocationDate == yesterday {
			w.CurrentStreak++
		} else {
			w.CurrentStreak = 1
		}
		if w.CurrentStreak > w.LongestStreak {
			w.LongestStreak = w.CurrentStreak
		}
		w.LastAllocationDate = &date

		if err := s.repo.CreateAllocationRecord(ctx, tx, &model.AllocationRecord{
			UserID:        userID,
			Date:          date,
			TransactionID: t.ID,
			Amount:        amount,
		}); err != nil {
			return err
		}
		if err := s.moveToLocked(ctx, tx, w, t); err != nil {
			return err
		}
		res = &Result{Transaction: t, Wallet: w, Outcome: OutcomeCompleted}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.observe("allocate_daily", res)
	return res, nil
}

func (s *LedgerService) moveToLocked(ctx context.Context, tx *gorm.DB, w *model.Wallet, t *model.Transaction) error {
	if err := s.repo.CreateTransaction(ctx, tx, t); err != nil {
		return err
	}
	p := newPosting(w, t.ID, "")
	p.credit(model.PartitionWallet, t.Amount)
	p.debit(model.PartitionLocked, t.Amount)
	if err := s.commit(ctx, tx, p); err != nil {
		return err
	}
	return s.emit(ctx, tx, model.EventTransactionCompleted, t)
}
