package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/richardliu001/savings-ledger/internal/model"
	"github.com/richardliu001/savings-ledger/internal/notify"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Withdraw reserves amount for an external payout. Available balance is
// drawn first, then locked; the reserved sum sits in escrow until the payout
// is confirmed or fails. The returned transaction is pending.
func (s *LedgerService) Withdraw(ctx context.Context, userID string, amount decimal.Decimal, destination, idempotencyKey string) (*Result, error) {
	if !validAmount(amount) {
		return nil, ErrInvalidAmount
	}
	if destination == "" {
		return nil, ErrDestinationRequired
	}
	var res *Result
	err := s.execute(ctx, "withdraw", userID, func(tx *gorm.DB) error {
		w, err := s.lockWallet(ctx, tx, userID)
		if err != nil {
			return err
		}
		existed, prev, err := s.repo.TxExists(ctx, tx, model.TxWithdrawal, idempotencyKey)
		if err != nil {
			return err
		}
		if existed {
			if prev.UserID != userID || !prev.Amount.Equal(amount) || prev.Metadata.Destination != destination {
				return fmt.Errorf("%w: key %s", ErrIdempotencyConflict, idempotencyKey)
			}
			res = &Result{Transaction: prev, Wallet: w, Outcome: OutcomeDuplicate}
			return nil
		}
		if w.Status == model.WalletFrozen {
			return fmt.Errorf("%w: %s", ErrWalletFrozen, userID)
		}
		spendable := w.AvailableBalance.Add(w.Locked)
		if spendable.LessThan(amount) {
			res = &Result{Wallet: w, Outcome: OutcomeInsufficientFunds, Shortfall: amount.Sub(spendable)}
			return nil
		}

		fromAvailable := decimal.Min(w.AvailableBalance, amount)
		fromLocked := amount.Sub(fromAvailable)

		t := s.newTransaction(userID, model.TxWithdrawal, amount, model.PartitionEscrow, idempotencyKey, "Withdrawal to "+destination)
		t.Status = model.TxPending
		t.Metadata.Destination = destination
		t.Metadata.FromAvailable = decPtr(fromAvailable)
		t.Metadata.FromLocked = decPtr(fromLocked)
		t.Metadata.IdempotencyKey = idempotencyKey
		if err := s.repo.CreateTransaction(ctx, tx, t); err != nil {
			return err
		}

		p := newPosting(w, t.ID, idempotencyKey)
		if fromAvailable.IsPositive() {
			p.credit(model.PartitionWallet, fromAvailable)
		}
		if fromLocked.IsPositive() {
			p.credit(model.PartitionLocked, fromLocked)
		}
		p.debit(model.PartitionEscrow, amount)
		if err := s.commit(ctx, tx, p); err != nil {
			return err
		}
		if err := s.emit(ctx, tx, model.EventWithdrawalRequested, t); err != nil {
			return err
		}
		res = &Result{Transaction: t, Wallet: w, Outcome: OutcomePending}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.observe("withdraw", res)
	return res, nil
}

// ConfirmWithdrawal settles a pending withdrawal once the payout provider
// reports success. The escrowed amount leaves the wallet.
func (s *LedgerService) ConfirmWithdrawal(ctx context.Context, transactionID string, opts ...Option) (*Result, error) {
	res, err := s.settleWithdrawal(ctx, "confirm_withdrawal", transactionID, model.TxCompleted, "", opts)
	if err != nil {
		return nil, err
	}
	if res.Outcome == OutcomeCompleted {
		s.notifier.Notify(ctx, notify.Notification{
			UserID: res.Transaction.UserID,
			Kind:   notify.KindWithdrawal,
			Title:  "Withdrawal sent",
			Body:   fmt.Sprintf("Your withdrawal of %s to %s has been paid out.", res.Transaction.Amount.StringFixed(amountScale), res.Transaction.Metadata.Destination),
		})
	}
	return res, nil
}

// FailWithdrawal releases the escrowed amount back to the partitions it was
// drawn from.
func (s *LedgerService) FailWithdrawal(ctx context.Context, transactionID, reason string, opts ...Option) (*Result, error) {
	res, err := s.settleWithdrawal(ctx, "fail_withdrawal", transactionID, model.TxFailed, reason, opts)
	if err != nil {
		return nil, err
	}
	if res.Outcome == OutcomeFailed {
		s.notifier.Notify(ctx, notify.Notification{
			UserID: res.Transaction.UserID,
			Kind:   notify.KindFailure,
			Title:  "Withdrawal failed",
			Body:   fmt.Sprintf("Your withdrawal of %s could not be completed and the funds were returned to your wallet.", res.Transaction.Amount.StringFixed(amountScale)),
		})
	}
	return res, nil
}

func (s *LedgerService) settleWithdrawal(ctx context.Context, op, transactionID string, status model.TxStatus, reason string, opts []Option) (*Result, error) {
	// read once to find the owning wallet; the row is re-read under its lock
	orig, err := s.repo.GetTransaction(ctx, s.repo.DB(ctx), transactionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, transactionID)
		}
		return nil, err
	}
	if orig.Type != model.TxWithdrawal {
		return nil, fmt.Errorf("%w: %s is a %s", ErrTransactionNotFound, transactionID, orig.Type)
	}

	var res *Result
	err = s.execute(ctx, op, orig.UserID, func(tx *gorm.DB) error {
		w, err := s.lockWallet(ctx, tx, orig.UserID)
		if err != nil {
			return err
		}
		t, err := s.repo.GetTransaction(ctx, tx, transactionID)
		if err != nil {
			return err
		}
		if t.Status == status {
			res = &Result{Transaction: t, Wallet: w, Outcome: OutcomeDuplicate}
			return nil
		}
		if t.Status.Final() {
			return fmt.Errorf("%w: withdrawal %s is %s", ErrTransactionFinal, t.ID, t.Status)
		}

		p := newPosting(w, t.ID, derefString(t.ExternalReference))
		p.credit(model.PartitionEscrow, t.Amount)
		if status == model.TxCompleted {
			p.debit(model.PartitionSystem, t.Amount)
		} else {
			fromAvailable, fromLocked := t.Amount, decimal.Zero
			if t.Metadata.FromAvailable != nil && t.Metadata.FromLocked != nil {
				fromAvailable, fromLocked = *t.Metadata.FromAvailable, *t.Metadata.FromLocked
			}
			if fromAvailable.IsPositive() {
				p.debit(model.PartitionWallet, fromAvailable)
			}
			if fromLocked.IsPositive() {
				p.debit(model.PartitionLocked, fromLocked)
			}
			t.Metadata.FailureReason = reason
		}
		if err := s.commit(ctx, tx, p); err != nil {
			return err
		}

		t.Status = status
		applyOptions(&t.Metadata, opts)
		if err := s.repo.UpdateTransaction(ctx, tx, t); err != nil {
			return err
		}
		event, outcome := model.EventTransactionCompleted, OutcomeCompleted
		if status == model.TxFailed {
			event, outcome = model.EventTransactionFailed, OutcomeFailed
		}
		if err := s.emit(ctx, tx, event, t); err != nil {
			return err
		}
		res = &Result{Transaction: t, Wallet: w, Outcome: outcome}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.observe(op, res)
	return res, nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
