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

// Refund writes a compensating transaction against a completed original.
// Refunds that take money out of a partition floor it at zero; the part that
// could not be recovered is recorded as a shortfall for manual follow-up.
// The cumulative requested refund amount never exceeds the original amount.
func (s *LedgerService) Refund(ctx context.Context, transactionID string, amount decimal.Decimal, reference string, opts ...Option) (*Result, error) {
	if !validAmount(amount) {
		return nil, ErrInvalidAmount
	}
	orig, err := s.repo.GetTransaction(ctx, s.repo.DB(ctx), transactionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, transactionID)
		}
		return nil, err
	}

	var res *Result
	err = s.execute(ctx, "refund", orig.UserID, func(tx *gorm.DB) error {
		w, err := s.lockWallet(ctx, tx, orig.UserID)
		if err != nil {
			return err
		}
		existed, prev, err := s.repo.TxExists(ctx, tx, model.TxRefund, reference)
		if err != nil {
			return err
		}
		if existed {
			if prev.Metadata.OriginalTransactionID != transactionID {
				return fmt.Errorf("%w: reference %s", ErrIdempotencyConflict, reference)
			}
			res = &Result{Transaction: prev, Wallet: w, Outcome: OutcomeDuplicate}
			if prev.Metadata.Shortfall != nil {
				res.Shortfall = *prev.Metadata.Shortfall
			}
			return nil
		}

		o, err := s.repo.GetTransaction(ctx, tx, transactionID)
		if err != nil {
			return err
		}
		if o.Status != model.TxCompleted {
			return fmt.Errorf("%w: %s is %s", ErrTransactionNotCompleted, o.ID, o.Status)
		}
		refunded := decimal.Zero
		if o.Metadata.RefundedAmount != nil {
			refunded = *o.Metadata.RefundedAmount
		}
		if refunded.Add(amount).GreaterThan(o.Amount) {
			return fmt.Errorf("%w: %s already refunded %s of %s", ErrRefundExceedsOriginal, o.ID, refunded, o.Amount)
		}

		part, applied, shortfall, err := s.planRefund(w, o, amount)
		if err != nil {
			return err
		}

		t := s.newTransaction(o.UserID, model.TxRefund, applied, part, reference, fmt.Sprintf("Refund of %s", o.ID))
		t.Metadata.OriginalTransactionID = o.ID
		t.Metadata.RequestedAmount = decPtr(amount)
		if shortfall.IsPositive() {
			t.Metadata.Shortfall = decPtr(shortfall)
		}
		applyOptions(&t.Metadata, opts)
		if err := s.repo.CreateTransaction(ctx, tx, t); err != nil {
			return err
		}

		p := newPosting(w, t.ID, reference)
		switch o.Type {
		case model.TxDeposit, model.TxBonus:
			p.credit(part, applied)
			p.debit(model.PartitionSystem, applied)
		case model.TxAllocation:
			p.credit(model.PartitionLocked, applied)
			p.debit(model.PartitionWallet, applied)
		default:
			p.debit(part, applied)
			p.credit(model.PartitionSystem, applied)
		}
		if err := s.commit(ctx, tx, p); err != nil {
			return err
		}

		o.Metadata.RefundedAmount = decPtr(refunded.Add(amount))
		if err := s.repo.UpdateTransaction(ctx, tx, o); err != nil {
			return err
		}
		if err := s.emit(ctx, tx, model.EventTransactionCompleted, t); err != nil {
			return err
		}
		res = &Result{Transaction: t, Wallet: w, Outcome: OutcomeCompleted, Shortfall: shortfall}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.observe("refund", res)

	if res.Outcome == OutcomeCompleted && res.Shortfall.IsPositive() {
		s.log.Warnw("refund clamped at zero",
			"user_id", orig.UserID,
			"transaction_id", res.Transaction.ID,
			"original_transaction_id", transactionID,
			"requested", amount.String(),
			"shortfall", res.Shortfall.String())
		s.notifier.Notify(ctx, notify.Notification{
			UserID: notify.OperatorsUserID,
			Kind:   notify.KindOperatorIncident,
			Title:  "Refund shortfall",
			Body:   fmt.Sprintf("refund %s of %s for user %s is short by %s", res.Transaction.ID, transactionID, orig.UserID, res.Shortfall.StringFixed(amountScale)),
		})
	}
	return res, nil
}

// planRefund picks the partition a refund touches and how much of amount can
// actually be moved without driving it negative.
func (s *LedgerService) planRefund(w *model.Wallet, o *model.Transaction, amount decimal.Decimal) (model.Partition, decimal.Decimal, decimal.Decimal, error) {
	switch o.Type {
	case model.TxDeposit, model.TxBonus:
		part := o.Partition
		if !part.Valid() {
			part = model.PartitionWallet
		}
		applied := decimal.Min(amount, w.Balance(part))
		return part, applied, amount.Sub(applied), nil
	case model.TxAllocation:
		applied := decimal.Min(amount, w.Locked)
		return model.PartitionLocked, applied, amount.Sub(applied), nil
	case model.TxWithdrawal:
		return model.PartitionWallet, amount, decimal.Zero, nil
	case model.TxFee:
		part := o.Partition
		if !part.Valid() {
			part = model.PartitionWallet
		}
		return part, amount, decimal.Zero, nil
	}
	return "", decimal.Zero, decimal.Zero, fmt.Errorf("%w: %s", ErrNotRefundable, o.Type)
}
