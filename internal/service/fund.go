package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/richardliu001/savings-ledger/internal/model"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Fund credits available balance from an external source. A non-empty
// externalReference makes the call idempotent: replays return the original
// transaction with OutcomeDuplicate. A pending deposit recorded by
// InitiateDeposit under the same reference is completed instead of duplicated,
// as is one a provider reported failed before it reported success.
func (s *LedgerService) Fund(ctx context.Context, userID string, amount decimal.Decimal, externalReference string, opts ...Option) (*Result, error) {
	if !validAmount(amount) {
		return nil, ErrInvalidAmount
	}
	var res *Result
	err := s.execute(ctx, "fund", userID, func(tx *gorm.DB) error {
		// lock first so concurrent settlements of one pending deposit serialize
		w, err := s.lockWallet(ctx, tx, userID)
		if err != nil {
			return err
		}
		existed, prev, err := s.repo.TxExists(ctx, tx, model.TxDeposit, externalReference)
		if err != nil {
			return err
		}
		if existed && prev.UserID != userID {
			return fmt.Errorf("%w: reference %s belongs to another wallet", ErrIdempotencyConflict, externalReference)
		}
		if existed && prev.Status == model.TxFailed {
			// a provider success that overtook an earlier failure notice still
			// settles; a failed deposit never wrote entries
			es, err := s.repo.EntriesForTransaction(ctx, tx, prev.ID)
			if err != nil {
				return err
			}
			if len(es) == 0 {
				s.log.Warnw("settling previously failed deposit",
					"user_id", userID,
					"transaction_id", prev.ID,
					"reference", externalReference,
					"failure_reason", prev.Metadata.FailureReason)
				prev.Metadata.PriorFailureReason = firstReason(prev.Metadata.FailureReason)
				prev.Metadata.FailureReason = ""
				prev.Status = model.TxPending
			}
		}
		if existed && prev.Status != model.TxPending {
			if prev.Status != model.TxCompleted {
				return fmt.Errorf("%w: deposit %s is %s", ErrTransactionFinal, prev.ID, prev.Status)
			}
			if !prev.Amount.Equal(amount) {
				return fmt.Errorf("%w: reference %s was funded with %s", ErrIdempotencyConflict, externalReference, prev.Amount)
			}
			res = &Result{Transaction: prev, Wallet: w, Outcome: OutcomeDuplicate}
			return nil
		}

		t := prev
		if t == nil {
			t = s.newTransaction(userID, model.TxDeposit, amount, model.PartitionWallet, externalReference, "Wallet funding")
			applyOptions(&t.Metadata, opts)
			if err := s.repo.CreateTransaction(ctx, tx, t); err != nil {
				return err
			}
		} else {
			// settle the pending deposit at the amount actually received
			if !t.Amount.Equal(amount) {
				t.Metadata.RequestedAmount = decPtr(t.Amount)
				if err := s.repo.SetPendingAmount(ctx, tx, t.ID, amount); err != nil {
					return err
				}
				t.Amount = amount
			}
			t.Status = model.TxCompleted
			applyOptions(&t.Metadata, opts)
			if err := s.repo.UpdateTransaction(ctx, tx, t); err != nil {
				return err
			}
		}

		p := newPosting(w, t.ID, externalReference)
		p.debit(model.PartitionWallet, amount)
		p.credit(model.PartitionSystem, amount)
		if err := s.commit(ctx, tx, p); err != nil {
			return err
		}
		if err := s.emit(ctx, tx, model.EventTransactionCompleted, t); err != nil {
			return err
		}
		res = &Result{Transaction: t, Wallet: w, Outcome: OutcomeCompleted}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.observe("fund", res)
	return res, nil
}

func firstReason(reason string) string {
	if reason == "" {
		return "unspecified"
	}
	return reason
}

// InitiateDeposit records a pending deposit for a payment the user started
// with the provider. It writes no ledger entries; Fund or MarkFailed settles it.
func (s *LedgerService) InitiateDeposit(ctx context.Context, userID string, amount decimal.Decimal, reference string) (*Result, error) {
	if !validAmount(amount) {
		return nil, ErrInvalidAmount
	}
	if reference == "" {
		return nil, ErrReferenceRequired
	}
	var res *Result
	err := s.execute(ctx, "initiate_deposit", "", func(tx *gorm.DB) error {
		existed, prev, err := s.repo.TxExists(ctx, tx, model.TxDeposit, reference)
		if err != nil {
			return err
		}
		if existed {
			if prev.UserID != userID || !prev.Amount.Equal(amount) {
				return fmt.Errorf("%w: reference %s", ErrIdempotencyConflict, reference)
			}
			res = &Result{Transaction: prev, Outcome: OutcomeDuplicate}
			return nil
		}
		if _, err := s.repo.GetWallet(ctx, tx, userID); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrWalletNotFound, userID)
			}
			return err
		}
		t := s.newTransaction(userID, model.TxDeposit, amount, model.PartitionWallet, reference, "Deposit awaiting settlement")
		t.Status = model.TxPending
		if err := s.repo.CreateTransaction(ctx, tx, t); err != nil {
			return err
		}
		res = &Result{Transaction: t, Outcome: OutcomePending}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.observe("initiate_deposit", res)
	return res, nil
}

// MarkFailed records a provider-reported settlement failure for the deposit
// with the given reference. There is no ledger effect because a pending
// deposit never wrote entries.
func (s *LedgerService) MarkFailed(ctx context.Context, reference, reason string, opts ...Option) (*Result, error) {
	if reference == "" {
		return nil, ErrReferenceRequired
	}
	var res *Result
	err := s.execute(ctx, "mark_failed", "", func(tx *gorm.DB) error {
		existed, t, err := s.repo.TxExists(ctx, tx, model.TxDeposit, reference)
		if err != nil {
			return err
		}
		if !existed {
			return fmt.Errorf("%w: reference %s", ErrTransactionNotFound, reference)
		}
		switch t.Status {
		case model.TxFailed:
			res = &Result{Transaction: t, Outcome: OutcomeDuplicate}
			return nil
		case model.TxCompleted, model.TxCancelled:
			return fmt.Errorf("%w: deposit %s is %s", ErrTransactionFinal, t.ID, t.Status)
		}
		t.Status = model.TxFailed
		t.Metadata.FailureReason = reason
		applyOptions(&t.Metadata, opts)
		if err := s.repo.UpdateTransaction(ctx, tx, t); err != nil {
			return err
		}
		if err := s.emit(ctx, tx, model.EventTransactionFailed, t); err != nil {
			return err
		}
		res = &Result{Transaction: t, Outcome: OutcomeFailed}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.observe("mark_failed", res)
	return res, nil
}
