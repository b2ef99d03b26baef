package service

import (
	"context"
	"fmt"

	"github.com/richardliu001/savings-ledger/internal/model"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// AdjustRequest describes an administrative correction. Amount is signed:
// positive adds to Partition, negative removes from it.
type AdjustRequest struct {
	UserID         string
	Amount         decimal.Decimal
	Partition      model.Partition
	Reason         string
	Type           model.TxType
	IdempotencyKey string
	Auth           Authorization
}

var adjustableTypes = map[model.TxType]bool{
	model.TxAdjustment: true,
	model.TxBonus:      true,
	model.TxFee:        true,
	model.TxTransfer:   true,
}

func (r AdjustRequest) validate() error {
	if r.Auth.Actor == "" {
		return ErrUnauthorized
	}
	if r.Reason == "" {
		return ErrReasonRequired
	}
	if !r.Partition.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidPartition, r.Partition)
	}
	if r.Amount.IsZero() || !validAmount(r.Amount.Abs()) {
		return ErrInvalidAmount
	}
	switch {
	case !adjustableTypes[r.Type]:
		return fmt.Errorf("%w: type %q cannot be posted as an adjustment", ErrInvalidAmount, r.Type)
	case r.Type == model.TxBonus && r.Amount.IsNegative():
		return fmt.Errorf("%w: bonus must be positive", ErrInvalidAmount)
	case r.Type == model.TxFee && r.Amount.IsPositive():
		return fmt.Errorf("%w: fee must be negative", ErrInvalidAmount)
	}
	return nil
}

// Adjust posts an audited correction against one partition. Callers such as
// the referral and group-contribution subsystems use it with Type bonus or
// transfer; operators use adjustment. Removing more than the partition holds
// returns OutcomeInsufficientFunds.
func (s *LedgerService) Adjust(ctx context.Context, req AdjustRequest) (*Result, error) {
	if req.Type == "" {
		req.Type = model.TxAdjustment
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	amount := req.Amount.Abs()

	var res *Result
	err := s.execute(ctx, "adjust", req.UserID, func(tx *gorm.DB) error {
		w, err := s.lockWallet(ctx, tx, req.UserID)
		if err != nil {
			return err
		}
		existed, prev, err := s.repo.TxExists(ctx, tx, req.Type, req.IdempotencyKey)
		if err != nil {
			return err
		}
		if existed {
			if prev.UserID != req.UserID || !prev.Amount.Equal(amount) || prev.Partition != req.Partition {
				return fmt.Errorf("%w: key %s", ErrIdempotencyConflict, req.IdempotencyKey)
			}
			res = &Result{Transaction: prev, Wallet: w, Outcome: OutcomeDuplicate}
			return nil
		}
		if req.Amount.IsNegative() && w.Balance(req.Partition).LessThan(amount) {
			res = &Result{Wallet: w, Outcome: OutcomeInsufficientFunds, Shortfall: amount.Sub(w.Balance(req.Partition))}
			return nil
		}

		t := s.newTransaction(req.UserID, req.Type, amount, req.Partition, req.IdempotencyKey, req.Reason)
		t.Metadata.Reason = req.Reason
		t.Metadata.Actor = req.Auth.Actor
		t.Metadata.IdempotencyKey = req.IdempotencyKey
		if err := s.repo.CreateTransaction(ctx, tx, t); err != nil {
			return err
		}

		p := newPosting(w, t.ID, req.IdempotencyKey)
		if req.Amount.IsPositive() {
			p.debit(req.Partition, amount)
			p.credit(model.PartitionSystem, amount)
		} else {
			p.credit(req.Partition, amount)
			p.debit(model.PartitionSystem, amount)
		}
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
	s.log.Infow("ledger adjustment",
		"user_id", req.UserID,
		"actor", req.Auth.Actor,
		"type", req.Type,
		"partition", req.Partition,
		"amount", req.Amount.String(),
		"reason", req.Reason,
		"outcome", res.Outcome)
	s.observe("adjust", res)
	return res, nil
}
