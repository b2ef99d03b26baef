package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/richardliu001/savings-ledger/internal/model"
	"github.com/richardliu001/savings-ledger/internal/service"
)

// dispatch applies env to the ledger. Every ledger call carries a reference
// derived from the provider event, so replaying a half-finished event cannot
// move money twice.
func (r *Reconciler) dispatch(ctx context.Context, provider string, env Envelope) (model.WebhookStatus, *string, error) {
	via := service.WithProvider(provider, env.ID)
	d := env.Data

	var (
		res *service.Result
		err error
	)
	switch env.Type {
	case EventPaymentSucceeded:
		if d.UserID == "" {
			return "", nil, fmt.Errorf("%w: user_id missing", ErrMalformedEvent)
		}
		res, err = r.ledger.Fund(ctx, d.UserID, d.Amount, firstNonEmpty(d.Reference, env.ID), via)

	case EventPaymentFailed:
		res, err = r.ledger.MarkFailed(ctx, firstNonEmpty(d.Reference, env.ID), d.Reason, via)
		if errors.Is(err, service.ErrTransactionNotFound) {
			// abandoned before a pending deposit was ever recorded
			return model.WebhookIgnored, nil, nil
		}
		if errors.Is(err, service.ErrTransactionFinal) {
			// the deposit already settled; a reversal arrives as charge.refunded
			r.log.Warnw("payment failure after settlement ignored",
				"provider", provider, "event_id", env.ID, "reference", firstNonEmpty(d.Reference, env.ID), "err", err)
			return model.WebhookIgnored, nil, nil
		}

	case EventChargeRefunded:
		orig, ferr := r.refundTarget(ctx, d)
		if ferr != nil {
			return "", nil, ferr
		}
		amount := d.Amount
		if !amount.IsPositive() {
			amount = orig.Amount
		}
		res, err = r.ledger.Refund(ctx, orig.ID, amount, "refund:"+provider+":"+env.ID, via, service.WithReason(d.Reason))

	case EventPayoutSucceeded:
		res, err = r.ledger.ConfirmWithdrawal(ctx, d.TransactionID, via)

	case EventPayoutFailed:
		res, err = r.ledger.FailWithdrawal(ctx, d.TransactionID, d.Reason, via)

	default:
		r.log.Infow("ignoring unhandled webhook type", "provider", provider, "event_id", env.ID, "event_type", env.Type)
		return model.WebhookIgnored, nil, nil
	}
	if err != nil {
		return "", nil, err
	}
	var txID *string
	if res != nil && res.Transaction != nil {
		id := res.Transaction.ID
		txID = &id
	}
	return model.WebhookProcessed, txID, nil
}

// refundTarget finds the deposit a charge.refunded event reverses: by the
// provider reference when present, else by our transaction id.
func (r *Reconciler) refundTarget(ctx context.Context, d EventData) (*model.Transaction, error) {
	if d.Reference != "" {
		return r.ledger.TransactionByReference(ctx, model.TxDeposit, d.Reference)
	}
	if d.TransactionID == "" {
		return nil, fmt.Errorf("%w: reference or transaction_id required", ErrMalformedEvent)
	}
	t, err := r.ledger.GetTransaction(ctx, d.TransactionID)
	if err != nil {
		return nil, err
	}
	if t.Type != model.TxDeposit {
		return nil, fmt.Errorf("%w: %s is a %s, not a deposit", service.ErrNotRefundable, t.ID, t.Type)
	}
	return t, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
