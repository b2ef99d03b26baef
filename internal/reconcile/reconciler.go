// Package reconcile turns signed payment-provider notifications into ledger
// operations, applying each provider event at most once.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/richardliu001/savings-ledger/internal/metrics"
	"github.com/richardliu001/savings-ledger/internal/model"
	"github.com/richardliu001/savings-ledger/internal/repo"
	"github.com/richardliu001/savings-ledger/internal/service"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrMalformedEvent is returned for authenticated bodies that are not a
// provider envelope.
var ErrMalformedEvent = errors.New("malformed webhook event")

// Provider event types understood by the reconciler.
const (
	EventPaymentSucceeded = "payment.succeeded"
	EventPaymentFailed    = "payment.failed"
	EventChargeRefunded   = "charge.refunded"
	EventPayoutSucceeded  = "payout.succeeded"
	EventPayoutFailed     = "payout.failed"
)

type Disposition string

const (
	DispositionProcessed       Disposition = "processed"
	DispositionDuplicate       Disposition = "duplicate"
	DispositionStillProcessing Disposition = "still_processing"
	DispositionIgnored         Disposition = "ignored"
	DispositionFailed          Disposition = "failed"
)

// Envelope is the provider notification body.
type Envelope struct {
	ID   string    `json:"id"`
	Type string    `json:"type"`
	Data EventData `json:"data"`
}

// EventData carries the fields the handlers read. Reference is the
// provider's charge or payment intent id.
type EventData struct {
	UserID        string          `json:"user_id"`
	Amount        decimal.Decimal `json:"amount"`
	Reference     string          `json:"reference"`
	TransactionID string          `json:"transaction_id"`
	Reason        string          `json:"reason"`
}

// Receipt is acknowledged to the provider. A failed disposition is still an
// acknowledgement; the event is retried out of band.
type Receipt struct {
	Provider      string      `json:"provider"`
	EventID       string      `json:"event_id"`
	Disposition   Disposition `json:"disposition"`
	TransactionID string      `json:"transaction_id,omitempty"`
	Attempts      int         `json:"attempts"`
	Error         string      `json:"error,omitempty"`
}

// Ledger is the part of the ledger service the handlers drive.
type Ledger interface {
	Fund(ctx context.Context, userID string, amount decimal.Decimal, externalReference string, opts ...service.Option) (*service.Result, error)
	MarkFailed(ctx context.Context, reference, reason string, opts ...service.Option) (*service.Result, error)
	TransactionByReference(ctx context.Context, txType model.TxType, reference string) (*model.Transaction, error)
	GetTransaction(ctx context.Context, transactionID string) (*model.Transaction, error)
	Refund(ctx context.Context, transactionID string, amount decimal.Decimal, reference string, opts ...service.Option) (*service.Result, error)
	ConfirmWithdrawal(ctx context.Context, transactionID string, opts ...service.Option) (*service.Result, error)
	FailWithdrawal(ctx context.Context, transactionID, reason string, opts ...service.Option) (*service.Result, error)
}

type Options struct {
	// ProcessingTimeout is how long a processing claim is honoured before
	// another delivery or the retry job may take it over.
	ProcessingTimeout time.Duration
	MaxAttempts       int
	Retention         time.Duration
}

type Reconciler struct {
	store    repo.WebhookStore
	ledger   Ledger
	verifier *Verifier
	opts     Options
	log      *zap.SugaredLogger
	now      func() time.Time
}

func NewReconciler(store repo.WebhookStore, ledger Ledger, verifier *Verifier, opts Options, log *zap.SugaredLogger) *Reconciler {
	if opts.ProcessingTimeout <= 0 {
		opts.ProcessingTimeout = 5 * time.Minute
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Retention <= 0 {
		opts.Retention = 90 * 24 * time.Hour
	}
	return &Reconciler{store: store, ledger: ledger, verifier: verifier, opts: opts, log: log, now: time.Now}
}

// Handle authenticates, deduplicates and applies one delivery. Errors are
// only returned for rejected or unreadable deliveries and storage faults;
// handler failures are recorded on the event and reported in the Receipt.
func (r *Reconciler) Handle(ctx context.Context, provider, timestamp, signature string, body []byte) (*Receipt, error) {
	if err := r.verifier.Verify(provider, timestamp, signature, body); err != nil {
		metrics.WebhookEvents.WithLabelValues(provider, "rejected").Inc()
		r.log.Warnw("webhook rejected", "provider", provider, "err", err)
		return nil, err
	}
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if env.ID == "" || env.Type == "" {
		return nil, fmt.Errorf("%w: id and type are required", ErrMalformedEvent)
	}

	evt, err := r.store.GetWebhookEvent(ctx, provider, env.ID)
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		evt = &model.WebhookEvent{
			Provider:  provider,
			EventID:   env.ID,
			EventType: env.Type,
			Status:    model.WebhookPending,
			Payload:   string(body),
		}
		created, err := r.store.InsertWebhookEvent(ctx, evt)
		if err != nil {
			return nil, err
		}
		if !created {
			// a concurrent delivery inserted first
			if evt, err = r.store.GetWebhookEvent(ctx, provider, env.ID); err != nil {
				return nil, err
			}
		}
	case err != nil:
		return nil, err
	}

	if rc := r.settled(evt); rc != nil {
		return rc, nil
	}
	return r.claimAndProcess(ctx, evt, env)
}

// settled returns a receipt when evt must not be processed by this delivery.
func (r *Reconciler) settled(evt *model.WebhookEvent) *Receipt {
	switch evt.Status {
	case model.WebhookProcessed, model.WebhookIgnored:
		return r.receipt(evt, DispositionDuplicate)
	case model.WebhookProcessing:
		if evt.UpdatedAt.After(r.staleBefore()) {
			return r.receipt(evt, DispositionStillProcessing)
		}
	}
	return nil
}

func (r *Reconciler) staleBefore() time.Time {
	return r.now().Add(-r.opts.ProcessingTimeout)
}

func (r *Reconciler) receipt(evt *model.WebhookEvent, d Disposition) *Receipt {
	metrics.WebhookEvents.WithLabelValues(evt.Provider, string(d)).Inc()
	rc := &Receipt{
		Provider:    evt.Provider,
		EventID:     evt.EventID,
		Disposition: d,
		Attempts:    evt.ProcessingAttempts,
		Error:       evt.LastError,
	}
	if evt.TransactionID != nil {
		rc.TransactionID = *evt.TransactionID
	}
	return rc
}

func (r *Reconciler) claimAndProcess(ctx context.Context, evt *model.WebhookEvent, env Envelope) (*Receipt, error) {
	won, err := r.store.ClaimWebhookEvent(ctx, evt.ID, r.staleBefore())
	if err != nil {
		return nil, err
	}
	if !won {
		cur, err := r.store.GetWebhookEvent(ctx, evt.Provider, evt.EventID)
		if err != nil {
			return nil, err
		}
		if rc := r.settled(cur); rc != nil {
			return rc, nil
		}
		return r.receipt(cur, DispositionStillProcessing), nil
	}
	evt.Status = model.WebhookProcessing
	evt.ProcessingAttempts++

	status, txID, herr := r.dispatch(ctx, evt.Provider, env)
	msg := ""
	if herr != nil {
		status, msg = model.WebhookFailed, herr.Error()
		r.log.Errorw("webhook handler failed",
			"provider", evt.Provider,
			"event_id", evt.EventID,
			"event_type", evt.EventType,
			"attempt", evt.ProcessingAttempts,
			"err", herr)
	}
	if err := r.store.FinishWebhookEvent(ctx, evt.ID, status, msg, txID); err != nil {
		return nil, err
	}
	evt.Status, evt.LastError, evt.TransactionID = status, msg, txID

	d := DispositionProcessed
	switch status {
	case model.WebhookIgnored:
		d = DispositionIgnored
	case model.WebhookFailed:
		d = DispositionFailed
	}
	r.log.Infow("webhook handled",
		"provider", evt.Provider,
		"event_id", evt.EventID,
		"event_type", evt.EventType,
		"disposition", d)
	return r.receipt(evt, d), nil
}

// RetryFailed reprocesses failed or abandoned events from their stored
// payload, up to MaxAttempts per event. It returns how many were attempted.
func (r *Reconciler) RetryFailed(ctx context.Context, limit int) (int, error) {
	evts, err := r.store.ListRetryableWebhookEvents(ctx, r.opts.MaxAttempts, r.staleBefore(), limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range evts {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		evt := &evts[i]
		var env Envelope
		if err := json.Unmarshal([]byte(evt.Payload), &env); err != nil {
			r.log.Errorw("stored webhook payload unreadable", "provider", evt.Provider, "event_id", evt.EventID, "err", err)
			continue
		}
		rc, err := r.claimAndProcess(ctx, evt, env)
		if err != nil {
			return n, err
		}
		n++
		if rc.Disposition == DispositionFailed && rc.Attempts >= r.opts.MaxAttempts {
			r.log.Errorw("webhook retries exhausted, manual review required",
				"provider", evt.Provider, "event_id", evt.EventID, "attempts", rc.Attempts, "err", rc.Error)
		}
	}
	return n, nil
}

// Purge deletes settled events older than the retention window.
func (r *Reconciler) Purge(ctx context.Context) (int64, error) {
	n, err := r.store.PurgeWebhookEvents(ctx, r.now().Add(-r.opts.Retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.log.Infow("purged webhook events", "count", n)
	}
	return n, nil
}
