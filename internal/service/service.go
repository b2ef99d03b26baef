package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/richardliu001/savings-ledger/internal/metrics"
	"github.com/richardliu001/savings-ledger/internal/model"
	"github.com/richardliu001/savings-ledger/internal/notify"
	"github.com/richardliu001/savings-ledger/internal/repo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrInvalidAmount           = errors.New("amount must be positive with at most two decimal places")
	ErrWalletNotFound          = errors.New("wallet not found")
	ErrWalletExists            = errors.New("wallet already exists")
	ErrWalletFrozen            = errors.New("wallet is frozen")
	ErrTransactionNotFound     = errors.New("transaction not found")
	ErrTransactionNotCompleted = errors.New("transaction is not completed")
	ErrTransactionFinal        = errors.New("transaction already finalized")
	ErrNotRefundable           = errors.New("transaction type cannot be refunded")
	ErrRefundExceedsOriginal   = errors.New("refund exceeds original amount")
	ErrIdempotencyConflict     = errors.New("idempotency key reused with different parameters")
	ErrReferenceRequired       = errors.New("external reference is required")
	ErrDestinationRequired     = errors.New("withdrawal destination is required")
	ErrUnauthorized            = errors.New("operation requires an authorized actor")
	ErrReasonRequired          = errors.New("adjustment reason is required")
	ErrInvalidPartition        = errors.New("invalid account partition")
	ErrInvalidDate             = errors.New("invalid allocation date")
	ErrInvalidStatus           = errors.New("invalid wallet status")

	// ErrLedgerImbalance signals an invariant violation. The enclosing
	// transaction is rolled back and operators are alerted; nothing is
	// corrected automatically.
	ErrLedgerImbalance = errors.New("ledger imbalance")
)

// amountScale is the number of minor-unit decimal places.
const amountScale = 2

// maxAttempts bounds re-execution after optimistic-lock or unique-key races.
const maxAttempts = 3

type Outcome string

const (
	OutcomeCompleted         Outcome = "completed"
	OutcomePending           Outcome = "pending"
	OutcomeFailed            Outcome = "failed"
	OutcomeInsufficientFunds Outcome = "insufficient_funds"
	OutcomeDuplicate         Outcome = "duplicate"
	OutcomeSkipped           Outcome = "skipped"
)

// Result is what every mutating operation returns. Insufficient funds is an
// Outcome, not an error.
type Result struct {
	Transaction *model.Transaction
	Wallet      *model.Wallet
	Outcome     Outcome
	// Reason explains a skipped outcome.
	Reason    string
	Shortfall decimal.Decimal
}

// Applied reports whether the call changed or already had changed state.
func (r *Result) Applied() bool {
	switch r.Outcome {
	case OutcomeCompleted, OutcomePending, OutcomeFailed, OutcomeDuplicate:
		return true
	}
	return false
}

// Authorization identifies who requested an administrative operation.
type Authorization struct {
	Actor string
}

// Option annotates the transaction record written by an operation.
type Option func(*model.Metadata)

// WithProvider links a transaction to the provider notification that caused it.
func WithProvider(provider, eventID string) Option {
	return func(m *model.Metadata) {
		m.Provider = provider
		m.ProviderEventID = eventID
	}
}

// WithReason records a free-text reason.
func WithReason(reason string) Option {
	return func(m *model.Metadata) {
		if reason != "" {
			m.Reason = reason
		}
	}
}

// LedgerService is the only component allowed to mutate wallets.
type LedgerService struct {
	repo     repo.RepositoryInterface
	notifier notify.Notifier
	log      *zap.SugaredLogger
	newID    func() string
}

// NewLedgerService returns LedgerService.
func NewLedgerService(r repo.RepositoryInterface, n notify.Notifier, logger *zap.SugaredLogger) *LedgerService {
	if n == nil {
		n = notify.Nop{}
	}
	return &LedgerService{repo: r, notifier: n, log: logger, newID: uuid.NewString}
}

// Repo exposes underlying repository (unit tests helper).
func (s *LedgerService) Repo() repo.RepositoryInterface {
	return s.repo
}

func validAmount(a decimal.Decimal) bool {
	return a.IsPositive() && a.Equal(a.Round(amountScale))
}

func refPtr(ref string) *string {
	if ref == "" {
		return nil
	}
	return &ref
}

func decPtr(d decimal.Decimal) *decimal.Decimal { return &d }

func applyOptions(m *model.Metadata, opts []Option) {
	for _, o := range opts {
		o(m)
	}
}

func retryable(err error) bool {
	return errors.Is(err, repo.ErrOptimisticLock) || errors.Is(err, gorm.ErrDuplicatedKey)
}

// execute runs fn as one all-or-nothing database transaction. fn must assign
// its results on every successful path because it may run more than once.
func (s *LedgerService) execute(ctx context.Context, op, userID string, fn func(tx *gorm.DB) error) error {
	start := time.Now()
	defer func() {
		metrics.LedgerOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = s.repo.DB(ctx).Transaction(fn)
		if !retryable(err) {
			break
		}
		s.log.Debugw("ledger transaction raced, retrying", "op", op, "user_id", userID, "attempt", attempt, "err", err)
	}
	if err != nil {
		if errors.Is(err, ErrLedgerImbalance) {
			s.reportImbalance(ctx, op, userID, err)
		}
		metrics.LedgerOperations.WithLabelValues(op, "error").Inc()
		return err
	}
	if userID != "" {
		if cerr := s.repo.InvalidateWallet(ctx, userID); cerr != nil {
			s.log.Warnw("invalidate wallet cache", "user_id", userID, "err", cerr)
		}
	}
	return nil
}

func (s *LedgerService) observe(op string, res *Result) {
	metrics.LedgerOperations.WithLabelValues(op, string(res.Outcome)).Inc()
}

func (s *LedgerService) reportImbalance(ctx context.Context, op, userID string, err error) {
	metrics.LedgerImbalances.Inc()
	s.log.Errorw("ledger imbalance detected, transaction aborted",
		"op", op, "user_id", userID, "err", err)
	s.notifier.Notify(ctx, notify.Notification{
		UserID: notify.OperatorsUserID,
		Kind:   notify.KindOperatorIncident,
		Title:  "Ledger imbalance",
		Body:   fmt.Sprintf("%s for user %s: %v", op, userID, err),
	})
}

func (s *LedgerService) lockWallet(ctx context.Context, tx *gorm.DB, userID string) (*model.Wallet, error) {
	w, err := s.repo.GetWalletForUpdate(ctx, tx, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrWalletNotFound, userID)
	}
	return w, err
}

func (s *LedgerService) newTransaction(userID string, typ model.TxType, amount decimal.Decimal, part model.Partition, ref, desc string) *model.Transaction {
	return &model.Transaction{
		ID:                s.newID(),
		UserID:            userID,
		Type:              typ,
		Amount:            amount,
		Partition:         part,
		Status:            model.TxCompleted,
		ExternalReference: refPtr(ref),
		Description:       desc,
	}
}

// emit writes an outbox row in the caller's transaction.
func (s *LedgerService) emit(ctx context.Context, tx *gorm.DB, eventType string, t *model.Transaction) error {
	payload, err := json.Marshal(map[string]interface{}{
		"transaction_id": t.ID,
		"user_id":        t.UserID,
		"type":           t.Type,
		"amount":         t.Amount,
		"status":         t.Status,
		"metadata":       t.Metadata,
	})
	if err != nil {
		return err
	}
	return s.repo.CreateOutboxEvent(ctx, tx, &model.OutboxEvent{
		Aggregate:   "Wallet",
		AggregateID: t.UserID,
		EventType:   eventType,
		Payload:     string(payload),
	})
}

// commit validates the posting, appends its entries and persists the wallet.
func (s *LedgerService) commit(ctx context.Context, tx *gorm.DB, p *posting) error {
	if err := p.check(); err != nil {
		debit, credit := p.totals()
		s.log.Errorw("ledger invariant violated",
			"user_id", p.wallet.UserID,
			"transaction_id", p.txID,
			"debits", debit.String(),
			"credits", credit.String(),
			"entries", len(p.entries),
			"err", err)
		return err
	}
	if err := s.repo.AppendEntries(ctx, tx, p.entries); err != nil {
		return err
	}
	return s.repo.UpdateWallet(ctx, tx, p.wallet)
}
