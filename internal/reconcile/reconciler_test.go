package reconcile

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/richardliu001/savings-ledger/internal/logger"
	"github.com/richardliu001/savings-ledger/internal/model"
	"github.com/richardliu001/savings-ledger/internal/repo"
	"github.com/richardliu001/savings-ledger/internal/repo/repotest"
	"github.com/richardliu001/savings-ledger/internal/service"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const secret = "whsec_test"

type fixture struct {
	rec  *Reconciler
	svc  *service.LedgerService
	repo *repo.Repository
	ctx  context.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := repotest.NewDB(t)
	log, err := logger.NewLogger()
	require.NoError(t, err)
	rp := repo.NewRepository(db, nil, nil, log)
	svc := service.NewLedgerService(rp, nil, log)
	v := NewVerifier(map[string]string{"x": secret}, 5*time.Minute)
	rec := NewReconciler(rp, svc, v, Options{ProcessingTimeout: 5 * time.Minute, MaxAttempts: 3}, log)
	return &fixture{rec: rec, svc: svc, repo: rp, ctx: context.Background()}
}

func (f *fixture) wallet(t *testing.T, userID string) *model.Wallet {
	t.Helper()
	w, err := f.svc.GetWallet(f.ctx, userID)
	require.NoError(t, err)
	return w
}

func body(t *testing.T, id, typ string, data EventData) []byte {
	t.Helper()
	b, err := json.Marshal(Envelope{ID: id, Type: typ, Data: data})
	require.NoError(t, err)
	return b
}

func (f *fixture) deliver(t *testing.T, b []byte) *Receipt {
	t.Helper()
	ts := time.Now().Unix()
	rc, err := f.rec.Handle(f.ctx, "x", strconv.FormatInt(ts, 10), Sign(secret, ts, b), b)
	require.NoError(t, err)
	return rc
}

func TestHandle_SameEventThreeTimesAppliesOnce(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateWallet(f.ctx, "u1", decimal.Zero)
	require.NoError(t, err)
	b := body(t, "evt_42", EventPaymentSucceeded, EventData{UserID: "u1", Amount: decimal.RequireFromString("25.00")})

	first := f.deliver(t, b)
	assert.Equal(t, DispositionProcessed, first.Disposition)
	assert.NotEmpty(t, first.TransactionID)
	for i := 0; i < 2; i++ {
		rc := f.deliver(t, b)
		assert.Equal(t, DispositionDuplicate, rc.Disposition)
		assert.Equal(t, first.TransactionID, rc.TransactionID)
	}

	evt, err := f.repo.GetWebhookEvent(f.ctx, "x", "evt_42")
	require.NoError(t, err)
	assert.Equal(t, model.WebhookProcessed, evt.Status)
	assert.Equal(t, 1, evt.ProcessingAttempts)
	require.NotNil(t, evt.ProcessedAt)
	assert.True(t, f.wallet(t, "u1").AvailableBalance.Equal(decimal.NewFromInt(25)))
}

func TestHandle_RedeliveryAnHourLaterIsDuplicate(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateWallet(f.ctx, "u1", decimal.Zero)
	require.NoError(t, err)
	b := body(t, "evt_A", EventPaymentSucceeded, EventData{UserID: "u1", Amount: decimal.NewFromInt(50), Reference: "pi_A"})

	assert.Equal(t, DispositionProcessed, f.deliver(t, b).Disposition)
	f.rec.now = func() time.Time { return time.Now().Add(time.Hour) }
	assert.Equal(t, DispositionDuplicate, f.deliver(t, b).Disposition)

	assert.True(t, f.wallet(t, "u1").AvailableBalance.Equal(decimal.NewFromInt(50)))
	tx, err := f.svc.TransactionByReference(f.ctx, model.TxDeposit, "pi_A")
	require.NoError(t, err)
	assert.Equal(t, "evt_A", tx.Metadata.ProviderEventID)
}

func TestHandle_RejectsBeforeAnyWrite(t *testing.T) {
	f := newFixture(t)
	b := body(t, "evt_bad", EventPaymentSucceeded, EventData{UserID: "u1", Amount: decimal.NewFromInt(10)})
	ts := time.Now().Unix()
	tsStr := strconv.FormatInt(ts, 10)

	_, err := f.rec.Handle(f.ctx, "x", tsStr, Sign("wrong", ts, b), b)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = f.rec.Handle(f.ctx, "x", tsStr, "not-hex", b)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	old := time.Now().Add(-time.Hour).Unix()
	_, err = f.rec.Handle(f.ctx, "x", strconv.FormatInt(old, 10), Sign(secret, old, b), b)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = f.rec.Handle(f.ctx, "y", tsStr, Sign(secret, ts, b), b)
	assert.ErrorIs(t, err, ErrUnknownProvider)

	_, err = f.repo.GetWebhookEvent(f.ctx, "x", "evt_bad")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)

	junk := []byte(`{"type":"payment.succeeded"}`)
	_, err = f.rec.Handle(f.ctx, "x", tsStr, Sign(secret, ts, junk), junk)
	assert.ErrorIs(t, err, ErrMalformedEvent)
}

func TestHandle_UnknownTypeIsIgnored(t *testing.T) {
	f := newFixture(t)
	b := body(t, "evt_u", "customer.updated", EventData{})

	assert.Equal(t, DispositionIgnored, f.deliver(t, b).Disposition)
	assert.Equal(t, DispositionDuplicate, f.deliver(t, b).Disposition)

	evt, err := f.repo.GetWebhookEvent(f.ctx, "x", "evt_u")
	require.NoError(t, err)
	assert.Equal(t, model.WebhookIgnored, evt.Status)
}

func TestHandle_FailedHandlerIsAcknowledgedThenRetried(t *testing.T) {
	f := newFixture(t)
	b := body(t, "evt_f", EventPaymentSucceeded, EventData{UserID: "late", Amount: decimal.NewFromInt(15)})

	rc := f.deliver(t, b)
	assert.Equal(t, DispositionFailed, rc.Disposition)
	assert.Contains(t, rc.Error, "wallet not found")

	evt, err := f.repo.GetWebhookEvent(f.ctx, "x", "evt_f")
	require.NoError(t, err)
	assert.Equal(t, model.WebhookFailed, evt.Status)
	assert.Equal(t, 1, evt.ProcessingAttempts)

	_, err = f.svc.CreateWallet(f.ctx, "late", decimal.Zero)
	require.NoError(t, err)
	n, err := f.rec.RetryFailed(f.ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	evt, err = f.repo.GetWebhookEvent(f.ctx, "x", "evt_f")
	require.NoError(t, err)
	assert.Equal(t, model.WebhookProcessed, evt.Status)
	assert.Equal(t, 2, evt.ProcessingAttempts)
	assert.True(t, f.wallet(t, "late").AvailableBalance.Equal(decimal.NewFromInt(15)))

	n, err = f.rec.RetryFailed(f.ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, DispositionDuplicate, f.deliver(t, b).Disposition)
}

func TestRetryFailed_StopsAtMaxAttempts(t *testing.T) {
	f := newFixture(t)
	b := body(t, "evt_m", EventPaymentSucceeded, EventData{UserID: "nobody", Amount: decimal.NewFromInt(1)})
	f.deliver(t, b)

	for i := 0; i < 5; i++ {
		_, err := f.rec.RetryFailed(f.ctx, 10)
		require.NoError(t, err)
	}
	evt, err := f.repo.GetWebhookEvent(f.ctx, "x", "evt_m")
	require.NoError(t, err)
	assert.Equal(t, model.WebhookFailed, evt.Status)
	assert.Equal(t, 3, evt.ProcessingAttempts)
}

func TestHandle_StillProcessingUntilStale(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateWallet(f.ctx, "u1", decimal.Zero)
	require.NoError(t, err)
	b := body(t, "evt_p", EventPaymentSucceeded, EventData{UserID: "u1", Amount: decimal.NewFromInt(5)})

	// another worker claimed the event and has not finished
	_, err = f.repo.InsertWebhookEvent(f.ctx, &model.WebhookEvent{
		Provider: "x", EventID: "evt_p", EventType: EventPaymentSucceeded,
		Status: model.WebhookProcessing, Payload: string(b), ProcessingAttempts: 1,
	})
	require.NoError(t, err)

	assert.Equal(t, DispositionStillProcessing, f.deliver(t, b).Disposition)
	assert.True(t, f.wallet(t, "u1").AvailableBalance.IsZero())

	f.rec.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	rc := f.deliver(t, b)
	assert.Equal(t, DispositionProcessed, rc.Disposition)
	assert.Equal(t, 2, rc.Attempts)
	assert.True(t, f.wallet(t, "u1").AvailableBalance.Equal(decimal.NewFromInt(5)))
}

func TestHandle_RefundAndPayoutEvents(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateWallet(f.ctx, "u1", decimal.Zero)
	require.NoError(t, err)

	f.deliver(t, body(t, "evt_1", EventPaymentSucceeded, EventData{UserID: "u1", Amount: decimal.NewFromInt(50), Reference: "ch_1"}))
	refund := body(t, "evt_2", EventChargeRefunded, EventData{Reference: "ch_1", Amount: decimal.NewFromInt(20), Reason: "requested_by_customer"})
	assert.Equal(t, DispositionProcessed, f.deliver(t, refund).Disposition)
	assert.Equal(t, DispositionDuplicate, f.deliver(t, refund).Disposition)
	assert.True(t, f.wallet(t, "u1").AvailableBalance.Equal(decimal.NewFromInt(30)))

	wd, err := f.svc.Withdraw(f.ctx, "u1", decimal.NewFromInt(10), "iban:DE00", "w1")
	require.NoError(t, err)
	rc := f.deliver(t, body(t, "evt_3", EventPayoutSucceeded, EventData{TransactionID: wd.Transaction.ID}))
	assert.Equal(t, DispositionProcessed, rc.Disposition)
	assert.Equal(t, wd.Transaction.ID, rc.TransactionID)

	w := f.wallet(t, "u1")
	assert.True(t, w.AvailableBalance.Equal(decimal.NewFromInt(20)))
	assert.True(t, w.EscrowBalance.IsZero())

	wd2, err := f.svc.Withdraw(f.ctx, "u1", decimal.NewFromInt(5), "iban:DE00", "w2")
	require.NoError(t, err)
	f.deliver(t, body(t, "evt_4", EventPayoutFailed, EventData{TransactionID: wd2.Transaction.ID, Reason: "account closed"}))
	assert.True(t, f.wallet(t, "u1").AvailableBalance.Equal(decimal.NewFromInt(20)))

	rc = f.deliver(t, body(t, "evt_5", EventPaymentFailed, EventData{Reference: "pi_never_seen"}))
	assert.Equal(t, DispositionIgnored, rc.Disposition)
}

func TestHandle_ChargeRefundedByTransactionID(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateWallet(f.ctx, "u1", decimal.Zero)
	require.NoError(t, err)

	paid := f.deliver(t, body(t, "evt_1", EventPaymentSucceeded, EventData{UserID: "u1", Amount: decimal.NewFromInt(50), Reference: "ch_9"}))
	require.Equal(t, DispositionProcessed, paid.Disposition)

	rc := f.deliver(t, body(t, "evt_2", EventChargeRefunded, EventData{TransactionID: paid.TransactionID, Amount: decimal.NewFromInt(20)}))
	assert.Equal(t, DispositionProcessed, rc.Disposition, rc.Error)
	assert.True(t, f.wallet(t, "u1").AvailableBalance.Equal(decimal.NewFromInt(30)))

	wd, err := f.svc.Withdraw(f.ctx, "u1", decimal.NewFromInt(5), "iban:DE00", "w1")
	require.NoError(t, err)
	rc = f.deliver(t, body(t, "evt_3", EventChargeRefunded, EventData{TransactionID: wd.Transaction.ID}))
	assert.Equal(t, DispositionFailed, rc.Disposition)
	assert.Contains(t, rc.Error, "cannot be refunded")
}

func TestHandle_SuccessAfterFailureStillCredits(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateWallet(f.ctx, "u1", decimal.Zero)
	require.NoError(t, err)
	_, err = f.svc.InitiateDeposit(f.ctx, "u1", decimal.NewFromInt(40), "pi_7")
	require.NoError(t, err)

	rc := f.deliver(t, body(t, "evt_f", EventPaymentFailed, EventData{Reference: "pi_7", Reason: "timeout"}))
	require.Equal(t, DispositionProcessed, rc.Disposition)

	rc = f.deliver(t, body(t, "evt_s", EventPaymentSucceeded, EventData{UserID: "u1", Amount: decimal.NewFromInt(40), Reference: "pi_7"}))
	assert.Equal(t, DispositionProcessed, rc.Disposition, rc.Error)
	assert.True(t, f.wallet(t, "u1").AvailableBalance.Equal(decimal.NewFromInt(40)))

	// a late failure for the settled deposit changes nothing and is not retried
	rc = f.deliver(t, body(t, "evt_f2", EventPaymentFailed, EventData{Reference: "pi_7", Reason: "timeout"}))
	assert.Equal(t, DispositionIgnored, rc.Disposition)
	n, err := f.rec.RetryFailed(f.ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.True(t, f.wallet(t, "u1").AvailableBalance.Equal(decimal.NewFromInt(40)))
}

func TestPurge_RemovesOnlySettledEventsPastRetention(t *testing.T) {
	f := newFixture(t)
	f.deliver(t, body(t, "evt_old", "customer.updated", EventData{}))
	f.deliver(t, body(t, "evt_fail", EventPaymentSucceeded, EventData{UserID: "ghost", Amount: decimal.NewFromInt(1)}))

	n, err := f.rec.Purge(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.rec.now = func() time.Time { return time.Now().Add(91 * 24 * time.Hour) }
	n, err = f.rec.Purge(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = f.repo.GetWebhookEvent(f.ctx, "x", "evt_fail")
	assert.NoError(t, err)
}
