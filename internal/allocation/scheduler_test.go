package allocation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/richardliu001/savings-ledger/internal/logger"
	"github.com/richardliu001/savings-ledger/internal/model"
	"github.com/richardliu001/savings-ledger/internal/notify"
	"github.com/richardliu001/savings-ledger/internal/repo"
	"github.com/richardliu001/savings-ledger/internal/repo/repotest"
	"github.com/richardliu001/savings-ledger/internal/service"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memLeaser struct {
	mu   sync.Mutex
	held map[string]string
	err  error
}

func (m *memLeaser) AcquireLease(_ context.Context, key, owner string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	if m.held == nil {
		m.held = map[string]string{}
	}
	if cur, ok := m.held[key]; ok && cur != owner {
		return false, nil
	}
	m.held[key] = owner
	return true, nil
}

func (m *memLeaser) ReleaseLease(_ context.Context, key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[key] == owner {
		delete(m.held, key)
	}
	return nil
}

func newLedger(t *testing.T) (*service.LedgerService, *notify.Recorder) {
	t.Helper()
	log, err := logger.NewLogger()
	require.NoError(t, err)
	rec := &notify.Recorder{}
	rp := repo.NewRepository(repotest.NewDB(t), nil, nil, log)
	return service.NewLedgerService(rp, rec, log), rec
}

func newScheduler(t *testing.T, l Ledger, leaser Leaser, n notify.Notifier, cfg Config) *Scheduler {
	t.Helper()
	log, err := logger.NewLogger()
	require.NoError(t, err)
	return NewScheduler(l, leaser, n, log, cfg)
}

func open(t *testing.T, svc *service.LedgerService, userID, available, daily string) {
	t.Helper()
	ctx := context.Background()
	_, err := svc.CreateWallet(ctx, userID, decimal.RequireFromString(daily))
	require.NoError(t, err)
	if a := decimal.RequireFromString(available); a.IsPositive() {
		_, err = svc.Fund(ctx, userID, a, "seed:"+userID)
		require.NoError(t, err)
	}
}

func TestRunFor_CollectsPerUserOutcomes(t *testing.T) {
	svc, rec := newLedger(t)
	open(t, svc, "u1", "30.00", "27.40")
	open(t, svc, "u2", "10.00", "27.40")
	open(t, svc, "u3", "50.00", "0")
	open(t, svc, "u4", "50.00", "5")
	_, err := svc.SetStatus(context.Background(), "u4", model.WalletFrozen, service.Authorization{Actor: "ops"})
	require.NoError(t, err)

	s := newScheduler(t, svc, &memLeaser{}, rec, Config{BatchSize: 2, Concurrency: 2})
	rep, err := s.RunFor(context.Background(), "2024-03-01")
	require.NoError(t, err)
	assert.False(t, rep.Contended)
	assert.Len(t, rep.Outcomes, 3)
	assert.Equal(t, 1, rep.Counts[OutcomeAllocated])
	assert.Equal(t, 1, rep.Counts[OutcomeInsufficient])
	assert.Equal(t, 1, rep.Counts[OutcomeSkipped])

	w, err := svc.GetWallet(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, w.AvailableBalance.Equal(decimal.RequireFromString("2.60")))
	assert.Equal(t, 1, w.CurrentStreak)

	low := rec.Sent(notify.KindLowBalance)
	require.Len(t, low, 1)
	assert.Equal(t, "u2", low[0].UserID)
	assert.Contains(t, low[0].Body, "Add funds to continue")
	assert.Len(t, rec.Sent(notify.KindAllocation), 1)
}

func TestRunFor_SecondRunSameDayAllocatesNothing(t *testing.T) {
	svc, _ := newLedger(t)
	open(t, svc, "u1", "100", "10")
	leaser := &memLeaser{}

	s := newScheduler(t, svc, leaser, nil, Config{})
	_, err := s.RunFor(context.Background(), "2024-03-01")
	require.NoError(t, err)

	// another instance loses the lease
	other := newScheduler(t, svc, leaser, nil, Config{})
	rep, err := other.RunFor(context.Background(), "2024-03-01")
	require.NoError(t, err)
	assert.True(t, rep.Contended)

	// without a lease the date guard still holds
	rep, err = newScheduler(t, svc, nil, nil, Config{}).RunFor(context.Background(), "2024-03-01")
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Counts[OutcomeSkipped])

	w, err := svc.GetWallet(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, w.Locked.Equal(decimal.NewFromInt(10)))
}

func TestRunFor_StreakAcrossDays(t *testing.T) {
	svc, _ := newLedger(t)
	open(t, svc, "u1", "100", "10")
	s := newScheduler(t, svc, nil, nil, Config{})

	for _, day := range []string{"2024-03-01", "2024-03-02", "2024-03-03"} {
		_, err := s.RunFor(context.Background(), day)
		require.NoError(t, err)
	}
	w, err := svc.GetWallet(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, w.CurrentStreak)

	rep, err := s.RunFor(context.Background(), "2024-03-05")
	require.NoError(t, err)
	require.Len(t, rep.Outcomes, 1)
	assert.Equal(t, 1, rep.Outcomes[0].Streak)
}

type flakyLedger struct {
	wallets []model.Wallet
	fail    map[string]bool
	mu      sync.Mutex
	calls   map[string]int
}

func (f *flakyLedger) ListActiveWallets(_ context.Context, after string, limit int) ([]model.Wallet, error) {
	var out []model.Wallet
	for _, w := range f.wallets {
		if w.UserID > after && len(out) < limit {
			out = append(out, w)
		}
	}
	return out, nil
}

func (f *flakyLedger) AllocateDaily(_ context.Context, userID, _ string) (*service.Result, error) {
	f.mu.Lock()
	f.calls[userID]++
	f.mu.Unlock()
	if f.fail[userID] {
		return nil, errors.New("connection reset by peer")
	}
	amt := decimal.NewFromInt(5)
	return &service.Result{
		Outcome:     service.OutcomeCompleted,
		Transaction: &model.Transaction{UserID: userID, Amount: amt},
		Wallet:      &model.Wallet{UserID: userID, CurrentStreak: 1, DailyAllocationAmount: amt},
	}, nil
}

func TestRunFor_OneFailureDoesNotAbortBatch(t *testing.T) {
	f := &flakyLedger{fail: map[string]bool{"b": true}, calls: map[string]int{}}
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		f.wallets = append(f.wallets, model.Wallet{UserID: id, Status: model.WalletActive})
	}

	s := newScheduler(t, f, nil, nil, Config{BatchSize: 2, Concurrency: 3})
	rep, err := s.RunFor(context.Background(), "2024-03-01")
	require.NoError(t, err)
	assert.Equal(t, 4, rep.Counts[OutcomeAllocated])
	assert.Equal(t, 1, rep.Counts[OutcomeFailed])

	// failures are not retried in-process
	assert.Equal(t, 1, f.calls["b"])
	for _, o := range rep.Outcomes {
		if o.UserID == "b" {
			assert.Contains(t, o.Error, "connection reset")
		}
	}
}

func TestRunFor_CancelledRunReleasesLease(t *testing.T) {
	f := &flakyLedger{calls: map[string]int{}, wallets: []model.Wallet{{UserID: "a"}}}
	leaser := &memLeaser{}
	s := newScheduler(t, f, leaser, nil, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.RunFor(ctx, "2024-03-01")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, leaser.held)

	leaser.err = errors.New("redis down")
	rep, err := s.RunFor(context.Background(), "2024-03-01")
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Counts[OutcomeAllocated])
}

func TestRun_UsesConfiguredTimezone(t *testing.T) {
	f := &flakyLedger{calls: map[string]int{}}
	s := newScheduler(t, f, nil, nil, Config{Location: time.FixedZone("UTC+9", 9*3600)})
	s.now = func() time.Time { return time.Date(2024, 3, 1, 23, 30, 0, 0, time.UTC) }

	assert.Equal(t, "2024-03-02", s.Today())
	rep, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2024-03-02", rep.Date)
}

func TestRegister_AddsCronEntry(t *testing.T) {
	s := newScheduler(t, &flakyLedger{calls: map[string]int{}}, nil, nil, Config{})
	c := cron.New(cron.WithLocation(time.UTC))

	id, err := s.Register(c, "0 6 * * *", time.Minute)
	require.NoError(t, err)
	assert.NotZero(t, id)
	assert.Len(t, c.Entries(), 1)

	_, err = s.Register(c, "not a spec", time.Minute)
	assert.Error(t, err)
}
