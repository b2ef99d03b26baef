// Package allocation runs the once-a-day move from available to locked for
// every active wallet.
package allocation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/richardliu001/savings-ledger/internal/metrics"
	"github.com/richardliu001/savings-ledger/internal/model"
	"github.com/richardliu001/savings-ledger/internal/notify"
	"github.com/richardliu001/savings-ledger/internal/service"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Ledger is the part of the ledger service the scheduler drives.
type Ledger interface {
	ListActiveWallets(ctx context.Context, afterUserID string, limit int) ([]model.Wallet, error)
	AllocateDaily(ctx context.Context, userID, date string) (*service.Result, error)
}

// Leaser provides a cluster-wide run lease so horizontally scaled instances
// do not all sweep the same day. It is an optimisation; the per-day
// allocation record is what prevents double allocation.
type Leaser interface {
	AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, key, owner string) error
}

type Outcome string

const (
	OutcomeAllocated    Outcome = "allocated"
	OutcomeSkipped      Outcome = "skipped"
	OutcomeInsufficient Outcome = "insufficient_funds"
	OutcomeFailed       Outcome = "failed"
)

type UserOutcome struct {
	UserID  string  `json:"user_id"`
	Outcome Outcome `json:"outcome"`
	Streak  int     `json:"streak,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// Report collects the per-user outcomes of one run.
type Report struct {
	Date      string          `json:"date"`
	Contended bool            `json:"contended"`
	Started   time.Time       `json:"started"`
	Finished  time.Time       `json:"finished"`
	Counts    map[Outcome]int `json:"counts"`
	Outcomes  []UserOutcome   `json:"outcomes"`

	mu sync.Mutex
}

func (r *Report) record(o UserOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Counts[o.Outcome]++
	r.Outcomes = append(r.Outcomes, o)
	metrics.AllocationOutcomes.WithLabelValues(string(o.Outcome)).Inc()
}

type Config struct {
	Location    *time.Location
	BatchSize   int
	Concurrency int
	LeaseTTL    time.Duration
}

type Scheduler struct {
	ledger   Ledger
	leaser   Leaser
	notifier notify.Notifier
	log      *zap.SugaredLogger
	cfg      Config
	owner    string
	now      func() time.Time
}

func NewScheduler(ledger Ledger, leaser Leaser, notifier notify.Notifier, log *zap.SugaredLogger, cfg Config) *Scheduler {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Minute
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Scheduler{
		ledger:   ledger,
		leaser:   leaser,
		notifier: notifier,
		log:      log,
		cfg:      cfg,
		owner:    uuid.NewString(),
		now:      time.Now,
	}
}

// Today is the calendar date in the scheduler's timezone.
func (s *Scheduler) Today() string {
	return s.now().In(s.cfg.Location).Format(model.DateLayout)
}

// Run allocates for today.
func (s *Scheduler) Run(ctx context.Context) (*Report, error) {
	return s.RunFor(ctx, s.Today())
}

// RunFor sweeps every active wallet for date. Each wallet is its own atomic
// allocation, so an interrupted run is resumed by simply running again. A
// single wallet's failure is recorded and never aborts the sweep; there is no
// in-process retry.
func (s *Scheduler) RunFor(ctx context.Context, date string) (*Report, error) {
	rep := &Report{Date: date, Started: s.now(), Counts: map[Outcome]int{}}
	key := "allocation:run:" + date

	if s.leaser != nil {
		ok, err := s.leaser.AcquireLease(ctx, key, s.owner, s.cfg.LeaseTTL)
		switch {
		case err != nil:
			s.log.Warnw("allocation lease unavailable, running unguarded", "date", date, "err", err)
		case !ok:
			s.log.Infow("allocation run held by another instance", "date", date)
			rep.Contended = true
			rep.Finished = s.now()
			return rep, nil
		}
	}

	err := s.sweep(ctx, date, rep)
	rep.Finished = s.now()
	if err != nil {
		// let another instance pick the day up
		if s.leaser != nil {
			if rerr := s.leaser.ReleaseLease(context.Background(), key, s.owner); rerr != nil {
				s.log.Warnw("release allocation lease", "date", date, "err", rerr)
			}
		}
		s.log.Errorw("allocation run aborted", "date", date, "counts", rep.Counts, "err", err)
		return rep, err
	}
	s.log.Infow("allocation run finished",
		"date", date,
		"counts", rep.Counts,
		"duration", rep.Finished.Sub(rep.Started).String())
	return rep, nil
}

func (s *Scheduler) sweep(ctx context.Context, date string, rep *Report) error {
	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ws, err := s.ledger.ListActiveWallets(ctx, after, s.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("list wallets after %q: %w", after, err)
		}

		g := new(errgroup.Group)
		g.SetLimit(s.cfg.Concurrency)
		for i := range ws {
			w := ws[i]
			if w.LastAllocationDate != nil && *w.LastAllocationDate == date {
				rep.record(UserOutcome{UserID: w.UserID, Outcome: OutcomeSkipped, Streak: w.CurrentStreak})
				continue
			}
			g.Go(func() error {
				rep.record(s.allocateOne(ctx, w.UserID, date))
				return nil
			})
		}
		_ = g.Wait()

		if len(ws) < s.cfg.BatchSize {
			return nil
		}
		after = ws[len(ws)-1].UserID
	}
}

func (s *Scheduler) allocateOne(ctx context.Context, userID, date string) UserOutcome {
	res, err := s.ledger.AllocateDaily(ctx, userID, date)
	if err != nil {
		s.log.Errorw("daily allocation failed", "user_id", userID, "date", date, "err", err)
		return UserOutcome{UserID: userID, Outcome: OutcomeFailed, Error: err.Error()}
	}
	switch res.Outcome {
	case service.OutcomeCompleted:
		s.notifier.Notify(ctx, notify.Notification{
			UserID: userID,
			Kind:   notify.KindAllocation,
			Title:  "Daily savings added",
			Body: fmt.Sprintf("%s moved to your savings. You're on a %d day streak.",
				res.Transaction.Amount.StringFixed(2), res.Wallet.CurrentStreak),
		})
		return UserOutcome{UserID: userID, Outcome: OutcomeAllocated, Streak: res.Wallet.CurrentStreak}
	case service.OutcomeInsufficientFunds:
		s.notifier.Notify(ctx, notify.Notification{
			UserID: userID,
			Kind:   notify.KindLowBalance,
			Title:  "Daily savings missed",
			Body: fmt.Sprintf("Your available balance of %s is below your daily savings of %s. Add funds to continue.",
				res.Wallet.AvailableBalance.StringFixed(2), res.Wallet.DailyAllocationAmount.StringFixed(2)),
		})
		return UserOutcome{UserID: userID, Outcome: OutcomeInsufficient, Streak: res.Wallet.CurrentStreak}
	}
	var streak int
	if res.Wallet != nil {
		streak = res.Wallet.CurrentStreak
	}
	return UserOutcome{UserID: userID, Outcome: OutcomeSkipped, Streak: streak}
}

// Register schedules Run on c. The cron's location decides when spec fires;
// the allocation date always comes from the scheduler's Location.
func (s *Scheduler) Register(c *cron.Cron, spec string, timeout time.Duration) (cron.EntryID, error) {
	return c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if _, err := s.Run(ctx); err != nil {
			s.log.Errorw("scheduled allocation run", "err", err)
		}
	})
}
