package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/richardliu001/savings-ledger/internal/allocation"
	"github.com/richardliu001/savings-ledger/internal/config"
	"github.com/richardliu001/savings-ledger/internal/logger"
	"github.com/richardliu001/savings-ledger/internal/notify"
	"github.com/richardliu001/savings-ledger/internal/reconcile"
	"github.com/richardliu001/savings-ledger/internal/repo"
	"github.com/richardliu001/savings-ledger/internal/service"

	"github.com/go-redis/redis/v8"
	"github.com/robfig/cron/v3"
	"github.com/segmentio/kafka-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	// -date runs a single sweep for that day and exits; used to catch up a missed run
	date := flag.String("date", "", "allocate for YYYY-MM-DD once and exit")
	flag.Parse()

	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLoggerAt(cfg.Log.Level)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	loc, err := cfg.Scheduler.Location()
	if err != nil {
		log.Fatalf("timezone: %v", err)
	}

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{
		PrepareStmt:    true,
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}

	// lease only; a Redis outage degrades to an unguarded run
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Warnf("redis ping: %v", err)
	}

	notifier := notify.NewKafkaNotifier(&kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.NotificationsTopic,
		Balancer: &kafka.Hash{},
	}, log)
	defer notifier.Close()

	repository := repo.NewRepository(gdb, rdb, nil, log)
	svc := service.NewLedgerService(repository, notifier, log)
	sched := allocation.NewScheduler(svc, repository, notifier, log, allocation.Config{
		Location:    loc,
		BatchSize:   cfg.Scheduler.BatchSize,
		Concurrency: cfg.Scheduler.Concurrency,
		LeaseTTL:    cfg.Scheduler.LeaseTTL,
	})

	if *date != "" {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Scheduler.LeaseTTL)
		defer cancel()
		rep, err := sched.RunFor(ctx, *date)
		if err != nil {
			log.Fatalf("allocation run %s: %v", *date, err)
		}
		log.Infow("allocation run finished", "date", rep.Date, "counts", rep.Counts, "contended", rep.Contended)
		return
	}

	rec := reconcile.NewReconciler(repository, svc,
		reconcile.NewVerifier(cfg.Webhook.Providers, cfg.Webhook.SignatureTolerance),
		reconcile.Options{
			ProcessingTimeout: cfg.Webhook.ProcessingTimeout,
			MaxAttempts:       cfg.Webhook.MaxAttempts,
			Retention:         time.Duration(cfg.Webhook.RetentionDays) * 24 * time.Hour,
		}, log)

	c := cron.New(cron.WithLocation(loc))
	if _, err := sched.Register(c, cfg.Scheduler.AllocationSpec, cfg.Scheduler.LeaseTTL); err != nil {
		log.Fatalf("register allocation %q: %v", cfg.Scheduler.AllocationSpec, err)
	}
	if _, err := c.AddFunc(cfg.Webhook.RetrySpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		n, err := rec.RetryFailed(ctx, 100)
		if err != nil {
			log.Errorw("webhook retry", "err", err)
			return
		}
		if n > 0 {
			log.Infow("webhook retry", "retried", n)
		}
	}); err != nil {
		log.Fatalf("register webhook retry %q: %v", cfg.Webhook.RetrySpec, err)
	}
	if _, err := c.AddFunc(cfg.Webhook.PurgeSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		n, err := rec.Purge(ctx)
		if err != nil {
			log.Errorw("webhook purge", "err", err)
			return
		}
		log.Infow("webhook purge", "deleted", n)
	}); err != nil {
		log.Fatalf("register webhook purge %q: %v", cfg.Webhook.PurgeSpec, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c.Start()
	log.Infow("ledger-scheduler started", "timezone", loc.String(), "allocation_spec", cfg.Scheduler.AllocationSpec)
	<-ctx.Done()

	// wait for a running sweep to finish its current wallets
	<-c.Stop().Done()
	log.Info("ledger-scheduler stopped")
}
