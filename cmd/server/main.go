package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/richardliu001/savings-ledger/internal/config"
	"github.com/richardliu001/savings-ledger/internal/logger"
	"github.com/richardliu001/savings-ledger/internal/notify"
	"github.com/richardliu001/savings-ledger/internal/reconcile"
	"github.com/richardliu001/savings-ledger/internal/repo"
	"github.com/richardliu001/savings-ledger/internal/service"
	httptransport "github.com/richardliu001/savings-ledger/internal/transport/http"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	// 1. load config
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLoggerAt(cfg.Log.Level)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	// 3. postgres
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{
		PrepareStmt:    true,
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	if err := repo.Migrate(gdb); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	// 4. redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	// 5. kafka writers: ledger events for the poller, notifications for users and ops
	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.LeastBytes{},
	}
	notifier := notify.NewKafkaNotifier(&kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.NotificationsTopic,
		Balancer: &kafka.Hash{},
	}, log)
	defer notifier.Close()

	// 6. repo, ledger & reconciler
	repository := repo.NewRepository(gdb, rdb, kw, log)
	svc := service.NewLedgerService(repository, notifier, log)
	rec := reconcile.NewReconciler(repository, svc,
		reconcile.NewVerifier(cfg.Webhook.Providers, cfg.Webhook.SignatureTolerance),
		reconcile.Options{
			ProcessingTimeout: cfg.Webhook.ProcessingTimeout,
			MaxAttempts:       cfg.Webhook.MaxAttempts,
			Retention:         time.Duration(cfg.Webhook.RetentionDays) * 24 * time.Hour,
		}, log)
	if cfg.Admin.Token == "" {
		log.Warn("admin token is empty; admin routes will reject every request")
	}

	// 7. gin router
	router := httptransport.NewRouter(svc, rec, cfg.RateLimit, cfg.Admin.Token, log)

	// 8. serve until signalled
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Infof("ledger-server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("shutdown: %v", err)
	}
	log.Info("ledger-server stopped")
}
