package repo

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/richardliu001/savings-ledger/internal/model"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrOptimisticLock is returned when a wallet row changed between read and write.
var ErrOptimisticLock = errors.New("optimistic lock conflict")

// RepositoryInterface restricts Repo methods so the service can be tested against a fake.
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB

	CreateWallet(ctx context.Context, tx *gorm.DB, w *model.Wallet) error
	GetWallet(ctx context.Context, tx *gorm.DB, userID string) (*model.Wallet, error)
	GetWalletForUpdate(ctx context.Context, tx *gorm.DB, userID string) (*model.Wallet, error)
	UpdateWallet(ctx context.Context, tx *gorm.DB, w *model.Wallet) error
	ListWallets(ctx context.Context, status model.WalletStatus, afterUserID string, limit int) ([]model.Wallet, error)

	CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error
	UpdateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error
	SetPendingAmount(ctx context.Context, tx *gorm.DB, id string, amount decimal.Decimal) error
	GetTransaction(ctx context.Context, tx *gorm.DB, id string) (*model.Transaction, error)
	TxExists(ctx context.Context, tx *gorm.DB, txType model.TxType, ref string) (bool, *model.Transaction, error)
	ListTransactions(ctx context.Context, userID string, limit, offset int) ([]model.Transaction, error)

	AppendEntries(ctx context.Context, tx *gorm.DB, entries []model.LedgerEntry) error
	EntriesForTransaction(ctx context.Context, tx *gorm.DB, txID string) ([]model.LedgerEntry, error)
	ListEntries(ctx context.Context, userID string, limit, offset int) ([]model.LedgerEntry, error)
	LatestPostBalances(ctx context.Context, tx *gorm.DB, userID string) (map[model.Partition]decimal.Decimal, error)

	CreateAllocationRecord(ctx context.Context, tx *gorm.DB, rec *model.AllocationRecord) error

	CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, id uint64) error
	PublishEvent(ctx context.Context, evt model.OutboxEvent) error

	WalletCacheGeneration(ctx context.Context, userID string) (string, error)
	CacheWallet(ctx context.Context, w *model.Wallet, gen string) (bool, error)
	GetCachedWallet(ctx context.Context, userID string) (*model.Wallet, error)
	InvalidateWallet(ctx context.Context, userID string) error
}

// Repository implements RepositoryInterface and WebhookStore.
type Repository struct {
	db     *gorm.DB
	rdb    *redis.Client
	writer messageWriter
	log    *zap.SugaredLogger
}

// messageWriter is the part of *kafka.Writer the outbox relay uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewRepository constructs repo. rdb and w may be nil; cache calls then
// degrade to no-ops and publishing fails.
func NewRepository(db *gorm.DB, rdb *redis.Client, w *kafka.Writer, logger *zap.SugaredLogger) *Repository {
	r := &Repository{db: db, rdb: rdb, log: logger}
	if w != nil {
		r.writer = w
	}
	return r
}

// Migrate creates or updates every table the ledger owns.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.Wallet{},
		&model.Transaction{},
		&model.LedgerEntry{},
		&model.WebhookEvent{},
		&model.AllocationRecord{},
		&model.OutboxEvent{},
	)
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// CreateWallet inserts a zero-balance wallet.
func (r *Repository) CreateWallet(ctx context.Context, tx *gorm.DB, w *model.Wallet) error {
	return tx.WithContext(ctx).Create(w).Error
}

// GetWallet reads without locking.
func (r *Repository) GetWallet(ctx context.Context, tx *gorm.DB, userID string) (*model.Wallet, error) {
	var w model.Wallet
	if err := tx.WithContext(ctx).Where("user_id = ?", userID).First(&w).Error; err != nil {
		return nil, err
	}
	return &w, nil
}

// GetWalletForUpdate locks wallet row.
func (r *Repository) GetWalletForUpdate(ctx context.Context, tx *gorm.DB, userID string) (*model.Wallet, error) {
	var w model.Wallet
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).First(&w).Error; err != nil {
		return nil, err
	}
	return &w, nil
}

// UpdateWallet with optimistic lock. On success w.Version is advanced.
func (r *Repository) UpdateWallet(ctx context.Context, tx *gorm.DB, w *model.Wallet) error {
	res := tx.WithContext(ctx).
		Model(&model.Wallet{}).
		Where("user_id = ? AND version = ?", w.UserID, w.Version).
		Updates(map[string]interface{}{
			"available_balance":       w.AvailableBalance,
			"locked":                  w.Locked,
			"referral_earnings":       w.ReferralEarnings,
			"escrow_balance":          w.EscrowBalance,
			"daily_allocation_amount": w.DailyAllocationAmount,
			"current_streak":          w.CurrentStreak,
			"longest_streak":          w.LongestStreak,
			"last_allocation_date":    w.LastAllocationDate,
			"status":                  w.Status,
			"version":                 w.Version + 1,
			"updated_at":              time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrOptimisticLock
	}
	w.Version++
	return nil
}

// ListWallets pages wallets by user id (keyset) for batch jobs.
func (r *Repository) ListWallets(ctx context.Context, status model.WalletStatus, afterUserID string, limit int) ([]model.Wallet, error) {
	var ws []model.Wallet
	err := r.db.WithContext(ctx).
		Where("status = ? AND user_id > ?", status, afterUserID).
		Order("user_id").
		Limit(limit).
		Find(&ws).Error
	return ws, err
}

// CreateTransaction inserts record.
func (r *Repository) CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error {
	return tx.WithContext(ctx).Create(t).Error
}

// UpdateTransaction persists status and metadata. Amount is never rewritten here.
func (r *Repository) UpdateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error {
	fields := map[string]interface{}{
		"status":     t.Status,
		"metadata":   t.Metadata,
		"updated_at": time.Now().UTC(),
	}
	res := tx.WithContext(ctx).Model(&model.Transaction{}).Where("id = ?", t.ID).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// SetPendingAmount rewrites the amount of a transaction that has not settled.
// Failed deposits qualify; they never wrote entries.
func (r *Repository) SetPendingAmount(ctx context.Context, tx *gorm.DB, id string, amount decimal.Decimal) error {
	return tx.WithContext(ctx).Model(&model.Transaction{}).
		Where("id = ? AND status IN ?", id, []model.TxStatus{model.TxPending, model.TxFailed}).
		Update("amount", amount).Error
}

// GetTransaction loads one transaction by id.
func (r *Repository) GetTransaction(ctx context.Context, tx *gorm.DB, id string) (*model.Transaction, error) {
	var t model.Transaction
	if err := tx.WithContext(ctx).Where("id = ?", id).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// TxExists checks duplicate by (type, reference).
func (r *Repository) TxExists(ctx context.Context, tx *gorm.DB, txType model.TxType, ref string) (bool, *model.Transaction, error) {
	if ref == "" {
		return false, nil, nil
	}
	var t model.Transaction
	err := tx.WithContext(ctx).Where("type = ? AND external_reference = ?", txType, ref).First(&t).Error
	if err == nil {
		return true, &t, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil, nil
	}
	return false, nil, err
}

// ListTransactions pages a user's transactions, newest first.
func (r *Repository) ListTransactions(ctx context.Context, userID string, limit, offset int) ([]model.Transaction, error) {
	var txs []model.Transaction
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc, id").
		Limit(limit).
		Offset(offset).
		Find(&txs).Error
	return txs, err
}

// CreateAllocationRecord inserts the (user, date) guard row.
func (r *Repository) CreateAllocationRecord(ctx context.Context, tx *gorm.DB, rec *model.AllocationRecord) error {
	return tx.WithContext(ctx).Create(rec).Error
}
