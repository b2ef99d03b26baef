package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/richardliu001/savings-ledger/internal/model"
)

const (
	walletCacheTTL = 5 * time.Minute
	// generations outlive any cached value; an expired one reads as "0" and
	// only makes an in-flight fill skip
	walletGenTTL = 24 * time.Hour
)

// ErrCacheMiss is returned by GetCachedWallet when nothing is cached.
var ErrCacheMiss = redis.Nil

func walletKey(userID string) string { return fmt.Sprintf("wallet:%s", userID) }

func walletGenKey(userID string) string { return fmt.Sprintf("wallet:%s:gen", userID) }

// walletFill caches a projection only if no write has been committed since
// the reader observed the generation.
var walletFill = redis.NewScript(`
if (redis.call("GET", KEYS[2]) or "0") ~= ARGV[2] then
	return 0
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[3])
return 1
`)

// WalletCacheGeneration returns the write generation to pass to CacheWallet.
// Read it before loading the wallet from the database.
func (r *Repository) WalletCacheGeneration(ctx context.Context, userID string) (string, error) {
	if r.rdb == nil {
		return "0", nil
	}
	gen, err := r.rdb.Get(ctx, walletGenKey(userID)).Result()
	if err == redis.Nil {
		return "0", nil
	}
	return gen, err
}

// CacheWallet writes Redis unless the wallet changed after gen was read. It
// reports whether the value was stored.
func (r *Repository) CacheWallet(ctx context.Context, w *model.Wallet, gen string) (bool, error) {
	if r.rdb == nil {
		return false, nil
	}
	b, err := json.Marshal(w)
	if err != nil {
		return false, err
	}
	n, err := walletFill.Run(ctx, r.rdb,
		[]string{walletKey(w.UserID), walletGenKey(w.UserID)},
		string(b), gen, walletCacheTTL.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetCachedWallet reads Redis.
func (r *Repository) GetCachedWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	if r.rdb == nil {
		return nil, ErrCacheMiss
	}
	str, err := r.rdb.Get(ctx, walletKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	var w model.Wallet
	if err := json.Unmarshal([]byte(str), &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// InvalidateWallet drops the cached projection after a committed write and
// bumps the generation so a read that started before the commit cannot put
// its stale copy back.
func (r *Repository) InvalidateWallet(ctx context.Context, userID string) error {
	if r.rdb == nil {
		return nil
	}
	if err := r.rdb.Incr(ctx, walletGenKey(userID)).Err(); err != nil {
		return err
	}
	if err := r.rdb.Expire(ctx, walletGenKey(userID), walletGenTTL).Err(); err != nil {
		return err
	}
	return r.rdb.Del(ctx, walletKey(userID)).Err()
}

// AcquireLease takes a best-effort cluster-wide lease. Without Redis every
// caller wins; storage uniqueness constraints stay the real guard.
func (r *Repository) AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if r.rdb == nil {
		return true, nil
	}
	return r.rdb.SetNX(ctx, "lease:"+key, owner, ttl).Result()
}

// ReleaseLease drops a lease held by owner.
func (r *Repository) ReleaseLease(ctx context.Context, key, owner string) error {
	if r.rdb == nil {
		return nil
	}
	held, err := r.rdb.Get(ctx, "lease:"+key).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}
	if held != owner {
		return nil
	}
	return r.rdb.Del(ctx, "lease:"+key).Err()
}
