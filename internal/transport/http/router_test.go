package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/richardliu001/savings-ledger/internal/config"
	"github.com/richardliu001/savings-ledger/internal/logger"
	"github.com/richardliu001/savings-ledger/internal/reconcile"
	"github.com/richardliu001/savings-ledger/internal/repo"
	"github.com/richardliu001/savings-ledger/internal/repo/repotest"
	"github.com/richardliu001/savings-ledger/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSecret = "whsec_router"
	testToken  = "admin-secret"
)

func newTestRouter(t *testing.T, rl config.RateLimitConfig) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log, err := logger.NewLogger()
	require.NoError(t, err)
	rp := repo.NewRepository(repotest.NewDB(t), nil, nil, log)
	svc := service.NewLedgerService(rp, nil, log)
	rec := reconcile.NewReconciler(rp, svc, reconcile.NewVerifier(map[string]string{"stripe": testSecret}, time.Minute), reconcile.Options{}, log)
	return NewRouter(svc, rec, rl, testToken, log)
}

func do(t *testing.T, r *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case []byte:
			buf.Write(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

var generous = config.RateLimitConfig{RPS: 1000, Burst: 1000}

func TestWalletRoutes(t *testing.T) {
	r := newTestRouter(t, generous)

	w := do(t, r, http.MethodPost, "/v1/wallets", gin.H{"user_id": "u1", "daily_allocation_amount": "27.40"}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = do(t, r, http.MethodPost, "/v1/wallets", gin.H{"user_id": "u1"}, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, r, http.MethodPost, "/v1/wallets/u1/fund", gin.H{"amount": "10.00", "external_reference": "pi_1"}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "completed", decode(t, w)["outcome"])

	w = do(t, r, http.MethodPost, "/v1/wallets/u1/fund", gin.H{"amount": "10.00", "external_reference": "pi_1"}, nil)
	assert.Equal(t, "duplicate", decode(t, w)["outcome"])

	w = do(t, r, http.MethodPost, "/v1/wallets/u1/allocate", gin.H{"amount": "27.40"}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, decode(t, w)["message"], "Add funds to continue")

	w = do(t, r, http.MethodPost, "/v1/wallets/u1/withdraw", gin.H{"amount": "4", "destination": "iban:DE00", "idempotency_key": "w1"}, nil)
	assert.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	w = do(t, r, http.MethodGet, "/v1/wallets/u1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "6", body["available_balance"])
	assert.Equal(t, "4", body["escrow_balance"])
	assert.Equal(t, "10", body["total_balance"])

	w = do(t, r, http.MethodGet, "/v1/wallets/u1/transactions?limit=1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["items"], 1)

	w = do(t, r, http.MethodGet, "/v1/wallets/ghost", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, r, http.MethodPost, "/v1/wallets/u1/fund", gin.H{"amount": "abc"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookRoute(t *testing.T) {
	r := newTestRouter(t, generous)
	do(t, r, http.MethodPost, "/v1/wallets", gin.H{"user_id": "u1"}, nil)

	payload := []byte(`{"id":"evt_A","type":"payment.succeeded","data":{"user_id":"u1","amount":"50.00"}}`)
	ts := time.Now().Unix()
	headers := map[string]string{
		"X-Timestamp": strconv.FormatInt(ts, 10),
		"X-Signature": reconcile.Sign(testSecret, ts, payload),
	}

	w := do(t, r, http.MethodPost, "/v1/webhooks/stripe", payload, map[string]string{"X-Timestamp": headers["X-Timestamp"], "X-Signature": "00"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, r, http.MethodPost, "/v1/webhooks/stripe", payload, headers)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "processed", decode(t, w)["disposition"])

	w = do(t, r, http.MethodPost, "/v1/webhooks/stripe", payload, headers)
	assert.Equal(t, "duplicate", decode(t, w)["disposition"])

	w = do(t, r, http.MethodGet, "/v1/wallets/u1", nil, nil)
	assert.Equal(t, "50", decode(t, w)["available_balance"])
}

func TestAdminRoutes(t *testing.T) {
	r := newTestRouter(t, generous)
	do(t, r, http.MethodPost, "/v1/wallets", gin.H{"user_id": "u1"}, nil)
	adjust := gin.H{"amount": "5", "partition": "referral", "reason": "referral reward", "type": "bonus"}

	w := do(t, r, http.MethodPost, "/v1/admin/wallets/u1/adjust", adjust, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, r, http.MethodPost, "/v1/admin/wallets/u1/adjust", adjust, map[string]string{"X-Admin-Token": testToken})
	assert.Equal(t, http.StatusForbidden, w.Code)

	ops := map[string]string{"X-Admin-Token": testToken, "X-Admin-Actor": "ops@example.com"}
	w = do(t, r, http.MethodPost, "/v1/admin/wallets/u1/adjust", adjust, ops)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	tx := decode(t, w)["transaction"].(map[string]interface{})
	assert.Equal(t, "ops@example.com", tx["metadata"].(map[string]interface{})["actor"])

	w = do(t, r, http.MethodGet, "/v1/admin/wallets/u1/verify", nil, ops)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, decode(t, w)["consistent"])

	w = do(t, r, http.MethodPut, "/v1/admin/wallets/u1/status", gin.H{"status": "frozen"}, ops)
	require.Equal(t, http.StatusOK, w.Code)
	w = do(t, r, http.MethodPost, "/v1/wallets/u1/allocate", gin.H{"amount": "1"}, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, r, http.MethodPost, "/v1/admin/webhooks/retry", nil, ops)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), decode(t, w)["retried"])
}

func TestRateLimitAndMetrics(t *testing.T) {
	r := newTestRouter(t, config.RateLimitConfig{RPS: 1, Burst: 1})

	assert.Equal(t, http.StatusNotFound, do(t, r, http.MethodGet, "/v1/wallets/a", nil, nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(t, r, http.MethodGet, "/v1/wallets/a", nil, nil).Code)

	w := do(t, r, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}
