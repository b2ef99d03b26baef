package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/richardliu001/savings-ledger/internal/model"
	"github.com/richardliu001/savings-ledger/internal/reconcile"
	"github.com/richardliu001/savings-ledger/internal/service"
)

func RegisterAdminHandlers(g *gin.RouterGroup, svc *service.LedgerService, rec *reconcile.Reconciler) {
	g.POST("/wallets/:id/adjust", adjustHandler(svc))
	g.PUT("/wallets/:id/status", statusHandler(svc))
	g.GET("/wallets/:id/verify", verifyHandler(svc))
	g.POST("/transactions/:txid/refund", refundHandler(svc))
	g.POST("/withdrawals/:txid/confirm", confirmWithdrawalHandler(svc))
	g.POST("/withdrawals/:txid/fail", failWithdrawalHandler(svc))
	g.POST("/webhooks/retry", retryWebhooksHandler(rec))
}

type adjustReq struct {
	Amount         string `json:"amount" binding:"required"`
	Partition      string `json:"partition" binding:"required"`
	Reason         string `json:"reason" binding:"required"`
	Type           string `json:"type"`
	IdempotencyKey string `json:"idempotency_key"`
}

func adjustHandler(svc *service.LedgerService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req adjustReq
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		amt, ok := parseAmount(c, req.Amount)
		if !ok {
			return
		}
		res, err := svc.Adjust(c, service.AdjustRequest{
			UserID:         c.Param("id"),
			Amount:         amt,
			Partition:      model.Partition(req.Partition),
			Reason:         req.Reason,
			Type:           model.TxType(req.Type),
			IdempotencyKey: req.IdempotencyKey,
			Auth:           authorization(c),
		})
		if err != nil {
			writeError(c, err)
			return
		}
		writeResult(c, res)
	}
}

type statusReq struct {
	Status string `json:"status" binding:"required"`
}

func statusHandler(svc *service.LedgerService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req statusReq
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		w, err := svc.SetStatus(c, c.Param("id"), model.WalletStatus(req.Status), authorization(c))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, newWalletResp(w))
	}
}

func verifyHandler(svc *service.LedgerService) gin.HandlerFunc {
	return func(c *gin.Context) {
		v, err := svc.Verify(c, c.Param("id"))
		if errors.Is(err, service.ErrLedgerImbalance) {
			// operators get the detail; this route is never user facing
			c.JSON(http.StatusConflict, v)
			return
		}
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, v)
	}
}

type refundReq struct {
	Amount    string `json:"amount" binding:"required"`
	Reference string `json:"reference"`
	Reason    string `json:"reason"`
}

func refundHandler(svc *service.LedgerService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req refundReq
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		amt, ok := parseAmount(c, req.Amount)
		if !ok {
			return
		}
		res, err := svc.Refund(c, c.Param("txid"), amt, req.Reference, service.WithReason(req.Reason), withActor(c))
		if err != nil {
			writeError(c, err)
			return
		}
		writeResult(c, res)
	}
}

func confirmWithdrawalHandler(svc *service.LedgerService) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := svc.ConfirmWithdrawal(c, c.Param("txid"), withActor(c))
		if err != nil {
			writeError(c, err)
			return
		}
		writeResult(c, res)
	}
}

type failReq struct {
	Reason string `json:"reason" binding:"required"`
}

func failWithdrawalHandler(svc *service.LedgerService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req failReq
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		res, err := svc.FailWithdrawal(c, c.Param("txid"), req.Reason, withActor(c))
		if err != nil {
			writeError(c, err)
			return
		}
		writeResult(c, res)
	}
}

func retryWebhooksHandler(rec *reconcile.Reconciler) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
		n, err := rec.RetryFailed(c, limit)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"retried": n})
	}
}

func withActor(c *gin.Context) service.Option {
	actor := authorization(c).Actor
	return func(m *model.Metadata) { m.Actor = actor }
}
