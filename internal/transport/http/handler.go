package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/richardliu001/savings-ledger/internal/model"
	"github.com/richardliu001/savings-ledger/internal/reconcile"
	"github.com/richardliu001/savings-ledger/internal/service"
	"github.com/shopspring/decimal"
)

func RegisterHandlers(g *gin.RouterGroup, svc *service.LedgerService) {
	g.POST("/wallets", createWalletHandler(svc))
	g.GET("/wallets/:id", walletHandler(svc))
	g.PUT("/wallets/:id/daily-allocation", dailyAllocationHandler(svc))
	g.POST("/wallets/:id/fund", fundHandler(svc))
	g.POST("/wallets/:id/deposits", initiateDepositHandler(svc))
	g.POST("/wallets/:id/allocate", allocateHandler(svc))
	g.POST("/wallets/:id/withdraw", withdrawHandler(svc))
	g.GET("/wallets/:id/transactions", transactionsHandler(svc))
	g.GET("/wallets/:id/entries", entriesHandler(svc))
	g.GET("/transactions/:txid", transactionHandler(svc))
}

// writeError maps service errors to status codes. Invariant violations and
// unexpected faults are never described to the client.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrWalletNotFound), errors.Is(err, service.ErrTransactionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrWalletExists),
		errors.Is(err, service.ErrWalletFrozen),
		errors.Is(err, service.ErrIdempotencyConflict),
		errors.Is(err, service.ErrTransactionFinal),
		errors.Is(err, service.ErrTransactionNotCompleted),
		errors.Is(err, service.ErrRefundExceedsOriginal):
		status = http.StatusConflict
	case errors.Is(err, service.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, reconcile.ErrInvalidSignature), errors.Is(err, reconcile.ErrUnknownProvider):
		status = http.StatusUnauthorized
	case errors.Is(err, service.ErrInvalidAmount),
		errors.Is(err, service.ErrReferenceRequired),
		errors.Is(err, service.ErrDestinationRequired),
		errors.Is(err, service.ErrReasonRequired),
		errors.Is(err, service.ErrInvalidPartition),
		errors.Is(err, service.ErrInvalidDate),
		errors.Is(err, service.ErrInvalidStatus),
		errors.Is(err, service.ErrNotRefundable),
		errors.Is(err, reconcile.ErrMalformedEvent):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

func parseAmount(c *gin.Context, s string) (decimal.Decimal, bool) {
	amt, err := decimal.NewFromString(s)
	if err != nil {
		badRequest(c, "invalid amount")
		return decimal.Decimal{}, false
	}
	return amt, true
}

type resultResp struct {
	Outcome     service.Outcome    `json:"outcome"`
	Message     string             `json:"message,omitempty"`
	Transaction *model.Transaction `json:"transaction,omitempty"`
	Wallet      *walletResp        `json:"wallet,omitempty"`
	Shortfall   string             `json:"shortfall,omitempty"`
}

type walletResp struct {
	*model.Wallet
	TotalBalance decimal.Decimal `json:"total_balance"`
}

func newWalletResp(w *model.Wallet) *walletResp {
	if w == nil {
		return nil
	}
	return &walletResp{Wallet: w, TotalBalance: w.Total()}
}

// writeResult renders an operation result. Insufficient funds is an expected
// outcome reported with an actionable message.
func writeResult(c *gin.Context, res *service.Result) {
	resp := resultResp{Outcome: res.Outcome, Transaction: res.Transaction, Wallet: newWalletResp(res.Wallet)}
	if res.Shortfall.IsPositive() {
		resp.Shortfall = res.Shortfall.StringFixed(2)
	}
	status := http.StatusOK
	switch res.Outcome {
	case service.OutcomeInsufficientFunds:
		status = http.StatusUnprocessableEntity
		resp.Message = "Insufficient funds. Add funds to continue."
	case service.OutcomePending:
		status = http.StatusAccepted
	case service.OutcomeSkipped:
		resp.Message = res.Reason
	}
	c.JSON(status, resp)
}

func page(c *gin.Context) service.Page {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	return service.Page{Limit: limit, Offset: offset}
}

type createWalletReq struct {
	UserID          string `json:"user_id" binding:"required"`
	DailyAllocation string `json:"daily_allocation_amount"`
}

func createWalletHandler(svc *service.LedgerService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createWalletReq
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		daily := decimal.Zero
		if req.DailyAllocation != "" {
			var ok bool
			if daily, ok = parseAmount(c, req.DailyAllocation); !ok {
				return
			}
		}
		w, err := svc.CreateWallet(c, req.UserID, daily)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, newWalletResp(w))
	}
}

func walletHandler(svc *service.LedgerService) gin.HandlerFunc {
	return func(c *gin.Context) {
		w, err := svc.GetWallet(c, c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, newWalletResp(w))
	}
}

type amountReq struct {
	Amount string `json:"amount" binding:"required"`
}

func dailyAllocationHandler(svc *service.LedgerService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req amountReq
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		amt, ok := parseAmount(c, req.Amount)
		if !ok {
			return
		}
		w, err := svc.SetDailyAllocation(c, c.Param("id"), amt)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, newWalletResp(w))
	}
}

type fundReq struct {
	Amount            string `json:"amount" binding:"required"`
	ExternalReference string `json:"external_reference"`
}

func fundHandler(svc *service.LedgerService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req fundReq
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		amt, ok := parseAmount(c, req.Amount)
		if !ok {
			return
		}
		res, err := svc.Fund(c, c.Param("id"), amt, req.ExternalReference)
		if err != nil {
			writeError(c, err)
			return
		}
		writeResult(c, res)
	}
}

type depositReq struct {
	Amount    string `json:"amount" binding:"required"`
	Reference string `json:"reference" binding:"required"`
}

func initiateDepositHandler(svc *service.LedgerService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req depositReq
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		amt, ok := parseAmount(c, req.Amount)
		if !ok {
			return
		}
		res, err := svc.InitiateDeposit(c, c.Param("id"), amt, req.Reference)
		if err != nil {
			writeError(c, err)
			return
		}
		writeResult(c, res)
	}
}

type allocateReq struct {
	Amount         string `json:"amount" binding:"required"`
	IdempotencyKey string `json:"idempotency_key"`
}

func allocateHandler(svc *service.LedgerService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req allocateReq
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		amt, ok := parseAmount(c, req.Amount)
		if !ok {
			return
		}
		res, err := svc.Allocate(c, c.Param("id"), amt, req.IdempotencyKey)
		if err != nil {
			writeError(c, err)
			return
		}
		writeResult(c, res)
	}
}

type withdrawReq struct {
	Amount         string `json:"amount" binding:"required"`
	Destination    string `json:"destination" binding:"required"`
	IdempotencyKey string `json:"idempotency_key" binding:"required"`
}

func withdrawHandler(svc *service.LedgerService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req withdrawReq
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		amt, ok := parseAmount(c, req.Amount)
		if !ok {
			return
		}
		res, err := svc.Withdraw(c, c.Param("id"), amt, req.Destination, req.IdempotencyKey)
		if err != nil {
			writeError(c, err)
			return
		}
		writeResult(c, res)
	}
}

func transactionsHandler(svc *service.LedgerService) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := svc.ListTransactions(c, c.Param("id"), page(c))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

func entriesHandler(svc *service.LedgerService) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := svc.ListEntries(c, c.Param("id"), page(c))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

func transactionHandler(svc *service.LedgerService) gin.HandlerFunc {
	return func(c *gin.Context) {
		t, err := svc.GetTransaction(c, c.Param("txid"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, t)
	}
}
