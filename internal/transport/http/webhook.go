package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/richardliu001/savings-ledger/internal/reconcile"
)

// webhookHandler acknowledges every authenticated delivery with 200,
// including ones whose handler failed, so providers do not redeliver into a
// retry storm. Rejected signatures get 401 and leave no record.
func webhookHandler(rec *reconcile.Reconciler) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := c.GetRawData()
		if err != nil {
			badRequest(c, "unreadable body")
			return
		}
		rc, err := rec.Handle(c, c.Param("provider"), c.GetHeader("X-Timestamp"), c.GetHeader("X-Signature"), body)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, rc)
	}
}
