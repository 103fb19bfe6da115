package api

import (
	"io"       // Raw webhook body
	"net/http" // HTTP status codes

	"recharge_store/internal/catalog"   // Plans
	"recharge_store/internal/order"     // Order ownership
	"recharge_store/internal/payment"   // Gateway abstraction
	"recharge_store/internal/reconcile" // Payment settlement

	"github.com/gin-gonic/gin"   // Gin web framework
	"github.com/sirupsen/logrus" // Logging library
)

// maxWebhookBody bounds what a gateway may post to us
const maxWebhookBody = 1 << 20

// VerifyRequest names a payment to re-check with its gateway
type VerifyRequest struct {
	Gateway   string `json:"gateway" binding:"required"`   // Configured gateway name
	Reference string `json:"reference" binding:"required"` // Gateway reference
}

// ListGatewaysHandler lists active gateways, highest priority first
func ListGatewaysHandler(payments *payment.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		gateways, err := payments.ActiveGateways(c.Request.Context())
		if err != nil {
			fail(c, err)
			return
		}
		respond(c, http.StatusOK, gateways, "Gateways retrieved")
	}
}

// ListPlansHandler lists the plans on sale
func ListPlansHandler(plans *catalog.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := plans.List(c.Request.Context(), true)
		if err != nil {
			fail(c, err)
			return
		}
		respond(c, http.StatusOK, list, "Plans retrieved")
	}
}

// VerifyPaymentHandler lets the payer trigger reconciliation after returning from the gateway
func VerifyPaymentHandler(orders *order.Manager, payments *payment.Manager, rec *reconcile.Reconciler) gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := purchaser(c)
		if !ok {
			return
		}
		var req VerifyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request", err.Error())
			return
		}
		ctx := c.Request.Context()
		record, err := payments.FindRecord(ctx, req.Gateway, req.Reference)
		if err != nil {
			fail(c, err)
			return
		}
		if _, err := ownOrder(ctx, orders, owner, record.OrderID); err != nil {
			fail(c, err)
			return
		}
		res, err := rec.Reconcile(ctx, req.Gateway, req.Reference)
		if err != nil {
			fail(c, err)
			return
		}
		if !res.Success() {
			c.JSON(http.StatusOK, gin.H{"success": false, "data": res, "message": "Payment not verified"})
			return
		}
		respond(c, http.StatusOK, res, "Payment verified")
	}
}

// WebhookHandler accepts gateway notifications. It always answers 200 so gateways do
// not retry deliveries we have already logged; failures surface through logs and metrics.
func WebhookHandler(rec *reconcile.Reconciler) gin.HandlerFunc {
	return func(c *gin.Context) {
		gateway := c.Param("gateway")
		payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
		if err != nil {
			logrus.WithFields(logrus.Fields{"gateway": gateway, "error": err.Error()}).Warn("Webhook body unreadable")
			c.JSON(http.StatusOK, gin.H{"success": true, "message": "Received"})
			return
		}
		res, err := rec.HandleWebhook(c.Request.Context(), gateway, payload, c.Request.Header)
		if err != nil {
			logrus.WithFields(logrus.Fields{"gateway": gateway, "error": err.Error()}).Error("Webhook processing failed")
			c.JSON(http.StatusOK, gin.H{"success": true, "message": "Received"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "Received", "data": gin.H{"outcome": res.Outcome}})
	}
}
