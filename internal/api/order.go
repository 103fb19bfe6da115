package api

import (
	"context"  // Request scoped context
	"fmt"      // Error wrapping
	"net/http" // HTTP status codes

	"recharge_store/internal/domain"    // Domain models
	"recharge_store/internal/order"     // Order manager
	"recharge_store/internal/payment"   // Gateway abstraction
	"recharge_store/internal/reconcile" // Payment settlement

	"github.com/gin-gonic/gin"      // Gin web framework
	"github.com/shopspring/decimal" // Money amounts
	"github.com/sirupsen/logrus"    // Logging library
)

// OrderItemRequest is one line of a CreateOrderRequest
type OrderItemRequest struct {
	ItemType  string          `json:"item_type" binding:"required"` // e.g. "plan"
	ItemID    uint            `json:"item_id" binding:"required"`   // Catalog id
	Quantity  int             `json:"quantity"`                     // Defaults to 1
	UnitPrice decimal.Decimal `json:"unit_price"`                   // Open-priced kinds only
}

// CreateOrderRequest represents an order request
type CreateOrderRequest struct {
	Items       []OrderItemRequest `json:"items" binding:"required,min=1,dive"` // Order lines
	Description string             `json:"description"`                         // Free text
	Metadata    map[string]any     `json:"metadata"`                            // Caller metadata
}

// TopUpRequest represents a wallet top-up request
type TopUpRequest struct {
	Amount decimal.Decimal `json:"amount"` // Amount to credit once paid
}

// PayRequest selects the gateway for an order payment
type PayRequest struct {
	Gateway string         `json:"gateway" binding:"required"` // Configured gateway name
	Options map[string]any `json:"options"`                    // Driver options, e.g. return_url
}

// ownOrder loads an order and checks it belongs to the purchaser
func ownOrder(ctx context.Context, orders *order.Manager, owner domain.Ref, id uint) (*domain.Order, error) {
	o, err := orders.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.Purchaser() != owner {
		return nil, fmt.Errorf("%w: order %d belongs to another purchaser", domain.ErrUnauthorized, id)
	}
	return o, nil
}

// CreateOrderHandler prices the items, reserves stock and stores a pending order
func CreateOrderHandler(orders *order.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := purchaser(c)
		if !ok {
			return
		}
		var req CreateOrderRequest // Bind JSON request to struct
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request", err.Error())
			return
		}
		items := make([]order.ItemRequest, len(req.Items))
		for i, it := range req.Items {
			qty := it.Quantity
			if qty == 0 {
				qty = 1 // Single unit by default
			}
			items[i] = order.ItemRequest{Item: domain.NewRef(it.ItemType, it.ItemID), Quantity: qty, UnitPrice: it.UnitPrice}
		}
		o, err := orders.Create(c.Request.Context(), owner, items, req.Description, req.Metadata)
		if err != nil {
			fail(c, err)
			return
		}
		respond(c, http.StatusCreated, o, "Order created")
	}
}

// CreateTopUpHandler creates a pending wallet top-up order
func CreateTopUpHandler(orders *order.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := purchaser(c)
		if !ok {
			return
		}
		var req TopUpRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request", err.Error())
			return
		}
		o, err := orders.CreateTopUp(c.Request.Context(), owner, req.Amount)
		if err != nil {
			fail(c, err)
			return
		}
		respond(c, http.StatusCreated, o, "Top-up order created")
	}
}

// ListOrdersHandler pages through the purchaser's orders, newest first
func ListOrdersHandler(orders *order.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := purchaser(c)
		if !ok {
			return
		}
		page, limit := pageParams(c)
		list, total, err := orders.ListForPurchaser(c.Request.Context(), owner, page, limit)
		if err != nil {
			fail(c, err)
			return
		}
		respond(c, http.StatusOK, gin.H{"orders": list, "page": page, "total": total}, "Orders retrieved")
	}
}

// GetOrderHandler returns one of the purchaser's orders with its payment attempts
func GetOrderHandler(orders *order.Manager, payments *payment.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := purchaser(c)
		if !ok {
			return
		}
		id, ok := idParam(c, "id")
		if !ok {
			return
		}
		o, err := ownOrder(c.Request.Context(), orders, owner, id)
		if err != nil {
			fail(c, err)
			return
		}
		records, err := payments.RecordsForOrder(c.Request.Context(), o.ID)
		if err != nil {
			fail(c, err)
			return
		}
		respond(c, http.StatusOK, gin.H{"order": o, "payments": records}, "Order retrieved")
	}
}

// CancelOrderHandler cancels an open order and frees its stock
func CancelOrderHandler(orders *order.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := purchaser(c)
		if !ok {
			return
		}
		id, ok := idParam(c, "id")
		if !ok {
			return
		}
		if _, err := ownOrder(c.Request.Context(), orders, owner, id); err != nil {
			fail(c, err)
			return
		}
		o, err := orders.Cancel(c.Request.Context(), id)
		if err != nil {
			fail(c, err)
			return
		}
		respond(c, http.StatusOK, o, "Order cancelled")
	}
}

// PayOrderHandler starts a payment. Payments captured on the spot (wallet) are
// reconciled straight away, so the order comes back completed.
func PayOrderHandler(orders *order.Manager, payments *payment.Manager, rec *reconcile.Reconciler) gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := purchaser(c)
		if !ok {
			return
		}
		id, ok := idParam(c, "id")
		if !ok {
			return
		}
		var req PayRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request", err.Error())
			return
		}
		ctx := c.Request.Context()
		if _, err := ownOrder(ctx, orders, owner, id); err != nil {
			fail(c, err)
			return
		}
		gw, err := payments.SetGateway(ctx, req.Gateway)
		if err != nil {
			fail(c, err)
			return
		}
		res, err := gw.Pay(ctx, id, req.Options)
		if err != nil {
			fail(c, err)
			return
		}
		if !res.Captured {
			respond(c, http.StatusOK, res, "Payment initiated")
			return
		}

		settled, err := rec.Reconcile(ctx, gw.Name(), res.Record.Reference())
		if err != nil {
			// The money is taken and the failure is already alerted on; report it as accepted.
			logrus.WithFields(logrus.Fields{
				"order_id":  id,
				"gateway":   gw.Name(),
				"reference": res.Record.Reference(),
				"error":     err.Error(),
			}).Error("Captured payment not settled")
			respond(c, http.StatusAccepted, res, "Payment captured, settlement pending")
			return
		}
		respond(c, http.StatusOK, gin.H{"payment": settled.Payment, "order": settled.Order, "captured": true}, "Payment completed")
	}
}
