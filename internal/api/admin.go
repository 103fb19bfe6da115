package api

import (
	"context"  // Transition callbacks
	"net/http" // HTTP status codes
	"strconv"  // String conversion
	"time"     // Unit expiry

	"recharge_store/internal/inventory" // Inventory engine
	"recharge_store/internal/payment"   // Gateway abstraction
	"recharge_store/internal/wallet"    // Wallet ledger

	"github.com/gin-gonic/gin"      // Gin web framework
	"github.com/shopspring/decimal" // Money amounts
	"github.com/sirupsen/logrus"    // Logging library
)

// AddUnitsRequest imports codes for a plan
type AddUnitsRequest struct {
	Codes     []string   `json:"codes" binding:"required,min=1"` // Voucher / pin codes
	ExpiresAt *time.Time `json:"expires_at"`                     // Optional expiry for the batch
}

// UnitsRequest names units for an admin transition
type UnitsRequest struct {
	UnitIDs []uint `json:"unit_ids" binding:"required,min=1"` // Inventory unit ids
}

// RefundRequest refunds a completed payment; a zero amount refunds the remainder
type RefundRequest struct {
	Gateway   string          `json:"gateway" binding:"required"`   // Configured gateway name
	Reference string          `json:"reference" binding:"required"` // Gateway reference
	Amount    decimal.Decimal `json:"amount"`                       // Amount to refund
}

// StockLevelsHandler returns unit counts per status for a plan
func StockLevelsHandler(stock *inventory.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		planID, ok := idParam(c, "id")
		if !ok {
			return
		}
		levels, err := stock.StockLevels(c.Request.Context(), planID)
		if err != nil {
			fail(c, err)
			return
		}
		respond(c, http.StatusOK, levels, "Stock levels retrieved")
	}
}

// AddUnitsHandler imports codes as available stock
func AddUnitsHandler(stock *inventory.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		planID, ok := idParam(c, "id")
		if !ok {
			return
		}
		var req AddUnitsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request", err.Error())
			return
		}
		units, err := stock.AddUnits(c.Request.Context(), planID, req.Codes, req.ExpiresAt)
		if err != nil {
			fail(c, err)
			return
		}
		logrus.WithFields(logrus.Fields{"plan_id": planID, "units": len(units)}).Info("Inventory imported")
		respond(c, http.StatusCreated, gin.H{"plan_id": planID, "added": len(units)}, "Units added")
	}
}

// ExpireUnitsHandler retires available units
func ExpireUnitsHandler(stock *inventory.Engine) gin.HandlerFunc {
	return unitsTransition(stock.MarkExpired, "Units expired")
}

// DamageUnitsHandler flags available units as damaged
func DamageUnitsHandler(stock *inventory.Engine) gin.HandlerFunc {
	return unitsTransition(stock.MarkDamaged, "Units marked damaged")
}

func unitsTransition(apply func(ctx context.Context, ids []uint) error, message string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req UnitsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request", err.Error())
			return
		}
		if err := apply(c.Request.Context(), req.UnitIDs); err != nil {
			fail(c, err)
			return
		}
		respond(c, http.StatusOK, gin.H{"unit_ids": req.UnitIDs}, message)
	}
}

// RefundHandler refunds all or part of a completed payment
func RefundHandler(payments *payment.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RefundRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request", err.Error())
			return
		}
		if req.Amount.IsNegative() {
			badRequest(c, "Amount must not be negative")
			return
		}
		gw, err := payments.SetGateway(c.Request.Context(), req.Gateway)
		if err != nil {
			fail(c, err)
			return
		}
		record, err := gw.Refund(c.Request.Context(), req.Reference, req.Amount)
		if err != nil {
			fail(c, err)
			return
		}
		respond(c, http.StatusOK, record, "Payment refunded")
	}
}

// ListLedgerHandler returns ledger entries, optionally filtered by owner
func ListLedgerHandler(ledger *wallet.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		page, limit := pageParams(c)
		filter := wallet.EntryFilter{OwnerType: c.Query("owner_type"), Page: page, Limit: limit}
		if raw := c.Query("owner_id"); raw != "" {
			id, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				badRequest(c, "Invalid owner_id")
				return
			}
			filter.OwnerID = uint(id)
		}
		entries, err := ledger.ListEntries(c.Request.Context(), filter)
		if err != nil {
			fail(c, err)
			return
		}
		respond(c, http.StatusOK, entries, "Ledger entries retrieved")
	}
}
