// Package api exposes the store over HTTP with gin.
package api

import (
	"recharge_store/internal/catalog"    // Plans
	"recharge_store/internal/inventory"  // Inventory engine
	"recharge_store/internal/middleware" // JWT and admin guards
	"recharge_store/internal/order"      // Order manager
	"recharge_store/internal/payment"    // Gateway abstraction
	"recharge_store/internal/reconcile"  // Payment settlement
	"recharge_store/internal/wallet"     // Wallet ledger

	"github.com/gin-gonic/gin" // Gin web framework
)

// Services are the components the handlers call into
type Services struct {
	Ledger     *wallet.Ledger
	Plans      *catalog.Store
	Stock      *inventory.Engine
	Orders     *order.Manager
	Payments   *payment.Manager
	Reconciler *reconcile.Reconciler
}

// RegisterRoutes mounts every route on r
func RegisterRoutes(r gin.IRouter, s Services, jwtSecret string) {
	// Gateways authenticate themselves (signature checks in the drivers)
	r.POST("/webhooks/:gateway", WebhookHandler(s.Reconciler))

	auth := r.Group("")
	auth.Use(middleware.JWTAuthMiddleware(jwtSecret))
	auth.GET("/plans", ListPlansHandler(s.Plans))
	auth.GET("/gateways", ListGatewaysHandler(s.Payments))

	// Wallet routes
	auth.GET("/wallet", GetWalletHandler(s.Ledger))
	auth.GET("/wallet/transactions", GetTransactionHistoryHandler(s.Ledger))
	auth.POST("/wallet/transfer", TransferHandler(s.Ledger))

	// Order routes
	auth.GET("/orders", ListOrdersHandler(s.Orders))
	auth.POST("/orders", CreateOrderHandler(s.Orders))
	auth.POST("/orders/topup", CreateTopUpHandler(s.Orders))
	auth.GET("/orders/:id", GetOrderHandler(s.Orders, s.Payments))
	auth.POST("/orders/:id/cancel", CancelOrderHandler(s.Orders))
	auth.POST("/orders/:id/pay", PayOrderHandler(s.Orders, s.Payments, s.Reconciler))
	auth.POST("/payments/verify", VerifyPaymentHandler(s.Orders, s.Payments, s.Reconciler))

	// Admin routes (protected, admin only)
	admin := r.Group("/admin")
	admin.Use(middleware.JWTAuthMiddleware(jwtSecret), middleware.AdminOnlyMiddleware())
	admin.GET("/plans/:id/stock", StockLevelsHandler(s.Stock))
	admin.POST("/plans/:id/units", AddUnitsHandler(s.Stock))
	admin.POST("/units/expire", ExpireUnitsHandler(s.Stock))
	admin.POST("/units/damage", DamageUnitsHandler(s.Stock))
	admin.POST("/payments/refund", RefundHandler(s.Payments))
	admin.GET("/ledger", ListLedgerHandler(s.Ledger))
}
