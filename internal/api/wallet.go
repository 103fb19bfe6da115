package api

import (
	"net/http" // HTTP status codes

	"recharge_store/internal/domain" // Ref kinds and errors
	"recharge_store/internal/wallet" // Wallet ledger

	"github.com/gin-gonic/gin"      // Gin web framework
	"github.com/shopspring/decimal" // Money amounts
	"github.com/sirupsen/logrus"    // Logging library
)

// TransferRequest represents a transfer request
type TransferRequest struct {
	ToUserID    uint            `json:"to_user_id" binding:"required"` // Receiving user
	Amount      decimal.Decimal `json:"amount"`                        // Transfer amount
	Description string          `json:"description"`                   // Free text for both entries
}

// GetWalletHandler returns the balance of the authenticated purchaser
func GetWalletHandler(ledger *wallet.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := purchaser(c)
		if !ok {
			return
		}
		balance, err := ledger.GetBalance(c.Request.Context(), owner) // Cached read
		if err != nil {
			fail(c, err)
			return
		}
		respond(c, http.StatusOK, gin.H{"owner": owner, "balance": balance.StringFixed(2)}, "Wallet retrieved")
	}
}

// GetTransactionHistoryHandler returns the purchaser's ledger entries, newest first
func GetTransactionHistoryHandler(ledger *wallet.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := purchaser(c)
		if !ok {
			return
		}
		page, limit := pageParams(c)
		history, err := ledger.History(c.Request.Context(), owner, page, limit) // Cached per page
		if err != nil {
			fail(c, err)
			return
		}
		respond(c, http.StatusOK, history, "Transactions retrieved")
	}
}

// TransferHandler moves funds from the purchaser's wallet to another user's wallet
func TransferHandler(ledger *wallet.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		from, ok := purchaser(c)
		if !ok {
			return
		}
		var req TransferRequest // Bind JSON request to struct
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request", err.Error())
			return
		}
		if !req.Amount.IsPositive() {
			badRequest(c, "Amount must be positive")
			return
		}
		to := domain.NewRef(domain.RefUser, req.ToUserID)
		moved, err := ledger.Transfer(c.Request.Context(), from, to, req.Amount, req.Description, nil)
		if err != nil {
			fail(c, err)
			return
		}
		if !moved {
			fail(c, domain.ErrInsufficientFunds)
			return
		}
		logrus.WithFields(logrus.Fields{
			"from":   from.String(),
			"to":     to.String(),
			"amount": req.Amount.StringFixed(2),
		}).Info("Transfer transaction")
		respond(c, http.StatusOK, gin.H{"from": from, "to": to, "amount": req.Amount.StringFixed(2)}, "Transfer successful")
	}
}
