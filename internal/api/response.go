package api

import (
	"errors"   // Error matching
	"net/http" // HTTP status codes
	"strconv"  // String conversion

	"recharge_store/internal/domain"     // Error taxonomy
	"recharge_store/internal/middleware" // Authenticated purchaser

	"github.com/gin-gonic/gin"   // Gin web framework
	"github.com/sirupsen/logrus" // Logging library
)

// respond writes the success envelope
func respond(c *gin.Context, status int, data any, message string) {
	c.JSON(status, gin.H{"success": true, "data": data, "message": message})
}

// badRequest writes a 400 envelope for malformed input
func badRequest(c *gin.Context, message string, details ...string) {
	body := gin.H{"success": false, "message": message}
	if len(details) > 0 {
		body["errors"] = details
	}
	c.JSON(http.StatusBadRequest, body)
}

// statusFor maps the error taxonomy onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrGatewayUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrGatewayError):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrValidationFailed), errors.Is(err, domain.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInsufficientFunds),
		errors.Is(err, domain.ErrInsufficientStock),
		errors.Is(err, domain.ErrInvalidStateTransition):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// fail writes the error envelope. Internal errors are logged and never echoed back.
func fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logrus.WithFields(logrus.Fields{
			"path":  c.FullPath(), // Route template
			"error": err.Error(),  // Error message
		}).Error("Request failed")
		c.JSON(status, gin.H{"success": false, "message": "Internal server error"})
		return
	}
	c.JSON(status, gin.H{"success": false, "message": err.Error()})
}

// purchaser returns the authenticated purchaser or writes a 401
func purchaser(c *gin.Context) (domain.Ref, bool) {
	ref, ok := middleware.Purchaser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "Unauthorized"})
	}
	return ref, ok
}

// idParam parses a positive numeric path parameter
func idParam(c *gin.Context, name string) (uint, bool) {
	v, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || v == 0 {
		badRequest(c, "Invalid "+name)
		return 0, false
	}
	return uint(v), true
}

// pageParams reads page and limit (page_size is accepted too); the ledger clamps them
func pageParams(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limitRaw := c.Query("limit")
	if limitRaw == "" {
		limitRaw = c.DefaultQuery("page_size", "10")
	}
	limit, _ := strconv.Atoi(limitRaw)
	return page, limit
}
