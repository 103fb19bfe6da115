package utils

import (
	"errors"  // Sentinel errors
	"strconv" // Subject encoding
	"time"    // Time for token expiration

	"recharge_store/internal/domain" // Purchaser references

	"github.com/golang-jwt/jwt/v5" // JWT library
)

// Roles carried in tokens issued by the auth layer
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// tokenIssuer is checked on every parsed token
const tokenIssuer = "recharge-store"

// ErrInvalidToken is returned for tokens that parse but carry no usable identity
var ErrInvalidToken = errors.New("invalid token")

// Claims identify the purchaser a request acts for
type Claims struct {
	UserID        uint   `json:"user_id"`                  // Purchaser / wallet owner id
	PurchaserType string `json:"purchaser_type,omitempty"` // Defaults to "user"
	Role          string `json:"role"`                     // user or admin
	jwt.RegisteredClaims
}

// Purchaser returns the wallet owner / order purchaser the token stands for
func (c *Claims) Purchaser() domain.Ref {
	kind := c.PurchaserType
	if kind == "" {
		kind = domain.RefUser
	}
	return domain.NewRef(kind, c.UserID)
}

// GenerateJWT signs a token for a user with the given role, valid for ttl
func GenerateJWT(userID uint, role, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   strconv.FormatUint(uint64(userID), 10),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)), // Token expiry
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseJWT validates signature, expiry and issuer and returns the claims
func ParseJWT(tokenStr, secret string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(tokenIssuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if !claims.Purchaser().Valid() {
		return nil, ErrInvalidToken // Signed but anonymous
	}
	return claims, nil
}
