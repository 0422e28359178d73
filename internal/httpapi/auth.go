package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Roles carried in the bearer token's role claim.
const (
	RoleService = "service"
	RoleAdmin   = "admin"

	claimsContextKey = "auth_claims"
)

var (
	ErrEmptySigningKey = errors.New("jwt signing key cannot be empty")
	ErrInvalidToken    = errors.New("invalid token")
	ErrUnknownRole     = errors.New("unknown role")
)

// Claims identifies an API caller.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and validates HS256 API tokens.
type TokenIssuer struct {
	signingKey []byte
	issuer     string
	now        func() time.Time
}

// NewTokenIssuer builds a TokenIssuer.
func NewTokenIssuer(signingKey string, issuer string, now func() time.Time) (*TokenIssuer, error) {
	if signingKey == "" {
		return nil, ErrEmptySigningKey
	}
	if now == nil {
		now = time.Now
	}
	return &TokenIssuer{signingKey: []byte(signingKey), issuer: issuer, now: now}, nil
}

// Issue mints a token for subject with role, valid for ttl.
func (issuer *TokenIssuer) Issue(subject string, role string, ttl time.Duration) (string, error) {
	if role != RoleService && role != RoleAdmin {
		return "", ErrUnknownRole
	}
	now := issuer.now()
	claims := &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(issuer.signingKey)
}

// Validate parses tokenString and returns its claims.
func (issuer *TokenIssuer) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return issuer.signingKey, nil
		},
		jwt.WithIssuer(issuer.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(issuer.now),
	)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func authMiddleware(issuer *TokenIssuer) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		header := ctx.GetHeader("Authorization")
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(strings.TrimSpace(parts[0]), "Bearer") || strings.TrimSpace(parts[1]) == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "bearer token required"))
			return
		}
		claims, err := issuer.Validate(strings.TrimSpace(parts[1]))
		if err != nil {
			message := "invalid token"
			if errors.Is(err, jwt.ErrTokenExpired) {
				message = "token expired"
			}
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", message))
			return
		}
		ctx.Set(claimsContextKey, claims)
		ctx.Next()
	}
}

func requireRole(roles ...string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		claims := getClaims(ctx)
		if claims == nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing claims"))
			return
		}
		for _, role := range roles {
			if claims.Role == role {
				ctx.Next()
				return
			}
		}
		ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse("forbidden", "insufficient permissions"))
	}
}

func getClaims(ctx *gin.Context) *Claims {
	value, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := value.(*Claims)
	return claims
}
