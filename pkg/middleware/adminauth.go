package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// AdminScope is the scope an admin token must carry.
const AdminScope = "wardbridge:admin"

type adminContextKey string

const adminSubjectKey adminContextKey = "adminSubject"

// AdminClaims are the claims of an admin API token.
type AdminClaims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope,omitempty"`
}

// AdminConfig configures AdminAuth and IssueAdminToken.
type AdminConfig struct {
	Secret []byte
	Issuer string
}

// IssueAdminToken signs an HS256 admin token for subject valid for ttl.
func IssueAdminToken(cfg AdminConfig, subject string, ttl time.Duration) (string, error) {
	if len(cfg.Secret) == 0 {
		return "", errors.New("admin secret is not configured")
	}
	now := time.Now()
	claims := AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Scope: AdminScope,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(cfg.Secret)
}

// ParseAdminToken verifies an admin token and returns its claims.
func ParseAdminToken(cfg AdminConfig, tokenString string) (*AdminClaims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &AdminClaims{}, func(token *jwt.Token) (interface{}, error) {
		return cfg.Secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid admin token: %w", err)
	}
	claims, ok := token.Claims.(*AdminClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid admin token")
	}
	if claims.Scope != AdminScope {
		return nil, errors.New("admin scope missing")
	}
	return claims, nil
}

// AdminAuth returns a Gin middleware requiring a bearer admin token. With no
// secret configured every request is rejected.
func AdminAuth(cfg AdminConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(cfg.Secret) == 0 {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "admin api disabled"})
			return
		}
		header := c.GetHeader("Authorization")
		raw, found := strings.CutPrefix(header, "Bearer ")
		if !found || raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		claims, err := ParseAdminToken(cfg, raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		c.Set(string(adminSubjectKey), claims.Subject)
		ctx := context.WithValue(c.Request.Context(), adminSubjectKey, claims.Subject)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// AdminSubjectFromContext returns the subject stored by AdminAuth.
func AdminSubjectFromContext(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(adminSubjectKey).(string)
	return s, ok && s != ""
}
