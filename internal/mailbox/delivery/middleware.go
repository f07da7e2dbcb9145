package delivery

import (
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// AllMailboxes grants access to every account.
const AllMailboxes = "*"

const claimsKey = "claims"

// Claims identify an operator and the mailboxes they may control.
type Claims struct {
	Mailboxes []string `json:"mailboxes"`
	jwt.RegisteredClaims
}

// CanAccess reports whether the claims cover accountID.
func (c *Claims) CanAccess(accountID string) bool {
	accountID = strings.ToLower(accountID)
	return slices.ContainsFunc(c.Mailboxes, func(m string) bool {
		return m == AllMailboxes || strings.ToLower(m) == accountID
	})
}

// JWTAuth issues and validates HS256 operator tokens.
type JWTAuth struct {
	secret []byte
}

func NewJWTAuth(secret string) *JWTAuth {
	return &JWTAuth{secret: []byte(secret)}
}

// IssueToken signs a token for subject valid for ttl.
func (a *JWTAuth) IssueToken(subject string, mailboxes []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Mailboxes: mailboxes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func (a *JWTAuth) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

func AuthMiddleware(auth *JWTAuth) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization header required"})
			c.Abort()
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header format"})
			c.Abort()
			return
		}

		claims, err := auth.ValidateToken(parts[1])
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			c.Abort()
			return
		}

		c.Set(claimsKey, claims)
		c.Next()
	}
}

// RequireMailbox rejects requests for an :account the token does not cover.
func RequireMailbox() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := c.MustGet(claimsKey).(*Claims)
		if !ok || !claims.CanAccess(c.Param("account")) {
			c.JSON(http.StatusForbidden, gin.H{"error": "mailbox not allowed for this token"})
			c.Abort()
			return
		}
		c.Next()
	}
}
