package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// UserIDKey is the gin context key holding the authenticated UI user.
const UserIDKey = "user_id"

// TokenQueryParam carries the token on websocket handshakes.
const TokenQueryParam = "access_token"

var ErrInvalidToken = errors.New("invalid token")

// JWTClaims identifies the local UI user driving this chat node.
type JWTClaims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// NewToken signs an HS256 token for userID valid for ttl.
func NewToken(secret, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := JWTClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseToken validates tokenString and returns its claims.
func ParseToken(secret, tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, fmt.Errorf("%w: bad claims", ErrInvalidToken)
	}
	return claims, nil
}

// JWTAuth rejects requests without a valid bearer token.
func JWTAuth(jwtSecret string) gin.HandlerFunc {
	return authenticate(jwtSecret, bearerToken)
}

// WebSocketAuth guards websocket upgrades. Browsers cannot set headers on the
// handshake, so the token is also accepted in the access_token query parameter.
func WebSocketAuth(jwtSecret string) gin.HandlerFunc {
	return authenticate(jwtSecret, func(c *gin.Context) (string, string) {
		if token := c.Query(TokenQueryParam); token != "" {
			return token, ""
		}
		return bearerToken(c)
	})
}

func bearerToken(c *gin.Context) (string, string) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return "", "Authorization header required"
	}

	tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok || tokenString == "" {
		return "", "Invalid authorization header format"
	}
	return tokenString, ""
}

func authenticate(jwtSecret string, extract func(*gin.Context) (string, string)) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, problem := extract(c)
		if problem != "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": problem,
			})
			return
		}

		claims, err := ParseToken(jwtSecret, tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid token",
			})
			return
		}

		c.Set(UserIDKey, claims.UserID)
		c.Next()
	}
}
