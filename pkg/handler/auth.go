package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	// LocalUser owns every conversation when no JWT secret is configured
	// and the client sends no X-User-ID header.
	LocalUser = "local"

	userIDKey    = "user_id"
	userIDHeader = "X-User-ID"
)

// RequireUser resolves the calling user. With a secret, requests must carry
// an HS256 bearer token whose subject is the user id. Browsers cannot set
// headers on websocket upgrades, so the token is also read from the
// "token" query parameter.
func RequireUser(secret string) gin.HandlerFunc {
	if secret == "" {
		return func(c *gin.Context) {
			userID := strings.TrimSpace(c.GetHeader(userIDHeader))
			if userID == "" {
				userID = LocalUser
			}
			c.Set(userIDKey, userID)
			c.Next()
		}
	}

	key := []byte(secret)
	return func(c *gin.Context) {
		raw := bearerToken(c)
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		token, err := jwt.Parse(raw, func(*jwt.Token) (any, error) {
			return key, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		subject, err := token.Claims.GetSubject()
		if err != nil || subject == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "token has no subject"})
			return
		}
		c.Set(userIDKey, subject)
		c.Next()
	}
}

// UserID returns the user resolved by RequireUser.
func UserID(c *gin.Context) string {
	return c.GetString(userIDKey)
}

// SignToken issues an HS256 token for userID. Used by the CLI and tests.
func SignToken(secret, userID string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: userID})
	return token.SignedString([]byte(secret))
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return strings.TrimSpace(c.Query("token"))
}
