package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	actorKey    = "actor_id"
	actorHeader = "X-Actor-ID"
)

// Actor resolves who is calling. With an empty secret the caller is trusted
// to name itself in X-Actor-ID. With a secret only the sub claim of an HS256
// bearer token counts and a bad token is rejected.
func Actor(secret string) gin.HandlerFunc {
	if secret == "" {
		return func(c *gin.Context) {
			c.Set(actorKey, strings.TrimSpace(c.GetHeader(actorHeader)))
			c.Next()
		}
	}
	key := []byte(secret)
	return func(c *gin.Context) {
		raw, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || raw == "" {
			c.Set(actorKey, "")
			c.Next()
			return
		}
		sub, err := subject(raw, key)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error(), "code": "invalid_token"})
			return
		}
		c.Set(actorKey, sub)
		c.Next()
	}
}

func subject(raw string, key []byte) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}

func actorID(c *gin.Context) string {
	return c.GetString(actorKey)
}
