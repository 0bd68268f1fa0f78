package middleware

import (
	"net/http"
	"strings"

	"ag2api-go/internal/config"
	"ag2api-go/internal/store"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

// ClientKey extracts the downstream credential from any of the header styles
// the three dialects use.
func ClientKey(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(auth[len("Bearer "):])
	}
	for _, h := range []string{"x-api-key", "x-goog-api-key", "anthropic-api-key"} {
		if v := c.GetHeader(h); v != "" {
			return v
		}
	}
	return c.Query("key")
}

// APIKeyAuth guards the dialect routes. A key matches the env key set, the
// stored api_keys table, or (when neither is configured) the admin password.
func APIKeyAuth(cfg *config.Config, st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := ClientKey(c)
		if key == "" {
			unauthorized(c)
			return
		}
		if cfg.HasAPIKey(key) {
			c.Next()
			return
		}
		if st != nil {
			ok, err := st.HasAPIKey(key)
			if err != nil {
				log.WithError(err).Warn("api key lookup failed")
			}
			if ok {
				c.Next()
				return
			}
		}
		unauthorized(c)
	}
}

// AdminAuth guards the management routes with the admin password, or its
// bcrypt hash when configured.
func AdminAuth(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := ClientKey(c)
		if key == "" || !adminKeyMatches(cfg, key) {
			unauthorized(c)
			return
		}
		c.Next()
	}
}

func adminKeyMatches(cfg *config.Config, key string) bool {
	if cfg.AdminPasswordHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(cfg.AdminPasswordHash), []byte(key)) == nil
	}
	return cfg.AdminPassword != "" && key == cfg.AdminPassword
}

func unauthorized(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error": gin.H{
			"type":    "authentication_error",
			"code":    "invalid_api_key",
			"message": "missing or invalid API key",
		},
	})
}
