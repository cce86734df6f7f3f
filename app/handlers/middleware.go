package handlers

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"fleet-svc/app/services"

	"github.com/gin-gonic/gin"
)

const agentIDKey = "agent_id"

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

// AgentAuth authenticates agent requests by their opaque bearer key and
// stores the agent's external identifier on the context. Body fields
// claiming a different identity are ignored downstream.
func AgentAuth(keys *services.APIKeyService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			respondError(c, http.StatusUnauthorized, "missing bearer key", nil)
			c.Abort()
			return
		}

		agentID, err := keys.Validate(c.Request.Context(), token)
		if err != nil {
			respondError(c, http.StatusUnauthorized, "invalid bearer key", nil)
			c.Abort()
			return
		}

		c.Set(agentIDKey, agentID)
		c.Next()
	}
}

// OperatorAuth authenticates operator requests by their session JWT.
func OperatorAuth(jwtService *services.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			respondError(c, http.StatusUnauthorized, "missing session token", nil)
			c.Abort()
			return
		}

		if _, err := jwtService.ValidateToken(token); err != nil {
			respondError(c, http.StatusUnauthorized, "invalid session token", nil)
			c.Abort()
			return
		}
		c.Next()
	}
}

// CronAuth admits either an operator session or the shared cron secret
// in X-Cron-Secret, so an external scheduler can hit the maintenance
// endpoint without holding a session.
func CronAuth(jwtService *services.JWTService, cronSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret := c.GetHeader("X-Cron-Secret"); secret != "" && cronSecret != "" {
			if subtle.ConstantTimeCompare([]byte(secret), []byte(cronSecret)) == 1 {
				c.Next()
				return
			}
			respondError(c, http.StatusUnauthorized, "invalid cron secret", nil)
			c.Abort()
			return
		}

		token := bearerToken(c)
		if token == "" {
			respondError(c, http.StatusUnauthorized, "missing credential", nil)
			c.Abort()
			return
		}
		if _, err := jwtService.ValidateToken(token); err != nil {
			respondError(c, http.StatusUnauthorized, "invalid session token", nil)
			c.Abort()
			return
		}
		c.Next()
	}
}
