package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"funding-alerts/internal/history"
	"funding-alerts/internal/storage"
)

const (
	headerUserID    = "X-User-ID"
	headerUserEmail = "X-User-Email"
	ctxUserID       = "userID"
)

// requireUser reads the identity set by the upstream auth proxy.
func requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(headerUserID))
		if id == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(ctxUserID, id)
		c.Next()
	}
}

func userID(c *gin.Context) string {
	return c.GetString(ctxUserID)
}

// requireDispatchSecret accepts any configured bearer secret.
func (s *Server) requireDispatchSecret() gin.HandlerFunc {
	secrets := make([]string, 0, len(s.opts.DispatchSecrets))
	for _, secret := range s.opts.DispatchSecrets {
		if secret = strings.TrimSpace(secret); secret != "" {
			secrets = append(secrets, secret)
		}
	}

	return func(c *gin.Context) {
		if len(secrets) == 0 {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "dispatch secret is not configured"})
			return
		}
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok || !matchesAny(token, secrets) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// bearerToken extracts the credential of a Bearer authorization header.
// The scheme is matched case-insensitively.
func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func matchesAny(token string, secrets []string) bool {
	if token == "" {
		return false
	}
	matched := false
	for _, secret := range secrets {
		if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) == 1 {
			matched = true
		}
	}
	return matched
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var verr *history.ValidationError
	switch {
	case errors.As(err, &verr), errors.Is(err, storage.ErrInvalidRule):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, history.ErrHistoryNotImplemented):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
