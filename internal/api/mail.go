package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"funding-alerts/internal/alerting"
)

// handleMailTest sends a test message to the body address or, when the body
// names none, to the caller's own address.
func (s *Server) handleMailTest(c *gin.Context) {
	if s.deps.Mailer == nil {
		s.fail(c, http.StatusServiceUnavailable, errors.New("mail delivery is not configured"))
		return
	}

	var body struct {
		To string `json:"to"`
	}
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	to := strings.TrimSpace(body.To)
	if to == "" {
		to = strings.TrimSpace(c.GetHeader(headerUserEmail))
	}
	if to == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "recipient is required"})
		return
	}

	msg := alerting.ComposeTestMail(s.opts.MailFrom, to, s.now())
	if err := s.deps.Mailer.Send(c.Request.Context(), msg); err != nil {
		s.fail(c, http.StatusBadGateway, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "to": to})
}
