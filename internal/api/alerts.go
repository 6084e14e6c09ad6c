package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"funding-alerts/internal/storage"
)

type createAlertRequest struct {
	Exchange  string           `json:"exchange"`
	Symbol    string           `json:"symbol"`
	Direction string           `json:"direction"`
	Threshold *decimal.Decimal `json:"threshold"`
}

func (s *Server) handleListAlerts(c *gin.Context) {
	rules, err := s.deps.Alerts.ListAlertsByUser(c.Request.Context(), userID(c))
	if err != nil {
		s.fail(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": rules})
}

func (s *Server) handleCreateAlert(c *gin.Context) {
	var req createAlertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Threshold == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "threshold is required"})
		return
	}
	direction, err := storage.ParseDirection(req.Direction)
	if err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}

	ctx := c.Request.Context()
	uid := userID(c)
	if email := strings.TrimSpace(c.GetHeader(headerUserEmail)); email != "" && s.deps.Users != nil {
		if err := s.deps.Users.PutUser(ctx, uid, email); err != nil {
			s.fail(c, http.StatusInternalServerError, err)
			return
		}
	}

	rule, err := s.deps.Alerts.CreateAlert(ctx, storage.AlertRule{
		UserID:       uid,
		Exchange:     req.Exchange,
		Symbol:       req.Symbol,
		Direction:    direction,
		ThresholdPct: *req.Threshold,
	})
	if err != nil {
		s.fail(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"alert": rule})
}

func (s *Server) handlePatchAlert(c *gin.Context) {
	var patch storage.AlertPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if patch.Direction != nil {
		direction, err := storage.ParseDirection(string(*patch.Direction))
		if err != nil {
			s.fail(c, http.StatusBadRequest, err)
			return
		}
		patch.Direction = &direction
	}

	rule, err := s.deps.Alerts.UpdateAlert(c.Request.Context(), userID(c), c.Param("id"), patch)
	if err != nil {
		s.fail(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alert": rule})
}

func (s *Server) handleDeleteAlert(c *gin.Context) {
	s.deleteOne(c, c.Param("id"))
}

func (s *Server) handleDeleteAlertQuery(c *gin.Context) {
	s.deleteOne(c, c.Query("id"))
}

func (s *Server) deleteOne(c *gin.Context, id string) {
	id = strings.TrimSpace(id)
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
		return
	}
	if err := s.deps.Alerts.DeleteAlert(c.Request.Context(), userID(c), id); err != nil {
		s.fail(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleBulkDelete(c *gin.Context) {
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	ids := make([]string, 0, len(req.IDs))
	for _, id := range req.IDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		s.fail(c, http.StatusBadRequest, errors.New("ids must not be empty"))
		return
	}

	n, err := s.deps.Alerts.DeleteAlerts(c.Request.Context(), userID(c), ids)
	if err != nil {
		s.fail(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "deleted": n})
}
