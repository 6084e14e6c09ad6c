package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"funding-alerts/internal/aggregator"
	"funding-alerts/internal/history"
)

const defaultHistoryDays = 7

func (s *Server) handleFundingAll(c *gin.Context) {
	refresh := truthy(c.Query("refresh"))
	matrix, ok := s.deps.Cache.Latest()
	if refresh || !ok || !s.deps.Cache.Fresh(s.now(), s.opts.CacheMaxAge) {
		if s.deps.Aggregator == nil {
			if !ok {
				s.fail(c, http.StatusServiceUnavailable, errors.New("funding matrix not available yet"))
				return
			}
		} else {
			matrix = s.refreshMatrix(c.Request.Context())
		}
	}

	if s.opts.CacheMaxAge > 0 {
		c.Header("Cache-Control", fmt.Sprintf("public, max-age=%d", int(s.opts.CacheMaxAge.Seconds())))
	}
	c.JSON(http.StatusOK, matrix)
}

// refreshMatrix aggregates once for all concurrent callers and stores the
// result. The shared fetch is detached from any single caller's cancellation.
func (s *Server) refreshMatrix(ctx context.Context) aggregator.Matrix {
	v, _, _ := s.refresh.Do("matrix", func() (any, error) {
		matrix := s.deps.Aggregator.Aggregate(context.WithoutCancel(ctx))
		s.deps.Cache.Store(matrix)
		return matrix, nil
	})
	return v.(aggregator.Matrix)
}

type recordRequest struct {
	Exchange string           `json:"exchange"`
	Symbol   string           `json:"symbol"`
	Rate     *decimal.Decimal `json:"rate"`
}

func (s *Server) handleRecord(c *gin.Context) {
	if s.deps.Recorder == nil {
		s.fail(c, http.StatusServiceUnavailable, errors.New("recorder not configured"))
		return
	}

	var req recordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Rate == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "rate is required"})
		return
	}

	outcome, err := s.deps.Recorder.Record(c.Request.Context(), req.Exchange, req.Symbol, *req.Rate)
	if err != nil {
		s.fail(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "skipped": outcome == history.OutcomeSkipped})
}

func (s *Server) handleHistory(c *gin.Context) {
	if s.deps.Reader == nil {
		s.fail(c, http.StatusServiceUnavailable, errors.New("history reader not configured"))
		return
	}

	days := defaultHistoryDays
	if raw := strings.TrimSpace(c.Query("days")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "days must be an integer"})
			return
		}
		days = n
	}

	res, err := s.deps.Reader.History(c.Request.Context(), c.Query("exchange"), c.Query("symbol"), days)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			status = http.StatusBadGateway
		}
		s.fail(c, status, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes":
		return true
	}
	return false
}
