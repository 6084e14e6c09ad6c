package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) handleDispatch(c *gin.Context) {
	if s.deps.Dispatcher == nil {
		s.fail(c, http.StatusServiceUnavailable, errors.New("dispatcher not configured"))
		return
	}

	dryRun := truthy(c.Query("dryRun"))
	if c.Request.Method == http.MethodPost && !dryRun {
		var body struct {
			DryRun bool `json:"dryRun"`
		}
		if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		dryRun = body.DryRun
	}

	res, err := s.deps.Dispatcher.Dispatch(c.Request.Context(), dryRun)
	if err != nil {
		s.fail(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":      true,
		"dryRun":  res.DryRun,
		"summary": res.Summary,
		"results": res.Outcomes,
		"at":      res.At,
	})
}
