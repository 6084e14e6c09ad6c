// Package api exposes the funding matrix, history, alert rules and the
// dispatch trigger over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"funding-alerts/internal/aggregator"
	"funding-alerts/internal/alerting"
	"funding-alerts/internal/dispatch"
	"funding-alerts/internal/history"
	"funding-alerts/internal/storage"
)

func init() {
	// Rates are emitted as JSON numbers.
	decimal.MarshalJSONWithoutQuotes = true
}

// Options tune the HTTP surface.
type Options struct {
	Addr            string
	ReadTimeout     time.Duration
	ShutdownTimeout time.Duration
	CacheMaxAge     time.Duration
	DispatchSecrets []string
	// MailFrom is the sender of test messages.
	MailFrom        string
}

// Deps are the collaborators behind the handlers. Users, Dispatcher and
// Mailer may be nil.
type Deps struct {
	Aggregator *aggregator.Aggregator
	Cache      *aggregator.Cache
	Recorder   *history.Recorder
	Reader     *history.Reader
	Alerts     storage.AlertStore
	Users      storage.UserDirectory
	Dispatcher *dispatch.Dispatcher
	Mailer     alerting.Mailer
}

// Server hosts the gin router.
type Server struct {
	opts    Options
	deps    Deps
	logger  zerolog.Logger
	router  *gin.Engine
	now     func() time.Time
	refresh singleflight.Group
}

// NewServer builds the router.
func NewServer(opts Options, deps Deps, logger zerolog.Logger) *Server {
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	if deps.Cache == nil {
		deps.Cache = aggregator.NewCache()
	}

	s := &Server{
		opts:   opts,
		deps:   deps,
		logger: logger.With().Str("component", "api").Logger(),
		now:    time.Now,
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	funding := r.Group("/api/funding")
	funding.GET("/all", s.handleFundingAll)
	funding.POST("/record", s.handleRecord)
	funding.GET("/history", s.handleHistory)

	dispatchGroup := r.Group("/api/alerts/dispatch", s.requireDispatchSecret())
	dispatchGroup.GET("", s.handleDispatch)
	dispatchGroup.POST("", s.handleDispatch)

	alerts := r.Group("/api/alerts", requireUser())
	alerts.GET("", s.handleListAlerts)
	alerts.POST("", s.handleCreateAlert)
	alerts.DELETE("", s.handleDeleteAlertQuery)
	alerts.POST("/bulk-delete", s.handleBulkDelete)
	alerts.PATCH("/:id", s.handlePatchAlert)
	alerts.DELETE("/:id", s.handleDeleteAlert)

	r.POST("/api/mail/test", requireUser(), s.handleMailTest)

	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: s.opts.ReadTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.opts.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request served")
	}
}
