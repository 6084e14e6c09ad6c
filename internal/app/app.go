package app

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"funding-alerts/internal/aggregator"
	"funding-alerts/internal/alerting"
	"funding-alerts/internal/api"
	"funding-alerts/internal/config"
	"funding-alerts/internal/dispatch"
	"funding-alerts/internal/exchange"
	"funding-alerts/internal/history"
	"funding-alerts/internal/service"
	"funding-alerts/internal/storage"
	"funding-alerts/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// Out receives command output.
	Out io.Writer

	// openBackend, adapters and mailer are replaceable in tests.
	openBackend func(ctx context.Context, cfg config.DatabaseConfig) (storage.Backend, error)
	adapters    []exchange.Adapter
	mailer      alerting.Mailer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{
		Config:      cfg,
		Logger:      logger.With().Str("component", "app").Logger(),
		Out:         os.Stdout,
		openBackend: storage.Open,
	}
}

func (a *App) newAdapters() ([]exchange.Adapter, error) {
	if a.adapters != nil {
		return a.adapters, nil
	}

	cfg := a.Config.Exchanges
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = version.UserAgent()
	}

	adapters := make([]exchange.Adapter, 0, len(cfg.Enabled))
	for _, name := range cfg.Enabled {
		adapter, err := exchange.New(name, exchange.Options{
			BaseURL:             cfg.Endpoints[exchange.Canonical(name)],
			Timeout:             cfg.RequestTimeout,
			UserAgent:           userAgent,
			DetailConcurrency:   cfg.DetailConcurrency,
			DetailRatePerSecond: cfg.DetailRatePerSecond,
			HistoryMaxPages:     a.Config.History.MaxPages,
			HistoryPageSize:     a.Config.History.PageSize,
		}, a.Logger)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, adapter)
	}
	return adapters, nil
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) newMailer() alerting.Mailer {
	if a.mailer != nil {
		return a.mailer
	}
	if !a.Config.Mail.Configured() {
		return nil
	}
	cfg := a.Config.Mail
	mailer, err := alerting.NewResendMailer(cfg.APIKey, cfg.APIBase, cfg.Timeout, a.Logger)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("mail provider unusable; mail disabled")
		return nil
	}
	return mailer
}

func (a *App) newDispatcher(store storage.Backend) *dispatch.Dispatcher {
	return dispatch.New(store, store, a.newMailer(), a.newNotifier(), dispatch.Options{
		Cooldown:    a.Config.Dispatch.Cooldown,
		From:        a.Config.Mail.From,
		BaseURL:     a.Config.App.BaseURL,
		Concurrency: a.Config.Dispatch.Concurrency,
	}, a.Logger)
}

func (a *App) openStore(ctx context.Context) (storage.Backend, func(), error) {
	store, err := a.openBackend(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}
	if a.Config.Database.Driver == "memory" || a.Config.Database.Driver == "" {
		a.Logger.Warn().Msg("database.driver is memory; samples and alerts are lost on exit")
	}
	return store, store.Close, nil
}

// Run executes the long-running polling service and the HTTP API.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	adapters, err := a.newAdapters()
	if err != nil {
		return err
	}

	agg := aggregator.New(adapters, a.Logger)
	cache := aggregator.NewCache()
	recorder := history.NewRecorder(store, a.Config.Recorder.DedupWindow, a.Logger)
	dispatcher := a.newDispatcher(store)

	deps := service.Deps{
		Aggregator: agg,
		Cache:      cache,
		Recorder:   recorder,
		Alerts:     store,
	}
	if a.Config.Watcher.Enabled {
		notifier := a.newNotifier()
		if notifier == nil {
			notifier = alerting.NewLogNotifier(a.Logger)
		}
		deps.Watcher = alerting.NewWatcher(store, notifier, a.Config.Watcher.Cooldown, a.Config.App.BaseURL, a.Logger)
	}
	if a.Config.Dispatch.Enabled {
		if a.Config.Mail.Configured() {
			deps.Dispatcher = dispatcher
		} else {
			a.Logger.Warn().Msg("mail not configured; scheduled dispatch disabled")
		}
	}
	if locker, ok := store.(storage.AdvisoryLocker); ok {
		deps.Locker = locker
	}

	svc, err := service.New(a.Config, deps, a.Logger)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(ctx) })

	if a.Config.HTTP.Enabled {
		server := api.NewServer(api.Options{
			Addr:            a.Config.HTTP.Addr,
			ReadTimeout:     a.Config.HTTP.ReadTimeout,
			ShutdownTimeout: a.Config.HTTP.ShutdownTimeout,
			CacheMaxAge:     a.Config.HTTP.CacheMaxAge,
			DispatchSecrets: a.Config.Dispatch.AuthSecrets,
			MailFrom:        a.Config.Mail.From,
		}, api.Deps{
			Aggregator: agg,
			Cache:      cache,
			Recorder:   recorder,
			Reader:     history.NewReader(adapters, cache, store, a.Logger),
			Alerts:     store,
			Users:      store,
			Dispatcher: dispatcher,
			Mailer:     a.newMailer(),
		}, a.Logger)
		g.Go(func() error { return server.Run(ctx) })
	}

	a.Logger.Info().Int("exchanges", len(adapters)).Msg("starting funding watch service")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("funding watch service stopped")
	return nil
}

// ExportOptions hold parameters for exporting stored samples of one pair.
type ExportOptions struct {
	Pair      string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// BackfillOptions configure loading venue history into the sample store.
type BackfillOptions struct {
	Pair   string
	Days   int
	DryRun bool
}
