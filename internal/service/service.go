package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"funding-alerts/internal/aggregator"
	"funding-alerts/internal/alerting"
	"funding-alerts/internal/config"
	"funding-alerts/internal/dispatch"
	"funding-alerts/internal/history"
	"funding-alerts/internal/scheduler"
	"funding-alerts/internal/storage"
)

// Deps are the collaborators a Service drives. Watcher and Dispatcher are optional.
type Deps struct {
	Aggregator *aggregator.Aggregator
	Cache      *aggregator.Cache
	Recorder   *history.Recorder
	Alerts     storage.AlertStore
	Watcher    *alerting.Watcher
	Dispatcher *dispatch.Dispatcher
	Locker     storage.AdvisoryLocker
}

// Service orchestrates polling, snapshot recording, the push watcher and the
// periodic mail dispatch.
type Service struct {
	deps   Deps
	logger zerolog.Logger

	poll     *scheduler.Scheduler
	dispatch *scheduler.Scheduler

	watchlist        []history.Pair
	recordAlertPairs bool
	lockKey          int64
}

// New constructs the polling service.
func New(cfg *config.Config, deps Deps, logger zerolog.Logger) (*Service, error) {
	watchlist := make([]history.Pair, 0, len(cfg.Poller.Watchlist))
	for _, raw := range cfg.Poller.Watchlist {
		pair, err := history.ParsePair(raw)
		if err != nil {
			return nil, fmt.Errorf("poller watchlist: %w", err)
		}
		watchlist = append(watchlist, pair)
	}

	s := &Service{
		deps:             deps,
		logger:           logger.With().Str("component", "service").Logger(),
		watchlist:        watchlist,
		recordAlertPairs: cfg.Poller.RecordAlertPairs,
		lockKey:          cfg.Dispatch.AdvisoryLockKey,
	}

	s.poll = scheduler.New(scheduler.Options{
		Name:         "poll",
		Interval:     cfg.Poller.Interval,
		AlignToStart: cfg.Poller.AlignToBucket,
		StartupDelay: cfg.Poller.StartupDelay,
		RunOnStart:   true,
	}, logger)

	if cfg.Dispatch.Enabled && deps.Dispatcher != nil {
		s.dispatch = scheduler.New(scheduler.Options{
			Name:     "dispatch",
			Interval: cfg.Dispatch.Interval,
		}, logger)
	}
	return s, nil
}

// Run blocks until ctx is cancelled, driving the poll loop and, when enabled,
// the dispatch loop.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.poll.Run(ctx, s.Poll) })
	if s.dispatch != nil {
		g.Go(func() error { return s.dispatch.Run(ctx, s.Dispatch) })
	}
	return g.Wait()
}

// Poll aggregates every exchange once, publishes the matrix to the cache,
// records the tracked pairs and runs the push watcher.
func (s *Service) Poll(ctx context.Context, at time.Time) error {
	matrix := s.deps.Aggregator.Aggregate(ctx)
	if s.deps.Cache != nil {
		s.deps.Cache.Store(matrix)
	}

	s.logger.Info().
		Int("symbols", len(matrix.Symbols)).
		Int("failed_exchanges", len(matrix.Errors)).
		Msg("funding matrix refreshed")

	if s.deps.Recorder != nil {
		pairs := s.trackedPairs(ctx)
		if len(pairs) > 0 {
			recorded, skipped := s.deps.Recorder.RecordMatrix(ctx, matrix, pairs)
			s.logger.Debug().Int("recorded", recorded).Int("skipped", skipped).Msg("snapshots recorded")
		}
	}

	if s.deps.Watcher != nil {
		fired, err := s.deps.Watcher.Check(ctx, matrix)
		if err != nil {
			return fmt.Errorf("watcher: %w", err)
		}
		if fired > 0 {
			s.logger.Info().Int("fired", fired).Msg("push alerts sent")
		}
	}
	return nil
}

// trackedPairs merges the configured watchlist with the pairs of enabled rules.
func (s *Service) trackedPairs(ctx context.Context) []history.Pair {
	seen := make(map[history.Pair]struct{}, len(s.watchlist))
	pairs := make([]history.Pair, 0, len(s.watchlist))
	add := func(p history.Pair) {
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		pairs = append(pairs, p)
	}
	for _, p := range s.watchlist {
		add(p)
	}

	if !s.recordAlertPairs || s.deps.Alerts == nil {
		return pairs
	}
	rules, err := s.deps.Alerts.ListEnabledAlerts(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("list alert pairs failed")
		return pairs
	}
	for _, rule := range rules {
		if p, err := history.NormalizePair(rule.Exchange, rule.Symbol); err == nil {
			add(p)
		}
	}
	return pairs
}

// Dispatch runs one mail dispatch pass under the advisory lock.
func (s *Service) Dispatch(ctx context.Context, at time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("at", at).Msg("skip dispatch because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	if _, err := s.deps.Dispatcher.Dispatch(ctx, false); err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	return nil
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.deps.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.deps.Locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
