package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"funding-alerts/internal/history"
	"funding-alerts/internal/storage"
)

// Backfill loads a pair's settled funding rates from its venue into the sample
// store. Points already stored at the same instant are left alone.
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) (int, error) {
	pair, err := history.ParsePair(opts.Pair)
	if err != nil {
		return 0, err
	}
	adapters, err := a.newAdapters()
	if err != nil {
		return 0, err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return 0, err
	}
	defer closeStore()

	res, err := history.NewReader(adapters, nil, nil, a.Logger).History(ctx, pair.Exchange, pair.Symbol, opts.Days)
	if err != nil {
		return 0, err
	}
	if len(res.Points) == 0 {
		a.Logger.Info().Str("pair", pair.String()).Msg("venue returned no history")
		return 0, nil
	}

	from := time.UnixMilli(res.Points[0].T).UTC()
	to := time.UnixMilli(res.Points[len(res.Points)-1].T).UTC().Add(time.Millisecond)
	existing, err := store.ListSamplesBetween(ctx, pair.Exchange, pair.Symbol, from, to)
	if err != nil {
		return 0, err
	}
	stored := make(map[int64]struct{}, len(existing))
	for _, s := range existing {
		stored[s.ObservedAt.UnixMilli()] = struct{}{}
	}

	if opts.DryRun {
		a.Logger.Warn().Msg("backfill dry-run: nothing is written")
	}

	inserted, failed := 0, 0
	for _, p := range res.Points {
		select {
		case <-ctx.Done():
			return inserted, ctx.Err()
		default:
		}
		if _, ok := stored[p.T]; ok {
			continue
		}
		if opts.DryRun {
			inserted++
			continue
		}
		err := store.AppendSample(ctx, storage.RateSample{
			Exchange:   pair.Exchange,
			Symbol:     pair.Symbol,
			RatePct:    p.V,
			ObservedAt: time.UnixMilli(p.T).UTC(),
		})
		if err != nil {
			failed++
			a.Logger.Error().Err(err).Int64("t", p.T).Msg("backfill insert failed")
			continue
		}
		inserted++
	}

	a.Logger.Info().Str("pair", pair.String()).Int("points", len(res.Points)).Int("inserted", inserted).Int("failed", failed).Msg("backfill complete")
	fmt.Fprintf(a.Out, "inserted %d of %d points\n", inserted, len(res.Points))
	if failed > 0 {
		return inserted, errors.New("some points failed to backfill, check the log")
	}
	return inserted, nil
}
