package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"funding-alerts/internal/aggregator"
	"funding-alerts/internal/dispatch"
	"funding-alerts/internal/history"
	"funding-alerts/internal/symbol"
)

// AggregateOptions configure the aggregate command.
type AggregateOptions struct {
	Symbols []string
	JSON    bool
}

// Aggregate fetches every enabled exchange once and prints the matrix.
func (a *App) Aggregate(ctx context.Context, opts AggregateOptions) error {
	adapters, err := a.newAdapters()
	if err != nil {
		return err
	}
	matrix := aggregator.New(adapters, a.Logger).Aggregate(ctx)

	if len(opts.Symbols) > 0 {
		matrix.Symbols = filterSymbols(matrix.Symbols, opts.Symbols)
	}
	if opts.JSON {
		return writeJSON(a, matrix)
	}

	venues := make([]string, 0, len(adapters))
	for _, ad := range adapters {
		venues = append(venues, ad.Name())
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Symbol\t%s\n", strings.ToUpper(strings.Join(venues, "\t")))
	for _, sym := range matrix.Symbols {
		cells := make([]string, 0, len(venues))
		for _, venue := range venues {
			if rate, ok := matrix.Rate(venue, sym); ok {
				cells = append(cells, formatDecimal(rate, 4))
			} else {
				cells = append(cells, "-")
			}
		}
		fmt.Fprintf(writer, "%s\t%s\n", sym, strings.Join(cells, "\t"))
	}
	if err := writer.Flush(); err != nil {
		return err
	}

	failed := make([]string, 0, len(matrix.Errors))
	for venue := range matrix.Errors {
		failed = append(failed, venue)
	}
	sort.Strings(failed)
	for _, venue := range failed {
		fmt.Fprintf(a.Out, "error %s: %s\n", venue, matrix.Errors[venue])
	}
	return nil
}

func filterSymbols(all, wanted []string) []string {
	keep := make(map[string]struct{}, len(wanted))
	for _, raw := range wanted {
		if sym, ok := symbol.Normalize(raw); ok {
			keep[sym] = struct{}{}
		}
	}
	out := make([]string, 0, len(keep))
	for _, sym := range all {
		if _, ok := keep[sym]; ok {
			out = append(out, sym)
		}
	}
	return out
}

// Dispatch runs one mail dispatch pass and prints the per-rule outcomes.
func (a *App) Dispatch(ctx context.Context, dryRun, asJSON bool) (dispatch.Result, error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return dispatch.Result{}, err
	}
	defer closeStore()

	res, err := a.newDispatcher(store).Dispatch(ctx, dryRun)
	if err != nil {
		return res, err
	}
	if asJSON {
		return res, writeJSON(a, res)
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tExchange\tSymbol\tCondition\tRate\tAction\tReason")
	for _, o := range res.Outcomes {
		rate := "-"
		if o.Rate != nil {
			rate = formatDecimal(*o.Rate, 4)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s %s\t%s\t%s\t%s\n",
			o.ID, o.Exchange, o.Symbol, o.Direction, formatDecimal(o.Threshold, 4), rate, o.Action, sanitizeInline(o.Reason))
	}
	if err := writer.Flush(); err != nil {
		return res, err
	}
	fmt.Fprintf(a.Out, "total=%d fired=%d skipped=%d errored=%d dry_run=%v\n",
		res.Summary.Total, res.Summary.Fired, res.Summary.Skipped, res.Summary.Errored, res.DryRun)
	return res, nil
}

// Record stores one snapshot, honouring the dedup window.
func (a *App) Record(ctx context.Context, venue, sym string, rate decimal.Decimal) (history.Outcome, error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return "", err
	}
	defer closeStore()

	outcome, err := history.NewRecorder(store, a.Config.Recorder.DedupWindow, a.Logger).Record(ctx, venue, sym, rate)
	if err != nil {
		return "", err
	}
	fmt.Fprintln(a.Out, outcome)
	return outcome, nil
}

// History fetches a pair's funding history from its venue and prints it.
func (a *App) History(ctx context.Context, venue, sym string, days int, asJSON bool) error {
	adapters, err := a.newAdapters()
	if err != nil {
		return err
	}
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	res, err := history.NewReader(adapters, nil, store, a.Logger).History(ctx, venue, sym, days)
	if err != nil {
		return err
	}
	if asJSON {
		return writeJSON(a, res)
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tRate%")
	for _, p := range res.Points {
		fmt.Fprintf(writer, "%s\t%s\n", time.UnixMilli(p.T).UTC().Format(time.RFC3339), formatDecimal(p.V, 4))
	}
	if err := writer.Flush(); err != nil {
		return err
	}
	if res.Latest != nil {
		fmt.Fprintf(a.Out, "latest stored: %s at %s\n", formatDecimal(*res.Latest, 4), res.UpdatedAt.UTC().Format(time.RFC3339))
	}
	return nil
}

func writeJSON(a *App, v any) error {
	enc := json.NewEncoder(a.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
