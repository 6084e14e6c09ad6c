package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

// SQLite keeps timestamps as unix milliseconds and decimals as TEXT.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS funding_rate_samples (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		exchange TEXT NOT NULL,
		symbol TEXT NOT NULL,
		rate_pct TEXT NOT NULL,
		observed_at INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS funding_rate_samples_pair_idx
		ON funding_rate_samples (exchange, symbol, observed_at DESC);`,
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS funding_alerts (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		exchange TEXT NOT NULL,
		symbol TEXT NOT NULL,
		direction TEXT NOT NULL,
		threshold_pct TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		last_fired_at INTEGER,
		last_fired_rate TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS funding_alerts_user_idx ON funding_alerts (user_id, updated_at DESC);`,
}

const (
	sqliteAlertColumns = `a.id, a.user_id, a.exchange, a.symbol, a.direction, a.threshold_pct,
		a.enabled, a.last_fired_at, a.last_fired_rate, a.created_at, a.updated_at, COALESCE(u.email, '')`
	sqliteAlertFrom = ` FROM funding_alerts a LEFT JOIN users u ON u.id = a.user_id`
)

// SQLiteStore implements Backend on an embedded SQLite file.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (and creates if needed) the database at dsn.
func OpenSQLite(ctx context.Context, dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("sqlite dsn is required")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// a single writer avoids SQLITE_BUSY between pool connections
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	for _, pragma := range []string{"PRAGMA journal_mode = WAL;", "PRAGMA synchronous = NORMAL;"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}
	for _, stmt := range sqliteSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create sqlite schema: %w", err)
		}
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() {
	if s == nil || s.db == nil {
		return
	}
	_ = s.db.Close()
}

// PutUser upserts an identity row so dispatch can resolve the owner's email.
func (s *SQLiteStore) PutUser(ctx context.Context, id, email string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET email = excluded.email;`,
		id, email)
	if err != nil {
		return fmt.Errorf("put user: %w", err)
	}
	return nil
}

// AppendSample inserts a new observation.
func (s *SQLiteStore) AppendSample(ctx context.Context, sample RateSample) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO funding_rate_samples (exchange, symbol, rate_pct, observed_at) VALUES (?, ?, ?, ?);`,
		sample.Exchange, sample.Symbol, sample.RatePct.String(), sample.ObservedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("append sample: %w", err)
	}
	return nil
}

// LatestSample returns the newest sample for a pair, or nil when none exists.
func (s *SQLiteStore) LatestSample(ctx context.Context, exchange, symbol string) (*RateSample, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, exchange, symbol, rate_pct, observed_at FROM funding_rate_samples
		WHERE exchange = ? AND symbol = ? ORDER BY observed_at DESC, id DESC LIMIT 1;`,
		exchange, symbol)
	sample, err := scanSQLiteSample(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest sample: %w", err)
	}
	return &sample, nil
}

// ListSamplesBetween lists a pair's samples within [from, to).
func (s *SQLiteStore) ListSamplesBetween(ctx context.Context, exchange, symbol string, from, to time.Time) ([]RateSample, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, exchange, symbol, rate_pct, observed_at FROM funding_rate_samples
		WHERE exchange = ? AND symbol = ? AND observed_at >= ? AND observed_at < ?
		ORDER BY observed_at, id;`,
		exchange, symbol, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("list samples between: %w", err)
	}
	return collectSQLiteSamples(rows)
}

// ListRecentSamples lists the most recent samples across all pairs.
func (s *SQLiteStore) ListRecentSamples(ctx context.Context, limit int) ([]RateSample, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, exchange, symbol, rate_pct, observed_at FROM funding_rate_samples
		ORDER BY observed_at DESC, id DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent samples: %w", err)
	}
	return collectSQLiteSamples(rows)
}

// ListEnabledAlerts lists every enabled rule, most recently updated first.
func (s *SQLiteStore) ListEnabledAlerts(ctx context.Context) ([]AlertRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteAlertColumns+sqliteAlertFrom+` WHERE a.enabled = 1 ORDER BY a.updated_at DESC;`)
	if err != nil {
		return nil, fmt.Errorf("list enabled alerts: %w", err)
	}
	return collectSQLiteAlerts(rows)
}

// ListAlertsByUser lists a user's rules, most recently updated first.
func (s *SQLiteStore) ListAlertsByUser(ctx context.Context, userID string) ([]AlertRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteAlertColumns+sqliteAlertFrom+` WHERE a.user_id = ? ORDER BY a.updated_at DESC;`, userID)
	if err != nil {
		return nil, fmt.Errorf("list alerts by user: %w", err)
	}
	return collectSQLiteAlerts(rows)
}

// CreateAlert validates and inserts a new enabled rule.
func (s *SQLiteStore) CreateAlert(ctx context.Context, rule AlertRule) (AlertRule, error) {
	if err := rule.Validate(); err != nil {
		return AlertRule{}, err
	}
	now := s.now().UTC()
	rule.ID = uuid.NewString()
	rule.Enabled = true
	rule.CreatedAt = now
	rule.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO funding_alerts (id, user_id, exchange, symbol, direction, threshold_pct, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?);`,
		rule.ID, rule.UserID, rule.Exchange, rule.Symbol, string(rule.Direction), rule.ThresholdPct.String(),
		now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return AlertRule{}, fmt.Errorf("insert alert: %w", err)
	}
	return rule, nil
}

// UpdateAlert applies a patch to a rule owned by userID.
func (s *SQLiteStore) UpdateAlert(ctx context.Context, userID, id string, patch AlertPatch) (AlertRule, error) {
	if err := patch.Validate(); err != nil {
		return AlertRule{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AlertRule{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+sqliteAlertColumns+sqliteAlertFrom+` WHERE a.user_id = ? AND a.id = ?;`, userID, id)
	rule, err := scanSQLiteAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return AlertRule{}, ErrNotFound
	}
	if err != nil {
		return AlertRule{}, fmt.Errorf("load alert: %w", err)
	}

	patch.Apply(&rule)
	rule.UpdatedAt = s.now().UTC()
	rule.Invalid = ""

	if _, err := tx.ExecContext(ctx,
		`UPDATE funding_alerts SET enabled = ?, threshold_pct = ?, direction = ?, updated_at = ?
		WHERE user_id = ? AND id = ?;`,
		boolToInt(rule.Enabled), rule.ThresholdPct.String(), string(rule.Direction), rule.UpdatedAt.UnixMilli(),
		userID, id); err != nil {
		return AlertRule{}, fmt.Errorf("update alert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return AlertRule{}, fmt.Errorf("commit alert update: %w", err)
	}
	return rule, nil
}

// UpdateAlertFired records a successful dispatch on a rule.
func (s *SQLiteStore) UpdateAlertFired(ctx context.Context, id string, firedAt time.Time, rate decimal.Decimal) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE funding_alerts SET last_fired_at = ?, last_fired_rate = ?, updated_at = ? WHERE id = ?;`,
		firedAt.UnixMilli(), rate.String(), firedAt.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("update alert fired: %w", err)
	}
	return requireAffected(res)
}

// DeleteAlert removes one rule owned by userID.
func (s *SQLiteStore) DeleteAlert(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM funding_alerts WHERE user_id = ? AND id = ?;`, userID, id)
	if err != nil {
		return fmt.Errorf("delete alert: %w", err)
	}
	return requireAffected(res)
}

// DeleteAlerts removes the listed rules owned by userID and reports how many were deleted.
func (s *SQLiteStore) DeleteAlerts(ctx context.Context, userID string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, userID)
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM funding_alerts WHERE user_id = ? AND id IN (`+placeholders+`);`, args...)
	if err != nil {
		return 0, fmt.Errorf("delete alerts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete alerts: %w", err)
	}
	return n, nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func collectSQLiteSamples(rows *sql.Rows) ([]RateSample, error) {
	defer rows.Close()
	samples := make([]RateSample, 0)
	for rows.Next() {
		sample, err := scanSQLiteSample(rows)
		if err != nil {
			return nil, err
		}
		samples = append(samples, sample)
	}
	return samples, rows.Err()
}

func scanSQLiteSample(row rowScanner) (RateSample, error) {
	var (
		sample     RateSample
		rateStr    string
		observedMs int64
	)
	if err := row.Scan(&sample.ID, &sample.Exchange, &sample.Symbol, &rateStr, &observedMs); err != nil {
		return RateSample{}, err
	}
	rate, err := decimal.NewFromString(rateStr)
	if err != nil {
		return RateSample{}, fmt.Errorf("parse sample rate: %w", err)
	}
	sample.RatePct = rate
	sample.ObservedAt = time.UnixMilli(observedMs).UTC()
	return sample, nil
}

func collectSQLiteAlerts(rows *sql.Rows) ([]AlertRule, error) {
	defer rows.Close()
	rules := make([]AlertRule, 0)
	for rows.Next() {
		rule, err := scanSQLiteAlert(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

func scanSQLiteAlert(row rowScanner) (AlertRule, error) {
	var (
		rule         AlertRule
		direction    string
		thresholdStr string
		enabled      int64
		firedAt      sql.NullInt64
		firedRate    sql.NullString
		createdMs    int64
		updatedMs    int64
	)
	if err := row.Scan(
		&rule.ID,
		&rule.UserID,
		&rule.Exchange,
		&rule.Symbol,
		&direction,
		&thresholdStr,
		&enabled,
		&firedAt,
		&firedRate,
		&createdMs,
		&updatedMs,
		&rule.OwnerEmail,
	); err != nil {
		return AlertRule{}, err
	}

	decodeRule(&rule, direction, thresholdStr)
	rule.Enabled = enabled != 0
	rule.CreatedAt = time.UnixMilli(createdMs).UTC()
	rule.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	if firedAt.Valid {
		at := time.UnixMilli(firedAt.Int64).UTC()
		rule.LastFiredAt = &at
	}
	if firedRate.Valid {
		if rate, err := decimal.NewFromString(firedRate.String); err == nil {
			rule.LastFiredRate = &rate
		}
	}
	return rule, nil
}

var _ Backend = (*SQLiteStore)(nil)
