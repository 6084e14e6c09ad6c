package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	appendSampleSQL = `INSERT INTO funding_rate_samples (
        exchange,
        symbol,
        rate_pct,
        observed_at
    ) VALUES (
        $1,$2,$3::numeric,$4
    );`

	latestSampleSQL = `SELECT id, exchange, symbol, rate_pct::text, observed_at
    FROM funding_rate_samples
    WHERE exchange = $1
      AND symbol = $2
    ORDER BY observed_at DESC
    LIMIT 1;`

	listSamplesBetweenSQL = `SELECT id, exchange, symbol, rate_pct::text, observed_at
    FROM funding_rate_samples
    WHERE exchange = $1
      AND symbol = $2
      AND observed_at >= $3
      AND observed_at < $4
    ORDER BY observed_at;`

	listRecentSamplesSQL = `SELECT id, exchange, symbol, rate_pct::text, observed_at
    FROM funding_rate_samples
    ORDER BY observed_at DESC
    LIMIT $1;`

	alertColumns = `a.id,
        a.user_id,
        a.exchange,
        a.symbol,
        a.direction,
        a.threshold_pct::text,
        a.enabled,
        a.last_fired_at,
        a.last_fired_rate::text,
        a.created_at,
        a.updated_at,
        COALESCE(u.email, '')`

	listEnabledAlertsSQL = `SELECT ` + alertColumns + `
    FROM funding_alerts a
    LEFT JOIN users u ON u.id = a.user_id
    WHERE a.enabled
    ORDER BY a.updated_at DESC;`

	listAlertsByUserSQL = `SELECT ` + alertColumns + `
    FROM funding_alerts a
    LEFT JOIN users u ON u.id = a.user_id
    WHERE a.user_id = $1
    ORDER BY a.updated_at DESC;`

	lockAlertSQL = `SELECT ` + alertColumns + `
    FROM funding_alerts a
    LEFT JOIN users u ON u.id = a.user_id
    WHERE a.user_id = $1
      AND a.id = $2
    FOR UPDATE OF a;`

	insertAlertSQL = `INSERT INTO funding_alerts (
        id,
        user_id,
        exchange,
        symbol,
        direction,
        threshold_pct,
        enabled,
        created_at,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6::numeric,$7,$8,$8
    );`

	updateAlertSQL = `UPDATE funding_alerts
    SET enabled       = $3,
        threshold_pct = $4::numeric,
        direction     = $5,
        updated_at    = $6
    WHERE user_id = $1
      AND id = $2;`

	updateAlertFiredSQL = `UPDATE funding_alerts
    SET last_fired_at   = $2,
        last_fired_rate = $3::numeric,
        updated_at      = $2
    WHERE id = $1;`

	deleteAlertSQL = `DELETE FROM funding_alerts WHERE user_id = $1 AND id = $2;`

	deleteAlertsSQL = `DELETE FROM funding_alerts WHERE user_id = $1 AND id = ANY($2);`

	putUserSQL = `INSERT INTO users (id, email) VALUES ($1, $2)
    ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// SampleStore persists funding rate observations.
type SampleStore interface {
	LatestSample(ctx context.Context, exchange, symbol string) (*RateSample, error)
	AppendSample(ctx context.Context, sample RateSample) error
	ListSamplesBetween(ctx context.Context, exchange, symbol string, from, to time.Time) ([]RateSample, error)
	ListRecentSamples(ctx context.Context, limit int) ([]RateSample, error)
}

// AlertStore persists user alert rules.
type AlertStore interface {
	ListEnabledAlerts(ctx context.Context) ([]AlertRule, error)
	UpdateAlertFired(ctx context.Context, id string, firedAt time.Time, rate decimal.Decimal) error
	ListAlertsByUser(ctx context.Context, userID string) ([]AlertRule, error)
	CreateAlert(ctx context.Context, rule AlertRule) (AlertRule, error)
	UpdateAlert(ctx context.Context, userID, id string, patch AlertPatch) (AlertRule, error)
	DeleteAlert(ctx context.Context, userID, id string) error
	DeleteAlerts(ctx context.Context, userID string, ids []string) (int64, error)
}

// UserDirectory records the contact address of a user id.
type UserDirectory interface {
	PutUser(ctx context.Context, id, email string) error
}

// Backend bundles every store behind one closable handle.
type Backend interface {
	SampleStore
	AlertStore
	UserDirectory
	Close()
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store implements Backend on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, now: time.Now}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// best effort; the lock is released with the session anyway
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// PutUser upserts an identity row so dispatch can resolve the owner's email.
func (s *Store) PutUser(ctx context.Context, id, email string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, putUserSQL, id, email); execErr != nil {
		return fmt.Errorf("put user: %w", execErr)
	}
	return nil
}

// AppendSample inserts a new observation.
func (s *Store) AppendSample(ctx context.Context, sample RateSample) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, appendSampleSQL,
		sample.Exchange,
		sample.Symbol,
		sample.RatePct.String(),
		sample.ObservedAt,
	); execErr != nil {
		return fmt.Errorf("append sample: %w", execErr)
	}
	return nil
}

// LatestSample returns the newest sample for a pair, or nil when none exists.
func (s *Store) LatestSample(ctx context.Context, exchange, symbol string) (*RateSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, latestSampleSQL, exchange, symbol)
	if queryErr != nil {
		return nil, fmt.Errorf("latest sample: %w", queryErr)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	sample, scanErr := scanRateSample(rows)
	if scanErr != nil {
		return nil, scanErr
	}
	return &sample, nil
}

// ListSamplesBetween lists a pair's samples within [from, to).
func (s *Store) ListSamplesBetween(ctx context.Context, exchange, symbol string, from, to time.Time) ([]RateSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSamplesBetweenSQL, exchange, symbol, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list samples between: %w", queryErr)
	}
	return collectSamples(rows, 0)
}

// ListRecentSamples lists the most recent samples across all pairs.
func (s *Store) ListRecentSamples(ctx context.Context, limit int) ([]RateSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSamplesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent samples: %w", queryErr)
	}
	return collectSamples(rows, limit)
}

func collectSamples(rows pgx.Rows, capacity int) ([]RateSample, error) {
	defer rows.Close()
	samples := make([]RateSample, 0, capacity)
	for rows.Next() {
		sample, err := scanRateSample(rows)
		if err != nil {
			return nil, err
		}
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

// ListEnabledAlerts lists every enabled rule, most recently updated first.
func (s *Store) ListEnabledAlerts(ctx context.Context) ([]AlertRule, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listEnabledAlertsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list enabled alerts: %w", queryErr)
	}
	return collectAlerts(rows)
}

// ListAlertsByUser lists a user's rules, most recently updated first.
func (s *Store) ListAlertsByUser(ctx context.Context, userID string) ([]AlertRule, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listAlertsByUserSQL, userID)
	if queryErr != nil {
		return nil, fmt.Errorf("list alerts by user: %w", queryErr)
	}
	return collectAlerts(rows)
}

// CreateAlert validates and inserts a new enabled rule.
func (s *Store) CreateAlert(ctx context.Context, rule AlertRule) (AlertRule, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRule{}, err
	}
	if err := rule.Validate(); err != nil {
		return AlertRule{}, err
	}

	now := s.now().UTC()
	rule.ID = uuid.NewString()
	rule.Enabled = true
	rule.CreatedAt = now
	rule.UpdatedAt = now

	if _, execErr := pool.Exec(ctx, insertAlertSQL,
		rule.ID,
		rule.UserID,
		rule.Exchange,
		rule.Symbol,
		string(rule.Direction),
		rule.ThresholdPct.String(),
		rule.Enabled,
		now,
	); execErr != nil {
		return AlertRule{}, fmt.Errorf("insert alert: %w", execErr)
	}
	return rule, nil
}

// UpdateAlert applies a patch to a rule owned by userID.
func (s *Store) UpdateAlert(ctx context.Context, userID, id string, patch AlertPatch) (AlertRule, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRule{}, err
	}
	if err := patch.Validate(); err != nil {
		return AlertRule{}, err
	}

	var updated AlertRule
	txErr := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, lockAlertSQL, userID, id)
		if err != nil {
			return fmt.Errorf("load alert: %w", err)
		}
		rules, err := collectAlerts(rows)
		if err != nil {
			return err
		}
		if len(rules) == 0 {
			return ErrNotFound
		}

		rule := rules[0]
		patch.Apply(&rule)
		rule.UpdatedAt = s.now().UTC()
		rule.Invalid = ""

		if _, err := tx.Exec(ctx, updateAlertSQL,
			userID,
			id,
			rule.Enabled,
			rule.ThresholdPct.String(),
			string(rule.Direction),
			rule.UpdatedAt,
		); err != nil {
			return fmt.Errorf("update alert: %w", err)
		}
		updated = rule
		return nil
	})
	if txErr != nil {
		return AlertRule{}, txErr
	}
	return updated, nil
}

// UpdateAlertFired records a successful dispatch on a rule.
func (s *Store) UpdateAlertFired(ctx context.Context, id string, firedAt time.Time, rate decimal.Decimal) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, updateAlertFiredSQL, id, firedAt, rate.String())
	if execErr != nil {
		return fmt.Errorf("update alert fired: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAlert removes one rule owned by userID.
func (s *Store) DeleteAlert(ctx context.Context, userID, id string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, deleteAlertSQL, userID, id)
	if execErr != nil {
		return fmt.Errorf("delete alert: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAlerts removes the listed rules owned by userID and reports how many were deleted.
func (s *Store) DeleteAlerts(ctx context.Context, userID string, ids []string) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	cmdTag, execErr := pool.Exec(ctx, deleteAlertsSQL, userID, ids)
	if execErr != nil {
		return 0, fmt.Errorf("delete alerts: %w", execErr)
	}
	return cmdTag.RowsAffected(), nil
}

// rowScanner is satisfied by pgx.Rows and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRateSample(rows rowScanner) (RateSample, error) {
	var (
		sample  RateSample
		rateStr string
	)
	if err := rows.Scan(
		&sample.ID,
		&sample.Exchange,
		&sample.Symbol,
		&rateStr,
		&sample.ObservedAt,
	); err != nil {
		return RateSample{}, err
	}

	rate, err := decimal.NewFromString(rateStr)
	if err != nil {
		return RateSample{}, fmt.Errorf("parse sample rate: %w", err)
	}
	sample.RatePct = rate
	sample.ObservedAt = sample.ObservedAt.UTC()
	return sample, nil
}

func collectAlerts(rows pgx.Rows) ([]AlertRule, error) {
	defer rows.Close()
	rules := make([]AlertRule, 0)
	for rows.Next() {
		rule, err := scanAlertRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return rules, nil
}

func scanAlertRule(rows rowScanner) (AlertRule, error) {
	var (
		rule         AlertRule
		direction    string
		thresholdStr string
		firedAt      sql.NullTime
		firedRate    sql.NullString
	)
	if err := rows.Scan(
		&rule.ID,
		&rule.UserID,
		&rule.Exchange,
		&rule.Symbol,
		&direction,
		&thresholdStr,
		&rule.Enabled,
		&firedAt,
		&firedRate,
		&rule.CreatedAt,
		&rule.UpdatedAt,
		&rule.OwnerEmail,
	); err != nil {
		return AlertRule{}, err
	}

	decodeRule(&rule, direction, thresholdStr)
	if firedAt.Valid {
		at := firedAt.Time.UTC()
		rule.LastFiredAt = &at
	}
	if firedRate.Valid {
		if rate, err := decimal.NewFromString(strings.TrimSpace(firedRate.String)); err == nil {
			rule.LastFiredRate = &rate
		}
	}
	return rule, nil
}

var (
	_ Backend        = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
