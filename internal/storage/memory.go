package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type pairKey struct {
	exchange string
	symbol   string
}

// MemoryStore implements Backend in process memory. Used when no database is
// configured and in tests.
type MemoryStore struct {
	mu      sync.RWMutex
	nextID  int64
	samples map[pairKey][]RateSample
	alerts  map[string]AlertRule
	users   map[string]string
	now     func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		samples: make(map[pairKey][]RateSample),
		alerts:  make(map[string]AlertRule),
		users:   make(map[string]string),
		now:     time.Now,
	}
}

// WithClock overrides the clock used for created/updated timestamps.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.now = now
	return m
}

// Close implements Backend.
func (m *MemoryStore) Close() {}

// PutUser registers the email address of a user.
func (m *MemoryStore) PutUser(_ context.Context, id, email string) error {
	m.mu.Lock()
	m.users[id] = email
	m.mu.Unlock()
	return nil
}

// AppendSample inserts a new observation.
func (m *MemoryStore) AppendSample(_ context.Context, sample RateSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	sample.ID = m.nextID
	sample.ObservedAt = sample.ObservedAt.UTC()
	key := pairKey{sample.Exchange, sample.Symbol}
	list := append(m.samples[key], sample)
	sort.SliceStable(list, func(i, j int) bool { return list[i].ObservedAt.Before(list[j].ObservedAt) })
	m.samples[key] = list
	return nil
}

// LatestSample returns the newest sample for a pair, or nil when none exists.
func (m *MemoryStore) LatestSample(_ context.Context, exchange, symbol string) (*RateSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.samples[pairKey{exchange, symbol}]
	if len(list) == 0 {
		return nil, nil
	}
	latest := list[len(list)-1]
	return &latest, nil
}

// ListSamplesBetween lists a pair's samples within [from, to).
func (m *MemoryStore) ListSamplesBetween(_ context.Context, exchange, symbol string, from, to time.Time) ([]RateSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]RateSample, 0)
	for _, s := range m.samples[pairKey{exchange, symbol}] {
		if !s.ObservedAt.Before(from) && s.ObservedAt.Before(to) {
			out = append(out, s)
		}
	}
	return out, nil
}

// ListRecentSamples lists the most recent samples across all pairs.
func (m *MemoryStore) ListRecentSamples(_ context.Context, limit int) ([]RateSample, error) {
	m.mu.RLock()
	all := make([]RateSample, 0)
	for _, list := range m.samples {
		all = append(all, list...)
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].ObservedAt.Equal(all[j].ObservedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].ObservedAt.After(all[j].ObservedAt)
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// ListEnabledAlerts lists every enabled rule, most recently updated first.
func (m *MemoryStore) ListEnabledAlerts(_ context.Context) ([]AlertRule, error) {
	return m.listAlerts(func(r AlertRule) bool { return r.Enabled }), nil
}

// ListAlertsByUser lists a user's rules, most recently updated first.
func (m *MemoryStore) ListAlertsByUser(_ context.Context, userID string) ([]AlertRule, error) {
	return m.listAlerts(func(r AlertRule) bool { return r.UserID == userID }), nil
}

func (m *MemoryStore) listAlerts(keep func(AlertRule) bool) []AlertRule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]AlertRule, 0)
	for _, r := range m.alerts {
		if keep(r) {
			r.OwnerEmail = m.users[r.UserID]
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// CreateAlert validates and inserts a new enabled rule.
func (m *MemoryStore) CreateAlert(_ context.Context, rule AlertRule) (AlertRule, error) {
	if err := rule.Validate(); err != nil {
		return AlertRule{}, err
	}
	now := m.now().UTC()
	rule.ID = uuid.NewString()
	rule.Enabled = true
	rule.CreatedAt = now
	rule.UpdatedAt = now
	rule.OwnerEmail = ""

	m.mu.Lock()
	m.alerts[rule.ID] = rule
	m.mu.Unlock()
	return rule, nil
}

// UpdateAlert applies a patch to a rule owned by userID.
func (m *MemoryStore) UpdateAlert(_ context.Context, userID, id string, patch AlertPatch) (AlertRule, error) {
	if err := patch.Validate(); err != nil {
		return AlertRule{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rule, ok := m.alerts[id]
	if !ok || rule.UserID != userID {
		return AlertRule{}, ErrNotFound
	}
	patch.Apply(&rule)
	rule.UpdatedAt = m.now().UTC()
	rule.Invalid = ""
	m.alerts[id] = rule
	return rule, nil
}

// UpdateAlertFired records a successful dispatch on a rule.
func (m *MemoryStore) UpdateAlertFired(_ context.Context, id string, firedAt time.Time, rate decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rule, ok := m.alerts[id]
	if !ok {
		return ErrNotFound
	}
	at := firedAt.UTC()
	r := rate
	rule.LastFiredAt = &at
	rule.LastFiredRate = &r
	rule.UpdatedAt = at
	m.alerts[id] = rule
	return nil
}

// DeleteAlert removes one rule owned by userID.
func (m *MemoryStore) DeleteAlert(_ context.Context, userID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rule, ok := m.alerts[id]
	if !ok || rule.UserID != userID {
		return ErrNotFound
	}
	delete(m.alerts, id)
	return nil
}

// DeleteAlerts removes the listed rules owned by userID and reports how many were deleted.
func (m *MemoryStore) DeleteAlerts(_ context.Context, userID string, ids []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, id := range ids {
		if rule, ok := m.alerts[id]; ok && rule.UserID == userID {
			delete(m.alerts, id)
			n++
		}
	}
	return n, nil
}

var _ Backend = (*MemoryStore)(nil)
