// Package histdata provides the historical data access boundary: aggregated
// sales rows, contextual facts, and business targets for a geography. The
// analytics engines consume the SalesStore interface and never reach the
// backing storage directly.
package histdata

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/fractal-lba/promoloop/internal/promo"
)

// Filters narrows an aggregated sales query.
type Filters struct {
	Departments  []string
	Channels     []promo.Channel
	PromoOnly    bool
	NonPromoOnly bool
}

func (f Filters) matches(row promo.SalesRow) bool {
	if f.PromoOnly && !row.PromoFlag {
		return false
	}
	if f.NonPromoOnly && row.PromoFlag {
		return false
	}
	if len(f.Departments) > 0 && !containsString(f.Departments, row.Department) {
		return false
	}
	if len(f.Channels) > 0 && !containsChannel(f.Channels, row.Channel) {
		return false
	}
	return true
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsChannel(list []promo.Channel, c promo.Channel) bool {
	for _, v := range list {
		if v == c {
			return true
		}
	}
	return false
}

// SalesStore supplies historical sales rows and contextual facts.
type SalesStore interface {
	// GetAggregatedSales returns day-grain rows inside the range matching
	// the filters, ordered by date then department then channel.
	GetAggregatedSales(ctx context.Context, dr promo.DateRange, filters Filters) ([]promo.SalesRow, error)
	// GetEvents returns events for a geography inside the range.
	GetEvents(ctx context.Context, geo string, dr promo.DateRange) ([]promo.Event, error)
	// GetSeasonality returns the seasonality profile for a geography, or
	// nil when none is configured.
	GetSeasonality(ctx context.Context, geo string) (*promo.SeasonalityProfile, error)
	// GetWeekendPatterns returns day-of-week demand factors for a geography.
	GetWeekendPatterns(ctx context.Context, geo string) (map[time.Weekday]float64, error)
	// GetTargets returns the business targets for a month ("2024-10"), or
	// nil when none are configured.
	GetTargets(ctx context.Context, month string) (*promo.Targets, error)
}

// MemoryStore is an in-memory SalesStore for tests and development.
type MemoryStore struct {
	mu          sync.RWMutex
	rows        []promo.SalesRow
	events      map[string][]promo.Event
	seasonality map[string]*promo.SeasonalityProfile
	weekend     map[string]map[time.Weekday]float64
	targets     map[string]*promo.Targets
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:      make(map[string][]promo.Event),
		seasonality: make(map[string]*promo.SeasonalityProfile),
		weekend:     make(map[string]map[time.Weekday]float64),
		targets:     make(map[string]*promo.Targets),
	}
}

// AddRows appends sales rows to the store.
func (m *MemoryStore) AddRows(rows ...promo.SalesRow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, rows...)
}

// SetEvents replaces the events for a geography.
func (m *MemoryStore) SetEvents(geo string, events []promo.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[geo] = events
}

// SetSeasonality replaces the seasonality profile for a geography.
func (m *MemoryStore) SetSeasonality(geo string, profile *promo.SeasonalityProfile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seasonality[geo] = profile
}

// SetWeekendPatterns replaces day-of-week factors for a geography.
func (m *MemoryStore) SetWeekendPatterns(geo string, patterns map[time.Weekday]float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.weekend[geo] = patterns
}

// SetTargets replaces the targets for a month.
func (m *MemoryStore) SetTargets(month string, targets *promo.Targets) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets[month] = targets
}

// LoadRowsFromFile loads sales rows from a JSON array file.
func (m *MemoryStore) LoadRowsFromFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var rows []promo.SalesRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return 0, err
	}
	m.AddRows(rows...)
	return len(rows), nil
}

func (m *MemoryStore) GetAggregatedSales(ctx context.Context, dr promo.DateRange, filters Filters) ([]promo.SalesRow, error) {
	if err := dr.Validate(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []promo.SalesRow{}
	for _, row := range m.rows {
		if !dr.Contains(row.Date) {
			continue
		}
		if !filters.matches(row) {
			continue
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		if out[i].Department != out[j].Department {
			return out[i].Department < out[j].Department
		}
		return out[i].Channel < out[j].Channel
	})
	return out, nil
}

func (m *MemoryStore) GetEvents(ctx context.Context, geo string, dr promo.DateRange) ([]promo.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []promo.Event{}
	for _, e := range m.events[geo] {
		if dr.Contains(e.Date) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryStore) GetSeasonality(ctx context.Context, geo string) (*promo.SeasonalityProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.seasonality[geo], nil
}

func (m *MemoryStore) GetWeekendPatterns(ctx context.Context, geo string) (map[time.Weekday]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.weekend[geo], nil
}

func (m *MemoryStore) GetTargets(ctx context.Context, month string) (*promo.Targets, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.targets[month], nil
}
