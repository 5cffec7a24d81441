// Package forecast projects unpromoted baseline demand from historical
// non-promoted periods and measures the gap versus business targets.
package forecast

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/fractal-lba/promoloop/internal/cache"
	"github.com/fractal-lba/promoloop/internal/histdata"
	"github.com/fractal-lba/promoloop/internal/promo"
)

// Params holds baseline projection parameters.
type Params struct {
	LookbackDays     int     `json:"lookback_days"`      // history window before the forecast start
	MinReferenceDays int     `json:"min_reference_days"` // distinct non-promoted days required
	EventBoost       float64 `json:"event_boost"`        // multiplicative factor on event days
	CacheSize        int     `json:"cache_size"`
	CacheTTL         time.Duration `json:"cache_ttl"`
}

// DefaultParams returns the standard projection parameters.
func DefaultParams() Params {
	return Params{
		LookbackDays:     90,
		MinReferenceDays: 1,
		EventBoost:       1.10,
		CacheSize:        128,
		CacheTTL:         15 * time.Minute,
	}
}

// Engine computes baseline forecasts. Deterministic for a fixed historical
// snapshot: repeated calls over the same inputs return identical projections.
type Engine struct {
	store  histdata.SalesStore
	params Params
	cache  *cache.LRUWithTTL[string, *promo.BaselineForecast]
}

// NewEngine creates a forecast engine over a sales store.
func NewEngine(store histdata.SalesStore, params Params) *Engine {
	c, _ := cache.NewLRUWithTTL[string, *promo.BaselineForecast](params.CacheSize, params.CacheTTL)
	return &Engine{store: store, params: params, cache: c}
}

// contextFingerprint keys the cache on the full context contents, not just
// its geo, so a caller-supplied context never hits a stale entry.
func contextFingerprint(pctx *promo.PromoContext) string {
	if pctx == nil {
		return ""
	}
	data, err := json.Marshal(pctx)
	if err != nil {
		return pctx.Geo
	}
	h := fnv.New64a()
	h.Write(data)
	return fmt.Sprintf("%s:%x", pctx.Geo, h.Sum64())
}

type weekdayStats struct {
	sales  float64
	margin float64
	units  float64
	days   map[string]bool
}

// CalculateBaseline projects day-level sales, margin and units for the range
// assuming no promotion. The optional context applies seasonality, weekend
// pattern and event adjustments.
func (e *Engine) CalculateBaseline(ctx context.Context, dr promo.DateRange, pctx *promo.PromoContext) (*promo.BaselineForecast, error) {
	if err := dr.Validate(); err != nil {
		return nil, err
	}

	cacheKey := fmt.Sprintf("%s|%s|%s", dr.Start.Format(promo.DateLayout), dr.End.Format(promo.DateLayout), contextFingerprint(pctx))
	if e.cache != nil {
		if cached, ok := e.cache.Get(cacheKey); ok {
			return cached, nil
		}
	}

	histRange := promo.DateRange{
		Start: dr.Start.AddDate(0, 0, -e.params.LookbackDays),
		End:   dr.Start.AddDate(0, 0, -1),
	}
	rows, err := e.store.GetAggregatedSales(ctx, histRange, histdata.Filters{NonPromoOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to load historical sales: %w", err)
	}

	byWeekday := make(map[time.Weekday]*weekdayStats)
	allDays := make(map[string]bool)
	var totalSales, totalMargin, totalUnits float64
	mixSales := make(map[string]map[promo.Channel]float64)

	for _, row := range rows {
		wd := row.Date.Weekday()
		stats, ok := byWeekday[wd]
		if !ok {
			stats = &weekdayStats{days: make(map[string]bool)}
			byWeekday[wd] = stats
		}
		stats.sales += row.SalesValue
		stats.margin += row.MarginValue
		stats.units += row.Units
		stats.days[row.Date.Format(promo.DateLayout)] = true
		allDays[row.Date.Format(promo.DateLayout)] = true

		totalSales += row.SalesValue
		totalMargin += row.MarginValue
		totalUnits += row.Units

		if mixSales[row.Department] == nil {
			mixSales[row.Department] = make(map[promo.Channel]float64)
		}
		mixSales[row.Department][row.Channel] += row.SalesValue
	}

	refDays := len(allDays)
	if refDays < e.params.MinReferenceDays || refDays == 0 {
		return nil, &promo.ConfigurationError{
			Field:  "date_range",
			Reason: fmt.Sprintf("%d historical reference days in %s..%s (need >=%d)", refDays, histRange.Start.Format(promo.DateLayout), histRange.End.Format(promo.DateLayout), e.params.MinReferenceDays),
		}
	}

	overallAvg := promo.DayProjection{
		Sales:  totalSales / float64(refDays),
		Margin: totalMargin / float64(refDays),
		Units:  totalUnits / float64(refDays),
	}

	mix := make(map[string]map[promo.Channel]float64, len(mixSales))
	if totalSales > 0 {
		for dept, channels := range mixSales {
			mix[dept] = make(map[promo.Channel]float64, len(channels))
			for ch, sales := range channels {
				mix[dept][ch] = sales / totalSales
			}
		}
	}

	forecast := &promo.BaselineForecast{
		DateRange: dr,
		Daily:     make(map[string]promo.DayProjection, dr.Days()),
		Mix:       mix,
	}

	for _, day := range dr.Dates() {
		proj, hadWeekday := e.projectDay(day, byWeekday, overallAvg)
		proj = e.applyContext(day, proj, hadWeekday, pctx)

		forecast.Daily[day.Format(promo.DateLayout)] = proj
		forecast.TotalSales += proj.Sales
		forecast.TotalMargin += proj.Margin
		forecast.TotalUnits += proj.Units
	}

	if e.cache != nil {
		e.cache.Set(cacheKey, forecast)
	}
	return forecast, nil
}

// projectDay returns the same-day-of-week average, falling back to the
// overall daily average when the weekday has no reference days.
func (e *Engine) projectDay(day time.Time, byWeekday map[time.Weekday]*weekdayStats, overall promo.DayProjection) (promo.DayProjection, bool) {
	stats, ok := byWeekday[day.Weekday()]
	if !ok || len(stats.days) == 0 {
		return overall, false
	}
	n := float64(len(stats.days))
	return promo.DayProjection{
		Sales:  stats.sales / n,
		Margin: stats.margin / n,
		Units:  stats.units / n,
	}, true
}

// applyContext applies seasonality, weekend pattern and event factors.
// Weekend patterns only shape days projected from the overall average;
// weekday-matched history already carries the day-of-week signal.
func (e *Engine) applyContext(day time.Time, proj promo.DayProjection, hadWeekday bool, pctx *promo.PromoContext) promo.DayProjection {
	if pctx == nil {
		return proj
	}
	factor := 1.0
	if pctx.Seasonality != nil {
		if f, ok := pctx.Seasonality.MonthlyFactors[day.Month()]; ok && f > 0 {
			factor *= f
		}
	}
	if !hadWeekday && pctx.WeekendPatterns != nil {
		if f, ok := pctx.WeekendPatterns[day.Weekday()]; ok && f > 0 {
			factor *= f
		}
	}
	if len(pctx.EventsOn(day)) > 0 && e.params.EventBoost > 0 {
		factor *= e.params.EventBoost
	}
	proj.Sales *= factor
	proj.Margin *= factor
	proj.Units *= factor
	return proj
}

// CalculateGapVsTargets measures baseline totals against targets.
// Gap = baseline - target; percentages guard against zero targets.
func (e *Engine) CalculateGapVsTargets(baseline *promo.BaselineForecast, targets promo.Targets) (*promo.GapAnalysis, error) {
	if baseline == nil || len(baseline.Daily) == 0 {
		return nil, &promo.ConfigurationError{Field: "baseline", Reason: "baseline has no projected days"}
	}

	gap := &promo.GapAnalysis{
		SalesGap:  baseline.TotalSales - targets.SalesTarget,
		MarginGap: baseline.TotalMargin - targets.MarginTarget,
		UnitsGap:  baseline.TotalUnits - targets.UnitsTarget,
	}
	gap.GapPct = map[string]float64{
		"sales":  pctOf(gap.SalesGap, targets.SalesTarget),
		"margin": pctOf(gap.MarginGap, targets.MarginTarget),
		"units":  pctOf(gap.UnitsGap, targets.UnitsTarget),
	}
	return gap, nil
}

func pctOf(gap, target float64) float64 {
	if target == 0 {
		return 0
	}
	return gap / target
}
