package forecast

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/fractal-lba/promoloop/internal/histdata"
	"github.com/fractal-lba/promoloop/internal/promo"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// historyStore seeds non-promoted history for the two Mondays and two
// Tuesdays before the forecast window starting 2024-10-07 (a Monday).
func historyStore() *histdata.MemoryStore {
	store := histdata.NewMemoryStore()
	store.AddRows(
		promo.SalesRow{Date: day(2024, 9, 23), Department: "tv", Channel: promo.ChannelOnline, SalesValue: 100, MarginValue: 30, Units: 10},
		promo.SalesRow{Date: day(2024, 9, 30), Department: "tv", Channel: promo.ChannelOnline, SalesValue: 200, MarginValue: 60, Units: 20},
		promo.SalesRow{Date: day(2024, 9, 24), Department: "audio", Channel: promo.ChannelOffline, SalesValue: 80, MarginValue: 24, Units: 8},
		promo.SalesRow{Date: day(2024, 10, 1), Department: "audio", Channel: promo.ChannelOffline, SalesValue: 120, MarginValue: 36, Units: 12},
	)
	return store
}

func TestCalculateBaseline_WeekdayAverage(t *testing.T) {
	engine := NewEngine(historyStore(), DefaultParams())
	dr := promo.DateRange{Start: day(2024, 10, 7), End: day(2024, 10, 8)} // Mon, Tue

	baseline, err := engine.CalculateBaseline(context.Background(), dr, nil)
	if err != nil {
		t.Fatalf("CalculateBaseline failed: %v", err)
	}

	monday := baseline.Daily["2024-10-07"]
	if math.Abs(monday.Sales-150) > 1e-9 {
		t.Errorf("Monday projection: got %.2f, want 150 (average of 100 and 200)", monday.Sales)
	}
	tuesday := baseline.Daily["2024-10-08"]
	if math.Abs(tuesday.Sales-100) > 1e-9 {
		t.Errorf("Tuesday projection: got %.2f, want 100 (average of 80 and 120)", tuesday.Sales)
	}
}

func TestCalculateBaseline_OverallAverageFallback(t *testing.T) {
	engine := NewEngine(historyStore(), DefaultParams())
	// Wednesday has no reference history; falls back to the overall daily
	// average: 500 total sales over 4 distinct days = 125.
	dr := promo.DateRange{Start: day(2024, 10, 9), End: day(2024, 10, 9)}

	baseline, err := engine.CalculateBaseline(context.Background(), dr, nil)
	if err != nil {
		t.Fatalf("CalculateBaseline failed: %v", err)
	}
	wednesday := baseline.Daily["2024-10-09"]
	if math.Abs(wednesday.Sales-125) > 1e-9 {
		t.Errorf("Fallback projection: got %.2f, want 125", wednesday.Sales)
	}
}

func TestCalculateBaseline_TotalsEqualDailySum(t *testing.T) {
	engine := NewEngine(historyStore(), DefaultParams())
	dr := promo.DateRange{Start: day(2024, 10, 7), End: day(2024, 10, 20)}

	baseline, err := engine.CalculateBaseline(context.Background(), dr, nil)
	if err != nil {
		t.Fatalf("CalculateBaseline failed: %v", err)
	}

	var sales, margin, units float64
	for _, proj := range baseline.Daily {
		sales += proj.Sales
		margin += proj.Margin
		units += proj.Units
	}
	if math.Abs(sales-baseline.TotalSales) > 1e-6 {
		t.Errorf("TotalSales %.4f != daily sum %.4f", baseline.TotalSales, sales)
	}
	if math.Abs(margin-baseline.TotalMargin) > 1e-6 {
		t.Errorf("TotalMargin %.4f != daily sum %.4f", baseline.TotalMargin, margin)
	}
	if math.Abs(units-baseline.TotalUnits) > 1e-6 {
		t.Errorf("TotalUnits %.4f != daily sum %.4f", baseline.TotalUnits, units)
	}
}

func TestCalculateBaseline_MixSumsToOne(t *testing.T) {
	engine := NewEngine(historyStore(), DefaultParams())
	dr := promo.DateRange{Start: day(2024, 10, 7), End: day(2024, 10, 13)}

	baseline, err := engine.CalculateBaseline(context.Background(), dr, nil)
	if err != nil {
		t.Fatalf("CalculateBaseline failed: %v", err)
	}

	total := 0.0
	for _, channels := range baseline.Mix {
		for _, share := range channels {
			total += share
		}
	}
	if math.Abs(total-1.0) > 1e-9 {
		t.Errorf("Mix shares sum to %.6f, want 1.0", total)
	}
	// tv/online carried 300 of 500 historical sales.
	if math.Abs(baseline.Mix["tv"][promo.ChannelOnline]-0.6) > 1e-9 {
		t.Errorf("tv/online mix: got %.3f, want 0.6", baseline.Mix["tv"][promo.ChannelOnline])
	}
}

func TestCalculateBaseline_NoHistory(t *testing.T) {
	engine := NewEngine(histdata.NewMemoryStore(), DefaultParams())
	dr := promo.DateRange{Start: day(2024, 10, 7), End: day(2024, 10, 13)}

	_, err := engine.CalculateBaseline(context.Background(), dr, nil)
	if err == nil {
		t.Fatal("Expected error with zero reference days")
	}
	var cfgErr *promo.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Errorf("Expected ConfigurationError, got %T", err)
	}
}

func TestCalculateBaseline_PromotedHistoryExcluded(t *testing.T) {
	store := historyStore()
	// A huge promoted Monday must not inflate the baseline.
	store.AddRows(promo.SalesRow{Date: day(2024, 9, 16), Department: "tv", Channel: promo.ChannelOnline, SalesValue: 10000, MarginValue: 1000, Units: 500, PromoFlag: true, DiscountPct: 30})

	engine := NewEngine(store, DefaultParams())
	dr := promo.DateRange{Start: day(2024, 10, 7), End: day(2024, 10, 7)}

	baseline, err := engine.CalculateBaseline(context.Background(), dr, nil)
	if err != nil {
		t.Fatalf("CalculateBaseline failed: %v", err)
	}
	if math.Abs(baseline.Daily["2024-10-07"].Sales-150) > 1e-9 {
		t.Errorf("Promoted rows leaked into the baseline: got %.2f, want 150", baseline.Daily["2024-10-07"].Sales)
	}
}

func TestCalculateBaseline_ContextFactors(t *testing.T) {
	engine := NewEngine(historyStore(), DefaultParams())
	dr := promo.DateRange{Start: day(2024, 10, 7), End: day(2024, 10, 7)}

	pctx := &promo.PromoContext{
		Geo:       "MSK",
		DateRange: dr,
		Seasonality: &promo.SeasonalityProfile{
			Geo:            "MSK",
			MonthlyFactors: map[time.Month]float64{time.October: 1.2},
		},
		Events: []promo.Event{{Name: "city day", Date: day(2024, 10, 7), Type: "local_event"}},
	}

	baseline, err := engine.CalculateBaseline(context.Background(), dr, pctx)
	if err != nil {
		t.Fatalf("CalculateBaseline failed: %v", err)
	}
	// 150 weekday average * 1.2 seasonality * 1.10 event boost.
	want := 150 * 1.2 * 1.10
	if math.Abs(baseline.Daily["2024-10-07"].Sales-want) > 1e-9 {
		t.Errorf("Context-adjusted projection: got %.2f, want %.2f", baseline.Daily["2024-10-07"].Sales, want)
	}
}

func TestCalculateBaseline_Deterministic(t *testing.T) {
	engine := NewEngine(historyStore(), DefaultParams())
	dr := promo.DateRange{Start: day(2024, 10, 7), End: day(2024, 10, 20)}
	ctx := context.Background()

	first, err := engine.CalculateBaseline(ctx, dr, nil)
	if err != nil {
		t.Fatalf("First run failed: %v", err)
	}
	second, err := engine.CalculateBaseline(ctx, dr, nil)
	if err != nil {
		t.Fatalf("Second run failed: %v", err)
	}
	if first.TotalSales != second.TotalSales || first.TotalMargin != second.TotalMargin {
		t.Error("Repeated runs over the same history should be identical")
	}
}

func TestCalculateGapVsTargets(t *testing.T) {
	engine := NewEngine(historyStore(), DefaultParams())
	baseline := &promo.BaselineForecast{
		Daily:       map[string]promo.DayProjection{"2024-10-07": {Sales: 900}},
		TotalSales:  900,
		TotalMargin: 270,
		TotalUnits:  90,
	}

	gap, err := engine.CalculateGapVsTargets(baseline, promo.Targets{SalesTarget: 1000, MarginTarget: 300})
	if err != nil {
		t.Fatalf("CalculateGapVsTargets failed: %v", err)
	}
	if math.Abs(gap.SalesGap-(-100)) > 1e-9 {
		t.Errorf("SalesGap: got %.2f, want -100", gap.SalesGap)
	}
	if math.Abs(gap.GapPct["sales"]-(-0.1)) > 1e-9 {
		t.Errorf("Sales gap pct: got %.4f, want -0.1", gap.GapPct["sales"])
	}
	// Zero targets never divide.
	if gap.GapPct["units"] != 0 {
		t.Errorf("Zero target should yield 0 pct, got %.4f", gap.GapPct["units"])
	}

	if _, err := engine.CalculateGapVsTargets(nil, promo.Targets{}); err == nil {
		t.Error("Expected error for nil baseline")
	}
}

func TestCalculateBaseline_CacheKeyedByContext(t *testing.T) {
	engine := NewEngine(historyStore(), DefaultParams())
	dr := promo.DateRange{Start: day(2024, 10, 7), End: day(2024, 10, 7)}
	ctx := context.Background()

	mskContext := func(octoberFactor float64) *promo.PromoContext {
		return &promo.PromoContext{
			Geo:       "MSK",
			DateRange: dr,
			Seasonality: &promo.SeasonalityProfile{
				Geo:            "MSK",
				MonthlyFactors: map[time.Month]float64{time.October: octoberFactor},
			},
		}
	}

	first, err := engine.CalculateBaseline(ctx, dr, mskContext(1.2))
	if err != nil {
		t.Fatalf("First run failed: %v", err)
	}
	if math.Abs(first.Daily["2024-10-07"].Sales-150*1.2) > 1e-9 {
		t.Fatalf("First projection: got %.2f, want %.2f", first.Daily["2024-10-07"].Sales, 150*1.2)
	}

	// Same range and geo with different context contents must not hit the
	// first call's cache entry.
	second, err := engine.CalculateBaseline(ctx, dr, mskContext(1.5))
	if err != nil {
		t.Fatalf("Second run failed: %v", err)
	}
	if math.Abs(second.Daily["2024-10-07"].Sales-150*1.5) > 1e-9 {
		t.Errorf("Stale cached projection: got %.2f, want %.2f", second.Daily["2024-10-07"].Sales, 150*1.5)
	}

	// Identical context still caches.
	third, err := engine.CalculateBaseline(ctx, dr, mskContext(1.5))
	if err != nil {
		t.Fatalf("Third run failed: %v", err)
	}
	if third.Daily["2024-10-07"].Sales != second.Daily["2024-10-07"].Sales {
		t.Error("Identical contexts should produce identical projections")
	}
}
