package evaluate

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/fractal-lba/promoloop/internal/promo"
	"github.com/fractal-lba/promoloop/internal/uplift"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// testBaseline projects 10 flat days of 100 sales / 30 margin / 10 units,
// with a 40% tv-online, 20% tv-offline, 30% audio-online, 10% audio-offline
// historical mix.
func testBaseline() *promo.BaselineForecast {
	dr := promo.DateRange{Start: day(2024, 10, 1), End: day(2024, 10, 10)}
	baseline := &promo.BaselineForecast{
		DateRange: dr,
		Daily:     make(map[string]promo.DayProjection),
		Mix: map[string]map[promo.Channel]float64{
			"tv":    {promo.ChannelOnline: 0.4, promo.ChannelOffline: 0.2},
			"audio": {promo.ChannelOnline: 0.3, promo.ChannelOffline: 0.1},
		},
	}
	for _, d := range dr.Dates() {
		baseline.Daily[d.Format(promo.DateLayout)] = promo.DayProjection{Sales: 100, Margin: 30, Units: 10}
		baseline.TotalSales += 100
		baseline.TotalMargin += 30
		baseline.TotalUnits += 10
	}
	return baseline
}

func testModel() *promo.UpliftModel {
	return &promo.UpliftModel{
		Coefficients: map[string]map[promo.Channel][]promo.Band{
			"tv": {promo.ChannelOnline: {{MinPct: 15, MaxPct: 24.99, Coef: 1.18, Samples: 6}}},
		},
		Version:     "v1",
		LastUpdated: day(2024, 10, 1),
	}
}

func newTestEngine() *Engine {
	return NewEngine(DefaultParams(), uplift.NewEngine(uplift.NewModelHolder(nil), uplift.DefaultParams()))
}

func TestEvaluateScenario_SingleMechanic(t *testing.T) {
	engine := newTestEngine()
	baseline := testBaseline()
	sc := promo.NewScenario("s1", "tv online 20", baseline.DateRange, []string{"tv"}, []promo.Channel{promo.ChannelOnline}, 20)

	kpi, err := engine.EvaluateScenario(&sc, baseline, testModel())
	if err != nil {
		t.Fatalf("EvaluateScenario failed: %v", err)
	}

	// Promoted bucket: 1000 * 0.4 share * 1.18 uplift = 472 sales.
	// Margin at 30% base rate eroded by 20 points: 472 * 0.10 = 47.2.
	// Unpromoted remainder keeps its 600 sales at full margin.
	if math.Abs(kpi.TotalSales-1072) > 1e-9 {
		t.Errorf("TotalSales: got %.4f, want 1072", kpi.TotalSales)
	}
	if math.Abs(kpi.TotalMargin-227.2) > 1e-9 {
		t.Errorf("TotalMargin: got %.4f, want 227.2", kpi.TotalMargin)
	}
	if math.Abs(kpi.TotalPromoCost-14.16) > 1e-9 {
		t.Errorf("TotalPromoCost: got %.4f, want 14.16", kpi.TotalPromoCost)
	}
	if math.Abs(kpi.VsBaseline.SalesDelta-72) > 1e-9 {
		t.Errorf("SalesDelta: got %.4f, want 72", kpi.VsBaseline.SalesDelta)
	}
	if kpi.VsBaseline.MarginDelta >= 0 {
		t.Errorf("Deep discount should erode margin, got delta %.4f", kpi.VsBaseline.MarginDelta)
	}
	if kpi.LowConfidence {
		t.Error("Calibrated bucket should not be low confidence")
	}
	if kpi.ModelVersion != "v1" {
		t.Errorf("ModelVersion: got %s, want v1", kpi.ModelVersion)
	}

	tvSet := kpi.ByDepartment["tv"]
	if math.Abs(tvSet.Sales-472) > 1e-9 {
		t.Errorf("tv department sales: got %.4f, want 472", tvSet.Sales)
	}
	other := kpi.ByDepartment[promo.OtherBucket]
	if math.Abs(other.Sales-600) > 1e-9 {
		t.Errorf("OTHER bucket sales: got %.4f, want 600", other.Sales)
	}
}

func TestEvaluateScenario_BreakdownsSumToTotals(t *testing.T) {
	engine := newTestEngine()
	baseline := testBaseline()
	sc := promo.NewScenario("s1", "", baseline.DateRange, []string{"tv", "audio"}, []promo.Channel{promo.ChannelOnline, promo.ChannelOffline}, 20)

	kpi, err := engine.EvaluateScenario(&sc, baseline, testModel())
	if err != nil {
		t.Fatalf("EvaluateScenario failed: %v", err)
	}

	sum := func(add func(promo.MetricSet) float64) (dept, ch, seg float64) {
		for _, s := range kpi.ByDepartment {
			dept += add(s)
		}
		for _, s := range kpi.ByChannel {
			ch += add(s)
		}
		for _, s := range kpi.BySegment {
			seg += add(s)
		}
		return
	}

	deptSales, chSales, segSales := sum(func(s promo.MetricSet) float64 { return s.Sales })
	if math.Abs(deptSales-kpi.TotalSales) > 1e-6 {
		t.Errorf("Department sales sum %.4f != total %.4f", deptSales, kpi.TotalSales)
	}
	if math.Abs(chSales-kpi.TotalSales) > 1e-6 {
		t.Errorf("Channel sales sum %.4f != total %.4f", chSales, kpi.TotalSales)
	}
	if math.Abs(segSales-kpi.TotalSales) > 1e-6 {
		t.Errorf("Segment sales sum %.4f != total %.4f", segSales, kpi.TotalSales)
	}

	deptMargin, chMargin, _ := sum(func(s promo.MetricSet) float64 { return s.Margin })
	if math.Abs(deptMargin-kpi.TotalMargin) > 1e-6 || math.Abs(chMargin-kpi.TotalMargin) > 1e-6 {
		t.Errorf("Margin breakdowns do not sum to total %.4f (dept %.4f, channel %.4f)", kpi.TotalMargin, deptMargin, chMargin)
	}
}

func TestEvaluateScenario_FallbackFlagsLowConfidence(t *testing.T) {
	engine := newTestEngine()
	baseline := testBaseline()
	// audio has no calibrated coefficients in the model.
	sc := promo.NewScenario("s1", "", baseline.DateRange, []string{"audio"}, []promo.Channel{promo.ChannelOnline}, 20)

	kpi, err := engine.EvaluateScenario(&sc, baseline, testModel())
	if err != nil {
		t.Fatalf("EvaluateScenario failed: %v", err)
	}
	if !kpi.LowConfidence {
		t.Error("Fallback estimate should flag the KPI as low confidence")
	}
	if len(kpi.FallbackBuckets) != 1 || kpi.FallbackBuckets[0] != "audio/online" {
		t.Errorf("FallbackBuckets: got %v", kpi.FallbackBuckets)
	}
}

func TestEvaluateScenario_DuplicateMechanic(t *testing.T) {
	engine := newTestEngine()
	baseline := testBaseline()
	sc := promo.Scenario{
		ID:        "s1",
		DateRange: baseline.DateRange,
		Mechanics: []promo.PromoMechanic{
			{Department: "tv", Channel: promo.ChannelOnline, DiscountPct: 20},
			{Department: "tv", Channel: promo.ChannelOnline, DiscountPct: 30},
		},
	}

	_, err := engine.EvaluateScenario(&sc, baseline, testModel())
	var cfgErr *promo.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Errorf("Expected ConfigurationError for duplicate mechanic, got %v", err)
	}
}

func TestEvaluateScenario_NoOverlap(t *testing.T) {
	engine := newTestEngine()
	baseline := testBaseline()
	dr := promo.DateRange{Start: day(2024, 12, 1), End: day(2024, 12, 7)}
	sc := promo.NewScenario("s1", "", dr, []string{"tv"}, []promo.Channel{promo.ChannelOnline}, 20)

	_, err := engine.EvaluateScenario(&sc, baseline, testModel())
	var cfgErr *promo.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Errorf("Expected ConfigurationError for disjoint ranges, got %v", err)
	}
}

func TestEvaluateScenario_PartialOverlapScalesToWindow(t *testing.T) {
	engine := newTestEngine()
	baseline := testBaseline()
	// Five of the scenario days fall inside the baseline window.
	dr := promo.DateRange{Start: day(2024, 10, 6), End: day(2024, 10, 15)}
	sc := promo.NewScenario("s1", "", dr, []string{"tv"}, []promo.Channel{promo.ChannelOnline}, 20)

	kpi, err := engine.EvaluateScenario(&sc, baseline, testModel())
	if err != nil {
		t.Fatalf("EvaluateScenario failed: %v", err)
	}
	// Overlap baseline sales 500: 500*0.4*1.18 + 500*0.6 = 536.
	if math.Abs(kpi.TotalSales-536) > 1e-9 {
		t.Errorf("TotalSales over partial overlap: got %.4f, want 536", kpi.TotalSales)
	}
}

func TestEvaluateScenario_BitReproducible(t *testing.T) {
	engine := newTestEngine()
	baseline := testBaseline()
	sc := promo.NewScenario("s1", "", baseline.DateRange, []string{"tv", "audio"}, []promo.Channel{promo.ChannelOnline, promo.ChannelOffline}, 20)

	first, err := engine.EvaluateScenario(&sc, baseline, testModel())
	if err != nil {
		t.Fatalf("First evaluation failed: %v", err)
	}
	second, err := engine.EvaluateScenario(&sc, baseline, testModel())
	if err != nil {
		t.Fatalf("Second evaluation failed: %v", err)
	}

	if first.TotalSales != second.TotalSales || first.TotalMargin != second.TotalMargin ||
		first.TotalEBIT != second.TotalEBIT || first.TotalUnits != second.TotalUnits {
		t.Error("Re-evaluation must be bit-identical for the same inputs")
	}
	for ch, set := range first.ByChannel {
		if second.ByChannel[ch] != set {
			t.Errorf("Channel %s breakdown differs between runs", ch)
		}
	}
}

func TestLinearErosion(t *testing.T) {
	tests := []struct {
		rate, discount, want float64
	}{
		{0.30, 0, 0.30},
		{0.30, 20, 0.10},
		{0.30, 30, 0.0},
		{0.30, 50, 0.0}, // floored, never negative
	}
	for _, tt := range tests {
		if got := LinearErosion(tt.rate, tt.discount); math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("LinearErosion(%.2f, %.0f): got %.4f, want %.4f", tt.rate, tt.discount, got, tt.want)
		}
	}
}

// flatModel calibrates one wide band with the same coefficient for both
// departments' online channel.
func flatModel(version string, coef float64) *promo.UpliftModel {
	band := []promo.Band{{MinPct: 0, MaxPct: 50, Coef: coef, Samples: 6}}
	return &promo.UpliftModel{
		Coefficients: map[string]map[promo.Channel][]promo.Band{
			"tv":    {promo.ChannelOnline: band},
			"audio": {promo.ChannelOnline: band},
		},
		Version:     version,
		LastUpdated: day(2024, 10, 1),
	}
}

func TestEvaluateScenario_PinsModelAcrossMechanics(t *testing.T) {
	holder := uplift.NewModelHolder(flatModel("v1", 1.1))
	engine := NewEngine(DefaultParams(), uplift.NewEngine(holder, uplift.DefaultParams()))
	baseline := testBaseline()
	sc := promo.NewScenario("s1", "both depts", baseline.DateRange, []string{"tv", "audio"}, []promo.Channel{promo.ChannelOnline}, 20)

	// Promoted buckets cover 0.7 of the 1000 baseline sales. Under v1 both
	// use 1.1, under v2 both use 2.0; a read spanning a swap would mix them.
	wantByVersion := map[string]float64{
		"v1": 1000*0.4*1.1 + 1000*0.3*1.1 + 300,
		"v2": 1000*0.4*2.0 + 1000*0.3*2.0 + 300,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		models := []*promo.UpliftModel{flatModel("v2", 2.0), flatModel("v1", 1.1)}
		for i := 0; i < 500; i++ {
			holder.Swap(models[i%2])
		}
	}()

	for i := 0; i < 200; i++ {
		kpi, err := engine.EvaluateScenario(&sc, baseline, nil)
		if err != nil {
			t.Fatalf("EvaluateScenario failed: %v", err)
		}
		want, ok := wantByVersion[kpi.ModelVersion]
		if !ok {
			t.Fatalf("Unexpected model version %q", kpi.ModelVersion)
		}
		if math.Abs(kpi.TotalSales-want) > 1e-9 {
			t.Fatalf("Evaluation under %s mixed coefficients: got sales %.4f, want %.4f",
				kpi.ModelVersion, kpi.TotalSales, want)
		}
	}
	<-done
}
