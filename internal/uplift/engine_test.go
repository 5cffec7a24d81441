package uplift

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/fractal-lba/promoloop/internal/promo"
)

func testModel() *promo.UpliftModel {
	return &promo.UpliftModel{
		Coefficients: map[string]map[promo.Channel][]promo.Band{
			"electronics": {
				promo.ChannelOnline: {
					{MinPct: 10, MaxPct: 19.99, Coef: 1.10, Samples: 5},
					{MinPct: 30, MaxPct: 39.99, Coef: 1.30, Samples: 5},
				},
			},
			FallbackDepartment: {
				promo.ChannelOnline: {
					{MinPct: 0, MaxPct: 49.99, Coef: 1.08, Samples: 10},
				},
			},
		},
		Version:     "v1",
		LastUpdated: time.Date(2024, 10, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestEstimate_Sources(t *testing.T) {
	engine := NewEngine(NewModelHolder(testModel()), DefaultParams())

	tests := []struct {
		name       string
		dept       string
		discount   float64
		wantFactor float64
		wantSource Source
		tolerance  float64
	}{
		{"in band", "electronics", 15, 1.10, SourceEstimated, 1e-12},
		{"clamped below", "electronics", 5, 1.10, SourceClamped, 1e-12},
		{"clamped above", "electronics", 45, 1.30, SourceClamped, 1e-12},
		{"interpolated midway", "electronics", 25, 1.20, SourceInterpolated, 0.002},
		{"generic fallback department", "furniture", 20, 1.08, SourceEstimated, 1e-12},
	}
	for _, tt := range tests {
		est := engine.Estimate(tt.dept, promo.ChannelOnline, tt.discount, nil)
		if est.Source != tt.wantSource {
			t.Errorf("%s: source got %s, want %s", tt.name, est.Source, tt.wantSource)
		}
		if math.Abs(est.Factor-tt.wantFactor) > tt.tolerance {
			t.Errorf("%s: factor got %.4f, want %.4f", tt.name, est.Factor, tt.wantFactor)
		}
	}
}

func TestEstimate_InterpolationIsMonotonic(t *testing.T) {
	engine := NewEngine(NewModelHolder(testModel()), DefaultParams())

	prev := engine.Estimate("electronics", promo.ChannelOnline, 20, nil).Factor
	for d := 21.0; d < 30; d++ {
		cur := engine.Estimate("electronics", promo.ChannelOnline, d, nil).Factor
		if cur < prev {
			t.Fatalf("Interpolation not monotonic at discount %.0f: %.4f < %.4f", d, cur, prev)
		}
		prev = cur
	}
}

func TestEstimate_FallbackDefault(t *testing.T) {
	// Model without a generic department: unknown buckets use the flat
	// default factor and are tagged as such.
	model := testModel()
	delete(model.Coefficients, FallbackDepartment)
	engine := NewEngine(NewModelHolder(model), DefaultParams())

	est := engine.Estimate("furniture", promo.ChannelOnline, 20, nil)
	if est.Source != SourceFallbackDefault {
		t.Errorf("Source: got %s, want %s", est.Source, SourceFallbackDefault)
	}
	if est.Factor != DefaultParams().DefaultFactor {
		t.Errorf("Factor: got %.3f, want the default %.3f", est.Factor, DefaultParams().DefaultFactor)
	}

	// Known department but uncalibrated channel behaves the same way.
	est = engine.Estimate("electronics", promo.ChannelOffline, 20, nil)
	if est.Source != SourceFallbackDefault {
		t.Errorf("Uncalibrated channel: got %s, want %s", est.Source, SourceFallbackDefault)
	}
}

func TestEstimate_NoModelLoaded(t *testing.T) {
	engine := NewEngine(NewModelHolder(nil), DefaultParams())
	est := engine.Estimate("electronics", promo.ChannelOnline, 15, nil)
	if est.Source != SourceFallbackDefault || est.Factor != 1.05 {
		t.Errorf("Empty holder should give the default: got %.3f (%s)", est.Factor, est.Source)
	}
}

func TestEstimate_ExplicitModelOverridesHolder(t *testing.T) {
	engine := NewEngine(NewModelHolder(nil), DefaultParams())
	est := engine.Estimate("electronics", promo.ChannelOnline, 15, testModel())
	if est.Source != SourceEstimated || est.Factor != 1.10 {
		t.Errorf("Explicit model should be used: got %.3f (%s)", est.Factor, est.Source)
	}
}

func TestModelHolder_Swap(t *testing.T) {
	holder := NewModelHolder(nil)
	if holder.Current() != nil || holder.Version() != "" {
		t.Error("Empty holder should report nil model and empty version")
	}

	if _, err := holder.Swap(nil); err == nil {
		t.Error("Swapping in a nil model should fail")
	}
	if _, err := holder.Swap(&promo.UpliftModel{}); err == nil {
		t.Error("Swapping in an unversioned model should fail")
	}

	first := testModel()
	prev, err := holder.Swap(first)
	if err != nil {
		t.Fatalf("Swap failed: %v", err)
	}
	if prev != nil {
		t.Error("First swap should return nil previous model")
	}
	if holder.Version() != "v1" {
		t.Errorf("Version: got %s, want v1", holder.Version())
	}

	second := testModel()
	second.Version = "v2"
	prev, _ = holder.Swap(second)
	if prev != first {
		t.Error("Swap should return the displaced model")
	}
	if holder.Current() != second {
		t.Error("Holder should now serve the new model")
	}
}

func TestBuildModel(t *testing.T) {
	engine := NewEngine(NewModelHolder(nil), DefaultParams())

	rows := []promo.SalesRow{}
	base := time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC)
	// Four non-promoted reference days at 100.
	for i := 0; i < 4; i++ {
		rows = append(rows, promo.SalesRow{Date: base.AddDate(0, 0, i), Department: "toys", Channel: promo.ChannelOnline, SalesValue: 100})
	}
	// Three promoted days at 15% discount averaging 150: coefficient 1.5.
	for i := 0; i < 3; i++ {
		rows = append(rows, promo.SalesRow{Date: base.AddDate(0, 0, 10+i), Department: "toys", Channel: promo.ChannelOnline, SalesValue: 150, PromoFlag: true, DiscountPct: 15})
	}
	// Only two observations at 25%: below MinSamples, discarded.
	for i := 0; i < 2; i++ {
		rows = append(rows, promo.SalesRow{Date: base.AddDate(0, 0, 20+i), Department: "toys", Channel: promo.ChannelOnline, SalesValue: 180, PromoFlag: true, DiscountPct: 25})
	}

	model, err := engine.BuildModel(rows, nil)
	if err != nil {
		t.Fatalf("BuildModel failed: %v", err)
	}
	bands, ok := model.Lookup("toys", promo.ChannelOnline)
	if !ok {
		t.Fatal("Expected fitted bands for toys/online")
	}
	if len(bands) != 1 {
		t.Fatalf("Expected 1 band (the sparse one discarded), got %d", len(bands))
	}
	band := bands[0]
	if band.MinPct != 10 || math.Abs(band.MaxPct-19.99) > 1e-9 {
		t.Errorf("Band bounds: got [%.2f, %.2f]", band.MinPct, band.MaxPct)
	}
	if math.Abs(band.Coef-1.5) > 1e-9 {
		t.Errorf("Coefficient: got %.4f, want 1.5", band.Coef)
	}
	if band.Samples != 3 {
		t.Errorf("Samples: got %d, want 3", band.Samples)
	}
	if model.Version == "" || model.LastUpdated.IsZero() {
		t.Error("Fitted model should carry a version and LastUpdated")
	}
}

func TestBuildModel_InsufficientData(t *testing.T) {
	engine := NewEngine(NewModelHolder(nil), DefaultParams())

	_, err := engine.BuildModel(nil, nil)
	var dataErr *promo.InsufficientDataError
	if !errors.As(err, &dataErr) {
		t.Errorf("Empty rows: expected InsufficientDataError, got %v", err)
	}

	// Promo rows without any non-promoted reference days fit nothing.
	rows := []promo.SalesRow{
		{Date: time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC), Department: "toys", Channel: promo.ChannelOnline, SalesValue: 150, PromoFlag: true, DiscountPct: 15},
	}
	_, err = engine.BuildModel(rows, nil)
	if !errors.As(err, &dataErr) {
		t.Errorf("No baseline rows: expected InsufficientDataError, got %v", err)
	}
}

func TestBuildModel_RestrictedDepartmentsSkipped(t *testing.T) {
	engine := NewEngine(NewModelHolder(nil), DefaultParams())

	rows := []promo.SalesRow{}
	base := time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		rows = append(rows,
			promo.SalesRow{Date: base.AddDate(0, 0, i), Department: "toys", Channel: promo.ChannelOnline, SalesValue: 100},
			promo.SalesRow{Date: base.AddDate(0, 0, i), Department: "alcohol", Channel: promo.ChannelOnline, SalesValue: 100},
		)
	}
	for i := 0; i < 3; i++ {
		rows = append(rows,
			promo.SalesRow{Date: base.AddDate(0, 0, 10+i), Department: "toys", Channel: promo.ChannelOnline, SalesValue: 150, PromoFlag: true, DiscountPct: 15},
			promo.SalesRow{Date: base.AddDate(0, 0, 10+i), Department: "alcohol", Channel: promo.ChannelOnline, SalesValue: 150, PromoFlag: true, DiscountPct: 15},
		)
	}

	model, err := engine.BuildModel(rows, &promo.Constraints{RestrictedDepartments: []string{"alcohol"}})
	if err != nil {
		t.Fatalf("BuildModel failed: %v", err)
	}
	if _, ok := model.Lookup("alcohol", promo.ChannelOnline); ok {
		t.Error("Restricted department should not be fitted")
	}
	if _, ok := model.Lookup("toys", promo.ChannelOnline); !ok {
		t.Error("Unrestricted department should be fitted")
	}
}
