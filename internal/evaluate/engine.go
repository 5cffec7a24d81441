// Package evaluate applies an uplift model to a scenario's mechanics on top
// of a baseline forecast, producing full KPI breakdowns and deltas.
package evaluate

import (
	"fmt"
	"sort"

	"github.com/fractal-lba/promoloop/internal/promo"
	"github.com/fractal-lba/promoloop/internal/uplift"
)

// MarginErosionFunc maps a baseline margin rate and a discount level to the
// effective margin rate under promotion. Implementations must be monotonic
// non-increasing in discountPct and never return a negative rate.
type MarginErosionFunc func(marginRate, discountPct float64) float64

// LinearErosion shrinks the margin rate point-for-point with the discount,
// bounded at zero.
func LinearErosion(marginRate, discountPct float64) float64 {
	rate := marginRate - discountPct/100
	if rate < 0 {
		return 0
	}
	return rate
}

// Params holds evaluation parameters.
type Params struct {
	// BaseMarginRate is used when the baseline carries no margin signal.
	BaseMarginRate float64 `json:"base_margin_rate"`
	// PromoCostRate is the implied promotional cost as a share of promoted
	// sales; EBIT = margin - promo cost.
	PromoCostRate float64 `json:"promo_cost_rate"`
	// Erosion is the swappable margin erosion formula.
	Erosion MarginErosionFunc `json:"-"`
}

// DefaultParams returns the standard evaluation parameters.
func DefaultParams() Params {
	return Params{
		BaseMarginRate: 0.30,
		PromoCostRate:  0.03,
		Erosion:        LinearErosion,
	}
}

// Engine evaluates scenarios. Stateless: evaluating the same scenario against
// the same baseline and model version is bit-reproducible.
type Engine struct {
	params Params
	uplift *uplift.Engine
}

// NewEngine creates an evaluation engine over an uplift engine.
func NewEngine(params Params, upliftEngine *uplift.Engine) *Engine {
	if params.Erosion == nil {
		params.Erosion = LinearErosion
	}
	return &Engine{params: params, uplift: upliftEngine}
}

// CurrentModel returns the uplift holder's current model, letting callers pin
// one version across several evaluations.
func (e *Engine) CurrentModel() *promo.UpliftModel {
	return e.uplift.Holder().Current()
}

// EvaluateScenario produces the KPI snapshot for a scenario on top of a
// baseline. model may be nil to evaluate against the current model version.
// Mechanics referencing a department or channel absent from the model fall
// back to the default uplift factor; those buckets are flagged in the KPI so
// callers can discount low-confidence results.
func (e *Engine) EvaluateScenario(sc *promo.Scenario, baseline *promo.BaselineForecast, model *promo.UpliftModel) (*promo.ScenarioKPI, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	if baseline == nil || len(baseline.Daily) == 0 {
		return nil, &promo.ConfigurationError{Field: "baseline", Reason: "baseline has no projected days"}
	}

	overlap, ok := sc.DateRange.Overlap(baseline.DateRange)
	if !ok {
		return nil, &promo.ConfigurationError{
			Field:  "scenario.date_range",
			Reason: fmt.Sprintf("scenario %s..%s does not overlap baseline %s..%s", sc.DateRange.Start.Format(promo.DateLayout), sc.DateRange.End.Format(promo.DateLayout), baseline.DateRange.Start.Format(promo.DateLayout), baseline.DateRange.End.Format(promo.DateLayout)),
		}
	}

	// Baseline totals restricted to the overlapping dates.
	var oSales, oMargin, oUnits float64
	for _, day := range overlap.Dates() {
		proj := baseline.Daily[day.Format(promo.DateLayout)]
		oSales += proj.Sales
		oMargin += proj.Margin
		oUnits += proj.Units
	}

	baseMarginRate := e.params.BaseMarginRate
	if oSales > 0 && oMargin > 0 {
		baseMarginRate = oMargin / oSales
	}

	// Pin the model reference once so every mechanic in this evaluation
	// resolves against a single version even if the holder is swapped
	// concurrently.
	if model == nil {
		model = e.uplift.Holder().Current()
	}
	modelVersion := ""
	if model != nil {
		modelVersion = model.Version
	}

	kpi := &promo.ScenarioKPI{
		ScenarioID:   sc.ID,
		ModelVersion: modelVersion,
		ByChannel:    make(map[promo.Channel]promo.MetricSet),
		ByDepartment: make(map[string]promo.MetricSet),
		BySegment:    make(map[string]promo.MetricSet),
	}

	coveredByChannel := make(map[promo.Channel]float64)
	seen := make(map[string]bool)
	covered := 0.0

	for _, m := range sc.Mechanics {
		bucket := fmt.Sprintf("%s/%s", m.Department, m.Channel)
		if seen[bucket] {
			return nil, &promo.ConfigurationError{Field: "scenario.mechanics", Reason: fmt.Sprintf("duplicate mechanic for %s", bucket)}
		}
		seen[bucket] = true

		// Share of baseline volume attributable to this bucket. A missing
		// mix entry means the bucket had no historical baseline sales, so
		// there is nothing to uplift.
		share := 0.0
		if channels, ok := baseline.Mix[m.Department]; ok {
			share = channels[m.Channel]
		}
		covered += share
		coveredByChannel[m.Channel] += share

		est := e.uplift.Estimate(m.Department, m.Channel, m.DiscountPct, model)
		if est.Source == uplift.SourceFallbackDefault {
			kpi.LowConfidence = true
			kpi.FallbackBuckets = append(kpi.FallbackBuckets, bucket)
		}

		sales := oSales * share * est.Factor
		margin := sales * e.params.Erosion(baseMarginRate, m.DiscountPct)
		units := oUnits * share * est.Factor
		cost := sales * e.params.PromoCostRate
		ebit := margin - cost

		set := promo.MetricSet{Sales: sales, Margin: margin, EBIT: ebit, Units: units}
		addMetrics(kpi.ByDepartment, m.Department, set)
		addChannelMetrics(kpi.ByChannel, m.Channel, set)
		segments := m.SegmentsOrDefault()
		for _, seg := range segments {
			addMetrics(kpi.BySegment, seg, scaleMetrics(set, 1/float64(len(segments))))
		}

		kpi.TotalSales += sales
		kpi.TotalMargin += margin
		kpi.TotalEBIT += ebit
		kpi.TotalUnits += units
		kpi.TotalPromoCost += cost
	}

	// Unpromoted remainder of the baseline keeps its projected volume so
	// that KPI totals describe the whole overlapping period.
	if rest := 1 - covered; rest > 1e-12 {
		restSet := promo.MetricSet{
			Sales:  oSales * rest,
			Margin: oMargin * rest,
			EBIT:   oMargin * rest,
			Units:  oUnits * rest,
		}
		addMetrics(kpi.ByDepartment, promo.OtherBucket, restSet)
		addMetrics(kpi.BySegment, "ALL", restSet)
		e.spreadRemainderByChannel(kpi, baseline, coveredByChannel, restSet, oSales)

		kpi.TotalSales += restSet.Sales
		kpi.TotalMargin += restSet.Margin
		kpi.TotalEBIT += restSet.EBIT
		kpi.TotalUnits += restSet.Units
	}

	kpi.VsBaseline = promo.BaselineComparison{
		SalesDelta:  kpi.TotalSales - oSales,
		MarginDelta: kpi.TotalMargin - oMargin,
		EBITDelta:   kpi.TotalEBIT - oMargin,
		UnitsDelta:  kpi.TotalUnits - oUnits,
		SalesPct:    pct(kpi.TotalSales-oSales, oSales),
		MarginPct:   pct(kpi.TotalMargin-oMargin, oMargin),
	}
	return kpi, nil
}

// spreadRemainderByChannel attributes the unpromoted remainder to channels
// using the baseline mix; volume with no channel signal lands in an OTHER
// channel row so breakdown sums still match totals.
func (e *Engine) spreadRemainderByChannel(kpi *promo.ScenarioKPI, baseline *promo.BaselineForecast, coveredByChannel map[promo.Channel]float64, rest promo.MetricSet, oSales float64) {
	// Fixed iteration order keeps float accumulation bit-reproducible.
	depts := make([]string, 0, len(baseline.Mix))
	for dept := range baseline.Mix {
		depts = append(depts, dept)
	}
	sort.Strings(depts)

	channelShare := make(map[promo.Channel]float64)
	channels := []promo.Channel{}
	for _, dept := range depts {
		chs := make([]promo.Channel, 0, len(baseline.Mix[dept]))
		for ch := range baseline.Mix[dept] {
			chs = append(chs, ch)
		}
		sort.Slice(chs, func(i, j int) bool { return chs[i] < chs[j] })
		for _, ch := range chs {
			if _, ok := channelShare[ch]; !ok {
				channels = append(channels, ch)
			}
			channelShare[ch] += baseline.Mix[dept][ch]
		}
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i] < channels[j] })

	restTotalShare := 0.0
	for _, ch := range channels {
		channelShare[ch] -= coveredByChannel[ch]
		restTotalShare += channelShare[ch]
	}
	if restTotalShare <= 1e-12 {
		addChannelMetrics(kpi.ByChannel, promo.Channel(promo.OtherBucket), rest)
		return
	}
	known := 0.0
	for _, ch := range channels {
		frac := channelShare[ch] / restTotalShare
		if frac <= 0 {
			continue
		}
		addChannelMetrics(kpi.ByChannel, ch, scaleMetrics(rest, frac))
		known += frac
	}
	if residual := 1 - known; residual > 1e-9 {
		addChannelMetrics(kpi.ByChannel, promo.Channel(promo.OtherBucket), scaleMetrics(rest, residual))
	}
}

func addMetrics(m map[string]promo.MetricSet, key string, s promo.MetricSet) {
	cur := m[key]
	cur.Sales += s.Sales
	cur.Margin += s.Margin
	cur.EBIT += s.EBIT
	cur.Units += s.Units
	m[key] = cur
}

func addChannelMetrics(m map[promo.Channel]promo.MetricSet, key promo.Channel, s promo.MetricSet) {
	cur := m[key]
	cur.Sales += s.Sales
	cur.Margin += s.Margin
	cur.EBIT += s.EBIT
	cur.Units += s.Units
	m[key] = cur
}

func scaleMetrics(s promo.MetricSet, f float64) promo.MetricSet {
	return promo.MetricSet{Sales: s.Sales * f, Margin: s.Margin * f, EBIT: s.EBIT * f, Units: s.Units * f}
}

func pct(delta, base float64) float64 {
	if base == 0 {
		return 0
	}
	return delta / base
}
