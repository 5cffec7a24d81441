// Package postmortem compares forecast KPI snapshots against observed
// actuals for completed scenarios and derives error metrics, post-promo dip
// and cannibalization signals.
package postmortem

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/fractal-lba/promoloop/internal/promo"
)

// Params hold the threshold rules driving insight generation.
type Params struct {
	ErrorThresholdPct  float64 `json:"error_threshold_pct"`  // forecast error worth calling out, percent
	DipThresholdPct    float64 `json:"dip_threshold_pct"`    // post-promo decline worth calling out, percent
	CannibShiftPct     float64 `json:"cannib_shift_pct"`     // department share shift worth flagging, percent points
	ComparisonWindowDays int   `json:"comparison_window_days"` // pre/post window length
	PromoCostRate      float64 `json:"promo_cost_rate"`      // implied promo cost on actual sales
}

// DefaultParams returns the standard post-mortem thresholds.
func DefaultParams() Params {
	return Params{
		ErrorThresholdPct:    10,
		DipThresholdPct:      5,
		CannibShiftPct:       5,
		ComparisonWindowDays: 14,
		PromoCostRate:        0.03,
	}
}

// Engine analyzes completed campaigns. Stateless.
type Engine struct {
	params Params
}

// NewEngine creates a post-mortem engine.
func NewEngine(params Params) *Engine {
	return &Engine{params: params}
}

// AnalyzePerformance compares the forecast KPI snapshot against actual sales
// rows covering the campaign window plus the surrounding comparison windows.
// Forecast errors are reported in percent units, negative = over-forecast.
func (e *Engine) AnalyzePerformance(sc *promo.Scenario, forecastKPI *promo.ScenarioKPI, actuals []promo.SalesRow) (*promo.PostMortemReport, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	if forecastKPI == nil {
		return nil, &promo.ConfigurationError{Field: "forecast_kpi", Reason: "missing forecast KPI snapshot"}
	}
	if len(actuals) == 0 {
		return nil, &promo.InsufficientDataError{Bucket: "actual_data", Got: 0, Need: 1}
	}

	var inWindow, pre, post []promo.SalesRow
	preStart := sc.DateRange.Start.AddDate(0, 0, -e.params.ComparisonWindowDays)
	postEnd := sc.DateRange.End.AddDate(0, 0, e.params.ComparisonWindowDays)
	for _, row := range actuals {
		switch {
		case sc.DateRange.Contains(row.Date):
			inWindow = append(inWindow, row)
		case !row.Date.Before(preStart) && row.Date.Before(sc.DateRange.Start):
			pre = append(pre, row)
		case row.Date.After(sc.DateRange.End) && !row.Date.After(postEnd):
			post = append(post, row)
		}
	}
	if len(inWindow) == 0 {
		return nil, &promo.InsufficientDataError{Bucket: "actual_data/campaign_window", Got: 0, Need: 1}
	}

	actualKPI := e.actualKPI(sc, forecastKPI, inWindow)

	report := &promo.PostMortemReport{
		ScenarioID:  sc.ID,
		ForecastKPI: forecastKPI,
		ActualKPI:   actualKPI,
		VsForecast: map[string]float64{
			"total_sales_pct_error":  pctError(actualKPI.TotalSales, forecastKPI.TotalSales),
			"total_margin_pct_error": pctError(actualKPI.TotalMargin, forecastKPI.TotalMargin),
			"total_ebit_pct_error":   pctError(actualKPI.TotalEBIT, forecastKPI.TotalEBIT),
			"total_units_pct_error":  pctError(actualKPI.TotalUnits, forecastKPI.TotalUnits),
		},
		DepartmentSalesPctErr:  e.departmentErrors(forecastKPI, actualKPI),
		PostPromoDip:           e.postPromoDip(pre, post),
		CannibalizationSignals: e.cannibalization(forecastKPI, actualKPI),
		GeneratedAt:            time.Now().UTC(),
	}
	report.Insights, report.LearningPoints = e.deriveInsights(report)
	return report, nil
}

func (e *Engine) actualKPI(sc *promo.Scenario, forecastKPI *promo.ScenarioKPI, rows []promo.SalesRow) *promo.ScenarioKPI {
	kpi := &promo.ScenarioKPI{
		ScenarioID:   sc.ID,
		ModelVersion: forecastKPI.ModelVersion,
		ByChannel:    make(map[promo.Channel]promo.MetricSet),
		ByDepartment: make(map[string]promo.MetricSet),
		BySegment:    make(map[string]promo.MetricSet),
	}
	for _, row := range rows {
		cost := 0.0
		if row.PromoFlag {
			cost = row.SalesValue * e.params.PromoCostRate
		}
		set := promo.MetricSet{
			Sales:  row.SalesValue,
			Margin: row.MarginValue,
			EBIT:   row.MarginValue - cost,
			Units:  row.Units,
		}
		dept := kpi.ByDepartment[row.Department]
		dept.Sales += set.Sales
		dept.Margin += set.Margin
		dept.EBIT += set.EBIT
		dept.Units += set.Units
		kpi.ByDepartment[row.Department] = dept

		ch := kpi.ByChannel[row.Channel]
		ch.Sales += set.Sales
		ch.Margin += set.Margin
		ch.EBIT += set.EBIT
		ch.Units += set.Units
		kpi.ByChannel[row.Channel] = ch

		kpi.TotalSales += set.Sales
		kpi.TotalMargin += set.Margin
		kpi.TotalEBIT += set.EBIT
		kpi.TotalUnits += set.Units
		kpi.TotalPromoCost += cost
	}
	return kpi
}

func (e *Engine) departmentErrors(forecast, actual *promo.ScenarioKPI) map[string]float64 {
	errs := map[string]float64{}
	for dept, f := range forecast.ByDepartment {
		if dept == promo.OtherBucket || f.Sales == 0 {
			continue
		}
		errs[dept] = pctError(actual.ByDepartment[dept].Sales, f.Sales)
	}
	return errs
}

func (e *Engine) postPromoDip(pre, post []promo.SalesRow) *promo.DipAnalysis {
	preAvg := avgDailySales(pre)
	postAvg := avgDailySales(post)
	if preAvg == 0 || len(post) == 0 {
		return nil
	}
	return &promo.DipAnalysis{
		PreAvgDailySales:  preAvg,
		PostAvgDailySales: postAvg,
		DipPct:            (postAvg - preAvg) / preAvg * 100,
	}
}

func avgDailySales(rows []promo.SalesRow) float64 {
	if len(rows) == 0 {
		return 0
	}
	days := map[string]bool{}
	total := 0.0
	for _, row := range rows {
		total += row.SalesValue
		days[row.Date.Format(promo.DateLayout)] = true
	}
	return total / float64(len(days))
}

// cannibalization compares the department share of total sales between
// forecast and actuals; a share shift beyond the threshold suggests demand
// moved between departments inconsistently with the uplift assumptions.
func (e *Engine) cannibalization(forecast, actual *promo.ScenarioKPI) []promo.CannibalizationSignal {
	if forecast.TotalSales == 0 || actual.TotalSales == 0 {
		return nil
	}
	depts := make([]string, 0, len(forecast.ByDepartment))
	for dept := range forecast.ByDepartment {
		if dept != promo.OtherBucket {
			depts = append(depts, dept)
		}
	}
	sort.Strings(depts)

	signals := []promo.CannibalizationSignal{}
	for _, dept := range depts {
		fShare := forecast.ByDepartment[dept].Sales / forecast.TotalSales
		aShare := actual.ByDepartment[dept].Sales / actual.TotalSales
		shift := (aShare - fShare) * 100
		if math.Abs(shift) >= e.params.CannibShiftPct {
			signals = append(signals, promo.CannibalizationSignal{
				Department:    dept,
				ForecastShare: fShare,
				ActualShare:   aShare,
				ShiftPct:      shift,
			})
		}
	}
	return signals
}

func (e *Engine) deriveInsights(report *promo.PostMortemReport) (insights, learnings []string) {
	salesErr := report.VsForecast["total_sales_pct_error"]
	if math.Abs(salesErr) > e.params.ErrorThresholdPct {
		direction := "under-forecast"
		if salesErr < 0 {
			direction = "over-forecast"
		}
		insights = append(insights, fmt.Sprintf("sales %s by %.1f%% (threshold %.0f%%)", direction, math.Abs(salesErr), e.params.ErrorThresholdPct))
		learnings = append(learnings, fmt.Sprintf("adjust uplift coefficients: forecast missed actual sales by %.1f%%", salesErr))
	}

	depts := make([]string, 0, len(report.DepartmentSalesPctErr))
	for dept := range report.DepartmentSalesPctErr {
		depts = append(depts, dept)
	}
	sort.Strings(depts)
	for _, dept := range depts {
		if err := report.DepartmentSalesPctErr[dept]; math.Abs(err) > e.params.ErrorThresholdPct {
			insights = append(insights, fmt.Sprintf("error magnitude %.1f%% exceeds %.0f%% in department %s", math.Abs(err), e.params.ErrorThresholdPct, dept))
		}
	}

	if dip := report.PostPromoDip; dip != nil && dip.DipPct < -e.params.DipThresholdPct {
		insights = append(insights, fmt.Sprintf("post-promo dip: daily sales %.1f%% below the pre-campaign level", -dip.DipPct))
		learnings = append(learnings, "demand was partly pulled forward; account for the dip when planning consecutive campaigns")
	}
	for _, sig := range report.CannibalizationSignals {
		insights = append(insights, fmt.Sprintf("department %s share shifted %.1f points vs forecast (cannibalization signal)", sig.Department, sig.ShiftPct))
	}
	if len(insights) == 0 {
		insights = append(insights, "forecast within threshold on all tracked metrics")
	}
	return insights, learnings
}

func pctError(actual, forecast float64) float64 {
	if forecast == 0 {
		return 0
	}
	return (actual - forecast) / forecast * 100
}
