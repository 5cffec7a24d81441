// Package learning aggregates post-mortem forecast errors into bounded
// adjustment factors and produces new uplift model versions. Models are never
// mutated in place: the engine computes a proposed model, and committing it
// is the caller's atomic swap on the model holder.
package learning

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/fractal-lba/promoloop/internal/promo"
)

// Params bound the adjustment so a single noisy post-mortem cannot
// destabilize the model.
type Params struct {
	Damping         float64 `json:"damping"`          // fraction of the error applied per update
	AdjustmentFloor float64 `json:"adjustment_floor"` // lower clamp on any factor
	AdjustmentCap   float64 `json:"adjustment_cap"`   // upper clamp on any factor
}

// DefaultParams returns the standard learning bounds.
func DefaultParams() Params {
	return Params{
		Damping:         0.1,
		AdjustmentFloor: 0.8,
		AdjustmentCap:   1.2,
	}
}

// GlobalKey is the adjustment key applied when no department-specific factor
// exists.
const GlobalKey = "global"

// Engine computes model adjustments. Stateless.
type Engine struct {
	params Params
}

// NewEngine creates a learning engine.
func NewEngine(params Params) *Engine {
	return &Engine{params: params}
}

// CalculateModelAdjustments averages sales forecast errors (percent units,
// negative = over-forecast) across the post-mortems and derives correction
// factors: an over-forecast shrinks coefficients, an under-forecast grows
// them, damped and clamped to [floor, cap]. Keys are GlobalKey plus one per
// department with error data; department/channel narrow the keyed output.
//
// An empty post-mortem list returns the documented explicit no-op
// {GlobalKey: 1.0}; it is never an error here because a current model may
// still be served unadjusted.
func (e *Engine) CalculateModelAdjustments(postMortems []*promo.PostMortemReport, department string, channel promo.Channel) map[string]float64 {
	adjustments := map[string]float64{GlobalKey: 1.0}
	if len(postMortems) == 0 {
		return adjustments
	}

	globalErrs := []float64{}
	deptErrs := map[string][]float64{}
	for _, report := range postMortems {
		if report == nil {
			continue
		}
		if err, ok := report.VsForecast["total_sales_pct_error"]; ok {
			globalErrs = append(globalErrs, err)
		}
		for dept, err := range report.DepartmentSalesPctErr {
			if department != "" && dept != department {
				continue
			}
			deptErrs[dept] = append(deptErrs[dept], err)
		}
	}

	if len(globalErrs) > 0 {
		adjustments[GlobalKey] = e.factorFor(mean(globalErrs))
	}
	depts := make([]string, 0, len(deptErrs))
	for dept := range deptErrs {
		depts = append(depts, dept)
	}
	sort.Strings(depts)
	for _, dept := range depts {
		key := dept
		if channel != "" {
			key = fmt.Sprintf("%s:%s", dept, channel)
		}
		adjustments[key] = e.factorFor(mean(deptErrs[dept]))
	}
	return adjustments
}

// factorFor turns an average percent error into a clamped correction factor.
// A -20% error (over-forecast) with 0.1 damping computes to -1.0 raw and
// clamps to the floor.
func (e *Engine) factorFor(avgErrPct float64) float64 {
	factor := 1 + avgErrPct*e.params.Damping
	if factor < e.params.AdjustmentFloor {
		return e.params.AdjustmentFloor
	}
	if factor > e.params.AdjustmentCap {
		return e.params.AdjustmentCap
	}
	return factor
}

// UpdateUpliftModel applies the adjustment factors to every coefficient of
// the current model and returns a new version. Each adjusted coefficient is
// clamped within [floor*coef, cap*coef] of its prior value. The version
// string advances with a "-learned" suffix. LastUpdated is carried from the
// input model unchanged; only fitting from fresh history refreshes it.
func (e *Engine) UpdateUpliftModel(current *promo.UpliftModel, postMortems []*promo.PostMortemReport) (*promo.UpliftModel, error) {
	if current == nil {
		return nil, &promo.ConfigurationError{Field: "current_model", Reason: "no current model to adjust"}
	}
	if len(postMortems) == 0 {
		return nil, &promo.InsufficientDataError{Bucket: "post_mortems", Got: 0, Need: 1}
	}

	adjustments := e.CalculateModelAdjustments(postMortems, "", "")

	coefficients := make(map[string]map[promo.Channel][]promo.Band, len(current.Coefficients))
	for dept, channels := range current.Coefficients {
		coefficients[dept] = make(map[promo.Channel][]promo.Band, len(channels))
		factor, ok := adjustments[dept]
		if !ok {
			factor = adjustments[GlobalKey]
		}
		for ch, bands := range channels {
			adjusted := make([]promo.Band, len(bands))
			for i, band := range bands {
				band.Coef = clampCoef(band.Coef*factor, band.Coef, e.params.AdjustmentFloor, e.params.AdjustmentCap)
				adjusted[i] = band
			}
			coefficients[dept][ch] = adjusted
		}
	}

	return &promo.UpliftModel{
		Coefficients: coefficients,
		Version:      nextVersion(current.Version),
		LastUpdated:  current.LastUpdated,
	}, nil
}

func clampCoef(adjusted, prior, floor, cap float64) float64 {
	lo, hi := floor*prior, cap*prior
	if adjusted < lo {
		return lo
	}
	if adjusted > hi {
		return hi
	}
	return adjusted
}

// nextVersion suffixes "-learned", counting repeated learning rounds:
// v1 -> v1-learned -> v1-learned-2 -> v1-learned-3.
func nextVersion(version string) string {
	if !strings.Contains(version, "-learned") {
		return version + "-learned"
	}
	idx := strings.LastIndex(version, "-")
	if n, err := strconv.Atoi(version[idx+1:]); err == nil && strings.HasSuffix(version[:idx], "-learned") {
		return fmt.Sprintf("%s-%d", version[:idx], n+1)
	}
	return version + "-2"
}

func mean(values []float64) float64 {
	total := 0.0
	for _, v := range values {
		total += v
	}
	return total / float64(len(values))
}
