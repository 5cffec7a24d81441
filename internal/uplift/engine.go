// Package uplift holds and estimates discount-response coefficients keyed by
// (department, channel, discount band). The model holder is the only shared
// mutable state in the analytics core; models themselves are immutable
// versioned values.
package uplift

import (
	"fmt"
	"sync"

	"github.com/fractal-lba/promoloop/internal/promo"
)

// Source tags how an uplift estimate was obtained so callers can discount
// low-confidence results instead of guessing.
type Source string

const (
	// SourceEstimated: discount fell inside a calibrated band.
	SourceEstimated Source = "estimated"
	// SourceInterpolated: discount fell between two calibrated bands.
	SourceInterpolated Source = "interpolated"
	// SourceClamped: discount fell outside the calibrated range and was
	// clamped to the nearest band; no extrapolation past observed data.
	SourceClamped Source = "clamped"
	// SourceFallbackDefault: no coefficients exist for the department and
	// channel; a documented default factor was substituted.
	SourceFallbackDefault Source = "fallback_default"
)

// Estimate is a tagged uplift factor for one mechanic bucket.
type Estimate struct {
	Department  string        `json:"department"`
	Channel     promo.Channel `json:"channel"`
	DiscountPct float64       `json:"discount_pct"`
	Factor      float64       `json:"factor"`
	Source      Source        `json:"source"`
}

// FallbackDepartment is consulted before the flat default factor when a
// department has no calibrated coefficients.
const FallbackDepartment = "generic"

// Params holds estimation and fitting parameters.
type Params struct {
	DefaultFactor float64 `json:"default_factor"` // used when no coefficient exists
	BandWidthPct  float64 `json:"band_width_pct"` // discount band width for fitting
	MinSamples    int     `json:"min_samples"`    // observations required per band
}

// DefaultParams returns the standard uplift parameters.
func DefaultParams() Params {
	return Params{
		DefaultFactor: 1.05,
		BandWidthPct:  10,
		MinSamples:    3,
	}
}

// Engine estimates uplift factors against the current or an explicitly
// supplied model version.
type Engine struct {
	holder *ModelHolder
	params Params
}

// NewEngine creates an uplift engine bound to a model holder.
func NewEngine(holder *ModelHolder, params Params) *Engine {
	return &Engine{holder: holder, params: params}
}

// Holder returns the engine's model holder.
func (e *Engine) Holder() *ModelHolder {
	return e.holder
}

// Estimate returns the multiplicative uplift factor for a discount level.
// Discounts between calibrated bands are linearly interpolated; discounts
// outside the calibrated range are clamped to the nearest band. model may be
// nil to use the holder's current model.
func (e *Engine) Estimate(department string, channel promo.Channel, discountPct float64, model *promo.UpliftModel) Estimate {
	est := Estimate{
		Department:  department,
		Channel:     channel,
		DiscountPct: discountPct,
		Factor:      e.params.DefaultFactor,
		Source:      SourceFallbackDefault,
	}

	if model == nil {
		model = e.holder.Current()
	}
	if model == nil {
		return est
	}

	bands, ok := model.Lookup(department, channel)
	if !ok {
		bands, ok = model.Lookup(FallbackDepartment, channel)
	}
	if !ok {
		return est
	}

	est.Factor, est.Source = factorFromBands(bands, discountPct)
	return est
}

// factorFromBands resolves a discount level against sorted calibrated bands.
func factorFromBands(bands []promo.Band, discountPct float64) (float64, Source) {
	first, last := bands[0], bands[len(bands)-1]
	if discountPct < first.MinPct {
		return first.Coef, SourceClamped
	}
	if discountPct > last.MaxPct {
		return last.Coef, SourceClamped
	}
	for i, b := range bands {
		if discountPct >= b.MinPct && discountPct <= b.MaxPct {
			return b.Coef, SourceEstimated
		}
		// Gap between this band and the next: interpolate linearly.
		if i+1 < len(bands) && discountPct > b.MaxPct && discountPct < bands[i+1].MinPct {
			next := bands[i+1]
			span := next.MinPct - b.MaxPct
			frac := (discountPct - b.MaxPct) / span
			return b.Coef + frac*(next.Coef-b.Coef), SourceInterpolated
		}
	}
	// Unreachable for sorted non-overlapping bands; clamp defensively.
	return last.Coef, SourceClamped
}

// ModelHolder is the narrow stateful component holding the current model
// reference behind an atomic swap. Readers observe either the fully-old or
// fully-new model, never a partially updated coefficient map.
type ModelHolder struct {
	mu      sync.RWMutex
	current *promo.UpliftModel
}

// NewModelHolder creates a holder, optionally seeded with an initial model.
func NewModelHolder(initial *promo.UpliftModel) *ModelHolder {
	return &ModelHolder{current: initial}
}

// Current returns the current model, or nil when none has been loaded.
func (h *ModelHolder) Current() *promo.UpliftModel {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Swap installs a new current model and returns the previous one.
func (h *ModelHolder) Swap(m *promo.UpliftModel) (*promo.UpliftModel, error) {
	if m == nil {
		return nil, &promo.ConfigurationError{Field: "model", Reason: "cannot install nil model"}
	}
	if m.Version == "" {
		return nil, &promo.ConfigurationError{Field: "model.version", Reason: "model has no version"}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.current
	h.current = m
	return prev, nil
}

// Version returns the current model version, or "" when none is loaded.
func (h *ModelHolder) Version() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.current == nil {
		return ""
	}
	return h.current.Version
}

func bucketKey(dept string, ch promo.Channel) string {
	return fmt.Sprintf("%s/%s", dept, ch)
}
