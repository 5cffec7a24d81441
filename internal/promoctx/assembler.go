// Package promoctx assembles the contextual signals (events, seasonality,
// weekend patterns, weather) consumed by forecasting and optimization.
package promoctx

import (
	"context"
	"fmt"

	"github.com/fractal-lba/promoloop/internal/histdata"
	"github.com/fractal-lba/promoloop/internal/promo"
)

// Assembler merges contextual facts for a geography and date range. Pure
// aggregation: no failure modes beyond propagating store errors.
type Assembler struct {
	store histdata.SalesStore
}

// NewAssembler creates a context assembler over a sales store.
func NewAssembler(store histdata.SalesStore) *Assembler {
	return &Assembler{store: store}
}

// BuildContext assembles the promotional context for a geography and range.
func (a *Assembler) BuildContext(ctx context.Context, geo string, dr promo.DateRange) (*promo.PromoContext, error) {
	if geo == "" {
		return nil, &promo.ConfigurationError{Field: "geo", Reason: "missing geography code"}
	}
	if err := dr.Validate(); err != nil {
		return nil, err
	}

	events, err := a.store.GetEvents(ctx, geo, dr)
	if err != nil {
		return nil, fmt.Errorf("failed to load events for %s: %w", geo, err)
	}

	seasonality, err := a.store.GetSeasonality(ctx, geo)
	if err != nil {
		return nil, fmt.Errorf("failed to load seasonality for %s: %w", geo, err)
	}

	weekend, err := a.store.GetWeekendPatterns(ctx, geo)
	if err != nil {
		return nil, fmt.Errorf("failed to load weekend patterns for %s: %w", geo, err)
	}

	return &promo.PromoContext{
		Geo:             geo,
		DateRange:       dr,
		Events:          events,
		Seasonality:     seasonality,
		WeekendPatterns: weekend,
	}, nil
}
