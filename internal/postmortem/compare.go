package postmortem

import (
	"fmt"

	"github.com/fractal-lba/promoloop/internal/promo"
)

// Compare tabulates several evaluated scenarios side by side and recommends
// the strongest on sales and margin deltas.
func Compare(kpis []*promo.ScenarioKPI) (*promo.ComparisonReport, error) {
	if len(kpis) == 0 {
		return nil, &promo.ConfigurationError{Field: "kpis", Reason: "nothing to compare"}
	}
	for i, kpi := range kpis {
		if kpi == nil {
			return nil, &promo.ConfigurationError{Field: "kpis", Reason: fmt.Sprintf("entry %d is null", i)}
		}
	}

	report := &promo.ComparisonReport{
		Table: map[string][]float64{
			"total_sales":  make([]float64, len(kpis)),
			"total_margin": make([]float64, len(kpis)),
			"total_ebit":   make([]float64, len(kpis)),
			"total_units":  make([]float64, len(kpis)),
			"sales_delta":  make([]float64, len(kpis)),
			"margin_delta": make([]float64, len(kpis)),
		},
	}

	bestSales, bestMargin := 0, 0
	for i, kpi := range kpis {
		report.ScenarioIDs = append(report.ScenarioIDs, kpi.ScenarioID)
		report.Table["total_sales"][i] = kpi.TotalSales
		report.Table["total_margin"][i] = kpi.TotalMargin
		report.Table["total_ebit"][i] = kpi.TotalEBIT
		report.Table["total_units"][i] = kpi.TotalUnits
		report.Table["sales_delta"][i] = kpi.VsBaseline.SalesDelta
		report.Table["margin_delta"][i] = kpi.VsBaseline.MarginDelta

		if kpi.VsBaseline.SalesDelta > kpis[bestSales].VsBaseline.SalesDelta {
			bestSales = i
		}
		if kpi.VsBaseline.MarginDelta > kpis[bestMargin].VsBaseline.MarginDelta {
			bestMargin = i
		}
	}

	report.Recommendations = append(report.Recommendations,
		fmt.Sprintf("%s drives the highest incremental sales (%.0f)", kpis[bestSales].ScenarioID, kpis[bestSales].VsBaseline.SalesDelta))
	if bestMargin != bestSales {
		report.Recommendations = append(report.Recommendations,
			fmt.Sprintf("%s protects margin best (%.0f delta)", kpis[bestMargin].ScenarioID, kpis[bestMargin].VsBaseline.MarginDelta))
	}
	return report, nil
}
