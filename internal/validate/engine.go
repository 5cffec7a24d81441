// Package validate checks scenarios and their KPI snapshots against
// configured business rules, returning a PASS/WARN/BLOCK verdict with
// itemized issues.
package validate

import (
	"fmt"
	"sort"

	"github.com/fractal-lba/promoloop/internal/evaluate"
	"github.com/fractal-lba/promoloop/internal/promo"
)

// Rules are the configured business rules. Each rule that fails produces
// exactly one issue; rules are independent of each other.
type Rules struct {
	MinMarginRate          float64            `json:"min_margin_rate"` // effective margin floor, fraction of sales
	MaxDiscount            float64            `json:"max_discount"`    // global discount cap, percent
	DepartmentDiscountCaps map[string]float64 `json:"department_discount_caps,omitempty"`
	BudgetLimit            float64            `json:"budget_limit,omitempty"` // promo spend ceiling, 0 = unlimited
	RestrictedDepartments  []string           `json:"restricted_departments,omitempty"`
	MaxCampaignDays        int                `json:"max_campaign_days,omitempty"`
}

// DefaultRules returns the standard rule set.
func DefaultRules() Rules {
	return Rules{
		MinMarginRate:   0.10,
		MaxDiscount:     50,
		MaxCampaignDays: 31,
	}
}

// FromConstraints derives rules from optimization constraints, keeping the
// defaults for anything the constraints leave unset.
func FromConstraints(cons *promo.Constraints) Rules {
	rules := DefaultRules()
	if cons == nil {
		return rules
	}
	if cons.MaxDiscount > 0 {
		rules.MaxDiscount = cons.MaxDiscount
	}
	if cons.MinMarginPct > 0 {
		rules.MinMarginRate = cons.MinMarginPct
	}
	if cons.BudgetLimit > 0 {
		rules.BudgetLimit = cons.BudgetLimit
	}
	if len(cons.DepartmentDiscountCaps) > 0 {
		rules.DepartmentDiscountCaps = cons.DepartmentDiscountCaps
	}
	rules.RestrictedDepartments = cons.RestrictedDepartments
	return rules
}

// Engine validates scenarios. The evaluation dependency is explicit: when no
// KPI is supplied, the engine obtains one through the evaluation engine
// contract rather than a global lookup.
type Engine struct {
	rules Rules
	eval  *evaluate.Engine
}

// NewEngine creates a validation engine with the given rules.
func NewEngine(rules Rules, evalEngine *evaluate.Engine) *Engine {
	return &Engine{rules: rules, eval: evalEngine}
}

// ValidateScenario checks the scenario and its KPI against the rule set.
// kpi may be nil; the engine then evaluates the scenario against the given
// baseline and model first.
func (e *Engine) ValidateScenario(sc *promo.Scenario, kpi *promo.ScenarioKPI, baseline *promo.BaselineForecast, model *promo.UpliftModel) (*promo.ValidationReport, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	if kpi == nil {
		if e.eval == nil {
			return nil, &promo.ConfigurationError{Field: "kpi", Reason: "no KPI supplied and no evaluation engine configured"}
		}
		var err error
		kpi, err = e.eval.EvaluateScenario(sc, baseline, model)
		if err != nil {
			return nil, fmt.Errorf("evaluation for validation failed: %w", err)
		}
	}

	issues := []promo.ValidationIssue{}
	issues = appendIssue(issues, e.checkDepartmentDiscountCaps(sc))
	issues = appendIssue(issues, e.checkGlobalDiscountCap(sc))
	issues = appendIssue(issues, e.checkMarginFloor(kpi))
	issues = appendIssue(issues, e.checkBudget(kpi))
	issues = appendIssue(issues, e.checkRestrictedDepartments(sc))
	issues = appendIssue(issues, e.checkCampaignLength(sc))
	issues = appendIssue(issues, e.checkConfidence(kpi))

	report := &promo.ValidationReport{
		ScenarioID:   sc.ID,
		Status:       promo.DeriveStatus(issues),
		Issues:       issues,
		OverallScore: score(issues),
	}
	return report, nil
}

func appendIssue(issues []promo.ValidationIssue, issue *promo.ValidationIssue) []promo.ValidationIssue {
	if issue == nil {
		return issues
	}
	return append(issues, *issue)
}

// score maps issues onto [0,1]: blockers cost 0.4, warnings 0.15.
func score(issues []promo.ValidationIssue) float64 {
	s := 1.0
	for _, issue := range issues {
		if issue.Severity == promo.SeverityBlocking {
			s -= 0.4
		} else {
			s -= 0.15
		}
	}
	if s < 0 {
		return 0
	}
	return s
}

func (e *Engine) checkDepartmentDiscountCaps(sc *promo.Scenario) *promo.ValidationIssue {
	for _, m := range sc.Mechanics {
		capPct, ok := e.rules.DepartmentDiscountCaps[m.Department]
		if !ok {
			continue
		}
		if m.DiscountPct > capPct {
			return &promo.ValidationIssue{
				Type:               "department_discount_cap",
				Severity:           promo.SeverityBlocking,
				Message:            fmt.Sprintf("discount %.1f%% for %s exceeds department cap %.1f%%", m.DiscountPct, m.Department, capPct),
				SuggestedFix:       fmt.Sprintf("reduce %s discount to at most %.1f%%", m.Department, capPct),
				AffectedDepartment: m.Department,
			}
		}
	}
	return nil
}

func (e *Engine) checkGlobalDiscountCap(sc *promo.Scenario) *promo.ValidationIssue {
	if e.rules.MaxDiscount <= 0 {
		return nil
	}
	for _, m := range sc.Mechanics {
		if m.DiscountPct > e.rules.MaxDiscount {
			return &promo.ValidationIssue{
				Type:               "max_discount",
				Severity:           promo.SeverityBlocking,
				Message:            fmt.Sprintf("discount %.1f%% exceeds maximum allowed %.1f%%", m.DiscountPct, e.rules.MaxDiscount),
				SuggestedFix:       fmt.Sprintf("reduce discount to at most %.1f%%", e.rules.MaxDiscount),
				AffectedDepartment: m.Department,
			}
		}
	}
	return nil
}

func (e *Engine) checkMarginFloor(kpi *promo.ScenarioKPI) *promo.ValidationIssue {
	if kpi.TotalSales <= 0 {
		return nil
	}
	rate := kpi.TotalMargin / kpi.TotalSales
	if rate < e.rules.MinMarginRate {
		return &promo.ValidationIssue{
			Type:         "margin_floor",
			Severity:     promo.SeverityBlocking,
			Message:      fmt.Sprintf("effective margin rate %.1f%% below floor %.1f%%", rate*100, e.rules.MinMarginRate*100),
			SuggestedFix: "reduce discount depth or narrow the promoted assortment",
		}
	}
	return nil
}

func (e *Engine) checkBudget(kpi *promo.ScenarioKPI) *promo.ValidationIssue {
	if e.rules.BudgetLimit <= 0 {
		return nil
	}
	if kpi.TotalPromoCost > e.rules.BudgetLimit {
		return &promo.ValidationIssue{
			Type:         "budget_ceiling",
			Severity:     promo.SeverityBlocking,
			Message:      fmt.Sprintf("promotional spend %.0f exceeds budget %.0f", kpi.TotalPromoCost, e.rules.BudgetLimit),
			SuggestedFix: "shorten the campaign or reduce promoted volume",
		}
	}
	return nil
}

func (e *Engine) checkRestrictedDepartments(sc *promo.Scenario) *promo.ValidationIssue {
	restricted := make(map[string]bool, len(e.rules.RestrictedDepartments))
	for _, dept := range e.rules.RestrictedDepartments {
		restricted[dept] = true
	}
	hits := []string{}
	for _, dept := range sc.Departments() {
		if restricted[dept] {
			hits = append(hits, dept)
		}
	}
	if len(hits) == 0 {
		return nil
	}
	sort.Strings(hits)
	return &promo.ValidationIssue{
		Type:               "restricted_department",
		Severity:           promo.SeverityWarning,
		Message:            fmt.Sprintf("departments under promotion restriction: %v", hits),
		SuggestedFix:       "drop the restricted departments from the scenario",
		AffectedDepartment: hits[0],
	}
}

func (e *Engine) checkCampaignLength(sc *promo.Scenario) *promo.ValidationIssue {
	if e.rules.MaxCampaignDays <= 0 {
		return nil
	}
	if days := sc.DateRange.Days(); days > e.rules.MaxCampaignDays {
		return &promo.ValidationIssue{
			Type:         "campaign_length",
			Severity:     promo.SeverityWarning,
			Message:      fmt.Sprintf("campaign runs %d days, above the advised maximum %d", days, e.rules.MaxCampaignDays),
			SuggestedFix: "split the campaign into shorter waves",
		}
	}
	return nil
}

func (e *Engine) checkConfidence(kpi *promo.ScenarioKPI) *promo.ValidationIssue {
	if !kpi.LowConfidence {
		return nil
	}
	return &promo.ValidationIssue{
		Type:     "low_confidence_kpi",
		Severity: promo.SeverityWarning,
		Message:  fmt.Sprintf("uplift fell back to default coefficients for %v", kpi.FallbackBuckets),
		SuggestedFix: "recalibrate the uplift model with history for the affected buckets",
	}
}
