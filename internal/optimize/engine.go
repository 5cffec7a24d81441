// Package optimize generates candidate scenarios from a brief and ranks them
// under weighted objectives, exposing a Pareto frontier over sales and margin.
package optimize

import (
	"fmt"
	"sort"
	"sync"

	"github.com/fractal-lba/promoloop/internal/evaluate"
	"github.com/fractal-lba/promoloop/internal/promo"
	"github.com/fractal-lba/promoloop/internal/validate"
)

// Params bound the candidate set and the evaluation fan-out.
type Params struct {
	MaxCandidates int     `json:"max_candidates"` // cap on generated candidates
	DiscountStep  float64 `json:"discount_step"`  // percent step between discount levels
	Workers       int     `json:"workers"`        // parallel evaluate+validate workers
}

// DefaultParams returns the standard optimization parameters.
func DefaultParams() Params {
	return Params{
		MaxCandidates: 60,
		DiscountStep:  5,
		Workers:       4,
	}
}

// Engine drives evaluation and validation over a generated candidate set.
// Candidate runs are independent and evaluated concurrently; the reduction is
// an order-independent aggregation followed by a deterministic tie-break, so
// parallelism never changes the final ranking.
type Engine struct {
	params Params
	eval   *evaluate.Engine
}

// NewEngine creates an optimization engine over an evaluation engine.
func NewEngine(params Params, evalEngine *evaluate.Engine) *Engine {
	if params.Workers <= 0 {
		params.Workers = 1
	}
	return &Engine{params: params, eval: evalEngine}
}

// CheckConstraints verifies a scenario against hard constraint bounds.
func CheckConstraints(sc *promo.Scenario, cons *promo.Constraints) promo.ConstraintCheck {
	check := promo.ConstraintCheck{AllPassed: true, Details: map[string]bool{}}
	if cons == nil {
		return check
	}

	fail := func(name, reason string) {
		check.AllPassed = false
		check.Details[name] = false
		check.FailedChecks = append(check.FailedChecks, reason)
	}
	pass := func(name string) {
		if _, seen := check.Details[name]; !seen {
			check.Details[name] = true
		}
	}

	restricted := map[string]bool{}
	for _, dept := range cons.RestrictedDepartments {
		restricted[dept] = true
	}
	for _, m := range sc.Mechanics {
		if cons.MaxDiscount > 0 && m.DiscountPct > cons.MaxDiscount {
			fail("max_discount", fmt.Sprintf("%s discount %.1f%% above max %.1f%%", m.Department, m.DiscountPct, cons.MaxDiscount))
		}
		if cons.MinDiscount > 0 && m.DiscountPct < cons.MinDiscount {
			fail("min_discount", fmt.Sprintf("%s discount %.1f%% below min %.1f%%", m.Department, m.DiscountPct, cons.MinDiscount))
		}
		if capPct, ok := cons.DepartmentDiscountCaps[m.Department]; ok && m.DiscountPct > capPct {
			fail("department_discount_cap", fmt.Sprintf("%s discount %.1f%% above cap %.1f%%", m.Department, m.DiscountPct, capPct))
		}
		if restricted[m.Department] {
			fail("restricted_department", fmt.Sprintf("%s is restricted", m.Department))
		}
	}
	pass("max_discount")
	pass("min_discount")
	pass("department_discount_cap")
	pass("restricted_department")
	return check
}

// GenerateCandidates produces a bounded, deterministic candidate set from a
// brief: single-department scenarios per channel and discount level, plus
// composite all-department scenarios per discount level. No candidate ever
// violates a hard constraint bound.
func (e *Engine) GenerateCandidates(brief promo.Brief, cons *promo.Constraints) ([]promo.Scenario, error) {
	if len(brief.FocusDepartments) == 0 {
		return nil, &promo.ConfigurationError{Field: "brief.focus_departments", Reason: "brief names no focus departments"}
	}
	if err := brief.DateRange.Validate(); err != nil {
		return nil, err
	}

	channels := brief.Channels
	if len(channels) == 0 {
		channels = []promo.Channel{promo.ChannelOnline, promo.ChannelOffline}
	}

	maxCandidates := e.params.MaxCandidates
	if cons != nil && cons.MaxCandidates > 0 {
		maxCandidates = cons.MaxCandidates
	}

	levels := e.discountLevels(cons)
	if len(levels) == 0 {
		return nil, &promo.ConfigurationError{Field: "constraints", Reason: "no discount level satisfies the min/max bounds"}
	}

	departments := []string{}
	restricted := map[string]bool{}
	if cons != nil {
		for _, dept := range cons.RestrictedDepartments {
			restricted[dept] = true
		}
	}
	for _, dept := range brief.FocusDepartments {
		if !restricted[dept] {
			departments = append(departments, dept)
		}
	}
	if len(departments) == 0 {
		return nil, &promo.ConfigurationError{Field: "brief.focus_departments", Reason: "every focus department is restricted"}
	}

	candidates := []promo.Scenario{}
	n := 0
	add := func(sc promo.Scenario) bool {
		if len(candidates) >= maxCandidates {
			return false
		}
		if check := CheckConstraints(&sc, cons); !check.AllPassed {
			return true // skip, keep generating
		}
		sc.Metadata = map[string]string{"brief": brief.Name}
		sc.Segments = brief.Segments
		candidates = append(candidates, sc)
		return true
	}

	for _, discount := range levels {
		for _, dept := range departments {
			for _, ch := range channels {
				n++
				sc := promo.NewScenario(
					fmt.Sprintf("cand-%03d-%s-%s-d%02.0f", n, dept, ch, discount),
					fmt.Sprintf("%s %s %.0f%% off", dept, ch, discount),
					brief.DateRange, []string{dept}, []promo.Channel{ch}, discount)
				if !add(sc) {
					return candidates, nil
				}
			}
		}
		if len(departments) > 1 {
			n++
			sc := promo.NewScenario(
				fmt.Sprintf("cand-%03d-multi-all-d%02.0f", n, discount),
				fmt.Sprintf("all focus departments %.0f%% off", discount),
				brief.DateRange, departments, channels, discount)
			if !add(sc) {
				return candidates, nil
			}
		}
	}
	return candidates, nil
}

func (e *Engine) discountLevels(cons *promo.Constraints) []float64 {
	step := e.params.DiscountStep
	if step <= 0 {
		step = 5
	}
	lo, hi := step, 50.0
	if cons != nil {
		if cons.MinDiscount > 0 {
			lo = cons.MinDiscount
		}
		if cons.MaxDiscount > 0 {
			hi = cons.MaxDiscount
		}
	}
	levels := []float64{}
	for d := lo; d <= hi+1e-9; d += step {
		levels = append(levels, d)
	}
	return levels
}

type candidateResult struct {
	kpi        *promo.ScenarioKPI
	validation *promo.ValidationReport
	err        error
}

// OptimizeScenarios evaluates and validates every candidate, discards blocked
// ones, scores survivors as a weighted sum of normalized objective deltas and
// returns them ranked with Pareto-frontier flags. Fails with
// NoFeasibleScenarioError when every candidate is blocked.
func (e *Engine) OptimizeScenarios(candidates []promo.Scenario, objectives promo.Objectives, cons *promo.Constraints, baseline *promo.BaselineForecast, model *promo.UpliftModel) (*promo.RankedScenarios, error) {
	if len(candidates) == 0 {
		return nil, &promo.ConfigurationError{Field: "candidates", Reason: "empty candidate set"}
	}
	weights := objectives.Normalize()
	validator := validate.NewEngine(validate.FromConstraints(cons), e.eval)

	// Pin the model once so all candidates score under the same version.
	if model == nil {
		model = e.eval.CurrentModel()
	}

	// Fan out evaluate+validate; results land by index so the reduction is
	// independent of completion order.
	results := make([]candidateResult, len(candidates))
	sem := make(chan struct{}, e.params.Workers)
	var wg sync.WaitGroup
	for i := range candidates {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			sc := candidates[i]
			kpi, err := e.eval.EvaluateScenario(&sc, baseline, model)
			if err != nil {
				results[i] = candidateResult{err: err}
				return
			}
			report, err := validator.ValidateScenario(&sc, kpi, baseline, model)
			results[i] = candidateResult{kpi: kpi, validation: report, err: err}
		}(i)
	}
	wg.Wait()

	survivors := []promo.RankedScenario{}
	for i, res := range results {
		if res.err != nil {
			return nil, fmt.Errorf("candidate %s failed: %w", candidates[i].ID, res.err)
		}
		if res.validation.Status == promo.ValidationBlock {
			continue
		}
		survivors = append(survivors, promo.RankedScenario{
			Scenario:   candidates[i],
			KPI:        res.kpi,
			Validation: res.validation,
		})
	}
	if len(survivors) == 0 {
		return nil, &promo.NoFeasibleScenarioError{Candidates: len(candidates)}
	}

	scoreSurvivors(survivors, weights)
	markPareto(survivors)

	sort.SliceStable(survivors, func(i, j int) bool {
		if survivors[i].Score != survivors[j].Score {
			return survivors[i].Score > survivors[j].Score
		}
		di, dj := survivors[i].Scenario.MaxDiscount(), survivors[j].Scenario.MaxDiscount()
		if di != dj {
			return di < dj
		}
		return survivors[i].Scenario.ID < survivors[j].Scenario.ID
	})

	rationale := map[string]string{}
	for i := range survivors {
		s := &survivors[i]
		rationale[s.Scenario.ID] = fmt.Sprintf("score %.3f: sales delta %.0f, margin delta %.0f, status %s",
			s.Score, s.KPI.VsBaseline.SalesDelta, s.KPI.VsBaseline.MarginDelta, s.Validation.Status)
	}

	return &promo.RankedScenarios{
		Scenarios:  survivors,
		Objectives: weights,
		Rationale:  rationale,
	}, nil
}

func objectiveValue(kpi *promo.ScenarioKPI, objective string) float64 {
	switch objective {
	case "margin":
		return kpi.VsBaseline.MarginDelta
	case "units":
		return kpi.VsBaseline.UnitsDelta
	case "ebit":
		return kpi.VsBaseline.EBITDelta
	default: // "sales"
		return kpi.VsBaseline.SalesDelta
	}
}

// scoreSurvivors computes weighted sums of min-max normalized objectives.
func scoreSurvivors(survivors []promo.RankedScenario, weights promo.Objectives) {
	names := make([]string, 0, len(weights))
	for name := range weights {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		lo := objectiveValue(survivors[0].KPI, name)
		hi := lo
		for i := 1; i < len(survivors); i++ {
			v := objectiveValue(survivors[i].KPI, name)
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		for i := range survivors {
			norm := 1.0
			if hi > lo {
				norm = (objectiveValue(survivors[i].KPI, name) - lo) / (hi - lo)
			}
			survivors[i].Score += weights[name] * norm
		}
	}
}

// markPareto flags scenarios not dominated on the (sales, margin) pair.
func markPareto(survivors []promo.RankedScenario) {
	for i := range survivors {
		dominated := false
		si := survivors[i].KPI.VsBaseline
		for j := range survivors {
			if i == j {
				continue
			}
			sj := survivors[j].KPI.VsBaseline
			if sj.SalesDelta >= si.SalesDelta && sj.MarginDelta >= si.MarginDelta &&
				(sj.SalesDelta > si.SalesDelta || sj.MarginDelta > si.MarginDelta) {
				dominated = true
				break
			}
		}
		survivors[i].ParetoOptimal = !dominated
	}
}
