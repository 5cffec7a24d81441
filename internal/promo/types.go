package promo

import (
	"fmt"
	"time"
)

// DateLayout is the canonical day key used in day-indexed maps.
const DateLayout = "2006-01-02"

// Channel identifies a sales channel.
type Channel string

const (
	ChannelOnline  Channel = "online"
	ChannelOffline Channel = "offline"
)

// ValidChannel reports whether c is a known channel.
func ValidChannel(c Channel) bool {
	return c == ChannelOnline || c == ChannelOffline
}

// DateRange is an inclusive date range.
type DateRange struct {
	Start time.Time `json:"start_date"`
	End   time.Time `json:"end_date"`
}

// Validate checks the end >= start invariant.
func (dr DateRange) Validate() error {
	if dr.End.Before(dr.Start) {
		return &ConfigurationError{Field: "date_range", Reason: fmt.Sprintf("end %s before start %s", dr.End.Format(DateLayout), dr.Start.Format(DateLayout))}
	}
	return nil
}

// Days returns the number of days in the range, inclusive.
func (dr DateRange) Days() int {
	return int(dr.End.Sub(dr.Start).Hours()/24) + 1
}

// Contains reports whether t falls on a day inside the range.
func (dr DateRange) Contains(t time.Time) bool {
	d := t.Truncate(24 * time.Hour)
	return !d.Before(dr.Start.Truncate(24*time.Hour)) && !d.After(dr.End.Truncate(24*time.Hour))
}

// Overlap returns the intersection of two ranges and whether it is non-empty.
func (dr DateRange) Overlap(other DateRange) (DateRange, bool) {
	start := dr.Start
	if other.Start.After(start) {
		start = other.Start
	}
	end := dr.End
	if other.End.Before(end) {
		end = other.End
	}
	if end.Before(start) {
		return DateRange{}, false
	}
	return DateRange{Start: start, End: end}, true
}

// Dates returns each day in the range in ascending order.
func (dr DateRange) Dates() []time.Time {
	days := make([]time.Time, 0, dr.Days())
	for d := dr.Start; !d.After(dr.End); d = d.Add(24 * time.Hour) {
		days = append(days, d)
	}
	return days
}

// SalesRow is one aggregated sales observation from historical data access.
type SalesRow struct {
	Date        time.Time `json:"date"`
	Channel     Channel   `json:"channel"`
	Department  string    `json:"department"`
	SalesValue  float64   `json:"sales_value"`
	MarginValue float64   `json:"margin_value"`
	Units       float64   `json:"units"`
	PromoFlag   bool      `json:"promo_flag"`
	DiscountPct float64   `json:"discount_pct"`
}

// PromoMechanic is one row of a scenario's configuration.
type PromoMechanic struct {
	Department  string   `json:"department"`
	Channel     Channel  `json:"channel"`
	DiscountPct float64  `json:"discount_pct"`
	Segments    []string `json:"segments,omitempty"`
}

// SegmentsOrDefault returns the mechanic's segments, defaulting to {ALL}.
func (m PromoMechanic) SegmentsOrDefault() []string {
	if len(m.Segments) == 0 {
		return []string{"ALL"}
	}
	return m.Segments
}

// ScenarioStatus tracks the scenario lifecycle.
type ScenarioStatus string

const (
	StatusDraft     ScenarioStatus = "draft"
	StatusEvaluated ScenarioStatus = "evaluated"
	StatusValidated ScenarioStatus = "validated"
	StatusFinalized ScenarioStatus = "finalized"
	StatusClosed    ScenarioStatus = "closed"
)

// Scenario is a candidate promotional configuration.
//
// A scenario is immutable once evaluated for a given KPI snapshot;
// re-evaluation produces a new snapshot, never a mutation of the prior one.
type Scenario struct {
	ID        string            `json:"id"`
	Name      string            `json:"name,omitempty"`
	DateRange DateRange         `json:"date_range"`
	Mechanics []PromoMechanic   `json:"mechanics"`
	Segments  []string          `json:"segments,omitempty"`
	Status    ScenarioStatus    `json:"status,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NewScenario builds a scenario from the flattened departments x channels x
// discount form used by briefs and candidate generation.
func NewScenario(id, name string, dr DateRange, departments []string, channels []Channel, discountPct float64) Scenario {
	mechanics := make([]PromoMechanic, 0, len(departments)*len(channels))
	for _, dept := range departments {
		for _, ch := range channels {
			mechanics = append(mechanics, PromoMechanic{
				Department:  dept,
				Channel:     ch,
				DiscountPct: discountPct,
			})
		}
	}
	return Scenario{
		ID:        id,
		Name:      name,
		DateRange: dr,
		Mechanics: mechanics,
		Status:    StatusDraft,
	}
}

// Validate checks structural invariants of the scenario.
func (s *Scenario) Validate() error {
	if s.ID == "" {
		return &ConfigurationError{Field: "scenario.id", Reason: "missing scenario id"}
	}
	if err := s.DateRange.Validate(); err != nil {
		return err
	}
	if len(s.Mechanics) == 0 {
		return &ConfigurationError{Field: "scenario.mechanics", Reason: "scenario has no mechanics"}
	}
	for i, m := range s.Mechanics {
		if m.Department == "" {
			return &ConfigurationError{Field: "scenario.mechanics", Reason: fmt.Sprintf("mechanic %d has no department", i)}
		}
		if !ValidChannel(m.Channel) {
			return &ConfigurationError{Field: "scenario.mechanics", Reason: fmt.Sprintf("mechanic %d has unknown channel %q", i, m.Channel)}
		}
		if m.DiscountPct < 0 || m.DiscountPct > 100 {
			return &ConfigurationError{Field: "scenario.mechanics", Reason: fmt.Sprintf("mechanic %d discount %.1f outside [0,100]", i, m.DiscountPct)}
		}
	}
	return nil
}

// Departments returns the distinct departments across all mechanics, in
// first-seen order.
func (s *Scenario) Departments() []string {
	seen := make(map[string]bool)
	depts := []string{}
	for _, m := range s.Mechanics {
		if !seen[m.Department] {
			seen[m.Department] = true
			depts = append(depts, m.Department)
		}
	}
	return depts
}

// MaxDiscount returns the highest discount across mechanics.
func (s *Scenario) MaxDiscount() float64 {
	max := 0.0
	for _, m := range s.Mechanics {
		if m.DiscountPct > max {
			max = m.DiscountPct
		}
	}
	return max
}

// DayProjection holds the projected metrics for a single day.
type DayProjection struct {
	Sales  float64 `json:"sales"`
	Margin float64 `json:"margin"`
	Units  float64 `json:"units"`
}

// BaselineForecast projects day-level demand assuming no promotion.
//
// Invariant: the totals equal the sum over Daily.
type BaselineForecast struct {
	DateRange   DateRange                `json:"date_range"`
	Daily       map[string]DayProjection `json:"daily_projections"` // keyed by DateLayout
	TotalSales  float64                  `json:"total_sales"`
	TotalMargin float64                  `json:"total_margin"`
	TotalUnits  float64                  `json:"total_units"`
	// Mix is the historical share of sales per department and channel,
	// summing to 1.0. Evaluation uses it to attribute baseline volume to
	// promo mechanic buckets.
	Mix         map[string]map[Channel]float64 `json:"mix,omitempty"`
	GapVsTarget *GapAnalysis                   `json:"gap_vs_target,omitempty"`
}

// GapAnalysis measures baseline totals against stated business targets.
type GapAnalysis struct {
	SalesGap  float64            `json:"sales_gap"`
	MarginGap float64            `json:"margin_gap"`
	UnitsGap  float64            `json:"units_gap"`
	GapPct    map[string]float64 `json:"gap_percentage"`
}

// Band is one calibrated discount band of an uplift model.
type Band struct {
	MinPct float64 `json:"min_pct"`
	MaxPct float64 `json:"max_pct"`
	Coef   float64 `json:"coef"`    // multiplicative factor, 1.0 = no effect
	Samples int    `json:"samples"` // observations behind the fit
}

// UpliftModel holds discount-response coefficients keyed by department and
// channel, banded by discount level. Models are immutable; the learning
// engine produces new versions rather than mutating coefficients in place.
type UpliftModel struct {
	Coefficients map[string]map[Channel][]Band `json:"coefficients"`
	Version      string                        `json:"version"`
	LastUpdated  time.Time                     `json:"last_updated"`
}

// Lookup returns the calibrated bands for a department and channel.
func (m *UpliftModel) Lookup(department string, channel Channel) ([]Band, bool) {
	channels, ok := m.Coefficients[department]
	if !ok {
		return nil, false
	}
	bands, ok := channels[channel]
	if !ok || len(bands) == 0 {
		return nil, false
	}
	return bands, true
}

// Clone returns a deep copy of the model's coefficient map.
func (m *UpliftModel) Clone() *UpliftModel {
	coeffs := make(map[string]map[Channel][]Band, len(m.Coefficients))
	for dept, channels := range m.Coefficients {
		coeffs[dept] = make(map[Channel][]Band, len(channels))
		for ch, bands := range channels {
			copied := make([]Band, len(bands))
			copy(copied, bands)
			coeffs[dept][ch] = copied
		}
	}
	return &UpliftModel{Coefficients: coeffs, Version: m.Version, LastUpdated: m.LastUpdated}
}

// MetricSet is one breakdown row of an evaluated scenario.
type MetricSet struct {
	Sales  float64 `json:"sales"`
	Margin float64 `json:"margin"`
	EBIT   float64 `json:"ebit"`
	Units  float64 `json:"units"`
}

// BaselineComparison holds signed deltas of an evaluated scenario versus the
// baseline over the overlapping dates.
type BaselineComparison struct {
	SalesDelta  float64 `json:"sales_delta"`
	MarginDelta float64 `json:"margin_delta"`
	EBITDelta   float64 `json:"ebit_delta"`
	UnitsDelta  float64 `json:"units_delta"`
	SalesPct    float64 `json:"sales_pct"`
	MarginPct   float64 `json:"margin_pct"`
}

// OtherBucket labels the unpromoted remainder in KPI breakdowns so that
// breakdown sums always equal totals.
const OtherBucket = "OTHER"

// ScenarioKPI is the full KPI snapshot for an evaluated scenario.
//
// Invariant: the sum of any breakdown dimension equals the corresponding
// total within floating tolerance.
type ScenarioKPI struct {
	ScenarioID     string                `json:"scenario_id"`
	ModelVersion   string                `json:"model_version"`
	TotalSales     float64               `json:"total_sales"`
	TotalMargin    float64               `json:"total_margin"`
	TotalEBIT      float64               `json:"total_ebit"`
	TotalUnits     float64               `json:"total_units"`
	TotalPromoCost float64               `json:"total_promo_cost"`
	ByChannel      map[Channel]MetricSet `json:"breakdown_by_channel"`
	ByDepartment   map[string]MetricSet  `json:"breakdown_by_department"`
	BySegment      map[string]MetricSet  `json:"breakdown_by_segment"`
	VsBaseline     BaselineComparison    `json:"comparison_vs_baseline"`
	// LowConfidence is set when any uplift lookup fell back to a default
	// coefficient; FallbackBuckets names the affected department/channel
	// buckets.
	LowConfidence   bool     `json:"low_confidence"`
	FallbackBuckets []string `json:"fallback_buckets,omitempty"`
}

// Severity of a validation issue.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityBlocking Severity = "blocking"
)

// ValidationStatus is the overall verdict for a scenario.
type ValidationStatus string

const (
	ValidationPass  ValidationStatus = "PASS"
	ValidationWarn  ValidationStatus = "WARN"
	ValidationBlock ValidationStatus = "BLOCK"
)

// ValidationIssue is one failed business rule.
type ValidationIssue struct {
	Type               string   `json:"type"`
	Severity           Severity `json:"severity"`
	Message            string   `json:"message"`
	SuggestedFix       string   `json:"suggested_fix,omitempty"`
	AffectedDepartment string   `json:"affected_department,omitempty"`
}

// ValidationReport is the verdict of the validation engine.
//
// Invariant: Status is BLOCK iff at least one issue is blocking, WARN iff no
// blocking issue but at least one warning, PASS otherwise.
type ValidationReport struct {
	ScenarioID   string            `json:"scenario_id"`
	Status       ValidationStatus  `json:"status"`
	Issues       []ValidationIssue `json:"issues"`
	OverallScore float64           `json:"overall_score"`
}

// DeriveStatus computes the report status from its issues.
func DeriveStatus(issues []ValidationIssue) ValidationStatus {
	status := ValidationPass
	for _, issue := range issues {
		if issue.Severity == SeverityBlocking {
			return ValidationBlock
		}
		if issue.Severity == SeverityWarning {
			status = ValidationWarn
		}
	}
	return status
}

// DipAnalysis measures the post-campaign demand dip against the pre-campaign
// window.
type DipAnalysis struct {
	PreAvgDailySales  float64 `json:"pre_avg_daily_sales"`
	PostAvgDailySales float64 `json:"post_avg_daily_sales"`
	DipPct            float64 `json:"dip_pct"` // negative = post-promo decline
}

// CannibalizationSignal flags a department whose share of actual sales moved
// away from the forecast mix.
type CannibalizationSignal struct {
	Department    string  `json:"department"`
	ForecastShare float64 `json:"forecast_share"`
	ActualShare   float64 `json:"actual_share"`
	ShiftPct      float64 `json:"shift_pct"`
}

// PostMortemReport compares forecast against actuals for a closed scenario.
//
// VsForecast errors are expressed in percent units: -20 means actuals came in
// 20% below forecast (an over-forecast).
type PostMortemReport struct {
	ScenarioID             string                  `json:"scenario_id"`
	ForecastKPI            *ScenarioKPI            `json:"forecast_kpi"`
	ActualKPI              *ScenarioKPI            `json:"actual_kpi"`
	VsForecast             map[string]float64      `json:"vs_forecast"`
	DepartmentSalesPctErr  map[string]float64      `json:"department_sales_pct_error,omitempty"`
	PostPromoDip           *DipAnalysis            `json:"post_promo_dip,omitempty"`
	CannibalizationSignals []CannibalizationSignal `json:"cannibalization_signals,omitempty"`
	Insights               []string                `json:"insights,omitempty"`
	LearningPoints         []string                `json:"learning_points,omitempty"`
	GeneratedAt            time.Time               `json:"generated_at"`
}

// Targets are the business targets for a month.
type Targets struct {
	Month        string  `json:"month"`
	SalesTarget  float64 `json:"sales_target"`
	MarginTarget float64 `json:"margin_target"`
	UnitsTarget  float64 `json:"units_target"`
}

// Constraints bound candidate generation and validation.
type Constraints struct {
	MinDiscount            float64            `json:"min_discount"`
	MaxDiscount            float64            `json:"max_discount"`
	MinMarginPct           float64            `json:"min_margin_pct"`
	BudgetLimit            float64            `json:"budget_limit,omitempty"`
	DepartmentDiscountCaps map[string]float64 `json:"department_discount_caps,omitempty"`
	RestrictedDepartments  []string           `json:"restricted_departments,omitempty"`
	MaxCandidates          int                `json:"max_candidates,omitempty"`
}

// Objectives are weighted optimization objectives, e.g. {"sales": 0.6,
// "margin": 0.4}. Weights are renormalized to sum to 1.
type Objectives map[string]float64

// Normalize returns a copy of the objectives with weights scaled to sum to 1.
func (o Objectives) Normalize() Objectives {
	total := 0.0
	for _, w := range o {
		total += w
	}
	if total <= 0 {
		return Objectives{"sales": 0.6, "margin": 0.4}
	}
	out := make(Objectives, len(o))
	for k, w := range o {
		out[k] = w / total
	}
	return out
}

// Brief frames a promotional planning request for candidate generation.
type Brief struct {
	Name             string    `json:"name"`
	DateRange        DateRange `json:"date_range"`
	FocusDepartments []string  `json:"focus_departments"`
	Channels         []Channel `json:"channels,omitempty"`
	Segments         []string  `json:"segments,omitempty"`
}

// RankedScenario pairs a surviving candidate with its evaluation artifacts.
type RankedScenario struct {
	Scenario      Scenario          `json:"scenario"`
	KPI           *ScenarioKPI      `json:"kpi"`
	Validation    *ValidationReport `json:"validation"`
	Score         float64           `json:"score"`
	ParetoOptimal bool              `json:"pareto_optimal"`
}

// RankedScenarios is the ordered result of an optimization run.
type RankedScenarios struct {
	Scenarios  []RankedScenario  `json:"ranked_scenarios"`
	Objectives Objectives        `json:"objectives"`
	Rationale  map[string]string `json:"rationale,omitempty"`
}

// Frontier returns the Pareto-optimal subset in ranked order.
func (rs *RankedScenarios) Frontier() []RankedScenario {
	out := []RankedScenario{}
	for _, s := range rs.Scenarios {
		if s.ParetoOptimal {
			out = append(out, s)
		}
	}
	return out
}

// ConstraintCheck summarizes hard-bound checks during candidate generation.
type ConstraintCheck struct {
	AllPassed    bool            `json:"all_passed"`
	FailedChecks []string        `json:"failed_checks,omitempty"`
	Details      map[string]bool `json:"details,omitempty"`
}

// ComparisonReport tabulates several evaluated scenarios side by side.
type ComparisonReport struct {
	ScenarioIDs     []string             `json:"scenario_ids"`
	Table           map[string][]float64 `json:"comparison_table"` // metric -> values per scenario
	Recommendations []string             `json:"recommendations,omitempty"`
}

// Event is a holiday or local event affecting demand.
type Event struct {
	Name   string    `json:"name"`
	Date   time.Time `json:"date"`
	Type   string    `json:"type"` // holiday, local_event, seasonal
	Impact string    `json:"impact,omitempty"`
}

// SeasonalityProfile carries multiplicative demand factors for a geography.
type SeasonalityProfile struct {
	Geo            string                   `json:"geo"`
	MonthlyFactors map[time.Month]float64   `json:"monthly_factors"`
	WeekdayFactors map[time.Weekday]float64 `json:"weekday_factors,omitempty"`
}

// PromoContext merges the contextual signals for a geography and date range.
type PromoContext struct {
	Geo             string                   `json:"geo"`
	DateRange       DateRange                `json:"date_range"`
	Events          []Event                  `json:"events"`
	Weather         map[string]float64       `json:"weather,omitempty"`
	Seasonality     *SeasonalityProfile      `json:"seasonality,omitempty"`
	WeekendPatterns map[time.Weekday]float64 `json:"weekend_patterns,omitempty"`
}

// EventsOn returns the events falling on the given day.
func (c *PromoContext) EventsOn(day time.Time) []Event {
	out := []Event{}
	for _, e := range c.Events {
		if e.Date.Format(DateLayout) == day.Format(DateLayout) {
			out = append(out, e)
		}
	}
	return out
}
