package promo

import (
	"errors"
	"math"
	"testing"
	"time"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestDateRange_DaysAndContains(t *testing.T) {
	dr := DateRange{Start: day(2024, 10, 1), End: day(2024, 10, 7)}

	if got := dr.Days(); got != 7 {
		t.Errorf("Days: got %d, want 7", got)
	}
	if !dr.Contains(day(2024, 10, 1)) || !dr.Contains(day(2024, 10, 7)) {
		t.Error("Contains should include both endpoints")
	}
	if dr.Contains(day(2024, 9, 30)) || dr.Contains(day(2024, 10, 8)) {
		t.Error("Contains should exclude days outside the range")
	}
	if got := len(dr.Dates()); got != 7 {
		t.Errorf("Dates: got %d days, want 7", got)
	}
}

func TestDateRange_Validate(t *testing.T) {
	bad := DateRange{Start: day(2024, 10, 7), End: day(2024, 10, 1)}
	err := bad.Validate()
	if err == nil {
		t.Fatal("Expected error for end before start")
	}
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Errorf("Expected ConfigurationError, got %T", err)
	}
}

func TestDateRange_Overlap(t *testing.T) {
	a := DateRange{Start: day(2024, 10, 1), End: day(2024, 10, 10)}
	b := DateRange{Start: day(2024, 10, 5), End: day(2024, 10, 15)}

	ov, ok := a.Overlap(b)
	if !ok {
		t.Fatal("Expected overlap")
	}
	if !ov.Start.Equal(day(2024, 10, 5)) || !ov.End.Equal(day(2024, 10, 10)) {
		t.Errorf("Overlap: got %s..%s", ov.Start.Format(DateLayout), ov.End.Format(DateLayout))
	}

	c := DateRange{Start: day(2024, 11, 1), End: day(2024, 11, 5)}
	if _, ok := a.Overlap(c); ok {
		t.Error("Expected no overlap for disjoint ranges")
	}
}

func TestScenario_Validate(t *testing.T) {
	dr := DateRange{Start: day(2024, 10, 1), End: day(2024, 10, 7)}
	valid := NewScenario("s1", "test", dr, []string{"tv"}, []Channel{ChannelOnline}, 20)
	if err := valid.Validate(); err != nil {
		t.Fatalf("Valid scenario rejected: %v", err)
	}

	tests := []struct {
		name string
		sc   Scenario
	}{
		{"missing id", Scenario{DateRange: dr, Mechanics: valid.Mechanics}},
		{"no mechanics", Scenario{ID: "s2", DateRange: dr}},
		{"bad channel", Scenario{ID: "s3", DateRange: dr, Mechanics: []PromoMechanic{{Department: "tv", Channel: "phone", DiscountPct: 10}}}},
		{"discount above 100", Scenario{ID: "s4", DateRange: dr, Mechanics: []PromoMechanic{{Department: "tv", Channel: ChannelOnline, DiscountPct: 120}}}},
		{"negative discount", Scenario{ID: "s5", DateRange: dr, Mechanics: []PromoMechanic{{Department: "tv", Channel: ChannelOnline, DiscountPct: -5}}}},
		{"missing department", Scenario{ID: "s6", DateRange: dr, Mechanics: []PromoMechanic{{Channel: ChannelOnline, DiscountPct: 10}}}},
	}
	for _, tt := range tests {
		err := tt.sc.Validate()
		if err == nil {
			t.Errorf("%s: expected error", tt.name)
			continue
		}
		var cfgErr *ConfigurationError
		if !errors.As(err, &cfgErr) {
			t.Errorf("%s: expected ConfigurationError, got %T", tt.name, err)
		}
	}
}

func TestScenario_DepartmentsAndMaxDiscount(t *testing.T) {
	dr := DateRange{Start: day(2024, 10, 1), End: day(2024, 10, 7)}
	sc := NewScenario("s1", "", dr, []string{"tv", "audio"}, []Channel{ChannelOnline, ChannelOffline}, 15)
	sc.Mechanics[3].DiscountPct = 25

	depts := sc.Departments()
	if len(depts) != 2 || depts[0] != "tv" || depts[1] != "audio" {
		t.Errorf("Departments: got %v", depts)
	}
	if got := sc.MaxDiscount(); got != 25 {
		t.Errorf("MaxDiscount: got %.1f, want 25", got)
	}
}

func TestObjectives_Normalize(t *testing.T) {
	weights := Objectives{"sales": 3, "margin": 1}.Normalize()
	if math.Abs(weights["sales"]-0.75) > 1e-12 || math.Abs(weights["margin"]-0.25) > 1e-12 {
		t.Errorf("Normalize: got %v", weights)
	}

	defaults := Objectives{}.Normalize()
	if defaults["sales"] != 0.6 || defaults["margin"] != 0.4 {
		t.Errorf("Empty objectives should default to sales 0.6 / margin 0.4, got %v", defaults)
	}
}

func TestDeriveStatus(t *testing.T) {
	tests := []struct {
		name   string
		issues []ValidationIssue
		want   ValidationStatus
	}{
		{"no issues", nil, ValidationPass},
		{"warning only", []ValidationIssue{{Severity: SeverityWarning}}, ValidationWarn},
		{"blocking only", []ValidationIssue{{Severity: SeverityBlocking}}, ValidationBlock},
		{"blocking beats warning", []ValidationIssue{{Severity: SeverityWarning}, {Severity: SeverityBlocking}}, ValidationBlock},
	}
	for _, tt := range tests {
		if got := DeriveStatus(tt.issues); got != tt.want {
			t.Errorf("%s: got %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestUpliftModel_LookupAndClone(t *testing.T) {
	model := &UpliftModel{
		Coefficients: map[string]map[Channel][]Band{
			"tv": {ChannelOnline: {{MinPct: 10, MaxPct: 19.99, Coef: 1.2, Samples: 5}}},
		},
		Version:     "v1",
		LastUpdated: day(2024, 10, 1),
	}

	if _, ok := model.Lookup("tv", ChannelOnline); !ok {
		t.Error("Lookup should find calibrated bands")
	}
	if _, ok := model.Lookup("tv", ChannelOffline); ok {
		t.Error("Lookup should miss on unknown channel")
	}
	if _, ok := model.Lookup("audio", ChannelOnline); ok {
		t.Error("Lookup should miss on unknown department")
	}

	clone := model.Clone()
	clone.Coefficients["tv"][ChannelOnline][0].Coef = 9.9
	if model.Coefficients["tv"][ChannelOnline][0].Coef != 1.2 {
		t.Error("Clone should not share band storage with the original")
	}
	if clone.Version != "v1" || !clone.LastUpdated.Equal(model.LastUpdated) {
		t.Error("Clone should carry version and LastUpdated")
	}
}

func TestErrorTypes(t *testing.T) {
	var err error = &ConfigurationError{Field: "geo", Reason: "missing"}
	if err.Error() == "" {
		t.Error("ConfigurationError should render a message")
	}
	err = &InsufficientDataError{Bucket: "tv/online", Got: 1, Need: 3}
	if err.Error() == "" {
		t.Error("InsufficientDataError should render a message")
	}
	err = &NoFeasibleScenarioError{Candidates: 12}
	if err.Error() == "" {
		t.Error("NoFeasibleScenarioError should render a message")
	}
}
