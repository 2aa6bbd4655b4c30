package models

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NextTestInterval is the default gap between plan rehearsals.
const NextTestInterval = 90 * 24 * time.Hour

// TestEnvironment is where a rehearsal runs.
type TestEnvironment string

const (
	TestEnvironmentProduction  TestEnvironment = "production"
	TestEnvironmentStaging     TestEnvironment = "staging"
	TestEnvironmentDevelopment TestEnvironment = "development"
	TestEnvironmentIsolated    TestEnvironment = "isolated"
)

// ParseTestEnvironment parses an environment case-insensitively.
func ParseTestEnvironment(s string) (TestEnvironment, error) {
	env := TestEnvironment(strings.ToLower(strings.TrimSpace(s)))
	switch env {
	case TestEnvironmentProduction, TestEnvironmentStaging, TestEnvironmentDevelopment, TestEnvironmentIsolated:
		return env, nil
	}
	return "", fmt.Errorf("unsupported test environment: %q", s)
}

// TestStatus is the outcome of a rehearsed step or a whole rehearsal.
type TestStatus string

const (
	TestStatusPassed  TestStatus = "passed"
	TestStatusFailed  TestStatus = "failed"
	TestStatusSkipped TestStatus = "skipped"
	TestStatusPartial TestStatus = "partial"
)

// StepTestResult is the rehearsal outcome of a single step.
type StepTestResult struct {
	StepID           uuid.UUID  `json:"step_id"`
	StepName         string     `json:"step_name"`
	Status           TestStatus `json:"status"`
	DurationMinutes  float64    `json:"duration_minutes"`
	EstimatedMinutes int        `json:"estimated_minutes"`
	Issues           []string   `json:"issues,omitempty"`
	Notes            string     `json:"notes,omitempty"`
}

// RecoveryTest is a non-destructive rehearsal of a plan.
type RecoveryTest struct {
	ID              uuid.UUID        `json:"id"`
	PlanID          uuid.UUID        `json:"plan_id"`
	TestedBy        string           `json:"tested_by"`
	TestedAt        time.Time        `json:"tested_at"`
	Environment     TestEnvironment  `json:"environment"`
	Results         []StepTestResult `json:"results"`
	OverallStatus   TestStatus       `json:"overall_status"`
	Recommendations []string         `json:"recommendations,omitempty"`
	DurationMinutes float64          `json:"duration_minutes"`
	NextTestDate    time.Time        `json:"next_test_date"`
}

// NewRecoveryTest creates a rehearsal record starting at testedAt.
func NewRecoveryTest(planID uuid.UUID, env TestEnvironment, actor string, testedAt time.Time) *RecoveryTest {
	return &RecoveryTest{
		ID:           uuid.New(),
		PlanID:       planID,
		TestedBy:     actor,
		TestedAt:     testedAt,
		Environment:  env,
		Results:      []StepTestResult{},
		NextTestDate: testedAt.Add(NextTestInterval),
	}
}

// OverallStatusOf folds step results: failed beats partial beats passed.
// Skipped steps do not affect the outcome.
func OverallStatusOf(results []StepTestResult) TestStatus {
	overall := TestStatusPassed
	for _, r := range results {
		switch r.Status {
		case TestStatusFailed:
			return TestStatusFailed
		case TestStatusPartial:
			overall = TestStatusPartial
		}
	}
	return overall
}

// IssueCount returns the total number of issues across all step results.
func (t *RecoveryTest) IssueCount() int {
	n := 0
	for _, r := range t.Results {
		n += len(r.Issues)
	}
	return n
}

// Clone returns a deep copy of the test.
func (t *RecoveryTest) Clone() *RecoveryTest {
	c := *t
	c.Recommendations = slices.Clone(t.Recommendations)
	c.Results = make([]StepTestResult, len(t.Results))
	for i, r := range t.Results {
		r.Issues = slices.Clone(r.Issues)
		c.Results[i] = r
	}
	return &c
}

// CatalogID returns the catalog key.
func (t *RecoveryTest) CatalogID() uuid.UUID { return t.ID }
