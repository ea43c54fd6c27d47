// Package domain contains the core entities of the certainty-factor diagnosis engine:
// reference data (symptoms, diseases), the expert rule base, user symptom assertions
// and the diagnosis results derived from them.
//
// Certainty factors follow the MYCIN convention: a value in [-1, 1] where positive
// values favour a hypothesis, negative values disfavour it and zero is neutral.
package domain

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

// Certainty bounds for expert and user certainty factors.
const (
	MinExpertCertainty = -1.0
	MaxExpertCertainty = 1.0
	MinUserCertainty   = 0.0
	MaxUserCertainty   = 1.0
)

// SessionStatus represents the lifecycle state of a diagnosis session.
type SessionStatus string

const (
	StatusProcessing SessionStatus = "processing"
	StatusCompleted  SessionStatus = "completed"
)

// IsValid reports whether the status is a known lifecycle state.
func (s SessionStatus) IsValid() bool {
	switch s {
	case StatusProcessing, StatusCompleted:
		return true
	default:
		return false
	}
}

// Sentinel errors shared across packages.
var (
	ErrNotFound         = errors.New("not found")
	ErrSessionCompleted = errors.New("diagnosis session already completed")
	ErrEmptyBatch       = errors.New("assertion batch is empty")
)

// Symptom is immutable reference data describing an observable symptom.
type Symptom struct {
	ID          string `json:"id" yaml:"id"`
	Code        string `json:"code" yaml:"code"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Disease is immutable reference data describing a diagnosable disease.
type Disease struct {
	ID   string `json:"id" yaml:"id"`
	Code string `json:"code" yaml:"code"`
	Name string `json:"name" yaml:"name"`
}

// Rule links a symptom to a disease with the expert's certainty that the symptom
// implies the disease. Display metadata is denormalized so results can be rendered
// without a second lookup.
type Rule struct {
	DiseaseID       string  `json:"disease_id"`
	DiseaseCode     string  `json:"disease_code"`
	DiseaseName     string  `json:"disease_name"`
	SymptomID       string  `json:"symptom_id"`
	SymptomCode     string  `json:"symptom_code"`
	SymptomName     string  `json:"symptom_name"`
	ExpertCertainty float64 `json:"expert_certainty"`
}

// Validate checks the expert certainty range.
func (r Rule) Validate() error {
	if math.IsNaN(r.ExpertCertainty) || r.ExpertCertainty < MinExpertCertainty || r.ExpertCertainty > MaxExpertCertainty {
		return NewValidationError("expert_certainty",
			fmt.Sprintf("must be within [%g, %g] for rule %s/%s", MinExpertCertainty, MaxExpertCertainty, r.DiseaseID, r.SymptomID),
			r.ExpertCertainty)
	}
	return nil
}

// Assertion is a user's certainty that they exhibit a symptom.
type Assertion struct {
	SymptomID     string  `json:"symptom_id"`
	UserCertainty float64 `json:"user_certainty"`
}

// AssertionInput is a raw, not yet coerced assertion as submitted by a caller.
// Certainty may be any numeric type or a numeric string.
type AssertionInput struct {
	SymptomID string      `json:"symptom_id" yaml:"symptom_id"`
	Certainty interface{} `json:"certainty" yaml:"certainty"`
}

// AssertionSet is the canonical, deduplicated assertion state of a session:
// exactly one user certainty per symptom.
type AssertionSet map[string]float64

// Clone returns an independent copy of the set.
func (s AssertionSet) Clone() AssertionSet {
	out := make(AssertionSet, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Assertions returns the set as a slice ordered by symptom ID.
func (s AssertionSet) Assertions() []Assertion {
	out := make([]Assertion, 0, len(s))
	for id, cf := range s {
		out = append(out, Assertion{SymptomID: id, UserCertainty: cf})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SymptomID < out[j].SymptomID })
	return out
}

// DiseaseResult is the evaluation outcome for a single disease.
type DiseaseResult struct {
	DiseaseID         string  `json:"disease_id"`
	DiseaseName       string  `json:"disease_name"`
	DiseaseCode       string  `json:"disease_code"`
	CombinedCertainty float64 `json:"combined_certainty"`
	Percentage        float64 `json:"percentage"`
	AppliedRuleCount  int     `json:"applied_rule_count"`
	TotalRuleCount    int     `json:"total_rule_count"`
}

// BestDiagnosis references the best-supported disease of an evaluation.
type BestDiagnosis struct {
	DiseaseID         string  `json:"disease_id"`
	CombinedCertainty float64 `json:"combined_certainty"`
	Percentage        float64 `json:"percentage"`
}

// DiagnosisResult is the full output of an evaluation.
// Order lists the IDs in PerDisease in the declared evaluation order.
// Best is nil when no disease reached a positive combined certainty.
type DiagnosisResult struct {
	PerDisease  map[string]DiseaseResult `json:"per_disease"`
	Order       []string                 `json:"order"`
	Best        *BestDiagnosis           `json:"best"`
	EvaluatedAt time.Time                `json:"evaluated_at"`
}

// HasDiagnosis reports whether a best diagnosis was selected.
func (r *DiagnosisResult) HasDiagnosis() bool {
	return r != nil && r.Best != nil
}

// Ranked returns the per-disease results ordered by combined certainty, highest
// first. Equal certainties keep their evaluation order.
func (r *DiagnosisResult) Ranked() []DiseaseResult {
	if r == nil {
		return nil
	}
	out := make([]DiseaseResult, 0, len(r.Order))
	for _, id := range r.Order {
		out = append(out, r.PerDisease[id])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CombinedCertainty > out[j].CombinedCertainty
	})
	return out
}

// Session is a diagnosis session: the scope in which assertions are collected
// and evaluated.
type Session struct {
	ID          string           `json:"id"`
	Status      SessionStatus    `json:"status"`
	Assertions  AssertionSet     `json:"assertions"`
	Result      *DiagnosisResult `json:"result,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Assertions = s.Assertions.Clone()
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	if s.Result != nil {
		res := *s.Result
		res.PerDisease = make(map[string]DiseaseResult, len(s.Result.PerDisease))
		for k, v := range s.Result.PerDisease {
			res.PerDisease[k] = v
		}
		res.Order = append([]string(nil), s.Result.Order...)
		if s.Result.Best != nil {
			best := *s.Result.Best
			res.Best = &best
		}
		out.Result = &res
	}
	return &out
}
