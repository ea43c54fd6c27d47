// Package rulebase provides the expert rule base the diagnosis engine reads:
// in-memory snapshots, rule-base documents, SQLite and PostgreSQL backends and
// a caching, circuit-broken wrapper.
package rulebase

import (
	"context"
	"fmt"
	"sort"

	"github.com/cf-diagnosis-engine/internal/domain"
)

// Snapshot is a self-contained copy of a rule base.
type Snapshot struct {
	Symptoms []domain.Symptom `json:"symptoms"`
	Diseases []domain.Disease `json:"diseases"`
	Rules    []domain.Rule    `json:"rules"`
}

// Clone returns a deep copy of the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	return &Snapshot{
		Symptoms: append([]domain.Symptom(nil), s.Symptoms...),
		Diseases: append([]domain.Disease(nil), s.Diseases...),
		Rules:    append([]domain.Rule(nil), s.Rules...),
	}
}

// Validate checks referential integrity, uniqueness of ids, codes and
// disease/symptom rule pairs, and certainty ranges. It fills each rule's
// display metadata from the referenced disease and symptom.
func (s *Snapshot) Validate() error {
	symptoms := make(map[string]domain.Symptom, len(s.Symptoms))
	symptomCodes := make(map[string]bool, len(s.Symptoms))
	for _, sym := range s.Symptoms {
		if sym.ID == "" {
			return domain.NewValidationError("symptom.id", "symptom id is required", sym.Code)
		}
		if _, dup := symptoms[sym.ID]; dup {
			return domain.NewValidationError("symptom.id", "duplicate symptom id", sym.ID)
		}
		if symptomCodes[sym.Code] {
			return domain.NewValidationError("symptom.code", "duplicate symptom code", sym.Code)
		}
		symptoms[sym.ID] = sym
		symptomCodes[sym.Code] = true
	}
	diseases := make(map[string]domain.Disease, len(s.Diseases))
	diseaseCodes := make(map[string]bool, len(s.Diseases))
	for _, d := range s.Diseases {
		if d.ID == "" {
			return domain.NewValidationError("disease.id", "disease id is required", d.Code)
		}
		if _, dup := diseases[d.ID]; dup {
			return domain.NewValidationError("disease.id", "duplicate disease id", d.ID)
		}
		if diseaseCodes[d.Code] {
			return domain.NewValidationError("disease.code", "duplicate disease code", d.Code)
		}
		diseases[d.ID] = d
		diseaseCodes[d.Code] = true
	}

	// At most one rule per disease and symptom.
	type pair struct{ disease, symptom string }
	rules := make(map[pair]int, len(s.Rules))

	for i := range s.Rules {
		r := &s.Rules[i]
		d, ok := diseases[r.DiseaseID]
		if !ok {
			return domain.NewValidationError("rule.disease_id", fmt.Sprintf("rule %d references unknown disease", i), r.DiseaseID)
		}
		sym, ok := symptoms[r.SymptomID]
		if !ok {
			return domain.NewValidationError("rule.symptom_id", fmt.Sprintf("rule %d references unknown symptom", i), r.SymptomID)
		}
		if first, dup := rules[pair{r.DiseaseID, r.SymptomID}]; dup {
			return domain.NewValidationError("rule",
				fmt.Sprintf("rule %d repeats rule %d for disease %s and symptom %s", i, first, r.DiseaseID, r.SymptomID),
				r.ExpertCertainty)
		}
		rules[pair{r.DiseaseID, r.SymptomID}] = i
		if err := r.Validate(); err != nil {
			return err
		}
		r.DiseaseCode, r.DiseaseName = d.Code, d.Name
		r.SymptomCode, r.SymptomName = sym.Code, sym.Name
	}
	return nil
}

// sortByCode orders symptoms and diseases by code, then id.
func (s *Snapshot) sortByCode() {
	sort.SliceStable(s.Symptoms, func(i, j int) bool {
		if s.Symptoms[i].Code == s.Symptoms[j].Code {
			return s.Symptoms[i].ID < s.Symptoms[j].ID
		}
		return s.Symptoms[i].Code < s.Symptoms[j].Code
	})
	sort.SliceStable(s.Diseases, func(i, j int) bool {
		if s.Diseases[i].Code == s.Diseases[j].Code {
			return s.Diseases[i].ID < s.Diseases[j].ID
		}
		return s.Diseases[i].Code < s.Diseases[j].Code
	})
}

// MemoryRuleBase is an immutable, in-memory rule base.
type MemoryRuleBase struct {
	snapshot *Snapshot
	symptoms map[string]bool
}

// NewMemoryRuleBase validates snap and builds a rule base from a copy of it.
func NewMemoryRuleBase(snap *Snapshot) (*MemoryRuleBase, error) {
	if snap == nil {
		snap = &Snapshot{}
	}
	own := snap.Clone()
	if err := own.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rule base: %w", err)
	}
	own.sortByCode()

	known := make(map[string]bool, len(own.Symptoms))
	for _, sym := range own.Symptoms {
		known[sym.ID] = true
	}
	return &MemoryRuleBase{snapshot: own, symptoms: known}, nil
}

// Rules returns a copy of the rules in document order.
func (m *MemoryRuleBase) Rules(ctx context.Context) ([]domain.Rule, error) {
	return append([]domain.Rule(nil), m.snapshot.Rules...), nil
}

// KnownSymptoms returns the ids that reference known symptoms.
func (m *MemoryRuleBase) KnownSymptoms(ctx context.Context, ids []string) (map[string]bool, error) {
	return knownFrom(m.symptoms, ids), nil
}

// Symptoms returns all symptoms ordered by code.
func (m *MemoryRuleBase) Symptoms(ctx context.Context) ([]domain.Symptom, error) {
	return append([]domain.Symptom(nil), m.snapshot.Symptoms...), nil
}

// Diseases returns all diseases ordered by code.
func (m *MemoryRuleBase) Diseases(ctx context.Context) ([]domain.Disease, error) {
	return append([]domain.Disease(nil), m.snapshot.Diseases...), nil
}

// Snapshot returns a copy of the whole rule base.
func (m *MemoryRuleBase) Snapshot() *Snapshot {
	return m.snapshot.Clone()
}

func knownFrom(all map[string]bool, ids []string) map[string]bool {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		if all[id] {
			out[id] = true
		}
	}
	return out
}

// Load reads every part of a rule base into a snapshot.
func Load(ctx context.Context, rb domain.RuleBase) (*Snapshot, error) {
	symptoms, err := rb.Symptoms(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading symptoms: %w", err)
	}
	diseases, err := rb.Diseases(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading diseases: %w", err)
	}
	rules, err := rb.Rules(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading rules: %w", err)
	}
	return &Snapshot{Symptoms: symptoms, Diseases: diseases, Rules: rules}, nil
}
