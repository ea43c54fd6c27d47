package service

import (
	"fmt"
	"io"
	"math"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cf-diagnosis-engine/internal/domain"
)

// SinglePremise returns the certainty contributed by one rule:
// CF(H,E) = CF(E) * CF(H|E).
func SinglePremise(userCertainty, expertCertainty float64) float64 {
	return userCertainty * expertCertainty
}

// Combine accumulates a second certainty for the same hypothesis:
// CF = CF1 + CF2 * (1 - CF1).
//
// The same formula is applied regardless of operand signs.
func Combine(cf1, cf2 float64) float64 {
	return cf1 + cf2*(1-cf1)
}

// RoundPercentage scales a certainty to a percentage rounded half away from
// zero to two decimals.
func RoundPercentage(cf float64) float64 {
	return math.Round(cf*100*100) / 100
}

// ValidateRules checks every rule's expert certainty range.
func ValidateRules(rules []domain.Rule) error {
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// diseaseGroup holds the rules concluding one disease, in rule-base order.
type diseaseGroup struct {
	id    string
	code  string
	name  string
	rules []domain.Rule
}

// groupByDisease groups rules by disease. Groups are returned in ascending
// disease ID order, which is the declared evaluation order.
func groupByDisease(rules []domain.Rule) []*diseaseGroup {
	index := make(map[string]*diseaseGroup)
	groups := make([]*diseaseGroup, 0)
	for _, r := range rules {
		g, ok := index[r.DiseaseID]
		if !ok {
			g = &diseaseGroup{id: r.DiseaseID, code: r.DiseaseCode, name: r.DiseaseName}
			index[r.DiseaseID] = g
			groups = append(groups, g)
		}
		g.rules = append(g.rules, r)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].id < groups[j].id })
	return groups
}

// CFEngine evaluates assertion sets against a rule base using certainty-factor
// combination. It holds no per-call state and is safe for concurrent use.
type CFEngine struct {
	logger *logrus.Logger
	trace  bool
}

// NewCFEngine creates a new engine. When trace is set every rule fold is
// logged at debug level.
func NewCFEngine(logger *logrus.Logger, trace bool) *CFEngine {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &CFEngine{logger: logger, trace: trace}
}

var silentEngine = NewCFEngine(nil, false)

// Evaluate computes per-disease results without selecting a best diagnosis.
func Evaluate(assertions domain.AssertionSet, rules []domain.Rule) *domain.DiagnosisResult {
	return silentEngine.Evaluate(assertions, rules)
}

// Select picks the best-supported diagnosis of an evaluated result.
func Select(result *domain.DiagnosisResult) *domain.BestDiagnosis {
	if result == nil {
		return nil
	}
	var best *domain.BestDiagnosis
	highest := 0.0
	for _, id := range result.Order {
		dr, ok := result.PerDisease[id]
		if !ok {
			continue
		}
		// strict > keeps the first disease of the evaluation order on ties
		if dr.CombinedCertainty > highest {
			highest = dr.CombinedCertainty
			best = &domain.BestDiagnosis{
				DiseaseID:         dr.DiseaseID,
				CombinedCertainty: dr.CombinedCertainty,
				Percentage:        dr.Percentage,
			}
		}
	}
	return best
}

// Diagnose validates the rule base, evaluates the assertions and selects the
// best diagnosis.
func (e *CFEngine) Diagnose(assertions domain.AssertionSet, rules []domain.Rule) (*domain.DiagnosisResult, error) {
	if err := ValidateRules(rules); err != nil {
		return nil, err
	}
	for id, cf := range assertions {
		if math.IsNaN(cf) || cf < domain.MinUserCertainty || cf > domain.MaxUserCertainty {
			return nil, domain.NewValidationError("user_certainty",
				fmt.Sprintf("must be within [%g, %g] for symptom %s", domain.MinUserCertainty, domain.MaxUserCertainty, id), cf)
		}
	}

	startTime := time.Now()
	result := e.Evaluate(assertions, rules)
	result.Best = Select(result)

	fields := logrus.Fields{
		"assertions":      len(assertions),
		"rules":           len(rules),
		"diseases_scored": len(result.PerDisease),
		"duration":        time.Since(startTime),
	}
	if result.Best != nil {
		fields["best_disease_id"] = result.Best.DiseaseID
		fields["best_percentage"] = result.Best.Percentage
	}
	e.logger.WithFields(fields).Info("Certainty factor evaluation completed")

	return result, nil
}

// Evaluate folds every disease's matching rules into a combined certainty.
// Diseases whose combined certainty is not strictly positive are omitted.
func (e *CFEngine) Evaluate(assertions domain.AssertionSet, rules []domain.Rule) *domain.DiagnosisResult {
	result := &domain.DiagnosisResult{
		PerDisease:  make(map[string]domain.DiseaseResult),
		Order:       make([]string, 0),
		EvaluatedAt: time.Now().UTC(),
	}

	for _, g := range groupByDisease(rules) {
		combined, applied := e.fold(g, assertions)

		if e.trace {
			e.logger.WithFields(logrus.Fields{
				"disease_id":    g.id,
				"disease_code":  g.code,
				"combined_cf":   combined,
				"applied_rules": applied,
				"total_rules":   len(g.rules),
			}).Debug("Disease certainty folded")
		}

		if combined <= 0 {
			continue
		}
		result.PerDisease[g.id] = domain.DiseaseResult{
			DiseaseID:         g.id,
			DiseaseName:       g.name,
			DiseaseCode:       g.code,
			CombinedCertainty: combined,
			Percentage:        RoundPercentage(combined),
			AppliedRuleCount:  applied,
			TotalRuleCount:    len(g.rules),
		}
		result.Order = append(result.Order, g.id)
	}

	return result
}

// fold combines the single-premise certainties of every rule in g that has a
// matching assertion. Combine(0, x) == x, so the fold starts at zero.
func (e *CFEngine) fold(g *diseaseGroup, assertions domain.AssertionSet) (float64, int) {
	combined := 0.0
	applied := 0
	for _, rule := range g.rules {
		userCF, ok := assertions[rule.SymptomID]
		if !ok {
			continue
		}
		premise := SinglePremise(userCF, rule.ExpertCertainty)
		previous := combined
		combined = Combine(combined, premise)
		applied++

		if e.trace {
			e.logger.WithFields(logrus.Fields{
				"disease_id":   g.id,
				"symptom_code": rule.SymptomCode,
				"cf_user":      userCF,
				"cf_expert":    rule.ExpertCertainty,
				"cf_premise":   premise,
				"cf_previous":  previous,
				"cf_combined":  combined,
			}).Debug("Rule applied")
		}
	}
	return combined, applied
}
