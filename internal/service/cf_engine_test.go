package service

import (
	"math"
	"math/rand"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cf-diagnosis-engine/internal/domain"
)

func rule(disease, symptom string, cf float64) domain.Rule {
	return domain.Rule{DiseaseID: disease, DiseaseCode: "C-" + disease, DiseaseName: "Disease " + disease, SymptomID: symptom, ExpertCertainty: cf}
}

func TestSinglePremise(t *testing.T) {
	assert.InDelta(t, 0.48, SinglePremise(0.8, 0.6), 1e-12)
	assert.InDelta(t, -0.4, SinglePremise(0.5, -0.8), 1e-12)
	assert.Equal(t, 0.0, SinglePremise(0, 0.9))
}

func TestCombine(t *testing.T) {
	assert.InDelta(t, 0.636, Combine(0.48, 0.30), 1e-12)
	assert.Equal(t, 0.3, Combine(0, 0.3), "zero is the identity")
	assert.Equal(t, 0.3, Combine(0.3, 0))
	// Negative operands use the same formula.
	assert.InDelta(t, 0.5+(-0.2)*0.5, Combine(0.5, -0.2), 1e-12)
}

func TestCombine_Properties(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		a, b, c := r.Float64(), r.Float64(), r.Float64()

		assert.InDelta(t, Combine(a, b), Combine(b, a), 1e-12, "commutative")
		assert.InDelta(t, Combine(Combine(a, b), c), Combine(a, Combine(b, c)), 1e-12, "associative")

		// Adding non-negative evidence never lowers the combined certainty.
		assert.GreaterOrEqual(t, Combine(a, b)+1e-15, a, "monotone")
		assert.LessOrEqual(t, Combine(a, b), 1.0+1e-12, "bounded")
	}
}

func TestRoundPercentage(t *testing.T) {
	tests := []struct {
		cf       float64
		expected float64
	}{
		{0.48, 48.00},
		{0.636, 63.60},
		{0.123456, 12.35},
		{0.123, 12.3},
		{1, 100},
		{0.99994, 99.99},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, RoundPercentage(tt.cf), "cf=%v", tt.cf)
	}
}

func TestEvaluate_SingleRule(t *testing.T) {
	rules := []domain.Rule{rule("D1", "S1", 0.6)}
	assertions := domain.AssertionSet{"S1": 0.8}

	result := Evaluate(assertions, rules)
	result.Best = Select(result)

	require.Contains(t, result.PerDisease, "D1")
	assert.InDelta(t, 0.48, result.PerDisease["D1"].CombinedCertainty, 1e-12)
	assert.Equal(t, 48.00, result.PerDisease["D1"].Percentage)
	require.NotNil(t, result.Best)
	assert.Equal(t, "D1", result.Best.DiseaseID)
}

func TestEvaluate_TwoRulesCombine(t *testing.T) {
	rules := []domain.Rule{rule("D1", "S1", 0.6), rule("D1", "S2", 0.5)}
	assertions := domain.AssertionSet{"S1": 0.8, "S2": 0.6}

	result := Evaluate(assertions, rules)

	dr := result.PerDisease["D1"]
	assert.InDelta(t, 0.636, dr.CombinedCertainty, 1e-12)
	assert.Equal(t, 63.60, dr.Percentage)
	assert.Equal(t, 2, dr.AppliedRuleCount)
	assert.Equal(t, 2, dr.TotalRuleCount)
}

func TestEvaluate_UnassertedDiseaseAbsent(t *testing.T) {
	rules := []domain.Rule{rule("D1", "S1", 0.6), rule("D2", "S3", 0.9)}
	assertions := domain.AssertionSet{"S1": 0.8}

	result := Evaluate(assertions, rules)

	assert.Contains(t, result.PerDisease, "D1")
	assert.NotContains(t, result.PerDisease, "D2")
	assert.Equal(t, []string{"D1"}, result.Order)
}

func TestSelect_TieGoesToLowestDiseaseID(t *testing.T) {
	// Both diseases reach 0.636; rules are listed with D2 first.
	rules := []domain.Rule{
		rule("D2", "S1", 0.6), rule("D2", "S2", 0.5),
		rule("D1", "S1", 0.6), rule("D1", "S2", 0.5),
	}
	assertions := domain.AssertionSet{"S1": 0.8, "S2": 0.6}

	for i := 0; i < 50; i++ {
		result := Evaluate(assertions, rules)
		best := Select(result)
		require.NotNil(t, best)
		assert.Equal(t, result.PerDisease["D1"].CombinedCertainty, result.PerDisease["D2"].CombinedCertainty)
		assert.Equal(t, "D1", best.DiseaseID, "ties go to the first disease in ascending id order")
		assert.Equal(t, []string{"D1", "D2"}, result.Order)
	}
}

func TestEvaluate_PositivityFilter(t *testing.T) {
	rules := []domain.Rule{
		rule("D1", "S1", 0.6),
		rule("D2", "S1", -0.5),
		rule("D3", "S2", 0.9),
	}
	// S2 asserted with zero certainty yields a combined certainty of exactly 0.
	assertions := domain.AssertionSet{"S1": 0.5, "S2": 0}

	result := Evaluate(assertions, rules)

	assert.Contains(t, result.PerDisease, "D1")
	assert.NotContains(t, result.PerDisease, "D2", "negative certainty is filtered")
	assert.NotContains(t, result.PerDisease, "D3", "zero certainty is filtered")
	for _, dr := range result.PerDisease {
		assert.Greater(t, dr.CombinedCertainty, 0.0)
	}
}

func TestEvaluate_RuleOrderIndependence(t *testing.T) {
	rules := []domain.Rule{
		rule("D1", "S1", 0.6), rule("D1", "S2", 0.5), rule("D1", "S3", 0.3),
		rule("D2", "S2", 0.7), rule("D2", "S3", 0.4),
	}
	assertions := domain.AssertionSet{"S1": 0.8, "S2": 0.6, "S3": 0.9}
	expected := Evaluate(assertions, rules)

	r := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		shuffled := append([]domain.Rule(nil), rules...)
		r.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })

		got := Evaluate(assertions, shuffled)
		assert.Equal(t, expected.Order, got.Order)
		for id, dr := range expected.PerDisease {
			assert.InDelta(t, dr.CombinedCertainty, got.PerDisease[id].CombinedCertainty, 1e-12)
		}
	}
}

func TestEvaluate_SingleRuleEqualsPremise(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	for i := 0; i < 100; i++ {
		u, e := r.Float64(), r.Float64()
		if u*e == 0 {
			continue
		}
		result := Evaluate(domain.AssertionSet{"S1": u}, []domain.Rule{rule("D1", "S1", e)})
		assert.Equal(t, SinglePremise(u, e), result.PerDisease["D1"].CombinedCertainty)
	}
}

func TestEvaluate_Empty(t *testing.T) {
	result := Evaluate(domain.AssertionSet{}, []domain.Rule{rule("D1", "S1", 0.6)})
	assert.Empty(t, result.PerDisease)
	assert.Nil(t, Select(result))

	result = Evaluate(domain.AssertionSet{"S1": 1}, nil)
	assert.Empty(t, result.PerDisease)
	assert.Nil(t, Select(nil))
}

func TestCFEngine_Diagnose(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	engine := NewCFEngine(logger, true)

	result, err := engine.Diagnose(domain.AssertionSet{"S1": 0.8, "S2": 0.6},
		[]domain.Rule{rule("D1", "S1", 0.6), rule("D1", "S2", 0.5)})
	require.NoError(t, err)
	require.True(t, result.HasDiagnosis())
	assert.Equal(t, 63.60, result.Best.Percentage)

	var folds, applied int
	for _, e := range hook.AllEntries() {
		switch e.Message {
		case "Disease certainty folded":
			folds++
		case "Rule applied":
			applied++
		}
	}
	assert.Equal(t, 1, folds)
	assert.Equal(t, 2, applied)
	assert.Equal(t, "Certainty factor evaluation completed", hook.LastEntry().Message)
	assert.Equal(t, "D1", hook.LastEntry().Data["best_disease_id"])
}

func TestCFEngine_DiagnoseValidation(t *testing.T) {
	engine := NewCFEngine(nil, false)

	tests := []struct {
		name       string
		assertions domain.AssertionSet
		rules      []domain.Rule
		field      string
	}{
		{"expert certainty above range", domain.AssertionSet{"S1": 0.5}, []domain.Rule{rule("D1", "S1", 1.2)}, "expert_certainty"},
		{"expert certainty NaN", domain.AssertionSet{"S1": 0.5}, []domain.Rule{rule("D1", "S1", math.NaN())}, "expert_certainty"},
		{"user certainty negative", domain.AssertionSet{"S1": -0.1}, []domain.Rule{rule("D1", "S1", 0.5)}, "user_certainty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.Diagnose(tt.assertions, tt.rules)
			var ve *domain.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestCFEngine_DoesNotMutateInputs(t *testing.T) {
	rules := []domain.Rule{rule("D2", "S1", 0.6), rule("D1", "S1", 0.4)}
	assertions := domain.AssertionSet{"S1": 0.8}
	rulesCopy := append([]domain.Rule(nil), rules...)

	_, err := NewCFEngine(nil, false).Diagnose(assertions, rules)
	require.NoError(t, err)
	assert.Equal(t, rulesCopy, rules)
	assert.Equal(t, domain.AssertionSet{"S1": 0.8}, assertions)
}
