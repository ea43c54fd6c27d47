package rulebase

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cf-diagnosis-engine/internal/domain"
)

func testSnapshot() *Snapshot {
	return &Snapshot{
		Symptoms: []domain.Symptom{
			{ID: "S2", Code: "G02", Name: "Cough"},
			{ID: "S1", Code: "G01", Name: "Fever"},
			{ID: "S3", Code: "G03", Name: "Rash"},
		},
		Diseases: []domain.Disease{
			{ID: "D2", Code: "P02", Name: "Measles"},
			{ID: "D1", Code: "P01", Name: "Influenza"},
		},
		Rules: []domain.Rule{
			{DiseaseID: "D1", SymptomID: "S1", ExpertCertainty: 0.6},
			{DiseaseID: "D1", SymptomID: "S2", ExpertCertainty: 0.5},
			{DiseaseID: "D2", SymptomID: "S3", ExpertCertainty: 0.8},
		},
	}
}

func TestNewMemoryRuleBase(t *testing.T) {
	ctx := context.Background()
	rb, err := NewMemoryRuleBase(testSnapshot())
	require.NoError(t, err)

	symptoms, err := rb.Symptoms(ctx)
	require.NoError(t, err)
	require.Len(t, symptoms, 3)
	assert.Equal(t, []string{"G01", "G02", "G03"}, []string{symptoms[0].Code, symptoms[1].Code, symptoms[2].Code})

	diseases, err := rb.Diseases(ctx)
	require.NoError(t, err)
	assert.Equal(t, "P01", diseases[0].Code)

	rules, err := rb.Rules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 3)
	assert.Equal(t, "Influenza", rules[0].DiseaseName)
	assert.Equal(t, "G01", rules[0].SymptomCode)
	assert.Equal(t, "Fever", rules[0].SymptomName)
}

func TestMemoryRuleBase_KnownSymptoms(t *testing.T) {
	rb, err := NewMemoryRuleBase(testSnapshot())
	require.NoError(t, err)

	known, err := rb.KnownSymptoms(context.Background(), []string{"S1", "S9", "S3"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"S1": true, "S3": true}, known)
}

func TestMemoryRuleBase_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	snap := testSnapshot()
	rb, err := NewMemoryRuleBase(snap)
	require.NoError(t, err)

	// Mutating the input after construction must not leak in.
	snap.Rules[0].ExpertCertainty = -1

	rules, err := rb.Rules(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.6, rules[0].ExpertCertainty)

	rules[0].ExpertCertainty = 0
	again, err := rb.Rules(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.6, again[0].ExpertCertainty)
}

func TestSnapshot_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Snapshot)
		field  string
	}{
		{
			name:   "unknown disease",
			mutate: func(s *Snapshot) { s.Rules[0].DiseaseID = "D9" },
			field:  "rule.disease_id",
		},
		{
			name:   "unknown symptom",
			mutate: func(s *Snapshot) { s.Rules[0].SymptomID = "S9" },
			field:  "rule.symptom_id",
		},
		{
			name:   "duplicate symptom",
			mutate: func(s *Snapshot) { s.Symptoms[1].ID = "S2" },
			field:  "symptom.id",
		},
		{
			name:   "missing disease id",
			mutate: func(s *Snapshot) { s.Diseases[0].ID = "" },
			field:  "disease.id",
		},
		{
			name:   "duplicate symptom code",
			mutate: func(s *Snapshot) { s.Symptoms[1].Code = s.Symptoms[0].Code },
			field:  "symptom.code",
		},
		{
			name:   "duplicate disease code",
			mutate: func(s *Snapshot) { s.Diseases[1].Code = s.Diseases[0].Code },
			field:  "disease.code",
		},
		{
			name:   "repeated disease and symptom pair",
			mutate: func(s *Snapshot) { s.Rules = append(s.Rules, s.Rules[0]) },
			field:  "rule",
		},
		{
			name:   "expert certainty out of range",
			mutate: func(s *Snapshot) { s.Rules[2].ExpertCertainty = 1.5 },
			field:  "expert_certainty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := testSnapshot()
			tt.mutate(snap)

			err := snap.Validate()
			require.Error(t, err)
			var ve *domain.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestLoad(t *testing.T) {
	rb, err := NewMemoryRuleBase(testSnapshot())
	require.NoError(t, err)

	snap, err := Load(context.Background(), rb)
	require.NoError(t, err)
	assert.Len(t, snap.Symptoms, 3)
	assert.Len(t, snap.Diseases, 2)
	assert.Len(t, snap.Rules, 3)
}

func TestLoadFile_YAML(t *testing.T) {
	snap, err := LoadFile("testdata/rules.yaml")
	require.NoError(t, err)

	require.Len(t, snap.Symptoms, 3)
	require.Len(t, snap.Rules, 4)
	// Codes double as ids when no id is given.
	assert.Equal(t, "G01", snap.Symptoms[0].ID)
	assert.Equal(t, "P01", snap.Rules[0].DiseaseID)
	assert.Equal(t, "Influenza", snap.Rules[0].DiseaseName)
	assert.Equal(t, "Body temperature above 38C", snap.Symptoms[0].Description)
}

func TestLoadFile_JSON(t *testing.T) {
	snap, err := LoadFile("testdata/rules.json")
	require.NoError(t, err)

	require.Len(t, snap.Rules, 2)
	// Rules may reference by id or by code.
	assert.Equal(t, "d-1", snap.Rules[0].DiseaseID)
	assert.Equal(t, "s-1", snap.Rules[0].SymptomID)
	assert.Equal(t, "d-1", snap.Rules[1].DiseaseID)
	assert.Equal(t, "s-2", snap.Rules[1].SymptomID)
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := LoadFile("testdata/does-not-exist.yaml")
	assert.Error(t, err)
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		format string
	}{
		{"unsupported format", "{}", "toml"},
		{"malformed json", "{", "json"},
		{"unknown disease reference", "symptoms: [{code: G01, name: Fever}]\nrules: [{disease: P99, symptom: G01, certainty: 0.5}]\n", "yaml"},
		{"certainty out of range", "symptoms: [{code: G01, name: Fever}]\ndiseases: [{code: P01, name: Flu}]\nrules: [{disease: P01, symptom: G01, certainty: 2}]\n", "yaml"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(tt.input), tt.format)
			assert.Error(t, err)
		})
	}
}

func TestDecode_RepeatedRule(t *testing.T) {
	doc := `symptoms: [{code: G01, name: Fever}]
diseases: [{code: P01, name: Influenza}]
rules:
  - {disease: P01, symptom: G01, certainty: 0.6}
  - {disease: P01, symptom: G01, certainty: 0.6}
`
	_, err := Decode(strings.NewReader(doc), "yaml")
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "rule", ve.Field)
	assert.Contains(t, ve.Message, "repeats rule 0")
}

func TestDecode_EmptyYAML(t *testing.T) {
	snap, err := Decode(strings.NewReader(""), "yaml")
	require.NoError(t, err)
	assert.Empty(t, snap.Rules)
}

func TestEncode_RoundTrip(t *testing.T) {
	original := testSnapshot()
	require.NoError(t, original.Validate())

	for _, format := range []string{"yaml", "json"} {
		t.Run(format, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, Encode(&buf, original, format))

			decoded, err := Decode(&buf, format)
			require.NoError(t, err)
			assert.Equal(t, original.Rules, decoded.Rules)
			assert.ElementsMatch(t, original.Symptoms, decoded.Symptoms)
		})
	}
}
