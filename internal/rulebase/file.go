package rulebase

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cf-diagnosis-engine/internal/domain"
)

// Document is the on-disk rule-base format. Rules reference diseases and
// symptoms by id or by code.
type Document struct {
	Symptoms []domain.Symptom `json:"symptoms" yaml:"symptoms"`
	Diseases []domain.Disease `json:"diseases" yaml:"diseases"`
	Rules    []RuleEntry      `json:"rules" yaml:"rules"`
}

// RuleEntry is one rule of a Document.
type RuleEntry struct {
	Disease   string  `json:"disease" yaml:"disease"`
	Symptom   string  `json:"symptom" yaml:"symptom"`
	Certainty float64 `json:"certainty" yaml:"certainty"`
}

// LoadFile reads a rule-base document. Files ending in .json are decoded as
// JSON, everything else as YAML.
func LoadFile(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening rule base %s: %w", path, err)
	}
	defer f.Close()

	format := "yaml"
	if strings.EqualFold(filepath.Ext(path), ".json") {
		format = "json"
	}
	snap, err := Decode(f, format)
	if err != nil {
		return nil, fmt.Errorf("reading rule base %s: %w", path, err)
	}
	return snap, nil
}

// Decode reads a document in the given format ("json" or "yaml") and resolves
// it into a validated snapshot.
func Decode(r io.Reader, format string) (*Snapshot, error) {
	var doc Document
	switch format {
	case "json":
		if err := json.NewDecoder(r).Decode(&doc); err != nil {
			return nil, fmt.Errorf("decoding JSON: %w", err)
		}
	case "yaml", "yml":
		if err := yaml.NewDecoder(r).Decode(&doc); err != nil && err != io.EOF {
			return nil, fmt.Errorf("decoding YAML: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported rule base format %q", format)
	}
	return doc.Resolve()
}

// Resolve turns the document into a snapshot. Symptoms and diseases without
// an id use their code as id.
func (d *Document) Resolve() (*Snapshot, error) {
	snap := &Snapshot{
		Symptoms: make([]domain.Symptom, 0, len(d.Symptoms)),
		Diseases: make([]domain.Disease, 0, len(d.Diseases)),
		Rules:    make([]domain.Rule, 0, len(d.Rules)),
	}

	symptomRefs := make(map[string]string)
	for _, s := range d.Symptoms {
		if s.ID == "" {
			s.ID = s.Code
		}
		snap.Symptoms = append(snap.Symptoms, s)
		symptomRefs[s.Code] = s.ID
		symptomRefs[s.ID] = s.ID
	}
	diseaseRefs := make(map[string]string)
	for _, dis := range d.Diseases {
		if dis.ID == "" {
			dis.ID = dis.Code
		}
		snap.Diseases = append(snap.Diseases, dis)
		diseaseRefs[dis.Code] = dis.ID
		diseaseRefs[dis.ID] = dis.ID
	}

	for i, entry := range d.Rules {
		diseaseID, ok := diseaseRefs[entry.Disease]
		if !ok {
			return nil, domain.NewValidationError("rules.disease", fmt.Sprintf("rule %d references unknown disease", i), entry.Disease)
		}
		symptomID, ok := symptomRefs[entry.Symptom]
		if !ok {
			return nil, domain.NewValidationError("rules.symptom", fmt.Sprintf("rule %d references unknown symptom", i), entry.Symptom)
		}
		snap.Rules = append(snap.Rules, domain.Rule{
			DiseaseID:       diseaseID,
			SymptomID:       symptomID,
			ExpertCertainty: entry.Certainty,
		})
	}

	if err := snap.Validate(); err != nil {
		return nil, err
	}
	return snap, nil
}

// Encode writes the snapshot as a document whose rules reference ids.
func Encode(w io.Writer, snap *Snapshot, format string) error {
	doc := Document{
		Symptoms: snap.Symptoms,
		Diseases: snap.Diseases,
		Rules:    make([]RuleEntry, 0, len(snap.Rules)),
	}
	for _, r := range snap.Rules {
		doc.Rules = append(doc.Rules, RuleEntry{Disease: r.DiseaseID, Symptom: r.SymptomID, Certainty: r.ExpertCertainty})
	}

	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(doc)
	default:
		return fmt.Errorf("unsupported rule base format %q", format)
	}
}
