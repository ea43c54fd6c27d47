package service

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cast"

	"github.com/cf-diagnosis-engine/internal/domain"
)

// CoerceCertainty interprets a raw submitted certainty as a user certainty
// factor. Numeric strings are accepted; anything else that does not parse as
// a finite number in [0, 1] is a validation error.
func CoerceCertainty(symptomID string, raw interface{}) (float64, error) {
	switch v := raw.(type) {
	case nil, bool:
		return 0, domain.NewValidationError("certainty", fmt.Sprintf("symptom %s: not a number", symptomID), raw)
	case string:
		raw = strings.TrimSpace(v)
	}

	cf, err := cast.ToFloat64E(raw)
	if err != nil || math.IsNaN(cf) || math.IsInf(cf, 0) {
		return 0, domain.NewValidationError("certainty", fmt.Sprintf("symptom %s: not a number", symptomID), raw)
	}
	if cf < domain.MinUserCertainty || cf > domain.MaxUserCertainty {
		return 0, domain.NewValidationError("certainty",
			fmt.Sprintf("symptom %s: must be within [%g, %g]", symptomID, domain.MinUserCertainty, domain.MaxUserCertainty), cf)
	}
	return cf, nil
}

// MergeAssertions reconciles an incoming batch against a session's prior
// assertion set and returns the new canonical set. The prior set is not
// modified.
//
// Ids absent from known are dropped silently; a nil known accepts every id.
// Within a batch only the first occurrence of a symptom is honoured. A
// surviving assertion overwrites any prior certainty for its symptom. If any
// surviving assertion fails coercion the whole batch is rejected.
func MergeAssertions(prior domain.AssertionSet, batch []domain.AssertionInput, known map[string]bool) (domain.AssertionSet, int, error) {
	incoming := make(map[string]float64, len(batch))
	for _, in := range batch {
		if known != nil && !known[in.SymptomID] {
			continue
		}
		if _, seen := incoming[in.SymptomID]; seen {
			continue
		}
		cf, err := CoerceCertainty(in.SymptomID, in.Certainty)
		if err != nil {
			return nil, 0, err
		}
		incoming[in.SymptomID] = cf
	}

	merged := prior.Clone()
	for id, cf := range incoming {
		merged[id] = cf
	}
	return merged, len(incoming), nil
}

// SymptomIDs returns the distinct symptom ids of a batch in submission order.
func SymptomIDs(batch []domain.AssertionInput) []string {
	seen := make(map[string]bool, len(batch))
	ids := make([]string, 0, len(batch))
	for _, in := range batch {
		if seen[in.SymptomID] {
			continue
		}
		seen[in.SymptomID] = true
		ids = append(ids, in.SymptomID)
	}
	return ids
}

// AssertionMerger applies batches to sessions held in a SessionStore. The
// store serializes updates per session, so concurrent submissions to one
// session keep last-write-wins semantics.
type AssertionMerger struct {
	store  domain.SessionStore
	logger *logrus.Logger
}

// NewAssertionMerger creates a merger bound to store.
func NewAssertionMerger(store domain.SessionStore, logger *logrus.Logger) *AssertionMerger {
	return &AssertionMerger{store: store, logger: logger}
}

// Apply merges batch into the session's assertion set and reports how many
// assertions were applied after unknown ids and in-batch repeats were
// dropped. If then is non-nil it runs against the merged session inside the
// same serialized update; an error from then discards the merge.
func (m *AssertionMerger) Apply(ctx context.Context, sessionID string, batch []domain.AssertionInput, known map[string]bool, then func(*domain.Session) error) (*domain.Session, int, error) {
	var applied int
	session, err := m.store.Update(ctx, sessionID, func(s *domain.Session) error {
		merged, n, err := MergeAssertions(s.Assertions, batch, known)
		if err != nil {
			return err
		}
		s.Assertions = merged
		applied = n
		if then != nil {
			return then(s)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	m.logger.WithFields(logrus.Fields{
		"session_id":       sessionID,
		"submitted":        len(batch),
		"applied":          applied,
		"total_assertions": len(session.Assertions),
	}).Debug("Assertions merged")

	return session, applied, nil
}
