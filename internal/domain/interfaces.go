package domain

import (
	"context"
	"time"
)

// RuleBase supplies the expert rule base and the reference data it is built on.
// Implementations must return snapshots the caller may freely read; the engine
// never mutates them.
type RuleBase interface {
	// Rules returns every rule of the rule base.
	Rules(ctx context.Context) ([]Rule, error)
	// KnownSymptoms returns the subset of ids that reference known symptoms.
	KnownSymptoms(ctx context.Context, ids []string) (map[string]bool, error)
	// Symptoms returns all symptoms ordered by code.
	Symptoms(ctx context.Context) ([]Symptom, error)
	// Diseases returns all diseases ordered by code.
	Diseases(ctx context.Context) ([]Disease, error)
}

// SessionStore holds diagnosis sessions keyed by session id.
type SessionStore interface {
	Create(ctx context.Context, session *Session) error
	// Get returns a copy of the session or ErrNotFound.
	Get(ctx context.Context, id string) (*Session, error)
	// Update applies fn to the session under a per-session lock. Concurrent
	// updates of the same session are serialized; different sessions proceed
	// independently. Changes are discarded when fn returns an error.
	Update(ctx context.Context, id string, fn func(*Session) error) (*Session, error)
	// List returns copies of all sessions ordered by creation time, newest first.
	List(ctx context.Context) ([]*Session, error)
	Delete(ctx context.Context, id string) error
	// PurgeStale removes sessions still processing that were created before cutoff.
	PurgeStale(ctx context.Context, cutoff time.Time) (int, error)
}

// MetricsRecorder receives engine and session events.
type MetricsRecorder interface {
	SessionStarted()
	AssertionsMerged(count int)
	// DiagnosisEvaluated receives a nil result when the evaluation failed.
	DiagnosisEvaluated(result *DiagnosisResult, duration time.Duration)
	SessionsPurged(count int)
}
