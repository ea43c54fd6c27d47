package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cf-diagnosis-engine/internal/domain"
)

// DefaultStaleAfter is how long a session may stay in processing before
// Cleanup removes it.
const DefaultStaleAfter = 7 * 24 * time.Hour

// DiagnosisService runs the diagnosis session workflow: sessions collect
// symptom assertions in one or more batches and are evaluated against the
// rule base when a terminal batch arrives.
type DiagnosisService struct {
	logger            *logrus.Logger
	ruleBase          domain.RuleBase
	sessions          domain.SessionStore
	merger            *AssertionMerger
	engine            *CFEngine
	metrics           domain.MetricsRecorder
	allowReevaluation bool
	staleAfter        time.Duration
	now               func() time.Time
}

// Option configures a DiagnosisService.
type Option func(*DiagnosisService)

// WithMetrics sets the metrics recorder.
func WithMetrics(m domain.MetricsRecorder) Option {
	return func(s *DiagnosisService) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithReevaluation allows completed sessions to accept further batches and be
// evaluated again.
func WithReevaluation(allow bool) Option {
	return func(s *DiagnosisService) { s.allowReevaluation = allow }
}

// WithStaleAfter overrides DefaultStaleAfter.
func WithStaleAfter(d time.Duration) Option {
	return func(s *DiagnosisService) {
		if d > 0 {
			s.staleAfter = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *DiagnosisService) { s.now = now }
}

// WithEngine overrides the certainty-factor engine.
func WithEngine(e *CFEngine) Option {
	return func(s *DiagnosisService) { s.engine = e }
}

// NewDiagnosisService creates a new diagnosis service
func NewDiagnosisService(logger *logrus.Logger, ruleBase domain.RuleBase, sessions domain.SessionStore, opts ...Option) *DiagnosisService {
	s := &DiagnosisService{
		logger:     logger,
		ruleBase:   ruleBase,
		sessions:   sessions,
		merger:     NewAssertionMerger(sessions, logger),
		engine:     NewCFEngine(logger, false),
		metrics:    noopMetrics{},
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartSession creates an empty session in processing state.
func (s *DiagnosisService) StartSession(ctx context.Context) (*domain.Session, error) {
	now := s.now().UTC()
	session := &domain.Session{
		ID:         uuid.New().String(),
		Status:     domain.StatusProcessing,
		Assertions: make(domain.AssertionSet),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	s.metrics.SessionStarted()

	s.logger.WithField("session_id", session.ID).Info("Diagnosis session started")
	return session, nil
}

// GetSession returns a copy of a session.
func (s *DiagnosisService) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	session, err := s.sessions.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting session %s: %w", id, err)
	}
	return session, nil
}

// RecordAssertions merges a non-terminal batch into the session.
func (s *DiagnosisService) RecordAssertions(ctx context.Context, id string, batch []domain.AssertionInput) (*domain.Session, error) {
	if len(batch) == 0 {
		return nil, domain.ErrEmptyBatch
	}
	known, err := s.ruleBase.KnownSymptoms(ctx, SymptomIDs(batch))
	if err != nil {
		return nil, domain.NewDiagnosisError(domain.ErrRuleBase, "failed to look up symptoms", id, err)
	}

	session, applied, err := s.merger.Apply(ctx, id, batch, known, func(sess *domain.Session) error {
		if err := s.checkOpen(sess); err != nil {
			return err
		}
		sess.UpdatedAt = s.now().UTC()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("recording assertions for session %s: %w", id, err)
	}
	s.metrics.AssertionsMerged(applied)
	return session, nil
}

// SubmitSymptoms merges a terminal batch, evaluates the session's assertions
// against the current rule base and completes the session.
func (s *DiagnosisService) SubmitSymptoms(ctx context.Context, id string, batch []domain.AssertionInput) (*domain.Session, error) {
	if len(batch) == 0 {
		return nil, domain.ErrEmptyBatch
	}
	known, err := s.ruleBase.KnownSymptoms(ctx, SymptomIDs(batch))
	if err != nil {
		return nil, domain.NewDiagnosisError(domain.ErrRuleBase, "failed to look up symptoms", id, err)
	}
	rules, err := s.ruleBase.Rules(ctx)
	if err != nil {
		return nil, domain.NewDiagnosisError(domain.ErrRuleBase, "failed to load rule base", id, err)
	}

	session, applied, err := s.merger.Apply(ctx, id, batch, known, func(sess *domain.Session) error {
		if err := s.checkOpen(sess); err != nil {
			return err
		}
		return s.evaluate(sess, rules)
	})
	if err != nil {
		return nil, fmt.Errorf("submitting symptoms for session %s: %w", id, err)
	}
	s.metrics.AssertionsMerged(applied)
	s.logResult(session)
	return session, nil
}

// EvaluateSession evaluates the assertions already recorded for a session and
// completes it.
func (s *DiagnosisService) EvaluateSession(ctx context.Context, id string) (*domain.Session, error) {
	rules, err := s.ruleBase.Rules(ctx)
	if err != nil {
		return nil, domain.NewDiagnosisError(domain.ErrRuleBase, "failed to load rule base", id, err)
	}

	session, err := s.sessions.Update(ctx, id, func(sess *domain.Session) error {
		if err := s.checkOpen(sess); err != nil {
			return err
		}
		return s.evaluate(sess, rules)
	})
	if err != nil {
		return nil, fmt.Errorf("evaluating session %s: %w", id, err)
	}
	s.logResult(session)
	return session, nil
}

// ListSymptoms returns the symptom catalogue ordered by code.
func (s *DiagnosisService) ListSymptoms(ctx context.Context) ([]domain.Symptom, error) {
	symptoms, err := s.ruleBase.Symptoms(ctx)
	if err != nil {
		return nil, domain.NewDiagnosisError(domain.ErrRuleBase, "failed to list symptoms", "", err)
	}
	return symptoms, nil
}

// Cleanup removes sessions that stayed in processing longer than the stale age.
func (s *DiagnosisService) Cleanup(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.staleAfter)
	purged, err := s.sessions.PurgeStale(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging stale sessions: %w", err)
	}
	s.metrics.SessionsPurged(purged)

	s.logger.WithFields(logrus.Fields{
		"cutoff": cutoff,
		"purged": purged,
	}).Info("Stale diagnosis sessions purged")
	return purged, nil
}

func (s *DiagnosisService) checkOpen(sess *domain.Session) error {
	if sess.Status == domain.StatusCompleted && !s.allowReevaluation {
		return domain.ErrSessionCompleted
	}
	return nil
}

// evaluate runs the engine on the session's assertions and completes it.
func (s *DiagnosisService) evaluate(sess *domain.Session, rules []domain.Rule) error {
	startTime := time.Now()
	result, err := s.engine.Diagnose(sess.Assertions, rules)
	if err != nil {
		s.metrics.DiagnosisEvaluated(nil, time.Since(startTime))
		var ve *domain.ValidationError
		if errors.As(err, &ve) {
			return err
		}
		return domain.NewDiagnosisError(domain.ErrInternalServer, "evaluation failed", sess.ID, err)
	}
	s.metrics.DiagnosisEvaluated(result, time.Since(startTime))

	now := s.now().UTC()
	sess.Result = result
	sess.Status = domain.StatusCompleted
	sess.UpdatedAt = now
	sess.CompletedAt = &now
	return nil
}

func (s *DiagnosisService) logResult(session *domain.Session) {
	entry := s.logger.WithFields(logrus.Fields{
		"session_id":      session.ID,
		"assertions":      len(session.Assertions),
		"diseases_scored": len(session.Result.PerDisease),
	})
	if best := session.Result.Best; best != nil {
		entry.WithFields(logrus.Fields{
			"disease_id": best.DiseaseID,
			"percentage": best.Percentage,
		}).Info("Diagnosis completed")
		return
	}
	entry.Info("Diagnosis completed without a positive diagnosis")
}

type noopMetrics struct{}

func (noopMetrics) SessionStarted() {}
func (noopMetrics) AssertionsMerged(int) {}
func (noopMetrics) DiagnosisEvaluated(*domain.DiagnosisResult, time.Duration) {}
func (noopMetrics) SessionsPurged(int) {}
