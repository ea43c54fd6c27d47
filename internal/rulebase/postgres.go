package rulebase

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/cf-diagnosis-engine/internal/domain"
)

// pgxConn is the part of *pgxpool.Pool the rule base needs.
type pgxConn interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresRuleBase implements domain.RuleBase on PostgreSQL. The schema is
// created by the migrations in migrations/.
type PostgresRuleBase struct {
	db  pgxConn
	log *logrus.Logger
}

// NewPostgresRuleBase creates a rule base on an open pool.
func NewPostgresRuleBase(db pgxConn, logger *logrus.Logger) *PostgresRuleBase {
	return &PostgresRuleBase{
		db:  db,
		log: logger,
	}
}

// Rules returns every rule joined with its display metadata.
func (r *PostgresRuleBase) Rules(ctx context.Context) ([]domain.Rule, error) {
	query := `
		SELECT r.disease_id, d.code, d.name, r.symptom_id, s.code, s.name, r.cf_value
		FROM rules r
		JOIN diseases d ON d.id = r.disease_id
		JOIN symptoms s ON s.id = r.symptom_id
		ORDER BY d.code, s.code`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying rules: %w", err)
	}
	defer rows.Close()

	var rules []domain.Rule
	for rows.Next() {
		var rule domain.Rule
		if err := rows.Scan(&rule.DiseaseID, &rule.DiseaseCode, &rule.DiseaseName,
			&rule.SymptomID, &rule.SymptomCode, &rule.SymptomName, &rule.ExpertCertainty); err != nil {
			return nil, fmt.Errorf("scanning rule: %w", err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rules: %w", err)
	}
	return rules, nil
}

// KnownSymptoms returns the subset of ids present in the symptoms table.
func (r *PostgresRuleBase) KnownSymptoms(ctx context.Context, ids []string) (map[string]bool, error) {
	known := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return known, nil
	}

	rows, err := r.db.Query(ctx, "SELECT id FROM symptoms WHERE id = ANY($1)", ids)
	if err != nil {
		return nil, fmt.Errorf("querying symptoms: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning symptom id: %w", err)
		}
		known[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating symptoms: %w", err)
	}
	return known, nil
}

// Symptoms returns all symptoms ordered by code.
func (r *PostgresRuleBase) Symptoms(ctx context.Context) ([]domain.Symptom, error) {
	rows, err := r.db.Query(ctx, "SELECT id, code, name, COALESCE(description, '') FROM symptoms ORDER BY code")
	if err != nil {
		return nil, fmt.Errorf("querying symptoms: %w", err)
	}
	defer rows.Close()

	var symptoms []domain.Symptom
	for rows.Next() {
		var s domain.Symptom
		if err := rows.Scan(&s.ID, &s.Code, &s.Name, &s.Description); err != nil {
			return nil, fmt.Errorf("scanning symptom: %w", err)
		}
		symptoms = append(symptoms, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating symptoms: %w", err)
	}
	return symptoms, nil
}

// Diseases returns all diseases ordered by code.
func (r *PostgresRuleBase) Diseases(ctx context.Context) ([]domain.Disease, error) {
	rows, err := r.db.Query(ctx, "SELECT id, code, name FROM diseases ORDER BY code")
	if err != nil {
		return nil, fmt.Errorf("querying diseases: %w", err)
	}
	defer rows.Close()

	var diseases []domain.Disease
	for rows.Next() {
		var d domain.Disease
		if err := rows.Scan(&d.ID, &d.Code, &d.Name); err != nil {
			return nil, fmt.Errorf("scanning disease: %w", err)
		}
		diseases = append(diseases, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating diseases: %w", err)
	}
	return diseases, nil
}

// Import replaces the stored rule base with snap in a single transaction.
func (r *PostgresRuleBase) Import(ctx context.Context, snap *Snapshot) error {
	own := snap.Clone()
	if err := own.Validate(); err != nil {
		return fmt.Errorf("invalid rule base: %w", err)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning import: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "TRUNCATE rules, diseases, symptoms"); err != nil {
		return fmt.Errorf("clearing rule base: %w", err)
	}

	symptomRows := make([][]any, 0, len(own.Symptoms))
	for _, s := range own.Symptoms {
		symptomRows = append(symptomRows, []any{s.ID, s.Code, s.Name, s.Description})
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"symptoms"},
		[]string{"id", "code", "name", "description"}, pgx.CopyFromRows(symptomRows)); err != nil {
		return fmt.Errorf("copying symptoms: %w", err)
	}

	diseaseRows := make([][]any, 0, len(own.Diseases))
	for _, d := range own.Diseases {
		diseaseRows = append(diseaseRows, []any{d.ID, d.Code, d.Name})
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"diseases"},
		[]string{"id", "code", "name"}, pgx.CopyFromRows(diseaseRows)); err != nil {
		return fmt.Errorf("copying diseases: %w", err)
	}

	// Later duplicates of a (disease, symptom) pair win, as in the SQLite store.
	batch := &pgx.Batch{}
	for _, rule := range own.Rules {
		batch.Queue(`
			INSERT INTO rules (disease_id, symptom_id, cf_value) VALUES ($1, $2, $3)
			ON CONFLICT (disease_id, symptom_id) DO UPDATE SET cf_value = EXCLUDED.cf_value`,
			rule.DiseaseID, rule.SymptomID, rule.ExpertCertainty)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("inserting rules: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing import: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"symptoms": len(own.Symptoms),
		"diseases": len(own.Diseases),
		"rules":    len(own.Rules),
	}).Info("Rule base imported")
	return nil
}
