package rulebase

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/cf-diagnosis-engine/internal/domain"
)

// SQLiteRuleBase implements domain.RuleBase on a SQLite database.
type SQLiteRuleBase struct {
	db     *sql.DB
	dbPath string
	logger *logrus.Logger
}

// NewSQLiteRuleBase opens (and creates if needed) a SQLite rule base.
func NewSQLiteRuleBase(dbPath string, logger *logrus.Logger) (*SQLiteRuleBase, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteRuleBase{db: db, dbPath: dbPath, logger: logger}, nil
}

// NewSQLiteRuleBaseFromDB wraps an open database whose schema already exists.
func NewSQLiteRuleBaseFromDB(db *sql.DB, logger *logrus.Logger) *SQLiteRuleBase {
	return &SQLiteRuleBase{db: db, logger: logger}
}

// createSchema creates the rule-base tables and indexes.
func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS symptoms (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		description TEXT DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS diseases (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS rules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		disease_id TEXT NOT NULL REFERENCES diseases(id) ON DELETE CASCADE,
		symptom_id TEXT NOT NULL REFERENCES symptoms(id) ON DELETE CASCADE,
		cf_value REAL NOT NULL CHECK (cf_value >= -1 AND cf_value <= 1),
		UNIQUE(disease_id, symptom_id)
	);

	CREATE INDEX IF NOT EXISTS idx_rules_disease ON rules(disease_id);
	CREATE INDEX IF NOT EXISTS idx_rules_symptom ON rules(symptom_id);
	`

	_, err := db.Exec(schema)
	return err
}

const selectRulesSQL = `
	SELECT r.disease_id, d.code, d.name, r.symptom_id, s.code, s.name, r.cf_value
	FROM rules r
	JOIN diseases d ON d.id = r.disease_id
	JOIN symptoms s ON s.id = r.symptom_id
	ORDER BY d.code, s.code
`

// Rules returns every rule joined with its display metadata.
func (s *SQLiteRuleBase) Rules(ctx context.Context) ([]domain.Rule, error) {
	rows, err := s.db.QueryContext(ctx, selectRulesSQL)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var rules []domain.Rule
	for rows.Next() {
		var r domain.Rule
		if err := rows.Scan(&r.DiseaseID, &r.DiseaseCode, &r.DiseaseName,
			&r.SymptomID, &r.SymptomCode, &r.SymptomName, &r.ExpertCertainty); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// KnownSymptoms returns the subset of ids present in the symptoms table.
func (s *SQLiteRuleBase) KnownSymptoms(ctx context.Context, ids []string) (map[string]bool, error) {
	known := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return known, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, "SELECT id FROM symptoms WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query symptoms: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan symptom id: %w", err)
		}
		known[id] = true
	}
	return known, rows.Err()
}

// Symptoms returns all symptoms ordered by code.
func (s *SQLiteRuleBase) Symptoms(ctx context.Context) ([]domain.Symptom, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, code, name, description FROM symptoms ORDER BY code")
	if err != nil {
		return nil, fmt.Errorf("failed to query symptoms: %w", err)
	}
	defer rows.Close()

	var symptoms []domain.Symptom
	for rows.Next() {
		var sym domain.Symptom
		var desc sql.NullString
		if err := rows.Scan(&sym.ID, &sym.Code, &sym.Name, &desc); err != nil {
			return nil, fmt.Errorf("failed to scan symptom: %w", err)
		}
		sym.Description = desc.String
		symptoms = append(symptoms, sym)
	}
	return symptoms, rows.Err()
}

// Diseases returns all diseases ordered by code.
func (s *SQLiteRuleBase) Diseases(ctx context.Context) ([]domain.Disease, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, code, name FROM diseases ORDER BY code")
	if err != nil {
		return nil, fmt.Errorf("failed to query diseases: %w", err)
	}
	defer rows.Close()

	var diseases []domain.Disease
	for rows.Next() {
		var d domain.Disease
		if err := rows.Scan(&d.ID, &d.Code, &d.Name); err != nil {
			return nil, fmt.Errorf("failed to scan disease: %w", err)
		}
		diseases = append(diseases, d)
	}
	return diseases, rows.Err()
}

// Import replaces the stored rule base with snap in a single transaction.
func (s *SQLiteRuleBase) Import(ctx context.Context, snap *Snapshot) error {
	own := snap.Clone()
	if err := own.Validate(); err != nil {
		return fmt.Errorf("invalid rule base: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{"DELETE FROM rules", "DELETE FROM diseases", "DELETE FROM symptoms"} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to clear rule base: %w", err)
		}
	}

	for _, sym := range own.Symptoms {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO symptoms (id, code, name, description) VALUES (?, ?, ?, ?)",
			sym.ID, sym.Code, sym.Name, sym.Description); err != nil {
			return fmt.Errorf("failed to insert symptom %s: %w", sym.Code, err)
		}
	}
	for _, d := range own.Diseases {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO diseases (id, code, name) VALUES (?, ?, ?)",
			d.ID, d.Code, d.Name); err != nil {
			return fmt.Errorf("failed to insert disease %s: %w", d.Code, err)
		}
	}
	for _, r := range own.Rules {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO rules (disease_id, symptom_id, cf_value) VALUES (?, ?, ?)
			ON CONFLICT(disease_id, symptom_id) DO UPDATE SET cf_value = excluded.cf_value
		`, r.DiseaseID, r.SymptomID, r.ExpertCertainty); err != nil {
			return fmt.Errorf("failed to insert rule %s/%s: %w", r.DiseaseCode, r.SymptomCode, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rule base: %w", err)
	}

	if s.logger != nil {
		s.logger.WithFields(logrus.Fields{
			"symptoms": len(own.Symptoms),
			"diseases": len(own.Diseases),
			"rules":    len(own.Rules),
		}).Info("Rule base imported")
	}
	return nil
}

// Close closes the database.
func (s *SQLiteRuleBase) Close() error {
	return s.db.Close()
}
