// Package transform materializes the analytics schema from the raw tables.
// Models are SQL SELECT statements embedded from models/*.sql; the numeric
// file prefix fixes the build order and the first line declares how the
// result is materialized ("-- materialized: view" or "-- materialized: table").
package transform

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// Schema is where every model is created.
const Schema = "analytics"

//go:embed models/*.sql
var modelsFS embed.FS

var (
	modelFilePattern = regexp.MustCompile(`^[0-9]+_([a-z_][a-z0-9_]*)\.sql$`)
	headerPattern    = regexp.MustCompile(`^--\s*materialized:\s*(view|table)\s*$`)
)

// Model is one SQL model.
type Model struct {
	Name         string
	Materialized string
	SQL          string
}

// QualifiedName returns schema.name.
func (m Model) QualifiedName() string {
	return Schema + "." + m.Name
}

// Statements returns the DDL that rebuilds the model from scratch.
func (m Model) Statements() []string {
	kind := "VIEW"
	if m.Materialized == "table" {
		kind = "TABLE"
	}
	return []string{
		fmt.Sprintf("DROP %s IF EXISTS %s CASCADE", kind, m.QualifiedName()),
		fmt.Sprintf("CREATE %s %s AS\n%s", kind, m.QualifiedName(), m.SQL),
	}
}

// LoadModels parses the embedded models in build order.
func LoadModels() ([]Model, error) {
	return parseModels(modelsFS, "models")
}

func parseModels(fsys fs.FS, dir string) ([]Model, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var out []Model
	seen := make(map[string]bool)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		m := modelFilePattern.FindStringSubmatch(e.Name())
		if m == nil {
			return nil, fmt.Errorf("model file %q must be named NN_name.sql", e.Name())
		}
		name := m[1]
		if seen[name] {
			return nil, fmt.Errorf("duplicate model %q", name)
		}
		seen[name] = true

		data, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		header, body, _ := strings.Cut(strings.TrimSpace(string(data)), "\n")
		h := headerPattern.FindStringSubmatch(strings.TrimSpace(header))
		if h == nil {
			return nil, fmt.Errorf("model %q: first line must be \"-- materialized: view|table\"", name)
		}
		body = strings.TrimRight(strings.TrimSpace(body), ";")
		if body == "" {
			return nil, fmt.Errorf("model %q is empty", name)
		}
		out = append(out, Model{Name: name, Materialized: h[1], SQL: body})
	}
	return out, nil
}

// Report lists the models that were built.
type Report struct {
	Models   []string
	Duration time.Duration
}

// Runner applies the models against PostgreSQL.
type Runner struct {
	db     *sqlx.DB
	models []Model
	logger *zap.Logger
}

// NewRunner creates a Runner for the embedded models.
func NewRunner(db *sqlx.DB, logger *zap.Logger) (*Runner, error) {
	models, err := LoadModels()
	if err != nil {
		return nil, fmt.Errorf("load models: %w", err)
	}
	return &Runner{db: db, models: models, logger: logger}, nil
}

// Run rebuilds every model in one transaction, so the API never observes a
// half-built schema. The raw tables must already exist.
func (r *Runner) Run(ctx context.Context) (Report, error) {
	start := time.Now()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return Report{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+Schema); err != nil {
		return Report{}, fmt.Errorf("create schema: %w", err)
	}

	var report Report
	for _, m := range r.models {
		for _, stmt := range m.Statements() {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return Report{}, fmt.Errorf("model %s: %w", m.Name, err)
			}
		}
		r.logger.Debug("Model built", zap.String("model", m.QualifiedName()), zap.String("materialized", m.Materialized))
		report.Models = append(report.Models, m.QualifiedName())
	}

	if err := tx.Commit(); err != nil {
		return Report{}, fmt.Errorf("commit: %w", err)
	}

	report.Duration = time.Since(start)
	r.logger.Info("Transformations completed", zap.Int("models", len(report.Models)), zap.Duration("duration", report.Duration))
	return report, nil
}
