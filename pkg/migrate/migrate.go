// Package migrate applies the idempotent "ensure tables + integrity guards"
// step described below (schema migrations beyond that step are out of
// scope). It is a minimal, dependency-free migrator: embedded SQL files are
// applied once, tracked in a version table, never re-applied.
package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Step is one numbered schema change.
type Step struct {
	Version int
	Name    string
	SQL     string
}

// Runner applies Steps against a *sql.DB, tracking progress in a version table.
type Runner struct {
	db           *sql.DB
	steps        []Step
	tableName    string
	dollarParams bool // true for the server (postgres) backend: $1 instead of ?
}

// New creates a Runner that tracks applied versions in tableName, using `?`
// placeholders (sqlite-style).
func New(db *sql.DB, tableName string) *Runner {
	return &Runner{db: db, tableName: tableName}
}

// NewPostgres creates a Runner using `$1`-style placeholders for the server backend.
func NewPostgres(db *sql.DB, tableName string) *Runner {
	return &Runner{db: db, tableName: tableName, dollarParams: true}
}

// LoadFS loads every "NNN_name.sql" file in dir of an embedded filesystem,
// sorted by numeric prefix.
func (r *Runner) LoadFS(fsys embed.FS, dir string) error {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return fmt.Errorf("migrate: read dir %s: %w", dir, err)
	}

	steps := make([]Step, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		prefix, name, ok := strings.Cut(e.Name(), "_")
		if !ok {
			continue
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			continue
		}
		content, err := fs.ReadFile(fsys, filepath.Join(dir, e.Name()))
		if err != nil {
			return fmt.Errorf("migrate: read %s: %w", e.Name(), err)
		}
		steps = append(steps, Step{
			Version: version,
			Name:    strings.TrimSuffix(name, ".sql"),
			SQL:     string(content),
		})
	}

	sort.Slice(steps, func(i, j int) bool { return steps[i].Version < steps[j].Version })
	r.steps = steps
	return nil
}

// Up applies every step with a version greater than the highest already
// recorded, in order, each inside its own transaction.
func (r *Runner) Up() error {
	if err := r.ensureVersionTable(); err != nil {
		return err
	}

	current, err := r.currentVersion()
	if err != nil {
		return err
	}

	for _, step := range r.steps {
		if step.Version <= current {
			continue
		}
		if err := r.apply(step); err != nil {
			return fmt.Errorf("migrate: step %d (%s): %w", step.Version, step.Name, err)
		}
	}
	return nil
}

// Version returns the highest applied step version, 0 if none.
func (r *Runner) Version() (int, error) {
	if err := r.ensureVersionTable(); err != nil {
		return 0, err
	}
	return r.currentVersion()
}

func (r *Runner) ensureVersionTable() error {
	_, err := r.db.Exec(fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (version INTEGER PRIMARY KEY, name TEXT NOT NULL)`,
		r.tableName,
	))
	return err
}

func (r *Runner) currentVersion() (int, error) {
	var version int
	err := r.db.QueryRow(fmt.Sprintf(
		`SELECT COALESCE(MAX(version), 0) FROM %s`, r.tableName,
	)).Scan(&version)
	return version, err
}

func (r *Runner) apply(step Step) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(step.SQL); err != nil {
		return err
	}

	insert := fmt.Sprintf(`INSERT INTO %s (version, name) VALUES (?, ?)`, r.tableName)
	if r.dollarParams {
		insert = fmt.Sprintf(`INSERT INTO %s (version, name) VALUES ($1, $2)`, r.tableName)
	}
	if _, err := tx.Exec(insert, step.Version, step.Name); err != nil {
		return err
	}
	return tx.Commit()
}
