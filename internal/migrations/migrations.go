package migrations

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"text/template"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sandbooks/runbox/internal/config"
	"github.com/sandbooks/runbox/internal/db"
)

// migration is one versioned schema change. Files in this package register
// themselves in init() via addMigration.
type migration struct {
	version string
	done    bool
	up      func(*sqlx.Tx) error
	down    func(*sqlx.Tx) error
}

// Migrator applies registered migrations in version order, tracking completed
// versions in metadata.schema_migrations.
type Migrator struct {
	db         *sqlx.DB
	versions   []string
	migrations map[string]*migration
}

var m = &Migrator{
	versions:   []string{},
	migrations: map[string]*migration{},
}

// NewMigrator connects to the database, ensures the bookkeeping table exists,
// and marks already-applied versions as done.
func NewMigrator(conf *config.Config) (*Migrator, error) {
	m.db = db.NewConn(conf)

	if _, err := m.db.Exec(`CREATE SCHEMA IF NOT EXISTS metadata`); err != nil {
		slog.Error("Unable to create metadata schema", slog.Any("error", err))
		return nil, err
	}

	_, err := m.db.Exec(`CREATE TABLE IF NOT EXISTS metadata.schema_migrations (
		version varchar(255)
	);`)
	if err != nil {
		slog.Error("Unable to create `schema_migrations` table", slog.Any("error", err))
		return nil, err
	}

	rows, err := m.db.Query("SELECT version FROM metadata.schema_migrations;")
	if err != nil {
		slog.Error("Unable to fetch completed migrations", slog.Any("error", err))
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			slog.Error("Unable to read row", slog.Any("error", err))
			return nil, err
		}

		if m.migrations[version] != nil {
			m.migrations[version].done = true
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return m, nil
}

// addMigration inserts a migration keeping versions sorted.
func (m *Migrator) addMigration(mg *migration) {
	m.migrations[mg.version] = mg

	index := 0
	for index < len(m.versions) {
		if m.versions[index] > mg.version {
			break
		}
		index++
	}

	m.versions = append(m.versions, mg.version)
	copy(m.versions[index+1:], m.versions[index:])
	m.versions[index] = mg.version
}

// MigrationStatus logs each registered migration as completed or pending.
func (m *Migrator) MigrationStatus() error {
	for _, v := range m.versions {
		if m.migrations[v].done {
			slog.Info(fmt.Sprintf("Migration %s... completed", v))
		} else {
			slog.Info(fmt.Sprintf("Migration %s... pending", v))
		}
	}
	return nil
}

// CreateMigration generates an empty migration file from the template.
func (m *Migrator) CreateMigration(title string) error {
	var out bytes.Buffer

	version := time.Now().Format("20060102030405")

	in := struct {
		Version string
		Title   string
	}{
		Version: version,
		Title:   title,
	}

	t := template.Must(template.ParseFiles("./internal/migrations/template.txt"))
	if err := t.Execute(&out, in); err != nil {
		slog.Error("Unable to execute migration template", slog.Any("error", err))
		return err
	}

	f, err := os.Create(fmt.Sprintf("./internal/migrations/%s_%s.go", version, title))
	if err != nil {
		slog.Error("Unable to create the migration file", slog.Any("error", err))
		return err
	}
	defer f.Close()

	if _, err := f.WriteString(out.String()); err != nil {
		slog.Error("Unable to write to the migration file", slog.Any("error", err))
		return err
	}

	slog.Info("Generated new migration file...", slog.String("filename", f.Name()))
	return nil
}

// Up applies pending migrations in ascending version order inside one
// transaction. step bounds how many run; 0 means all.
func (m *Migrator) Up(step int) error {
	return m.run(m.versions, step, false)
}

// Down reverts completed migrations in descending version order inside one
// transaction. step bounds how many run; 0 means all.
func (m *Migrator) Down(step int) error {
	versions := slices.Clone(m.versions)
	slices.Reverse(versions)
	return m.run(versions, step, true)
}

func (m *Migrator) run(versions []string, step int, down bool) error {
	tx, err := m.db.BeginTxx(context.TODO(), &sql.TxOptions{})
	if err != nil {
		slog.Error("Unable to start migration transaction", slog.Any("error", err))
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Migration panicked", slog.Any("details", r))
			tx.Rollback()
		}
	}()

	count := 0
	for _, v := range versions {
		if step > 0 && count == step {
			break
		}

		mg := m.migrations[v]
		l := slog.With(slog.String("version", mg.version))

		// Up skips applied migrations, down skips pending ones.
		if mg.done != down {
			continue
		}

		apply, record := mg.up, "INSERT INTO metadata.schema_migrations VALUES($1);"
		if down {
			apply, record = mg.down, "DELETE FROM metadata.schema_migrations WHERE version = $1;"
		}

		l.Info("Running migration...", slog.Bool("down", down))
		if err := apply(tx); err != nil {
			tx.Rollback()
			l.Error("Migration failed", slog.Any("error", err))
			return err
		}

		if _, err := tx.Exec(record, mg.version); err != nil {
			tx.Rollback()
			l.Error("Unable to update `metadata.schema_migrations`", slog.Any("error", err))
			return err
		}

		count++
		l.Info("Finished migration")
	}

	return tx.Commit()
}
