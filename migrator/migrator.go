// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

package migrator

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"

	"go.gearno.de/throttle/log"
	"go.gearno.de/throttle/pg"
)

type (
	// Migrator applies SQL migrations once, in version order, under a
	// PostgreSQL advisory lock so concurrent instances do not race.
	Migrator struct {
		pg      *pg.Client
		sources []Source
		logger  *log.Logger
	}

	// Source is a directory of "<version>.sql" files inside a file
	// system, usually an embed.FS owned by the package whose tables
	// the migrations create.
	Source struct {
		FS  fs.FS
		Dir string
	}

	Option func(m *Migrator)

	Migration struct {
		Version string
		SQL     string
	}

	Migrations []*Migration
)

const (
	MigrationAdvisoryLock pg.AdvisoryLock = 0
)

func WithLogger(l *log.Logger) Option {
	return func(m *Migrator) {
		m.logger = l.Named("migrator")
	}
}

func NewMigrator(client *pg.Client, sources []Source, options ...Option) *Migrator {
	m := &Migrator{
		pg:      client,
		sources: sources,
		logger:  log.NewLogger(log.WithOutput(io.Discard)),
	}

	for _, o := range options {
		o(m)
	}

	return m
}

func (m *Migrator) Run(ctx context.Context) error {
	var migrations Migrations
	for _, src := range m.sources {
		var ms Migrations
		if err := ms.LoadFromFS(src.FS, src.Dir); err != nil {
			return fmt.Errorf("cannot load migrations from %q: %w", src.Dir, err)
		}

		migrations = append(migrations, ms...)
	}

	if err := migrations.Check(); err != nil {
		return err
	}

	migrations.Sort()

	if len(migrations) == 0 {
		return nil
	}

	err := m.pg.WithAdvisoryLock(
		ctx,
		MigrationAdvisoryLock,
		func(conn pg.Conn) error {
			if err := createIfNotExistVersionsTable(ctx, conn); err != nil {
				return fmt.Errorf("cannot create schema version table: %w", err)
			}

			appliedVersions, err := loadSchemaVersions(ctx, conn)
			if err != nil {
				return fmt.Errorf("cannot load schema versions: %w", err)
			}

			for _, migration := range migrations {
				if _, found := appliedVersions[migration.Version]; found {
					continue
				}

				m.logger.InfoCtx(ctx, "applying migration", log.String("version", migration.Version))

				if err := migration.Apply(ctx, conn); err != nil {
					return fmt.Errorf("cannot apply migration %q: %w", migration.Version, err)
				}
			}

			return nil
		},
	)
	if err != nil {
		return err
	}

	if err := m.pg.RefreshTypes(ctx); err != nil {
		return fmt.Errorf("cannot refresh types: %w", err)
	}

	return nil
}

func (ms Migrations) Sort() {
	sort.Slice(
		ms,
		func(i, j int) bool {
			return ms[i].Version < ms[j].Version
		},
	)
}

// Check fails when two migrations share a version.
func (ms Migrations) Check() error {
	seen := make(map[string]struct{}, len(ms))
	for _, m := range ms {
		if _, ok := seen[m.Version]; ok {
			return fmt.Errorf("duplicate migration version %q", m.Version)
		}
		seen[m.Version] = struct{}{}
	}

	return nil
}

func (pms *Migrations) LoadFromFS(fsys fs.FS, dir string) error {
	var ms Migrations

	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return fmt.Errorf("cannot read directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.Type().IsRegular() || path.Ext(entry.Name()) != ".sql" {
			continue
		}

		filename := path.Join(dir, entry.Name())

		code, err := fs.ReadFile(fsys, filename)
		if err != nil {
			return fmt.Errorf("cannot load migration from %q: %w", filename, err)
		}

		ms = append(
			ms,
			&Migration{
				Version: strings.TrimSuffix(entry.Name(), ".sql"),
				SQL:     string(code),
			},
		)
	}

	*pms = ms
	return nil
}

func (m *Migration) Apply(ctx context.Context, conn pg.Conn) error {
	if _, err := conn.Exec(ctx, m.SQL); err != nil {
		return fmt.Errorf("cannot execute migration: %w", err)
	}

	q := "INSERT INTO schema_versions (version) VALUES ($1)"
	if _, err := conn.Exec(ctx, q, m.Version); err != nil {
		return fmt.Errorf("cannot insert schema version: %w", err)
	}

	return nil
}

func createIfNotExistVersionsTable(ctx context.Context, conn pg.Conn) error {
	q := `
CREATE TABLE IF NOT EXISTS schema_versions (
  version VARCHAR PRIMARY KEY,
  executed_at TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP AT TIME ZONE 'UTC')
)
`

	_, err := conn.Exec(ctx, q)
	return err
}

func loadSchemaVersions(ctx context.Context, conn pg.Conn) (map[string]struct{}, error) {
	q := "SELECT version FROM schema_versions"
	r, err := conn.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("cannot exec query: %w", err)
	}
	defer r.Close()

	versions := make(map[string]struct{})
	for r.Next() {
		var v string
		if err := r.Scan(&v); err != nil {
			return nil, fmt.Errorf("cannot scan row: %w", err)
		}

		versions[v] = struct{}{}
	}

	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("cannot read query: %w", err)
	}

	return versions, nil
}
