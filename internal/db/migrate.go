package db

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Namespace is the dbversions key owned by this module.
const Namespace = "core"

type Migration struct {
	Version int
	Name    string
	SQL     string
}

// Migrations returns the embedded migrations ordered by version. File names
// are expected as <version>_<name>.sql.
func Migrations() ([]Migration, error) {
	return loadMigrations(migrationFiles, "migrations")
}

func loadMigrations(fsys fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}
	var out []Migration
	seen := map[int]string{}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		prefix, _, ok := strings.Cut(name, "_")
		if !ok {
			return nil, fmt.Errorf("migration %s: missing version prefix", name)
		}
		version, err := strconv.Atoi(prefix)
		if err != nil || version <= 0 {
			return nil, fmt.Errorf("migration %s: bad version %q", name, prefix)
		}
		if other, dup := seen[version]; dup {
			return nil, fmt.Errorf("migration %s: version %d already used by %s", name, version, other)
		}
		seen[version] = name
		data, err := fs.ReadFile(fsys, dir+"/"+name)
		if err != nil {
			return nil, err
		}
		out = append(out, Migration{Version: version, Name: name, SQL: string(data)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Migrate applies every embedded migration newer than the recorded version.
// Each migration commits together with its version bump.
func Migrate(ctx context.Context, pool *Pool, log *zap.Logger) (int, error) {
	migrations, err := Migrations()
	if err != nil {
		return 0, err
	}
	if _, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS dbversions (
			db TEXT PRIMARY KEY,
			version INT NOT NULL
		)
	`); err != nil {
		return 0, fmt.Errorf("ensure dbversions: %w", err)
	}

	current, err := CurrentVersion(ctx, pool, Namespace)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := applyMigration(ctx, pool, m); err != nil {
			return applied, fmt.Errorf("apply migration %s: %w", m.Name, err)
		}
		log.Info("applied migration", zap.String("name", m.Name), zap.Int("version", m.Version))
		applied++
	}
	return applied, nil
}

func CurrentVersion(ctx context.Context, pool *Pool, namespace string) (int, error) {
	var version int
	err := pool.QueryRow(ctx, `SELECT version FROM dbversions WHERE db=$1`, namespace).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return version, err
}

func applyMigration(ctx context.Context, pool *Pool, m Migration) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if strings.TrimSpace(m.SQL) != "" {
		if _, err := tx.Exec(ctx, m.SQL); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO dbversions (db, version) VALUES ($1,$2)
		ON CONFLICT (db) DO UPDATE SET version=EXCLUDED.version
	`, Namespace, m.Version); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
