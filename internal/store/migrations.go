package store

import (
	"bufio"
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/rendis/leadflow/pkg/schema"
)

// Each table group is versioned on its own file: NNN_name.sql. Versions
// must run 1..N without gaps.
//
//go:embed migrations/*.sql
var migrationFiles embed.FS

// versionTable records applied migrations. Row -1 is reserved for the
// event log's write lock.
const versionTable = "leadflow_schema"

type migration struct {
	Version int
	Name    string
	SQL     string
}

var migrations = mustLoadMigrations(migrationFiles)

// LatestSchemaVersion is the version a fully migrated database reports.
func LatestSchemaVersion() int {
	return migrations[len(migrations)-1].Version
}

func mustLoadMigrations(fsys fs.FS) []migration {
	ms, err := loadMigrations(fsys)
	if err != nil {
		panic(err)
	}
	return ms
}

func loadMigrations(fsys fs.FS) ([]migration, error) {
	names, err := fs.Glob(fsys, "migrations/*.sql")
	if err != nil {
		return nil, err
	}

	var ms []migration
	for _, name := range names {
		base := strings.TrimSuffix(path.Base(name), ".sql")
		num, label, ok := strings.Cut(base, "_")
		if !ok {
			return nil, fmt.Errorf("migration %s: want NNN_name.sql", name)
		}
		version, err := strconv.Atoi(num)
		if err != nil {
			return nil, fmt.Errorf("migration %s: bad version: %w", name, err)
		}
		body, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, err
		}
		ms = append(ms, migration{Version: version, Name: label, SQL: string(body)})
	}
	if len(ms) == 0 {
		return nil, fmt.Errorf("no migrations embedded")
	}

	sort.Slice(ms, func(i, j int) bool { return ms[i].Version < ms[j].Version })
	for i, m := range ms {
		if m.Version != i+1 {
			return nil, fmt.Errorf("migration %s: version %d out of sequence, want %d", m.Name, m.Version, i+1)
		}
	}
	return ms, nil
}

// schemaVersion reads the highest applied version. A database that was
// never migrated reports 0.
func schemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, versionTable).Scan(&n); err != nil {
		return 0, fmt.Errorf("look up %s: %w", versionTable, err)
	}
	if n == 0 {
		return 0, nil
	}

	var v int
	if err := db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM `+versionTable).Scan(&v); err != nil {
		return 0, fmt.Errorf("read %s: %w", versionTable, err)
	}
	return v, nil
}

// runMigrations applies every migration above the current version, each in
// its own transaction together with its version row.
func runMigrations(ctx context.Context, db *sql.DB, ms []migration) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+versionTable+` (
		version    INTEGER PRIMARY KEY,
		name       TEXT NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create %s: %w", versionTable, err)
	}

	current, err := schemaVersion(ctx, db)
	if err != nil {
		return err
	}
	if latest := ms[len(ms)-1].Version; current > latest {
		return schema.NewErrorf(schema.ErrCodeStore,
			"database schema version %d is newer than this build (%d)", current, latest)
	}

	for _, m := range ms {
		if m.Version <= current {
			continue
		}
		if err := applyMigration(ctx, db, m); err != nil {
			return err
		}
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.Version, err)
	}
	defer tx.Rollback()

	for _, stmt := range statements(m.SQL) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %03d_%s: %w", m.Version, m.Name, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO `+versionTable+` (version, name) VALUES (?, ?)`, m.Version, m.Name); err != nil {
		return fmt.Errorf("record migration %d: %w", m.Version, err)
	}
	return tx.Commit()
}

// statements splits a script into statements. A statement ends at a line
// whose last character is ';'. Lines starting with "--" are dropped.
func statements(script string) []string {
	var (
		out []string
		cur strings.Builder
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, strings.TrimSuffix(s, ";"))
		}
		cur.Reset()
	}

	sc := bufio.NewScanner(strings.NewReader(script))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}
		cur.WriteString(line)
		cur.WriteByte('\n')
		if strings.HasSuffix(line, ";") {
			flush()
		}
	}
	flush()
	return out
}
