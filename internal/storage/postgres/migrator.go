package postgres

import (
	"cmp"
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"
)

const (
	migrationsDir = "sql/migrations"
	// migrationLockKey: общий для всех экземпляров keyshop ключ advisory lock ("keys").
	migrationLockKey     = int64(0x6b657973)
	migrationLockTimeout = 30 * time.Second

	createSchemaMigrationsSQL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version BIGINT PRIMARY KEY,
    name TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
)

//go:embed sql/migrations/*.sql
var migrationsFS embed.FS

// migration: пара up/down скриптов одной версии схемы.
type migration struct {
	Version int64
	Name    string
	UpSQL   string
	DownSQL string
}

func (m migration) String() string {
	return fmt.Sprintf("%04d_%s", m.Version, m.Name)
}

// migrationStep: один шаг плана: скрипт и направление.
type migrationStep struct {
	migration
	up bool
}

// MigrationState описывает схему относительно встроенных миграций.
type MigrationState struct {
	Version   int64
	Applied   int
	Available int
}

// Pending возвращает число ещё не применённых миграций.
func (m MigrationState) Pending() int {
	return max(m.Available-m.Applied, 0)
}

// MigrateUp применяет не больше steps новых миграций, steps=0 применяет все.
func (s *Store) MigrateUp(ctx context.Context, steps int) error {
	return s.runMigrations(ctx, func(all []migration, applied []int64) []migrationStep {
		return planUp(all, applied, steps)
	})
}

// MigrateDown откатывает steps последних миграций; steps<=0 откатывает одну.
func (s *Store) MigrateDown(ctx context.Context, steps int) error {
	if steps <= 0 {
		steps = 1
	}
	return s.runMigrations(ctx, func(all []migration, applied []int64) []migrationStep {
		return planDown(all, applied, steps)
	})
}

// MigrationStatus сравнивает schema_migrations со встроенными миграциями.
func (s *Store) MigrationStatus(ctx context.Context) (MigrationState, error) {
	if s == nil || s.db == nil {
		return MigrationState{}, errStoreNotInitialized
	}
	all, err := readMigrations(migrationsFS, migrationsDir)
	if err != nil {
		return MigrationState{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, createSchemaMigrationsSQL); err != nil {
		return MigrationState{}, fmt.Errorf("create schema_migrations: %w", err)
	}
	state := MigrationState{Available: len(all)}
	err = s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0), COUNT(*) FROM schema_migrations`).
		Scan(&state.Version, &state.Applied)
	if err != nil {
		return MigrationState{}, fmt.Errorf("read schema_migrations: %w", err)
	}
	return state, nil
}

// runMigrations берёт advisory lock на отдельном соединении, читает применённые версии
// и выполняет план шаг за шагом, каждый шаг в своей транзакции.
func (s *Store) runMigrations(ctx context.Context, plan func(all []migration, applied []int64) []migrationStep) error {
	if s == nil || s.db == nil {
		return errStoreNotInitialized
	}
	all, err := readMigrations(migrationsFS, migrationsDir)
	if err != nil {
		return err
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("migrations: acquire connection: %w", err)
	}
	defer conn.Close()

	lockCtx, cancel := context.WithTimeout(ctx, migrationLockTimeout)
	_, err = conn.ExecContext(lockCtx, `SELECT pg_advisory_lock($1)`, migrationLockKey)
	cancel()
	if err != nil {
		return fmt.Errorf("migrations: take advisory lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLockKey)
	}()

	if _, err := conn.ExecContext(ctx, createSchemaMigrationsSQL); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	applied, err := appliedVersions(ctx, conn)
	if err != nil {
		return err
	}

	for _, step := range plan(all, applied) {
		if err := runStep(ctx, conn, step); err != nil {
			return err
		}
	}
	return nil
}

// planUp выбирает неприменённые миграции по возрастанию версии.
func planUp(all []migration, applied []int64, steps int) []migrationStep {
	var out []migrationStep
	for _, m := range all {
		if slices.Contains(applied, m.Version) {
			continue
		}
		if steps > 0 && len(out) == steps {
			break
		}
		out = append(out, migrationStep{migration: m, up: true})
	}
	return out
}

// planDown выбирает steps последних применённых версий по убыванию. Версия, для которой
// нет встроенного скрипта, попадает в план без SQL, и runStep откажется её откатывать.
func planDown(all []migration, applied []int64, steps int) []migrationStep {
	byVersion := make(map[int64]migration, len(all))
	for _, m := range all {
		byVersion[m.Version] = m
	}

	desc := slices.Clone(applied)
	slices.Sort(desc)
	slices.Reverse(desc)

	var out []migrationStep
	for _, v := range desc[:min(steps, len(desc))] {
		m, ok := byVersion[v]
		if !ok {
			m = migration{Version: v}
		}
		out = append(out, migrationStep{migration: m})
	}
	return out
}

func runStep(ctx context.Context, conn *sql.Conn, step migrationStep) (err error) {
	script, record, args := step.DownSQL, `DELETE FROM schema_migrations WHERE version = $1`, []any{step.Version}
	verb := "down"
	if step.up {
		script, record, args = step.UpSQL, `INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, []any{step.Version, step.Name}
		verb = "up"
	}
	if script == "" {
		return fmt.Errorf("migration %d has no embedded %s script", step.Version, verb)
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migration %s %s: begin: %w", verb, step, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("migration %s %s: %w", verb, step, err)
	}
	if _, err = tx.ExecContext(ctx, record, args...); err != nil {
		return fmt.Errorf("migration %s %s: update schema_migrations: %w", verb, step, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("migration %s %s: commit: %w", verb, step, err)
	}
	return nil
}

func appliedVersions(ctx context.Context, conn *sql.Conn) ([]int64, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("read schema_migrations: %w", err)
	}
	defer rows.Close()

	var versions []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("read schema_migrations: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// readMigrations собирает пары NNNN_name.up.sql / NNNN_name.down.sql из dir.
func readMigrations(fsys fs.FS, dir string) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	byVersion := make(map[int64]*migration)
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".sql" {
			continue
		}
		version, name, up, err := parseMigrationName(e.Name())
		if err != nil {
			return nil, err
		}
		raw, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		body := strings.TrimSpace(string(raw))
		if body == "" {
			return nil, fmt.Errorf("migration %s is empty", e.Name())
		}

		m := byVersion[version]
		if m == nil {
			m = &migration{Version: version, Name: name}
			byVersion[version] = m
		}
		if m.Name != name {
			return nil, fmt.Errorf("migration %d has two names: %s and %s", version, m.Name, name)
		}
		target := &m.DownSQL
		if up {
			target = &m.UpSQL
		}
		if *target != "" {
			return nil, fmt.Errorf("migration %s is defined twice", e.Name())
		}
		*target = body
	}
	if len(byVersion) == 0 {
		return nil, errors.New("no migrations found")
	}

	out := make([]migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.UpSQL == "" || m.DownSQL == "" {
			return nil, fmt.Errorf("migration %s needs both up and down scripts", m)
		}
		out = append(out, *m)
	}
	slices.SortFunc(out, func(a, b migration) int { return cmp.Compare(a.Version, b.Version) })
	return out, nil
}

// parseMigrationName разбирает "0003_inventory.up.sql" на версию, имя и направление.
func parseMigrationName(file string) (version int64, name string, up bool, err error) {
	stem := strings.TrimSuffix(file, ".sql")
	stem, direction, ok := cutLast(stem, ".")
	if !ok || (direction != "up" && direction != "down") {
		return 0, "", false, fmt.Errorf("migration %s: want NNNN_name.up.sql or NNNN_name.down.sql", file)
	}
	num, name, ok := strings.Cut(stem, "_")
	if !ok || name == "" || strings.Trim(name, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789_") != "" {
		return 0, "", false, fmt.Errorf("migration %s: bad name", file)
	}
	version, err = strconv.ParseInt(num, 10, 64)
	if err != nil || version <= 0 {
		return 0, "", false, fmt.Errorf("migration %s: bad version %q", file, num)
	}
	return version, name, direction == "up", nil
}

func cutLast(s, sep string) (before, after string, found bool) {
	if i := strings.LastIndex(s, sep); i >= 0 {
		return s[:i], s[i+len(sep):], true
	}
	return s, "", false
}
