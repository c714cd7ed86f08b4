package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/keyshop/internal/storage/postgres"
)

type fakeMigrator struct {
	calls  []string
	steps  int
	state  postgres.MigrationState
	err    error
	closed bool
}

func (f *fakeMigrator) MigrateUp(_ context.Context, steps int) error {
	f.calls = append(f.calls, "up")
	f.steps = steps
	return f.err
}

func (f *fakeMigrator) MigrateDown(_ context.Context, steps int) error {
	f.calls = append(f.calls, "down")
	f.steps = steps
	return f.err
}

func (f *fakeMigrator) MigrationStatus(context.Context) (postgres.MigrationState, error) {
	f.calls = append(f.calls, "status")
	return f.state, nil
}

func (f *fakeMigrator) Close() error {
	f.closed = true
	return nil
}

func useFake(t *testing.T, fake *fakeMigrator) *string {
	t.Helper()
	var gotDSN string
	orig := openMigrator
	openMigrator = func(_ context.Context, dsn string) (migrator, error) {
		gotDSN = dsn
		return fake, nil
	}
	t.Cleanup(func() { openMigrator = orig })
	return &gotDSN
}

func env(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func TestParseOptions(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		env     map[string]string
		wantErr string
		want    options
	}{
		{name: "defaults from env", env: map[string]string{envPostgresDSN: " postgres://env "}, want: options{direction: "up", dsn: "postgres://env"}},
		{name: "flag wins", args: []string{"-dsn=postgres://flag", "-direction=STATUS"}, env: map[string]string{envPostgresDSN: "postgres://env"}, want: options{direction: "status", dsn: "postgres://flag"}},
		{name: "missing dsn", wantErr: envPostgresDSN},
		{name: "bad direction", args: []string{"-direction=sideways", "-dsn=x"}, wantErr: "unsupported direction"},
		{name: "negative steps", args: []string{"-steps=-1", "-dsn=x"}, wantErr: "steps must be"},
		{name: "unknown flag", args: []string{"-force"}, wantErr: "flag provided but not defined"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseOptions(tt.args, env(tt.env))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRunUp(t *testing.T) {
	fake := &fakeMigrator{state: postgres.MigrationState{Version: 4, Applied: 4, Available: 4}}
	dsn := useFake(t, fake)

	var out bytes.Buffer
	err := run(context.Background(), []string{"-dsn=postgres://test"}, env(nil), &out)
	require.NoError(t, err)

	assert.Equal(t, "postgres://test", *dsn)
	assert.Equal(t, []string{"up", "status"}, fake.calls)
	assert.Equal(t, 0, fake.steps)
	assert.True(t, fake.closed)
	assert.Equal(t, "up ok: version=4 applied=4 pending=0\n", out.String())
}

func TestRunDownDefaultsToOneStep(t *testing.T) {
	fake := &fakeMigrator{state: postgres.MigrationState{Version: 3, Applied: 3, Available: 4}}
	useFake(t, fake)

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"-direction=down", "-dsn=x"}, env(nil), &out))
	assert.Equal(t, 1, fake.steps)
	assert.Contains(t, out.String(), "pending=1")
}

func TestRunStatusOnly(t *testing.T) {
	fake := &fakeMigrator{}
	useFake(t, fake)

	require.NoError(t, run(context.Background(), []string{"-direction=status", "-dsn=x"}, env(nil), &bytes.Buffer{}))
	assert.Equal(t, []string{"status"}, fake.calls)
}

func TestRunMigrationError(t *testing.T) {
	fake := &fakeMigrator{err: errors.New("dirty schema")}
	useFake(t, fake)

	err := run(context.Background(), []string{"-dsn=x"}, env(nil), &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "migrate up failed: dirty schema")
	assert.True(t, fake.closed)
}

func TestRunOpenError(t *testing.T) {
	orig := openMigrator
	openMigrator = func(context.Context, string) (migrator, error) { return nil, errors.New("refused") }
	t.Cleanup(func() { openMigrator = orig })

	err := run(context.Background(), []string{"-dsn=x"}, env(nil), &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open postgres store")
}

func TestRunAgainstPostgres(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("KEYSHOP_POSTGRES_TEST_DSN"))
	if dsn == "" {
		t.Skip("KEYSHOP_POSTGRES_TEST_DSN is not set")
	}

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"-direction=up", "-dsn=" + dsn}, env(nil), &out))
	assert.Contains(t, out.String(), "pending=0")

	out.Reset()
	require.NoError(t, run(context.Background(), []string{"-direction=status", "-dsn=" + dsn}, env(nil), &out))
	assert.True(t, strings.HasPrefix(out.String(), "status ok:"))
}
