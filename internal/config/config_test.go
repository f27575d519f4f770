package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskdash/taskdash/internal/group"
	"github.com/taskdash/taskdash/internal/store"
)

// isolate runs the test in an empty directory with an empty home so no
// real config or .env is picked up.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)

	cfg, err := Load(NewViper(), "")
	require.NoError(t, err)
	assert.Equal(t, string(store.KindSQLite), cfg.Store.Kind)
	assert.Equal(t, group.Overwrite, cfg.Policy())
	assert.Equal(t, []string{"easy", "medium", "hard", "false"}, cfg.Engine.Ratings)
	assert.Equal(t, 8080, cfg.Server.Port)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, time.Local, loc)
}

func TestLoad_FileInSearchPath(t *testing.T) {
	dir := isolate(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".taskdash"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".taskdash", "taskdash.toml"), []byte(`
[store]
kind = "docstore"

[engine]
policy = "append-history"
ratings = ["ok", "retry"]

[view]
timezone = "Asia/Tokyo"
`), 0o644))

	cfg, err := Load(NewViper(), "")
	require.NoError(t, err)
	assert.Equal(t, "docstore", cfg.Store.Kind)
	assert.Equal(t, group.AppendHistory, cfg.Policy())
	assert.Equal(t, []string{"ok", "retry"}, cfg.Engine.Ratings)
	assert.Equal(t, "100ms", cfg.Store.Docstore.Debounce, "unset keys keep defaults")

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "Asia/Tokyo", loc.String())
}

func TestLoad_ExplicitPathMissing(t *testing.T) {
	dir := isolate(t)
	_, err := Load(NewViper(), filepath.Join(dir, "nope.toml"))
	assert.Error(t, err)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "custom.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server]\nport = 9000\n"), 0o644))
	t.Setenv("TASKDASH_SERVER_PORT", "9100")
	t.Setenv("TASKDASH_STORE_REDIS_PREFIX", "other")

	cfg, err := Load(NewViper(), path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "other", cfg.Store.Redis.Prefix)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := isolate(t)
	t.Setenv("TASKDASH_SERVER_TITLE", "")
	require.NoError(t, os.Unsetenv("TASKDASH_SERVER_TITLE"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("TASKDASH_SERVER_TITLE=from dotenv\n"), 0o644))

	cfg, err := Load(NewViper(), "")
	require.NoError(t, err)
	assert.Equal(t, "from dotenv", cfg.Server.Title)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"kind", func(c *Config) { c.Store.Kind = "postgres" }},
		{"policy", func(c *Config) { c.Engine.Policy = "merge" }},
		{"timezone", func(c *Config) { c.View.Timezone = "Mars/Olympus" }},
		{"port", func(c *Config) { c.Server.Port = 70000 }},
		{"debounce", func(c *Config) { c.Store.Docstore.Debounce = "soon" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			require.NoError(t, cfg.Validate())
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSaveTo_ReadableByLoad(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, ".taskdash", "taskdash.toml")

	cfg := Default()
	cfg.Store.Kind = "redis"
	cfg.Server.Port = 9300
	require.NoError(t, cfg.SaveTo(path, false))

	assert.Error(t, cfg.SaveTo(path, false), "existing file must not be overwritten")
	require.NoError(t, cfg.SaveTo(path, true))

	loaded, err := Load(NewViper(), "")
	require.NoError(t, err)
	assert.Equal(t, "redis", loaded.Store.Kind)
	assert.Equal(t, 9300, loaded.Server.Port)
}

func TestStoreOptions(t *testing.T) {
	cfg := Default()
	cfg.Store.SQLite.Table = "exercises"
	cfg.Store.Redis.URL = "redis://cache:6379/2"

	opts := cfg.StoreOptions(nil)
	assert.Equal(t, "exercises", opts.SQLite.Table)
	assert.Equal(t, "redis://cache:6379/2", opts.Redis.URL)
	assert.Equal(t, "100ms", opts.Docstore.Debounce)
}
