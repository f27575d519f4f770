// Package config loads taskdash settings with viper.
//
// Sources, lowest precedence first: built-in defaults, the config file
// (taskdash.toml in .taskdash/ or $HOME/.config/taskdash/, or an explicit
// path), a .env file in the working directory, TASKDASH_* environment
// variables, and finally command-line flags bound by the CLI.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/taskdash/taskdash/internal/group"
	"github.com/taskdash/taskdash/internal/record"
	"github.com/taskdash/taskdash/internal/store"
)

// FileName is the config file name without extension.
const FileName = "taskdash"

// EnvPrefix prefixes environment overrides (TASKDASH_STORE_KIND, ...).
const EnvPrefix = "TASKDASH"

// Config holds every setting.
type Config struct {
	Store  StoreConfig  `mapstructure:"store" toml:"store"`
	Engine EngineConfig `mapstructure:"engine" toml:"engine"`
	View   ViewConfig   `mapstructure:"view" toml:"view"`
	Server ServerConfig `mapstructure:"server" toml:"server"`
	Log    LogConfig    `mapstructure:"log" toml:"log"`
}

// StoreConfig selects and configures the backing store.
type StoreConfig struct {
	Kind     string         `mapstructure:"kind" toml:"kind"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite" toml:"sqlite"`
	Docstore DocstoreConfig `mapstructure:"docstore" toml:"docstore"`
	Redis    RedisConfig    `mapstructure:"redis" toml:"redis"`
}

// SQLiteConfig configures the embedded store.
type SQLiteConfig struct {
	Driver         string `mapstructure:"driver" toml:"driver"`
	WorkDir        string `mapstructure:"work_dir" toml:"work_dir"`
	SeedImage      string `mapstructure:"seed_image" toml:"seed_image"`
	LocalPath      string `mapstructure:"local_path" toml:"local_path"`
	LocalKey       string `mapstructure:"local_key" toml:"local_key"`
	MirrorPath     string `mapstructure:"mirror_path" toml:"mirror_path"`
	Table          string `mapstructure:"table" toml:"table"`
	IDColumn       string `mapstructure:"id_column" toml:"id_column"`
	GroupColumn    string `mapstructure:"group_column" toml:"group_column"`
	FinishedColumn string `mapstructure:"finished_column" toml:"finished_column"`
	RatingColumn   string `mapstructure:"rating_column" toml:"rating_column"`
}

// DocstoreConfig configures the document directory store.
type DocstoreConfig struct {
	Dir      string `mapstructure:"dir" toml:"dir"`
	Debounce string `mapstructure:"debounce" toml:"debounce"`
}

// RedisConfig configures the Redis store.
type RedisConfig struct {
	URL    string `mapstructure:"url" toml:"url"`
	Prefix string `mapstructure:"prefix" toml:"prefix"`
}

// EngineConfig configures grouped updates.
type EngineConfig struct {
	Policy  string   `mapstructure:"policy" toml:"policy"`
	Ratings []string `mapstructure:"ratings" toml:"ratings"`
}

// ViewConfig configures rendering.
type ViewConfig struct {
	Columns    []string `mapstructure:"columns" toml:"columns"`
	Timezone   string   `mapstructure:"timezone" toml:"timezone"`
	DateLayout string   `mapstructure:"date_layout" toml:"date_layout"`
}

// ServerConfig configures the HTTP dashboard.
type ServerConfig struct {
	Host  string `mapstructure:"host" toml:"host"`
	Port  int    `mapstructure:"port" toml:"port"`
	Title string `mapstructure:"title" toml:"title"`
}

// LogConfig configures log output. An empty File logs to stderr.
type LogConfig struct {
	File       string `mapstructure:"file" toml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" toml:"max_age_days"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Kind: string(store.KindSQLite),
			SQLite: SQLiteConfig{
				Driver:    "sqlite3",
				LocalPath: filepath.Join(".taskdash", "local.db"),
				LocalKey:  "taskdash.db",
			},
			Docstore: DocstoreConfig{
				Dir:      filepath.Join(".taskdash", "docs"),
				Debounce: "100ms",
			},
			Redis: RedisConfig{
				URL:    "redis://localhost:6379/0",
				Prefix: "taskdash",
			},
		},
		Engine: EngineConfig{
			Policy:  string(group.Overwrite),
			Ratings: append([]string(nil), record.DefaultRatings...),
		},
		View: ViewConfig{
			DateLayout: "2006-01-02 15:04",
		},
		Server: ServerConfig{
			Port:  8080,
			Title: "taskdash",
		},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// NewViper returns a viper instance carrying the defaults and the
// environment binding.
func NewViper() *viper.Viper {
	v := viper.New()
	d := Default()

	v.SetDefault("store.kind", d.Store.Kind)
	v.SetDefault("store.sqlite.driver", d.Store.SQLite.Driver)
	v.SetDefault("store.sqlite.work_dir", d.Store.SQLite.WorkDir)
	v.SetDefault("store.sqlite.seed_image", d.Store.SQLite.SeedImage)
	v.SetDefault("store.sqlite.local_path", d.Store.SQLite.LocalPath)
	v.SetDefault("store.sqlite.local_key", d.Store.SQLite.LocalKey)
	v.SetDefault("store.sqlite.mirror_path", d.Store.SQLite.MirrorPath)
	v.SetDefault("store.sqlite.table", d.Store.SQLite.Table)
	v.SetDefault("store.sqlite.id_column", d.Store.SQLite.IDColumn)
	v.SetDefault("store.sqlite.group_column", d.Store.SQLite.GroupColumn)
	v.SetDefault("store.sqlite.finished_column", d.Store.SQLite.FinishedColumn)
	v.SetDefault("store.sqlite.rating_column", d.Store.SQLite.RatingColumn)
	v.SetDefault("store.docstore.dir", d.Store.Docstore.Dir)
	v.SetDefault("store.docstore.debounce", d.Store.Docstore.Debounce)
	v.SetDefault("store.redis.url", d.Store.Redis.URL)
	v.SetDefault("store.redis.prefix", d.Store.Redis.Prefix)
	v.SetDefault("engine.policy", d.Engine.Policy)
	v.SetDefault("engine.ratings", d.Engine.Ratings)
	v.SetDefault("view.columns", d.View.Columns)
	v.SetDefault("view.timezone", d.View.Timezone)
	v.SetDefault("view.date_layout", d.View.DateLayout)
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.title", d.Server.Title)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file and environment into a Config. An empty
// path searches the standard locations; a missing file there is not an
// error, but a missing explicit path is.
func Load(v *viper.Viper, path string) (*Config, error) {
	// .env is optional.
	_ = godotenv.Load(".env")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("toml")
		v.AddConfigPath(".taskdash")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "taskdash"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that cannot be caught by decoding.
func (c *Config) Validate() error {
	switch store.Kind(c.Store.Kind) {
	case store.KindSQLite, store.KindDocstore, store.KindRedis:
	default:
		return fmt.Errorf("unknown store kind %q", c.Store.Kind)
	}
	if _, err := group.ParsePolicy(c.Engine.Policy); err != nil {
		return err
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Store.Docstore.Debounce != "" {
		if _, err := time.ParseDuration(c.Store.Docstore.Debounce); err != nil {
			return fmt.Errorf("invalid docstore debounce: %w", err)
		}
	}
	return nil
}

// Location returns the display time zone.
func (c *Config) Location() (*time.Location, error) {
	if c.View.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.View.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.View.Timezone, err)
	}
	return loc, nil
}

// Policy returns the parsed merge policy.
func (c *Config) Policy() group.MergePolicy {
	p, _ := group.ParsePolicy(c.Engine.Policy)
	return p
}

// StoreOptions converts the store section for store.Open.
func (c *Config) StoreOptions(logger *log.Logger) store.Options {
	s := c.Store
	return store.Options{
		SQLite: store.SQLiteOptions{
			Driver:         s.SQLite.Driver,
			WorkDir:        s.SQLite.WorkDir,
			SeedImage:      s.SQLite.SeedImage,
			LocalPath:      s.SQLite.LocalPath,
			LocalKey:       s.SQLite.LocalKey,
			MirrorPath:     s.SQLite.MirrorPath,
			Table:          s.SQLite.Table,
			IDColumn:       s.SQLite.IDColumn,
			GroupColumn:    s.SQLite.GroupColumn,
			FinishedColumn: s.SQLite.FinishedColumn,
			RatingColumn:   s.SQLite.RatingColumn,
		},
		Docstore: store.DocstoreOptions{
			Dir:      s.Docstore.Dir,
			Debounce: s.Docstore.Debounce,
		},
		Redis: store.RedisOptions{
			URL:    s.Redis.URL,
			Prefix: s.Redis.Prefix,
		},
		Logger: logger,
	}
}

// SaveTo writes c as TOML. An existing file is kept unless overwrite is
// set.
func (c *Config) SaveTo(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return f.Close()
}
