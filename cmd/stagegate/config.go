package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Archive backends accepted by --archive.
const (
	archiveNone   = "none"
	archiveSQLite = "sqlite"
	archiveMySQL  = "mysql"
)

// Config is the CLI configuration. New fills it from the environment; the
// persistent flags then override individual fields.
type Config struct {
	Home        string
	AgentsDir   string
	Workspace   string
	Session     string
	LogLevel    string
	Archive     string
	MySQLDSN    string
	MetricsFile string
}

// New reads the STAGEGATE_* environment variables.
func New() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	c := &Config{
		Home:        getEnv("STAGEGATE_HOME", filepath.Join(homeDir, ".stagegate")),
		AgentsDir:   getEnv("STAGEGATE_AGENTS_DIR", ""),
		Workspace:   getEnv("STAGEGATE_WORKSPACE", "default"),
		Session:     getEnv("STAGEGATE_SESSION", "default"),
		LogLevel:    getEnv("STAGEGATE_LOG_LEVEL", "info"),
		Archive:     getEnv("STAGEGATE_ARCHIVE", archiveNone),
		MySQLDSN:    getEnv("STAGEGATE_MYSQL_DSN", ""),
		MetricsFile: getEnv("STAGEGATE_METRICS_FILE", ""),
	}
	return c, nil
}

// Validate checks the combination of settings.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Home) == "" {
		return fmt.Errorf("home directory is required")
	}
	switch c.Archive {
	case "", archiveNone, archiveSQLite:
	case archiveMySQL:
		if c.MySQLDSN == "" {
			return fmt.Errorf("mysql archive requires a DSN (--mysql-dsn or STAGEGATE_MYSQL_DSN)")
		}
	default:
		return fmt.Errorf("unknown archive backend %q (want none, sqlite, or mysql)", c.Archive)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// AgentsPath returns the agent definition directory, defaulting to
// <home>/agents.
func (c *Config) AgentsPath() string {
	if c.AgentsDir != "" {
		return c.AgentsDir
	}
	return filepath.Join(c.Home, "agents")
}

// RunsDir is the root of the file-backed run-state store.
func (c *Config) RunsDir() string {
	return filepath.Join(c.Home, "runs")
}

// ArchivePath is the SQLite history database.
func (c *Config) ArchivePath() string {
	return filepath.Join(c.Home, "history.db")
}

// EnsureHome creates the home and runs directories.
func (c *Config) EnsureHome() error {
	if err := os.MkdirAll(c.Home, 0o755); err != nil {
		return err
	}
	return os.MkdirAll(c.RunsDir(), 0o755)
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
