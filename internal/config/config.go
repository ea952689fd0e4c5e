package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"pixel-canvas/internal/models"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/tidwall/jsonc"
)

/*
Configuration is layered, later layers win:

 1. built-in defaults (Default)
 2. the JSON config file (comments and trailing commas allowed); written
    with the defaults when it does not exist yet
 3. .env file and environment variables
 4. command-line flags
*/

type Config struct {
	Network NetworkConfig `json:"network"`

	// SQLite database file
	DatabasePath string `json:"database_path"`

	Database   DatabaseConfig   `json:"database"`
	Canvas     CanvasConfig     `json:"canvas"`
	Edits      EditConfig       `json:"edits"`
	Sessions   SessionConfig    `json:"sessions"`
	Compaction CompactionConfig `json:"compaction"`

	// Observability, empty disables tracing
	JaegerEndpoint string `json:"jaeger_endpoint"`

	// Path the config was read from
	Path string `json:"-"`

	// Accounts to create or update at startup, "name:password:level"
	CreateUsers []string `json:"-"`
}

// NetworkConfig is the network interface the HTTP server binds to
// "0.0.0.0" accepts connections from anywhere, "127.0.0.1" only from the
// local machine.
type NetworkConfig struct {
	Host string `json:"interface"`
	Port int    `json:"port"`
}

type DatabaseConfig struct {
	Driver string `json:"driver"` // "sqlite" or "postgres"

	Host     string `json:"host"`
	Port     string `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Name     string `json:"name"`
	SSLMode  string `json:"sslmode"`

	LogSQL bool `json:"log_sql"`
}

type CanvasConfig struct {
	Width      int          `json:"width"`
	Height     int          `json:"height"`
	Background models.Color `json:"background"`
}

type EditConfig struct {
	// Minimum interval between one author's accepted edits, 0 disables
	Cooldown Duration `json:"cooldown"`

	// Edits waiting for the committer
	QueueSize int `json:"queue_size"`
	MaxBatch  int `json:"max_batch"`

	// Bounded retry of a failed change log append
	PersistAttempts int      `json:"persist_attempts"`
	RetryBackoff    Duration `json:"retry_backoff"`
	MaxRetryBackoff Duration `json:"max_retry_backoff"`
}

type SessionConfig struct {
	QueueSize      int      `json:"queue_size"`
	IdleTimeout    Duration `json:"idle_timeout"`
	MaxMessageSize int64    `json:"max_message_size"`
	AnonymousView  bool     `json:"anonymous_view"`
}

type CompactionConfig struct {
	Interval  Duration `json:"interval"`
	Threshold int64    `json:"threshold"` // change log entries before a compaction
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Network: NetworkConfig{
			Host: "0.0.0.0",
			Port: 3250,
		},
		DatabasePath: "database.db",
		Database: DatabaseConfig{
			Driver:  "sqlite",
			Host:    "localhost",
			Port:    "5432",
			User:    "postgres",
			Name:    "pixel_canvas",
			SSLMode: "disable",
		},
		Canvas: CanvasConfig{
			Width:      256,
			Height:     256,
			Background: 0xFFFFFF,
		},
		Edits: EditConfig{
			Cooldown:        Duration(time.Second),
			QueueSize:       1024,
			MaxBatch:        128,
			PersistAttempts: 5,
			RetryBackoff:    Duration(50 * time.Millisecond),
			MaxRetryBackoff: Duration(2 * time.Second),
		},
		Sessions: SessionConfig{
			QueueSize:      256,
			IdleTimeout:    Duration(5 * time.Minute),
			MaxMessageSize: 4096,
			AnonymousView:  true,
		},
		Compaction: CompactionConfig{
			Interval:  Duration(time.Minute),
			Threshold: 10000,
		},
	}
}

// Load builds the configuration from defaults, file, environment and flags
func Load(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("pixel-canvas", pflag.ContinueOnError)
	path := fs.String("config", getEnv("CANVAS_CONFIG", "config.json"), "path to the JSON config file")
	host := fs.String("interface", "", "interface to listen on")
	port := fs.Int("port", 0, "port to listen on")
	dbDriver := fs.String("db-driver", "", "database driver (sqlite, postgres)")
	dbPath := fs.String("db-path", "", "sqlite database file")
	createUsers := fs.StringArray("create-user", nil, "create or update an account, name:password:level (repeatable)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// Load .env file if it exists
	_ = godotenv.Load()

	cfg, err := LoadFile(*path)
	if err != nil {
		return nil, err
	}

	cfg.applyEnv()

	if *host != "" {
		cfg.Network.Host = *host
	}
	if *port != 0 {
		cfg.Network.Port = *port
	}
	if *dbDriver != "" {
		cfg.Database.Driver = *dbDriver
	}
	if *dbPath != "" {
		cfg.DatabasePath = *dbPath
	}
	cfg.CreateUsers = *createUsers

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads a JSON config file on top of the defaults
// A missing file is created with the default configuration.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	cfg.Path = path

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if err := writeDefault(path, cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %s: %w", path, err)
	}

	// unknown keys are an error, not a silent default
	dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("configuration file %s contains invalid JSON: %w "+
			"(check for unquoted strings, misspelled keys and missing brackets or braces)", path, err)
	}
	return cfg, nil
}

func writeDefault(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory for configuration file: %w", err)
		}
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize default configuration: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write default configuration file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Network.Host = getEnv("SERVER_HOST", c.Network.Host)
	c.Network.Port = getEnvInt("SERVER_PORT", c.Network.Port)

	c.Database.Driver = getEnv("DB_DRIVER", c.Database.Driver)
	c.DatabasePath = getEnv("DB_PATH", c.DatabasePath)
	c.Database.Host = getEnv("DB_HOST", c.Database.Host)
	c.Database.Port = getEnv("DB_PORT", c.Database.Port)
	c.Database.User = getEnv("DB_USER", c.Database.User)
	c.Database.Password = getEnv("DB_PASSWORD", c.Database.Password)
	c.Database.Name = getEnv("DB_NAME", c.Database.Name)
	c.Database.SSLMode = getEnv("DB_SSLMODE", c.Database.SSLMode)

	c.Canvas.Width = getEnvInt("CANVAS_WIDTH", c.Canvas.Width)
	c.Canvas.Height = getEnvInt("CANVAS_HEIGHT", c.Canvas.Height)
	c.Edits.Cooldown = getEnvDuration("EDIT_COOLDOWN", c.Edits.Cooldown)
	c.Sessions.QueueSize = getEnvInt("SESSION_QUEUE_SIZE", c.Sessions.QueueSize)

	c.JaegerEndpoint = getEnv("JAEGER_ENDPOINT", c.JaegerEndpoint)
}

// Validate rejects configurations the server cannot run with
func (c *Config) Validate() error {
	if c.Network.Port <= 0 || c.Network.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Network.Port)
	}
	if c.Canvas.Width <= 0 || c.Canvas.Height <= 0 {
		return fmt.Errorf("canvas size must be positive, got %dx%d", c.Canvas.Width, c.Canvas.Height)
	}
	if !c.Canvas.Background.Valid() {
		return fmt.Errorf("background color %d is not a 24-bit RGB value", c.Canvas.Background)
	}
	if c.Edits.QueueSize <= 0 || c.Edits.MaxBatch <= 0 || c.Edits.PersistAttempts <= 0 {
		return fmt.Errorf("edit queue_size, max_batch and persist_attempts must be positive")
	}
	if c.Edits.Cooldown < 0 {
		return fmt.Errorf("edit cooldown must not be negative")
	}
	if c.Sessions.QueueSize <= 0 {
		return fmt.Errorf("session queue_size must be positive")
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	return nil
}

// Addr is the listen address for the HTTP server
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Network.Host, c.Network.Port)
}

func (c *Config) DatabaseURL() string {
	d := c.Database
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// Duration is a time.Duration written as "1.5s" in the config file
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}

	// bare numbers are milliseconds
	var ms int64
	if err := json.Unmarshal(b, &ms); err != nil {
		return fmt.Errorf("duration must be a string like \"2s\" or milliseconds: %w", err)
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue Duration) Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return Duration(d)
		}
	}
	return defaultValue
}
