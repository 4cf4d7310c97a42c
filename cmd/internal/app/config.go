package app

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	StorageMemory   = "memory"
	StorageFile     = "file"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
)

// Config contains all runtime configuration. Defaults are overlaid by an
// optional YAML file, then by CIVIC_* environment variables.
type Config struct {
	BaseURL     string        `yaml:"base_url"`
	APIPrefix   string        `yaml:"api_prefix"`
	HTTPTimeout time.Duration `yaml:"http_timeout"`

	RefreshInterval time.Duration `yaml:"refresh_interval"`
	RefreshTimeout  time.Duration `yaml:"refresh_timeout"`

	Realtime RealtimeConfig `yaml:"realtime"`
	Storage  StorageConfig  `yaml:"storage"`

	// Optional unattended sign-in when no session survives bootstrap. The
	// password is only read from the environment.
	LoginEmail    string `yaml:"login_email"`
	LoginPassword string `yaml:"-"`

	ControlAddr       string        `yaml:"control_addr"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

type RealtimeConfig struct {
	// URL defaults to BaseURL.
	URL            string        `yaml:"url"`
	Transports     []string      `yaml:"transports"`
	MaxAttempts    int           `yaml:"max_attempts"`
	DelayMin       time.Duration `yaml:"delay_min"`
	DelayMax       time.Duration `yaml:"delay_max"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

type StorageConfig struct {
	Backend     string `yaml:"backend"`
	Path        string `yaml:"path"`
	DatabaseURL string `yaml:"database_url"`
	Schema      string `yaml:"schema"`
	DBMaxConns  int32  `yaml:"db_max_conns"`
	DBMinConns  int32  `yaml:"db_min_conns"`

	// Key seals file storage at rest when set. Environment only.
	Key string `yaml:"-"`
}

// DefaultConfig mirrors the backend's documented defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:         "http://localhost:8000",
		APIPrefix:       "/api/v1",
		HTTPTimeout:     15 * time.Second,
		RefreshInterval: 9 * time.Minute,
		RefreshTimeout:  15 * time.Second,
		Realtime: RealtimeConfig{
			Transports:     []string{"websocket", "polling"},
			MaxAttempts:    5,
			DelayMin:       time.Second,
			DelayMax:       5 * time.Second,
			ConnectTimeout: 20 * time.Second,
		},
		Storage: StorageConfig{
			Backend:    StorageFile,
			Path:       ".civic",
			Schema:     "civic",
			DBMaxConns: 4,
		},
		ControlAddr:       "127.0.0.1:8787",
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		LogLevel:          "info",
		LogFormat:         "json",
	}
}

// LoadConfig builds Config from defaults, the YAML file at path (or
// CIVIC_CONFIG when path is empty) and the environment.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = EnvString("CIVIC_CONFIG", "")
	}
	if path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadYAML(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.BaseURL = EnvString("CIVIC_BASE_URL", cfg.BaseURL)
	cfg.APIPrefix = EnvString("CIVIC_API_PREFIX", cfg.APIPrefix)
	cfg.HTTPTimeout = EnvDuration("CIVIC_HTTP_TIMEOUT", cfg.HTTPTimeout)

	cfg.RefreshInterval = EnvDuration("CIVIC_REFRESH_INTERVAL", cfg.RefreshInterval)
	cfg.RefreshTimeout = EnvDuration("CIVIC_REFRESH_TIMEOUT", cfg.RefreshTimeout)

	rt := &cfg.Realtime
	rt.URL = EnvString("CIVIC_RT_URL", rt.URL)
	rt.Transports = EnvCSV("CIVIC_RT_TRANSPORTS", rt.Transports)
	rt.MaxAttempts = EnvInt("CIVIC_RT_MAX_ATTEMPTS", rt.MaxAttempts)
	rt.DelayMin = EnvDuration("CIVIC_RT_DELAY_MIN", rt.DelayMin)
	rt.DelayMax = EnvDuration("CIVIC_RT_DELAY_MAX", rt.DelayMax)
	rt.ConnectTimeout = EnvDuration("CIVIC_RT_CONNECT_TIMEOUT", rt.ConnectTimeout)
	rt.PingInterval = EnvDuration("CIVIC_RT_PING_INTERVAL", rt.PingInterval)

	st := &cfg.Storage
	st.Backend = EnvString("CIVIC_STORAGE", st.Backend)
	st.Path = EnvString("CIVIC_STORAGE_PATH", st.Path)
	st.DatabaseURL = EnvString("CIVIC_DATABASE_URL", st.DatabaseURL)
	st.Schema = EnvString("CIVIC_DB_SCHEMA", st.Schema)
	st.DBMaxConns = EnvInt32("CIVIC_DB_MAX_CONNS", st.DBMaxConns)
	st.DBMinConns = EnvInt32("CIVIC_DB_MIN_CONNS", st.DBMinConns)
	st.Key = EnvString("CIVIC_STORAGE_KEY", st.Key)

	cfg.LoginEmail = EnvString("CIVIC_LOGIN_EMAIL", cfg.LoginEmail)
	cfg.LoginPassword = EnvString("CIVIC_LOGIN_PASSWORD", cfg.LoginPassword)

	cfg.ControlAddr = EnvString("CIVIC_CONTROL_ADDR", cfg.ControlAddr)
	cfg.LogLevel = EnvString("CIVIC_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = EnvString("CIVIC_LOG_FORMAT", cfg.LogFormat)
}

// Validate normalizes cfg and rejects combinations the runtime cannot use.
func (c *Config) Validate() error {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if u, err := url.Parse(c.BaseURL); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("config: invalid base url %q", c.BaseURL)
	}
	if strings.TrimSpace(c.Realtime.URL) == "" {
		c.Realtime.URL = c.BaseURL
	}
	if c.Realtime.DelayMax < c.Realtime.DelayMin {
		return fmt.Errorf("config: realtime delay_max %v < delay_min %v", c.Realtime.DelayMax, c.Realtime.DelayMin)
	}
	if c.RefreshInterval <= 0 {
		return errors.New("config: refresh interval must be positive")
	}

	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	switch c.Storage.Backend {
	case StorageMemory:
	case StorageFile, StorageSQLite:
		if strings.TrimSpace(c.Storage.Path) == "" {
			return fmt.Errorf("config: storage %s requires a path", c.Storage.Backend)
		}
	case StoragePostgres:
		if strings.TrimSpace(c.Storage.DatabaseURL) == "" {
			return errors.New("config: storage postgres requires CIVIC_DATABASE_URL")
		}
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}

	if (c.LoginEmail == "") != (c.LoginPassword == "") {
		return errors.New("config: login email and password must be set together")
	}

	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	switch c.LogFormat {
	case "json", "pretty", "text":
	default:
		return fmt.Errorf("config: unknown log format %q", c.LogFormat)
	}
	return nil
}
