package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shehryarbajwa/claimharvest/internal/logger"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        logger.Config    `yaml:"log"`
	Viewer     ViewerConfig     `yaml:"viewer"`
	Browser    BrowserConfig    `yaml:"browser"`
	Portal     PortalConfig     `yaml:"portal"`
	Login      LoginConfig      `yaml:"login"`
	Vault      VaultConfig      `yaml:"vault"`
	Download   DownloadConfig   `yaml:"download"`
	Extraction ExtractionConfig `yaml:"extraction"`
	Job        JobConfig        `yaml:"job"`
	Storage    StorageConfig    `yaml:"storage"`
	Database   DatabaseConfig   `yaml:"database"`
	Queue      QueueConfig      `yaml:"queue"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Auth       AuthConfig       `yaml:"auth"`
}

type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// ViewerConfig describes the container that hosts the human-driven browser
type ViewerConfig struct {
	Image      string `yaml:"image"`
	NoVNCPort  int    `yaml:"novnc_port"`
	CDPPort    int    `yaml:"cdp_port"`
	PublicHost string `yaml:"public_host"`
	PublicTLS  bool   `yaml:"public_tls"`
	ShmSize    int64  `yaml:"shm_size"`
	Network    string `yaml:"network"`
	// MaxLifetime bounds a session that nobody is waiting on.
	MaxLifetime time.Duration `yaml:"max_lifetime"`
}

type BrowserConfig struct {
	Headful           bool          `yaml:"headful"`
	ExecPath          string        `yaml:"exec_path"`
	UserAgent         string        `yaml:"user_agent"`
	NavigationTimeout time.Duration `yaml:"navigation_timeout"`
	DownloadDir       string        `yaml:"download_dir"`
}

type PortalConfig struct {
	LoginURL     string `yaml:"login_url"`
	DashboardURL string `yaml:"dashboard_url"`
	Isapre       string `yaml:"isapre"`
}

type LoginConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	Timeout      time.Duration `yaml:"timeout"`
	URLPattern   string        `yaml:"url_pattern"`
	Markers      []string      `yaml:"markers"`
}

type VaultConfig struct {
	TTL time.Duration `yaml:"ttl"`
	// Key is a base64 32-byte key. Empty means a random key per process.
	Key string `yaml:"key"`
}

type DownloadConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	Backoff        time.Duration `yaml:"backoff"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	MinBytes       int64         `yaml:"min_bytes"`
	MinSuccessRate float64       `yaml:"min_success_rate"`
	SettleDelay    time.Duration `yaml:"settle_delay"`
	// MaxPages bounds the detail pages read per reception group.
	MaxPages int `yaml:"max_pages"`
}

type ExtractionConfig struct {
	// AmountTolerance is relative; peso amounts are whole numbers so the default is exact.
	AmountTolerance float64 `yaml:"amount_tolerance"`
	// RatioTolerance applies to printed plan percentages.
	RatioTolerance float64 `yaml:"ratio_tolerance"`
	Workers        int     `yaml:"workers"`
}

type JobConfig struct {
	Budget time.Duration `yaml:"budget"`
	// Store is one of memory, files, postgres, firestore.
	Store     string          `yaml:"store"`
	Firestore FirestoreConfig `yaml:"firestore"`
}

type FirestoreConfig struct {
	ProjectID  string `yaml:"project_id"`
	Collection string `yaml:"collection"`
}

type StorageConfig struct {
	// Backend is one of local, minio, gcs.
	Backend   string      `yaml:"backend"`
	LocalRoot string      `yaml:"local_root"`
	Minio     MinioConfig `yaml:"minio"`
	GCS       GCSConfig   `yaml:"gcs"`
}

type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type GCSConfig struct {
	Bucket string `yaml:"bucket"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type QueueConfig struct {
	// Backend is one of memory, postgres.
	Backend      string        `yaml:"backend"`
	Workers      int           `yaml:"workers"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Lease        time.Duration `yaml:"lease"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

type RateLimitConfig struct {
	RequestsPerHour int `yaml:"requests_per_hour"`
	Burst           int `yaml:"burst"`
}

type AuthConfig struct {
	// JWTSecret enables bearer auth on the API when set.
	JWTSecret string `yaml:"jwt_secret"`
}

// Load reads the YAML file at path (optional), applies environment overrides and defaults
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetDefaults fills every unset field
func (c *Config) SetDefaults() {
	setString(&c.Server.Addr, ":8080")
	setDuration(&c.Server.ReadTimeout, 15*time.Second)
	setDuration(&c.Server.WriteTimeout, 15*time.Second)
	setDuration(&c.Server.IdleTimeout, 60*time.Second)

	setString(&c.Log.Level, "info")
	setString(&c.Log.Format, "text")

	setString(&c.Viewer.Image, "scraper-viewer:latest")
	setInt(&c.Viewer.NoVNCPort, 6080)
	setInt(&c.Viewer.CDPPort, 9222)
	setString(&c.Viewer.PublicHost, "localhost")
	if c.Viewer.ShmSize == 0 {
		c.Viewer.ShmSize = 2 << 30
	}
	setDuration(&c.Viewer.MaxLifetime, time.Hour)

	setDuration(&c.Browser.NavigationTimeout, 60*time.Second)
	setString(&c.Browser.DownloadDir, os.TempDir())

	setString(&c.Portal.LoginURL, "https://extranet.cruzblanca.cl/login.aspx")
	setString(&c.Portal.DashboardURL, "https://extranet.cruzblanca.cl/Extranet.aspx")
	setString(&c.Portal.Isapre, "CruzBlanca")

	setDuration(&c.Login.PollInterval, 2*time.Second)
	setDuration(&c.Login.Timeout, 15*time.Minute)
	setString(&c.Login.URLPattern, `(?i)Extranet\.aspx`)
	if len(c.Login.Markers) == 0 {
		c.Login.Markers = []string{"#menuPrincipal", "#lbNombreCliente"}
	}

	setDuration(&c.Vault.TTL, time.Hour)

	setInt(&c.Download.MaxRetries, 2)
	setDuration(&c.Download.Backoff, 2*time.Second)
	setDuration(&c.Download.AttemptTimeout, 60*time.Second)
	if c.Download.MinBytes == 0 {
		c.Download.MinBytes = 1000
	}
	if c.Download.MinSuccessRate == 0 {
		c.Download.MinSuccessRate = 0.95
	}
	setDuration(&c.Download.SettleDelay, 2*time.Second)
	setInt(&c.Download.MaxPages, 500)

	if c.Extraction.RatioTolerance == 0 {
		c.Extraction.RatioTolerance = 0.001
	}
	setInt(&c.Extraction.Workers, 4)

	setDuration(&c.Job.Budget, 30*time.Minute)
	setString(&c.Job.Store, "files")
	setString(&c.Job.Firestore.Collection, "harvest_jobs")

	setString(&c.Storage.Backend, "local")
	setString(&c.Storage.LocalRoot, "./storage/jobs")

	setString(&c.Queue.Backend, "memory")
	setInt(&c.Queue.Workers, 1)
	setDuration(&c.Queue.PollInterval, 2*time.Second)
	setDuration(&c.Queue.Lease, 45*time.Minute)
	setInt(&c.Queue.MaxAttempts, 3)

	setInt(&c.RateLimit.RequestsPerHour, 100)
	setInt(&c.RateLimit.Burst, 10)
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	var problems []error
	if c.Download.MinSuccessRate <= 0 || c.Download.MinSuccessRate > 1 {
		problems = append(problems, fmt.Errorf("download.min_success_rate must be in (0, 1], got %v", c.Download.MinSuccessRate))
	}
	if c.Download.MaxRetries < 0 {
		problems = append(problems, fmt.Errorf("download.max_retries must not be negative"))
	}
	if c.Download.MaxPages < 0 {
		problems = append(problems, fmt.Errorf("download.max_pages must not be negative"))
	}
	if c.Extraction.AmountTolerance < 0 || c.Extraction.RatioTolerance < 0 {
		problems = append(problems, fmt.Errorf("extraction tolerances must not be negative"))
	}
	switch c.Storage.Backend {
	case "local":
	case "minio":
		if c.Storage.Minio.Endpoint == "" || c.Storage.Minio.Bucket == "" {
			problems = append(problems, fmt.Errorf("storage.minio.endpoint and bucket are required"))
		}
	case "gcs":
		if c.Storage.GCS.Bucket == "" {
			problems = append(problems, fmt.Errorf("storage.gcs.bucket is required"))
		}
	default:
		problems = append(problems, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}
	switch c.Job.Store {
	case "memory", "files":
	case "postgres":
		if c.Database.URL == "" {
			problems = append(problems, fmt.Errorf("database.url is required for the postgres job store"))
		}
	case "firestore":
		if c.Job.Firestore.ProjectID == "" {
			problems = append(problems, fmt.Errorf("job.firestore.project_id is required"))
		}
	default:
		problems = append(problems, fmt.Errorf("unknown job store %q", c.Job.Store))
	}
	switch c.Queue.Backend {
	case "memory":
	case "postgres":
		if c.Database.URL == "" {
			problems = append(problems, fmt.Errorf("database.url is required for the postgres queue"))
		}
	default:
		problems = append(problems, fmt.Errorf("unknown queue backend %q", c.Queue.Backend))
	}
	return errors.Join(problems...)
}

func applyEnv(c *Config) error {
	stringVars := map[string]*string{
		"HARVESTER_ADDR":              &c.Server.Addr,
		"HARVESTER_LOG_LEVEL":         &c.Log.Level,
		"HARVESTER_LOG_FORMAT":        &c.Log.Format,
		"HARVESTER_VIEWER_IMAGE":      &c.Viewer.Image,
		"HARVESTER_VIEWER_HOST":       &c.Viewer.PublicHost,
		"HARVESTER_VAULT_KEY":         &c.Vault.Key,
		"HARVESTER_JOB_STORE":         &c.Job.Store,
		"HARVESTER_FIRESTORE_PROJECT": &c.Job.Firestore.ProjectID,
		"HARVESTER_STORAGE_BACKEND":   &c.Storage.Backend,
		"HARVESTER_STORAGE_ROOT":      &c.Storage.LocalRoot,
		"HARVESTER_MINIO_ENDPOINT":    &c.Storage.Minio.Endpoint,
		"HARVESTER_MINIO_ACCESS_KEY":  &c.Storage.Minio.AccessKey,
		"HARVESTER_MINIO_SECRET_KEY":  &c.Storage.Minio.SecretKey,
		"HARVESTER_MINIO_BUCKET":      &c.Storage.Minio.Bucket,
		"HARVESTER_GCS_BUCKET":        &c.Storage.GCS.Bucket,
		"HARVESTER_QUEUE_BACKEND":     &c.Queue.Backend,
		"HARVESTER_JWT_SECRET":        &c.Auth.JWTSecret,
		"DATABASE_URL":                &c.Database.URL,
	}
	for key, dst := range stringVars {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"HARVESTER_LOGIN_TIMEOUT": &c.Login.Timeout,
		"HARVESTER_JOB_BUDGET":    &c.Job.Budget,
		"HARVESTER_VAULT_TTL":     &c.Vault.TTL,
	}
	for key, dst := range durations {
		if v, ok := os.LookupEnv(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
	}

	if v, ok := os.LookupEnv("HARVESTER_MIN_SUCCESS_RATE"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("HARVESTER_MIN_SUCCESS_RATE: %w", err)
		}
		c.Download.MinSuccessRate = f
	}
	if v, ok := os.LookupEnv("HARVESTER_MIN_BYTES"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("HARVESTER_MIN_BYTES: %w", err)
		}
		c.Download.MinBytes = n
	}
	return nil
}

func setString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

func setInt(dst *int, def int) {
	if *dst == 0 {
		*dst = def
	}
}

func setDuration(dst *time.Duration, def time.Duration) {
	if *dst == 0 {
		*dst = def
	}
}
