package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures every setting the recheck engine needs to boot.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	Search   SearchConfig   `yaml:"search"`
	Catalog  CatalogConfig  `yaml:"catalog"`
	Cache    CacheConfig    `yaml:"cache"`
	Engine   EngineConfig   `yaml:"engine"`
	Stats    StatsConfig    `yaml:"stats"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Notify   NotifyConfig   `yaml:"notify"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// ServerConfig controls gRPC listener behaviour.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
	Reflection      bool          `yaml:"reflection"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// SearchConfig points at the Elasticsearch/logstash cluster holding CI logs.
type SearchConfig struct {
	URL            string        `yaml:"url"`
	IndexFormat    string        `yaml:"indexFormat"`
	IndexPattern   string        `yaml:"indexPattern"`
	TimestampField string        `yaml:"timestampField"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxRetries     int           `yaml:"maxRetries"`
	InitialBackoff time.Duration `yaml:"initialBackoff"`
	MaxBackoff     time.Duration `yaml:"maxBackoff"`
	// DocumentsFile serves queries from a local JSON dump instead of URL.
	DocumentsFile string `yaml:"documentsFile"`
}

// CatalogConfig locates the fingerprint query files.
type CatalogConfig struct {
	Dir           string        `yaml:"dir"`
	Watch         bool          `yaml:"watch"`
	Debounce      time.Duration `yaml:"debounce"`
	TextFields    []string      `yaml:"textFields"`
	FacilityField string        `yaml:"facilityField"`
}

// CacheConfig controls the in-process query cache and its optional Redis tier.
type CacheConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	MaxEntries    int           `yaml:"maxEntries"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
	Shared        RedisConfig   `yaml:"shared"`
}

// RedisConfig configures the shared result cache.
type RedisConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
	Prefix       string        `yaml:"prefix"`
}

// EngineConfig tunes classification.
type EngineConfig struct {
	Concurrency       int                   `yaml:"concurrency"`
	Granularity       time.Duration         `yaml:"granularity"`
	SampleIDs         int                   `yaml:"sampleIDs"`
	IndexingMargin    time.Duration         `yaml:"indexingMargin"`
	DecideTimeout     time.Duration         `yaml:"decideTimeout"`
	ReadyQuery        string                `yaml:"readyQuery"`
	ReadyPollInterval time.Duration         `yaml:"readyPollInterval"`
	ReadyTimeout      time.Duration         `yaml:"readyTimeout"`
	FileField         string                `yaml:"fileField"`
	RequiredFiles     []RequiredFilesConfig `yaml:"requiredFiles"`
	RunFields         RunFieldsConfig       `yaml:"runFields"`
}

// RequiredFilesConfig lists files that runs of jobs matching the Job regular
// expression must have indexed before they are classified.
type RequiredFilesConfig struct {
	Job   string   `yaml:"job"`
	Files []string `yaml:"files"`
}

// RunFieldsConfig names the index fields that identify a run.
type RunFieldsConfig struct {
	RunID    string `yaml:"runID"`
	JobName  string `yaml:"jobName"`
	Change   string `yaml:"change"`
	Patchset string `yaml:"patchset"`
	Queue    string `yaml:"queue"`
}

// StatsConfig controls reporting-window statistics.
type StatsConfig struct {
	EligibleRunsQuery string        `yaml:"eligibleRunsQuery"`
	ScopeFields       []string      `yaml:"scopeFields"`
	Queue             string        `yaml:"queue"`
	CountRuns         bool          `yaml:"countRuns"`
	Window            time.Duration `yaml:"window"`
	ReportingPeriod   time.Duration `yaml:"reportingPeriod"`
	// Interval schedules ComputeStats in the background; zero disables it.
	Interval time.Duration `yaml:"interval"`
}

// DispatchConfig sizes the asynchronous classification pool.
type DispatchConfig struct {
	Workers     int           `yaml:"workers"`
	QueueSize   int           `yaml:"queueSize"`
	TaskTimeout time.Duration `yaml:"taskTimeout"`
}

// NotifyConfig selects where decisions are reported.
type NotifyConfig struct {
	Log            bool          `yaml:"log"`
	WebhookURL     string        `yaml:"webhookURL"`
	WebhookTimeout time.Duration `yaml:"webhookTimeout"`
	WebhookRetries int           `yaml:"webhookRetries"`
	BugURLTemplate string        `yaml:"bugURLTemplate"`
	// NotifyUncategorized also reports runs that matched nothing.
	NotifyUncategorized bool `yaml:"notifyUncategorized"`
}

// TracingConfig controls the OTLP exporter.
type TracingConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Endpoint      string        `yaml:"endpoint"`
	ServiceName   string        `yaml:"serviceName"`
	SampleRatio   float64       `yaml:"sampleRatio"`
	TLSCAPath     string        `yaml:"tlsCAPath"`
	TLSInsecure   bool          `yaml:"tlsInsecure"`
	ExportTimeout time.Duration `yaml:"exportTimeout"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("RECHECK_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":50051",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Search: SearchConfig{
			IndexPattern:   "logstash-*",
			TimestampField: "@timestamp",
			Timeout:        30 * time.Second,
			MaxRetries:     3,
			InitialBackoff: 250 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
		},
		Catalog: CatalogConfig{
			Dir:        "queries",
			Debounce:   500 * time.Millisecond,
			TextFields: []string{"message"},
		},
		Cache: CacheConfig{
			TTL:           10 * time.Minute,
			MaxEntries:    4096,
			SweepInterval: time.Minute,
			Shared: RedisConfig{
				DialTimeout:  2 * time.Second,
				ReadTimeout:  500 * time.Millisecond,
				WriteTimeout: 500 * time.Millisecond,
				MaxRetries:   2,
				Prefix:       "recheck:q:",
			},
		},
		Engine: EngineConfig{
			Concurrency:       8,
			Granularity:       time.Hour,
			SampleIDs:         5,
			IndexingMargin:    10 * time.Minute,
			DecideTimeout:     2 * time.Minute,
			ReadyPollInterval: 40 * time.Second,
			ReadyTimeout:      90 * time.Second,
			FileField:         "filename",
			RunFields: RunFieldsConfig{
				RunID:    "build_uuid",
				JobName:  "build_name",
				Change:   "build_change",
				Patchset: "build_patchset",
				Queue:    "build_queue",
			},
		},
		Stats: StatsConfig{
			EligibleRunsQuery: `filename:"console.html" AND (build_status:"FAILURE" OR build_status:"SUCCESS")`,
			ScopeFields:       []string{"build_name", "build_queue", "voting"},
			Window:            24 * time.Hour,
			ReportingPeriod:   24 * time.Hour,
		},
		Dispatch: DispatchConfig{
			Workers:     4,
			QueueSize:   256,
			TaskTimeout: 3 * time.Minute,
		},
		Notify: NotifyConfig{
			Log:            true,
			WebhookTimeout: 10 * time.Second,
			WebhookRetries: 3,
			BugURLTemplate: "https://bugs.launchpad.net/bugs/%s",
		},
		Tracing: TracingConfig{
			ServiceName:   "recheck-engine",
			SampleRatio:   1,
			ExportTimeout: 10 * time.Second,
		},
	}
}

// Validate rejects settings the engine cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Address == "" {
		errs = append(errs, errors.New("server.address is required"))
	}
	if c.Search.URL == "" && c.Search.DocumentsFile == "" {
		errs = append(errs, errors.New("search.url or search.documentsFile is required"))
	}
	if c.Catalog.Dir == "" {
		errs = append(errs, errors.New("catalog.dir is required"))
	}
	if c.Cache.TTL < 0 {
		errs = append(errs, fmt.Errorf("cache.ttl must not be negative, got %v", c.Cache.TTL))
	}
	if c.Cache.Shared.Enabled && c.Cache.Shared.Addr == "" {
		errs = append(errs, errors.New("cache.shared.addr is required when the shared cache is enabled"))
	}
	if c.Engine.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("engine.concurrency must be positive, got %d", c.Engine.Concurrency))
	}
	if c.Engine.RunFields.RunID == "" {
		errs = append(errs, errors.New("engine.runFields.runID is required"))
	}
	if c.Engine.ReadyTimeout < 0 || c.Engine.ReadyPollInterval < 0 {
		errs = append(errs, errors.New("engine.readyTimeout and engine.readyPollInterval must not be negative"))
	}
	if c.Engine.DecideTimeout > 0 && c.Engine.ReadyTimeout >= c.Engine.DecideTimeout {
		errs = append(errs, fmt.Errorf("engine.readyTimeout %v must be shorter than engine.decideTimeout %v", c.Engine.ReadyTimeout, c.Engine.DecideTimeout))
	}
	for i, rule := range c.Engine.RequiredFiles {
		if _, err := regexp.Compile(rule.Job); err != nil {
			errs = append(errs, fmt.Errorf("engine.requiredFiles[%d].job: %w", i, err))
		}
		if len(rule.Files) == 0 {
			errs = append(errs, fmt.Errorf("engine.requiredFiles[%d].files must not be empty", i))
		}
	}
	if c.Dispatch.Workers <= 0 {
		errs = append(errs, fmt.Errorf("dispatch.workers must be positive, got %d", c.Dispatch.Workers))
	}
	if c.Dispatch.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("dispatch.queueSize must not be negative, got %d", c.Dispatch.QueueSize))
	}
	if c.Notify.BugURLTemplate != "" && !strings.Contains(c.Notify.BugURLTemplate, "%s") {
		errs = append(errs, errors.New("notify.bugURLTemplate must contain %s"))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("tracing.sampleRatio must be within [0, 1], got %v", c.Tracing.SampleRatio))
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		errs = append(errs, errors.New("tracing.endpoint is required when tracing is enabled"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RECHECK_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("RECHECK_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("RECHECK_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("RECHECK_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("RECHECK_SEARCH_URL"); v != "" {
		cfg.Search.URL = v
	}
	if v := os.Getenv("RECHECK_SEARCH_INDEX_FORMAT"); v != "" {
		cfg.Search.IndexFormat = v
	}
	if v := os.Getenv("RECHECK_SEARCH_DOCUMENTS_FILE"); v != "" {
		cfg.Search.DocumentsFile = v
	}
	envDuration("RECHECK_SEARCH_TIMEOUT", &cfg.Search.Timeout)
	envInt("RECHECK_SEARCH_MAX_RETRIES", &cfg.Search.MaxRetries)
	if v := os.Getenv("RECHECK_CATALOG_DIR"); v != "" {
		cfg.Catalog.Dir = v
	}
	envBool("RECHECK_CATALOG_WATCH", &cfg.Catalog.Watch)
	envDuration("RECHECK_CACHE_TTL", &cfg.Cache.TTL)
	envBool("RECHECK_CACHE_SHARED_ENABLED", &cfg.Cache.Shared.Enabled)
	if v := os.Getenv("RECHECK_CACHE_SHARED_ADDR"); v != "" {
		cfg.Cache.Shared.Addr = v
	}
	if v := os.Getenv("RECHECK_CACHE_SHARED_USERNAME"); v != "" {
		cfg.Cache.Shared.Username = v
	}
	if v := os.Getenv("RECHECK_CACHE_SHARED_PASSWORD"); v != "" {
		cfg.Cache.Shared.Password = v
	}
	envInt("RECHECK_CACHE_SHARED_DB", &cfg.Cache.Shared.DB)
	envBool("RECHECK_CACHE_SHARED_TLS", &cfg.Cache.Shared.TLS)
	envInt("RECHECK_ENGINE_CONCURRENCY", &cfg.Engine.Concurrency)
	envDuration("RECHECK_ENGINE_DECIDE_TIMEOUT", &cfg.Engine.DecideTimeout)
	if v := os.Getenv("RECHECK_ENGINE_READY_QUERY"); v != "" {
		cfg.Engine.ReadyQuery = v
	}
	envDuration("RECHECK_ENGINE_READY_POLL_INTERVAL", &cfg.Engine.ReadyPollInterval)
	envDuration("RECHECK_ENGINE_READY_TIMEOUT", &cfg.Engine.ReadyTimeout)
	if v := os.Getenv("RECHECK_STATS_QUEUE"); v != "" {
		cfg.Stats.Queue = v
	}
	envDuration("RECHECK_STATS_INTERVAL", &cfg.Stats.Interval)
	envInt("RECHECK_DISPATCH_WORKERS", &cfg.Dispatch.Workers)
	envInt("RECHECK_DISPATCH_QUEUE_SIZE", &cfg.Dispatch.QueueSize)
	if v := os.Getenv("RECHECK_NOTIFY_WEBHOOK_URL"); v != "" {
		cfg.Notify.WebhookURL = v
	}
	envBool("RECHECK_TRACING_ENABLED", &cfg.Tracing.Enabled)
	if v := os.Getenv("RECHECK_TRACING_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = strings.EqualFold(v, "true") || v == "1"
	}
}
