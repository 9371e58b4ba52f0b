package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"escalation/internal/domain"
	"escalation/internal/templatefmt"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/pelletier/go-toml/v2"
)

const (
	defaultServiceName          = "escalation"
	defaultEscalationTimeoutMS  = 15 * 60 * 1000
	minEscalationTimeoutMS      = 50
	defaultMaxConflictRetries   = 5
	defaultDispatchTimeoutMS    = 10_000
	defaultStoreTimeoutMS       = 5_000
	defaultReconcileSeconds     = 60
	defaultReloadSeconds        = 5
	defaultHTTPListen           = ":8080"
	defaultHealthPath           = "/healthz"
	defaultReadyPath            = "/readyz"
	defaultMetricsPath          = "/metrics"
	defaultAPIPrefix            = "/api/v1"
	defaultIngestPath           = "/ingest"
	defaultNATSURL              = "nats://127.0.0.1:4222"
	defaultNATSSubject          = "escalation.events"
	defaultNATSIngestStream     = "ESCALATION_EVENTS"
	defaultNATSIngestConsumer   = "escalation-ingest"
	defaultNATSIngestGroup      = "escalation-workers"
	defaultNATSAckWaitSec       = 30
	defaultNATSNackDelayMS      = 1000
	defaultNATSMaxDeliver       = -1
	defaultNATSMaxAckPending    = 1024
	defaultNATSStateBucket      = "escalation_state"
	defaultNATSPolicyBucket     = "escalation_policy"
	defaultNATSTimerBucket      = "escalation_timer"
	defaultTimerConsumer        = "escalation-timer"
	defaultTimerDeliverGroup    = "escalation-timer"
	defaultNotifySubject        = "escalation.notify"
	defaultNotifyStream         = "ESCALATION_NOTIFY"
	defaultNotifyConsumer       = "escalation-notify"
	defaultNotifyDeliverGroup   = "escalation-notify"
	defaultNotifyDLQSubject     = "escalation.notify.dlq"
	defaultNotifyDLQStream      = "ESCALATION_NOTIFY_DLQ"
	defaultRedisKeyPrefix       = "escalation:state:"
	defaultPostgresTable        = "escalation_policies"
	defaultSMTPPort             = 587
	defaultSenderTimeoutSec     = 10
	defaultSMSAPIKeyHeader      = "Authorization"
	defaultMessageTemplate      = "{{ .Message }}"
	defaultEmailSubjectTemplate = "[{{ .ServiceID }}] escalation {{ level .Level }}"

	// ServiceModeNATS runs with NATS-backed ingest, state, policy, and timers.
	ServiceModeNATS = "nats"
	// ServiceModeSingle runs one process with in-memory collaborators and no NATS.
	ServiceModeSingle = "single"

	// BackendMemory keeps data in process memory.
	BackendMemory = "memory"
	// BackendNATS keeps data in JetStream KV buckets.
	BackendNATS = "nats"
	// BackendRedis keeps alert state in Redis.
	BackendRedis = "redis"
	// BackendPostgres keeps policies in PostgreSQL.
	BackendPostgres = "postgres"
)

var (
	notifyChannelRegistry = map[domain.Channel]notifyChannelDescriptor{
		domain.ChannelEmail: {
			enabled:  func(cfg NotifyConfig) bool { return cfg.Email.Enabled },
			retry:    func(cfg NotifyConfig) NotifyRetry { return cfg.Email.Retry },
			breaker:  func(cfg NotifyConfig) BreakerConfig { return cfg.Email.Breaker },
			template: func(cfg NotifyConfig) string { return cfg.Email.MessageTemplate },
		},
		domain.ChannelSMS: {
			enabled:  func(cfg NotifyConfig) bool { return cfg.SMS.Enabled },
			retry:    func(cfg NotifyConfig) NotifyRetry { return cfg.SMS.Retry },
			breaker:  func(cfg NotifyConfig) BreakerConfig { return cfg.SMS.Breaker },
			template: func(cfg NotifyConfig) string { return cfg.SMS.MessageTemplate },
		},
		domain.ChannelTelegram: {
			enabled:  func(cfg NotifyConfig) bool { return cfg.Telegram.Enabled },
			retry:    func(cfg NotifyConfig) NotifyRetry { return cfg.Telegram.Retry },
			breaker:  func(cfg NotifyConfig) BreakerConfig { return cfg.Telegram.Breaker },
			template: func(cfg NotifyConfig) string { return cfg.Telegram.MessageTemplate },
		},
	}
	unsupportedNATSFixedKeysPattern = regexp.MustCompile(`(?mi)^\s*(?:subject|stream|consumer_name|deliver_group)\s*=`)
	unsupportedNotifyQueueURLPattern = regexp.MustCompile(`(?si)\[\s*notify\.queue\s*\][^\[]*\burl\s*=`)
)

// notifyChannelDescriptor stores generic accessors for one notify transport.
// Params: config readers for enabled/retry/breaker/template fields.
// Returns: channel metadata used by generic helpers.
type notifyChannelDescriptor struct {
	enabled  func(NotifyConfig) bool
	retry    func(NotifyConfig) NotifyRetry
	breaker  func(NotifyConfig) BreakerConfig
	template func(NotifyConfig) string
}

// Config holds service runtime settings, backend selection, and notifier setup.
// Params: TOML sections from file or merged directory snapshot.
// Returns: validated runtime configuration.
type Config struct {
	Service ServiceConfig `toml:"service"`
	Log     LogConfig     `toml:"log"`
	HTTP    HTTPConfig    `toml:"http"`
	NATS    NATSConfig    `toml:"nats"`
	State   StateConfig   `toml:"state"`
	Policy  PolicyConfig  `toml:"policy"`
	Timer   TimerConfig   `toml:"timer"`
	Notify  NotifyConfig  `toml:"notify"`
	Tracing TracingConfig `toml:"tracing"`
}

// ServiceConfig contains process-level and escalation settings.
// Params: name, runtime mode, escalation timing, retry and reload controls.
// Returns: service behavior defaults.
type ServiceConfig struct {
	Name                 string `toml:"name"`
	Mode                 string `toml:"mode" env:"ESCALATION_MODE"`
	EscalationTimeoutMS  int64  `toml:"escalation_timeout_ms" env:"ESCALATION_TIMEOUT_MS"`
	MaxConflictRetries   int    `toml:"max_conflict_retries"`
	DispatchTimeoutMS    int    `toml:"dispatch_timeout_ms"`
	StoreTimeoutMS       int    `toml:"store_timeout_ms"`
	ReconcileIntervalSec int    `toml:"reconcile_interval_sec"`
	ReloadEnabled        bool   `toml:"reload_enabled"`
	ReloadIntervalSec    int    `toml:"reload_interval_sec"`
}

// LogConfig contains console/file logging sinks.
// Params: sink settings for each output target.
// Returns: logger setup options.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig defines one logging sink.
// Params: sink enable flag, level, format, path, and file rotation limits.
// Returns: sink-specific behavior.
type LogSinkConfig struct {
	Enabled    bool   `toml:"enabled"`
	Level      string `toml:"level" env:"ESCALATION_LOG_LEVEL"`
	Format     string `toml:"format"`
	Path       string `toml:"path"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// HTTPConfig configures operator API, ingest, health, and metrics endpoints.
// Params: listen address, endpoint paths, and body size limit.
// Returns: HTTP server behavior.
type HTTPConfig struct {
	Listen        string `toml:"listen" env:"ESCALATION_HTTP_LISTEN"`
	HealthPath    string `toml:"health_path"`
	ReadyPath     string `toml:"ready_path"`
	MetricsPath   string `toml:"metrics_path"`
	APIPrefix     string `toml:"api_prefix"`
	IngestEnabled bool   `toml:"ingest_enabled"`
	IngestPath    string `toml:"ingest_path"`
	MaxBodyBytes  int64  `toml:"max_body_bytes"`
}

// NATSConfig holds shared NATS endpoints and JetStream ingest settings.
// Params: server URLs and ingest consumer policy.
// Returns: NATS connection settings.
type NATSConfig struct {
	URL    []string         `toml:"url" env:"ESCALATION_NATS_URL" env-separator:","`
	Ingest NATSIngestConfig `toml:"ingest"`
}

// NATSIngestConfig configures JetStream queue-consumer ingestion.
// Params: worker/ack/redelivery policy; stream routing keys are runtime-fixed.
// Returns: NATS ingest behavior.
type NATSIngestConfig struct {
	Enabled       bool     `toml:"enabled"`
	URL           []string `toml:"-"`
	Subject       string   `toml:"-"`
	Stream        string   `toml:"-"`
	ConsumerName  string   `toml:"-"`
	DeliverGroup  string   `toml:"-"`
	AckWaitSec    int      `toml:"ack_wait_sec"`
	NackDelayMS   int      `toml:"nack_delay_ms"`
	MaxDeliver    int      `toml:"max_deliver"`
	MaxAckPending int      `toml:"max_ack_pending"`
}

// StateConfig selects alert state backend.
// Params: backend name and backend-specific options.
// Returns: state store selection.
type StateConfig struct {
	Backend string      `toml:"backend"`
	Redis   RedisConfig `toml:"redis"`
}

// RedisConfig configures Redis alert state backend.
// Params: address, credentials, database index, and key prefix.
// Returns: Redis client options.
type RedisConfig struct {
	Addr      string `toml:"addr" env:"ESCALATION_REDIS_ADDR"`
	Password  string `toml:"password" env:"ESCALATION_REDIS_PASSWORD"`
	DB        int    `toml:"db"`
	KeyPrefix string `toml:"key_prefix"`
}

// PolicyConfig selects policy backend and optional seed documents.
// Params: backend name, Postgres options, and seed policies.
// Returns: policy store selection.
type PolicyConfig struct {
	Backend  string                    `toml:"backend"`
	Postgres PostgresConfig            `toml:"postgres"`
	Seed     []domain.EscalationPolicy `toml:"seed"`
}

// PostgresConfig configures PostgreSQL policy backend.
// Params: connection DSN and table name.
// Returns: SQL backend options.
type PostgresConfig struct {
	DSN   string `toml:"dsn" env:"ESCALATION_POSTGRES_DSN"`
	Table string `toml:"table"`
}

// TimerConfig selects timer facility backend.
type TimerConfig struct {
	Backend string `toml:"backend"`
}

// NATSStateConfig contains fixed JetStream KV and consumer controls for NATS backends.
// Params: URL, bucket names, and timer expiry consumer settings.
// Returns: NATS backend options.
type NATSStateConfig struct {
	URL                  []string
	StateBucket          string
	PolicyBucket         string
	TimerBucket          string
	TimerConsumerName    string
	TimerDeliverGroup    string
	TimerSubjectWildcard string
	AllowCreateBuckets   bool
}

// DeriveStateNATSConfig builds fixed NATS backend settings from runtime config.
// Params: full runtime configuration snapshot.
// Returns: non-user-overridable NATS backend settings.
func DeriveStateNATSConfig(cfg Config) NATSStateConfig {
	urls := normalizeNATSURLs(cfg.NATS.URL)
	if len(urls) == 0 {
		urls = []string{defaultNATSURL}
	}
	return NATSStateConfig{
		URL:                  urls,
		StateBucket:          defaultNATSStateBucket,
		PolicyBucket:         defaultNATSPolicyBucket,
		TimerBucket:          defaultNATSTimerBucket,
		TimerConsumerName:    defaultTimerConsumer,
		TimerDeliverGroup:    defaultTimerDeliverGroup,
		TimerSubjectWildcard: "$KV." + defaultNATSTimerBucket + ".>",
		AllowCreateBuckets:   true,
	}
}

// NotifyConfig defines outbound notification behavior.
// Params: async queue settings and per-channel transport settings.
// Returns: notification controls.
type NotifyConfig struct {
	Queue    NotifyQueue      `toml:"queue"`
	Email    EmailNotifier    `toml:"email"`
	SMS      SMSNotifier      `toml:"sms"`
	Telegram TelegramNotifier `toml:"telegram"`
}

// NotifyQueue defines asynchronous delivery queue settings.
// Params: enable flag, ack/redelivery policy, and DLQ toggle.
// Returns: async notify pipeline controls.
type NotifyQueue struct {
	Enabled       bool     `toml:"enabled"`
	URL           []string `toml:"-"`
	Subject       string   `toml:"-"`
	Stream        string   `toml:"-"`
	ConsumerName  string   `toml:"-"`
	DeliverGroup  string   `toml:"-"`
	DLQSubject    string   `toml:"-"`
	DLQStream     string   `toml:"-"`
	AckWaitSec    int      `toml:"ack_wait_sec"`
	NackDelayMS   int      `toml:"nack_delay_ms"`
	MaxDeliver    int      `toml:"max_deliver"`
	MaxAckPending int      `toml:"max_ack_pending"`
	DLQ           bool     `toml:"dlq"`
}

// NotifyRetry configures outbound delivery retries.
// Params: retry toggle, backoff, attempt limits, and logging.
// Returns: retry policy for notifications.
type NotifyRetry struct {
	Enabled        bool   `toml:"enabled"`
	Backoff        string `toml:"backoff"`
	InitialMS      int    `toml:"initial_ms"`
	MaxMS          int    `toml:"max_ms"`
	MaxAttempts    int    `toml:"max_attempts"`
	LogEachAttempt bool   `toml:"log_each_attempt"`
}

// BreakerConfig configures per-channel circuit breaker.
// Params: trip threshold, half-open probes, and open/reset intervals.
// Returns: breaker settings for one sender.
type BreakerConfig struct {
	Enabled          bool   `toml:"enabled"`
	FailureThreshold uint32 `toml:"failure_threshold"`
	MaxRequests      uint32 `toml:"max_requests"`
	IntervalSec      int    `toml:"interval_sec"`
	OpenTimeoutSec   int    `toml:"open_timeout_sec"`
}

// EmailNotifier defines SMTP channel settings.
// Params: SMTP endpoint/auth, sender address, templates, retry, and breaker.
// Returns: email sender configuration.
type EmailNotifier struct {
	Enabled         bool          `toml:"enabled"`
	SMTPHost        string        `toml:"smtp_host" env:"ESCALATION_SMTP_HOST"`
	SMTPPort        int           `toml:"smtp_port"`
	Username        string        `toml:"username" env:"ESCALATION_SMTP_USERNAME"`
	Password        string        `toml:"password" env:"ESCALATION_SMTP_PASSWORD"`
	From            string        `toml:"from"`
	UseTLS          bool          `toml:"use_tls"`
	TimeoutSec      int           `toml:"timeout_sec"`
	SubjectTemplate string        `toml:"subject_template"`
	MessageTemplate string        `toml:"message_template"`
	Retry           NotifyRetry   `toml:"retry"`
	Breaker         BreakerConfig `toml:"breaker"`
}

// SMSNotifier defines HTTP SMS gateway settings.
// Params: gateway URL/auth, sender id, rate limit, template, retry, and breaker.
// Returns: SMS sender configuration.
type SMSNotifier struct {
	Enabled         bool          `toml:"enabled"`
	URL             string        `toml:"url"`
	APIKey          string        `toml:"api_key" env:"ESCALATION_SMS_API_KEY"`
	APIKeyHeader    string        `toml:"api_key_header"`
	Sender          string        `toml:"sender"`
	TimeoutSec      int           `toml:"timeout_sec"`
	RatePerSec      float64       `toml:"rate_per_sec"`
	Burst           int           `toml:"burst"`
	MessageTemplate string        `toml:"message_template"`
	Retry           NotifyRetry   `toml:"retry"`
	Breaker         BreakerConfig `toml:"breaker"`
}

// TelegramNotifier defines Telegram channel settings.
// Params: bot token, API base URL, template, retry, and breaker.
// Returns: Telegram sender configuration.
type TelegramNotifier struct {
	Enabled         bool          `toml:"enabled"`
	BotToken        string        `toml:"bot_token" env:"ESCALATION_TELEGRAM_BOT_TOKEN"`
	APIBase         string        `toml:"api_base"`
	MessageTemplate string        `toml:"message_template"`
	Retry           NotifyRetry   `toml:"retry"`
	Breaker         BreakerConfig `toml:"breaker"`
}

// TracingConfig configures OTLP trace export.
// Params: enable flag, collector endpoint, transport security, and sampling.
// Returns: tracer provider options.
type TracingConfig struct {
	Enabled     bool    `toml:"enabled"`
	Endpoint    string  `toml:"endpoint" env:"ESCALATION_OTLP_ENDPOINT"`
	Insecure    bool    `toml:"insecure"`
	SampleRatio float64 `toml:"sample_ratio"`
}

// ConfigSource describes file or directory config source.
// Params: exactly one of file path or directory path.
// Returns: normalized source descriptor.
type ConfigSource struct {
	File string
	Dir  string
}

// FromCLI builds normalized source configuration from input paths.
// Params: optional file and directory arguments.
// Returns: source descriptor or validation error.
func FromCLI(filePath, dirPath string) (ConfigSource, error) {
	filePath = strings.TrimSpace(filePath)
	dirPath = strings.TrimSpace(dirPath)

	if filePath == "" && dirPath == "" {
		return ConfigSource{}, errors.New("either --config-file or --config-dir must be provided")
	}
	if filePath != "" && dirPath != "" {
		return ConfigSource{}, errors.New("config source must be either file or dir")
	}

	if filePath != "" {
		return ConfigSource{File: filePath}, nil
	}
	return ConfigSource{Dir: dirPath}, nil
}

// LoadSnapshot loads, env-overrides, and validates configuration from one source.
// Params: source selects file or directory mode.
// Returns: validated config or load/validation error.
func LoadSnapshot(src ConfigSource) (Config, error) {
	var cfg Config
	var err error
	if src.File != "" {
		cfg, err = loadFile(src.File)
	} else {
		cfg, err = loadDir(src.Dir)
	}
	if err != nil {
		return Config{}, err
	}
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("read environment overrides: %w", err)
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// EscalationTimeout returns delay between escalation steps.
// Params: runtime config snapshot.
// Returns: configured timeout (15 minutes by default).
func EscalationTimeout(cfg Config) time.Duration {
	return time.Duration(cfg.Service.EscalationTimeoutMS) * time.Millisecond
}

// DispatchTimeout returns per-target delivery deadline.
// Params: runtime config snapshot.
// Returns: timeout for one target send.
func DispatchTimeout(cfg Config) time.Duration {
	return time.Duration(cfg.Service.DispatchTimeoutMS) * time.Millisecond
}

// StoreTimeout returns deadline applied to one coordinator transition's store calls.
// Params: runtime config snapshot.
// Returns: store operation timeout.
func StoreTimeout(cfg Config) time.Duration {
	return time.Duration(cfg.Service.StoreTimeoutMS) * time.Millisecond
}

// rejectUnsupportedSyntax checks runtime-fixed keys and returns explicit error.
// Params: raw TOML file body.
// Returns: error when unsupported syntax is detected.
func rejectUnsupportedSyntax(body []byte) error {
	if unsupportedNATSFixedKeysPattern.Match(body) {
		return errors.New("subject/stream/consumer_name/deliver_group are fixed in runtime and must not be configured")
	}
	if unsupportedNotifyQueueURLPattern.Match(body) {
		return errors.New("notify.queue.url is not supported; notify queue NATS URL is derived from nats.url")
	}
	return nil
}

// loadFile reads one TOML configuration file.
// Params: file path to config snapshot.
// Returns: decoded config or read/decode error.
func loadFile(path string) (Config, error) {
	tree, err := loadTree(path)
	if err != nil {
		return Config{}, err
	}
	return decodeTree(path, tree)
}

// loadTree reads one TOML file into a generic table tree.
// Params: file path.
// Returns: decoded table or read/decode error.
func loadTree(path string) (map[string]any, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %q: %w", path, err)
	}
	if err := rejectUnsupportedSyntax(body); err != nil {
		return nil, fmt.Errorf("decode config file %q: %w", path, err)
	}
	tree := make(map[string]any)
	if err := toml.Unmarshal(body, &tree); err != nil {
		return nil, fmt.Errorf("decode config file %q: %w", path, err)
	}
	return tree, nil
}

// decodeTree converts a generic table tree into typed config.
// Params: source label for errors and merged table tree.
// Returns: typed config or decode error.
func decodeTree(label string, tree map[string]any) (Config, error) {
	body, err := toml.Marshal(tree)
	if err != nil {
		return Config{}, fmt.Errorf("encode config %q: %w", label, err)
	}
	decoder := toml.NewDecoder(strings.NewReader(string(body)))
	decoder.DisallowUnknownFields()
	var cfg Config
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config %q: %w", label, err)
	}
	return cfg, nil
}

// loadDir reads and merges TOML files from one directory.
// Params: directory containing config fragments.
// Returns: merged config snapshot or load/decode error.
func loadDir(dir string) (Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Config{}, fmt.Errorf("read config dir %q: %w", dir, err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := strings.ToLower(filepath.Ext(name))
		if ext != ".toml" {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	if len(files) == 0 {
		return Config{}, fmt.Errorf("no .toml files found in %q", dir)
	}
	sort.Strings(files)

	merged := make(map[string]any)
	for _, file := range files {
		fragment, err := loadTree(file)
		if err != nil {
			return Config{}, err
		}
		mergeTables(merged, fragment)
	}
	return decodeTree(dir, merged)
}

// mergeTables overlays source table onto destination.
// Params: destination and next fragment tables.
// Returns: merged tables side-effect in dst; nested tables merge, arrays of
// tables append, scalars and plain arrays replace.
func mergeTables(dst, src map[string]any) {
	for key, value := range src {
		existing, ok := dst[key]
		if !ok {
			dst[key] = value
			continue
		}
		dstTable, dstIsTable := existing.(map[string]any)
		srcTable, srcIsTable := value.(map[string]any)
		if dstIsTable && srcIsTable {
			mergeTables(dstTable, srcTable)
			continue
		}
		dstArray, dstIsArray := existing.([]any)
		srcArray, srcIsArray := value.([]any)
		if dstIsArray && srcIsArray && isTableArray(dstArray) && isTableArray(srcArray) {
			dst[key] = append(dstArray, srcArray...)
			continue
		}
		dst[key] = value
	}
}

func isTableArray(values []any) bool {
	if len(values) == 0 {
		return false
	}
	for _, value := range values {
		if _, ok := value.(map[string]any); !ok {
			return false
		}
	}
	return true
}

// applyDefaults fills unset values and derives runtime-fixed names.
// Params: config pointer after decode and env overrides.
// Returns: defaults side-effect in cfg.
func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Service.Name) == "" {
		cfg.Service.Name = defaultServiceName
	}
	cfg.Service.Mode = NormalizeServiceMode(cfg.Service.Mode)
	if cfg.Service.EscalationTimeoutMS <= 0 {
		cfg.Service.EscalationTimeoutMS = defaultEscalationTimeoutMS
	}
	if cfg.Service.MaxConflictRetries <= 0 {
		cfg.Service.MaxConflictRetries = defaultMaxConflictRetries
	}
	if cfg.Service.DispatchTimeoutMS <= 0 {
		cfg.Service.DispatchTimeoutMS = defaultDispatchTimeoutMS
	}
	if cfg.Service.StoreTimeoutMS <= 0 {
		cfg.Service.StoreTimeoutMS = defaultStoreTimeoutMS
	}
	if cfg.Service.ReconcileIntervalSec <= 0 {
		cfg.Service.ReconcileIntervalSec = defaultReconcileSeconds
	}
	if cfg.Service.ReloadIntervalSec <= 0 {
		cfg.Service.ReloadIntervalSec = defaultReloadSeconds
	}

	if cfg.Log.Console.Level == "" {
		cfg.Log.Console.Level = "info"
	}
	if cfg.Log.Console.Format == "" {
		cfg.Log.Console.Format = "line"
	}
	if cfg.Log.File.Level == "" {
		cfg.Log.File.Level = "info"
	}
	if cfg.Log.File.Format == "" {
		cfg.Log.File.Format = "json"
	}
	if cfg.Log.File.MaxSizeMB <= 0 {
		cfg.Log.File.MaxSizeMB = 100
	}
	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
	}

	if strings.TrimSpace(cfg.HTTP.Listen) == "" {
		cfg.HTTP.Listen = defaultHTTPListen
	}
	if strings.TrimSpace(cfg.HTTP.HealthPath) == "" {
		cfg.HTTP.HealthPath = defaultHealthPath
	}
	if strings.TrimSpace(cfg.HTTP.ReadyPath) == "" {
		cfg.HTTP.ReadyPath = defaultReadyPath
	}
	if strings.TrimSpace(cfg.HTTP.MetricsPath) == "" {
		cfg.HTTP.MetricsPath = defaultMetricsPath
	}
	if strings.TrimSpace(cfg.HTTP.APIPrefix) == "" {
		cfg.HTTP.APIPrefix = defaultAPIPrefix
	}
	cfg.HTTP.APIPrefix = "/" + strings.Trim(strings.TrimSpace(cfg.HTTP.APIPrefix), "/")
	if strings.TrimSpace(cfg.HTTP.IngestPath) == "" {
		cfg.HTTP.IngestPath = defaultIngestPath
	}
	if cfg.HTTP.MaxBodyBytes <= 0 {
		cfg.HTTP.MaxBodyBytes = 1 << 20
	}

	cfg.State.Backend = normalizeBackend(cfg.State.Backend)
	cfg.Policy.Backend = normalizeBackend(cfg.Policy.Backend)
	cfg.Timer.Backend = normalizeBackend(cfg.Timer.Backend)
	if strings.TrimSpace(cfg.State.Redis.KeyPrefix) == "" {
		cfg.State.Redis.KeyPrefix = defaultRedisKeyPrefix
	}
	if strings.TrimSpace(cfg.Policy.Postgres.Table) == "" {
		cfg.Policy.Postgres.Table = defaultPostgresTable
	}

	if cfg.Service.Mode == ServiceModeSingle {
		// Single mode always disables NATS-dependent paths regardless of user flags.
		cfg.NATS.Ingest.Enabled = false
		cfg.Notify.Queue.Enabled = false
		cfg.Notify.Queue.DLQ = false
		if cfg.State.Backend == "" || cfg.State.Backend == BackendNATS {
			cfg.State.Backend = BackendMemory
		}
		if cfg.Policy.Backend == "" || cfg.Policy.Backend == BackendNATS {
			cfg.Policy.Backend = BackendMemory
		}
		cfg.Timer.Backend = BackendMemory
	} else {
		cfg.NATS.URL = normalizeNATSURLs(cfg.NATS.URL)
		if len(cfg.NATS.URL) == 0 {
			cfg.NATS.URL = []string{defaultNATSURL}
		}
		if cfg.State.Backend == "" {
			cfg.State.Backend = BackendNATS
		}
		if cfg.Policy.Backend == "" {
			cfg.Policy.Backend = BackendNATS
		}
		if cfg.Timer.Backend == "" {
			cfg.Timer.Backend = BackendNATS
		}
		cfg.NATS.Ingest.URL = cfg.NATS.URL
		cfg.NATS.Ingest.Subject = defaultNATSSubject
		cfg.NATS.Ingest.Stream = defaultNATSIngestStream
		cfg.NATS.Ingest.ConsumerName = defaultNATSIngestConsumer
		cfg.NATS.Ingest.DeliverGroup = defaultNATSIngestGroup
		if cfg.NATS.Ingest.AckWaitSec <= 0 {
			cfg.NATS.Ingest.AckWaitSec = defaultNATSAckWaitSec
		}
		if cfg.NATS.Ingest.NackDelayMS <= 0 {
			cfg.NATS.Ingest.NackDelayMS = defaultNATSNackDelayMS
		}
		if cfg.NATS.Ingest.MaxDeliver == 0 {
			cfg.NATS.Ingest.MaxDeliver = defaultNATSMaxDeliver
		}
		if cfg.NATS.Ingest.MaxAckPending <= 0 {
			cfg.NATS.Ingest.MaxAckPending = defaultNATSMaxAckPending
		}

		cfg.Notify.Queue.URL = cfg.NATS.URL
		cfg.Notify.Queue.Subject = defaultNotifySubject
		cfg.Notify.Queue.Stream = defaultNotifyStream
		cfg.Notify.Queue.ConsumerName = defaultNotifyConsumer
		cfg.Notify.Queue.DeliverGroup = defaultNotifyDeliverGroup
		cfg.Notify.Queue.DLQSubject = defaultNotifyDLQSubject
		cfg.Notify.Queue.DLQStream = defaultNotifyDLQStream
		if cfg.Notify.Queue.AckWaitSec <= 0 {
			cfg.Notify.Queue.AckWaitSec = defaultNATSAckWaitSec
		}
		if cfg.Notify.Queue.NackDelayMS <= 0 {
			cfg.Notify.Queue.NackDelayMS = defaultNATSNackDelayMS
		}
		if cfg.Notify.Queue.MaxDeliver == 0 {
			cfg.Notify.Queue.MaxDeliver = 10
		}
		if cfg.Notify.Queue.MaxAckPending <= 0 {
			cfg.Notify.Queue.MaxAckPending = defaultNATSMaxAckPending
		}
	}

	if cfg.Notify.Email.SMTPPort <= 0 {
		cfg.Notify.Email.SMTPPort = defaultSMTPPort
	}
	if cfg.Notify.Email.TimeoutSec <= 0 {
		cfg.Notify.Email.TimeoutSec = defaultSenderTimeoutSec
	}
	if strings.TrimSpace(cfg.Notify.Email.SubjectTemplate) == "" {
		cfg.Notify.Email.SubjectTemplate = defaultEmailSubjectTemplate
	}
	if cfg.Notify.SMS.TimeoutSec <= 0 {
		cfg.Notify.SMS.TimeoutSec = defaultSenderTimeoutSec
	}
	if strings.TrimSpace(cfg.Notify.SMS.APIKeyHeader) == "" {
		cfg.Notify.SMS.APIKeyHeader = defaultSMSAPIKeyHeader
	}
	if cfg.Notify.SMS.RatePerSec > 0 && cfg.Notify.SMS.Burst <= 0 {
		cfg.Notify.SMS.Burst = 1
	}
	if strings.TrimSpace(cfg.Notify.Telegram.APIBase) == "" {
		cfg.Notify.Telegram.APIBase = "https://api.telegram.org"
	}
	fillChannelDefaults(&cfg.Notify.Email.MessageTemplate, &cfg.Notify.Email.Retry, &cfg.Notify.Email.Breaker)
	fillChannelDefaults(&cfg.Notify.SMS.MessageTemplate, &cfg.Notify.SMS.Retry, &cfg.Notify.SMS.Breaker)
	fillChannelDefaults(&cfg.Notify.Telegram.MessageTemplate, &cfg.Notify.Telegram.Retry, &cfg.Notify.Telegram.Breaker)

	if cfg.Tracing.SampleRatio <= 0 || cfg.Tracing.SampleRatio > 1 {
		cfg.Tracing.SampleRatio = 1
	}
}

// fillChannelDefaults fills template, retry, and breaker defaults of one channel.
// Params: pointers to channel template, retry, and breaker sections.
// Returns: defaults side-effect in arguments.
func fillChannelDefaults(template *string, retry *NotifyRetry, breaker *BreakerConfig) {
	if strings.TrimSpace(*template) == "" {
		*template = defaultMessageTemplate
	}
	if strings.TrimSpace(retry.Backoff) == "" {
		retry.Backoff = "exponential"
	}
	if retry.InitialMS <= 0 {
		retry.InitialMS = 500
	}
	if retry.MaxMS <= 0 {
		retry.MaxMS = 10_000
	}
	if retry.Enabled && retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 3
	}
	if breaker.FailureThreshold == 0 {
		breaker.FailureThreshold = 5
	}
	if breaker.MaxRequests == 0 {
		breaker.MaxRequests = 1
	}
	if breaker.IntervalSec <= 0 {
		breaker.IntervalSec = 60
	}
	if breaker.OpenTimeoutSec <= 0 {
		breaker.OpenTimeoutSec = 30
	}
}

// validateConfig checks config consistency after defaults.
// Params: full config snapshot.
// Returns: first validation error.
func validateConfig(cfg Config) error {
	mode := NormalizeServiceMode(cfg.Service.Mode)
	if !IsSupportedServiceMode(mode) {
		return fmt.Errorf("service.mode has unsupported value %q", cfg.Service.Mode)
	}
	if cfg.Service.EscalationTimeoutMS < minEscalationTimeoutMS {
		return fmt.Errorf("service.escalation_timeout_ms must be >=%d", minEscalationTimeoutMS)
	}
	if cfg.Service.MaxConflictRetries > 100 {
		return errors.New("service.max_conflict_retries must be <=100")
	}
	if err := validateLogSink("log.console", cfg.Log.Console, false); err != nil {
		return err
	}
	if err := validateLogSink("log.file", cfg.Log.File, true); err != nil {
		return err
	}
	for name, path := range map[string]string{
		"http.health_path":  cfg.HTTP.HealthPath,
		"http.ready_path":   cfg.HTTP.ReadyPath,
		"http.metrics_path": cfg.HTTP.MetricsPath,
		"http.ingest_path":  cfg.HTTP.IngestPath,
	} {
		if !strings.HasPrefix(path, "/") {
			return fmt.Errorf("%s must start with /", name)
		}
	}

	if err := validateBackend("state.backend", cfg.State.Backend, BackendMemory, BackendNATS, BackendRedis); err != nil {
		return err
	}
	if err := validateBackend("policy.backend", cfg.Policy.Backend, BackendMemory, BackendNATS, BackendPostgres); err != nil {
		return err
	}
	if err := validateBackend("timer.backend", cfg.Timer.Backend, BackendMemory, BackendNATS); err != nil {
		return err
	}
	if mode == ServiceModeSingle {
		if cfg.State.Backend == BackendNATS || cfg.Policy.Backend == BackendNATS || cfg.Timer.Backend == BackendNATS {
			return errors.New("nats backends are not available in service.mode=single")
		}
	} else {
		for i, url := range cfg.NATS.URL {
			if strings.TrimSpace(url) == "" {
				return fmt.Errorf("nats.url[%d] must not be empty", i)
			}
		}
		if cfg.NATS.Ingest.AckWaitSec <= 0 {
			return errors.New("nats.ingest.ack_wait_sec must be >0")
		}
		if cfg.NATS.Ingest.MaxDeliver == 0 || cfg.NATS.Ingest.MaxDeliver < -1 {
			return errors.New("nats.ingest.max_deliver must be -1 or >0")
		}
		if cfg.Notify.Queue.Enabled && cfg.Notify.Queue.MaxDeliver < -1 {
			return errors.New("notify.queue.max_deliver must be -1 or >0")
		}
	}
	if cfg.State.Backend == BackendRedis && strings.TrimSpace(cfg.State.Redis.Addr) == "" {
		return errors.New("state.redis.addr is required for state.backend=redis")
	}
	if cfg.Policy.Backend == BackendPostgres {
		if strings.TrimSpace(cfg.Policy.Postgres.DSN) == "" {
			return errors.New("policy.postgres.dsn is required for policy.backend=postgres")
		}
		if !sqlIdentifierPattern.MatchString(cfg.Policy.Postgres.Table) {
			return fmt.Errorf("policy.postgres.table has unsupported value %q", cfg.Policy.Postgres.Table)
		}
	}

	seen := make(map[string]struct{}, len(cfg.Policy.Seed))
	for i, seed := range cfg.Policy.Seed {
		normalized := seed.Normalize()
		if err := normalized.Validate(); err != nil {
			return fmt.Errorf("policy.seed[%d]: %w", i, err)
		}
		if _, ok := seen[normalized.ServiceID]; ok {
			return fmt.Errorf("policy.seed[%d]: duplicate service_id %q", i, normalized.ServiceID)
		}
		seen[normalized.ServiceID] = struct{}{}
	}

	if err := validateNotifyChannels(cfg.Notify); err != nil {
		return err
	}
	if cfg.Tracing.Enabled && strings.TrimSpace(cfg.Tracing.Endpoint) == "" {
		return errors.New("tracing.endpoint is required when tracing is enabled")
	}
	return nil
}

var sqlIdentifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// validateNotifyChannels validates enabled channel sections.
// Params: notify config snapshot.
// Returns: first channel validation error.
func validateNotifyChannels(cfg NotifyConfig) error {
	if cfg.Email.Enabled {
		if strings.TrimSpace(cfg.Email.SMTPHost) == "" {
			return errors.New("notify.email.smtp_host is required")
		}
		if strings.TrimSpace(cfg.Email.From) == "" {
			return errors.New("notify.email.from is required")
		}
		if (cfg.Email.Username == "") != (cfg.Email.Password == "") {
			return errors.New("notify.email.username and notify.email.password must be set together")
		}
		if err := validateMessageTemplate("notify.email.subject_template", cfg.Email.SubjectTemplate); err != nil {
			return err
		}
	}
	if cfg.SMS.Enabled {
		if strings.TrimSpace(cfg.SMS.URL) == "" {
			return errors.New("notify.sms.url is required")
		}
		if cfg.SMS.RatePerSec < 0 {
			return errors.New("notify.sms.rate_per_sec must be >=0")
		}
	}
	if cfg.Telegram.Enabled && strings.TrimSpace(cfg.Telegram.BotToken) == "" {
		return errors.New("notify.telegram.bot_token is required")
	}
	for _, channel := range domain.Channels() {
		if !NotifyChannelEnabled(cfg, channel) {
			continue
		}
		path := "notify." + string(channel) + ".message_template"
		if err := validateMessageTemplate(path, NotifyChannelTemplate(cfg, channel)); err != nil {
			return err
		}
		retry := NotifyChannelRetry(cfg, channel)
		switch strings.ToLower(strings.TrimSpace(retry.Backoff)) {
		case "exponential", "constant":
		default:
			return fmt.Errorf("notify.%s.retry.backoff has unsupported value %q", channel, retry.Backoff)
		}
	}
	return nil
}

func validateBackend(path, value string, allowed ...string) error {
	for _, candidate := range allowed {
		if value == candidate {
			return nil
		}
	}
	return fmt.Errorf("%s has unsupported value %q", path, value)
}

// normalizeNATSURLs trims spaces around each configured NATS URL.
// Params: raw URL list from config.
// Returns: normalized URL list preserving element count for validation.
func normalizeNATSURLs(urls []string) []string {
	if len(urls) == 0 {
		return nil
	}
	out := make([]string, len(urls))
	for i := range urls {
		out[i] = strings.TrimSpace(urls[i])
	}
	return out
}

func normalizeBackend(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

// NormalizeServiceMode converts mode to canonical lower-case value.
// Params: raw mode from config.
// Returns: canonical mode, defaulting to nats.
func NormalizeServiceMode(value string) string {
	mode := strings.ToLower(strings.TrimSpace(value))
	if mode == "" {
		return ServiceModeNATS
	}
	return mode
}

// IsSupportedServiceMode reports whether mode is known.
// Params: canonical mode.
// Returns: true for nats or single.
func IsSupportedServiceMode(mode string) bool {
	switch mode {
	case ServiceModeNATS, ServiceModeSingle:
		return true
	default:
		return false
	}
}

// NotifyChannelEnabled reports whether channel section is enabled.
// Params: notify config and channel.
// Returns: enabled flag.
func NotifyChannelEnabled(cfg NotifyConfig, channel domain.Channel) bool {
	descriptor, ok := notifyChannelRegistry[channel]
	if !ok {
		return false
	}
	return descriptor.enabled(cfg)
}

// NotifyChannelRetry returns retry policy of one channel.
// Params: notify config and channel.
// Returns: retry policy or zero value for unknown channel.
func NotifyChannelRetry(cfg NotifyConfig, channel domain.Channel) NotifyRetry {
	descriptor, ok := notifyChannelRegistry[channel]
	if !ok {
		return NotifyRetry{}
	}
	return descriptor.retry(cfg)
}

// NotifyChannelBreaker returns circuit breaker settings of one channel.
// Params: notify config and channel.
// Returns: breaker settings or zero value for unknown channel.
func NotifyChannelBreaker(cfg NotifyConfig, channel domain.Channel) BreakerConfig {
	descriptor, ok := notifyChannelRegistry[channel]
	if !ok {
		return BreakerConfig{}
	}
	return descriptor.breaker(cfg)
}

// NotifyChannelTemplate returns message template body of one channel.
// Params: notify config and channel.
// Returns: template body or empty for unknown channel.
func NotifyChannelTemplate(cfg NotifyConfig, channel domain.Channel) string {
	descriptor, ok := notifyChannelRegistry[channel]
	if !ok {
		return ""
	}
	return descriptor.template(cfg)
}

// validateMessageTemplate compiles template body to catch syntax errors early.
// Params: config path and template body.
// Returns: parse error with config path context.
func validateMessageTemplate(path, body string) error {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return fmt.Errorf("%s is required", path)
	}
	if _, err := templatefmt.ParseNotificationTemplate(path, trimmed); err != nil {
		return fmt.Errorf("%s is invalid: %w", path, err)
	}
	return nil
}

// validateLogSink validates one log sink configuration.
// Params: sink name, sink values, and whether path is required.
// Returns: sink validation error.
func validateLogSink(name string, sink LogSinkConfig, requirePath bool) error {
	if !sink.Enabled {
		return nil
	}

	switch strings.ToLower(strings.TrimSpace(sink.Level)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%s.level has unsupported value %q", name, sink.Level)
	}

	switch strings.ToLower(strings.TrimSpace(sink.Format)) {
	case "line", "json":
	default:
		return fmt.Errorf("%s.format has unsupported value %q", name, sink.Format)
	}

	if requirePath && strings.TrimSpace(sink.Path) == "" {
		return fmt.Errorf("%s.path is required", name)
	}

	return nil
}
