package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/MacJediWizard/keldris-recovery/internal/backup"
	"github.com/MacJediWizard/keldris-recovery/internal/crypto"
	"github.com/MacJediWizard/keldris-recovery/internal/dr"
	"github.com/MacJediWizard/keldris-recovery/internal/health"
	"github.com/MacJediWizard/keldris-recovery/internal/jobs"
	"github.com/MacJediWizard/keldris-recovery/internal/models"
	"github.com/MacJediWizard/keldris-recovery/internal/notifications"
	"github.com/MacJediWizard/keldris-recovery/internal/offsite"
	"github.com/MacJediWizard/keldris-recovery/internal/offsite/providers"
	"github.com/MacJediWizard/keldris-recovery/internal/store"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "KELDRIS_"

// ConfigPathEnvVar overrides the config file search.
const ConfigPathEnvVar = "KELDRIS_CONFIG"

// DefaultConfigPaths are searched in order when no path is given.
var DefaultConfigPaths = []string{
	"keldris-recovery.yaml",
	"keldris-recovery.yml",
	"/etc/keldris/recovery.yaml",
}

// Config is the complete process configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Logging       LoggingConfig       `koanf:"logging"`
	Store         StoreConfig         `koanf:"store"`
	Crypto        CryptoConfig        `koanf:"crypto"`
	Backup        BackupConfig        `koanf:"backup"`
	Offsite       OffsiteConfig       `koanf:"offsite"`
	DR            DRConfig            `koanf:"dr"`
	Schedule      ScheduleConfig      `koanf:"schedule"`
	Lock          LockConfig          `koanf:"lock"`
	Notifications NotificationsConfig `koanf:"notifications"`
}

// StoreConfig selects the catalog backend.
type StoreConfig struct {
	Driver store.Driver `koanf:"driver" validate:"oneof=memory sqlite badger postgres"`
	// Path is the SQLite file or Badger directory.
	Path string `koanf:"path"`
	DSN  string `koanf:"dsn" validate:"required_if=Driver postgres"`
}

// CryptoConfig configures backup encryption.
type CryptoConfig struct {
	// MasterKey is the hex-encoded 32-byte key wrapping every backup key.
	MasterKey   string `koanf:"master_key" validate:"omitempty,hexadecimal,len=64"`
	Compression string `koanf:"compression" validate:"oneof=none zstd lz4"`
	ChunkSize   uint32 `koanf:"chunk_size" validate:"gte=4096"`
}

// BackupConfig configures local backup creation and health checks.
type BackupConfig struct {
	DataRoot     string   `koanf:"data_root"`
	BackupDir    string   `koanf:"backup_dir" validate:"required"`
	RestoreDir   string   `koanf:"restore_dir"`
	DatabasePath string   `koanf:"database_path"`
	FileDirs     []string `koanf:"file_dirs"`
	// Excludes extend the built-in transient patterns.
	Excludes           []string      `koanf:"excludes"`
	RetentionDays      int           `koanf:"retention_days" validate:"gte=1"`
	HealthWindow       time.Duration `koanf:"health_window" validate:"gt=0"`
	StorageFullPercent float64       `koanf:"storage_full_percent" validate:"gte=0,lte=100"`
	KeyRotationAge     time.Duration `koanf:"key_rotation_age" validate:"gte=0"`
}

// OffsiteConfig configures remote providers and retention.
type OffsiteConfig struct {
	Providers providers.Config `koanf:"providers"`
	// DefaultTargets are replicated to after every upload unless overridden.
	DefaultTargets   []models.OffsiteProvider `koanf:"default_targets"`
	OperationTimeout time.Duration            `koanf:"operation_timeout" validate:"gte=0"`
	WorkDir          string                   `koanf:"work_dir"`
	// Policies replace the built-in retention policies when set.
	Policies []models.RetentionPolicy `koanf:"policies" validate:"dive"`
}

// DRConfig configures plan execution and the host recovery hooks.
type DRConfig struct {
	ManualStepTimeout time.Duration `koanf:"manual_step_timeout" validate:"gt=0"`
	SlowStepFactor    float64       `koanf:"slow_step_factor" validate:"gte=1"`
	// RestartCommands are argv lists run by the restart_services step.
	RestartCommands [][]string    `koanf:"restart_commands"`
	CommandTimeout  time.Duration `koanf:"command_timeout" validate:"gte=0"`
	// SystemThresholds decide when the verify_system step fails.
	SystemThresholds health.Thresholds `koanf:"system_thresholds"`
}

// ScheduleConfig holds the cron specs of the background sweeps. An empty
// spec disables the sweep.
type ScheduleConfig struct {
	BackupHealth      string `koanf:"backup_health"`
	BackupCleanup     string `koanf:"backup_cleanup"`
	ReplicationHealth string `koanf:"replication_health"`
	OffsiteRetention  string `koanf:"offsite_retention"`
}

// LockConfig selects where per-resource locks live.
type LockConfig struct {
	Driver        string        `koanf:"driver" validate:"oneof=local redis"`
	RedisAddr     string        `koanf:"redis_addr" validate:"required_if=Driver redis"`
	RedisPassword string        `koanf:"redis_password"`
	RedisDB       int           `koanf:"redis_db" validate:"gte=0"`
	Prefix        string        `koanf:"prefix"`
	TTL           time.Duration `koanf:"ttl" validate:"gt=0"`
}

// NotificationsConfig configures the optional webhook receiving contact
// notifications and backup alerts. An empty URL logs instead.
type NotificationsConfig struct {
	WebhookURL    string        `koanf:"webhook_url" validate:"omitempty,url"`
	WebhookSecret string        `koanf:"webhook_secret"`
	MaxRetries    int           `koanf:"max_retries" validate:"gte=0"`
	Timeout       time.Duration `koanf:"timeout" validate:"gte=0"`
	AllowPrivate  bool          `koanf:"allow_private"`
}

// Default returns the configuration applied before any file or environment
// variable.
func Default() *Config {
	dataDir := "/var/lib/keldris"
	return &Config{
		Server: ServerConfig{
			Environment:     EnvDevelopment,
			ListenAddr:      "127.0.0.1:9470",
			ShutdownTimeout: 5 * time.Minute,
			CancelGrace:     30 * time.Second,
			Actor:           "system",

			RateLimitRequests: 30,
			RateLimitPeriod:   time.Minute,
			MaxBodyBytes:      1 << 20,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Store: StoreConfig{
			Driver: store.DriverSQLite,
			Path:   filepath.Join(dataDir, "catalog.db"),
		},
		Crypto: CryptoConfig{
			Compression: "zstd",
			ChunkSize:   crypto.DefaultChunkSize,
		},
		Backup: BackupConfig{
			DataRoot:           filepath.Join(dataDir, "data"),
			BackupDir:          filepath.Join(dataDir, "backups"),
			RetentionDays:      30,
			HealthWindow:       7 * 24 * time.Hour,
			StorageFullPercent: 90,
			KeyRotationAge:     90 * 24 * time.Hour,
		},
		Offsite: OffsiteConfig{
			OperationTimeout: 30 * time.Minute,
		},
		DR: DRConfig{
			ManualStepTimeout: 30 * time.Minute,
			SlowStepFactor:    1.2,
			CommandTimeout:    5 * time.Minute,
			SystemThresholds:  health.DefaultThresholds(),
		},
		Schedule: ScheduleConfig{
			BackupHealth:      jobs.DefaultBackupHealthSpec,
			BackupCleanup:     jobs.DefaultBackupCleanupSpec,
			ReplicationHealth: jobs.DefaultReplicationHealthSpec,
			OffsiteRetention:  jobs.DefaultOffsiteRetentionSpec,
		},
		Lock: LockConfig{
			Driver: "local",
			Prefix: "keldris:lock:",
			TTL:    6 * time.Hour,
		},
		Notifications: NotificationsConfig{
			MaxRetries: 3,
			Timeout:    10 * time.Second,
		},
	}
}

// Load layers defaults, the YAML file at path and KELDRIS_ environment
// variables, then validates the result. An empty path searches
// KELDRIS_CONFIG and DefaultConfigPaths; finding nothing is not an error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}
	cfg.applyDerived()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// findConfigFile returns the first existing config file, or "".
func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		return p
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// envTransformFunc maps KELDRIS_SECTION_KEY to section.key. Double
// underscores separate deeper levels, so
// KELDRIS_OFFSITE__PROVIDERS__S3__BUCKET becomes offsite.providers.s3.bucket.
// KELDRIS_CONFIG and unknown sections are skipped.
func envTransformFunc(key string) string {
	if key == ConfigPathEnvVar {
		return ""
	}
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	if strings.Contains(key, "__") {
		parts := strings.Split(key, "__")
		if !knownSection(parts[0]) {
			return ""
		}
		return strings.Join(parts, ".")
	}
	section, rest, ok := strings.Cut(key, "_")
	if !ok || rest == "" || !knownSection(section) {
		return ""
	}
	return section + "." + rest
}

func knownSection(s string) bool {
	switch s {
	case "server", "logging", "store", "crypto", "backup", "offsite", "dr", "schedule", "lock", "notifications":
		return true
	}
	return false
}

// applyDerived fills settings that default relative to other settings.
func (c *Config) applyDerived() {
	c.Server.Environment = ParseEnvironment(string(c.Server.Environment))
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
		if c.Server.Environment.IsProduction() {
			c.Logging.Format = "json"
		}
	}
	if c.Backup.RestoreDir == "" {
		c.Backup.RestoreDir = filepath.Join(c.Backup.BackupDir, "restore")
	}
	if c.Offsite.WorkDir == "" {
		c.Offsite.WorkDir = filepath.Join(c.Backup.BackupDir, "offsite-work")
	}
	if len(c.Offsite.Policies) == 0 {
		c.Offsite.Policies = models.DefaultRetentionPolicies()
	}
}

// Validate checks struct constraints and the rules spanning sections.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	var errs []error
	switch c.Store.Driver {
	case store.DriverSQLite, store.DriverBadger:
		if c.Store.Path == "" {
			errs = append(errs, fmt.Errorf("store.path is required for driver %s", c.Store.Driver))
		}
	}
	if c.Server.Environment.IsProduction() {
		if c.Crypto.MasterKey == "" {
			errs = append(errs, errors.New("crypto.master_key is required in production"))
		}
		if c.Store.Driver == store.DriverMemory {
			errs = append(errs, errors.New("store.driver memory is not allowed in production"))
		}
	}
	seen := make(map[string]bool, len(c.Offsite.Policies))
	for _, p := range c.Offsite.Policies {
		if seen[p.ID] {
			errs = append(errs, fmt.Errorf("offsite.policies: duplicate id %q", p.ID))
		}
		seen[p.ID] = true
	}
	for _, t := range c.Offsite.DefaultTargets {
		if _, err := models.ParseOffsiteProvider(string(t)); err != nil {
			errs = append(errs, fmt.Errorf("offsite.default_targets: %w", err))
		}
	}
	for i, argv := range c.DR.RestartCommands {
		if len(argv) == 0 {
			errs = append(errs, fmt.Errorf("dr.restart_commands[%d] is empty", i))
		}
	}
	return errors.Join(errs...)
}

// Key decodes the configured master key.
func (c CryptoConfig) Key() ([]byte, error) {
	if c.MasterKey == "" {
		return nil, errors.New("crypto.master_key is not set")
	}
	key, err := hex.DecodeString(c.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("decode crypto.master_key: %w", err)
	}
	if len(key) != crypto.KeySize {
		return nil, crypto.ErrInvalidKeySize
	}
	return key, nil
}

// KeyManagerOptions returns the container options for the key manager.
func (c CryptoConfig) KeyManagerOptions() ([]crypto.Option, error) {
	comp, err := crypto.ParseCompression(c.Compression)
	if err != nil {
		return nil, err
	}
	return []crypto.Option{crypto.WithCompression(comp), crypto.WithChunkSize(c.ChunkSize)}, nil
}

// StoreConfig returns the backend settings for store.Open.
func (c *Config) StoreConfig() store.Config {
	return store.Config{Driver: c.Store.Driver, Path: c.Store.Path, DSN: c.Store.DSN}
}

// BackupManagerConfig returns the backup manager settings.
func (c *Config) BackupManagerConfig() backup.Config {
	return backup.Config{
		BackupDir:          c.Backup.BackupDir,
		RestoreDir:         c.Backup.RestoreDir,
		HealthWindow:       c.Backup.HealthWindow,
		StorageFullPercent: c.Backup.StorageFullPercent,
		KeyRotationAge:     c.Backup.KeyRotationAge,
	}
}

// CaptureConfig returns what each backup type captures. source supplies
// the sanitized configuration dumped by configuration backups.
func (c *Config) CaptureConfig(source func() (any, error)) backup.CaptureConfig {
	return backup.CaptureConfig{
		DatabasePath: c.Backup.DatabasePath,
		FileDirs:     c.Backup.FileDirs,
		DataRoot:     c.Backup.DataRoot,
		Excludes:     c.Backup.Excludes,
		ConfigSource: source,
	}
}

// OffsiteManagerConfig returns the offsite manager settings.
func (c *Config) OffsiteManagerConfig() offsite.Config {
	return offsite.Config{
		WorkDir:          c.Offsite.WorkDir,
		OperationTimeout: c.Offsite.OperationTimeout,
		Policies:         c.Offsite.Policies,
	}
}

// OrchestratorConfig returns the DR orchestrator settings.
func (c *Config) OrchestratorConfig() dr.Config {
	return dr.Config{
		RestoreDir:        c.Backup.RestoreDir,
		ManualStepTimeout: c.DR.ManualStepTimeout,
		SlowStepFactor:    c.DR.SlowStepFactor,
	}
}

// HooksConfig returns the host hook settings behind the automated recovery
// steps.
func (c *Config) HooksConfig() health.HooksConfig {
	return health.HooksConfig{
		DatabasePath:    c.Backup.DatabasePath,
		RestartCommands: c.DR.RestartCommands,
		CommandTimeout:  c.DR.CommandTimeout,
		Thresholds:      c.DR.SystemThresholds,
	}
}

// WebhookConfig returns the webhook sender settings.
func (c *Config) WebhookConfig() notifications.WebhookConfig {
	return notifications.WebhookConfig{
		URL:          c.Notifications.WebhookURL,
		Secret:       c.Notifications.WebhookSecret,
		MaxRetries:   c.Notifications.MaxRetries,
		Timeout:      c.Notifications.Timeout,
		AllowPrivate: c.Notifications.AllowPrivate,
	}
}

// Sanitized returns a copy with secrets masked, suitable for configuration
// backups and the config show command.
func (c *Config) Sanitized() *Config {
	out := *c
	mask := func(s *string) {
		if *s != "" {
			*s = "********"
		}
	}
	mask(&out.Server.APIToken)
	mask(&out.Crypto.MasterKey)
	mask(&out.Store.DSN)
	mask(&out.Lock.RedisPassword)
	mask(&out.Notifications.WebhookSecret)

	p := out.Offsite.Providers
	if p.S3 != nil {
		s3 := *p.S3
		mask(&s3.SecretAccessKey)
		p.S3 = &s3
	}
	if p.Azure != nil {
		az := *p.Azure
		mask(&az.AccountKey)
		p.Azure = &az
	}
	if p.GCS != nil {
		gcs := *p.GCS
		mask(&gcs.CredentialsJSON)
		p.GCS = &gcs
	}
	if p.SFTP != nil {
		sftp := *p.SFTP
		mask(&sftp.Password)
		mask(&sftp.PrivateKey)
		p.SFTP = &sftp
	}
	out.Offsite.Providers = p
	return &out
}

// Map returns the configuration keyed the way Load reads it, with secrets
// masked.
func (c *Config) Map() (map[string]any, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(c.Sanitized(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("flatten config: %w", err)
	}
	return k.Raw(), nil
}
