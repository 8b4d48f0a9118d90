package config

import "time"

// Config is the root configuration schema.
type Config struct {
	Global        GlobalConfig        `mapstructure:"global"`
	Dataset       DatasetConfig       `mapstructure:"dataset"`
	Backup        BackupConfig        `mapstructure:"backup"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Catalog       CatalogConfig       `mapstructure:"catalog"`
	Recovery      RecoveryConfig      `mapstructure:"recovery"`
	Retention     Retention           `mapstructure:"retention"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
}

type GlobalConfig struct {
	LogLevel         string        `mapstructure:"log_level"`
	LogFormat        string        `mapstructure:"log_format"` // json or console
	LockDir          string        `mapstructure:"lock_dir"`
	WorkDir          string        `mapstructure:"work_dir"` // staging area for recovery sessions
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
	ConfigPassphrase string        `mapstructure:"config_passphrase"` // optional; may come from env
}

type DatasetConfig struct {
	Name string `mapstructure:"name"`
	Root string `mapstructure:"root"`
}

type BackupConfig struct {
	Compression   string        `mapstructure:"compression"` // none, gzip, zstd
	Encryption    bool          `mapstructure:"encryption"`
	EncryptionKey string        `mapstructure:"encryption_key"`
	RetryCount    int           `mapstructure:"retry_count"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
	Concurrency   int           `mapstructure:"concurrency"`
	VerifyAfter   bool          `mapstructure:"verify_after"`
}

type StorageConfig struct {
	Backend string     `mapstructure:"backend"` // local, s3
	Prefix  string     `mapstructure:"prefix"`
	Tier    string     `mapstructure:"tier"` // hot, archive
	Local   LocalStore `mapstructure:"local"`
	S3      S3Store    `mapstructure:"s3"`
}

type LocalStore struct {
	Path string `mapstructure:"path"`
}

type S3Store struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	AccessKey       string `mapstructure:"access_key"`
	SecretKey       string `mapstructure:"secret_key"`
	SessionToken    string `mapstructure:"session_token"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
	TLSInsecureSkip bool   `mapstructure:"tls_insecure_skip"`
	ArchiveClass    string `mapstructure:"archive_class"` // storage class for archive-tier puts
	RestoreDays     int    `mapstructure:"restore_days"`  // lifetime of archive restores
}

type CatalogConfig struct {
	Path string `mapstructure:"path"` // sqlite file, ":memory:" for tests
}

type RecoveryConfig struct {
	Concurrency    int           `mapstructure:"concurrency"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	ObjectTimeout  time.Duration `mapstructure:"object_timeout"`  // per archive retrieval
	SessionTimeout time.Duration `mapstructure:"session_timeout"` // whole session
	ApplyRetry     int           `mapstructure:"apply_retry"`     // per-file write attempts
	AllowFallback  bool          `mapstructure:"allow_fallback"`  // fall back to nearest verified ancestor
}

type Retention struct {
	KeepLast int `mapstructure:"keep_last"` // full chains to keep
	KeepDays int `mapstructure:"keep_days"`
}

type NotificationsConfig struct {
	Webhooks   []WebhookConfig  `mapstructure:"webhooks"`
	Mattermost []MattermostHook `mapstructure:"mattermost"`
	Matrix     []MatrixConfig   `mapstructure:"matrix"`
}

type WebhookConfig struct {
	Name    string            `mapstructure:"name"`
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
}

type MattermostHook struct {
	Name string `mapstructure:"name"`
	URL  string `mapstructure:"url"`
}

type MatrixConfig struct {
	Name        string `mapstructure:"name"`
	ServerURL   string `mapstructure:"server_url"`
	AccessToken string `mapstructure:"access_token"`
	RoomID      string `mapstructure:"room_id"`
}
