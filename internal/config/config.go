package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/semmidev/dbrefresh/internal/domain"
)

type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Remote   RemoteConfig   `mapstructure:"remote"`
	Database DatabaseConfig `mapstructure:"database"`
	Restore  RestoreConfig  `mapstructure:"restore"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Rotation RotationConfig `mapstructure:"rotation"`
	Refresh  RefreshConfig  `mapstructure:"refresh"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
}

type AppConfig struct {
	Name     string `mapstructure:"name"`
	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`
}

// RemoteConfig is the backup host the dumps are pulled from.
type RemoteConfig struct {
	Host           string        `mapstructure:"host" validate:"required,hostname_rfc1123|ip"`
	Port           int           `mapstructure:"port" validate:"min=1,max=65535"`
	User           string        `mapstructure:"user" validate:"required"`
	SSHKey         string        `mapstructure:"ssh_key" validate:"required"`
	KeyPassphrase  string        `mapstructure:"key_passphrase"`
	BackupRoot     string        `mapstructure:"backup_root" validate:"required"`
	KnownHosts     string        `mapstructure:"known_hosts"`
	HostKeyPolicy  string        `mapstructure:"host_key_policy" validate:"oneof=trust-on-first-use strict"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" validate:"gt=0"`
	CommandTimeout time.Duration `mapstructure:"command_timeout" validate:"gte=0"`
}

// DatabaseConfig is the restore target. It may be left empty when rotation
// provides a fresh instance on every run.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
}

type RestoreConfig struct {
	Tool             string        `mapstructure:"tool" validate:"required"`
	PingTool         string        `mapstructure:"ping_tool"`
	Jobs             int           `mapstructure:"jobs" validate:"min=1"`
	Timeout          time.Duration `mapstructure:"timeout" validate:"gte=0"`
	Preflight        bool          `mapstructure:"preflight"`
	PreflightTimeout time.Duration `mapstructure:"preflight_timeout" validate:"gte=0"`
}

type PipelineConfig struct {
	WorkDir        string `mapstructure:"work_dir" validate:"required"`
	KeepArchive    bool   `mapstructure:"keep_archive"`
	KeepExtracted  bool   `mapstructure:"keep_extracted"`
	VerifyChecksum bool   `mapstructure:"verify_checksum"`
	Retry          bool   `mapstructure:"retry"`
}

type RotationConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	APIURL     string `mapstructure:"api_url" validate:"required_if=Enabled true,omitempty,url"`
	APIKey     string `mapstructure:"api_key" validate:"required_if=Enabled true"`
	NamePrefix string `mapstructure:"name_prefix"`
	Plan       string `mapstructure:"plan"`
	Region     string `mapstructure:"region"`
	User       string `mapstructure:"user"`
}

type RefreshConfig struct {
	Backups  []string `mapstructure:"backups" validate:"dive,required,excludesall=/"`
	Schedule string   `mapstructure:"schedule"`
}

type ArchiveConfig struct {
	RetentionDays   int            `mapstructure:"retention_days" validate:"min=0"`
	CleanupSchedule string         `mapstructure:"cleanup_schedule"`
	UploadTargets   []UploadTarget `mapstructure:"upload_targets" validate:"dive"`
}

type UploadTarget struct {
	Type    string `mapstructure:"type" validate:"oneof=local s3 gdrive telegram"`
	Enabled bool   `mapstructure:"enabled"`

	// Local
	Path string `mapstructure:"path"`

	// Google Drive
	CredentialsFile string `mapstructure:"credentials_file"`
	FolderID        string `mapstructure:"folder_id"`

	// AWS S3
	Region    string `mapstructure:"region"`
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Prefix    string `mapstructure:"prefix"`

	// Telegram
	BotToken   string `mapstructure:"bot_token"`
	ChatID     string `mapstructure:"chat_id"`
	SendFile   bool   `mapstructure:"send_file"`
	NotifyOnly bool   `mapstructure:"notify_only"`
}

// legacyEnv maps keys to the variable names the old refresh scripts read
// from their .env file.
var legacyEnv = map[string]string{
	"remote.host":        "POSTGRES_HOST",
	"remote.user":        "POSTGRES_USER",
	"remote.ssh_key":     "SSH_KEY",
	"remote.backup_root": "REMOTE_PATH",
	"remote.port":        "REMOTE_SSH_PORT",
}

// Load reads the YAML file at path (optional when empty), merges each overlay
// file over it, then applies an optional .env file and the environment. The
// result is validated and should be treated as read-only.
func Load(path, envFile string, overlays ...string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DBREFRESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		envName := "DBREFRESH_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envName, legacy); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	for _, overlay := range overlays {
		if overlay == "" {
			continue
		}
		v.SetConfigFile(overlay)
		v.SetConfigType("yaml")
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to merge %s: %w", overlay, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Remote.KnownHosts == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Remote.KnownHosts = filepath.Join(home, ".ssh", "known_hosts")
		}
	}
	cfg.Remote.SSHKey = expandHome(cfg.Remote.SSHKey)
	cfg.Remote.KnownHosts = expandHome(cfg.Remote.KnownHosts)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "dbrefresh")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_file", "")

	v.SetDefault("remote.host", "")
	v.SetDefault("remote.port", 22)
	v.SetDefault("remote.user", "")
	v.SetDefault("remote.ssh_key", "")
	v.SetDefault("remote.key_passphrase", "")
	v.SetDefault("remote.backup_root", "")
	v.SetDefault("remote.known_hosts", "")
	v.SetDefault("remote.host_key_policy", string(domain.HostKeyTrustOnFirstUse))
	v.SetDefault("remote.connect_timeout", domain.DefaultConnectTimeout)
	v.SetDefault("remote.command_timeout", 30*time.Minute)

	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "")

	v.SetDefault("restore.tool", "pg_restore")
	v.SetDefault("restore.ping_tool", "psql")
	v.SetDefault("restore.jobs", 2)
	v.SetDefault("restore.timeout", 2*time.Hour)
	v.SetDefault("restore.preflight", false)
	v.SetDefault("restore.preflight_timeout", 30*time.Second)

	v.SetDefault("pipeline.work_dir", "./work")
	v.SetDefault("pipeline.keep_archive", false)
	v.SetDefault("pipeline.keep_extracted", false)
	v.SetDefault("pipeline.verify_checksum", true)
	v.SetDefault("pipeline.retry", true)

	v.SetDefault("rotation.enabled", false)
	v.SetDefault("rotation.api_url", "https://customer.elephantsql.com/api")
	v.SetDefault("rotation.api_key", "")
	v.SetDefault("rotation.name_prefix", "sapiencia")
	v.SetDefault("rotation.plan", "turtle")
	v.SetDefault("rotation.region", "amazon-web-services::sa-east-1")
	v.SetDefault("rotation.user", "")

	v.SetDefault("refresh.schedule", "0 0 6 * * *")

	v.SetDefault("archive.retention_days", 7)
	v.SetDefault("archive.cleanup_schedule", "0 0 3 * * *")
}

var validate = validator.New()

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s: failed %q validation", fe.Namespace(), fe.Tag())
		}
		return err
	}

	if !c.Rotation.Enabled {
		if c.Database.Host == "" {
			return fmt.Errorf("database.host is required when rotation is disabled")
		}
		if c.Database.User == "" {
			return fmt.Errorf("database.user is required when rotation is disabled")
		}
		if c.Database.Name == "" {
			return fmt.Errorf("database.name is required when rotation is disabled")
		}
	}

	for i, target := range c.Archive.UploadTargets {
		if !target.Enabled {
			continue
		}
		switch target.Type {
		case "local":
			if target.Path == "" {
				return fmt.Errorf("archive.upload_targets[%d]: path is required for local", i)
			}
		case "s3":
			if target.Bucket == "" || target.Region == "" {
				return fmt.Errorf("archive.upload_targets[%d]: bucket and region are required for s3", i)
			}
		case "gdrive":
			if target.CredentialsFile == "" {
				return fmt.Errorf("archive.upload_targets[%d]: credentials_file is required for gdrive", i)
			}
		case "telegram":
			if target.BotToken == "" || target.ChatID == "" {
				return fmt.Errorf("archive.upload_targets[%d]: bot_token and chat_id are required for telegram", i)
			}
		}
	}

	return nil
}

// Connection returns the immutable backup host parameters.
func (c *Config) Connection() domain.ConnectionParameters {
	return domain.ConnectionParameters{
		Host:             c.Remote.Host,
		User:             c.Remote.User,
		KeyPath:          c.Remote.SSHKey,
		KeyPassphrase:    c.Remote.KeyPassphrase,
		Port:             c.Remote.Port,
		RemoteBackupRoot: c.Remote.BackupRoot,
		KnownHostsPath:   c.Remote.KnownHosts,
		HostKeyPolicy:    domain.HostKeyPolicy(c.Remote.HostKeyPolicy),
		ConnectTimeout:   c.Remote.ConnectTimeout,
	}
}

// RestoreTarget returns the configured database target without a source path.
func (c *Config) RestoreTarget() domain.RestoreTarget {
	return domain.RestoreTarget{
		Host:     c.Database.Host,
		Port:     c.Database.Port,
		User:     c.Database.User,
		Password: c.Database.Password,
		Database: c.Database.Name,
	}
}

// DatabaseFromTarget is the database section that restores into target.
func DatabaseFromTarget(target domain.RestoreTarget) DatabaseConfig {
	return DatabaseConfig{
		Host:     target.Host,
		Port:     target.Port,
		User:     target.User,
		Password: target.Password,
		Name:     target.Database,
	}
}

// WriteDatabase saves db as a YAML database section that Load accepts as an
// overlay. The file holds a password and is created owner-only.
func WriteDatabase(path string, db DatabaseConfig) error {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigPermissions(0o600)
	v.Set("database.host", db.Host)
	v.Set("database.port", db.Port)
	v.Set("database.user", db.User)
	v.Set("database.password", db.Password)
	v.Set("database.name", db.Name)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write database config: %w", err)
	}
	return nil
}

func (c *Config) GetEnabledUploadTargets() []UploadTarget {
	var enabled []UploadTarget
	for _, target := range c.Archive.UploadTargets {
		if target.Enabled {
			enabled = append(enabled, target)
		}
	}
	return enabled
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
