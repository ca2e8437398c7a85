// Package config provides configuration loading and management for the sync server.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/checkapp/checkapp-sync-server/internal/telemetry"
)

const (
	// EnvPrefix is the prefix for all environment variable overrides
	EnvPrefix = "CHECKAPP_SYNC"

	// DefaultAddress is the default listen address of the HTTP server
	DefaultAddress = ":3223"

	// DefaultTenantSchema is used when a request carries no tenant claim
	// and neither the configuration nor the environment provide one
	DefaultTenantSchema = "passeio"

	// DefaultPageLimit is the page size used when a pull omits limit
	DefaultPageLimit = 100

	// MaxPageLimit is the hard upper bound on a pull page size
	MaxPageLimit = 200

	// DefaultMaxBodyBytes bounds push request bodies (inline photos make them large)
	DefaultMaxBodyBytes = 50 << 20

	// DefaultFolderPrefix is where externalised photos are stored
	DefaultFolderPrefix = "img_checkapp/sync_images"

	// DefaultSubjectPrefix is the NATS subject prefix for change notifications
	DefaultSubjectPrefix = "checkapp.sync"
)

const (
	// BlobTypeNone disables photo externalisation
	BlobTypeNone = "none"
	// BlobTypeLocal stores photos on the local filesystem
	BlobTypeLocal = "local"
	// BlobTypeS3 stores photos in an S3 bucket
	BlobTypeS3 = "s3"

	// NotifyTypeNone disables change notifications
	NotifyTypeNone = "none"
	// NotifyTypeNATS publishes change notifications to NATS
	NotifyTypeNATS = "nats"
)

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		if !filepath.IsAbs(realPath) && !filepath.IsLocal(realPath) {
			return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	Server    *ServerConfig     `yaml:"server,omitempty"`
	Database  *DatabaseConfig   `yaml:"database,omitempty"`
	Tenancy   *TenancyConfig    `yaml:"tenancy,omitempty"`
	Sync      *SyncConfig       `yaml:"sync,omitempty"`
	Blob      *BlobConfig       `yaml:"blob,omitempty"`
	Notify    *NotifyConfig     `yaml:"notify,omitempty"`
	Telemetry *telemetry.Config `yaml:"telemetry,omitempty"`
}

// ServerConfig defines HTTP server settings
type ServerConfig struct {
	// Address is the listen address, e.g. ":3223"
	Address string `yaml:"address,omitempty"`

	// RequestTimeout bounds the handling time of a single request (e.g. "60s")
	RequestTimeout string `yaml:"requestTimeout,omitempty"`

	// MaxBodyBytes bounds the size of push request bodies
	MaxBodyBytes int64 `yaml:"maxBodyBytes,omitempty"`
}

// DatabaseConfig defines database connection settings
type DatabaseConfig struct {
	// Host is the database server hostname or IP address
	Host string `yaml:"host"`

	// Port is the database server port
	Port int `yaml:"port"`

	// User is the database username
	User string `yaml:"user"`

	// MigrationUser is the user used to run migrations and provision tenants.
	// Defaults to User.
	MigrationUser string `yaml:"migrationUser,omitempty"`

	// PasswordFile is the path to a file containing the database password
	// The file should contain only the password with optional trailing whitespace
	PasswordFile string `yaml:"passwordFile,omitempty"`

	// Database is the database name
	Database string `yaml:"database"`

	// SSLMode is the SSL mode for the connection (disable, require, verify-ca, verify-full)
	SSLMode string `yaml:"sslMode,omitempty"`

	// MaxOpenConns is the maximum number of open connections to the database
	MaxOpenConns int32 `yaml:"maxOpenConns,omitempty"`

	// MaxIdleConns is the minimum number of connections kept in the pool
	MaxIdleConns int32 `yaml:"maxIdleConns,omitempty"`

	// ConnMaxLifetime is the maximum lifetime of a connection (e.g., "1h", "30m")
	ConnMaxLifetime string `yaml:"connMaxLifetime,omitempty"`

	// StartupTimeout bounds how long the server waits for the database on boot
	StartupTimeout string `yaml:"startupTimeout,omitempty"`

	// DynamicAuth replaces the static password with short lived credentials
	DynamicAuth *DynamicAuthConfig `yaml:"dynamicAuth,omitempty"`
}

// DynamicAuthConfig selects a dynamic credential provider
type DynamicAuthConfig struct {
	AWSRDSIAM *DynamicAuthAWSRDSIAM `yaml:"awsRdsIam,omitempty"`
}

// DynamicAuthAWSRDSIAM configures AWS RDS IAM token authentication
type DynamicAuthAWSRDSIAM struct {
	// Region is the AWS region of the instance, or "detect" to query IMDS
	Region string `yaml:"region"`
}

// TenancyConfig defines how requests are mapped to tenant schemas
type TenancyConfig struct {
	// DefaultSchema is used when the bearer token carries no schema claim
	DefaultSchema string `yaml:"defaultSchema,omitempty"`

	// JWT configures bearer token handling
	JWT *JWTConfig `yaml:"jwt,omitempty"`

	// PublicPaths are additional paths that bypass tenant resolution
	PublicPaths []string `yaml:"publicPaths,omitempty"`
}

// JWTConfig defines bearer token verification. When neither Secret nor
// SecretFile is set, tokens are decoded without signature verification.
type JWTConfig struct {
	Secret     string `yaml:"secret,omitempty"`
	SecretFile string `yaml:"secretFile,omitempty"`
}

// SyncConfig holds pull/push tuning and the table catalogue
type SyncConfig struct {
	// DefaultLimit is the page size used when a pull omits limit
	DefaultLimit int `yaml:"defaultLimit,omitempty"`

	// MaxLimit caps the page size of a pull
	MaxLimit int `yaml:"maxLimit,omitempty"`

	// StrictFields rejects pushed fields that are not columns of the target table
	StrictFields bool `yaml:"strictFields,omitempty"`

	// BookkeepingFields are extra client-side field names stripped from pushed data
	BookkeepingFields []string `yaml:"bookkeepingFields,omitempty"`

	// Tables overrides or extends the built-in table catalogue
	Tables map[string]*TableConfig `yaml:"tables,omitempty"`
}

// BlobConfig configures where externalised photos are written
type BlobConfig struct {
	Type         string           `yaml:"type,omitempty"`
	FolderPrefix string           `yaml:"folderPrefix,omitempty"`
	Local        *LocalBlobConfig `yaml:"local,omitempty"`
	S3           *S3BlobConfig    `yaml:"s3,omitempty"`
}

// LocalBlobConfig configures the filesystem blob store
type LocalBlobConfig struct {
	Dir string `yaml:"dir"`
}

// S3BlobConfig configures the S3 blob store
type S3BlobConfig struct {
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region,omitempty"`
	Endpoint     string `yaml:"endpoint,omitempty"`
	UsePathStyle bool   `yaml:"usePathStyle,omitempty"`
}

// NotifyConfig configures change notifications
type NotifyConfig struct {
	Type string      `yaml:"type,omitempty"`
	NATS *NATSConfig `yaml:"nats,omitempty"`
}

// NATSConfig configures the NATS notifier
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subjectPrefix,omitempty"`
}

// GetPassword returns the database password using the following priority:
// 1. Read from PasswordFile if specified
// 2. Read from CHECKAPP_SYNC_DATABASE_PASSWORD environment variable
//
// The password from file will have leading/trailing whitespace trimmed.
func (d *DatabaseConfig) GetPassword() (string, error) {
	if d.PasswordFile != "" {
		data, err := os.ReadFile(filepath.Clean(d.PasswordFile))
		if err != nil {
			return "", fmt.Errorf("failed to read password from file %s: %w", d.PasswordFile, err)
		}
		return strings.TrimSpace(string(data)), nil
	}

	if envPassword := os.Getenv(EnvPrefix + "_DATABASE_PASSWORD"); envPassword != "" {
		return envPassword, nil
	}

	return "", fmt.Errorf(
		"no database password configured: set passwordFile or %s_DATABASE_PASSWORD environment variable",
		EnvPrefix,
	)
}

// GetConnectionString builds a PostgreSQL connection string for the given user.
// With dynamic authentication configured the password is left out and
// supplied per connection by the pool.
func (d *DatabaseConfig) GetConnectionString(user string) (string, error) {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}

	userInfo := url.User(user)
	if d.DynamicAuth == nil {
		password, err := d.GetPassword()
		if err != nil {
			return "", err
		}
		userInfo = url.UserPassword(user, password)
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     userInfo,
		Host:     fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:     "/" + d.Database,
		RawQuery: "sslmode=" + url.QueryEscape(sslMode),
	}
	return u.String(), nil
}

// GetMigrationUser returns the user used for schema changes
func (d *DatabaseConfig) GetMigrationUser() string {
	if d.MigrationUser == "" {
		return d.User
	}
	return d.MigrationUser
}

// GetStartupTimeout returns how long to wait for the database on boot
func (d *DatabaseConfig) GetStartupTimeout() time.Duration {
	if dur, err := time.ParseDuration(d.StartupTimeout); err == nil && dur > 0 {
		return dur
	}
	return 30 * time.Second
}

// GetAddress returns the HTTP listen address
func (c *Config) GetAddress() string {
	if c.Server == nil || c.Server.Address == "" {
		return DefaultAddress
	}
	return c.Server.Address
}

// GetRequestTimeout returns the per-request timeout
func (c *Config) GetRequestTimeout() time.Duration {
	if c.Server != nil {
		if d, err := time.ParseDuration(c.Server.RequestTimeout); err == nil && d > 0 {
			return d
		}
	}
	return 60 * time.Second
}

// GetMaxBodyBytes returns the push body limit
func (c *Config) GetMaxBodyBytes() int64 {
	if c.Server == nil || c.Server.MaxBodyBytes <= 0 {
		return DefaultMaxBodyBytes
	}
	return c.Server.MaxBodyBytes
}

// GetDefaultSchema returns the fallback tenant schema. The configuration
// wins, then the legacy SHOPPING_SCHEMA variable, then DefaultTenantSchema.
func (c *Config) GetDefaultSchema() string {
	if c.Tenancy != nil && c.Tenancy.DefaultSchema != "" {
		return c.Tenancy.DefaultSchema
	}
	if env := strings.TrimSpace(os.Getenv("SHOPPING_SCHEMA")); env != "" {
		return env
	}
	return DefaultTenantSchema
}

// GetJWTSecret returns the HMAC secret used to verify bearer tokens.
// An empty result means tokens are not verified.
func (t *TenancyConfig) GetJWTSecret() ([]byte, error) {
	if t == nil || t.JWT == nil {
		return nil, nil
	}
	if t.JWT.SecretFile != "" {
		data, err := os.ReadFile(filepath.Clean(t.JWT.SecretFile))
		if err != nil {
			return nil, fmt.Errorf("failed to read jwt secret file: %w", err)
		}
		return []byte(strings.TrimSpace(string(data))), nil
	}
	if t.JWT.Secret != "" {
		return []byte(t.JWT.Secret), nil
	}
	return nil, nil
}

// GetDefaultLimit returns the pull page size used when none is requested
func (s *SyncConfig) GetDefaultLimit() int {
	if s == nil || s.DefaultLimit <= 0 {
		return DefaultPageLimit
	}
	return s.DefaultLimit
}

// GetMaxLimit returns the largest pull page size honoured
func (s *SyncConfig) GetMaxLimit() int {
	if s == nil || s.MaxLimit <= 0 {
		return MaxPageLimit
	}
	return s.MaxLimit
}

// GetType returns the configured blob store type
func (b *BlobConfig) GetType() string {
	if b == nil || b.Type == "" {
		return BlobTypeNone
	}
	return b.Type
}

// GetFolderPrefix returns the folder photos are written under
func (b *BlobConfig) GetFolderPrefix() string {
	if b == nil || b.FolderPrefix == "" {
		return DefaultFolderPrefix
	}
	return b.FolderPrefix
}

// GetType returns the configured notifier type
func (n *NotifyConfig) GetType() string {
	if n == nil || n.Type == "" {
		return NotifyTypeNone
	}
	return n.Type
}

// GetSubjectPrefix returns the NATS subject prefix
func (n *NATSConfig) GetSubjectPrefix() string {
	if n.SubjectPrefix == "" {
		return DefaultSubjectPrefix
	}
	return n.SubjectPrefix
}

// LoadConfig loads and parses configuration from a YAML file
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	if loaderCfg.path == "" {
		return nil, fmt.Errorf("path is required")
	}

	data, err := os.ReadFile(loaderCfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Catalog returns the effective table catalogue: the built-in tables with
// any configured overrides applied.
func (c *Config) Catalog() Catalog {
	var overrides map[string]*TableConfig
	if c.Sync != nil {
		overrides = c.Sync.Tables
	}
	return NewCatalog(overrides)
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	var errs []error

	if c.Database == nil {
		errs = append(errs, fmt.Errorf("database configuration is required"))
	} else if err := c.Database.validate(); err != nil {
		errs = append(errs, fmt.Errorf("database: %w", err))
	}

	if c.Server != nil && c.Server.RequestTimeout != "" {
		if _, err := time.ParseDuration(c.Server.RequestTimeout); err != nil {
			errs = append(errs, fmt.Errorf("server.requestTimeout must be a valid duration: %w", err))
		}
	}

	if c.Sync != nil {
		if err := c.Sync.validate(); err != nil {
			errs = append(errs, fmt.Errorf("sync: %w", err))
		}
	}

	if err := c.Blob.validate(); err != nil {
		errs = append(errs, fmt.Errorf("blob: %w", err))
	}

	if err := c.Notify.validate(); err != nil {
		errs = append(errs, fmt.Errorf("notify: %w", err))
	}

	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}

	return errors.Join(errs...)
}

func (d *DatabaseConfig) validate() error {
	if d.Host == "" {
		return fmt.Errorf("host is required")
	}
	if d.Port <= 0 || d.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", d.Port)
	}
	if d.User == "" {
		return fmt.Errorf("user is required")
	}
	if d.Database == "" {
		return fmt.Errorf("database is required")
	}
	if d.ConnMaxLifetime != "" {
		if _, err := time.ParseDuration(d.ConnMaxLifetime); err != nil {
			return fmt.Errorf("connMaxLifetime must be a valid duration (e.g., '30m', '1h'): %w", err)
		}
	}
	if d.DynamicAuth != nil && d.DynamicAuth.AWSRDSIAM != nil && d.DynamicAuth.AWSRDSIAM.Region == "" {
		return fmt.Errorf("dynamicAuth.awsRdsIam.region is required")
	}
	return nil
}

func (s *SyncConfig) validate() error {
	if s.DefaultLimit < 0 || s.MaxLimit < 0 {
		return fmt.Errorf("limits must not be negative")
	}
	if s.DefaultLimit > 0 && s.DefaultLimit > s.GetMaxLimit() {
		return fmt.Errorf("defaultLimit %d exceeds maxLimit %d", s.DefaultLimit, s.GetMaxLimit())
	}
	for name, table := range s.Tables {
		if table == nil {
			return fmt.Errorf("tables.%s: entry is empty", name)
		}
		if err := table.validate(); err != nil {
			return fmt.Errorf("tables.%s: %w", name, err)
		}
	}
	return nil
}

func (b *BlobConfig) validate() error {
	switch b.GetType() {
	case BlobTypeNone:
		return nil
	case BlobTypeLocal:
		if b.Local == nil || b.Local.Dir == "" {
			return fmt.Errorf("local.dir is required for blob type %q", BlobTypeLocal)
		}
	case BlobTypeS3:
		if b.S3 == nil || b.S3.Bucket == "" {
			return fmt.Errorf("s3.bucket is required for blob type %q", BlobTypeS3)
		}
	default:
		return fmt.Errorf("unsupported blob type %q", b.Type)
	}
	return nil
}

func (n *NotifyConfig) validate() error {
	switch n.GetType() {
	case NotifyTypeNone:
		return nil
	case NotifyTypeNATS:
		if n.NATS == nil || n.NATS.URL == "" {
			return fmt.Errorf("nats.url is required for notify type %q", NotifyTypeNATS)
		}
	default:
		return fmt.Errorf("unsupported notify type %q", n.Type)
	}
	return nil
}
