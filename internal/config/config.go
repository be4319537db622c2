package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/BadgerOps/dmfship/internal/apperr"
)

// Config is the top-level configuration
type Config struct {
	Catalog     CatalogConfig     `yaml:"catalog"`
	Storage     StorageConfig     `yaml:"storage"`
	Transfer    TransferConfig    `yaml:"transfer"`
	Secrets     SecretsConfig     `yaml:"secrets"`
	Defaults    DefaultsConfig    `yaml:"defaults"`
	Server      ServerConfig      `yaml:"server"`
	Credentials CredentialsConfig `yaml:"credentials"`
}

// CatalogConfig holds the job-tracking database settings
type CatalogConfig struct {
	Driver        string `yaml:"driver"` // "postgres" or "sqlite"
	DSN           string `yaml:"dsn"`    // sqlite path; postgres DSN is built from credentials when empty
	Schema        string `yaml:"schema"`
	JobsTable     string `yaml:"jobs_table"`
	MetaTable     string `yaml:"meta_table"`
	ConfigTable   string `yaml:"config_table"`
	TransferLimit int    `yaml:"transfer_limit"`
	RecencyDays   int    `yaml:"recency_days"`
}

// StorageConfig holds the source bucket settings
type StorageConfig struct {
	Bucket         string `yaml:"bucket"`
	Region         string `yaml:"region"`
	Endpoint       string `yaml:"endpoint"`
	ForcePathStyle bool   `yaml:"force_path_style"`
}

// TransferConfig holds SFTP delivery settings
type TransferConfig struct {
	MaxWorkers   int           `yaml:"max_workers"`
	TimeZone     string        `yaml:"time_zone"`
	FolderLayout string        `yaml:"folder_layout"`
	ManifestName string        `yaml:"manifest_name"`
	MarkerName   string        `yaml:"marker_name"`
	Timeout      time.Duration `yaml:"timeout"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	KnownHosts   string        `yaml:"known_hosts"`
}

// SecretsConfig names the secret holding catalog and SFTP credentials
type SecretsConfig struct {
	Name   string `yaml:"name"`
	Region string `yaml:"region"`
}

// DefaultsConfig holds the invocation parameters used when an event omits them
type DefaultsConfig struct {
	TemplateType string `yaml:"template_type"`
	TargetDir    string `yaml:"target_dir"`
	SourcePrefix string `yaml:"source_prefix"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// CredentialsConfig is used instead of the secret store when Secrets.Name is empty
type CredentialsConfig struct {
	DBURL        string `yaml:"db_url"`
	DBUser       string `yaml:"db_user"`
	DBPassword   string `yaml:"db_password"`
	SFTPHost     string `yaml:"sftp_host"`
	SFTPPort     int    `yaml:"sftp_port"`
	SFTPUser     string `yaml:"sftp_user"`
	SFTPPassword string `yaml:"sftp_password"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Catalog: CatalogConfig{
			Driver:        "postgres",
			Schema:        "quill",
			JobsTable:     "quill_job",
			MetaTable:     "quill_job_metadata",
			ConfigTable:   "quill_config",
			TransferLimit: 500,
			RecencyDays:   30,
		},
		Storage: StorageConfig{
			Region: "eu-west-1",
		},
		Transfer: TransferConfig{
			MaxWorkers:   4,
			TimeZone:     "Europe/Rome",
			FolderLayout: "2006-01-02-15-04",
			ManifestName: "index.csv",
			MarkerName:   "STARTDMS",
			Timeout:      14 * time.Minute,
			DialTimeout:  30 * time.Second,
		},
		Secrets: SecretsConfig{
			Region: "eu-west-1",
		},
		Defaults: DefaultsConfig{
			TemplateType: "CGA",
			TargetDir:    "/cga/",
			SourcePrefix: "quill/CGA/",
		},
		Server: ServerConfig{
			Listen: "0.0.0.0:8080",
		},
	}
}

// Load reads a config file from the given path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() (string, error) {
	searchPaths := []string{
		"dmfship.yaml",
		"/etc/dmfship/dmfship.yaml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths,
			filepath.Join(home, ".config", "dmfship", "dmfship.yaml"),
		)
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}

// LoadDotEnv loads variables from the given .env files into the process
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("loading %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overrides config values from the environment. Variable names
// match the deployment environment of the delivery job.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}

	strs := []struct {
		key string
		dst *string
	}{
		{"DB_SECRET_NAME", &c.Secrets.Name},
		{"S3_BUCKET", &c.Storage.Bucket},
		{"DB_SCHEMA", &c.Catalog.Schema},
		{"DB_TABLE", &c.Catalog.JobsTable},
		{"META_TABLE", &c.Catalog.MetaTable},
		{"CONFIG_TABLE", &c.Catalog.ConfigTable},
		{"CATALOG_DRIVER", &c.Catalog.Driver},
		{"CATALOG_DSN", &c.Catalog.DSN},
		{"AWS_REGION", &c.Storage.Region},
		{"S3_ENDPOINT", &c.Storage.Endpoint},
		{"SFTP_KNOWN_HOSTS", &c.Transfer.KnownHosts},
	}
	for _, s := range strs {
		if v := getenv(s.key); v != "" {
			*s.dst = v
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"MAX_THREADS", &c.Transfer.MaxWorkers},
		{"TRANSFER_LIMIT", &c.Catalog.TransferLimit},
	}
	for _, i := range ints {
		v := getenv(i.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return apperr.Configf("apply env", "%s: %v", i.key, err)
		}
		*i.dst = n
	}

	return nil
}

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate checks the values every run depends on
func (c *Config) Validate() error {
	const op = "validate config"

	switch c.Catalog.Driver {
	case "postgres", "sqlite":
	default:
		return apperr.Configf(op, "unsupported catalog driver %q", c.Catalog.Driver)
	}

	idents := map[string]string{
		"catalog.schema":       c.Catalog.Schema,
		"catalog.jobs_table":   c.Catalog.JobsTable,
		"catalog.meta_table":   c.Catalog.MetaTable,
		"catalog.config_table": c.Catalog.ConfigTable,
	}
	for name, v := range idents {
		if !identifierRe.MatchString(v) {
			return apperr.Configf(op, "%s: %q is not a plain SQL identifier", name, v)
		}
	}

	if c.Catalog.TransferLimit <= 0 {
		return apperr.Configf(op, "catalog.transfer_limit must be positive, got %d", c.Catalog.TransferLimit)
	}
	if c.Catalog.RecencyDays <= 0 {
		return apperr.Configf(op, "catalog.recency_days must be positive, got %d", c.Catalog.RecencyDays)
	}
	if c.Transfer.MaxWorkers <= 0 {
		return apperr.Configf(op, "transfer.max_workers must be positive, got %d", c.Transfer.MaxWorkers)
	}
	if c.Transfer.Timeout <= 0 {
		return apperr.Configf(op, "transfer.timeout must be positive")
	}
	if c.Transfer.ManifestName == "" || c.Transfer.MarkerName == "" {
		return apperr.Configf(op, "transfer.manifest_name and transfer.marker_name are required")
	}
	if c.Transfer.FolderLayout == "" {
		return apperr.Configf(op, "transfer.folder_layout is required")
	}
	if _, err := time.LoadLocation(c.Transfer.TimeZone); err != nil {
		return apperr.Configf(op, "transfer.time_zone: %v", err)
	}
	if c.Storage.Bucket == "" {
		return apperr.Configf(op, "storage.bucket is required")
	}

	return nil
}

// Location returns the time zone used to name delivery folders.
// Validate must have succeeded.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Transfer.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Redacted returns a copy safe to print.
func (c *Config) Redacted() *Config {
	out := *c
	if out.Credentials.DBPassword != "" {
		out.Credentials.DBPassword = "********"
	}
	if out.Credentials.SFTPPassword != "" {
		out.Credentials.SFTPPassword = "********"
	}
	return &out
}
