// Package config loads server configuration from an optional TOML file with
// environment variable overrides (env wins).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all server settings.
type Config struct {
	HTTPAddr    string `toml:"http_addr"`    // DATAFLOW_HTTP_ADDR (default ":5000")
	DatabaseURL string `toml:"database_url"` // DATAFLOW_DATABASE_URL (required)
	NATSURL     string `toml:"nats_url"`     // DATAFLOW_NATS_URL (optional, empty = no events)
	AdminToken  string `toml:"admin_token"`  // DATAFLOW_ADMIN_TOKEN (optional, empty = admin auth disabled)
	CORSOrigin  string `toml:"cors_origin"`  // DATAFLOW_CORS_ORIGIN (default "*")
	LogRequests bool   `toml:"log_requests"` // DATAFLOW_LOG_REQUESTS (default true)

	DBMaxOpenConns int `toml:"db_max_open_conns"` // DATAFLOW_DB_MAX_OPEN (default 10)
	DBMaxIdleConns int `toml:"db_max_idle_conns"` // DATAFLOW_DB_MAX_IDLE (default 2)

	DefaultPageSize int `toml:"default_page_size"` // DATAFLOW_PAGE_SIZE (default 100)
	MaxPageSize     int `toml:"max_page_size"`     // DATAFLOW_MAX_PAGE_SIZE (default 1000)

	User   User   `toml:"user"`
	GitLab GitLab `toml:"gitlab"`
	Backup Backup `toml:"backup"`
}

// User is the mock identity returned by the auth endpoints and used as the
// default record creator. There is no real authentication.
type User struct {
	ID    string `toml:"id"`    // default "1"
	Email string `toml:"email"` // DATAFLOW_USER_EMAIL (default "user@local")
	Name  string `toml:"name"`  // DATAFLOW_USER_NAME (default "Local User")
	Role  string `toml:"role"`  // DATAFLOW_USER_ROLE (default "admin")
}

// GitLab configures the deployment commit target.
type GitLab struct {
	BaseURL   string `toml:"base_url"`   // DATAFLOW_GITLAB_URL (empty = deployment disabled)
	ProjectID string `toml:"project_id"` // DATAFLOW_GITLAB_PROJECT_ID
	Branch    string `toml:"branch"`     // DATAFLOW_GITLAB_BRANCH (default "main")
}

// Backup configures the periodic JSONL export of the entity tables.
type Backup struct {
	Interval   Duration `toml:"interval"`    // DATAFLOW_BACKUP_INTERVAL (default 0 = disabled)
	S3Bucket   string   `toml:"s3_bucket"`   // DATAFLOW_BACKUP_S3_BUCKET (enables S3 when set)
	S3Endpoint string   `toml:"s3_endpoint"` // DATAFLOW_BACKUP_S3_ENDPOINT (custom endpoint for MinIO)
	S3Region   string   `toml:"s3_region"`   // DATAFLOW_BACKUP_S3_REGION (default "us-east-1")
	S3Key      string   `toml:"s3_key"`      // DATAFLOW_BACKUP_S3_KEY (default "dataflow/backup.jsonl")
	GitRepo    string   `toml:"git_repo"`    // DATAFLOW_BACKUP_GIT_REPO (enables git when set; path to clone)
	GitFile    string   `toml:"git_file"`    // DATAFLOW_BACKUP_GIT_FILE (default "dataflow.jsonl")
	GitBranch  string   `toml:"git_branch"`  // DATAFLOW_BACKUP_GIT_BRANCH (default "main")
}

// Duration is a time.Duration that decodes from a TOML string like "3m".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Load builds the configuration: defaults, then the TOML file named by
// DATAFLOW_CONFIG (if set), then environment overrides.
func Load() (*Config, error) {
	c := &Config{
		HTTPAddr:        ":5000",
		CORSOrigin:      "*",
		LogRequests:     true,
		DBMaxOpenConns:  10,
		DBMaxIdleConns:  2,
		DefaultPageSize: 100,
		MaxPageSize:     1000,
		User: User{
			ID:    "1",
			Email: "user@local",
			Name:  "Local User",
			Role:  "admin",
		},
		GitLab: GitLab{Branch: "main"},
		Backup: Backup{
			S3Region:  "us-east-1",
			S3Key:     "dataflow/backup.jsonl",
			GitFile:   "dataflow.jsonl",
			GitBranch: "main",
		},
	}

	if path := os.Getenv("DATAFLOW_CONFIG"); path != "" {
		if _, err := toml.DecodeFile(path, c); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	applyEnv(c)

	if c.DatabaseURL == "" {
		return nil, fmt.Errorf("DATAFLOW_DATABASE_URL is required")
	}
	if c.DefaultPageSize < 1 || c.MaxPageSize < c.DefaultPageSize {
		return nil, fmt.Errorf("invalid page size bounds: default %d, max %d", c.DefaultPageSize, c.MaxPageSize)
	}
	return c, nil
}

func applyEnv(c *Config) {
	setString(&c.HTTPAddr, "DATAFLOW_HTTP_ADDR")
	setString(&c.DatabaseURL, "DATAFLOW_DATABASE_URL")
	setString(&c.NATSURL, "DATAFLOW_NATS_URL")
	setString(&c.AdminToken, "DATAFLOW_ADMIN_TOKEN")
	setString(&c.CORSOrigin, "DATAFLOW_CORS_ORIGIN")
	setBool(&c.LogRequests, "DATAFLOW_LOG_REQUESTS")

	setInt(&c.DBMaxOpenConns, "DATAFLOW_DB_MAX_OPEN")
	setInt(&c.DBMaxIdleConns, "DATAFLOW_DB_MAX_IDLE")
	setInt(&c.DefaultPageSize, "DATAFLOW_PAGE_SIZE")
	setInt(&c.MaxPageSize, "DATAFLOW_MAX_PAGE_SIZE")

	setString(&c.User.Email, "DATAFLOW_USER_EMAIL")
	setString(&c.User.Name, "DATAFLOW_USER_NAME")
	setString(&c.User.Role, "DATAFLOW_USER_ROLE")

	setString(&c.GitLab.BaseURL, "DATAFLOW_GITLAB_URL")
	setString(&c.GitLab.ProjectID, "DATAFLOW_GITLAB_PROJECT_ID")
	setString(&c.GitLab.Branch, "DATAFLOW_GITLAB_BRANCH")

	if v := os.Getenv("DATAFLOW_BACKUP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Backup.Interval = Duration(d)
		}
	}
	setString(&c.Backup.S3Bucket, "DATAFLOW_BACKUP_S3_BUCKET")
	setString(&c.Backup.S3Endpoint, "DATAFLOW_BACKUP_S3_ENDPOINT")
	setString(&c.Backup.S3Region, "DATAFLOW_BACKUP_S3_REGION")
	setString(&c.Backup.S3Key, "DATAFLOW_BACKUP_S3_KEY")
	setString(&c.Backup.GitRepo, "DATAFLOW_BACKUP_GIT_REPO")
	setString(&c.Backup.GitFile, "DATAFLOW_BACKUP_GIT_FILE")
	setString(&c.Backup.GitBranch, "DATAFLOW_BACKUP_GIT_BRANCH")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
