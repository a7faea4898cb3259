// Package config loads the bridge configuration from YAML with WARDBRIDGE_*
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/dhawalhost/wardbridge/internal/events"
	"github.com/dhawalhost/wardbridge/internal/mapping"
)

// Config is the full bridge configuration.
type Config struct {
	Remote        RemoteConfig        `yaml:"remote" validate:"required"`
	Mapping       mapping.Config      `yaml:"mapping"`
	Local         LocalConfig         `yaml:"local"`
	Sync          SyncConfig          `yaml:"sync"`
	SSO           SSOConfig           `yaml:"sso"`
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Admin         AdminConfig         `yaml:"admin"`
	Observability ObservabilityConfig `yaml:"observability"`
	Notify        NotifyConfig        `yaml:"notify"`
}

// RemoteConfig locates the remote identity API.
type RemoteConfig struct {
	HostURI            string   `yaml:"host_uri" validate:"required,url"`
	EndpointPath       string   `yaml:"endpoint_path"`
	CookieDomain       string   `yaml:"cookie_domain"`
	APIVersion         int      `yaml:"api_version" validate:"oneof=1 2"`
	Timeout            string   `yaml:"timeout"`
	ServiceUser        string   `yaml:"service_user"`
	ServicePassword    string   `yaml:"service_password"`
	ResourceTypes      []string `yaml:"resource_types"`
	InsecureSkipVerify bool     `yaml:"insecure_skip_verify"`
}

// LocalConfig sets the fixed values of reconciled users.
type LocalConfig struct {
	AuthMethod         string   `yaml:"auth_method"`
	Lang               string   `yaml:"lang" validate:"omitempty,len=2"`
	HostID             int      `yaml:"host_id" validate:"min=0"`
	ReservedNames      []string `yaml:"reserved_names"`
	CityPlaceholder    string   `yaml:"city_placeholder"`
	CountryPlaceholder string   `yaml:"country_placeholder" validate:"omitempty,len=2"`
	UsernameFallback   bool     `yaml:"username_fallback"`
}

// SyncConfig drives the bulk sync.
type SyncConfig struct {
	Schedule          string `yaml:"schedule"`
	PageSize          int    `yaml:"page_size" validate:"min=0,max=10000"`
	GroupSync         bool   `yaml:"group_sync"`
	GroupView         string `yaml:"group_view" validate:"required_if=GroupSync true"`
	ComponentTag      string `yaml:"component_tag"`
	CallLogoutService bool   `yaml:"call_logout_service"`
}

// SSOConfig drives the login and logout hooks.
type SSOConfig struct {
	DualLogin         bool   `yaml:"dual_login"`
	DualLoginURL      string `yaml:"dual_login_url"`
	CallLogoutService bool   `yaml:"call_logout_service"`
	ForceLocalLogin   bool   `yaml:"force_local_login"`
	// AppURL is the public root of the host application.
	AppURL string `yaml:"app_url" validate:"omitempty,url"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr            string   `yaml:"addr"`
	RateLimit       float64  `yaml:"rate_limit" validate:"min=0"`
	Burst           int      `yaml:"burst" validate:"min=0"`
	CORSOrigins     []string `yaml:"cors_origins"`
	ShutdownTimeout string   `yaml:"shutdown_timeout"`
}

// DatabaseConfig selects and configures the local store.
type DatabaseConfig struct {
	Driver          string `yaml:"driver" validate:"oneof=postgres memory"`
	Host            string `yaml:"host" validate:"required_if=Driver postgres"`
	Port            int    `yaml:"port" validate:"min=0,max=65535"`
	User            string `yaml:"user"`
	Password        string `yaml:"password"`
	Name            string `yaml:"name" validate:"required_if=Driver postgres"`
	SSLMode         string `yaml:"ssl_mode"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime string `yaml:"conn_max_lifetime"`
	FieldCacheTTL   string `yaml:"field_cache_ttl"`
}

// AdminConfig secures the admin API.
type AdminConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

// NotifyConfig lists the webhooks told about finished sync runs.
type NotifyConfig struct {
	Webhooks []events.Webhook `yaml:"webhooks" validate:"dive"`
}

// ObservabilityConfig holds log and trace settings.
type ObservabilityConfig struct {
	LogLevel     string  `yaml:"log_level" validate:"oneof=debug info warn error"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	ServiceName  string  `yaml:"service_name"`
	Environment  string  `yaml:"environment"`
	SampleRatio  float64 `yaml:"sample_ratio" validate:"min=0,max=1"`
}

// Load reads path, applies environment overrides and defaults, and validates
// the result. An empty path loads from the environment alone.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for _, d := range []struct{ key, value string }{
		{"remote.timeout", c.Remote.Timeout},
		{"server.shutdown_timeout", c.Server.ShutdownTimeout},
		{"database.conn_max_lifetime", c.Database.ConnMaxLifetime},
		{"database.field_cache_ttl", c.Database.FieldCacheTTL},
	} {
		if d.value == "" {
			continue
		}
		if _, err := time.ParseDuration(d.value); err != nil {
			return fmt.Errorf("invalid config: %s: %w", d.key, err)
		}
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Remote.HostURI = getEnv("WARDBRIDGE_REMOTE_HOST_URI", c.Remote.HostURI)
	c.Remote.EndpointPath = getEnv("WARDBRIDGE_REMOTE_ENDPOINT_PATH", c.Remote.EndpointPath)
	c.Remote.CookieDomain = getEnv("WARDBRIDGE_REMOTE_COOKIE_DOMAIN", c.Remote.CookieDomain)
	c.Remote.APIVersion = getEnvInt("WARDBRIDGE_REMOTE_API_VERSION", c.Remote.APIVersion)
	c.Remote.Timeout = getEnv("WARDBRIDGE_REMOTE_TIMEOUT", c.Remote.Timeout)
	c.Remote.ServiceUser = getEnv("WARDBRIDGE_REMOTE_SERVICE_USER", c.Remote.ServiceUser)
	c.Remote.ServicePassword = getEnv("WARDBRIDGE_REMOTE_SERVICE_PASSWORD", c.Remote.ServicePassword)

	c.Sync.Schedule = getEnv("WARDBRIDGE_SYNC_SCHEDULE", c.Sync.Schedule)
	c.Sync.GroupSync = getEnvBool("WARDBRIDGE_SYNC_GROUP_SYNC", c.Sync.GroupSync)

	c.Server.Addr = getEnv("WARDBRIDGE_SERVER_ADDR", c.Server.Addr)

	c.Database.Driver = getEnv("WARDBRIDGE_DB_DRIVER", c.Database.Driver)
	c.Database.Host = getEnv("WARDBRIDGE_DB_HOST", c.Database.Host)
	c.Database.Port = getEnvInt("WARDBRIDGE_DB_PORT", c.Database.Port)
	c.Database.User = getEnv("WARDBRIDGE_DB_USER", c.Database.User)
	c.Database.Password = getEnv("WARDBRIDGE_DB_PASSWORD", c.Database.Password)
	c.Database.Name = getEnv("WARDBRIDGE_DB_NAME", c.Database.Name)
	c.Database.SSLMode = getEnv("WARDBRIDGE_DB_SSLMODE", c.Database.SSLMode)

	c.Admin.JWTSecret = getEnv("WARDBRIDGE_ADMIN_JWT_SECRET", c.Admin.JWTSecret)

	c.Observability.LogLevel = getEnv("WARDBRIDGE_LOG_LEVEL", c.Observability.LogLevel)
	c.Observability.OTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", c.Observability.OTLPEndpoint)
}

func (c *Config) applyDefaults() {
	if c.Remote.EndpointPath == "" {
		c.Remote.EndpointPath = "/moodlesso"
	}
	if c.Remote.APIVersion == 0 {
		c.Remote.APIVersion = 1
	}
	if c.Remote.Timeout == "" {
		c.Remote.Timeout = "60s"
	}
	if len(c.Remote.ResourceTypes) == 0 {
		c.Remote.ResourceTypes = []string{"user", "node"}
	}
	if c.Mapping.Fields == nil {
		c.Mapping.Fields = map[string]string{"email": "mail"}
	}
	if c.Local.AuthMethod == "" {
		c.Local.AuthMethod = "remotesso"
	}
	if c.Local.Lang == "" {
		c.Local.Lang = "en"
	}
	if len(c.Local.ReservedNames) == 0 {
		c.Local.ReservedNames = []string{"admin", "guest"}
	}
	if c.Local.CityPlaceholder == "" {
		c.Local.CityPlaceholder = "none"
	}
	if c.Local.CountryPlaceholder == "" {
		c.Local.CountryPlaceholder = "ZZ"
	}
	if c.Sync.Schedule == "" {
		c.Sync.Schedule = "@hourly"
	}
	if c.Sync.PageSize == 0 {
		c.Sync.PageSize = 100
	}
	if c.Sync.ComponentTag == "" {
		c.Sync.ComponentTag = "auth_remotesso"
	}
	if c.Sync.GroupSync && c.Sync.GroupView != "" && !contains(c.Remote.ResourceTypes, c.Sync.GroupView) {
		c.Remote.ResourceTypes = append(c.Remote.ResourceTypes, c.Sync.GroupView)
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.RateLimit == 0 {
		c.Server.RateLimit = 10
	}
	if c.Server.Burst == 0 {
		c.Server.Burst = 20
	}
	if c.Server.ShutdownTimeout == "" {
		c.Server.ShutdownTimeout = "15s"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "memory"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Database.FieldCacheTTL == "" {
		c.Database.FieldCacheTTL = "5m"
	}
	if c.Admin.Issuer == "" {
		c.Admin.Issuer = "wardbridge"
	}
	if c.Observability.LogLevel == "" {
		c.Observability.LogLevel = "info"
	}
	if c.Observability.ServiceName == "" {
		c.Observability.ServiceName = "wardbridge"
	}
	if c.Observability.Environment == "" {
		c.Observability.Environment = "development"
	}
}

// RemoteTimeout returns the parsed remote call timeout.
func (c *Config) RemoteTimeout() time.Duration {
	return ParseDuration(c.Remote.Timeout, 60*time.Second)
}

// ParseDuration parses a duration string with a fallback default.
func ParseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
