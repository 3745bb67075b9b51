// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. RAW_UART_SERVER_PORT.
const EnvPrefix = "RAW_UART"

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Mux       MuxConfig       `mapstructure:"mux"`
	Listener  ListenerConfig  `mapstructure:"listener"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Security  SecurityConfig  `mapstructure:"security"`
	App       AppConfig       `mapstructure:"app"`
	Devices   []DeviceConfig  `mapstructure:"devices"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            string        `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	TLS             TLSConfig     `mapstructure:"tls"`
}

// TLSConfig represents TLS configuration
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// MuxConfig holds the multiplexer limits applied to every device.
// ResetMaxOpen is the open-connection threshold for API resets.
type MuxConfig struct {
	MaxDevices     int           `mapstructure:"max_devices"`
	MaxConnections int           `mapstructure:"max_connections"`
	RxBufferSize   int           `mapstructure:"rx_buffer_size"`
	TxBufferSize   int           `mapstructure:"tx_buffer_size"`
	ResetMaxOpen   int           `mapstructure:"reset_max_open"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// ListenerConfig represents the raw TCP listeners, one per device slot
type ListenerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	Host             string        `mapstructure:"host"`
	BasePort         int           `mapstructure:"base_port"`
	PriorityPreamble bool          `mapstructure:"priority_preamble"`
	PreambleTimeout  time.Duration `mapstructure:"preamble_timeout"`
}

// MetricsConfig represents Prometheus exposition
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	User         string        `mapstructure:"user"`
	Password     string        `mapstructure:"password"`
	DBName       string        `mapstructure:"dbname"`
	SSLMode      string        `mapstructure:"sslmode"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
	MaxIdleConns int           `mapstructure:"max_idle_conns"`
	MaxLifetime  time.Duration `mapstructure:"max_lifetime"`
	AutoMigrate  bool          `mapstructure:"auto_migrate"`
	Retention    time.Duration `mapstructure:"retention"`
}

// DiscoveryConfig enables the adapter scanners
type DiscoveryConfig struct {
	USB    bool `mapstructure:"usb"`
	Serial bool `mapstructure:"serial"`
}

// SecurityConfig represents security configuration
type SecurityConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// AppConfig represents application metadata
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
}

// DeviceConfig declares one multiplexed device and its backend
type DeviceConfig struct {
	Name           string                 `mapstructure:"name"`
	Type           string                 `mapstructure:"type"`
	MaxConnections int                    `mapstructure:"max_connections"`
	Options        map[string]interface{} `mapstructure:"options"`
}

// Load loads configuration from file and environment variables. An empty
// path searches the default locations; a missing file leaves defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/raw-uart-service")
	}

	// Environment variable support
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8084")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.tls.enabled", false)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age", 28)
	v.SetDefault("logging.compress", true)

	// Multiplexer defaults
	v.SetDefault("mux.max_devices", 5)
	v.SetDefault("mux.max_connections", 3)
	v.SetDefault("mux.rx_buffer_size", 1024)
	v.SetDefault("mux.tx_buffer_size", 4096)
	v.SetDefault("mux.reset_max_open", 1)
	v.SetDefault("mux.connect_timeout", "10s")

	// Listener defaults
	v.SetDefault("listener.enabled", true)
	v.SetDefault("listener.host", "0.0.0.0")
	v.SetDefault("listener.base_port", 3100)
	v.SetDefault("listener.priority_preamble", false)
	v.SetDefault("listener.preamble_timeout", "2s")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	// Database defaults
	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "raw_uart")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.max_lifetime", "5m")
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.retention", "720h")

	// Discovery defaults
	v.SetDefault("discovery.usb", true)
	v.SetDefault("discovery.serial", true)

	// Security defaults
	v.SetDefault("security.allowed_origins", []string{"*"})

	// App defaults
	v.SetDefault("app.name", "raw-uart-service")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.debug", false)
}

// validate validates the configuration
func validate(config *Config) error {
	if config.Server.Host == "" {
		return fmt.Errorf("server.host is required")
	}
	if config.Server.Port == "" {
		return fmt.Errorf("server.port is required")
	}
	if config.Server.TLS.Enabled && (config.Server.TLS.CertFile == "" || config.Server.TLS.KeyFile == "") {
		return fmt.Errorf("server.tls requires cert_file and key_file")
	}
	if config.Database.Enabled && config.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}

	if !oneOf(config.App.Environment, "development", "staging", "production", "test") {
		return fmt.Errorf("app.environment must be one of: %v", []string{"development", "staging", "production", "test"})
	}
	if !oneOf(config.Logging.Level, "debug", "info", "warn", "error", "fatal") {
		return fmt.Errorf("logging.level must be one of: %v", []string{"debug", "info", "warn", "error", "fatal"})
	}

	mux := config.Mux
	if mux.MaxDevices < 1 || mux.MaxDevices > 64 {
		return fmt.Errorf("mux.max_devices must be between 1 and 64")
	}
	if mux.MaxConnections < 1 {
		return fmt.Errorf("mux.max_connections must be positive")
	}
	if mux.RxBufferSize < 1 {
		return fmt.Errorf("mux.rx_buffer_size must be positive")
	}
	if mux.TxBufferSize < 1 || mux.TxBufferSize > 64*1024 {
		return fmt.Errorf("mux.tx_buffer_size must be between 1 and 65536")
	}
	if config.Listener.Enabled && (config.Listener.BasePort < 1 || config.Listener.BasePort+mux.MaxDevices > 65536) {
		return fmt.Errorf("listener.base_port %d leaves no room for %d devices", config.Listener.BasePort, mux.MaxDevices)
	}

	if len(config.Devices) > mux.MaxDevices {
		return fmt.Errorf("%d devices configured, mux.max_devices is %d", len(config.Devices), mux.MaxDevices)
	}
	seen := make(map[string]bool, len(config.Devices))
	for i, d := range config.Devices {
		if d.Name == "" {
			return fmt.Errorf("devices[%d].name is required", i)
		}
		if d.Type == "" {
			return fmt.Errorf("devices[%d].type is required", i)
		}
		if seen[d.Name] {
			return fmt.Errorf("duplicate device name %q", d.Name)
		}
		seen[d.Name] = true
	}

	return nil
}

func oneOf(v string, options ...string) bool {
	for _, o := range options {
		if v == o {
			return true
		}
	}
	return false
}

// GetDatabaseDSN returns the database connection string
func (c *Config) GetDatabaseDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host, c.Database.Port, c.Database.User,
		c.Database.Password, c.Database.DBName, c.Database.SSLMode)
}

// GetServerAddr returns the server address
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}

// GetListenerAddr returns the TCP listener address for a registry slot
func (c *Config) GetListenerAddr(slot int) string {
	return fmt.Sprintf("%s:%d", c.Listener.Host, c.Listener.BasePort+slot)
}

// IsProduction checks if the environment is production
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// IsDevelopment checks if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}

// IsDebugEnabled checks if debug mode is enabled
func (c *Config) IsDebugEnabled() bool {
	return c.App.Debug || c.IsDevelopment()
}
