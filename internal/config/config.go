// internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration. The instrument registry
// file itself is separate and is only pointed at from here.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Transport TransportConfig `mapstructure:"transport"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	App       AppConfig       `mapstructure:"app"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           string        `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// RegistryConfig points at the instrument registry file.
type RegistryConfig struct {
	Path string `mapstructure:"path"`
}

// TransportConfig carries the connection-layer defaults the registry file
// does not specify per instrument.
type TransportConfig struct {
	Timeout            time.Duration `mapstructure:"timeout"`
	DefaultBaudRate    int           `mapstructure:"default_baud_rate"`
	GPIBControllerPort string        `mapstructure:"gpib_controller_port"`
	GatewayPort        int           `mapstructure:"gateway_port"`
	ReadBufferSize     int           `mapstructure:"read_buffer_size"`
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

// AppConfig represents application metadata
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

// Load loads configuration from file and environment variables
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")

	// Environment variable support
	viper.SetEnvPrefix("INSTRUMENT_SERVICE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	// The defaults form a complete configuration, so a missing file is not
	// an error.
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", "8086")
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.idle_timeout", "120s")

	// Registry defaults
	viper.SetDefault("registry.path", "./configs/instruments.ini")

	// Transport defaults. The registry file omits per-entry timeouts and
	// baud rates in several entries, so these are the documented fallbacks.
	viper.SetDefault("transport.timeout", "2s")
	viper.SetDefault("transport.default_baud_rate", 9600)
	viper.SetDefault("transport.gpib_controller_port", "")
	viper.SetDefault("transport.gateway_port", 1234)
	viper.SetDefault("transport.read_buffer_size", 1024)

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output", "stdout")
	viper.SetDefault("logging.max_size", 100)
	viper.SetDefault("logging.max_backups", 3)
	viper.SetDefault("logging.max_age", 28)
	viper.SetDefault("logging.compress", true)

	// App defaults
	viper.SetDefault("app.name", "instrument-service")
	viper.SetDefault("app.version", "1.0.0")
	viper.SetDefault("app.environment", "development")
}

// validate checks configuration consistency
func validate(config *Config) error {
	if config.Registry.Path == "" {
		return fmt.Errorf("registry.path is required")
	}
	if config.Transport.Timeout <= 0 {
		return fmt.Errorf("transport.timeout must be positive")
	}
	if config.Transport.GatewayPort < 1 || config.Transport.GatewayPort > 65535 {
		return fmt.Errorf("transport.gateway_port out of range: %d", config.Transport.GatewayPort)
	}
	switch config.Logging.Level {
	case "debug", "info", "warn", "error", "fatal":
	default:
		return fmt.Errorf("invalid logging.level: %s", config.Logging.Level)
	}
	return nil
}

// GetServerAddr returns the host:port address of the HTTP server.
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}

// IsProduction reports whether the service runs in production mode.
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}
