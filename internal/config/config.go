package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/0xferrous/eventsync/pkg/utils"
)

// Config holds all configuration for the application
type Config struct {
	App       AppConfig        `mapstructure:"app"`
	Chain     ChainConfig      `mapstructure:"chain"`
	Contracts []ContractConfig `mapstructure:"contracts"`
	Addresses []AddressConfig  `mapstructure:"addresses"`
	Syncer    SyncerConfig     `mapstructure:"syncer"`
	Storage   StorageConfig    `mapstructure:"storage"`
	Server    ServerConfig     `mapstructure:"server"`
	Logging   LoggingConfig    `mapstructure:"logging"`
}

// AppConfig contains application-level configuration
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
}

// ChainConfig contains blockchain transport configuration. HTTPURL is the
// pull endpoint and is mandatory; WSURL is the optional push endpoint.
type ChainConfig struct {
	HTTPURL           string        `mapstructure:"http_url"`
	WSURL             string        `mapstructure:"ws_url"`
	NetworkID         int           `mapstructure:"network_id"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
	LivenessInterval  time.Duration `mapstructure:"liveness_interval"`
}

// ContractConfig declares one contract binding: logical name, on-chain
// address, and the ABI the decoder uses. ABI holds inline JSON; ABIFile
// points at a JSON file and is used when ABI is empty.
type ContractConfig struct {
	Name    string `mapstructure:"name"`
	Address string `mapstructure:"address"`
	ABI     string `mapstructure:"abi"`
	ABIFile string `mapstructure:"abi_file"`
}

// AddressConfig declares one monitored address.
type AddressConfig struct {
	Address string `mapstructure:"address"`
	Type    string `mapstructure:"type"`
	Label   string `mapstructure:"label"`
}

// SyncerConfig contains historical catch-up configuration
type SyncerConfig struct {
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	BatchSize     uint64        `mapstructure:"batch_size"`
	Confirmations uint64        `mapstructure:"confirmations"`
	StartBlock    uint64        `mapstructure:"start_block"`
	QueueSize     int           `mapstructure:"queue_size"`
}

// StorageConfig contains database configuration
type StorageConfig struct {
	Type             string        `mapstructure:"type"` // sqlite, postgres
	ConnectionString string        `mapstructure:"connection_string"`
	MaxConnections   int           `mapstructure:"max_connections"`
	MaxIdleTime      time.Duration `mapstructure:"max_idle_time"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port          int           `mapstructure:"port"`
	Host          string        `mapstructure:"host"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	EnableMetrics bool          `mapstructure:"enable_metrics"`
	EnableHealth  bool          `mapstructure:"enable_health"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, text
	Output string `mapstructure:"output"` // stdout, stderr, file
	File   string `mapstructure:"file"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	viper.SetConfigType("yaml")

	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName("config")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
	}

	viper.SetEnvPrefix("EVENTSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			fmt.Println("Config file not found, using defaults and environment variables")
		} else {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Conventional overrides used by deploy tooling.
	if rpcURL := os.Getenv("ETH_RPC_URL"); rpcURL != "" {
		config.Chain.HTTPURL = rpcURL
	}
	if wsURL := os.Getenv("ETH_WS_URL"); wsURL != "" {
		config.Chain.WSURL = wsURL
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		config.Storage.ConnectionString = dbURL
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	// App defaults
	viper.SetDefault("app.name", "eventsync")
	viper.SetDefault("app.version", "1.0.0")
	viper.SetDefault("app.environment", "development")
	viper.SetDefault("app.debug", false)

	// Chain defaults
	viper.SetDefault("chain.network_id", 1)
	viper.SetDefault("chain.request_timeout", "30s")
	viper.SetDefault("chain.reconnect_attempts", 3)
	viper.SetDefault("chain.reconnect_delay", "5s")
	viper.SetDefault("chain.liveness_interval", "30s")

	// Syncer defaults
	viper.SetDefault("syncer.poll_interval", "15s")
	viper.SetDefault("syncer.batch_size", 1000)
	viper.SetDefault("syncer.confirmations", 0)
	viper.SetDefault("syncer.start_block", 0)
	viper.SetDefault("syncer.queue_size", 256)

	// Storage defaults
	viper.SetDefault("storage.type", "sqlite")
	viper.SetDefault("storage.connection_string", "./data/events.db")
	viper.SetDefault("storage.max_connections", 25)
	viper.SetDefault("storage.max_idle_time", "15m")

	// Server defaults
	viper.SetDefault("server.port", 8081)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.read_timeout", "10s")
	viper.SetDefault("server.write_timeout", "10s")
	viper.SetDefault("server.enable_metrics", true)
	viper.SetDefault("server.enable_health", true)

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output", "stdout")
}

// Validate checks configuration shape. Business meaning of the registry
// entries is the operator's problem; only well-formedness is enforced here.
func (c *Config) Validate() error {
	if c.Chain.HTTPURL == "" {
		return fmt.Errorf("chain http_url is required")
	}
	if c.Chain.ReconnectAttempts < 0 {
		return fmt.Errorf("chain reconnect_attempts must not be negative")
	}
	if c.Chain.WSURL != "" && c.Chain.ReconnectDelay <= 0 {
		return fmt.Errorf("chain reconnect_delay must be positive when ws_url is set")
	}
	if c.Storage.Type != "sqlite" && c.Storage.Type != "postgres" {
		return fmt.Errorf("storage type must be sqlite or postgres, got %q", c.Storage.Type)
	}
	if c.Storage.ConnectionString == "" {
		return fmt.Errorf("storage connection string is required")
	}
	if c.Syncer.PollInterval <= 0 {
		return fmt.Errorf("syncer poll interval must be positive")
	}
	if c.Syncer.BatchSize == 0 {
		return fmt.Errorf("syncer batch size must be positive")
	}
	if c.Syncer.QueueSize <= 0 {
		return fmt.Errorf("syncer queue size must be positive")
	}

	for i, contract := range c.Contracts {
		if contract.Name == "" {
			return fmt.Errorf("contracts[%d]: name is required", i)
		}
		if !utils.IsValidAddress(contract.Address) {
			return fmt.Errorf("contracts[%d] (%s): invalid address %q", i, contract.Name, contract.Address)
		}
		if contract.ABI == "" && contract.ABIFile == "" {
			return fmt.Errorf("contracts[%d] (%s): abi or abi_file is required", i, contract.Name)
		}
	}

	for i, addr := range c.Addresses {
		if !utils.IsValidAddress(addr.Address) {
			return fmt.Errorf("addresses[%d]: invalid address %q", i, addr.Address)
		}
	}

	return nil
}
