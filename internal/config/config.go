package config

import (
	"fmt"
	"log"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Chain    ChainConfig    `mapstructure:"chain"`
	Contract ContractConfig `mapstructure:"contract"`
	Gas      GasConfig      `mapstructure:"gas"`
	Security SecurityConfig `mapstructure:"security"`
	Pricing  PricingConfig  `mapstructure:"pricing"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Database DatabaseConfig `mapstructure:"database"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Plugins  PluginsConfig  `mapstructure:"plugins"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type ChainConfig struct {
	RPCURL  string `mapstructure:"rpc_url"`
	ChainID int64  `mapstructure:"chain_id"` // 0 = derive from RPC
}

type ContractConfig struct {
	GasPayerAddress string `mapstructure:"gas_payer_address"`
}

type GasConfig struct {
	PriceMultiplier       float64 `mapstructure:"price_multiplier"`
	MinimumGasPriceWei    int64   `mapstructure:"minimum_gas_price_wei"`
	MaxTotalCostWei       int64   `mapstructure:"max_total_cost_wei"`
	MaxGasLimit           uint64  `mapstructure:"max_gas_limit"`
	MaxGasPriceMultiplier float64 `mapstructure:"max_gas_price_multiplier"`

	BalanceWaitAttempts        int `mapstructure:"balance_wait_attempts"`
	BalanceWaitIntervalSeconds int `mapstructure:"balance_wait_interval_seconds"`
	ReceiptWaitAttempts        int `mapstructure:"receipt_wait_attempts"`
	ReceiptWaitIntervalSeconds int `mapstructure:"receipt_wait_interval_seconds"`
}

type SecurityConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ConfigPath string `mapstructure:"config_path"`
}

type PricingConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Endpoint        string `mapstructure:"endpoint"`
	CacheTTLSeconds int    `mapstructure:"cache_ttl_seconds"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type PluginsConfig struct {
	Relay RelayPluginConfig `mapstructure:"relay"`
}

type RelayPluginConfig struct {
	Prefix     string            `mapstructure:"prefix"`
	Operations []OperationConfig `mapstructure:"operations"`
}

type OperationConfig struct {
	Name     string `mapstructure:"name"`
	GasLimit uint64 `mapstructure:"gas_limit"`
	Function string `mapstructure:"function"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")

	// Environment variables support
	// e.g. RELAY_CHAIN_RPC_URL
	viper.SetEnvPrefix("relay")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Defaults
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("gas.price_multiplier", 1.20)
	viper.SetDefault("gas.minimum_gas_price_wei", 6)
	viper.SetDefault("gas.max_total_cost_wei", 540000000)
	viper.SetDefault("gas.max_gas_limit", 1000000)
	viper.SetDefault("gas.max_gas_price_multiplier", 3.0)
	viper.SetDefault("gas.balance_wait_attempts", 15)
	viper.SetDefault("gas.balance_wait_interval_seconds", 2)
	viper.SetDefault("gas.receipt_wait_attempts", 30)
	viper.SetDefault("gas.receipt_wait_interval_seconds", 2)
	viper.SetDefault("security.enabled", true)
	viper.SetDefault("security.config_path", "./config/security-config.json")
	viper.SetDefault("pricing.enabled", true)
	viper.SetDefault("pricing.endpoint", "https://api.coingecko.com/api/v3/simple/price")
	viper.SetDefault("pricing.cache_ttl_seconds", 300)
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")
	viper.SetDefault("plugins.relay.prefix", "/api/relay")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("No config file found, using defaults and env vars")
		} else {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate enforces the required settings before any service starts.
func (c *Config) Validate() error {
	if c.Chain.RPCURL == "" {
		return fmt.Errorf("chain.rpc_url is required")
	}
	if c.Contract.GasPayerAddress == "" {
		return fmt.Errorf("contract.gas_payer_address is required")
	}
	if !common.IsHexAddress(c.Contract.GasPayerAddress) {
		return fmt.Errorf("contract.gas_payer_address %q is not a valid address", c.Contract.GasPayerAddress)
	}
	if c.Gas.PriceMultiplier < 1.0 {
		return fmt.Errorf("gas.price_multiplier must be >= 1.0, got %v", c.Gas.PriceMultiplier)
	}
	if c.Gas.MaxGasPriceMultiplier < 1.0 {
		return fmt.Errorf("gas.max_gas_price_multiplier must be >= 1.0, got %v", c.Gas.MaxGasPriceMultiplier)
	}
	return nil
}
