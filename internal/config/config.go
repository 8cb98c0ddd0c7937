package config

import (
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"

	"triarb/internal/model"
)

// Config stores all configuration for the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Account   string `mapstructure:"account"`
	Trading   TradingConfig
	Risk      model.RiskLimits
	Database  DatabaseConfig
	Feed      FeedConfig
	Exchanges map[string]ExchangeConfig
}

// TradingConfig defines how the monitor sizes and places trades.
type TradingConfig struct {
	BaseBalance     float64       `mapstructure:"base_balance"`
	TradeFraction   float64       `mapstructure:"trade_fraction"`
	ScanInterval    time.Duration `mapstructure:"scan_interval"`
	ErrorCooldown   time.Duration `mapstructure:"error_cooldown"`
	RealTrades      bool          `mapstructure:"real_trades"`
	DefaultExchange string        `mapstructure:"default_exchange"`
}

// FeedConfig defines the streaming price sources and health probing.
type FeedConfig struct {
	Sources        []string      `mapstructure:"sources"`
	HealthInterval time.Duration `mapstructure:"health_interval"`
	UseSample      bool          `mapstructure:"use_sample"`
}

// DatabaseConfig defines the database connection settings.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
}

// ExchangeConfig defines settings for a specific exchange.
type ExchangeConfig struct {
	TakerFeePercent float64 `mapstructure:"taker_fee_percent"`
	OrdersPerSecond float64 `mapstructure:"orders_per_second"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("account", "default")
	v.SetDefault("trading.base_balance", 10000.0)
	v.SetDefault("trading.trade_fraction", 0.1)
	v.SetDefault("trading.scan_interval", 5*time.Second)
	v.SetDefault("trading.error_cooldown", 10*time.Second)
	v.SetDefault("trading.default_exchange", "binance")
	v.SetDefault("risk.max_position_size", 100000.0)
	v.SetDefault("risk.max_daily_loss", 1000.0)
	v.SetDefault("risk.max_daily_volume", 500000.0)
	v.SetDefault("risk.max_trades_per_day", 50)
	v.SetDefault("risk.max_open_trades", 3)
	v.SetDefault("risk.min_profit_threshold", 0.1)
	v.SetDefault("risk.min_trade_amount", 10.0)
	v.SetDefault("feed.sources", []string{"binance"})
	v.SetDefault("feed.health_interval", 5*time.Second)
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	err = v.ReadInConfig()
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		err = nil
	}
	if err != nil {
		return
	}

	err = v.Unmarshal(&config)
	return
}

// Provider exposes the current risk limits and trading settings. The monitor
// and the risk gate poll it instead of caching values.
type Provider interface {
	Limits() model.RiskLimits
	Trading() TradingConfig
	Reload() error
}

// FileProvider re-reads the config file on Reload so limit changes take
// effect without a restart.
type FileProvider struct {
	path string
	mu   sync.RWMutex
	cfg  Config
}

func NewFileProvider(path string) (*FileProvider, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return &FileProvider{path: path, cfg: cfg}, nil
}

func (p *FileProvider) Reload() error {
	cfg, err := LoadConfig(p.path)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
	return nil
}

func (p *FileProvider) Limits() model.RiskLimits {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg.Risk
}

func (p *FileProvider) Trading() TradingConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg.Trading
}

// StaticProvider serves fixed values, used in tests and one-shot commands.
type StaticProvider struct {
	RiskLimits    model.RiskLimits
	TradingConfig TradingConfig
}

func (p *StaticProvider) Limits() model.RiskLimits { return p.RiskLimits }
func (p *StaticProvider) Trading() TradingConfig   { return p.TradingConfig }
func (p *StaticProvider) Reload() error            { return nil }
