// Package config loads and validates the execution core's configuration.
// Every tunable the core consumes lives here; all of it is read-only after
// process start.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/nexium/tradecore/internal/breaker"
	"github.com/nexium/tradecore/internal/exchange"
	"github.com/nexium/tradecore/internal/mirror"
	"github.com/nexium/tradecore/internal/orders"
	"github.com/nexium/tradecore/internal/reconciler"
	"github.com/nexium/tradecore/internal/risk"
)

// Config is the complete configuration surface of the core.
type Config struct {
	LogLevel    string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	MetricsAddr string `mapstructure:"metrics_addr"`
	JournalPath string `mapstructure:"journal_path"`

	Risk       risk.Limits        `mapstructure:"risk" validate:"required"`
	Breaker    breaker.Config     `mapstructure:"breaker"`
	Orders     orders.Config      `mapstructure:"orders" validate:"required"`
	Reconciler reconciler.Config  `mapstructure:"reconciler" validate:"required"`
	Exchange   exchange.SimConfig `mapstructure:"exchange"`
	Mirror     mirror.Config      `mapstructure:"mirror"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_addr", ":9100")
	v.SetDefault("journal_path", "data/tradecore.db")

	limits := risk.DefaultLimits()
	v.SetDefault("risk.max_position_size_pct", limits.MaxPositionSizePct)
	v.SetDefault("risk.max_concurrent_positions", limits.MaxConcurrentPositions)
	v.SetDefault("risk.max_symbol_concentration_pct", limits.MaxSymbolConcentrationPct)
	v.SetDefault("risk.daily_loss_limit_pct", limits.DailyLossLimitPct)
	v.SetDefault("risk.max_drawdown_pct", limits.MaxDrawdownPct)
	v.SetDefault("risk.max_margin_utilization_pct", limits.MaxMarginUtilizationPct)

	brk := breaker.DefaultConfig("")
	v.SetDefault("breaker.failure_threshold", brk.FailureThreshold)
	v.SetDefault("breaker.failure_window", brk.FailureWindow)
	v.SetDefault("breaker.cooldown", brk.Cooldown)

	ord := orders.DefaultConfig()
	v.SetDefault("orders.poll_interval", ord.PollInterval)
	v.SetDefault("orders.cleanup_interval", ord.CleanupInterval)
	v.SetDefault("orders.order_ttl", ord.OrderTTL)
	v.SetDefault("orders.max_tracked", ord.MaxTracked)
	v.SetDefault("orders.seen_ttl", ord.SeenTTL)

	rec := reconciler.DefaultConfig()
	v.SetDefault("reconciler.interval", rec.Interval)
	v.SetDefault("reconciler.margin_alert_pct", rec.MarginAlertPct)
	v.SetDefault("reconciler.account_capital", rec.AccountCapital)

	sim := exchange.DefaultSimConfig()
	v.SetDefault("exchange.fill_delay", sim.FillDelay)
	v.SetDefault("exchange.fee_rate", sim.FeeRate)
	v.SetDefault("exchange.rate_limit_per_sec", sim.RateLimitPerSec)
	v.SetDefault("exchange.burst", sim.Burst)

	mir := mirror.DefaultConfig()
	v.SetDefault("mirror.enabled", mir.Enabled)
	v.SetDefault("mirror.brokers", mir.Brokers)
	v.SetDefault("mirror.topic", mir.Topic)
}

// Load reads configuration from an optional YAML file and TRADECORE_*
// environment variables, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TRADECORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Orders.SubmitRetry = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}
