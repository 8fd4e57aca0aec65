package config

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// EngineConfig tunes the resolution pass. A run reads it once and keeps
// that copy for its whole duration.
type EngineConfig struct {
	Workers      int               `mapstructure:"workers"`
	TestAmounts  []int64           `mapstructure:"testAmounts"`
	SessionParam string            `mapstructure:"sessionParam"`
	Windows      MatchWindows      `mapstructure:"windows"`
	FailureCodes map[string]string `mapstructure:"failureCodes"`
}

// MatchWindows are the time-proximity tolerances per link kind.
type MatchWindows struct {
	SessionSubscription time.Duration `mapstructure:"sessionSubscription"`
	SessionPayment      time.Duration `mapstructure:"sessionPayment"`
	SubscriptionPayment time.Duration `mapstructure:"subscriptionPayment"`
	SessionEngagement   time.Duration `mapstructure:"sessionEngagement"`
	SessionAd           time.Duration `mapstructure:"sessionAd"`
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Workers:      runtime.NumCPU(),
		TestAmounts:  []int64{100, 200},
		SessionParam: "fsid",
		Windows: MatchWindows{
			SessionSubscription: time.Hour,
			SessionPayment:      5 * time.Minute,
			SubscriptionPayment: 5 * time.Minute,
			SessionEngagement:   120 * time.Second,
			SessionAd:           24 * time.Hour,
		},
		FailureCodes: map[string]string{},
	}
}

// IsTestAmount reports whether amount is one of the configured test charges.
func (c EngineConfig) IsTestAmount(amount int64) bool {
	for _, v := range c.TestAmounts {
		if v == amount {
			return true
		}
	}
	return false
}

type EngineConfigHolder struct {
	current atomic.Value // holds EngineConfig
}

// NewStaticEngineConfigHolder wraps a fixed config, used by tests and one-shot runs.
func NewStaticEngineConfigHolder(cfg EngineConfig) *EngineConfigHolder {
	holder := &EngineConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewEngineConfigHolder(log *zap.Logger) (*EngineConfigHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("engine.config")

	v := viper.New()

	v.SetConfigName("attribution")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/attribution")
	v.AddConfigPath(".")

	v.SetEnvPrefix("ATTRIBUTION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setEngineDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		log.Info("no engine config file found, using defaults")
	}

	cfg, err := decodeEngineConfig(v)
	if err != nil {
		return nil, err
	}

	holder := &EngineConfigHolder{}
	holder.current.Store(cfg)

	if v.ConfigFileUsed() != "" {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			updated, err := decodeEngineConfig(v)
			if err != nil {
				log.Warn("engine config reload rejected", zap.Error(err), zap.String("file", e.Name))
				return
			}
			holder.current.Store(updated)
			log.Info("engine config reloaded", zap.String("file", e.Name))
		})
	}

	return holder, nil
}

func setEngineDefaults(v *viper.Viper) {
	defaults := DefaultEngineConfig()
	amounts := make([]int, 0, len(defaults.TestAmounts))
	for _, amount := range defaults.TestAmounts {
		amounts = append(amounts, int(amount))
	}
	v.SetDefault("engine.workers", defaults.Workers)
	v.SetDefault("engine.testAmounts", amounts)
	v.SetDefault("engine.sessionParam", defaults.SessionParam)
	v.SetDefault("engine.windows.sessionSubscription", defaults.Windows.SessionSubscription)
	v.SetDefault("engine.windows.sessionPayment", defaults.Windows.SessionPayment)
	v.SetDefault("engine.windows.subscriptionPayment", defaults.Windows.SubscriptionPayment)
	v.SetDefault("engine.windows.sessionEngagement", defaults.Windows.SessionEngagement)
	v.SetDefault("engine.windows.sessionAd", defaults.Windows.SessionAd)
	v.SetDefault("engine.failureCodes", defaults.FailureCodes)
}

func (h *EngineConfigHolder) Get() EngineConfig {
	return h.current.Load().(EngineConfig)
}

// decodeEngineConfig reads every leaf key so that defaults fill any key a
// partial file leaves out.
func decodeEngineConfig(v *viper.Viper) (EngineConfig, error) {
	amounts := v.GetIntSlice("engine.testAmounts")
	cfg := EngineConfig{
		Workers:      v.GetInt("engine.workers"),
		TestAmounts:  make([]int64, 0, len(amounts)),
		SessionParam: v.GetString("engine.sessionParam"),
		Windows: MatchWindows{
			SessionSubscription: v.GetDuration("engine.windows.sessionSubscription"),
			SessionPayment:      v.GetDuration("engine.windows.sessionPayment"),
			SubscriptionPayment: v.GetDuration("engine.windows.subscriptionPayment"),
			SessionEngagement:   v.GetDuration("engine.windows.sessionEngagement"),
			SessionAd:           v.GetDuration("engine.windows.sessionAd"),
		},
		FailureCodes: v.GetStringMapString("engine.failureCodes"),
	}
	for _, amount := range amounts {
		cfg.TestAmounts = append(cfg.TestAmounts, int64(amount))
	}
	if err := ValidateEngineConfig(cfg); err != nil {
		return EngineConfig{}, err
	}
	return cfg, nil
}

func ValidateEngineConfig(cfg EngineConfig) error {
	if cfg.Workers < 0 {
		return errors.New("engine.workers cannot be negative")
	}
	if strings.TrimSpace(cfg.SessionParam) == "" {
		return errors.New("engine.sessionParam cannot be empty")
	}
	for _, amount := range cfg.TestAmounts {
		if amount < 0 {
			return fmt.Errorf("engine.testAmounts contains negative amount %d", amount)
		}
	}
	windows := map[string]time.Duration{
		"sessionSubscription": cfg.Windows.SessionSubscription,
		"sessionPayment":      cfg.Windows.SessionPayment,
		"subscriptionPayment": cfg.Windows.SubscriptionPayment,
		"sessionEngagement":   cfg.Windows.SessionEngagement,
		"sessionAd":           cfg.Windows.SessionAd,
	}
	for name, window := range windows {
		if window <= 0 {
			return fmt.Errorf("engine.windows.%s must be positive", name)
		}
	}
	return nil
}
