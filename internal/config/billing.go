package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// BillingConfig is the billing policy: how billing windows are cut, how long
// payment collection is retried, and when stuck claims are released.
type BillingConfig struct {
	CycleStartDay       int    `mapstructure:"cycleStartDay"`
	BusinessTimeZone    string `mapstructure:"businessTimeZone"`
	RetryDays           int    `mapstructure:"retryDays"`
	ClaimTimeoutMinutes int    `mapstructure:"claimTimeoutMinutes"`
}

func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		CycleStartDay:       26,
		BusinessTimeZone:    "UTC",
		RetryDays:           2,
		ClaimTimeoutMinutes: 15,
	}
}

// Location resolves the business timezone. Callers validated the config at
// load time, so a broken zone name falls back to UTC instead of failing.
func (c BillingConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.BusinessTimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c BillingConfig) ClaimTimeout() time.Duration {
	return time.Duration(c.ClaimTimeoutMinutes) * time.Minute
}

type BillingConfigHolder struct {
	current atomic.Value // holds BillingConfig
}

func NewBillingConfigHolder() (*BillingConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/billingd/config") // Volume-mounted config
	v.AddConfigPath("/etc/billingd")            // System config
	v.AddConfigPath(".")                        // Current directory (dev mode)

	v.SetEnvPrefix("BILLING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultBillingConfig()
	v.SetDefault("billing.cycleStartDay", defaults.CycleStartDay)
	v.SetDefault("billing.businessTimeZone", defaults.BusinessTimeZone)
	v.SetDefault("billing.retryDays", defaults.RetryDays)
	v.SetDefault("billing.claimTimeoutMinutes", defaults.ClaimTimeoutMinutes)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg BillingConfig
	if err := v.UnmarshalKey("billing", &cfg); err != nil {
		return nil, err
	}
	if err := validateBillingConfig(cfg); err != nil {
		return nil, err
	}

	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated BillingConfig
		if err := v.UnmarshalKey("billing", &updated); err != nil {
			log.Printf("[billing-config] reload failed: %v", err)
			return
		}
		if err := validateBillingConfig(updated); err != nil {
			log.Printf("[billing-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[billing-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *BillingConfigHolder) Get() BillingConfig {
	return h.current.Load().(BillingConfig)
}

// NewStaticBillingConfigHolder wraps a fixed config with no file watching,
// for tests.
func NewStaticBillingConfigHolder(cfg BillingConfig) (*BillingConfigHolder, error) {
	if err := validateBillingConfig(cfg); err != nil {
		return nil, err
	}
	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)
	return holder, nil
}

func validateBillingConfig(cfg BillingConfig) error {
	if cfg.CycleStartDay < 1 || cfg.CycleStartDay > 31 {
		return fmt.Errorf("billing.cycleStartDay must be within 1..31, got %d", cfg.CycleStartDay)
	}
	if cfg.RetryDays < 0 {
		return errors.New("billing.retryDays cannot be negative")
	}
	if cfg.ClaimTimeoutMinutes <= 0 {
		return errors.New("billing.claimTimeoutMinutes must be positive")
	}
	if _, err := time.LoadLocation(cfg.BusinessTimeZone); err != nil {
		return fmt.Errorf("billing.businessTimeZone: %w", err)
	}
	return nil
}
