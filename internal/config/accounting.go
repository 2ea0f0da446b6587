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

// AccountingConfig is the accounting section of accounting.yml.
type AccountingConfig struct {
	// Units lists the enabled metering units in registration order.
	Units    []string       `mapstructure:"units"`
	UsageAPI UsageAPIConfig `mapstructure:"usageAPI"`
}

// UsageAPIConfig locates the external usage management API.
type UsageAPIConfig struct {
	SSL     bool          `mapstructure:"ssl"`
	Host    string        `mapstructure:"host"`
	Port    string        `mapstructure:"port"`
	Path    string        `mapstructure:"path"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// BaseURL returns scheme://host:port without the API path.
func (c UsageAPIConfig) BaseURL() string {
	scheme := "http"
	if c.SSL {
		scheme = "https"
	}
	host := strings.TrimSpace(c.Host)
	if port := strings.TrimSpace(c.Port); port != "" {
		host = host + ":" + port
	}
	return scheme + "://" + host
}

func DefaultAccountingConfig() AccountingConfig {
	return AccountingConfig{
		Units: []string{"call", "megabyte", "second"},
		UsageAPI: UsageAPIConfig{
			SSL:     false,
			Host:    "localhost",
			Port:    "8000",
			Path:    "/DSUsageManagement/api/usageManagement/v2",
			Timeout: 10 * time.Second,
		},
	}
}

type AccountingConfigHolder struct {
	current atomic.Value // holds AccountingConfig
}

// NewAccountingConfigHolder reads accounting.yml from the standard locations and
// watches it for changes. A missing file yields the defaults.
func NewAccountingConfigHolder() (*AccountingConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("accounting")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/accountingproxy")
	v.AddConfigPath(".")

	v.SetEnvPrefix("ACCOUNTING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return newAccountingConfigHolder(v, true)
}

func newAccountingConfigHolder(v *viper.Viper, watch bool) (*AccountingConfigHolder, error) {
	setAccountingDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg, err := decodeAccountingConfig(v)
	if err != nil {
		return nil, err
	}

	holder := &AccountingConfigHolder{}
	holder.current.Store(cfg)

	if watch && v.ConfigFileUsed() != "" {
		v.OnConfigChange(func(e fsnotify.Event) {
			holder.reload(v, e.Name)
		})
		v.WatchConfig()
	}

	return holder, nil
}

// reload swaps in a new usage API endpoint. The unit list is bound to the
// registry at startup and is kept as loaded.
func (h *AccountingConfigHolder) reload(v *viper.Viper, source string) {
	updated, err := decodeAccountingConfig(v)
	if err != nil {
		log.Printf("[accounting-config] invalid config ignored: %v", err)
		return
	}
	previous := h.Get()
	if !sameUnits(previous.Units, updated.Units) {
		log.Printf("[accounting-config] unit list changes require a restart; keeping %v", previous.Units)
		updated.Units = previous.Units
	}
	h.current.Store(updated)
	log.Printf("[accounting-config] reloaded from %s", source)
}

func (h *AccountingConfigHolder) Get() AccountingConfig {
	return h.current.Load().(AccountingConfig)
}

// NewStaticAccountingConfigHolder wraps a fixed configuration.
func NewStaticAccountingConfigHolder(cfg AccountingConfig) *AccountingConfigHolder {
	holder := &AccountingConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func setAccountingDefaults(v *viper.Viper) {
	defaults := DefaultAccountingConfig()
	v.SetDefault("accounting.units", defaults.Units)
	v.SetDefault("accounting.usageAPI.ssl", defaults.UsageAPI.SSL)
	v.SetDefault("accounting.usageAPI.host", defaults.UsageAPI.Host)
	v.SetDefault("accounting.usageAPI.port", defaults.UsageAPI.Port)
	v.SetDefault("accounting.usageAPI.path", defaults.UsageAPI.Path)
	v.SetDefault("accounting.usageAPI.timeout", defaults.UsageAPI.Timeout)
}

func decodeAccountingConfig(v *viper.Viper) (AccountingConfig, error) {
	// Unmarshal merges defaults per leaf key.
	var wrapper struct {
		Accounting AccountingConfig `mapstructure:"accounting"`
	}
	if err := v.Unmarshal(&wrapper); err != nil {
		return AccountingConfig{}, err
	}
	cfg := wrapper.Accounting
	cfg.Units = normalizeUnits(cfg.Units)
	if err := validateAccountingConfig(cfg); err != nil {
		return AccountingConfig{}, err
	}
	return cfg, nil
}

func validateAccountingConfig(cfg AccountingConfig) error {
	if len(cfg.Units) == 0 {
		return errors.New("accounting.units cannot be empty")
	}
	if strings.TrimSpace(cfg.UsageAPI.Host) == "" {
		return errors.New("accounting.usageAPI.host cannot be empty")
	}
	if cfg.UsageAPI.Timeout < 0 {
		return fmt.Errorf("accounting.usageAPI.timeout must not be negative, got %s", cfg.UsageAPI.Timeout)
	}
	return nil
}

func normalizeUnits(units []string) []string {
	out := make([]string, 0, len(units))
	seen := make(map[string]struct{}, len(units))
	for _, unit := range units {
		unit = strings.ToLower(strings.TrimSpace(unit))
		if unit == "" {
			continue
		}
		if _, ok := seen[unit]; ok {
			continue
		}
		seen[unit] = struct{}{}
		out = append(out, unit)
	}
	return out
}

func sameUnits(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
