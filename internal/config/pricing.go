package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// OperationPricing describes one generation feature: what it costs, which
// model serves it, and how its external jobs are polled.
type OperationPricing struct {
	Feature      string  `mapstructure:"feature"`
	Model        string  `mapstructure:"model"`
	CreditCost   int64   `mapstructure:"creditCost"`
	PollSeconds  int     `mapstructure:"pollSeconds"`
	MaxAttempts  int     `mapstructure:"maxAttempts"`
	MaxBatchSize int     `mapstructure:"maxBatchSize"`
	Version      *string `mapstructure:"version"`
}

// PollInterval returns the poll cadence for this operation type.
func (o OperationPricing) PollInterval() time.Duration {
	return time.Duration(o.PollSeconds) * time.Second
}

type PricingConfig struct {
	Operations []OperationPricing `mapstructure:"operations"`
}

// DefaultPricingConfig mirrors the hosted plans: cheap image edits poll fast
// and give up quickly, video and avatar renders poll slower with an hour-scale
// attempt ceiling.
func DefaultPricingConfig() PricingConfig {
	return PricingConfig{
		Operations: []OperationPricing{
			{Feature: "image_edit", Model: "flux-kontext-pro", CreditCost: 1, PollSeconds: 2, MaxAttempts: 90, MaxBatchSize: 10},
			{Feature: "photo_to_video", Model: "kling-v2.1", CreditCost: 4, PollSeconds: 5, MaxAttempts: 720, MaxBatchSize: 10},
			{Feature: "voice_clone", Model: "minimax-voice", CreditCost: 2, PollSeconds: 3, MaxAttempts: 200, MaxBatchSize: 5},
			{Feature: "avatar_video", Model: "sadtalker-hd", CreditCost: 6, PollSeconds: 5, MaxAttempts: 720, MaxBatchSize: 4},
			{Feature: "ocr_extract", Model: "got-ocr-2", CreditCost: 1, PollSeconds: 2, MaxAttempts: 60, MaxBatchSize: 20},
		},
	}
}

// PricingConfigHolder exposes the current pricing table and hot-reloads it
// when the mounted config file changes.
type PricingConfigHolder struct {
	current atomic.Value // holds PricingConfig
}

func NewPricingConfigHolder() (*PricingConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("pricing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/propreel/config") // Volume-mounted config
	v.AddConfigPath("/etc/propreel")            // System config
	v.AddConfigPath(".")                        // Current directory (dev mode)

	v.SetEnvPrefix("PROPREEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		defaults := DefaultPricingConfig()
		v.SetDefault("pricing.operations", defaults.Operations)
	}

	var cfg PricingConfig
	if err := v.UnmarshalKey("pricing", &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Operations) == 0 {
		cfg = DefaultPricingConfig()
	}
	if err := validatePricingConfig(cfg); err != nil {
		return nil, err
	}

	holder := &PricingConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated PricingConfig
		if err := v.UnmarshalKey("pricing", &updated); err != nil {
			log.Printf("[pricing-config] reload failed: %v", err)
			return
		}
		if err := validatePricingConfig(updated); err != nil {
			log.Printf("[pricing-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[pricing-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticPricingHolder wraps a fixed table, used by tests.
func NewStaticPricingHolder(cfg PricingConfig) *PricingConfigHolder {
	holder := &PricingConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func (h *PricingConfigHolder) Current() PricingConfig {
	if v, ok := h.current.Load().(PricingConfig); ok {
		return v
	}
	return DefaultPricingConfig()
}

// Operation looks up the pricing entry for a feature tag.
func (h *PricingConfigHolder) Operation(feature string) (OperationPricing, bool) {
	feature = strings.TrimSpace(feature)
	for _, op := range h.Current().Operations {
		if strings.EqualFold(op.Feature, feature) {
			return op, true
		}
	}
	return OperationPricing{}, false
}

var (
	errPricingNoOperations  = errors.New("pricing config has no operations")
	errPricingInvalidCost   = errors.New("pricing operation credit cost must be positive")
	errPricingInvalidPoll   = errors.New("pricing operation poll interval must be positive")
	errPricingInvalidCeil   = errors.New("pricing operation max attempts must be positive")
	errPricingMissingModel  = errors.New("pricing operation model is required")
	errPricingDuplicateTags = errors.New("pricing operations contain duplicate feature tags")
)

func validatePricingConfig(cfg PricingConfig) error {
	if len(cfg.Operations) == 0 {
		return errPricingNoOperations
	}
	seen := make(map[string]struct{}, len(cfg.Operations))
	for _, op := range cfg.Operations {
		feature := strings.ToLower(strings.TrimSpace(op.Feature))
		if _, dup := seen[feature]; dup {
			return errPricingDuplicateTags
		}
		seen[feature] = struct{}{}
		if strings.TrimSpace(op.Model) == "" {
			return errPricingMissingModel
		}
		if op.CreditCost <= 0 {
			return errPricingInvalidCost
		}
		if op.PollSeconds <= 0 {
			return errPricingInvalidPoll
		}
		if op.MaxAttempts <= 0 {
			return errPricingInvalidCeil
		}
	}
	return nil
}
