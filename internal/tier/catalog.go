package tier

import (
	"fmt"
	"sort"

	"github.com/Dhoini/license-service/internal/domain"
)

// Функции продукта, которые включаются тарифом
const (
	FeatureHDExport      = "export_hd"
	Feature4KExport      = "export_4k"
	FeatureTTS           = "tts"
	FeatureAIGeneration  = "ai_generation"
	FeatureNoWatermark   = "no_watermark"
	FeatureTeamWorkspace = "team_workspace"
	FeaturePriority      = "priority_support"
)

// Config набор ограничений и функций тарифа
type Config struct {
	MaxDevices  int                  `mapstructure:"max_devices"`
	Features    []string             `mapstructure:"features"`
	UsageLimits domain.UsageCounters `mapstructure:"usage_limits"`
}

func (c Config) clone() Config {
	return Config{
		MaxDevices:  c.MaxDevices,
		Features:    append([]string(nil), c.Features...),
		UsageLimits: c.UsageLimits.Clone(),
	}
}

// Catalog неизменяемая таблица тарифов. Создается один раз при старте
// и передается в конструкторы явно.
type Catalog struct {
	tiers map[domain.Tier]Config
}

func defaults() map[domain.Tier]Config {
	return map[domain.Tier]Config{
		domain.TierTrial: {
			MaxDevices: 1,
			Features:   []string{FeatureHDExport, FeatureTTS},
			UsageLimits: domain.UsageCounters{
				domain.MetricExports:       5,
				domain.MetricTTSMinutes:    10,
				domain.MetricAIGenerations: 0,
			},
		},
		domain.TierBasic: {
			MaxDevices: 2,
			Features:   []string{FeatureHDExport, FeatureTTS, FeatureNoWatermark},
			UsageLimits: domain.UsageCounters{
				domain.MetricExports:       50,
				domain.MetricTTSMinutes:    60,
				domain.MetricAIGenerations: 0,
			},
		},
		domain.TierPro: {
			MaxDevices: 3,
			Features:   []string{FeatureHDExport, Feature4KExport, FeatureTTS, FeatureAIGeneration, FeatureNoWatermark},
			UsageLimits: domain.UsageCounters{
				domain.MetricExports:       500,
				domain.MetricTTSMinutes:    300,
				domain.MetricAIGenerations: 1000,
			},
		},
		domain.TierEnterprise: {
			MaxDevices: domain.UnlimitedDevices,
			Features: []string{FeatureHDExport, Feature4KExport, FeatureTTS, FeatureAIGeneration,
				FeatureNoWatermark, FeatureTeamWorkspace, FeaturePriority},
			UsageLimits: domain.UsageCounters{
				domain.MetricExports:       -1,
				domain.MetricTTSMinutes:    -1,
				domain.MetricAIGenerations: -1,
			},
		},
		domain.TierLifetime: {
			MaxDevices: 2,
			Features:   []string{FeatureHDExport, Feature4KExport, FeatureTTS, FeatureAIGeneration, FeatureNoWatermark},
			UsageLimits: domain.UsageCounters{
				domain.MetricExports:       200,
				domain.MetricTTSMinutes:    120,
				domain.MetricAIGenerations: 200,
			},
		},
	}
}

// DefaultCatalog возвращает каталог со встроенными значениями
func DefaultCatalog() *Catalog {
	c, _ := NewCatalog(nil)
	return c
}

// NewCatalog строит каталог из встроенных значений и переопределений из конфигурации.
// Переопределение заменяет тариф целиком.
func NewCatalog(overrides map[string]Config) (*Catalog, error) {
	tiers := defaults()
	for name, cfg := range overrides {
		t, err := domain.ParseTier(name)
		if err != nil {
			return nil, err
		}
		if err := validate(t, cfg); err != nil {
			return nil, err
		}
		tiers[t] = cfg.clone()
	}
	for t, cfg := range tiers {
		cfg.Features = sortedUnique(cfg.Features)
		tiers[t] = cfg
	}
	return &Catalog{tiers: tiers}, nil
}

func validate(t domain.Tier, cfg Config) error {
	if cfg.MaxDevices < domain.UnlimitedDevices {
		return fmt.Errorf("%w: tier %s: max_devices must be >= -1", domain.ErrInvalidArgument, t)
	}
	for _, m := range domain.UsageMetrics {
		if _, ok := cfg.UsageLimits[m]; !ok {
			return fmt.Errorf("%w: tier %s: missing usage limit %s", domain.ErrInvalidArgument, t, m)
		}
	}
	for m, v := range cfg.UsageLimits {
		if _, err := domain.ParseUsageMetric(string(m)); err != nil {
			return fmt.Errorf("tier %s: %w", t, err)
		}
		if v < -1 {
			return fmt.Errorf("%w: tier %s: usage limit %s must be >= -1", domain.ErrInvalidArgument, t, m)
		}
	}
	return nil
}

// Config возвращает копию настроек тарифа
func (c *Catalog) Config(t domain.Tier) (Config, error) {
	cfg, ok := c.tiers[t]
	if !ok {
		return Config{}, fmt.Errorf("%w: unknown tier %q", domain.ErrInvalidArgument, t)
	}
	return cfg.clone(), nil
}

// Apply переписывает денормализованные поля подписки из каталога
func (c *Catalog) Apply(sub *domain.Subscription, t domain.Tier) error {
	cfg, err := c.Config(t)
	if err != nil {
		return err
	}
	sub.Tier = t
	sub.MaxDevices = cfg.MaxDevices
	sub.Features = cfg.Features
	sub.UsageLimits = cfg.UsageLimits
	return nil
}

func sortedUnique(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, f := range in {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}
