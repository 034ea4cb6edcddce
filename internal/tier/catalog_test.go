package tier

import (
	"testing"

	"github.com/Dhoini/license-service/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalog_AllTiersResolve(t *testing.T) {
	c := DefaultCatalog()
	for _, tr := range domain.Tiers {
		cfg, err := c.Config(tr)
		require.NoError(t, err, tr)
		for _, m := range domain.UsageMetrics {
			_, ok := cfg.UsageLimits[m]
			assert.True(t, ok, "tier %s missing limit %s", tr, m)
		}
	}
}

func TestCatalog_UnknownTier(t *testing.T) {
	_, err := DefaultCatalog().Config("platinum")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestCatalog_ReturnsCopies(t *testing.T) {
	c := DefaultCatalog()
	cfg, err := c.Config(domain.TierPro)
	require.NoError(t, err)
	cfg.Features[0] = "tampered"
	cfg.UsageLimits[domain.MetricExports] = 0

	again, err := c.Config(domain.TierPro)
	require.NoError(t, err)
	assert.NotContains(t, again.Features, "tampered")
	assert.Equal(t, int64(500), again.UsageLimits[domain.MetricExports])
}

func TestNewCatalog_Overrides(t *testing.T) {
	tests := []struct {
		name      string
		overrides map[string]Config
		wantErr   bool
	}{
		{
			name: "valid override",
			overrides: map[string]Config{"trial": {
				MaxDevices: 0,
				Features:   []string{FeatureTTS, FeatureTTS},
				UsageLimits: domain.UsageCounters{
					domain.MetricExports: 1, domain.MetricTTSMinutes: 1, domain.MetricAIGenerations: 0,
				},
			}},
		},
		{
			name:      "unknown tier",
			overrides: map[string]Config{"gold": {MaxDevices: 1}},
			wantErr:   true,
		},
		{
			name: "missing limit",
			overrides: map[string]Config{"basic": {
				MaxDevices:  1,
				UsageLimits: domain.UsageCounters{domain.MetricExports: 1},
			}},
			wantErr: true,
		},
		{
			name: "bad device limit",
			overrides: map[string]Config{"basic": {
				MaxDevices: -2,
				UsageLimits: domain.UsageCounters{
					domain.MetricExports: 1, domain.MetricTTSMinutes: 1, domain.MetricAIGenerations: 1,
				},
			}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewCatalog(tt.overrides)
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrInvalidArgument)
				return
			}
			require.NoError(t, err)
			cfg, err := c.Config(domain.TierTrial)
			require.NoError(t, err)
			assert.Equal(t, 0, cfg.MaxDevices)
			assert.Equal(t, []string{FeatureTTS}, cfg.Features)
		})
	}
}

func TestCatalog_Apply(t *testing.T) {
	sub := &domain.Subscription{Tier: domain.TierTrial}
	require.NoError(t, DefaultCatalog().Apply(sub, domain.TierEnterprise))
	assert.Equal(t, domain.TierEnterprise, sub.Tier)
	assert.Equal(t, domain.UnlimitedDevices, sub.MaxDevices)
	assert.Contains(t, sub.Features, FeatureTeamWorkspace)
}
