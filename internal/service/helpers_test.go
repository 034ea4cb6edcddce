package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Dhoini/license-service/internal/domain"
	"github.com/Dhoini/license-service/internal/ratelimit"
	"github.com/Dhoini/license-service/internal/repository"
	"github.com/Dhoini/license-service/internal/repository/memory"
	"github.com/Dhoini/license-service/internal/tier"
	"github.com/Dhoini/license-service/internal/token"
	"github.com/Dhoini/license-service/pkg/logger"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type recordingRevoker struct {
	mu   sync.Mutex
	revs []domain.SessionRevocation
	err  error
}

func (r *recordingRevoker) RevokeDeviceSessions(_ context.Context, rev domain.SessionRevocation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.revs = append(r.revs, rev)
	return nil
}

func (r *recordingRevoker) Revocations() []domain.SessionRevocation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.SessionRevocation(nil), r.revs...)
}

type recordingPublisher struct {
	mu      sync.Mutex
	changes []domain.EntitlementChange
}

func (p *recordingPublisher) PublishEntitlementChange(_ context.Context, c domain.EntitlementChange) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, c)
	return nil
}

func (p *recordingPublisher) Changes() []domain.EntitlementChange {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.EntitlementChange(nil), p.changes...)
}

type fixture struct {
	store     *memory.Store
	clock     *fakeClock
	revoker   *recordingRevoker
	publisher *recordingPublisher
	issuer    *token.Issuer
	ledger    *SubscriptionLedger
	registry  *DeviceRegistry
	processor *EventProcessor
	verifier  *LicenseVerifier
	usage     *UsageTracker
}

var testURLs = RemediationURLs{
	Upgrade:       "https://app.example.com/upgrade",
	Resubscribe:   "https://app.example.com/resubscribe",
	Renew:         "https://app.example.com/renew",
	UpdatePayment: "https://app.example.com/billing",
	ManageDevices: "https://app.example.com/devices",
	Support:       "https://app.example.com/support",
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureOn(t, nil)
}

// newFixtureOn собирает сервисы поверх обертки над memory хранилищем
func newFixtureOn(t *testing.T, wrap func(*memory.Store) repository.Store) *fixture {
	t.Helper()

	log := logger.NewNop()
	f := &fixture{
		store:     memory.NewStore(),
		clock:     &fakeClock{now: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)},
		revoker:   &recordingRevoker{},
		publisher: &recordingPublisher{},
	}
	opts := []Option{WithClock(f.clock.Now)}

	hasher, err := NewFingerprintHasher([]byte("fingerprint-test-key-0123456789"))
	require.NoError(t, err)
	f.issuer, err = token.NewIssuer([]byte("license-signing-key-0123456789abcdef"), token.DefaultTTL, "license-service")
	require.NoError(t, err)

	var store repository.Store = f.store
	if wrap != nil {
		store = wrap(f.store)
	}

	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(), ratelimit.DefaultRules(), log, ratelimit.WithClock(f.clock.Now))

	f.ledger = NewSubscriptionLedger(store, tier.DefaultCatalog(), 14*24*time.Hour, f.revoker, f.publisher, log, opts...)
	f.registry = NewDeviceRegistry(store, hasher, limiter, f.revoker, log, opts...)
	f.processor = NewEventProcessor(store, f.ledger, log, opts...)
	f.verifier = NewLicenseVerifier(limiter, f.ledger, f.registry, f.issuer, testURLs, log, opts...)
	f.usage = NewUsageTracker(store, f.ledger, log, opts...)
	return f
}

func (f *fixture) provision(t *testing.T, userID string) *domain.Subscription {
	t.Helper()
	sub, _, err := f.ledger.Provision(context.Background(), domain.Identity{UserID: userID, Email: userID + "@example.com"})
	require.NoError(t, err)
	return sub
}

func (f *fixture) setTier(t *testing.T, userID string, tr domain.Tier) {
	t.Helper()
	_, err := f.ledger.ApplyTierChange(context.Background(), userID, tr, nil, "")
	require.NoError(t, err)
}

func (f *fixture) verify(t *testing.T, userID, fingerprint string) domain.LicenseDecision {
	t.Helper()
	d, err := f.verifier.Verify(context.Background(), VerifyRequest{
		Identity:      domain.Identity{UserID: userID},
		Fingerprint:   fingerprint,
		Device:        domain.DeviceMeta{Name: "laptop", Platform: "macos"},
		ClientVersion: "2.4.1",
	})
	require.NoError(t, err)
	return d
}

// assertDeviceCount проверяет, что счетчик совпадает с числом активных устройств
func (f *fixture) assertDeviceCount(t *testing.T, userID string, want int) {
	t.Helper()
	sub, err := f.store.GetSubscription(context.Background(), userID)
	require.NoError(t, err)
	devices, err := f.store.ListDevices(context.Background(), userID)
	require.NoError(t, err)
	active := 0
	for _, d := range devices {
		if d.IsActive {
			active++
		}
	}
	require.Equal(t, active, sub.ActiveDeviceCount, "stored count must match active devices")
	require.Equal(t, want, active)
}

func fingerprint(name string) string {
	return name + "-" + strings.Repeat("f0e1d2c3", 5)
}
