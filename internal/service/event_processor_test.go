package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Dhoini/license-service/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func lifetimeCheckout(id, userID string) domain.PaymentEvent {
	return domain.PaymentEvent{
		ID:         id,
		Type:       domain.EventCheckoutCompleted,
		RawType:    "checkout.session.completed",
		UserID:     userID,
		CustomerID: "cus_" + userID,
		Tier:       domain.TierLifetime,
		Mode:       domain.CheckoutOneTime,
		Amount:     9900,
	}
}

func TestEventProcessor_DuplicateLifetimeCheckout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.provision(t, "user-1")

	ev := lifetimeCheckout("evt_1", "user-1")
	res, err := f.processor.Process(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, ResultApplied, res)

	res, err = f.processor.Process(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, ResultDuplicate, res)

	sub, err := f.ledger.GetWithHistory(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TierLifetime, sub.Tier)
	assert.Equal(t, domain.StatusActive, sub.Status)
	assert.Nil(t, sub.CurrentPeriodEnd)
	assert.Nil(t, sub.TrialEndsAt)
	assert.Equal(t, "cus_user-1", sub.ProviderCustomerID)

	require.Len(t, sub.History, 2)
	assert.Equal(t, CauseProvisioned, sub.History[0].Cause)
	assert.Equal(t, "evt_1", sub.History[1].EventID)

	rec, err := f.store.GetWebhookEvent(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookCompleted, rec.Status)
}

func TestEventProcessor_PastDueRecovery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.provision(t, "user-1")

	end := f.clock.Now().Add(30 * 24 * time.Hour)
	_, err := f.processor.Process(ctx, domain.PaymentEvent{
		ID: "evt_created", Type: domain.EventSubscriptionCreated, UserID: "user-1", CustomerID: "cus_1",
		ProviderSub: "sub_1", Tier: domain.TierPro, Created: f.clock.Now(),
		Period: domain.Period{Start: domain.TimePtr(f.clock.Now()), End: &end},
	})
	require.NoError(t, err)

	_, err = f.processor.Process(ctx, domain.PaymentEvent{ID: "evt_failed", Type: domain.EventInvoicePaymentFailed, CustomerID: "cus_1"})
	require.NoError(t, err)

	sub, err := f.ledger.Current(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPastDue, sub.Status)
	assert.False(t, domain.IsActive(sub, f.clock.Now()))

	nextEnd := end.Add(30 * 24 * time.Hour)
	_, err = f.processor.Process(ctx, domain.PaymentEvent{
		ID: "evt_paid", Type: domain.EventInvoicePaymentSucceeded, CustomerID: "cus_1",
		Period: domain.Period{Start: &end, End: &nextEnd},
	})
	require.NoError(t, err)

	sub, err = f.ledger.GetWithHistory(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, sub.Status)
	assert.True(t, sub.CurrentPeriodEnd.Equal(nextEnd))

	var statuses []domain.SubscriptionStatus
	for _, h := range sub.History {
		statuses = append(statuses, h.ToStatus)
	}
	assert.Equal(t, []domain.SubscriptionStatus{
		domain.StatusActive, domain.StatusActive, domain.StatusPastDue, domain.StatusActive,
	}, statuses)
}

func TestEventProcessor_ConcurrentRedeliveryAppliesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.provision(t, "user-1")

	ev := lifetimeCheckout("evt_race", "user-1")
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.processor.Process(ctx, ev)
			assert.NoError(t, err)
			if res == ResultApplied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	hist, err := f.ledger.History(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, hist, 2)
}

// Любая последовательность повторных доставок сходится к тому же
// состоянию, что и однократная доставка каждого события.
func TestEventProcessor_RedeliveryConverges(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
		end := base.Add(30 * 24 * time.Hour)
		events := []domain.PaymentEvent{
			{ID: "e1", Type: domain.EventSubscriptionCreated, UserID: "u", CustomerID: "cus_u", Tier: domain.TierBasic,
				Created: base, Period: domain.Period{Start: &base, End: &end}},
			{ID: "e2", Type: domain.EventInvoicePaymentFailed, CustomerID: "cus_u"},
			{ID: "e3", Type: domain.EventInvoicePaymentSucceeded, CustomerID: "cus_u"},
			{ID: "e4", Type: domain.EventSubscriptionUpdated, UserID: "u", Tier: domain.TierPro, ProviderStatus: "active",
				Created: base.Add(time.Hour)},
		}

		once := newFixture(t)
		once.provision(t, "u")
		for _, ev := range events {
			_, err := once.processor.Process(context.Background(), ev)
			require.NoError(rt, err)
		}

		many := newFixture(t)
		many.provision(t, "u")
		for _, ev := range events {
			n := rapid.IntRange(1, 4).Draw(rt, "deliveries_"+ev.ID)
			for i := 0; i < n; i++ {
				_, err := many.processor.Process(context.Background(), ev)
				require.NoError(rt, err)
			}
		}

		want, err := once.ledger.GetWithHistory(context.Background(), "u")
		require.NoError(rt, err)
		got, err := many.ledger.GetWithHistory(context.Background(), "u")
		require.NoError(rt, err)

		require.Equal(rt, want.Tier, got.Tier)
		require.Equal(rt, want.Status, got.Status)
		require.Equal(rt, want.MaxDevices, got.MaxDevices)
		require.Equal(rt, len(want.History), len(got.History))
	})
}

func TestEventProcessor_FailedEventCanBeRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.provision(t, "user-1")

	ev := domain.PaymentEvent{ID: "evt_early", Type: domain.EventInvoicePaymentFailed, CustomerID: "cus_late"}
	res, err := f.processor.Process(ctx, ev)
	require.Error(t, err)
	assert.True(t, domain.IsRetryable(err))
	assert.Equal(t, ResultFailed, res)

	rec, err := f.store.GetWebhookEvent(ctx, "evt_early")
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookFailed, rec.Status)
	assert.NotEmpty(t, rec.LastError)

	// связь с клиентом приходит позже
	_, err = f.processor.Process(ctx, domain.PaymentEvent{
		ID: "evt_link", Type: domain.EventCheckoutCompleted, Mode: domain.CheckoutRecurring,
		UserID: "user-1", CustomerID: "cus_late",
	})
	require.NoError(t, err)

	res, err = f.processor.Process(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, ResultApplied, res)

	sub, err := f.ledger.Current(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPastDue, sub.Status)

	rec, err = f.store.GetWebhookEvent(ctx, "evt_early")
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookCompleted, rec.Status)
	assert.Equal(t, 2, rec.Attempts)
}

func TestEventProcessor_TransitionErrorRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.provision(t, "user-1")

	_, err := f.processor.Process(ctx, domain.PaymentEvent{
		ID: "evt_bad", Type: domain.EventSubscriptionCreated, UserID: "user-1", CustomerID: "cus_1",
	})
	require.Error(t, err)
	assert.True(t, domain.IsRetryable(err))

	sub, err := f.ledger.Current(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, sub.ProviderCustomerID, "partial changes must not persist")
	assert.Equal(t, domain.TierTrial, sub.Tier)
}

func TestEventProcessor_FullRefundRevokesAccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.provision(t, "user-1")
	_, err := f.processor.Process(ctx, lifetimeCheckout("evt_buy", "user-1"))
	require.NoError(t, err)

	for _, name := range []string{"A", "B"} {
		d := f.verify(t, "user-1", fingerprint(name))
		require.Equal(t, domain.LicenseValid, d.Status)
	}

	_, err = f.processor.Process(ctx, domain.PaymentEvent{
		ID: "evt_partial", Type: domain.EventChargeRefunded, CustomerID: "cus_user-1", Amount: 9900, AmountRefunded: 1000,
	})
	require.NoError(t, err)
	f.assertDeviceCount(t, "user-1", 2)

	res, err := f.processor.Process(ctx, domain.PaymentEvent{
		ID: "evt_refund", Type: domain.EventChargeRefunded, CustomerID: "cus_user-1", Amount: 9900, AmountRefunded: 9900,
	})
	require.NoError(t, err)
	assert.Equal(t, ResultApplied, res)

	sub, err := f.ledger.Current(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRefunded, sub.Status)
	assert.Equal(t, domain.TierTrial, sub.Tier)
	assert.False(t, domain.IsActive(sub, f.clock.Now()))
	f.assertDeviceCount(t, "user-1", 0)

	revs := f.revoker.Revocations()
	require.Len(t, revs, 2)
	for _, r := range revs {
		assert.Equal(t, domain.ReasonRefundRevocation, r.Reason)
	}

	d := f.verify(t, "user-1", fingerprint("A"))
	assert.Equal(t, domain.LicenseExpired, d.Status)
	assert.Equal(t, domain.ActionRenew, d.Remediation.Action)

	// возврат не отменяется обновлением подписки
	_, err = f.processor.Process(ctx, domain.PaymentEvent{
		ID: "evt_upd", Type: domain.EventSubscriptionUpdated, CustomerID: "cus_user-1", ProviderStatus: "active",
	})
	require.NoError(t, err)
	sub, err = f.ledger.Current(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRefunded, sub.Status)
}

func TestEventProcessor_SubscriptionUpdated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.provision(t, "user-1")

	created := f.clock.Now()
	end := created.Add(30 * 24 * time.Hour)
	_, err := f.processor.Process(ctx, domain.PaymentEvent{
		ID: "evt_c", Type: domain.EventSubscriptionCreated, UserID: "user-1", CustomerID: "cus_1",
		Tier: domain.TierPro, Created: created, Period: domain.Period{Start: &created, End: &end},
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		f.clock.Advance(time.Minute)
		d := f.verify(t, "user-1", fingerprint(fmt.Sprintf("up%d", i)))
		require.Equal(t, domain.LicenseValid, d.Status)
	}
	oldest, err := f.registry.DeviceID(fingerprint("up0"))
	require.NoError(t, err)

	t.Run("downgrade evicts least recently seen", func(t *testing.T) {
		_, err := f.processor.Process(ctx, domain.PaymentEvent{
			ID: "evt_down", Type: domain.EventSubscriptionUpdated, CustomerID: "cus_1",
			Tier: domain.TierBasic, ProviderStatus: "active", Created: created.Add(time.Hour),
		})
		require.NoError(t, err)

		f.assertDeviceCount(t, "user-1", 2)
		revs := f.revoker.Revocations()
		require.Len(t, revs, 1)
		assert.Equal(t, oldest, revs[0].DeviceID)
		assert.Equal(t, domain.ReasonLimitEviction, revs[0].Reason)
	})

	t.Run("stale snapshot ignored", func(t *testing.T) {
		res, err := f.processor.Process(ctx, domain.PaymentEvent{
			ID: "evt_old", Type: domain.EventSubscriptionUpdated, CustomerID: "cus_1",
			Tier: domain.TierPro, ProviderStatus: "past_due", Created: created.Add(30 * time.Minute),
		})
		require.NoError(t, err)
		assert.Equal(t, ResultIgnored, res)

		sub, err := f.ledger.Current(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, domain.TierBasic, sub.Tier)
		assert.Equal(t, domain.StatusActive, sub.Status)
	})

	t.Run("cancel at period end keeps access", func(t *testing.T) {
		_, err := f.processor.Process(ctx, domain.PaymentEvent{
			ID: "evt_cancel", Type: domain.EventSubscriptionUpdated, CustomerID: "cus_1",
			ProviderStatus: "active", CancelAtPeriodEnd: true, Created: created.Add(2 * time.Hour),
		})
		require.NoError(t, err)

		sub, err := f.ledger.Current(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCancelled, sub.Status)
		assert.True(t, domain.IsActive(sub, f.clock.Now()))
		assert.False(t, domain.IsActive(sub, end.Add(time.Nanosecond)))
	})
}

func TestEventProcessor_SubscriptionCancelledRetainsPeriod(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.provision(t, "user-1")

	now := f.clock.Now()
	end := now.Add(10 * 24 * time.Hour)
	_, err := f.processor.Process(ctx, domain.PaymentEvent{
		ID: "evt_c", Type: domain.EventSubscriptionCreated, UserID: "user-1", CustomerID: "cus_1",
		Tier: domain.TierBasic, Created: now, Period: domain.Period{Start: &now, End: &end},
	})
	require.NoError(t, err)

	_, err = f.processor.Process(ctx, domain.PaymentEvent{
		ID: "evt_x", Type: domain.EventSubscriptionCancelled, CustomerID: "cus_1", Created: now.Add(time.Minute),
	})
	require.NoError(t, err)

	d := f.verify(t, "user-1", fingerprint("A"))
	assert.Equal(t, domain.LicenseValid, d.Status)

	f.clock.Set(end.Add(time.Second))
	d = f.verify(t, "user-1", fingerprint("A"))
	assert.Equal(t, domain.LicenseCancelled, d.Status)
	assert.Equal(t, testURLs.Resubscribe, d.Remediation.URL)
}

func TestEventProcessor_IgnoresEventsOfReplacedSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.provision(t, "user-1")

	now := f.clock.Now()
	end := now.Add(30 * 24 * time.Hour)
	_, err := f.processor.Process(ctx, domain.PaymentEvent{
		ID: "evt_c", Type: domain.EventSubscriptionCreated, UserID: "user-1", CustomerID: "cus_user-1",
		ProviderSub: "sub_1", Tier: domain.TierPro, Created: now, Period: domain.Period{Start: &now, End: &end},
	})
	require.NoError(t, err)

	t.Run("other subscription of the same customer", func(t *testing.T) {
		res, err := f.processor.Process(ctx, domain.PaymentEvent{
			ID: "evt_other", Type: domain.EventInvoicePaymentFailed, CustomerID: "cus_user-1", ProviderSub: "sub_2",
		})
		require.NoError(t, err)
		assert.Equal(t, ResultIgnored, res)

		sub, err := f.ledger.Current(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusActive, sub.Status)
		assert.Equal(t, "sub_1", sub.ProviderSubscriptionID)
	})

	_, err = f.processor.Process(ctx, lifetimeCheckout("evt_life", "user-1"))
	require.NoError(t, err)

	events := []domain.PaymentEvent{
		{ID: "evt_x", Type: domain.EventSubscriptionCancelled, CustomerID: "cus_user-1", ProviderSub: "sub_1",
			Created: now.Add(time.Minute), Period: domain.Period{End: &end}},
		{ID: "evt_fail", Type: domain.EventInvoicePaymentFailed, CustomerID: "cus_user-1", ProviderSub: "sub_1"},
		{ID: "evt_upd", Type: domain.EventSubscriptionUpdated, CustomerID: "cus_user-1", ProviderSub: "sub_1",
			Tier: domain.TierBasic, ProviderStatus: "active", Created: now.Add(2 * time.Minute)},
	}
	for _, ev := range events {
		res, err := f.processor.Process(ctx, ev)
		require.NoError(t, err, ev.ID)
		assert.Equal(t, ResultIgnored, res, ev.ID)
	}

	sub, err := f.ledger.Current(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TierLifetime, sub.Tier)
	assert.Equal(t, domain.StatusActive, sub.Status)
	assert.Nil(t, sub.CurrentPeriodEnd)
	assert.True(t, domain.IsActive(sub, end.Add(365*24*time.Hour)))
}

func TestEventProcessor_IgnoredEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.provision(t, "user-1")

	tests := []struct {
		name string
		ev   domain.PaymentEvent
	}{
		{"unknown type", domain.PaymentEvent{ID: "evt_u", Type: domain.EventUnknown, RawType: "customer.tax_id.created"}},
		{"removed account", lifetimeCheckout("evt_gone", "ghost")},
		{"recurring checkout without user", domain.PaymentEvent{ID: "evt_r", Type: domain.EventCheckoutCompleted, Mode: domain.CheckoutRecurring, CustomerID: "cus_x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := f.processor.Process(ctx, tt.ev)
			require.NoError(t, err)
			assert.Equal(t, ResultIgnored, res)

			rec, err := f.store.GetWebhookEvent(ctx, tt.ev.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.WebhookCompleted, rec.Status)
		})
	}

	_, err := f.processor.Process(ctx, domain.PaymentEvent{Type: domain.EventUnknown})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestMapProviderStatus(t *testing.T) {
	tests := []struct {
		status string
		cancel bool
		want   domain.SubscriptionStatus
		ok     bool
	}{
		{"active", false, domain.StatusActive, true},
		{"trialing", false, domain.StatusActive, true},
		{"active", true, domain.StatusCancelled, true},
		{"past_due", false, domain.StatusPastDue, true},
		{"unpaid", false, domain.StatusPastDue, true},
		{"canceled", false, domain.StatusCancelled, true},
		{"incomplete_expired", false, domain.StatusExpired, true},
		{"incomplete", false, "", false},
	}
	for _, tt := range tests {
		got, ok := mapProviderStatus(tt.status, tt.cancel)
		assert.Equal(t, tt.want, got, tt.status)
		assert.Equal(t, tt.ok, ok, tt.status)
	}
}
