package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Dhoini/license-service/internal/domain"
	"github.com/Dhoini/license-service/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestDeviceRegistry_TrialLimitScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.provision(t, "user-1")

	a := f.verify(t, "user-1", fingerprint("A"))
	require.Equal(t, domain.LicenseValid, a.Status)

	b := f.verify(t, "user-1", fingerprint("B"))
	require.Equal(t, domain.LicenseDeviceLimitExceeded, b.Status)
	require.Len(t, b.ActiveDevices, 1)
	assert.Equal(t, a.DeviceID, b.ActiveDevices[0].DeviceID)

	require.NoError(t, f.registry.RemoveDevice(ctx, "user-1", a.DeviceID))

	b = f.verify(t, "user-1", fingerprint("B"))
	require.Equal(t, domain.LicenseValid, b.Status)
	f.assertDeviceCount(t, "user-1", 1)
}

func TestDeviceRegistry_KnownDeviceUpdatesLastSeen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.provision(t, "user-1")

	first, err := f.registry.VerifyOrRegister(ctx, "user-1", fingerprint("A"), domain.DeviceMeta{Name: "old"})
	require.NoError(t, err)
	require.Equal(t, domain.DeviceRegistered, first.Kind)

	f.clock.Advance(time.Hour)
	again, err := f.registry.VerifyOrRegister(ctx, "user-1", fingerprint("A"), domain.DeviceMeta{Name: "new"})
	require.NoError(t, err)
	assert.Equal(t, domain.DeviceKnown, again.Kind)
	assert.Equal(t, "new", again.Device.Name)
	assert.True(t, again.Device.LastSeen.After(first.Device.LastSeen))
	assert.Equal(t, first.Device.FirstSeen, again.Device.FirstSeen)
	f.assertDeviceCount(t, "user-1", 1)
}

func TestDeviceRegistry_RejectsBadFingerprint(t *testing.T) {
	f := newFixture(t)
	f.provision(t, "user-1")

	for _, fp := range []string{"", "short", string(make([]byte, 600)), "has space has space has space has space"} {
		_, err := f.registry.VerifyOrRegister(context.Background(), "user-1", fp, domain.DeviceMeta{})
		assert.ErrorIs(t, err, domain.ErrInvalidArgument, "fingerprint %q", fp)
	}
}

func TestDeviceRegistry_ConflictNeverRegisters(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		f := newFixture(t)
		ctx := context.Background()
		f.provision(t, "owner")
		f.provision(t, "intruder")
		f.setTier(t, "intruder", domain.TierEnterprise)

		fp := fingerprint(rapid.StringMatching(`[a-z0-9]{4,12}`).Draw(rt, "fp"))
		owned, err := f.registry.VerifyOrRegister(ctx, "owner", fp, domain.DeviceMeta{})
		require.NoError(rt, err)
		require.True(rt, owned.Ok())

		attempts := rapid.IntRange(1, 5).Draw(rt, "attempts")
		for i := 0; i < attempts; i++ {
			d, err := f.registry.VerifyOrRegister(ctx, "intruder", fp, domain.DeviceMeta{})
			require.NoError(rt, err)
			require.Equal(rt, domain.DeviceConflict, d.Kind)
			require.Nil(rt, d.Device, "owner's device must not be disclosed")
		}

		devices, err := f.store.ListDevices(ctx, "intruder")
		require.NoError(rt, err)
		require.Empty(rt, devices)
	})
}

func TestDeviceRegistry_ConcurrentRegistrationRespectsLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.provision(t, "user-1")
	f.setTier(t, "user-1", domain.TierPro)

	const workers = 20
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		registered int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := f.registry.VerifyOrRegister(ctx, "user-1", fingerprint(fmt.Sprintf("dev%02d", i)), domain.DeviceMeta{})
			assert.NoError(t, err)
			if d.Kind == domain.DeviceRegistered {
				mu.Lock()
				registered++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 3, registered)
	f.assertDeviceCount(t, "user-1", 3)
}

func TestDeviceRegistry_CountInvariantUnderMixedOperations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.provision(t, "user-1")
	f.setTier(t, "user-1", domain.TierBasic)

	ids := make([]string, 6)
	for i := range ids {
		ids[i], _ = f.registry.DeviceID(fingerprint(fmt.Sprintf("mix%d", i)))
	}

	var wg sync.WaitGroup
	for round := 0; round < 5; round++ {
		for i := range ids {
			wg.Add(2)
			go func(i int) {
				defer wg.Done()
				_, _ = f.registry.VerifyOrRegister(ctx, "user-1", fingerprint(fmt.Sprintf("mix%d", i)), domain.DeviceMeta{})
			}(i)
			go func(i int) {
				defer wg.Done()
				if err := f.registry.RemoveDevice(ctx, "user-1", ids[i]); err == nil {
					_, _ = f.registry.ReactivateDevice(ctx, "user-1", ids[i])
				}
			}(i)
		}
	}
	wg.Wait()

	sub, err := f.store.GetSubscription(ctx, "user-1")
	require.NoError(t, err)
	assert.LessOrEqual(t, sub.ActiveDeviceCount, 2)
	f.assertDeviceCount(t, "user-1", sub.ActiveDeviceCount)
}

func TestDeviceRegistry_RemoveDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.provision(t, "user-1")
	f.provision(t, "user-2")

	d, err := f.registry.VerifyOrRegister(ctx, "user-1", fingerprint("A"), domain.DeviceMeta{})
	require.NoError(t, err)

	err = f.registry.RemoveDevice(ctx, "user-2", d.Device.ID)
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)
	assert.NotContains(t, err.Error(), "user-1")

	err = f.registry.RemoveDevice(ctx, "user-1", "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, f.registry.RemoveDevice(ctx, "user-1", d.Device.ID))
	f.assertDeviceCount(t, "user-1", 0)

	// повторное удаление снова отзывает сессии, но счетчик не трогает
	require.NoError(t, f.registry.RemoveDevice(ctx, "user-1", d.Device.ID))
	f.assertDeviceCount(t, "user-1", 0)

	revs := f.revoker.Revocations()
	require.Len(t, revs, 2)
	assert.Equal(t, domain.ReasonRemovedByUser, revs[0].Reason)
	assert.Equal(t, d.Device.ID, revs[0].DeviceID)

	again, err := f.registry.VerifyOrRegister(ctx, "user-1", fingerprint("A"), domain.DeviceMeta{})
	require.NoError(t, err)
	assert.Equal(t, domain.DeviceDeactivated, again.Kind)
	assert.Equal(t, domain.ReasonRemovedByUser, again.Reason)
}

func TestDeviceRegistry_RevocationFailureIsTransient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.provision(t, "user-1")
	d, err := f.registry.VerifyOrRegister(ctx, "user-1", fingerprint("A"), domain.DeviceMeta{})
	require.NoError(t, err)

	f.revoker.err = assert.AnError
	err = f.registry.RemoveDevice(ctx, "user-1", d.Device.ID)
	assert.ErrorIs(t, err, domain.ErrTransient)
	f.assertDeviceCount(t, "user-1", 0)
}

func TestDeviceRegistry_ForceLogoutRateLimited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.provision(t, "user-1")
	f.setTier(t, "user-1", domain.TierEnterprise)

	d, err := f.registry.VerifyOrRegister(ctx, "user-1", fingerprint("A"), domain.DeviceMeta{})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, f.registry.ForceLogout(ctx, "user-1", d.Device.ID))
	}
	err = f.registry.ForceLogout(ctx, "user-1", d.Device.ID)
	require.ErrorIs(t, err, domain.ErrRateLimited)

	var rlErr *domain.RateLimitError
	require.ErrorAs(t, err, &rlErr)
	assert.Positive(t, rlErr.RetryAfter)

	revs := f.revoker.Revocations()
	assert.Equal(t, domain.ReasonRemoteLogout, revs[0].Reason)
}

func TestDeviceRegistry_ReactivateRespectsLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.provision(t, "user-1")

	a, err := f.registry.VerifyOrRegister(ctx, "user-1", fingerprint("A"), domain.DeviceMeta{})
	require.NoError(t, err)
	require.NoError(t, f.registry.RemoveDevice(ctx, "user-1", a.Device.ID))
	_, err = f.registry.VerifyOrRegister(ctx, "user-1", fingerprint("B"), domain.DeviceMeta{})
	require.NoError(t, err)

	d, err := f.registry.ReactivateDevice(ctx, "user-1", a.Device.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeviceLimitExceeded, d.Kind)
	require.Len(t, d.ActiveDevices, 1)

	f.setTier(t, "user-1", domain.TierBasic)
	d, err = f.registry.ReactivateDevice(ctx, "user-1", a.Device.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeviceRegistered, d.Kind)
	assert.Empty(t, d.Device.DeactivationReason)
	f.assertDeviceCount(t, "user-1", 2)
}

func TestDeviceRegistry_HealsCorruptedCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.provision(t, "user-1")
	f.setTier(t, "user-1", domain.TierPro)

	_, err := f.registry.VerifyOrRegister(ctx, "user-1", fingerprint("A"), domain.DeviceMeta{})
	require.NoError(t, err)

	require.NoError(t, f.store.Atomic(ctx, func(ctx context.Context, tx repository.Tx) error {
		sub, err := tx.GetSubscriptionForUpdate(ctx, "user-1")
		if err != nil {
			return err
		}
		sub.ActiveDeviceCount = 3
		return tx.UpdateSubscription(ctx, sub)
	}))

	d, err := f.registry.VerifyOrRegister(ctx, "user-1", fingerprint("B"), domain.DeviceMeta{})
	require.NoError(t, err)
	assert.Equal(t, domain.DeviceRegistered, d.Kind)
	f.assertDeviceCount(t, "user-1", 2)
}

func TestDeviceRegistry_UnlimitedDevices(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.provision(t, "user-1")
	f.setTier(t, "user-1", domain.TierEnterprise)

	for i := 0; i < 12; i++ {
		d, err := f.registry.VerifyOrRegister(ctx, "user-1", fingerprint(fmt.Sprintf("ent%02d", i)), domain.DeviceMeta{})
		require.NoError(t, err)
		require.Equal(t, domain.DeviceRegistered, d.Kind)
	}
	f.assertDeviceCount(t, "user-1", 12)
}
