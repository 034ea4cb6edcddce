package handler

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	licensegrpc "github.com/Dhoini/license-service/internal/api/grpc"
	"github.com/Dhoini/license-service/internal/domain"
	"github.com/Dhoini/license-service/internal/interceptors"
	"github.com/Dhoini/license-service/internal/ratelimit"
	"github.com/Dhoini/license-service/internal/repository/memory"
	"github.com/Dhoini/license-service/internal/service"
	"github.com/Dhoini/license-service/internal/tier"
	"github.com/Dhoini/license-service/internal/token"
	"github.com/Dhoini/license-service/pkg/logger"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

const identitySecret = "grpc-identity-secret"

type testEnv struct {
	client *licensegrpc.Client
	conn   *grpc.ClientConn
	ledger *service.SubscriptionLedger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := logger.NewNop()

	store := memory.NewStore()
	notifier := service.NewLogNotifier(log)
	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(), ratelimit.DefaultRules(), log)
	hasher, err := service.NewFingerprintHasher([]byte("fingerprint-test-key-0123456789"))
	require.NoError(t, err)
	issuer, err := token.NewIssuer([]byte("license-signing-key-0123456789abcdef"), token.DefaultTTL, "license-service")
	require.NoError(t, err)

	ledger := service.NewSubscriptionLedger(store, tier.DefaultCatalog(), 14*24*time.Hour, notifier, notifier, log)
	registry := service.NewDeviceRegistry(store, hasher, limiter, notifier, log)
	verifier := service.NewLicenseVerifier(limiter, ledger, registry, issuer, service.RemediationURLs{}, log)
	usage := service.NewUsageTracker(store, ledger, log)

	auth := interceptors.NewAuthInterceptor(log, token.NewHMACValidator([]byte(identitySecret), token.ValidatorOptions{}), licensegrpc.PublicMethods...)
	srv := licensegrpc.NewServer(licensegrpc.ServerConfig{}, NewLicenseHandler(verifier, registry, usage, log), auth, log)

	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	opts := licensegrpc.DefaultClientOptions()
	opts.Address = "passthrough:///bufnet"
	opts.KeepAlive = false
	opts.DialOptions = []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	}
	client, err := licensegrpc.NewClient(opts, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return &testEnv{client: client, conn: client.Conn(), ledger: ledger}
}

func identityToken(t *testing.T, userID string) string {
	t.Helper()
	s, err := token.SignIdentity([]byte(identitySecret), token.IdentityClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	require.NoError(t, err)
	return s
}

func (e *testEnv) provision(t *testing.T, userID string) {
	t.Helper()
	_, _, err := e.ledger.Provision(context.Background(), domain.Identity{UserID: userID})
	require.NoError(t, err)
}

func verifyRequest(name string) *licensegrpc.VerifyRequest {
	return &licensegrpc.VerifyRequest{
		Fingerprint:   name + "-" + strings.Repeat("9e8d7c6b", 5),
		ClientVersion: "1.0.0",
		Device:        domain.DeviceMeta{Name: name, Platform: "linux"},
	}
}

func TestVerifyOverGRPC(t *testing.T) {
	env := newTestEnv(t)
	env.provision(t, "user-1")
	tok := identityToken(t, "user-1")
	ctx := context.Background()

	resp, err := env.client.Verify(ctx, tok, verifyRequest("desk"))
	require.NoError(t, err)
	assert.Equal(t, domain.LicenseValid, resp.Decision.Status)
	assert.NotEmpty(t, resp.Decision.Token)

	devices, err := env.client.ListDevices(ctx, tok)
	require.NoError(t, err)
	require.Len(t, devices.Devices, 1)

	require.NoError(t, env.client.RemoveDevice(ctx, tok, resp.Decision.DeviceID))
	devices, err = env.client.ListDevices(ctx, tok)
	require.NoError(t, err)
	assert.False(t, devices.Devices[0].IsActive)
}

func TestVerifyWithoutSubscription(t *testing.T) {
	env := newTestEnv(t)
	resp, err := env.client.Verify(context.Background(), identityToken(t, "nobody"), verifyRequest("desk"))
	require.NoError(t, err)
	assert.Equal(t, domain.LicenseNoSubscription, resp.Decision.Status)
}

func TestStatusMapping(t *testing.T) {
	env := newTestEnv(t)
	env.provision(t, "user-1")
	env.provision(t, "user-2")
	ctx := context.Background()

	owner := identityToken(t, "user-1")
	resp, err := env.client.Verify(ctx, owner, verifyRequest("desk"))
	require.NoError(t, err)

	tests := []struct {
		name string
		call func() error
		want codes.Code
	}{
		{
			name: "missing token",
			call: func() error { _, err := env.client.ListDevices(ctx, ""); return err },
			want: codes.Unauthenticated,
		},
		{
			name: "garbage token",
			call: func() error { _, err := env.client.ListDevices(ctx, "not-a-jwt"); return err },
			want: codes.Unauthenticated,
		},
		{
			name: "bad fingerprint",
			call: func() error {
				_, err := env.client.Verify(ctx, owner, &licensegrpc.VerifyRequest{Fingerprint: "x", ClientVersion: "1.0.0"})
				return err
			},
			want: codes.InvalidArgument,
		},
		{
			name: "unknown metric",
			call: func() error {
				_, err := env.client.CheckUsage(ctx, owner, &licensegrpc.UsageRequest{Metric: "bogus"})
				return err
			},
			want: codes.InvalidArgument,
		},
		{
			name: "foreign device",
			call: func() error { return env.client.RemoveDevice(ctx, identityToken(t, "user-2"), resp.Decision.DeviceID) },
			want: codes.PermissionDenied,
		},
		{
			name: "unknown device",
			call: func() error { return env.client.RemoveDevice(ctx, owner, "missing") },
			want: codes.NotFound,
		},
		{
			name: "usage without account",
			call: func() error {
				_, err := env.client.RecordUsage(ctx, identityToken(t, "ghost"), &licensegrpc.UsageRequest{Metric: "exports", Amount: 1})
				return err
			},
			want: codes.NotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			require.Error(t, err)
			assert.Equal(t, tt.want, status.Code(err))
		})
	}
}

func TestUsageOverGRPC(t *testing.T) {
	env := newTestEnv(t)
	env.provision(t, "user-1")
	tok := identityToken(t, "user-1")
	ctx := context.Background()

	rec, err := env.client.RecordUsage(ctx, tok, &licensegrpc.UsageRequest{Metric: "exports", Amount: 5})
	require.NoError(t, err)
	assert.True(t, rec.Result.Allowed)

	check, err := env.client.CheckUsage(ctx, tok, &licensegrpc.UsageRequest{Metric: "exports"})
	require.NoError(t, err)
	assert.False(t, check.Result.Allowed)
	assert.Equal(t, int64(5), check.Result.CurrentUsage)
}

func TestHealthIsPublic(t *testing.T) {
	env := newTestEnv(t)
	resp, err := healthpb.NewHealthClient(env.conn).Check(context.Background(),
		&healthpb.HealthCheckRequest{Service: licensegrpc.ServiceName}, grpc.CallContentSubtype("proto"))
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}
