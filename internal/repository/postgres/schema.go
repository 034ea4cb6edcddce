package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
    id         TEXT PRIMARY KEY,
    email      TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS subscriptions (
    user_id                  TEXT PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
    tier                     TEXT NOT NULL,
    status                   TEXT NOT NULL,
    trial_ends_at            TIMESTAMPTZ,
    current_period_start     TIMESTAMPTZ,
    current_period_end       TIMESTAMPTZ,
    max_devices              INTEGER NOT NULL,
    active_device_count      INTEGER NOT NULL DEFAULT 0 CHECK (active_device_count >= 0),
    features                 TEXT[] NOT NULL DEFAULT '{}',
    usage_limits             JSONB NOT NULL DEFAULT '{}',
    provider_customer_id     TEXT,
    provider_subscription_id TEXT,
    last_event_at            TIMESTAMPTZ,
    created_at               TIMESTAMPTZ NOT NULL,
    updated_at               TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS subscriptions_provider_customer_idx
    ON subscriptions (provider_customer_id) WHERE provider_customer_id IS NOT NULL;

CREATE INDEX IF NOT EXISTS subscriptions_trial_expiry_idx
    ON subscriptions (trial_ends_at) WHERE status = 'active' AND trial_ends_at IS NOT NULL;

CREATE TABLE IF NOT EXISTS subscription_history (
    id          UUID PRIMARY KEY,
    user_id     TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    at          TIMESTAMPTZ NOT NULL,
    from_tier   TEXT NOT NULL DEFAULT '',
    to_tier     TEXT NOT NULL,
    from_status TEXT NOT NULL DEFAULT '',
    to_status   TEXT NOT NULL,
    cause       TEXT NOT NULL,
    event_id    TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS subscription_history_user_idx ON subscription_history (user_id, at);

CREATE TABLE IF NOT EXISTS devices (
    id                  TEXT PRIMARY KEY,
    user_id             TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    name                TEXT NOT NULL DEFAULT '',
    platform            TEXT NOT NULL DEFAULT '',
    app_version         TEXT NOT NULL DEFAULT '',
    is_active           BOOLEAN NOT NULL,
    first_seen          TIMESTAMPTZ NOT NULL,
    last_seen           TIMESTAMPTZ NOT NULL,
    deactivation_reason TEXT NOT NULL DEFAULT '',
    deactivated_at      TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS devices_user_idx ON devices (user_id, is_active);

CREATE TABLE IF NOT EXISTS webhook_events (
    event_id   TEXT PRIMARY KEY,
    event_type TEXT NOT NULL,
    status     TEXT NOT NULL,
    attempts   INTEGER NOT NULL DEFAULT 1,
    last_error TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS usage_counters (
    user_id      TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    period_start DATE NOT NULL,
    metric       TEXT NOT NULL,
    value        BIGINT NOT NULL CHECK (value >= 0),
    PRIMARY KEY (user_id, period_start, metric)
);
`

// Migrate создает схему, если ее еще нет
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
