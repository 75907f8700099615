package database

const createLedgerTable = `
CREATE TABLE IF NOT EXISTS ledger (
    id            BIGSERIAL PRIMARY KEY,
    user_id       BIGINT NOT NULL,
    kind          TEXT NOT NULL CHECK (kind IN ('credit', 'debit', 'refund')),
    amount        NUMERIC(12,2) NOT NULL CHECK (amount <> 0),
    ref_type      TEXT NOT NULL,
    ref_id        TEXT NOT NULL,
    description   TEXT NOT NULL DEFAULT '',
    settlement    TEXT CHECK (settlement IN ('held', 'charged', 'released')),
    settled_at    TIMESTAMPTZ,
    origin_ref_id TEXT,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    UNIQUE (user_id, ref_type, ref_id)
);
CREATE INDEX IF NOT EXISTS idx_ledger_user_created ON ledger (user_id, created_at DESC);
`

const createBalanceCacheTable = `
CREATE TABLE IF NOT EXISTS balance_cache (
    user_id      BIGINT PRIMARY KEY,
    balance      NUMERIC(14,2) NOT NULL DEFAULT 0,
    entry_count  INTEGER NOT NULL DEFAULT 0,
    last_updated TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

const createJobsTable = `
CREATE TABLE IF NOT EXISTS jobs (
    id            BIGSERIAL PRIMARY KEY,
    user_id       BIGINT NOT NULL,
    type          TEXT NOT NULL,
    status        TEXT NOT NULL CHECK (status IN ('pending', 'processing', 'completed', 'failed', 'cancelled', 'expired')),
    priority      INTEGER NOT NULL DEFAULT 50,
    progress      INTEGER NOT NULL DEFAULT 0 CHECK (progress BETWEEN 0 AND 100),
    params        JSONB NOT NULL DEFAULT '{}'::jsonb,
    result_url    TEXT,
    error_message TEXT,
    cost_estimate NUMERIC(12,2) NOT NULL DEFAULT 0,
    cost_actual   NUMERIC(12,2),
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    started_at    TIMESTAMPTZ,
    completed_at  TIMESTAMPTZ,
    expires_at    TIMESTAMPTZ NOT NULL,
    max_runtime   INTEGER NOT NULL DEFAULT 300,
    retry_count   INTEGER NOT NULL DEFAULT 0,
    max_retries   INTEGER NOT NULL DEFAULT 3,
    cancelled_by  BIGINT,
    cancel_reason TEXT,
    lock_token    TEXT
);
CREATE INDEX IF NOT EXISTS idx_jobs_user_status ON jobs (user_id, status);
CREATE INDEX IF NOT EXISTS idx_jobs_active_expiry ON jobs (expires_at) WHERE status IN ('pending', 'processing');
`

const createPaymentsTable = `
CREATE TABLE IF NOT EXISTS payments (
    id                  BIGSERIAL PRIMARY KEY,
    provider_payment_id TEXT NOT NULL UNIQUE,
    user_id             BIGINT NOT NULL,
    amount              NUMERIC(12,2) NOT NULL CHECK (amount > 0),
    status              TEXT NOT NULL CHECK (status IN ('pending', 'paid', 'canceled', 'refunded')),
    confirmation_url    TEXT,
    created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    paid_at             TIMESTAMPTZ,
    expires_at          TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_payments_user ON payments (user_id, created_at DESC);
`

const createWebhookReceiptsTable = `
CREATE TABLE IF NOT EXISTS webhook_receipts (
    webhook_id   TEXT PRIMARY KEY,
    processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    expires_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_webhook_receipts_expires ON webhook_receipts (expires_at);
`

const createPricingOverridesTable = `
CREATE TABLE IF NOT EXISTS pricing_overrides (
    provider   TEXT NOT NULL,
    model      TEXT NOT NULL,
    action     TEXT NOT NULL,
    price_rub  NUMERIC(12,2) NOT NULL CHECK (price_rub >= 0),
    updated_by TEXT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    PRIMARY KEY (provider, model, action)
);
`

const createJobQueueTable = `
CREATE TABLE IF NOT EXISTS job_queue (
    seq         BIGSERIAL,
    job_id      BIGINT PRIMARY KEY,
    tier        INTEGER NOT NULL,
    score       DOUBLE PRECISION NOT NULL,
    enqueued_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    metadata    JSONB NOT NULL DEFAULT '{}'::jsonb
);
CREATE INDEX IF NOT EXISTS idx_job_queue_order ON job_queue (score DESC, seq ASC);
`

const createJobLocksTable = `
CREATE TABLE IF NOT EXISTS job_locks (
    user_id     BIGINT PRIMARY KEY,
    token       TEXT NOT NULL,
    acquired_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    expires_at  TIMESTAMPTZ NOT NULL
);
`

const createRateEventsTable = `
CREATE TABLE IF NOT EXISTS rate_events (
    id          BIGSERIAL PRIMARY KEY,
    user_id     BIGINT NOT NULL,
    action      TEXT NOT NULL,
    occurred_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_rate_events_lookup ON rate_events (user_id, action, occurred_at);
`

const createAdminUsersTable = `
CREATE TABLE IF NOT EXISTS admin_users (
    id            BIGSERIAL PRIMARY KEY,
    username      TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    last_login_at TIMESTAMPTZ
);
`

var schema = []string{
	createLedgerTable,
	createBalanceCacheTable,
	createJobsTable,
	createPaymentsTable,
	createWebhookReceiptsTable,
	createPricingOverridesTable,
	createJobQueueTable,
	createJobLocksTable,
	createRateEventsTable,
	createAdminUsersTable,
}
