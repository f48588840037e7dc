package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS gas_credits (
	owner BYTEA PRIMARY KEY,
	balance BIGINT NOT NULL,
	max_per_transaction BIGINT NOT NULL,
	daily_limit BIGINT NOT NULL,
	daily_used BIGINT NOT NULL,
	daily_reset_at TIMESTAMPTZ,
	lifetime_used BIGINT NOT NULL,

	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT owner_len CHECK (octet_length(owner) = 20),
	CONSTRAINT balance_nonneg CHECK (balance >= 0),
	CONSTRAINT max_per_tx_nonneg CHECK (max_per_transaction >= 0),
	CONSTRAINT daily_limit_nonneg CHECK (daily_limit >= 0),
	CONSTRAINT daily_used_nonneg CHECK (daily_used >= 0),
	CONSTRAINT lifetime_used_nonneg CHECK (lifetime_used >= 0)
);

CREATE TABLE IF NOT EXISTS relayer_stats (
	relayer BYTEA PRIMARY KEY,
	transaction_count BIGINT NOT NULL,
	total_refunded BIGINT NOT NULL,

	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT relayer_len CHECK (octet_length(relayer) = 20),
	CONSTRAINT tx_count_nonneg CHECK (transaction_count >= 0),
	CONSTRAINT refunded_nonneg CHECK (total_refunded >= 0)
);
`
