package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS relay_nonces (
	sender BYTEA PRIMARY KEY,
	next_nonce BIGINT NOT NULL,

	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT sender_len CHECK (octet_length(sender) = 20),
	CONSTRAINT next_nonce_nonneg CHECK (next_nonce >= 0)
);
`
