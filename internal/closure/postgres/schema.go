package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS emergency_closures (
	closure_id BIGINT PRIMARY KEY,
	initiator BYTEA NOT NULL,
	return_address BYTEA NOT NULL,
	reason TEXT NOT NULL,
	status SMALLINT NOT NULL,
	committee_approvers BYTEA NOT NULL DEFAULT ''::bytea,
	director_approver BYTEA,
	initiated_at TIMESTAMPTZ NOT NULL,
	drained_amount BIGINT NOT NULL DEFAULT 0,

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT closure_id_positive CHECK (closure_id > 0),
	CONSTRAINT initiator_len CHECK (octet_length(initiator) = 20),
	CONSTRAINT return_address_len CHECK (octet_length(return_address) = 20),
	CONSTRAINT director_len CHECK (director_approver IS NULL OR octet_length(director_approver) = 20),
	CONSTRAINT committee_len CHECK (octet_length(committee_approvers) % 20 = 0),
	CONSTRAINT drained_nonneg CHECK (drained_amount >= 0)
);
`
