package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS reimbursement_requests (
	request_id BIGINT PRIMARY KEY,
	requester BYTEA NOT NULL,
	total_amount BIGINT NOT NULL,
	description TEXT NOT NULL,
	document_hash BYTEA NOT NULL,
	status SMALLINT NOT NULL,

	secretary_approver BYTEA,
	committee_approver BYTEA,
	finance_approver BYTEA,
	director_approver BYTEA,
	additional_approvers BYTEA NOT NULL DEFAULT ''::bytea,

	withdrawal_unlock_time TIMESTAMPTZ,
	request_created_at TIMESTAMPTZ NOT NULL,

	settled INTEGER NOT NULL DEFAULT 0,
	settled_amount BIGINT NOT NULL DEFAULT 0,

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT request_id_positive CHECK (request_id > 0),
	CONSTRAINT requester_len CHECK (octet_length(requester) = 20),
	CONSTRAINT total_amount_positive CHECK (total_amount > 0),
	CONSTRAINT description_nonempty CHECK (description <> ''),
	CONSTRAINT document_hash_len CHECK (octet_length(document_hash) = 32),
	CONSTRAINT status_range CHECK (status >= 1 AND status <= 7),
	CONSTRAINT secretary_len CHECK (secretary_approver IS NULL OR octet_length(secretary_approver) = 20),
	CONSTRAINT committee_len CHECK (committee_approver IS NULL OR octet_length(committee_approver) = 20),
	CONSTRAINT finance_len CHECK (finance_approver IS NULL OR octet_length(finance_approver) = 20),
	CONSTRAINT director_len CHECK (director_approver IS NULL OR octet_length(director_approver) = 20),
	CONSTRAINT additional_len CHECK (octet_length(additional_approvers) % 20 = 0),
	CONSTRAINT settled_nonneg CHECK (settled >= 0),
	CONSTRAINT settled_amount_within_total CHECK (settled_amount >= 0 AND settled_amount <= total_amount)
);

CREATE INDEX IF NOT EXISTS reimbursement_requests_status_idx ON reimbursement_requests (status);

CREATE TABLE IF NOT EXISTS reimbursement_recipients (
	request_id BIGINT NOT NULL REFERENCES reimbursement_requests(request_id) ON DELETE CASCADE,
	position INTEGER NOT NULL,
	recipient BYTEA NOT NULL,
	amount BIGINT NOT NULL,

	PRIMARY KEY (request_id, position),

	CONSTRAINT recipient_len CHECK (octet_length(recipient) = 20),
	CONSTRAINT recipient_amount_positive CHECK (amount > 0)
);

CREATE TABLE IF NOT EXISTS custodial_accounting (
	singleton BOOLEAN PRIMARY KEY DEFAULT TRUE,
	total_balance BIGINT NOT NULL,
	locked_amount BIGINT NOT NULL,
	closed BOOLEAN NOT NULL DEFAULT FALSE,

	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT singleton_true CHECK (singleton),
	CONSTRAINT total_nonneg CHECK (total_balance >= 0),
	CONSTRAINT locked_nonneg CHECK (locked_amount >= 0),
	CONSTRAINT locked_within_total CHECK (locked_amount <= total_balance)
);
`
