package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS mixer_ledgers (
	ledger_id BYTEA PRIMARY KEY,
	root BYTEA NOT NULL,
	capacity_bytes INTEGER NOT NULL,

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT ledger_id_len CHECK (octet_length(ledger_id) = 32),
	CONSTRAINT root_len CHECK (octet_length(root) = 32),
	CONSTRAINT capacity_pos CHECK (capacity_bytes > 0)
);

CREATE TABLE IF NOT EXISTS mixer_commitments (
	ledger_id BYTEA NOT NULL REFERENCES mixer_ledgers (ledger_id),
	position BIGINT NOT NULL,
	commitment BYTEA NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	PRIMARY KEY (ledger_id, position),
	CONSTRAINT commitment_len CHECK (octet_length(commitment) = 32),
	CONSTRAINT commitment_position_nonneg CHECK (position >= 0)
);

CREATE TABLE IF NOT EXISTS mixer_nullifiers (
	ledger_id BYTEA NOT NULL REFERENCES mixer_ledgers (ledger_id),
	position BIGINT NOT NULL,
	nullifier BYTEA NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	PRIMARY KEY (ledger_id, position),
	CONSTRAINT nullifier_len CHECK (octet_length(nullifier) = 32),
	CONSTRAINT nullifier_position_nonneg CHECK (position >= 0)
);

CREATE INDEX IF NOT EXISTS mixer_nullifiers_lookup_idx ON mixer_nullifiers (ledger_id, nullifier);
`
