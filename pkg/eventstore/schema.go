package eventstore

// The events table is the single append-only resource mutated by the write
// path. The UNIQUE (business_id, previous_event_hash) constraint enforces a
// single chain head per tenant at the storage level: two writers racing to
// extend the same head cannot both succeed.
const schema = `
CREATE TABLE IF NOT EXISTS events (
	event_id            TEXT NOT NULL,
	event_type          TEXT NOT NULL,
	event_version       INTEGER NOT NULL,
	business_id         TEXT NOT NULL,
	branch_id           TEXT,
	source_engine       TEXT NOT NULL,
	actor_type          TEXT NOT NULL,
	actor_id            TEXT NOT NULL,
	correlation_id      TEXT NOT NULL,
	causation_id        TEXT,
	payload             TEXT NOT NULL,
	reference           TEXT,
	created_at          TIMESTAMPTZ NOT NULL,
	received_at         TIMESTAMPTZ NOT NULL,
	status              TEXT NOT NULL,
	correction_of       TEXT,
	previous_event_hash TEXT NOT NULL,
	event_hash          TEXT NOT NULL,
	CONSTRAINT events_pkey PRIMARY KEY (event_id),
	CONSTRAINT events_chain_head_key UNIQUE (business_id, previous_event_hash)
);

CREATE INDEX IF NOT EXISTS idx_events_business_received ON events (business_id, received_at);
CREATE INDEX IF NOT EXISTS idx_events_type ON events (event_type);
CREATE INDEX IF NOT EXISTS idx_events_source_engine ON events (source_engine);
CREATE INDEX IF NOT EXISTS idx_events_status ON events (status);
CREATE INDEX IF NOT EXISTS idx_events_correction_of ON events (correction_of);
CREATE INDEX IF NOT EXISTS idx_events_correlation ON events (correlation_id);
CREATE INDEX IF NOT EXISTS idx_events_causation ON events (causation_id);

CREATE TABLE IF NOT EXISTS replay_checkpoints (
	projection_name  TEXT NOT NULL,
	business_id      TEXT NOT NULL DEFAULT '',
	last_event_id    TEXT NOT NULL,
	last_received_at TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL,
	CONSTRAINT replay_checkpoints_pkey PRIMARY KEY (projection_name, business_id)
);
`
