package pgqueue

// schemaSQL is applied by Initialize. Every statement is idempotent.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS _jobq_queues (
	name       TEXT PRIMARY KEY,
	paused     BOOLEAN NOT NULL DEFAULT false,
	seq        BIGINT NOT NULL DEFAULT 0,
	added      BIGINT NOT NULL DEFAULT 0,
	removed    BIGINT NOT NULL DEFAULT 0,
	processed  BIGINT NOT NULL DEFAULT 0,
	failed     BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS _jobq_jobs (
	queue          TEXT NOT NULL,
	id             TEXT NOT NULL,
	seq            BIGINT NOT NULL,
	name           TEXT NOT NULL,
	data           JSONB,
	options        JSONB NOT NULL DEFAULT '{}',
	status         TEXT NOT NULL,
	priority_rank  INT NOT NULL,
	progress       INT NOT NULL DEFAULT 0,
	attempts       INT NOT NULL DEFAULT 0,
	max_attempts   INT NOT NULL DEFAULT 1,
	run_at         TIMESTAMPTZ NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL,
	processed_at   TIMESTAMPTZ,
	completed_at   TIMESTAMPTZ,
	failed_at      TIMESTAMPTZ,
	result         JSONB,
	error          TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (queue, id)
);

CREATE INDEX IF NOT EXISTS idx_jobq_jobs_claim
	ON _jobq_jobs (queue, priority_rank, created_at, seq)
	WHERE status = 'waiting';

CREATE INDEX IF NOT EXISTS idx_jobq_jobs_delayed
	ON _jobq_jobs (queue, run_at)
	WHERE status = 'delayed';

CREATE INDEX IF NOT EXISTS idx_jobq_jobs_status
	ON _jobq_jobs (queue, status, created_at DESC);
`
