package store

// schemaSQL is applied idempotently at startup. It covers every table named
// in the core spec's "persisted state layout" (§6).
const schemaSQL = `
CREATE TABLE IF NOT EXISTS cargos (
	id                   TEXT PRIMARY KEY,
	owner                TEXT NOT NULL,
	backend_handle       TEXT NOT NULL,
	kind                 TEXT NOT NULL, -- managed | external
	mount_path           TEXT NOT NULL,
	managed_by_sandbox_id TEXT,
	created_at           DATETIME NOT NULL,
	deleted_at           DATETIME,
	version              INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_cargos_owner ON cargos(owner);
CREATE INDEX IF NOT EXISTS idx_cargos_managed_by ON cargos(managed_by_sandbox_id);

CREATE TABLE IF NOT EXISTS sandboxes (
	id                 TEXT PRIMARY KEY,
	owner              TEXT NOT NULL,
	profile_id         TEXT NOT NULL,
	cargo_id           TEXT NOT NULL,
	current_session_id TEXT,
	desired_state      TEXT NOT NULL, -- running | stopped | deleted
	expires_at         DATETIME,
	idle_expires_at    DATETIME,
	last_activity      DATETIME NOT NULL,
	created_at         DATETIME NOT NULL,
	deleted_at         DATETIME,
	version            INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_sandboxes_owner ON sandboxes(owner, deleted_at);
CREATE INDEX IF NOT EXISTS idx_sandboxes_expires_at ON sandboxes(expires_at);

CREATE TABLE IF NOT EXISTS sessions (
	id             TEXT PRIMARY KEY,
	sandbox_id     TEXT NOT NULL,
	desired_state  TEXT NOT NULL, -- running | stopped
	observed_state TEXT NOT NULL, -- pending|starting|running|degraded|stopping|stopped|failed
	network_id     TEXT,
	endpoint       TEXT,
	idle_timeout_seconds INTEGER NOT NULL DEFAULT 1800,
	last_activity  DATETIME NOT NULL,
	ready_at       DATETIME,
	failed_reason  TEXT,
	created_at     DATETIME NOT NULL,
	updated_at     DATETIME NOT NULL,
	version        INTEGER NOT NULL DEFAULT 0
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_sandbox_nonstopped
	ON sessions(sandbox_id)
	WHERE observed_state NOT IN ('stopped', 'failed');
CREATE INDEX IF NOT EXISTS idx_sessions_sandbox ON sessions(sandbox_id);
CREATE INDEX IF NOT EXISTS idx_sessions_observed_state ON sessions(observed_state);

CREATE TABLE IF NOT EXISTS session_containers (
	id             TEXT PRIMARY KEY,
	session_id     TEXT NOT NULL,
	name           TEXT NOT NULL,
	role           TEXT NOT NULL,
	image          TEXT NOT NULL,
	container_id   TEXT,
	endpoint       TEXT,
	capabilities   TEXT NOT NULL, -- comma-joined
	observed_state TEXT NOT NULL,
	created_at     DATETIME NOT NULL,
	updated_at     DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_containers_session ON session_containers(session_id);

CREATE TABLE IF NOT EXISTS idempotency_keys (
	owner           TEXT NOT NULL,
	idempotency_key TEXT NOT NULL,
	scope           TEXT NOT NULL,
	fingerprint     TEXT NOT NULL,
	status          TEXT NOT NULL, -- in_progress | complete
	response_body   TEXT,
	response_status INTEGER,
	created_at      DATETIME NOT NULL,
	expires_at      DATETIME NOT NULL,
	PRIMARY KEY (owner, idempotency_key, scope)
);
CREATE INDEX IF NOT EXISTS idx_idempotency_expires ON idempotency_keys(expires_at);

CREATE TABLE IF NOT EXISTS executions (
	id          TEXT PRIMARY KEY,
	sandbox_id  TEXT NOT NULL,
	type        TEXT NOT NULL,
	input       TEXT,
	output      TEXT,
	stdout      TEXT,
	stderr      TEXT,
	exit_code   INTEGER,
	success     INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	started_at  DATETIME NOT NULL,
	tags        TEXT,
	description TEXT,
	notes       TEXT,
	created_at  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_executions_sandbox ON executions(sandbox_id, started_at);
CREATE INDEX IF NOT EXISTS idx_executions_type ON executions(type);

CREATE TABLE IF NOT EXISTS skill_candidates (
	id          TEXT PRIMARY KEY,
	skill_key   TEXT NOT NULL,
	execution_ids TEXT NOT NULL, -- comma-joined
	status      TEXT NOT NULL, -- draft|evaluating|evaluated|promoted|rejected
	score       REAL,
	passed      INTEGER,
	created_at  DATETIME NOT NULL,
	updated_at  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_skill_candidates_key ON skill_candidates(skill_key);

CREATE TABLE IF NOT EXISTS skill_releases (
	id            TEXT PRIMARY KEY,
	skill_key     TEXT NOT NULL,
	candidate_id  TEXT NOT NULL,
	version       INTEGER NOT NULL,
	stage         TEXT NOT NULL, -- canary|stable|rolled_back
	active        INTEGER NOT NULL DEFAULT 0,
	created_at    DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_skill_releases_active
	ON skill_releases(skill_key, stage)
	WHERE active = 1;
CREATE INDEX IF NOT EXISTS idx_skill_releases_key ON skill_releases(skill_key);

CREATE TABLE IF NOT EXISTS gc_leases (
	task_name  TEXT PRIMARY KEY,
	holder     TEXT NOT NULL,
	expires_at DATETIME NOT NULL
);
`
