package store

// Schema declares all docflow tables. Idempotent; applied through
// dbopen.WithSchema on open.
const Schema = `
CREATE TABLE IF NOT EXISTS documents (
	id         TEXT PRIMARY KEY,
	dataset    TEXT NOT NULL,
	properties TEXT NOT NULL DEFAULT '{}',
	state      TEXT NOT NULL DEFAULT '{}',
	options    TEXT NOT NULL DEFAULT '{}',
	extracted  TEXT NOT NULL DEFAULT '{}',
	errors     TEXT NOT NULL DEFAULT '[]',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_documents_dataset ON documents(dataset);

CREATE TABLE IF NOT EXISTS corrections (
	document_id       TEXT NOT NULL,
	correction_number INTEGER NOT NULL,
	corrector_id      TEXT NOT NULL,
	notes             TEXT NOT NULL DEFAULT '',
	original_data     TEXT NOT NULL,
	corrected_data    TEXT NOT NULL,
	created_at        INTEGER NOT NULL,
	PRIMARY KEY (document_id, correction_number)
);

CREATE TABLE IF NOT EXISTS datasets (
	name                TEXT PRIMARY KEY,
	model_prompt        TEXT NOT NULL DEFAULT '',
	example_schema      TEXT NOT NULL DEFAULT '{}',
	max_pages_per_chunk INTEGER NOT NULL DEFAULT 0,
	options             TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS concurrency_policy (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	max_runs   INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS run_log (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	document_id      TEXT NOT NULL,
	stage            TEXT NOT NULL,
	chunks           INTEGER NOT NULL DEFAULT 0,
	duration_seconds REAL NOT NULL DEFAULT 0,
	outcome          TEXT NOT NULL,
	detail           TEXT NOT NULL DEFAULT '',
	created_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_run_log_document ON run_log(document_id, id);
`
