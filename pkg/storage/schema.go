package storage

// schema creates the session tables. Events cascade with their session;
// the (session_id, seq) uniqueness constraint is what makes duplicate
// sequence assignment a hard failure rather than silent corruption.
const schema = `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		owner_id TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

	CREATE TABLE IF NOT EXISTS session_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		channel TEXT NOT NULL,
		type TEXT NOT NULL,
		payload BLOB,
		ts INTEGER NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE,
		UNIQUE (session_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_session_events_ts ON session_events(session_id, ts);
`
