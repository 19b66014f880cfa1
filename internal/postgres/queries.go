package postgres

const (
	querySchema = `
		CREATE TABLE IF NOT EXISTS room_states (
			id             TEXT PRIMARY KEY,
			document_state BYTEA NOT NULL,
			last_modified  TIMESTAMPTZ NOT NULL,
			metadata       TEXT NULL
		);
		CREATE INDEX IF NOT EXISTS room_states_last_modified_idx ON room_states (last_modified);
	`

	queryGetState = `
		SELECT id, document_state, last_modified, metadata
		FROM room_states
		WHERE id = $1;
	`
	// metadata NULL keeps what was stored before
	queryUpsertState = `
		INSERT INTO room_states (id, document_state, last_modified, metadata)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET document_state = EXCLUDED.document_state,
		    last_modified  = EXCLUDED.last_modified,
		    metadata       = COALESCE(EXCLUDED.metadata, room_states.metadata);
	`
	queryDeleteState = `DELETE FROM room_states WHERE id = $1;`

	queryListStates = `
		SELECT id, octet_length(document_state), last_modified, metadata
		FROM room_states
		WHERE ($1::timestamptz IS NULL OR last_modified < $1
		       OR (last_modified = $1 AND id < $2))
		ORDER BY last_modified DESC, id DESC
		LIMIT $3;
	`
	queryDeleteStatesOlderThan = `DELETE FROM room_states WHERE last_modified < $1;`
)
