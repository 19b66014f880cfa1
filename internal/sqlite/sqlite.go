// Package sqlite stores room states in a single SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cwrk-planet/canvas-sync/internal/domain"

	_ "github.com/mattn/go-sqlite3"
)

const (
	querySchema = `
		CREATE TABLE IF NOT EXISTS room_states (
			id             TEXT NOT NULL PRIMARY KEY,
			document_state BLOB NOT NULL,
			last_modified  INTEGER NOT NULL,
			metadata       TEXT NULL
		);
		CREATE INDEX IF NOT EXISTS room_states_last_modified_idx ON room_states (last_modified);
	`
	queryGetState    = `SELECT id, document_state, last_modified, metadata FROM room_states WHERE id = ?`
	queryUpsertState = `
		INSERT INTO room_states (id, document_state, last_modified, metadata)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE
		SET document_state = excluded.document_state,
		    last_modified  = excluded.last_modified,
		    metadata       = COALESCE(excluded.metadata, room_states.metadata)
	`
	queryDeleteState = `DELETE FROM room_states WHERE id = ?`
	queryListStates  = `
		SELECT id, length(document_state), last_modified, metadata
		FROM room_states
		WHERE (? IS NULL OR last_modified < ? OR (last_modified = ? AND id < ?))
		ORDER BY last_modified DESC, id DESC
		LIMIT ?
	`
	queryDeleteOlderThan = `DELETE FROM room_states WHERE last_modified < ?`
)

// last_modified is kept as unix nanoseconds so comparisons stay numeric.
type RoomStateRepository struct {
	db *sql.DB
}

// Open creates the file (and its directory) when missing.
func Open(ctx context.Context, path string) (*RoomStateRepository, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	// one writer avoids SQLITE_BUSY under concurrent saves
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, querySchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &RoomStateRepository{db: db}, nil
}

func (r *RoomStateRepository) Close() error { return r.db.Close() }

func (r *RoomStateRepository) Get(ctx context.Context, id string) (*domain.RoomState, error) {
	var (
		st   domain.RoomState
		nano int64
		meta sql.NullString
	)
	err := r.db.QueryRowContext(ctx, queryGetState, id).Scan(&st.ID, &st.DocumentState, &nano, &meta)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrRoomNotFound
		}
		return nil, err
	}
	st.LastModified = time.Unix(0, nano).UTC()
	if meta.Valid {
		st.Metadata = &meta.String
	}
	return &st, nil
}

func (r *RoomStateRepository) Upsert(ctx context.Context, st *domain.RoomState) error {
	var meta sql.NullString
	if st.Metadata != nil {
		meta = sql.NullString{String: *st.Metadata, Valid: true}
	}
	doc := st.DocumentState
	if doc == nil {
		doc = []byte{}
	}
	_, err := r.db.ExecContext(ctx, queryUpsertState, st.ID, doc, st.LastModified.UnixNano(), meta)
	return err
}

func (r *RoomStateRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, queryDeleteState, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrRoomNotFound
	}
	return nil
}

func (r *RoomStateRepository) List(ctx context.Context, page domain.Page) ([]domain.RoomInfo, string, error) {
	cur, err := domain.DecodeCursor(page.Cursor)
	if err != nil {
		return nil, "", err
	}

	var (
		at any
		id string
	)
	if cur != nil {
		at = cur.LastModified.UnixNano()
		id = cur.ID
	}
	limit := -1
	if page.Limit > 0 {
		limit = page.Limit
	}

	rows, err := r.db.QueryContext(ctx, queryListStates, at, at, at, id, limit)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var infos []domain.RoomInfo
	for rows.Next() {
		var (
			info domain.RoomInfo
			nano int64
			meta sql.NullString
		)
		if err := rows.Scan(&info.ID, &info.StateSize, &nano, &meta); err != nil {
			return nil, "", err
		}
		info.LastModified = time.Unix(0, nano).UTC()
		if meta.Valid {
			m := meta.String
			info.Metadata = &m
		}
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	next, err := domain.NextCursor(infos, page.Limit)
	if err != nil {
		return nil, "", err
	}
	return infos, next, nil
}

func (r *RoomStateRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, queryDeleteOlderThan, cutoff.UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *RoomStateRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}
