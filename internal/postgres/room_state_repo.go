package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/cwrk-planet/canvas-sync/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type RoomStateRepository struct {
	db *pgxpool.Pool
}

func NewRoomStateRepository(db *pgxpool.Pool) *RoomStateRepository {
	return &RoomStateRepository{db: db}
}

func (r *RoomStateRepository) Get(ctx context.Context, id string) (*domain.RoomState, error) {
	var st domain.RoomState
	err := r.db.QueryRow(ctx, queryGetState, id).
		Scan(&st.ID, &st.DocumentState, &st.LastModified, &st.Metadata)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrRoomNotFound
		}
		return nil, err
	}
	st.LastModified = st.LastModified.UTC()
	return &st, nil
}

func (r *RoomStateRepository) Upsert(ctx context.Context, st *domain.RoomState) error {
	_, err := r.db.Exec(ctx, queryUpsertState, st.ID, st.DocumentState, st.LastModified, st.Metadata)
	return err
}

func (r *RoomStateRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, queryDeleteState, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrRoomNotFound
	}
	return nil
}

// List returns room infos newest first; the second value is the cursor of
// the next page or "".
func (r *RoomStateRepository) List(ctx context.Context, page domain.Page) ([]domain.RoomInfo, string, error) {
	cur, err := domain.DecodeCursor(page.Cursor)
	if err != nil {
		return nil, "", err
	}

	var lastModified, id any
	if cur != nil {
		lastModified = cur.LastModified
		id = cur.ID
	}
	var limit any
	if page.Limit > 0 {
		limit = page.Limit
	}

	rows, err := r.db.Query(ctx, queryListStates, lastModified, id, limit)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var infos []domain.RoomInfo
	for rows.Next() {
		var info domain.RoomInfo
		if err := rows.Scan(&info.ID, &info.StateSize, &info.LastModified, &info.Metadata); err != nil {
			return nil, "", err
		}
		info.LastModified = info.LastModified.UTC()
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
	tag, err := r.db.Exec(ctx, queryDeleteStatesOlderThan, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *RoomStateRepository) Ping(ctx context.Context) error {
	return Ping(ctx, r.db)
}
