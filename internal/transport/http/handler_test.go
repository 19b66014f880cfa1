package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cwrk-planet/canvas-sync/internal/domain"
	"github.com/cwrk-planet/canvas-sync/internal/memstore"
	"github.com/cwrk-planet/canvas-sync/internal/metrics"
	"github.com/cwrk-planet/canvas-sync/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePresence struct {
	members map[string][]domain.Member
}

func (p fakePresence) Members(roomID string) []domain.Member { return p.members[roomID] }
func (p fakePresence) RoomCount() int                        { return len(p.members) }

// seededRepo is a memstore with rooms of known ages.
func seededRepo(t *testing.T) *memstore.RoomStateRepository {
	t.Helper()
	repo := memstore.NewRoomStateRepository()
	now := time.Now().UTC()
	meta := `{"title":"arch"}`
	for _, st := range []*domain.RoomState{
		{ID: "fresh", DocumentState: []byte{1, 2, 3}, LastModified: now.Add(-time.Hour), Metadata: &meta},
		{ID: "old", DocumentState: []byte{1}, LastModified: now.AddDate(0, 0, -45)},
		{ID: "ancient", DocumentState: []byte{1, 2}, LastModified: now.AddDate(0, 0, -400)},
	} {
		require.NoError(t, repo.Upsert(context.Background(), st))
	}
	return repo
}

func newTestRouter(t *testing.T, repo service.StateRepository) http.Handler {
	t.Helper()
	m := metrics.NewCollector("test")
	svc := service.NewStateService(repo, m)
	presence := fakePresence{members: map[string][]domain.Member{
		"fresh": {{ConnID: "c1", RoomID: "fresh", JoinedAt: time.Now()}},
	}}
	return NewRouter(RouterDeps{
		Handler:    NewHandler(svc, presence),
		HubHandler: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) },
		Metrics:    m,
	})
}

func do(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestListRooms(t *testing.T) {
	h := newTestRouter(t, seededRepo(t))

	rec := do(t, h, http.MethodGet, "/api/rooms")
	require.Equal(t, http.StatusOK, rec.Code)
	var items []RoomItem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &items))
	require.Len(t, items, 3)
	assert.Equal(t, "fresh", items[0].ID, "most recently modified first")
	assert.Equal(t, 3, items[0].StateSize)
	require.NotNil(t, items[0].Metadata)
	assert.Empty(t, rec.Header().Get(nextCursorHdr))
}

func TestListRooms_Paged(t *testing.T) {
	h := newTestRouter(t, seededRepo(t))

	rec := do(t, h, http.MethodGet, "/api/rooms?limit=2")
	require.Equal(t, http.StatusOK, rec.Code)
	var first []RoomItem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	require.Len(t, first, 2)
	cursor := rec.Header().Get(nextCursorHdr)
	require.NotEmpty(t, cursor)

	rec = do(t, h, http.MethodGet, "/api/rooms?limit=2&cursor="+cursor)
	require.Equal(t, http.StatusOK, rec.Code)
	var second []RoomItem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))
	require.Len(t, second, 1)
	assert.Equal(t, "ancient", second[0].ID)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/rooms?limit=abc").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/rooms?limit=2&cursor=%25%25").Code)
}

func TestGetRoom(t *testing.T) {
	h := newTestRouter(t, seededRepo(t))

	rec := do(t, h, http.MethodGet, "/api/rooms/old")
	require.Equal(t, http.StatusOK, rec.Code)
	var item RoomItem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &item))
	assert.Equal(t, "old", item.ID)
	assert.Equal(t, 1, item.StateSize)
	assert.Nil(t, item.Metadata)

	rec = do(t, h, http.MethodGet, "/api/rooms/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "Room not found")
}

func TestDeleteRoom(t *testing.T) {
	h := newTestRouter(t, seededRepo(t))

	rec := do(t, h, http.MethodDelete, "/api/rooms/old")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp DeleteRoomResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "old", resp.RoomName)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodDelete, "/api/rooms/old").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/rooms/old").Code)
}

func TestCleanupRooms(t *testing.T) {
	h := newTestRouter(t, seededRepo(t))

	rec := do(t, h, http.MethodPost, "/api/rooms/cleanup")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp CleanupResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(2), resp.DeletedCount)
	assert.Equal(t, defaultDaysOld, resp.DaysOld)

	rec = do(t, h, http.MethodPost, "/api/rooms/cleanup?daysOld=0")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(1), resp.DeletedCount)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/rooms/cleanup?daysOld=-1").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/rooms/cleanup?daysOld=x").Code)
}

func TestRoomUsers(t *testing.T) {
	h := newTestRouter(t, seededRepo(t))

	rec := do(t, h, http.MethodGet, "/api/rooms/fresh/users")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp RoomUsersResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Users, 1)
	assert.Equal(t, "c1", resp.Users[0].ConnID)

	rec = do(t, h, http.MethodGet, "/api/rooms/empty/users")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"users":[]`)
}

type downRepo struct{ *memstore.RoomStateRepository }

func (downRepo) Ping(context.Context) error { return errors.New("connection refused") }

func (downRepo) List(context.Context, domain.Page) ([]domain.RoomInfo, string, error) {
	return nil, "", domain.ErrStoreUnavailable
}

func TestHealthAndUnavailable(t *testing.T) {
	h := newTestRouter(t, seededRepo(t))
	rec := do(t, h, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	down := newTestRouter(t, downRepo{memstore.NewRoomStateRepository()})
	rec = do(t, down, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "degraded")

	assert.Equal(t, http.StatusServiceUnavailable, do(t, down, http.MethodGet, "/api/rooms").Code)
}

func TestRouter_HubMetricsCORS(t *testing.T) {
	h := newTestRouter(t, seededRepo(t))
	assert.Equal(t, http.StatusTeapot, do(t, h, http.MethodGet, "/hub").Code)

	_ = do(t, h, http.MethodGet, "/api/rooms")
	rec := do(t, h, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "test_http_requests_total"))

	req := httptest.NewRequest(http.MethodOptions, "/api/rooms", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	pre := httptest.NewRecorder()
	h.ServeHTTP(pre, req)
	assert.Equal(t, "*", pre.Header().Get("Access-Control-Allow-Origin"))
}
