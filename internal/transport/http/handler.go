package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/cwrk-planet/canvas-sync/internal/domain"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

// RoomStates is the persisted side of the rooms API.
type RoomStates interface {
	Get(ctx context.Context, roomID string) (*domain.RoomState, error)
	Delete(ctx context.Context, roomID string) error
	List(ctx context.Context, page domain.Page) ([]domain.RoomInfo, string, error)
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
	Ping(ctx context.Context) error
}

// Presence answers who is connected to a room right now.
type Presence interface {
	Members(roomID string) []domain.Member
	RoomCount() int
}

const (
	maxListLimit   = 100
	defaultDaysOld = 30
	nextCursorHdr  = "X-Next-Cursor"
)

type cleanupQuery struct {
	DaysOld int `validate:"gte=0,lte=36500"`
}

type Handler struct {
	states   RoomStates
	presence Presence
	validate *validator.Validate
}

func NewHandler(states RoomStates, presence Presence) *Handler {
	return &Handler{
		states:   states,
		presence: presence,
		validate: validator.New(),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeStoreError maps a store failure onto a status code.
func writeStoreError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, domain.ErrRoomNotFound):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "Room not found"})
	case errors.Is(err, domain.ErrInvalidCursor):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid_cursor"})
	case errors.Is(err, domain.ErrStoreUnavailable):
		slog.Warn("handler."+op+":", slog.Any("err", err))
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "storage unavailable"})
	default:
		slog.Error("handler."+op+":", slog.Any("err", err))
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}
}

// GET /api/rooms?limit=&cursor=
//
// Without limit every room is returned. With limit the next page cursor, if
// any, comes back in the X-Next-Cursor header.
func (h *Handler) ListRooms(w http.ResponseWriter, r *http.Request) {
	page := domain.Page{Cursor: r.URL.Query().Get("cursor")}
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid limit"})
			return
		}
		page.Limit = min(n, maxListLimit)
	}

	infos, next, err := h.states.List(r.Context(), page)
	if err != nil {
		writeStoreError(w, "ListRooms", err)
		return
	}
	items := make([]RoomItem, 0, len(infos))
	for _, info := range infos {
		items = append(items, roomItem(info))
	}
	if next != "" {
		w.Header().Set(nextCursorHdr, next)
	}
	writeJSON(w, http.StatusOK, items)
}

// GET /api/rooms/{id}
func (h *Handler) GetRoom(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, err := h.states.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, "GetRoom", err)
		return
	}
	writeJSON(w, http.StatusOK, roomItem(st.Info()))
}

// DELETE /api/rooms/{id}
func (h *Handler) DeleteRoom(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.states.Delete(r.Context(), id); err != nil {
		writeStoreError(w, "DeleteRoom", err)
		return
	}
	slog.Info("room state deleted", "room", id)
	writeJSON(w, http.StatusOK, DeleteRoomResponse{Message: "Room deleted successfully", RoomName: id})
}

// POST /api/rooms/cleanup?daysOld=
func (h *Handler) CleanupRooms(w http.ResponseWriter, r *http.Request) {
	q := cleanupQuery{DaysOld: defaultDaysOld}
	if s := r.URL.Query().Get("daysOld"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "daysOld must be an integer"})
			return
		}
		q.DaysOld = n
	}
	if err := h.validate.Struct(q); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "daysOld out of range"})
		return
	}

	n, err := h.states.Cleanup(r.Context(), time.Duration(q.DaysOld)*24*time.Hour)
	if err != nil {
		writeStoreError(w, "CleanupRooms", err)
		return
	}
	writeJSON(w, http.StatusOK, CleanupResponse{Message: "Cleanup completed", DeletedCount: n, DaysOld: q.DaysOld})
}

// GET /api/rooms/{id}/users
func (h *Handler) RoomUsers(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	users := h.presence.Members(id)
	if users == nil {
		users = []domain.Member{}
	}
	writeJSON(w, http.StatusOK, RoomUsersResponse{RoomID: id, Users: users})
}

// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{Status: "ok", Rooms: h.presence.RoomCount()}
	if err := h.states.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Error = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
