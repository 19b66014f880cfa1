package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cwrk-planet/canvas-sync/internal/domain"
	"github.com/cwrk-planet/canvas-sync/internal/logger"
	"github.com/cwrk-planet/canvas-sync/internal/metrics"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type StateRepository interface {
	Get(ctx context.Context, id string) (*domain.RoomState, error)
	Upsert(ctx context.Context, st *domain.RoomState) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, page domain.Page) ([]domain.RoomInfo, string, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	Ping(ctx context.Context) error
}

// StateService applies the persistence policy for room snapshots: saves
// are explicit full overwrites and a failed load looks like an empty room.
type StateService struct {
	repo    StateRepository
	metrics *metrics.Collector
	tracer  trace.Tracer
	now     func() time.Time
}

func NewStateService(repo StateRepository, m *metrics.Collector) *StateService {
	return &StateService{
		repo:    repo,
		metrics: m,
		tracer:  otel.Tracer("github.com/cwrk-planet/canvas-sync/internal/service"),
		now:     time.Now,
	}
}

// Load returns the stored snapshot of roomID. A missing room and a store
// failure both report found=false; failures are only logged.
func (s *StateService) Load(ctx context.Context, roomID string) ([]byte, bool) {
	ctx, span := s.start(ctx, "StateService.Load", roomID)
	defer span.End()

	st, err := s.observe("load", func() (*domain.RoomState, error) { return s.repo.Get(ctx, roomID) })
	if err != nil {
		if !errors.Is(err, domain.ErrRoomNotFound) {
			fail(span, err)
			logger.FromCtx(ctx).Error("load room state", "room", roomID, "err", err)
		}
		return nil, false
	}
	span.SetAttributes(attribute.Int("state.size", len(st.DocumentState)))
	return st.DocumentState, true
}

func (s *StateService) Get(ctx context.Context, roomID string) (*domain.RoomState, error) {
	ctx, span := s.start(ctx, "StateService.Get", roomID)
	defer span.End()

	st, err := s.observe("get", func() (*domain.RoomState, error) { return s.repo.Get(ctx, roomID) })
	if err != nil {
		if !errors.Is(err, domain.ErrRoomNotFound) {
			fail(span, err)
		}
		return nil, fmt.Errorf("stateRepo.Get: %w", err)
	}
	return st, nil
}

// Save overwrites the snapshot of roomID and stamps it with the current
// UTC time. nil metadata keeps the previously stored value.
func (s *StateService) Save(ctx context.Context, roomID string, state []byte, metadata *string) error {
	ctx, span := s.start(ctx, "StateService.Save", roomID)
	defer span.End()
	span.SetAttributes(attribute.Int("state.size", len(state)))

	st := &domain.RoomState{
		ID:            roomID,
		DocumentState: state,
		LastModified:  s.now().UTC(),
		Metadata:      metadata,
	}
	_, err := s.observe("save", func() (*domain.RoomState, error) { return nil, s.repo.Upsert(ctx, st) })
	if err != nil {
		fail(span, err)
		return fmt.Errorf("stateRepo.Upsert: %w", err)
	}
	logger.FromCtx(ctx).Debug("room state saved", "room", roomID, "size", len(state))
	return nil
}

func (s *StateService) Delete(ctx context.Context, roomID string) error {
	ctx, span := s.start(ctx, "StateService.Delete", roomID)
	defer span.End()

	_, err := s.observe("delete", func() (*domain.RoomState, error) { return nil, s.repo.Delete(ctx, roomID) })
	if err != nil {
		if !errors.Is(err, domain.ErrRoomNotFound) {
			fail(span, err)
		}
		return fmt.Errorf("stateRepo.Delete: %w", err)
	}
	return nil
}

func (s *StateService) List(ctx context.Context, page domain.Page) ([]domain.RoomInfo, string, error) {
	ctx, span := s.tracer.Start(ctx, "StateService.List")
	defer span.End()

	start := time.Now()
	infos, next, err := s.repo.List(ctx, page)
	s.metrics.ObserveStore("list", start, err)
	if err != nil {
		fail(span, err)
		return nil, "", fmt.Errorf("stateRepo.List: %w", err)
	}
	if infos == nil {
		infos = []domain.RoomInfo{}
	}
	return infos, next, nil
}

// ListIDs returns every persisted room id.
func (s *StateService) ListIDs(ctx context.Context) ([]string, error) {
	infos, _, err := s.List(ctx, domain.Page{})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(infos))
	for _, info := range infos {
		ids = append(ids, info.ID)
	}
	return ids, nil
}

// Cleanup deletes every snapshot last modified more than olderThan ago and
// returns how many went away.
func (s *StateService) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "StateService.Cleanup")
	defer span.End()

	cutoff := s.now().UTC().Add(-olderThan)
	start := time.Now()
	n, err := s.repo.DeleteOlderThan(ctx, cutoff)
	s.metrics.ObserveStore("cleanup", start, err)
	if err != nil {
		fail(span, err)
		return 0, fmt.Errorf("stateRepo.DeleteOlderThan: %w", err)
	}
	span.SetAttributes(attribute.Int64("rooms.deleted", n))
	if n > 0 {
		logger.FromCtx(ctx).Info("old room states removed", "count", n, "cutoff", cutoff)
	}
	return n, nil
}

func (s *StateService) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

func (s *StateService) start(ctx context.Context, name, roomID string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("room.id", roomID)))
}

func (s *StateService) observe(op string, fn func() (*domain.RoomState, error)) (*domain.RoomState, error) {
	start := time.Now()
	st, err := fn()
	if errors.Is(err, domain.ErrRoomNotFound) {
		s.metrics.ObserveStore(op, start, nil)
	} else {
		s.metrics.ObserveStore(op, start, err)
	}
	return st, err
}

func fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
