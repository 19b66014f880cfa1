package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cwrk-planet/canvas-sync/internal/domain"

	"github.com/sony/gobreaker"
)

type BreakerConfig struct {
	Name             string
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold float64
	MinRequests      uint32
}

func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		MaxRequests:      3,
		Interval:         30 * time.Second,
		Timeout:          15 * time.Second,
		FailureThreshold: 0.6,
		MinRequests:      5,
	}
}

// BreakerRepository fails fast with domain.ErrStoreUnavailable while the
// wrapped store keeps erroring. Lookups of missing rooms count as success.
type BreakerRepository struct {
	next StateRepository
	cb   *gobreaker.CircuitBreaker
}

func NewBreakerRepository(next StateRepository, cfg BreakerConfig) *BreakerRepository {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("store breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, domain.ErrRoomNotFound) ||
				errors.Is(err, domain.ErrInvalidCursor)
		},
	})
	return &BreakerRepository{next: next, cb: cb}
}

func (b *BreakerRepository) State() gobreaker.State { return b.cb.State() }

func (b *BreakerRepository) Get(ctx context.Context, id string) (*domain.RoomState, error) {
	v, err := b.execute(func() (any, error) { return b.next.Get(ctx, id) })
	if err != nil {
		return nil, err
	}
	return v.(*domain.RoomState), nil
}

func (b *BreakerRepository) Upsert(ctx context.Context, st *domain.RoomState) error {
	_, err := b.execute(func() (any, error) { return nil, b.next.Upsert(ctx, st) })
	return err
}

func (b *BreakerRepository) Delete(ctx context.Context, id string) error {
	_, err := b.execute(func() (any, error) { return nil, b.next.Delete(ctx, id) })
	return err
}

type listResult struct {
	infos []domain.RoomInfo
	next  string
}

func (b *BreakerRepository) List(ctx context.Context, page domain.Page) ([]domain.RoomInfo, string, error) {
	v, err := b.execute(func() (any, error) {
		infos, next, err := b.next.List(ctx, page)
		return listResult{infos: infos, next: next}, err
	})
	if err != nil {
		return nil, "", err
	}
	res := v.(listResult)
	return res.infos, res.next, nil
}

func (b *BreakerRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	v, err := b.execute(func() (any, error) { return b.next.DeleteOlderThan(ctx, cutoff) })
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// Ping bypasses the breaker so health checks see the real store.
func (b *BreakerRepository) Ping(ctx context.Context) error {
	if b.cb.State() == gobreaker.StateOpen {
		return domain.ErrStoreUnavailable
	}
	return b.next.Ping(ctx)
}

func (b *BreakerRepository) execute(fn func() (any, error)) (any, error) {
	v, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return v, err
}
