package service

import (
	"context"
	"log/slog"
	"time"
)

type Cleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Janitor periodically removes room snapshots nobody saved for maxAge.
type Janitor struct {
	cleaner  Cleaner
	interval time.Duration
	maxAge   time.Duration
}

func NewJanitor(c Cleaner, interval, maxAge time.Duration) *Janitor {
	return &Janitor{cleaner: c, interval: interval, maxAge: maxAge}
}

// Run blocks until ctx is done.
func (j *Janitor) Run(ctx context.Context) error {
	t := time.NewTicker(j.interval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			j.sweep(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (j *Janitor) sweep(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	n, err := j.cleaner.Cleanup(ctx, j.maxAge)
	if err != nil {
		slog.Error("janitor.Cleanup:", slog.Any("err", err))
		return
	}
	slog.Debug("janitor sweep done", "deleted", n, "maxAge", j.maxAge)
}
