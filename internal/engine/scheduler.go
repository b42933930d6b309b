package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"jirasync.io/internal/obs"
)

// Scheduler runs the polling fallback: a status-only reconciliation pass
// over every connection with enabled projects, plus periodic pruning.
type Scheduler struct {
	Engine            *Engine
	Interval          time.Duration
	Workers           int
	ConnectionTimeout time.Duration
	PruneEvery        time.Duration
}

// BatchResult summarizes one scheduler tick.
type BatchResult struct {
	Connections int               `json:"connections"`
	Succeeded   int               `json:"succeeded"`
	Failed      int               `json:"failed"`
	Skipped     int               `json:"skipped"`
	Errors      map[string]string `json:"errors,omitempty"`
	Duration    time.Duration     `json:"duration"`
}

func (s *Scheduler) defaults() {
	if s.Interval <= 0 {
		s.Interval = 15 * time.Minute
	}
	if s.Workers <= 0 {
		s.Workers = 4
	}
	if s.ConnectionTimeout <= 0 {
		s.ConnectionTimeout = 2 * time.Minute
	}
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.defaults()
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	var prune <-chan time.Time
	if s.PruneEvery > 0 {
		pt := time.NewTicker(s.PruneEvery)
		defer pt.Stop()
		prune = pt.C
	}

	obs.Logger().Info("scheduler started",
		zap.Duration("interval", s.Interval),
		zap.Int("workers", s.Workers))
	for {
		select {
		case <-ctx.Done():
			obs.Logger().Info("scheduler stopped")
			return
		case <-ticker.C:
			b := s.RunOnce(ctx)
			obs.Logger().Info("scheduled sync complete",
				zap.Int("connections", b.Connections),
				zap.Int("succeeded", b.Succeeded),
				zap.Int("failed", b.Failed),
				zap.Int("skipped", b.Skipped),
				zap.Duration("duration", b.Duration))
		case <-prune:
			if _, err := s.Engine.Prune(ctx); err != nil {
				obs.Logger().Error("prune deleted tasks", zap.Error(err))
			}
		}
	}
}

// RunOnce processes every eligible connection once. Each connection runs
// under its own timeout; errors and panics stay with their connection.
func (s *Scheduler) RunOnce(ctx context.Context) BatchResult {
	s.defaults()
	start := time.Now()
	b := BatchResult{Errors: map[string]string{}}

	conns, err := s.Engine.registry.List(ctx)
	if err != nil {
		obs.Logger().Error("list connections", zap.Error(err))
		b.Errors["*"] = err.Error()
		b.Duration = time.Since(start)
		return b
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(s.Workers)
	for _, c := range conns {
		if !c.HasEnabledProjects() || c.NeedsReconnect {
			b.Skipped++
			continue
		}
		b.Connections++
		g.Go(func() error {
			res, err := s.syncOne(ctx, c.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				b.Failed++
				b.Errors[c.ID] = err.Error()
			case res.Skipped:
				b.Skipped++
			case res.Success:
				b.Succeeded++
			default:
				b.Failed++
				if len(res.Errors) > 0 {
					b.Errors[c.ID] = res.Errors[0]
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	b.Duration = time.Since(start)
	if len(b.Errors) == 0 {
		b.Errors = nil
	}
	return b
}

func (s *Scheduler) syncOne(ctx context.Context, id string) (res SyncResult, err error) {
	cctx, cancel := context.WithTimeout(ctx, s.ConnectionTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			obs.Logger().Error("sync panic", zap.String("connection_id", id), zap.Any("panic", r))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.Engine.SyncConnection(cctx, id, StatusOnly())
}
