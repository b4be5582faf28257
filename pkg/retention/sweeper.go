// Package retention trims stored conversation history on a cron schedule.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"github.com/pocketbotio/pocketbot/pkg/logger"
)

// Pruner trims every user's history to the retention limit.
type Pruner interface {
	PruneAll(ctx context.Context, keep int) (int64, error)
}

// Sweeper runs PruneAll whenever the cron schedule fires.
type Sweeper struct {
	pruner   Pruner
	schedule string
	keep     int
}

func NewSweeper(pruner Pruner, schedule string, keep int) (*Sweeper, error) {
	if schedule == "" {
		return &Sweeper{pruner: pruner, keep: keep}, nil
	}
	if !gronx.New().IsValid(schedule) {
		return nil, fmt.Errorf("invalid sweep schedule %q", schedule)
	}
	return &Sweeper{pruner: pruner, schedule: schedule, keep: keep}, nil
}

// Run blocks until ctx is cancelled. With an empty schedule it returns
// immediately; per-message pruning still bounds growth.
func (s *Sweeper) Run(ctx context.Context) {
	if s.schedule == "" {
		logger.InfoC("retention", "Scheduled sweep disabled")
		return
	}
	logger.InfoCF("retention", "Retention sweeper started", map[string]interface{}{
		"schedule": s.schedule,
		"keep":     s.keep,
	})

	for {
		next, err := gronx.NextTick(s.schedule, false)
		if err != nil {
			logger.ErrorCF("retention", "Schedule evaluation failed", map[string]interface{}{
				"error": err.Error(),
			})
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
		}

		s.sweep(ctx)
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	start := time.Now()
	removed, err := s.pruner.PruneAll(ctx, s.keep)
	if err != nil {
		logger.ErrorCF("retention", "Sweep failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	logger.InfoCF("retention", "Sweep complete", map[string]interface{}{
		"removed":  removed,
		"duration": time.Since(start).String(),
	})
}
