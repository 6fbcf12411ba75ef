package jobs

import (
	"context"
	"log"
	"time"
)

// QuotaSweeper releases lapsed quota holds.
type QuotaSweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// OrderExpirer retires orders past their service window.
type OrderExpirer interface {
	ExpireOverdue(ctx context.Context) (int, error)
}

// Runner drives the periodic maintenance loops. Each job runs once at
// startup and then on its ticker until the context ends.
type Runner struct {
	quota         QuotaSweeper
	orders        OrderExpirer
	sweepInterval time.Duration
}

func NewRunner(quota QuotaSweeper, orders OrderExpirer, sweepInterval time.Duration) *Runner {
	return &Runner{
		quota:         quota,
		orders:        orders,
		sweepInterval: sweepInterval,
	}
}

func (r *Runner) Start(ctx context.Context) {
	go r.runEvery(ctx, "quota_reservation_sweep", r.sweepInterval, func(c context.Context) error {
		_, err := r.quota.Sweep(c)
		return err
	})
	go r.runEvery(ctx, "order_expiry", 5*time.Minute, func(c context.Context) error {
		_, err := r.orders.ExpireOverdue(c)
		return err
	})
}

func (r *Runner) runEvery(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	r.runOnce(ctx, name, fn)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx, name, fn)
		}
	}
}

func (r *Runner) runOnce(ctx context.Context, name string, fn func(context.Context) error) {
	start := time.Now()
	if err := fn(ctx); err != nil {
		log.Printf("[Jobs] %s failed after %dms: %v", name, time.Since(start).Milliseconds(), err)
		return
	}
	log.Printf("[Jobs] %s ok in %dms", name, time.Since(start).Milliseconds())
}
