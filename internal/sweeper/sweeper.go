// Package sweeper periodically cancels abandoned orders and retires expired stock.
package sweeper

import (
	"context"
	"time"

	"recharge_store/internal/metrics"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("recharge_store/sweeper")

// StaleOrders cancels open orders past their reservation window.
type StaleOrders interface {
	CancelStale(ctx context.Context, olderThan time.Duration) (int, error)
}

// ExpiringStock flags units whose expiry has passed.
type ExpiringStock interface {
	ExpireOverdue(ctx context.Context, now time.Time) (int64, error)
}

// Config controls the sweep cadence.
type Config struct {
	// Interval is the time between sweeps.
	Interval       time.Duration
	// ReservationTTL is how long a pending order may hold stock.
	ReservationTTL time.Duration
}

// Sweeper runs both cleanups on a ticker until its context ends.
type Sweeper struct {
	orders StaleOrders
	stock  ExpiringStock
	cfg    Config
	now    func() time.Time
	log    *logrus.Entry
}

func New(orders StaleOrders, stock ExpiringStock, cfg Config, logger *logrus.Entry) *Sweeper {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Sweeper{
		orders: orders,
		stock:  stock,
		cfg:    cfg,
		now:    time.Now,
		log:    logger.WithField("component", "sweeper"),
	}
}

// Run sweeps once immediately and then every Interval. It returns when ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs a single pass. Errors are logged; the next tick retries.
func (s *Sweeper) Sweep(ctx context.Context) {
	ctx, span := tracer.Start(ctx, "sweeper.Sweep")
	defer span.End()

	if s.cfg.ReservationTTL > 0 {
		cancelled, err := s.orders.CancelStale(ctx, s.cfg.ReservationTTL)
		if err != nil {
			s.log.WithError(err).Error("cancel stale orders")
		}
		if cancelled > 0 {
			metrics.Swept.WithLabelValues("order").Add(float64(cancelled))
			s.log.WithField("count", cancelled).Info("cancelled stale orders")
		}
	}

	expired, err := s.stock.ExpireOverdue(ctx, s.now())
	if err != nil {
		s.log.WithError(err).Error("expire overdue units")
		return
	}
	if expired > 0 {
		metrics.Swept.WithLabelValues("unit").Add(float64(expired))
	}
}
