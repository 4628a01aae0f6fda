package worker

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"ESIMCheckout/internal/models"
)

type Store interface {
	ListStalePending(ctx context.Context, createdBefore time.Time) ([]*models.Order, error)
	ListUnprovisioned(ctx context.Context, paidBefore time.Time) ([]*models.Order, error)
	ListProvisionIssues(ctx context.Context, before time.Time) ([]*models.Order, error)
}

type Provisioner interface {
	Provision(ctx context.Context, order *models.Order) *models.Order
}

// Worker reconciles paid orders whose provisioning never started and reports
// orders that need an operator. It never changes an order's status.
type Worker struct {
	Store       Store
	Provisioner Provisioner
	Logger      *slog.Logger

	// PendingTTL is the age past which a pending order is reported as stale.
	PendingTTL time.Duration
	// ProvisionGrace keeps the worker away from orders a callback is
	// still provisioning.
	ProvisionGrace time.Duration
	Interval       time.Duration
	Now            func() time.Time
}

func (w *Worker) Run(ctx context.Context) {
	interval := w.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := w.SyncOnce(ctx); err != nil {
			w.logger().Error("sync error", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

type Report struct {
	StalePending int
	Provisioned  int
	Failed       int
	Issues       int
}

func (w *Worker) SyncOnce(ctx context.Context) error {
	_, err := w.sync(ctx)
	return err
}

func (w *Worker) sync(ctx context.Context) (Report, error) {
	var rep Report
	now := w.now()
	logger := w.logger()

	if w.PendingTTL > 0 {
		stale, err := w.Store.ListStalePending(ctx, now.Add(-w.PendingTTL))
		if err != nil {
			return rep, err
		}
		rep.StalePending = len(stale)
		if len(stale) > 0 {
			refs := make([]string, 0, len(stale))
			for _, o := range stale {
				refs = append(refs, o.ID+"="+o.ReferenceNumber)
			}
			logger.Warn("pending orders awaiting payment past ttl", "count", len(stale), "orders", strings.Join(refs, ","))
		}
	}

	cutoff := now.Add(-w.ProvisionGrace)
	orders, err := w.Store.ListUnprovisioned(ctx, cutoff)
	if err != nil {
		return rep, err
	}
	for _, order := range orders {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		logger.Info("provisioning paid order", "order_id", order.ID, "reference", order.ReferenceNumber)
		out := w.Provisioner.Provision(ctx, order)
		switch {
		case out == nil:
		case out.ProvisionState == models.ProvisionSucceeded:
			rep.Provisioned++
		default:
			rep.Failed++
		}
	}

	issues, err := w.Store.ListProvisionIssues(ctx, cutoff)
	if err != nil {
		return rep, err
	}
	rep.Issues = len(issues)
	if len(issues) > 0 {
		ids := make([]string, 0, len(issues))
		for _, o := range issues {
			ids = append(ids, o.ID+"="+string(o.ProvisionState))
		}
		logger.Warn("orders need manual provisioning review", "count", len(issues), "orders", strings.Join(ids, ","))
	}
	return rep, nil
}

func (w *Worker) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

func (w *Worker) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now().UTC()
}
