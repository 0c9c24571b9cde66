// Package scaler implements the worker and per-app autoscalers: computing
// desired replica counts from queue depth and applying them through the
// Runtime Adapter under the scale-through-zero rule.
package scaler

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/cuemby/umpire/internal/broker"
	"github.com/cuemby/umpire/internal/log"
	"github.com/cuemby/umpire/internal/metrics"
	"github.com/cuemby/umpire/internal/runtime"
	"github.com/cuemby/umpire/internal/snapshot"
)

// WorkerScaler scales the single generic worker service from WorkflowQueue depth.
type WorkerScaler struct {
	bk          broker.Broker
	rt          runtime.Runtime
	serviceName string
	maxWorkers  int
	logger      zerolog.Logger
}

// NewWorkerScaler constructs a WorkerScaler targeting serviceName, capped at maxWorkers.
func NewWorkerScaler(bk broker.Broker, rt runtime.Runtime, serviceName string, maxWorkers int) *WorkerScaler {
	return &WorkerScaler{
		bk:          bk,
		rt:          rt,
		serviceName: serviceName,
		maxWorkers:  maxWorkers,
		logger:      log.WithComponent("scaler.worker"),
	}
}

// Scale computes and applies the worker service's desired replica count for
// this tick. Never scales down; see spec decision table.
func (s *WorkerScaler) Scale(ctx context.Context, snap *snapshot.Snapshot) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ScalerCycleDuration, "worker")

	total, err := s.bk.Length(ctx, broker.WorkflowQueue)
	if err != nil {
		return err
	}
	executing, err := s.bk.PendingSummary(ctx, broker.WorkflowQueue, broker.WorkflowGroup)
	if err != nil {
		return err
	}

	needed := min64(total, int64(s.maxWorkers))
	current := snap.Worker(s.serviceName).Desired

	s.logger.Debug().
		Int64("total", total).
		Int64("executing", executing.Count).
		Int64("needed", needed).
		Int("current", current).
		Msg("worker scale decision")

	if needed <= int64(current) {
		// Scale-down is left to the orchestrator's own idle policy (spec §9).
		return nil
	}

	svc, ok, err := s.rt.GetService(ctx, s.serviceName)
	if err != nil {
		return err
	}
	if !ok {
		s.logger.Warn().Str("service", s.serviceName).Msg("worker service not found, skipping scale")
		return nil
	}

	if current == 0 {
		// Scale-through-zero: a direct 0->N update may be ignored by the
		// orchestrator, so force an explicit 0 first (spec invariant 4).
		if err := s.rt.UpdateService(ctx, svc.ID, svc.Version, svc.Image, 0); err != nil {
			return err
		}
		svc, ok, err = s.rt.GetService(ctx, s.serviceName)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}

	if err := s.rt.UpdateService(ctx, svc.ID, svc.Version, svc.Image, int(needed)); err != nil {
		return err
	}
	metrics.ServiceDesiredReplicas.WithLabelValues(s.serviceName).Set(float64(needed))
	return nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
