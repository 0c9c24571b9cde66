// Package supervisor wires broker, runtime, app repository, scalers, healer
// and control listener together: initialization, the heartbeat loop, and
// graceful, idempotent shutdown.
package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/umpire/internal/apprepo"
	"github.com/cuemby/umpire/internal/broker"
	"github.com/cuemby/umpire/internal/config"
	"github.com/cuemby/umpire/internal/control"
	"github.com/cuemby/umpire/internal/healer"
	"github.com/cuemby/umpire/internal/log"
	"github.com/cuemby/umpire/internal/runtime"
	"github.com/cuemby/umpire/internal/scaler"
	"github.com/cuemby/umpire/internal/snapshot"
)

// Toggles enables individual reconciliation features; each field is the
// negation of one of the CLI's --disable-* flags. WorkerAutoheal and
// AppAutoheal gate the same single healer pass, which runs if either is set.
type Toggles struct {
	WorkerAutoscale bool
	AppAutoscale    bool
	WorkerAutoheal  bool
	AppAutoheal     bool
}

// Supervisor is the top-level controller process.
type Supervisor struct {
	cfg     config.Config
	toggles Toggles

	bk   broker.Broker
	rt   runtime.Runtime
	repo *apprepo.Repository

	workerScaler *scaler.WorkerScaler
	appScaler    *scaler.AppScaler
	healer       *healer.Healer
	listener     *control.Listener

	logger zerolog.Logger

	appRefreshTicks int
}

// New constructs a Supervisor from already-open dependencies (broker, runtime,
// app repository) plus its reconciliation toggles. Callers assemble these
// directly so Init only needs to perform the bootstrap sequence (spec.md
// §4.G), not dependency construction.
func New(cfg config.Config, toggles Toggles, bk broker.Broker, rt runtime.Runtime, repo *apprepo.Repository, status control.StatusSender) *Supervisor {
	s := &Supervisor{
		cfg:     cfg,
		toggles: toggles,
		bk:      bk,
		rt:      rt,
		repo:    repo,
		logger:  log.WithComponent("supervisor"),
	}
	s.workerScaler = scaler.NewWorkerScaler(bk, rt, cfg.WorkerServiceName, cfg.MaxWorkers)
	s.appScaler = scaler.NewAppScaler(bk, rt, repo, cfg.AppPrefix)
	s.healer = healer.NewHealer(bk, rt, cfg.AppPrefix)
	s.listener = control.NewListener(bk, rt, status, cfg.ContainerID, cfg.WorkerServiceName)
	return s
}

// Init performs the bootstrap sequence: ensure the WorkflowGroup consumer
// group exists, retrying the create with bounded exponential backoff.
func (s *Supervisor) Init(ctx context.Context) error {
	operation := func() error {
		return s.bk.CreateGroup(ctx, broker.WorkflowQueue, broker.WorkflowGroup)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return fmt.Errorf("supervisor init: create workflow group: %w", err)
	}
	s.logger.Info().Msg("supervisor initialized")
	return nil
}

// Run starts the heartbeat loop and control listener concurrently under a
// single cancellable context, returning when both have stopped.
func (s *Supervisor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.runHeartbeat(gctx)
	})
	g.Go(func() error {
		return s.listener.Run(gctx)
	})

	err := g.Wait()
	if shutdownErr := s.shutdown(context.Background()); shutdownErr != nil {
		s.logger.Warn().Err(shutdownErr).Msg("shutdown encountered errors")
	}
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// runHeartbeat ticks every cfg.Heartbeat, refreshing the snapshot and
// invoking the enabled scalers and healer; no two ticks overlap since the
// next tick is only read after the previous tick's body returns. Every
// cfg.AppRefresh, the app repository is reloaded (a count of ticks, not a
// separate timer, per umpire.py's monitor_queues).
func (s *Supervisor) runHeartbeat(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Heartbeat)
	defer ticker.Stop()

	refreshTicks := int(s.cfg.AppRefresh / s.cfg.Heartbeat)
	if refreshTicks < 1 {
		refreshTicks = 1
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.appRefreshTicks++
			s.tick(ctx)
			if s.appRefreshTicks >= refreshTicks {
				s.appRefreshTicks = 0
				if err := s.repo.Refresh(); err != nil {
					s.logger.Warn().Err(err).Msg("app repository refresh failed")
				}
			}
		}
	}
}

func (s *Supervisor) tick(ctx context.Context) {
	snap, err := snapshot.Build(ctx, s.rt, s.cfg.AppPrefix)
	if err != nil {
		s.logger.Warn().Err(err).Msg("snapshot build failed, skipping tick")
		return
	}

	if s.toggles.WorkerAutoscale {
		if err := s.workerScaler.Scale(ctx, snap); err != nil {
			s.logger.Warn().Err(err).Msg("worker scale failed")
		}
	}
	if s.toggles.AppAutoscale {
		if err := s.appScaler.Scale(ctx, snap); err != nil {
			s.logger.Warn().Err(err).Msg("app scale failed")
		}
	}
	if s.toggles.WorkerAutoheal || s.toggles.AppAutoheal {
		if err := s.healer.Heal(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("heal cycle failed")
		}
	}
}

// shutdown destroys every known consumer group (WorkflowGroup, each
// ActionGroup, and ActionResultsGroup on every results key) and deletes the
// corresponding stream/key, tolerating a broker that is already gone.
// Idempotent.
func (s *Supervisor) shutdown(ctx context.Context) error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(s.bk.DestroyGroup(ctx, broker.WorkflowQueue, broker.WorkflowGroup))
	record(s.bk.DeleteKey(ctx, broker.WorkflowQueue))

	keys, err := s.bk.KeysMatching(ctx, broker.ActionQueueGlob)
	if err != nil {
		record(err)
		keys = nil
	}
	for _, key := range keys {
		_, app, version, ok := broker.ParseActionQueue(key)
		if !ok {
			continue
		}
		record(s.bk.DestroyGroup(ctx, key, broker.ActionGroup(app, version)))
		record(s.bk.DeleteKey(ctx, key))
	}

	// Results keys (umpire.py:shutdown's broad "*:*" key scan also reaches
	// these): destroy ActionResultsGroup on each before deleting it, so no
	// execution's results key outlives controller shutdown.
	resultsKeys, err := s.bk.KeysMatching(ctx, broker.ResultsKeyGlob)
	if err != nil {
		record(err)
		resultsKeys = nil
	}
	for _, key := range resultsKeys {
		record(s.bk.DestroyGroup(ctx, key, broker.ActionResultsGroup))
		record(s.bk.DeleteKey(ctx, key))
	}

	s.logger.Info().Msg("shutdown complete")
	return firstErr
}
