package scaler

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cuemby/umpire/internal/apprepo"
	"github.com/cuemby/umpire/internal/broker"
	"github.com/cuemby/umpire/internal/log"
	"github.com/cuemby/umpire/internal/metrics"
	"github.com/cuemby/umpire/internal/runtime"
	"github.com/cuemby/umpire/internal/snapshot"
)

// AppScaler scales per-(app,version) services from ActionQueue depth.
type AppScaler struct {
	bk     broker.Broker
	rt     runtime.Runtime
	repo   *apprepo.Repository
	prefix string
	logger zerolog.Logger
}

// NewAppScaler constructs an AppScaler. Service names are "{prefix}_{app}".
func NewAppScaler(bk broker.Broker, rt runtime.Runtime, repo *apprepo.Repository, prefix string) *AppScaler {
	return &AppScaler{bk: bk, rt: rt, repo: repo, prefix: prefix, logger: log.WithComponent("scaler.app")}
}

type appGroupKey struct {
	app     string
	version string
}

// Scale enumerates ActionQueues, partitions them by (app, version), and
// updates each touched service's replica count to the group's total queue
// depth, capped at the app's max_replicas. A stream whose pending summary or
// length read fails mid-iteration is skipped and the rest of its group still
// scales on the surviving streams (the failing stream may have just been
// deleted by the control listener); a group is skipped entirely only if
// every one of its streams fails.
func (s *AppScaler) Scale(ctx context.Context, snap *snapshot.Snapshot) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ScalerCycleDuration, "app")

	keys, err := s.bk.KeysMatching(ctx, broker.ActionQueueGlob)
	if err != nil {
		return err
	}

	groups := make(map[appGroupKey][]string)
	for _, k := range keys {
		_, app, version, ok := broker.ParseActionQueue(k)
		if !ok {
			continue
		}
		gk := appGroupKey{app: app, version: version}
		groups[gk] = append(groups[gk], k)
	}

	for gk, streams := range groups {
		if err := s.scaleGroup(ctx, snap, gk, streams); err != nil {
			s.logger.Warn().Err(err).Str("app", gk.app).Str("version", gk.version).Msg("app scale cycle failed, skipping")
			continue
		}
	}
	return nil
}

func (s *AppScaler) scaleGroup(ctx context.Context, snap *snapshot.Snapshot, gk appGroupKey, streams []string) error {
	group := broker.ActionGroup(gk.app, gk.version)

	var total int64
	var succeeded int
	for _, stream := range streams {
		// A failed pending summary or length read usually means the stream was
		// deleted by an in-flight abort; skip just this stream so the rest of
		// the group still gets scaled on its surviving streams this tick instead
		// of being starved for a whole tick by one racing sibling.
		if _, err := s.bk.PendingSummary(ctx, stream, group); err != nil {
			s.logger.Debug().Err(err).Str("stream", stream).Msg("pending summary failed, skipping stream")
			continue
		}
		n, err := s.bk.Length(ctx, stream)
		if err != nil {
			s.logger.Debug().Err(err).Str("stream", stream).Msg("length failed, skipping stream")
			continue
		}
		total += n
		succeeded++
	}
	if succeeded == 0 {
		// Every stream in the group failed: no reliable data this tick, so skip
		// the group entirely rather than acting on a total of zero.
		return nil
	}

	appSpec, ok := s.repo.Lookup(gk.app, gk.version)
	if !ok {
		s.logger.Debug().Str("app", gk.app).Str("version", gk.version).Msg("no app spec, skipping")
		return nil
	}

	serviceName := fmt.Sprintf("%s_%s", s.prefix, gk.app)
	needed := total
	if int64(appSpec.MaxReplicas) < needed {
		needed = int64(appSpec.MaxReplicas)
	}

	current := snap.Worker(serviceName).Desired
	if needed == int64(current) {
		// Resolved open question: skip the no-op update (spec §9).
		return nil
	}

	svc, ok, err := s.rt.GetService(ctx, serviceName)
	if err != nil {
		return err
	}
	if !ok {
		s.logger.Warn().Str("service", serviceName).Msg("app service not found, skipping scale")
		return nil
	}

	if current == 0 && needed > 0 {
		if err := s.rt.UpdateService(ctx, svc.ID, svc.Version, svc.Image, 0); err != nil {
			return err
		}
		svc, ok, err = s.rt.GetService(ctx, serviceName)
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
	metrics.ServiceDesiredReplicas.WithLabelValues(serviceName).Set(float64(needed))
	return nil
}
