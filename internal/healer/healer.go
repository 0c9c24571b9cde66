// Package healer implements stranded-message redelivery: detecting consumers
// that hold pending ActionQueue messages but no longer correspond to a live
// container, and reclaiming their work under the mandatory
// claim->re-append->ack->delete ordering.
package healer

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/umpire/internal/broker"
	"github.com/cuemby/umpire/internal/log"
	"github.com/cuemby/umpire/internal/metrics"
	"github.com/cuemby/umpire/internal/runtime"
)

// minIdle is how long a message must have been pending before it is eligible
// for reclaim, avoiding a race with a live consumer that just picked it up.
const minIdle = 1000 * time.Millisecond

// Healer reclaims messages held by dead consumers on every known ActionQueue.
type Healer struct {
	bk     broker.Broker
	rt     runtime.Runtime
	prefix string
	logger zerolog.Logger
}

// NewHealer constructs a Healer. prefix identifies app service names
// ("{prefix}_{app}") so live containers can be resolved per stream.
func NewHealer(bk broker.Broker, rt runtime.Runtime, prefix string) *Healer {
	return &Healer{bk: bk, rt: rt, prefix: prefix, logger: log.WithComponent("healer")}
}

// Heal runs one reclaim pass over every discovered ActionQueue, logging and
// skipping individual streams on error so one bad stream doesn't block the
// rest (the stream may have been deleted concurrently by an abort).
func (h *Healer) Heal(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.HealerCycleDuration)

	keys, err := h.bk.KeysMatching(ctx, broker.ActionQueueGlob)
	if err != nil {
		return err
	}

	for _, key := range keys {
		if err := h.healStream(ctx, key); err != nil {
			h.logger.Warn().Err(err).Str("stream", key).Msg("heal cycle failed for stream, skipping")
		}
	}
	return nil
}

func (h *Healer) healStream(ctx context.Context, key string) error {
	_, app, version, ok := broker.ParseActionQueue(key)
	if !ok {
		return nil
	}
	group := broker.ActionGroup(app, version)

	summary, err := h.bk.PendingSummary(ctx, key, group)
	if err != nil {
		return err
	}
	if summary.Count == 0 {
		return nil
	}

	serviceName := h.prefix + "_" + app
	live, err := h.rt.ListContainersOf(ctx, serviceName)
	if err != nil {
		return err
	}
	liveSet := make(map[string]struct{}, len(live))
	for _, id := range live {
		liveSet[id] = struct{}{}
	}

	for _, c := range summary.Consumers {
		if _, ok := liveSet[c.Consumer]; ok {
			continue
		}
		if err := h.reclaim(ctx, key, group, c.Consumer); err != nil {
			h.logger.Warn().Err(err).Str("stream", key).Str("consumer", c.Consumer).Msg("reclaim failed, skipping consumer")
		}
	}
	return nil
}

// reclaim performs the mandatory claim -> re-append -> ack -> delete sequence
// for one dead consumer's oldest pending message. Any interruption between
// steps leaves the system recoverable: at-least-once redelivery, no loss.
func (h *Healer) reclaim(ctx context.Context, stream, group, deadConsumer string) error {
	entries, err := h.bk.PendingRange(ctx, stream, group, deadConsumer, "-", "+", 1)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	id := entries[0].ID

	claimed, err := h.bk.Claim(ctx, stream, group, broker.SyntheticConsumer, minIdle, id)
	if err != nil {
		return err
	}
	if len(claimed) == 0 {
		// Already claimed by a concurrent pass, or no longer idle long enough.
		return nil
	}

	if _, err := h.bk.Append(ctx, stream, claimed[0].Fields); err != nil {
		return err
	}
	if err := h.bk.Ack(ctx, stream, group, id); err != nil {
		return err
	}
	if err := h.bk.DeleteEntry(ctx, stream, id); err != nil {
		return err
	}

	metrics.MessagesRedeliveredTotal.Inc()
	h.logger.Info().Str("stream", stream).Str("id", id).Str("dead_consumer", deadConsumer).Msg("reclaimed stranded message")
	return nil
}
