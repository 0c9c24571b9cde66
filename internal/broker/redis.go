package broker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBroker implements Broker over Redis Streams.
type RedisBroker struct {
	client *redis.Client
}

// NewRedisBroker connects to the Redis instance at uri (e.g. redis://host:6379/0).
func NewRedisBroker(uri string) (*RedisBroker, error) {
	opts, err := redis.ParseURL(uri)
	if err != nil {
		return nil, fmt.Errorf("parse broker uri: %w", err)
	}
	return &RedisBroker{client: redis.NewClient(opts)}, nil
}

// Close releases the underlying connection pool.
func (b *RedisBroker) Close() error {
	return b.client.Close()
}

func (b *RedisBroker) CreateGroup(ctx context.Context, stream, group string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err == nil || isBusyGroup(err) {
		return nil
	}
	return classify(err)
}

func (b *RedisBroker) DestroyGroup(ctx context.Context, stream, group string) error {
	err := b.client.XGroupDestroy(ctx, stream, group).Err()
	if err == nil || isNoGroup(err) {
		return nil
	}
	return classify(err)
}

func (b *RedisBroker) Append(ctx context.Context, stream string, fields map[string]string) (string, error) {
	values := make(map[string]any, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	id, err := b.client.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Result()
	if err != nil {
		return "", classify(err)
	}
	return id, nil
}

func (b *RedisBroker) ReadGroup(
	ctx context.Context, group, consumer string, streams []string, count int64, block time.Duration,
) ([]Message, error) {
	args := make([]string, 0, len(streams)*2)
	for _, s := range streams {
		args = append(args, s)
	}
	for range streams {
		args = append(args, ">")
	}

	res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  args,
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, classify(err)
	}

	var out []Message
	for _, stream := range res {
		for _, m := range stream.Messages {
			out = append(out, Message{Stream: stream.Stream, ID: m.ID, Fields: toStringFields(m.Values)})
		}
	}
	return out, nil
}

func (b *RedisBroker) PendingSummary(ctx context.Context, stream, group string) (PendingSummary, error) {
	res, err := b.client.XPending(ctx, stream, group).Result()
	if err != nil {
		return PendingSummary{}, classify(err)
	}
	consumers := make([]ConsumerPending, 0, len(res.Consumers))
	for name, count := range res.Consumers {
		consumers = append(consumers, ConsumerPending{Consumer: name, Count: count})
	}
	return PendingSummary{
		Count:     res.Count,
		MinID:     res.Lower,
		MaxID:     res.Higher,
		Consumers: consumers,
	}, nil
}

func (b *RedisBroker) PendingRange(
	ctx context.Context, stream, group, consumer, lo, hi string, count int64,
) ([]PendingEntry, error) {
	res, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream:   stream,
		Group:    group,
		Start:    lo,
		End:      hi,
		Count:    count,
		Consumer: consumer,
	}).Result()
	if err != nil {
		return nil, classify(err)
	}
	out := make([]PendingEntry, 0, len(res))
	for _, e := range res {
		out = append(out, PendingEntry{
			ID:         e.ID,
			Consumer:   e.Consumer,
			Idle:       e.Idle,
			Deliveries: e.RetryCount,
		})
	}
	return out, nil
}

func (b *RedisBroker) Claim(
	ctx context.Context, stream, group, newConsumer string, minIdle time.Duration, id string,
) ([]Message, error) {
	res, err := b.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: newConsumer,
		MinIdle:  minIdle,
		Messages: []string{id},
	}).Result()
	if err != nil {
		return nil, classify(err)
	}
	out := make([]Message, 0, len(res))
	for _, m := range res {
		out = append(out, Message{Stream: stream, ID: m.ID, Fields: toStringFields(m.Values)})
	}
	return out, nil
}

func (b *RedisBroker) Ack(ctx context.Context, stream, group, id string) error {
	if err := b.client.XAck(ctx, stream, group, id).Err(); err != nil {
		return classify(err)
	}
	return nil
}

func (b *RedisBroker) DeleteEntry(ctx context.Context, stream, id string) error {
	if err := b.client.XDel(ctx, stream, id).Err(); err != nil {
		return classify(err)
	}
	return nil
}

func (b *RedisBroker) DeleteKey(ctx context.Context, key string) error {
	if err := b.client.Del(ctx, key).Err(); err != nil {
		return classify(err)
	}
	return nil
}

func (b *RedisBroker) KeysMatching(ctx context.Context, glob string) ([]string, error) {
	keys, err := b.client.Keys(ctx, glob).Result()
	if err != nil {
		return nil, classify(err)
	}
	return keys, nil
}

func (b *RedisBroker) Length(ctx context.Context, stream string) (int64, error) {
	n, err := b.client.XLen(ctx, stream).Result()
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

func toStringFields(values map[string]interface{}) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		out[k] = fmt.Sprintf("%v", v)
	}
	return out
}

func isBusyGroup(err error) bool {
	return strings.Contains(err.Error(), "BUSYGROUP")
}

func isNoGroup(err error) bool {
	return strings.Contains(err.Error(), "NOGROUP")
}

// classify maps a raw redis error to TransientError or LogicError. A missing
// stream/group ("NOGROUP") is a LogicError wrapping ErrStreamOrGroupMissing, so
// callers can match it with errors.Is.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if isNoGroup(err) {
		return &LogicError{Err: fmt.Errorf("%w: %v", ErrStreamOrGroupMissing, err)}
	}
	// Connection-level failures surface as plain errors from the redis client's
	// net.Conn; everything else from a well-formed command is a semantic error.
	if strings.Contains(err.Error(), "connect") || strings.Contains(err.Error(), "i/o timeout") ||
		strings.Contains(err.Error(), "EOF") || strings.Contains(err.Error(), "connection reset") {
		return &TransientError{Err: err}
	}
	return &LogicError{Err: err}
}
