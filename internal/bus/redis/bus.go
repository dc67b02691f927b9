// Package redis implements domain.Bus on Redis: streams with consumer groups
// carry the durable command/event classes, pub/sub carries the best-effort
// classes, and plain keys hold retained flags.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"tidebot/internal/domain"
)

const (
	// streamPrefix namespaces every class stream.
	streamPrefix = "bus:"
	// flagPrefix namespaces retained flags.
	flagPrefix = "bus:flag:"

	defaultMaxLen   int64 = 10000
	defaultPrefetch       = 16
	defaultMinIdle        = 30 * time.Second

	// subscriberBuffer bounds a best-effort subscriber before drop-oldest
	// kicks in.
	subscriberBuffer = 256
	// readBlock caps one XREADGROUP wait so ctx cancellation is observed.
	readBlock = 5 * time.Second
	// dropAlertEvery throttles backpressure alerts per subscription.
	dropAlertEvery = 5 * time.Second
)

// Options tune delivery behavior; zero values fall back to defaults.
type Options struct {
	// Prefetch bounds unacked in-flight deliveries per consumer.
	Prefetch int
	// MinIdle is how long an unacked delivery may sit with a dead consumer
	// before another consumer in the group claims it.
	MinIdle time.Duration
	// StreamMaxLen is the approximate per-stream cap (XADD MAXLEN ~).
	StreamMaxLen int64
}

// Bus is the Redis-backed transport.
type Bus struct {
	rdb      *redis.Client
	logger   *slog.Logger
	prefetch int
	minIdle  time.Duration
	maxLen   int64
}

// New creates a Bus on an established go-redis client.
func New(rdb *redis.Client, opts Options, logger *slog.Logger) *Bus {
	if opts.Prefetch <= 0 {
		opts.Prefetch = defaultPrefetch
	}
	if opts.MinIdle <= 0 {
		opts.MinIdle = defaultMinIdle
	}
	if opts.StreamMaxLen <= 0 {
		opts.StreamMaxLen = defaultMaxLen
	}
	return &Bus{
		rdb:      rdb,
		logger:   logger.With(slog.String("component", "bus")),
		prefetch: opts.Prefetch,
		minIdle:  opts.MinIdle,
		maxLen:   opts.StreamMaxLen,
	}
}

// streamOf maps a routing key (or consume pattern) to its class stream.
// Allocation requests share one stream (strategy id rides in the envelope
// key); all events share one stream so every consumer group sees every
// event; each command key gets its own stream to keep per-key FIFO strict.
func streamOf(key string) string {
	switch {
	case strings.HasPrefix(key, "request.capital.allocation"):
		return streamPrefix + "request.capital.allocation"
	case strings.HasPrefix(key, "events."):
		return streamPrefix + "events"
	default:
		return streamPrefix + strings.TrimSuffix(key, ".*")
	}
}

// QueuePublish appends an envelope to the durable stream for the key.
func (b *Bus) QueuePublish(ctx context.Context, key string, payload any) error {
	env, err := domain.NewEnvelope(key, payload)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("bus: marshal envelope %s: %w", key, err)
	}
	args := &redis.XAddArgs{
		Stream: streamOf(key),
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]interface{}{"envelope": raw},
	}
	if err := b.rdb.XAdd(ctx, args).Err(); err != nil {
		return domain.WrapFault(domain.KindBusUnavailable,
			fmt.Sprintf("stream append %s", key), err)
	}
	return nil
}

// QueueConsume reads the pattern's class stream through the named group.
// Entries whose routing key does not match the pattern are acked and skipped
// so filtered consumers never grow the pending list. Stale deliveries from
// dead consumers in the same group are reclaimed after MinIdle.
func (b *Bus) QueueConsume(ctx context.Context, pattern, group, consumer string) (<-chan domain.Delivery, error) {
	stream := streamOf(pattern)

	// Create the group at the stream head so messages published while every
	// consumer was down are still delivered. BUSYGROUP means it exists.
	err := b.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, domain.WrapFault(domain.KindBusUnavailable,
			fmt.Sprintf("create group %s on %s", group, stream), err)
	}

	out := make(chan domain.Delivery, b.prefetch)
	go b.consumeLoop(ctx, stream, pattern, group, consumer, out)
	return out, nil
}

func (b *Bus) consumeLoop(ctx context.Context, stream, pattern, group, consumer string, out chan<- domain.Delivery) {
	defer close(out)

	logger := b.logger.With(
		slog.String("stream", stream),
		slog.String("group", group),
		slog.String("consumer", consumer),
	)

	claimStart := "0-0"
	for {
		if ctx.Err() != nil {
			return
		}

		// Reclaim deliveries abandoned by dead consumers first, then read new
		// entries. XAUTOCLAIM advances its own cursor.
		claimed, next, err := b.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    group,
			Consumer: consumer,
			MinIdle:  b.minIdle,
			Start:    claimStart,
			Count:    int64(b.prefetch),
		}).Result()
		if err != nil && err != redis.Nil && ctx.Err() == nil {
			logger.WarnContext(ctx, "autoclaim failed", slog.String("error", err.Error()))
		}
		if next != "" {
			claimStart = next
		}
		if !b.dispatch(ctx, claimed, stream, pattern, group, out, logger) {
			return
		}

		res, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    int64(b.prefetch),
			Block:    readBlock,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue // block timed out, poll the claim cursor again
			}
			if ctx.Err() != nil {
				return
			}
			logger.WarnContext(ctx, "read group failed", slog.String("error", err.Error()))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		for _, s := range res {
			if !b.dispatch(ctx, s.Messages, stream, pattern, group, out, logger) {
				return
			}
		}
	}
}

// dispatch fans stream entries out to the consumer channel, acking entries
// that fail to parse or do not match the pattern. Returns false when the
// context ended.
func (b *Bus) dispatch(ctx context.Context, msgs []redis.XMessage, stream, pattern, group string, out chan<- domain.Delivery, logger *slog.Logger) bool {
	for _, msg := range msgs {
		env, ok := decodeEntry(msg)
		if !ok {
			logger.WarnContext(ctx, "dropping malformed stream entry", slog.String("entry_id", msg.ID))
			_ = b.rdb.XAck(ctx, stream, group, msg.ID).Err()
			continue
		}
		if !domain.MatchKey(pattern, env.Key) {
			_ = b.rdb.XAck(ctx, stream, group, msg.ID).Err()
			continue
		}
		select {
		case out <- domain.Delivery{Stream: stream, Group: group, EntryID: msg.ID, Envelope: env}:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

func decodeEntry(msg redis.XMessage) (domain.Envelope, bool) {
	raw, ok := msg.Values["envelope"]
	if !ok {
		return domain.Envelope{}, false
	}
	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return domain.Envelope{}, false
	}
	var env domain.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return domain.Envelope{}, false
	}
	return env, true
}

// Ack marks a delivery handled.
func (b *Bus) Ack(ctx context.Context, d domain.Delivery) error {
	if err := b.rdb.XAck(ctx, d.Stream, d.Group, d.EntryID).Err(); err != nil {
		return domain.WrapFault(domain.KindBusUnavailable,
			fmt.Sprintf("ack %s on %s", d.EntryID, d.Stream), err)
	}
	return nil
}

// Publish sends an envelope on the best-effort pub/sub class.
func (b *Bus) Publish(ctx context.Context, key string, payload any) error {
	env, err := domain.NewEnvelope(key, payload)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("bus: marshal envelope %s: %w", key, err)
	}
	if err := b.rdb.Publish(ctx, key, raw).Err(); err != nil {
		return domain.WrapFault(domain.KindBusUnavailable,
			fmt.Sprintf("publish %s", key), err)
	}
	return nil
}

// Subscribe delivers best-effort messages matching the pattern. When the
// subscriber cannot keep up, the oldest buffered frame is dropped (never the
// newest) and the condition is signalled on alerts.backpressure.drop.
func (b *Bus) Subscribe(ctx context.Context, pattern string) (<-chan domain.Envelope, error) {
	var pubsub *redis.PubSub
	if hasPattern(pattern) {
		pubsub = b.rdb.PSubscribe(ctx, pattern)
	} else {
		pubsub = b.rdb.Subscribe(ctx, pattern)
	}

	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, domain.WrapFault(domain.KindBusUnavailable,
			fmt.Sprintf("subscribe %s", pattern), err)
	}

	out := make(chan domain.Envelope, subscriberBuffer)
	go func() {
		defer close(out)
		defer pubsub.Close()

		var (
			dropped   int64
			lastAlert time.Time
		)
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env domain.Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					b.logger.WarnContext(ctx, "dropping malformed frame",
						slog.String("channel", msg.Channel),
						slog.String("error", err.Error()),
					)
					continue
				}
				select {
				case out <- env:
				default:
					// Full buffer: evict the oldest frame to make room.
					select {
					case <-out:
						dropped++
					default:
					}
					select {
					case out <- env:
					default:
					}
					if time.Since(lastAlert) >= dropAlertEvery {
						lastAlert = time.Now()
						b.noteDrops(ctx, pattern, dropped)
					}
				}
			}
		}
	}()

	return out, nil
}

func (b *Bus) noteDrops(ctx context.Context, pattern string, dropped int64) {
	b.logger.WarnContext(ctx, "subscriber lagging, dropping oldest frames",
		slog.String("pattern", pattern),
		slog.Int64("dropped_total", dropped),
	)
	alert := domain.Alert{
		Severity: "warning",
		Message:  "subscriber cannot keep up, oldest frames dropped",
		Detail:   fmt.Sprintf("pattern=%s dropped_total=%d", pattern, dropped),
		At:       time.Now().UTC(),
	}
	if err := b.Publish(ctx, domain.AlertBackpressureDrop, alert); err != nil {
		b.logger.WarnContext(ctx, "backpressure alert failed", slog.String("error", err.Error()))
	}
}

// hasPattern reports whether the channel uses glob wildcards, requiring
// PSUBSCRIBE.
func hasPattern(channel string) bool {
	return strings.ContainsAny(channel, "*?[")
}

// SetFlag persists a retained boolean and notifies live subscribers on the
// flag's own key.
func (b *Bus) SetFlag(ctx context.Context, name string, on bool) error {
	var err error
	if on {
		err = b.rdb.Set(ctx, flagPrefix+name, "1", 0).Err()
	} else {
		err = b.rdb.Del(ctx, flagPrefix+name).Err()
	}
	if err != nil {
		return domain.WrapFault(domain.KindBusUnavailable,
			fmt.Sprintf("set flag %s", name), err)
	}
	return b.Publish(ctx, name, map[string]bool{"on": on})
}

// Flag reads a retained boolean.
func (b *Bus) Flag(ctx context.Context, name string) (bool, error) {
	n, err := b.rdb.Exists(ctx, flagPrefix+name).Result()
	if err != nil {
		return false, domain.WrapFault(domain.KindBusUnavailable,
			fmt.Sprintf("read flag %s", name), err)
	}
	return n > 0, nil
}

// Ping verifies broker connectivity.
func (b *Bus) Ping(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return domain.WrapFault(domain.KindBusUnavailable, "ping", err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.Bus = (*Bus)(nil)
