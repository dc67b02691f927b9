package connector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"tidebot/internal/domain"
	"tidebot/internal/exchange"
)

// SnapshotResponder answers commands.snapshot_state with exchange ground
// truth. Replies go to events.reconcile.snapshot.<correlation_id> so the
// requester can wait on exactly its own answer.
type SnapshotResponder struct {
	bus       domain.Bus
	exchanges map[string]exchange.Exchange
	symbols   map[string][]string // exchange name -> traded symbol universe
	consumer  string
	logger    *slog.Logger
}

// NewSnapshotResponder builds the responder.
func NewSnapshotResponder(bus domain.Bus, exchanges map[string]exchange.Exchange,
	symbols map[string][]string, consumer string, logger *slog.Logger) *SnapshotResponder {
	return &SnapshotResponder{
		bus:       bus,
		exchanges: exchanges,
		symbols:   symbols,
		consumer:  consumer,
		logger:    logger.With(slog.String("component", "snapshot")),
	}
}

// Run consumes snapshot requests until ctx ends.
func (r *SnapshotResponder) Run(ctx context.Context) error {
	ch, err := r.bus.QueueConsume(ctx, domain.KeySnapshotState, consumerGroup, r.consumer)
	if err != nil {
		return fmt.Errorf("snapshot responder: consume: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-ch:
			if !ok {
				return ctx.Err()
			}
			r.handle(ctx, d)
			if err := r.bus.Ack(ctx, d); err != nil {
				r.logger.WarnContext(ctx, "ack failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *SnapshotResponder) handle(ctx context.Context, d domain.Delivery) {
	var req domain.SnapshotRequest
	if err := d.Envelope.Decode(&req); err != nil {
		r.logger.WarnContext(ctx, "undecodable snapshot request dropped", slog.String("error", err.Error()))
		return
	}

	reply := domain.SnapshotReply{CorrelationID: req.CorrelationID}
	for name, ex := range r.exchanges {
		snap, err := exchange.Snapshot(ctx, ex, r.symbols[name])
		if err != nil {
			// A partial reply is worse than an explicit failure: the
			// reconciler must not repair against incomplete truth.
			reply.Snapshots = nil
			reply.Err = fmt.Sprintf("snapshot %s: %v", name, err)
			break
		}
		reply.Snapshots = append(reply.Snapshots, snap)
	}

	key := domain.SnapshotReplyKey(req.CorrelationID)
	if err := r.bus.QueuePublish(ctx, key, reply); err != nil {
		r.logger.ErrorContext(ctx, "publish snapshot reply failed",
			slog.String("correlation_id", req.CorrelationID), slog.String("error", err.Error()))
		return
	}
	r.logger.InfoContext(ctx, "snapshot served",
		slog.String("correlation_id", req.CorrelationID),
		slog.Int("exchanges", len(reply.Snapshots)),
		slog.Duration("took", time.Since(req.RequestedAt)))
}
