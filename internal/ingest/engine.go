// Package ingest feeds messages arriving from the remote sync transport into
// the local store.
package ingest

import (
	"context"
	"fmt"
	"slices"

	"github.com/matheus3301/chatvault/internal/bus"
	"github.com/matheus3301/chatvault/internal/metrics"
	"github.com/matheus3301/chatvault/internal/store"
	"go.uber.org/zap"
)

// Engine handles idempotent ingestion of remote messages into the store.
// It subscribes to "remote." events on the bus and processes them in order.
type Engine struct {
	db      *store.DB
	bus     *bus.Bus
	cursors *Cursors
	logger  *zap.Logger
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewEngine creates a new ingestion engine.
func NewEngine(db *store.DB, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("ingest")
	return &Engine{
		db:      db,
		bus:     b,
		cursors: NewCursors(db, logger),
		logger:  logger,
	}
}

// Cursors returns the sync cursor tracker used by the engine.
func (e *Engine) Cursors() *Cursors {
	return e.cursors
}

// Start subscribes to remote sync events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	ch, unsub := e.bus.Subscribe("remote.", 256)

	go func() {
		defer close(e.done)
		defer unsub()
		for {
			select {
			case evt, ok := <-ch:
				if !ok {
					return
				}
				e.handleEvent(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine and waits for the event in flight.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
}

func (e *Engine) handleEvent(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case bus.KindRemoteMessages:
		msgs, ok := evt.Payload.([]store.Message)
		if !ok {
			e.logger.Warn("unexpected payload", zap.String("kind", evt.Kind))
			return
		}
		if err := e.IngestBatch(ctx, msgs); err != nil {
			e.logger.Error("failed to ingest batch", zap.Error(err), zap.Int("count", len(msgs)))
		}
	case bus.KindRemoteMessageDeleted:
		id, ok := evt.Payload.(string)
		if !ok {
			e.logger.Warn("unexpected payload", zap.String("kind", evt.Kind))
			return
		}
		if err := e.MarkDeleted(ctx, id); err != nil {
			e.logger.Error("failed to mark message deleted", zap.Error(err), zap.String("id", id))
		}
	case bus.KindRemoteChannelCleared:
		channelID, ok := evt.Payload.(string)
		if !ok {
			e.logger.Warn("unexpected payload", zap.String("kind", evt.Kind))
			return
		}
		if err := e.ClearChannel(ctx, channelID); err != nil {
			e.logger.Error("failed to clear channel", zap.Error(err), zap.String("channel_id", channelID))
		}
	case bus.KindRemoteCursor:
		c, ok := evt.Payload.(bus.RemoteCursor)
		if !ok {
			e.logger.Warn("unexpected payload", zap.String("kind", evt.Kind))
			return
		}
		if err := e.cursors.Record(ctx, c.ChannelID, c.Fetched, c.HasMore); err != nil {
			e.logger.Error("failed to record sync cursor", zap.Error(err), zap.String("channel_id", c.ChannelID))
		}
	}
}

// IngestBatch upserts a batch of messages in one transaction (idempotent) and
// announces the channels it touched.
func (e *Engine) IngestBatch(ctx context.Context, msgs []store.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	if err := e.db.BatchUpsertMessages(ctx, msgs); err != nil {
		return fmt.Errorf("upsert batch: %w", err)
	}
	metrics.IngestedMessages.Add(float64(len(msgs)))

	channels := make([]string, 0, 1)
	for i := range msgs {
		channels = append(channels, msgs[i].ChannelID)
	}
	slices.Sort(channels)
	channels = slices.Compact(channels)

	e.bus.Emit(bus.KindMessagesUpserted, bus.MessagesUpserted{ChannelIDs: channels, Count: len(msgs)})
	e.logger.Debug("batch ingested", zap.Int("messages", len(msgs)), zap.Strings("channels", channels))
	return nil
}

// MarkDeleted soft-deletes a message removed on the remote. Unknown ids are ignored.
func (e *Engine) MarkDeleted(ctx context.Context, id string) error {
	if err := e.db.SoftDeleteMessage(ctx, id); err != nil {
		return fmt.Errorf("soft delete %q: %w", id, err)
	}
	return nil
}

// ClearChannel drops a channel's messages and its sync cursor, so the next
// history fetch starts over.
func (e *Engine) ClearChannel(ctx context.Context, channelID string) error {
	if err := e.db.DeleteChannelMessages(ctx, channelID); err != nil {
		return err
	}
	e.logger.Info("channel cleared", zap.String("channel_id", channelID))
	return nil
}
