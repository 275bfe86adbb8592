package ingest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/chatvault/internal/bus"
	"github.com/matheus3301/chatvault/internal/store"
	"go.uber.org/zap"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func remote(id, channel, content string, sentAt int64) store.Message {
	return store.Message{
		ID:         id,
		ChannelID:  channel,
		SenderID:   "u1",
		SenderName: "Remote",
		Content:    content,
		SentAt:     time.UnixMilli(sentAt),
	}
}

func TestEngineIngestBatch(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	e := NewEngine(db, b, nil)

	ch, unsub := b.Subscribe("store.", 10)
	defer unsub()

	msgs := []store.Message{
		remote("m1", "b", "one", 1000),
		remote("m2", "a", "two", 2000),
		remote("m3", "b", "three", 3000),
	}
	if err := e.IngestBatch(context.Background(), msgs); err != nil {
		t.Fatal(err)
	}

	msgsA, _ := db.GetMessagesForChannel(context.Background(), "a", 10, nil)
	msgsB, _ := db.GetMessagesForChannel(context.Background(), "b", 10, nil)
	if len(msgsA) != 1 || len(msgsB) != 2 {
		t.Errorf("got %d+%d messages, want 1+2", len(msgsA), len(msgsB))
	}

	select {
	case evt := <-ch:
		if evt.Kind != bus.KindMessagesUpserted {
			t.Fatalf("event kind = %q, want %s", evt.Kind, bus.KindMessagesUpserted)
		}
		p := evt.Payload.(bus.MessagesUpserted)
		if p.Count != 3 || len(p.ChannelIDs) != 2 || p.ChannelIDs[0] != "a" || p.ChannelIDs[1] != "b" {
			t.Errorf("payload = %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for messages_upserted event")
	}
}

func TestEngineIngestBatchIdempotent(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, bus.New(), nil)
	ctx := context.Background()

	batch := []store.Message{remote("m1", "a", "v1", 1000)}
	if err := e.IngestBatch(ctx, batch); err != nil {
		t.Fatal(err)
	}
	batch[0].Content = "v2"
	if err := e.IngestBatch(ctx, batch); err != nil {
		t.Fatal(err)
	}

	stored, _ := db.GetMessagesForChannel(ctx, "a", 10, nil)
	if len(stored) != 1 {
		t.Fatalf("got %d messages, want 1 (idempotent batch)", len(stored))
	}
	if stored[0].Content != "v2" {
		t.Errorf("content = %q, want v2", stored[0].Content)
	}
	if err := e.IngestBatch(ctx, nil); err != nil {
		t.Errorf("empty batch: %v", err)
	}
}

func TestEngineMarkDeleted(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, bus.New(), nil)
	ctx := context.Background()

	if err := e.IngestBatch(ctx, []store.Message{remote("m1", "a", "gone soon", 1000)}); err != nil {
		t.Fatal(err)
	}
	if err := e.MarkDeleted(ctx, "m1"); err != nil {
		t.Fatal(err)
	}
	if err := e.MarkDeleted(ctx, "unknown"); err != nil {
		t.Errorf("unknown id: %v", err)
	}
	m, _ := db.GetMessage(ctx, "m1")
	if m == nil || !m.IsDeleted {
		t.Errorf("message = %+v, want soft-deleted", m)
	}
}

func TestEngineClearChannel(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, bus.New(), nil)
	ctx := context.Background()

	batch := []store.Message{remote("k1", "keep", "stays", 1000), remote("g1", "gone", "goes", 2000)}
	if err := e.IngestBatch(ctx, batch); err != nil {
		t.Fatal(err)
	}
	if err := e.Cursors().Record(ctx, "gone", 1, true); err != nil {
		t.Fatal(err)
	}

	if err := e.ClearChannel(ctx, "gone"); err != nil {
		t.Fatal(err)
	}
	if msgs, _ := db.GetMessagesForChannel(ctx, "gone", 10, nil); len(msgs) != 0 {
		t.Errorf("cleared channel still has %d messages", len(msgs))
	}
	if meta, _ := db.GetChannelMeta(ctx, "gone"); meta != nil {
		t.Errorf("cleared channel meta = %+v, want nil", meta)
	}
	if msgs, _ := db.GetMessagesForChannel(ctx, "keep", 10, nil); len(msgs) != 1 {
		t.Errorf("other channel has %d messages, want 1", len(msgs))
	}
}

func TestCursorsRecord(t *testing.T) {
	db := testDB(t)
	c := NewCursors(db, zap.NewNop())
	ctx := context.Background()

	need, err := c.NeedsHistory(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if !need {
		t.Error("unsynced channel should need history")
	}

	if err := c.Record(ctx, "a", 50, true); err != nil {
		t.Fatal(err)
	}
	if err := c.Record(ctx, "a", 20, false); err != nil {
		t.Fatal(err)
	}
	meta, _ := db.GetChannelMeta(ctx, "a")
	if meta == nil || meta.MessageCount != 70 || meta.HasMore {
		t.Errorf("meta = %+v, want 70 messages and no more history", meta)
	}
	if meta.LastSyncedAt.IsZero() {
		t.Error("last synced at not stamped")
	}
	if need, _ := c.NeedsHistory(ctx, "a"); need {
		t.Error("fully synced channel should not need history")
	}
}

// TestEngineBusSubscription verifies the engine processes remote events from the bus.
func TestEngineBusSubscription(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	logger, _ := zap.NewDevelopment()
	e := NewEngine(db, b, logger)

	ctx := context.Background()
	e.Start(ctx)
	defer e.Stop()

	b.Emit(bus.KindRemoteMessages, []store.Message{
		remote("bm1", "bus", "from bus", 5000),
		remote("bm2", "bus", "from bus too", 6000),
	})
	b.Emit(bus.KindRemoteMessageDeleted, "bm1")
	b.Emit(bus.KindRemoteCursor, bus.RemoteCursor{ChannelID: "bus", Fetched: 2, HasMore: true})
	// Wrong payloads are dropped without stopping the engine.
	b.Emit(bus.KindRemoteMessages, "not a batch")

	deadline := time.Now().Add(2 * time.Second)
	for {
		m, _ := db.GetMessage(ctx, "bm1")
		meta, _ := db.GetChannelMeta(ctx, "bus")
		if m != nil && m.IsDeleted && meta != nil {
			if meta.MessageCount != 2 || !meta.HasMore {
				t.Errorf("meta = %+v", meta)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("events not processed: message=%+v meta=%+v", m, meta)
		}
		time.Sleep(20 * time.Millisecond)
	}

	msgs, err := db.GetMessagesForChannel(ctx, "bus", 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Errorf("got %d messages, want 2", len(msgs))
	}
}
