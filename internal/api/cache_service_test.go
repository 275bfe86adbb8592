package api

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/chatvault/internal/backup"
	"github.com/matheus3301/chatvault/internal/bus"
	"github.com/matheus3301/chatvault/internal/integrity"
	"github.com/matheus3301/chatvault/internal/status"
	"github.com/matheus3301/chatvault/internal/store"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

type harness struct {
	db      *store.DB
	bus     *bus.Bus
	machine *status.Machine
	conn    *grpc.ClientConn
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	// Short path for the Unix socket length limit.
	dir, err := os.MkdirTemp("/tmp", "cv-api-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	db, err := store.Open(filepath.Join(dir, "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	b := bus.New()
	machine := status.NewMachine(b)
	svc := NewCacheService(
		Options{Profile: "test", RetentionDays: 90, BackupKeep: 5},
		db,
		integrity.NewEngine(db, machine, b, nil),
		backup.NewService(db, b, nil, "test"),
		backup.NewFiles(filepath.Join(dir, "backups")),
		machine,
		b,
		nil,
	)

	srv := grpc.NewServer()
	Register(srv, svc)
	listener, err := net.Listen("unix", filepath.Join(dir, "d.sock"))
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Serve(listener) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient(
		"unix://"+filepath.Join(dir, "d.sock"),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	return &harness{db: db, bus: b, machine: machine, conn: conn}
}

func (h *harness) call(method string, fields map[string]any) (map[string]any, error) {
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp := new(structpb.Struct)
	if err := h.conn.Invoke(ctx, FullMethod(method), req, resp); err != nil {
		return nil, err
	}
	return resp.AsMap(), nil
}

func (h *harness) mustCall(t *testing.T, method string, fields map[string]any) map[string]any {
	t.Helper()
	resp, err := h.call(method, fields)
	if err != nil {
		t.Fatalf("%s: %v", method, err)
	}
	return resp
}

func (h *harness) seed(t *testing.T, n int) {
	t.Helper()
	now := time.Now()
	for i := 0; i < n; i++ {
		m := &store.Message{
			ID:         fmt.Sprintf("m%d", i),
			ChannelID:  "general",
			SenderID:   "u1",
			SenderName: "Alice",
			Content:    fmt.Sprintf("hello world %d", i),
			SentAt:     now.Add(-time.Duration(i) * time.Minute),
		}
		if err := h.db.UpsertMessage(context.Background(), m); err != nil {
			t.Fatal(err)
		}
	}
}

func wantCode(t *testing.T, err error, code codes.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, got nil error", code)
	}
	if got := grpcstatus.Code(err); got != code {
		t.Fatalf("code = %s, want %s (%v)", got, code, err)
	}
}

func TestStatusAndStats(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 3)

	st := h.mustCall(t, MethodStatus, nil)
	if st["profile"] != "test" || st["state"] != string(status.Booting) || st["serving"] != true {
		t.Errorf("status = %v", st)
	}

	stats := h.mustCall(t, MethodStats, nil)
	if stats["messageCount"] != float64(3) || stats["indexRowCount"] != float64(3) {
		t.Errorf("stats = %v", stats)
	}
	if stats["schemaVersion"] != float64(2) {
		t.Errorf("schemaVersion = %v, want 2", stats["schemaVersion"])
	}
}

func TestMessagesAndSearch(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 5)

	got := h.mustCall(t, MethodGetMessage, map[string]any{"id": "m2"})
	if got["found"] != true {
		t.Fatalf("GetMessage = %v", got)
	}
	if msg := got["message"].(map[string]any); msg["content"] != "hello world 2" {
		t.Errorf("content = %v", msg["content"])
	}
	if got := h.mustCall(t, MethodGetMessage, map[string]any{"id": "nope"}); got["found"] != false {
		t.Errorf("missing message: %v", got)
	}
	_, err := h.call(MethodGetMessage, nil)
	wantCode(t, err, codes.InvalidArgument)

	list := h.mustCall(t, MethodListMessages, map[string]any{"channelId": "general", "limit": 2})
	if msgs := list["messages"].([]any); len(msgs) != 2 || list["hasMore"] != true {
		t.Errorf("ListMessages = %v", list)
	}

	for _, mode := range []string{"", "prefix", "substring"} {
		res := h.mustCall(t, MethodSearch, map[string]any{"query": "hello", "mode": mode})
		if results := res["results"].([]any); len(results) != 5 {
			t.Errorf("mode %q: got %d results, want 5", mode, len(results))
		}
	}
	res := h.mustCall(t, MethodSearch, map[string]any{"query": "Alice", "mode": "sender"})
	if results := res["results"].([]any); len(results) != 5 {
		t.Errorf("sender search: got %d results, want 5", len(results))
	}
	_, err = h.call(MethodSearch, map[string]any{"query": "hello", "mode": "fuzzy"})
	wantCode(t, err, codes.InvalidArgument)
}

func TestIntegrityMethods(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 4)

	report := h.mustCall(t, MethodCheck, nil)
	if report["healthy"] != true {
		t.Errorf("check = %v", report)
	}
	repair := h.mustCall(t, MethodRepair, nil)
	if repair["success"] != true || len(repair["actions"].([]any)) == 0 {
		t.Errorf("repair = %v", repair)
	}

	_, err := h.call(MethodRecover, nil)
	wantCode(t, err, codes.FailedPrecondition)

	rec := h.mustCall(t, MethodRecover, map[string]any{"confirm": true})
	if rec["success"] != true || rec["messagesRecovered"] != float64(4) {
		t.Errorf("recover = %v", rec)
	}
	if st := h.mustCall(t, MethodStatus, nil); st["state"] != string(status.Healthy) {
		t.Errorf("state after recovery = %v", st["state"])
	}
}

func TestStoreRefusedWhileRecovering(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 1)

	if err := h.machine.Transition(status.Recovering); err != nil {
		t.Fatal(err)
	}
	st := h.mustCall(t, MethodStatus, nil)
	if st["state"] != string(status.Recovering) || st["serving"] != false || st["transitions"] != float64(1) {
		t.Errorf("status = %v", st)
	}
	_, err := h.call(MethodGetMessage, map[string]any{"id": "m0"})
	wantCode(t, err, codes.FailedPrecondition)
	_, err = h.call(MethodSearch, map[string]any{"query": "hello"})
	wantCode(t, err, codes.FailedPrecondition)
	_, err = h.call(MethodCreateBackup, nil)
	wantCode(t, err, codes.FailedPrecondition)

	// Backup files stay listable.
	h.mustCall(t, MethodListBackups, nil)

	if err := h.machine.Transition(status.Healthy); err != nil {
		t.Fatal(err)
	}
	if got := h.mustCall(t, MethodGetMessage, map[string]any{"id": "m0"}); got["found"] != true {
		t.Errorf("GetMessage after recovery = %v", got)
	}
}

func TestPruneAndVacuum(t *testing.T) {
	h := newHarness(t)
	old := &store.Message{
		ID: "old", ChannelID: "general", SenderID: "u1", SenderName: "Alice",
		Content: "ancient", SentAt: time.Now().AddDate(0, 0, -200),
	}
	if err := h.db.UpsertMessage(context.Background(), old); err != nil {
		t.Fatal(err)
	}
	h.seed(t, 2)

	res := h.mustCall(t, MethodPrune, nil)
	if res["deleted"] != float64(1) || res["keepDays"] != float64(90) {
		t.Errorf("prune = %v", res)
	}
	h.mustCall(t, MethodVacuum, nil)
}

func TestBackupMethods(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 6)

	_, err := h.call(MethodRestoreBackup, nil)
	wantCode(t, err, codes.NotFound)

	created := h.mustCall(t, MethodCreateBackup, map[string]any{"password": "hunter2"})
	if created["encrypted"] != true {
		t.Errorf("create = %v", created)
	}
	manifest := created["manifest"].(map[string]any)
	if manifest["messageCount"] != float64(6) {
		t.Errorf("manifest = %v", manifest)
	}

	listed := h.mustCall(t, MethodListBackups, nil)
	if backups := listed["backups"].([]any); len(backups) != 1 {
		t.Fatalf("ListBackups = %v", listed)
	}

	v := h.mustCall(t, MethodVerifyBackup, nil)
	if v["valid"] != false || v["needsPassword"] != true {
		t.Errorf("verify without password = %v", v)
	}
	v = h.mustCall(t, MethodVerifyBackup, map[string]any{"password": "hunter2"})
	if v["valid"] != true {
		t.Errorf("verify = %v", v)
	}

	_, err = h.call(MethodRestoreBackup, map[string]any{"password": "wrong"})
	wantCode(t, err, codes.PermissionDenied)

	if err := h.db.ClearAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	restored := h.mustCall(t, MethodRestoreBackup, map[string]any{"password": "hunter2"})
	if restored["messagesRestored"] != float64(6) {
		t.Errorf("restore = %v", restored)
	}

	_, err = h.call(MethodRestoreBackup, map[string]any{"name": "../etc/passwd"})
	wantCode(t, err, codes.InvalidArgument)
}

func TestWatchEvents(t *testing.T) {
	h := newHarness(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	desc := &grpc.StreamDesc{StreamName: MethodWatchEvents, ServerStreams: true}
	stream, err := h.conn.NewStream(ctx, desc, FullMethod(MethodWatchEvents))
	if err != nil {
		t.Fatal(err)
	}
	req, _ := structpb.NewStruct(map[string]any{"namespace": "backup."})
	if err := stream.SendMsg(req); err != nil {
		t.Fatal(err)
	}
	if err := stream.CloseSend(); err != nil {
		t.Fatal(err)
	}

	// The subscription is registered asynchronously; keep emitting until
	// the first event arrives.
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.bus.Emit(bus.KindMessagesUpserted, nil)
				h.bus.Emit(bus.KindBackupCreated, nil)
			}
		}
	}()

	evt := new(structpb.Struct)
	if err := stream.RecvMsg(evt); err != nil {
		t.Fatal(err)
	}
	got := evt.AsMap()
	if got["kind"] != bus.KindBackupCreated {
		t.Errorf("kind = %v, want %s", got["kind"], bus.KindBackupCreated)
	}
	if id, _ := got["eventId"].(string); len(id) != 36 {
		t.Errorf("eventId = %v", got["eventId"])
	}
}
