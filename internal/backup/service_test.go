package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/matheus3301/chatvault/internal/bus"
	"github.com/matheus3301/chatvault/internal/store"
)

var testNow = time.UnixMilli(1_760_000_000_000)

func testStore(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "cache.db"),
		store.WithClock(func() time.Time { return testNow }))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testService(db *store.DB) *Service {
	s := NewService(db, nil, nil, "test")
	s.now = func() time.Time { return testNow }
	return s
}

// seed inserts n messages over the given channels, soft-deleting every 7th.
func seed(t *testing.T, db *store.DB, n, channels int) (deleted int) {
	t.Helper()
	ctx := context.Background()
	avatar := "https://example.invalid/a.png"
	for i := 0; i < n; i++ {
		m := &store.Message{
			ID:              fmt.Sprintf("m%03d", i),
			ChannelID:       fmt.Sprintf("c%d", i%channels),
			SenderID:        fmt.Sprintf("u%d", i%4),
			SenderName:      "Sender",
			Content:         fmt.Sprintf("message <%d> & \"quoted\"", i),
			AttachmentsJSON: `[{"name":"a.txt"}]`,
			SentAt:          testNow.Add(-time.Duration(i) * time.Hour),
		}
		if i%3 == 0 {
			m.SenderAvatar = &avatar
		}
		if err := db.UpsertMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
		if i%7 == 0 {
			if err := db.SoftDeleteMessage(ctx, m.ID); err != nil {
				t.Fatal(err)
			}
			deleted++
		}
	}
	for c := 0; c < channels; c++ {
		meta := &store.ChannelSyncMeta{
			ChannelID:    fmt.Sprintf("c%d", c),
			LastSyncedAt: testNow.Add(-time.Minute),
			HasMore:      c%2 == 0,
			MessageCount: n / channels,
		}
		if err := db.UpdateChannelMeta(ctx, meta); err != nil {
			t.Fatal(err)
		}
	}
	return deleted
}

func TestBackupRestoreEndToEnd(t *testing.T) {
	db := testStore(t)
	svc := testService(db)
	ctx := context.Background()
	deleted := seed(t, db, 100, 3)

	before := map[string]*store.Message{}
	for _, id := range []string{"m001", "m002", "m050", "m099"} {
		m, err := db.GetMessage(ctx, id)
		if err != nil || m == nil {
			t.Fatalf("get %s: %v", id, err)
		}
		before[id] = m
	}
	metaBefore, err := db.GetAllChannelMeta(ctx)
	if err != nil {
		t.Fatal(err)
	}

	b, err := svc.CreateBackup(ctx, "", false)
	if err != nil {
		t.Fatal(err)
	}
	if b.Encrypted {
		t.Error("backup without password reported encrypted")
	}
	if !json.Valid(b.Data) {
		t.Fatal("plain backup is not JSON")
	}
	if b.Manifest.MessageCount != 100-deleted || b.Manifest.ChannelCount != 3 {
		t.Errorf("manifest counts = %d/%d", b.Manifest.MessageCount, b.Manifest.ChannelCount)
	}
	if b.Manifest.SchemaVersion != 2 || b.Manifest.BackupID == "" || len(b.Manifest.Checksum) != 16 {
		t.Errorf("manifest = %+v", b.Manifest)
	}

	if err := db.ClearAll(ctx); err != nil {
		t.Fatal(err)
	}
	res, err := svc.RestoreFromBytes(ctx, b.Data, "", false)
	if err != nil {
		t.Fatal(err)
	}
	if res.MessagesRestored != 100-deleted || res.ChannelsRestored != 3 {
		t.Errorf("restored %d messages, %d channels", res.MessagesRestored, res.ChannelsRestored)
	}
	if res.MessagesSkipped != 0 || res.ChannelsSkipped != 0 {
		t.Errorf("skipped = %d/%d", res.MessagesSkipped, res.ChannelsSkipped)
	}
	if !res.BackupCreatedAt.Equal(testNow) {
		t.Errorf("backup created at = %v", res.BackupCreatedAt)
	}

	stats, err := db.GetStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.MessageCount != int64(100-deleted) || stats.DeletedCount != 0 || stats.ChannelCount != 3 {
		t.Errorf("stats after restore = %+v", stats)
	}
	if stats.IndexRowCount != stats.MessageCount {
		t.Errorf("index rows = %d, messages = %d", stats.IndexRowCount, stats.MessageCount)
	}
	for id, want := range before {
		got, err := db.GetMessage(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("%s after restore:\n got  %+v\n want %+v", id, got, want)
		}
	}
	if got, _ := db.GetMessage(ctx, "m007"); got != nil {
		t.Error("soft-deleted message restored without includeDeleted")
	}
	metaAfter, err := db.GetAllChannelMeta(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(metaAfter, metaBefore) {
		t.Errorf("channel meta after restore = %+v, want %+v", metaAfter, metaBefore)
	}
}

func TestBackupIncludeDeleted(t *testing.T) {
	db := testStore(t)
	svc := testService(db)
	ctx := context.Background()
	seed(t, db, 14, 2)
	want, _ := db.GetMessage(ctx, "m007")

	b, err := svc.CreateBackup(ctx, "", true)
	if err != nil {
		t.Fatal(err)
	}
	if b.Manifest.MessageCount != 14 || !b.Manifest.IncludesDeleted {
		t.Errorf("manifest = %+v", b.Manifest)
	}
	if _, err := svc.RestoreFromBytes(ctx, b.Data, "", false); err != nil {
		t.Fatal(err)
	}
	got, _ := db.GetMessage(ctx, "m007")
	if !reflect.DeepEqual(got, want) {
		t.Errorf("soft-deleted message after restore:\n got  %+v\n want %+v", got, want)
	}
	if n, _ := db.IndexRowCount(ctx); n != 12 {
		t.Errorf("index rows = %d, want 12", n)
	}
}

func TestEncryptedBackupRestore(t *testing.T) {
	db := testStore(t)
	svc := testService(db)
	ctx := context.Background()
	seed(t, db, 10, 2)

	b, err := svc.CreateBackup(ctx, "s3cret", false)
	if err != nil {
		t.Fatal(err)
	}
	if !b.Encrypted || !IsEncrypted(b.Data) {
		t.Fatal("backup with password is not encrypted")
	}
	if bytes.Contains(b.Data, []byte("message")) {
		t.Error("ciphertext leaks plaintext")
	}

	if _, err := svc.RestoreFromBytes(ctx, b.Data, "", false); !errors.Is(err, ErrPasswordRequired) {
		t.Errorf("no password: err = %v, want ErrPasswordRequired", err)
	}
	if _, err := svc.RestoreFromBytes(ctx, b.Data, "nope", false); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("wrong password: err = %v, want ErrDecryptionFailed", err)
	}
	if n, _ := db.ActiveMessageCount(ctx); n != 8 {
		t.Fatalf("failed restores modified the store: %d active", n)
	}

	if err := db.ClearAll(ctx); err != nil {
		t.Fatal(err)
	}
	res, err := svc.RestoreFromBytes(ctx, b.Data, "s3cret", false)
	if err != nil {
		t.Fatal(err)
	}
	if res.MessagesRestored != 8 {
		t.Errorf("restored %d, want 8", res.MessagesRestored)
	}
}

func TestRestoreLegacyEncryptedBackup(t *testing.T) {
	db := testStore(t)
	svc := testService(db)
	ctx := context.Background()
	seed(t, db, 5, 1)

	b, err := svc.CreateBackup(ctx, "", false)
	if err != nil {
		t.Fatal(err)
	}
	legacy := encryptLegacy(t, b.Data, "legacy-pw")
	if err := db.ClearAll(ctx); err != nil {
		t.Fatal(err)
	}
	res, err := svc.RestoreFromBytes(ctx, legacy, "legacy-pw", false)
	if err != nil {
		t.Fatal(err)
	}
	if res.MessagesRestored != 4 {
		t.Errorf("restored %d, want 4", res.MessagesRestored)
	}
}

func TestTamperDetection(t *testing.T) {
	db := testStore(t)
	svc := testService(db)
	ctx := context.Background()
	seed(t, db, 3, 1)

	b, err := svc.CreateBackup(ctx, "", false)
	if err != nil {
		t.Fatal(err)
	}
	loc := checksumField.FindIndex(b.Data)
	if loc == nil {
		t.Fatal("checksum field not found")
	}
	for i := range b.Data {
		if i >= loc[0] && i < loc[1] {
			continue
		}
		tampered := bytes.Clone(b.Data)
		tampered[i] ^= 0x01
		if _, err := Decode(tampered); !errors.Is(err, ErrChecksumMismatch) {
			t.Fatalf("flip at %d (%q): err = %v, want ErrChecksumMismatch", i, b.Data[i], err)
		}
	}

	// A tampered restore fails before clearing the store.
	tampered := bytes.Replace(b.Data, []byte(`"senderId":"u1"`), []byte(`"senderId":"u9"`), 1)
	if bytes.Equal(tampered, b.Data) {
		t.Fatal("tamper target not found")
	}
	if _, err := svc.RestoreFromBytes(ctx, tampered, "", false); !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("err = %v, want ErrChecksumMismatch", err)
	}
	if n, _ := db.ActiveMessageCount(ctx); n != 2 {
		t.Errorf("store modified by failed restore: %d active", n)
	}
}

func TestRestoreRejectsNewerSchema(t *testing.T) {
	db := testStore(t)
	svc := testService(db)
	ctx := context.Background()
	seed(t, db, 3, 1)

	data, err := Encode(&Envelope{Manifest: Manifest{Version: FormatVersion, SchemaVersion: 99}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.RestoreFromBytes(ctx, data, "", false); !errors.Is(err, ErrIncompatibleVersion) {
		t.Fatalf("err = %v, want ErrIncompatibleVersion", err)
	}
	if n, _ := db.ActiveMessageCount(ctx); n != 2 {
		t.Errorf("store modified by rejected restore: %d active", n)
	}

	data, err = Encode(&Envelope{Manifest: Manifest{Version: FormatVersion + 1}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decode(data); !errors.Is(err, ErrIncompatibleVersion) {
		t.Errorf("newer format: err = %v, want ErrIncompatibleVersion", err)
	}
}

func TestRestoreMerge(t *testing.T) {
	db := testStore(t)
	svc := testService(db)
	ctx := context.Background()
	seed(t, db, 4, 1)

	b, err := svc.CreateBackup(ctx, "", false)
	if err != nil {
		t.Fatal(err)
	}
	local := &store.Message{ID: "local", ChannelID: "c9", SenderName: "Me", Content: "only here", SentAt: testNow}
	if err := db.UpsertMessage(ctx, local); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.RestoreFromBytes(ctx, b.Data, "", true); err != nil {
		t.Fatal(err)
	}
	if got, _ := db.GetMessage(ctx, "local"); got == nil {
		t.Error("merge restore removed a local message")
	}

	if _, err := svc.RestoreFromBytes(ctx, b.Data, "", false); err != nil {
		t.Fatal(err)
	}
	if got, _ := db.GetMessage(ctx, "local"); got != nil {
		t.Error("replace restore kept a local message")
	}
}

func TestRestoreSkipsBadRows(t *testing.T) {
	db := testStore(t)
	svc := testService(db)
	ctx := context.Background()

	env := &Envelope{
		Manifest: Manifest{Version: FormatVersion, SchemaVersion: 2, CreatedAt: testNow.UnixMilli()},
		Messages: []MessageRecord{
			{ID: "ok", ChannelID: "c1", Content: "fine", SentAt: 1000, AttachmentsJSON: "[]", CachedAt: 1000},
			{ID: "", ChannelID: "c1", Content: "no id", SentAt: 2000},
		},
		SyncMeta: []SyncMetaRecord{
			{ChannelID: "c1", LastSyncedAt: 1000},
			{ChannelID: ""},
		},
	}
	data, err := Encode(env)
	if err != nil {
		t.Fatal(err)
	}
	res, err := svc.RestoreFromBytes(ctx, data, "", false)
	if err != nil {
		t.Fatal(err)
	}
	want := RestoreResult{MessagesRestored: 1, ChannelsRestored: 1, MessagesSkipped: 1, ChannelsSkipped: 1}
	if res.MessagesRestored != want.MessagesRestored || res.ChannelsRestored != want.ChannelsRestored ||
		res.MessagesSkipped != want.MessagesSkipped || res.ChannelsSkipped != want.ChannelsSkipped {
		t.Errorf("result = %+v", res)
	}
}

func TestVerifyBackup(t *testing.T) {
	db := testStore(t)
	ctx := context.Background()
	seed(t, db, 6, 2)
	b := bus.New()
	events, unsub := b.Subscribe("backup.", 4)
	defer unsub()
	svc := NewService(db, b, nil, "test")

	plain, err := svc.CreateBackup(ctx, "", false)
	if err != nil {
		t.Fatal(err)
	}
	enc, err := svc.CreateBackup(ctx, "pw", false)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		select {
		case evt := <-events:
			if evt.Kind != bus.KindBackupCreated {
				t.Errorf("event kind = %s", evt.Kind)
			}
		case <-time.After(time.Second):
			t.Fatal("missing backup.created event")
		}
	}

	tests := []struct {
		name          string
		data          []byte
		password      string
		valid         bool
		encrypted     bool
		needsPassword bool
		err           error
	}{
		{"plain", plain.Data, "", true, false, false, nil},
		{"encrypted with password", enc.Data, "pw", true, true, false, nil},
		{"encrypted without password", enc.Data, "", false, true, true, ErrPasswordRequired},
		{"encrypted wrong password", enc.Data, "x", false, true, false, ErrDecryptionFailed},
		{"garbage", []byte("not a backup"), "", false, false, false, ErrInvalidBackup},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := svc.VerifyBackup(ctx, tt.data, tt.password)
			if v.Valid != tt.valid || v.Encrypted != tt.encrypted || v.NeedsPassword != tt.needsPassword {
				t.Errorf("verification = %+v", v)
			}
			if tt.err != nil && !errors.Is(v.Err, tt.err) {
				t.Errorf("err = %v, want %v", v.Err, tt.err)
			}
			if tt.valid && (v.Manifest == nil || v.Manifest.MessageCount != plain.Manifest.MessageCount) {
				t.Errorf("manifest = %+v", v.Manifest)
			}
		})
	}

	if n, _ := db.ActiveMessageCount(ctx); n != 5 {
		t.Errorf("verify modified the store: %d active", n)
	}
}

func TestUserMessage(t *testing.T) {
	if UserMessage(nil) != "" {
		t.Error("nil error should have no message")
	}
	seen := map[string]bool{}
	for _, err := range []error{ErrPasswordRequired, ErrDecryptionFailed, ErrChecksumMismatch,
		ErrIncompatibleVersion, ErrInvalidBackup, ErrBackupNotFound} {
		msg := UserMessage(fmt.Errorf("wrapped: %w", err))
		if msg == "" || seen[msg] {
			t.Errorf("%v: message %q empty or not distinct", err, msg)
		}
		seen[msg] = true
	}
}
