package backup

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"testing"

	"golang.org/x/crypto/pbkdf2"
)

// encryptLegacy produces the old unauthenticated XOR format.
func encryptLegacy(t *testing.T, plain []byte, password string) []byte {
	t.Helper()
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		t.Fatal(err)
	}
	key := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, keyLen, sha256.New)
	out := make([]byte, 0, magicLen+saltLen+len(plain))
	out = append(out, magicLegacy...)
	out = append(out, salt...)
	for i, b := range plain {
		out = append(out, b^key[i%keyLen])
	}
	return out
}

func TestEncryptRoundTrip(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name     string
		plain    []byte
		password string
	}{
		{"json", []byte(`{"hello":"world"}`), "correct horse"},
		{"empty payload", []byte{}, "pw"},
		{"unicode password", []byte("payload"), "pässwörd-🔑"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blob, err := Encrypt(ctx, tt.plain, tt.password)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.HasPrefix(blob, magicGCM) {
				t.Errorf("missing magic: %q", blob[:magicLen])
			}
			if want := magicLen + saltLen + nonceLen + len(tt.plain) + 16; len(blob) != want {
				t.Errorf("len = %d, want %d", len(blob), want)
			}
			if !IsEncrypted(blob) {
				t.Error("IsEncrypted = false")
			}
			got, err := Decrypt(ctx, blob, tt.password)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, tt.plain) {
				t.Errorf("Decrypt = %q, want %q", got, tt.plain)
			}
		})
	}
}

func TestEncryptUsesFreshSaltAndNonce(t *testing.T) {
	ctx := context.Background()
	a, err := Encrypt(ctx, []byte("same"), "pw")
	if err != nil {
		t.Fatal(err)
	}
	b, err := Encrypt(ctx, []byte("same"), "pw")
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(a, b) {
		t.Error("two encryptions produced identical output")
	}
}

func TestDecryptWrongPassword(t *testing.T) {
	ctx := context.Background()
	blob, err := Encrypt(ctx, []byte(`{"a":1}`), "right")
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decrypt(ctx, blob, "wrong")
	if !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("err = %v, want ErrDecryptionFailed", err)
	}
	if got != nil {
		t.Errorf("wrong password returned plaintext %q", got)
	}
}

func TestDecryptDetectsTamper(t *testing.T) {
	ctx := context.Background()
	blob, err := Encrypt(ctx, []byte(`{"a":1}`), "pw")
	if err != nil {
		t.Fatal(err)
	}
	for _, pos := range []int{magicLen, magicLen + saltLen, len(blob) - 1} {
		tampered := bytes.Clone(blob)
		tampered[pos] ^= 0x01
		if _, err := Decrypt(ctx, tampered, "pw"); !errors.Is(err, ErrDecryptionFailed) {
			t.Errorf("flip at %d: err = %v, want ErrDecryptionFailed", pos, err)
		}
	}
	if _, err := Decrypt(ctx, blob[:magicLen+4], "pw"); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("truncated: err = %v", err)
	}
}

func TestDecryptLegacy(t *testing.T) {
	ctx := context.Background()
	plain := []byte(`{"manifest":{"version":1},"messages":[]}`)
	blob := encryptLegacy(t, plain, "old-password")

	if !IsEncrypted(blob) {
		t.Fatal("legacy blob not recognized as encrypted")
	}
	got, err := Decrypt(ctx, blob, "old-password")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, plain) {
		t.Errorf("legacy decrypt = %q", got)
	}
	if _, err := Decrypt(ctx, blob, "other"); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("legacy wrong password: err = %v", err)
	}
}

func TestDecryptUnknownHeader(t *testing.T) {
	if IsEncrypted([]byte(`{"manifest":{}}`)) {
		t.Error("plain JSON reported as encrypted")
	}
	if _, err := Decrypt(context.Background(), []byte("NOTMAGIC...."), "pw"); !errors.Is(err, ErrInvalidBackup) {
		t.Errorf("err = %v, want ErrInvalidBackup", err)
	}
}

func TestDeriveKeyHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Encrypt(ctx, []byte("x"), "pw"); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
