package store

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func TestSealRoundTrip(t *testing.T) {
	sealer := NewSealer(filepath.Join(t.TempDir(), "secret"), zap.NewNop())

	plain := []byte(`{"accessToken":"a","refreshToken":"r"}`)
	sealed, err := sealer.Seal(plain)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Contains(sealed, []byte("refreshToken")) {
		t.Fatal("sealed blob leaks plaintext")
	}
	if sealed[0] != sealFormatAEAD {
		t.Fatalf("expected AEAD format byte, got 0x%02x", sealed[0])
	}

	opened, err := sealer.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(opened, plain) {
		t.Fatalf("round trip mismatch: %q", opened)
	}
}

func TestSealSecretPersistsAcrossSealers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secret")

	first := NewSealer(path, zap.NewNop())
	sealed, err := first.Seal([]byte("hello"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	// A new sealer loading the same secret file must open the blob.
	second := NewSealer(path, zap.NewNop())
	opened, err := second.Open(sealed)
	if err != nil {
		t.Fatalf("open with reloaded secret: %v", err)
	}
	if string(opened) != "hello" {
		t.Fatalf("mismatch: %q", opened)
	}
}

func TestSealObfuscationFallback(t *testing.T) {
	// A directory as the secret path cannot be read or written, forcing
	// the obfuscation fallback.
	sealer := NewSealer(t.TempDir(), zap.NewNop())

	plain := []byte("fallback payload")
	sealed, err := sealer.Seal(plain)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if sealed[0] != sealFormatObfuscated {
		t.Fatalf("expected obfuscated format byte, got 0x%02x", sealed[0])
	}
	if bytes.Contains(sealed, plain) {
		t.Fatal("obfuscated blob contains raw plaintext")
	}

	opened, err := sealer.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(opened, plain) {
		t.Fatalf("round trip mismatch: %q", opened)
	}
}

func TestTruncatedSecretFileIsNotOverwritten(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret")
	if err := os.WriteFile(path, []byte("stub"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	sealer := NewSealer(path, zap.NewNop())
	sealed, err := sealer.Seal([]byte("payload"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if sealed[0] != sealFormatObfuscated {
		t.Fatalf("truncated secret must degrade to obfuscation, got 0x%02x", sealed[0])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "stub" {
		t.Fatalf("existing secret file was rewritten to %d bytes", len(data))
	}
}

func TestKeyedSealerOpensObfuscatedBlob(t *testing.T) {
	fallback := NewSealer(t.TempDir(), zap.NewNop())
	sealed, err := fallback.Seal([]byte("legacy"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	keyed := NewSealer(filepath.Join(t.TempDir(), "secret"), zap.NewNop())
	opened, err := keyed.Open(sealed)
	if err != nil {
		t.Fatalf("keyed sealer must open obfuscated blobs: %v", err)
	}
	if string(opened) != "legacy" {
		t.Fatalf("mismatch: %q", opened)
	}
}
