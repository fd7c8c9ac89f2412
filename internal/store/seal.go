package store

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Sealed blob layout: one format byte, then the format's payload.
const (
	sealFormatAEAD       byte = 0x01
	sealFormatObfuscated byte = 0x02
)

var errSealedTooShort = errors.New("sealed blob too short")

// obfuscationKey is the fallback XOR pad used when no machine secret is
// available. Reversible obfuscation only; the store must keep working
// without the sealing secret.
var obfuscationKey = []byte("antigravity-quota-watcher/seal-fallback")

// Sealer reversibly protects token material before persistence.
type Sealer struct {
	key []byte // nil → obfuscation fallback
	log *zap.Logger
}

// NewSealer derives a sealing key from a machine-scoped secret file,
// creating the secret on first use. If the secret cannot be read or
// created the sealer degrades to reversible obfuscation instead of failing.
func NewSealer(secretPath string, log *zap.Logger) *Sealer {
	secret, err := loadOrCreateSecret(secretPath)
	if err != nil {
		log.Warn("sealing secret unavailable, falling back to obfuscation",
			zap.String("path", secretPath), zap.Error(err))
		return &Sealer{log: log}
	}

	r := hkdf.New(sha256.New, secret, nil, []byte("token-seal"))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := r.Read(key); err != nil {
		log.Warn("seal key derivation failed, falling back to obfuscation", zap.Error(err))
		return &Sealer{log: log}
	}
	return &Sealer{key: key, log: log}
}

// Seal encrypts (or obfuscates) plaintext.
func (s *Sealer) Seal(plain []byte) ([]byte, error) {
	if s.key == nil {
		return append([]byte{sealFormatObfuscated}, xorPad(plain)...), nil
	}

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, 1+len(nonce)+len(plain)+aead.Overhead())
	out = append(out, sealFormatAEAD)
	out = append(out, nonce...)
	out = append(out, aead.Seal(nil, nonce, plain, nil)...)
	return out, nil
}

// Open reverses Seal. Obfuscated blobs open regardless of whether a key is
// present, so a store written during degraded operation stays readable.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < 1 {
		return nil, errSealedTooShort
	}
	switch sealed[0] {
	case sealFormatObfuscated:
		return xorPad(sealed[1:]), nil
	case sealFormatAEAD:
		if s.key == nil {
			return nil, errors.New("sealed blob requires the machine secret")
		}
		body := sealed[1:]
		if len(body) < chacha20poly1305.NonceSizeX {
			return nil, errSealedTooShort
		}
		aead, err := chacha20poly1305.NewX(s.key)
		if err != nil {
			return nil, err
		}
		nonce := body[:chacha20poly1305.NonceSizeX]
		ct := body[chacha20poly1305.NonceSizeX:]
		return aead.Open(nil, nonce, ct, nil)
	default:
		return nil, errors.New("unknown seal format")
	}
}

func loadOrCreateSecret(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) < 32 {
			// Never regenerate over an existing file: blobs sealed under
			// the original secret would silently become unreadable.
			return nil, fmt.Errorf("secret file %s truncated (%d bytes)", path, len(data))
		}
		return data, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, secret, 0o600); err != nil {
		return nil, err
	}
	return secret, nil
}

func xorPad(in []byte) []byte {
	out := make([]byte, len(in))
	for i, b := range in {
		out[i] = b ^ obfuscationKey[i%len(obfuscationKey)]
	}
	return out
}
