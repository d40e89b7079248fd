package overlay

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// SealKeyEnv names the variable holding the 32-byte key (raw or base64) used
// to encrypt credentials at rest.
const SealKeyEnv = "VOXCHAT_SETTINGS_KEY"

const sealedPrefix = "enc:"

var errInvalidCiphertext = errors.New("invalid setting ciphertext")

// SealedStore encrypts credential keys before they reach the wrapped store
// and decrypts them on load. Plain values already in the store still load,
// so enabling sealing does not require a migration.
type SealedStore struct {
	inner Store
	aead  cipher.AEAD
}

// NewSealedStore wraps inner with AES-GCM under key.
func NewSealedStore(inner Store, key string) (*SealedStore, error) {
	raw, err := decodeKey(strings.TrimSpace(key))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", SealKeyEnv, err)
	}
	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &SealedStore{inner: inner, aead: aead}, nil
}

func decodeKey(raw string) ([]byte, error) {
	if len(raw) == 32 {
		return []byte(raw), nil
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, err
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid key length %d, want 32", len(key))
	}
	return key, nil
}

func (s *SealedStore) Load(ctx context.Context) (map[string]string, error) {
	values, err := s.inner.Load(ctx)
	if err != nil {
		return nil, err
	}
	for k, v := range values {
		if !strings.HasPrefix(v, sealedPrefix) {
			continue
		}
		plain, err := s.open(strings.TrimPrefix(v, sealedPrefix))
		if err != nil {
			return nil, fmt.Errorf("decrypt %s: %w", k, err)
		}
		values[k] = plain
	}
	return values, nil
}

func (s *SealedStore) Save(ctx context.Context, values map[string]string) error {
	out := make(map[string]string, len(values))
	for k, v := range values {
		if secretKeys[k] && v != "" {
			sealed, err := s.seal(v)
			if err != nil {
				return fmt.Errorf("encrypt %s: %w", k, err)
			}
			v = sealedPrefix + sealed
		}
		out[k] = v
	}
	return s.inner.Save(ctx, out)
}

func (s *SealedStore) seal(plain string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	buf := s.aead.Seal(nonce, nonce, []byte(plain), nil)
	return base64.StdEncoding.EncodeToString(buf), nil
}

func (s *SealedStore) open(input string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(input)
	if err != nil {
		return "", errInvalidCiphertext
	}
	ns := s.aead.NonceSize()
	if len(data) < ns {
		return "", errInvalidCiphertext
	}
	plain, err := s.aead.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		return "", errInvalidCiphertext
	}
	return string(plain), nil
}
