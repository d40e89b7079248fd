// Package gemini hands out Gemini API clients for the speech stages.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/genai"
)

// ErrNoKey is returned when neither the config nor the settings hold a key.
var ErrNoKey = errors.New("gemini api key not configured")

// Source builds a client for the current key and reuses it until the key
// changes. A missing key only fails the calls that need one.
type Source struct {
	configKey string
	overlay   func() string

	mu      sync.Mutex
	client  *genai.Client
	current string
	build   func(ctx context.Context, key string) (*genai.Client, error)
}

// NewSource resolves keys the way the chat engine does: the configured
// provider key first, then overlayKey (the GEMINI_API_KEY setting).
func NewSource(configKey string, overlayKey func() string) *Source {
	return &Source{
		configKey: strings.TrimSpace(configKey),
		overlay:   overlayKey,
		build:     newClient,
	}
}

func newClient(ctx context.Context, key string) (*genai.Client, error) {
	return genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  key,
		Backend: genai.BackendGeminiAPI,
	})
}

// Key returns the key a call made now would use.
func (s *Source) Key() string {
	if s.configKey != "" {
		return s.configKey
	}
	if s.overlay == nil {
		return ""
	}
	return strings.TrimSpace(s.overlay())
}

// Client returns a client for the current key.
func (s *Source) Client(ctx context.Context) (*genai.Client, error) {
	key := s.Key()
	if key == "" {
		return nil, ErrNoKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil && s.current == key {
		return s.client, nil
	}
	client, err := s.build(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	s.client, s.current = client, key
	return client, nil
}
