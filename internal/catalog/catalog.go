// Package catalog loads the product text injected into every conversation.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino-ext/components/document/loader/file"
	"github.com/cloudwego/eino/components/document"
	"github.com/cloudwego/eino/components/document/parser"
	"github.com/rs/zerolog"
)

// Placeholder stands in for the catalog when it cannot be read.
const Placeholder = "No product information available."

// Loader resolves a catalog reference to its text. Results are cached per
// file and refreshed when the file's modification time changes.
type Loader struct {
	baseDir     string
	defaultPath string
	docs        document.Loader
	logger      zerolog.Logger

	mu    sync.Mutex
	cache map[string]cached
}

type cached struct {
	modTime time.Time
	text    string
}

// NewLoader builds a loader reading files relative to baseDir. defaultRef is
// tried when a reference does not exist.
func NewLoader(ctx context.Context, baseDir, defaultRef string, logger zerolog.Logger) (*Loader, error) {
	ext, err := parser.NewExtParser(ctx, &parser.ExtParserConfig{
		FallbackParser: parser.TextParser{},
	})
	if err != nil {
		return nil, fmt.Errorf("init catalog parser: %w", err)
	}
	docs, err := file.NewFileLoader(ctx, &file.FileLoaderConfig{
		UseNameAsID: true,
		Parser:      ext,
	})
	if err != nil {
		return nil, fmt.Errorf("init catalog loader: %w", err)
	}
	return newLoader(baseDir, defaultRef, docs, logger), nil
}

func newLoader(baseDir, defaultRef string, docs document.Loader, logger zerolog.Logger) *Loader {
	if baseDir == "" {
		baseDir = "."
	}
	return &Loader{
		baseDir:     baseDir,
		defaultPath: defaultRef,
		docs:        docs,
		logger:      logger.With().Str("component", "catalog").Logger(),
		cache:       make(map[string]cached),
	}
}

// Text returns the catalog text for ref, or Placeholder. It never fails.
func (l *Loader) Text(ctx context.Context, ref string) string {
	text, err := l.load(ctx, ref)
	if err != nil {
		l.logger.Error().Err(err).Str("ref", ref).Msg("catalog unavailable, using placeholder")
		return Placeholder
	}
	return text
}

func (l *Loader) load(ctx context.Context, ref string) (string, error) {
	path, info, err := l.locate(ref)
	if err != nil {
		return "", err
	}

	l.mu.Lock()
	hit, ok := l.cache[path]
	l.mu.Unlock()
	if ok && hit.modTime.Equal(info.ModTime()) {
		return hit.text, nil
	}

	docs, err := l.docs.Load(ctx, document.Source{URI: path})
	if err != nil {
		return "", fmt.Errorf("load %s: %w", path, err)
	}
	var builder strings.Builder
	for _, doc := range docs {
		content := strings.TrimSpace(doc.Content)
		if content == "" {
			continue
		}
		if builder.Len() > 0 {
			builder.WriteString("\n\n")
		}
		builder.WriteString(content)
	}
	text := builder.String()
	if text == "" {
		return "", fmt.Errorf("catalog %s has no readable text", path)
	}

	l.mu.Lock()
	l.cache[path] = cached{modTime: info.ModTime(), text: text}
	l.mu.Unlock()
	return text, nil
}

func (l *Loader) locate(ref string) (string, os.FileInfo, error) {
	candidates := []string{}
	if ref = strings.TrimSpace(ref); ref != "" {
		candidates = append(candidates, l.abs(ref))
	}
	if l.defaultPath != "" {
		candidates = append(candidates, l.abs(l.defaultPath))
	}
	if len(candidates) == 0 {
		return "", nil, errors.New("no catalog reference configured")
	}
	var lastErr error
	for _, path := range candidates {
		info, err := os.Stat(path)
		if err == nil && !info.IsDir() {
			return path, info, nil
		}
		if err == nil {
			err = fmt.Errorf("%s is a directory", path)
		}
		lastErr = err
	}
	return "", nil, lastErr
}

func (l *Loader) abs(ref string) string {
	if filepath.IsAbs(ref) {
		return ref
	}
	return filepath.Join(l.baseDir, ref)
}
