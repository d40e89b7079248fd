// Package ingest fetches the raw bytes of an inbound voice message.
package ingest

import (
	"context"
	"errors"
	"mime"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"voxchat/internal/models"
	"voxchat/internal/stage"
	"voxchat/internal/telegram"
)

// ErrEmptyAudio is returned when the remote file has no content.
var ErrEmptyAudio = errors.New("voice file is empty")

const genericMIME = "application/octet-stream"

// FileSource resolves and downloads a remote file.
type FileSource interface {
	GetFile(ctx context.Context, fileID string) (*telegram.File, error)
	Download(ctx context.Context, filePath string, maxBytes int64) ([]byte, string, error)
}

type Fetcher struct {
	src      FileSource
	maxBytes int64
	timeout  time.Duration
}

// NewFetcher caps downloads at maxBytes and bounds each fetch by timeout
// (zero disables the bound).
func NewFetcher(src FileSource, maxBytes int64, timeout time.Duration) *Fetcher {
	if maxBytes <= 0 {
		maxBytes = telegram.DefaultMaxFileBytes
	}
	return &Fetcher{src: src, maxBytes: maxBytes, timeout: timeout}
}

// Fetch downloads voiceRef. declaredMIME is what the sender announced; when
// absent the type is sniffed from the content. Every failure is a
// stage.Download error.
func (f *Fetcher) Fetch(ctx context.Context, voiceRef, declaredMIME string) (models.AudioArtifact, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}
	file, err := f.src.GetFile(ctx, voiceRef)
	if err != nil {
		return models.AudioArtifact{}, stage.Wrap(stage.Download, err)
	}
	data, served, err := f.src.Download(ctx, file.FilePath, f.maxBytes)
	if err != nil {
		return models.AudioArtifact{}, stage.Wrap(stage.Download, err)
	}
	if len(data) == 0 {
		return models.AudioArtifact{}, stage.Wrap(stage.Download, ErrEmptyAudio)
	}
	return models.AudioArtifact{Data: data, MIMEType: ResolveMIME(data, declaredMIME, served)}, nil
}

// ResolveMIME picks the declared type, then the sniffed one, then what the
// server sent, ignoring generic values along the way.
func ResolveMIME(data []byte, declared, served string) string {
	if m := baseType(declared); m != "" && m != genericMIME {
		return m
	}
	if m := baseType(mimetype.Detect(data).String()); m != "" && m != genericMIME {
		return m
	}
	if m := baseType(served); m != "" {
		return m
	}
	return genericMIME
}

func baseType(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if mt, _, err := mime.ParseMediaType(v); err == nil {
		return mt
	}
	return strings.ToLower(v)
}
