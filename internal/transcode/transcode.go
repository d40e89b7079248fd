// Package transcode converts synthesized audio into the Opus-in-Ogg container
// Telegram renders as a voice bubble.
package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"voxchat/internal/models"
	"voxchat/internal/stage"
)

// VoiceMIME is the type of every successful conversion.
const VoiceMIME = "audio/ogg"

// ErrToolMissing is returned when the converter binary cannot be found.
var ErrToolMissing = errors.New("audio converter not found")

const maxDetail = 4 << 10

type Transcoder struct {
	tool    string
	root    string
	timeout time.Duration
	logger  zerolog.Logger
}

// New resolves tool lazily on every call so an install after start-up is
// picked up. root is where per-call work directories are created; empty means
// the system temp dir.
func New(tool, root string, timeout time.Duration, logger zerolog.Logger) *Transcoder {
	if strings.TrimSpace(tool) == "" {
		tool = "ffmpeg"
	}
	return &Transcoder{
		tool:    tool,
		root:    root,
		timeout: timeout,
		logger:  logger.With().Str("component", "transcode").Logger(),
	}
}

// Args is the converter command line for one conversion.
func Args(in, out string) []string {
	return []string{
		"-y", "-loglevel", "error",
		"-i", in,
		"-vn", "-ac", "1", "-ar", "48000",
		"-c:a", "libopus", "-b:a", "48k",
		"-f", "ogg", out,
	}
}

// ToVoice converts audio to Ogg/Opus. Every call works in its own directory,
// removed before returning, so concurrent turns never share files. Failures
// are stage.Transcode errors and leave the input untouched for fallback.
func (t *Transcoder) ToVoice(ctx context.Context, audio models.AudioArtifact) (models.AudioArtifact, error) {
	if audio.Empty() {
		return models.AudioArtifact{}, stage.Wrap(stage.Transcode, errors.New("no audio to convert"))
	}
	bin, err := exec.LookPath(t.tool)
	if err != nil {
		t.logger.Warn().Str("tool", t.tool).Msg("converter missing, voice bubbles disabled")
		return models.AudioArtifact{}, stage.Wrap(stage.Transcode, fmt.Errorf("%w: %s", ErrToolMissing, t.tool))
	}
	if t.root != "" {
		if err := os.MkdirAll(t.root, 0o755); err != nil {
			return models.AudioArtifact{}, stage.Wrap(stage.Transcode, err)
		}
	}
	dir, err := os.MkdirTemp(t.root, "voxchat-"+uuid.NewString()[:8]+"-")
	if err != nil {
		return models.AudioArtifact{}, stage.Wrap(stage.Transcode, fmt.Errorf("create work dir: %w", err))
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			t.logger.Warn().Err(err).Str("dir", dir).Msg("remove work dir failed")
		}
	}()

	in := filepath.Join(dir, "in"+extension(audio.MIMEType))
	out := filepath.Join(dir, "out.ogg")
	if err := os.WriteFile(in, audio.Data, 0o600); err != nil {
		return models.AudioArtifact{}, stage.Wrap(stage.Transcode, fmt.Errorf("write input: %w", err))
	}

	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, bin, Args(in, out)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return models.AudioArtifact{}, stage.Wrap(stage.Transcode, ctxErr)
		}
		detail := strings.TrimSpace(stderr.String())
		if len(detail) > maxDetail {
			detail = strings.TrimSpace(detail[len(detail)-maxDetail:])
		}
		if detail == "" {
			detail = err.Error()
		}
		return models.AudioArtifact{}, stage.Errorf(stage.Transcode, "convert: %s", detail)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		return models.AudioArtifact{}, stage.Wrap(stage.Transcode, fmt.Errorf("read output: %w", err))
	}
	if len(data) == 0 {
		return models.AudioArtifact{}, stage.Errorf(stage.Transcode, "converter produced no output")
	}
	return models.AudioArtifact{Data: data, MIMEType: VoiceMIME, Language: audio.Language}, nil
}

func extension(mimeType string) string {
	switch strings.ToLower(strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0])) {
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/ogg", "audio/opus":
		return ".ogg"
	default:
		return ".bin"
	}
}
