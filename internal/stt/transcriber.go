// Package stt turns voice audio into text and a language tag using a Gemini
// model that both transcribes and classifies.
package stt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"voxchat/internal/language"
	"voxchat/internal/models"
	"voxchat/internal/stage"
)

// Instruction asks for a "<code>: <transcript>" answer.
const Instruction = `Transcribe this voice message exactly as spoken and identify its language.
The language is one of: en (English), ar (Arabic), hi (Hindi), bn (Bengali).
Answer with a single line in the form "<code>: <transcript>", for example "bn: আমি একটি বই চাই".
Do not translate, summarize or add anything else.`

// ErrEmptyTranscript is returned when nothing usable was heard.
var ErrEmptyTranscript = errors.New("empty transcript")

// Backend is the remote speech model. Uploaded files must be released with
// Delete by the caller.
type Backend interface {
	Upload(ctx context.Context, data []byte, mimeType string) (name, uri string, err error)
	Generate(ctx context.Context, model string, prompt, fileURI, mimeType string) (string, error)
	Delete(ctx context.Context, name string) error
}

type Transcriber struct {
	backend Backend
	model   string
	timeout time.Duration
	logger  zerolog.Logger
}

func NewTranscriber(backend Backend, model string, timeout time.Duration, logger zerolog.Logger) *Transcriber {
	return &Transcriber{
		backend: backend,
		model:   model,
		timeout: timeout,
		logger:  logger.With().Str("component", "stt").Logger(),
	}
}

// Transcribe uploads the audio, asks for a transcript and parses it. The
// uploaded file is deleted on every path, including cancellation. Failures
// are stage.Transcription errors.
func (t *Transcriber) Transcribe(ctx context.Context, audio models.AudioArtifact) (string, language.Tag, error) {
	if audio.Empty() {
		return "", "", stage.Wrap(stage.Transcription, errors.New("no audio to transcribe"))
	}
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	name, uri, err := t.backend.Upload(ctx, audio.Data, audio.MIMEType)
	if err != nil {
		return "", "", stage.Wrap(stage.Transcription, fmt.Errorf("upload audio: %w", err))
	}
	defer t.release(ctx, name)

	raw, err := t.backend.Generate(ctx, t.model, Instruction, uri, audio.MIMEType)
	if err != nil {
		return "", "", stage.Wrap(stage.Transcription, fmt.Errorf("generate transcript: %w", err))
	}
	text, lang := ParseResponse(raw)
	if text == "" {
		return "", "", stage.Wrap(stage.Transcription, ErrEmptyTranscript)
	}
	return text, lang, nil
}

// release deletes the uploaded file even when ctx is already done.
func (t *Transcriber) release(ctx context.Context, name string) {
	if name == "" {
		return
	}
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := t.backend.Delete(cleanupCtx, name); err != nil {
		t.logger.Warn().Err(err).Str("file", name).Msg("delete uploaded audio failed")
	}
}

// ParseResponse splits "<code>: <transcript>". The text before the first
// colon is a header only when it is a supported code or looks like one (two
// or three lowercase letters); for an unknown code the language is detected
// from the transcript. Any other colon belongs to the transcript.
func ParseResponse(raw string) (string, language.Tag) {
	raw = strings.TrimSpace(raw)
	head, tail, found := strings.Cut(raw, ":")
	if !found {
		return raw, language.Detect(raw)
	}
	head = strings.TrimSpace(head)
	text := strings.TrimSpace(tail)
	if tag, ok := language.Parse(head); ok {
		return text, tag
	}
	if looksLikeCode(head) {
		return text, language.Detect(text)
	}
	return raw, language.Detect(raw)
}

func looksLikeCode(s string) bool {
	if len(s) < 2 || len(s) > 3 {
		return false
	}
	for _, r := range s {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return true
}

// ClientSource supplies the Gemini client for the current key.
type ClientSource interface {
	Client(ctx context.Context) (*genai.Client, error)
}

// GenAIBackend implements Backend with the Gemini Files and Models APIs.
type GenAIBackend struct {
	clients ClientSource
}

func NewGenAIBackend(clients ClientSource) *GenAIBackend {
	return &GenAIBackend{clients: clients}
}

func (b *GenAIBackend) Upload(ctx context.Context, data []byte, mimeType string) (string, string, error) {
	client, err := b.clients.Client(ctx)
	if err != nil {
		return "", "", err
	}
	file, err := client.Files.Upload(ctx, bytes.NewReader(data), &genai.UploadFileConfig{
		MIMEType:    mimeType,
		DisplayName: "voice-message",
	})
	if err != nil {
		return "", "", err
	}
	return file.Name, file.URI, nil
}

func (b *GenAIBackend) Generate(ctx context.Context, model, prompt, fileURI, mimeType string) (string, error) {
	client, err := b.clients.Client(ctx)
	if err != nil {
		return "", err
	}
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(prompt),
			genai.NewPartFromURI(fileURI, mimeType),
		}, genai.RoleUser),
	}
	resp, err := client.Models.GenerateContent(ctx, model, contents, nil)
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}

func (b *GenAIBackend) Delete(ctx context.Context, name string) error {
	client, err := b.clients.Client(ctx)
	if err != nil {
		return err
	}
	_, err = client.Files.Delete(ctx, name, nil)
	return err
}
