// Package tts renders reply text as speech with a prebuilt voice per language.
package tts

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"strconv"
	"strings"
	"time"

	"google.golang.org/genai"

	"voxchat/internal/language"
	"voxchat/internal/models"
	"voxchat/internal/stage"
)

// DefaultVoice is used for any language without a configured voice.
const DefaultVoice = "Kore"

// ErrNoAudio is returned when the service answers without audio.
var ErrNoAudio = errors.New("no audio in response")

// Backend performs one speech request and returns raw audio with its type.
type Backend interface {
	Speak(ctx context.Context, model, text, voice string, lang language.Tag) ([]byte, string, error)
}

type Synthesizer struct {
	backend Backend
	model   string
	voices  map[language.Tag]string
	timeout time.Duration
}

// NewSynthesizer maps language codes to voice names; unknown codes in voices
// are ignored.
func NewSynthesizer(backend Backend, model string, voices map[string]string, timeout time.Duration) *Synthesizer {
	s := &Synthesizer{
		backend: backend,
		model:   model,
		voices:  make(map[language.Tag]string),
		timeout: timeout,
	}
	for code, voice := range voices {
		if tag, ok := language.Parse(code); ok && strings.TrimSpace(voice) != "" {
			s.voices[tag] = strings.TrimSpace(voice)
		}
	}
	return s
}

// Voice returns the voice used for lang.
func (s *Synthesizer) Voice(lang language.Tag) string {
	if v, ok := s.voices[lang.OrDefault()]; ok {
		return v
	}
	return DefaultVoice
}

// Synthesize renders text as a WAV artifact. Unsupported tags are spoken as
// English. Failures are stage.Synthesis errors.
func (s *Synthesizer) Synthesize(ctx context.Context, text string, lang language.Tag) (models.AudioArtifact, error) {
	lang = lang.OrDefault()
	if strings.TrimSpace(text) == "" {
		return models.AudioArtifact{}, stage.Wrap(stage.Synthesis, errors.New("nothing to speak"))
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	data, mimeType, err := s.backend.Speak(ctx, s.model, text, s.Voice(lang), lang)
	if err != nil {
		return models.AudioArtifact{}, stage.Wrap(stage.Synthesis, err)
	}
	if len(data) == 0 {
		return models.AudioArtifact{}, stage.Wrap(stage.Synthesis, ErrNoAudio)
	}
	out, outType, err := toContainer(data, mimeType)
	if err != nil {
		return models.AudioArtifact{}, stage.Wrap(stage.Synthesis, err)
	}
	return models.AudioArtifact{Data: out, MIMEType: outType, Language: lang}, nil
}

// toContainer wraps raw PCM in WAV and passes encoded audio through.
func toContainer(data []byte, mimeType string) ([]byte, string, error) {
	mt, params, err := mime.ParseMediaType(mimeType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(mimeType))
		params = nil
	}
	switch {
	case mt == "audio/l16" || mt == "audio/pcm" || mt == "":
		rate := DefaultSampleRate
		if r, err := strconv.Atoi(params["rate"]); err == nil && r > 0 {
			rate = r
		}
		return EncodeWAV(data, rate, 1, 16), "audio/wav", nil
	case strings.HasPrefix(mt, "audio/"):
		return data, mt, nil
	default:
		return nil, "", fmt.Errorf("unexpected audio type %q", mimeType)
	}
}

// ClientSource supplies the Gemini client for the current key.
type ClientSource interface {
	Client(ctx context.Context) (*genai.Client, error)
}

// GenAIBackend implements Backend with Gemini speech generation.
type GenAIBackend struct {
	clients ClientSource
}

func NewGenAIBackend(clients ClientSource) *GenAIBackend {
	return &GenAIBackend{clients: clients}
}

func (b *GenAIBackend) Speak(ctx context.Context, model, text, voice string, lang language.Tag) ([]byte, string, error) {
	client, err := b.clients.Client(ctx)
	if err != nil {
		return nil, "", err
	}
	resp, err := client.Models.GenerateContent(ctx, model, genai.Text(text), &genai.GenerateContentConfig{
		ResponseModalities: []string{string(genai.ModalityAudio)},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
			},
		},
	})
	if err != nil {
		return nil, "", err
	}
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part != nil && part.InlineData != nil && len(part.InlineData.Data) > 0 {
				return part.InlineData.Data, part.InlineData.MIMEType, nil
			}
		}
	}
	return nil, "", ErrNoAudio
}
