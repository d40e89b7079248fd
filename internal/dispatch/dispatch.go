// Package dispatch delivers replies to a chat.
package dispatch

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"voxchat/internal/models"
	"voxchat/internal/stage"
)

// MaxMessageRunes is the Telegram limit for one text message.
const MaxMessageRunes = 4096

const (
	voiceFilename = "voice.ogg"
	audioFilename = "reply.wav"
)

// Sender is the subset of the Telegram client used for delivery.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
	SendVoice(ctx context.Context, chatID int64, data []byte, filename string) error
	SendAudio(ctx context.Context, chatID int64, data []byte, filename string) error
}

type Dispatcher struct {
	sender  Sender
	timeout time.Duration
}

// New returns a Dispatcher that bounds every send by timeout. Zero disables
// the bound.
func New(sender Sender, timeout time.Duration) *Dispatcher {
	return &Dispatcher{sender: sender, timeout: timeout}
}

func (d *Dispatcher) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d.timeout)
}

// DeliverText sends text, split into chunks when it exceeds one message.
func (d *Dispatcher) DeliverText(ctx context.Context, chatID int64, text string) error {
	if strings.TrimSpace(text) == "" {
		return stage.Wrap(stage.Delivery, errors.New("empty text"))
	}
	for _, chunk := range Split(text, MaxMessageRunes) {
		sendCtx, cancel := d.bounded(ctx)
		err := d.sender.SendMessage(sendCtx, chatID, chunk)
		cancel()
		if err != nil {
			return stage.Wrap(stage.Delivery, err)
		}
	}
	return nil
}

// DeliverVoice sends audio as a voice bubble when isVoiceFormat, otherwise as
// a generic audio attachment.
func (d *Dispatcher) DeliverVoice(ctx context.Context, chatID int64, audio models.AudioArtifact, isVoiceFormat bool) error {
	if audio.Empty() {
		return stage.Wrap(stage.Delivery, errors.New("empty audio"))
	}
	ctx, cancel := d.bounded(ctx)
	defer cancel()
	var err error
	if isVoiceFormat {
		err = d.sender.SendVoice(ctx, chatID, audio.Data, voiceFilename)
	} else {
		err = d.sender.SendAudio(ctx, chatID, audio.Data, audioFilename)
	}
	if err != nil {
		return stage.Wrap(stage.Delivery, err)
	}
	return nil
}

// Format reports how audio will be rendered for the given flag.
func Format(isVoiceFormat bool) models.AudioFormat {
	if isVoiceFormat {
		return models.FormatVoiceBubble
	}
	return models.FormatGenericAudio
}

// Split breaks text into pieces of at most limit runes, preferring line
// breaks, then spaces.
func Split(text string, limit int) []string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}
	var out []string
	runes := []rune(text)
	for len(runes) > limit {
		cut := limit
		if i := lastIndex(runes[:limit], '\n'); i > limit/2 {
			cut = i + 1
		} else if i := lastIndex(runes[:limit], ' '); i > limit/2 {
			cut = i + 1
		}
		out = append(out, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		out = append(out, string(runes))
	}
	return out
}

func lastIndex(runes []rune, r rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if runes[i] == r {
			return i
		}
	}
	return -1
}
