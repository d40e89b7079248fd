package stt

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"voxchat/internal/gemini"
	"voxchat/internal/language"
	"voxchat/internal/models"
	"voxchat/internal/stage"
)

type fakeBackend struct {
	reply     string
	uploadErr error
	genErr    error
	uploaded  []string
	deleted   []string
	deleteErr error
	gotURI    string
}

func (b *fakeBackend) Upload(_ context.Context, _ []byte, _ string) (string, string, error) {
	if b.uploadErr != nil {
		return "", "", b.uploadErr
	}
	b.uploaded = append(b.uploaded, "files/abc")
	return "files/abc", "https://example.test/files/abc", nil
}

func (b *fakeBackend) Generate(ctx context.Context, _, _, uri, _ string) (string, error) {
	b.gotURI = uri
	if b.genErr != nil {
		return "", b.genErr
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return b.reply, nil
}

func (b *fakeBackend) Delete(ctx context.Context, name string) error {
	b.deleteErr = ctx.Err()
	b.deleted = append(b.deleted, name)
	return nil
}

var voice = models.AudioArtifact{Data: []byte("OggS"), MIMEType: "audio/ogg"}

func TestParseResponse(t *testing.T) {
	cases := []struct {
		raw  string
		text string
		lang language.Tag
	}{
		{"en: I would like a thriller", "I would like a thriller", language.English},
		{"I would like a thriller", "I would like a thriller", language.English},
		{" BN : আমি একটি বই চাই ", "আমি একটি বই চাই", language.Bengali},
		{"xx: मुझे किताब चाहिए", "मुझे किताब चाहिए", language.Hindi},
		{"ar: time: 5pm", "time: 5pm", language.Arabic},
		{"Can you deliver by 10:30 tomorrow", "Can you deliver by 10:30 tomorrow", language.English},
		{"Note: I want two copies", "Note: I want two copies", language.English},
		{"বইটি কি ১০:৩০ এর মধ্যে আসবে", "বইটি কি ১০:৩০ এর মধ্যে আসবে", language.Bengali},
		{"أريد كتابا", "أريد كتابا", language.Arabic},
		{"en:", "", language.English},
		{"", "", language.English},
	}
	for _, tc := range cases {
		text, lang := ParseResponse(tc.raw)
		if text != tc.text || lang != tc.lang {
			t.Fatalf("ParseResponse(%q) = (%q, %s), want (%q, %s)", tc.raw, text, lang, tc.text, tc.lang)
		}
	}
}

func TestTranscribeReleasesUploadOnSuccess(t *testing.T) {
	backend := &fakeBackend{reply: "en: I would like a thriller"}
	tr := NewTranscriber(backend, "gemini-2.5-flash", 0, zerolog.Nop())
	text, lang, err := tr.Transcribe(context.Background(), voice)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if text != "I would like a thriller" || lang != language.English {
		t.Fatalf("unexpected result %q %s", text, lang)
	}
	if backend.gotURI != "https://example.test/files/abc" {
		t.Fatalf("file part not passed: %s", backend.gotURI)
	}
	if len(backend.deleted) != 1 || backend.deleted[0] != "files/abc" {
		t.Fatalf("upload not released: %v", backend.deleted)
	}
}

func TestTranscribeFailuresReleaseAndClassify(t *testing.T) {
	cases := map[string]*fakeBackend{
		"generate error":   {genErr: errors.New("quota")},
		"empty transcript": {reply: "bn:   "},
	}
	for name, backend := range cases {
		t.Run(name, func(t *testing.T) {
			tr := NewTranscriber(backend, "m", 0, zerolog.Nop())
			_, _, err := tr.Transcribe(context.Background(), voice)
			if kindOf(err) != stage.Transcription || !stage.IsTerminal(err) {
				t.Fatalf("expected transcription error, got %v", err)
			}
			if len(backend.deleted) != 1 {
				t.Fatalf("upload must be released on failure")
			}
		})
	}
}

func TestTranscribeReleasesAfterCancellation(t *testing.T) {
	backend := &fakeBackend{reply: "en: hi"}
	tr := NewTranscriber(backend, "m", 0, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := tr.Transcribe(ctx, voice)
	if !errors.Is(err, context.Canceled) || kindOf(err) != stage.Transcription {
		t.Fatalf("expected cancelled transcription, got %v", err)
	}
	if len(backend.deleted) != 1 {
		t.Fatalf("upload must be released after cancellation")
	}
	if backend.deleteErr != nil {
		t.Fatalf("delete should run on a live context")
	}
}

func TestTranscribeUploadFailureNeedsNoRelease(t *testing.T) {
	backend := &fakeBackend{uploadErr: errors.New("413")}
	tr := NewTranscriber(backend, "m", 0, zerolog.Nop())
	if _, _, err := tr.Transcribe(context.Background(), voice); kindOf(err) != stage.Transcription {
		t.Fatalf("expected transcription error, got %v", err)
	}
	if len(backend.deleted) != 0 {
		t.Fatalf("nothing to release")
	}
	if _, _, err := tr.Transcribe(context.Background(), models.AudioArtifact{}); err == nil {
		t.Fatalf("empty audio should fail")
	}
}

func TestTranscribeWithoutKeyFailsOnlyTheStage(t *testing.T) {
	backend := NewGenAIBackend(gemini.NewSource("", func() string { return "" }))
	tr := NewTranscriber(backend, "gemini-2.5-flash", time.Second, zerolog.Nop())
	_, _, err := tr.Transcribe(context.Background(), voice)
	if !errors.Is(err, gemini.ErrNoKey) || kindOf(err) != stage.Transcription {
		t.Fatalf("expected transcription error for missing key, got %v", err)
	}
}

func kindOf(err error) stage.Kind {
	k, _ := stage.KindOf(err)
	return k
}
