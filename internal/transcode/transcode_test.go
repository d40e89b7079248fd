package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"voxchat/internal/models"
	"voxchat/internal/stage"
)

// stubTool writes a shell script standing in for ffmpeg. The last argument is
// the output path; the script copies its input there with a marker prefix.
func stubTool(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell stub requires a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "fake-ffmpeg")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}
	return path
}

const copyScript = `for last; do :; done
in=""
prev=""
for a in "$@"; do
  if [ "$prev" = "-i" ]; then in="$a"; fi
  prev="$a"
done
{ printf 'OggS'; cat "$in"; } > "$last"`

var wav = models.AudioArtifact{Data: []byte("RIFFpcm"), MIMEType: "audio/wav", Language: "hi"}

func TestToVoiceConverts(t *testing.T) {
	root := t.TempDir()
	tr := New(stubTool(t, copyScript), root, 0, zerolog.Nop())
	out, err := tr.ToVoice(context.Background(), wav)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if out.MIMEType != VoiceMIME || out.Language != "hi" || !bytes.Equal(out.Data, []byte("OggSRIFFpcm")) {
		t.Fatalf("unexpected output %q %s", out.Data, out.MIMEType)
	}
	entries, _ := os.ReadDir(root)
	if len(entries) != 0 {
		t.Fatalf("work dir not removed: %d entries left", len(entries))
	}
}

func TestToVoiceFailures(t *testing.T) {
	cases := map[string]string{
		"exit status": "echo 'Unknown encoder libopus' >&2\nexit 1",
		"no output":   `for last; do :; done; : > "$last"`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			root := t.TempDir()
			tr := New(stubTool(t, body), root, 0, zerolog.Nop())
			_, err := tr.ToVoice(context.Background(), wav)
			if kindOf(err) != stage.Transcode || stage.IsTerminal(err) {
				t.Fatalf("expected degradable transcode error, got %v", err)
			}
			if entries, _ := os.ReadDir(root); len(entries) != 0 {
				t.Fatalf("work dir leaked on failure")
			}
		})
	}
}

func TestToVoiceMissingTool(t *testing.T) {
	tr := New(filepath.Join(t.TempDir(), "does-not-exist"), "", 0, zerolog.Nop())
	_, err := tr.ToVoice(context.Background(), wav)
	if !errors.Is(err, ErrToolMissing) || kindOf(err) != stage.Transcode {
		t.Fatalf("expected missing tool error, got %v", err)
	}
}

func TestToVoiceConcurrentCallsAreIsolated(t *testing.T) {
	root := t.TempDir()
	tr := New(stubTool(t, copyScript), root, 0, zerolog.Nop())
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := []byte(fmt.Sprintf("clip-%d", i))
			out, err := tr.ToVoice(context.Background(), models.AudioArtifact{Data: payload, MIMEType: "audio/wav"})
			if err != nil {
				errs <- err
				return
			}
			if !bytes.Equal(out.Data, append([]byte("OggS"), payload...)) {
				errs <- fmt.Errorf("call %d got %q", i, out.Data)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
	if entries, _ := os.ReadDir(root); len(entries) != 0 {
		t.Fatalf("work dirs left behind: %d", len(entries))
	}
}

func TestArgsTargetOpus(t *testing.T) {
	args := Args("in.wav", "out.ogg")
	want := map[string]string{"-c:a": "libopus", "-f": "ogg", "-ac": "1", "-i": "in.wav"}
	for i := 0; i < len(args)-1; i++ {
		if v, ok := want[args[i]]; ok && args[i+1] != v {
			t.Fatalf("%s = %s, want %s", args[i], args[i+1], v)
		}
	}
	if args[len(args)-1] != "out.ogg" {
		t.Fatalf("output must be last")
	}
}

func kindOf(err error) stage.Kind {
	k, _ := stage.KindOf(err)
	return k
}
