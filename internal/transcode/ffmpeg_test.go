package transcode

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// fakeFFmpeg writes a shell script that mimics ffmpeg well enough to test
// the exec wrapper: it copies the input to the final positional argument,
// or fails after leaving a partial file behind.
func fakeFFmpeg(t *testing.T, script string) string {
	t.Helper()

	if runtime.GOOS == "windows" {
		t.Skip("fake ffmpeg script requires a POSIX shell")
	}

	path := filepath.Join(t.TempDir(), "ffmpeg")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("write fake ffmpeg: %v", err)
	}
	return path
}

func TestTranscodeSuccess(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "session-7.chunks")
	out := filepath.Join(dir, "session-7.wav")
	if err := os.WriteFile(in, []byte("raw-audio"), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}

	// $2 is the input (after -i), the last argument is the output.
	bin := fakeFFmpeg(t, `
for last; do :; done
cp "$2" "$last"
exit 0
`)

	ff := NewFFmpeg(bin)
	if err := ff.Transcode(context.Background(), in, out); err != nil {
		t.Fatalf("Transcode() error = %v", err)
	}

	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(got) != "raw-audio" {
		t.Errorf("output = %q, want input copied through", got)
	}
}

func TestTranscodeFailureRemovesPartialOutput(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "session-8.chunks")
	out := filepath.Join(dir, "session-8.wav")
	if err := os.WriteFile(in, []byte("raw"), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}

	bin := fakeFFmpeg(t, `
for last; do :; done
echo "partial" > "$last"
echo "Invalid data found when processing input" >&2
exit 1
`)

	ff := NewFFmpeg(bin)
	err := ff.Transcode(context.Background(), in, out)
	if err == nil {
		t.Fatal("expected error from failing ffmpeg")
	}
	if !strings.Contains(err.Error(), "Invalid data found") {
		t.Errorf("error %q missing ffmpeg output tail", err)
	}
	if _, statErr := os.Stat(out); !os.IsNotExist(statErr) {
		t.Error("expected partial output to be removed")
	}
}

func TestTranscodeArguments(t *testing.T) {
	dir := t.TempDir()
	argsFile := filepath.Join(dir, "args.txt")

	bin := fakeFFmpeg(t, `echo "$@" > `+argsFile+`
exit 0
`)

	ff := NewFFmpeg(bin)
	if err := ff.Transcode(context.Background(), "in.webm", filepath.Join(dir, "out.wav")); err != nil {
		t.Fatalf("Transcode() error = %v", err)
	}

	args, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatalf("read args: %v", err)
	}
	for _, want := range []string{"-c:a pcm_s16le", "-ar 48000", "-ac 2", "-vn", "-f wav", "-map_metadata 0", "-y"} {
		if !strings.Contains(string(args), want) {
			t.Errorf("args %q missing %q", args, want)
		}
	}
}

func TestTranscodeRespectsContext(t *testing.T) {
	dir := t.TempDir()
	bin := fakeFFmpeg(t, "sleep 10\n")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ff := NewFFmpeg(bin)
	if err := ff.Transcode(ctx, "in", filepath.Join(dir, "out.wav")); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}
