// Package transcode normalizes accumulated session audio into the WAV
// format the transcription providers expect.
package transcode

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"

	"github.com/minjae-lab/meetscribe/internal/logging"
)

// FFmpeg shells out to the ffmpeg binary. Output is 48kHz stereo 16-bit PCM
// WAV with source metadata preserved and any video stream stripped.
type FFmpeg struct {
	binary string
	logger zerolog.Logger
}

func NewFFmpeg(binary string) *FFmpeg {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &FFmpeg{
		binary: binary,
		logger: logging.Component("transcode"),
	}
}

// Transcode converts inPath to outPath. On failure any partial output file
// is removed so a retry starts clean.
func (f *FFmpeg) Transcode(ctx context.Context, inPath, outPath string) error {
	args := []string{
		"-i", inPath,
		"-c:a", "pcm_s16le",
		"-ar", "48000",
		"-ac", "2",
		"-vn",
		"-f", "wav",
		"-map_metadata", "0",
		"-y",
		outPath,
	}

	f.logger.Debug().Str("in", inPath).Str("out", outPath).Msg("transcoding")

	cmd := exec.CommandContext(ctx, f.binary, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if rmErr := os.Remove(outPath); rmErr != nil && !os.IsNotExist(rmErr) {
			f.logger.Warn().Err(rmErr).Str("path", outPath).Msg("could not remove partial output")
		}
		return fmt.Errorf("ffmpeg %s: %w: %s", inPath, err, tail(output, 512))
	}

	return nil
}

func tail(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
