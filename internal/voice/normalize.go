// Package voice turns uploaded audio chunks into text: ffmpeg normalizes
// the upload to 16 kHz mono WAV and a Whisper HTTP service transcribes it.
package voice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/deal-signal-lab/internal/logging"
)

// ConversionError reports a failed ffmpeg run.
type ConversionError struct {
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("ffmpeg failed (code=%d): %s", e.ExitCode, strings.TrimSpace(e.Stderr))
}

func (e *ConversionError) Unwrap() error { return e.Err }

// FFmpegNormalizer converts any container ffmpeg understands into
// 16 kHz mono signed 16-bit WAV.
type FFmpegNormalizer struct {
	Bin string
}

func NewFFmpegNormalizer(bin string) *FFmpegNormalizer {
	if bin == "" {
		bin = "ffmpeg"
	}
	return &FFmpegNormalizer{Bin: bin}
}

func normalizeArgs(src, dst string) []string {
	return []string{"-y", "-i", src, "-ac", "1", "-ar", "16000", "-sample_fmt", "s16", "-f", "wav", dst}
}

// Normalize writes the converted audio of src to dst, overwriting dst.
func (n *FFmpegNormalizer) Normalize(ctx context.Context, src, dst string) error {
	cmd := exec.CommandContext(ctx, n.Bin, normalizeArgs(src, dst)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	logging.DebugwCtx(ctx, "voice: running ffmpeg", "bin", n.Bin, "src", src, "dst", dst)
	if err := cmd.Run(); err != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		return &ConversionError{ExitCode: code, Stderr: stderr.String(), Err: err}
	}
	return nil
}
