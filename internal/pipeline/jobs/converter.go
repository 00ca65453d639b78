// Package jobs holds the processing-job variants the registry is built from:
// audio format conversion, voice analysis, and image optimization.
package jobs

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// Converter transcodes an audio payload to WAV.
type Converter interface {
	ConvertToWav(ctx context.Context, src []byte, srcFormat string) ([]byte, error)
}

// FFmpegConverter shells out to ffmpeg. The binary must be on PATH; there is
// no maintained pure-Go transcoder worth depending on.
type FFmpegConverter struct {
	// Binary overrides the executable name, for tests and odd installs.
	Binary string
}

func (c *FFmpegConverter) ConvertToWav(ctx context.Context, src []byte, srcFormat string) ([]byte, error) {
	binary := c.Binary
	if binary == "" {
		binary = "ffmpeg"
	}

	dir, err := os.MkdirTemp("", "audiopipe-convert-*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	inPath := filepath.Join(dir, "in."+srcFormat)
	outPath := filepath.Join(dir, "out.wav")
	if err := os.WriteFile(inPath, src, 0o600); err != nil {
		return nil, fmt.Errorf("write temp input: %w", err)
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, binary, "-y", "-i", inPath, "-acodec", "pcm_s16le", "-ar", "44100", outPath)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg %s -> wav: %w: %s", srcFormat, err, stderr.String())
	}

	out, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("read converted output: %w", err)
	}
	return out, nil
}
