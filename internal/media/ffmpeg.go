// Package media implements the kind-specific processors of the derived
// artifact pipeline: compressed variants, preview thumbnails, HLS renditions,
// audio tag extraction, and storage cleanup.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const stderrTail = 512

// FFmpeg invokes the external ffmpeg binary. Every invocation carries its own
// timeout so a wedged encode surfaces as an ordinary processing failure
// instead of blocking the runner forever.
type FFmpeg struct {
	Path    string
	Timeout time.Duration
}

// NewFFmpeg wraps the binary at path. An empty path means "ffmpeg" on PATH.
func NewFFmpeg(path string, timeout time.Duration) *FFmpeg {
	if path == "" {
		path = "ffmpeg"
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &FFmpeg{Path: path, Timeout: timeout}
}

// Run executes ffmpeg with the given arguments. -y and quiet logging are
// always prepended.
func (f *FFmpeg) Run(ctx context.Context, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()

	full := append([]string{"-hide_banner", "-loglevel", "error", "-y"}, args...)
	cmd := exec.CommandContext(ctx, f.Path, full...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("ffmpeg timed out after %s", f.Timeout)
	}
	if msg := tail(stderr.String(), stderrTail); msg != "" {
		return fmt.Errorf("ffmpeg: %w: %s", err, msg)
	}
	return fmt.Errorf("ffmpeg: %w", err)
}

// FFprobe invokes the external ffprobe binary to inspect containers before
// they are handed to ffmpeg.
type FFprobe struct {
	Path    string
	Timeout time.Duration
}

// NewFFprobe wraps the binary at path. An empty path means "ffprobe" on PATH.
func NewFFprobe(path string, timeout time.Duration) *FFprobe {
	if path == "" {
		path = "ffprobe"
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &FFprobe{Path: path, Timeout: timeout}
}

// Duration reports the container duration of the file at path.
func (f *FFprobe) Duration(ctx context.Context, path string) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, f.Path,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := tail(stderr.String(), stderrTail); msg != "" {
			return 0, fmt.Errorf("ffprobe: %w: %s", err, msg)
		}
		return 0, fmt.Errorf("ffprobe: %w", err)
	}

	raw := strings.TrimSpace(stdout.String())
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("ffprobe: parse duration %q: %w", raw, err)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
