package recording

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrSkipped is returned when there is nothing to convert
var ErrSkipped = errors.New("conversion skipped")

// Converter turns an uploaded clip into a playable container file
type Converter interface {
	// Convert returns the path of the converted file
	Convert(ctx context.Context, src string) (string, error)
}

// FFmpegConverter wraps an MJPEG stream in an AVI container using ffmpeg
type FFmpegConverter struct {
	path   string
	fps    int
	logger *zap.Logger
}

// NewFFmpegConverter creates a converter. An empty path uses "ffmpeg" from PATH.
func NewFFmpegConverter(path string, fps int, logger *zap.Logger) *FFmpegConverter {
	if path == "" {
		path = "ffmpeg"
	}
	if fps <= 0 {
		fps = 10
	}

	return &FFmpegConverter{
		path:   path,
		fps:    fps,
		logger: logger.With(zap.String("component", "ffmpeg")),
	}
}

// OutputPath returns the .avi path for src
func OutputPath(src string) string {
	return strings.TrimSuffix(src, filepath.Ext(src)) + ".avi"
}

// Convert writes <src without extension>.avi next to src
func (c *FFmpegConverter) Convert(ctx context.Context, src string) (string, error) {
	info, err := os.Stat(src)
	if err != nil || info.Size() == 0 {
		c.logger.Warn("Video file missing or empty, skipping conversion", zap.String("path", src))
		return "", fmt.Errorf("%w: %s", ErrSkipped, src)
	}

	out := OutputPath(src)
	if out == src {
		return "", fmt.Errorf("%w: %s is already an avi file", ErrSkipped, src)
	}

	args := []string{
		"-y",
		"-hide_banner",
		"-loglevel", "error",
		"-f", "mjpeg",
		"-framerate", strconv.Itoa(c.fps),
		"-i", src,
		"-c:v", "copy",
		"-f", "avi",
		out,
	}

	c.logger.Debug("Starting ffmpeg", zap.String("src", src), zap.Strings("args", args))

	cmd := exec.CommandContext(ctx, c.path, args...)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	var lastLine string
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		lastLine = scanner.Text()
		c.logger.Debug("ffmpeg stderr", zap.String("line", lastLine))
	}

	if err := cmd.Wait(); err != nil {
		os.Remove(out)

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			c.logger.Error("ffmpeg exited with error",
				zap.String("src", src),
				zap.Int("exit_code", exitErr.ExitCode()),
				zap.String("stderr", lastLine))
		}
		return "", fmt.Errorf("ffmpeg failed for %s: %w", src, err)
	}

	c.logger.Info("Video converted",
		zap.String("src", src),
		zap.String("out", out),
		zap.Duration("took", time.Since(start)))

	return out, nil
}
