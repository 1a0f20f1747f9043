package classifier

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// FrameExtractor pulls still frames out of a video file for per-frame image
// classification. Transcoding details are opaque to the rest of the system.
type FrameExtractor interface {
	ExtractFrames(ctx context.Context, videoPath string, count int) ([][]byte, error)
}

// FFmpegFrameExtractor shells out to ffprobe/ffmpeg, same tools the media
// pipeline already depends on.
type FFmpegFrameExtractor struct {
	// TempDir defaults to os.TempDir()
	TempDir string
}

var _ FrameExtractor = (*FFmpegFrameExtractor)(nil)

func (fe *FFmpegFrameExtractor) ExtractFrames(ctx context.Context, videoPath string, count int) ([][]byte, error) {
	if count <= 0 {
		count = 5
	}
	if _, err := os.Stat(videoPath); err != nil {
		return nil, fmt.Errorf("video file not accessible: %w", err)
	}

	duration, err := fe.probeDuration(ctx, videoPath)
	if err != nil {
		return nil, err
	}
	if duration <= 0 {
		return nil, fmt.Errorf("video has no duration")
	}

	tmpDir := fe.TempDir
	if tmpDir == "" {
		tmpDir = os.TempDir()
	}

	var frames [][]byte
	for i := 0; i < count; i++ {
		ts := duration * float64(i) / float64(count)
		outPath := filepath.Join(tmpDir, fmt.Sprintf("warden-frame-%d-%d.jpg", os.Getpid(), i))

		cmd := exec.CommandContext(ctx, "ffmpeg",
			"-ss", strconv.FormatFloat(ts, 'f', 2, 64),
			"-i", videoPath,
			"-vframes", "1",
			"-q:v", "2",
			"-y", outPath,
		)
		if err := cmd.Run(); err != nil {
			continue
		}
		data, err := os.ReadFile(outPath)
		os.Remove(outPath)
		if err != nil {
			continue
		}
		frames = append(frames, data)
	}

	if len(frames) == 0 {
		return nil, fmt.Errorf("could not extract any frames")
	}
	return frames, nil
}

func (fe *FFmpegFrameExtractor) probeDuration(ctx context.Context, videoPath string) (float64, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		videoPath,
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed: %w", err)
	}
	dur, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("unparsable ffprobe duration: %w", err)
	}
	return dur, nil
}
