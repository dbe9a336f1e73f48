package media

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"

	"mediavault-backend/internal/domain"
)

// Processor derives thumbnails, transcoded variants and metadata from a
// completed artifact. The exec-based implementation below shells out to
// ffmpeg/ffprobe; tests substitute a stub.
type Processor interface {
	// ProbeDuration returns the media duration in seconds.
	ProbeDuration(ctx context.Context, src string) (float64, error)

	// Thumbnail writes a single representative frame taken at the given
	// offset into the source as a JPEG.
	Thumbnail(ctx context.Context, src, dst string, offsetSeconds float64) error

	// Transcode re-encodes the source with the tier's bitrate caps,
	// reporting percent progress through the callback as encoding advances.
	Transcode(ctx context.Context, src, dst string, bitrate domain.Bitrate, durationSeconds float64, onProgress func(percent int)) error

	// ImageThumbnail writes a fixed-dimension cover-cropped JPEG thumbnail
	// of a still image.
	ImageThumbnail(src, dst string, width, height int) error
}

// FFmpeg implements Processor with the ffmpeg and ffprobe binaries.
type FFmpeg struct {
	FFmpegPath  string
	FFprobePath string
	JPEGQuality int
}

// NewFFmpeg builds the exec-based processor.
func NewFFmpeg(ffmpegPath, ffprobePath string) *FFmpeg {
	return &FFmpeg{FFmpegPath: ffmpegPath, FFprobePath: ffprobePath, JPEGQuality: 80}
}

func (f *FFmpeg) ProbeDuration(ctx context.Context, src string) (float64, error) {
	out, err := exec.CommandContext(ctx, f.FFprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		src,
	).Output()
	if err != nil {
		return 0, fmt.Errorf("%w: ffprobe: %v", domain.ErrProcessing, err)
	}
	duration, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: ffprobe output %q: %v", domain.ErrProcessing, out, err)
	}
	return duration, nil
}

func (f *FFmpeg) Thumbnail(ctx context.Context, src, dst string, offsetSeconds float64) error {
	err := exec.CommandContext(ctx, f.FFmpegPath,
		"-y",
		"-ss", strconv.FormatFloat(offsetSeconds, 'f', 2, 64),
		"-i", src,
		"-vframes", "1",
		"-q:v", "2",
		dst,
	).Run()
	if err != nil {
		return fmt.Errorf("%w: thumbnail: %v", domain.ErrProcessing, err)
	}
	return nil
}

func (f *FFmpeg) Transcode(ctx context.Context, src, dst string, bitrate domain.Bitrate, durationSeconds float64, onProgress func(int)) error {
	cmd := exec.CommandContext(ctx, f.FFmpegPath,
		"-y",
		"-i", src,
		"-b:v", bitrate.Video,
		"-b:a", bitrate.Audio,
		"-f", "mp4",
		"-nostats",
		"-progress", "pipe:1",
		dst,
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: transcode: %v", domain.ErrProcessing, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: transcode: %v", domain.ErrProcessing, err)
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		if pct, ok := parseProgressLine(scanner.Text(), durationSeconds); ok && onProgress != nil {
			onProgress(pct)
		}
	}
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("%w: transcode: %v", domain.ErrProcessing, err)
	}
	return nil
}

func (f *FFmpeg) ImageThumbnail(src, dst string, width, height int) error {
	img, err := imaging.Open(src)
	if err != nil {
		return fmt.Errorf("%w: open image: %v", domain.ErrProcessing, err)
	}
	thumb := imaging.Fill(img, width, height, imaging.Center, imaging.Lanczos)
	if err := imaging.Save(thumb, dst, imaging.JPEGQuality(f.JPEGQuality)); err != nil {
		return fmt.Errorf("%w: save thumbnail: %v", domain.ErrProcessing, err)
	}
	return nil
}

// parseProgressLine extracts a percent value from one line of ffmpeg
// `-progress pipe:1` output (`out_time_us=<microseconds>`).
func parseProgressLine(line string, durationSeconds float64) (int, bool) {
	value, found := strings.CutPrefix(line, "out_time_us=")
	if !found || durationSeconds <= 0 {
		return 0, false
	}
	us, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0, false
	}
	pct := int(float64(us) / 1e6 / durationSeconds * 100)
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return pct, true
}
