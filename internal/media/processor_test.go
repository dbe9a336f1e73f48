package media

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"
)

func TestParseProgressLine(t *testing.T) {
	pct, ok := parseProgressLine("out_time_us=30000000", 60)
	require.True(t, ok)
	require.Equal(t, 50, pct)

	pct, ok = parseProgressLine("out_time_us=90000000", 60)
	require.True(t, ok)
	require.Equal(t, 100, pct) // clamped

	_, ok = parseProgressLine("frame=42", 60)
	require.False(t, ok)

	_, ok = parseProgressLine("out_time_us=1000", 0)
	require.False(t, ok) // unknown duration, no percent possible

	_, ok = parseProgressLine("out_time_us=garbage", 60)
	require.False(t, ok)
}

func TestImageThumbnail(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.png")
	dst := filepath.Join(dir, "thumb.jpg")

	img := image.NewRGBA(image.Rect(0, 0, 600, 600))
	for x := 0; x < 600; x++ {
		for y := 0; y < 600; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 100, A: 255})
		}
	}
	f, err := os.Create(src)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())

	p := NewFFmpeg("ffmpeg", "ffprobe")
	require.NoError(t, p.ImageThumbnail(src, dst, 300, 200))

	thumb, err := imaging.Open(dst)
	require.NoError(t, err)
	require.Equal(t, 300, thumb.Bounds().Dx())
	require.Equal(t, 200, thumb.Bounds().Dy())
}

func TestImageThumbnailBadSource(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "not-an-image.bin")
	require.NoError(t, os.WriteFile(src, []byte("junk"), 0o644))

	p := NewFFmpeg("ffmpeg", "ffprobe")
	err := p.ImageThumbnail(src, filepath.Join(dir, "thumb.jpg"), 300, 200)
	require.Error(t, err)
}
