// Package mediatest provides a stub Processor for exercising the pipeline
// without ffmpeg binaries.
package mediatest

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"mediavault-backend/internal/domain"
)

// Processor is a configurable media.Processor stub. Derivation outputs are
// small marker files; failure switches simulate broken derivation steps.
type Processor struct {
	Duration      float64
	FailProbe     bool
	FailThumbnail bool
	FailTranscode bool

	// TranscodeProgress values are replayed through the progress callback.
	TranscodeProgress []int

	ProbeCalls     atomic.Int32
	ThumbnailCalls atomic.Int32
	TranscodeCalls atomic.Int32
}

// New returns a stub reporting a 60 second duration.
func New() *Processor {
	return &Processor{Duration: 60, TranscodeProgress: []int{25, 50, 75, 100}}
}

func (p *Processor) ProbeDuration(_ context.Context, _ string) (float64, error) {
	p.ProbeCalls.Add(1)
	if p.FailProbe {
		return 0, fmt.Errorf("%w: probe stub failure", domain.ErrProcessing)
	}
	return p.Duration, nil
}

func (p *Processor) Thumbnail(_ context.Context, _, dst string, _ float64) error {
	p.ThumbnailCalls.Add(1)
	if p.FailThumbnail {
		return fmt.Errorf("%w: thumbnail stub failure", domain.ErrProcessing)
	}
	return os.WriteFile(dst, []byte("thumbnail"), 0o644)
}

func (p *Processor) Transcode(_ context.Context, _, dst string, _ domain.Bitrate, _ float64, onProgress func(int)) error {
	p.TranscodeCalls.Add(1)
	if p.FailTranscode {
		return fmt.Errorf("%w: transcode stub failure", domain.ErrProcessing)
	}
	for _, pct := range p.TranscodeProgress {
		if onProgress != nil {
			onProgress(pct)
		}
	}
	return os.WriteFile(dst, []byte("transcoded"), 0o644)
}

func (p *Processor) ImageThumbnail(_, dst string, _, _ int) error {
	p.ThumbnailCalls.Add(1)
	if p.FailThumbnail {
		return fmt.Errorf("%w: thumbnail stub failure", domain.ErrProcessing)
	}
	return os.WriteFile(dst, []byte("thumbnail"), 0o644)
}
