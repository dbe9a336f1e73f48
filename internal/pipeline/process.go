package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"mediavault-backend/internal/domain"
)

// process derives thumbnails, a transcoded variant and duration metadata
// from the session's primary artifact. Each derivation is independent:
// optional failures are recorded on the session but the session still
// completes as long as the primary artifact is intact. Only a missing or
// unreadable primary artifact is fatal.
func (p *Pipeline) process(ctx context.Context, sessionID uuid.UUID) {
	sess, err := p.store.GetSession(ctx, sessionID)
	if err != nil {
		p.log.Error("processing: session lookup failed", slog.String("session", sessionID.String()), slog.Any("error", err))
		return
	}
	if sess.Status != domain.StatusProcessing {
		p.log.Warn("processing: unexpected status, skipping",
			slog.String("session", sessionID.String()), slog.String("status", string(sess.Status)))
		return
	}

	if _, err := os.Stat(sess.ArtifactPath); err != nil {
		p.fail(ctx, sessionID, fmt.Sprintf("primary artifact unreadable: %v", err))
		return
	}

	switch {
	case strings.HasPrefix(sess.ContentType, "video/"):
		p.processVideo(ctx, sess)
	case strings.HasPrefix(sess.ContentType, "image/"):
		p.processImage(ctx, sess)
	}

	moved, err := p.store.TransitionStatus(ctx, sessionID, domain.StatusProcessing, domain.StatusCompleted)
	if err != nil || !moved {
		p.log.Error("processing: transition to completed failed",
			slog.String("session", sessionID.String()), slog.Any("error", err))
		return
	}
	if err := p.store.UpdateProgress(ctx, sessionID, 100); err != nil {
		p.log.Warn("processing: final progress update failed", slog.Any("error", err))
	}
	p.log.Info("session completed", slog.String("session", sessionID.String()))
}

func (p *Pipeline) processVideo(ctx context.Context, sess *domain.UploadSession) {
	duration, err := p.media.ProbeDuration(ctx, sess.ArtifactPath)
	if err != nil {
		p.note(ctx, sess.ID, fmt.Sprintf("duration probe failed: %v", err))
	} else if err := p.store.SetDuration(ctx, sess.ID, int(math.Round(duration))); err != nil {
		p.log.Warn("record duration failed", slog.Any("error", err))
	}

	// representative frame at 10% into the video
	thumbPath := derivedPath(sess.ArtifactPath, "_thumb.jpg")
	if err := p.media.Thumbnail(ctx, sess.ArtifactPath, thumbPath, duration*0.10); err != nil {
		p.note(ctx, sess.ID, fmt.Sprintf("thumbnail failed: %v", err))
	} else if err := p.store.SetThumbnail(ctx, sess.ID, thumbPath); err != nil {
		p.log.Warn("record thumbnail failed", slog.Any("error", err))
	}

	bitrate, wanted := p.cfg.TierBitrates[sess.Tier]
	if !wanted {
		return
	}
	outPath := derivedPath(sess.ArtifactPath, "_compressed.mp4")
	err = p.media.Transcode(ctx, sess.ArtifactPath, outPath, bitrate, duration, func(pct int) {
		if err := p.store.UpdateProgress(ctx, sess.ID, pct); err != nil {
			p.log.Warn("compression progress update failed", slog.Any("error", err))
		}
	})
	if err != nil {
		p.note(ctx, sess.ID, fmt.Sprintf("compression failed: %v", err))
		return
	}
	if err := p.store.SetProcessed(ctx, sess.ID, outPath); err != nil {
		p.log.Warn("record processed variant failed", slog.Any("error", err))
	}
}

func (p *Pipeline) processImage(ctx context.Context, sess *domain.UploadSession) {
	thumbPath := derivedPath(sess.ArtifactPath, "_thumb.jpg")
	if err := p.media.ImageThumbnail(sess.ArtifactPath, thumbPath, p.cfg.ThumbnailWidth, p.cfg.ThumbnailHeight); err != nil {
		p.note(ctx, sess.ID, fmt.Sprintf("image thumbnail failed: %v", err))
		return
	}
	if err := p.store.SetThumbnail(ctx, sess.ID, thumbPath); err != nil {
		p.log.Warn("record thumbnail failed", slog.Any("error", err))
	}
}

// note records a non-fatal derivation failure on the session.
func (p *Pipeline) note(ctx context.Context, sessionID uuid.UUID, msg string) {
	p.log.Warn("derivation failed", slog.String("session", sessionID.String()), slog.String("note", msg))
	if err := p.store.AppendProcessingNote(ctx, sessionID, msg); err != nil {
		p.log.Warn("record processing note failed", slog.Any("error", err))
	}
}

func derivedPath(artifact, suffix string) string {
	return strings.TrimSuffix(artifact, filepath.Ext(artifact)) + suffix
}
