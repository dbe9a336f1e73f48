package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"mediavault-backend/internal/domain"
)

// reassemble concatenates the session's chunks, in index order, into the
// final artifact. The caller won the receiving -> assembling CAS, so this
// runs at most once per session. On success the fragments are deleted and
// the session moves to processing; on failure the fragments are kept for
// diagnosis and the session is failed with the reason.
func (p *Pipeline) reassemble(ctx context.Context, sessionID uuid.UUID) {
	sess, err := p.store.GetSession(ctx, sessionID)
	if err != nil {
		p.log.Error("reassembly: session lookup failed", slog.String("session", sessionID.String()), slog.Any("error", err))
		return
	}
	if sess.Status != domain.StatusAssembling {
		p.log.Warn("reassembly: unexpected status, skipping",
			slog.String("session", sessionID.String()), slog.String("status", string(sess.Status)))
		return
	}

	dest := filepath.Join(p.cfg.StorageRoot, sess.StoredName)
	written, err := p.concatChunks(sess, dest)
	if err != nil {
		p.fail(ctx, sessionID, err.Error())
		return
	}
	if written != sess.SizeBytes {
		p.fail(ctx, sessionID, fmt.Sprintf("assembled %d bytes, declared %d", written, sess.SizeBytes))
		return
	}

	if err := p.store.SetArtifact(ctx, sessionID, dest); err != nil {
		p.fail(ctx, sessionID, fmt.Sprintf("record artifact: %v", err))
		return
	}
	if err := p.chunks.DeleteSessionChunks(sessionID); err != nil {
		p.log.Warn("chunk cleanup failed", slog.String("session", sessionID.String()), slog.Any("error", err))
	}

	moved, err := p.store.TransitionStatus(ctx, sessionID, domain.StatusAssembling, domain.StatusProcessing)
	if err != nil || !moved {
		p.log.Error("reassembly: transition to processing failed",
			slog.String("session", sessionID.String()), slog.Any("error", err))
		return
	}

	select {
	case p.tasks <- task{sessionID: sessionID, kind: kindProcess}:
	default:
		// queue saturated, keep this worker on the session
		p.process(ctx, sessionID)
	}
}

// concatChunks streams all fragments into dest through a temporary file so
// a crash mid-write never leaves a partial artifact visible.
func (p *Pipeline) concatChunks(sess *domain.UploadSession, dest string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}
	rc, err := p.chunks.ReadChunksInOrder(sess.ID, sess.TotalChunks)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	tmpPath := dest + ".partial"
	file, err := os.Create(tmpPath)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}
	written, err := io.Copy(file, rc)
	if err != nil {
		file.Close()
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}
	return written, nil
}
