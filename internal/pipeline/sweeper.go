package pipeline

import (
	"context"
	"log/slog"
	"time"
)

// sweeper periodically fails sessions abandoned past the configured TTL and
// reclaims their chunk storage. Sessions already picked up by a worker
// (assembling/processing) are left alone.
func (p *Pipeline) sweeper(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *Pipeline) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-p.cfg.SessionTTL)
	expired, err := p.store.ListExpired(ctx, cutoff)
	if err != nil {
		p.log.Error("sweep: list expired failed", slog.Any("error", err))
		return
	}
	for _, sess := range expired {
		if err := p.store.SetFailure(ctx, sess.ID, "session expired"); err != nil {
			p.log.Error("sweep: mark failed", slog.String("session", sess.ID.String()), slog.Any("error", err))
			continue
		}
		if err := p.chunks.DeleteSessionChunks(sess.ID); err != nil {
			p.log.Warn("sweep: chunk cleanup failed", slog.String("session", sess.ID.String()), slog.Any("error", err))
		}
		p.log.Info("expired session reclaimed", slog.String("session", sess.ID.String()))
	}
}
