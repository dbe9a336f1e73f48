package pipeline

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"mediavault-backend/internal/chunkstore"
	"mediavault-backend/internal/config"
	"mediavault-backend/internal/media"
	"mediavault-backend/internal/store"
)

type taskKind int

const (
	kindReassemble taskKind = iota
	kindProcess
)

type task struct {
	sessionID uuid.UUID
	kind      taskKind
}

// Pipeline runs reassembly and post-processing off the request path on a
// bounded worker pool, and sweeps expired sessions on a ticker. Callers
// enqueue work after winning the status compare-and-set, so each task is
// executed at most once per session.
type Pipeline struct {
	cfg    *config.Config
	store  store.Store
	chunks *chunkstore.Store
	media  media.Processor
	log    *slog.Logger
	tasks  chan task
	wg     sync.WaitGroup
}

// New constructs a Pipeline. Start must be called before enqueueing.
func New(cfg *config.Config, st store.Store, chunks *chunkstore.Store, proc media.Processor, log *slog.Logger) *Pipeline {
	return &Pipeline{
		cfg:    cfg,
		store:  st,
		chunks: chunks,
		media:  proc,
		log:    log.With(slog.String("component", "pipeline")),
		tasks:  make(chan task, cfg.QueueSize),
	}
}

// Start launches the worker pool and the TTL sweeper. Workers drain until
// ctx is cancelled; Stop waits for in-flight tasks to finish.
func (p *Pipeline) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.wg.Add(1)
	go p.sweeper(ctx)
}

// Stop blocks until all workers have exited.
func (p *Pipeline) Stop() {
	p.wg.Wait()
}

// EnqueueReassembly schedules chunk reassembly for a session whose status
// CAS to assembling the caller has already won. Blocks when the queue is
// full rather than dropping work.
func (p *Pipeline) EnqueueReassembly(ctx context.Context, sessionID uuid.UUID) error {
	return p.enqueue(ctx, task{sessionID: sessionID, kind: kindReassemble})
}

// EnqueueProcessing schedules post-processing for a session already in the
// processing status.
func (p *Pipeline) EnqueueProcessing(ctx context.Context, sessionID uuid.UUID) error {
	return p.enqueue(ctx, task{sessionID: sessionID, kind: kindProcess})
}

func (p *Pipeline) enqueue(ctx context.Context, t task) error {
	select {
	case p.tasks <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-p.tasks:
			switch t.kind {
			case kindReassemble:
				p.reassemble(ctx, t.sessionID)
			case kindProcess:
				p.process(ctx, t.sessionID)
			}
		}
	}
}

// fail moves the session to failed with a stored reason. Failures here are
// terminal for the session but never crash the worker.
func (p *Pipeline) fail(ctx context.Context, sessionID uuid.UUID, reason string) {
	p.log.Error("session failed", slog.String("session", sessionID.String()), slog.String("reason", reason))
	if err := p.store.SetFailure(ctx, sessionID, reason); err != nil {
		p.log.Error("unable to record failure", slog.String("session", sessionID.String()), slog.Any("error", err))
	}
}
