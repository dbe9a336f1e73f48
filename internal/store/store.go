package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"mediavault-backend/internal/domain"
)

// Store defines persistence behavior for upload sessions and their chunk
// bitmaps. Implementations must make per-chunk updates and the status
// compare-and-set individually atomic; callers rely on TransitionStatus
// succeeding for exactly one of several racing callers.
type Store interface {
	// CreateSession persists a new session together with one unfulfilled
	// chunk placeholder per index. chunkSizes holds the expected byte
	// length of each index and is empty for direct-path sessions.
	CreateSession(ctx context.Context, s *domain.UploadSession, chunkSizes []int64) error

	GetSession(ctx context.Context, id uuid.UUID) (*domain.UploadSession, error)
	ListSessions(ctx context.Context, owner uuid.UUID) ([]domain.UploadSession, error)
	DeleteSession(ctx context.Context, id uuid.UUID) error

	// MarkChunkUploaded flips the uploaded flag for one index, records its
	// size and checksum, recomputes session progress and flips the session
	// from pending to receiving on the first chunk. Idempotent per index.
	MarkChunkUploaded(ctx context.Context, id uuid.UUID, index int, size int64, checksum string) (progress int, err error)

	ListChunks(ctx context.Context, id uuid.UUID) ([]domain.Chunk, error)
	IsComplete(ctx context.Context, id uuid.UUID) (bool, error)

	// TransitionStatus atomically moves the session from one status to
	// another. It returns false without error when the session is no
	// longer in the expected status.
	TransitionStatus(ctx context.Context, id uuid.UUID, from, to domain.UploadStatus) (bool, error)

	// SetFailure moves the session to failed with a human-readable reason.
	// It is a no-op on sessions already in a terminal status.
	SetFailure(ctx context.Context, id uuid.UUID, reason string) error

	// UpdateProgress raises the session progress. Values below the current
	// progress are ignored; progress never regresses.
	UpdateProgress(ctx context.Context, id uuid.UUID, progress int) error

	SetArtifact(ctx context.Context, id uuid.UUID, path string) error
	SetThumbnail(ctx context.Context, id uuid.UUID, path string) error
	SetProcessed(ctx context.Context, id uuid.UUID, path string) error
	SetDuration(ctx context.Context, id uuid.UUID, seconds int) error

	// AppendProcessingNote records a non-fatal derivation failure.
	AppendProcessingNote(ctx context.Context, id uuid.UUID, note string) error

	// ListExpired returns non-terminal pending/receiving sessions whose
	// last update is older than the cutoff, for the TTL sweep.
	ListExpired(ctx context.Context, cutoff time.Time) ([]domain.UploadSession, error)
}
