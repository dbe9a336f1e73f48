package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"mediavault-backend/internal/domain"
)

// MemoryStore implements Store with in-process state. It backs DB-less runs
// and hermetic tests; all mutations take the session lock so the same
// atomicity guarantees hold as for the SQL implementation.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*domain.UploadSession
	chunks   map[uuid.UUID][]domain.Chunk
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[uuid.UUID]*domain.UploadSession),
		chunks:   make(map[uuid.UUID][]domain.Chunk),
	}
}

func (s *MemoryStore) CreateSession(_ context.Context, sess *domain.UploadSession, chunkSizes []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return fmt.Errorf("%w: session %s already exists", domain.ErrValidation, sess.ID)
	}
	now := time.Now().UTC()
	cp := *sess
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.sessions[sess.ID] = &cp

	chunks := make([]domain.Chunk, len(chunkSizes))
	for i, size := range chunkSizes {
		chunks[i] = domain.Chunk{SessionID: sess.ID, Index: i, SizeBytes: size}
	}
	s.chunks[sess.ID] = chunks
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, id uuid.UUID) (*domain.UploadSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *MemoryStore) ListSessions(_ context.Context, owner uuid.UUID) ([]domain.UploadSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.UploadSession
	for _, sess := range s.sessions {
		if sess.OwnerID == owner {
			out = append(out, *sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return domain.ErrNotFound
	}
	delete(s.sessions, id)
	delete(s.chunks, id)
	return nil
}

func (s *MemoryStore) MarkChunkUploaded(_ context.Context, id uuid.UUID, index int, size int64, checksum string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return 0, domain.ErrNotFound
	}
	if sess.Status.Terminal() {
		return 0, fmt.Errorf("%w: session is %s", domain.ErrState, sess.Status)
	}
	chunks := s.chunks[id]
	if index < 0 || index >= len(chunks) {
		return 0, fmt.Errorf("%w: chunk index %d", domain.ErrNotFound, index)
	}
	now := time.Now().UTC()
	chunks[index].Uploaded = true
	chunks[index].SizeBytes = size
	chunks[index].Checksum = checksum
	chunks[index].UploadedAt = &now

	uploaded := 0
	for _, c := range chunks {
		if c.Uploaded {
			uploaded++
		}
	}
	progress := uploaded * 100 / sess.TotalChunks
	if progress > sess.Progress {
		sess.Progress = progress
	}
	if sess.Status == domain.StatusPending {
		sess.Status = domain.StatusReceiving
	}
	sess.UpdatedAt = now
	return sess.Progress, nil
}

func (s *MemoryStore) ListChunks(_ context.Context, id uuid.UUID) ([]domain.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chunks, ok := s.chunks[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := make([]domain.Chunk, len(chunks))
	copy(out, chunks)
	return out, nil
}

func (s *MemoryStore) IsComplete(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chunks, ok := s.chunks[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if len(chunks) == 0 {
		return false, nil
	}
	for _, c := range chunks {
		if !c.Uploaded {
			return false, nil
		}
	}
	return true, nil
}

func (s *MemoryStore) TransitionStatus(_ context.Context, id uuid.UUID, from, to domain.UploadStatus) (bool, error) {
	if !domain.CanTransition(from, to) {
		return false, fmt.Errorf("%w: %s -> %s", domain.ErrState, from, to)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if sess.Status != from {
		return false, nil
	}
	sess.Status = to
	sess.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemoryStore) SetFailure(_ context.Context, id uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return domain.ErrNotFound
	}
	if sess.Status.Terminal() {
		return nil
	}
	sess.Status = domain.StatusFailed
	sess.FailureReason = reason
	sess.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) UpdateProgress(_ context.Context, id uuid.UUID, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return domain.ErrNotFound
	}
	if progress > sess.Progress {
		sess.Progress = progress
		sess.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *MemoryStore) SetArtifact(_ context.Context, id uuid.UUID, path string) error {
	return s.update(id, func(sess *domain.UploadSession) { sess.ArtifactPath = path })
}

func (s *MemoryStore) SetThumbnail(_ context.Context, id uuid.UUID, path string) error {
	return s.update(id, func(sess *domain.UploadSession) { sess.ThumbnailPath = path })
}

func (s *MemoryStore) SetProcessed(_ context.Context, id uuid.UUID, path string) error {
	return s.update(id, func(sess *domain.UploadSession) { sess.ProcessedPath = path })
}

func (s *MemoryStore) SetDuration(_ context.Context, id uuid.UUID, seconds int) error {
	return s.update(id, func(sess *domain.UploadSession) { sess.DurationSec = seconds })
}

func (s *MemoryStore) AppendProcessingNote(_ context.Context, id uuid.UUID, note string) error {
	return s.update(id, func(sess *domain.UploadSession) {
		if sess.ProcessingNote == "" {
			sess.ProcessingNote = note
		} else {
			sess.ProcessingNote += "; " + note
		}
	})
}

func (s *MemoryStore) ListExpired(_ context.Context, cutoff time.Time) ([]domain.UploadSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.UploadSession
	for _, sess := range s.sessions {
		switch sess.Status {
		case domain.StatusPending, domain.StatusReceiving:
			if sess.UpdatedAt.Before(cutoff) {
				out = append(out, *sess)
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) update(id uuid.UUID, fn func(*domain.UploadSession)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return domain.ErrNotFound
	}
	fn(sess)
	sess.UpdatedAt = time.Now().UTC()
	return nil
}
