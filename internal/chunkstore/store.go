package chunkstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"mediavault-backend/internal/domain"
)

// Store persists uploaded chunk fragments on disk until reassembly.
// Fragments are addressed by (session id, chunk index); a write becomes
// visible only after the rename, so readers never observe a partial chunk.
type Store struct {
	basePath string
}

// NewStore creates a Store rooted at basePath.
func NewStore(basePath string) (*Store, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, err
	}
	return &Store{basePath: basePath}, nil
}

// ChunkPath returns the on-disk location for a chunk.
func (s *Store) ChunkPath(sessionID uuid.UUID, index int) string {
	return filepath.Join(s.basePath, sessionID.String(), fmt.Sprintf("chunk-%05d", index))
}

// WriteChunk copies the incoming chunk to disk and computes its checksum.
// Repeat writes for the same index atomically replace the previous one.
func (s *Store) WriteChunk(sessionID uuid.UUID, index int, data io.Reader) (int64, string, error) {
	chunkPath := s.ChunkPath(sessionID, index)
	if err := os.MkdirAll(filepath.Dir(chunkPath), 0o755); err != nil {
		return 0, "", fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}

	tmpPath := chunkPath + ".partial"
	file, err := os.Create(tmpPath)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}

	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(file, hasher), data)
	if err != nil {
		file.Close()
		_ = os.Remove(tmpPath)
		return 0, "", fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return 0, "", fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}
	if err := os.Rename(tmpPath, chunkPath); err != nil {
		_ = os.Remove(tmpPath)
		return 0, "", fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}
	return written, hex.EncodeToString(hasher.Sum(nil)), nil
}

// RemoveChunk deletes a single fragment, used when a write is rejected
// after landing on disk (e.g. checksum mismatch).
func (s *Store) RemoveChunk(sessionID uuid.UUID, index int) error {
	return os.Remove(s.ChunkPath(sessionID, index))
}

// ReadChunksInOrder returns a reader producing the session's chunk bytes
// for indices 0..totalChunks-1 in strict ascending order. Every index is
// verified to exist before any byte is produced; a gap fails the whole call
// with ErrMissingChunk. The reader is not restartable mid-stream.
func (s *Store) ReadChunksInOrder(sessionID uuid.UUID, totalChunks int) (io.ReadCloser, error) {
	paths := make([]string, totalChunks)
	for i := 0; i < totalChunks; i++ {
		p := s.ChunkPath(sessionID, i)
		if _, err := os.Stat(p); err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("%w: index %d", domain.ErrMissingChunk, i)
			}
			return nil, fmt.Errorf("%w: %v", domain.ErrStorage, err)
		}
		paths[i] = p
	}
	return &chunkReader{paths: paths}, nil
}

// DeleteSessionChunks removes all fragments for the session. Cleanup is
// best-effort and off the critical path; callers log failures.
func (s *Store) DeleteSessionChunks(sessionID uuid.UUID) error {
	return os.RemoveAll(filepath.Join(s.basePath, sessionID.String()))
}

// chunkReader streams chunk files one after another, opening each lazily.
type chunkReader struct {
	paths   []string
	next    int
	current *os.File
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for {
		if r.current == nil {
			if r.next >= len(r.paths) {
				return 0, io.EOF
			}
			file, err := os.Open(r.paths[r.next])
			if err != nil {
				return 0, fmt.Errorf("%w: %v", domain.ErrStorage, err)
			}
			r.current = file
			r.next++
		}
		n, err := r.current.Read(p)
		if err == io.EOF {
			cerr := r.current.Close()
			r.current = nil
			if cerr != nil {
				return n, fmt.Errorf("%w: %v", domain.ErrStorage, cerr)
			}
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (r *chunkReader) Close() error {
	if r.current != nil {
		err := r.current.Close()
		r.current = nil
		return err
	}
	return nil
}
