package upload

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"mediavault-backend/internal/chunkstore"
	"mediavault-backend/internal/config"
	"mediavault-backend/internal/domain"
	"mediavault-backend/internal/pipeline"
	"mediavault-backend/internal/store"
)

// Service orchestrates the upload lifecycle between the session registry,
// the chunk store and the background pipeline.
type Service struct {
	cfg    *config.Config
	store  store.Store
	chunks *chunkstore.Store
	pipe   *pipeline.Pipeline
	log    *slog.Logger
}

// NewService constructs a Service instance.
func NewService(cfg *config.Config, st store.Store, chunks *chunkstore.Store, pipe *pipeline.Pipeline, log *slog.Logger) *Service {
	return &Service{
		cfg:    cfg,
		store:  st,
		chunks: chunks,
		pipe:   pipe,
		log:    log.With(slog.String("component", "upload")),
	}
}

// InitSession validates the declared file and creates a chunked upload
// session with one placeholder per chunk index.
func (s *Service) InitSession(ctx context.Context, owner uuid.UUID, req domain.InitRequest) (*domain.InitResponse, error) {
	if strings.TrimSpace(req.Filename) == "" {
		return nil, fmt.Errorf("%w: filename is required", domain.ErrValidation)
	}
	if req.Size <= 0 {
		return nil, fmt.Errorf("%w: file size must be greater than zero", domain.ErrValidation)
	}
	if req.Size > s.cfg.MaxUploadBytes {
		return nil, fmt.Errorf("%w: file size exceeds max limit (%d bytes)", domain.ErrValidation, s.cfg.MaxUploadBytes)
	}
	if !s.cfg.TypeAllowed(req.ContentType) {
		return nil, fmt.Errorf("%w: content type %q is not allowed", domain.ErrValidation, req.ContentType)
	}
	tier, ok := domain.ParseTier(req.Tier)
	if !ok {
		return nil, fmt.Errorf("%w: unknown compression tier %q", domain.ErrValidation, req.Tier)
	}

	// tiny chunk sizes would pre-create one placeholder per handful of
	// bytes, so requests outside the configured window are clamped and the
	// effective size is echoed back in the response
	chunkSize := req.ChunkSize
	if chunkSize <= 0 {
		chunkSize = s.cfg.DefaultChunkSize
	}
	if chunkSize < s.cfg.MinChunkSize {
		chunkSize = s.cfg.MinChunkSize
	}
	if chunkSize > s.cfg.MaxChunkSize {
		chunkSize = s.cfg.MaxChunkSize
	}

	totalChunks := int(req.Size / chunkSize)
	if req.Size%chunkSize != 0 {
		totalChunks++
	}
	chunkSizes := make([]int64, totalChunks)
	for i := range chunkSizes {
		chunkSizes[i] = chunkSize
	}
	chunkSizes[totalChunks-1] = req.Size - int64(totalChunks-1)*chunkSize

	sessionID := uuid.New()
	sess := &domain.UploadSession{
		ID:             sessionID,
		OwnerID:        owner,
		Filename:       req.Filename,
		StoredName:     sessionID.String() + filepath.Ext(req.Filename),
		ContentType:    req.ContentType,
		SizeBytes:      req.Size,
		ChunkSizeBytes: chunkSize,
		TotalChunks:    totalChunks,
		Tier:           tier,
		Status:         domain.StatusPending,
	}
	if err := s.store.CreateSession(ctx, sess, chunkSizes); err != nil {
		return nil, err
	}
	return &domain.InitResponse{
		SessionID:   sessionID.String(),
		TotalChunks: totalChunks,
		ChunkSize:   chunkSize,
	}, nil
}

// HandleChunk persists one fragment and updates the session's chunk bitmap.
// Idempotent per index: repeat arrivals overwrite the fragment and leave
// the uploaded count unchanged.
func (s *Service) HandleChunk(ctx context.Context, owner, sessionID uuid.UUID, index int, data io.Reader, checksumHint string) (*domain.ChunkResult, error) {
	sess, err := s.getOwned(ctx, owner, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.TotalChunks == 0 {
		return nil, fmt.Errorf("%w: direct-path session accepts no chunks", domain.ErrState)
	}
	// once reassembly starts the fragment directory is on its way out, so a
	// late retry must not land a new file there
	if sess.Status != domain.StatusPending && sess.Status != domain.StatusReceiving {
		return nil, fmt.Errorf("%w: session is %s", domain.ErrState, sess.Status)
	}
	if index < 0 || index >= sess.TotalChunks {
		return nil, fmt.Errorf("%w: chunk index %d outside [0, %d)", domain.ErrNotFound, index, sess.TotalChunks)
	}

	expected := sess.ChunkSizeBytes
	if index == sess.TotalChunks-1 {
		expected = sess.SizeBytes - int64(sess.TotalChunks-1)*sess.ChunkSizeBytes
	}
	written, checksum, err := s.chunks.WriteChunk(sessionID, index, data)
	if err != nil {
		return nil, err
	}
	if written != expected {
		_ = s.chunks.RemoveChunk(sessionID, index)
		return nil, fmt.Errorf("%w: chunk %d is %d bytes, expected %d", domain.ErrValidation, index, written, expected)
	}
	if checksumHint != "" && !strings.EqualFold(checksumHint, checksum) {
		_ = s.chunks.RemoveChunk(sessionID, index)
		return nil, fmt.Errorf("%w: checksum mismatch for chunk %d", domain.ErrValidation, index)
	}

	progress, err := s.store.MarkChunkUploaded(ctx, sessionID, index, written, checksum)
	if err != nil {
		return nil, err
	}
	return &domain.ChunkResult{
		Index:       index,
		Progress:    progress,
		TotalChunks: sess.TotalChunks,
	}, nil
}

// Complete triggers reassembly for a fully-received session. Safe to call
// concurrently and repeatedly: the receiving -> assembling CAS admits
// exactly one caller, everyone else observes the post-CAS state.
func (s *Service) Complete(ctx context.Context, owner, sessionID uuid.UUID) (*domain.UploadSession, error) {
	sess, err := s.getOwned(ctx, owner, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.TotalChunks == 0 {
		return nil, fmt.Errorf("%w: direct-path session needs no completion", domain.ErrState)
	}
	switch sess.Status {
	case domain.StatusAssembling, domain.StatusProcessing, domain.StatusCompleted:
		return sess, nil // duplicate completion signal
	case domain.StatusFailed:
		return nil, fmt.Errorf("%w: session failed: %s", domain.ErrState, sess.FailureReason)
	}

	complete, err := s.store.IsComplete(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !complete {
		return nil, fmt.Errorf("%w: not all chunks uploaded", domain.ErrMissingChunk)
	}

	won, err := s.store.TransitionStatus(ctx, sessionID, domain.StatusReceiving, domain.StatusAssembling)
	if err != nil {
		return nil, err
	}
	if won {
		if err := s.pipe.EnqueueReassembly(ctx, sessionID); err != nil {
			return nil, err
		}
		s.log.Info("reassembly scheduled", slog.String("session", sessionID.String()))
	}
	return s.store.GetSession(ctx, sessionID)
}

// DirectUpload bypasses the chunk machinery for small files: the artifact
// is stored immediately and handed straight to post-processing.
func (s *Service) DirectUpload(ctx context.Context, owner uuid.UUID, filename, contentType, tierName string, data io.Reader) (*domain.UploadSession, error) {
	if strings.TrimSpace(filename) == "" {
		return nil, fmt.Errorf("%w: filename is required", domain.ErrValidation)
	}
	if !s.cfg.TypeAllowed(contentType) {
		return nil, fmt.Errorf("%w: content type %q is not allowed", domain.ErrValidation, contentType)
	}
	tier, ok := domain.ParseTier(tierName)
	if !ok {
		return nil, fmt.Errorf("%w: unknown compression tier %q", domain.ErrValidation, tierName)
	}

	sessionID := uuid.New()
	storedName := sessionID.String() + filepath.Ext(filename)
	dest := filepath.Join(s.cfg.StorageRoot, storedName)
	written, err := s.writeArtifact(dest, data)
	if err != nil {
		return nil, err
	}

	sess := &domain.UploadSession{
		ID:           sessionID,
		OwnerID:      owner,
		Filename:     filename,
		StoredName:   storedName,
		ContentType:  contentType,
		SizeBytes:    written,
		Tier:         tier,
		Status:       domain.StatusPending,
		ArtifactPath: dest,
	}
	if err := s.store.CreateSession(ctx, sess, nil); err != nil {
		_ = os.Remove(dest)
		return nil, err
	}

	won, err := s.store.TransitionStatus(ctx, sessionID, domain.StatusPending, domain.StatusProcessing)
	if err != nil || !won {
		return nil, fmt.Errorf("%w: unable to schedule processing", domain.ErrState)
	}
	if err := s.pipe.EnqueueProcessing(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.store.GetSession(ctx, sessionID)
}

// GetSession returns the owner's session for polling status and progress.
func (s *Service) GetSession(ctx context.Context, owner, sessionID uuid.UUID) (*domain.UploadSession, error) {
	return s.getOwned(ctx, owner, sessionID)
}

// ListChunks returns per-index upload state so a resuming client can send
// only the fragments the server is missing.
func (s *Service) ListChunks(ctx context.Context, owner, sessionID uuid.UUID) ([]domain.Chunk, error) {
	if _, err := s.getOwned(ctx, owner, sessionID); err != nil {
		return nil, err
	}
	return s.store.ListChunks(ctx, sessionID)
}

// ListSessions returns all sessions belonging to the owner.
func (s *Service) ListSessions(ctx context.Context, owner uuid.UUID) ([]domain.UploadSession, error) {
	return s.store.ListSessions(ctx, owner)
}

// Delete removes the session, its pending fragments and all stored
// artifacts. File removal is best-effort; the registry row is
// authoritative.
func (s *Service) Delete(ctx context.Context, owner, sessionID uuid.UUID) error {
	sess, err := s.getOwned(ctx, owner, sessionID)
	if err != nil {
		return err
	}
	if err := s.chunks.DeleteSessionChunks(sessionID); err != nil {
		s.log.Warn("chunk cleanup failed", slog.String("session", sessionID.String()), slog.Any("error", err))
	}
	for _, path := range []string{sess.ArtifactPath, sess.ThumbnailPath, sess.ProcessedPath} {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.log.Warn("artifact cleanup failed", slog.String("path", path), slog.Any("error", err))
		}
	}
	return s.store.DeleteSession(ctx, sessionID)
}

func (s *Service) getOwned(ctx context.Context, owner, sessionID uuid.UUID) (*domain.UploadSession, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.OwnerID != owner {
		return nil, domain.ErrNotFound
	}
	return sess, nil
}

func (s *Service) writeArtifact(dest string, data io.Reader) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}
	tmpPath := dest + ".partial"
	file, err := os.Create(tmpPath)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}
	written, err := io.Copy(file, io.LimitReader(data, s.cfg.MaxUploadBytes+1))
	if err != nil {
		file.Close()
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}
	if written == 0 {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("%w: empty upload", domain.ErrValidation)
	}
	if written > s.cfg.MaxUploadBytes {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("%w: file size exceeds max limit (%d bytes)", domain.ErrValidation, s.cfg.MaxUploadBytes)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}
	return written, nil
}
