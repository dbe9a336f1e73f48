package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mediavault-backend/internal/domain"
)

//go:embed schema.sql
var schema string

// PostgresStore implements Store using a PostgreSQL database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects using the provided connection string and
// installs the schema.
func NewPostgresStore(ctx context.Context, conn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(conn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("install schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *PostgresStore) CreateSession(ctx context.Context, sess *domain.UploadSession, chunkSizes []int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO upload_sessions (
			id, owner_id, filename, stored_name, content_type, size_bytes,
			chunk_size, total_chunks, tier, status, progress, artifact_path,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,now(),now())
	`
	_, err = tx.Exec(ctx, query,
		sess.ID, sess.OwnerID, sess.Filename, sess.StoredName, sess.ContentType,
		sess.SizeBytes, sess.ChunkSizeBytes, sess.TotalChunks, string(sess.Tier),
		string(sess.Status), sess.Progress, sess.ArtifactPath,
	)
	if err != nil {
		return err
	}
	for i, size := range chunkSizes {
		_, err = tx.Exec(ctx,
			`INSERT INTO upload_chunks (session_id, chunk_index, size_bytes) VALUES ($1,$2,$3)`,
			sess.ID, i, size,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetSession(ctx context.Context, id uuid.UUID) (*domain.UploadSession, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, owner_id, filename, stored_name, content_type, size_bytes,
		       chunk_size, total_chunks, tier, status, progress, artifact_path,
		       thumbnail_path, processed_path, duration_sec, failure_reason,
		       processing_note, created_at, updated_at
		FROM upload_sessions WHERE id = $1
	`, id)
	return scanSession(row)
}

func (s *PostgresStore) ListSessions(ctx context.Context, owner uuid.UUID) ([]domain.UploadSession, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, owner_id, filename, stored_name, content_type, size_bytes,
		       chunk_size, total_chunks, tier, status, progress, artifact_path,
		       thumbnail_path, processed_path, duration_sec, failure_reason,
		       processing_note, created_at, updated_at
		FROM upload_sessions WHERE owner_id = $1 ORDER BY created_at DESC
	`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.UploadSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteSession(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM upload_sessions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkChunkUploaded(ctx context.Context, id uuid.UUID, index int, size int64, checksum string) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var status string
	var totalChunks int
	err = tx.QueryRow(ctx,
		`SELECT status, total_chunks FROM upload_sessions WHERE id = $1 FOR UPDATE`, id,
	).Scan(&status, &totalChunks)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, domain.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	if domain.UploadStatus(status).Terminal() {
		return 0, fmt.Errorf("%w: session is %s", domain.ErrState, status)
	}
	tag, err := tx.Exec(ctx, `
		UPDATE upload_chunks
		SET uploaded = TRUE, size_bytes = $3, checksum = $4, uploaded_at = now()
		WHERE session_id = $1 AND chunk_index = $2
	`, id, index, size, checksum)
	if err != nil {
		return 0, err
	}
	if tag.RowsAffected() == 0 {
		return 0, fmt.Errorf("%w: chunk index %d", domain.ErrNotFound, index)
	}

	var uploaded int
	err = tx.QueryRow(ctx,
		`SELECT count(*) FROM upload_chunks WHERE session_id = $1 AND uploaded`, id,
	).Scan(&uploaded)
	if err != nil {
		return 0, err
	}
	progress := uploaded * 100 / totalChunks

	_, err = tx.Exec(ctx, `
		UPDATE upload_sessions
		SET progress = GREATEST(progress, $2),
		    status = CASE WHEN status = 'pending' THEN 'receiving' ELSE status END,
		    updated_at = now()
		WHERE id = $1
	`, id, progress)
	if err != nil {
		return 0, err
	}
	return progress, tx.Commit(ctx)
}

func (s *PostgresStore) ListChunks(ctx context.Context, id uuid.UUID) ([]domain.Chunk, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT session_id, chunk_index, size_bytes, uploaded, checksum, uploaded_at
		FROM upload_chunks WHERE session_id = $1 ORDER BY chunk_index
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Chunk
	for rows.Next() {
		var c domain.Chunk
		if err := rows.Scan(&c.SessionID, &c.Index, &c.SizeBytes, &c.Uploaded, &c.Checksum, &c.UploadedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) IsComplete(ctx context.Context, id uuid.UUID) (bool, error) {
	var total, uploaded int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*), count(*) FILTER (WHERE uploaded)
		FROM upload_chunks WHERE session_id = $1
	`, id).Scan(&total, &uploaded)
	if err != nil {
		return false, err
	}
	return total > 0 && total == uploaded, nil
}

func (s *PostgresStore) TransitionStatus(ctx context.Context, id uuid.UUID, from, to domain.UploadStatus) (bool, error) {
	if !domain.CanTransition(from, to) {
		return false, fmt.Errorf("%w: %s -> %s", domain.ErrState, from, to)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE upload_sessions SET status = $3, updated_at = now()
		WHERE id = $1 AND status = $2
	`, id, string(from), string(to))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) SetFailure(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE upload_sessions
		SET status = 'failed', failure_reason = $2, updated_at = now()
		WHERE id = $1 AND status NOT IN ('completed', 'failed')
	`, id, reason)
	return err
}

func (s *PostgresStore) UpdateProgress(ctx context.Context, id uuid.UUID, progress int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE upload_sessions
		SET progress = GREATEST(progress, $2), updated_at = now()
		WHERE id = $1
	`, id, progress)
	return err
}

func (s *PostgresStore) SetArtifact(ctx context.Context, id uuid.UUID, path string) error {
	return s.setColumn(ctx, id, "artifact_path", path)
}

func (s *PostgresStore) SetThumbnail(ctx context.Context, id uuid.UUID, path string) error {
	return s.setColumn(ctx, id, "thumbnail_path", path)
}

func (s *PostgresStore) SetProcessed(ctx context.Context, id uuid.UUID, path string) error {
	return s.setColumn(ctx, id, "processed_path", path)
}

func (s *PostgresStore) SetDuration(ctx context.Context, id uuid.UUID, seconds int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE upload_sessions SET duration_sec = $2, updated_at = now() WHERE id = $1`,
		id, seconds)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AppendProcessingNote(ctx context.Context, id uuid.UUID, note string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE upload_sessions
		SET processing_note = CASE WHEN processing_note = '' THEN $2
		                           ELSE processing_note || '; ' || $2 END,
		    updated_at = now()
		WHERE id = $1
	`, id, note)
	return err
}

func (s *PostgresStore) ListExpired(ctx context.Context, cutoff time.Time) ([]domain.UploadSession, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, owner_id, filename, stored_name, content_type, size_bytes,
		       chunk_size, total_chunks, tier, status, progress, artifact_path,
		       thumbnail_path, processed_path, duration_sec, failure_reason,
		       processing_note, created_at, updated_at
		FROM upload_sessions
		WHERE status IN ('pending', 'receiving') AND updated_at < $1
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.UploadSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

func (s *PostgresStore) setColumn(ctx context.Context, id uuid.UUID, column, value string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE upload_sessions SET `+column+` = $2, updated_at = now() WHERE id = $1`,
		id, value)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func scanSession(row pgx.Row) (*domain.UploadSession, error) {
	var sess domain.UploadSession
	var tier, status string
	err := row.Scan(
		&sess.ID,
		&sess.OwnerID,
		&sess.Filename,
		&sess.StoredName,
		&sess.ContentType,
		&sess.SizeBytes,
		&sess.ChunkSizeBytes,
		&sess.TotalChunks,
		&tier,
		&status,
		&sess.Progress,
		&sess.ArtifactPath,
		&sess.ThumbnailPath,
		&sess.ProcessedPath,
		&sess.DurationSec,
		&sess.FailureReason,
		&sess.ProcessingNote,
		&sess.CreatedAt,
		&sess.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sess.Tier = domain.CompressionTier(tier)
	sess.Status = domain.UploadStatus(status)
	return &sess, nil
}
