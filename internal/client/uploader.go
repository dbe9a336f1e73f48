package client

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"mediavault-backend/internal/domain"
)

// ChunkState tracks one chunk through the driver.
type ChunkState int

const (
	ChunkNotSent ChunkState = iota
	ChunkSent
	ChunkAcknowledged
	ChunkFailed
)

// Progress is an aggregate snapshot delivered to the progress callback
// after every chunk acknowledgement.
type Progress struct {
	AcknowledgedBytes  int64
	TotalBytes         int64
	AcknowledgedChunks int
	TotalChunks        int
}

// Config controls the chunking upload driver.
type Config struct {
	BaseURL     string
	Owner       uuid.UUID
	ChunkSize   int64
	Concurrency int
	MaxRetries  uint64
	HTTPClient  *http.Client
	OnProgress  func(Progress)

	// SendChecksums attaches a per-chunk SHA-256 so the server can reject
	// corrupted fragments.
	SendChecksums bool
}

// Result reports the outcome of one file upload. Session is nil when the
// upload failed; ChunkStates is always populated so callers can see which
// chunks were acknowledged before the failure.
type Result struct {
	SessionID   uuid.UUID
	Session     *domain.UploadSession
	ChunkStates []ChunkState
}

// Uploader splits local files into fixed-size chunks and uploads them with
// bounded parallelism. Individual chunks retry independently; chunks
// acknowledged before a failure stay on the server, so re-running the same
// session resumes rather than restarts.
type Uploader struct {
	cfg  Config
	http *http.Client
}

// New creates an Uploader, applying defaults for unset fields.
func New(cfg Config) *Uploader {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1024 * 1024
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Uploader{cfg: cfg, http: httpClient}
}

// Upload initializes a session for the file and pushes all chunks,
// finishing with a single completion signal.
func (u *Uploader) Upload(ctx context.Context, path, contentType, tier string) (*Result, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return nil, err
	}

	var initRes domain.InitResponse
	err = u.doJSON(ctx, http.MethodPost, "/uploads/init", domain.InitRequest{
		Filename:    filepath.Base(path),
		Size:        info.Size(),
		ContentType: contentType,
		ChunkSize:   u.cfg.ChunkSize,
		Tier:        tier,
	}, &initRes)
	if err != nil {
		return nil, fmt.Errorf("init upload: %w", err)
	}
	sessionID, err := uuid.Parse(initRes.SessionID)
	if err != nil {
		return nil, fmt.Errorf("init upload: bad session id %q", initRes.SessionID)
	}

	return u.pushChunks(ctx, sessionID, file, info.Size(), initRes.ChunkSize, initRes.TotalChunks, nil)
}

// Resume re-drives an existing session. The server's per-index chunk state
// is consulted first, so only missing fragments are resent; fragments it
// already holds are acknowledged locally without touching the network.
func (u *Uploader) Resume(ctx context.Context, sessionID uuid.UUID, path string) (*Result, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return nil, err
	}

	sess, err := u.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("fetch session: %w", err)
	}
	if sess.SizeBytes != info.Size() {
		return nil, fmt.Errorf("file is %d bytes, session declared %d", info.Size(), sess.SizeBytes)
	}

	chunks, err := u.ListChunks(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("fetch chunk state: %w", err)
	}
	stored := make(map[int]bool, len(chunks))
	for _, c := range chunks {
		if c.Uploaded {
			stored[c.Index] = true
		}
	}
	return u.pushChunks(ctx, sessionID, file, info.Size(), sess.ChunkSizeBytes, sess.TotalChunks, stored)
}

// GetSession fetches the current session snapshot for status polling.
func (u *Uploader) GetSession(ctx context.Context, sessionID uuid.UUID) (*domain.UploadSession, error) {
	var sess domain.UploadSession
	if err := u.doJSON(ctx, http.MethodGet, "/uploads/"+sessionID.String(), nil, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// ListChunks fetches the server's per-index upload state for a session.
func (u *Uploader) ListChunks(ctx context.Context, sessionID uuid.UUID) ([]domain.Chunk, error) {
	var chunks []domain.Chunk
	if err := u.doJSON(ctx, http.MethodGet, "/uploads/"+sessionID.String()+"/chunks", nil, &chunks); err != nil {
		return nil, err
	}
	return chunks, nil
}

// pushChunks uploads every index not already in stored, then signals
// completion. Indices the server confirmed are acknowledged immediately so
// progress accounting covers the whole file.
func (u *Uploader) pushChunks(ctx context.Context, sessionID uuid.UUID, file *os.File, size, chunkSize int64, totalChunks int, stored map[int]bool) (*Result, error) {
	tracker := newTracker(totalChunks, size, u.cfg.OnProgress)
	result := &Result{SessionID: sessionID}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.cfg.Concurrency)
	for i := 0; i < totalChunks; i++ {
		index := i
		g.Go(func() error {
			offset := int64(index) * chunkSize
			length := chunkSize
			if offset+length > size {
				length = size - offset
			}
			if stored[index] {
				tracker.ack(index, length)
				return nil
			}
			tracker.set(index, ChunkSent)
			if err := u.sendChunk(gctx, sessionID, file, index, offset, length); err != nil {
				tracker.set(index, ChunkFailed)
				return fmt.Errorf("chunk %d: %w", index, err)
			}
			tracker.ack(index, length)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// acknowledged chunks stay on the server for a later Resume
		result.ChunkStates = tracker.snapshot()
		return result, err
	}

	var sess domain.UploadSession
	if err := u.doJSON(ctx, http.MethodPost, "/uploads/"+sessionID.String()+"/complete", nil, &sess); err != nil {
		result.ChunkStates = tracker.snapshot()
		return result, fmt.Errorf("complete upload: %w", err)
	}
	result.Session = &sess
	result.ChunkStates = tracker.snapshot()
	return result, nil
}

// sendChunk uploads one byte range, retrying transient failures with
// exponential backoff. Rejections (4xx) are terminal for the attempt
// series; the caller surfaces them as a file-level error.
func (u *Uploader) sendChunk(ctx context.Context, sessionID uuid.UUID, file *os.File, index int, offset, length int64) error {
	checksum := ""
	if u.cfg.SendChecksums {
		hasher := sha256.New()
		if _, err := io.Copy(hasher, io.NewSectionReader(file, offset, length)); err != nil {
			return err
		}
		checksum = hex.EncodeToString(hasher.Sum(nil))
	}

	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			u.cfg.BaseURL+"/uploads/"+sessionID.String()+"/chunks",
			io.NewSectionReader(file, offset, length))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.ContentLength = length
		req.Header.Set("Content-Type", "application/octet-stream")
		req.Header.Set("X-User-Id", u.cfg.Owner.String())
		req.Header.Set("X-Chunk-Index", fmt.Sprintf("%d", index))
		if checksum != "" {
			req.Header.Set("X-Chunk-Checksum", checksum)
		}

		resp, err := u.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err = fmt.Errorf("server returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), u.cfg.MaxRetries), ctx)
	return backoff.Retry(attempt, policy)
}

func (u *Uploader) doJSON(ctx context.Context, method, path string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.cfg.BaseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-User-Id", u.cfg.Owner.String())

	resp, err := u.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
