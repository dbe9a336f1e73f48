package upload

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"mediavault-backend/internal/chunkstore"
	"mediavault-backend/internal/config"
	"mediavault-backend/internal/domain"
	"mediavault-backend/internal/media/mediatest"
	"mediavault-backend/internal/pipeline"
	"mediavault-backend/internal/store"
)

type testEnv struct {
	cfg      *config.Config
	store    *store.MemoryStore
	proc     *mediatest.Processor
	svc      *Service
	chunkDir string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := &config.Config{
		StorageRoot:      t.TempDir(),
		MaxUploadBytes:   10 << 20,
		DefaultChunkSize: 4096,
		MinChunkSize:     1024,
		MaxChunkSize:     1 << 20,
		AllowedTypes:     []string{"video/", "image/", "text/"},
		SessionTTL:       time.Hour,
		SweepInterval:    time.Hour,
		Workers:          2,
		QueueSize:        8,
		ThumbnailWidth:   300,
		ThumbnailHeight:  200,
		TierBitrates: map[domain.CompressionTier]domain.Bitrate{
			domain.TierLow:    {Video: "500k", Audio: "64k"},
			domain.TierMedium: {Video: "1000k", Audio: "128k"},
			domain.TierHigh:   {Video: "2000k", Audio: "192k"},
		},
	}
	chunkDir := filepath.Join(t.TempDir(), "chunks")
	chunks, err := chunkstore.NewStore(chunkDir)
	require.NoError(t, err)

	st := store.NewMemoryStore()
	proc := mediatest.New()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	pipe := pipeline.New(cfg, st, chunks, proc, log)

	ctx, cancel := context.WithCancel(context.Background())
	pipe.Start(ctx)
	t.Cleanup(func() {
		cancel()
		pipe.Stop()
	})

	return &testEnv{
		cfg:      cfg,
		store:    st,
		proc:     proc,
		svc:      NewService(cfg, st, chunks, pipe, log),
		chunkDir: chunkDir,
	}
}

func randomPayload(t *testing.T, size int) []byte {
	t.Helper()
	buf := make([]byte, size)
	_, err := rand.Read(buf)
	require.NoError(t, err)
	return buf
}

func waitForStatus(t *testing.T, env *testEnv, id uuid.UUID, want domain.UploadStatus) *domain.UploadSession {
	t.Helper()
	var sess *domain.UploadSession
	require.Eventually(t, func() bool {
		var err error
		sess, err = env.store.GetSession(context.Background(), id)
		return err == nil && sess.Status == want
	}, 5*time.Second, 10*time.Millisecond)
	return sess
}

func TestChunkedUploadRoundTrip(t *testing.T) {
	// given a 10,000 byte video split into 4,096 byte chunks
	env := newTestEnv(t)
	owner := uuid.New()
	payload := randomPayload(t, 10_000)

	resp, err := env.svc.InitSession(context.Background(), owner, domain.InitRequest{
		Filename:    "clip.mp4",
		Size:        int64(len(payload)),
		ContentType: "video/mp4",
		ChunkSize:   4096,
		Tier:        "medium",
	})
	require.NoError(t, err)
	require.Equal(t, 3, resp.TotalChunks)
	require.Equal(t, int64(4096), resp.ChunkSize)
	sessionID := uuid.MustParse(resp.SessionID)

	// when the chunks arrive out of order
	wantProgress := map[int]int{1: 33, 0: 66, 2: 100}
	for _, idx := range []int{1, 0, 2} {
		start := idx * 4096
		end := start + 4096
		if end > len(payload) {
			end = len(payload)
		}
		res, err := env.svc.HandleChunk(context.Background(), owner, sessionID, idx, bytes.NewReader(payload[start:end]), "")
		require.NoError(t, err)
		require.Equal(t, idx, res.Index)
		require.Equal(t, wantProgress[idx], res.Progress)
	}

	// and completion is signalled concurrently from several callers
	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.Complete(context.Background(), owner, sessionID)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// then the session completes with a byte-identical artifact
	sess := waitForStatus(t, env, sessionID, domain.StatusCompleted)
	require.Equal(t, 100, sess.Progress)

	stored, err := os.ReadFile(sess.ArtifactPath)
	require.NoError(t, err)
	require.Equal(t, payload, stored)

	// reassembly and processing ran exactly once despite 4 completion calls
	require.Equal(t, int32(1), env.proc.ProbeCalls.Load())
	require.Equal(t, int32(1), env.proc.TranscodeCalls.Load())

	// derived artifacts and metadata are recorded
	require.Equal(t, 60, sess.DurationSec)
	require.FileExists(t, sess.ThumbnailPath)
	require.FileExists(t, sess.ProcessedPath)

	// fragments are cleaned up after reassembly
	_, err = os.Stat(filepath.Join(env.chunkDir, sessionID.String()))
	require.True(t, os.IsNotExist(err))

	// completion stays idempotent after the fact
	again, err := env.svc.Complete(context.Background(), owner, sessionID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, again.Status)
}

func TestHandleChunkIdempotentPerIndex(t *testing.T) {
	env := newTestEnv(t)
	owner := uuid.New()
	payload := randomPayload(t, 10_000)

	resp, err := env.svc.InitSession(context.Background(), owner, domain.InitRequest{
		Filename:    "clip.mp4",
		Size:        int64(len(payload)),
		ContentType: "video/mp4",
		ChunkSize:   4096,
	})
	require.NoError(t, err)
	sessionID := uuid.MustParse(resp.SessionID)

	first, err := env.svc.HandleChunk(context.Background(), owner, sessionID, 0, bytes.NewReader(payload[:4096]), "")
	require.NoError(t, err)
	require.Equal(t, 33, first.Progress)

	// re-sending the same index overwrites the fragment, count unchanged
	second, err := env.svc.HandleChunk(context.Background(), owner, sessionID, 0, bytes.NewReader(payload[:4096]), "")
	require.NoError(t, err)
	require.Equal(t, 33, second.Progress)
}

func TestHandleChunkRejections(t *testing.T) {
	env := newTestEnv(t)
	owner := uuid.New()
	payload := randomPayload(t, 10_000)

	resp, err := env.svc.InitSession(context.Background(), owner, domain.InitRequest{
		Filename:    "clip.mp4",
		Size:        int64(len(payload)),
		ContentType: "video/mp4",
		ChunkSize:   4096,
	})
	require.NoError(t, err)
	sessionID := uuid.MustParse(resp.SessionID)

	t.Run("unknown session", func(t *testing.T) {
		_, err := env.svc.HandleChunk(context.Background(), owner, uuid.New(), 0, bytes.NewReader(payload[:4096]), "")
		require.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("foreign owner", func(t *testing.T) {
		_, err := env.svc.HandleChunk(context.Background(), uuid.New(), sessionID, 0, bytes.NewReader(payload[:4096]), "")
		require.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("index out of range", func(t *testing.T) {
		_, err := env.svc.HandleChunk(context.Background(), owner, sessionID, 3, bytes.NewReader(payload[:4096]), "")
		require.ErrorIs(t, err, domain.ErrNotFound)

		_, err = env.svc.HandleChunk(context.Background(), owner, sessionID, -1, bytes.NewReader(payload[:4096]), "")
		require.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("size mismatch", func(t *testing.T) {
		_, err := env.svc.HandleChunk(context.Background(), owner, sessionID, 0, bytes.NewReader(payload[:100]), "")
		require.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("checksum mismatch", func(t *testing.T) {
		_, err := env.svc.HandleChunk(context.Background(), owner, sessionID, 0, bytes.NewReader(payload[:4096]), "deadbeef")
		require.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("checksum match accepted", func(t *testing.T) {
		sum := sha256.Sum256(payload[:4096])
		_, err := env.svc.HandleChunk(context.Background(), owner, sessionID, 0, bytes.NewReader(payload[:4096]), hex.EncodeToString(sum[:]))
		require.NoError(t, err)
	})
}

func TestCompleteWithMissingChunk(t *testing.T) {
	env := newTestEnv(t)
	owner := uuid.New()
	payload := randomPayload(t, 10_000)

	resp, err := env.svc.InitSession(context.Background(), owner, domain.InitRequest{
		Filename:    "clip.mp4",
		Size:        int64(len(payload)),
		ContentType: "video/mp4",
		ChunkSize:   4096,
	})
	require.NoError(t, err)
	sessionID := uuid.MustParse(resp.SessionID)

	// index 1 is intentionally missing
	_, err = env.svc.HandleChunk(context.Background(), owner, sessionID, 0, bytes.NewReader(payload[:4096]), "")
	require.NoError(t, err)
	_, err = env.svc.HandleChunk(context.Background(), owner, sessionID, 2, bytes.NewReader(payload[8192:]), "")
	require.NoError(t, err)

	_, err = env.svc.Complete(context.Background(), owner, sessionID)
	require.ErrorIs(t, err, domain.ErrMissingChunk)

	// the rejection leaves the session open for the missing fragment
	sess, err := env.store.GetSession(context.Background(), sessionID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusReceiving, sess.Status)

	_, err = env.svc.HandleChunk(context.Background(), owner, sessionID, 1, bytes.NewReader(payload[4096:8192]), "")
	require.NoError(t, err)
	_, err = env.svc.Complete(context.Background(), owner, sessionID)
	require.NoError(t, err)
	waitForStatus(t, env, sessionID, domain.StatusCompleted)
}

func TestChunkRejectedOnceAssemblyStarts(t *testing.T) {
	env := newTestEnv(t)
	owner := uuid.New()
	payload := randomPayload(t, 4096)

	resp, err := env.svc.InitSession(context.Background(), owner, domain.InitRequest{
		Filename:    "clip.mp4",
		Size:        int64(len(payload)),
		ContentType: "video/mp4",
		ChunkSize:   4096,
	})
	require.NoError(t, err)
	sessionID := uuid.MustParse(resp.SessionID)

	_, err = env.svc.HandleChunk(context.Background(), owner, sessionID, 0, bytes.NewReader(payload), "")
	require.NoError(t, err)

	// a worker owns the session now and its fragment directory is gone
	won, err := env.store.TransitionStatus(context.Background(), sessionID, domain.StatusReceiving, domain.StatusAssembling)
	require.NoError(t, err)
	require.True(t, won)
	sessionDir := filepath.Join(env.chunkDir, sessionID.String())
	require.NoError(t, os.RemoveAll(sessionDir))

	// a late retry must not recreate the fragment
	_, err = env.svc.HandleChunk(context.Background(), owner, sessionID, 0, bytes.NewReader(payload), "")
	require.ErrorIs(t, err, domain.ErrState)
	require.NoDirExists(t, sessionDir)
}

func TestInitSessionValidation(t *testing.T) {
	env := newTestEnv(t)
	owner := uuid.New()

	cases := []struct {
		name string
		req  domain.InitRequest
	}{
		{"empty filename", domain.InitRequest{Size: 100, ContentType: "video/mp4"}},
		{"zero size", domain.InitRequest{Filename: "a.mp4", ContentType: "video/mp4"}},
		{"negative size", domain.InitRequest{Filename: "a.mp4", Size: -1, ContentType: "video/mp4"}},
		{"over limit", domain.InitRequest{Filename: "a.mp4", Size: env.cfg.MaxUploadBytes + 1, ContentType: "video/mp4"}},
		{"disallowed type", domain.InitRequest{Filename: "a.exe", Size: 100, ContentType: "application/x-msdownload"}},
		{"bogus tier", domain.InitRequest{Filename: "a.mp4", Size: 100, ContentType: "video/mp4", Tier: "ultra"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.svc.InitSession(context.Background(), owner, tc.req)
			require.ErrorIs(t, err, domain.ErrValidation)
		})
	}
}

func TestInitSessionChunkPlan(t *testing.T) {
	env := newTestEnv(t)
	owner := uuid.New()

	t.Run("default chunk size applies", func(t *testing.T) {
		resp, err := env.svc.InitSession(context.Background(), owner, domain.InitRequest{
			Filename:    "a.mp4",
			Size:        env.cfg.DefaultChunkSize + 1,
			ContentType: "video/mp4",
		})
		require.NoError(t, err)
		require.Equal(t, env.cfg.DefaultChunkSize, resp.ChunkSize)
		require.Equal(t, 2, resp.TotalChunks)
	})

	t.Run("tiny chunk request is clamped up", func(t *testing.T) {
		// a one-byte chunk size would mean one placeholder per byte
		resp, err := env.svc.InitSession(context.Background(), owner, domain.InitRequest{
			Filename:    "a.mp4",
			Size:        10_000,
			ContentType: "video/mp4",
			ChunkSize:   1,
		})
		require.NoError(t, err)
		require.Equal(t, env.cfg.MinChunkSize, resp.ChunkSize)
		require.Equal(t, 10, resp.TotalChunks)
	})

	t.Run("oversized chunk request is clamped", func(t *testing.T) {
		resp, err := env.svc.InitSession(context.Background(), owner, domain.InitRequest{
			Filename:    "a.mp4",
			Size:        100,
			ContentType: "video/mp4",
			ChunkSize:   env.cfg.MaxChunkSize * 10,
		})
		require.NoError(t, err)
		require.Equal(t, env.cfg.MaxChunkSize, resp.ChunkSize)
		require.Equal(t, 1, resp.TotalChunks)
	})

	t.Run("exact multiple has no short tail", func(t *testing.T) {
		resp, err := env.svc.InitSession(context.Background(), owner, domain.InitRequest{
			Filename:    "a.mp4",
			Size:        8192,
			ContentType: "video/mp4",
			ChunkSize:   4096,
		})
		require.NoError(t, err)
		require.Equal(t, 2, resp.TotalChunks)
	})
}

func TestDirectUploadImage(t *testing.T) {
	env := newTestEnv(t)
	owner := uuid.New()
	payload := randomPayload(t, 2000)

	sess, err := env.svc.DirectUpload(context.Background(), owner, "pic.png", "image/png", "", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Zero(t, sess.TotalChunks)
	require.NotEqual(t, domain.StatusReceiving, sess.Status)
	require.NotEqual(t, domain.StatusAssembling, sess.Status)

	// direct-path sessions reject the chunk surface entirely
	_, err = env.svc.HandleChunk(context.Background(), owner, sess.ID, 0, bytes.NewReader(payload), "")
	require.ErrorIs(t, err, domain.ErrState)
	_, err = env.svc.Complete(context.Background(), owner, sess.ID)
	require.ErrorIs(t, err, domain.ErrState)

	done := waitForStatus(t, env, sess.ID, domain.StatusCompleted)
	require.Equal(t, 100, done.Progress)
	require.FileExists(t, done.ArtifactPath)
	require.FileExists(t, done.ThumbnailPath)

	stored, err := os.ReadFile(done.ArtifactPath)
	require.NoError(t, err)
	require.Equal(t, payload, stored)
}

func TestDirectUploadValidation(t *testing.T) {
	env := newTestEnv(t)
	owner := uuid.New()

	t.Run("empty body", func(t *testing.T) {
		_, err := env.svc.DirectUpload(context.Background(), owner, "a.png", "image/png", "", bytes.NewReader(nil))
		require.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("disallowed type", func(t *testing.T) {
		_, err := env.svc.DirectUpload(context.Background(), owner, "a.bin", "application/octet-stream", "", bytes.NewReader([]byte("x")))
		require.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("over size limit", func(t *testing.T) {
		env.cfg.MaxUploadBytes = 1024
		defer func() { env.cfg.MaxUploadBytes = 10 << 20 }()
		_, err := env.svc.DirectUpload(context.Background(), owner, "a.png", "image/png", "", bytes.NewReader(randomPayload(t, 2000)))
		require.ErrorIs(t, err, domain.ErrValidation)
	})
}

func TestDerivationFailuresAreNonFatal(t *testing.T) {
	env := newTestEnv(t)
	env.proc.FailThumbnail = true
	owner := uuid.New()

	sess, err := env.svc.DirectUpload(context.Background(), owner, "pic.png", "image/png", "", bytes.NewReader(randomPayload(t, 500)))
	require.NoError(t, err)

	done := waitForStatus(t, env, sess.ID, domain.StatusCompleted)
	require.Empty(t, done.ThumbnailPath)
	require.Contains(t, done.ProcessingNote, "thumbnail")
}

func TestTranscodeFailureCompletesWithNote(t *testing.T) {
	env := newTestEnv(t)
	env.proc.FailTranscode = true
	owner := uuid.New()
	payload := randomPayload(t, 4096)

	resp, err := env.svc.InitSession(context.Background(), owner, domain.InitRequest{
		Filename:    "clip.mp4",
		Size:        int64(len(payload)),
		ContentType: "video/mp4",
		ChunkSize:   4096,
		Tier:        "high",
	})
	require.NoError(t, err)
	sessionID := uuid.MustParse(resp.SessionID)

	_, err = env.svc.HandleChunk(context.Background(), owner, sessionID, 0, bytes.NewReader(payload), "")
	require.NoError(t, err)
	_, err = env.svc.Complete(context.Background(), owner, sessionID)
	require.NoError(t, err)

	done := waitForStatus(t, env, sessionID, domain.StatusCompleted)
	require.Empty(t, done.ProcessedPath)
	require.Contains(t, done.ProcessingNote, "compression failed")
	require.FileExists(t, done.ThumbnailPath)
}

func TestTierNoneSkipsTranscode(t *testing.T) {
	env := newTestEnv(t)
	owner := uuid.New()
	payload := randomPayload(t, 4096)

	resp, err := env.svc.InitSession(context.Background(), owner, domain.InitRequest{
		Filename:    "clip.mp4",
		Size:        int64(len(payload)),
		ContentType: "video/mp4",
		ChunkSize:   4096,
		Tier:        "none",
	})
	require.NoError(t, err)
	sessionID := uuid.MustParse(resp.SessionID)

	_, err = env.svc.HandleChunk(context.Background(), owner, sessionID, 0, bytes.NewReader(payload), "")
	require.NoError(t, err)
	_, err = env.svc.Complete(context.Background(), owner, sessionID)
	require.NoError(t, err)

	done := waitForStatus(t, env, sessionID, domain.StatusCompleted)
	require.Empty(t, done.ProcessedPath)
	require.Zero(t, env.proc.TranscodeCalls.Load())
}

func TestNonMediaCompletesWithoutDerivation(t *testing.T) {
	env := newTestEnv(t)
	owner := uuid.New()
	payload := []byte(strings.Repeat("subtitle line\n", 20))

	sess, err := env.svc.DirectUpload(context.Background(), owner, "subs.txt", "text/plain", "", bytes.NewReader(payload))
	require.NoError(t, err)

	done := waitForStatus(t, env, sess.ID, domain.StatusCompleted)
	require.Empty(t, done.ThumbnailPath)
	require.Empty(t, done.ProcessedPath)
	require.Zero(t, env.proc.ThumbnailCalls.Load())
}

func TestListAndDelete(t *testing.T) {
	env := newTestEnv(t)
	owner := uuid.New()
	other := uuid.New()

	sess, err := env.svc.DirectUpload(context.Background(), owner, "pic.png", "image/png", "", bytes.NewReader(randomPayload(t, 500)))
	require.NoError(t, err)
	done := waitForStatus(t, env, sess.ID, domain.StatusCompleted)

	mine, err := env.svc.ListSessions(context.Background(), owner)
	require.NoError(t, err)
	require.Len(t, mine, 1)

	theirs, err := env.svc.ListSessions(context.Background(), other)
	require.NoError(t, err)
	require.Empty(t, theirs)

	require.ErrorIs(t, env.svc.Delete(context.Background(), other, sess.ID), domain.ErrNotFound)

	require.NoError(t, env.svc.Delete(context.Background(), owner, sess.ID))
	_, err = env.svc.GetSession(context.Background(), owner, sess.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.NoFileExists(t, done.ArtifactPath)
	require.NoFileExists(t, done.ThumbnailPath)
}

func TestProgressNeverRegressesDuringCompression(t *testing.T) {
	env := newTestEnv(t)
	env.proc.TranscodeProgress = []int{40, 20, 90}
	owner := uuid.New()
	payload := randomPayload(t, 4096)

	resp, err := env.svc.InitSession(context.Background(), owner, domain.InitRequest{
		Filename:    "clip.mp4",
		Size:        int64(len(payload)),
		ContentType: "video/mp4",
		ChunkSize:   4096,
		Tier:        "low",
	})
	require.NoError(t, err)
	sessionID := uuid.MustParse(resp.SessionID)

	_, err = env.svc.HandleChunk(context.Background(), owner, sessionID, 0, bytes.NewReader(payload), "")
	require.NoError(t, err)
	_, err = env.svc.Complete(context.Background(), owner, sessionID)
	require.NoError(t, err)

	done := waitForStatus(t, env, sessionID, domain.StatusCompleted)
	require.Equal(t, 100, done.Progress)
}

func TestFailedSessionRejectsCompletion(t *testing.T) {
	env := newTestEnv(t)
	owner := uuid.New()
	payload := randomPayload(t, 4096)

	resp, err := env.svc.InitSession(context.Background(), owner, domain.InitRequest{
		Filename:    "clip.mp4",
		Size:        int64(len(payload)),
		ContentType: "video/mp4",
		ChunkSize:   4096,
	})
	require.NoError(t, err)
	sessionID := uuid.MustParse(resp.SessionID)

	require.NoError(t, env.store.SetFailure(context.Background(), sessionID, "session expired"))

	_, err = env.svc.Complete(context.Background(), owner, sessionID)
	require.ErrorIs(t, err, domain.ErrState)

	_, err = env.svc.HandleChunk(context.Background(), owner, sessionID, 0, bytes.NewReader(payload), "")
	require.ErrorIs(t, err, domain.ErrState)
}
