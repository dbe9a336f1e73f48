package main

import (
	"context"
	"flag"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"mediavault-backend/internal/client"
	"mediavault-backend/internal/domain"
)

var (
	serverURL   = flag.String("server", "http://localhost:8080", "Upload service base URL")
	filePath    = flag.String("file", "", "Path of the file to upload")
	contentType = flag.String("type", "", "Content type (defaults to a guess from the extension)")
	ownerID     = flag.String("owner", "", "Owner UUID passed as the opaque identity")
	tier        = flag.String("tier", "medium", "Compression tier: none|low|medium|high")
	chunkSize   = flag.Int64("chunk-size", 1024*1024, "Chunk size in bytes")
	concurrency = flag.Int("concurrency", 4, "Parallel chunk uploads")
	resumeID    = flag.String("resume", "", "Resume an existing session by id")
	wait        = flag.Duration("wait", 2*time.Minute, "How long to poll for post-processing to finish (0 to skip)")
)

func main() {
	flag.Parse()
	if *filePath == "" {
		fmt.Fprintln(os.Stderr, "missing -file")
		os.Exit(2)
	}
	owner, err := uuid.Parse(*ownerID)
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid -owner uuid:", err)
		os.Exit(2)
	}
	ctype := *contentType
	if ctype == "" {
		ctype = mime.TypeByExtension(filepath.Ext(*filePath))
	}

	uploader := client.New(client.Config{
		BaseURL:       *serverURL,
		Owner:         owner,
		ChunkSize:     *chunkSize,
		Concurrency:   *concurrency,
		SendChecksums: true,
		OnProgress: func(p client.Progress) {
			fmt.Fprintf(os.Stderr, "\ruploaded %d/%d chunks (%d/%d bytes)",
				p.AcknowledgedChunks, p.TotalChunks, p.AcknowledgedBytes, p.TotalBytes)
		},
	})

	ctx := context.Background()
	var result *client.Result
	if *resumeID != "" {
		sessionID, err := uuid.Parse(*resumeID)
		if err != nil {
			fmt.Fprintln(os.Stderr, "invalid -resume uuid:", err)
			os.Exit(2)
		}
		result, err = uploader.Resume(ctx, sessionID, *filePath)
		exitOnUploadError(result, err)
	} else {
		result, err = uploader.Upload(ctx, *filePath, ctype, *tier)
		exitOnUploadError(result, err)
	}
	fmt.Fprintln(os.Stderr)
	fmt.Printf("session %s: %s\n", result.SessionID, result.Session.Status)

	if *wait <= 0 {
		return
	}
	sess, err := pollUntilTerminal(ctx, uploader, result.SessionID, *wait)
	if err != nil {
		fmt.Fprintln(os.Stderr, "polling failed:", err)
		os.Exit(1)
	}
	fmt.Printf("final status: %s (progress %d%%)\n", sess.Status, sess.Progress)
	if sess.ThumbnailPath != "" {
		fmt.Println("thumbnail:", sess.ThumbnailPath)
	}
	if sess.ProcessedPath != "" {
		fmt.Println("processed:", sess.ProcessedPath)
	}
	if sess.DurationSec > 0 {
		fmt.Println("duration:", sess.DurationSec, "s")
	}
	if sess.Status == domain.StatusFailed {
		fmt.Fprintln(os.Stderr, "failure reason:", sess.FailureReason)
		os.Exit(1)
	}
}

func exitOnUploadError(result *client.Result, err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "upload failed:", err)
	if result != nil && result.SessionID != uuid.Nil {
		fmt.Fprintf(os.Stderr, "re-run with -resume %s to pick up where it stopped\n", result.SessionID)
	}
	os.Exit(1)
}

func pollUntilTerminal(ctx context.Context, uploader *client.Uploader, sessionID uuid.UUID, timeout time.Duration) (*domain.UploadSession, error) {
	deadline := time.Now().Add(timeout)
	for {
		sess, err := uploader.GetSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if sess.Status.Terminal() {
			return sess, nil
		}
		if time.Now().After(deadline) {
			return sess, nil
		}
		time.Sleep(500 * time.Millisecond)
	}
}
