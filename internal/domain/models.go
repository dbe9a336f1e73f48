package domain

import (
	"time"

	"github.com/google/uuid"
)

// UploadStatus captures lifecycle of an upload session.
type UploadStatus string

const (
	StatusPending    UploadStatus = "pending"
	StatusReceiving  UploadStatus = "receiving"
	StatusAssembling UploadStatus = "assembling"
	StatusProcessing UploadStatus = "processing"
	StatusCompleted  UploadStatus = "completed"
	StatusFailed     UploadStatus = "failed"
)

// forward holds the only legal forward step out of each status. Failed is
// reachable from any non-terminal status and handled in CanTransition.
var forward = map[UploadStatus]UploadStatus{
	StatusPending:    StatusReceiving,
	StatusReceiving:  StatusAssembling,
	StatusAssembling: StatusProcessing,
	StatusProcessing: StatusCompleted,
}

// Terminal reports whether no further transitions are allowed.
func (s UploadStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether moving from one status to another is legal.
// Direct-path sessions skip the receiving/assembling stages, so pending may
// also step straight to processing.
func CanTransition(from, to UploadStatus) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	if from == StatusPending && to == StatusProcessing {
		return true
	}
	return forward[from] == to
}

// CompressionTier names a quality preset applied during post-processing.
type CompressionTier string

const (
	TierNone   CompressionTier = "none"
	TierLow    CompressionTier = "low"
	TierMedium CompressionTier = "medium"
	TierHigh   CompressionTier = "high"
)

// ParseTier validates a requested tier, defaulting empty input to medium.
func ParseTier(s string) (CompressionTier, bool) {
	switch CompressionTier(s) {
	case "":
		return TierMedium, true
	case TierNone, TierLow, TierMedium, TierHigh:
		return CompressionTier(s), true
	}
	return "", false
}

// Bitrate pairs the video and audio target rates of a compression tier.
type Bitrate struct {
	Video string
	Audio string
}

// UploadSession represents one logical file upload from initialization to
// completion or failure. TotalChunks is zero exactly when the session came
// through the direct (non-chunked) path.
type UploadSession struct {
	ID             uuid.UUID       `json:"sessionId"`
	OwnerID        uuid.UUID       `json:"ownerId"`
	Filename       string          `json:"filename"`
	StoredName     string          `json:"-"`
	ContentType    string          `json:"contentType"`
	SizeBytes      int64           `json:"size"`
	ChunkSizeBytes int64           `json:"chunkSize"`
	TotalChunks    int             `json:"totalChunks"`
	Tier           CompressionTier `json:"compressionTier"`
	Status         UploadStatus    `json:"status"`
	Progress       int             `json:"progress"`
	ArtifactPath   string          `json:"artifactPath,omitempty"`
	ThumbnailPath  string          `json:"thumbnailPath,omitempty"`
	ProcessedPath  string          `json:"processedPath,omitempty"`
	DurationSec    int             `json:"duration,omitempty"`
	FailureReason  string          `json:"failureReason,omitempty"`
	ProcessingNote string          `json:"processingNote,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Chunk stores per-fragment bookkeeping. Placeholders for every index are
// created when the session is initialized; Uploaded flips exactly once per
// index, repeat arrivals are idempotent overwrites.
type Chunk struct {
	SessionID  uuid.UUID  `json:"sessionId"`
	Index      int        `json:"index"`
	SizeBytes  int64      `json:"size"`
	Uploaded   bool       `json:"uploaded"`
	Checksum   string     `json:"checksum,omitempty"`
	UploadedAt *time.Time `json:"uploadedAt,omitempty"`
}

// InitRequest contains the payload for chunked session initialization.
type InitRequest struct {
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
	ContentType string `json:"contentType"`
	ChunkSize   int64  `json:"chunkSize,omitempty"`
	Tier        string `json:"compressionTier,omitempty"`
}

// InitResponse describes the chunking plan returned to the client.
type InitResponse struct {
	SessionID   string `json:"sessionId"`
	TotalChunks int    `json:"totalChunks"`
	ChunkSize   int64  `json:"chunkSize"`
}

// ChunkResult is returned after each accepted chunk.
type ChunkResult struct {
	Index       int `json:"index"`
	Progress    int `json:"progress"`
	TotalChunks int `json:"totalChunks"`
}
