package config

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"mediavault-backend/internal/domain"
)

const (
	defaultPort                 = "8080"
	defaultChunkSizeBytes int64 = 1024 * 1024             // 1MB
	defaultMinChunkSizeBytes    = 64 * 1024               // 64KB
	defaultMaxChunkSizeBytes    = 50 * 1024 * 1024        // 50MB
	defaultMaxUploadBytes       = 2 * 1024 * 1024 * 1024  // 2GB
	defaultStorageRoot          = "data/uploads"
	defaultChunkDir             = "data/chunks"
	defaultAllowedTypes         = "video/,image/,audio/,text/,application/pdf,application/x-subrip"
	defaultWorkers              = 4
	defaultQueueSize            = 64
)

// Config captures server runtime configuration.
type Config struct {
	Port             string
	DatabaseURL      string
	StorageRoot      string
	ChunkDir         string
	MaxUploadBytes   int64
	DefaultChunkSize int64
	MinChunkSize     int64
	MaxChunkSize     int64
	AllowedTypes     []string
	SessionTTL       time.Duration
	SweepInterval    time.Duration
	Workers          int
	QueueSize        int
	FFmpegPath       string
	FFprobePath      string
	ThumbnailWidth   int
	ThumbnailHeight  int
	TierBitrates     map[domain.CompressionTier]domain.Bitrate
}

// Load reads environment variables into a Config structure.
func Load() (*Config, error) {
	cfg := &Config{
		Port:             getEnv("UPLOAD_SERVER_PORT", defaultPort),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		StorageRoot:      getEnv("UPLOAD_STORAGE_ROOT", defaultStorageRoot),
		ChunkDir:         getEnv("UPLOAD_CHUNK_DIR", defaultChunkDir),
		MaxUploadBytes:   parseInt64("UPLOAD_MAX_SIZE", defaultMaxUploadBytes),
		DefaultChunkSize: parseInt64("UPLOAD_CHUNK_SIZE", defaultChunkSizeBytes),
		MinChunkSize:     parseInt64("UPLOAD_MIN_CHUNK_SIZE", defaultMinChunkSizeBytes),
		MaxChunkSize:     parseInt64("UPLOAD_MAX_CHUNK_SIZE", defaultMaxChunkSizeBytes),
		AllowedTypes:     splitList(getEnv("UPLOAD_ALLOWED_TYPES", defaultAllowedTypes)),
		SessionTTL:       parseDuration("UPLOAD_SESSION_TTL", 24*time.Hour),
		SweepInterval:    parseDuration("UPLOAD_SWEEP_INTERVAL", time.Minute),
		Workers:          parseInt("UPLOAD_WORKERS", defaultWorkers),
		QueueSize:        parseInt("UPLOAD_QUEUE_SIZE", defaultQueueSize),
		FFmpegPath:       getEnv("FFMPEG_PATH", "ffmpeg"),
		FFprobePath:      getEnv("FFPROBE_PATH", "ffprobe"),
		ThumbnailWidth:   parseInt("UPLOAD_THUMBNAIL_WIDTH", 300),
		ThumbnailHeight:  parseInt("UPLOAD_THUMBNAIL_HEIGHT", 200),
		TierBitrates: map[domain.CompressionTier]domain.Bitrate{
			domain.TierLow:    {Video: "500k", Audio: "64k"},
			domain.TierMedium: {Video: "1000k", Audio: "128k"},
			domain.TierHigh:   {Video: "2000k", Audio: "192k"},
		},
	}

	if cfg.MaxUploadBytes <= 0 {
		return nil, errors.New("UPLOAD_MAX_SIZE must be positive")
	}
	if cfg.DefaultChunkSize <= 0 {
		cfg.DefaultChunkSize = defaultChunkSizeBytes
	}
	if cfg.MinChunkSize <= 0 {
		cfg.MinChunkSize = defaultMinChunkSizeBytes
	}
	if cfg.DefaultChunkSize < cfg.MinChunkSize {
		cfg.DefaultChunkSize = cfg.MinChunkSize
	}
	if cfg.MaxChunkSize < cfg.DefaultChunkSize {
		cfg.MaxChunkSize = cfg.DefaultChunkSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if len(cfg.AllowedTypes) == 0 {
		return nil, errors.New("UPLOAD_ALLOWED_TYPES must not be empty")
	}
	if !filepath.IsAbs(cfg.StorageRoot) {
		if abs, err := filepath.Abs(cfg.StorageRoot); err == nil {
			cfg.StorageRoot = abs
		}
	}
	if !filepath.IsAbs(cfg.ChunkDir) {
		if abs, err := filepath.Abs(cfg.ChunkDir); err == nil {
			cfg.ChunkDir = abs
		}
	}

	return cfg, nil
}

// TypeAllowed matches a content type against the configured allow-list.
// Entries ending in "/" are treated as prefixes (e.g. "video/").
func (c *Config) TypeAllowed(contentType string) bool {
	for _, allowed := range c.AllowedTypes {
		if strings.HasSuffix(allowed, "/") {
			if strings.HasPrefix(contentType, allowed) {
				return true
			}
		} else if contentType == allowed {
			return true
		}
	}
	return false
}

func getEnv(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func parseInt64(key string, fallback int64) int64 {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseInt(key string, fallback int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseDuration(key string, fallback time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	dur, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return dur
}

func splitList(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
