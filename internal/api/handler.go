package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"mediavault-backend/internal/config"
	"mediavault-backend/internal/domain"
	"mediavault-backend/internal/upload"
)

// Handler wires HTTP routes to the upload service.
type Handler struct {
	cfg *config.Config
	svc *upload.Service
}

// NewHandler creates a Handler instance.
func NewHandler(cfg *config.Config, svc *upload.Service) *Handler {
	return &Handler{cfg: cfg, svc: svc}
}

// Router returns a configured chi router.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-User-Id", "X-Chunk-Index", "X-Chunk-Checksum"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.handleHealth)
	r.Route("/uploads", func(r chi.Router) {
		r.Post("/init", h.withOwner(h.handleInit))
		r.Post("/simple", h.withOwner(h.handleDirect))
		r.Get("/", h.withOwner(h.handleList))
		r.Post("/{sessionID}/chunks", h.withOwner(h.handleChunk))
		r.Get("/{sessionID}/chunks", h.withOwner(h.handleChunkList))
		r.Post("/{sessionID}/complete", h.withOwner(h.handleComplete))
		r.Get("/{sessionID}", h.withOwner(h.handleStatus))
		r.Delete("/{sessionID}", h.withOwner(h.handleDelete))
	})

	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleInit(w http.ResponseWriter, r *http.Request, owner uuid.UUID) {
	var req domain.InitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	res, err := h.svc.InitSession(r.Context(), owner, req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleChunk(w http.ResponseWriter, r *http.Request, owner uuid.UUID) {
	sessionID, ok := parseSessionID(w, r)
	if !ok {
		return
	}
	indexStr := r.Header.Get("X-Chunk-Index")
	if indexStr == "" {
		writeError(w, http.StatusBadRequest, "missing X-Chunk-Index header")
		return
	}
	index, err := strconv.Atoi(indexStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid chunk index")
		return
	}

	body := http.MaxBytesReader(w, r.Body, h.cfg.MaxChunkSize)
	result, err := h.svc.HandleChunk(r.Context(), owner, sessionID, index, body, r.Header.Get("X-Chunk-Checksum"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleChunkList(w http.ResponseWriter, r *http.Request, owner uuid.UUID) {
	sessionID, ok := parseSessionID(w, r)
	if !ok {
		return
	}
	chunks, err := h.svc.ListChunks(r.Context(), owner, sessionID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chunks)
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request, owner uuid.UUID) {
	sessionID, ok := parseSessionID(w, r)
	if !ok {
		return
	}
	sess, err := h.svc.Complete(r.Context(), owner, sessionID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) handleDirect(w http.ResponseWriter, r *http.Request, owner uuid.UUID) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart payload")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	sess, err := h.svc.DirectUpload(r.Context(), owner, header.Filename, contentType, r.FormValue("compressionTier"), file)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request, owner uuid.UUID) {
	sessionID, ok := parseSessionID(w, r)
	if !ok {
		return
	}
	sess, err := h.svc.GetSession(r.Context(), owner, sessionID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request, owner uuid.UUID) {
	sessions, err := h.svc.ListSessions(r.Context(), owner)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if sessions == nil {
		sessions = []domain.UploadSession{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request, owner uuid.UUID) {
	sessionID, ok := parseSessionID(w, r)
	if !ok {
		return
	}
	if err := h.svc.Delete(r.Context(), owner, sessionID); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type ownedHandler func(http.ResponseWriter, *http.Request, uuid.UUID)

// withOwner extracts the opaque owner identity supplied by the fronting
// collaborator. Authentication itself happens upstream.
func (h *Handler) withOwner(next ownedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerHeader := r.Header.Get("X-User-Id")
		if ownerHeader == "" {
			writeError(w, http.StatusUnauthorized, "missing owner id")
			return
		}
		owner, err := uuid.Parse(ownerHeader)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid owner id")
			return
		}
		next(w, r, owner)
	}
}

func parseSessionID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	sessionID, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return uuid.Nil, false
	}
	return sessionID, true
}

func writeServiceError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrState):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrMissingChunk):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrStorage):
		status = http.StatusInternalServerError
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
