// Package ingest implements the chunked upload HTTP surface: session
// initiation, chunk ingest, and status polling.
package ingest

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"chunkedupload/internal/chunkfile"
	"chunkedupload/internal/ingesterr"
	"chunkedupload/internal/service"
	"chunkedupload/internal/session"
	"chunkedupload/internal/sizing"
)

const (
	multipartMemoryBudget = 32 * 1024 * 1024
	// A single chunk request is bounded well above the sigmoid's
	// ceiling default so legitimately large chunks are never rejected
	// at the transport layer before reaching validation.
	maxChunkRequestBytes = 64 * 1024 * 1024
)

type envelope struct {
	Data any `json:"data,omitempty"`
}

type errorEnvelope struct {
	Error      string `json:"error"`
	ChunkIndex *int64 `json:"chunkIndex,omitempty"`
}

// Handler wires the sizing policy, session store, and chunk writer
// into the HTTP surface described by the ingest endpoint's contract.
type Handler struct {
	Sizing        sizing.Policy
	Store         session.Store
	Chunks        *chunkfile.Writer
	SessionTTL    time.Duration
	RetryAttempts int
	MaxSizeBytes  int64
	Logger        *zap.SugaredLogger

	// Registry, if set, records a file-registry row once a chunked
	// upload finishes assembling. Optional: nil disables registry
	// bookkeeping without affecting the ingest protocol itself.
	Registry *service.FileService
}

// RegisterRoutes mounts the initiation, ingest, and status endpoints
// under /uploads.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/uploads", func(r chi.Router) {
		r.Post("/", h.InitiateUpload)
		r.Post("/{upload_id}/chunks", h.IngestChunk)
		r.Get("/{upload_id}/status", h.UploadStatus)
	})
}

type initiateRequest struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size"`
	Hash string `json:"hash,omitempty"`
}

type initiateResponse struct {
	UploadID       string  `json:"upload_id"`
	ShouldChunk    bool    `json:"should_chunk"`
	ChunkSize      int64   `json:"chunk_size,omitempty"`
	TotalChunks    int64   `json:"total_chunks,omitempty"`
	ReceivedChunks []int64 `json:"received_chunks,omitempty"`
}

// InitiateUpload evaluates the sizing policy for the declared file and,
// when chunking applies, creates a session record (or resumes an
// existing one discoverable via the file hash).
func (h *Handler) InitiateUpload(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, fmt.Errorf("%w: malformed request body", ingesterr.ErrValidationFailure), nil)
		return
	}

	if req.Name == "" || req.Size < 0 {
		writeErr(w, fmt.Errorf("%w: name and non-negative size are required", ingesterr.ErrValidationFailure), nil)
		return
	}

	decision, err := h.Sizing.Decide(req.Size)
	if err != nil {
		if errors.Is(err, sizing.ErrConfiguration) {
			// C3's own terminal outcome for a forced-chunking request
			// against a non-local backend; distinct from the runtime
			// UnsupportedBackend refusal IngestChunk raises if a chunk
			// request reaches the writer anyway.
			writeErr(w, fmt.Errorf("%w: %v", ingesterr.ErrValidationFailure, err), nil)
			return
		}
		writeErr(w, fmt.Errorf("%w: sizing policy failed: %v", ingesterr.ErrWriteFailure, err), nil)
		return
	}

	if !decision.ShouldChunk {
		writeJSON(w, http.StatusOK, envelope{Data: initiateResponse{ShouldChunk: false}})
		return
	}

	if req.Hash != "" {
		if existing, err := h.Store.FindByFileHash(r.Context(), req.Hash); err == nil {
			writeJSON(w, http.StatusOK, envelope{Data: initiateResponse{
				UploadID:       existing.UploadID,
				ShouldChunk:    true,
				ChunkSize:      existing.ChunkSize,
				TotalChunks:    existing.TotalChunks,
				ReceivedChunks: existing.ReceivedChunks,
			}})
			return
		}
	}

	uploadID, err := newUploadID()
	if err != nil {
		writeErr(w, fmt.Errorf("%w: could not generate upload id: %v", ingesterr.ErrWriteFailure, err), nil)
		return
	}

	record := &session.Record{
		UploadID: uploadID,
		FileInfo: session.FileInfo{
			Name: req.Name,
			Type: req.Type,
			Size: req.Size,
			Hash: req.Hash,
		},
		ChunkSize:      decision.ChunkSize,
		TotalChunks:    decision.TotalChunks,
		ReceivedChunks: []int64{},
		CreatedAt:      nowUnix(),
	}

	if err := h.Store.Put(r.Context(), record, h.SessionTTL); err != nil {
		if h.Logger != nil {
			h.Logger.Errorw("failed to persist new upload session", "error", err)
		}
		writeErr(w, fmt.Errorf("%w: failed to create upload session: %v", ingesterr.ErrWriteFailure, err), nil)
		return
	}

	writeJSON(w, http.StatusOK, envelope{Data: initiateResponse{
		UploadID:    record.UploadID,
		ShouldChunk: true,
		ChunkSize:   record.ChunkSize,
		TotalChunks: record.TotalChunks,
	}})
}

// IngestChunk implements the C4 algorithm from the ingest endpoint
// contract: shape validation, session lookup, hash check, positioned
// write, RMW chunk-received update, and completion detection.
func (h *Handler) IngestChunk(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	result := "error"
	defer func() {
		chunkIngestTotal.WithLabelValues(result).Inc()
		chunkIngestDuration.Observe(time.Since(start).Seconds())
	}()

	uploadID := chi.URLParam(r, "upload_id")

	r.Body = http.MaxBytesReader(w, r.Body, maxChunkRequestBytes)
	if err := r.ParseMultipartForm(multipartMemoryBudget); err != nil {
		writeErr(w, fmt.Errorf("%w: invalid multipart form: %v", ingesterr.ErrValidationFailure, err), nil)
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	chunkIndexStr := r.FormValue("chunk_index")
	chunkHash := r.FormValue("chunk_hash")

	chunkIndex, err := strconv.ParseInt(chunkIndexStr, 10, 64)
	if err != nil || chunkIndex < 0 {
		writeErr(w, fmt.Errorf("%w: chunk_index must be a non-negative integer", ingesterr.ErrValidationFailure), nil)
		return
	}

	if len(chunkHash) != 64 {
		writeErr(w, fmt.Errorf("%w: chunk_hash must be a 64-char hex SHA-256", ingesterr.ErrValidationFailure), nil)
		return
	}

	file, _, err := r.FormFile("chunk_data")
	if err != nil {
		writeErr(w, fmt.Errorf("%w: chunk_data field is required", ingesterr.ErrValidationFailure), nil)
		return
	}
	defer file.Close()

	safeUploadID := chunkfile.SanitizeUploadID(uploadID)
	if safeUploadID == "" {
		writeErr(w, ingesterr.ErrInvalidUploadID, nil)
		return
	}

	record, err := h.Store.Get(r.Context(), safeUploadID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeErr(w, fmt.Errorf("%w: unknown or expired upload_id", ingesterr.ErrSessionMissing), nil)
			return
		}
		writeErr(w, fmt.Errorf("%w: session lookup failed: %v", ingesterr.ErrWriteFailure, err), nil)
		return
	}

	if record.Complete {
		result = "already_complete"
		writeJSON(w, http.StatusOK, envelope{Data: completeResponse{Complete: true, Path: record.FinalPath}})
		return
	}

	if chunkIndex >= record.TotalChunks {
		writeErr(w, fmt.Errorf("%w: chunk_index %d out of range [0, %d)", ingesterr.ErrValidationFailure, chunkIndex, record.TotalChunks), nil)
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		writeErr(w, fmt.Errorf("%w: could not read chunk_data: %v", ingesterr.ErrValidationFailure, err), nil)
		return
	}

	sum := sha256.Sum256(data)
	computed := hex.EncodeToString(sum[:])
	if computed != chunkHash {
		result = "hash_mismatch"
		idx := chunkIndex
		writeErr(w, ingesterr.ErrHashMismatch, &idx)
		return
	}

	ext := extensionFor(record.FileInfo.Name)

	if err := h.Chunks.StoreChunk(safeUploadID, chunkIndex, data, record.ChunkSize, ext); err != nil {
		if h.Logger != nil {
			h.Logger.Errorw("chunk write failed", "upload_id", safeUploadID, "chunk_index", chunkIndex, "error", err)
		}
		writeErr(w, err, nil)
		return
	}

	updated, err := session.AddReceivedChunk(r.Context(), h.Store, safeUploadID, chunkIndex, h.SessionTTL, h.RetryAttempts)
	if err != nil {
		var exhausted *session.RetryExhaustedError
		if errors.As(err, &exhausted) {
			writeErr(w, fmt.Errorf("%w: %v", ingesterr.ErrRetriesExhausted, err), nil)
			return
		}
		writeErr(w, fmt.Errorf("%w: session update failed: %v", ingesterr.ErrWriteFailure, err), nil)
		return
	}

	if int64(len(updated.ReceivedChunks)) < updated.TotalChunks {
		result = "progress"
		received := int64(len(updated.ReceivedChunks))
		progress := float64(received) / float64(updated.TotalChunks) * 100
		writeJSON(w, http.StatusOK, envelope{Data: progressResponse{
			Progress: progress,
			Received: received,
			Total:    updated.TotalChunks,
		}})
		return
	}

	// Every chunk observed. Several concurrent requests can reach this
	// point for the same upload (S4); ClaimAssembly elects exactly one
	// of them to run assembly, since a plain length check here is not
	// itself exclusive.
	claimed, current, err := session.ClaimAssembly(r.Context(), h.Store, safeUploadID, h.SessionTTL, h.RetryAttempts)
	if err != nil {
		writeErr(w, fmt.Errorf("%w: assembly election failed: %v", ingesterr.ErrWriteFailure, err), nil)
		return
	}
	if !claimed {
		if current != nil && current.Complete {
			result = "already_complete"
			writeJSON(w, http.StatusOK, envelope{Data: completeResponse{Complete: true, Path: current.FinalPath}})
			return
		}
		result = "progress"
		writeJSON(w, http.StatusOK, envelope{Data: progressResponse{
			Progress: 100,
			Received: updated.TotalChunks,
			Total:    updated.TotalChunks,
		}})
		return
	}

	if h.MaxSizeBytes > 0 && updated.FileInfo.Size > h.MaxSizeBytes {
		result = "size_exceeded"
		h.abandonAssembly(r.Context(), safeUploadID, ext, current)
		writeErr(w, fmt.Errorf("%w: declared file size exceeds chunked-upload cap", ingesterr.ErrSizeExceeded), nil)
		return
	}

	finalName, err := h.Chunks.AssembleFile(safeUploadID, chunkfile.FileInfo{
		Name: updated.FileInfo.Name,
		Type: updated.FileInfo.Type,
		Size: updated.FileInfo.Size,
		Hash: updated.FileInfo.Hash,
	}, ext)
	if err != nil {
		h.abandonAssembly(r.Context(), safeUploadID, ext, current)
		if errors.Is(err, ingesterr.ErrValidationRuleFailed) {
			result = "validation_failed"
			writeErr(w, err, nil)
			return
		}
		result = "assembly_failed"
		writeErr(w, err, nil)
		return
	}

	updated.Complete = true
	updated.FinalPath = finalName
	updated.Assembling = false
	if err := h.Store.Put(r.Context(), updated, h.SessionTTL); err != nil && h.Logger != nil {
		h.Logger.Warnw("failed to persist completed session state", "upload_id", safeUploadID, "error", err)
	}

	if h.Registry != nil {
		if _, err := h.Registry.RegisterChunkedFile(r.Context(), service.RegisterChunkedFileInput{
			OriginalName: updated.FileInfo.Name,
			MimeType:     updated.FileInfo.Type,
			SizeBytes:    updated.FileInfo.Size,
			StoragePath:  finalName,
			UploadID:     safeUploadID,
		}); err != nil && h.Logger != nil {
			h.Logger.Warnw("failed to record file registry entry", "upload_id", safeUploadID, "error", err)
		}
	}

	chunkedUploadCompletionsTotal.Inc()
	result = "complete"
	writeJSON(w, http.StatusOK, envelope{Data: completeResponse{Complete: true, Path: finalName}})
}

type progressResponse struct {
	Progress float64 `json:"progress"`
	Received int64   `json:"received"`
	Total    int64   `json:"total"`
}

type completeResponse struct {
	Complete bool   `json:"complete"`
	Path     string `json:"path"`
}

type statusResponse struct {
	UploadID       string  `json:"upload_id"`
	Complete       bool    `json:"complete"`
	Received       int64   `json:"received"`
	Total          int64   `json:"total"`
	ReceivedChunks []int64 `json:"received_chunks"`
	FinalPath      string  `json:"final_path,omitempty"`
}

// UploadStatus reports current progress without mutating anything.
func (h *Handler) UploadStatus(w http.ResponseWriter, r *http.Request) {
	uploadID := chunkfile.SanitizeUploadID(chi.URLParam(r, "upload_id"))
	if uploadID == "" {
		writeErr(w, ingesterr.ErrInvalidUploadID, nil)
		return
	}

	record, err := h.Store.Get(r.Context(), uploadID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeErr(w, fmt.Errorf("%w: unknown or expired upload_id", ingesterr.ErrSessionMissing), nil)
			return
		}
		writeErr(w, fmt.Errorf("%w: session lookup failed: %v", ingesterr.ErrWriteFailure, err), nil)
		return
	}

	writeJSON(w, http.StatusOK, envelope{Data: statusResponse{
		UploadID:       record.UploadID,
		Complete:       record.Complete,
		Received:       int64(len(record.ReceivedChunks)),
		Total:          record.TotalChunks,
		ReceivedChunks: record.ReceivedChunks,
		FinalPath:      record.FinalPath,
	}})
}

// abandonAssembly reverses a successful ClaimAssembly claim after
// finalization has terminally failed (size cap, post-assembly validation,
// or a write error), per the spec's explicit-cleanup-on-finalization-failure
// rule. Without this, the claimed record's Assembling flag would stay set
// forever: ClaimAssembly refuses to re-elect a claimant on an
// already-Assembling record, so a client's retry of the last chunk would
// deadlock into a fake "still uploading" progress response instead of
// re-observing the terminal failure. base is the record session.ClaimAssembly
// returned for the winning claim (its verification read, still carrying
// Assembling and this claimant's token); nil means there is nothing to
// revert.
func (h *Handler) abandonAssembly(ctx context.Context, uploadID, ext string, base *session.Record) {
	h.Chunks.Cleanup(uploadID, ext)

	if base == nil {
		return
	}
	reverted := *base
	reverted.Assembling = false
	reverted.AssemblerToken = ""
	if err := h.Store.Put(ctx, &reverted, h.SessionTTL); err != nil && h.Logger != nil {
		h.Logger.Warnw("failed to revert assembly claim after finalization failure", "upload_id", uploadID, "error", err)
	}
}

// newUploadID generates a 64-char hex, cryptographically random upload
// identifier (32 bytes from crypto/rand, hex-encoded).
func newUploadID() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func extensionFor(name string) string {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			return name[i+1:]
		}
		if name[i] == '/' {
			break
		}
	}
	return "bin"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr maps err to its HTTP status via ingesterr.StatusFor and
// reports err's own message, so every error response on this surface
// is backed by one of the sentinels in package ingesterr rather than an
// inline status code chosen ad hoc per call site.
func writeErr(w http.ResponseWriter, err error, chunkIndex *int64) {
	writeJSON(w, ingesterr.StatusFor(err), errorEnvelope{Error: err.Error(), ChunkIndex: chunkIndex})
}

func nowUnix() int64 {
	return time.Now().Unix()
}
