// Package chunkfile places incoming chunk bytes into a per-upload temp
// file at their declared offset and, once every chunk has arrived,
// assembles and validates the final file.
package chunkfile

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"chunkedupload/internal/ingesterr"
)

const finalNameLength = 40

const finalNameAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// ValidationRules is the post-assembly ruleset: a size cap plus mime
// and extension allow-lists. An empty allow-list means "no
// restriction" for that dimension.
type ValidationRules struct {
	MaxSizeBytes int64
	AllowedMime  []string
	AllowedExt   []string
}

func (r ValidationRules) allows(mimeType, ext string, size int64) bool {
	if r.MaxSizeBytes > 0 && size > r.MaxSizeBytes {
		return false
	}
	if len(r.AllowedMime) > 0 && !containsFold(r.AllowedMime, mimeType) {
		return false
	}
	if len(r.AllowedExt) > 0 && !containsFold(r.AllowedExt, strings.TrimPrefix(ext, ".")) {
		return false
	}
	return true
}

func containsFold(list []string, want string) bool {
	for _, item := range list {
		if strings.EqualFold(item, want) {
			return true
		}
	}
	return false
}

// FileInfo mirrors session.FileInfo without importing the session
// package, keeping the chunk writer independently testable.
type FileInfo struct {
	Name string
	Type string
	Size int64
	Hash string
}

// Sidecar is the JSON metadata file written alongside the final,
// content-addressed filename.
type Sidecar struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size"`
	Hash string `json:"hash"`
}

// Writer places chunks into per-upload temp files under UploadsDir and
// assembles them into final files once complete. Positioned writes to
// an offset within a growing file are a local-filesystem operation;
// LocalBackend records whether the configured storage driver actually
// supports that, per S6.
type Writer struct {
	UploadsDir   string
	Rules        ValidationRules
	LocalBackend bool
}

// NewWriter constructs a Writer rooted at uploadsDir, creating it if
// necessary. localBackend must be true only when the configured
// storage driver is the local filesystem; StoreChunk and AssembleFile
// both refuse to run otherwise.
func NewWriter(uploadsDir string, rules ValidationRules, localBackend bool) (*Writer, error) {
	if err := os.MkdirAll(uploadsDir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure uploads dir: %w", err)
	}
	return &Writer{UploadsDir: uploadsDir, Rules: rules, LocalBackend: localBackend}, nil
}

// SanitizeUploadID strips path separators, null bytes, "..", and any
// character outside [A-Za-z0-9_-]. An empty result is the caller's
// signal to raise ErrInvalidUploadID.
func SanitizeUploadID(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	return b.String()
}

// SanitizeExt keeps only [A-Za-z0-9], truncated to 10 characters.
func SanitizeExt(raw string) string {
	raw = strings.TrimPrefix(raw, ".")
	var b strings.Builder
	for _, r := range raw {
		if len(b.String()) >= 10 {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (w *Writer) tempPath(uploadID, ext string) (string, error) {
	safeID := SanitizeUploadID(uploadID)
	if safeID == "" {
		return "", ingesterr.ErrInvalidUploadID
	}
	safeExt := SanitizeExt(ext)
	name := safeID
	if safeExt != "" {
		name = safeID + "." + safeExt
	}
	return filepath.Join(w.UploadsDir, name), nil
}

// StoreChunk writes data at offset chunkIndex*chunkSize of the upload's
// temp file, opening in create-or-open mode, then flushes and fsyncs
// before returning. Any I/O failure is reported as ErrWriteFailure; no
// partial success is ever reported to the caller.
func (w *Writer) StoreChunk(uploadID string, chunkIndex int64, data []byte, chunkSize int64, ext string) error {
	if !w.LocalBackend {
		return ingesterr.ErrUnsupportedBackend
	}

	path, err := w.tempPath(uploadID, ext)
	if err != nil {
		return err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open: %v", ingesterr.ErrWriteFailure, err)
	}
	defer file.Close()

	offset := chunkIndex * chunkSize
	if _, err := file.WriteAt(data, offset); err != nil {
		return fmt.Errorf("%w: write: %v", ingesterr.ErrWriteFailure, err)
	}

	if err := file.Sync(); err != nil {
		return fmt.Errorf("%w: fsync: %v", ingesterr.ErrWriteFailure, err)
	}

	return nil
}

// AssembleFile verifies the temp file's length matches the declared
// size, runs the validation ruleset, and on success renames it into
// the uploads directory under a random 40-character filename plus
// extension, writing a JSON sidecar alongside it. When the length check
// or the ruleset fails, the temp file is deleted; a missing temp file or
// a failed rename leaves the filesystem as it was.
func (w *Writer) AssembleFile(uploadID string, info FileInfo, ext string) (string, error) {
	if !w.LocalBackend {
		return "", ingesterr.ErrUnsupportedBackend
	}

	tempPath, err := w.tempPath(uploadID, ext)
	if err != nil {
		return "", err
	}

	stat, err := os.Stat(tempPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: temp file missing", ingesterr.ErrWriteFailure)
		}
		return "", fmt.Errorf("%w: stat: %v", ingesterr.ErrWriteFailure, err)
	}

	if stat.Size() != info.Size {
		os.Remove(tempPath)
		return "", fmt.Errorf("%w: assembled length %d != declared %d", ingesterr.ErrValidationRuleFailed, stat.Size(), info.Size)
	}

	if !w.Rules.allows(info.Type, ext, stat.Size()) {
		os.Remove(tempPath)
		return "", ingesterr.ErrValidationRuleFailed
	}

	finalName, err := randomFilename(finalNameLength)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ingesterr.ErrWriteFailure, err)
	}

	safeExt := SanitizeExt(ext)
	if safeExt != "" {
		finalName = finalName + "." + safeExt
	}

	finalPath := filepath.Join(w.UploadsDir, finalName)
	if err := os.Rename(tempPath, finalPath); err != nil {
		return "", fmt.Errorf("%w: rename: %v", ingesterr.ErrWriteFailure, err)
	}

	sidecar := Sidecar{Name: info.Name, Type: info.Type, Size: info.Size, Hash: finalName}
	payload, err := json.Marshal(sidecar)
	if err != nil {
		return "", fmt.Errorf("%w: marshal sidecar: %v", ingesterr.ErrWriteFailure, err)
	}

	if err := os.WriteFile(finalPath+".json", payload, 0o644); err != nil {
		return "", fmt.Errorf("%w: write sidecar: %v", ingesterr.ErrWriteFailure, err)
	}

	return finalName, nil
}

// Cleanup best-effort removes the temp file for an upload.
func (w *Writer) Cleanup(uploadID, ext string) {
	path, err := w.tempPath(uploadID, ext)
	if err != nil {
		return
	}
	os.Remove(path)
}

func randomFilename(length int) (string, error) {
	var b strings.Builder
	alphabetLen := big.NewInt(int64(len(finalNameAlphabet)))
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, alphabetLen)
		if err != nil {
			return "", err
		}
		b.WriteByte(finalNameAlphabet[n.Int64()])
	}
	return b.String(), nil
}
