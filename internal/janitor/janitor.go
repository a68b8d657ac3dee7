// Package janitor sweeps orphaned chunked-upload temp files: sessions
// that expired in the store before their upload finished, leaving a
// partial temp file behind on disk.
package janitor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"chunkedupload/internal/session"
)

// Config controls how aggressively the sweeper reclaims disk space.
type Config struct {
	UploadsDir string
	MaxAge     time.Duration
	Interval   time.Duration
}

// Run blocks, sweeping UploadsDir every Interval until ctx is
// cancelled. It deletes any regular file older than MaxAge that has no
// matching ".json" sidecar and no matching non-expired session, since a
// finalized file always has a sidecar and a still-in-progress upload
// still owns a live session record regardless of how stale its temp
// file's mtime looks (a client can be slow between chunks without its
// session having expired).
func Run(ctx context.Context, cfg Config, store session.Store, logger *zap.SugaredLogger) {
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	sweepOnce(ctx, cfg, store, logger)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepOnce(ctx, cfg, store, logger)
		}
	}
}

func sweepOnce(ctx context.Context, cfg Config, store session.Store, logger *zap.SugaredLogger) {
	entries, err := os.ReadDir(cfg.UploadsDir)
	if err != nil {
		if logger != nil {
			logger.Warnw("janitor: could not list uploads dir", "dir", cfg.UploadsDir, "error", err)
		}
		return
	}

	cutoff := time.Now().Add(-cfg.MaxAge)
	removed := 0

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if filepath.Ext(name) == ".json" {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		sidecar := filepath.Join(cfg.UploadsDir, name+".json")
		if _, err := os.Stat(sidecar); err == nil {
			continue // finalized file, has metadata sidecar
		}

		if store != nil && hasActiveSession(ctx, store, uploadIDFromTempName(name)) {
			continue // a live, non-expired session still owns this temp file
		}

		path := filepath.Join(cfg.UploadsDir, name)
		if err := os.Remove(path); err != nil {
			if logger != nil {
				logger.Warnw("janitor: failed to remove stale temp file", "path", path, "error", err)
			}
			continue
		}
		removed++
	}

	if removed > 0 && logger != nil {
		logger.Infow("janitor: swept stale chunk temp files", "removed", removed, "dir", cfg.UploadsDir)
	}
}

// uploadIDFromTempName recovers the upload id from a chunk temp file's
// name (upload ids never contain '.', since SanitizeUploadID strips it).
func uploadIDFromTempName(name string) string {
	return strings.SplitN(name, ".", 2)[0]
}

func hasActiveSession(ctx context.Context, store session.Store, uploadID string) bool {
	record, err := store.Get(ctx, uploadID)
	if err != nil {
		return false // expired or never existed: safe to sweep
	}
	return !record.Complete
}
