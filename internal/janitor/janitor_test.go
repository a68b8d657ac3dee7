package janitor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"chunkedupload/internal/session"
)

type fakeStore map[string]*session.Record

func (f fakeStore) Put(_ context.Context, record *session.Record, _ time.Duration) error {
	f[record.UploadID] = record
	return nil
}

func (f fakeStore) Get(_ context.Context, uploadID string) (*session.Record, error) {
	record, ok := f[uploadID]
	if !ok {
		return nil, session.ErrNotFound
	}
	return record, nil
}

func (f fakeStore) FindByFileHash(context.Context, string) (*session.Record, error) {
	return nil, session.ErrNotFound
}

func (f fakeStore) Delete(_ context.Context, uploadID string) error {
	delete(f, uploadID)
	return nil
}

func TestSweepOnce_RemovesStaleTempFilesOnly(t *testing.T) {
	dir := t.TempDir()

	stale := filepath.Join(dir, "abc123.bin")
	if err := os.WriteFile(stale, []byte("partial"), 0o644); err != nil {
		t.Fatalf("write stale file: %v", err)
	}
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	finalized := filepath.Join(dir, "final40chars.bin")
	if err := os.WriteFile(finalized, []byte("done"), 0o644); err != nil {
		t.Fatalf("write finalized file: %v", err)
	}
	if err := os.Chtimes(finalized, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	if err := os.WriteFile(finalized+".json", []byte(`{}`), 0o644); err != nil {
		t.Fatalf("write sidecar: %v", err)
	}

	fresh := filepath.Join(dir, "fresh789.bin")
	if err := os.WriteFile(fresh, []byte("in progress"), 0o644); err != nil {
		t.Fatalf("write fresh file: %v", err)
	}

	sweepOnce(context.Background(), Config{UploadsDir: dir, MaxAge: 10 * time.Minute}, nil, nil)

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatal("expected stale temp file to be removed")
	}
	if _, err := os.Stat(finalized); err != nil {
		t.Fatal("expected finalized file to survive the sweep")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatal("expected fresh in-progress file to survive the sweep")
	}
}

func TestSweepOnce_SparesStaleMtimeWithActiveSession(t *testing.T) {
	dir := t.TempDir()

	active := filepath.Join(dir, "slowupload.bin")
	if err := os.WriteFile(active, []byte("partial"), 0o644); err != nil {
		t.Fatalf("write active file: %v", err)
	}
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(active, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	store := fakeStore{
		"slowupload": &session.Record{UploadID: "slowupload", Complete: false},
	}

	sweepOnce(context.Background(), Config{UploadsDir: dir, MaxAge: 10 * time.Minute}, store, nil)

	if _, err := os.Stat(active); err != nil {
		t.Fatal("expected temp file backed by a live, incomplete session to survive the sweep despite a stale mtime")
	}
}
