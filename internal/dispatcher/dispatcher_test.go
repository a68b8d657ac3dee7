package dispatcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"
)

func TestChunkPlan_PendingIndices_ResendsLastReceived(t *testing.T) {
	plan := ChunkPlan{TotalChunks: 5, ReceivedChunks: []int64{0, 1, 2}}
	pending := plan.PendingIndices()

	if len(pending) == 0 || pending[0] != 2 {
		t.Fatalf("expected the last received index (2) resent first, got %v", pending)
	}

	seen := map[int64]bool{}
	for _, idx := range pending {
		seen[idx] = true
	}
	for _, want := range []int64{2, 3, 4} {
		if !seen[want] {
			t.Fatalf("expected index %d in pending set, got %v", want, pending)
		}
	}
}

func TestChunkPlan_PendingIndices_FreshUploadHasNoResend(t *testing.T) {
	plan := ChunkPlan{TotalChunks: 3, ReceivedChunks: nil}
	pending := plan.PendingIndices()
	if len(pending) != 3 {
		t.Fatalf("expected 3 pending indices for a fresh upload, got %v", pending)
	}
}

func TestDispatcher_UploadFile_HappyPath(t *testing.T) {
	var mu sync.Mutex
	received := map[int64]bool{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseMultipartForm(10 << 20)
		idx, _ := strconv.ParseInt(r.FormValue("chunk_index"), 10, 64)

		mu.Lock()
		received[idx] = true
		total := len(received)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if total == 2 {
			json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"complete": true, "path": "final.bin"}})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"progress": 50}})
	}))
	defer server.Close()

	d := New(Config{BaseURL: server.URL, MaxRetries: 2, Concurrency: 2})
	data := []byte("AAAABBBB") // two 4-byte chunks
	plan := ChunkPlan{UploadID: "u1", ChunkSize: 4, TotalChunks: 2}

	result, err := d.UploadFile(context.Background(), plan, data, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result == nil || result.Path != "final.bin" {
		t.Fatalf("expected completion with path final.bin, got %+v", result)
	}
}

func TestDispatcher_UploadFile_RetriesHashMismatch(t *testing.T) {
	var attempts int
	var mu sync.Mutex

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseMultipartForm(10 << 20)

		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()

		if n == 1 {
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(map[string]any{"error": "mismatch", "chunkIndex": 0})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"complete": true, "path": "final.bin"}})
	}))
	defer server.Close()

	d := New(Config{BaseURL: server.URL, MaxRetries: 3, BaseDelay: time.Millisecond, Concurrency: 1})
	data := []byte("AAAA")
	plan := ChunkPlan{UploadID: "u2", ChunkSize: 4, TotalChunks: 1}

	result, err := d.UploadFile(context.Background(), plan, data, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result == nil {
		t.Fatal("expected eventual success after retry")
	}
}

func TestDispatcher_UploadFile_ExhaustsRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]any{"error": "mismatch"})
	}))
	defer server.Close()

	d := New(Config{BaseURL: server.URL, MaxRetries: 2, BaseDelay: time.Millisecond, Concurrency: 1})
	data := []byte("AAAA")
	plan := ChunkPlan{UploadID: "u3", ChunkSize: 4, TotalChunks: 1}

	_, err := d.UploadFile(context.Background(), plan, data, nil)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
}

func TestDispatcher_UploadBatch_ReportsAllCompletedUploadIDsAndMultiFileFlag(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseMultipartForm(10 << 20)
		w.Header().Set("Content-Type", "application/json")
		uploadID := r.URL.Path[len("/uploads/") : len(r.URL.Path)-len("/chunks")]
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"complete": true, "path": uploadID + "-final.bin"}})
	}))
	defer server.Close()

	d := New(Config{BaseURL: server.URL, MaxRetries: 2, Concurrency: 2})
	batch := []BatchFile{
		{Plan: ChunkPlan{UploadID: "fileA", ChunkSize: 4, TotalChunks: 1}, Data: []byte("AAAA")},
		{Plan: ChunkPlan{UploadID: "fileB", ChunkSize: 4, TotalChunks: 1}, Data: []byte("BBBB")},
	}

	result, err := d.UploadBatch(context.Background(), batch, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.MultiFile {
		t.Fatal("expected MultiFile=true for a two-file batch")
	}
	if len(result.CompletedUploadIDs) != 2 || result.CompletedUploadIDs[0] != "fileA" || result.CompletedUploadIDs[1] != "fileB" {
		t.Fatalf("expected completed upload ids [fileA fileB] in submission order, got %v", result.CompletedUploadIDs)
	}
}

func TestDispatcher_UploadBatch_SingleFileIsNotMultiFile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseMultipartForm(10 << 20)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"complete": true, "path": "final.bin"}})
	}))
	defer server.Close()

	d := New(Config{BaseURL: server.URL, MaxRetries: 2, Concurrency: 2})
	batch := []BatchFile{
		{Plan: ChunkPlan{UploadID: "solo", ChunkSize: 4, TotalChunks: 1}, Data: []byte("AAAA")},
	}

	result, err := d.UploadBatch(context.Background(), batch, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.MultiFile {
		t.Fatal("expected MultiFile=false for a single-file batch")
	}
	if len(result.CompletedUploadIDs) != 1 || result.CompletedUploadIDs[0] != "solo" {
		t.Fatalf("expected completed upload ids [solo], got %v", result.CompletedUploadIDs)
	}
}

func TestDispatcher_UploadBatch_AbortsOnFirstFileFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]any{"error": "mismatch"})
	}))
	defer server.Close()

	d := New(Config{BaseURL: server.URL, MaxRetries: 1, BaseDelay: time.Millisecond, Concurrency: 1})
	batch := []BatchFile{
		{Plan: ChunkPlan{UploadID: "bad", ChunkSize: 4, TotalChunks: 1}, Data: []byte("AAAA")},
	}

	if _, err := d.UploadBatch(context.Background(), batch, nil); err == nil {
		t.Fatal("expected batch upload to fail when a file's chunk upload fails")
	}
}
