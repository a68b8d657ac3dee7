package chunkfile

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"chunkedupload/internal/ingesterr"
)

func TestSanitizeUploadID_StripsDisallowedCharacters(t *testing.T) {
	got := SanitizeUploadID("../../etc/passwd\x00")
	if strings.Contains(got, "/") || strings.Contains(got, ".") {
		t.Fatalf("expected sanitized id to strip path characters, got %q", got)
	}
}

func TestSanitizeUploadID_EmptyAfterSanitizationIsInvalid(t *testing.T) {
	got := SanitizeUploadID("../../../")
	if got != "" {
		t.Fatalf("expected empty result, got %q", got)
	}
}

func TestSanitizeExt_TruncatesAndFilters(t *testing.T) {
	got := SanitizeExt(".sup3r-long-ext!!!")
	if len(got) > 10 {
		t.Fatalf("expected extension truncated to 10 chars, got %q (%d)", got, len(got))
	}
	if strings.Contains(got, "-") || strings.Contains(got, "!") {
		t.Fatalf("expected disallowed characters stripped, got %q", got)
	}
}

func TestWriter_StoreChunk_IsIdempotentAndPositional(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, ValidationRules{}, true)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	chunkSize := int64(4)
	chunk0 := []byte("AAAA")
	chunk1 := []byte("BB")

	if err := w.StoreChunk("upload1", 0, chunk0, chunkSize, "bin"); err != nil {
		t.Fatalf("store chunk 0: %v", err)
	}
	if err := w.StoreChunk("upload1", 1, chunk1, chunkSize, "bin"); err != nil {
		t.Fatalf("store chunk 1: %v", err)
	}
	// Repeat chunk 0 - idempotent, should not disturb chunk 1's bytes.
	if err := w.StoreChunk("upload1", 0, chunk0, chunkSize, "bin"); err != nil {
		t.Fatalf("re-store chunk 0: %v", err)
	}

	path := filepath.Join(dir, "upload1.bin")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read temp file: %v", err)
	}

	want := append(append([]byte{}, chunk0...), chunk1...)
	if !bytes.Equal(data, want) {
		t.Fatalf("expected %q, got %q", want, data)
	}
}

// TestWriter_StoreChunk_OutOfOrderSubmissionAssemblesCorrectly is a
// small-scale variant of S1 (4-byte chunks, a different order):
// chunks written out of order (2, 0, 1) must still land at their
// declared offsets and assemble into the same bytes as an in-order
// submission would.
func TestWriter_StoreChunk_OutOfOrderSubmissionAssemblesCorrectly(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, ValidationRules{}, true)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	chunkSize := int64(4)
	chunks := [][]byte{[]byte("AAAA"), []byte("BBBB"), []byte("CC")}
	order := []int64{2, 0, 1}

	for _, idx := range order {
		if err := w.StoreChunk("upload6", idx, chunks[idx], chunkSize, "bin"); err != nil {
			t.Fatalf("store chunk %d: %v", idx, err)
		}
	}

	total := int64(0)
	for _, c := range chunks {
		total += int64(len(c))
	}

	finalName, err := w.AssembleFile("upload6", FileInfo{Name: "f.bin", Size: total}, "bin")
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, finalName))
	if err != nil {
		t.Fatalf("read final file: %v", err)
	}

	want := append(append(append([]byte{}, chunks[0]...), chunks[1]...), chunks[2]...)
	if !bytes.Equal(data, want) {
		t.Fatalf("expected %q, got %q", want, data)
	}
}

func TestWriter_AssembleFile_RejectsLengthMismatch(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, ValidationRules{}, true)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	if err := w.StoreChunk("upload2", 0, []byte("short"), 100, "bin"); err != nil {
		t.Fatalf("store chunk: %v", err)
	}

	_, err = w.AssembleFile("upload2", FileInfo{Name: "f.bin", Type: "application/octet-stream", Size: 1000}, "bin")
	if err == nil {
		t.Fatal("expected assembly to fail on length mismatch")
	}

	if _, statErr := os.Stat(filepath.Join(dir, "upload2.bin")); !os.IsNotExist(statErr) {
		t.Fatal("expected temp file to be removed after failed assembly")
	}
}

func TestWriter_AssembleFile_HappyPathWritesSidecar(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, ValidationRules{}, true)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	payload := []byte("hello world")
	if err := w.StoreChunk("upload3", 0, payload, int64(len(payload)), "txt"); err != nil {
		t.Fatalf("store chunk: %v", err)
	}

	finalName, err := w.AssembleFile("upload3", FileInfo{Name: "greeting.txt", Type: "text/plain", Size: int64(len(payload))}, "txt")
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if len(finalName) < finalNameLength {
		t.Fatalf("expected final name to start with %d random chars, got %q", finalNameLength, finalName)
	}

	finalPath := filepath.Join(dir, finalName)
	data, err := os.ReadFile(finalPath)
	if err != nil {
		t.Fatalf("read final file: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Fatalf("expected final file content %q, got %q", payload, data)
	}

	sidecarRaw, err := os.ReadFile(finalPath + ".json")
	if err != nil {
		t.Fatalf("read sidecar: %v", err)
	}
	var sidecar Sidecar
	if err := json.Unmarshal(sidecarRaw, &sidecar); err != nil {
		t.Fatalf("unmarshal sidecar: %v", err)
	}
	if sidecar.Hash != finalName {
		t.Fatalf("expected sidecar hash to equal final filename, got %q", sidecar.Hash)
	}
}

func TestWriter_AssembleFile_EnforcesValidationRules(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, ValidationRules{AllowedExt: []string{"png"}}, true)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	payload := []byte("not a png")
	if err := w.StoreChunk("upload4", 0, payload, int64(len(payload)), "txt"); err != nil {
		t.Fatalf("store chunk: %v", err)
	}

	_, err = w.AssembleFile("upload4", FileInfo{Name: "f.txt", Type: "text/plain", Size: int64(len(payload))}, "txt")
	if err != ingesterr.ErrValidationRuleFailed {
		t.Fatalf("expected ErrValidationRuleFailed, got %v", err)
	}
}

func TestWriter_RefusesNonLocalBackend(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, ValidationRules{}, false)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	if err := w.StoreChunk("upload5", 0, []byte("x"), 1, "bin"); err != ingesterr.ErrUnsupportedBackend {
		t.Fatalf("expected ErrUnsupportedBackend from StoreChunk, got %v", err)
	}

	if _, err := w.AssembleFile("upload5", FileInfo{Name: "f.bin", Size: 1}, "bin"); err != ingesterr.ErrUnsupportedBackend {
		t.Fatalf("expected ErrUnsupportedBackend from AssembleFile, got %v", err)
	}
}
