// Package dispatcher implements the client side of the chunked upload
// protocol: slicing a file, hashing each chunk, uploading with bounded
// concurrency, and retrying transient failures with backoff. It is the
// same wire contract a browser client speaks against the ingest
// endpoint, exercised here as a Go client so the protocol can be
// driven from tests and the command-line uploader.
package dispatcher

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// ErrCancelled is returned when Cancel was called before the upload
// finished.
var ErrCancelled = fmt.Errorf("dispatcher: upload cancelled")

// ErrRetriesExhausted is returned when a chunk fails to upload after
// the configured number of attempts.
type ErrRetriesExhausted struct {
	ChunkIndex int64
	LastErr    error
}

func (e *ErrRetriesExhausted) Error() string {
	return fmt.Sprintf("dispatcher: chunk %d exhausted retries: %v", e.ChunkIndex, e.LastErr)
}

func (e *ErrRetriesExhausted) Unwrap() error { return e.LastErr }

// Config parameterizes a Dispatcher's behavior; it mirrors the
// core's server-side retry_attempts configuration key.
type Config struct {
	BaseURL       string
	MaxRetries    int
	BaseDelay     time.Duration
	Concurrency   int
	HTTPTransport http.RoundTripper
}

// Dispatcher slices a file into chunks and drives the ingest protocol
// against a server, honoring a resumption set and a cancellation flag.
type Dispatcher struct {
	cfg    Config
	client *retryablehttp.Client
	mu     sync.Mutex
	cancel bool
}

// New builds a Dispatcher. The underlying HTTP client's own retry
// policy is deliberately disabled (RetryMax: 0) because the ingest
// protocol's retry semantics are chunk-specific (409 vs network error)
// and are implemented explicitly in UploadFile.
func New(cfg Config) *Dispatcher {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 200 * time.Millisecond
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 0
	client.Logger = nil
	if cfg.HTTPTransport != nil {
		client.HTTPClient.Transport = cfg.HTTPTransport
	}

	return &Dispatcher{cfg: cfg, client: client}
}

// Cancel interrupts all in-flight and future chunk uploads for this
// dispatcher instance.
func (d *Dispatcher) Cancel() {
	d.mu.Lock()
	d.cancel = true
	d.mu.Unlock()
}

func (d *Dispatcher) cancelled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancel
}

// ChunkPlan describes one file's chunking parameters as returned by
// the initiation endpoint.
type ChunkPlan struct {
	UploadID       string
	ChunkSize      int64
	TotalChunks    int64
	ReceivedChunks []int64
}

// PendingIndices returns [0, total) \ received, plus a re-send of the
// last received index to guard against torn writes on resume, per the
// dispatcher's resumption contract.
func (p ChunkPlan) PendingIndices() []int64 {
	received := make(map[int64]bool, len(p.ReceivedChunks))
	var maxReceived int64 = -1
	for _, idx := range p.ReceivedChunks {
		received[idx] = true
		if idx > maxReceived {
			maxReceived = idx
		}
	}

	var pending []int64
	if maxReceived >= 0 {
		pending = append(pending, maxReceived)
	}
	for i := int64(0); i < p.TotalChunks; i++ {
		if i == maxReceived {
			continue
		}
		if !received[i] {
			pending = append(pending, i)
		}
	}
	return pending
}

// Progress reports incremental upload status to a caller-supplied
// callback.
type Progress struct {
	ChunkIndex int64
	Uploaded   int64
	Total      int64
}

// Result is what UploadFile returns on success.
type Result struct {
	UploadID string
	Path     string
}

// UploadFile drives the full C5 protocol for one file: it slices data
// into chunks per plan, uploads pending indices with bounded
// concurrency, retries hash-conflict (409) and network errors with
// exponential backoff, and returns once every pending chunk has been
// answered. The Result carries the path from the response that reported
// completion; it is nil if no response reported completion.
func (d *Dispatcher) UploadFile(ctx context.Context, plan ChunkPlan, data []byte, onProgress func(Progress)) (*Result, error) {
	pending := plan.PendingIndices()

	sem := make(chan struct{}, d.cfg.Concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	var result *Result
	var uploaded int64

	for _, idx := range pending {
		if d.cancelled() {
			break
		}

		idx := idx
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			if d.cancelled() {
				return
			}

			start := idx * plan.ChunkSize
			end := start + plan.ChunkSize
			if end > int64(len(data)) {
				end = int64(len(data))
			}
			slice := data[start:end]

			res, err := d.uploadChunkWithRetry(ctx, plan.UploadID, idx, slice)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
					d.mu.Lock()
					d.cancel = true
					d.mu.Unlock()
				}
				return
			}

			uploaded++
			if onProgress != nil {
				onProgress(Progress{ChunkIndex: idx, Uploaded: uploaded, Total: int64(len(pending))})
			}
			if res.Data.Complete {
				result = &Result{UploadID: plan.UploadID, Path: res.Data.Path}
			}
		}()
	}

	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	if d.cancelled() {
		return nil, ErrCancelled
	}
	return result, nil
}

// BatchFile is one file's already-obtained chunk plan and raw bytes, as
// needed by UploadBatch.
type BatchFile struct {
	Plan ChunkPlan
	Data []byte
}

// BatchResult is what UploadBatch returns once every file in the batch
// has completed: the completed upload_ids in submission order, and
// whether the batch was multi-file.
type BatchResult struct {
	CompletedUploadIDs []string
	MultiFile          bool
}

// BatchProgress reports UploadFile-level progress annotated with which
// file in the batch it came from.
type BatchProgress struct {
	FileIndex int
	Progress  Progress
}

// UploadBatch drives UploadFile once per file in files, in submission
// order, per spec §4.5 step 3: once every chunk of every file in the
// batch has returned success, the framework is notified with the list
// of completed upload_ids and whether the upload was multi-file. A
// failure on any file aborts the batch immediately; files already
// completed before the failure are not rolled back, since each is
// already durably assembled server-side.
func (d *Dispatcher) UploadBatch(ctx context.Context, files []BatchFile, onProgress func(BatchProgress)) (*BatchResult, error) {
	completed := make([]string, 0, len(files))

	for i, f := range files {
		result, err := d.UploadFile(ctx, f.Plan, f.Data, func(p Progress) {
			if onProgress != nil {
				onProgress(BatchProgress{FileIndex: i, Progress: p})
			}
		})
		if err != nil {
			return nil, fmt.Errorf("file %d (%s): %w", i, f.Plan.UploadID, err)
		}

		uploadID := f.Plan.UploadID
		if result != nil {
			uploadID = result.UploadID
		}
		completed = append(completed, uploadID)
	}

	return &BatchResult{CompletedUploadIDs: completed, MultiFile: len(files) > 1}, nil
}

type chunkResponse struct {
	Data struct {
		Complete bool   `json:"complete"`
		Path     string `json:"path"`
	} `json:"data"`
}

type chunkErrorResponse struct {
	Error      string `json:"error"`
	ChunkIndex *int64 `json:"chunkIndex"`
}

func (d *Dispatcher) uploadChunkWithRetry(ctx context.Context, uploadID string, index int64, slice []byte) (*chunkResponse, error) {
	var lastErr error

	for attempt := 0; attempt < d.cfg.MaxRetries; attempt++ {
		if d.cancelled() {
			return nil, ErrCancelled
		}

		resp, retry, err := d.uploadChunkOnce(ctx, uploadID, index, slice)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retry {
			return nil, err
		}

		delay := backoff(attempt, d.cfg.BaseDelay)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, &ErrRetriesExhausted{ChunkIndex: index, LastErr: lastErr}
}

// uploadChunkOnce returns (response, shouldRetry, error). shouldRetry
// is true for a 409 hash-mismatch response or a network-level error;
// any other non-2xx status is terminal.
func (d *Dispatcher) uploadChunkOnce(ctx context.Context, uploadID string, index int64, slice []byte) (*chunkResponse, bool, error) {
	sum := sha256.Sum256(slice)

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	if err := mw.WriteField("chunk_index", strconv.FormatInt(index, 10)); err != nil {
		return nil, false, err
	}
	if err := mw.WriteField("chunk_hash", hex.EncodeToString(sum[:])); err != nil {
		return nil, false, err
	}
	part, err := mw.CreateFormFile("chunk_data", "chunk.bin")
	if err != nil {
		return nil, false, err
	}
	if _, err := part.Write(slice); err != nil {
		return nil, false, err
	}
	if err := mw.Close(); err != nil {
		return nil, false, err
	}

	url := fmt.Sprintf("%s/uploads/%s/chunks", d.cfg.BaseURL, uploadID)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, body.Bytes())
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, true, err // network error: retryable
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		var errResp chunkErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		return nil, true, fmt.Errorf("chunk %d hash mismatch: %s", index, errResp.Error)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("chunk %d upload failed with status %d", index, resp.StatusCode)
	}

	var parsed chunkResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, false, err
	}

	return &parsed, false, nil
}

func backoff(attempt int, base time.Duration) time.Duration {
	multiplier := int64(1)
	for i := 0; i < attempt; i++ {
		multiplier *= 2
	}
	return time.Duration(multiplier) * base
}
