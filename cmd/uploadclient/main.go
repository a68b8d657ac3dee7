// Command uploadclient drives the chunked upload protocol against a
// running server: it initiates a session per local file, then
// dispatches chunks with retry and backoff, printing progress as it
// goes. Given more than one -file flag it drives them as a single
// batch and prints one multi-file completion notification at the end,
// mirroring the framework-notification step of the browser dispatcher.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"chunkedupload/internal/dispatcher"
)

// fileList collects repeated -file flag values.
type fileList []string

func (f *fileList) String() string     { return strings.Join(*f, ",") }
func (f *fileList) Set(v string) error { *f = append(*f, v); return nil }

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "base URL of the running server")
	var paths fileList
	flag.Var(&paths, "file", "path to a file to upload (repeat for a multi-file batch)")
	maxRetries := flag.Int("retries", 3, "max retries per chunk")
	concurrency := flag.Int("concurrency", 4, "max concurrent chunk uploads")
	flag.Parse()

	if len(paths) == 0 {
		fmt.Fprintln(os.Stderr, "usage: uploadclient -file <path> [-file <path> ...] [-url http://host:port]")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	d := dispatcher.New(dispatcher.Config{
		BaseURL:     *baseURL,
		MaxRetries:  *maxRetries,
		Concurrency: *concurrency,
	})

	var batch []dispatcher.BatchFile
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			log.Fatalf("read file %s: %v", path, err)
		}

		name := path
		if idx := strings.LastIndexByte(name, '/'); idx >= 0 {
			name = name[idx+1:]
		}

		plan, err := initiate(ctx, *baseURL, name, int64(len(data)))
		if err != nil {
			log.Fatalf("initiate upload for %s: %v", path, err)
		}
		if !plan.shouldChunk {
			fmt.Printf("%s: server declined chunking; use the whole-file upload path instead\n", path)
			continue
		}

		batch = append(batch, dispatcher.BatchFile{
			Plan: dispatcher.ChunkPlan{
				UploadID:    plan.uploadID,
				ChunkSize:   plan.chunkSize,
				TotalChunks: plan.totalChunks,
			},
			Data: data,
		})
	}

	if len(batch) == 0 {
		fmt.Println("nothing to chunk-upload")
		return
	}

	result, err := d.UploadBatch(ctx, batch, func(p dispatcher.BatchProgress) {
		fmt.Printf("file %d chunk %d uploaded (%d/%d)\n", p.FileIndex, p.Progress.ChunkIndex, p.Progress.Uploaded, p.Progress.Total)
	})
	if err != nil {
		log.Fatalf("batch upload failed: %v", err)
	}

	fmt.Printf("upload complete: multi_file=%v upload_ids=%v\n", result.MultiFile, result.CompletedUploadIDs)
}

type initiatePlan struct {
	shouldChunk bool
	uploadID    string
	chunkSize   int64
	totalChunks int64
}

func initiate(ctx context.Context, baseURL, name string, size int64) (*initiatePlan, error) {
	body, err := json.Marshal(map[string]any{"name": name, "type": "application/octet-stream", "size": size})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/uploads/", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("initiate: server returned %d", resp.StatusCode)
	}

	var parsed struct {
		Data struct {
			UploadID    string `json:"upload_id"`
			ShouldChunk bool   `json:"should_chunk"`
			ChunkSize   int64  `json:"chunk_size"`
			TotalChunks int64  `json:"total_chunks"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}

	return &initiatePlan{
		shouldChunk: parsed.Data.ShouldChunk,
		uploadID:    parsed.Data.UploadID,
		chunkSize:   parsed.Data.ChunkSize,
		totalChunks: parsed.Data.TotalChunks,
	}, nil
}
