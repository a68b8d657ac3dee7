// Package sizing implements the chunked upload sizing policy: a pure
// function from a declared file size to a chunk-size decision.
package sizing

import (
	"errors"
	"math"
)

// ErrConfiguration is returned when chunking is requested against a
// storage backend that cannot support it (anything other than local
// disk).
var ErrConfiguration = errors.New("sizing: chunking requested on non-local storage")

const (
	minChunkKB  = 4096 // 4 MiB floor
	sigmoidMean = 20.7944
)

// Decision is the outcome of the sizing policy for one file.
type Decision struct {
	ShouldChunk bool
	ChunkSize   int64
	TotalChunks int64
}

// Policy evaluates the sigmoid chunk-size heuristic against the
// configured ceiling and minimum chunk count.
type Policy struct {
	Enabled    bool
	MaxChunkKB int
	MinChunks  int
	LocalOnly  bool // true when the active storage backend is local disk
}

// Decide computes the chunking decision for a file of the given size.
// It returns ErrConfiguration if chunking is enabled but the backend is
// not local — the spec treats that combination as a caller error rather
// than a silent fallback.
func (p Policy) Decide(fileSizeBytes int64) (Decision, error) {
	if fileSizeBytes <= 0 {
		return Decision{ShouldChunk: false}, nil
	}

	if !p.Enabled {
		return Decision{ShouldChunk: false}, nil
	}

	if !p.LocalOnly {
		return Decision{}, ErrConfiguration
	}

	chunkSize := chunkSizeFor(fileSizeBytes, p.MaxChunkKB)
	total := ceilDiv(fileSizeBytes, chunkSize)

	should := total >= int64(p.MinChunks)

	return Decision{
		ShouldChunk: should,
		ChunkSize:   chunkSize,
		TotalChunks: total,
	}, nil
}

// chunkSizeFor evaluates the sigmoid formula in bytes: the chunk size
// scales smoothly from the 4 MiB floor towards maxChunkKB as file size
// grows past a midpoint of roughly 1 GiB.
func chunkSizeFor(fileSizeBytes int64, maxChunkKB int) int64 {
	x := math.Log(float64(fileSizeBytes)) - sigmoidMean
	sigmoid := 1.0 / (1.0 + math.Exp(-x))
	chunkKB := float64(minChunkKB) + (float64(maxChunkKB)-float64(minChunkKB))*sigmoid
	return int64(math.Floor(chunkKB * 1024))
}

func ceilDiv(a, b int64) int64 {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
