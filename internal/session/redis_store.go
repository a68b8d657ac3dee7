package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	recordKeyPrefix = "chunkupload:session:"
	hashKeyPrefix   = "chunkupload:filehash:"
)

// RedisStore persists session records in Redis, mirroring the key
// layout of a bitmap-based per-user upload tracker but storing the full
// JSON record rather than a bitmap, since the record also carries
// file_info and the final path.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an already-configured *redis.Client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func recordKey(uploadID string) string {
	return recordKeyPrefix + uploadID
}

func hashKey(hash string) string {
	return hashKeyPrefix + hash
}

// Put write-through persists the record and, if a file hash is
// present, refreshes the secondary hash -> upload_id index with the
// same TTL.
func (s *RedisStore) Put(ctx context.Context, record *Record, ttl time.Duration) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}

	if err := s.client.Set(ctx, recordKey(record.UploadID), payload, ttl).Err(); err != nil {
		return err
	}

	if record.FileInfo.Hash != "" {
		if err := s.client.Set(ctx, hashKey(record.FileInfo.Hash), record.UploadID, ttl).Err(); err != nil {
			return err
		}
	}

	return nil
}

// Get reads the record by upload id, returning ErrNotFound if it does
// not exist or has expired.
func (s *RedisStore) Get(ctx context.Context, uploadID string) (*Record, error) {
	raw, err := s.client.Get(ctx, recordKey(uploadID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// FindByFileHash resolves the secondary index and then loads the
// record, per the spec's "two lookups" contract.
func (s *RedisStore) FindByFileHash(ctx context.Context, hash string) (*Record, error) {
	uploadID, err := s.client.Get(ctx, hashKey(hash)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return s.Get(ctx, uploadID)
}

// Delete removes both the primary record and, if resolvable, the
// secondary hash index entry.
func (s *RedisStore) Delete(ctx context.Context, uploadID string) error {
	record, err := s.Get(ctx, uploadID)
	if err != nil && err != ErrNotFound {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, recordKey(uploadID))
	if record != nil && record.FileInfo.Hash != "" {
		pipe.Del(ctx, hashKey(record.FileInfo.Hash))
	}
	_, err = pipe.Exec(ctx)
	return err
}

// PutOptimistic attempts the WATCH/MULTI/EXEC fast path for adding a
// received chunk index: it watches the record key so the transaction
// aborts if another writer touched it between the read and the write,
// avoiding the RMW-with-verify retry loop when the store supports true
// optimistic locking. On contention the transaction aborts and the
// method returns redis.TxFailedErr without retrying; retrying (or
// falling back to AddReceivedChunk) is left to the caller.
func (s *RedisStore) PutOptimistic(ctx context.Context, uploadID string, index int64, ttl time.Duration) (*Record, error) {
	var result *Record

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, recordKey(uploadID)).Bytes()
		if err == redis.Nil {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		var record Record
		if err := json.Unmarshal(raw, &record); err != nil {
			return err
		}

		if record.HasChunk(index) {
			result = &record
			return nil
		}

		updated := record.withChunk(index)
		payload, err := json.Marshal(updated)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, recordKey(uploadID), payload, ttl)
			return nil
		})
		if err != nil {
			return err
		}

		result = updated
		return nil
	}

	err := s.client.Watch(ctx, txf, recordKey(uploadID))
	if err != nil {
		return nil, err
	}
	return result, nil
}
