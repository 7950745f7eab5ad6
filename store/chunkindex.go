package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	apperror "github.com/datakeep/datakeep-services-uploads/errors"
	"github.com/datakeep/datakeep-services-uploads/health"
	"github.com/datakeep/datakeep-services-uploads/models"
	"github.com/redis/go-redis/v9"
)

// ChunkIndex records which chunks of which session have been accepted.
// Remember is the sole idempotency primitive for chunk ingestion: the
// conditional write is atomic against concurrent callers for the same
// (upload_id, index). The index is a cache of what the object store holds
// under the temp-chunks prefix and can be rebuilt from it.
type ChunkIndex interface {
	// Remember conditionally stores record. When a record already exists
	// for the key, the existing one is returned with alreadyPresent=true
	// and nothing is written.
	Remember(ctx context.Context, uploadID string, record models.ChunkRecord, expiresAt time.Time) (models.ChunkRecord, bool, error)
	Lookup(ctx context.Context, uploadID string, index uint32) (*models.ChunkRecord, error)
	// Indices returns the accepted chunk indices in ascending order.
	Indices(ctx context.Context, uploadID string) ([]uint32, error)
	// Forget drops a single reservation. Used to roll back a reservation
	// whose payload write failed.
	Forget(ctx context.Context, uploadID string, index uint32) error
	ForgetAll(ctx context.Context, uploadID string) error

	health.ReadinessCheck
}

type RedisChunkIndexImpl struct {
	client *redis.Client
}

func NewRedisChunkIndexImpl(client *redis.Client) *RedisChunkIndexImpl {
	return &RedisChunkIndexImpl{client: client}
}

func chunkSetKey(uploadID string) string {
	return "chunks:" + uploadID
}

func (c *RedisChunkIndexImpl) IsReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()
	return c.client.Ping(ctx).Err()
}

func (c *RedisChunkIndexImpl) Name() string {
	return "ChunkIndex[redis]"
}

func (c *RedisChunkIndexImpl) Remember(ctx context.Context, uploadID string, record models.ChunkRecord, expiresAt time.Time) (models.ChunkRecord, bool, error) {
	payload, err := json.Marshal(record)
	if err != nil {
		return models.ChunkRecord{}, false, err
	}

	key := chunkSetKey(uploadID)
	field := strconv.FormatUint(uint64(record.Index), 10)

	// HSETNX is the conditional write; the expiry rides in the same
	// transaction so the hash never outlives its session.
	pipe := c.client.TxPipeline()
	reserved := pipe.HSetNX(ctx, key, field, payload)
	pipe.ExpireAt(ctx, key, expiresAt)
	if _, err := pipe.Exec(ctx); err != nil {
		return models.ChunkRecord{}, false, wrapIndexErr("chunk index write failed", err)
	}

	if reserved.Val() {
		return record, false, nil
	}

	existing, err := c.Lookup(ctx, uploadID, record.Index)
	if err != nil {
		return models.ChunkRecord{}, false, err
	}
	if existing == nil {
		// The winning reservation was rolled back between our HSETNX and
		// HGET; treat ours as lost too and let the client retry.
		return models.ChunkRecord{}, false, apperror.Wrap(apperror.CodeStorage, "chunk reservation vanished", nil)
	}
	return *existing, true, nil
}

func (c *RedisChunkIndexImpl) Lookup(ctx context.Context, uploadID string, index uint32) (*models.ChunkRecord, error) {
	field := strconv.FormatUint(uint64(index), 10)

	payload, err := c.client.HGet(ctx, chunkSetKey(uploadID), field).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, wrapIndexErr("chunk index read failed", err)
	}

	var record models.ChunkRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return nil, fmt.Errorf("corrupt chunk record for %s[%d]: %w", uploadID, index, err)
	}
	return &record, nil
}

func (c *RedisChunkIndexImpl) Indices(ctx context.Context, uploadID string) ([]uint32, error) {
	fields, err := c.client.HKeys(ctx, chunkSetKey(uploadID)).Result()
	if err != nil {
		return nil, wrapIndexErr("chunk index read failed", err)
	}

	indices := make([]uint32, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.ParseUint(f, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("corrupt chunk index field %q: %w", f, err)
		}
		indices = append(indices, uint32(n))
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	return indices, nil
}

func (c *RedisChunkIndexImpl) Forget(ctx context.Context, uploadID string, index uint32) error {
	field := strconv.FormatUint(uint64(index), 10)
	if err := c.client.HDel(ctx, chunkSetKey(uploadID), field).Err(); err != nil {
		return wrapIndexErr("chunk index delete failed", err)
	}
	return nil
}

func (c *RedisChunkIndexImpl) ForgetAll(ctx context.Context, uploadID string) error {
	if err := c.client.Del(ctx, chunkSetKey(uploadID)).Err(); err != nil {
		return wrapIndexErr("chunk index delete failed", err)
	}
	return nil
}

// wrapIndexErr classifies index failures: pool exhaustion is backpressure
// the client should back off from, everything else is a storage fault.
func wrapIndexErr(message string, err error) error {
	if errors.Is(err, redis.ErrPoolTimeout) {
		return apperror.ErrBackpressure
	}
	return apperror.Wrap(apperror.CodeStorage, message, err)
}
