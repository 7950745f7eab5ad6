package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/datakeep/datakeep-services-uploads/config"
	apperror "github.com/datakeep/datakeep-services-uploads/errors"
	"github.com/datakeep/datakeep-services-uploads/logging"
	"github.com/datakeep/datakeep-services-uploads/metrics"
	"github.com/datakeep/datakeep-services-uploads/models"
	"github.com/datakeep/datakeep-services-uploads/store"
)

// StoreChunkResult reports one chunk ingestion. Uploaded/TotalChunks come
// from a single authoritative index read taken after the write resolved.
type StoreChunkResult struct {
	Size           uint64
	AlreadyPresent bool
	Uploaded       uint32
	TotalChunks    uint32
}

// ChunkService owns chunk ingestion, reassembly and cleanup. Idempotency is
// enforced by the chunk index reservation: exactly one writer per
// (upload_id, index) stores bytes, everyone else observes AlreadyPresent.
type ChunkService interface {
	StoreChunk(ctx context.Context, uploadID string, index uint32, payload []byte) (*StoreChunkResult, error)
	// KnownIndices returns accepted indices in ascending order, rebuilding
	// the index from the object store when the cache is cold.
	KnownIndices(ctx context.Context, session *models.UploadSession) ([]uint32, error)
	// Missing returns the ascending gap set [0, total_chunks) minus the
	// accepted indices.
	Missing(ctx context.Context, session *models.UploadSession) ([]uint32, error)
	// Assemble concatenates all chunks in strict ascending index order into
	// the final object and returns its path. The session is not failed
	// here; the caller decides.
	Assemble(ctx context.Context, session *models.UploadSession) (string, error)
	// Cleanup removes all temporary chunks and index entries. Best-effort
	// and idempotent; errors are logged, never surfaced.
	Cleanup(ctx context.Context, uploadID string)
}

type ChunkServiceImpl struct {
	sessions SessionService
	index    store.ChunkIndex
	storage  store.ObjectStorage
	cfg      *config.UploadConfig
	metrics  *metrics.Metrics

	logger logging.Logger
}

func NewChunkServiceImpl(
	sessions SessionService,
	index store.ChunkIndex,
	storage store.ObjectStorage,
	cfg *config.UploadConfig,
	m *metrics.Metrics,
	l logging.Logger,
) *ChunkServiceImpl {
	return &ChunkServiceImpl{
		sessions: sessions,
		index:    index,
		storage:  storage,
		cfg:      cfg,
		metrics:  m,
		logger:   l,
	}
}

func (c *ChunkServiceImpl) StoreChunk(ctx context.Context, uploadID string, index uint32, payload []byte) (*StoreChunkResult, error) {
	session, err := c.sessions.Load(ctx, uploadID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if session.Status.IsTerminal() {
		return nil, apperror.ErrSessionTerminal
	}
	if session.IsExpired(now) {
		return nil, apperror.ErrSessionExpired
	}

	if index >= session.TotalChunks {
		return nil, apperror.New(apperror.CodeValidation, "chunk index out of range").
			WithDetails("chunkIndex", index).
			WithDetails("totalChunks", session.TotalChunks)
	}

	want := session.ChunkSizeAt(index)
	if uint64(len(payload)) != want {
		return nil, apperror.New(apperror.CodeValidation, "unexpected chunk size").
			WithDetails("chunkIndex", index).
			WithDetails("got", len(payload)).
			WithDetails("want", want)
	}

	record := models.ChunkRecord{
		Index:      index,
		Size:       uint64(len(payload)),
		StoredAt:   now,
		StorageKey: store.TempChunkKey(c.cfg.TempPrefix, uploadID, index),
	}

	stored, alreadyPresent, err := c.index.Remember(ctx, uploadID, record, session.ExpirationTime)
	if err != nil {
		return nil, err
	}

	if alreadyPresent {
		c.metrics.ChunksDuplicate.Inc()
		return c.result(ctx, session, stored.Size, true)
	}

	if err := c.storage.Put(ctx, record.StorageKey, payload); err != nil {
		// The reservation must not outlive a failed write, or retries of
		// this chunk would resolve to AlreadyPresent with no bytes behind it.
		if rbErr := c.index.Forget(ctx, uploadID, index); rbErr != nil {
			c.logger.Error("chunk reservation rollback failed", "upload_id", uploadID, "chunk_index", index, "error", rbErr)
		}
		return nil, err
	}
	c.metrics.ChunksStored.Inc()

	if session.Status == models.StatusInit {
		err := c.sessions.Transition(ctx, uploadID, models.StatusUploading, "")
		if err != nil && !errors.Is(err, apperror.ErrIllegalTransition) {
			// Another writer may have advanced the session; the chunk is
			// stored either way.
			c.logger.Warn("uploading transition failed", "upload_id", uploadID, "error", err)
		}
	}

	return c.result(ctx, session, record.Size, false)
}

func (c *ChunkServiceImpl) result(ctx context.Context, session *models.UploadSession, size uint64, alreadyPresent bool) (*StoreChunkResult, error) {
	indices, err := c.KnownIndices(ctx, session)
	if err != nil {
		return nil, err
	}
	return &StoreChunkResult{
		Size:           size,
		AlreadyPresent: alreadyPresent,
		Uploaded:       uint32(len(indices)),
		TotalChunks:    session.TotalChunks,
	}, nil
}

func (c *ChunkServiceImpl) KnownIndices(ctx context.Context, session *models.UploadSession) ([]uint32, error) {
	indices, err := c.index.Indices(ctx, session.UploadId)
	if err != nil {
		return nil, err
	}
	if len(indices) > 0 {
		return indices, nil
	}
	return c.rebuildIndex(ctx, session)
}

// rebuildIndex re-derives the chunk index from the temp-chunks listing. The
// object store is authoritative; a lost cache only costs one listing.
func (c *ChunkServiceImpl) rebuildIndex(ctx context.Context, session *models.UploadSession) ([]uint32, error) {
	objects, err := c.storage.ListPrefix(ctx, store.TempChunkPrefix(c.cfg.TempPrefix, session.UploadId))
	if err != nil {
		return nil, err
	}
	if len(objects) == 0 {
		return nil, nil
	}

	c.logger.Info("rebuilding chunk index from object store", "upload_id", session.UploadId, "objects", len(objects))

	indices := make([]uint32, 0, len(objects))
	now := time.Now().UTC()
	for _, obj := range objects {
		index, err := store.ParseChunkIndex(obj.Key)
		if err != nil {
			c.logger.Warn("skipping unrecognized object under chunk prefix", "key", obj.Key)
			continue
		}
		record := models.ChunkRecord{
			Index:      index,
			Size:       uint64(obj.Size),
			StoredAt:   now,
			StorageKey: obj.Key,
		}
		if _, _, err := c.index.Remember(ctx, session.UploadId, record, session.ExpirationTime); err != nil {
			c.logger.Warn("chunk index rebuild write failed", "upload_id", session.UploadId, "chunk_index", index, "error", err)
		}
		indices = append(indices, index)
	}
	return indices, nil
}

func (c *ChunkServiceImpl) Missing(ctx context.Context, session *models.UploadSession) ([]uint32, error) {
	indices, err := c.KnownIndices(ctx, session)
	if err != nil {
		return nil, err
	}

	have := make(map[uint32]struct{}, len(indices))
	for _, i := range indices {
		have[i] = struct{}{}
	}

	missing := make([]uint32, 0)
	for i := uint32(0); i < session.TotalChunks; i++ {
		if _, ok := have[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing, nil
}

func (c *ChunkServiceImpl) Assemble(ctx context.Context, session *models.UploadSession) (string, error) {
	missing, err := c.Missing(ctx, session)
	if err != nil {
		return "", err
	}
	if len(missing) > 0 {
		return "", apperror.MissingChunks(missing)
	}

	finalKey := store.FinalObjectKey(c.cfg.FinalPrefix, session.UploadId, session.FileName)
	started := time.Now()

	c.logger.Info("assembling final object", "upload_id", session.UploadId, "final_key", finalKey, "total_chunks", session.TotalChunks)

	pr, pw := io.Pipe()
	go func() {
		for i := uint32(0); i < session.TotalChunks; i++ {
			select {
			case <-ctx.Done():
				pw.CloseWithError(ctx.Err())
				return
			default:
			}

			key := store.TempChunkKey(c.cfg.TempPrefix, session.UploadId, i)
			if record, err := c.index.Lookup(ctx, session.UploadId, i); err == nil && record != nil && record.StorageKey != "" {
				key = record.StorageKey
			}

			body, err := c.storage.GetStream(ctx, key)
			if err != nil {
				pw.CloseWithError(fmt.Errorf("failed to read chunk %d: %w", i, err))
				return
			}
			_, err = io.Copy(pw, body)
			body.Close()
			if err != nil {
				pw.CloseWithError(fmt.Errorf("failed to stream chunk %d: %w", i, err))
				return
			}
		}
		pw.Close()
	}()

	if err := c.storage.PutStream(ctx, finalKey, pr, int64(session.FileSize)); err != nil {
		pr.CloseWithError(err)
		// A partial final object must not survive a failed assembly.
		if delErr := c.storage.Delete(context.WithoutCancel(ctx), finalKey); delErr != nil {
			c.logger.Error("failed to delete partial final object", "upload_id", session.UploadId, "final_key", finalKey, "error", delErr)
		}
		return "", err
	}

	c.metrics.AssembleDuration.Observe(time.Since(started).Seconds())
	c.logger.Info("assembled final object", "upload_id", session.UploadId, "final_key", finalKey, "size", session.FileSize)
	return finalKey, nil
}

func (c *ChunkServiceImpl) Cleanup(ctx context.Context, uploadID string) {
	prefix := store.TempChunkPrefix(c.cfg.TempPrefix, uploadID)
	if err := c.storage.DeletePrefix(ctx, prefix); err != nil {
		c.logger.Error("chunk cleanup failed", "upload_id", uploadID, "prefix", prefix, "error", err)
	}
	if err := c.index.ForgetAll(ctx, uploadID); err != nil {
		c.logger.Error("chunk index cleanup failed", "upload_id", uploadID, "error", err)
	}
}
