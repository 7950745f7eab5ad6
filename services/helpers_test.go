package services_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/datakeep/datakeep-services-uploads/caching"
	"github.com/datakeep/datakeep-services-uploads/config"
	apperror "github.com/datakeep/datakeep-services-uploads/errors"
	"github.com/datakeep/datakeep-services-uploads/logging"
	"github.com/datakeep/datakeep-services-uploads/metrics"
	"github.com/datakeep/datakeep-services-uploads/models"
	"github.com/datakeep/datakeep-services-uploads/queues"
	"github.com/datakeep/datakeep-services-uploads/services"
	"github.com/datakeep/datakeep-services-uploads/store"
	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// fakeSessionStore mirrors the DynamoDB store's semantics in memory:
// conditional insert, state-machine-guarded updates, expiry filtering.
type fakeSessionStore struct {
	mu   sync.Mutex
	rows map[string]models.UploadSession
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{rows: make(map[string]models.UploadSession)}
}

func (f *fakeSessionStore) Insert(ctx context.Context, session models.UploadSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.rows[session.UploadId]; ok {
		return apperror.ErrSessionExists
	}
	f.rows[session.UploadId] = session
	return nil
}

func (f *fakeSessionStore) Load(ctx context.Context, uploadID string) (*models.UploadSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	session, ok := f.rows[uploadID]
	if !ok {
		return nil, apperror.ErrSessionNotFound
	}
	return &session, nil
}

func (f *fakeSessionStore) UpdateStatus(ctx context.Context, uploadID string, to models.UploadStatus, finalPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	session, ok := f.rows[uploadID]
	if !ok {
		return apperror.ErrSessionNotFound
	}
	if !session.Status.CanTransitionTo(to) {
		return apperror.ErrIllegalTransition
	}
	session.Status = to
	session.UpdatedAt = time.Now().UTC()
	if to == models.StatusCompleted {
		session.FinalPath = finalPath
	}
	f.rows[uploadID] = session
	return nil
}

func (f *fakeSessionStore) ListExpired(ctx context.Context, now time.Time) ([]models.UploadSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var expired []models.UploadSession
	for _, session := range f.rows {
		if !session.Status.IsTerminal() && session.ExpirationTime.Before(now) {
			expired = append(expired, session)
		}
	}
	return expired, nil
}

func (f *fakeSessionStore) IsReady(ctx context.Context) error { return nil }
func (f *fakeSessionStore) Name() string                      { return "SessionStore[fake]" }

// forceExpire rewinds a session's expiry so sweep tests don't sleep.
func (f *fakeSessionStore) forceExpire(uploadID string, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()

	session := f.rows[uploadID]
	session.ExpirationTime = at
	f.rows[uploadID] = session
}

type testStack struct {
	Sessions     services.SessionService
	Chunks       services.ChunkService
	Uploads      services.UploadService
	Validator    services.Validator
	SessionStore *fakeSessionStore
	ChunkIndex   store.ChunkIndex
	Storage      store.ObjectStorage
	Cfg          *config.UploadConfig
}

func newTestStack(t *testing.T, chunkSize uint64) *testStack {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cfg := &config.UploadConfig{
		ChunkSize:         chunkSize,
		MaxFileSize:       1 << 30,
		Expiry:            time.Hour,
		AllowedTypes:      []string{"application/json", "application/jsonl", "text/plain", "application/octet-stream"},
		AllowedExtensions: []string{"json", "jsonl", "txt", "bin"},
		TempPrefix:        "temp-chunks",
		FinalPrefix:       "final",
		DigestAlgorithm:   "sha256",
		StorageBackend:    config.StorageBackendFS,
	}

	logger := logging.NewNopLogger()
	storage, err := store.NewFSObjectStorageImpl(t.TempDir(), logger)
	require.NoError(t, err)

	sessionStore := newFakeSessionStore()
	chunkIndex := store.NewRedisChunkIndexImpl(client)
	m := metrics.MustNew(prometheus.NewRegistry())

	sessions := services.NewSessionServiceImpl(sessionStore, caching.NewNullCachingService(), logger)
	chunks := services.NewChunkServiceImpl(sessions, chunkIndex, storage, cfg, m, logger)
	validator := services.NewValidatorImpl(cfg, storage, logger)
	uploads := services.NewUploadServiceImpl(sessions, chunks, validator, storage, queues.NullPublisher{}, cfg, m, logger)

	return &testStack{
		Sessions:     sessions,
		Chunks:       chunks,
		Uploads:      uploads,
		Validator:    validator,
		SessionStore: sessionStore,
		ChunkIndex:   chunkIndex,
		Storage:      storage,
		Cfg:          cfg,
	}
}

// initSession creates a session through the service and returns its id.
func (ts *testStack) initSession(t *testing.T, fileName, fileType string, size uint64, checksum string) string {
	t.Helper()

	out, err := ts.Uploads.Initialize(context.Background(), services.InitRequest{
		FileName: fileName,
		FileSize: size,
		FileType: fileType,
		Checksum: checksum,
	})
	require.NoError(t, err)
	return out.UploadId
}

func initReq(fileName, fileType string, size uint64, checksum string) services.InitRequest {
	return services.InitRequest{
		FileName: fileName,
		FileSize: size,
		FileType: fileType,
		Checksum: checksum,
	}
}

// splitChunks slices payload into chunkSize pieces, last one short.
func splitChunks(payload []byte, chunkSize uint64) [][]byte {
	var chunks [][]byte
	for off := uint64(0); off < uint64(len(payload)); off += chunkSize {
		end := off + chunkSize
		if end > uint64(len(payload)) {
			end = uint64(len(payload))
		}
		chunks = append(chunks, payload[off:end])
	}
	return chunks
}
