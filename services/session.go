package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/datakeep/datakeep-services-uploads/caching"
	"github.com/datakeep/datakeep-services-uploads/logging"
	"github.com/datakeep/datakeep-services-uploads/models"
	"github.com/datakeep/datakeep-services-uploads/store"
)

// SessionService fronts the session store with a best-effort cache. The
// store is the source of truth; cache writes are never load-bearing and the
// cache entry is invalidated on every status transition.
type SessionService interface {
	Create(ctx context.Context, session models.UploadSession) error
	Load(ctx context.Context, uploadID string) (*models.UploadSession, error)
	Transition(ctx context.Context, uploadID string, to models.UploadStatus, finalPath string) error
	ListExpired(ctx context.Context, now time.Time) ([]models.UploadSession, error)
	Invalidate(ctx context.Context, uploadID string)
}

type SessionServiceImpl struct {
	sessionStore store.SessionStore
	cachingSvc   caching.CachingService

	logger logging.Logger
}

func NewSessionServiceImpl(sessionStore store.SessionStore, cachingSvc caching.CachingService, l logging.Logger) *SessionServiceImpl {
	return &SessionServiceImpl{
		sessionStore: sessionStore,
		cachingSvc:   cachingSvc,
		logger:       l,
	}
}

func sessionCacheKey(uploadID string) string {
	return "session:" + uploadID
}

func (svc *SessionServiceImpl) Create(ctx context.Context, session models.UploadSession) error {
	if err := svc.sessionStore.Insert(ctx, session); err != nil {
		return err
	}
	svc.cacheSet(ctx, &session)
	return nil
}

func (svc *SessionServiceImpl) Load(ctx context.Context, uploadID string) (*models.UploadSession, error) {
	if payload, err := svc.cachingSvc.Get(ctx, sessionCacheKey(uploadID)); err == nil {
		var session models.UploadSession
		if err := json.Unmarshal(payload, &session); err == nil {
			return &session, nil
		}
		// corrupt entry, fall through to the store
		svc.cachingSvc.Delete(ctx, sessionCacheKey(uploadID))
	}

	session, err := svc.sessionStore.Load(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	svc.cacheSet(ctx, session)
	return session, nil
}

func (svc *SessionServiceImpl) Transition(ctx context.Context, uploadID string, to models.UploadStatus, finalPath string) error {
	err := svc.sessionStore.UpdateStatus(ctx, uploadID, to, finalPath)
	// Drop the cache entry even on failure; a stale row is worse than a miss.
	svc.Invalidate(ctx, uploadID)
	return err
}

func (svc *SessionServiceImpl) ListExpired(ctx context.Context, now time.Time) ([]models.UploadSession, error) {
	return svc.sessionStore.ListExpired(ctx, now)
}

func (svc *SessionServiceImpl) Invalidate(ctx context.Context, uploadID string) {
	if err := svc.cachingSvc.Delete(ctx, sessionCacheKey(uploadID)); err != nil {
		svc.logger.Warn("session cache invalidation failed", "upload_id", uploadID, "error", err)
	}
}

func (svc *SessionServiceImpl) cacheSet(ctx context.Context, session *models.UploadSession) {
	ttl := time.Until(session.ExpirationTime)
	if ttl <= 0 {
		return
	}
	payload, err := json.Marshal(session)
	if err != nil {
		return
	}
	if err := svc.cachingSvc.Set(ctx, sessionCacheKey(session.UploadId), payload, ttl); err != nil {
		svc.logger.Warn("session cache write failed", "upload_id", session.UploadId, "error", err)
	}
}
