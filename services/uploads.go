package services

import (
	"context"
	"errors"
	"time"

	"github.com/datakeep/datakeep-services-uploads/config"
	apperror "github.com/datakeep/datakeep-services-uploads/errors"
	"github.com/datakeep/datakeep-services-uploads/logging"
	"github.com/datakeep/datakeep-services-uploads/metrics"
	"github.com/datakeep/datakeep-services-uploads/models"
	"github.com/datakeep/datakeep-services-uploads/queues"
	"github.com/datakeep/datakeep-services-uploads/store"
	"github.com/google/uuid"
)

type InitRequest struct {
	FileName string
	FileSize uint64
	FileType string
	OwnerId  string
	Checksum string
	Metadata map[string]string
}

type InitResult struct {
	UploadId       string
	ChunkSize      uint64
	TotalChunks    uint32
	ExpirationTime time.Time
}

type CompleteResult struct {
	UploadId string
	FilePath string
	Pipeline models.PipelineRef
}

// UploadService owns session creation, the state machine, completion
// orchestration and the expiry sweep.
type UploadService interface {
	Initialize(ctx context.Context, req InitRequest) (*InitResult, error)
	Status(ctx context.Context, uploadID string) (*models.StatusReport, error)
	// Complete drives assembly, verification, the COMPLETED transition, the
	// pipeline handoff and chunk cleanup for a fully uploaded session.
	Complete(ctx context.Context, uploadID string) (*CompleteResult, error)
	// SweepExpired fails every expired non-terminal session after deleting
	// its chunks. Per-session errors are logged, the sweep continues.
	SweepExpired(ctx context.Context, now time.Time) error
	DownloadURL(ctx context.Context, uploadID string, ttl time.Duration) (string, error)
}

type UploadServiceImpl struct {
	sessions  SessionService
	chunks    ChunkService
	validator Validator
	storage   store.ObjectStorage
	publisher queues.Publisher
	cfg       *config.UploadConfig
	metrics   *metrics.Metrics

	logger logging.Logger
}

func NewUploadServiceImpl(
	sessions SessionService,
	chunks ChunkService,
	validator Validator,
	storage store.ObjectStorage,
	publisher queues.Publisher,
	cfg *config.UploadConfig,
	m *metrics.Metrics,
	l logging.Logger,
) *UploadServiceImpl {
	return &UploadServiceImpl{
		sessions:  sessions,
		chunks:    chunks,
		validator: validator,
		storage:   storage,
		publisher: publisher,
		cfg:       cfg,
		metrics:   m,
		logger:    l,
	}
}

func (svc *UploadServiceImpl) Initialize(ctx context.Context, req InitRequest) (*InitResult, error) {
	if err := svc.validator.ValidateRequest(req.FileName, req.FileType, req.FileSize, req.Checksum); err != nil {
		return nil, err
	}

	totalChunks := (req.FileSize + svc.cfg.ChunkSize - 1) / svc.cfg.ChunkSize
	now := time.Now().UTC()

	session := models.UploadSession{
		UploadId:       uuid.NewString(),
		OwnerId:        req.OwnerId,
		FileName:       req.FileName,
		FileSize:       req.FileSize,
		FileType:       req.FileType,
		ExpectedDigest: req.Checksum,
		ChunkSize:      svc.cfg.ChunkSize,
		TotalChunks:    uint32(totalChunks),
		Status:         models.StatusInit,
		Metadata:       req.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpirationTime: now.Add(svc.cfg.Expiry),
	}

	if err := svc.sessions.Create(ctx, session); err != nil {
		return nil, err
	}
	svc.metrics.SessionsCreated.Inc()

	svc.logger.Info("upload session created",
		"upload_id", session.UploadId,
		"file_name", session.FileName,
		"file_size", session.FileSize,
		"total_chunks", session.TotalChunks,
	)

	return &InitResult{
		UploadId:       session.UploadId,
		ChunkSize:      session.ChunkSize,
		TotalChunks:    session.TotalChunks,
		ExpirationTime: session.ExpirationTime,
	}, nil
}

func (svc *UploadServiceImpl) Status(ctx context.Context, uploadID string) (*models.StatusReport, error) {
	session, err := svc.sessions.Load(ctx, uploadID)
	if err != nil {
		return nil, err
	}

	missing, err := svc.chunks.Missing(ctx, session)
	if err != nil {
		return nil, err
	}

	return &models.StatusReport{
		UploadId:       session.UploadId,
		FileName:       session.FileName,
		FileSize:       session.FileSize,
		TotalChunks:    session.TotalChunks,
		UploadedChunks: session.TotalChunks - uint32(len(missing)),
		MissingChunks:  missing,
		Status:         session.Status,
		CreatedAt:      session.CreatedAt,
		ExpirationTime: session.ExpirationTime,
	}, nil
}

func (svc *UploadServiceImpl) Complete(ctx context.Context, uploadID string) (*CompleteResult, error) {
	session, err := svc.sessions.Load(ctx, uploadID)
	if err != nil {
		return nil, err
	}

	if session.Status.IsTerminal() {
		return nil, apperror.ErrSessionTerminal
	}
	if session.IsExpired(time.Now().UTC()) {
		return nil, apperror.ErrSessionExpired
	}
	if session.Status != models.StatusUploading && session.Status != models.StatusAssembling {
		return nil, apperror.ErrIllegalTransition
	}

	// Check the gap set before flipping state so a premature completion
	// leaves the session in UPLOADING.
	missing, err := svc.chunks.Missing(ctx, session)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		return nil, apperror.MissingChunks(missing)
	}

	if err := svc.sessions.Transition(ctx, uploadID, models.StatusAssembling, ""); err != nil {
		return nil, err
	}

	finalPath, err := svc.chunks.Assemble(ctx, session)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// The partial object is gone; the session stays in ASSEMBLING
			// so the caller can retry.
			return nil, err
		}
		svc.fail(ctx, uploadID, "assembly failed", err)
		return nil, err
	}

	if err := svc.verifyAssembled(ctx, session, finalPath); err != nil {
		if delErr := svc.storage.Delete(context.WithoutCancel(ctx), finalPath); delErr != nil {
			svc.logger.Error("failed to delete rejected final object", "upload_id", uploadID, "final_path", finalPath, "error", delErr)
		}
		svc.fail(ctx, uploadID, "verification failed", err)
		return nil, err
	}

	if err := svc.sessions.Transition(ctx, uploadID, models.StatusCompleted, finalPath); err != nil {
		return nil, err
	}
	svc.metrics.SessionsCompleted.Inc()

	pipeline := svc.dispatchPipeline(ctx, session, finalPath)
	svc.publishCompleted(ctx, session, finalPath)

	go func() {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		defer cancel()
		svc.chunks.Cleanup(cleanupCtx, uploadID)
	}()

	svc.logger.Info("upload completed", "upload_id", uploadID, "final_path", finalPath)

	return &CompleteResult{
		UploadId: uploadID,
		FilePath: finalPath,
		Pipeline: pipeline,
	}, nil
}

func (svc *UploadServiceImpl) verifyAssembled(ctx context.Context, session *models.UploadSession, finalPath string) error {
	if err := svc.validator.VerifyDigest(ctx, finalPath, session.ExpectedDigest); err != nil {
		return err
	}
	return svc.validator.VerifyStructure(ctx, finalPath, session.FileName)
}

// fail moves the session to FAILED and schedules chunk cleanup. Failures of
// the transition itself are logged; the original error still reaches the
// caller.
func (svc *UploadServiceImpl) fail(ctx context.Context, uploadID, reason string, cause error) {
	svc.logger.Error("failing upload session", "upload_id", uploadID, "reason", reason, "error", cause)

	if err := svc.sessions.Transition(ctx, uploadID, models.StatusFailed, ""); err != nil {
		svc.logger.Error("failed transition to FAILED", "upload_id", uploadID, "error", err)
		return
	}
	svc.metrics.SessionsFailed.Inc()

	go func() {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		defer cancel()
		svc.chunks.Cleanup(cleanupCtx, uploadID)
	}()
}

// dispatchPipeline constructs the job reference synchronously and hands the
// actual submission to a goroutine; the completion response never waits on
// the queue, and submission failures are logged and swallowed.
func (svc *UploadServiceImpl) dispatchPipeline(ctx context.Context, session *models.UploadSession, finalPath string) models.PipelineRef {
	purpose := queues.NormalizePurpose(session.Metadata["purpose"])

	job := models.PipelineJob{
		JobId:     uuid.NewString(),
		UploadId:  session.UploadId,
		FilePath:  finalPath,
		Purpose:   purpose,
		Metadata:  session.Metadata,
		CreatedAt: time.Now().UTC(),
	}

	go func() {
		submitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := svc.publisher.SubmitJob(submitCtx, job); err != nil {
			svc.logger.Error("pipeline submission failed", "upload_id", session.UploadId, "job_id", job.JobId, "error", err)
		}
	}()

	return models.PipelineRef{
		Status:        "queued",
		EstimatedTime: queues.EstimateFor(purpose),
		JobId:         job.JobId,
	}
}

func (svc *UploadServiceImpl) publishCompleted(ctx context.Context, session *models.UploadSession, finalPath string) {
	evt := models.UploadCompletedEvent{
		UploadId:    session.UploadId,
		FilePath:    finalPath,
		FileName:    session.FileName,
		FileSize:    session.FileSize,
		Checksum:    session.ExpectedDigest,
		CompletedAt: time.Now().UTC(),
	}

	go func() {
		publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := svc.publisher.PublishCompleted(publishCtx, evt); err != nil {
			svc.logger.Error("completion event publish failed", "upload_id", session.UploadId, "error", err)
		}
	}()
}

func (svc *UploadServiceImpl) SweepExpired(ctx context.Context, now time.Time) error {
	expired, err := svc.sessions.ListExpired(ctx, now)
	if err != nil {
		return err
	}

	for _, session := range expired {
		svc.chunks.Cleanup(ctx, session.UploadId)

		if err := svc.sessions.Transition(ctx, session.UploadId, models.StatusFailed, ""); err != nil {
			svc.logger.Error("sweep transition failed", "upload_id", session.UploadId, "error", err)
			continue
		}
		svc.metrics.SessionsSwept.Inc()
		svc.logger.Info("expired session failed by sweep", "upload_id", session.UploadId, "expired_at", session.ExpirationTime)
	}

	return nil
}

func (svc *UploadServiceImpl) DownloadURL(ctx context.Context, uploadID string, ttl time.Duration) (string, error) {
	session, err := svc.sessions.Load(ctx, uploadID)
	if err != nil {
		return "", err
	}
	if session.Status != models.StatusCompleted {
		return "", apperror.New(apperror.CodeConflict, "upload is not completed")
	}
	return svc.storage.DownloadURL(ctx, session.FinalPath, ttl)
}
