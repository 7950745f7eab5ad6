package main

import (
	"context"
	"fmt"

	"github.com/datakeep/datakeep-services-uploads/caching"
	"github.com/datakeep/datakeep-services-uploads/config"
	"github.com/datakeep/datakeep-services-uploads/handlers"
	"github.com/datakeep/datakeep-services-uploads/metrics"
	"github.com/datakeep/datakeep-services-uploads/queues"
	"github.com/datakeep/datakeep-services-uploads/services"
	"github.com/datakeep/datakeep-services-uploads/store"
)

type Stores struct {
	sessions store.SessionStore
	chunks   store.ChunkIndex
	objects  store.ObjectStorage
}

type Services struct {
	Sessions services.SessionService
	Chunks   services.ChunkService
	Uploads  services.UploadService
	Sweeper  *services.Sweeper

	Stores *Stores

	Handler *handlers.HttpHandler
}

type Shutdowner interface {
	Shutdown(context.Context) error
}

func BuildServices(app *App) (*Services, error) {
	cfg := app.Config

	sessionStore := store.NewSessionStoreImpl(app.DynamoDB, cfg.AWSConfig.SessionsTableName)
	chunkIndex := store.NewRedisChunkIndexImpl(app.Redis)

	var objectStorage store.ObjectStorage
	switch cfg.UploadConfig.StorageBackend {
	case config.StorageBackendFS:
		fsStorage, err := store.NewFSObjectStorageImpl(cfg.UploadConfig.FSRoot, app.Logger)
		if err != nil {
			return nil, err
		}
		objectStorage = fsStorage
	default:
		objectStorage = store.NewS3ObjectStorageImpl(app.S3, cfg.AWSConfig.UploadsBucketName, app.Logger)
	}

	var cachingSvc caching.CachingService = caching.NewRedisCachingService(app.Redis)
	if app.Redis == nil {
		cachingSvc = caching.NewNullCachingService()
	}

	var publisher queues.Publisher = queues.NullPublisher{}
	if app.Sqs != nil && cfg.AWSConfig.AccountID != "" {
		pipelineUrl := queueUrl(cfg, cfg.ServiceConfig.PipelineQueueName)
		notifyUrl := queueUrl(cfg, cfg.ServiceConfig.NotificationsQueueName)
		publisher = queues.NewSqsPublisherImpl(app.Sqs, pipelineUrl, notifyUrl, app.Logger)
	}

	m := metrics.Default()

	sessionSvc := services.NewSessionServiceImpl(sessionStore, cachingSvc, app.Logger)
	chunkSvc := services.NewChunkServiceImpl(sessionSvc, chunkIndex, objectStorage, cfg.UploadConfig, m, app.Logger)
	validator := services.NewValidatorImpl(cfg.UploadConfig, objectStorage, app.Logger)
	uploadSvc := services.NewUploadServiceImpl(sessionSvc, chunkSvc, validator, objectStorage, publisher, cfg.UploadConfig, m, app.Logger)

	sweeper := services.NewSweeper(context.Background(), uploadSvc, cfg.ServiceConfig.SweepInterval, app.Logger)
	sweeper.Start()

	handler := handlers.NewHttpHandler(uploadSvc, chunkSvc, app.IsReady, app.Logger)

	return &Services{
		Sessions: sessionSvc,
		Chunks:   chunkSvc,
		Uploads:  uploadSvc,
		Sweeper:  sweeper,

		Stores: &Stores{
			sessions: sessionStore,
			chunks:   chunkIndex,
			objects:  objectStorage,
		},

		Handler: handler,
	}, nil
}

func queueUrl(cfg config.Config, name string) string {
	return fmt.Sprintf("https://sqs.%s.amazonaws.com/%s/%s", cfg.AWSConfig.Region, cfg.AWSConfig.AccountID, name)
}

func (s *Services) Shutdown(ctx context.Context) error {
	if s.Sweeper != nil {
		if err := s.Sweeper.Shutdown(ctx); err != nil {
			return err
		}
	}
	return nil
}
