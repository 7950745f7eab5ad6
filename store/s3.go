package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	apperror "github.com/datakeep/datakeep-services-uploads/errors"
	"github.com/datakeep/datakeep-services-uploads/logging"
	"github.com/datakeep/datakeep-services-uploads/retries"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

type S3ObjectStorageImpl struct {
	client     *s3.Client
	bucketName string

	logger logging.Logger
}

func NewS3ObjectStorageImpl(client *s3.Client, bucketName string, l logging.Logger) *S3ObjectStorageImpl {
	return &S3ObjectStorageImpl{
		client:     client,
		bucketName: bucketName,
		logger:     l,
	}
}

func (s *S3ObjectStorageImpl) IsReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	return retries.Retry(
		ctx,
		retries.HealthAttempts,
		retries.HealthBaseDelay,
		func() error {
			_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
				Bucket: aws.String(s.bucketName),
			})
			return err
		},
		retries.IsRetriableStorageError,
	)
}

func (s *S3ObjectStorageImpl) Name() string {
	return fmt.Sprintf("ObjectStorage[s3:%s]", s.bucketName)
}

func (s *S3ObjectStorageImpl) Put(ctx context.Context, key string, payload []byte) error {
	err := retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
				Bucket:        aws.String(s.bucketName),
				Key:           aws.String(key),
				Body:          bytes.NewReader(payload),
				ContentLength: aws.Int64(int64(len(payload))),
			})
			return err
		},
		retries.IsRetriableStorageError,
	)
	if err != nil {
		s.logger.Error("failed to put object", "key", key, "error", err)
		return apperror.Wrap(apperror.CodeStorage, "object store put failed", err)
	}
	return nil
}

func (s *S3ObjectStorageImpl) Get(ctx context.Context, key string) ([]byte, error) {
	body, err := s.GetStream(ctx, key)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, apperror.Wrap(apperror.CodeStorage, "object store read failed", err)
	}
	return payload, nil
}

func (s *S3ObjectStorageImpl) GetStream(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, apperror.ErrObjectNotFound
		}
		s.logger.Error("failed to get object", "key", key, "error", err)
		return nil, apperror.Wrap(apperror.CodeStorage, "object store get failed", err)
	}
	return out.Body, nil
}

func (s *S3ObjectStorageImpl) PutStream(ctx context.Context, key string, body io.Reader, size int64) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucketName),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		s.logger.Error("failed to put object stream", "key", key, "error", err)
		return apperror.Wrap(apperror.CodeStorage, "object store streaming put failed", err)
	}
	return nil
}

func (s *S3ObjectStorageImpl) Delete(ctx context.Context, key string) error {
	err := retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(s.bucketName),
				Key:    aws.String(key),
			})
			return err
		},
		retries.IsRetriableStorageError,
	)
	if err != nil {
		s.logger.Error("failed to delete object", "key", key, "error", err)
		return apperror.Wrap(apperror.CodeStorage, "object store delete failed", err)
	}
	return nil
}

func (s *S3ObjectStorageImpl) ListPrefix(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var objects []ObjectInfo

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucketName),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			s.logger.Error("failed to list objects", "prefix", prefix, "error", err)
			return nil, apperror.Wrap(apperror.CodeStorage, "object store list failed", err)
		}
		for _, obj := range page.Contents {
			objects = append(objects, ObjectInfo{
				Key:  aws.ToString(obj.Key),
				Size: aws.ToInt64(obj.Size),
			})
		}
	}

	return objects, nil
}

func (s *S3ObjectStorageImpl) DeletePrefix(ctx context.Context, prefix string) error {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucketName),
		Prefix: aws.String(prefix),
	})

	totalDeleted := 0
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			s.logger.Error("failed to list objects for deletion", "prefix", prefix, "error", err)
			return apperror.Wrap(apperror.CodeStorage, "object store list failed", err)
		}

		if len(page.Contents) == 0 {
			continue
		}

		var identifiers []types.ObjectIdentifier
		for _, obj := range page.Contents {
			identifiers = append(identifiers, types.ObjectIdentifier{Key: obj.Key})
		}

		_, err = s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucketName),
			Delete: &types.Delete{
				Objects: identifiers,
				Quiet:   aws.Bool(true),
			},
		})
		if err != nil {
			s.logger.Error("failed to delete objects", "prefix", prefix, "batch_size", len(identifiers), "error", err)
			return apperror.Wrap(apperror.CodeStorage, "object store batch delete failed", err)
		}
		totalDeleted += len(identifiers)
	}

	s.logger.Debug("deleted prefix", "prefix", prefix, "total_deleted", totalDeleted)
	return nil
}

func (s *S3ObjectStorageImpl) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NotFound" {
		return false, nil
	}

	s.logger.Error("failed to check object existence", "key", key, "error", err)
	return false, apperror.Wrap(apperror.CodeStorage, "object store head failed", err)
}

func (s *S3ObjectStorageImpl) DownloadURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	presigner := s3.NewPresignClient(s.client)

	presigned, err := presigner.PresignGetObject(
		ctx,
		&s3.GetObjectInput{
			Bucket: aws.String(s.bucketName),
			Key:    aws.String(key),
		},
		s3.WithPresignExpires(ttl),
	)
	if err != nil {
		return "", apperror.Wrap(apperror.CodeStorage, "presign failed", err)
	}

	return presigned.URL, nil
}
