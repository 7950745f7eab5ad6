package test

import (
	"context"
	"os"
	"testing"
	"time"

	apperror "github.com/datakeep/datakeep-services-uploads/errors"
	"github.com/datakeep/datakeep-services-uploads/models"
	"github.com/datakeep/datakeep-services-uploads/store"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const awsEndpoint = "http://localhost:4566"

// These tests run against localstack. Enable with UPLOADS_INTEGRATION=1.
func setupSessionStore(t *testing.T) *store.SessionStoreImpl {
	t.Helper()

	if os.Getenv("UPLOADS_INTEGRATION") == "" {
		t.Skip("set UPLOADS_INTEGRATION=1 to run against localstack")
	}

	ctx := context.Background()

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion("us-east-1"))
	require.NoError(t, err)

	db := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		o.BaseEndpoint = aws.String(awsEndpoint)
	})

	tableName := "upload-sessions-" + uuid.NewString()
	_, err = db.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(tableName),
		AttributeDefinitions: []types.AttributeDefinition{
			{
				AttributeName: aws.String("upload_id"),
				AttributeType: types.ScalarAttributeTypeS,
			},
		},
		KeySchema: []types.KeySchemaElement{
			{
				AttributeName: aws.String("upload_id"),
				KeyType:       types.KeyTypeHash,
			},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_, _ = db.DeleteTable(ctx, &dynamodb.DeleteTableInput{TableName: aws.String(tableName)})
	})

	return store.NewSessionStoreImpl(db, tableName)
}

func testSession(status models.UploadStatus, expiresAt time.Time) models.UploadSession {
	now := time.Now().UTC()
	return models.UploadSession{
		UploadId:       uuid.NewString(),
		FileName:       "data.bin",
		FileSize:       11,
		FileType:       "application/octet-stream",
		ChunkSize:      4,
		TotalChunks:    3,
		Status:         status,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpirationTime: expiresAt,
	}
}

func TestSessionStoreInsertIsConditional(t *testing.T) {
	s := setupSessionStore(t)
	ctx := context.Background()

	session := testSession(models.StatusInit, time.Now().Add(time.Hour))
	require.NoError(t, s.Insert(ctx, session))

	err := s.Insert(ctx, session)
	require.ErrorIs(t, err, apperror.ErrSessionExists)
}

func TestSessionStoreLoadRoundTrip(t *testing.T) {
	s := setupSessionStore(t)
	ctx := context.Background()

	session := testSession(models.StatusInit, time.Now().Add(time.Hour))
	require.NoError(t, s.Insert(ctx, session))

	loaded, err := s.Load(ctx, session.UploadId)
	require.NoError(t, err)
	require.Equal(t, session.UploadId, loaded.UploadId)
	require.Equal(t, session.TotalChunks, loaded.TotalChunks)
	require.Equal(t, models.StatusInit, loaded.Status)

	_, err = s.Load(ctx, "missing")
	require.ErrorIs(t, err, apperror.ErrSessionNotFound)
}

func TestSessionStoreGuardsTransitions(t *testing.T) {
	s := setupSessionStore(t)
	ctx := context.Background()

	session := testSession(models.StatusInit, time.Now().Add(time.Hour))
	require.NoError(t, s.Insert(ctx, session))

	// INIT -> ASSEMBLING is not an edge
	err := s.UpdateStatus(ctx, session.UploadId, models.StatusAssembling, "")
	require.ErrorIs(t, err, apperror.ErrIllegalTransition)

	require.NoError(t, s.UpdateStatus(ctx, session.UploadId, models.StatusUploading, ""))
	require.NoError(t, s.UpdateStatus(ctx, session.UploadId, models.StatusAssembling, ""))
	require.NoError(t, s.UpdateStatus(ctx, session.UploadId, models.StatusCompleted, "final/x/x_data.bin"))

	loaded, err := s.Load(ctx, session.UploadId)
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, loaded.Status)
	require.Equal(t, "final/x/x_data.bin", loaded.FinalPath)

	// terminal states never move
	err = s.UpdateStatus(ctx, session.UploadId, models.StatusFailed, "")
	require.ErrorIs(t, err, apperror.ErrIllegalTransition)

	err = s.UpdateStatus(ctx, "missing", models.StatusUploading, "")
	require.ErrorIs(t, err, apperror.ErrSessionNotFound)
}

func TestSessionStoreListExpired(t *testing.T) {
	s := setupSessionStore(t)
	ctx := context.Background()

	stale := testSession(models.StatusUploading, time.Now().Add(-time.Hour))
	fresh := testSession(models.StatusUploading, time.Now().Add(time.Hour))
	done := testSession(models.StatusCompleted, time.Now().Add(-time.Hour))

	for _, session := range []models.UploadSession{stale, fresh, done} {
		require.NoError(t, s.Insert(ctx, session))
	}

	expired, err := s.ListExpired(ctx, time.Now().UTC())
	require.NoError(t, err)

	ids := make(map[string]bool, len(expired))
	for _, session := range expired {
		ids[session.UploadId] = true
	}
	require.True(t, ids[stale.UploadId])
	require.False(t, ids[fresh.UploadId], "unexpired sessions must not be swept")
	require.False(t, ids[done.UploadId], "terminal sessions must not be swept")
}
