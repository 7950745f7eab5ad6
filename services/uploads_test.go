package services_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	apperror "github.com/datakeep/datakeep-services-uploads/errors"
	"github.com/datakeep/datakeep-services-uploads/models"
	"github.com/stretchr/testify/require"
)

func sha256Hex(payload []byte) string {
	sum := sha256.Sum256(payload)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func TestInitializeComputesChunkGeometry(t *testing.T) {
	ts := newTestStack(t, 4)

	out, err := ts.Uploads.Initialize(context.Background(), initReq("data.bin", "application/octet-stream", 11, ""))
	require.NoError(t, err)

	require.NotEmpty(t, out.UploadId)
	require.Equal(t, uint64(4), out.ChunkSize)
	require.Equal(t, uint32(3), out.TotalChunks)
	require.True(t, out.ExpirationTime.After(time.Now()))
}

func TestInitializeRejectsOversizedFile(t *testing.T) {
	ts := newTestStack(t, 4)

	_, err := ts.Uploads.Initialize(context.Background(), initReq("data.bin", "application/octet-stream", ts.Cfg.MaxFileSize+1, ""))
	require.Error(t, err)
	require.Equal(t, apperror.CodeValidation, apperror.AsError(err).Code)

	_, err = ts.Uploads.Initialize(context.Background(), initReq("data.bin", "application/octet-stream", 0, ""))
	require.Error(t, err)
	require.Equal(t, apperror.CodeValidation, apperror.AsError(err).Code)
}

func TestStatusOfFreshSession(t *testing.T) {
	ts := newTestStack(t, 4)
	ctx := context.Background()

	uploadID := ts.initSession(t, "data.bin", "application/octet-stream", 11, "")

	report, err := ts.Uploads.Status(ctx, uploadID)
	require.NoError(t, err)
	require.Equal(t, uint32(0), report.UploadedChunks)
	require.Equal(t, []uint32{0, 1, 2}, report.MissingChunks)
	require.Equal(t, models.StatusInit, report.Status)
}

func TestStatusTracksProgress(t *testing.T) {
	ts := newTestStack(t, 4)
	ctx := context.Background()

	payload := []byte("HELLOWORLD!")
	uploadID := ts.initSession(t, "data.bin", "application/octet-stream", uint64(len(payload)), "")
	chunks := splitChunks(payload, 4)

	uploaded := uint32(0)
	for _, i := range []uint32{2, 0, 1} {
		_, err := ts.Chunks.StoreChunk(ctx, uploadID, i, chunks[i])
		require.NoError(t, err)
		uploaded++

		report, err := ts.Uploads.Status(ctx, uploadID)
		require.NoError(t, err)
		require.Equal(t, uploaded, report.UploadedChunks)
	}
}

func TestCompleteHappyPath(t *testing.T) {
	ts := newTestStack(t, 4)
	ctx := context.Background()

	payload := []byte("HELLOWORLD!")
	uploadID := ts.initSession(t, "data.bin", "application/octet-stream", uint64(len(payload)), sha256Hex(payload))

	for i, chunk := range splitChunks(payload, 4) {
		_, err := ts.Chunks.StoreChunk(ctx, uploadID, uint32(i), chunk)
		require.NoError(t, err)
	}

	out, err := ts.Uploads.Complete(ctx, uploadID)
	require.NoError(t, err)
	require.Equal(t, uploadID, out.UploadId)
	require.NotEmpty(t, out.FilePath)
	require.Equal(t, "queued", out.Pipeline.Status)
	require.NotEmpty(t, out.Pipeline.JobId)

	session, err := ts.Sessions.Load(ctx, uploadID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, session.Status)
	require.Equal(t, out.FilePath, session.FinalPath)

	assembled, err := ts.Storage.Get(ctx, out.FilePath)
	require.NoError(t, err)
	require.Equal(t, payload, assembled)

	// async cleanup removes the temporary chunks
	require.Eventually(t, func() bool {
		indices, err := ts.ChunkIndex.Indices(ctx, uploadID)
		return err == nil && len(indices) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCompleteWithGapKeepsUploading(t *testing.T) {
	ts := newTestStack(t, 4)
	ctx := context.Background()

	payload := []byte("HELLOWORLD!")
	uploadID := ts.initSession(t, "data.bin", "application/octet-stream", uint64(len(payload)), "")
	chunks := splitChunks(payload, 4)

	for _, i := range []uint32{0, 2} {
		_, err := ts.Chunks.StoreChunk(ctx, uploadID, i, chunks[i])
		require.NoError(t, err)
	}

	_, err := ts.Uploads.Complete(ctx, uploadID)
	require.Error(t, err)

	appErr := apperror.AsError(err)
	require.Equal(t, apperror.CodeMissingChunks, appErr.Code)
	require.Equal(t, []uint32{1}, appErr.Details["missingChunks"])

	session, err := ts.Sessions.Load(ctx, uploadID)
	require.NoError(t, err)
	require.Equal(t, models.StatusUploading, session.Status)
}

func TestCompleteDigestMismatchFailsSession(t *testing.T) {
	ts := newTestStack(t, 4)
	ctx := context.Background()

	payload := []byte("HELLOWORLD!")
	wrong := sha256Hex([]byte("SOMETHINGELSE"))
	uploadID := ts.initSession(t, "data.bin", "application/octet-stream", uint64(len(payload)), wrong)

	for i, chunk := range splitChunks(payload, 4) {
		_, err := ts.Chunks.StoreChunk(ctx, uploadID, uint32(i), chunk)
		require.NoError(t, err)
	}

	_, err := ts.Uploads.Complete(ctx, uploadID)
	require.Error(t, err)
	require.Equal(t, apperror.CodeDigestMismatch, apperror.AsError(err).Code)

	session, err := ts.Sessions.Load(ctx, uploadID)
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, session.Status)
}

func TestCompleteStructuralFailureForBadJSON(t *testing.T) {
	ts := newTestStack(t, 4)
	ctx := context.Background()

	payload := []byte(`{"a": 1,`) // truncated
	uploadID := ts.initSession(t, "data.json", "application/json", uint64(len(payload)), "")

	for i, chunk := range splitChunks(payload, 4) {
		_, err := ts.Chunks.StoreChunk(ctx, uploadID, uint32(i), chunk)
		require.NoError(t, err)
	}

	_, err := ts.Uploads.Complete(ctx, uploadID)
	require.Error(t, err)
	require.Equal(t, apperror.CodeStructural, apperror.AsError(err).Code)

	session, err := ts.Sessions.Load(ctx, uploadID)
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, session.Status)
}

func TestCompleteRefusedBeforeFirstChunk(t *testing.T) {
	ts := newTestStack(t, 4)
	ctx := context.Background()

	uploadID := ts.initSession(t, "data.bin", "application/octet-stream", 11, "")

	_, err := ts.Uploads.Complete(ctx, uploadID)
	require.ErrorIs(t, err, apperror.ErrIllegalTransition)
}

func TestCompleteRefusedWhenTerminal(t *testing.T) {
	ts := newTestStack(t, 4)
	ctx := context.Background()

	payload := []byte("HELLOWORLD!")
	uploadID := ts.initSession(t, "data.bin", "application/octet-stream", uint64(len(payload)), "")

	for i, chunk := range splitChunks(payload, 4) {
		_, err := ts.Chunks.StoreChunk(ctx, uploadID, uint32(i), chunk)
		require.NoError(t, err)
	}

	_, err := ts.Uploads.Complete(ctx, uploadID)
	require.NoError(t, err)

	_, err = ts.Uploads.Complete(ctx, uploadID)
	require.ErrorIs(t, err, apperror.ErrSessionTerminal)
}

func TestRoundTripWithDuplicatesAndPermutation(t *testing.T) {
	ts := newTestStack(t, 3)
	ctx := context.Background()

	payload := []byte("The quick brown fox jumps over the lazy dog")
	uploadID := ts.initSession(t, "fox.txt", "text/plain", uint64(len(payload)), sha256Hex(payload))
	chunks := splitChunks(payload, 3)

	order := []int{4, 0, 2, 2, 1, 3, 0, 5, 6, 4, 7, 8, 9, 10, 11, 12, 13, 14}
	for _, i := range order {
		_, err := ts.Chunks.StoreChunk(ctx, uploadID, uint32(i), chunks[i])
		require.NoError(t, err)
	}

	out, err := ts.Uploads.Complete(ctx, uploadID)
	require.NoError(t, err)

	assembled, err := ts.Storage.Get(ctx, out.FilePath)
	require.NoError(t, err)
	require.Equal(t, payload, assembled)
}

func TestSweepExpiredFailsSessionAndRemovesChunks(t *testing.T) {
	ts := newTestStack(t, 4)
	ctx := context.Background()

	uploadID := ts.initSession(t, "data.bin", "application/octet-stream", 11, "")
	_, err := ts.Chunks.StoreChunk(ctx, uploadID, 0, []byte("HELL"))
	require.NoError(t, err)

	ts.SessionStore.forceExpire(uploadID, time.Now().Add(-time.Minute))

	require.NoError(t, ts.Uploads.SweepExpired(ctx, time.Now().UTC()))

	session, err := ts.Sessions.Load(ctx, uploadID)
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, session.Status)

	indices, err := ts.ChunkIndex.Indices(ctx, uploadID)
	require.NoError(t, err)
	require.Empty(t, indices)

	// further chunk uploads are refused
	_, err = ts.Chunks.StoreChunk(ctx, uploadID, 1, []byte("OWOR"))
	require.ErrorIs(t, err, apperror.ErrSessionTerminal)
}

func TestStoreChunkOnExpiredSession(t *testing.T) {
	ts := newTestStack(t, 4)
	ctx := context.Background()

	uploadID := ts.initSession(t, "data.bin", "application/octet-stream", 11, "")
	ts.SessionStore.forceExpire(uploadID, time.Now().Add(-time.Minute))

	_, err := ts.Chunks.StoreChunk(ctx, uploadID, 0, []byte("HELL"))
	require.ErrorIs(t, err, apperror.ErrSessionExpired)
}

func TestDownloadURLOnlyForCompleted(t *testing.T) {
	ts := newTestStack(t, 4)
	ctx := context.Background()

	payload := []byte("HELLOWORLD!")
	uploadID := ts.initSession(t, "data.bin", "application/octet-stream", uint64(len(payload)), "")

	_, err := ts.Uploads.DownloadURL(ctx, uploadID, time.Minute)
	require.Error(t, err)
	require.Equal(t, apperror.CodeConflict, apperror.AsError(err).Code)

	for i, chunk := range splitChunks(payload, 4) {
		_, err := ts.Chunks.StoreChunk(ctx, uploadID, uint32(i), chunk)
		require.NoError(t, err)
	}
	_, err = ts.Uploads.Complete(ctx, uploadID)
	require.NoError(t, err)

	url, err := ts.Uploads.DownloadURL(ctx, uploadID, time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, url)
}
