package sync

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"facestream/config"
	"facestream/internal/core/models"
	"facestream/internal/db"
	"facestream/internal/db/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUploader struct {
	calls []string
	err   error
}

func (u *fakeUploader) Upload(ctx context.Context, localPath, key string) (string, error) {
	u.calls = append(u.calls, key)
	if u.err != nil {
		return "", u.err
	}
	return "s3://faces/" + key, nil
}

var syncConfig = config.SyncConfig{
	ProcessingInterval: 60,
	MaxRetries:         3,
	RetryInitialDelay:  30,
	RetryBackoffFactor: 2.0,
	RetryMaxDelay:      3600,
}

func newTestRepository(t *testing.T) *repository.SQLiteRepository {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "facestream.db"))
	require.NoError(t, err)
	return repository.NewSQLiteRepository(database)
}

func TestProcessPendingUploadsCompletesAndUpdatesFaceLog(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.SaveFace(ctx, &models.FaceEntry{RunID: "run-1", FaceID: 7, CapturedAt: time.Now()}))
	require.NoError(t, repo.EnqueueUpload(ctx, &models.PendingUpload{
		LocalPath: "data/face_7.jpg", Key: "face_7.jpg", RunID: "run-1", FaceID: 7,
		CreatedAt: time.Now(), MaxRetries: 3,
	}))

	uploader := &fakeUploader{}
	svc := NewService(repo, uploader, syncConfig)

	assert.Equal(t, 1, svc.ProcessPendingUploads(ctx))
	assert.Equal(t, []string{"face_7.jpg"}, uploader.calls)

	faces, err := repo.GetFacesByRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, faces, 1)
	assert.Equal(t, "s3://faces/face_7.jpg", faces[0].Locator)

	pending, err := repo.GetPendingUploads(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestProcessPendingUploadsBacksOffAndFails(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.EnqueueUpload(ctx, &models.PendingUpload{
		LocalPath: "data/face_1.jpg", Key: "face_1.jpg", FaceID: 1, CreatedAt: time.Now(), MaxRetries: 2,
	}))

	uploader := &fakeUploader{err: errors.New("connection refused")}
	svc := NewService(repo, uploader, syncConfig)
	clock := time.Now()
	svc.now = func() time.Time { return clock }

	assert.Zero(t, svc.ProcessPendingUploads(ctx))
	require.Len(t, uploader.calls, 1)

	// Within the 30s initial delay nothing is retried.
	clock = clock.Add(10 * time.Second)
	svc.ProcessPendingUploads(ctx)
	require.Len(t, uploader.calls, 1)

	clock = clock.Add(30 * time.Second)
	svc.ProcessPendingUploads(ctx)
	require.Len(t, uploader.calls, 2)

	pending, err := repo.GetPendingUploads(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	stats, err := repo.GetStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.FailedUploads)
}

func TestShouldRetryNowCapsDelay(t *testing.T) {
	svc := NewService(nil, nil, syncConfig)
	now := time.Now()
	svc.now = func() time.Time { return now }

	assert.True(t, svc.shouldRetryNow(&models.PendingUpload{}))
	assert.False(t, svc.shouldRetryNow(&models.PendingUpload{Retries: 2, LastAttempt: now.Add(-59 * time.Second)}))
	assert.True(t, svc.shouldRetryNow(&models.PendingUpload{Retries: 2, LastAttempt: now.Add(-60 * time.Second)}))
	// 30 * 2^19 seconds is capped at one hour.
	assert.True(t, svc.shouldRetryNow(&models.PendingUpload{Retries: 20, LastAttempt: now.Add(-time.Hour)}))
}

func TestQueuedUploadWaitsInitialDelay(t *testing.T) {
	svc := NewService(nil, nil, syncConfig)
	now := time.Now()
	svc.now = func() time.Time { return now }

	assert.False(t, svc.shouldRetryNow(&models.PendingUpload{Retries: 1, LastAttempt: now.Add(-29 * time.Second)}))
	assert.True(t, svc.shouldRetryNow(&models.PendingUpload{Retries: 1, LastAttempt: now.Add(-30 * time.Second)}))
}
