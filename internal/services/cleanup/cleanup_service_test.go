package cleanup

import (
	"context"
	"os"
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

func TestRunCleanupRemovesExpiredFaces(t *testing.T) {
	dir := t.TempDir()
	database, err := db.Open(filepath.Join(dir, "facestream.db"))
	require.NoError(t, err)
	repo := repository.NewSQLiteRepository(database)
	ctx := context.Background()

	oldCrop := filepath.Join(dir, "face_1.jpg")
	newCrop := filepath.Join(dir, "face_2.jpg")
	require.NoError(t, os.WriteFile(oldCrop, []byte("jpeg"), 0644))
	require.NoError(t, os.WriteFile(newCrop, []byte("jpeg"), 0644))

	old := time.Now().AddDate(0, 0, -45)
	require.NoError(t, repo.SaveRun(ctx, &models.CaptureRun{RunID: "old", StartedAt: old}))
	require.NoError(t, repo.SaveRun(ctx, &models.CaptureRun{RunID: "new", StartedAt: time.Now()}))
	require.NoError(t, repo.SaveFace(ctx, &models.FaceEntry{RunID: "old", FaceID: 1, LocalPath: oldCrop, CapturedAt: old}))
	require.NoError(t, repo.SaveFace(ctx, &models.FaceEntry{RunID: "new", FaceID: 2, LocalPath: newCrop, CapturedAt: time.Now()}))
	// A crop that was already removed by hand is not an error.
	require.NoError(t, repo.SaveFace(ctx, &models.FaceEntry{RunID: "old", FaceID: 3, LocalPath: filepath.Join(dir, "gone.jpg"), CapturedAt: old}))

	svc := NewCleanupService(repo, config.CleanupConfig{RetentionDays: 30})
	res, err := svc.RunCleanup(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Faces)
	assert.Equal(t, 1, res.Files)
	assert.Equal(t, int64(1), res.Runs)
	assert.Zero(t, res.Errors)

	_, err = os.Stat(oldCrop)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(newCrop)
	assert.NoError(t, err)

	stats, err := repo.GetStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Faces)
	assert.Equal(t, int64(1), stats.Runs)
}

func TestRunCleanupDisabled(t *testing.T) {
	svc := NewCleanupService(nil, config.CleanupConfig{RetentionDays: 0})
	res, err := svc.RunCleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
}
