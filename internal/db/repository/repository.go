package repository

import (
	"context"
	"errors"
	"time"

	"facestream/internal/core/models"

	"gorm.io/gorm"
)

// Repository is the face log.
type Repository interface {
	// Runs
	SaveRun(ctx context.Context, run *models.CaptureRun) error
	GetRuns(ctx context.Context, limit int) ([]models.CaptureRun, error)
	GetRunByID(ctx context.Context, runID string) (*models.CaptureRun, error)
	DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Faces
	SaveFace(ctx context.Context, entry *models.FaceEntry) error
	GetFacesByRun(ctx context.Context, runID string) ([]models.FaceEntry, error)
	GetFacesBefore(ctx context.Context, cutoff time.Time) ([]models.FaceEntry, error)
	UpdateFaceLocator(ctx context.Context, runID string, faceID int64, locator string) error
	DeleteFace(ctx context.Context, id uint) error

	// Pending uploads
	EnqueueUpload(ctx context.Context, upload *models.PendingUpload) error
	GetPendingUploads(ctx context.Context) ([]models.PendingUpload, error)
	SaveUpload(ctx context.Context, upload *models.PendingUpload) error
	DeleteUploadsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	GetStatistics(ctx context.Context) (Statistics, error)
}

// Statistics summarizes the face log.
type Statistics struct {
	Runs           int64              `json:"runs"`
	Faces          int64              `json:"faces"`
	PendingUploads int64              `json:"pending_uploads"`
	FailedUploads  int64              `json:"failed_uploads"`
	LastRun        *models.CaptureRun `json:"last_run,omitempty"`
}

// SQLiteRepository implements Repository with gorm.
type SQLiteRepository struct {
	db *gorm.DB
}

// NewSQLiteRepository creates a repository on db.
func NewSQLiteRepository(db *gorm.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Runs

// SaveRun inserts or updates a run.
func (r *SQLiteRepository) SaveRun(ctx context.Context, run *models.CaptureRun) error {
	return r.db.WithContext(ctx).Save(run).Error
}

// GetRuns returns the most recent runs first.
func (r *SQLiteRepository) GetRuns(ctx context.Context, limit int) ([]models.CaptureRun, error) {
	var runs []models.CaptureRun
	result := r.db.WithContext(ctx).Order("started_at DESC").Limit(limit).Find(&runs)
	if result.Error != nil {
		return nil, result.Error
	}
	return runs, nil
}

// GetRunByID returns the run with the given run id, or nil.
func (r *SQLiteRepository) GetRunByID(ctx context.Context, runID string) (*models.CaptureRun, error) {
	var run models.CaptureRun
	result := r.db.WithContext(ctx).Where("run_id = ?", runID).First(&run)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &run, nil
}

// DeleteRunsBefore removes runs that started before cutoff.
func (r *SQLiteRepository) DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Unscoped().Where("started_at < ?", cutoff).Delete(&models.CaptureRun{})
	return result.RowsAffected, result.Error
}

// Faces

// SaveFace inserts a face log entry.
func (r *SQLiteRepository) SaveFace(ctx context.Context, entry *models.FaceEntry) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

// GetFacesByRun returns the faces of a run in face id order.
func (r *SQLiteRepository) GetFacesByRun(ctx context.Context, runID string) ([]models.FaceEntry, error) {
	var faces []models.FaceEntry
	result := r.db.WithContext(ctx).Where("run_id = ?", runID).Order("face_id ASC").Find(&faces)
	if result.Error != nil {
		return nil, result.Error
	}
	return faces, nil
}

// GetFacesBefore returns faces captured before cutoff.
func (r *SQLiteRepository) GetFacesBefore(ctx context.Context, cutoff time.Time) ([]models.FaceEntry, error) {
	var faces []models.FaceEntry
	result := r.db.WithContext(ctx).Where("captured_at < ?", cutoff).Find(&faces)
	if result.Error != nil {
		return nil, result.Error
	}
	return faces, nil
}

// UpdateFaceLocator records the locator of a face whose upload succeeded later.
func (r *SQLiteRepository) UpdateFaceLocator(ctx context.Context, runID string, faceID int64, locator string) error {
	return r.db.WithContext(ctx).Model(&models.FaceEntry{}).
		Where("run_id = ? AND face_id = ?", runID, faceID).
		Update("locator", locator).Error
}

// DeleteFace permanently removes a face entry.
func (r *SQLiteRepository) DeleteFace(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Unscoped().Delete(&models.FaceEntry{}, id).Error
}

// Pending uploads

// EnqueueUpload stores a failed upload for retry.
func (r *SQLiteRepository) EnqueueUpload(ctx context.Context, upload *models.PendingUpload) error {
	if upload.Status == "" {
		upload.Status = models.UploadStatusPending
	}
	return r.db.WithContext(ctx).Create(upload).Error
}

// GetPendingUploads returns pending uploads that have retries left, oldest first.
func (r *SQLiteRepository) GetPendingUploads(ctx context.Context) ([]models.PendingUpload, error) {
	var uploads []models.PendingUpload
	result := r.db.WithContext(ctx).
		Where("retries < max_retries AND status = ?", models.UploadStatusPending).
		Order("created_at ASC").
		Find(&uploads)
	if result.Error != nil {
		return nil, result.Error
	}
	return uploads, nil
}

// SaveUpload updates a pending upload.
func (r *SQLiteRepository) SaveUpload(ctx context.Context, upload *models.PendingUpload) error {
	return r.db.WithContext(ctx).Save(upload).Error
}

// DeleteUploadsBefore removes uploads queued before cutoff.
func (r *SQLiteRepository) DeleteUploadsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&models.PendingUpload{})
	return result.RowsAffected, result.Error
}

// GetStatistics counts runs, faces and uploads.
func (r *SQLiteRepository) GetStatistics(ctx context.Context) (Statistics, error) {
	var stats Statistics
	db := r.db.WithContext(ctx)

	if err := db.Model(&models.CaptureRun{}).Count(&stats.Runs).Error; err != nil {
		return stats, err
	}
	if err := db.Model(&models.FaceEntry{}).Count(&stats.Faces).Error; err != nil {
		return stats, err
	}
	if err := db.Model(&models.PendingUpload{}).Where("status = ?", models.UploadStatusPending).Count(&stats.PendingUploads).Error; err != nil {
		return stats, err
	}
	if err := db.Model(&models.PendingUpload{}).Where("status = ?", models.UploadStatusFailed).Count(&stats.FailedUploads).Error; err != nil {
		return stats, err
	}

	runs, err := r.GetRuns(ctx, 1)
	if err != nil {
		return stats, err
	}
	if len(runs) > 0 {
		stats.LastRun = &runs[0]
	}
	return stats, nil
}
