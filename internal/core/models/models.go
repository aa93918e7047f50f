package models

import (
	"image"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// BoundingBox is a face rectangle in pixel space, (X1,Y1) top-left and (X2,Y2) bottom-right.
type BoundingBox struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// Rect returns the box as an image.Rectangle.
func (b BoundingBox) Rect() image.Rectangle {
	return image.Rect(b.X1, b.Y1, b.X2, b.Y2)
}

// Valid reports whether the box has a positive area.
func (b BoundingBox) Valid() bool {
	return b.X2 > b.X1 && b.Y2 > b.Y1
}

// Detection is a single face found in a frame. A nil Embedding means the
// backend could not extract one.
type Detection struct {
	BoundingBox BoundingBox
	Embedding   []float32
	Confidence  float64
}

// Frame is a decoded image with its position in the source.
type Frame struct {
	Index int
	Image image.Image
}

// FaceRecord is the unit of pipeline output.
type FaceRecord struct {
	FaceID    int64   `json:"face_id"`
	Locator   *string `json:"locator"`
	Timestamp string  `json:"timestamp"`
}

// CaptureRun summarizes one pipeline invocation.
type CaptureRun struct {
	gorm.Model
	RunID           string    `gorm:"uniqueIndex;not null"`
	Source          string    `gorm:"index"`
	StartedAt       time.Time `gorm:"index"`
	FinishedAt      time.Time
	FramesRead      int
	FramesSampled   int
	FacesAccepted   int
	Duplicates      int
	PersistFailures int
	DecodeFailures  int
	EndReason       string
}

// FaceEntry is the face log row written for every FaceRecord.
type FaceEntry struct {
	gorm.Model
	RunID       string    `gorm:"index;not null"`
	FaceID      int64     `gorm:"index;not null"`
	Locator     string    // empty when no locator could be produced
	LocalPath   string    `gorm:"index"`
	Timestamp   string    // ISO-8601 in the configured zone
	CapturedAt  time.Time `gorm:"index"`
	FrameIndex  int
	BoundingBox datatypes.JSON `gorm:"type:json"`
	Confidence  float64
	Detector    string `gorm:"index"`
}

// PendingUpload is a crop whose remote upload failed and is retried later.
type PendingUpload struct {
	ID          uint   `gorm:"primaryKey"`
	LocalPath   string `gorm:"not null"`
	Key         string `gorm:"index;not null"`
	RunID       string `gorm:"index"`
	FaceID      int64
	CreatedAt   time.Time `gorm:"index"`
	LastAttempt time.Time
	Retries     int `gorm:"default:0"`
	MaxRetries  int `gorm:"default:5"`
	LastError   string
	Locator     string
	Status      string `gorm:"index;default:'pending'"`
}

const (
	UploadStatusPending   = "pending"
	UploadStatusFailed    = "failed"
	UploadStatusCompleted = "completed"
)
