package cleanup

import (
	"context"
	"fmt"
	"os"
	"time"

	"facestream/config"
	"facestream/internal/db/repository"
	"facestream/internal/util/timezone"

	log "github.com/sirupsen/logrus"
)

// Result counts what one cleanup pass removed.
type Result struct {
	Faces   int
	Files   int
	Runs    int64
	Uploads int64
	Errors  int
}

// CleanupService removes face crops and face log rows older than the
// retention period.
type CleanupService struct {
	repo          repository.Repository
	config        config.CleanupConfig
	checkInterval time.Duration
}

// NewCleanupService creates a cleanup service.
func NewCleanupService(repo repository.Repository, cfg config.CleanupConfig) *CleanupService {
	return &CleanupService{
		repo:          repo,
		config:        cfg,
		checkInterval: 24 * time.Hour,
	}
}

// Start runs a cleanup immediately and then once per check interval until
// ctx is done.
func (s *CleanupService) Start(ctx context.Context) {
	log.Info("Cleanup service started")

	if _, err := s.RunCleanup(ctx); err != nil {
		log.Errorf("Initial cleanup failed: %v", err)
	}

	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			log.Info("Running scheduled cleanup")
			if _, err := s.RunCleanup(ctx); err != nil {
				log.Errorf("Scheduled cleanup failed: %v", err)
			}
		case <-ctx.Done():
			log.Info("Cleanup service stopped")
			return
		}
	}
}

// RunCleanup performs one cleanup pass.
func (s *CleanupService) RunCleanup(ctx context.Context) (Result, error) {
	var res Result
	if s.config.RetentionDays <= 0 {
		log.Info("Cleanup disabled (retention days <= 0)")
		return res, nil
	}

	cutoff := timezone.Now().AddDate(0, 0, -s.config.RetentionDays)
	log.Infof("Cleaning up face crops older than %s", cutoff.Format("2006-01-02"))

	faces, err := s.repo.GetFacesBefore(ctx, cutoff)
	if err != nil {
		return res, fmt.Errorf("failed to find old faces: %w", err)
	}

	log.Infof("Found %d faces to clean up", len(faces))

	for _, face := range faces {
		if face.LocalPath != "" {
			if err := os.Remove(face.LocalPath); err == nil {
				res.Files++
			} else if !os.IsNotExist(err) {
				log.Warnf("Failed to delete face crop %s: %v", face.LocalPath, err)
				res.Errors++
			}
		}

		if err := s.repo.DeleteFace(ctx, face.ID); err != nil {
			log.Errorf("Failed to delete face record ID %d: %v", face.ID, err)
			res.Errors++
			continue
		}
		res.Faces++
	}

	if res.Runs, err = s.repo.DeleteRunsBefore(ctx, cutoff); err != nil {
		log.Errorf("Failed to clean up old runs: %v", err)
		res.Errors++
	}
	if res.Uploads, err = s.repo.DeleteUploadsBefore(ctx, cutoff); err != nil {
		log.Errorf("Failed to clean up old pending uploads: %v", err)
		res.Errors++
	}

	log.Infof("Cleanup completed: deleted %d faces, %d files, %d runs, %d uploads, encountered %d errors",
		res.Faces, res.Files, res.Runs, res.Uploads, res.Errors)
	return res, nil
}
