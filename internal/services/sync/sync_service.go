package sync

import (
	"context"
	"math"
	"sync"
	"time"

	"facestream/config"
	"facestream/internal/core/models"
	"facestream/internal/db/repository"

	log "github.com/sirupsen/logrus"
)

// Uploader re-sends an already written crop to the remote sink.
type Uploader interface {
	Upload(ctx context.Context, localPath, key string) (string, error)
}

// Service retries remote uploads that failed during a run. A successful
// retry updates the face log; FaceRecords already returned are not touched.
type Service struct {
	repo     repository.Repository
	uploader Uploader
	cfg      config.SyncConfig
	now      func() time.Time
	stopCh   chan struct{}
	wg       sync.WaitGroup
	running  bool
	mutex    sync.Mutex
}

// NewService creates the sync service.
func NewService(repo repository.Repository, uploader Uploader, cfg config.SyncConfig) *Service {
	return &Service{
		repo:     repo,
		uploader: uploader,
		cfg:      cfg,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the processing loop.
func (s *Service) Start() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.running {
		return
	}

	s.running = true
	s.stopCh = make(chan struct{})

	s.wg.Add(1)
	go s.processingLoop()

	log.Info("Sync service started")
}

// Stop stops the processing loop and waits for it to exit.
func (s *Service) Stop() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.running {
		return
	}

	close(s.stopCh)
	s.wg.Wait()
	s.running = false

	log.Info("Sync service stopped")
}

func (s *Service) processingLoop() {
	defer s.wg.Done()

	interval := time.Duration(s.cfg.ProcessingInterval) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.stopCh
		cancel()
	}()

	s.ProcessPendingUploads(ctx)

	for {
		select {
		case <-ticker.C:
			s.ProcessPendingUploads(ctx)
		case <-s.stopCh:
			return
		}
	}
}

// ProcessPendingUploads retries every pending upload whose backoff has elapsed
// and returns how many succeeded.
func (s *Service) ProcessPendingUploads(ctx context.Context) int {
	uploads, err := s.repo.GetPendingUploads(ctx)
	if err != nil {
		log.WithError(err).Error("Failed to load pending uploads")
		return 0
	}

	if len(uploads) == 0 {
		return 0
	}

	log.Infof("Processing %d pending uploads", len(uploads))

	completed := 0
	for i := range uploads {
		if ctx.Err() != nil {
			break
		}

		upload := &uploads[i]
		if !s.shouldRetryNow(upload) {
			continue
		}

		locator, err := s.uploader.Upload(ctx, upload.LocalPath, upload.Key)

		upload.LastAttempt = s.now()
		upload.Retries++

		if err == nil {
			upload.Status = models.UploadStatusCompleted
			upload.Locator = locator
			upload.LastError = ""
			completed++
			log.Infof("Pending upload ID %d completed: %s", upload.ID, locator)

			if err := s.repo.UpdateFaceLocator(ctx, upload.RunID, upload.FaceID, locator); err != nil {
				log.WithError(err).Errorf("Failed to record locator for face %d", upload.FaceID)
			}
		} else {
			upload.LastError = err.Error()
			if upload.Retries >= upload.MaxRetries {
				upload.Status = models.UploadStatusFailed
				log.Warnf("Pending upload ID %d marked as failed after %d attempts: %s",
					upload.ID, upload.Retries, upload.LastError)
			}
		}

		if err := s.repo.SaveUpload(ctx, upload); err != nil {
			log.WithError(err).Errorf("Failed to save pending upload ID %d", upload.ID)
		}
	}
	return completed
}

// shouldRetryNow applies exponential backoff: initial * factor^(retries-1),
// capped at the configured maximum.
func (s *Service) shouldRetryNow(upload *models.PendingUpload) bool {
	if upload.LastAttempt.IsZero() {
		return true
	}

	delaySeconds := float64(s.cfg.RetryInitialDelay) * math.Pow(s.cfg.RetryBackoffFactor, float64(upload.Retries-1))
	if delaySeconds > float64(s.cfg.RetryMaxDelay) {
		delaySeconds = float64(s.cfg.RetryMaxDelay)
	}

	delay := time.Duration(delaySeconds) * time.Second
	return s.now().Sub(upload.LastAttempt) >= delay
}
