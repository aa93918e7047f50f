package compreface

import (
	"context"
	"fmt"
	"image"

	"facestream/internal/core/models"
	"facestream/internal/integrations/facerecognition"

	log "github.com/sirupsen/logrus"
)

// Config configures the CompreFace provider.
type Config struct {
	ClientConfig
	DetectionThreshold float64
}

// Service is a DetectionProvider backed by a CompreFace detection service.
type Service struct {
	client *Client
	config Config
}

// NewService creates a Service.
func NewService(cfg Config) *Service {
	return &Service{
		client: NewClient(cfg.ClientConfig),
		config: cfg,
	}
}

// GetProviderName returns facerecognition.ProviderCompreFace.
func (s *Service) GetProviderName() facerecognition.ProviderType {
	return facerecognition.ProviderCompreFace
}

// Detect returns the faces in frame with their calculator embeddings.
func (s *Service) Detect(ctx context.Context, frame image.Image) ([]models.Detection, error) {
	resp, err := s.client.Detect(ctx, frame, s.config.DetectionThreshold)
	if err != nil {
		return nil, fmt.Errorf("face detection failed: %w", err)
	}

	detections := make([]models.Detection, 0, len(resp.Result))
	for i, r := range resp.Result {
		box := models.BoundingBox{X1: r.Box.XMin, Y1: r.Box.YMin, X2: r.Box.XMax, Y2: r.Box.YMax}
		if !box.Valid() {
			log.WithFields(logFields).Debugf("Dropping empty box for face %d", i)
			continue
		}

		var embedding []float32
		if len(r.Embedding) > 0 {
			embedding = r.Embedding
		}
		detections = append(detections, models.Detection{
			BoundingBox: box,
			Embedding:   embedding,
			Confidence:  r.Box.Probability,
		})
	}
	return detections, nil
}
