package insightface

import (
	"context"
	"fmt"
	"image"
	"math"

	"facestream/internal/core/models"
	"facestream/internal/integrations/facerecognition"

	log "github.com/sirupsen/logrus"
)

// Config configures the InsightFace provider.
type Config struct {
	ClientConfig
	DetectionThreshold float64
}

// Service is the InsightFace detection and embedding provider.
type Service struct {
	client *APIClient
	config Config
}

// NewService creates a Service.
func NewService(cfg Config) *Service {
	return &Service{
		client: NewAPIClient(cfg.ClientConfig),
		config: cfg,
	}
}

// GetProviderName returns facerecognition.ProviderInsightFace.
func (s *Service) GetProviderName() facerecognition.ProviderType {
	return facerecognition.ProviderInsightFace
}

// IsAvailable pings the service.
func (s *Service) IsAvailable(ctx context.Context) bool {
	available, err := s.client.Ping(ctx)
	if err != nil {
		log.WithFields(logFields).Debugf("InsightFace ping failed: %v", err)
	}
	return available
}

// Detect returns the faces in frame together with their embeddings. Faces
// with a malformed box are dropped.
func (s *Service) Detect(ctx context.Context, frame image.Image) ([]models.Detection, error) {
	resp, err := s.client.DetectFaces(ctx, frame, s.config.DetectionThreshold, true)
	if err != nil {
		return nil, fmt.Errorf("face detection failed: %w", err)
	}

	detections := make([]models.Detection, 0, len(resp.Faces))
	for i, face := range resp.Faces {
		if len(face.BoundingBox) != 4 {
			log.WithFields(logFields).Warnf("Face %d has a malformed bbox %v", i, face.BoundingBox)
			continue
		}
		box := models.BoundingBox{
			X1: int(math.Round(face.BoundingBox[0])),
			Y1: int(math.Round(face.BoundingBox[1])),
			X2: int(math.Round(face.BoundingBox[2])),
			Y2: int(math.Round(face.BoundingBox[3])),
		}
		if !box.Valid() {
			log.WithFields(logFields).Debugf("Dropping empty box for face %d", i)
			continue
		}

		var embedding []float32
		if len(face.Embedding) > 0 {
			embedding = face.Embedding
		}
		detections = append(detections, models.Detection{
			BoundingBox: box,
			Embedding:   embedding,
			Confidence:  face.Confidence,
		})
	}

	log.WithFields(logFields).Debugf("InsightFace returned %d faces in %.3fs", len(detections), resp.ProcessTime)
	return detections, nil
}

// Embed extracts the embedding of a face crop. nil means none could be extracted.
func (s *Service) Embed(ctx context.Context, crop image.Image) ([]float32, error) {
	embedding, err := s.client.ExtractEmbedding(ctx, crop)
	if err != nil {
		return nil, fmt.Errorf("embedding extraction failed: %w", err)
	}
	return embedding, nil
}
