package facerecognition

import (
	"context"
	"fmt"
	"image"
	"image/draw"

	"facestream/internal/core/models"

	log "github.com/sirupsen/logrus"
)

// LocatedFace is a face box without an embedding.
type LocatedFace struct {
	BoundingBox models.BoundingBox
	Confidence  float64
}

// FaceLocator finds face boxes in a frame.
type FaceLocator interface {
	Locate(ctx context.Context, frame image.Image) ([]LocatedFace, error)
}

// CompositeDetector pairs a box-only locator with an embedding provider.
type CompositeDetector struct {
	name     ProviderType
	locator  FaceLocator
	embedder EmbeddingProvider
}

// NewCompositeDetector creates a detector registered under name.
func NewCompositeDetector(name ProviderType, locator FaceLocator, embedder EmbeddingProvider) *CompositeDetector {
	return &CompositeDetector{name: name, locator: locator, embedder: embedder}
}

// GetProviderName returns the registered name.
func (d *CompositeDetector) GetProviderName() ProviderType {
	return d.name
}

// IsAvailable pings the embedder when it supports pings.
func (d *CompositeDetector) IsAvailable(ctx context.Context) bool {
	if pinger, ok := d.embedder.(Pinger); ok {
		return pinger.IsAvailable(ctx)
	}
	return true
}

// Detect locates faces, clamps each box to the frame, drops empty boxes and
// embeds the rest. A failed embedding yields a detection with a nil embedding.
func (d *CompositeDetector) Detect(ctx context.Context, frame image.Image) ([]models.Detection, error) {
	located, err := d.locator.Locate(ctx, frame)
	if err != nil {
		return nil, fmt.Errorf("locate faces: %w", err)
	}

	bounds := frame.Bounds()
	detections := make([]models.Detection, 0, len(located))
	for i, face := range located {
		r := face.BoundingBox.Rect().Intersect(bounds)
		if r.Empty() {
			log.WithFields(logFields).Debugf("Dropping invalid box for face %d: %v", i, face.BoundingBox.Rect())
			continue
		}
		box := models.BoundingBox{X1: r.Min.X, Y1: r.Min.Y, X2: r.Max.X, Y2: r.Max.Y}

		crop := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
		draw.Draw(crop, crop.Bounds(), frame, r.Min, draw.Src)

		embedding, err := d.embedder.Embed(ctx, crop)
		if err != nil {
			log.WithFields(logFields).WithError(err).Warnf("Failed to extract embedding for face %d", i)
			embedding = nil
		}

		detections = append(detections, models.Detection{
			BoundingBox: box,
			Embedding:   embedding,
			Confidence:  face.Confidence,
		})
	}
	return detections, nil
}

var logFields = log.Fields{
	"component": "facerecognition",
}
