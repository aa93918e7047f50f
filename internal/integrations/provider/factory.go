package provider

import (
	"fmt"

	"facestream/config"
	"facestream/internal/integrations/compreface"
	"facestream/internal/integrations/facerecognition"
	"facestream/internal/integrations/insightface"
	"facestream/internal/integrations/opencv"

	log "github.com/sirupsen/logrus"
)

// CreateManager registers the detection providers named by the configuration
// and activates the configured one. The returned close function releases
// provider resources.
func CreateManager(cfg config.DetectorConfig) (*facerecognition.ProviderManager, func() error, error) {
	manager := facerecognition.NewProviderManager()
	closeFn := func() error { return nil }

	insightFaceService := insightface.NewService(insightface.Config{
		ClientConfig: insightface.ClientConfig{
			URL:     cfg.URL,
			Timeout: cfg.Timeout,
		},
		DetectionThreshold: cfg.DetectionThreshold,
	})
	log.Info("Registering InsightFace as detection provider")
	manager.RegisterProvider(insightFaceService)

	activeProvider := facerecognition.ProviderType(cfg.Provider)
	if activeProvider == "" {
		activeProvider = facerecognition.ProviderInsightFace
	}

	if activeProvider == facerecognition.ProviderOpenCV {
		locator, err := opencv.NewService(opencv.LocatorConfig{
			CascadeFile: cfg.CascadeFile,
			MinFaceSize: cfg.MinFaceSize,
		})
		if err != nil {
			return nil, closeFn, err
		}
		closeFn = locator.Close

		// Crops are embedded by the InsightFace service unless a dedicated
		// embedding endpoint is configured.
		embedder := insightFaceService
		if cfg.EmbeddingURL != "" {
			embedder = insightface.NewService(insightface.Config{
				ClientConfig: insightface.ClientConfig{URL: cfg.EmbeddingURL, Timeout: cfg.Timeout},
			})
		}

		log.Info("Registering OpenCV cascade as detection provider")
		manager.RegisterProvider(facerecognition.NewCompositeDetector(facerecognition.ProviderOpenCV, locator, embedder))
	}

	if activeProvider == facerecognition.ProviderCompreFace {
		log.Info("Registering CompreFace as detection provider")
		manager.RegisterProvider(compreface.NewService(compreface.Config{
			ClientConfig: compreface.ClientConfig{
				URL:     cfg.CompreFaceURL,
				APIKey:  cfg.CompreFaceAPIKey,
				Timeout: cfg.Timeout,
			},
			DetectionThreshold: cfg.DetectionThreshold,
		}))
	}

	if err := manager.SetActiveProvider(activeProvider); err != nil {
		return nil, closeFn, fmt.Errorf("could not activate detection provider: %w", err)
	}
	log.Infof("Active detection provider: %s", activeProvider)

	return manager, closeFn, nil
}
