package main

import (
	"context"
	"fmt"
	"os"

	"facestream/config"
	"facestream/internal/core/dedup"
	"facestream/internal/core/persist"
	"facestream/internal/core/processor"
	"facestream/internal/core/supervisor"
	"facestream/internal/db"
	"facestream/internal/db/repository"
	"facestream/internal/integrations/opencv"
	"facestream/internal/integrations/provider"
	"facestream/internal/integrations/s3"

	log "github.com/sirupsen/logrus"
)

// newSupervisor builds the stream supervisor from the stream section.
func newSupervisor(cfg *config.Config) *supervisor.Supervisor {
	s := supervisor.New(supervisor.Options{
		Source:          cfg.Stream.SourceURL,
		OutputFile:      cfg.Stream.OutputFile,
		Binary:          cfg.Stream.Binary,
		Quality:         cfg.Stream.Quality,
		ExtraArgs:       cfg.Stream.ExtraArgs,
		Cookies:         cookiesFromEnv(cfg.Stream.CookieEnv),
		StartTimeout:    cfg.Stream.StartTimeout,
		PollInterval:    cfg.Stream.PollInterval,
		MinArtifactSize: cfg.Stream.MinArtifactSize,
		TerminateGrace:  cfg.Stream.TerminateGrace,
	}, supervisor.ExecSpawner{}, opencv.Probe{})

	s.SetListener(logTransition)
	return s
}

func logTransition(from, to supervisor.State, reason string) {
	log.WithFields(log.Fields{"component": "supervisor", "from": from, "to": to}).Debugf("State changed: %s", reason)
}

func cookiesFromEnv(entries []string) []supervisor.Cookie {
	cookies, missing := supervisor.CookiesFromEnv(entries, os.Getenv)
	for _, envVar := range missing {
		log.Warnf("Cookie variable %s is configured but not set", envVar)
	}
	return cookies
}

// newRepository returns the face log, or nil when the database is disabled.
func newRepository() repository.Repository {
	database, err := db.GetDB()
	if err != nil {
		return nil
	}
	return repository.NewSQLiteRepository(database)
}

// newPersister builds the crop persister with the optional S3 sink.
func newPersister(cfg *config.Config) (*persist.Persister, error) {
	var sink persist.RemoteSink
	if cfg.Storage.Enabled {
		s3Sink, err := s3.NewSink(s3.Config{
			Bucket:          cfg.Storage.Bucket,
			Region:          cfg.Storage.Region,
			Endpoint:        cfg.Storage.Endpoint,
			AccessKeyID:     cfg.Storage.AccessKeyID,
			SecretAccessKey: cfg.Storage.SecretAccessKey,
			ForcePathStyle:  cfg.Storage.ForcePathStyle,
			PublicBaseURL:   cfg.Storage.PublicBaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create storage sink: %w", err)
		}
		sink = s3Sink
	}

	return persist.New(persist.Options{
		OutputDir: cfg.Pipeline.OutputDir,
		Margin:    cfg.Pipeline.CropMargin,
		Quality:   cfg.Pipeline.JPEGQuality,
		Prefix:    cfg.Storage.Prefix,
	}, sink), nil
}

// newPipeline wires the configured detector, deduplicator and persister.
// The returned function releases the detector.
func newPipeline(ctx context.Context, cfg *config.Config, repo repository.Repository, progress func(int)) (*processor.Pipeline, func() error, error) {
	manager, closeDetector, err := provider.CreateManager(cfg.Detector)
	if err != nil {
		return nil, closeDetector, err
	}
	detector, err := manager.GetReadyProvider(ctx)
	if err != nil {
		return nil, closeDetector, err
	}

	persister, err := newPersister(cfg)
	if err != nil {
		return nil, closeDetector, err
	}

	pipeline := processor.New(
		opencv.VideoOpener{},
		detector,
		dedup.New(cfg.Pipeline.Tolerance, cfg.Pipeline.HistorySize),
		persister,
		processor.Options{
			FrameSkip:        cfg.Pipeline.FrameSkip,
			MaxFrames:        cfg.Pipeline.MaxFrames,
			Workers:          cfg.Pipeline.Workers,
			DetectorName:     string(detector.GetProviderName()),
			MaxUploadRetries: cfg.Sync.MaxRetries,
			Progress:         progress,
		},
	)
	if repo != nil {
		pipeline.SetRecorder(repo)
	}
	return pipeline, closeDetector, nil
}

// pipelineSource is the configured source, or the supervised artifact.
func pipelineSource(cfg *config.Config) string {
	if cfg.Pipeline.Source != "" {
		return cfg.Pipeline.Source
	}
	return cfg.Stream.OutputFile
}
