package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"facestream/internal/core/supervisor"
	"facestream/internal/integrations/homeassistant"
	"facestream/internal/integrations/mqtt"
	"facestream/internal/services/cleanup"
	uploadsync "facestream/internal/services/sync"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const maxRestartBackoff = 5 * time.Minute

var superviseCmd = &cobra.Command{
	Use:   "supervise",
	Short: "Keep the capture process alive",
	Long: `Supervise starts the capture process and restarts it whenever the health check
fails. It also serves the MQTT control topic and runs the retention cleanup
and upload retry services until interrupted.`,
	RunE: runSupervise,
}

func runSupervise(cmd *cobra.Command, args []string) error {
	if !cfg.Stream.Enabled {
		return errors.New("stream.enabled is false, nothing to supervise")
	}

	sup := newSupervisor(cfg)
	defer func() {
		if err := sup.Cleanup(); err != nil {
			log.Warnf("Capture cleanup failed: %v", err)
		}
	}()

	repo := newRepository()
	if repo != nil && cfg.Storage.Enabled {
		persister, err := newPersister(cfg)
		if err != nil {
			return err
		}
		syncService := uploadsync.NewService(repo, persister, cfg.Sync)
		syncService.Start()
		defer syncService.Stop()
	}

	if cfg.MQTT.Enabled {
		client := mqtt.NewClient(cfg.MQTT)
		client.RegisterHandler(mqtt.NewControlHandler(sup, client, cfg.MQTT.ResponseTopic,
			cfg.Stream.StartTimeout+cfg.Stream.TerminateGrace))
		if err := client.Start(); err != nil {
			return fmt.Errorf("failed to start MQTT control: %w", err)
		}
		defer client.Stop()

		publisher := homeassistant.NewPublisher(client, cfg.MQTT)
		sup.SetListener(func(from, to supervisor.State, reason string) {
			logTransition(from, to, reason)
			publisher.PublishState(from, to, reason)
		})
		if cfg.MQTT.Discovery {
			if err := homeassistant.RegisterSensors(client, cfg.MQTT); err != nil {
				log.Warnf("Home Assistant discovery failed: %v", err)
			}
		}
		if err := publisher.PublishAvailability(true); err != nil {
			log.Warnf("Failed to publish availability: %v", err)
		}
		defer func() {
			if err := publisher.PublishAvailability(false); err != nil {
				log.Debugf("Failed to publish availability: %v", err)
			}
		}()
	}

	g, ctx := errgroup.WithContext(cmd.Context())

	if cfg.Stream.AsyncInit {
		handle := sup.InitAsync(ctx)
		g.Go(func() error {
			if _, err := handle.Wait(); err != nil {
				log.Warnf("Initial capture start failed: %v", err)
			}
			return nil
		})
	} else if _, err := sup.Init(ctx); err != nil {
		log.Warnf("Initial capture start failed: %v", err)
	}

	g.Go(func() error {
		superviseHealth(ctx, sup, cfg.Stream.HealthInterval)
		return nil
	})

	if repo != nil {
		cleanupService := cleanup.NewCleanupService(repo, cfg.Cleanup)
		g.Go(func() error {
			cleanupService.Start(ctx)
			return nil
		})
	}

	log.Info("Supervising capture, press Ctrl+C to stop")
	return g.Wait()
}

// superviseHealth polls the supervisor and restarts unhealthy captures,
// backing off exponentially while restarts keep failing.
func superviseHealth(ctx context.Context, sup *supervisor.Supervisor, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	backoff := interval
	next := time.Now()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if sup.Status().State == supervisor.StateStarting || sup.IsHealthy() || time.Now().Before(next) {
			continue
		}

		log.Warn("Capture is not healthy, restarting")
		if _, err := sup.Restart(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			next = time.Now().Add(backoff)
			log.Errorf("Restart failed, next attempt in %s: %v", backoff, err)
			backoff *= 2
			if backoff > maxRestartBackoff {
				backoff = maxRestartBackoff
			}
			continue
		}
		backoff = interval
	}
}
