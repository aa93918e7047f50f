package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"facestream/config"
	"facestream/internal/db"
	"facestream/internal/logger"
	"facestream/internal/util/timezone"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configPath string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "facestream",
	Short: "Capture faces from a live video stream",
	Long: `facestream keeps an external capture process writing a live stream to disk,
samples frames from it, detects faces, drops near-duplicates and stores a crop
of every new face.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env is optional; it usually carries the session cookies.
		_ = godotenv.Load()

		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		if err := logger.Init(cfg.Log); err != nil {
			log.Errorf("Failed to initialize logger completely: %v", err)
		}
		timezone.Initialize(cfg.Pipeline.Timezone)

		if cfg.DB.Enabled {
			if err := db.Initialize(cfg.DB); err != nil {
				return fmt.Errorf("failed to initialize database: %w", err)
			}
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if err := db.Close(); err != nil {
			log.Warnf("Failed to close database: %v", err)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config/config.yaml", "path to the configuration file")
	rootCmd.AddCommand(runCmd, superviseCmd, statusCmd, cleanupCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
