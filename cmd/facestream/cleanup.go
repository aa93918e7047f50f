package main

import (
	"fmt"

	"facestream/internal/services/cleanup"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var cleanupArtifact bool

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove expired face crops and face log rows",
	RunE:  runCleanup,
}

func init() {
	cleanupCmd.Flags().BoolVar(&cleanupArtifact, "artifact", false, "also remove the capture output artifact")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	if repo := newRepository(); repo != nil {
		res, err := cleanup.NewCleanupService(repo, cfg.Cleanup).RunCleanup(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d faces, %d files, %d runs, %d uploads (%d errors)\n",
			res.Faces, res.Files, res.Runs, res.Uploads, res.Errors)
	} else {
		log.Info("Face log is disabled, skipping retention cleanup")
	}

	if cleanupArtifact {
		if err := newSupervisor(cfg).Cleanup(); err != nil {
			return fmt.Errorf("failed to remove capture artifact: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", cfg.Stream.OutputFile)
	}
	return nil
}
