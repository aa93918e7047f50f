package main

import (
	"encoding/json"
	"fmt"

	"facestream/internal/core/supervisor"
	"facestream/internal/db/repository"
	"facestream/internal/integrations/provider"
	"facestream/internal/utils"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print capture artifact, detector, face log and system statistics",
	Long: `Status prints the capture artifact as found on disk, the reachable detection
providers, the face log statistics and host statistics as JSON. It does not
attach to a running supervisor; a live supervisor answers the "status"
command on the MQTT control topic.`,
	RunE: runStatus,
}

type statusReport struct {
	Artifact     supervisor.ArtifactInfo `json:"artifact"`
	ArtifactSize string                  `json:"artifact_size_human"`
	Detectors    []string                `json:"detectors"`
	FaceLog      *repository.Statistics  `json:"face_log,omitempty"`
	System       *utils.SystemStats      `json:"system"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	report := statusReport{
		Artifact:  supervisor.InspectArtifact(cfg.Stream.OutputFile),
		Detectors: []string{},
		System:    utils.GetSystemStats(),
	}
	report.ArtifactSize = utils.FormatBytes(uint64(report.Artifact.Size))

	manager, closeDetector, err := provider.CreateManager(cfg.Detector)
	if err != nil {
		log.Warnf("Failed to create detection providers: %v", err)
	} else {
		for _, name := range manager.GetAvailableProviders(ctx) {
			report.Detectors = append(report.Detectors, string(name))
		}
	}
	if cerr := closeDetector(); cerr != nil {
		log.Warnf("Failed to release detector: %v", cerr)
	}

	if repo := newRepository(); repo != nil {
		stats, err := repo.GetStatistics(ctx)
		if err != nil {
			return fmt.Errorf("failed to read face log: %w", err)
		}
		report.FaceLog = &stats
	}

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
