package logger

import (
	"io"
	"os"
	"path/filepath"

	"facestream/config"

	log "github.com/sirupsen/logrus"
)

var logFields = log.Fields{
	"component": "logger",
}

// Init configures the global logrus logger from the log section.
// A broken log file never prevents startup; stdout is always written.
func Init(cfg config.LogConfig) error {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		log.WithFields(logFields).Warnf("Invalid log level '%s', defaulting to 'info': %v", cfg.Level, err)
		level = log.InfoLevel
	}
	log.SetLevel(level)

	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})

	writers := []io.Writer{os.Stdout}

	if cfg.File != "" {
		logDir := filepath.Dir(cfg.File)
		if err := os.MkdirAll(logDir, 0750); err != nil {
			log.WithFields(logFields).Errorf("Failed to create log directory '%s': %v", logDir, err)
		} else {
			file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0660)
			if err != nil {
				log.WithFields(logFields).Errorf("Failed to open log file '%s': %v", cfg.File, err)
			} else {
				writers = append(writers, file)
				log.WithFields(logFields).Infof("Logging additionally to file: %s", cfg.File)
			}
		}
	}

	log.SetOutput(io.MultiWriter(writers...))

	log.WithFields(logFields).Debug("Logger initialized")
	return nil
}
