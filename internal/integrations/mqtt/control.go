package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"facestream/internal/core/supervisor"

	log "github.com/sirupsen/logrus"
)

var logFields = log.Fields{"component": "mqtt_control"}

// Controller is the part of the supervisor exposed over MQTT.
type Controller interface {
	Status() supervisor.Status
	IsHealthy() bool
	Restart(ctx context.Context) (supervisor.Status, error)
	Cleanup() error
}

// Publisher sends acknowledgements.
type Publisher interface {
	Publish(topic string, payload interface{}) error
}

// Command is a control message. A bare command name is accepted as well.
type Command struct {
	Command string `json:"command"`
}

// Ack answers every command on the response topic.
type Ack struct {
	Command string             `json:"command"`
	Success bool               `json:"success"`
	Error   string             `json:"error,omitempty"`
	Healthy *bool              `json:"healthy,omitempty"`
	Status  *supervisor.Status `json:"status,omitempty"`
}

// ControlHandler maps control messages onto supervisor operations.
type ControlHandler struct {
	controller     Controller
	publisher      Publisher
	responseTopic  string
	restartTimeout time.Duration
}

// NewControlHandler creates a handler answering on responseTopic.
func NewControlHandler(controller Controller, publisher Publisher, responseTopic string, restartTimeout time.Duration) *ControlHandler {
	if restartTimeout <= 0 {
		restartTimeout = time.Minute
	}
	return &ControlHandler{
		controller:     controller,
		publisher:      publisher,
		responseTopic:  responseTopic,
		restartTimeout: restartTimeout,
	}
}

// HandleMessage implements MessageHandler.
func (h *ControlHandler) HandleMessage(topic string, payload []byte) {
	ack := h.Execute(parseCommand(payload))

	if err := h.publisher.Publish(h.responseTopic, ack); err != nil {
		log.WithFields(logFields).WithError(err).Error("Failed to publish control acknowledgement")
	}
}

// Execute runs a single command and returns its acknowledgement.
func (h *ControlHandler) Execute(command string) Ack {
	ack := Ack{Command: command}
	log.WithFields(logFields).Infof("Control command received: %s", command)

	switch command {
	case "status":
		status := h.controller.Status()
		ack.Status = &status
		ack.Success = true
	case "health":
		healthy := h.controller.IsHealthy()
		ack.Healthy = &healthy
		ack.Success = true
	case "restart":
		ctx, cancel := context.WithTimeout(context.Background(), h.restartTimeout)
		defer cancel()
		status, err := h.controller.Restart(ctx)
		ack.Status = &status
		if err != nil {
			ack.Error = err.Error()
		} else {
			ack.Success = true
		}
	case "cleanup":
		if err := h.controller.Cleanup(); err != nil {
			ack.Error = err.Error()
		} else {
			ack.Success = true
		}
		status := h.controller.Status()
		ack.Status = &status
	default:
		ack.Error = fmt.Sprintf("unknown command %q", command)
	}
	return ack
}

func parseCommand(payload []byte) string {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err == nil && cmd.Command != "" {
		return strings.ToLower(strings.TrimSpace(cmd.Command))
	}
	return strings.ToLower(strings.Trim(strings.TrimSpace(string(payload)), `"`))
}
