package homeassistant

import (
	"time"

	"facestream/config"
	"facestream/internal/core/supervisor"
	"facestream/internal/util/timezone"

	log "github.com/sirupsen/logrus"
)

// StateEvent is published on every supervisor transition.
type StateEvent struct {
	State     supervisor.State `json:"state"`
	Previous  supervisor.State `json:"previous"`
	Reason    string           `json:"reason,omitempty"`
	Timestamp string           `json:"timestamp"`
}

// Publisher mirrors the supervisor state onto MQTT.
type Publisher struct {
	client RetainPublisher
	cfg    config.MQTTConfig
	now    func() time.Time
}

// NewPublisher creates a state publisher.
func NewPublisher(client RetainPublisher, cfg config.MQTTConfig) *Publisher {
	return &Publisher{client: client, cfg: cfg, now: timezone.Now}
}

// PublishState has the signature of supervisor.Listener.
func (p *Publisher) PublishState(from, to supervisor.State, reason string) {
	event := StateEvent{
		State:     to,
		Previous:  from,
		Reason:    reason,
		Timestamp: timezone.ISO8601(p.now()),
	}
	if err := p.client.PublishMessage(p.cfg.StateTopic, event, true); err != nil {
		log.Debugf("Failed to publish capture state %s: %v", to, err)
	}
}

// PublishAvailability publishes online or offline on the availability topic.
func (p *Publisher) PublishAvailability(online bool) error {
	status := "offline"
	if online {
		status = "online"
	}
	return p.client.PublishMessage(p.cfg.AvailabilityTopic, status, true)
}
