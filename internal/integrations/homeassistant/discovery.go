package homeassistant

import (
	"fmt"

	"facestream/config"

	log "github.com/sirupsen/logrus"
)

const (
	ComponentSensor       = "sensor"
	ComponentBinarySensor = "binary_sensor"

	NodeID = "facestream"
)

// SensorConfig is the MQTT discovery payload of one entity.
type SensorConfig struct {
	Name                string  `json:"name"`
	UniqueID            string  `json:"unique_id"`
	StateTopic          string  `json:"state_topic"`
	Icon                string  `json:"icon,omitempty"`
	JSONAttributesTopic string  `json:"json_attributes_topic,omitempty"`
	ValueTemplate       string  `json:"value_template,omitempty"`
	PayloadOn           string  `json:"payload_on,omitempty"`
	PayloadOff          string  `json:"payload_off,omitempty"`
	AvailabilityTopic   string  `json:"availability_topic,omitempty"`
	PayloadAvailable    string  `json:"payload_available,omitempty"`
	PayloadNotAvailable string  `json:"payload_not_available,omitempty"`
	Device              *Device `json:"device,omitempty"`
}

// Device groups the entities in Home Assistant.
type Device struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
}

// RetainPublisher publishes MQTT messages.
type RetainPublisher interface {
	PublishMessage(topic string, payload interface{}, retain bool) error
}

// RegisterSensors publishes retained discovery configs for the capture
// state sensor and the healthy binary sensor.
func RegisterSensors(client RetainPublisher, cfg config.MQTTConfig) error {
	device := &Device{
		Identifiers:  []string{NodeID + "_" + cfg.ClientID},
		Name:         "facestream " + cfg.ClientID,
		Manufacturer: "facestream",
		Model:        "stream supervisor",
	}

	state := SensorConfig{
		Name:                "Capture state",
		UniqueID:            fmt.Sprintf("%s_%s_state", NodeID, cfg.ClientID),
		StateTopic:          cfg.StateTopic,
		ValueTemplate:       "{{ value_json.state }}",
		JSONAttributesTopic: cfg.StateTopic,
		Icon:                "mdi:video",
		AvailabilityTopic:   cfg.AvailabilityTopic,
		PayloadAvailable:    "online",
		PayloadNotAvailable: "offline",
		Device:              device,
	}
	healthy := SensorConfig{
		Name:                "Capture healthy",
		UniqueID:            fmt.Sprintf("%s_%s_healthy", NodeID, cfg.ClientID),
		StateTopic:          cfg.StateTopic,
		ValueTemplate:       "{{ 'ON' if value_json.state == 'ready' else 'OFF' }}",
		PayloadOn:           "ON",
		PayloadOff:          "OFF",
		AvailabilityTopic:   cfg.AvailabilityTopic,
		PayloadAvailable:    "online",
		PayloadNotAvailable: "offline",
		Device:              device,
	}

	if err := client.PublishMessage(discoveryTopic(cfg, ComponentSensor, "state"), state, true); err != nil {
		return fmt.Errorf("failed to publish discovery configuration: %w", err)
	}
	if err := client.PublishMessage(discoveryTopic(cfg, ComponentBinarySensor, "healthy"), healthy, true); err != nil {
		return fmt.Errorf("failed to publish discovery configuration: %w", err)
	}
	log.Info("Registered Home Assistant capture sensors")
	return nil
}

func discoveryTopic(cfg config.MQTTConfig, component, object string) string {
	return fmt.Sprintf("%s/%s/%s_%s/%s/config", cfg.DiscoveryPrefix, component, NodeID, cfg.ClientID, object)
}
