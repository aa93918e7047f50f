package homeassistant

import (
	"testing"
	"time"

	"facestream/config"
	"facestream/internal/core/supervisor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type message struct {
	topic   string
	payload interface{}
	retain  bool
}

type recordingClient struct {
	messages []message
}

func (c *recordingClient) PublishMessage(topic string, payload interface{}, retain bool) error {
	c.messages = append(c.messages, message{topic, payload, retain})
	return nil
}

var mqttConfig = config.MQTTConfig{
	ClientID:          "cam1",
	StateTopic:        "facestream/state",
	AvailabilityTopic: "facestream/status",
	DiscoveryPrefix:   "homeassistant",
}

func TestRegisterSensors(t *testing.T) {
	client := &recordingClient{}
	require.NoError(t, RegisterSensors(client, mqttConfig))

	require.Len(t, client.messages, 2)
	assert.Equal(t, "homeassistant/sensor/facestream_cam1/state/config", client.messages[0].topic)
	assert.Equal(t, "homeassistant/binary_sensor/facestream_cam1/healthy/config", client.messages[1].topic)
	assert.True(t, client.messages[0].retain)

	state, ok := client.messages[0].payload.(SensorConfig)
	require.True(t, ok)
	assert.Equal(t, "facestream/state", state.StateTopic)
	assert.Equal(t, "facestream/status", state.AvailabilityTopic)
}

func TestPublishState(t *testing.T) {
	client := &recordingClient{}
	p := NewPublisher(client, mqttConfig)
	p.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }

	p.PublishState(supervisor.StateStarting, supervisor.StateReady, "output artifact is decodable")
	require.NoError(t, p.PublishAvailability(true))

	require.Len(t, client.messages, 2)
	event, ok := client.messages[0].payload.(StateEvent)
	require.True(t, ok)
	assert.Equal(t, supervisor.StateReady, event.State)
	assert.Equal(t, supervisor.StateStarting, event.Previous)
	assert.Equal(t, "facestream/status", client.messages[1].topic)
	assert.Equal(t, "online", client.messages[1].payload)
}
