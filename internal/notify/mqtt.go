package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const mqttTimeout = 10 * time.Second

// MQTT publishes events to an MQTT broker. Each event goes to a subtopic
// named after its type (for example swarm/events/member_joined), so
// consumers can subscribe to single event kinds with a plain topic filter.
type MQTT struct {
	broker    string
	baseTopic string
	clientID  string
	username  string
	password  string
	qos       byte
}

// NewMQTT creates an MQTT notifier publishing under baseTopic.
func NewMQTT(broker, baseTopic, clientID, username, password string, qos int) *MQTT {
	q := byte(qos)
	if q > 2 {
		q = 0
	}
	if clientID == "" {
		clientID = "swarmnode"
	}
	return &MQTT{
		broker:    broker,
		baseTopic: baseTopic,
		clientID:  clientID,
		username:  username,
		password:  password,
		qos:       q,
	}
}

// Name returns the provider name for logging.
func (m *MQTT) Name() string { return "mqtt" }

// Send connects, publishes the event as JSON and disconnects. No broker
// connection is held between events.
func (m *MQTT) Send(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal mqtt payload: %w", err)
	}

	client, err := m.connect()
	if err != nil {
		return err
	}
	defer client.Disconnect(250)

	topic := m.baseTopic + "/" + string(event.Type)
	pub := client.Publish(topic, m.qos, false, body)
	if !pub.WaitTimeout(mqttTimeout) {
		return fmt.Errorf("mqtt publish timeout")
	}
	if pub.Error() != nil {
		return fmt.Errorf("mqtt publish: %w", pub.Error())
	}
	return nil
}

func (m *MQTT) connect() (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		SetClientID(m.clientID).
		AddBroker(m.broker).
		SetConnectTimeout(mqttTimeout).
		SetWriteTimeout(mqttTimeout)
	if m.username != "" {
		opts.SetUsername(m.username)
		opts.SetPassword(m.password)
	}

	client := mqtt.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(mqttTimeout) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if tok.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", tok.Error())
	}
	return client, nil
}
