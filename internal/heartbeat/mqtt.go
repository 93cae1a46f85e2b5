// Package heartbeat consumes device heartbeats over MQTT and feeds them
// into the device health monitor. It is optional: without a broker URL the
// core relies solely on heartbeat data from the backend poll.
package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/incident-core/internal/devhealth"
)

// Config for the heartbeat subscriber.
type Config struct {
	BrokerURL string
	ClientID  string
	Topic     string
}

// message is the heartbeat payload devices publish. Timestamp is optional;
// absent means "now".
type message struct {
	DeviceID  string    `json:"device_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Subscriber listens on the heartbeat topic and records observations.
type Subscriber struct {
	cfg       Config
	log       *logrus.Logger
	monitor   *devhealth.Monitor
	client    mqtt.Client
	deviceIdx int
}

// New creates a heartbeat subscriber bound to the given monitor.
func New(cfg Config, monitor *devhealth.Monitor, log *logrus.Logger) *Subscriber {
	if cfg.Topic == "" {
		cfg.Topic = "devices/+/heartbeat"
	}
	return &Subscriber{cfg: cfg, log: log, monitor: monitor, deviceIdx: wildcardIndex(cfg.Topic)}
}

// wildcardIndex locates the single-level wildcard in the subscription
// topic; that segment of an incoming topic names the device. Returns -1
// for topics without one.
func wildcardIndex(topic string) int {
	for i, seg := range strings.Split(topic, "/") {
		if seg == "+" {
			return i
		}
	}
	return -1
}

// Start connects to the broker and subscribes. It returns once the
// subscription is established; message handling runs on the MQTT client's
// goroutines until Stop.
func (s *Subscriber) Start(ctx context.Context) error {
	if s.cfg.BrokerURL == "" {
		return fmt.Errorf("heartbeat subscriber not configured")
	}

	opts := mqtt.NewClientOptions().
		AddBroker(s.cfg.BrokerURL).
		SetClientID(s.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second)

	s.client = mqtt.NewClient(opts)
	if token := s.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	if token := s.client.Subscribe(s.cfg.Topic, 1, s.handleMessage); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.cfg.Topic, token.Error())
	}

	s.log.WithFields(logrus.Fields{
		"broker": s.cfg.BrokerURL, "topic": s.cfg.Topic,
	}).Info("Heartbeat subscriber started")
	return nil
}

// Stop disconnects from the broker.
func (s *Subscriber) Stop() {
	if s.client != nil {
		s.client.Disconnect(250)
	}
}

func (s *Subscriber) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	deviceID, at, err := parseHeartbeat(msg.Topic(), msg.Payload(), time.Now(), s.deviceIdx)
	if err != nil {
		s.log.WithError(err).WithField("topic", msg.Topic()).Debug("Dropping malformed heartbeat")
		return
	}
	s.monitor.RecordHeartbeat(deviceID, at)
}

// parseHeartbeat extracts the device ID and observation time from one
// heartbeat message. When the payload omits the ID, the topic segment at
// the subscription's wildcard position is the fallback.
func parseHeartbeat(topic string, payload []byte, now time.Time, deviceIdx int) (string, time.Time, error) {
	var m message
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &m); err != nil {
			return "", time.Time{}, fmt.Errorf("invalid heartbeat payload: %w", err)
		}
	}
	if m.DeviceID == "" && deviceIdx >= 0 {
		parts := strings.Split(topic, "/")
		if deviceIdx < len(parts) {
			m.DeviceID = parts[deviceIdx]
		}
	}
	if m.DeviceID == "" {
		return "", time.Time{}, fmt.Errorf("heartbeat carries no device id")
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = now
	}
	return m.DeviceID, m.Timestamp, nil
}
