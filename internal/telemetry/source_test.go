package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func TestParsePayload(t *testing.T) {
	cases := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"384.2304", 384.2304, true},
		{" 12\n", 12, true},
		{"-1e-3", -0.001, true},
		{"", 0, false},
		{"on", 0, false},
	}
	for _, c := range cases {
		got, ok := parsePayload([]byte(c.in))
		if ok != c.ok || got != c.want {
			t.Errorf("parsePayload(%q): expected %v/%v, got %v/%v", c.in, c.want, c.ok, got, ok)
		}
	}
}

func TestFeedDelivery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewMQTTFeed(MQTTConfig{Broker: "localhost"}, []string{"lab/temp"}, nil)
	out, err := m.start(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.start(ctx); !errors.Is(err, ErrObserved) {
		t.Errorf("Expected ErrObserved, got %v", err)
	}

	m.onMessage(nil, fakeMessage{topic: "lab/temp", payload: []byte("not a number")})
	m.onMessage(nil, fakeMessage{topic: "lab/temp", payload: []byte("19.5")})

	select {
	case s := <-out:
		if s.Key != "lab/temp" || s.Value != 19.5 {
			t.Errorf("Unexpected sample %+v", s)
		}
	case <-time.After(time.Second):
		t.Fatal("No sample delivered")
	}
	if m.Dropped() != 1 {
		t.Errorf("Expected 1 dropped payload, got %d", m.Dropped())
	}

	m.close()
	m.close()
	// Delivery after close is discarded
	m.onMessage(nil, fakeMessage{topic: "lab/temp", payload: []byte("1")})
	if _, ok := <-out; ok {
		t.Error("Expected closed channel")
	}
	if m.Connected() {
		t.Error("Closed feed should not be connected")
	}
}

func TestMQTTBrokerURL(t *testing.T) {
	cases := []struct {
		cfg  MQTTConfig
		want string
	}{
		{MQTTConfig{Broker: "10.0.0.11"}, "tcp://10.0.0.11:1883"},
		{MQTTConfig{Broker: "broker.lab", Port: 8883}, "tcp://broker.lab:8883"},
		{MQTTConfig{Broker: "ssl://broker.lab:8883"}, "ssl://broker.lab:8883"},
		{MQTTConfig{Broker: "tcp://10.0.0.11:1883", Port: 1}, "tcp://10.0.0.11:1883"},
	}
	for _, c := range cases {
		if got := c.cfg.BrokerURL(); got != c.want {
			t.Errorf("BrokerURL(%+v): expected %s, got %s", c.cfg, c.want, got)
		}
	}
}

func TestNoBroker(t *testing.T) {
	ctx := context.Background()
	if _, err := NewMQTTFeed(MQTTConfig{}, nil, nil).Observe(ctx); !errors.Is(err, ErrNoBroker) {
		t.Errorf("Expected ErrNoBroker from MQTT feed, got %v", err)
	}
	if _, err := NewKafkaFeed(KafkaConfig{}, nil, nil).Observe(ctx); !errors.Is(err, ErrNoBroker) {
		t.Errorf("Expected ErrNoBroker from Kafka feed, got %v", err)
	}
}
