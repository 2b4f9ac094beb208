package telemetry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/labstack/gommon/log"
)

// MQTTConfig describes the broker of a subscription feed.
type MQTTConfig struct {
	// Broker is a host name or a full URL such as tcp://10.0.0.11:1883.
	Broker         string
	Port           int
	ClientID       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
}

var ErrNoBroker = errors.New("no broker configured")

// BrokerURL returns the broker address in URL form.
func (c MQTTConfig) BrokerURL() string {
	if strings.Contains(c.Broker, "://") {
		return c.Broker
	}
	port := c.Port
	if port == 0 {
		port = 1883
	}
	return fmt.Sprintf("tcp://%s:%d", c.Broker, port)
}

// MQTTFeed is a subscription feed over MQTT. It does not reconnect: once the
// broker connection is lost the sample channel is closed and Connected
// reports false; create a new feed to try again.
type MQTTFeed struct {
	feed
	cfg    MQTTConfig
	topics []string
	client mqtt.Client
}

func NewMQTTFeed(cfg MQTTConfig, topics []string, logger *log.Logger) *MQTTFeed {
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = 10 * time.Second
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	return &MQTTFeed{
		feed:   feed{log: loggerOr(logger)},
		cfg:    cfg,
		topics: topics,
	}
}

// Observe connects to the broker and subscribes to the feed's topics.
func (m *MQTTFeed) Observe(ctx context.Context) (<-chan Sample, error) {
	if m.cfg.Broker == "" {
		return nil, ErrNoBroker
	}
	out, err := m.start(ctx)
	if err != nil {
		return nil, err
	}

	opts := mqtt.NewClientOptions().
		AddBroker(m.cfg.BrokerURL()).
		SetClientID(m.cfg.ClientID).
		SetKeepAlive(m.cfg.KeepAlive).
		SetConnectTimeout(m.cfg.ConnectTimeout).
		SetAutoReconnect(false)
	opts.SetOnConnectHandler(m.onConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		m.log.Warnf("mqtt %s: connection lost: %v", m.cfg.BrokerURL(), err)
		m.close()
	})

	m.client = mqtt.NewClient(opts)
	tok := m.client.Connect()
	if !tok.WaitTimeout(m.cfg.ConnectTimeout) {
		m.close()
		return nil, fmt.Errorf("mqtt %s: connect timed out", m.cfg.BrokerURL())
	}
	if err := tok.Error(); err != nil {
		m.close()
		return nil, fmt.Errorf("mqtt %s: %w", m.cfg.BrokerURL(), err)
	}

	go func() {
		<-ctx.Done()
		m.client.Disconnect(250)
		m.close()
	}()
	return out, nil
}

func (m *MQTTFeed) onConnect(c mqtt.Client) {
	for _, topic := range m.topics {
		tok := c.Subscribe(topic, 0, m.onMessage)
		go func(topic string) {
			if tok.Wait() && tok.Error() != nil {
				m.log.Errorf("mqtt subscribe %s: %v", topic, tok.Error())
			}
		}(topic)
	}
	m.setConnected(true)
	m.log.Infof("mqtt %s: subscribed to %d topics", m.cfg.BrokerURL(), len(m.topics))
}

func (m *MQTTFeed) onMessage(_ mqtt.Client, msg mqtt.Message) {
	m.deliver(msg.Topic(), msg.Payload())
}
