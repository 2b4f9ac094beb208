package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/labstack/gommon/log"
	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaConfig describes the cluster of a Kafka subscription feed.
type KafkaConfig struct {
	Brokers []string
	// Group is the consumer group. Without a group the feed starts at the
	// end of each topic and only sees live values.
	Group       string
	PingTimeout time.Duration
}

// KafkaFeed is a subscription feed over Kafka topics. Record values carry
// the same decimal payloads as MQTT messages.
type KafkaFeed struct {
	feed
	cfg    KafkaConfig
	topics []string
}

func NewKafkaFeed(cfg KafkaConfig, topics []string, logger *log.Logger) *KafkaFeed {
	if cfg.PingTimeout == 0 {
		cfg.PingTimeout = 5 * time.Second
	}
	return &KafkaFeed{feed: feed{log: loggerOr(logger)}, cfg: cfg, topics: topics}
}

func (k *KafkaFeed) Observe(ctx context.Context) (<-chan Sample, error) {
	if len(k.cfg.Brokers) == 0 {
		return nil, ErrNoBroker
	}
	out, err := k.start(ctx)
	if err != nil {
		return nil, err
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(k.cfg.Brokers...),
		kgo.ConsumeTopics(k.topics...),
	}
	if k.cfg.Group != "" {
		opts = append(opts, kgo.ConsumerGroup(k.cfg.Group))
	} else {
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	}
	cl, err := kgo.NewClient(opts...)
	if err != nil {
		k.close()
		return nil, fmt.Errorf("kafka: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, k.cfg.PingTimeout)
	defer cancel()
	if err := cl.Ping(pingCtx); err != nil {
		cl.Close()
		k.close()
		return nil, fmt.Errorf("kafka %v: %w", k.cfg.Brokers, err)
	}
	k.setConnected(true)
	k.log.Infof("kafka %v: consuming %d topics", k.cfg.Brokers, len(k.topics))

	go k.run(ctx, cl)
	return out, nil
}

func (k *KafkaFeed) run(ctx context.Context, cl *kgo.Client) {
	defer k.close()
	defer cl.Close()
	for {
		fetches := cl.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return
		}
		// Retriable errors are retried by the client, the rest are reported
		// here and the feed carries on.
		fetches.EachError(func(topic string, partition int32, err error) {
			k.log.Warnf("kafka %s/%d: %v", topic, partition, err)
		})
		fetches.EachRecord(func(r *kgo.Record) {
			k.deliver(r.Topic, r.Value)
		})
	}
}
