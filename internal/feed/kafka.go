// Package feed mirrors every update the hub persists onto external
// brokers so downstream consumers can follow entity changes without
// speaking the peer protocol. Feeds are fire-and-forget from the hub's
// point of view: publish errors are logged by the hub and never block
// delivery to subscribers.
package feed

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/plain"

	"deltahub/internal/entity"
	"deltahub/internal/hub"
)

type KafkaConfig struct {
	Enabled  bool
	Brokers  []string
	Topic    string
	ClientID string
	Auth     KafkaAuthConfig
}

type KafkaAuthConfig struct {
	SASL KafkaSASLConfig
	TLS  KafkaTLSConfig
}

type KafkaSASLConfig struct {
	Enabled  bool
	Username string
	Password string
}

type KafkaTLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
}

func (c KafkaConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Brokers) == 0 {
		return errors.New("kafka.brokers is required")
	}
	if c.Topic == "" {
		return errors.New("kafka.topic is required")
	}
	return nil
}

// KafkaFeed publishes each persisted delta as one record keyed by entity
// id, so a partition preserves per-entity order.
type KafkaFeed struct {
	cfg    KafkaConfig
	log    *logrus.Entry
	client *kgo.Client

	produce func(ctx context.Context, rec *kgo.Record) error
}

var _ hub.UpdateSink = (*KafkaFeed)(nil)

func NewKafkaFeed(cfg KafkaConfig, logger *logrus.Logger, opts ...kgo.Opt) (*KafkaFeed, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
	}
	if cfg.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.Auth.TLS.Enabled {
		kopts = append(kopts, kgo.DialTLSConfig(&tls.Config{InsecureSkipVerify: cfg.Auth.TLS.InsecureSkipVerify}))
	}
	if cfg.Auth.SASL.Enabled {
		kopts = append(kopts, kgo.SASL(plain.Auth{User: cfg.Auth.SASL.Username, Pass: cfg.Auth.SASL.Password}.AsMechanism()))
	}
	kopts = append(kopts, opts...)

	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}
	f := &KafkaFeed{
		cfg:    cfg,
		log:    logger.WithField("component", "kafka-feed"),
		client: cl,
	}
	f.produce = func(ctx context.Context, rec *kgo.Record) error {
		return cl.ProduceSync(ctx, rec).FirstErr()
	}
	return f, nil
}

func (f *KafkaFeed) PublishUpdate(ctx context.Context, id entity.ID, delta []byte) error {
	rec := &kgo.Record{
		Topic: f.cfg.Topic,
		Key:   []byte(id.String()),
		Value: delta,
	}
	if err := f.produce(ctx, rec); err != nil {
		return fmt.Errorf("kafka publish %s: %w", id, err)
	}
	return nil
}

func (f *KafkaFeed) Close() {
	if f.client != nil {
		f.client.Close()
	}
}
