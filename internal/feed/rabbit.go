package feed

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"deltahub/internal/entity"
	"deltahub/internal/hub"
)

type RabbitConfig struct {
	Enabled  bool
	URL      string
	Exchange string
	// RoutingPrefix is prepended to the entity id to form the routing key,
	// e.g. "deltahub.update." lets consumers bind per entity or with a
	// wildcard.
	RoutingPrefix string
	TLS           RabbitTLSConfig
}

type RabbitTLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
	ServerName         string
}

func (c RabbitConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.URL == "" {
		return errors.New("rabbitmq.url is required")
	}
	if c.Exchange == "" {
		return errors.New("rabbitmq.exchange is required")
	}
	return nil
}

// RabbitFeed publishes each persisted delta to a topic exchange, routed
// by entity id.
type RabbitFeed struct {
	cfg  RabbitConfig
	log  *logrus.Entry
	conn *amqp091.Connection
	ch   *amqp091.Channel

	publish func(ctx context.Context, key string, body []byte) error
}

var _ hub.UpdateSink = (*RabbitFeed)(nil)

func NewRabbitFeed(cfg RabbitConfig, logger *logrus.Logger) (*RabbitFeed, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	var (
		conn *amqp091.Connection
		err  error
	)
	if cfg.TLS.Enabled {
		conn, err = amqp091.DialTLS(cfg.URL, &tls.Config{
			InsecureSkipVerify: cfg.TLS.InsecureSkipVerify,
			ServerName:         cfg.TLS.ServerName,
		})
	} else {
		conn, err = amqp091.Dial(cfg.URL)
	}
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	f := &RabbitFeed{
		cfg:  cfg,
		log:  logger.WithField("component", "rabbitmq-feed"),
		conn: conn,
		ch:   ch,
	}
	f.publish = func(ctx context.Context, key string, body []byte) error {
		return ch.PublishWithContext(ctx, cfg.Exchange, key, false, false, amqp091.Publishing{
			ContentType: "application/octet-stream",
			Timestamp:   time.Now().UTC(),
			Body:        body,
		})
	}
	return f, nil
}

func (f *RabbitFeed) PublishUpdate(ctx context.Context, id entity.ID, delta []byte) error {
	if err := f.publish(ctx, f.cfg.RoutingPrefix+id.String(), delta); err != nil {
		return fmt.Errorf("rabbitmq publish %s: %w", id, err)
	}
	return nil
}

func (f *RabbitFeed) Close() {
	if f.ch != nil {
		_ = f.ch.Close()
	}
	if f.conn != nil {
		_ = f.conn.Close()
	}
}
