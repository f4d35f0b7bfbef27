package main

import (
	"context"
	"flag"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"deltahub/internal/config"
	"deltahub/internal/engine"
	"deltahub/internal/feed"
	"deltahub/internal/hub"
	"deltahub/internal/storage"
	"deltahub/internal/storage/badgerstore"
	"deltahub/internal/storage/sqlite"
	"deltahub/internal/transport/socket"
	"deltahub/internal/transport/ws"
)

func main() {
	cfgPath := flag.String("config", "deltahub.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logrus.Fatalf("load config: %v", err)
	}

	logger := newLogger(cfg.Log)
	log := logger.WithField("node", cfg.Server.NodeID)

	backend, closeBackend, err := openBackend(cfg.Storage)
	if err != nil {
		log.Fatalf("open storage backend: %v", err)
	}
	defer closeBackend()

	eng := engine.NewMapEngine()
	mgr := storage.NewManager(backend, eng, storage.ManagerConfig{
		Namespace: cfg.Storage.Namespace,
		Logger:    logger,
	})

	sinks, closeFeeds, err := openFeeds(cfg.Feed, logger)
	if err != nil {
		log.Fatalf("open feeds: %v", err)
	}
	defer closeFeeds()

	h := hub.New(mgr, eng, hub.Config{Logger: logger, Sinks: sinks})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Server.WebSocket.Enabled {
		wsrv := &http.Server{
			Addr:    cfg.Server.WebSocket.Address,
			Handler: ws.NewServer(ws.ServerConfig{AuthToken: cfg.Server.AuthToken, Logger: logger}, h),
		}
		go func() {
			log.WithField("addr", cfg.Server.WebSocket.Address).Info("websocket bridge listening")
			if err := wsrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("websocket bridge failed")
			}
		}()
		go func() { <-ctx.Done(); _ = wsrv.Close() }()
	}

	srv := socket.NewServer(socket.Config{
		Network:          cfg.Server.Network,
		Address:          cfg.Server.Address,
		UnixSocketPath:   cfg.Server.UnixSocketPath,
		AuthToken:        cfg.Server.AuthToken,
		MaxInflight:      cfg.Server.MaxInflight,
		GlobalQueueLimit: cfg.Server.GlobalQueueLimit,
		Logger:           logger,
	}, h)
	if err := srv.Start(ctx); err != nil {
		log.Fatalf("server: %v", err)
	}
	log.Info("shut down")
}

func newLogger(cfg config.LogConfig) *logrus.Logger {
	logger := logrus.New()
	if lvl, err := logrus.ParseLevel(cfg.Level); err == nil {
		logger.SetLevel(lvl)
	}
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}

func openBackend(cfg config.StorageConfig) (storage.Backend, func(), error) {
	switch cfg.Backend {
	case config.BackendBadger:
		s, err := badgerstore.Open(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case config.BackendSQLite:
		s, err := sqlite.NewStore(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return storage.NewMemoryBackend(), func() {}, nil
	}
}

func openFeeds(cfg config.FeedConfig, logger *logrus.Logger) ([]hub.UpdateSink, func(), error) {
	var sinks []hub.UpdateSink
	var closers []func()
	closeAll := func() {
		for _, fn := range closers {
			fn()
		}
	}
	if cfg.Kafka.Enabled {
		kf, err := feed.NewKafkaFeed(feed.KafkaConfig{
			Enabled:  true,
			Brokers:  cfg.Kafka.Brokers,
			Topic:    cfg.Kafka.Topic,
			ClientID: cfg.Kafka.ClientID,
			Auth: feed.KafkaAuthConfig{
				SASL: feed.KafkaSASLConfig{Enabled: cfg.Kafka.SASLEnabled, Username: cfg.Kafka.SASLUsername, Password: cfg.Kafka.SASLPassword},
				TLS:  feed.KafkaTLSConfig{Enabled: cfg.Kafka.TLSEnabled},
			},
		}, logger)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		sinks = append(sinks, kf)
		closers = append(closers, kf.Close)
	}
	if cfg.RabbitMQ.Enabled {
		rf, err := feed.NewRabbitFeed(feed.RabbitConfig{
			Enabled:       true,
			URL:           cfg.RabbitMQ.URL,
			Exchange:      cfg.RabbitMQ.Exchange,
			RoutingPrefix: cfg.RabbitMQ.RoutingPrefix,
		}, logger)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		sinks = append(sinks, rf)
		closers = append(closers, rf.Close)
	}
	return sinks, closeAll, nil
}
