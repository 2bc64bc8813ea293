package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	_ "github.com/denisenkom/go-mssqldb" // sqlserver
	_ "github.com/go-sql-driver/mysql"   // mysql, mariadb
	_ "github.com/lib/pq"                // postgres
	_ "github.com/mattn/go-sqlite3"      // sqlite
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "github.com/sijms/go-ora/v2" // oracle

	"github.com/speedcam/relay"
	"github.com/speedcam/relay/internal/config"
	"github.com/speedcam/relay/internal/logging"
	"github.com/speedcam/relay/transport/ablyrest"
	"github.com/speedcam/relay/transport/broker"
)

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	db, err := sql.Open(cfg.DriverName(), cfg.DataSourceName())
	if err != nil {
		return fmt.Errorf("opening %s store: %w", cfg.Store.Driver, err)
	}
	defer func() {
		_ = db.Close()
	}()
	// one worker, and no idle handle kept on the store between operations
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(0)

	store := relay.NewStore(db, cfg.Dialect(),
		relay.WithTableName(cfg.Store.Table),
		relay.WithColumns(cfg.StoreColumns()),
		relay.WithPublishedMarker(cfg.Store.PublishedMarker),
	)

	publisher, closePublisher, err := newPublisher(cfg, logger)
	if err != nil {
		return err
	}
	defer closePublisher()

	opts := []relay.RelayOption{
		relay.WithInterval(cfg.Interval),
		relay.WithReadTimeout(cfg.Store.ReadTimeout),
		relay.WithUpdateTimeout(cfg.Store.UpdateTimeout),
		relay.WithPublishTimeout(cfg.Transport.PublishTimeout),
		relay.WithEventName(cfg.Transport.Event),
		relay.WithConnectAttempts(cfg.Connect.Attempts),
		relay.WithLogger(logger),
	}
	if cfg.Connect.MaxBackoff > cfg.Connect.Backoff {
		opts = append(opts, relay.WithExponentialConnectBackoff(cfg.Connect.Backoff, cfg.Connect.MaxBackoff))
	} else {
		opts = append(opts, relay.WithFixedConnectBackoff(cfg.Connect.Backoff))
	}

	if cfg.Metrics.Listen != "" {
		metrics, shutdown, err := serveMetrics(cfg.Metrics.Listen, logger)
		if err != nil {
			return err
		}
		defer shutdown()
		opts = append(opts, relay.WithMetrics(metrics))
	}

	transformer := relay.Transformer{
		Source:         cfg.Source,
		TimezoneSuffix: cfg.Timezone,
	}

	return relay.NewRelay(store, transformer, publisher, opts...).Run(ctx)
}

func newPublisher(cfg config.Config, logger *slog.Logger) (relay.MessagePublisher, func(), error) {
	switch strings.ToLower(cfg.Transport.Kind) {
	case config.TransportAbly:
		p, err := ablyrest.New(ablyrest.Config{
			APIKey:   cfg.Transport.Ably.APIKey,
			Channel:  cfg.Transport.Channel,
			ClientID: cfg.Transport.Ably.ClientID,
		})
		if err != nil {
			return nil, nil, err
		}
		return p, func() {}, nil

	case config.TransportNATS:
		p, err := broker.NewNATS(broker.NATSConfig{
			URL:     cfg.Transport.NATS.URL,
			Subject: cfg.Transport.Channel,
		}, logging.Watermill(logger))
		if err != nil {
			return nil, nil, err
		}
		return p, func() {
			if err := p.Close(); err != nil {
				logger.Error("failed to close nats publisher", "err", err)
			}
		}, nil

	default:
		return nil, nil, fmt.Errorf("unsupported transport %q", cfg.Transport.Kind)
	}
}

func serveMetrics(addr string, logger *slog.Logger) (*relay.Metrics, func(), error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	metrics, err := relay.NewMetrics(registry)
	if err != nil {
		return nil, nil, fmt.Errorf("registering metrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "err", err)
		}
	}()

	return metrics, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
