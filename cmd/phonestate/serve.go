package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sweeney/phonestate-mqtt/internal/bridge"
	"github.com/sweeney/phonestate-mqtt/internal/config"
	"github.com/sweeney/phonestate-mqtt/internal/feed"
	"github.com/sweeney/phonestate-mqtt/internal/logging"
	"github.com/sweeney/phonestate-mqtt/internal/metrics"
	"github.com/sweeney/phonestate-mqtt/internal/publisher"
	"github.com/sweeney/phonestate-mqtt/internal/tracker"
)

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Connect to the call feed and bridge events to MQTT",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "/etc/phonestate/phonestate.yaml", "Path to config file")
	return cmd
}

func serve(parent context.Context, cfg *config.Config) error {
	logger, closer, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("configuring logging: %w", err)
	}
	defer closer.Close()
	log := logging.Component(logger, "main")

	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			log.Infof("received signal %v, shutting down", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	pub, err := publisher.NewMQTTPublisher(publisher.MQTTOptions{
		Broker:   cfg.MQTT.Broker,
		ClientID: cfg.MQTT.ClientID,
		Username: cfg.MQTT.Username,
		Password: cfg.MQTT.Password,
		QoS:      byte(cfg.MQTT.QoS),
		Retain:   cfg.MQTT.Retain,
		Logger:   logging.Component(logger, "mqtt"),
	})
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer pub.Close()

	stream := feed.NewStream(logger.WithField("source", cfg.Source.Addr()))
	trk := tracker.New(stream,
		tracker.WithMetrics(m),
		tracker.WithLogger(logrus.NewEntry(logger)),
	)
	defer trk.Close()

	b := bridge.New(trk, pub, bridge.Options{
		TopicPrefix:  cfg.MQTT.TopicPrefix,
		QueueSize:    cfg.Bridge.QueueSize,
		Metrics:      m,
		Logger:       logrus.NewEntry(logger),
		DrainTimeout: cfg.Bridge.DrainTimeout,
	})
	if err := b.SubscribeControl(pub); err != nil {
		return err
	}
	if cfg.Bridge.ListenOnStart {
		b.StartListening()
	}
	bridgeDone := make(chan struct{})
	go func() {
		defer close(bridgeDone)
		b.Run(ctx)
	}()

	if cfg.Metrics.Addr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Addr, reg, logging.Component(logger, "metrics")); err != nil {
				log.WithError(err).Error("metrics endpoint stopped")
			}
		}()
	}

	run(ctx, cfg.Source, stream, trk, log)

	// Flush queued events before the deferred publisher Close.
	cancel()
	<-bridgeDone
	log.Info("shutdown complete")
	return nil
}

// run keeps a feed session open until ctx is cancelled, reconnecting after
// failures.
func run(ctx context.Context, src config.SourceConfig, stream *feed.Stream, trk *tracker.Tracker, log *logrus.Entry) {
	for {
		err := runSession(ctx, src, stream, trk, log)
		if ctx.Err() != nil {
			return
		}
		log.WithError(err).Warnf("feed session ended, reconnecting in %s", src.ReconnectInterval)
		select {
		case <-time.After(src.ReconnectInterval):
		case <-ctx.Done():
			return
		}
	}
}

func runSession(ctx context.Context, src config.SourceConfig, stream *feed.Stream, trk *tracker.Tracker, log *logrus.Entry) error {
	addr := src.Addr()
	log.Infof("connecting to call feed at %s", addr)

	var d net.Dialer
	dialCtx, cancelDial := context.WithTimeout(ctx, 10*time.Second)
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	cancelDial()
	if err != nil {
		return fmt.Errorf("dial feed: %w", err)
	}
	defer conn.Close()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Unblock the reader when the session is cancelled
	go func() {
		<-sessionCtx.Done()
		conn.Close()
	}()

	// Observations from the previous session are stale.
	if stale := stream.Reset(); len(stale) > 0 {
		for _, id := range stale {
			trk.Forget(id)
		}
		log.WithField("calls", len(stale)).Warn("dropped calls left open by previous feed session")
	}

	log.Info("feed connected, processing observations")
	if err := stream.Run(sessionCtx, conn); err != nil {
		return err
	}
	return fmt.Errorf("feed connection closed")
}
