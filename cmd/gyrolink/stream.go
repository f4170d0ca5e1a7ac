package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gyrolink/pkg/bridge/foxglove"
	"gyrolink/pkg/bridge/mqtt"
	"gyrolink/pkg/config"
	"gyrolink/pkg/logger"
	"gyrolink/pkg/metrics"
	"gyrolink/pkg/protocol"
	"gyrolink/pkg/sensor"
	"gyrolink/pkg/session"
)

var errConnectionLost = errors.New("connection lost")

type streamFlags struct {
	host            string
	port            int
	interval        time.Duration
	maxSendFailures int
	sensorKind      string
	serialPort      string
	baud            int
	logLevel        string
	logFile         string
	history         string
	foxglove        bool
	wsAddr          string
	mqttBroker      string
	metricsAddr     string
	duration        time.Duration
}

func newStreamCmd(root *rootOptions, stdout io.Writer, stderr io.Writer) *cobra.Command {
	f := &streamFlags{}
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Connect to a receiver and stream orientation samples",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := config.LoadOrDefault(root.configPath)
			if err != nil {
				return fail(1, err)
			}
			f.apply(cmd, &cfg)
			if err := cfg.Validate(); err != nil {
				return fail(2, err)
			}
			return runStream(cmd.Context(), cfg, f.duration, stdout, stderr)
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&f.host, "host", "", "receiver host")
	fs.IntVarP(&f.port, "port", "p", 0, "receiver TCP port")
	fs.DurationVarP(&f.interval, "interval", "i", 0, "sampling interval")
	fs.IntVar(&f.maxSendFailures, "max-send-failures", 0, "consecutive send failures before disconnecting (0 never)")
	fs.StringVar(&f.sensorKind, "sensor", "", "sensor source: mock or serial")
	fs.StringVar(&f.serialPort, "serial-port", "", "serial device for the serial sensor")
	fs.IntVar(&f.baud, "baud", 0, "serial baud rate")
	fs.StringVar(&f.logLevel, "log-level", "", "log level")
	fs.StringVar(&f.logFile, "log-file", "", "rotated JSON log file")
	fs.StringVar(&f.history, "history", "", "JSONL event history path, - for stdout")
	fs.BoolVar(&f.foxglove, "foxglove", false, "serve the Foxglove WebSocket bridge")
	fs.StringVar(&f.wsAddr, "ws-addr", "", "Foxglove bridge listen address")
	fs.StringVar(&f.mqttBroker, "mqtt-broker", "", "mirror events to this MQTT broker")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	fs.DurationVar(&f.duration, "duration", 0, "stop after this long (0 runs until interrupted)")
	return cmd
}

// apply overrides cfg with the flags set on the command line.
func (f *streamFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	changed := cmd.Flags().Changed
	if changed("host") {
		cfg.Connection.Host = f.host
	}
	if changed("port") {
		cfg.Connection.Port = f.port
	}
	if changed("interval") {
		cfg.Streaming.Interval = f.interval.String()
	}
	if changed("max-send-failures") {
		cfg.Streaming.MaxSendFailures = f.maxSendFailures
	}
	if changed("sensor") {
		cfg.Sensor.Kind = f.sensorKind
	}
	if changed("serial-port") {
		cfg.Sensor.Port = f.serialPort
	}
	if changed("baud") {
		cfg.Sensor.Baud = f.baud
	}
	if changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if changed("log-file") {
		cfg.Log.File = f.logFile
	}
	if changed("history") {
		cfg.Log.History = f.history
	}
	if changed("foxglove") {
		cfg.Foxglove.Enabled = f.foxglove
	}
	if changed("ws-addr") {
		cfg.Foxglove.WSAddr = f.wsAddr
	}
	if changed("mqtt-broker") {
		cfg.MQTT.Broker = f.mqttBroker
		cfg.MQTT.Enabled = f.mqttBroker != ""
	}
	if changed("metrics-addr") {
		cfg.Metrics.Addr = f.metricsAddr
	}
}

func openSource(cfg config.Config, log *zap.Logger) (sensor.Source, func(), error) {
	switch cfg.Sensor.Kind {
	case config.SensorSerial:
		src, err := sensor.OpenSerial(cfg.SerialConfig(), log)
		if err != nil {
			return nil, nil, err
		}
		return src, func() { _ = src.Close() }, nil
	default:
		src := sensor.NewMockSource()
		src.Start()
		return src, src.Stop, nil
	}
}

func runStream(ctx context.Context, cfg config.Config, duration time.Duration, stdout io.Writer, stderr io.Writer) error {
	logOpts := cfg.LoggerOptions()
	logOpts.Console = stderr
	log, err := logger.New(logOpts)
	if err != nil {
		return fail(2, err)
	}
	defer func() { _ = log.Sync() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(reg)
	if err != nil {
		return fail(1, err)
	}

	src, closeSource, err := openSource(cfg, log)
	if err != nil {
		return fail(1, fmt.Errorf("open sensor: %w", err))
	}
	defer closeSource()

	var mirror *mqtt.Mirror
	if cfg.MQTT.Enabled {
		mcfg := cfg.MQTTConfig()
		client, disconnect, err := mqtt.Connect(mcfg)
		if err != nil {
			return fail(1, err)
		}
		defer disconnect()
		mirror = mqtt.NewMirror(mcfg, client, log.Named("mqtt"))
	}

	sess := session.New(src,
		session.WithConfig(cfg.SessionConfig()),
		session.WithLogger(log),
		session.WithMetrics(m),
	)
	defer sess.Close()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}
	ctx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	g, gctx := errgroup.WithContext(ctx)

	// Subscriptions taken before Connect see the whole session.
	var stopping atomic.Bool
	watch := sess.SubscribeWithBuffer(64)
	g.Go(func() error {
		connected := false
		for ev := range watch {
			if ev.Kind != protocol.EventStatusChanged {
				continue
			}
			switch ev.State {
			case protocol.StateConnected, protocol.StateStreaming:
				connected = true
			case protocol.StateDisconnected:
				if connected && !stopping.Load() {
					return fmt.Errorf("%w: %s", errConnectionLost, ev.Reason)
				}
			}
		}
		return nil
	})

	if err := startHistory(g, sess, cfg.Log.History, stdout); err != nil {
		return fail(1, err)
	}

	if cfg.Foxglove.Enabled {
		srv := foxglove.NewServer(cfg.FoxgloveConfig(), sess, foxglove.WithLogger(log.Named("foxglove")))
		g.Go(func() error {
			return srv.Run(gctx)
		})
	}

	if mirror != nil {
		g.Go(func() error {
			return mirror.Run(gctx, sess)
		})
	}

	if cfg.Metrics.Addr != "" {
		serveMetrics(gctx, g, cfg.Metrics.Addr, reg, log)
	}

	ep, _ := cfg.Endpoint()
	abort := func(err error) error {
		stopping.Store(true)
		cancelRun()
		_ = sess.Close()
		_ = g.Wait()
		return fail(1, err)
	}
	if err := sess.Connect(gctx, ep); err != nil {
		return abort(fmt.Errorf("connect %s: %w", ep, err))
	}
	if err := sess.StartStreaming(cfg.StreamingConfig()); err != nil {
		return abort(err)
	}

	<-gctx.Done()
	stopping.Store(true)
	sess.StopStreaming()
	closeErr := multierr.Combine(sess.Disconnect(), sess.Close())

	if err := g.Wait(); err != nil {
		return fail(1, err)
	}
	if closeErr != nil {
		log.Warn("disconnect", zap.Error(closeErr))
	}
	return nil
}

// startHistory prints scrollback lines to stdout and, when path is set,
// writes every event as JSONL. "-" sends the JSONL to stdout instead of
// the scrollback.
func startHistory(g *errgroup.Group, sess *session.Session, path string, stdout io.Writer) error {
	if path != "-" {
		lines := sess.Subscribe()
		g.Go(func() error {
			for ev := range lines {
				if line, ok := ev.HistoryLine(); ok {
					fmt.Fprintln(stdout, line)
				}
			}
			return nil
		})
	}
	if path == "" {
		return nil
	}

	var out io.Writer = stdout
	var file *os.File
	if path != "-" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open history: %w", err)
		}
		file = f
		out = f
	}
	events := sess.Subscribe()
	g.Go(func() error {
		logger.NewJSONLWriter(out).Consume(context.Background(), events)
		if file != nil {
			return file.Close()
		}
		return nil
	})
	return nil
}

func serveMetrics(ctx context.Context, g *errgroup.Group, addr string, reg *prometheus.Registry, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		log.Info("metrics listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
