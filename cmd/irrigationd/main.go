package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/grovebox/irrigationd/internal/config"
	"github.com/grovebox/irrigationd/internal/doselog"
	"github.com/grovebox/irrigationd/internal/engine"
	"github.com/grovebox/irrigationd/internal/iodev"
	"github.com/grovebox/irrigationd/internal/iodev/mqttio"
	"github.com/grovebox/irrigationd/internal/iodev/simio"
	"github.com/grovebox/irrigationd/internal/metrics"
	"github.com/grovebox/irrigationd/internal/model"
	"github.com/grovebox/irrigationd/internal/schedule"
	"github.com/grovebox/irrigationd/internal/store"
	"github.com/grovebox/irrigationd/pkg/mqttbus"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "irrigationd",
		Short: "Irrigation scheduling daemon",
		Long: "irrigationd evaluates irrigation schedules once a minute, drives valves,\n" +
			"pumps and grow lights, and replays its dose log after a power loss.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	return cmd
}

func newLogger(level string) (*zap.SugaredLogger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := zcfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

func run(ctx context.Context, cfg config.Config) error {
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	devices, err := mqttio.LoadDevicesFile(cfg.ActuatorsFile)
	if err != nil {
		return err
	}

	provider, err := buildProvider(ctx, cfg, devices, logger)
	if err != nil {
		return err
	}
	provider = iodev.NewBreakerProvider(provider, logger)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("data dir: %w", err)
	}
	repo, err := store.NewRepository(filepath.Join(cfg.DataDir, "schedules"), logger)
	if err != nil {
		return err
	}

	fileLog, err := doselog.OpenFileLog(filepath.Join(cfg.DataDir, "doses.log"), logger)
	if err != nil {
		return err
	}
	defer func() { _ = fileLog.Close() }()
	var log doselog.Log = fileLog
	if cfg.TrendEnabled() {
		mirror, err := doselog.NewTrendMirror(doselog.TrendConfig{
			URL:         cfg.Influx.URL,
			Token:       cfg.Influx.Token,
			Org:         cfg.Influx.Org,
			Bucket:      cfg.Influx.Bucket,
			Measurement: cfg.Influx.Measurement,
		}, logger)
		if err != nil {
			return err
		}
		log = doselog.NewMirroredLog(fileLog, mirror)
		logger.Infow("dose trend mirror enabled", "url", cfg.Influx.URL, "bucket", cfg.Influx.Bucket)
	}

	registry := prometheus.NewRegistry()
	var sink metrics.Sink = metrics.NewPrometheusSink(registry, logger)

	dryRun := new(atomic.Bool)
	dryRun.Store(cfg.DryRun)

	state := engine.NewState()
	pool := engine.NewWorkerPool(cfg.PoolSize, provider, log, state, sink, logger, time.Now, dryRun.Load)
	resolver := schedule.NewResolver(repo, logger)
	calc := schedule.NewDoseCalculator(provider)
	evaluator := engine.NewEvaluator(
		cfg.TickInterval, provider, resolver, calc, pool, state, log, sink, logger, time.Now, dryRun.Load)
	recovery := engine.NewRecoveryManager(log, provider, pool, sink, logger, time.Now, cfg.MinRecovery)
	eng := engine.NewEngine(provider, evaluator, recovery, pool, state, repo, logger, dryRun)

	metricsSrv := serveMetrics(cfg.MetricsAddr, registry, logger)

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("engine start: %w", err)
	}

	<-ctx.Done()
	logger.Info("shutdown requested")
	eng.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	return nil
}

func buildProvider(ctx context.Context, cfg config.Config, devices mqttio.DeviceConfig, logger *zap.SugaredLogger) (iodev.Provider, error) {
	if cfg.Simulate {
		sim := simio.NewProvider(logger, time.Now)
		for _, d := range devices.Actuators {
			sim.AddActuator(iodev.Actuator{
				ID:              d.ID,
				Kind:            iodev.ActuatorKind(d.Kind),
				ScheduleEnabled: d.ScheduleEnabled,
			}, model.Calibration{
				RateMLPerSec:  d.FlowRateMLPerS,
				EmitterCount:  d.EmitterCount,
				LPHPerEmitter: d.LPHPerEmitter,
			})
		}
		for _, s := range devices.Sensors {
			sim.AddSensor(s.ID, s.ActuatorID)
		}
		logger.Infow("running against simulated hardware",
			"actuators", len(devices.Actuators), "sensors", len(devices.Sensors))
		return sim, nil
	}

	client, err := mqttbus.Connect(ctx, mqttbus.Config{
		Host:     cfg.MQTT.Host,
		Port:     cfg.MQTT.Port,
		User:     cfg.MQTT.User,
		Password: cfg.MQTT.Password,
		ClientID: cfg.MQTT.ClientID,
	}, logger)
	if err != nil {
		return nil, err
	}
	p := mqttio.NewProvider(client, devices.Actuators, cfg.SensorTTL, logger)
	go p.Run(ctx)
	return p, nil
}

func serveMetrics(addr string, registry *prometheus.Registry, logger *zap.SugaredLogger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorw("metrics server failed", "addr", addr, "error", err)
		}
	}()
	logger.Infow("metrics server listening", "addr", addr)
	return srv
}
