package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"mdvr/internal/api"
	"mdvr/internal/config"
	"mdvr/internal/door"
	"mdvr/internal/health"
	"mdvr/internal/journal"
	"mdvr/internal/sensor"
	"mdvr/internal/storage"
	"mdvr/internal/supervisor"
	"mdvr/internal/types"
)

var gateCmd = &cobra.Command{
	Use:   "gate",
	Short: "Record while the door is closed",
	Long: `Runs the door gate: cameras record while the door sensor reads closed
and stop once it has been open for rs_timeout seconds. The local API, when
enabled, can activate and deactivate the gate and streams its status.`,
	RunE: runGateCommand,
}

var (
	gateSimulate bool
	gateIdle     bool
	gateAutostop int
)

func init() {
	gateCmd.Flags().BoolVar(&gateSimulate, "simulate", false, "read door states from stdin (open, closed, unknown) instead of GPIO")
	gateCmd.Flags().BoolVar(&gateIdle, "idle", false, "start deactivated and wait for the API")
	gateCmd.Flags().IntVar(&gateAutostop, "autostop", -1, "seconds before the gate deactivates itself, 0 disables (default from config)")

	rootCmd.AddCommand(gateCmd)
}

func runGateCommand(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadRuntime()
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	notifier := health.NewNotifier(health.WithLogger(logger))
	defer notifier.Stopping()

	events, closeJournal := openJournal(cfg, logger)
	defer closeJournal()
	sink := journal.Tee(logEvents(logger), sinkOf(events))

	reader, err := gateReader(cfg, logger)
	if err != nil {
		return err
	}
	if manual, ok := reader.(*sensor.Manual); ok {
		go feedManual(ctx, os.Stdin, manual, logger)
	}

	recorder := supervisor.New(supervisor.NewConfig(cfg),
		supervisor.WithLogger(logger),
		supervisor.WithReconciler(storage.NewReconciler(storage.WithLogger(logger), storage.WithEventSink(sink))),
		supervisor.WithNotifier(notifier),
		supervisor.WithEventSink(sink),
	)
	gate := door.New(door.NewConfig(cfg), reader, recorder,
		door.WithLogger(logger),
		door.WithNotifier(notifier),
		door.WithEventSink(sink),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return gate.Run(gctx)
	})

	if cfg.API.Enabled {
		serverCfg := api.DefaultServerConfig()
		serverCfg.Listen = cfg.API.Listen
		serverCfg.AutostopSeconds = cfg.ReedSwitch.APIAutostopSeconds
		opts := []api.Option{
			api.WithLogger(logger),
			api.WithHealthHandler(notifier.Handler()),
		}
		if events != nil {
			opts = append(opts, api.WithEventStore(events))
		}
		server := api.NewServer(serverCfg, gate, opts...)
		g.Go(func() error {
			return server.Start(gctx)
		})
	}

	if !gateIdle {
		autostop := cfg.ReedSwitch.AutostopSeconds
		if gateAutostop >= 0 {
			autostop = gateAutostop
		}
		if err := gate.Initialize(gctx, autostop); err != nil {
			var hwErr *sensor.HardwareInitError
			if !errors.As(err, &hwErr) || !cfg.API.Enabled {
				stop()
				_ = g.Wait()
				return fmt.Errorf("failed to activate door gate: %w", err)
			}
			logger.WithError(err).Error("Door sensor unavailable, waiting for activation through the API")
		}
	}

	notifier.Ready()
	logger.WithFields(logrus.Fields{
		"cameras":     len(cfg.CameraList),
		"sensor_kind": reader.Kind(),
		"api":         cfg.API.Enabled,
	}).Info("Recorder running")

	return g.Wait()
}

func gateReader(cfg *config.Config, logger *logrus.Logger) (sensor.Reader, error) {
	if gateSimulate {
		return sensor.NewManual(sensor.KindFromFlag(cfg.ReedSwitch.Impulse)), nil
	}
	return sensor.New(door.SensorConfig(cfg), sensor.WithLogger(logger))
}

// openJournal opens the health event journal. A journal that cannot be
// opened is logged and the recorder runs without it.
func openJournal(cfg *config.Config, logger *logrus.Logger) (*journal.Journal, func()) {
	if cfg.Paths.JournalPath == "" {
		return nil, func() {}
	}
	j, err := journal.Open(cfg.Paths.JournalPath, journal.WithLogger(logger))
	if err != nil {
		logger.WithError(err).Warn("Health journal unavailable")
		return nil, func() {}
	}
	if pruned, err := j.Prune(journal.DefaultRetention); err != nil {
		logger.WithError(err).Warn("Failed to prune health journal")
	} else if pruned > 0 {
		logger.WithField("pruned", pruned).Info("Pruned health journal")
	}
	return j, func() {
		if err := j.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close health journal")
		}
	}
}

func sinkOf(j *journal.Journal) types.EventSink {
	if j == nil {
		return nil
	}
	return j.Sink()
}

// logEvents writes every health event to the log at debug level
func logEvents(logger *logrus.Logger) types.EventSink {
	entry := logger.WithField("component", "events")
	return func(event types.HealthEvent) {
		entry.WithFields(logrus.Fields{
			"kind":      event.Kind,
			"camera":    event.CameraIndex,
			"exit_code": event.ExitCode,
		}).Debug(event.Message)
	}
}

// feedManual sets the simulated door reading from lines on r
func feedManual(ctx context.Context, r io.Reader, manual *sensor.Manual, logger *logrus.Logger) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		reading, ok := parseReading(scanner.Text())
		if !ok {
			logger.WithField("input", scanner.Text()).Warn("Expected open, closed or unknown")
			continue
		}
		manual.Set(reading)
		logger.WithField("reading", reading.String()).Info("Simulated door reading")
	}
}

func parseReading(s string) (types.SensorReading, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "o", "open", "opened":
		return types.ReadingOpen, true
	case "c", "close", "closed":
		return types.ReadingClosed, true
	case "u", "unknown":
		return types.ReadingUnknown, true
	default:
		return types.ReadingUnknown, false
	}
}
