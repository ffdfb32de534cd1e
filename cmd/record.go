package main

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"mdvr/internal/health"
	"mdvr/internal/journal"
	"mdvr/internal/storage"
	"mdvr/internal/supervisor"
	"mdvr/internal/types"
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record capture cycles back to back",
	Long: `Runs timer-driven capture cycles: every camera records one bounded video
(or takes one photo), the finished files are moved to the materials store and
the store is trimmed to size_folder_limit_gb. In photo mode cycles are
photo_timeout seconds apart.`,
	RunE: runRecordCommand,
}

var recordCycles int

func init() {
	recordCmd.Flags().IntVar(&recordCycles, "cycles", 0, "stop after this many cycles, 0 runs until interrupted")

	rootCmd.AddCommand(recordCmd)
}

func runRecordCommand(cmd *cobra.Command, args []string) error {
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

	recorder := supervisor.New(supervisor.NewConfig(cfg),
		supervisor.WithLogger(logger),
		supervisor.WithReconciler(storage.NewReconciler(storage.WithLogger(logger), storage.WithEventSink(sink))),
		supervisor.WithNotifier(notifier),
		supervisor.WithEventSink(sink),
	)

	targets := cfg.Targets()
	mode := cfg.CaptureMode()
	var pause time.Duration
	if mode == types.CaptureModePhoto {
		pause = time.Duration(cfg.PhotoTimeout) * time.Second
	}

	notifier.Ready()
	logger.WithFields(logrus.Fields{
		"cameras": len(targets),
		"mode":    mode,
		"pause":   pause.String(),
	}).Info("Cycle recorder running")

	for cycle := 1; recordCycles == 0 || cycle <= recordCycles; cycle++ {
		result := recorder.RunCycle(ctx, targets, mode, time.Now())
		if result.SuccessCount() == 0 && len(targets) > 0 {
			logger.WithField("cycle_id", result.CycleID).Warn("No camera produced a file this cycle")
		}

		if ctx.Err() != nil {
			break
		}
		if pause > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(pause):
			}
		}
		if ctx.Err() != nil {
			break
		}
	}

	logger.Info("Cycle recorder stopped")
	return nil
}
