package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"mdvr/internal/door"
	"mdvr/internal/sensor"
	"mdvr/internal/types"
)

var sensorTestCmd = &cobra.Command{
	Use:   "sensor-test",
	Short: "Print door sensor readings",
	Long: `Sets up the configured door sensor and prints its reading until
interrupted. Useful when wiring a new unit.`,
	RunE: runSensorTestCommand,
}

var (
	sensorInterval time.Duration
	sensorImpulse  bool
	sensorLevel    bool
)

func init() {
	sensorTestCmd.Flags().DurationVar(&sensorInterval, "interval", 500*time.Millisecond, "time between readings")
	sensorTestCmd.Flags().BoolVar(&sensorImpulse, "impulse", false, "test the dual-button impulse panel")
	sensorTestCmd.Flags().BoolVar(&sensorLevel, "level", false, "test the level reed switch")
	sensorTestCmd.MarkFlagsMutuallyExclusive("impulse", "level")

	rootCmd.AddCommand(sensorTestCmd)
}

func runSensorTestCommand(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadRuntime()
	if err != nil {
		return err
	}

	sensorCfg := door.SensorConfig(cfg)
	switch {
	case sensorImpulse:
		sensorCfg.Kind = sensor.KindImpulse
	case sensorLevel:
		sensorCfg.Kind = sensor.KindLevelSwitch
	}

	reader, err := sensor.New(sensorCfg, sensor.WithLogger(logger))
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Testing %s sensor, press Ctrl+C to stop\n", sensorCfg.Kind)
	return sensor.Monitor(ctx, reader, sensorInterval, func(at time.Time, reading types.SensorReading) {
		printReading(out, at, reading)
	})
}

func printReading(w io.Writer, at time.Time, reading types.SensorReading) {
	fmt.Fprintf(w, "%s  door %s\n", at.Format("15:04:05.000"), reading)
}
