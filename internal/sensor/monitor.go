package sensor

import (
	"context"
	"time"

	"mdvr/internal/types"
)

// Monitor sets up r, calls report with a reading every interval until ctx
// is done, then releases r. Used by the sensor test command.
func Monitor(ctx context.Context, r Reader, interval time.Duration, report func(at time.Time, reading types.SensorReading)) error {
	if err := r.Setup(); err != nil {
		return err
	}
	defer r.Release()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		report(time.Now(), r.Read())
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
