package supervisor

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"mdvr/internal/capture"
	"mdvr/internal/logging"
	"mdvr/internal/types"
)

func (s *Session) stopAll(timeout time.Duration) types.CycleResult {
	defer s.sup.clear(s)

	outcomes := make([]types.CameraOutcome, len(s.outcomes))
	copy(outcomes, s.outcomes)

	var g errgroup.Group
	for i, sl := range s.slots {
		if sl.handle == nil {
			continue
		}
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("camera %d: stop panicked: %v", sl.target.CameraIndex+1, r)
					ctx := logging.ErrorContext{
						Category:    logging.ErrorCategoryShutdown,
						Severity:    logging.ErrorSeverityCritical,
						Component:   "supervisor",
						Operation:   "stop_all",
						CameraIndex: &sl.target.CameraIndex,
					}
					logging.LogStructuredError(s.sup.logger, logging.NewStructuredError(err, ctx))
					outcomes[i] = types.CameraOutcome{
						CameraIndex: sl.target.CameraIndex,
						Filename:    sl.filename,
						Status:      types.OutcomeProcessFailed,
						ExitCode:    capture.ForcedExitCode,
						Forced:      true,
						Err:         err,
					}
				}
			}()
			outcomes[i] = s.sup.outcomeOf(sl, sl.handle.Stop(timeout))
			return nil
		})
	}
	stopErr := g.Wait()

	for i, sl := range s.slots {
		if sl.handle != nil {
			s.sup.report(outcomes[i])
		}
	}

	result := types.CycleResult{
		CycleID:    s.id,
		StartedAt:  s.startedAt,
		FinishedAt: time.Now(),
		Outcomes:   outcomes,
	}
	s.sup.logger.WithFields(logrus.Fields{
		"session_id": s.id,
		"succeeded":  result.SuccessCount(),
		"cameras":    len(outcomes),
		"stop_error": stopErr != nil,
		"duration":   result.FinishedAt.Sub(s.startedAt).Round(time.Second).String(),
	}).Info("Door-gated recording stopped")
	return result
}
