package capture

import (
	"fmt"
	"time"

	"mdvr/internal/logging"
)

// SpawnError reports a capture process that could not be started
type SpawnError struct {
	CameraIndex int
	Err         error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("camera %d: capture spawn failed: %v", e.CameraIndex+1, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// LogContext classifies the error for structured logging
func (e *SpawnError) LogContext() logging.ErrorContext {
	camera := e.CameraIndex
	return logging.ErrorContext{
		Category:    logging.ErrorCategoryCapture,
		Severity:    logging.ErrorSeverityHigh,
		Component:   "capture",
		Operation:   "spawn",
		CameraIndex: &camera,
		Recoverable: true,
	}
}

// ProcessFailure reports a capture process that exited with an unexpected code
type ProcessFailure struct {
	CameraIndex int
	ExitCode    int
	Forced      bool
	// Last diagnostic lines classified as errors
	Tail []string
}

func (e *ProcessFailure) Error() string {
	msg := fmt.Sprintf("camera %d: capture exited with code %d", e.CameraIndex+1, e.ExitCode)
	if e.Forced {
		msg += " after forced kill"
	}
	if len(e.Tail) > 0 {
		msg += ": " + e.Tail[len(e.Tail)-1]
	}
	return msg
}

// LogContext classifies the error for structured logging
func (e *ProcessFailure) LogContext() logging.ErrorContext {
	camera := e.CameraIndex
	return logging.ErrorContext{
		Category:    logging.ErrorCategoryCapture,
		Severity:    logging.ErrorSeverityMedium,
		Component:   "capture",
		Operation:   "wait",
		CameraIndex: &camera,
		Recoverable: true,
		Metadata: map[string]interface{}{
			"exit_code": e.ExitCode,
			"forced":    e.Forced,
		},
	}
}

// ShutdownTimeout reports that a stop had to escalate to a harder signal
type ShutdownTimeout struct {
	CameraIndex int
	Level       StopLevel
	Waited      time.Duration
}

func (e *ShutdownTimeout) Error() string {
	return fmt.Sprintf("camera %d: process still running after %s, escalating to %s", e.CameraIndex+1, e.Waited, e.Level)
}

// LogContext classifies the error for structured logging. Escalation to
// SIGKILL is critical; escalation to SIGTERM is a warning.
func (e *ShutdownTimeout) LogContext() logging.ErrorContext {
	camera := e.CameraIndex
	severity := logging.ErrorSeverityMedium
	if e.Level >= StopKill {
		severity = logging.ErrorSeverityCritical
	}
	return logging.ErrorContext{
		Category:    logging.ErrorCategoryShutdown,
		Severity:    severity,
		Component:   "capture",
		Operation:   "stop",
		CameraIndex: &camera,
		Recoverable: true,
		Metadata:    map[string]interface{}{"level": e.Level.String()},
	}
}
