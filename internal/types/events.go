package types

import (
	"time"
)

// SensorReading is the tri-state value produced by a door sensor
type SensorReading int

const (
	ReadingUnknown SensorReading = iota
	ReadingOpen
	ReadingClosed
)

// String returns the wire form used by the status API ("opened", "closed", "unknown")
func (r SensorReading) String() string {
	switch r {
	case ReadingOpen:
		return "opened"
	case ReadingClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CaptureMode selects what a capture process produces
type CaptureMode string

const (
	CaptureModeVideo CaptureMode = "video"
	CaptureModePhoto CaptureMode = "photo"
)

// IsValidCaptureMode checks if the provided capture mode is valid
func IsValidCaptureMode(mode string) bool {
	switch CaptureMode(mode) {
	case CaptureModeVideo, CaptureModePhoto:
		return true
	default:
		return false
	}
}

// Extension returns the file extension written for the mode
func (m CaptureMode) Extension() string {
	if m == CaptureModePhoto {
		return "jpg"
	}
	return "mp4"
}

// CaptureTarget is one configured camera. CameraIndex is the zero-based
// position in the camera list and drives the output filename.
type CaptureTarget struct {
	CameraIndex int         `json:"cameraIndex"`
	SourceURI   string      `json:"sourceUri"`
	Mode        CaptureMode `json:"mode"`
}

// TargetsFromURIs builds capture targets in camera list order
func TargetsFromURIs(uris []string, mode CaptureMode) []CaptureTarget {
	targets := make([]CaptureTarget, 0, len(uris))
	for i, uri := range uris {
		targets = append(targets, CaptureTarget{
			CameraIndex: i,
			SourceURI:   uri,
			Mode:        mode,
		})
	}
	return targets
}

// OutcomeStatus constants for per-camera cycle outcomes
const (
	OutcomeSuccess       = "success"
	OutcomeSpawnFailed   = "spawn_failed"
	OutcomeProcessFailed = "process_failed"
)

// CameraOutcome is the result of one camera within a capture cycle
type CameraOutcome struct {
	CameraIndex int    `json:"cameraIndex"`
	Filename    string `json:"filename,omitempty"`
	Status      string `json:"status"`
	ExitCode    int    `json:"exitCode"`
	Forced      bool   `json:"forced,omitempty"` // process had to be killed
	Err         error  `json:"-"`
}

// Succeeded reports whether the camera produced its material
func (o CameraOutcome) Succeeded() bool {
	return o.Status == OutcomeSuccess
}

// CycleResult holds one outcome per target, in camera order
type CycleResult struct {
	CycleID    string          `json:"cycleId"`
	StartedAt  time.Time       `json:"startedAt"`
	FinishedAt time.Time       `json:"finishedAt"`
	Outcomes   []CameraOutcome `json:"outcomes"`
}

// SuccessCount returns how many cameras succeeded
func (r CycleResult) SuccessCount() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Succeeded() {
			n++
		}
	}
	return n
}

// Filenames returns the output names of cameras that succeeded
func (r CycleResult) Filenames() []string {
	var names []string
	for _, o := range r.Outcomes {
		if o.Succeeded() && o.Filename != "" {
			names = append(names, o.Filename)
		}
	}
	return names
}

// HealthEvent kinds emitted by the recorder
const (
	EventGateTransition = "gate_transition"
	EventCameraOutcome  = "camera_outcome"
	EventSpawnFailure   = "spawn_failure"
	EventSensorFailure  = "sensor_failure"
	EventStorageCleanup = "storage_cleanup"
	EventShutdownFailed = "shutdown_failure"
)

// HealthEvent is a notable occurrence forwarded to logs, metrics and the journal
type HealthEvent struct {
	ID          int64     `json:"id,omitempty"`
	Kind        string    `json:"kind"`
	CameraIndex int       `json:"cameraIndex"` // -1 when not camera specific
	ExitCode    int       `json:"exitCode,omitempty"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
}

// EventSink receives health events. Implementations must not block for long.
type EventSink func(event HealthEvent)
