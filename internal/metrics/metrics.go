// Package metrics provides Prometheus metrics for the recorder.
// Labels are bounded: camera numbers, statuses and signal names only.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CaptureSpawnTotal counts capture process starts by result (started/failed).
	CaptureSpawnTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mdvr_capture_spawn_total",
		Help: "Total number of capture process spawns, by result.",
	}, []string{"result"})

	// CaptureOutcomeTotal counts per-camera cycle outcomes.
	CaptureOutcomeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mdvr_capture_outcome_total",
		Help: "Total number of per-camera capture outcomes, by camera and status.",
	}, []string{"camera", "status"})

	// CaptureErrorLinesTotal counts ffmpeg stderr lines classified as errors.
	CaptureErrorLinesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mdvr_capture_error_lines_total",
		Help: "Total number of capture diagnostic lines classified as errors, by camera.",
	}, []string{"camera"})

	// StopSignalTotal counts signals sent while stopping capture processes.
	StopSignalTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mdvr_stop_signal_total",
		Help: "Total number of stop signals sent to capture processes, by signal.",
	}, []string{"signal"})

	// ActiveJobs tracks capture processes currently running.
	ActiveJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mdvr_active_capture_jobs",
		Help: "Current number of running capture processes.",
	})

	// GateTransitionTotal counts door gate state transitions.
	GateTransitionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mdvr_gate_transition_total",
		Help: "Total number of door gate transitions, by source and target state.",
	}, []string{"from", "to"})

	// GateRecording is 1 while the gate is recording.
	GateRecording = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mdvr_gate_recording",
		Help: "1 while door-gated recording is active.",
	})

	// StorageBytes is the materials directory size after the last reconcile.
	StorageBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mdvr_storage_bytes",
		Help: "Materials directory size in bytes after the last reconcile.",
	})

	// StorageDeletedTotal counts files deleted to stay under the size limit.
	StorageDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mdvr_storage_deleted_total",
		Help: "Total number of material files deleted by the reconciler.",
	})

	// StorageParseSkipTotal counts files excluded because their name did not parse.
	StorageParseSkipTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mdvr_storage_parse_skip_total",
		Help: "Total number of files skipped by the reconciler because the name did not parse.",
	})

	// UploadTotal counts uploaded files by result.
	UploadTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mdvr_upload_total",
		Help: "Total number of material uploads, by result.",
	}, []string{"result"})

	// UploadBytesTotal counts bytes uploaded.
	UploadBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mdvr_upload_bytes_total",
		Help: "Total number of bytes uploaded.",
	})

	// WatchdogPingTotal counts watchdog notifications sent to systemd.
	WatchdogPingTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mdvr_watchdog_ping_total",
		Help: "Total number of watchdog notifications sent.",
	})
)

// CameraLabel renders a zero-based camera index as its one-based label
func CameraLabel(cameraIndex int) string {
	return strconv.Itoa(cameraIndex + 1)
}

// RecordSpawn increments the spawn counter
func RecordSpawn(ok bool) {
	if ok {
		CaptureSpawnTotal.WithLabelValues("started").Inc()
		return
	}
	CaptureSpawnTotal.WithLabelValues("failed").Inc()
}

// RecordOutcome increments the per-camera outcome counter
func RecordOutcome(cameraIndex int, status string) {
	CaptureOutcomeTotal.WithLabelValues(CameraLabel(cameraIndex), status).Inc()
}

// RecordErrorLine increments the error line counter for a camera
func RecordErrorLine(cameraIndex int) {
	CaptureErrorLinesTotal.WithLabelValues(CameraLabel(cameraIndex)).Inc()
}

// RecordStopSignal increments the stop signal counter
func RecordStopSignal(signal string) {
	StopSignalTotal.WithLabelValues(signal).Inc()
}

// RecordGateTransition increments the transition counter and updates the recording gauge
func RecordGateTransition(from, to string, recording bool) {
	GateTransitionTotal.WithLabelValues(from, to).Inc()
	if recording {
		GateRecording.Set(1)
	} else {
		GateRecording.Set(0)
	}
}

// RecordUpload increments the upload counters
func RecordUpload(ok bool, bytes int64) {
	if !ok {
		UploadTotal.WithLabelValues("failed").Inc()
		return
	}
	UploadTotal.WithLabelValues("ok").Inc()
	UploadBytesTotal.Add(float64(bytes))
}
