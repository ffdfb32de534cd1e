package capture

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"mdvr/internal/logging"
	"mdvr/internal/metrics"
)

// StopLevel is the hardest signal sent to a job
type StopLevel int32

const (
	StopNone StopLevel = iota
	StopInterrupt
	StopTerminate
	StopKill
)

func (l StopLevel) String() string {
	switch l {
	case StopInterrupt:
		return "SIGINT"
	case StopTerminate:
		return "SIGTERM"
	case StopKill:
		return "SIGKILL"
	default:
		return "none"
	}
}

// ExitStatus is the final state of a capture process. Processes killed by a
// signal report 128+signal.
type ExitStatus struct {
	Code   int       `json:"code"`
	Forced bool      `json:"forced"`
	Level  StopLevel `json:"level"`
}

const (
	// ForcedExitCode is reported when a killed process was not reaped in time
	ForcedExitCode = -1

	recentErrorLines = 32
	reapTimeout      = 2 * time.Second
)

var errorMarkers = []string{"error", "failed", "connection timed out", "server returned"}

// IsErrorLine reports whether an ffmpeg diagnostic line describes a failure
func IsErrorLine(line string) bool {
	lower := strings.ToLower(line)
	for _, marker := range errorMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// Option configures Start
type Option func(*options)

type options struct {
	logger *logrus.Logger
	argv   []string
}

// WithLogger sets the logger
func WithLogger(logger *logrus.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithArgv replaces the ffmpeg command line
func WithArgv(argv ...string) Option {
	return func(o *options) {
		o.argv = argv
	}
}

// Job owns one running capture process. The process runs in its own
// process group and is always reaped by the monitor goroutine.
type Job struct {
	spec      Spec
	cmd       *exec.Cmd
	startedAt time.Time
	logger    *logrus.Entry
	errors    *lineRing

	done   chan struct{}
	status ExitStatus // set before done is closed

	level  atomic.Int32
	forced atomic.Bool
	stopMu sync.Mutex
}

// Start spawns exactly one capture process for spec
func Start(ctx context.Context, spec Spec, opts ...Option) (*Job, error) {
	o := options{logger: logging.Discard()}
	for _, opt := range opts {
		opt(&o)
	}
	argv := o.argv
	if len(argv) == 0 {
		bin := spec.FFmpegPath
		if bin == "" {
			bin = "ffmpeg"
		}
		argv = append([]string{bin}, BuildArgs(spec)...)
	}

	j := &Job{
		spec:   spec,
		logger: logging.NewCameraLogger(logging.NewComponentLogger(o.logger, "capture"), spec.Target.CameraIndex),
		errors: newLineRing(recentErrorLines),
		done:   make(chan struct{}),
	}

	fail := func(err error) (*Job, error) {
		metrics.RecordSpawn(false)
		return nil, &SpawnError{CameraIndex: spec.Target.CameraIndex, Err: err}
	}

	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	setProcessGroup(cmd)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fail(err)
	}
	if err := cmd.Start(); err != nil {
		return fail(err)
	}

	j.cmd = cmd
	j.startedAt = time.Now()
	metrics.RecordSpawn(true)
	metrics.ActiveJobs.Inc()

	j.logger.WithFields(logrus.Fields{
		"pid":    cmd.Process.Pid,
		"output": spec.OutputPath,
		"mode":   spec.Target.Mode,
	}).Info("Capture started")

	go j.monitor(stderr)

	return j, nil
}

// monitor classifies diagnostic lines until the process closes stderr, then reaps it
func (j *Job) monitor(stderr io.Reader) {
	camera := j.spec.Target.CameraIndex

	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if IsErrorLine(line) {
			j.errors.add(line)
			metrics.RecordErrorLine(camera)
			j.logger.WithField("line", line).Error("Capture reported an error")
			continue
		}
		j.logger.WithField("line", line).Debug("Capture output")
	}
	// keep the pipe drained so the process never blocks on a write
	_, _ = io.Copy(io.Discard, stderr)

	waitErr := j.cmd.Wait()
	j.status = ExitStatus{Code: exitCodeOf(j.cmd.ProcessState, waitErr)}
	metrics.ActiveJobs.Dec()

	j.logger.WithFields(logrus.Fields{
		"exit_code": j.status.Code,
		"duration":  time.Since(j.startedAt).Round(time.Millisecond).String(),
	}).Info("Capture process exited")

	close(j.done)
}

func (j *Job) exitStatus() ExitStatus {
	st := j.status
	st.Level = StopLevel(j.level.Load())
	st.Forced = j.forced.Load()
	return st
}

// Wait blocks until the process exits on its own or ctx is done
func (j *Job) Wait(ctx context.Context) (ExitStatus, error) {
	select {
	case <-j.done:
		return j.exitStatus(), nil
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}
}

// Stop shuts the process down: SIGINT, wait timeout, SIGTERM, wait timeout,
// SIGKILL and reap. Stopping an exited job returns its status.
func (j *Job) Stop(timeout time.Duration) ExitStatus {
	j.stopMu.Lock()
	defer j.stopMu.Unlock()

	select {
	case <-j.done:
		return j.exitStatus()
	default:
	}

	j.signal(StopInterrupt)
	if j.waitDone(timeout) {
		return j.exitStatus()
	}

	j.escalate(StopTerminate, timeout)
	if j.waitDone(timeout) {
		return j.exitStatus()
	}

	j.escalate(StopKill, 2*timeout)
	if j.waitDone(reapTimeout) {
		return j.exitStatus()
	}

	j.logger.WithField("pid", j.cmd.Process.Pid).Error("Capture process not reaped after SIGKILL")
	return ExitStatus{Code: ForcedExitCode, Forced: true, Level: StopKill}
}

func (j *Job) escalate(level StopLevel, waited time.Duration) {
	err := &ShutdownTimeout{
		CameraIndex: j.spec.Target.CameraIndex,
		Level:       level,
		Waited:      waited,
	}
	logging.LogStructuredError(j.logger, logging.NewStructuredError(err, err.LogContext()))

	if level == StopKill {
		j.forced.Store(true)
	}
	j.signal(level)
}

func (j *Job) signal(level StopLevel) {
	j.level.Store(int32(level))
	metrics.RecordStopSignal(level.String())
	if err := signalGroup(j.cmd, level); err != nil {
		j.logger.WithError(err).WithField("signal", level.String()).Debug("Signal delivery failed")
	}
}

func (j *Job) waitDone(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-j.done:
		return true
	case <-timer.C:
		return false
	}
}

// Done is closed once the process has been reaped
func (j *Job) Done() <-chan struct{} { return j.done }

// CameraIndex returns the zero-based camera index
func (j *Job) CameraIndex() int { return j.spec.Target.CameraIndex }

// PID returns the process id
func (j *Job) PID() int { return j.cmd.Process.Pid }

// ErrorLines returns the most recent diagnostic lines classified as errors
func (j *Job) ErrorLines() []string { return j.errors.snapshot() }
