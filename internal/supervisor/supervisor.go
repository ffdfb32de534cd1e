package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"mdvr/internal/capture"
	"mdvr/internal/config"
	"mdvr/internal/logging"
	"mdvr/internal/metrics"
	"mdvr/internal/naming"
	"mdvr/internal/storage"
	"mdvr/internal/types"
)

// ErrSessionActive is returned by StartGated while a session is live
var ErrSessionActive = errors.New("door-gated session already active")

// cycleGrace is added to the video duration before a cycle job is stopped
const cycleGrace = 30 * time.Second

// Handle is a running capture job
type Handle interface {
	Wait(ctx context.Context) (capture.ExitStatus, error)
	Stop(timeout time.Duration) capture.ExitStatus
	ErrorLines() []string
}

// Starter spawns capture jobs
type Starter interface {
	Start(ctx context.Context, spec capture.Spec) (Handle, error)
}

// StarterFunc adapts a function to Starter
type StarterFunc func(ctx context.Context, spec capture.Spec) (Handle, error)

// Start calls f
func (f StarterFunc) Start(ctx context.Context, spec capture.Spec) (Handle, error) {
	return f(ctx, spec)
}

// FFmpegStarter starts real ffmpeg processes
func FFmpegStarter(logger *logrus.Logger) Starter {
	return StarterFunc(func(ctx context.Context, spec capture.Spec) (Handle, error) {
		job, err := capture.Start(ctx, spec, capture.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return job, nil
	})
}

// Pinger receives liveness pings
type Pinger interface {
	Ping()
}

// Config holds what the supervisor needs from the recorder configuration
type Config struct {
	TempDir      string
	MaterialsDir string
	ByteLimit    int64

	FFmpegPath    string
	Transport     string
	SocketTimeout time.Duration
	Width, Height int
	FPS           float64
	VideoDuration time.Duration

	StopTimeout time.Duration
	ExitPolicy  capture.ExitPolicy
}

// NewConfig extracts the supervisor configuration
func NewConfig(cfg *config.Config) Config {
	policy := capture.DefaultExitPolicy()
	if cfg.VideoOptions.ExpectedExitCodes != nil {
		policy.Expected = cfg.VideoOptions.ExpectedExitCodes
	}
	return Config{
		TempDir:       cfg.Paths.TempDir,
		MaterialsDir:  cfg.Paths.MaterialsDir,
		ByteLimit:     cfg.ByteLimit(),
		FFmpegPath:    cfg.FFmpegPath,
		Transport:     cfg.RTSPOptions.Transport,
		SocketTimeout: time.Duration(cfg.RTSPOptions.SocketTimeout) * time.Second,
		Width:         cfg.RTSPOptions.ResolutionX,
		Height:        cfg.RTSPOptions.ResolutionY,
		FPS:           cfg.VideoOptions.FPS,
		VideoDuration: time.Duration(cfg.VideoOptions.VideoDuration) * time.Second,
		StopTimeout:   cfg.StopTimeout,
		ExitPolicy:    policy,
	}
}

// Option configures a Supervisor
type Option func(*Supervisor)

// WithLogger sets the logger
func WithLogger(logger *logrus.Logger) Option {
	return func(s *Supervisor) {
		s.logger = logging.NewComponentLogger(logger, "supervisor")
	}
}

// WithStarter replaces the ffmpeg starter
func WithStarter(starter Starter) Option {
	return func(s *Supervisor) {
		s.starter = starter
	}
}

// WithReconciler sets the storage reconciler
func WithReconciler(r *storage.Reconciler) Option {
	return func(s *Supervisor) {
		s.storage = r
	}
}

// WithNotifier sets the liveness notifier
func WithNotifier(p Pinger) Option {
	return func(s *Supervisor) {
		s.notifier = p
	}
}

// WithEventSink sets the health event receiver
func WithEventSink(sink types.EventSink) Option {
	return func(s *Supervisor) {
		s.sink = sink
	}
}

// Supervisor starts capture jobs per camera, collects their outcomes and
// keeps the materials store in shape after each cycle
type Supervisor struct {
	cfg      Config
	starter  Starter
	storage  *storage.Reconciler
	notifier Pinger
	sink     types.EventSink
	logger   *logrus.Entry

	mu      sync.Mutex
	session *Session
}

// New creates a supervisor
func New(cfg Config, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:    cfg,
		logger: logging.NewComponentLogger(logging.Discard(), "supervisor"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.starter == nil {
		s.starter = FFmpegStarter(s.logger.Logger)
	}
	if s.storage == nil {
		s.storage = storage.NewReconciler(storage.WithLogger(s.logger.Logger), storage.WithEventSink(s.sink))
	}
	return s
}

func (s *Supervisor) ping() {
	if s.notifier != nil {
		s.notifier.Ping()
	}
}

func (s *Supervisor) emit(event types.HealthEvent) {
	if s.sink == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	s.sink(event)
}

// specFor builds the capture spec for one target. Bounded video specs
// stop after the configured duration.
func (s *Supervisor) specFor(target types.CaptureTarget, stamp time.Time, bounded bool) capture.Spec {
	spec := capture.Spec{
		Target:        target,
		OutputPath:    filepath.Join(s.cfg.TempDir, naming.Format(target.CameraIndex, stamp, target.Mode.Extension())),
		FFmpegPath:    s.cfg.FFmpegPath,
		Transport:     s.cfg.Transport,
		SocketTimeout: s.cfg.SocketTimeout,
		Width:         s.cfg.Width,
		Height:        s.cfg.Height,
		FPS:           s.cfg.FPS,
	}
	if bounded && target.Mode == types.CaptureModeVideo {
		spec.Duration = s.cfg.VideoDuration
	}
	return spec
}

type slot struct {
	target   types.CaptureTarget
	filename string
	handle   Handle
}

// startAll starts one job per target in camera order. Spawn failures are
// recorded in outcomes and do not stop the remaining cameras.
func (s *Supervisor) startAll(ctx context.Context, targets []types.CaptureTarget, stamp time.Time, bounded bool) ([]slot, []types.CameraOutcome) {
	if err := os.MkdirAll(s.cfg.TempDir, 0755); err != nil {
		logging.LogError(s.logger, err, "supervisor", "prepare_temp")
	}

	outcomes := make([]types.CameraOutcome, len(targets))
	slots := make([]slot, len(targets))
	for i, target := range targets {
		spec := s.specFor(target, stamp, bounded)
		filename := filepath.Base(spec.OutputPath)
		outcomes[i] = types.CameraOutcome{CameraIndex: target.CameraIndex, Filename: filename}
		slots[i] = slot{target: target, filename: filename}

		handle, err := s.starter.Start(ctx, spec)
		if err != nil {
			var spawnErr *capture.SpawnError
			if !errors.As(err, &spawnErr) {
				err = &capture.SpawnError{CameraIndex: target.CameraIndex, Err: err}
			}
			logging.LogError(s.logger, err, "supervisor", "start")
			outcomes[i].Status = types.OutcomeSpawnFailed
			outcomes[i].Filename = ""
			outcomes[i].ExitCode = -1
			outcomes[i].Err = err
			metrics.RecordOutcome(target.CameraIndex, types.OutcomeSpawnFailed)
			s.emit(types.HealthEvent{
				Kind:        types.EventSpawnFailure,
				CameraIndex: target.CameraIndex,
				ExitCode:    -1,
				Message:     err.Error(),
			})
			continue
		}
		slots[i].handle = handle
		s.ping()
	}
	return slots, outcomes
}

// outcomeOf applies the exit policy to a finished job
func (s *Supervisor) outcomeOf(sl slot, status capture.ExitStatus) types.CameraOutcome {
	outcome := types.CameraOutcome{
		CameraIndex: sl.target.CameraIndex,
		Filename:    sl.filename,
		ExitCode:    status.Code,
		Forced:      status.Forced,
		Status:      types.OutcomeSuccess,
	}
	if err := s.cfg.ExitPolicy.Check(sl.target.CameraIndex, status, sl.handle.ErrorLines()); err != nil {
		outcome.Status = types.OutcomeProcessFailed
		outcome.Err = err
	}
	return outcome
}

// report logs, counts and emits one finished outcome
func (s *Supervisor) report(outcome types.CameraOutcome) {
	metrics.RecordOutcome(outcome.CameraIndex, outcome.Status)
	logger := logging.NewCameraLogger(s.logger, outcome.CameraIndex)

	if outcome.Succeeded() {
		logger.WithFields(logrus.Fields{
			"file":      outcome.Filename,
			"exit_code": outcome.ExitCode,
		}).Info("Camera capture completed")
	} else {
		logging.LogError(logger, outcome.Err, "supervisor", "capture")
	}

	message := outcome.Status
	if outcome.Err != nil {
		message = outcome.Err.Error()
	}
	s.emit(types.HealthEvent{
		Kind:        types.EventCameraOutcome,
		CameraIndex: outcome.CameraIndex,
		ExitCode:    outcome.ExitCode,
		Message:     message,
	})
	if outcome.Forced {
		s.emit(types.HealthEvent{
			Kind:        types.EventShutdownFailed,
			CameraIndex: outcome.CameraIndex,
			ExitCode:    outcome.ExitCode,
			Message:     "capture process had to be killed",
		})
	}
}

// cycleDeadline bounds how long RunCycle waits for a job
func (s *Supervisor) cycleDeadline(mode types.CaptureMode) time.Duration {
	if mode == types.CaptureModeVideo {
		return s.cfg.VideoDuration + cycleGrace
	}
	return cycleGrace
}

// RunCycle runs one bounded capture per target and returns exactly one
// outcome per target, in camera order. Finished files are then moved to the
// materials store and the store is reconciled.
func (s *Supervisor) RunCycle(ctx context.Context, targets []types.CaptureTarget, mode types.CaptureMode, stamp time.Time) types.CycleResult {
	result := types.CycleResult{
		CycleID:   uuid.NewString(),
		StartedAt: time.Now(),
	}
	logger := s.logger.WithField("cycle_id", result.CycleID)
	logger.WithFields(logrus.Fields{
		"cameras": len(targets),
		"mode":    mode,
	}).Info("Starting capture cycle")

	withMode := make([]types.CaptureTarget, len(targets))
	for i, target := range targets {
		target.Mode = mode
		withMode[i] = target
	}

	slots, outcomes := s.startAll(ctx, withMode, stamp, true)

	waitCtx, cancel := context.WithTimeout(ctx, s.cycleDeadline(mode))
	defer cancel()

	for i, sl := range slots {
		if sl.handle == nil {
			continue
		}
		status, err := sl.handle.Wait(waitCtx)
		if err != nil {
			logging.NewCameraLogger(logger, sl.target.CameraIndex).WithError(err).Warn("Capture did not finish in time, stopping")
			status = sl.handle.Stop(s.cfg.StopTimeout)
		}
		outcomes[i] = s.outcomeOf(sl, status)
		s.report(outcomes[i])
	}

	result.Outcomes = outcomes
	s.ping()
	s.Settle()

	result.FinishedAt = time.Now()
	logger.WithFields(logrus.Fields{
		"succeeded": result.SuccessCount(),
		"cameras":   len(outcomes),
		"duration":  result.FinishedAt.Sub(result.StartedAt).Round(time.Millisecond).String(),
	}).Info("Capture cycle finished")
	return result
}

// Settle moves finished captures into the materials store and enforces the
// byte limit. Failures are logged and swallowed.
func (s *Supervisor) Settle() {
	if _, err := s.storage.MovePending(s.cfg.TempDir, s.cfg.MaterialsDir); err != nil {
		logging.LogError(s.logger, err, "storage", "move_pending")
	}
	if s.cfg.ByteLimit <= 0 {
		return
	}
	if _, err := s.storage.Reconcile(s.cfg.MaterialsDir, s.cfg.ByteLimit); err != nil {
		logging.LogError(s.logger, err, "storage", "reconcile")
	}
}

// StartGated starts unbounded captures for a door-gated session. The
// session keeps the handles until StopAll.
func (s *Supervisor) StartGated(ctx context.Context, targets []types.CaptureTarget, stamp time.Time) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session != nil {
		return nil, ErrSessionActive
	}

	session := &Session{
		sup:       s,
		id:        uuid.NewString(),
		startedAt: time.Now(),
	}
	session.slots, session.outcomes = s.startAll(ctx, targets, stamp, false)
	s.session = session

	s.logger.WithFields(logrus.Fields{
		"session_id": session.id,
		"cameras":    len(targets),
		"started":    session.Running(),
	}).Info("Door-gated recording started")
	return session, nil
}

// Active returns the live session, if any
func (s *Supervisor) Active() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

func (s *Supervisor) clear(session *Session) {
	s.mu.Lock()
	if s.session == session {
		s.session = nil
	}
	s.mu.Unlock()
}

// Session is a set of door-gated capture jobs, one per camera
type Session struct {
	sup       *Supervisor
	id        string
	startedAt time.Time
	slots     []slot
	outcomes  []types.CameraOutcome

	stopOnce sync.Once
	result   types.CycleResult
}

// ID returns the session id
func (s *Session) ID() string { return s.id }

// Running returns how many cameras started
func (s *Session) Running() int {
	n := 0
	for _, sl := range s.slots {
		if sl.handle != nil {
			n++
		}
	}
	return n
}

// StopAll stops every job concurrently, waits for all of them and clears
// the session from its supervisor. It returns one outcome per camera.
// Later calls return the first result.
func (s *Session) StopAll(timeout time.Duration) types.CycleResult {
	s.stopOnce.Do(func() {
		s.result = s.stopAll(timeout)
	})
	return s.result
}
