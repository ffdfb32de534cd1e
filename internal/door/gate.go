// Package door runs the door-sensor-gated recording state machine
package door

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"mdvr/internal/config"
	"mdvr/internal/logging"
	"mdvr/internal/metrics"
	"mdvr/internal/sensor"
	"mdvr/internal/supervisor"
	"mdvr/internal/types"
)

// ErrNotRunning is returned by commands sent after Run has exited
var ErrNotRunning = errors.New("door gate is not running")

// GateState is the recording state of the gate
type GateState int

const (
	StateIdle GateState = iota
	StateArmed
	StateRecording
)

func (s GateState) String() string {
	switch s {
	case StateArmed:
		return "armed"
	case StateRecording:
		return "recording"
	default:
		return "idle"
	}
}

// Recorder starts door-gated sessions and settles the store after them.
// *supervisor.Supervisor implements it.
type Recorder interface {
	StartGated(ctx context.Context, targets []types.CaptureTarget, stamp time.Time) (*supervisor.Session, error)
	Settle()
}

// Config holds the gate parameters
type Config struct {
	Targets        []types.CaptureTarget
	DebounceWindow time.Duration
	// How long Open must persist before a level-switch recording stops
	PollTimeout  time.Duration
	TickInterval time.Duration
	StopTimeout  time.Duration
	// Publication periods for status subscribers
	PublishInterval       time.Duration
	UrgentPublishInterval time.Duration
}

// NewConfig extracts the gate configuration. In photo mode each door-gated
// session takes one still per camera instead of recording video.
func NewConfig(cfg *config.Config) Config {
	return Config{
		Targets:               cfg.Targets(),
		DebounceWindow:        cfg.DebounceWindow(),
		PollTimeout:           cfg.RSTimeout(),
		TickInterval:          cfg.TickInterval,
		StopTimeout:           cfg.StopTimeout,
		PublishInterval:       10 * time.Second,
		UrgentPublishInterval: time.Second,
	}
}

// SensorConfig builds the sensor parameters from the recorder configuration
func SensorConfig(cfg *config.Config) sensor.Config {
	return sensor.Config{
		Kind:            sensor.KindFromFlag(cfg.ReedSwitch.Impulse),
		DoorPin:         config.PinName(cfg.ReedSwitch.DoorSensorPin),
		ButtonAPin:      config.PinName(cfg.ReedSwitch.ButtonAPin),
		ButtonBPin:      config.PinName(cfg.ReedSwitch.ButtonBPin),
		EdgeBounce:      cfg.EdgeBounce(),
		DebounceWindow:  cfg.DebounceWindow(),
		AutostopSeconds: cfg.ReedSwitch.AutostopSeconds,
		PollTimeout:     cfg.RSTimeout(),
	}
}

// Option configures a Gate
type Option func(*Gate)

// WithLogger sets the logger
func WithLogger(logger *logrus.Logger) Option {
	return func(g *Gate) {
		g.logger = logging.NewComponentLogger(logger, "door")
	}
}

// WithNotifier sets the watchdog notifier pinged on every tick
func WithNotifier(p supervisor.Pinger) Option {
	return func(g *Gate) {
		g.notifier = p
	}
}

// WithEventSink sets the health event receiver
func WithEventSink(sink types.EventSink) Option {
	return func(g *Gate) {
		g.sink = sink
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		g.now = now
	}
}

type commandKind int

const (
	cmdInitialize commandKind = iota
	cmdDeactivate
)

type command struct {
	kind     commandKind
	autostop int
	reply    chan error
}

// Gate drives door-gated recording from sensor readings. All sensor and
// session handling happens on the goroutine running Run (or calling Step);
// other goroutines talk to it through Initialize, Deactivate and Snapshot.
type Gate struct {
	cfg      Config
	reader   sensor.Reader
	recorder Recorder
	notifier supervisor.Pinger
	sink     types.EventSink
	logger   *logrus.Entry
	now      func() time.Time

	commands chan command
	done     chan struct{}

	// owned by the control goroutine
	state       GateState
	initialized bool
	autostopAt  time.Time
	autostopped bool
	armedAt     time.Time
	openSince   time.Time
	session     *supervisor.Session
	reading     types.SensorReading
	lastPublish time.Time

	mu       sync.RWMutex
	snapshot Snapshot

	subMu       sync.Mutex
	subscribers map[int]func(StatusSnapshot)
	nextSub     int
}

// New creates a gate in the uninitialised Idle state
func New(cfg Config, reader sensor.Reader, recorder Recorder, opts ...Option) *Gate {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 100 * time.Millisecond
	}
	if cfg.PublishInterval <= 0 {
		cfg.PublishInterval = 10 * time.Second
	}
	if cfg.UrgentPublishInterval <= 0 {
		cfg.UrgentPublishInterval = time.Second
	}
	g := &Gate{
		cfg:         cfg,
		reader:      reader,
		recorder:    recorder,
		logger:      logging.NewComponentLogger(logging.Discard(), "door"),
		now:         time.Now,
		commands:    make(chan command),
		done:        make(chan struct{}),
		subscribers: make(map[int]func(StatusSnapshot)),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.WithField("sensor_kind", reader.Kind())
	g.snapshot = g.buildSnapshot(g.now())
	return g
}

// Run ticks the state machine and serves commands until ctx is done. On
// exit any recording is stopped and the sensor released.
func (g *Gate) Run(ctx context.Context) error {
	defer close(g.done)

	ticker := time.NewTicker(g.cfg.TickInterval)
	defer ticker.Stop()

	g.logger.WithField("tick_interval", g.cfg.TickInterval.String()).Info("Door gate started")

	for {
		select {
		case <-ctx.Done():
			g.deactivate(g.now(), "shutdown")
			g.logger.Info("Door gate stopped")
			return nil
		case cmd := <-g.commands:
			cmd.reply <- g.handle(cmd, g.now())
		case <-ticker.C:
			g.Step(g.now())
		}
	}
}

func (g *Gate) send(ctx context.Context, cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case g.commands <- cmd:
	case <-g.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Initialize activates the sensor. autostopSeconds > 0 arms a deadline
// after which the gate deactivates itself. A failed sensor setup is
// returned as *sensor.HardwareInitError and leaves the gate uninitialised.
func (g *Gate) Initialize(ctx context.Context, autostopSeconds int) error {
	return g.send(ctx, command{kind: cmdInitialize, autostop: autostopSeconds})
}

// Deactivate stops any recording and releases the sensor
func (g *Gate) Deactivate(ctx context.Context) error {
	return g.send(ctx, command{kind: cmdDeactivate})
}

func (g *Gate) handle(cmd command, now time.Time) error {
	switch cmd.kind {
	case cmdInitialize:
		return g.initialize(now, cmd.autostop)
	case cmdDeactivate:
		g.deactivate(now, "stop requested")
		return nil
	default:
		return fmt.Errorf("unknown door command %d", cmd.kind)
	}
}

func (g *Gate) initialize(now time.Time, autostopSeconds int) error {
	if !g.initialized {
		if err := g.reader.Setup(); err != nil {
			logging.LogError(g.logger, err, "door", "initialize")
			g.emit(types.HealthEvent{
				Kind:        types.EventSensorFailure,
				CameraIndex: -1,
				Message:     err.Error(),
				Timestamp:   now,
			})
			g.publish(now, true)
			return err
		}
		g.initialized = true
		g.state = StateIdle
		g.reading = types.ReadingUnknown
	}

	g.autostopped = false
	g.autostopAt = time.Time{}
	if autostopSeconds > 0 {
		g.autostopAt = now.Add(time.Duration(autostopSeconds) * time.Second)
	}

	g.logger.WithField("autostop_seconds", autostopSeconds).Info("Door sensor initialized")
	g.publish(now, true)
	return nil
}

func (g *Gate) deactivate(now time.Time, reason string) {
	wasInitialized := g.initialized
	g.stopRecording(now, reason)
	g.transition(StateIdle, now)
	g.release()
	g.autostopAt = time.Time{}
	g.autostopped = false
	if wasInitialized {
		g.logger.WithField("reason", reason).Info("Door sensor deactivated")
	}
	g.publish(now, true)
}

func (g *Gate) release() {
	if err := g.reader.Release(); err != nil {
		logging.LogError(g.logger, err, "door", "release")
	}
	g.initialized = false
	g.reading = types.ReadingUnknown
}

func (g *Gate) autostop(now time.Time) {
	g.logger.Info("Autostop deadline reached, deactivating door sensor")
	g.stopRecording(now, "autostop")
	g.transition(StateIdle, now)
	g.release()
	g.autostopAt = time.Time{}
	g.autostopped = true
	g.publish(now, true)
	// the autostop flag is reported once, later updates read false
	g.autostopped = false
}

// Step runs one tick of the state machine at now
func (g *Gate) Step(now time.Time) {
	g.ping()

	if !g.initialized {
		g.publish(now, false)
		return
	}
	if !g.autostopAt.IsZero() && !now.Before(g.autostopAt) {
		g.autostop(now)
		return
	}

	reading := g.reader.Read()
	changed := reading != g.reading
	if changed && reading == types.ReadingUnknown {
		g.logger.WithField("previous", g.reading.String()).Warn("Door sensor reading became unknown")
		g.emit(types.HealthEvent{
			Kind:        types.EventSensorFailure,
			CameraIndex: -1,
			Message:     "sensor reading unknown",
			Timestamp:   now,
		})
	}
	g.reading = reading

	switch g.state {
	case StateIdle:
		if reading == types.ReadingClosed {
			if g.reader.Kind() == sensor.KindImpulse {
				g.startRecording(now)
			} else {
				g.armedAt = now
				g.transition(StateArmed, now)
			}
		}
	case StateArmed:
		switch reading {
		case types.ReadingClosed:
			if now.Sub(g.armedAt) >= g.cfg.DebounceWindow {
				g.startRecording(now)
			}
		case types.ReadingOpen:
			g.transition(StateIdle, now)
		}
	case StateRecording:
		switch reading {
		case types.ReadingOpen:
			if g.openSince.IsZero() {
				g.openSince = now
				if g.pollTimeout() > 0 {
					g.logger.WithField("timeout", g.pollTimeout().String()).Info("Door opened, recording stops unless it closes again")
				}
			}
			if now.Sub(g.openSince) >= g.pollTimeout() {
				g.stopRecording(now, "door opened")
				g.transition(StateIdle, now)
			}
		case types.ReadingClosed:
			if !g.openSince.IsZero() {
				g.logger.Info("Door closed again, pending stop cancelled")
				g.openSince = time.Time{}
			}
		}
	}

	g.publish(now, changed)
}

func (g *Gate) pollTimeout() time.Duration {
	if g.reader.Kind() == sensor.KindImpulse {
		return 0
	}
	return g.cfg.PollTimeout
}

func (g *Gate) startRecording(now time.Time) {
	session, err := g.recorder.StartGated(context.Background(), g.cfg.Targets, now)
	if err != nil {
		logging.LogError(g.logger, err, "door", "start_recording")
		return
	}
	g.session = session
	g.openSince = time.Time{}
	g.transition(StateRecording, now)
	g.logger.WithFields(logrus.Fields{
		"session_id": session.ID(),
		"cameras":    len(g.cfg.Targets),
		"started":    session.Running(),
	}).Info("Door closed, recording")
}

// stopRecording stops the live session, settles the store and clears the
// handles. Failures are logged and swallowed.
func (g *Gate) stopRecording(now time.Time, reason string) {
	session := g.session
	g.session = nil
	g.openSince = time.Time{}
	if session == nil {
		return
	}

	// finished files reach the store even when stopping panicked
	defer g.recorder.Settle()

	func() {
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("stopping session %s panicked: %v", session.ID(), r)
				logging.LogStructuredError(g.logger, logging.NewStructuredError(err, logging.ErrorContext{
					Category:  logging.ErrorCategoryShutdown,
					Severity:  logging.ErrorSeverityCritical,
					Component: "door",
					Operation: "stop_recording",
				}))
				g.emit(types.HealthEvent{
					Kind:        types.EventShutdownFailed,
					CameraIndex: -1,
					Message:     err.Error(),
					Timestamp:   now,
				})
			}
		}()
		result := session.StopAll(g.cfg.StopTimeout)
		g.logger.WithFields(logrus.Fields{
			"session_id": session.ID(),
			"reason":     reason,
			"succeeded":  result.SuccessCount(),
			"files":      result.Filenames(),
		}).Info("Recording stopped")
	}()
}

func (g *Gate) transition(to GateState, now time.Time) {
	from := g.state
	if from == to {
		return
	}
	g.state = to
	metrics.RecordGateTransition(from.String(), to.String(), to == StateRecording)
	g.logger.WithFields(logrus.Fields{
		"from":    from.String(),
		"to":      to.String(),
		"reading": g.reading.String(),
	}).Debug("Gate transition")
	g.emit(types.HealthEvent{
		Kind:        types.EventGateTransition,
		CameraIndex: -1,
		Message:     from.String() + " -> " + to.String(),
		Timestamp:   now,
	})
}

func (g *Gate) ping() {
	if g.notifier != nil {
		g.notifier.Ping()
	}
}

func (g *Gate) emit(event types.HealthEvent) {
	if g.sink != nil {
		g.sink(event)
	}
}
