package sensor

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"mdvr/internal/logging"
	"mdvr/internal/types"
)

// Kind selects the sensor wiring variant
type Kind string

const (
	// KindLevelSwitch is a continuously sensed magnetic door switch on one pin
	KindLevelSwitch Kind = "level_switch"
	// KindImpulse is a dual momentary-button panel; each press latches a state
	KindImpulse Kind = "impulse"
	// KindManual is a software reader driven by Set, used for simulation
	KindManual Kind = "manual"
)

// Reader is the capability the door gate needs from a sensor.
// Setup and Release are only called from the gate's control goroutine.
type Reader interface {
	// Setup acquires pins. It fails with *HardwareInitError.
	Setup() error
	// Read never blocks and never fails; problems read as ReadingUnknown.
	Read() types.SensorReading
	// Release frees pins. Idempotent and safe without Setup.
	Release() error
	Kind() Kind
}

// Config holds the sensor parameters for one activation
type Config struct {
	Kind           Kind
	DoorPin        string // level switch
	ButtonAPin     string // impulse, press means Closed
	ButtonBPin     string // impulse, press means Open
	EdgeBounce     time.Duration
	DebounceWindow time.Duration
	// Seconds after activation before the gate deactivates itself, 0 disables
	AutostopSeconds int
	// How long Open must persist before a level-switch recording stops
	PollTimeout time.Duration
}

// HardwareInitError reports a failed Setup
type HardwareInitError struct {
	Pin string
	Err error
}

func (e *HardwareInitError) Error() string {
	return fmt.Sprintf("sensor setup failed on %s: %v", e.Pin, e.Err)
}

func (e *HardwareInitError) Unwrap() error {
	return e.Err
}

// LogContext classifies the error for structured logging
func (e *HardwareInitError) LogContext() logging.ErrorContext {
	return logging.ErrorContext{
		Category:    logging.ErrorCategoryHardware,
		Severity:    logging.ErrorSeverityCritical,
		Component:   "sensor",
		Operation:   "setup",
		Recoverable: true,
		Metadata:    map[string]interface{}{"pin": e.Pin},
	}
}

// Option configures readers built by New
type Option func(*options)

type options struct {
	logger *logrus.Logger
	opener PinOpener
	now    func() time.Time
}

// WithLogger sets the logger
func WithLogger(logger *logrus.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithPinOpener replaces the periph GPIO lookup
func WithPinOpener(opener PinOpener) Option {
	return func(o *options) {
		o.opener = opener
	}
}

// WithClock replaces time.Now for edge bounce filtering
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// New builds the reader for cfg.Kind
func New(cfg Config, opts ...Option) (Reader, error) {
	o := options{
		logger: logging.Discard(),
		opener: OpenGPIO,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	entry := logging.NewComponentLogger(o.logger, "sensor").WithField("sensor_kind", cfg.Kind)

	switch cfg.Kind {
	case KindLevelSwitch:
		if cfg.DoorPin == "" {
			return nil, fmt.Errorf("level switch sensor requires a door pin")
		}
		return newLevelSwitch(cfg.DoorPin, o.opener, entry), nil
	case KindImpulse:
		if cfg.ButtonAPin == "" || cfg.ButtonBPin == "" {
			return nil, fmt.Errorf("impulse sensor requires two button pins")
		}
		if cfg.ButtonAPin == cfg.ButtonBPin {
			return nil, fmt.Errorf("impulse button pins must differ")
		}
		return newImpulse(cfg.ButtonAPin, cfg.ButtonBPin, cfg.EdgeBounce, o.opener, o.now, entry), nil
	case KindManual:
		return NewManual(KindManual), nil
	default:
		return nil, fmt.Errorf("unknown sensor kind %q", cfg.Kind)
	}
}

// KindFromFlag maps the reed_switch.impulse configuration flag to a Kind
func KindFromFlag(impulse bool) Kind {
	if impulse {
		return KindImpulse
	}
	return KindLevelSwitch
}
