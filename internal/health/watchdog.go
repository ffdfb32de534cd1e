package health

import (
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/sirupsen/logrus"

	"mdvr/internal/logging"
	"mdvr/internal/metrics"
)

// minPingGap limits notifications when systemd does not report a watchdog interval
const minPingGap = time.Second

// NotifyFunc sends a state string to the service manager. daemon.SdNotify
// is the production implementation.
type NotifyFunc func(unsetEnvironment bool, state string) (bool, error)

// Option configures a Notifier
type Option func(*Notifier)

// WithLogger sets the logger
func WithLogger(logger *logrus.Logger) Option {
	return func(n *Notifier) {
		n.logger = logging.NewComponentLogger(logger, "health")
	}
}

// WithNotifyFunc replaces daemon.SdNotify
func WithNotifyFunc(fn NotifyFunc) Option {
	return func(n *Notifier) {
		n.notify = fn
	}
}

// WithWatchdogInterval overrides the interval read from WATCHDOG_USEC
func WithWatchdogInterval(interval time.Duration) Option {
	return func(n *Notifier) {
		n.interval = interval
		n.intervalSet = true
	}
}

// WithConfig sets the liveness thresholds
func WithConfig(config HealthCheckConfig) Option {
	return func(n *Notifier) {
		n.config = config
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(n *Notifier) {
		n.now = now
	}
}

// Notifier forwards control loop pings to the systemd watchdog, at most
// once per half watchdog interval, and keeps the liveness summary.
type Notifier struct {
	config      HealthCheckConfig
	notify      NotifyFunc
	interval    time.Duration
	intervalSet bool
	logger      *logrus.Entry
	now         func() time.Time

	mu        sync.Mutex
	startTime time.Time
	enabled   bool
	lastPing  time.Time
	lastSent  time.Time
	sent      int64
	failed    int64
}

// NewNotifier creates a notifier. Outside systemd every notification is a no-op.
func NewNotifier(opts ...Option) *Notifier {
	n := &Notifier{
		config: DefaultHealthCheckConfig(),
		notify: daemon.SdNotify,
		logger: logging.NewComponentLogger(logging.Discard(), "health"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	if !n.intervalSet {
		watchdog, err := daemon.SdWatchdogEnabled(false)
		if err != nil {
			n.logger.WithError(err).Warn("Invalid systemd watchdog settings, watchdog disabled")
		}
		n.interval = watchdog / 2
	}
	n.enabled = n.interval > 0
	n.startTime = n.now()
	return n
}

// Interval returns the minimum gap between watchdog notifications
func (n *Notifier) Interval() time.Duration {
	return n.interval
}

func (n *Notifier) send(state string) bool {
	ok, err := n.notify(false, state)
	if err != nil {
		n.failed++
		n.logger.WithError(err).WithField("state", state).Warn("Failed to notify service manager")
		return false
	}
	return ok
}

// Ready tells systemd that startup has finished
func (n *Notifier) Ready() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.send(daemon.SdNotifyReady) {
		n.logger.Info("Notified service manager: ready")
	}
}

// Stopping tells systemd that shutdown has begun
func (n *Notifier) Stopping() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.send(daemon.SdNotifyStopping)
}

// Ping records control loop liveness and sends WATCHDOG=1 when due
func (n *Notifier) Ping() {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now()
	n.lastPing = now

	gap := n.interval
	if gap <= 0 {
		gap = minPingGap
	}
	if !n.lastSent.IsZero() && now.Sub(n.lastSent) < gap {
		return
	}
	n.lastSent = now
	if n.send(daemon.SdNotifyWatchdog) {
		n.sent++
		metrics.WatchdogPingTotal.Inc()
	}
}
