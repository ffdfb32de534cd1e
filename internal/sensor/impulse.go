package sensor

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/gpio"

	"mdvr/internal/types"
)

// edgeWaitTimeout bounds each WaitForEdge so watchers notice Release
const edgeWaitTimeout = 100 * time.Millisecond

// impulse latches the last button pressed. Button A means Closed and
// button B means Open; before any press the reading is Unknown.
type impulse struct {
	nameA, nameB string
	bounce       time.Duration
	opener       PinOpener
	now          func() time.Time
	logger       *logrus.Entry

	latched atomic.Int32

	mu     sync.Mutex
	pinA   Pin
	pinB   Pin
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func newImpulse(nameA, nameB string, bounce time.Duration, opener PinOpener, now func() time.Time, logger *logrus.Entry) *impulse {
	return &impulse{
		nameA:  nameA,
		nameB:  nameB,
		bounce: bounce,
		opener: opener,
		now:    now,
		logger: logger.WithFields(logrus.Fields{"pin_a": nameA, "pin_b": nameB}),
	}
}

func (s *impulse) Kind() Kind { return KindImpulse }

func (s *impulse) Setup() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pinA != nil {
		return nil
	}
	pinA, err := acquirePin(s.opener, s.nameA, gpio.FallingEdge)
	if err != nil {
		return err
	}
	pinB, err := acquirePin(s.opener, s.nameB, gpio.FallingEdge)
	if err != nil {
		pinA.Halt()
		releasePin(s.nameA)
		return err
	}

	s.pinA, s.pinB = pinA, pinB
	s.latched.Store(int32(types.ReadingUnknown))
	s.stopCh = make(chan struct{})

	s.wg.Add(2)
	go s.watch(pinA, types.ReadingClosed)
	go s.watch(pinB, types.ReadingOpen)

	s.logger.Info("Impulse sensor ready")
	return nil
}

func (s *impulse) watch(p Pin, value types.SensorReading) {
	defer s.wg.Done()

	var last time.Time
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		if !p.WaitForEdge(edgeWaitTimeout) {
			continue
		}
		now := s.now()
		if !last.IsZero() && now.Sub(last) < s.bounce {
			continue
		}
		last = now
		s.latched.Store(int32(value))
		s.logger.WithFields(logrus.Fields{
			"pin":     p.Name(),
			"reading": value.String(),
		}).Debug("Button pressed")
	}
}

func (s *impulse) Read() types.SensorReading {
	return types.SensorReading(s.latched.Load())
}

func (s *impulse) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pinA == nil {
		return nil
	}
	close(s.stopCh)
	s.wg.Wait()

	err := errors.Join(s.pinA.Halt(), s.pinB.Halt())
	releasePin(s.nameA)
	releasePin(s.nameB)
	s.pinA, s.pinB = nil, nil
	s.latched.Store(int32(types.ReadingUnknown))
	s.logger.Info("Impulse sensor released")
	return err
}
