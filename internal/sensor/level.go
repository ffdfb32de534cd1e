package sensor

import (
	"sync"

	"github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/gpio"

	"mdvr/internal/types"
)

// levelSwitch reads a magnetic door switch wired between the pin and ground.
// With the internal pull-up a closed contact reads Low.
type levelSwitch struct {
	name   string
	opener PinOpener
	logger *logrus.Entry

	mu  sync.Mutex
	pin Pin
}

func newLevelSwitch(name string, opener PinOpener, logger *logrus.Entry) *levelSwitch {
	return &levelSwitch{
		name:   name,
		opener: opener,
		logger: logger.WithField("pin", name),
	}
}

func (s *levelSwitch) Kind() Kind { return KindLevelSwitch }

func (s *levelSwitch) Setup() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pin != nil {
		return nil
	}
	p, err := acquirePin(s.opener, s.name, gpio.NoEdge)
	if err != nil {
		return err
	}
	s.pin = p
	s.logger.Info("Level switch sensor ready")
	return nil
}

func (s *levelSwitch) Read() types.SensorReading {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pin == nil {
		return types.ReadingUnknown
	}
	level, ok := safeLevel(s.pin)
	if !ok {
		s.logger.Warn("Pin read failed")
		return types.ReadingUnknown
	}
	if level == gpio.Low {
		return types.ReadingClosed
	}
	return types.ReadingOpen
}

func (s *levelSwitch) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pin == nil {
		return nil
	}
	err := s.pin.Halt()
	releasePin(s.name)
	s.pin = nil
	s.logger.Info("Level switch sensor released")
	return err
}
