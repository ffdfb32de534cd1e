package sensor

import (
	"sync"

	"mdvr/internal/types"
)

// Manual is a reader driven in software. It reads Unknown until Setup.
type Manual struct {
	kind Kind

	mu       sync.Mutex
	active   bool
	reading  types.SensorReading
	setupErr error
	setups   int
	releases int
}

// NewManual returns a manual reader that reports kind from Kind(), so the
// gate applies that variant's confirmation rules
func NewManual(kind Kind) *Manual {
	return &Manual{kind: kind}
}

func (m *Manual) Kind() Kind { return m.kind }

// Set changes the value returned by Read
func (m *Manual) Set(reading types.SensorReading) {
	m.mu.Lock()
	m.reading = reading
	m.mu.Unlock()
}

// FailSetup makes subsequent Setup calls fail with err wrapped in HardwareInitError
func (m *Manual) FailSetup(err error) {
	m.mu.Lock()
	m.setupErr = err
	m.mu.Unlock()
}

func (m *Manual) Setup() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setups++
	if m.setupErr != nil {
		return &HardwareInitError{Pin: "manual", Err: m.setupErr}
	}
	m.active = true
	return nil
}

func (m *Manual) Read() types.SensorReading {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return types.ReadingUnknown
	}
	return m.reading
}

func (m *Manual) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active {
		m.releases++
	}
	m.active = false
	return nil
}

// Active reports whether the reader is set up
func (m *Manual) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Counts returns how many times Setup was called and how many times an
// active reader was released
func (m *Manual) Counts() (setups, releases int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setups, m.releases
}
