package sensor

import (
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// Pin is the subset of gpio.PinIO the readers use
type Pin interface {
	Name() string
	In(pull gpio.Pull, edge gpio.Edge) error
	Read() gpio.Level
	WaitForEdge(timeout time.Duration) bool
	Halt() error
}

// PinOpener resolves a pin by name
type PinOpener func(name string) (Pin, error)

var hostInit = sync.OnceValue(func() error {
	_, err := host.Init()
	return err
})

// OpenGPIO resolves a BCM pin name such as "GPIO16" through periph
func OpenGPIO(name string) (Pin, error) {
	if err := hostInit(); err != nil {
		return nil, fmt.Errorf("gpio host init: %w", err)
	}
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("gpio pin %s not found", name)
	}
	return p, nil
}

// claims tracks pins held by readers in this process
var claims = struct {
	sync.Mutex
	pins map[string]struct{}
}{pins: make(map[string]struct{})}

func claimPin(name string) error {
	claims.Lock()
	defer claims.Unlock()
	if _, held := claims.pins[name]; held {
		return fmt.Errorf("pin %s already claimed", name)
	}
	claims.pins[name] = struct{}{}
	return nil
}

func releasePin(name string) {
	claims.Lock()
	delete(claims.pins, name)
	claims.Unlock()
}

// acquirePin claims and configures a pin as a pulled-up input
func acquirePin(opener PinOpener, name string, edge gpio.Edge) (Pin, error) {
	if err := claimPin(name); err != nil {
		return nil, &HardwareInitError{Pin: name, Err: err}
	}
	p, err := opener(name)
	if err != nil {
		releasePin(name)
		return nil, &HardwareInitError{Pin: name, Err: err}
	}
	if err := p.In(gpio.PullUp, edge); err != nil {
		releasePin(name)
		return nil, &HardwareInitError{Pin: name, Err: err}
	}
	return p, nil
}

// safeLevel reads a pin, reporting ok=false if the driver panics
func safeLevel(p Pin) (level gpio.Level, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	return p.Read(), true
}
