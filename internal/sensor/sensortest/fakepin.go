// Package sensortest provides in-memory GPIO pins for tests
package sensortest

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"

	"mdvr/internal/sensor"
)

// FakePin implements sensor.Pin. It idles High like a pulled-up input.
type FakePin struct {
	name  string
	edges chan struct{}

	mu      sync.Mutex
	level   gpio.Level
	pull    gpio.Pull
	edge    gpio.Edge
	inErr   error
	halted  bool
	inCalls int
}

// NewFakePin creates a pin in the High state
func NewFakePin(name string) *FakePin {
	return &FakePin{
		name:  name,
		level: gpio.High,
		edges: make(chan struct{}, 16),
	}
}

func (p *FakePin) Name() string { return p.name }

func (p *FakePin) In(pull gpio.Pull, edge gpio.Edge) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inCalls++
	if p.inErr != nil {
		return p.inErr
	}
	p.pull, p.edge, p.halted = pull, edge, false
	return nil
}

func (p *FakePin) Read() gpio.Level {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level
}

func (p *FakePin) WaitForEdge(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.edges:
		return true
	case <-timer.C:
		return false
	}
}

func (p *FakePin) Halt() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.halted = true
	return nil
}

// SetLevel changes the level returned by Read
func (p *FakePin) SetLevel(level gpio.Level) {
	p.mu.Lock()
	p.level = level
	p.mu.Unlock()
}

// Press delivers one falling edge
func (p *FakePin) Press() {
	p.edges <- struct{}{}
}

// FailIn makes In return err
func (p *FakePin) FailIn(err error) {
	p.mu.Lock()
	p.inErr = err
	p.mu.Unlock()
}

// Halted reports whether Halt was called after the last In
func (p *FakePin) Halted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.halted
}

// Config returns the pull and edge passed to In
func (p *FakePin) Config() (gpio.Pull, gpio.Edge) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pull, p.edge
}

// Board maps pin names to fake pins
type Board map[string]*FakePin

// NewBoard creates fake pins with the given names
func NewBoard(names ...string) Board {
	b := make(Board, len(names))
	for _, name := range names {
		b[name] = NewFakePin(name)
	}
	return b
}

// Opener returns a sensor.PinOpener backed by the board
func (b Board) Opener() sensor.PinOpener {
	return func(name string) (sensor.Pin, error) {
		p, ok := b[name]
		if !ok {
			return nil, fmt.Errorf("gpio pin %s not found", name)
		}
		return p, nil
	}
}

// ErrNoHost can be used to simulate a missing GPIO host
var ErrNoHost = errors.New("gpio host unavailable")
