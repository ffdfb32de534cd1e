package door

import (
	"time"

	"mdvr/internal/types"
)

// StatusSnapshot is the public status document
type StatusSnapshot struct {
	Status      string `json:"status"`
	Timestamp   int64  `json:"timestamp"`
	Initialized bool   `json:"initialized"`
	Autostop    bool   `json:"autostop"`
	SecondsLeft int    `json:"seconds_left"`
}

// Snapshot is a copy of the gate state taken at the last tick or command
type Snapshot struct {
	Status    StatusSnapshot
	State     GateState
	Reading   types.SensorReading
	SessionID string
}

// Snapshot returns the latest snapshot
func (g *Gate) Snapshot() Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.snapshot
}

// Status returns the latest public status document
func (g *Gate) Status() StatusSnapshot {
	return g.Snapshot().Status
}

// Subscribe registers fn to receive published status documents. fn is
// called from the control goroutine and must not block. The returned
// function removes the subscription.
func (g *Gate) Subscribe(fn func(StatusSnapshot)) (unsubscribe func()) {
	g.subMu.Lock()
	id := g.nextSub
	g.nextSub++
	g.subscribers[id] = fn
	g.subMu.Unlock()

	return func() {
		g.subMu.Lock()
		delete(g.subscribers, id)
		g.subMu.Unlock()
	}
}

func (g *Gate) secondsLeft(now time.Time) int {
	if g.autostopAt.IsZero() {
		return 0
	}
	left := g.autostopAt.Sub(now)
	if left <= 0 {
		return 0
	}
	return int(left / time.Second)
}

func (g *Gate) buildSnapshot(now time.Time) Snapshot {
	snap := Snapshot{
		Status: StatusSnapshot{
			Status:      g.reading.String(),
			Timestamp:   now.Unix(),
			Initialized: g.initialized,
			Autostop:    g.autostopped || !g.autostopAt.IsZero(),
			SecondsLeft: g.secondsLeft(now),
		},
		State:   g.state,
		Reading: g.reading,
	}
	if g.session != nil {
		snap.SessionID = g.session.ID()
	}
	return snap
}

// publishDue reports whether subscribers should get a periodic update
func (g *Gate) publishDue(now time.Time, status StatusSnapshot) bool {
	if g.lastPublish.IsZero() {
		return true
	}
	interval := g.cfg.PublishInterval
	if status.Autostop && status.Initialized && status.SecondsLeft <= 10 {
		interval = g.cfg.UrgentPublishInterval
	}
	return now.Sub(g.lastPublish) >= interval
}

// publish refreshes the snapshot and notifies subscribers when forced or due
func (g *Gate) publish(now time.Time, force bool) {
	snap := g.buildSnapshot(now)

	g.mu.Lock()
	g.snapshot = snap
	g.mu.Unlock()

	if !force && !g.publishDue(now, snap.Status) {
		return
	}
	g.lastPublish = now

	g.subMu.Lock()
	subscribers := make([]func(StatusSnapshot), 0, len(g.subscribers))
	for _, fn := range g.subscribers {
		subscribers = append(subscribers, fn)
	}
	g.subMu.Unlock()

	for _, fn := range subscribers {
		fn(snap.Status)
	}
}
