package door

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"mdvr/internal/capture"
	"mdvr/internal/sensor"
	"mdvr/internal/sensor/sensortest"
	"mdvr/internal/supervisor"
	"mdvr/internal/types"
)

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Ping() {
	m.Called()
}

type fakeHandle struct {
	once    sync.Once
	done    chan struct{}
	stopped atomic.Bool
}

func (h *fakeHandle) Wait(ctx context.Context) (capture.ExitStatus, error) {
	select {
	case <-h.done:
		return capture.ExitStatus{Code: 255}, nil
	case <-ctx.Done():
		return capture.ExitStatus{}, ctx.Err()
	}
}

func (h *fakeHandle) Stop(time.Duration) capture.ExitStatus {
	h.stopped.Store(true)
	h.once.Do(func() { close(h.done) })
	return capture.ExitStatus{Code: 255, Level: capture.StopInterrupt}
}

func (h *fakeHandle) ErrorLines() []string { return nil }

// stillHandle is a photo capture that has already exited
type stillHandle struct{}

func (h *stillHandle) Wait(context.Context) (capture.ExitStatus, error) {
	return capture.ExitStatus{}, nil
}

func (h *stillHandle) Stop(time.Duration) capture.ExitStatus {
	return capture.ExitStatus{}
}

func (h *stillHandle) ErrorLines() []string { return nil }

type recorderFixture struct {
	sup       *supervisor.Supervisor
	tempDir   string
	materials string

	mu      sync.Mutex
	handles []*fakeHandle
}

func newRecorderFixture(t *testing.T, opts ...supervisor.Option) *recorderFixture {
	root := t.TempDir()
	f := &recorderFixture{
		tempDir:   filepath.Join(root, "temp"),
		materials: filepath.Join(root, "materials"),
	}
	starter := supervisor.StarterFunc(func(ctx context.Context, spec capture.Spec) (supervisor.Handle, error) {
		if spec.Target.Mode == types.CaptureModePhoto {
			if err := os.WriteFile(spec.OutputPath, []byte("still"), 0644); err != nil {
				return nil, err
			}
			return &stillHandle{}, nil
		}
		if err := os.WriteFile(spec.OutputPath, []byte("video"), 0644); err != nil {
			return nil, err
		}
		h := &fakeHandle{done: make(chan struct{})}
		f.mu.Lock()
		f.handles = append(f.handles, h)
		f.mu.Unlock()
		return h, nil
	})
	f.sup = supervisor.New(supervisor.Config{
		TempDir:      f.tempDir,
		MaterialsDir: f.materials,
		StopTimeout:  time.Second,
		ExitPolicy:   capture.DefaultExitPolicy(),
	}, append([]supervisor.Option{supervisor.WithStarter(starter)}, opts...)...)
	return f
}

func (f *recorderFixture) started() []*fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeHandle(nil), f.handles...)
}

func testGateConfig() Config {
	return Config{
		Targets:        types.TargetsFromURIs([]string{"rtsp://cam/1", "rtsp://cam/2"}, types.CaptureModeVideo),
		DebounceWindow: 500 * time.Millisecond,
		PollTimeout:    2 * time.Second,
		TickInterval:   10 * time.Millisecond,
		StopTimeout:    time.Second,
	}
}

var t0 = time.Unix(1_700_000_000, 0)

func at(d time.Duration) time.Time { return t0.Add(d) }

func newManualGate(t *testing.T, kind sensor.Kind, opts ...Option) (*Gate, *sensor.Manual, *recorderFixture) {
	reader := sensor.NewManual(kind)
	rec := newRecorderFixture(t)
	opts = append([]Option{WithClock(func() time.Time { return t0 })}, opts...)
	g := New(testGateConfig(), reader, rec.sup, opts...)
	require.NoError(t, g.initialize(t0, 0))
	return g, reader, rec
}

func TestUnknownNeverTransitions(t *testing.T) {
	for _, kind := range []sensor.Kind{sensor.KindLevelSwitch, sensor.KindImpulse} {
		t.Run(string(kind), func(t *testing.T) {
			g, reader, rec := newManualGate(t, kind)
			reader.Set(types.ReadingUnknown)

			for i := 1; i <= 50; i++ {
				g.Step(at(time.Duration(i) * 100 * time.Millisecond))
			}
			assert.Equal(t, StateIdle, g.Snapshot().State)
			assert.Empty(t, rec.started())
		})
	}
}

func TestUnknownHoldsArmedAndRecording(t *testing.T) {
	g, reader, _ := newManualGate(t, sensor.KindLevelSwitch)

	reader.Set(types.ReadingClosed)
	g.Step(at(0))
	require.Equal(t, StateArmed, g.Snapshot().State)

	reader.Set(types.ReadingUnknown)
	g.Step(at(time.Second))
	assert.Equal(t, StateArmed, g.Snapshot().State)

	reader.Set(types.ReadingClosed)
	g.Step(at(2 * time.Second))
	require.Equal(t, StateRecording, g.Snapshot().State)

	reader.Set(types.ReadingUnknown)
	for i := 3; i < 20; i++ {
		g.Step(at(time.Duration(i) * time.Second))
	}
	assert.Equal(t, StateRecording, g.Snapshot().State)
}

func TestLevelSwitchRecordingScenario(t *testing.T) {
	g, reader, rec := newManualGate(t, sensor.KindLevelSwitch)

	reader.Set(types.ReadingClosed)
	g.Step(at(0))
	assert.Equal(t, StateArmed, g.Snapshot().State)

	g.Step(at(200 * time.Millisecond))
	assert.Equal(t, StateArmed, g.Snapshot().State)
	assert.Empty(t, rec.started())

	g.Step(at(600 * time.Millisecond))
	snap := g.Snapshot()
	assert.Equal(t, StateRecording, snap.State)
	assert.NotEmpty(t, snap.SessionID)
	handles := rec.started()
	require.Len(t, handles, 2)

	reader.Set(types.ReadingOpen)
	g.Step(at(time.Second))
	assert.Equal(t, StateRecording, g.Snapshot().State)
	g.Step(at(2500 * time.Millisecond))
	assert.Equal(t, StateRecording, g.Snapshot().State)

	g.Step(at(3100 * time.Millisecond))
	snap = g.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Empty(t, snap.SessionID)
	for _, h := range handles {
		assert.True(t, h.stopped.Load())
	}
	assert.Nil(t, rec.sup.Active())

	moved, err := os.ReadDir(rec.materials)
	require.NoError(t, err)
	assert.Len(t, moved, 2)
	pending, err := os.ReadDir(rec.tempDir)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestLevelSwitchArmedReturnsToIdleOnOpen(t *testing.T) {
	g, reader, rec := newManualGate(t, sensor.KindLevelSwitch)

	reader.Set(types.ReadingClosed)
	g.Step(at(0))
	require.Equal(t, StateArmed, g.Snapshot().State)

	reader.Set(types.ReadingOpen)
	g.Step(at(600 * time.Millisecond))
	assert.Equal(t, StateIdle, g.Snapshot().State)
	assert.Empty(t, rec.started())
}

func TestLevelSwitchClosedCancelsPendingStop(t *testing.T) {
	g, reader, rec := newManualGate(t, sensor.KindLevelSwitch)

	reader.Set(types.ReadingClosed)
	g.Step(at(0))
	g.Step(at(500 * time.Millisecond))
	require.Equal(t, StateRecording, g.Snapshot().State)

	reader.Set(types.ReadingOpen)
	g.Step(at(time.Second))
	reader.Set(types.ReadingClosed)
	g.Step(at(2 * time.Second))
	reader.Set(types.ReadingOpen)
	g.Step(at(2500 * time.Millisecond))

	// two seconds after the first open, but the door closed in between
	g.Step(at(3500 * time.Millisecond))
	assert.Equal(t, StateRecording, g.Snapshot().State)

	g.Step(at(4600 * time.Millisecond))
	assert.Equal(t, StateIdle, g.Snapshot().State)
	assert.Len(t, rec.started(), 2)
}

func TestImpulseTransitionsInOneTick(t *testing.T) {
	board := sensortest.NewBoard("GPIO120", "GPIO121")
	reader, err := sensor.New(sensor.Config{
		Kind:       sensor.KindImpulse,
		ButtonAPin: "GPIO120",
		ButtonBPin: "GPIO121",
		EdgeBounce: 75 * time.Millisecond,
	}, sensor.WithPinOpener(board.Opener()))
	require.NoError(t, err)

	rec := newRecorderFixture(t)
	g := New(testGateConfig(), reader, rec.sup)
	require.NoError(t, g.initialize(t0, 0))
	defer g.deactivate(t0, "test")

	g.Step(at(0))
	assert.Equal(t, StateIdle, g.Snapshot().State)

	board["GPIO120"].Press()
	require.Eventually(t, func() bool { return reader.Read() == types.ReadingClosed }, time.Second, 5*time.Millisecond)

	g.Step(at(100 * time.Millisecond))
	assert.Equal(t, StateRecording, g.Snapshot().State)
	require.Len(t, rec.started(), 2)

	board["GPIO121"].Press()
	require.Eventually(t, func() bool { return reader.Read() == types.ReadingOpen }, time.Second, 5*time.Millisecond)

	g.Step(at(200 * time.Millisecond))
	assert.Equal(t, StateIdle, g.Snapshot().State)
	for _, h := range rec.started() {
		assert.True(t, h.stopped.Load())
	}
}

func TestPhotoModeSessionTakesStills(t *testing.T) {
	var mu sync.Mutex
	var outcomes []types.HealthEvent
	rec := newRecorderFixture(t, supervisor.WithEventSink(func(event types.HealthEvent) {
		mu.Lock()
		defer mu.Unlock()
		if event.Kind == types.EventCameraOutcome {
			outcomes = append(outcomes, event)
		}
	}))
	cfg := testGateConfig()
	cfg.Targets = types.TargetsFromURIs([]string{"rtsp://cam/1", "rtsp://cam/2"}, types.CaptureModePhoto)

	reader := sensor.NewManual(sensor.KindLevelSwitch)
	g := New(cfg, reader, rec.sup)
	require.NoError(t, g.initialize(t0, 0))

	reader.Set(types.ReadingClosed)
	g.Step(at(0))
	g.Step(at(600 * time.Millisecond))
	require.Equal(t, StateRecording, g.Snapshot().State)

	reader.Set(types.ReadingOpen)
	g.Step(at(time.Second))
	g.Step(at(3100 * time.Millisecond))
	assert.Equal(t, StateIdle, g.Snapshot().State)
	assert.Nil(t, rec.sup.Active())

	files, err := filepath.Glob(filepath.Join(rec.materials, "*.jpg"))
	require.NoError(t, err)
	assert.Len(t, files, 2)
	videos, err := filepath.Glob(filepath.Join(rec.materials, "*.mp4"))
	require.NoError(t, err)
	assert.Empty(t, videos)
	assert.Empty(t, rec.started())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, outcomes, 2)
	for _, event := range outcomes {
		assert.Equal(t, types.OutcomeSuccess, event.Message)
		assert.Equal(t, 0, event.ExitCode)
	}
}

func TestStopPanicStillSettles(t *testing.T) {
	rec := newRecorderFixture(t, supervisor.WithEventSink(func(event types.HealthEvent) {
		if event.Kind == types.EventCameraOutcome {
			panic("event sink failed")
		}
	}))

	var mu sync.Mutex
	var doorEvents []types.HealthEvent
	reader := sensor.NewManual(sensor.KindLevelSwitch)
	g := New(testGateConfig(), reader, rec.sup, WithEventSink(func(event types.HealthEvent) {
		mu.Lock()
		defer mu.Unlock()
		doorEvents = append(doorEvents, event)
	}))
	require.NoError(t, g.initialize(t0, 0))

	reader.Set(types.ReadingClosed)
	g.Step(at(0))
	g.Step(at(600 * time.Millisecond))
	require.Equal(t, StateRecording, g.Snapshot().State)

	reader.Set(types.ReadingOpen)
	g.Step(at(time.Second))
	require.NotPanics(t, func() { g.Step(at(3100 * time.Millisecond)) })
	assert.Equal(t, StateIdle, g.Snapshot().State)
	assert.Nil(t, rec.sup.Active())

	materials, err := os.ReadDir(rec.materials)
	require.NoError(t, err)
	assert.Len(t, materials, 2)
	pending, err := os.ReadDir(rec.tempDir)
	require.NoError(t, err)
	assert.Empty(t, pending)

	mu.Lock()
	defer mu.Unlock()
	var failures int
	for _, event := range doorEvents {
		if event.Kind == types.EventShutdownFailed {
			failures++
		}
	}
	assert.Equal(t, 1, failures)
}

func TestAutostop(t *testing.T) {
	reader := sensor.NewManual(sensor.KindLevelSwitch)
	rec := newRecorderFixture(t)
	g := New(testGateConfig(), reader, rec.sup)

	require.NoError(t, g.initialize(t0, 5))
	status := g.Status()
	assert.True(t, status.Initialized)
	assert.True(t, status.Autostop)
	assert.Equal(t, 5, status.SecondsLeft)

	reader.Set(types.ReadingClosed)
	g.Step(at(time.Second))
	g.Step(at(2 * time.Second))
	require.Equal(t, StateRecording, g.Snapshot().State)
	assert.Equal(t, 3, g.Status().SecondsLeft)

	// partial seconds are truncated
	g.Step(at(2500 * time.Millisecond))
	assert.Equal(t, 2, g.Status().SecondsLeft)

	var published []StatusSnapshot
	g.Subscribe(func(s StatusSnapshot) { published = append(published, s) })

	g.Step(at(5 * time.Second))
	status = g.Status()
	assert.False(t, status.Initialized)
	assert.True(t, status.Autostop)
	assert.Equal(t, 0, status.SecondsLeft)
	assert.Equal(t, "unknown", status.Status)
	assert.Equal(t, StateIdle, g.Snapshot().State)
	assert.False(t, reader.Active())
	for _, h := range rec.started() {
		assert.True(t, h.stopped.Load())
	}

	// further ticks do nothing until the next activation
	g.Step(at(6 * time.Second))
	assert.Nil(t, rec.sup.Active())
	assert.False(t, g.Status().Autostop)

	g.Step(at(16 * time.Second))
	require.Len(t, published, 2)
	assert.True(t, published[0].Autostop)
	assert.False(t, published[0].Initialized)
	assert.False(t, published[1].Autostop)

	require.NoError(t, g.initialize(at(7*time.Second), 0))
	status = g.Status()
	assert.True(t, status.Initialized)
	assert.False(t, status.Autostop)
}

func TestInitializeHardwareFailure(t *testing.T) {
	reader := sensor.NewManual(sensor.KindLevelSwitch)
	reader.FailSetup(sensortest.ErrNoHost)

	var events []types.HealthEvent
	g := New(testGateConfig(), reader, newRecorderFixture(t).sup, WithEventSink(func(e types.HealthEvent) {
		events = append(events, e)
	}))

	err := g.initialize(t0, 60)
	var hwErr *sensor.HardwareInitError
	require.ErrorAs(t, err, &hwErr)
	assert.ErrorIs(t, err, sensortest.ErrNoHost)

	status := g.Status()
	assert.False(t, status.Initialized)
	assert.False(t, status.Autostop)
	require.Len(t, events, 1)
	assert.Equal(t, types.EventSensorFailure, events[0].Kind)

	// ticks while uninitialised never touch the sensor
	reader.Set(types.ReadingClosed)
	g.Step(at(time.Second))
	assert.Equal(t, StateIdle, g.Snapshot().State)
}

func TestDeactivateStopsRecording(t *testing.T) {
	g, reader, rec := newManualGate(t, sensor.KindImpulse)

	reader.Set(types.ReadingClosed)
	g.Step(at(0))
	require.Equal(t, StateRecording, g.Snapshot().State)

	g.deactivate(at(time.Second), "test")
	assert.Equal(t, StateIdle, g.Snapshot().State)
	assert.False(t, reader.Active())
	assert.False(t, g.Status().Initialized)
	for _, h := range rec.started() {
		assert.True(t, h.stopped.Load())
	}
	_, releases := reader.Counts()
	assert.Equal(t, 1, releases)
}

func TestTransitionEvents(t *testing.T) {
	var kinds []string
	var messages []string
	g, reader, _ := newManualGate(t, sensor.KindLevelSwitch, WithEventSink(func(e types.HealthEvent) {
		kinds = append(kinds, e.Kind)
		messages = append(messages, e.Message)
	}))

	reader.Set(types.ReadingClosed)
	g.Step(at(0))
	g.Step(at(time.Second))

	assert.Contains(t, messages, "idle -> armed")
	assert.Contains(t, messages, "armed -> recording")
	assert.Contains(t, kinds, types.EventGateTransition)
	g.deactivate(at(2*time.Second), "test")
}

func TestStepPingsNotifier(t *testing.T) {
	notifier := &mockNotifier{}
	notifier.On("Ping").Return()

	g, _, _ := newManualGate(t, sensor.KindLevelSwitch, WithNotifier(notifier))
	for i := 0; i < 5; i++ {
		g.Step(at(time.Duration(i) * 100 * time.Millisecond))
	}
	notifier.AssertNumberOfCalls(t, "Ping", 5)
}

func TestPublishCadence(t *testing.T) {
	reader := sensor.NewManual(sensor.KindLevelSwitch)
	reader.Set(types.ReadingOpen)
	g := New(testGateConfig(), reader, newRecorderFixture(t).sup)

	var published []StatusSnapshot
	unsubscribe := g.Subscribe(func(s StatusSnapshot) { published = append(published, s) })

	require.NoError(t, g.initialize(t0, 0))
	require.Len(t, published, 1)

	g.Step(at(100 * time.Millisecond)) // unknown -> opened
	require.Len(t, published, 2)
	assert.Equal(t, "opened", published[1].Status)

	g.Step(at(5 * time.Second))
	assert.Len(t, published, 2)

	g.Step(at(10200 * time.Millisecond))
	assert.Len(t, published, 3)

	reader.Set(types.ReadingClosed)
	g.Step(at(10300 * time.Millisecond))
	assert.Len(t, published, 4)

	unsubscribe()
	reader.Set(types.ReadingOpen)
	g.Step(at(10400 * time.Millisecond))
	assert.Len(t, published, 4)
}

func TestPublishCadenceNearAutostop(t *testing.T) {
	reader := sensor.NewManual(sensor.KindLevelSwitch)
	reader.Set(types.ReadingOpen)
	g := New(testGateConfig(), reader, newRecorderFixture(t).sup)

	var published []StatusSnapshot
	g.Subscribe(func(s StatusSnapshot) { published = append(published, s) })

	require.NoError(t, g.initialize(t0, 15))
	g.Step(at(100 * time.Millisecond))
	require.Len(t, published, 2)

	g.Step(at(3 * time.Second)) // 12s left
	assert.Len(t, published, 2)

	g.Step(at(6 * time.Second)) // 9s left
	assert.Len(t, published, 3)
	assert.Equal(t, 9, published[2].SecondsLeft)

	g.Step(at(6500 * time.Millisecond))
	assert.Len(t, published, 3)

	g.Step(at(7200 * time.Millisecond))
	assert.Len(t, published, 4)
}

func TestStatusSnapshotJSON(t *testing.T) {
	data, err := json.Marshal(StatusSnapshot{
		Status:      "closed",
		Timestamp:   1700000000,
		Initialized: true,
		Autostop:    true,
		SecondsLeft: 42,
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"closed","timestamp":1700000000,"initialized":true,"autostop":true,"seconds_left":42}`, string(data))
	assert.Equal(t, `{"status":"closed","timestamp":1700000000,"initialized":true,"autostop":true,"seconds_left":42}`, string(data))
}

func TestRunServesCommands(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	reader := sensor.NewManual(sensor.KindImpulse)
	rec := newRecorderFixture(t)
	g := New(testGateConfig(), reader, rec.sup)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- g.Run(ctx) }()

	require.NoError(t, g.Initialize(context.Background(), 0))
	assert.True(t, g.Status().Initialized)

	reader.Set(types.ReadingClosed)
	require.Eventually(t, func() bool { return g.Snapshot().State == StateRecording }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, g.Deactivate(context.Background()))
	assert.False(t, g.Status().Initialized)
	assert.Nil(t, rec.sup.Active())

	require.NoError(t, g.Initialize(context.Background(), 0))
	reader.Set(types.ReadingClosed)
	require.Eventually(t, func() bool { return g.Snapshot().State == StateRecording }, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-errCh)
	assert.False(t, reader.Active())
	assert.Nil(t, rec.sup.Active())

	assert.ErrorIs(t, g.Initialize(context.Background(), 0), ErrNotRunning)
}

func TestCommandHonoursContext(t *testing.T) {
	g := New(testGateConfig(), sensor.NewManual(sensor.KindManual), newRecorderFixture(t).sup)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.True(t, errors.Is(g.Deactivate(ctx), context.DeadlineExceeded))
}
