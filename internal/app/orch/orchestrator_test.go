package orch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/edgecam/edgecam/internal/app"
	"github.com/edgecam/edgecam/internal/app/capture"
	"github.com/edgecam/edgecam/internal/app/ice"
	"github.com/edgecam/edgecam/internal/core"
	"github.com/edgecam/edgecam/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- fakes ---

// idleReader produces no frames. It fails its pending read when broken.
type idleReader struct {
	once     sync.Once
	closed   chan struct{}
	failOnce sync.Once
	failed   chan struct{}
}

func newIdleReader() *idleReader {
	return &idleReader{closed: make(chan struct{}), failed: make(chan struct{})}
}

func (r *idleReader) ReadFrame() (core.Frame, error) {
	select {
	case <-r.closed:
		return nil, errors.New("closed")
	case <-r.failed:
		return nil, errors.New("device unplugged")
	}
}

func (r *idleReader) breakDevice() {
	r.failOnce.Do(func() { close(r.failed) })
}

func (r *idleReader) Close() error {
	r.once.Do(func() { close(r.closed) })
	return nil
}

type fakeDevice struct {
	opens atomic.Int32
	err   error

	mu   sync.Mutex
	last *idleReader
}

func (d *fakeDevice) Open(context.Context) (core.FrameReader, error) {
	if d.err != nil {
		return nil, d.err
	}
	d.opens.Add(1)
	r := newIdleReader()
	d.mu.Lock()
	d.last = r
	d.mu.Unlock()
	return r, nil
}

func (d *fakeDevice) reader() *idleReader {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

type fakeConn struct {
	mu         sync.Mutex
	onState    func(core.ConnState)
	tracks     []webrtc.TrackLocal
	candidates []webrtc.ICECandidateInit
	closed     int
	applyErr   error
	// applyGate, when set, holds answer creation until it is closed.
	applyGate chan struct{}
}

func (c *fakeConn) AddLocalTrack(t webrtc.TrackLocal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracks = append(c.tracks, t)
	return nil
}

func (c *fakeConn) OnConnStateChange(fn func(core.ConnState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

func (c *fakeConn) ApplyOfferAndCreateAnswer(ctx context.Context, _ webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if c.applyGate != nil {
		select {
		case <-c.applyGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.applyErr != nil {
		return nil, c.applyErr
	}
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (c *fakeConn) AddICECandidate(ci webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.candidates = append(c.candidates, ci)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *fakeConn) emit(s core.ConnState) {
	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()
	fn(s)
}

func (c *fakeConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeSignal struct {
	mu      sync.Mutex
	answers []webrtc.SessionDescription
	err     error
}

func (s *fakeSignal) sent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.answers)
}

func (s *fakeSignal) SendAnswer(_ context.Context, a webrtc.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.answers = append(s.answers, a)
	return nil
}

type fakeTimer struct {
	d       time.Duration
	fn      func()
	stopped atomic.Bool
}

func (t *fakeTimer) Stop() bool { return !t.stopped.Swap(true) }

// fire runs the callback even if the timer was stopped, the way a timer that
// already expired races with its cancellation.
func (t *fakeTimer) fire() { t.fn() }

type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) app.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{d: d, fn: fn}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) scheduled() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*fakeTimer(nil), c.timers...)
}

// --- harness ---

type harness struct {
	orch   *Orchestrator
	device *fakeDevice
	source *capture.Source
	signal *fakeSignal
	clock  *fakeClock

	mu    sync.Mutex
	conns map[domain.SessionID][]*fakeConn
	// prepare, when set, customizes each new connection.
	prepare func(domain.SessionID, *fakeConn)
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		device: &fakeDevice{},
		signal: &fakeSignal{},
		clock:  &fakeClock{},
		conns:  make(map[domain.SessionID][]*fakeConn),
	}
	h.source = capture.NewSource(h.device)
	newConn := func(sid domain.SessionID) (core.MediaConnection, error) {
		c := &fakeConn{}
		if h.prepare != nil {
			h.prepare(sid, c)
		}
		h.mu.Lock()
		h.conns[sid] = append(h.conns[sid], c)
		h.mu.Unlock()
		return c, nil
	}
	opts = append([]Option{WithAfterFunc(h.clock.AfterFunc)}, opts...)
	h.orch = New(h.source, h.signal, newConn, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		_ = h.orch.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	return h
}

func (h *harness) conn(sid domain.SessionID) *fakeConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	cs := h.conns[sid]
	return cs[len(cs)-1]
}

func (h *harness) offer(t *testing.T, sid domain.SessionID) error {
	t.Helper()
	return h.orch.HandleOffer(context.Background(), sid, webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  "v=0 offer",
	})
}

func (h *harness) snapshot(t *testing.T) Snapshot {
	t.Helper()
	snap, err := h.orch.Snapshot(context.Background())
	require.NoError(t, err)
	// Registry emptiness and capture state move together.
	assert.Equal(t, len(snap.Sessions) > 0, snap.CaptureRunning, "registry/capture invariant")
	return snap
}

func sessionInfo(snap Snapshot, sid domain.SessionID) (app.SessionInfo, bool) {
	for _, s := range snap.Sessions {
		if s.ID == sid {
			return s, true
		}
	}
	return app.SessionInfo{}, false
}

// --- tests ---

func TestOffer_CheckingThenCompleted(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.offer(t, "A"))
	snap := h.snapshot(t)
	assert.True(t, snap.CaptureRunning)
	info, ok := sessionInfo(snap, "A")
	require.True(t, ok)
	assert.Equal(t, "new", info.State)
	assert.Len(t, h.signal.answers, 1)
	assert.Len(t, h.conn("A").tracks, 1)

	c := h.conn("A")
	c.emit(core.ConnStateChecking)
	c.emit(core.ConnStateChecking)
	h.snapshot(t)

	timers := h.clock.scheduled()
	require.Len(t, timers, 1, "re-entering checking must not start a second supervisor")
	assert.Equal(t, DefaultCheckingTimeout, timers[0].d)

	c.emit(core.ConnStateCompleted)
	snap = h.snapshot(t)
	info, _ = sessionInfo(snap, "A")
	assert.Equal(t, "completed", info.State)
	assert.True(t, info.EverCompleted)
	assert.True(t, timers[0].stopped.Load())

	// A supervisor that fired just before being cancelled must not tear the
	// session down.
	timers[0].fire()
	snap = h.snapshot(t)
	assert.Len(t, snap.Sessions, 1)
	assert.True(t, snap.CaptureRunning)
	assert.Equal(t, 0, c.closeCount())
}

func TestOffer_ConnectedCountsAsCompleted(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.offer(t, "A"))

	c := h.conn("A")
	c.emit(core.ConnStateChecking)
	c.emit(core.ConnStateConnected)

	info, _ := sessionInfo(h.snapshot(t), "A")
	assert.True(t, info.EverCompleted)
	assert.True(t, h.clock.scheduled()[0].stopped.Load())
}

func TestCheckingTimeout_ForcesTeardown(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.offer(t, "B"))

	c := h.conn("B")
	c.emit(core.ConnStateChecking)
	h.snapshot(t)

	timers := h.clock.scheduled()
	require.Len(t, timers, 1)
	timers[0].fire()

	snap := h.snapshot(t)
	assert.Empty(t, snap.Sessions)
	assert.False(t, snap.CaptureRunning)
	assert.Equal(t, 1, c.closeCount())
}

func TestCheckingTimeout_RealTimer(t *testing.T) {
	h := newHarness(t, WithCheckingTimeout(30*time.Millisecond), WithAfterFunc(func(d time.Duration, f func()) app.Timer {
		return time.AfterFunc(d, f)
	}))
	require.NoError(t, h.offer(t, "B"))
	h.conn("B").emit(core.ConnStateChecking)

	assert.Eventually(t, func() bool {
		snap, err := h.orch.Snapshot(context.Background())
		return err == nil && len(snap.Sessions) == 0
	}, time.Second, 10*time.Millisecond)
	assert.False(t, h.source.Running())
}

func TestTeardown_Idempotent(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.offer(t, "A"))
	require.NoError(t, h.offer(t, "C"))

	c := h.conn("A")
	c.emit(core.ConnStateChecking)
	h.snapshot(t)
	timer := h.clock.scheduled()[0]

	c.emit(core.ConnStateFailed)
	c.emit(core.ConnStateClosed)
	timer.fire()

	snap := h.snapshot(t)
	assert.Equal(t, 1, c.closeCount())
	assert.True(t, timer.stopped.Load())
	_, ok := sessionInfo(snap, "A")
	assert.False(t, ok)
	// The other viewer keeps the camera open.
	assert.True(t, snap.CaptureRunning)
	assert.Equal(t, int32(1), h.device.opens.Load())
}

func TestTerminalStates_TearDown(t *testing.T) {
	for _, state := range []core.ConnState{core.ConnStateDisconnected, core.ConnStateFailed, core.ConnStateClosed} {
		t.Run(state.String(), func(t *testing.T) {
			h := newHarness(t)
			require.NoError(t, h.offer(t, "A"))
			h.conn("A").emit(state)

			snap := h.snapshot(t)
			assert.Empty(t, snap.Sessions)
			assert.False(t, snap.CaptureRunning)
		})
	}
}

func TestCandidate_UnknownSession(t *testing.T) {
	h := newHarness(t)

	err := h.orch.HandleCandidate(context.Background(), "ghost", ice.Payload{
		Candidate: "candidate:1 1 udp 2130706431 10.0.0.4 50212 typ host",
	})
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestCandidate_MalformedLeavesSessionUntouched(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.offer(t, "A"))
	h.conn("A").emit(core.ConnStateChecking)
	before := h.snapshot(t)

	err := h.orch.HandleCandidate(context.Background(), "A", ice.Payload{Candidate: "bogus"})
	assert.ErrorIs(t, err, ice.ErrMalformedCandidate)

	after := h.snapshot(t)
	assert.Equal(t, before, after)
	assert.Empty(t, h.conn("A").candidates)
}

func TestCandidate_Forwarded(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.offer(t, "A"))

	mid := "0"
	idx := uint16(0)
	raw := "candidate:1 1 udp 2130706431 10.0.0.4 50212 typ host generation 0"
	require.NoError(t, h.orch.HandleCandidate(context.Background(), "A", ice.Payload{
		Candidate: raw, SDPMid: &mid, SDPMLineIndex: &idx,
	}))

	got := h.conn("A").candidates
	require.Len(t, got, 1)
	assert.Equal(t, raw, got[0].Candidate)
	assert.Equal(t, "0", *got[0].SDPMid)
}

func TestOffer_CaptureUnavailableAbandons(t *testing.T) {
	h := newHarness(t)
	h.device.err = errors.New("device busy")

	err := h.offer(t, "A")
	assert.ErrorIs(t, err, capture.ErrDeviceOpen)

	snap := h.snapshot(t)
	assert.Empty(t, snap.Sessions)

	err = h.orch.HandleCandidate(context.Background(), "A", ice.Payload{
		Candidate: "candidate:1 1 udp 2130706431 10.0.0.4 50212 typ host",
	})
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestOffer_NegotiationFailureAbandons(t *testing.T) {
	h := newHarness(t)
	h.prepare = func(_ domain.SessionID, c *fakeConn) { c.applyErr = errors.New("bad sdp") }

	err := h.offer(t, "A")
	require.Error(t, err)

	snap := h.snapshot(t)
	assert.Empty(t, snap.Sessions)
	assert.False(t, snap.CaptureRunning)
	assert.Equal(t, 1, h.conn("A").closeCount())
	assert.Empty(t, h.signal.answers)
}

func TestOffer_SendAnswerFailureAbandons(t *testing.T) {
	h := newHarness(t)
	h.signal.err = errors.New("relay gone")

	require.Error(t, h.offer(t, "A"))
	assert.Empty(t, h.snapshot(t).Sessions)
}

func TestOffer_Malformed(t *testing.T) {
	h := newHarness(t)

	err := h.orch.HandleOffer(context.Background(), "A", webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"})
	assert.ErrorIs(t, err, ErrMalformedOffer)
	assert.Equal(t, int32(0), h.device.opens.Load())
	h.snapshot(t)
}

func TestOffer_RenegotiationReplacesSession(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.offer(t, "A"))
	first := h.conn("A")

	require.NoError(t, h.offer(t, "A"))
	second := h.conn("A")
	require.NotSame(t, first, second)
	assert.Equal(t, 1, first.closeCount())

	// Late events from the replaced transport are ignored.
	first.emit(core.ConnStateFailed)
	snap := h.snapshot(t)
	require.Len(t, snap.Sessions, 1)
	assert.Equal(t, "new", snap.Sessions[0].State)
	assert.Equal(t, 0, second.closeCount())
}

func TestDisconnect_TearsDownEverything(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.offer(t, "A"))
	require.NoError(t, h.offer(t, "B"))

	require.NoError(t, h.orch.HandleDisconnect(context.Background()))

	snap := h.snapshot(t)
	assert.Empty(t, snap.Sessions)
	assert.False(t, snap.CaptureRunning)
	assert.Equal(t, 1, h.conn("A").closeCount())
	assert.Equal(t, 1, h.conn("B").closeCount())

	// Teardown after a full disconnect is still harmless.
	require.NoError(t, h.orch.HandleDisconnect(context.Background()))
}

func TestOffer_RestartsCaptureAfterReadFailure(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.offer(t, "A"))
	first := h.device.reader()

	first.breakDevice()
	assert.Eventually(t, func() bool { return !h.source.Running() }, time.Second, 5*time.Millisecond)

	// The viewer stays registered; the next offer reopens the device.
	require.NoError(t, h.offer(t, "B"))
	snap := h.snapshot(t)
	assert.Len(t, snap.Sessions, 2)
	assert.Equal(t, int32(2), h.device.opens.Load())
	assert.NotSame(t, first, h.device.reader())
}

func TestOffer_SlowNegotiationDoesNotStallOtherSessions(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.offer(t, "A"))
	a := h.conn("A")

	gate := make(chan struct{})
	h.prepare = func(sid domain.SessionID, c *fakeConn) {
		if sid == "B" {
			c.applyGate = gate
		}
	}
	offered := make(chan error, 1)
	go func() { offered <- h.offer(t, "B") }()

	assert.Eventually(t, func() bool {
		snap, err := h.orch.Snapshot(context.Background())
		if err != nil {
			return false
		}
		_, ok := sessionInfo(snap, "B")
		return ok
	}, time.Second, 5*time.Millisecond)

	a.emit(core.ConnStateFailed)
	assert.Eventually(t, func() bool { return a.closeCount() == 1 }, time.Second, 5*time.Millisecond)

	snap := h.snapshot(t)
	_, ok := sessionInfo(snap, "A")
	assert.False(t, ok)
	assert.Equal(t, 1, h.signal.sent(), "B has not answered yet")

	close(gate)
	require.NoError(t, <-offered)
	snap = h.snapshot(t)
	require.Len(t, snap.Sessions, 1)
	assert.Equal(t, domain.SessionID("B"), snap.Sessions[0].ID)
	assert.Equal(t, 2, h.signal.sent())
}

func TestOffer_SessionClosedDuringNegotiation(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	h.prepare = func(_ domain.SessionID, c *fakeConn) { c.applyGate = gate }

	offered := make(chan error, 1)
	go func() { offered <- h.offer(t, "A") }()
	assert.Eventually(t, func() bool {
		snap, err := h.orch.Snapshot(context.Background())
		return err == nil && len(snap.Sessions) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, h.orch.HandleDisconnect(context.Background()))
	close(gate)

	assert.ErrorIs(t, <-offered, ErrNoSession)
	snap := h.snapshot(t)
	assert.Empty(t, snap.Sessions)
	assert.Equal(t, 0, h.signal.sent())
	assert.Equal(t, 1, h.conn("A").closeCount())
}

func TestSnapshot_HonorsContextWhileLoopBusy(t *testing.T) {
	h := newHarness(t)

	busy := make(chan struct{})
	h.orch.post(func(context.Context) { <-busy })
	defer close(busy)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := h.orch.Snapshot(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestOffer_CancelledBeforeSetupLeavesNothingBehind(t *testing.T) {
	h := newHarness(t)

	busy := make(chan struct{})
	h.orch.post(func(context.Context) { <-busy })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := h.orch.HandleOffer(ctx, "A", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(busy)
	snap := h.snapshot(t)
	assert.Empty(t, snap.Sessions)
	assert.Equal(t, int32(0), h.device.opens.Load())
}

func TestCall_AfterShutdown(t *testing.T) {
	o := New(capture.NewSource(&fakeDevice{}), &fakeSignal{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, o.Run(ctx), context.Canceled)

	_, err := o.Snapshot(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
