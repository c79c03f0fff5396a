package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	voicetutor "github.com/lingopeer/voicetutor"
	"github.com/lingopeer/voicetutor/notify"
	"github.com/lingopeer/voicetutor/shared"
)

type fakeManager struct {
	mu          sync.Mutex
	initCalls   int
	startCalls  int
	stopCalls   int
	disconnects int
	muted       bool
	initErr     error
	startErr    error
}

func (f *fakeManager) Initialize(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initCalls++
	return f.initErr
}

func (f *fakeManager) StartStreaming() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	return f.startErr
}

func (f *fakeManager) StopStreaming() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	return nil
}

func (f *fakeManager) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

func (f *fakeManager) SetMuted(muted bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.muted = muted
}

func (f *fakeManager) Muted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.muted
}

func (f *fakeManager) counts() (init, start, stop, disconnect int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initCalls, f.startCalls, f.stopCalls, f.disconnects
}

func newTestController(t *testing.T) (*Controller, *fakeManager, *notify.Bus) {
	t.Helper()
	bus, err := notify.NewBus(shared.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })

	mgr := &fakeManager{}
	ctrl, err := NewController(shared.NewNopLogger(), mgr, bus)
	require.NoError(t, err)
	ctrl.probe = func() error { return nil }
	return ctrl, mgr, bus
}

func TestNewControllerValidation(t *testing.T) {
	bus, err := notify.NewBus(shared.NewNopLogger())
	require.NoError(t, err)
	defer func() { _ = bus.Close() }()

	_, err = NewController(nil, &fakeManager{}, bus)
	assert.ErrorIs(t, err, shared.ErrNoLogger)

	_, err = NewController(shared.NewNopLogger(), &fakeManager{}, nil)
	assert.ErrorIs(t, err, shared.ErrNoBus)
}

func TestStartCall(t *testing.T) {
	ctrl, mgr, _ := newTestController(t)

	require.NoError(t, ctrl.StartCall(context.Background()))
	state, _ := ctrl.Snapshot()
	assert.True(t, state.Connected)
	assert.True(t, state.Listening)
	assert.NotEmpty(t, state.SessionID)
	init, start, _, _ := mgr.counts()
	assert.Equal(t, 1, init)
	assert.Equal(t, 1, start)

	assert.ErrorIs(t, ctrl.StartCall(context.Background()), shared.ErrCallAlreadyActive)
}

func TestStartCallMicProbeFails(t *testing.T) {
	ctrl, mgr, _ := newTestController(t)
	ctrl.probe = func() error { return shared.ErrMicUnavailable }

	err := ctrl.StartCall(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrMicUnavailable)

	state, _ := ctrl.Snapshot()
	assert.False(t, state.Connected)
	assert.NotEmpty(t, state.Err)
	init, _, _, _ := mgr.counts()
	assert.Zero(t, init)
}

func TestStartCallInitializeFails(t *testing.T) {
	ctrl, mgr, _ := newTestController(t)
	mgr.initErr = errors.New("no network")

	require.Error(t, ctrl.StartCall(context.Background()))
	state, _ := ctrl.Snapshot()
	assert.False(t, state.Connected)
}

func TestStartCallStreamingFailsDisconnects(t *testing.T) {
	ctrl, mgr, _ := newTestController(t)
	mgr.startErr = errors.New("track gone")

	require.Error(t, ctrl.StartCall(context.Background()))
	_, _, _, disconnects := mgr.counts()
	assert.Equal(t, 1, disconnects)
}

func TestEndCall(t *testing.T) {
	ctrl, mgr, _ := newTestController(t)

	assert.ErrorIs(t, ctrl.EndCall(), shared.ErrCallNotActive)

	require.NoError(t, ctrl.StartCall(context.Background()))
	require.NoError(t, ctrl.EndCall())

	state, _ := ctrl.Snapshot()
	assert.False(t, state.Connected)
	assert.Empty(t, state.SessionID)
	_, _, _, disconnects := mgr.counts()
	assert.Equal(t, 1, disconnects)
}

func TestEndCallKeepsTranscript(t *testing.T) {
	ctrl, _, _ := newTestController(t)
	require.NoError(t, ctrl.StartCall(context.Background()))

	ctrl.mu.Lock()
	ctrl.transcript = append(ctrl.transcript, voicetutor.Message{Text: "hello", Sender: voicetutor.SenderAI})
	ctrl.mu.Unlock()

	require.NoError(t, ctrl.EndCall())
	_, transcript := ctrl.Snapshot()
	require.Len(t, transcript, 1)
	assert.Equal(t, "hello", transcript[0].Text)
}

func TestToggleMic(t *testing.T) {
	ctrl, mgr, _ := newTestController(t)

	assert.ErrorIs(t, ctrl.ToggleMic(), shared.ErrCallNotActive)

	require.NoError(t, ctrl.StartCall(context.Background()))
	require.NoError(t, ctrl.ToggleMic())
	state, _ := ctrl.Snapshot()
	assert.False(t, state.Listening)
	_, _, stop, _ := mgr.counts()
	assert.Equal(t, 1, stop)

	// resuming needs a fresh session: stopping released the capture tracks
	require.NoError(t, ctrl.ToggleMic())
	state, _ = ctrl.Snapshot()
	assert.True(t, state.Listening)
	init, start, _, _ := mgr.counts()
	assert.Equal(t, 2, init)
	assert.Equal(t, 2, start)
}

func TestToggleMute(t *testing.T) {
	ctrl, mgr, _ := newTestController(t)

	assert.True(t, ctrl.ToggleMute())
	assert.True(t, mgr.Muted())
	state, _ := ctrl.Snapshot()
	assert.True(t, state.Muted)

	assert.False(t, ctrl.ToggleMute())
	assert.False(t, mgr.Muted())
}

func TestControllerConsumesNotifications(t *testing.T) {
	ctrl, _, bus := newTestController(t)
	require.NoError(t, ctrl.StartCall(context.Background()))

	require.NoError(t, bus.Publish(notify.TopicTranscription, notify.TranscriptionNotification{
		Transcript: "je vou", ItemID: "u1", Final: false,
	}))
	assert.Eventually(t, func() bool {
		user, _ := ctrl.Partials()
		return user == "je vou"
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, bus.Publish(notify.TopicTranscription, notify.TranscriptionNotification{
		Transcript: "je voudrais un café", ItemID: "u1", Final: true,
	}))
	assert.Eventually(t, func() bool {
		_, transcript := ctrl.Snapshot()
		return len(transcript) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, bus.Publish(notify.TopicText, notify.TextNotification{
		Text: "Très bien!", ItemID: "a1", Final: true,
	}))
	assert.Eventually(t, func() bool {
		_, transcript := ctrl.Snapshot()
		return len(transcript) == 2
	}, time.Second, 10*time.Millisecond)

	_, transcript := ctrl.Snapshot()
	assert.Equal(t, voicetutor.Message{Text: "je voudrais un café", Sender: voicetutor.SenderUser}, transcript[0])
	assert.Equal(t, voicetutor.Message{Text: "Très bien!", Sender: voicetutor.SenderAI}, transcript[1])

	user, ai := ctrl.Partials()
	assert.Empty(t, user)
	assert.Empty(t, ai)
}

func TestControllerTerminalErrorEndsCall(t *testing.T) {
	ctrl, _, bus := newTestController(t)
	require.NoError(t, ctrl.StartCall(context.Background()))

	require.NoError(t, bus.Publish(notify.TopicError, notify.ErrorNotification{
		Message:  "connection failed after 3 attempts",
		Terminal: true,
	}))

	assert.Eventually(t, func() bool {
		state, _ := ctrl.Snapshot()
		return !state.Connected && !state.Listening && state.Err != ""
	}, time.Second, 10*time.Millisecond)
}
