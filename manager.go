package voicetutor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/lingopeer/voicetutor/notify"
	"github.com/lingopeer/voicetutor/shared"
	"github.com/lingopeer/voicetutor/tools"
)

// transport is one live negotiation attempt. Satisfied by *Client.
type transport interface {
	Start() error
	SendEvent(ev *ClientEvent) error
	Close() error
	State() webrtc.PeerConnectionState
}

// capture is an open microphone. Satisfied by *tools.Capture.
type capture interface {
	Track() mediadevices.Track
	FrameDuration() time.Duration
	Stop() error
}

// ManagerOptions configures the session manager.
type ManagerOptions struct {
	APIKey     string
	BaseURL    string
	Model      string
	STUNServer string

	Instructions    string // session behavior, sent via session.update
	Greeting        string // opening prompt, sent via response.create
	Voice           string
	MaxOutputTokens int64

	RetryLimit        int // automatic reconnect attempts, default 3
	Constraints       tools.Constraints
	PlaybackBufferMs  int
	RingBufferSeconds int
}

const defaultGreeting = "Greet the user and introduce yourself as their language tutor. Ask what they would like to practice today."

// Manager owns at most one realtime session. Every Initialize builds the
// session from scratch: a failed or torn-down session is never reused.
// Transport failures trigger sequential reinitialization up to the retry
// limit; exhaustion surfaces a terminal error notification.
type Manager struct {
	logger shared.LoggerAdapter
	bus    *notify.Bus
	opts   ManagerOptions

	mu           sync.Mutex
	client       transport
	mic          capture
	localTrack   *webrtc.TrackLocalStaticSample
	sess         *SessionState
	initialized  bool
	streaming    bool
	disconnected bool
	retries      int
	baseCtx      context.Context
	sessCancel   context.CancelFunc
	streamCancel context.CancelFunc

	muted atomic.Bool

	// seams for tests
	dial    func(ctx context.Context, mic capture) (transport, *webrtc.TrackLocalStaticSample, error)
	openMic func(logger shared.LoggerAdapter, c tools.Constraints) (capture, error)
}

func NewManager(logger shared.LoggerAdapter, bus *notify.Bus, opts ManagerOptions) (*Manager, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if bus == nil {
		return nil, shared.ErrNoBus
	}
	if opts.APIKey == "" {
		return nil, shared.ErrNoAPIKey
	}
	if opts.RetryLimit == 0 {
		opts.RetryLimit = 3
	}
	if opts.Greeting == "" {
		opts.Greeting = defaultGreeting
	}
	if opts.MaxOutputTokens == 0 {
		opts.MaxOutputTokens = 1024
	}
	if opts.PlaybackBufferMs == 0 {
		opts.PlaybackBufferMs = 100
	}
	if opts.RingBufferSeconds == 0 {
		opts.RingBufferSeconds = 3
	}
	if opts.Constraints.SampleRate == 0 {
		opts.Constraints = tools.DefaultConstraints()
	}
	m := &Manager{
		logger: logger,
		bus:    bus,
		opts:   opts,
	}
	m.dial = m.dialRTC
	m.openMic = func(logger shared.LoggerAdapter, c tools.Constraints) (capture, error) {
		return tools.OpenMicrophone(logger, c)
	}
	return m, nil
}

// Initialize tears down any prior session and negotiates a new one. An
// explicit Initialize resets the automatic retry budget.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardownLocked()
	m.retries = 0
	m.disconnected = false
	if ctx == nil {
		ctx = context.Background()
	}
	m.baseCtx = ctx
	return m.initLocked(ctx)
}

func (m *Manager) initLocked(ctx context.Context) error {
	sctx, cancel := context.WithCancel(ctx)
	mic, err := m.openMic(m.logger, m.opts.Constraints)
	if err != nil {
		cancel()
		return fmt.Errorf("acquiring microphone: %w", err)
	}
	tr, track, err := m.dial(sctx, mic)
	if err != nil {
		_ = mic.Stop()
		cancel()
		return fmt.Errorf("dialing realtime endpoint: %w", err)
	}
	if err := tr.Start(); err != nil {
		_ = tr.Close()
		_ = mic.Stop()
		cancel()
		return fmt.Errorf("starting session: %w", err)
	}
	m.client = tr
	m.mic = mic
	m.localTrack = track
	m.sess = NewSessionState()
	m.sessCancel = cancel
	m.initialized = true
	m.logger.Info("session initialized")
	return nil
}

// dialRTC is the production dialer: a fresh Client wired with playback,
// event dispatch, and the connection-state callback.
func (m *Manager) dialRTC(ctx context.Context, mic capture) (transport, *webrtc.TrackLocalStaticSample, error) {
	c, err := NewClient(ctx, m.logger, ClientOptions{
		APIKey:     m.opts.APIKey,
		BaseURL:    m.opts.BaseURL,
		Model:      m.opts.Model,
		STUNServer: m.opts.STUNServer,
	})
	if err != nil {
		return nil, nil, err
	}
	track, err := c.AddAudioTrack()
	if err != nil {
		_ = c.Close()
		return nil, nil, err
	}
	err = c.RegisterTrackRemoteHandler(func(remote *webrtc.TrackRemote) {
		tools.PlayRemoteAudio(ctx, m.logger, remote, m.opts.PlaybackBufferMs, m.opts.RingBufferSeconds, &m.muted)
	})
	if err != nil {
		_ = c.Close()
		return nil, nil, err
	}
	if err := c.RegisterEventHandler(m.handleServerEvent); err != nil {
		_ = c.Close()
		return nil, nil, err
	}
	if err := c.RegisterStateHandler(func(state webrtc.PeerConnectionState) {
		m.onConnectionState(c, state)
	}); err != nil {
		_ = c.Close()
		return nil, nil, err
	}
	startEvs := make([]*ClientEvent, 0, 2)
	if m.opts.Instructions != "" || m.opts.Voice != "" {
		startEvs = append(startEvs, &ClientEvent{
			Type: ClientEventTypeSessionUpdate,
			Param: &ClientEventParamSessionUpdate{
				Instructions: m.opts.Instructions,
				Voice:        m.opts.Voice,
			},
		})
	}
	startEvs = append(startEvs, &ClientEvent{
		Type: ClientEventTypeResponseCreate,
		Param: &ClientEventParamResponseCreate{
			Instructions:    m.opts.Greeting,
			MaxOutputTokens: m.opts.MaxOutputTokens,
		},
	})
	if err := c.SetStartEvents(startEvs...); err != nil {
		_ = c.Close()
		return nil, nil, err
	}
	return c, track, nil
}

// StartStreaming begins sending microphone audio to the session.
func (m *Manager) StartStreaming() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return shared.ErrNotInitialized
	}
	if m.streaming {
		return shared.ErrAlreadyStreaming
	}
	return m.startStreamingLocked()
}

func (m *Manager) startStreamingLocked() error {
	ctx, cancel := context.WithCancel(m.baseCtx)
	m.streamCancel = cancel
	if m.localTrack != nil && m.mic != nil {
		go tools.StreamLocalAudio(ctx, m.logger, m.localTrack, m.mic.Track(), m.mic.FrameDuration())
	}
	m.streaming = true
	m.logger.Info("streaming started")
	return nil
}

// StopStreaming releases every capture track and clears the initialized
// flag. Resuming requires a fresh Initialize.
func (m *Manager) StopStreaming() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return shared.ErrNotInitialized
	}
	if m.streamCancel != nil {
		m.streamCancel()
		m.streamCancel = nil
	}
	if m.mic != nil {
		if err := m.mic.Stop(); err != nil {
			m.logger.Error("stopping capture tracks", err)
		}
		m.mic = nil
	}
	m.streaming = false
	m.initialized = false
	m.logger.Info("streaming stopped")
	return nil
}

// Disconnect forces a full teardown of every resource handle.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardownLocked()
	m.disconnected = true
	m.logger.Info("session disconnected")
	return nil
}

// teardownLocked releases everything. Keeps the retry counter: only an
// explicit Initialize or a successful reconnect resets it.
func (m *Manager) teardownLocked() {
	if m.streamCancel != nil {
		m.streamCancel()
		m.streamCancel = nil
	}
	if m.sessCancel != nil {
		m.sessCancel()
		m.sessCancel = nil
	}
	if m.client != nil {
		if err := m.client.Close(); err != nil {
			m.logger.Error("closing client", err)
		}
		m.client = nil
	}
	if m.mic != nil {
		if err := m.mic.Stop(); err != nil {
			m.logger.Error("stopping capture tracks", err)
		}
		m.mic = nil
	}
	m.localTrack = nil
	m.initialized = false
	m.streaming = false
}

// onConnectionState reacts to transport state reports. Stale clients (from a
// session already torn down) are ignored.
func (m *Manager) onConnectionState(from transport, state webrtc.PeerConnectionState) {
	m.mu.Lock()
	if m.client != from {
		m.mu.Unlock()
		return
	}
	switch state {
	case webrtc.PeerConnectionStateConnected:
		m.retries = 0
		m.mu.Unlock()
		return
	case webrtc.PeerConnectionStateFailed:
		m.mu.Unlock()
		go m.recover()
		return
	}
	m.mu.Unlock()
}

// recover reinitializes the session after a transport failure, sequentially,
// up to the retry limit. Past the limit it tears down and publishes a
// terminal error.
func (m *Manager) recover() {
	for {
		m.mu.Lock()
		if m.disconnected {
			// explicitly disconnected in the meantime
			m.mu.Unlock()
			return
		}
		m.retries++
		attempt := m.retries
		if attempt > m.opts.RetryLimit {
			m.teardownLocked()
			m.mu.Unlock()
			m.logger.Error("giving up on session", shared.ErrRetriesExhausted,
				zap.Int("attempts", attempt-1),
			)
			m.publish(notify.TopicError, notify.ErrorNotification{
				Message:  fmt.Sprintf("connection failed after %d attempts", attempt-1),
				Terminal: true,
			})
			return
		}
		wasStreaming := m.streaming
		m.teardownLocked()
		err := m.initLocked(m.baseCtx)
		if err == nil && wasStreaming {
			err = m.startStreamingLocked()
		}
		m.mu.Unlock()
		if err == nil {
			m.logger.Info("session reinitialized after connection failure", zap.Int("attempt", attempt))
			return
		}
		m.logger.Warn("reinitialization attempt failed",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
}

// handleServerEvent folds a data-channel event into the session state and
// republishes it as a named notification.
func (m *Manager) handleServerEvent(ev *ServerEvent) {
	m.mu.Lock()
	sess := m.sess
	m.mu.Unlock()
	if sess == nil {
		return
	}
	switch p := ev.Param.(type) {
	case *ServerEventParamText:
		sess.ApplyText(p)
		m.publish(notify.TopicText, notify.TextNotification{
			Text:   p.Text,
			ItemID: p.ItemId,
			Final:  p.Final,
		})
	case *ServerEventParamTranscription:
		sess.ApplyTranscription(p)
		m.publish(notify.TopicTranscription, notify.TranscriptionNotification{
			Transcript: p.Transcript,
			ItemID:     p.ItemId,
			Final:      p.Final,
		})
	case *ServerEventParamError:
		m.publish(notify.TopicError, notify.ErrorNotification{
			Code:    p.Code,
			Message: p.Message,
		})
	}
}

func (m *Manager) publish(topic string, payload any) {
	if err := m.bus.Publish(topic, payload); err != nil {
		m.logger.Error("publishing notification", err, zap.String("topic", topic))
	}
}

// UpdateSession sends a session.update event mid-call.
func (m *Manager) UpdateSession(instructions, voice string) error {
	m.mu.Lock()
	client := m.client
	initialized := m.initialized
	m.mu.Unlock()
	if !initialized || client == nil {
		return shared.ErrNotInitialized
	}
	return client.SendEvent(&ClientEvent{
		Type: ClientEventTypeSessionUpdate,
		Param: &ClientEventParamSessionUpdate{
			Instructions: instructions,
			Voice:        voice,
		},
	})
}

func (m *Manager) Initialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialized
}

func (m *Manager) Streaming() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streaming
}

// SetMuted silences remote-audio playback without touching the transport.
func (m *Manager) SetMuted(muted bool) {
	m.muted.Store(muted)
}

func (m *Manager) Muted() bool {
	return m.muted.Load()
}

// Transcript returns the authoritative finalized conversation so far.
func (m *Manager) Transcript() []Message {
	m.mu.Lock()
	sess := m.sess
	m.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.Transcript()
}
