// Package chat is the thin state layer between the session manager and the
// view surfaces. It owns derived call state only; the authoritative session
// state lives in the manager.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"go.uber.org/zap"

	voicetutor "github.com/lingopeer/voicetutor"
	"github.com/lingopeer/voicetutor/notify"
	"github.com/lingopeer/voicetutor/shared"
	"github.com/lingopeer/voicetutor/tools"
)

// SessionManager is what the controller needs from the session manager.
type SessionManager interface {
	Initialize(ctx context.Context) error
	StartStreaming() error
	StopStreaming() error
	Disconnect() error
	SetMuted(muted bool)
	Muted() bool
}

// MicProbe checks microphone availability before a call starts.
type MicProbe func() error

// CallState is the UI-facing view of the session. Derived, not
// authoritative.
type CallState struct {
	Connected bool
	Listening bool
	Muted     bool
	Err       string
	SessionID string
}

// Controller wraps session manager calls with call state bookkeeping and
// consumes the named notifications into a local transcript.
type Controller struct {
	logger shared.LoggerAdapter
	mgr    SessionManager
	bus    *notify.Bus
	probe  MicProbe

	mu          sync.Mutex
	state       CallState
	transcript  []voicetutor.Message
	partialUser string
	partialAI   string
	callCtx     context.Context
	cancel      context.CancelFunc
}

func NewController(logger shared.LoggerAdapter, mgr SessionManager, bus *notify.Bus) (*Controller, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if mgr == nil {
		return nil, errors.New("no session manager provided")
	}
	if bus == nil {
		return nil, shared.ErrNoBus
	}
	return &Controller{
		logger: logger,
		mgr:    mgr,
		bus:    bus,
		probe:  tools.CheckMicrophone,
	}, nil
}

// StartCall probes the microphone, mints a session id, initializes the
// session, and starts consuming notifications.
func (c *Controller) StartCall(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Connected {
		return shared.ErrCallAlreadyActive
	}
	if err := c.probe(); err != nil {
		c.state.Err = err.Error()
		return fmt.Errorf("checking microphone: %w", err)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	subCtx, cancel := context.WithCancel(ctx)
	if err := c.subscribeLocked(subCtx); err != nil {
		cancel()
		c.state.Err = err.Error()
		return err
	}
	if err := c.mgr.Initialize(ctx); err != nil {
		cancel()
		c.state.Err = err.Error()
		return fmt.Errorf("initializing session: %w", err)
	}
	if err := c.mgr.StartStreaming(); err != nil {
		cancel()
		_ = c.mgr.Disconnect()
		c.state.Err = err.Error()
		return fmt.Errorf("starting stream: %w", err)
	}
	c.callCtx = ctx
	c.cancel = cancel
	c.state = CallState{
		Connected: true,
		Listening: true,
		Muted:     c.mgr.Muted(),
		SessionID: uuid.NewString(),
	}
	c.logger.Info("call started", zap.String("sessionId", c.state.SessionID))
	return nil
}

// EndCall tears the session down and resets call state. The transcript is
// append-only and survives the call.
func (c *Controller) EndCall() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.Connected {
		return shared.ErrCallNotActive
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	err := c.mgr.Disconnect()
	c.callCtx = nil
	c.state = CallState{}
	c.partialUser = ""
	c.partialAI = ""
	if err != nil {
		return fmt.Errorf("disconnecting session: %w", err)
	}
	c.logger.Info("call ended")
	return nil
}

// ToggleMic stops or resumes microphone streaming. Stopping releases the
// capture tracks, so resuming reinitializes the session.
func (c *Controller) ToggleMic() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.Connected {
		return shared.ErrCallNotActive
	}
	if c.state.Listening {
		if err := c.mgr.StopStreaming(); err != nil {
			c.state.Err = err.Error()
			return fmt.Errorf("stopping stream: %w", err)
		}
		c.state.Listening = false
		return nil
	}
	if err := c.mgr.Initialize(c.callCtx); err != nil {
		c.state.Err = err.Error()
		return fmt.Errorf("reinitializing session: %w", err)
	}
	if err := c.mgr.StartStreaming(); err != nil {
		c.state.Err = err.Error()
		return fmt.Errorf("starting stream: %w", err)
	}
	c.state.Listening = true
	return nil
}

// ToggleMute flips output mute and returns the new value.
func (c *Controller) ToggleMute() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	muted := !c.mgr.Muted()
	c.mgr.SetMuted(muted)
	c.state.Muted = muted
	return muted
}

// Snapshot returns the current call state and a copy of the transcript.
func (c *Controller) Snapshot() (CallState, []voicetutor.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]voicetutor.Message, len(c.transcript))
	copy(out, c.transcript)
	return c.state, out
}

// Partials returns the in-flight (non-final) user and AI text.
func (c *Controller) Partials() (user, ai string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.partialUser, c.partialAI
}

func (c *Controller) subscribeLocked(ctx context.Context) error {
	textCh, err := c.bus.Subscribe(ctx, notify.TopicText)
	if err != nil {
		return err
	}
	trCh, err := c.bus.Subscribe(ctx, notify.TopicTranscription)
	if err != nil {
		return err
	}
	errCh, err := c.bus.Subscribe(ctx, notify.TopicError)
	if err != nil {
		return err
	}
	go c.consume(ctx, textCh, trCh, errCh)
	return nil
}

func (c *Controller) consume(ctx context.Context, textCh, trCh, errCh <-chan *message.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-textCh:
			if !ok {
				return
			}
			c.onText(msg)
		case msg, ok := <-trCh:
			if !ok {
				return
			}
			c.onTranscription(msg)
		case msg, ok := <-errCh:
			if !ok {
				return
			}
			c.onError(msg)
		}
	}
}

func (c *Controller) onText(msg *message.Message) {
	defer msg.Ack()
	var n notify.TextNotification
	if err := sonic.Unmarshal(msg.Payload, &n); err != nil {
		c.logger.Error("decoding text notification", err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !n.Final {
		c.partialAI = n.Text
		return
	}
	c.partialAI = ""
	if n.Text != "" {
		c.transcript = append(c.transcript, voicetutor.Message{Text: n.Text, Sender: voicetutor.SenderAI})
	}
}

func (c *Controller) onTranscription(msg *message.Message) {
	defer msg.Ack()
	var n notify.TranscriptionNotification
	if err := sonic.Unmarshal(msg.Payload, &n); err != nil {
		c.logger.Error("decoding transcription notification", err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !n.Final {
		c.partialUser = n.Transcript
		return
	}
	c.partialUser = ""
	if n.Transcript != "" {
		c.transcript = append(c.transcript, voicetutor.Message{Text: n.Transcript, Sender: voicetutor.SenderUser})
	}
}

func (c *Controller) onError(msg *message.Message) {
	defer msg.Ack()
	var n notify.ErrorNotification
	if err := sonic.Unmarshal(msg.Payload, &n); err != nil {
		c.logger.Error("decoding error notification", err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Err = n.Message
	if n.Terminal {
		// the manager already tore the session down
		c.state.Connected = false
		c.state.Listening = false
		if c.cancel != nil {
			c.cancel()
			c.cancel = nil
		}
	}
	c.logger.Warn("session error surfaced",
		zap.String("message", n.Message),
		zap.Bool("terminal", n.Terminal),
	)
}
