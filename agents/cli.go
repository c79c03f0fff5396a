// Package agents hosts headless front-ends for the voice tutor. The console
// agent prints the conversation through a Printer instead of drawing a TUI.
package agents

import (
	"context"
	"errors"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	voicetutor "github.com/lingopeer/voicetutor"
	"github.com/lingopeer/voicetutor/chat"
	"github.com/lingopeer/voicetutor/config"
	"github.com/lingopeer/voicetutor/notify"
	"github.com/lingopeer/voicetutor/shared"
	"github.com/lingopeer/voicetutor/tools"
)

// ConsoleAgent runs one tutoring call and prints transcript lines as they
// arrive on the notification bus.
type ConsoleAgent struct {
	logger  shared.LoggerAdapter
	printer *shared.Printer
	bus     *notify.Bus
	ctrl    *chat.Controller

	mu       sync.Mutex
	done     chan struct{}
	doneOnce sync.Once
	cancel   context.CancelFunc
}

func (a *ConsoleAgent) Spawn(
	ctx context.Context,
	logger shared.LoggerAdapter,
	cfg *config.Config,
	printer *shared.Printer,
) error {
	if logger == nil {
		return shared.ErrNoLogger
	}
	if cfg == nil {
		return shared.ErrNoConfig
	}
	if printer == nil {
		return errors.New("no printer provided")
	}
	a.logger = logger
	a.printer = printer
	a.done = make(chan struct{})
	a.logger.Info("spawning console agent")
	if err := a.printer.Writeln("🤖 Starting voice tutor...\n", 0); err != nil {
		a.logger.Error("printing start message", err)
	}

	bus, err := notify.NewBus(logger)
	if err != nil {
		return err
	}
	a.bus = bus

	mgr, err := voicetutor.NewManager(logger, bus, voicetutor.ManagerOptions{
		APIKey:       cfg.APIKey,
		BaseURL:      cfg.BaseURL,
		Model:        cfg.Model,
		STUNServer:   cfg.STUNServer,
		Instructions: cfg.Instructions,
		Greeting:     cfg.Greeting,
		Voice:        cfg.Voice,
		RetryLimit:   cfg.RetryLimit,
		Constraints: tools.Constraints{
			SampleRate:       cfg.Audio.SampleRate,
			ChannelCount:     cfg.Audio.Channels,
			EchoCancellation: cfg.Audio.EchoCancellation,
			NoiseSuppression: cfg.Audio.NoiseSuppression,
			AutoGainControl:  cfg.Audio.AutoGainControl,
			FrameMs:          cfg.Audio.FrameMs,
		},
		MaxOutputTokens: cfg.MaxOutputTokens,
	})
	if err != nil {
		return err
	}

	ctrl, err := chat.NewController(logger, mgr, bus)
	if err != nil {
		return err
	}
	a.ctrl = ctrl

	agentCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	if err := a.subscribe(agentCtx); err != nil {
		cancel()
		return err
	}

	if err := a.printer.Writeln("🎤 Accessing microphone and connecting...", 0); err != nil {
		a.logger.Error("printing connect message", err)
	}
	if err := ctrl.StartCall(agentCtx); err != nil {
		a.logger.Error("starting call", err)
		if perr := a.printer.Writeln("❌ Unable to start the call: "+err.Error(), 0); perr != nil {
			a.logger.Error("printing call failure message", perr)
		}
		cancel()
		return err
	}
	if err := a.printer.Writeln("✅ Connected. Speak whenever you are ready.\n", 0); err != nil {
		a.logger.Error("printing connected message", err)
	}

	go func() {
		<-agentCtx.Done()
		a.finish()
	}()
	return nil
}

func (a *ConsoleAgent) Done() <-chan struct{} {
	return a.done
}

func (a *ConsoleAgent) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ctrl != nil {
		if err := a.ctrl.EndCall(); err != nil && !errors.Is(err, shared.ErrCallNotActive) {
			a.logger.Error("ending call", err)
		}
	}
	if a.cancel != nil {
		a.cancel()
	}
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			a.logger.Error("closing notification bus", err)
		}
	}
	a.finish()
	return nil
}

func (a *ConsoleAgent) finish() {
	a.doneOnce.Do(func() { close(a.done) })
}

func (a *ConsoleAgent) subscribe(ctx context.Context) error {
	textCh, err := a.bus.Subscribe(ctx, notify.TopicText)
	if err != nil {
		return err
	}
	trCh, err := a.bus.Subscribe(ctx, notify.TopicTranscription)
	if err != nil {
		return err
	}
	errCh, err := a.bus.Subscribe(ctx, notify.TopicError)
	if err != nil {
		return err
	}
	go a.printLoop(ctx, textCh, trCh, errCh)
	return nil
}

func (a *ConsoleAgent) printLoop(ctx context.Context, textCh, trCh, errCh <-chan *message.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-textCh:
			if !ok {
				return
			}
			a.printText(msg)
		case msg, ok := <-trCh:
			if !ok {
				return
			}
			a.printTranscription(msg)
		case msg, ok := <-errCh:
			if !ok {
				return
			}
			a.printError(msg)
		}
	}
}

func (a *ConsoleAgent) printText(msg *message.Message) {
	defer msg.Ack()
	var n notify.TextNotification
	if err := sonic.Unmarshal(msg.Payload, &n); err != nil {
		a.logger.Error("decoding text notification", err)
		return
	}
	if !n.Final || n.Text == "" {
		return
	}
	if err := a.printer.Writeln("🤖 "+n.Text, 1); err != nil {
		a.logger.Error("printing tutor message", err)
	}
}

func (a *ConsoleAgent) printTranscription(msg *message.Message) {
	defer msg.Ack()
	var n notify.TranscriptionNotification
	if err := sonic.Unmarshal(msg.Payload, &n); err != nil {
		a.logger.Error("decoding transcription notification", err)
		return
	}
	if !n.Final || n.Transcript == "" {
		return
	}
	if err := a.printer.Writeln("🧑 "+n.Transcript, 1); err != nil {
		a.logger.Error("printing user message", err)
	}
}

func (a *ConsoleAgent) printError(msg *message.Message) {
	defer msg.Ack()
	var n notify.ErrorNotification
	if err := sonic.Unmarshal(msg.Payload, &n); err != nil {
		a.logger.Error("decoding error notification", err)
		return
	}
	a.logger.Warn("session error",
		zap.String("message", n.Message),
		zap.Bool("terminal", n.Terminal),
	)
	if err := a.printer.Writeln("⚠️  "+n.Message, 0); err != nil {
		a.logger.Error("printing error message", err)
	}
	if n.Terminal {
		if err := a.printer.Writeln("📴 Session ended.", 0); err != nil {
			a.logger.Error("printing session end message", err)
		}
		a.finish()
	}
}
