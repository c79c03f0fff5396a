package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	voicetutor "github.com/lingopeer/voicetutor"
	"github.com/lingopeer/voicetutor/agents"
	"github.com/lingopeer/voicetutor/chat"
	"github.com/lingopeer/voicetutor/config"
	"github.com/lingopeer/voicetutor/notify"
	"github.com/lingopeer/voicetutor/shared"
	"github.com/lingopeer/voicetutor/tools"
	"github.com/lingopeer/voicetutor/tui"
)

// Printer configuration
const (
	printerIndentString string = "│  "
)

func main() {
	var (
		configPath string
		headless   bool
	)
	flag.StringVar(&configPath, "config", "", "path to a YAML config file")
	flag.BoolVar(&headless, "headless", false, "run without the TUI and print the transcript to stdout")
	flag.Parse()

	// Load configuration first so the log file location is configurable
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	// The TUI owns the terminal, so logs always go to a rotating file
	logger := shared.NewFileLogger(
		cfg.Log.File, cfg.Log.MaxSizeMB, cfg.Log.MaxBackups, cfg.Log.MaxAgeDays, cfg.Log.Compress,
	).With(
		zap.String("component", "voicetutor"),
		zap.String("version", shared.Version),
	)
	logger.Info("using OpenAI API key", zap.String("apiKey", mask(cfg.APIKey)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if headless {
		runHeadless(ctx, logger, cfg)
		return
	}
	runTUI(ctx, logger, cfg)
}

func runTUI(ctx context.Context, logger shared.LoggerAdapter, cfg *config.Config) {
	bus, err := notify.NewBus(logger)
	if err != nil {
		logger.Error("creating notification bus", err)
		os.Exit(1)
	}
	defer func() {
		if err := bus.Close(); err != nil {
			logger.Error("closing notification bus", err)
		}
	}()

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
		logger.Error("creating session manager", err)
		os.Exit(1)
	}

	ctrl, err := chat.NewController(logger, mgr, bus)
	if err != nil {
		logger.Error("creating chat controller", err)
		os.Exit(1)
	}

	program := tea.NewProgram(tui.New(ctx, ctrl), tea.WithAltScreen())
	if _, err := program.Run(); err != nil {
		logger.Error("running TUI", err)
		os.Exit(1)
	}
	logger.Info("TUI exited")
}

func runHeadless(ctx context.Context, logger shared.LoggerAdapter, cfg *config.Config) {
	stdoutHook := shared.NewWriteCloser(os.Stdout)
	if stdoutHook == nil {
		logger.Error("creating stdout hook", nil)
		os.Exit(1)
	}
	printer, err := shared.NewPrinter(printerIndentString, stdoutHook)
	if err != nil {
		logger.Error("creating printer", err)
		os.Exit(1)
	}

	agent := new(agents.ConsoleAgent)
	if err := agent.Spawn(ctx, logger, cfg, printer); err != nil {
		logger.Error("spawning console agent", err)
		os.Exit(1)
	}

	sig := make(chan os.Signal, 1)
	defer close(sig)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-agent.Done():
		logger.Info("session ended")
		return
	case <-sig:
		logger.Info("shutting down...")
		if err := agent.Close(); err != nil {
			logger.Error("closing console agent", err)
			os.Exit(1)
		}
		select {
		case <-agent.Done():
			logger.Info("graceful shutdown complete")
			return
		case <-sig:
			logger.Info("forcing shutdown")
			return
		}
	}
}

func mask(key string) string {
	if len(key) <= 10 {
		return "..."
	}
	return key[:10] + "..."
}
