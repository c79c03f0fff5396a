// Package notify carries session events to the UI layers as named
// notifications over an in-process pub/sub.
package notify

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/lingopeer/voicetutor/shared"
)

// The three fixed notification topics.
const (
	TopicText          = "tutor.text"
	TopicTranscription = "tutor.transcription"
	TopicError         = "tutor.error"
)

// TextNotification carries an AI text message.
type TextNotification struct {
	Text   string `json:"text"`
	ItemID string `json:"item_id,omitempty"`
	Final  bool   `json:"final"`
}

// TranscriptionNotification carries a user speech transcription.
type TranscriptionNotification struct {
	Transcript string `json:"transcript"`
	ItemID     string `json:"item_id,omitempty"`
	Final      bool   `json:"final"`
}

// ErrorNotification carries a session error. Terminal means the session
// manager gave up and tore the session down.
type ErrorNotification struct {
	Code     string `json:"code,omitempty"`
	Message  string `json:"message"`
	Terminal bool   `json:"terminal"`
}

// Bus is a thin wrapper over a watermill gochannel pub/sub with JSON
// payloads.
type Bus struct {
	logger shared.LoggerAdapter
	pubsub *gochannel.GoChannel
}

func NewBus(logger shared.LoggerAdapter) (*Bus, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	pubsub := gochannel.NewGoChannel(
		gochannel.Config{OutputChannelBuffer: 64},
		&watermillLogger{logger: logger},
	)
	return &Bus{logger: logger, pubsub: pubsub}, nil
}

func (b *Bus) Publish(topic string, payload any) error {
	data, err := sonic.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling notification payload: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), data)
	if err := b.pubsub.Publish(topic, msg); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	ch, err := b.pubsub.Subscribe(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	return ch, nil
}

func (b *Bus) Close() error {
	return b.pubsub.Close()
}

// watermillLogger bridges watermill's logging onto the shared adapter.
type watermillLogger struct {
	logger shared.LoggerAdapter
}

var _ watermill.LoggerAdapter = (*watermillLogger)(nil)

func zapFields(fields watermill.LogFields) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		out = append(out, zap.Any(k, v))
	}
	return out
}

func (w *watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	w.logger.Error(msg, err, zapFields(fields)...)
}

func (w *watermillLogger) Info(msg string, fields watermill.LogFields) {
	// watermill is chatty at info level; keep it out of production logs
	w.logger.Debug(msg, zapFields(fields)...)
}

func (w *watermillLogger) Debug(msg string, fields watermill.LogFields) {
	w.logger.Debug(msg, zapFields(fields)...)
}

func (w *watermillLogger) Trace(msg string, fields watermill.LogFields) {
	w.logger.Trace(msg, zapFields(fields)...)
}

func (w *watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &watermillLogger{logger: w.logger.With(zapFields(fields)...)}
}
