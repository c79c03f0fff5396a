package shared

import "errors"

var (
	ErrNoLogger          = errors.New("no logger provided")
	ErrNoAPIKey          = errors.New("no API key provided")
	ErrNoConfig          = errors.New("no config provided")
	ErrNoBus             = errors.New("no notification bus provided")
	ErrNoEventHandler    = errors.New("no event handler provided")
	ErrNotInitialized    = errors.New("session not initialized")
	ErrAlreadyStreaming  = errors.New("already streaming")
	ErrNotStreaming      = errors.New("not streaming")
	ErrSessionRunning    = errors.New("session already running")
	ErrRetriesExhausted  = errors.New("connection retries exhausted")
	ErrMicUnavailable    = errors.New("microphone unavailable")
	ErrHandlerAlreadySet = errors.New("handler already set")
	ErrUnknownEventType  = errors.New("unknown event type")
	ErrCallAlreadyActive = errors.New("call already active")
	ErrCallNotActive     = errors.New("no active call")
)
