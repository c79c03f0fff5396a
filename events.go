package voicetutor

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/goccy/go-yaml"

	"github.com/lingopeer/voicetutor/shared"
)

type EventType string

type ServerEventType EventType

type ClientEventType EventType

// Server event types carried on the data channel. Anything else coming from
// the vendor is logged and dropped.
const (
	ServerEventTypeText          ServerEventType = "text"
	ServerEventTypeTranscription ServerEventType = "transcription"
	ServerEventTypeError         ServerEventType = "error"
)

// Client event types.
const (
	ClientEventTypeResponseCreate ClientEventType = "response.create"
	ClientEventTypeSessionUpdate  ClientEventType = "session.update"
)

// EventParam is the payload of an event minus the envelope keys
// (event_id, type).
type EventParam interface {
	New(map[string]any) error
	Json() map[string]any
}

// ServerEvent is an inbound data-channel event.
type ServerEvent struct {
	EventId string
	Type    ServerEventType
	Param   EventParam
}

func (e *ServerEvent) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["event_id"].(string); ok {
		e.EventId = v
		delete(raw, "event_id")
	}
	if v, ok := raw["type"].(string); ok {
		e.Type = ServerEventType(v)
		delete(raw, "type")
	} else {
		return errors.New("missing type")
	}
	switch e.Type {
	case ServerEventTypeText:
		e.Param = new(ServerEventParamText)
	case ServerEventTypeTranscription:
		e.Param = new(ServerEventParamTranscription)
	case ServerEventTypeError:
		e.Param = new(ServerEventParamError)
	default:
		return fmt.Errorf("%w: %s", shared.ErrUnknownEventType, e.Type)
	}
	return e.Param.New(raw)
}

func (e *ServerEvent) MarshalJSON() ([]byte, error) {
	if e.Type == "" {
		return nil, errors.New("Type is empty")
	}
	if e.Param == nil {
		return nil, errors.New("Param is nil")
	}
	resp := map[string]any{}
	for k, v := range e.Param.Json() {
		resp[k] = v
	}
	if e.EventId != "" {
		resp["event_id"] = e.EventId
	}
	resp["type"] = e.Type
	return sonic.Marshal(resp)
}

// MarshalYAML renders the event for console dumps.
func (e *ServerEvent) MarshalYAML() ([]byte, error) {
	data, err := e.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return yaml.MarshalWithOptions(raw, yaml.UseJSONMarshaler())
}

// ClientEvent is an outbound data-channel event.
type ClientEvent struct {
	EventId string
	Type    ClientEventType
	Param   EventParam
}

func (e *ClientEvent) MarshalJSON() ([]byte, error) {
	if e.Type == "" {
		return nil, errors.New("Type is empty")
	}
	if e.Param == nil {
		return nil, errors.New("Param is nil")
	}
	resp := map[string]any{}
	for k, v := range e.Param.Json() {
		resp[k] = v
	}
	if e.EventId != "" {
		resp["event_id"] = e.EventId
	}
	resp["type"] = e.Type
	return sonic.Marshal(resp)
}

func asBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		if b == "true" {
			return true, true
		}
		if b == "false" {
			return false, true
		}
	}
	return false, false
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	case float32:
		return int64(n), true
	}
	return 0, false
}

// text
type ServerEventParamText struct {
	Text   string
	ItemId string
	Final  bool
}

func (p *ServerEventParamText) New(m map[string]any) error {
	if v, ok := m["text"].(string); ok {
		p.Text = v
	} else {
		return errors.New("missing text")
	}
	if v, ok := m["item_id"].(string); ok {
		p.ItemId = v
	}
	if v, ok := asBool(m["final"]); ok {
		p.Final = v
	} else {
		// Absent means a complete message, matching the vendor default.
		p.Final = true
	}
	return nil
}

func (p *ServerEventParamText) Json() map[string]any {
	resp := map[string]any{
		"text":  p.Text,
		"final": p.Final,
	}
	if p.ItemId != "" {
		resp["item_id"] = p.ItemId
	}
	return resp
}

// transcription
type ServerEventParamTranscription struct {
	Transcript string
	ItemId     string
	Final      bool
}

func (p *ServerEventParamTranscription) New(m map[string]any) error {
	if v, ok := m["transcript"].(string); ok {
		p.Transcript = v
	} else {
		return errors.New("missing transcript")
	}
	if v, ok := m["item_id"].(string); ok {
		p.ItemId = v
	}
	if v, ok := asBool(m["final"]); ok {
		p.Final = v
	} else {
		p.Final = true
	}
	return nil
}

func (p *ServerEventParamTranscription) Json() map[string]any {
	resp := map[string]any{
		"transcript": p.Transcript,
		"final":      p.Final,
	}
	if p.ItemId != "" {
		resp["item_id"] = p.ItemId
	}
	return resp
}

// error
type ServerEventParamError struct {
	Code    string
	Message string
	Param   any
}

func (p *ServerEventParamError) New(m map[string]any) error {
	// Official nested shape first, flattened keys as fallback.
	if errObj, ok := m["error"].(map[string]any); ok {
		m = errObj
	}
	if v, ok := m["message"].(string); ok {
		p.Message = v
	} else {
		return errors.New("missing message")
	}
	if v, ok := m["code"].(string); ok {
		p.Code = v
	}
	if v, ok := m["param"]; ok {
		p.Param = v
	}
	return nil
}

func (p *ServerEventParamError) Json() map[string]any {
	return map[string]any{
		"error": map[string]any{
			"code":    p.Code,
			"message": p.Message,
			"param":   p.Param,
		},
	}
}

// response.create
type ClientEventParamResponseCreate struct {
	Instructions    string
	MaxOutputTokens int64
}

func (p *ClientEventParamResponseCreate) New(m map[string]any) error {
	resp, ok := m["response"].(map[string]any)
	if !ok {
		return errors.New("missing response")
	}
	if v, ok := resp["instructions"].(string); ok {
		p.Instructions = v
	} else {
		return errors.New("missing response.instructions")
	}
	if v, ok := asInt64(resp["max_output_tokens"]); ok {
		p.MaxOutputTokens = v
	}
	return nil
}

func (p *ClientEventParamResponseCreate) Json() map[string]any {
	resp := map[string]any{
		"instructions": p.Instructions,
	}
	if p.MaxOutputTokens > 0 {
		resp["max_output_tokens"] = p.MaxOutputTokens
	}
	return map[string]any{
		"response": resp,
	}
}

// session.update
type ClientEventParamSessionUpdate struct {
	Instructions string
	Voice        string
}

func (p *ClientEventParamSessionUpdate) New(m map[string]any) error {
	sess, ok := m["session"].(map[string]any)
	if !ok {
		return errors.New("missing session")
	}
	if v, ok := sess["instructions"].(string); ok {
		p.Instructions = v
	}
	if v, ok := sess["voice"].(string); ok {
		p.Voice = v
	}
	if p.Instructions == "" && p.Voice == "" {
		return errors.New("empty session update")
	}
	return nil
}

func (p *ClientEventParamSessionUpdate) Json() map[string]any {
	sess := map[string]any{}
	if p.Instructions != "" {
		sess["instructions"] = p.Instructions
	}
	if p.Voice != "" {
		sess["voice"] = p.Voice
	}
	return map[string]any{
		"session": sess,
	}
}
