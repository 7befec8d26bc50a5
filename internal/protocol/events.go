package protocol

import (
	"encoding/json"
	"fmt"
)

// MsgType is the discriminant of an output event.
type MsgType string

const (
	MsgStatus        MsgType = "status"
	MsgStream        MsgType = "stream"
	MsgExecuteResult MsgType = "execute_result"
	MsgDisplayData   MsgType = "display_data"
	MsgError         MsgType = "error"
	MsgExecuteInput  MsgType = "execute_input"
)

// ProtocolVersion is reported in the parent header of events produced by
// the built-in engines.
const ProtocolVersion = "5.3"

// ParentHeader correlates an event with the execution that produced it.
type ParentHeader struct {
	MsgID   string `json:"msg_id"`
	Version string `json:"version"`
}

// ExecutionState is the payload of a status event.
type ExecutionState string

const (
	StateBusy     ExecutionState = "busy"
	StateIdle     ExecutionState = "idle"
	StateStarting ExecutionState = "starting"
)

// StreamName identifies the stream of a stream event.
type StreamName string

const (
	Stdout StreamName = "stdout"
	Stderr StreamName = "stderr"
)

// MimeBundle maps a MIME type to its rendered representation.
type MimeBundle map[string]string

// OutputEvent is one message from the engine's output channel. The set of
// implementations is closed; see the variants below.
type OutputEvent interface {
	Type() MsgType
	Parent() ParentHeader
	content() any
}

type StatusEvent struct {
	ParentHeader   ParentHeader
	ExecutionState ExecutionState
}

type StreamEvent struct {
	ParentHeader ParentHeader
	Name         StreamName
	Text         string
}

type ExecuteResultEvent struct {
	ParentHeader ParentHeader
	Data         MimeBundle
}

type DisplayDataEvent struct {
	ParentHeader ParentHeader
	Data         MimeBundle
}

type ErrorEvent struct {
	ParentHeader ParentHeader
	EName        string
	EValue       string
	Traceback    []string
}

type ExecuteInputEvent struct {
	ParentHeader ParentHeader
	Code         string
}

type statusContent struct {
	ExecutionState ExecutionState `json:"execution_state"`
}

type streamContent struct {
	Name StreamName `json:"name"`
	Text string     `json:"text"`
}

type dataContent struct {
	Data MimeBundle `json:"data"`
}

type errorContent struct {
	Traceback []string `json:"traceback"`
	EName     string   `json:"ename"`
	EValue    string   `json:"evalue"`
}

type executeInputContent struct {
	Code string `json:"code,omitempty"`
}

func (e *StatusEvent) Type() MsgType        { return MsgStatus }
func (e *StatusEvent) Parent() ParentHeader { return e.ParentHeader }
func (e *StatusEvent) content() any         { return statusContent{e.ExecutionState} }

func (e *StreamEvent) Type() MsgType        { return MsgStream }
func (e *StreamEvent) Parent() ParentHeader { return e.ParentHeader }
func (e *StreamEvent) content() any         { return streamContent{e.Name, e.Text} }

func (e *ExecuteResultEvent) Type() MsgType        { return MsgExecuteResult }
func (e *ExecuteResultEvent) Parent() ParentHeader { return e.ParentHeader }
func (e *ExecuteResultEvent) content() any         { return dataContent{e.Data} }

func (e *DisplayDataEvent) Type() MsgType        { return MsgDisplayData }
func (e *DisplayDataEvent) Parent() ParentHeader { return e.ParentHeader }
func (e *DisplayDataEvent) content() any         { return dataContent{e.Data} }

func (e *ErrorEvent) Type() MsgType        { return MsgError }
func (e *ErrorEvent) Parent() ParentHeader { return e.ParentHeader }
func (e *ErrorEvent) content() any {
	tb := e.Traceback
	if tb == nil {
		tb = []string{}
	}
	return errorContent{tb, e.EName, e.EValue}
}

func (e *ExecuteInputEvent) Type() MsgType        { return MsgExecuteInput }
func (e *ExecuteInputEvent) Parent() ParentHeader { return e.ParentHeader }
func (e *ExecuteInputEvent) content() any         { return executeInputContent{e.Code} }

// IsIdleFor reports whether ev is the terminal idle status for executionID.
func IsIdleFor(ev OutputEvent, executionID string) bool {
	st, ok := ev.(*StatusEvent)
	return ok && st.ExecutionState == StateIdle && st.ParentHeader.MsgID == executionID
}

type wireEvent struct {
	MsgType      MsgType         `json:"msg_type"`
	ParentHeader ParentHeader    `json:"parent_header"`
	Content      json.RawMessage `json:"content,omitempty"`
}

// EncodeEvent serializes an event in its wire form.
func EncodeEvent(ev OutputEvent) ([]byte, error) {
	if ev == nil {
		return nil, fmt.Errorf("encoding event: nil event")
	}
	content, err := json.Marshal(ev.content())
	if err != nil {
		return nil, fmt.Errorf("encoding %s content: %w", ev.Type(), err)
	}
	return json.Marshal(wireEvent{
		MsgType:      ev.Type(),
		ParentHeader: ev.Parent(),
		Content:      content,
	})
}

// DecodeEvent parses a wire event. Unknown discriminants are an error.
func DecodeEvent(data []byte) (OutputEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decoding event: %w", err)
	}

	content := w.Content
	if len(content) == 0 {
		content = []byte("{}")
	}

	switch w.MsgType {
	case MsgStatus:
		var c statusContent
		if err := json.Unmarshal(content, &c); err != nil {
			return nil, fmt.Errorf("decoding status content: %w", err)
		}
		switch c.ExecutionState {
		case StateBusy, StateIdle, StateStarting:
		default:
			return nil, fmt.Errorf("decoding status content: unknown execution_state %q", c.ExecutionState)
		}
		return &StatusEvent{ParentHeader: w.ParentHeader, ExecutionState: c.ExecutionState}, nil
	case MsgStream:
		var c streamContent
		if err := json.Unmarshal(content, &c); err != nil {
			return nil, fmt.Errorf("decoding stream content: %w", err)
		}
		if c.Name != Stdout && c.Name != Stderr {
			return nil, fmt.Errorf("decoding stream content: unknown stream %q", c.Name)
		}
		return &StreamEvent{ParentHeader: w.ParentHeader, Name: c.Name, Text: c.Text}, nil
	case MsgExecuteResult:
		var c dataContent
		if err := json.Unmarshal(content, &c); err != nil {
			return nil, fmt.Errorf("decoding execute_result content: %w", err)
		}
		return &ExecuteResultEvent{ParentHeader: w.ParentHeader, Data: c.Data}, nil
	case MsgDisplayData:
		var c dataContent
		if err := json.Unmarshal(content, &c); err != nil {
			return nil, fmt.Errorf("decoding display_data content: %w", err)
		}
		return &DisplayDataEvent{ParentHeader: w.ParentHeader, Data: c.Data}, nil
	case MsgError:
		var c errorContent
		if err := json.Unmarshal(content, &c); err != nil {
			return nil, fmt.Errorf("decoding error content: %w", err)
		}
		return &ErrorEvent{ParentHeader: w.ParentHeader, EName: c.EName, EValue: c.EValue, Traceback: c.Traceback}, nil
	case MsgExecuteInput:
		var c executeInputContent
		if err := json.Unmarshal(content, &c); err != nil {
			return nil, fmt.Errorf("decoding execute_input content: %w", err)
		}
		return &ExecuteInputEvent{ParentHeader: w.ParentHeader, Code: c.Code}, nil
	default:
		return nil, fmt.Errorf("decoding event: unknown msg_type %q", w.MsgType)
	}
}

// Message wraps an OutputEvent so it can be embedded in JSON responses.
type Message struct {
	OutputEvent
}

func (m Message) MarshalJSON() ([]byte, error) {
	return EncodeEvent(m.OutputEvent)
}

func (m *Message) UnmarshalJSON(data []byte) error {
	ev, err := DecodeEvent(data)
	if err != nil {
		return err
	}
	m.OutputEvent = ev
	return nil
}
