// Package protocol implements the kernel wire protocol: the message
// envelope, typed inbound message contents, and the websocket client
// that drives one batch of code submissions over one connection.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// ProtocolVersion is the wire protocol version sent in every header
const ProtocolVersion = "5.3"

// Channel names
const (
	ChannelShell = "shell"
	ChannelIOPub = "iopub"
)

// MessageType identifies the kind of protocol message
type MessageType string

const (
	MessageTypeExecuteRequest MessageType = "execute_request"
	MessageTypeStream         MessageType = "stream"
	MessageTypeExecuteResult  MessageType = "execute_result"
	MessageTypeDisplayData    MessageType = "display_data"
	MessageTypeError          MessageType = "error"
	MessageTypeStatus         MessageType = "status"
)

// Header identifies a message and the session it belongs to
type Header struct {
	MsgID    string      `json:"msgId"`
	Username string      `json:"username"`
	Session  string      `json:"session"`
	MsgType  MessageType `json:"msgType"`
	Version  string      `json:"version"`
}

// Envelope is the wire envelope wrapping every message in both
// directions. Content is decoded per message type via DecodeContent.
type Envelope struct {
	Header       Header                 `json:"header"`
	ParentHeader Header                 `json:"parentHeader"`
	Metadata     map[string]interface{} `json:"metadata"`
	Content      json.RawMessage        `json:"content"`
	Channel      string                 `json:"channel"`
}

// ExecuteRequestContent is the content of an execute_request
type ExecuteRequestContent struct {
	Code            string                 `json:"code"`
	Silent          bool                   `json:"silent"`
	StoreHistory    bool                   `json:"storeHistory"`
	UserExpressions map[string]interface{} `json:"userExpressions"`
	AllowStdin      bool                   `json:"allowStdin"`
}

// NewExecuteRequest builds an execute_request envelope for the given
// code with a fresh unique message id.
func NewExecuteRequest(session, code string) (*Envelope, error) {
	content, err := json.Marshal(ExecuteRequestContent{
		Code:            code,
		Silent:          false,
		StoreHistory:    true,
		UserExpressions: map[string]interface{}{},
		AllowStdin:      false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal execute_request content: %w", err)
	}

	return &Envelope{
		Header: Header{
			MsgID:    uuid.New().String(),
			Username: "cellrun",
			Session:  session,
			MsgType:  MessageTypeExecuteRequest,
			Version:  ProtocolVersion,
		},
		Metadata: map[string]interface{}{},
		Content:  content,
		Channel:  ChannelShell,
	}, nil
}

// Inbound is the decoded content of an inbound message. Exactly one
// concrete type exists per recognized message type.
type Inbound interface {
	inbound()
}

// StreamContent carries one incremental text fragment
type StreamContent struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// DisplayContent carries typed payload parts keyed by MIME-like type.
// Used for both execute_result and display_data.
type DisplayContent struct {
	Data map[string]string `json:"data"`
}

// ErrorContent carries a remote exception
type ErrorContent struct {
	EName     string   `json:"ename"`
	EValue    string   `json:"evalue"`
	Traceback []string `json:"traceback"`
}

// StatusContent carries a kernel execution state transition
type StatusContent struct {
	ExecutionState string `json:"executionState"`
}

// UnknownContent marks a message type the client does not recognize.
// Callers log and skip these.
type UnknownContent struct {
	MsgType MessageType
}

func (StreamContent) inbound()  {}
func (DisplayContent) inbound() {}
func (ErrorContent) inbound()   {}
func (StatusContent) inbound()  {}
func (UnknownContent) inbound() {}

// StateIdle is the execution state signalling submission completion
const StateIdle = "idle"

// DecodeContent decodes the envelope's content into the typed variant
// for its message type.
func DecodeContent(env *Envelope) (Inbound, error) {
	switch env.Header.MsgType {
	case MessageTypeStream:
		var c StreamContent
		if err := json.Unmarshal(env.Content, &c); err != nil {
			return nil, fmt.Errorf("malformed stream content: %w", err)
		}
		return c, nil
	case MessageTypeExecuteResult, MessageTypeDisplayData:
		var c DisplayContent
		if err := json.Unmarshal(env.Content, &c); err != nil {
			return nil, fmt.Errorf("malformed %s content: %w", env.Header.MsgType, err)
		}
		return c, nil
	case MessageTypeError:
		var c ErrorContent
		if err := json.Unmarshal(env.Content, &c); err != nil {
			return nil, fmt.Errorf("malformed error content: %w", err)
		}
		return c, nil
	case MessageTypeStatus:
		var c StatusContent
		if err := json.Unmarshal(env.Content, &c); err != nil {
			return nil, fmt.Errorf("malformed status content: %w", err)
		}
		return c, nil
	default:
		return UnknownContent{MsgType: env.Header.MsgType}, nil
	}
}

// MIME-like payload keys for display content
const (
	MIMETextPlain = "text/plain"
	MIMETextHTML  = "text/html"
	MIMEImagePNG  = "image/png"
)

// FormatDisplayData renders display content into appendable output
// text: plain text as-is, rendered markup verbatim, and base64 image
// data wrapped in a displayable element.
func FormatDisplayData(c DisplayContent) string {
	if text, ok := c.Data[MIMETextPlain]; ok {
		return text
	}
	if markup, ok := c.Data[MIMETextHTML]; ok {
		return markup
	}
	if img, ok := c.Data[MIMEImagePNG]; ok {
		return fmt.Sprintf(`<img src="data:image/png;base64,%s"/>`, img)
	}
	return ""
}

// FormatError renders a remote exception into appendable output text
func FormatError(c ErrorContent) string {
	out := fmt.Sprintf("%s: %s", c.EName, c.EValue)
	for _, frame := range c.Traceback {
		out += "\n" + frame
	}
	return out
}
