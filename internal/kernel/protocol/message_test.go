package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestNewExecuteRequest(t *testing.T) {
	env, err := NewExecuteRequest("session-1", "print(42)")
	if err != nil {
		t.Fatalf("NewExecuteRequest failed: %v", err)
	}

	if env.Header.MsgID == "" {
		t.Error("expected a generated msg id")
	}
	if env.Header.MsgType != MessageTypeExecuteRequest {
		t.Errorf("expected msg type execute_request, got %s", env.Header.MsgType)
	}
	if env.Header.Session != "session-1" {
		t.Errorf("expected session 'session-1', got %s", env.Header.Session)
	}
	if env.Header.Version != ProtocolVersion {
		t.Errorf("expected version %s, got %s", ProtocolVersion, env.Header.Version)
	}
	if env.Channel != ChannelShell {
		t.Errorf("expected shell channel, got %s", env.Channel)
	}

	var content ExecuteRequestContent
	if err := json.Unmarshal(env.Content, &content); err != nil {
		t.Fatalf("failed to unmarshal content: %v", err)
	}
	if content.Code != "print(42)" {
		t.Errorf("expected code 'print(42)', got %s", content.Code)
	}
	if content.AllowStdin {
		t.Error("expected allowStdin to be false")
	}
	if !content.StoreHistory {
		t.Error("expected storeHistory to be true")
	}
}

func TestNewExecuteRequest_UniqueIDs(t *testing.T) {
	a, _ := NewExecuteRequest("s", "x")
	b, _ := NewExecuteRequest("s", "x")
	if a.Header.MsgID == b.Header.MsgID {
		t.Error("expected distinct msg ids per request")
	}
}

func TestNewExecuteRequest_WireCasing(t *testing.T) {
	env, _ := NewExecuteRequest("s", "x")
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("failed to marshal envelope: %v", err)
	}

	for _, field := range []string{`"msgId"`, `"msgType"`, `"parentHeader"`, `"storeHistory"`, `"allowStdin"`, `"userExpressions"`} {
		if !strings.Contains(string(raw), field) {
			t.Errorf("expected wire field %s in %s", field, raw)
		}
	}
}

func TestDecodeContent(t *testing.T) {
	tests := []struct {
		name    string
		msgType MessageType
		content string
		check   func(t *testing.T, in Inbound)
	}{
		{
			name:    "stream",
			msgType: MessageTypeStream,
			content: `{"name":"stdout","text":"hello"}`,
			check: func(t *testing.T, in Inbound) {
				c, ok := in.(StreamContent)
				if !ok {
					t.Fatalf("expected StreamContent, got %T", in)
				}
				if c.Text != "hello" {
					t.Errorf("expected text 'hello', got %s", c.Text)
				}
			},
		},
		{
			name:    "execute_result",
			msgType: MessageTypeExecuteResult,
			content: `{"data":{"text/plain":"42"}}`,
			check: func(t *testing.T, in Inbound) {
				c, ok := in.(DisplayContent)
				if !ok {
					t.Fatalf("expected DisplayContent, got %T", in)
				}
				if c.Data[MIMETextPlain] != "42" {
					t.Errorf("expected plain text '42', got %s", c.Data[MIMETextPlain])
				}
			},
		},
		{
			name:    "display_data",
			msgType: MessageTypeDisplayData,
			content: `{"data":{"image/png":"aGk="}}`,
			check: func(t *testing.T, in Inbound) {
				if _, ok := in.(DisplayContent); !ok {
					t.Fatalf("expected DisplayContent, got %T", in)
				}
			},
		},
		{
			name:    "error",
			msgType: MessageTypeError,
			content: `{"ename":"ValueError","evalue":"bad","traceback":["frame1"]}`,
			check: func(t *testing.T, in Inbound) {
				c, ok := in.(ErrorContent)
				if !ok {
					t.Fatalf("expected ErrorContent, got %T", in)
				}
				if c.EName != "ValueError" || c.EValue != "bad" {
					t.Errorf("unexpected error content: %+v", c)
				}
			},
		},
		{
			name:    "status",
			msgType: MessageTypeStatus,
			content: `{"executionState":"idle"}`,
			check: func(t *testing.T, in Inbound) {
				c, ok := in.(StatusContent)
				if !ok {
					t.Fatalf("expected StatusContent, got %T", in)
				}
				if c.ExecutionState != StateIdle {
					t.Errorf("expected idle state, got %s", c.ExecutionState)
				}
			},
		},
		{
			name:    "unrecognized",
			msgType: MessageType("comm_open"),
			content: `{}`,
			check: func(t *testing.T, in Inbound) {
				c, ok := in.(UnknownContent)
				if !ok {
					t.Fatalf("expected UnknownContent, got %T", in)
				}
				if c.MsgType != "comm_open" {
					t.Errorf("expected msg type comm_open, got %s", c.MsgType)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := &Envelope{
				Header:  Header{MsgType: tt.msgType},
				Content: json.RawMessage(tt.content),
			}
			in, err := DecodeContent(env)
			if err != nil {
				t.Fatalf("DecodeContent failed: %v", err)
			}
			tt.check(t, in)
		})
	}
}

func TestDecodeContent_Malformed(t *testing.T) {
	env := &Envelope{
		Header:  Header{MsgType: MessageTypeStream},
		Content: json.RawMessage(`{"text":42}`),
	}
	if _, err := DecodeContent(env); err == nil {
		t.Error("expected error for malformed stream content")
	}
}

func TestFormatDisplayData(t *testing.T) {
	// Plain text wins over other representations.
	out := FormatDisplayData(DisplayContent{Data: map[string]string{
		MIMETextPlain: "plain",
		MIMETextHTML:  "<b>rich</b>",
	}})
	if out != "plain" {
		t.Errorf("expected plain text preferred, got %s", out)
	}

	out = FormatDisplayData(DisplayContent{Data: map[string]string{
		MIMETextHTML: "<b>rich</b>",
	}})
	if out != "<b>rich</b>" {
		t.Errorf("expected markup verbatim, got %s", out)
	}

	out = FormatDisplayData(DisplayContent{Data: map[string]string{
		MIMEImagePNG: "aGk=",
	}})
	if out != `<img src="data:image/png;base64,aGk="/>` {
		t.Errorf("unexpected image rendering: %s", out)
	}

	if out := FormatDisplayData(DisplayContent{}); out != "" {
		t.Errorf("expected empty output for empty data, got %s", out)
	}
}

func TestFormatError(t *testing.T) {
	out := FormatError(ErrorContent{
		EName:     "ZeroDivisionError",
		EValue:    "division by zero",
		Traceback: []string{"line 1", "line 2"},
	})
	want := "ZeroDivisionError: division by zero\nline 1\nline 2"
	if out != want {
		t.Errorf("expected %q, got %q", want, out)
	}
}
