package protocol

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cellrun/cellrun/internal/common/errors"
	"github.com/cellrun/cellrun/internal/common/logger"
	"github.com/cellrun/cellrun/internal/notebook/models"
)

// startKernelServer runs a websocket endpoint that hands each accepted
// connection to the given script.
func startKernelServer(t *testing.T, script func(conn *websocket.Conn)) models.Server {
	t.Helper()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		script(conn)
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("failed to parse test server URL: %v", err)
	}
	port, _ := strconv.Atoi(u.Port())
	return models.Server{Host: u.Hostname(), Port: port}
}

func reply(t *testing.T, conn *websocket.Conn, parent Header, msgType MessageType, content interface{}) {
	t.Helper()
	raw, err := json.Marshal(content)
	if err != nil {
		t.Errorf("failed to marshal reply content: %v", err)
		return
	}
	env := Envelope{
		Header: Header{
			MsgID:   uuid.New().String(),
			Session: parent.Session,
			MsgType: msgType,
			Version: ProtocolVersion,
		},
		ParentHeader: parent,
		Content:      raw,
		Channel:      ChannelIOPub,
	}
	if err := conn.WriteJSON(env); err != nil {
		t.Errorf("failed to write reply: %v", err)
	}
}

func readRequest(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	var env Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Errorf("failed to read request: %v", err)
	}
	return env
}

func TestExecuteBatch_SingleSubmission(t *testing.T) {
	server := startKernelServer(t, func(conn *websocket.Conn) {
		req := readRequest(t, conn)
		reply(t, conn, req.Header, MessageTypeStatus, StatusContent{ExecutionState: "busy"})
		reply(t, conn, req.Header, MessageTypeStream, StreamContent{Name: "stdout", Text: "hello "})
		reply(t, conn, req.Header, MessageTypeExecuteResult, DisplayContent{Data: map[string]string{MIMETextPlain: "42"}})
		reply(t, conn, req.Header, MessageTypeStatus, StatusContent{ExecutionState: "idle"})
	})

	client, err := Dial(context.Background(), server, "kernel-1", logger.Default())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	var mu sync.Mutex
	var chunks []string
	results, err := client.ExecuteBatch(context.Background(), []Submission{{CellID: "cell-1", Code: "print(42)"}}, func(cellID, chunk string) {
		mu.Lock()
		chunks = append(chunks, chunk)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("ExecuteBatch failed: %v", err)
	}

	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].CellID != "cell-1" {
		t.Errorf("expected cell-1, got %s", results[0].CellID)
	}
	if results[0].Output != "hello 42" {
		t.Errorf("expected output 'hello 42', got %q", results[0].Output)
	}
	if results[0].HasError {
		t.Error("expected no error flag")
	}
	if len(chunks) != 2 || chunks[0] != "hello " || chunks[1] != "42" {
		t.Errorf("unexpected chunks: %v", chunks)
	}
}

func TestExecuteBatch_RemoteError(t *testing.T) {
	server := startKernelServer(t, func(conn *websocket.Conn) {
		req := readRequest(t, conn)
		reply(t, conn, req.Header, MessageTypeError, ErrorContent{
			EName:     "NameError",
			EValue:    "name 'x' is not defined",
			Traceback: []string{"frame"},
		})
		reply(t, conn, req.Header, MessageTypeStatus, StatusContent{ExecutionState: "idle"})
	})

	client, err := Dial(context.Background(), server, "kernel-1", logger.Default())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	results, err := client.ExecuteBatch(context.Background(), []Submission{{CellID: "cell-1", Code: "x"}}, nil)
	if err != nil {
		t.Fatalf("ExecuteBatch failed: %v", err)
	}

	if !results[0].HasError {
		t.Error("expected error flag set")
	}
	want := "NameError: name 'x' is not defined\nframe"
	if results[0].Output != want {
		t.Errorf("expected %q, got %q", want, results[0].Output)
	}
}

func TestExecuteBatch_DiscardsUnmatchedMessages(t *testing.T) {
	server := startKernelServer(t, func(conn *websocket.Conn) {
		req := readRequest(t, conn)
		stale := Header{MsgID: uuid.New().String(), Session: req.Header.Session, MsgType: MessageTypeExecuteRequest}
		reply(t, conn, stale, MessageTypeStream, StreamContent{Name: "stdout", Text: "stale output"})
		reply(t, conn, req.Header, MessageTypeStream, StreamContent{Name: "stdout", Text: "mine"})
		reply(t, conn, req.Header, MessageTypeStatus, StatusContent{ExecutionState: "idle"})
	})

	client, err := Dial(context.Background(), server, "kernel-1", logger.Default())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	results, err := client.ExecuteBatch(context.Background(), []Submission{{CellID: "cell-1", Code: "x"}}, nil)
	if err != nil {
		t.Fatalf("ExecuteBatch failed: %v", err)
	}
	if results[0].Output != "mine" {
		t.Errorf("expected stale message discarded, got %q", results[0].Output)
	}
}

func TestExecuteBatch_SequentialSubmissions(t *testing.T) {
	server := startKernelServer(t, func(conn *websocket.Conn) {
		first := readRequest(t, conn)
		reply(t, conn, first.Header, MessageTypeStream, StreamContent{Name: "stdout", Text: "one"})
		reply(t, conn, first.Header, MessageTypeStatus, StatusContent{ExecutionState: "idle"})

		// The second request must only arrive after the first went idle.
		second := readRequest(t, conn)
		reply(t, conn, second.Header, MessageTypeStream, StreamContent{Name: "stdout", Text: "two"})
		reply(t, conn, second.Header, MessageTypeStatus, StatusContent{ExecutionState: "idle"})
	})

	client, err := Dial(context.Background(), server, "kernel-1", logger.Default())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	subs := []Submission{
		{CellID: "cell-1", Code: "a"},
		{CellID: "cell-2", Code: "b"},
	}
	results, err := client.ExecuteBatch(context.Background(), subs, nil)
	if err != nil {
		t.Fatalf("ExecuteBatch failed: %v", err)
	}

	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].CellID != "cell-1" || results[0].Output != "one" {
		t.Errorf("unexpected first result: %+v", results[0])
	}
	if results[1].CellID != "cell-2" || results[1].Output != "two" {
		t.Errorf("unexpected second result: %+v", results[1])
	}
}

func TestExecuteBatch_Timeout(t *testing.T) {
	server := startKernelServer(t, func(conn *websocket.Conn) {
		readRequest(t, conn)
		// Never send idle; the client deadline must fire.
		time.Sleep(500 * time.Millisecond)
	})

	client, err := Dial(context.Background(), server, "kernel-1", logger.Default())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	client.SetTimeout(100 * time.Millisecond)

	_, err = client.ExecuteBatch(context.Background(), []Submission{{CellID: "cell-1", Code: "x"}}, nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !errors.IsTimeout(err) {
		t.Errorf("expected timeout classification, got %v", err)
	}
}

func TestExecuteBatch_ConnectionClosed(t *testing.T) {
	server := startKernelServer(t, func(conn *websocket.Conn) {
		readRequest(t, conn)
		conn.Close()
	})

	client, err := Dial(context.Background(), server, "kernel-1", logger.Default())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	client.SetTimeout(2 * time.Second)

	_, err = client.ExecuteBatch(context.Background(), []Submission{{CellID: "cell-1", Code: "x"}}, nil)
	if err == nil {
		t.Fatal("expected connectivity error")
	}
	if !errors.IsConnectivity(err) {
		t.Errorf("expected connectivity classification, got %v", err)
	}
}

func TestExecuteBatch_EmptyBatch(t *testing.T) {
	server := startKernelServer(t, func(conn *websocket.Conn) {})

	client, err := Dial(context.Background(), server, "kernel-1", logger.Default())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	results, err := client.ExecuteBatch(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("ExecuteBatch failed: %v", err)
	}
	if results != nil {
		t.Errorf("expected no results, got %v", results)
	}
}

func TestDial_SendsToken(t *testing.T) {
	gotToken := make(chan string, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken <- r.URL.Query().Get("token")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	port, _ := strconv.Atoi(u.Port())
	server := models.Server{Host: u.Hostname(), Port: port, Token: "secret"}

	client, err := Dial(context.Background(), server, "kernel-1", logger.Default())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()

	if token := <-gotToken; token != "secret" {
		t.Errorf("expected token 'secret', got %q", token)
	}
}

func TestDial_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := Dial(ctx, models.Server{Host: "127.0.0.1", Port: 1}, "kernel-1", logger.Default())
	if err == nil {
		t.Fatal("expected connection error")
	}
	if !errors.IsConnectivity(err) {
		t.Errorf("expected connectivity classification, got %v", err)
	}
}

func TestRunner_Run(t *testing.T) {
	server := startKernelServer(t, func(conn *websocket.Conn) {
		req := readRequest(t, conn)
		reply(t, conn, req.Header, MessageTypeStream, StreamContent{Name: "stdout", Text: "ok"})
		reply(t, conn, req.Header, MessageTypeStatus, StatusContent{ExecutionState: "idle"})
	})

	runner := NewRunner(time.Second, logger.Default())
	results, err := runner.Run(context.Background(), server, "kernel-1", []Submission{{CellID: "cell-1", Code: "x"}}, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if results[0].Output != "ok" {
		t.Errorf("expected output 'ok', got %q", results[0].Output)
	}
}
