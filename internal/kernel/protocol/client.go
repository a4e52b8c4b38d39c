package protocol

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cellrun/cellrun/internal/common/errors"
	"github.com/cellrun/cellrun/internal/common/logger"
	"github.com/cellrun/cellrun/internal/notebook/models"
)

const (
	// DefaultBatchTimeout bounds one whole batch wall-clock
	DefaultBatchTimeout = 30 * time.Second

	writeWait      = 10 * time.Second
	maxMessageSize = 4 * 1024 * 1024 // 4MB
)

// Submission is one code submission within a batch
type Submission struct {
	CellID string
	Code   string
}

// SubmissionResult is the final outcome of one submission
type SubmissionResult struct {
	CellID   string
	Output   string
	HasError bool
}

// ChunkHandler fires after every appended output chunk, before the
// batch resolves.
type ChunkHandler func(cellID, chunk string)

// Client drives one duplex connection to one kernel for one batch of
// code submissions. The connection is exclusive to its batch and is
// closed when the batch resolves.
type Client struct {
	conn    *websocket.Conn
	session string
	timeout time.Duration
	logger  *logger.Logger
}

// Dial opens a websocket connection to the kernel's channels endpoint,
// appending the server's access token when one is configured.
func Dial(ctx context.Context, server models.Server, kernelID string, log *logger.Logger) (*Client, error) {
	endpoint := server.WebSocketURL(kernelID)
	if server.Token != "" {
		endpoint += "?token=" + url.QueryEscape(server.Token)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, errors.Connectivity(fmt.Sprintf("failed to connect to kernel %s on %s", kernelID, server.Key()), err)
	}
	conn.SetReadLimit(maxMessageSize)

	return &Client{
		conn:    conn,
		session: uuid.New().String(),
		timeout: DefaultBatchTimeout,
		logger:  log.WithFields(zap.String("component", "protocol-client"), zap.String("kernel_id", kernelID)),
	}, nil
}

// SetTimeout overrides the batch timeout
func (c *Client) SetTimeout(d time.Duration) {
	if d > 0 {
		c.timeout = d
	}
}

// Close closes the connection
func (c *Client) Close() error {
	return c.conn.Close()
}

type pendingSubmission struct {
	msgID    string
	cellID   string
	output   strings.Builder
	hasError bool
}

// ExecuteBatch submits each submission in order over the connection
// and streams output back. Submissions execute strictly sequentially:
// the next is sent only after the current one reports the idle status.
// The whole batch is bounded by the client's timeout; on expiry the
// connection is closed and the batch rejected. The connection is
// closed when ExecuteBatch returns, whatever the outcome.
func (c *Client) ExecuteBatch(ctx context.Context, subs []Submission, onChunk ChunkHandler) ([]SubmissionResult, error) {
	defer c.conn.Close()

	if len(subs) == 0 {
		return nil, nil
	}

	deadline := time.Now().Add(c.timeout)
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, errors.Connectivity("failed to set batch deadline", err)
	}

	// Context cancellation unblocks the read loop by closing the
	// connection.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			c.conn.Close()
		case <-stop:
		}
	}()

	var pending *pendingSubmission
	send := func(i int) error {
		env, err := NewExecuteRequest(c.session, subs[i].Code)
		if err != nil {
			return errors.Protocol("failed to build execute_request", err)
		}
		if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return errors.Connectivity("failed to set write deadline", err)
		}
		if err := c.conn.WriteJSON(env); err != nil {
			return errors.Connectivity("failed to send execute_request", err)
		}
		pending = &pendingSubmission{msgID: env.Header.MsgID, cellID: subs[i].CellID}
		c.logger.Debug("submitted code",
			zap.String("cell_id", subs[i].CellID),
			zap.String("msg_id", env.Header.MsgID))
		return nil
	}

	if err := send(0); err != nil {
		return nil, err
	}

	appendChunk := func(chunk string) {
		if chunk == "" {
			return
		}
		pending.output.WriteString(chunk)
		if onChunk != nil {
			onChunk(pending.cellID, chunk)
		}
	}

	idx := 0
	results := make([]SubmissionResult, 0, len(subs))
	for {
		var env Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			return nil, c.classifyReadError(ctx, err, deadline)
		}

		// Discard any message not addressed to the outstanding request.
		if env.ParentHeader.MsgID != pending.msgID {
			c.logger.Debug("discarding message with unmatched parent",
				zap.String("parent_msg_id", env.ParentHeader.MsgID))
			continue
		}

		content, err := DecodeContent(&env)
		if err != nil {
			return nil, errors.Protocol("failed to decode inbound message", err)
		}

		switch v := content.(type) {
		case StreamContent:
			appendChunk(v.Text)

		case DisplayContent:
			appendChunk(FormatDisplayData(v))

		case ErrorContent:
			pending.hasError = true
			appendChunk(FormatError(v))

		case StatusContent:
			if v.ExecutionState != StateIdle {
				continue
			}
			results = append(results, SubmissionResult{
				CellID:   pending.cellID,
				Output:   pending.output.String(),
				HasError: pending.hasError,
			})
			idx++
			if idx == len(subs) {
				return results, nil
			}
			if err := send(idx); err != nil {
				return nil, err
			}

		case UnknownContent:
			c.logger.Warn("ignoring unrecognized message type",
				zap.String("msg_type", string(v.MsgType)))
		}
	}
}

func (c *Client) classifyReadError(ctx context.Context, err error, deadline time.Time) error {
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return errors.Timeout(fmt.Sprintf("batch timed out after %s", c.timeout))
	}
	// A context cancellation closes the connection out from under the
	// read; report it against the deadline if it has passed.
	if ctx.Err() != nil && !time.Now().Before(deadline) {
		return errors.Timeout(fmt.Sprintf("batch timed out after %s", c.timeout))
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) ||
		websocket.IsUnexpectedCloseError(err) {
		return errors.Connectivity("connection closed prematurely", err)
	}
	return errors.Connectivity("transport failure", err)
}

// Runner opens a fresh connection per batch, runs it, and closes it.
// Connections are never pooled across batches.
type Runner struct {
	timeout time.Duration
	logger  *logger.Logger
}

// NewRunner creates a batch runner with the given timeout. A zero
// timeout keeps the default.
func NewRunner(timeout time.Duration, log *logger.Logger) *Runner {
	return &Runner{timeout: timeout, logger: log}
}

// Run executes one batch against the kernel
func (r *Runner) Run(ctx context.Context, server models.Server, kernelID string, subs []Submission, onChunk ChunkHandler) ([]SubmissionResult, error) {
	client, err := Dial(ctx, server, kernelID, r.logger)
	if err != nil {
		return nil, err
	}
	client.SetTimeout(r.timeout)
	return client.ExecuteBatch(ctx, subs, onChunk)
}
