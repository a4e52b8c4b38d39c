// Package executor drives the per-cell execution state machine: it
// resolves session bindings, ensures kernels exist, submits code over
// the protocol client and applies results back onto cell state.
package executor

import (
	"context"
	stderrors "errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cellrun/cellrun/internal/common/errors"
	"github.com/cellrun/cellrun/internal/common/logger"
	"github.com/cellrun/cellrun/internal/events"
	"github.com/cellrun/cellrun/internal/events/bus"
	"github.com/cellrun/cellrun/internal/kernel/discovery"
	"github.com/cellrun/cellrun/internal/kernel/protocol"
	"github.com/cellrun/cellrun/internal/notebook/models"
	"github.com/cellrun/cellrun/internal/notebook/registry"
	v1 "github.com/cellrun/cellrun/pkg/api/v1"
)

// KernelManager is the subset of the lifecycle manager the executor
// needs.
type KernelManager interface {
	Create(ctx context.Context, server models.Server, kernelName string) (string, error)
	Delete(ctx context.Context, server models.Server, kernelID string) error
}

// Discoverer locates a usable (server, kernel type) pair
type Discoverer interface {
	Discover(ctx context.Context, servers []models.Server) (*discovery.Result, error)
}

// BatchRunner executes one batch of submissions against a kernel over
// a fresh connection.
type BatchRunner interface {
	Run(ctx context.Context, server models.Server, kernelID string, subs []protocol.Submission, onChunk protocol.ChunkHandler) ([]protocol.SubmissionResult, error)
}

// Executor orchestrates cell execution
type Executor struct {
	registry  *registry.Registry
	kernels   KernelManager
	discovery Discoverer
	runner    BatchRunner
	eventBus  bus.EventBus
	servers   []models.Server
	logger    *logger.Logger
}

// NewExecutor creates an executor. The event bus may be nil.
func NewExecutor(
	reg *registry.Registry,
	kernels KernelManager,
	disc Discoverer,
	runner BatchRunner,
	eventBus bus.EventBus,
	servers []models.Server,
	log *logger.Logger,
) *Executor {
	return &Executor{
		registry:  reg,
		kernels:   kernels,
		discovery: disc,
		runner:    runner,
		eventBus:  eventBus,
		servers:   servers,
		logger:    log.WithFields(zap.String("component", "executor")),
	}
}

// ExecuteCell runs one cell's code as a one-item batch. Configuration
// failures surface onto the cell without any network call. Remote
// execution errors are rendered into the cell's output and are not
// returned as errors.
func (e *Executor) ExecuteCell(ctx context.Context, cellID string) error {
	cell, ok := e.registry.GetCell(cellID)
	if !ok {
		return errors.NotFound("cell", cellID)
	}

	session, err := e.resolveSession(ctx, cell)
	if err != nil {
		e.registry.FailCell(cellID, userMessage(err))
		e.publishCellEvent(ctx, events.CellExecutionFailed, cellID, cell.SessionID, userMessage(err))
		return err
	}

	kernelID, err := e.ensureKernel(ctx, session)
	if err != nil {
		e.registry.FailCell(cellID, userMessage(err))
		e.publishCellEvent(ctx, events.CellExecutionFailed, cellID, session.ID, userMessage(err))
		return err
	}

	generation, err := e.registry.BeginExecution(cellID)
	if err != nil {
		return errors.NotFound("cell", cellID)
	}
	e.publishCellEvent(ctx, events.CellExecutionStarted, cellID, session.ID, "")

	e.logger.Info("executing cell",
		zap.String("cell_id", cellID),
		zap.String("session_id", session.ID),
		zap.String("kernel_id", kernelID))

	subs := []protocol.Submission{{CellID: cellID, Code: cell.Code}}
	results, err := e.runner.Run(ctx, *session.Server, kernelID, subs, func(id, chunk string) {
		e.registry.AppendOutput(id, generation, chunk)
	})
	if err != nil {
		msg := userMessage(err)
		e.registry.FinishExecution(cellID, generation, msg, true, msg)
		e.publishCellEvent(ctx, events.CellExecutionFailed, cellID, session.ID, msg)
		return err
	}

	result := results[0]
	detail := ""
	if result.HasError {
		detail = result.Output
	}
	e.registry.FinishExecution(cellID, generation, result.Output, result.HasError, detail)

	if result.HasError {
		e.publishCellEvent(ctx, events.CellExecutionFailed, cellID, session.ID, detail)
	} else {
		e.publishCellEvent(ctx, events.CellExecutionCompleted, cellID, session.ID, "")
	}
	return nil
}

// ExecuteAll runs every cell with code: cells are partitioned by
// session, each session's batch runs concurrently with the others, and
// within a session cells execute strictly in sequence. A failure in
// one session's batch marks only that session's cells failed.
func (e *Executor) ExecuteAll(ctx context.Context) []*models.ExecutionResult {
	cells := e.registry.ListCells()
	sort.Slice(cells, func(i, j int) bool {
		return cells[i].CreatedAt.Before(cells[j].CreatedAt)
	})

	type group struct {
		server   models.Server
		kernelID string
		subs     []protocol.Submission
	}
	groups := make(map[string]*group)
	order := make([]string, 0)

	// Resolve bindings sequentially; a binding failure marks the cell
	// failed without joining any batch.
	for _, cell := range cells {
		if cell.Code == "" {
			continue
		}

		session, err := e.resolveSession(ctx, cell)
		if err != nil {
			e.registry.FailCell(cell.ID, userMessage(err))
			e.publishCellEvent(ctx, events.CellExecutionFailed, cell.ID, cell.SessionID, userMessage(err))
			continue
		}
		kernelID, err := e.ensureKernel(ctx, session)
		if err != nil {
			e.registry.FailCell(cell.ID, userMessage(err))
			e.publishCellEvent(ctx, events.CellExecutionFailed, cell.ID, session.ID, userMessage(err))
			continue
		}

		g, exists := groups[session.ID]
		if !exists {
			g = &group{server: *session.Server, kernelID: kernelID}
			groups[session.ID] = g
			order = append(order, session.ID)
		}
		g.subs = append(g.subs, protocol.Submission{CellID: cell.ID, Code: cell.Code})
	}

	// Session batches race independently.
	var wg sync.WaitGroup
	for _, sessionID := range order {
		g := groups[sessionID]
		wg.Add(1)
		go func(sessionID string, g *group) {
			defer wg.Done()
			e.runSessionBatch(ctx, sessionID, g.server, g.kernelID, g.subs)
		}(sessionID, g)
	}
	wg.Wait()

	// Collect final per-cell state.
	results := make([]*models.ExecutionResult, 0, len(cells))
	for _, cell := range cells {
		if cell.Code == "" {
			continue
		}
		if current, ok := e.registry.GetCell(cell.ID); ok {
			results = append(results, &models.ExecutionResult{
				CellID:   current.ID,
				Output:   current.Output,
				HasError: current.HasError,
			})
		}
	}
	return results
}

// runSessionBatch executes one session's cells in sequence over one
// connection.
func (e *Executor) runSessionBatch(ctx context.Context, sessionID string, server models.Server, kernelID string, subs []protocol.Submission) {
	generations := make(map[string]uint64, len(subs))
	for _, sub := range subs {
		gen, err := e.registry.BeginExecution(sub.CellID)
		if err != nil {
			continue
		}
		generations[sub.CellID] = gen
		e.publishCellEvent(ctx, events.CellExecutionStarted, sub.CellID, sessionID, "")
	}

	results, err := e.runner.Run(ctx, server, kernelID, subs, func(id, chunk string) {
		e.registry.AppendOutput(id, generations[id], chunk)
	})
	if err != nil {
		msg := userMessage(err)
		e.logger.Warn("session batch failed",
			zap.String("session_id", sessionID),
			zap.Error(err))
		for _, sub := range subs {
			e.registry.FinishExecution(sub.CellID, generations[sub.CellID], msg, true, msg)
			e.publishCellEvent(ctx, events.CellExecutionFailed, sub.CellID, sessionID, msg)
		}
		return
	}

	for _, result := range results {
		detail := ""
		if result.HasError {
			detail = result.Output
		}
		e.registry.FinishExecution(result.CellID, generations[result.CellID], result.Output, result.HasError, detail)
		if result.HasError {
			e.publishCellEvent(ctx, events.CellExecutionFailed, result.CellID, sessionID, detail)
		} else {
			e.publishCellEvent(ctx, events.CellExecutionCompleted, result.CellID, sessionID, "")
		}
	}
}

// resolveSession returns the session the cell should execute on,
// creating or discovering bindings as required.
func (e *Executor) resolveSession(ctx context.Context, cell *models.Cell) (*models.Session, error) {
	// Shared addressing applies to non-excluded cells that have no
	// explicit non-shared binding.
	if e.registry.SharedMode() && !cell.Excluded() &&
		(cell.SessionID == "" || cell.SessionID == registry.SharedSessionID) {
		return e.resolveSharedSession(ctx, cell)
	}

	if cell.SessionID != "" {
		if session, ok := e.registry.GetSession(cell.SessionID); ok {
			if !session.Bound() {
				return nil, errors.Configuration("session " + session.ID + " has no server or kernel bound")
			}
			return session, nil
		}
		// Session was deleted out from under the cell; fall through to
		// a fresh binding from the cell's own attributes.
	}

	// Isolated addressing: validate the cell's attributes before any
	// network call, then give it a session of its own.
	if cell.Server == nil || cell.Server.Host == "" {
		return nil, errors.Configuration("cell has no kernel server configured")
	}
	if !cell.HasValidKernelName() {
		return nil, errors.Configuration("cell has no kernel selected")
	}

	session := e.registry.CreateSession("", cell.Server, cell.KernelName)
	e.publishSessionEvent(ctx, events.SessionCreated, session)
	if err := e.registry.AttachCell(cell.ID, session.ID); err != nil {
		return nil, errors.InternalError("failed to attach cell to session", err)
	}
	return session, nil
}

// CreateSession registers a named session and announces it on the bus.
func (e *Executor) CreateSession(ctx context.Context, name string, server *models.Server, kernelName string) *models.Session {
	session := e.registry.CreateSession(name, server, kernelName)
	e.publishSessionEvent(ctx, events.SessionCreated, session)
	return session
}

// resolveSharedSession attaches the cell to the shared session,
// running discovery only when the session has no binding yet.
func (e *Executor) resolveSharedSession(ctx context.Context, cell *models.Cell) (*models.Session, error) {
	session := e.registry.EnsureSharedSession()

	if cell.SessionID != session.ID {
		if err := e.registry.AttachCell(cell.ID, session.ID); err != nil {
			return nil, errors.InternalError("failed to attach cell to shared session", err)
		}
	}

	if session.Bound() {
		return session, nil
	}

	result, err := e.discovery.Discover(ctx, e.servers)
	if err != nil {
		return nil, err
	}
	if err := e.registry.BindSession(session.ID, result.Server, result.KernelName); err != nil {
		return nil, errors.InternalError("failed to bind shared session", err)
	}

	bound, _ := e.registry.GetSession(session.ID)
	return bound, nil
}

// ensureKernel returns the session's live kernel id, creating one when
// missing.
func (e *Executor) ensureKernel(ctx context.Context, session *models.Session) (string, error) {
	if session.KernelID != "" {
		return session.KernelID, nil
	}

	kernelID, err := e.kernels.Create(ctx, *session.Server, session.KernelName)
	if err != nil {
		return "", err
	}
	if err := e.registry.SetSessionKernel(session.ID, kernelID); err != nil {
		return "", errors.InternalError("failed to record kernel id", err)
	}
	session.KernelID = kernelID
	return kernelID, nil
}

// DeleteSession removes a session from the registry and best-effort
// deletes its remote kernel. Kernel deletion failure is logged, not
// fatal.
func (e *Executor) DeleteSession(ctx context.Context, sessionID string) error {
	session, err := e.registry.DeleteSession(sessionID)
	if err != nil {
		return errors.NotFound("session", sessionID)
	}

	if session.KernelID != "" && session.Server != nil {
		if err := e.kernels.Delete(ctx, *session.Server, session.KernelID); err != nil {
			e.logger.Warn("failed to delete remote kernel",
				zap.String("session_id", sessionID),
				zap.String("kernel_id", session.KernelID),
				zap.Error(err))
		}
	}

	e.publishSessionEvent(ctx, events.SessionDeleted, session)
	return nil
}

// SetSharedMode toggles shared addressing, returning the ids of cells
// attached when enabling.
func (e *Executor) SetSharedMode(enabled bool) []string {
	return e.registry.SetSharedMode(enabled)
}

func (e *Executor) publishCellEvent(ctx context.Context, eventType, cellID, sessionID, detail string) {
	e.publishEvent(ctx, eventType, &v1.ExecutionEvent{
		CellID:    cellID,
		SessionID: sessionID,
		Status:    statusForEvent(eventType),
		Error:     detail,
		Timestamp: time.Now().UTC(),
	})
}

func (e *Executor) publishSessionEvent(ctx context.Context, eventType string, session *models.Session) {
	e.publishEvent(ctx, eventType, map[string]interface{}{
		"session_id": session.ID,
		"kernel_id":  session.KernelID,
	})
}

func statusForEvent(eventType string) v1.ExecutionStatus {
	switch eventType {
	case events.CellExecutionStarted:
		return v1.ExecutionStatusRunning
	case events.CellExecutionCompleted:
		return v1.ExecutionStatusCompleted
	default:
		return v1.ExecutionStatusFailed
	}
}

func (e *Executor) publishEvent(ctx context.Context, eventType string, data interface{}) {
	if e.eventBus == nil {
		return
	}

	event := bus.NewEvent(eventType, "kernel-orchestrator", data)
	if err := e.eventBus.Publish(ctx, eventType, event); err != nil {
		e.logger.Error("failed to publish event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

// userMessage extracts the display message from an error
func userMessage(err error) string {
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}
