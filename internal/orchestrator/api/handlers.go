// Package api provides HTTP handlers for the kernel orchestrator API.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cellrun/cellrun/internal/common/errors"
	"github.com/cellrun/cellrun/internal/common/logger"
	"github.com/cellrun/cellrun/internal/notebook/models"
	"github.com/cellrun/cellrun/internal/notebook/registry"
	"github.com/cellrun/cellrun/internal/orchestrator/executor"
	"github.com/cellrun/cellrun/internal/orchestrator/history"
	v1 "github.com/cellrun/cellrun/pkg/api/v1"
)

// Handler contains HTTP handlers for the orchestrator API. Handlers
// report failures via c.Error; the ErrorHandler middleware shapes the
// response.
type Handler struct {
	registry *registry.Registry
	executor *executor.Executor
	history  *history.Store
	logger   *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(reg *registry.Registry, exec *executor.Executor, hist *history.Store, log *logger.Logger) *Handler {
	return &Handler{
		registry: reg,
		executor: exec,
		history:  hist,
		logger:   log,
	}
}

// Cell endpoints

// CreateCell creates a new cell
// POST /api/v1/cells
func (h *Handler) CreateCell(c *gin.Context) {
	var req CreateCellRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.BadRequest(err.Error()))
		return
	}

	cell := &models.Cell{
		Code:           req.Code,
		KernelName:     req.KernelName,
		Server:         serverFromPayload(req.Server),
		IsPublished:    req.IsPublished,
		IsPipelineCell: req.IsPipelineCell,
	}

	created := h.registry.AddCell(cell)
	c.JSON(http.StatusCreated, cellToResponse(created))
}

// GetCell retrieves a cell by ID
// GET /api/v1/cells/:cellId
func (h *Handler) GetCell(c *gin.Context) {
	cellID := c.Param("cellId")

	cell, ok := h.registry.GetCell(cellID)
	if !ok {
		_ = c.Error(errors.NotFound("cell", cellID))
		return
	}

	c.JSON(http.StatusOK, cellToResponse(cell))
}

// ListCells returns all cells
// GET /api/v1/cells
func (h *Handler) ListCells(c *gin.Context) {
	cells := h.registry.ListCells()

	resp := CellsListResponse{
		Cells: make([]*CellResponse, len(cells)),
		Total: len(cells),
	}
	for i, cell := range cells {
		resp.Cells[i] = cellToResponse(cell)
	}

	c.JSON(http.StatusOK, resp)
}

// UpdateCell updates a cell's code or kernel configuration
// PUT /api/v1/cells/:cellId
func (h *Handler) UpdateCell(c *gin.Context) {
	cellID := c.Param("cellId")

	var req UpdateCellRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.BadRequest(err.Error()))
		return
	}

	if req.Code != nil {
		if err := h.registry.UpdateCode(cellID, *req.Code); err != nil {
			_ = c.Error(errors.NotFound("cell", cellID))
			return
		}
	}
	if req.KernelName != nil || req.Server != nil {
		if err := h.registry.UpdateConfig(cellID, req.KernelName, serverFromPayload(req.Server)); err != nil {
			_ = c.Error(errors.NotFound("cell", cellID))
			return
		}
	}

	cell, _ := h.registry.GetCell(cellID)
	c.JSON(http.StatusOK, cellToResponse(cell))
}

// DeleteCell deletes a cell
// DELETE /api/v1/cells/:cellId
func (h *Handler) DeleteCell(c *gin.Context) {
	cellID := c.Param("cellId")

	if err := h.registry.RemoveCell(cellID); err != nil {
		_ = c.Error(errors.NotFound("cell", cellID))
		return
	}
	h.history.Delete(cellID)

	c.Status(http.StatusNoContent)
}

// ExecuteCell runs a cell's code on its kernel
// POST /api/v1/cells/:cellId/execute
func (h *Handler) ExecuteCell(c *gin.Context) {
	cellID := c.Param("cellId")

	if err := h.executor.ExecuteCell(c.Request.Context(), cellID); err != nil {
		h.logger.Warn("cell execution failed", zap.String("cell_id", cellID), zap.Error(err))
		_ = c.Error(errors.Wrap(err, "cell execution failed"))
		return
	}

	cell, ok := h.registry.GetCell(cellID)
	if !ok {
		_ = c.Error(errors.NotFound("cell", cellID))
		return
	}

	c.JSON(http.StatusOK, cellToResponse(cell))
}

// GetCellHistory returns recorded execution events for a cell
// GET /api/v1/cells/:cellId/history
func (h *Handler) GetCellHistory(c *gin.Context) {
	cellID := c.Param("cellId")

	if _, ok := h.registry.GetCell(cellID); !ok {
		_ = c.Error(errors.NotFound("cell", cellID))
		return
	}

	entries := h.history.Get(cellID, 0)
	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"total":   len(entries),
	})
}

// ExecuteAll runs every cell, grouped by session
// POST /api/v1/execute-all
func (h *Handler) ExecuteAll(c *gin.Context) {
	results := h.executor.ExecuteAll(c.Request.Context())

	resp := ExecuteAllResponse{
		Results: make([]*ExecutionResultResponse, len(results)),
		Total:   len(results),
	}
	for i, r := range results {
		resp.Results[i] = &ExecutionResultResponse{
			CellID:   r.CellID,
			Output:   r.Output,
			HasError: r.HasError,
		}
	}

	c.JSON(http.StatusOK, resp)
}

// Session endpoints

// CreateSession creates a named session
// POST /api/v1/sessions
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.BadRequest(err.Error()))
		return
	}

	session := h.executor.CreateSession(c.Request.Context(), req.Name, serverFromPayload(req.Server), req.KernelName)
	c.JSON(http.StatusCreated, sessionToResponse(session))
}

// GetSession retrieves a session by ID
// GET /api/v1/sessions/:sessionId
func (h *Handler) GetSession(c *gin.Context) {
	sessionID := c.Param("sessionId")

	session, ok := h.registry.GetSession(sessionID)
	if !ok {
		_ = c.Error(errors.NotFound("session", sessionID))
		return
	}

	c.JSON(http.StatusOK, sessionToResponse(session))
}

// ListSessions returns all sessions
// GET /api/v1/sessions
func (h *Handler) ListSessions(c *gin.Context) {
	sessions := h.registry.ListSessions()

	resp := SessionsListResponse{
		Sessions: make([]*SessionResponse, len(sessions)),
		Total:    len(sessions),
	}
	for i, session := range sessions {
		resp.Sessions[i] = sessionToResponse(session)
	}

	c.JSON(http.StatusOK, resp)
}

// DeleteSession removes a session and its remote kernel
// DELETE /api/v1/sessions/:sessionId
func (h *Handler) DeleteSession(c *gin.Context) {
	sessionID := c.Param("sessionId")

	if err := h.executor.DeleteSession(c.Request.Context(), sessionID); err != nil {
		_ = c.Error(errors.NotFound("session", sessionID))
		return
	}

	c.Status(http.StatusNoContent)
}

// AttachCell attaches a cell to a session
// POST /api/v1/sessions/:sessionId/cells/:cellId
func (h *Handler) AttachCell(c *gin.Context) {
	sessionID := c.Param("sessionId")
	cellID := c.Param("cellId")

	if err := h.registry.AttachCell(cellID, sessionID); err != nil {
		_ = c.Error(errors.BadRequest(err.Error()))
		return
	}

	session, _ := h.registry.GetSession(sessionID)
	c.JSON(http.StatusOK, sessionToResponse(session))
}

// Mode endpoint

// SetMode toggles shared kernel addressing
// PUT /api/v1/mode
func (h *Handler) SetMode(c *gin.Context) {
	var req SetModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.BadRequest(err.Error()))
		return
	}

	attached := h.executor.SetSharedMode(*req.Shared)
	c.JSON(http.StatusOK, ModeResponse{
		Shared:        *req.Shared,
		AttachedCells: attached,
	})
}

// GetMode reports the current addressing mode
// GET /api/v1/mode
func (h *Handler) GetMode(c *gin.Context) {
	c.JSON(http.StatusOK, ModeResponse{Shared: h.registry.SharedMode()})
}

// HealthCheck reports service liveness
// GET /health
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"cells":  len(h.registry.ListCells()),
	})
}

// Helper functions to convert models to response types

func cellToResponse(cell *models.Cell) *CellResponse {
	return &CellResponse{
		ID:             cell.ID,
		Code:           cell.Code,
		KernelName:     cell.KernelName,
		SessionID:      cell.SessionID,
		Server:         payloadFromServer(cell.Server),
		Status:         executionStatus(cell),
		Output:         cell.Output,
		IsExecuting:    cell.IsExecuting,
		HasError:       cell.HasError,
		ErrorDetail:    cell.ErrorDetail,
		IsPublished:    cell.IsPublished,
		IsPipelineCell: cell.IsPipelineCell,
		CreatedAt:      cell.CreatedAt,
		UpdatedAt:      cell.UpdatedAt,
	}
}

// executionStatus summarizes a cell's state for API consumers.
func executionStatus(cell *models.Cell) v1.ExecutionStatus {
	switch {
	case cell.IsExecuting:
		return v1.ExecutionStatusRunning
	case cell.HasError:
		return v1.ExecutionStatusFailed
	case cell.Generation == 0:
		return v1.ExecutionStatusIdle
	default:
		return v1.ExecutionStatusCompleted
	}
}

func sessionToResponse(s *models.Session) *SessionResponse {
	cellIDs := s.CellIDs
	if cellIDs == nil {
		cellIDs = []string{}
	}
	resp := &SessionResponse{
		ID:        s.ID,
		Name:      s.Name,
		Server:    payloadFromServer(s.Server),
		CellIDs:   cellIDs,
		CreatedAt: s.CreatedAt,
	}
	if s.KernelName != "" || s.KernelID != "" {
		resp.Kernel = &v1.KernelInfo{ID: s.KernelID, Name: s.KernelName}
	}
	return resp
}

func serverFromPayload(p *v1.KernelServer) *models.Server {
	if p == nil {
		return nil
	}
	return &models.Server{Host: p.Host, Port: p.Port, Token: p.Token}
}

func payloadFromServer(s *models.Server) *v1.KernelServer {
	if s == nil {
		return nil
	}
	return &v1.KernelServer{Host: s.Host, Port: s.Port, Token: s.Token}
}
