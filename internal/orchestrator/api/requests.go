package api

import (
	"time"

	v1 "github.com/cellrun/cellrun/pkg/api/v1"
)

// CreateCellRequest for creating a cell
type CreateCellRequest struct {
	Code           string           `json:"code"`
	KernelName     string           `json:"kernel_name,omitempty"`
	Server         *v1.KernelServer `json:"server,omitempty"`
	IsPublished    bool             `json:"is_published,omitempty"`
	IsPipelineCell bool             `json:"is_pipeline_cell,omitempty"`
}

// UpdateCellRequest for updating a cell's code or kernel configuration
type UpdateCellRequest struct {
	Code       *string          `json:"code,omitempty"`
	KernelName *string          `json:"kernel_name,omitempty"`
	Server     *v1.KernelServer `json:"server,omitempty"`
}

// CreateSessionRequest for creating a named session
type CreateSessionRequest struct {
	Name       string           `json:"name"`
	Server     *v1.KernelServer `json:"server,omitempty"`
	KernelName string           `json:"kernel_name,omitempty"`
}

// SetModeRequest toggles shared kernel addressing
type SetModeRequest struct {
	Shared *bool `json:"shared" binding:"required"`
}

// Response types

// CellResponse represents a cell in API responses
type CellResponse struct {
	ID             string             `json:"id"`
	Code           string             `json:"code"`
	KernelName     string             `json:"kernel_name,omitempty"`
	SessionID      string             `json:"session_id,omitempty"`
	Server         *v1.KernelServer   `json:"server,omitempty"`
	Status         v1.ExecutionStatus `json:"status"`
	Output         string             `json:"output"`
	IsExecuting    bool               `json:"is_executing"`
	HasError       bool               `json:"has_error"`
	ErrorDetail    string             `json:"error_detail,omitempty"`
	IsPublished    bool               `json:"is_published,omitempty"`
	IsPipelineCell bool               `json:"is_pipeline_cell,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// SessionResponse represents a session in API responses
type SessionResponse struct {
	ID        string           `json:"id"`
	Name      string           `json:"name,omitempty"`
	Server    *v1.KernelServer `json:"server,omitempty"`
	Kernel    *v1.KernelInfo   `json:"kernel,omitempty"`
	CellIDs   []string         `json:"cell_ids"`
	CreatedAt time.Time        `json:"created_at"`
}

// CellsListResponse for listing cells
type CellsListResponse struct {
	Cells []*CellResponse `json:"cells"`
	Total int             `json:"total"`
}

// SessionsListResponse for listing sessions
type SessionsListResponse struct {
	Sessions []*SessionResponse `json:"sessions"`
	Total    int                `json:"total"`
}

// ExecutionResultResponse reports the outcome of one cell's execution
type ExecutionResultResponse struct {
	CellID   string `json:"cell_id"`
	Output   string `json:"output"`
	HasError bool   `json:"has_error"`
}

// ExecuteAllResponse for the execute-all operation
type ExecuteAllResponse struct {
	Results []*ExecutionResultResponse `json:"results"`
	Total   int                        `json:"total"`
}

// ModeResponse reports the current addressing mode
type ModeResponse struct {
	Shared        bool     `json:"shared"`
	AttachedCells []string `json:"attached_cells,omitempty"`
}
