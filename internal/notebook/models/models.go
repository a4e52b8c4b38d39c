// Package models defines the domain types for cells, sessions and
// kernel servers.
package models

import (
	"fmt"
	"time"
)

// NoKernel is the sentinel kernel name meaning "no kernel selected".
// It is never a valid execution target.
const NoKernel = "none"

// Server identifies one kernel server by host and port, with an
// optional pre-shared access token. Servers are lookup keys and are
// never mutated.
type Server struct {
	Host  string `json:"host"`
	Port  int    `json:"port"`
	Token string `json:"token,omitempty"`
}

// Key returns the identity key for the server
func (s Server) Key() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// BaseURL returns the HTTP base URL for the server's kernel API
func (s Server) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", s.Host, s.Port)
}

// WebSocketURL returns the channels URL for a kernel on this server
func (s Server) WebSocketURL(kernelID string) string {
	return fmt.Sprintf("ws://%s:%d/api/kernels/%s/channels", s.Host, s.Port, kernelID)
}

// Cell is one executable code cell of a document. Cells are created
// when a code block is parsed into the registry and mutated only by
// execution.
type Cell struct {
	ID          string  `json:"id"`
	Code        string  `json:"code"`
	KernelName  string  `json:"kernel_name"`
	SessionID   string  `json:"session_id"`
	Server      *Server `json:"server,omitempty"`
	Output      string  `json:"output"`
	IsExecuting bool    `json:"is_executing"`
	HasError    bool    `json:"has_error"`
	ErrorDetail string  `json:"error_detail,omitempty"`

	// Published and pipeline cells are excluded from shared-session
	// auto-attachment.
	IsPublished    bool `json:"is_published"`
	IsPipelineCell bool `json:"is_pipeline_cell"`

	// Generation increments at the start of every execution; results
	// carrying a stale generation are discarded.
	Generation uint64 `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Excluded reports whether the cell is excluded from shared-session
// auto-attachment.
func (c *Cell) Excluded() bool {
	return c.IsPublished || c.IsPipelineCell
}

// HasValidKernelName reports whether the cell names a usable kernel
func (c *Cell) HasValidKernelName() bool {
	return c.KernelName != "" && c.KernelName != NoKernel
}

// Session groups cells onto one kernel. The kernel id stays empty
// until the session first executes code, and is reused afterwards.
type Session struct {
	ID         string    `json:"id"`
	Name       string    `json:"name,omitempty"`
	Server     *Server   `json:"server,omitempty"`
	KernelName string    `json:"kernel_name"`
	KernelID   string    `json:"kernel_id"`
	CellIDs    []string  `json:"cell_ids"`
	CreatedAt  time.Time `json:"created_at"`
}

// Bound reports whether the session has a server and kernel type
// assigned. Unbound sessions go through discovery before execution.
func (s *Session) Bound() bool {
	return s.Server != nil && s.KernelName != "" && s.KernelName != NoKernel
}

// ExecutionResult is the transient outcome of one submission, consumed
// immediately to update cell state.
type ExecutionResult struct {
	CellID   string `json:"cell_id"`
	Output   string `json:"output"`
	HasError bool   `json:"has_error"`
}
