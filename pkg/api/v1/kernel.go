package v1

import "time"

// ExecutionStatus represents the execution state of a cell
type ExecutionStatus string

const (
	ExecutionStatusIdle      ExecutionStatus = "IDLE"
	ExecutionStatusRunning   ExecutionStatus = "RUNNING"
	ExecutionStatusCompleted ExecutionStatus = "COMPLETED"
	ExecutionStatusFailed    ExecutionStatus = "FAILED"
)

// KernelServer identifies a remote kernel server
type KernelServer struct {
	Host  string `json:"host"`
	Port  int    `json:"port"`
	Token string `json:"token,omitempty"`
}

// KernelInfo represents a kernel type available on a server
type KernelInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Language string `json:"language,omitempty"`
}

// ExecutionEvent is the payload published on the event bus for cell
// execution transitions
type ExecutionEvent struct {
	CellID    string          `json:"cell_id"`
	SessionID string          `json:"session_id,omitempty"`
	Status    ExecutionStatus `json:"status"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}
