// Package events defines the event types published on the event bus.
package events

const (
	CellExecutionStarted   = "cell.execution.started"
	CellExecutionCompleted = "cell.execution.completed"
	CellExecutionFailed    = "cell.execution.failed"
	SessionCreated         = "session.created"
	SessionDeleted         = "session.deleted"
)

// CellSubjects lists every cell execution subject, in the order the
// lifecycle moves through them.
func CellSubjects() []string {
	return []string{CellExecutionStarted, CellExecutionCompleted, CellExecutionFailed}
}
