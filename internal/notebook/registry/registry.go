// Package registry owns the mapping between cells, sessions, kernels
// and servers. It replaces ambient global state: an explicit Registry
// is constructed once and passed into every orchestrator operation.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cellrun/cellrun/internal/common/logger"
	"github.com/cellrun/cellrun/internal/notebook/models"
	"github.com/cellrun/cellrun/internal/notebook/repository"
)

// SharedSessionID is the well-known id reused by all non-published,
// non-pipeline cells when shared addressing is active.
const SharedSessionID = "shared-session"

// SharedSessionName is the display name of the shared session
const SharedSessionName = "Shared Session"

// Registry maps cells to sessions to kernels to servers
type Registry struct {
	cells    map[string]*models.Cell
	sessions map[string]*models.Session
	shared   bool
	repo     repository.Repository
	logger   *logger.Logger
	mu       sync.RWMutex
}

// NewRegistry creates a registry. The repository may be nil, in which
// case cell attributes are not persisted.
func NewRegistry(repo repository.Repository, log *logger.Logger) *Registry {
	return &Registry{
		cells:    make(map[string]*models.Cell),
		sessions: make(map[string]*models.Session),
		repo:     repo,
		logger:   log.WithFields(zap.String("component", "session-registry")),
	}
}

// Load populates the registry from persisted cells
func (r *Registry) Load(ctx context.Context) error {
	if r.repo == nil {
		return nil
	}

	cells, err := r.repo.ListCells(ctx)
	if err != nil {
		return fmt.Errorf("failed to load cells: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cell := range cells {
		// Execution state does not survive restarts.
		cell.IsExecuting = false
		cell.SessionID = ""
		r.cells[cell.ID] = cell
	}

	r.logger.Info("loaded cells from repository", zap.Int("count", len(cells)))
	return nil
}

// AddCell registers a cell, assigning an id when missing
func (r *Registry) AddCell(cell *models.Cell) *models.Cell {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cell.ID == "" {
		cell.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if cell.CreatedAt.IsZero() {
		cell.CreatedAt = now
	}
	cell.UpdatedAt = now

	stored := *cell
	r.cells[cell.ID] = &stored
	r.persist(&stored)

	copied := stored
	return &copied
}

// GetCell returns a copy of the cell
func (r *Registry) GetCell(id string) (*models.Cell, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cell, exists := r.cells[id]
	if !exists {
		return nil, false
	}
	copied := *cell
	return &copied, true
}

// ListCells returns copies of all cells
func (r *Registry) ListCells() []*models.Cell {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*models.Cell, 0, len(r.cells))
	for _, cell := range r.cells {
		copied := *cell
		result = append(result, &copied)
	}
	return result
}

// UpdateCode replaces a cell's code text
func (r *Registry) UpdateCode(id, code string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cell, exists := r.cells[id]
	if !exists {
		return fmt.Errorf("cell not found: %s", id)
	}
	cell.Code = code
	cell.UpdatedAt = time.Now().UTC()
	r.persist(cell)
	return nil
}

// UpdateConfig changes a cell's kernel name or server. Nil arguments
// leave the corresponding field untouched.
func (r *Registry) UpdateConfig(id string, kernelName *string, server *models.Server) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cell, exists := r.cells[id]
	if !exists {
		return fmt.Errorf("cell not found: %s", id)
	}
	if kernelName != nil {
		cell.KernelName = *kernelName
	}
	if server != nil {
		copied := *server
		cell.Server = &copied
	}
	cell.UpdatedAt = time.Now().UTC()
	r.persist(cell)
	return nil
}

// RemoveCell deletes a cell, detaching it from its session
func (r *Registry) RemoveCell(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cell, exists := r.cells[id]
	if !exists {
		return fmt.Errorf("cell not found: %s", id)
	}

	if cell.SessionID != "" {
		r.detachLocked(cell)
	}
	delete(r.cells, id)

	if r.repo != nil {
		if err := r.repo.DeleteCell(context.Background(), id); err != nil {
			r.logger.Warn("failed to delete persisted cell", zap.String("cell_id", id), zap.Error(err))
		}
	}
	return nil
}

// CreateSession creates a named session with an explicit binding.
// A nil server leaves the session unbound until discovery runs.
func (r *Registry) CreateSession(name string, server *models.Server, kernelName string) *models.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	session := &models.Session{
		ID:         uuid.New().String(),
		Name:       name,
		Server:     server,
		KernelName: kernelName,
		CreatedAt:  time.Now().UTC(),
	}
	r.sessions[session.ID] = session

	r.logger.Info("created session",
		zap.String("session_id", session.ID),
		zap.String("name", name))

	copied := *session
	return &copied
}

// GetSession returns a copy of the session
func (r *Registry) GetSession(id string) (*models.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, exists := r.sessions[id]
	if !exists {
		return nil, false
	}
	copied := *session
	copied.CellIDs = append([]string(nil), session.CellIDs...)
	return &copied, true
}

// ListSessions returns copies of all sessions
func (r *Registry) ListSessions() []*models.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*models.Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		copied := *session
		copied.CellIDs = append([]string(nil), session.CellIDs...)
		result = append(result, &copied)
	}
	return result
}

// AttachCell binds a cell to a session, detaching it from any previous
// one. A cell belongs to at most one session at a time.
func (r *Registry) AttachCell(cellID, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cell, exists := r.cells[cellID]
	if !exists {
		return fmt.Errorf("cell not found: %s", cellID)
	}
	session, exists := r.sessions[sessionID]
	if !exists {
		return fmt.Errorf("session not found: %s", sessionID)
	}

	if cell.SessionID == sessionID {
		return nil
	}
	if cell.SessionID != "" {
		r.detachLocked(cell)
	}

	cell.SessionID = sessionID
	session.CellIDs = append(session.CellIDs, cellID)
	r.persist(cell)
	return nil
}

// detachLocked removes the cell from its current session's members.
// Caller holds the write lock.
func (r *Registry) detachLocked(cell *models.Cell) {
	session, exists := r.sessions[cell.SessionID]
	if exists {
		members := session.CellIDs[:0]
		for _, id := range session.CellIDs {
			if id != cell.ID {
				members = append(members, id)
			}
		}
		session.CellIDs = members
	}
	cell.SessionID = ""
}

// DeleteSession removes a session, clearing sessionId on all member
// cells. The removed session is returned so the caller can best-effort
// delete its remote kernel.
func (r *Registry) DeleteSession(id string) (*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, exists := r.sessions[id]
	if !exists {
		return nil, fmt.Errorf("session not found: %s", id)
	}

	for _, cellID := range session.CellIDs {
		if cell, ok := r.cells[cellID]; ok {
			cell.SessionID = ""
			r.persist(cell)
		}
	}
	delete(r.sessions, id)

	r.logger.Info("deleted session",
		zap.String("session_id", id),
		zap.Int("members", len(session.CellIDs)))

	copied := *session
	return &copied, nil
}

// BindSession assigns a server and kernel type to a session, usually
// from a discovery result.
func (r *Registry) BindSession(sessionID string, server models.Server, kernelName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, exists := r.sessions[sessionID]
	if !exists {
		return fmt.Errorf("session not found: %s", sessionID)
	}
	srv := server
	session.Server = &srv
	session.KernelName = kernelName
	return nil
}

// SetSessionKernel records the kernel id created for a session. The
// id stays empty until first needed and is reused thereafter.
func (r *Registry) SetSessionKernel(sessionID, kernelID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, exists := r.sessions[sessionID]
	if !exists {
		return fmt.Errorf("session not found: %s", sessionID)
	}
	session.KernelID = kernelID
	return nil
}

// SharedMode reports whether shared addressing is active
func (r *Registry) SharedMode() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.shared
}

// SetSharedMode toggles shared addressing. Enabling retroactively
// attaches every currently unbound, non-excluded cell to the shared
// session and returns the attached cell ids. Disabling only stops
// future auto-attachment; existing bindings stay.
func (r *Registry) SetSharedMode(enabled bool) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.shared = enabled
	if !enabled {
		return nil
	}

	session := r.ensureSharedLocked()

	var attached []string
	for _, cell := range r.cells {
		if cell.SessionID != "" || cell.Excluded() {
			continue
		}
		cell.SessionID = session.ID
		session.CellIDs = append(session.CellIDs, cell.ID)
		attached = append(attached, cell.ID)
		r.persist(cell)
	}

	r.logger.Info("enabled shared session mode", zap.Int("attached", len(attached)))
	return attached
}

// EnsureSharedSession returns the shared session, creating its record
// (unbound) when missing.
func (r *Registry) EnsureSharedSession() *models.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	session := r.ensureSharedLocked()
	copied := *session
	copied.CellIDs = append([]string(nil), session.CellIDs...)
	return &copied
}

func (r *Registry) ensureSharedLocked() *models.Session {
	session, exists := r.sessions[SharedSessionID]
	if !exists {
		session = &models.Session{
			ID:        SharedSessionID,
			Name:      SharedSessionName,
			CreatedAt: time.Now().UTC(),
		}
		r.sessions[SharedSessionID] = session
	}
	return session
}

// BeginExecution marks the cell executing, resets its output and
// error state, and returns a fresh generation number. Results are
// applied only when they carry the current generation, so a late
// result from a superseded run is discarded.
func (r *Registry) BeginExecution(cellID string) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cell, exists := r.cells[cellID]
	if !exists {
		return 0, fmt.Errorf("cell not found: %s", cellID)
	}

	cell.Generation++
	cell.IsExecuting = true
	cell.Output = ""
	cell.HasError = false
	cell.ErrorDetail = ""
	cell.UpdatedAt = time.Now().UTC()
	return cell.Generation, nil
}

// AppendOutput appends one streamed chunk to the cell's output buffer.
// Returns false when the generation is stale and the chunk was dropped.
func (r *Registry) AppendOutput(cellID string, generation uint64, chunk string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cell, exists := r.cells[cellID]
	if !exists || cell.Generation != generation {
		return false
	}
	cell.Output += chunk
	return true
}

// FinishExecution applies the final result of a run and clears the
// executing flag. Returns false when the generation is stale; the
// cell's state then belongs to a newer run and is left untouched.
func (r *Registry) FinishExecution(cellID string, generation uint64, output string, hasError bool, errorDetail string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cell, exists := r.cells[cellID]
	if !exists || cell.Generation != generation {
		return false
	}

	cell.Output = output
	cell.HasError = hasError
	cell.ErrorDetail = errorDetail
	cell.IsExecuting = false
	cell.UpdatedAt = time.Now().UTC()
	r.persist(cell)
	return true
}

// FailCell records a pre-execution failure on the cell: the error text
// is shown in place of output and no executing flag is involved.
func (r *Registry) FailCell(cellID, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cell, exists := r.cells[cellID]
	if !exists {
		return
	}

	cell.HasError = true
	cell.ErrorDetail = message
	cell.Output = message
	cell.IsExecuting = false
	cell.UpdatedAt = time.Now().UTC()
	r.persist(cell)
}

// persist saves the cell best-effort. Caller holds the lock.
func (r *Registry) persist(cell *models.Cell) {
	if r.repo == nil {
		return
	}
	copied := *cell
	if err := r.repo.SaveCell(context.Background(), &copied); err != nil {
		r.logger.Warn("failed to persist cell",
			zap.String("cell_id", cell.ID),
			zap.Error(err))
	}
}
