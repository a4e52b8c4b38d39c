package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cellrun/cellrun/internal/notebook/models"
)

// MemoryRepository provides in-memory cell storage for development and
// tests.
type MemoryRepository struct {
	cells map[string]*models.Cell
	mu    sync.RWMutex
}

// Ensure MemoryRepository implements Repository interface
var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates a new in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		cells: make(map[string]*models.Cell),
	}
}

// SaveCell inserts or replaces a cell
func (r *MemoryRepository) SaveCell(ctx context.Context, cell *models.Cell) error {
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
	return nil
}

// GetCell retrieves a cell by ID
func (r *MemoryRepository) GetCell(ctx context.Context, id string) (*models.Cell, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cell, exists := r.cells[id]
	if !exists {
		return nil, fmt.Errorf("cell not found: %s", id)
	}

	copied := *cell
	return &copied, nil
}

// DeleteCell removes a cell by ID
func (r *MemoryRepository) DeleteCell(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.cells[id]; !exists {
		return fmt.Errorf("cell not found: %s", id)
	}
	delete(r.cells, id)
	return nil
}

// ListCells returns all cells ordered by creation time
func (r *MemoryRepository) ListCells(ctx context.Context) ([]*models.Cell, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*models.Cell, 0, len(r.cells))
	for _, cell := range r.cells {
		copied := *cell
		result = append(result, &copied)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// Close is a no-op for the in-memory repository
func (r *MemoryRepository) Close() error {
	return nil
}
