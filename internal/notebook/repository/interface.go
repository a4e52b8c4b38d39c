package repository

import (
	"context"

	"github.com/cellrun/cellrun/internal/notebook/models"
)

// Repository defines the interface for cell storage operations. The
// registry persists cell attributes through it best-effort so a
// document's cells survive restarts.
type Repository interface {
	// Cell operations
	SaveCell(ctx context.Context, cell *models.Cell) error
	GetCell(ctx context.Context, id string) (*models.Cell, error)
	DeleteCell(ctx context.Context, id string) error
	ListCells(ctx context.Context) ([]*models.Cell, error)

	// Close closes the repository (for database connections)
	Close() error
}
