package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/cellrun/cellrun/internal/notebook/models"
)

// SQLiteRepository provides SQLite-based cell storage operations
type SQLiteRepository struct {
	db *sql.DB
}

// Ensure SQLiteRepository implements Repository interface
var _ Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepository creates a new SQLite repository
func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)

	repo := &SQLiteRepository{db: db}

	// Initialize schema
	if err := repo.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return repo, nil
}

// initSchema creates the database tables if they don't exist
func (r *SQLiteRepository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS cells (
		id TEXT PRIMARY KEY,
		code TEXT DEFAULT '',
		kernel_name TEXT DEFAULT '',
		session_id TEXT DEFAULT '',
		server TEXT DEFAULT '',
		output TEXT DEFAULT '',
		has_error INTEGER DEFAULT 0,
		error_detail TEXT DEFAULT '',
		is_published INTEGER DEFAULT 0,
		is_pipeline_cell INTEGER DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_cells_session_id ON cells(session_id);
	`

	_, err := r.db.Exec(schema)
	return err
}

// Close closes the database connection
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// SaveCell inserts or replaces a cell
func (r *SQLiteRepository) SaveCell(ctx context.Context, cell *models.Cell) error {
	if cell.ID == "" {
		cell.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if cell.CreatedAt.IsZero() {
		cell.CreatedAt = now
	}
	cell.UpdatedAt = now

	server := ""
	if cell.Server != nil {
		data, err := json.Marshal(cell.Server)
		if err == nil {
			server = string(data)
		}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO cells (id, code, kernel_name, session_id, server, output, has_error, error_detail, is_published, is_pipeline_cell, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			code = excluded.code,
			kernel_name = excluded.kernel_name,
			session_id = excluded.session_id,
			server = excluded.server,
			output = excluded.output,
			has_error = excluded.has_error,
			error_detail = excluded.error_detail,
			is_published = excluded.is_published,
			is_pipeline_cell = excluded.is_pipeline_cell,
			updated_at = excluded.updated_at
	`, cell.ID, cell.Code, cell.KernelName, cell.SessionID, server, cell.Output, cell.HasError, cell.ErrorDetail, cell.IsPublished, cell.IsPipelineCell, cell.CreatedAt, cell.UpdatedAt)

	return err
}

// GetCell retrieves a cell by ID
func (r *SQLiteRepository) GetCell(ctx context.Context, id string) (*models.Cell, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, code, kernel_name, session_id, server, output, has_error, error_detail, is_published, is_pipeline_cell, created_at, updated_at
		FROM cells WHERE id = ?
	`, id)

	cell, err := scanCell(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("cell not found: %s", id)
	}
	return cell, err
}

// DeleteCell removes a cell by ID
func (r *SQLiteRepository) DeleteCell(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM cells WHERE id = ?`, id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("cell not found: %s", id)
	}
	return nil
}

// ListCells returns all cells ordered by creation time
func (r *SQLiteRepository) ListCells(ctx context.Context) ([]*models.Cell, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, code, kernel_name, session_id, server, output, has_error, error_detail, is_published, is_pipeline_cell, created_at, updated_at
		FROM cells ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*models.Cell
	for rows.Next() {
		cell, err := scanCell(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, cell)
	}
	return result, rows.Err()
}

// scanner covers both sql.Row and sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanCell(row scanner) (*models.Cell, error) {
	cell := &models.Cell{}
	var server string

	err := row.Scan(&cell.ID, &cell.Code, &cell.KernelName, &cell.SessionID, &server, &cell.Output, &cell.HasError, &cell.ErrorDetail, &cell.IsPublished, &cell.IsPipelineCell, &cell.CreatedAt, &cell.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if server != "" {
		var srv models.Server
		if err := json.Unmarshal([]byte(server), &srv); err == nil {
			cell.Server = &srv
		}
	}
	return cell, nil
}
