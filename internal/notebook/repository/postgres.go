package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cellrun/cellrun/internal/notebook/models"
)

// PostgresRepository provides Postgres-based cell storage operations
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// Ensure PostgresRepository implements Repository interface
var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository connects to Postgres and initializes the schema
func NewPostgresRepository(ctx context.Context, dsn string) (*PostgresRepository, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	repo := &PostgresRepository{pool: pool}

	if err := repo.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return repo, nil
}

// initSchema creates the database tables if they don't exist
func (r *PostgresRepository) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS cells (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL DEFAULT '',
		kernel_name TEXT NOT NULL DEFAULT '',
		session_id TEXT NOT NULL DEFAULT '',
		server JSONB,
		output TEXT NOT NULL DEFAULT '',
		has_error BOOLEAN NOT NULL DEFAULT FALSE,
		error_detail TEXT NOT NULL DEFAULT '',
		is_published BOOLEAN NOT NULL DEFAULT FALSE,
		is_pipeline_cell BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_cells_session_id ON cells(session_id);
	`

	_, err := r.pool.Exec(ctx, schema)
	return err
}

// Close closes the connection pool
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// SaveCell inserts or replaces a cell
func (r *PostgresRepository) SaveCell(ctx context.Context, cell *models.Cell) error {
	if cell.ID == "" {
		cell.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if cell.CreatedAt.IsZero() {
		cell.CreatedAt = now
	}
	cell.UpdatedAt = now

	var server []byte
	if cell.Server != nil {
		server, _ = json.Marshal(cell.Server)
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO cells (id, code, kernel_name, session_id, server, output, has_error, error_detail, is_published, is_pipeline_cell, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			code = EXCLUDED.code,
			kernel_name = EXCLUDED.kernel_name,
			session_id = EXCLUDED.session_id,
			server = EXCLUDED.server,
			output = EXCLUDED.output,
			has_error = EXCLUDED.has_error,
			error_detail = EXCLUDED.error_detail,
			is_published = EXCLUDED.is_published,
			is_pipeline_cell = EXCLUDED.is_pipeline_cell,
			updated_at = EXCLUDED.updated_at
	`, cell.ID, cell.Code, cell.KernelName, cell.SessionID, server, cell.Output, cell.HasError, cell.ErrorDetail, cell.IsPublished, cell.IsPipelineCell, cell.CreatedAt, cell.UpdatedAt)

	return err
}

// GetCell retrieves a cell by ID
func (r *PostgresRepository) GetCell(ctx context.Context, id string) (*models.Cell, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, code, kernel_name, session_id, server, output, has_error, error_detail, is_published, is_pipeline_cell, created_at, updated_at
		FROM cells WHERE id = $1
	`, id)

	cell, err := scanPgCell(row)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("cell not found: %s", id)
	}
	return cell, err
}

// DeleteCell removes a cell by ID
func (r *PostgresRepository) DeleteCell(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM cells WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("cell not found: %s", id)
	}
	return nil
}

// ListCells returns all cells ordered by creation time
func (r *PostgresRepository) ListCells(ctx context.Context) ([]*models.Cell, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, code, kernel_name, session_id, server, output, has_error, error_detail, is_published, is_pipeline_cell, created_at, updated_at
		FROM cells ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*models.Cell
	for rows.Next() {
		cell, err := scanPgCell(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, cell)
	}
	return result, rows.Err()
}

func scanPgCell(row pgx.Row) (*models.Cell, error) {
	cell := &models.Cell{}
	var server []byte

	err := row.Scan(&cell.ID, &cell.Code, &cell.KernelName, &cell.SessionID, &server, &cell.Output, &cell.HasError, &cell.ErrorDetail, &cell.IsPublished, &cell.IsPipelineCell, &cell.CreatedAt, &cell.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if len(server) > 0 {
		var srv models.Server
		if err := json.Unmarshal(server, &srv); err == nil {
			cell.Server = &srv
		}
	}
	return cell, nil
}
