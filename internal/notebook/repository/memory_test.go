package repository

import (
	"context"
	"testing"
	"time"

	"github.com/cellrun/cellrun/internal/notebook/models"
)

func TestMemoryRepository_SaveAndGet(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	cell := &models.Cell{Code: "print(1)", KernelName: "python3"}
	if err := repo.SaveCell(ctx, cell); err != nil {
		t.Fatalf("SaveCell failed: %v", err)
	}
	if cell.ID == "" {
		t.Fatal("expected generated id")
	}

	got, err := repo.GetCell(ctx, cell.ID)
	if err != nil {
		t.Fatalf("GetCell failed: %v", err)
	}
	if got.Code != "print(1)" || got.KernelName != "python3" {
		t.Errorf("unexpected cell: %+v", got)
	}
}

func TestMemoryRepository_SaveOverwrites(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	cell := &models.Cell{ID: "c1", Code: "a"}
	_ = repo.SaveCell(ctx, cell)

	cell.Code = "b"
	if err := repo.SaveCell(ctx, cell); err != nil {
		t.Fatalf("SaveCell failed: %v", err)
	}

	got, _ := repo.GetCell(ctx, "c1")
	if got.Code != "b" {
		t.Errorf("expected overwritten code, got %s", got.Code)
	}
}

func TestMemoryRepository_GetMissing(t *testing.T) {
	repo := NewMemoryRepository()
	if _, err := repo.GetCell(context.Background(), "missing"); err == nil {
		t.Error("expected error for missing cell")
	}
}

func TestMemoryRepository_Delete(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	_ = repo.SaveCell(ctx, &models.Cell{ID: "c1", Code: "x"})
	if err := repo.DeleteCell(ctx, "c1"); err != nil {
		t.Fatalf("DeleteCell failed: %v", err)
	}
	if _, err := repo.GetCell(ctx, "c1"); err == nil {
		t.Error("expected cell gone")
	}
	if err := repo.DeleteCell(ctx, "c1"); err == nil {
		t.Error("expected error deleting missing cell")
	}
}

func TestMemoryRepository_ListOrdering(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	base := time.Now().UTC()
	_ = repo.SaveCell(ctx, &models.Cell{ID: "newer", Code: "b", CreatedAt: base.Add(time.Minute)})
	_ = repo.SaveCell(ctx, &models.Cell{ID: "older", Code: "a", CreatedAt: base})

	cells, err := repo.ListCells(ctx)
	if err != nil {
		t.Fatalf("ListCells failed: %v", err)
	}
	if len(cells) != 2 {
		t.Fatalf("expected 2 cells, got %d", len(cells))
	}
	if cells[0].ID != "older" || cells[1].ID != "newer" {
		t.Errorf("expected creation order, got %s then %s", cells[0].ID, cells[1].ID)
	}
}

func TestMemoryRepository_CopiesOut(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	_ = repo.SaveCell(ctx, &models.Cell{ID: "c1", Code: "original"})
	got, _ := repo.GetCell(ctx, "c1")
	got.Code = "mutated"

	again, _ := repo.GetCell(ctx, "c1")
	if again.Code != "original" {
		t.Error("expected stored cell unaffected by mutation of returned copy")
	}
}
