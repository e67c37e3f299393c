package keyword

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestIndex(t *testing.T) *BleveIndex {
	t.Helper()
	idx, err := NewBleveIndex(filepath.Join(t.TempDir(), "keyword.bleve"))
	if err != nil {
		t.Fatalf("NewBleveIndex: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestIndexAndSearch(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	docs := map[int64]*ReportDoc{
		1: {PatientID: "P001", ReportType: "text", Content: "Patient started on metformin 500mg twice daily."},
		2: {PatientID: "P001", ReportType: "text", Content: "Chest X-ray shows no acute findings."},
		3: {PatientID: "P002", ReportType: "text", Content: "Metformin dose increased to 1000mg."},
	}
	for id, doc := range docs {
		if err := idx.Index(ctx, id, doc); err != nil {
			t.Fatalf("Index(%d): %v", id, err)
		}
	}

	results, err := idx.Search(ctx, "P001", "metformin", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("result count = %d, want 1", len(results))
	}
	if results[0].ReportID != 1 {
		t.Errorf("report ID = %d, want 1", results[0].ReportID)
	}
	if results[0].Score <= 0 {
		t.Errorf("score = %v, want > 0", results[0].Score)
	}
}

func TestSearchScopedToPatient(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	if err := idx.Index(ctx, 1, &ReportDoc{PatientID: "P001", Content: "hypertension follow-up"}); err != nil {
		t.Fatalf("Index: %v", err)
	}

	results, err := idx.Search(ctx, "P002", "hypertension", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("other patient's search returned %d results, want 0", len(results))
	}
}

func TestDelete(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	if err := idx.Index(ctx, 1, &ReportDoc{PatientID: "P001", Content: "annual physical"}); err != nil {
		t.Fatalf("Index: %v", err)
	}
	if err := idx.Delete(ctx, 1); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	results, err := idx.Search(ctx, "P001", "physical", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("deleted report still searchable, %d results", len(results))
	}

	n, err := idx.DocCount()
	if err != nil {
		t.Fatalf("DocCount: %v", err)
	}
	if n != 0 {
		t.Errorf("doc count = %d, want 0", n)
	}
}

func TestReopenExistingIndex(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keyword.bleve")
	ctx := context.Background()

	idx, err := NewBleveIndex(path)
	if err != nil {
		t.Fatalf("NewBleveIndex: %v", err)
	}
	if err := idx.Index(ctx, 1, &ReportDoc{PatientID: "P001", Content: "discharge summary"}); err != nil {
		t.Fatalf("Index: %v", err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := NewBleveIndex(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	results, err := reopened.Search(ctx, "P001", "discharge", 10)
	if err != nil {
		t.Fatalf("Search after reopen: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("result count after reopen = %d, want 1", len(results))
	}
}
