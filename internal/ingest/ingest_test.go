package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/karteio/karte/internal/chunker"
	"github.com/karteio/karte/internal/embedding"
	"github.com/karteio/karte/internal/keyword"
	"github.com/karteio/karte/internal/models"
	"github.com/karteio/karte/internal/patientindex"
	"github.com/karteio/karte/internal/storage"
)

type testEnv struct {
	pipeline *Pipeline
	store    *storage.SQLiteStorage
	index    *patientindex.Service
	keyword  *keyword.BleveIndex
	dir      string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	store, err := storage.NewSQLiteStorage(filepath.Join(dir, "karte.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStorage: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	idxStore, err := patientindex.NewStore(filepath.Join(dir, "indexes"), 32, zap.NewNop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	index := patientindex.NewService(idxStore, embedding.NewMockEmbedder(24), chunker.New(0, 0), zap.NewNop())

	kw, err := keyword.NewBleveIndex(filepath.Join(dir, "keyword.bleve"))
	if err != nil {
		t.Fatalf("NewBleveIndex: %v", err)
	}
	t.Cleanup(func() { kw.Close() })

	reportsDir := filepath.Join(dir, "reports")
	return &testEnv{
		pipeline: NewPipeline(store, index, kw, reportsDir, zap.NewNop()),
		store:    store,
		index:    index,
		keyword:  kw,
		dir:      reportsDir,
	}
}

func TestIngestTextFile(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	content := []byte("Patient presents with elevated BP and reports headaches.")
	report, err := env.pipeline.IngestFile(ctx, "P001", "visit.txt", content, nil)
	if err != nil {
		t.Fatalf("IngestFile: %v", err)
	}
	if report.ReportType != models.ReportText {
		t.Errorf("report type = %q, want text", report.ReportType)
	}
	if !strings.Contains(report.ParsedText, "Blood Pressure") {
		t.Errorf("text not cleaned: %q", report.ParsedText)
	}
	if _, err := os.Stat(report.FilePath); err != nil {
		t.Errorf("stored file missing: %v", err)
	}
	if !strings.HasPrefix(report.FilePath, filepath.Join(env.dir, "P001")) {
		t.Errorf("file stored outside patient directory: %q", report.FilePath)
	}

	if _, err := env.store.GetPatient(ctx, "P001"); err != nil {
		t.Errorf("patient not created: %v", err)
	}

	stats, err := env.index.Stats("P001")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Vectors == 0 {
		t.Error("nothing was vector indexed")
	}

	results, err := env.keyword.Search(ctx, "P001", "headaches", 10)
	if err != nil {
		t.Fatalf("keyword search: %v", err)
	}
	if len(results) != 1 || results[0].ReportID != report.ID {
		t.Errorf("keyword results = %+v, want report %d", results, report.ID)
	}
}

func TestIngestDuplicateRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	content := []byte("same content")
	if _, err := env.pipeline.IngestFile(ctx, "P001", "a.txt", content, nil); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	_, err := env.pipeline.IngestFile(ctx, "P001", "b.txt", content, nil)
	if !errors.Is(err, storage.ErrDuplicateReport) {
		t.Errorf("error = %v, want ErrDuplicateReport", err)
	}

	// Same content for another patient is fine.
	if _, err := env.pipeline.IngestFile(ctx, "P002", "a.txt", content, nil); err != nil {
		t.Errorf("other patient ingest: %v", err)
	}
}

func TestIngestUnsupportedType(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.pipeline.IngestFile(context.Background(), "P001", "report.exe", []byte("x"), nil)
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for unsupported file type, got %v", err)
	}
}

func TestIngestImage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.pipeline.IngestFile(ctx, "P001", "scan.png", []byte{0x89, 'P', 'N', 'G'}, nil); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("image without embedding should be ErrInvalidInput, got %v", err)
	}

	vec := []float32{0.1, 0.2, 0.3, 0.4}
	report, err := env.pipeline.IngestFile(ctx, "P001", "scan.png", []byte{0x89, 'P', 'N', 'G'}, vec)
	if err != nil {
		t.Fatalf("IngestFile: %v", err)
	}
	if report.ReportType != models.ReportImage {
		t.Errorf("report type = %q, want image", report.ReportType)
	}

	stats, err := env.index.Stats("P001")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Vectors != 1 || stats.MetadataLen != 1 {
		t.Errorf("stats = %+v, want one vector and one entry", stats)
	}
}

func TestIngestLabFile(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	report, err := env.pipeline.IngestFile(ctx, "P001", "labs.json", []byte(`{"glucose": 92}`), nil)
	if err != nil {
		t.Fatalf("IngestFile: %v", err)
	}
	if report.ReportType != models.ReportLab {
		t.Errorf("report type = %q, want lab", report.ReportType)
	}
	if !strings.HasPrefix(report.ParsedText, "Structured lab report") {
		t.Errorf("parsed text = %q", report.ParsedText)
	}
	if !strings.Contains(report.ParsedText, "glucose: 92") {
		t.Errorf("lab values missing: %q", report.ParsedText)
	}
}

func TestIngestLabJSON(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	report, err := env.pipeline.IngestLabJSON(ctx, "P001", map[string]float64{"hemoglobin": 13.5})
	if err != nil {
		t.Fatalf("IngestLabJSON: %v", err)
	}
	if report.ReportType != models.ReportLab {
		t.Errorf("report type = %q, want lab", report.ReportType)
	}
	if report.ExtractedData["hemoglobin"] != 13.5 {
		t.Errorf("extracted data = %+v", report.ExtractedData)
	}
	if !strings.HasPrefix(report.FilePath, "lab://P001/") {
		t.Errorf("file path = %q", report.FilePath)
	}

	if _, err := env.pipeline.IngestLabJSON(ctx, "P001", nil); err == nil {
		t.Error("empty lab values should be rejected")
	}
}

func TestImportLabCSV(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	csvData := strings.Join([]string{
		"patient_id,glucose,hemoglobin,notes",
		"P001,92,13.5,ok",
		",100,14,missing id",
		"P002,105,,",
	}, "\n")

	created, err := env.pipeline.ImportLabCSV(ctx, []byte(csvData))
	if err != nil {
		t.Fatalf("ImportLabCSV: %v", err)
	}
	if created != 2 {
		t.Fatalf("created = %d, want 2", created)
	}

	labs, err := env.store.ListLabReports(ctx, "P001")
	if err != nil {
		t.Fatalf("ListLabReports: %v", err)
	}
	if len(labs) != 1 {
		t.Fatalf("lab count = %d, want 1", len(labs))
	}
	if labs[0].ExtractedData["glucose"] != 92 {
		t.Errorf("glucose = %v, want 92", labs[0].ExtractedData["glucose"])
	}
	if _, ok := labs[0].ExtractedData["notes"]; ok {
		t.Error("non-numeric column should be skipped")
	}

	p2, err := env.store.ListLabReports(ctx, "P002")
	if err != nil {
		t.Fatalf("ListLabReports(P002): %v", err)
	}
	if len(p2) != 1 {
		t.Fatalf("P002 lab count = %d, want 1", len(p2))
	}
	if _, ok := p2[0].ExtractedData["hemoglobin"]; ok {
		t.Error("empty field should be skipped")
	}
}

func TestDeleteReport(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	report, err := env.pipeline.IngestFile(ctx, "P001", "visit.txt", []byte("annual physical exam notes"), nil)
	if err != nil {
		t.Fatalf("IngestFile: %v", err)
	}
	before, err := env.index.Stats("P001")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}

	if err := env.pipeline.DeleteReport(ctx, report.ID); err != nil {
		t.Fatalf("DeleteReport: %v", err)
	}

	if _, err := env.store.GetReport(ctx, report.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("report row survived delete: %v", err)
	}
	if results, _ := env.keyword.Search(ctx, "P001", "physical", 10); len(results) != 0 {
		t.Errorf("keyword entry survived delete: %+v", results)
	}
	if _, err := os.Stat(report.FilePath); !os.IsNotExist(err) {
		t.Errorf("stored file survived delete: %v", err)
	}

	// Vector entries stay; the per-patient index is append-only.
	after, err := env.index.Stats("P001")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if after.Vectors != before.Vectors {
		t.Errorf("vector count changed from %d to %d", before.Vectors, after.Vectors)
	}

	if err := env.pipeline.DeleteReport(ctx, 9999); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("missing report delete error = %v, want ErrNotFound", err)
	}
}
