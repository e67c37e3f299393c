package chat

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/karteio/karte/internal/chunker"
	"github.com/karteio/karte/internal/embedding"
	"github.com/karteio/karte/internal/models"
	"github.com/karteio/karte/internal/patientindex"
	"github.com/karteio/karte/internal/storage"
)

type fakeStore struct {
	storage.Storage

	patients map[string]*models.Patient
	reports  []*models.Report
	chat     []*models.ChatEntry
}

func newFakeStore(patientIDs ...string) *fakeStore {
	s := &fakeStore{patients: make(map[string]*models.Patient)}
	for _, id := range patientIDs {
		s.patients[id] = &models.Patient{PatientID: id, CreatedAt: time.Now()}
	}
	return s
}

func (s *fakeStore) GetPatient(ctx context.Context, patientID string) (*models.Patient, error) {
	p, ok := s.patients[patientID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return p, nil
}

func (s *fakeStore) ListReportsByPatient(ctx context.Context, patientID string) ([]*models.Report, error) {
	var out []*models.Report
	for _, r := range s.reports {
		if r.PatientID == patientID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fakeStore) ListLabReports(ctx context.Context, patientID string) ([]*models.Report, error) {
	var out []*models.Report
	for _, r := range s.reports {
		if r.PatientID == patientID && r.ReportType == models.ReportLab {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fakeStore) AddChatEntry(ctx context.Context, e *models.ChatEntry) error {
	e.ID = int64(len(s.chat) + 1)
	e.CreatedAt = time.Now()
	s.chat = append(s.chat, e)
	return nil
}

type fakeGenerator struct {
	lastSystem string
	lastUser   string
	reply      string
	err        error
}

func (g *fakeGenerator) Generate(ctx context.Context, systemPrompt, userPrompt string, maxTokens int) (string, error) {
	g.lastSystem = systemPrompt
	g.lastUser = userPrompt
	if g.err != nil {
		return "", g.err
	}
	return g.reply, nil
}

func newTestIndex(t *testing.T) *patientindex.Service {
	t.Helper()
	store, err := patientindex.NewStore(t.TempDir(), 32, zap.NewNop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return patientindex.NewService(store, embedding.NewMockEmbedder(24), chunker.New(0, 0), zap.NewNop())
}

func TestAskUsesRetrievedContext(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore("P001")
	index := newTestIndex(t)
	if err := index.AddText(ctx, "P001", 1, "Patient diagnosed with type 2 diabetes in March."); err != nil {
		t.Fatalf("AddText: %v", err)
	}
	gen := &fakeGenerator{reply: "The patient has type 2 diabetes."}
	engine := NewEngine(store, index, gen, 0, zap.NewNop())

	entry, err := engine.Ask(ctx, "P001", "What chronic conditions does the patient have?")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if entry.Answer != "The patient has type 2 diabetes." {
		t.Errorf("answer = %q", entry.Answer)
	}
	if !strings.Contains(gen.lastUser, "type 2 diabetes") {
		t.Errorf("retrieved chunk missing from prompt:\n%s", gen.lastUser)
	}
	if !strings.Contains(gen.lastUser, "ordered chronologically") {
		t.Errorf("chronological preamble missing from prompt:\n%s", gen.lastUser)
	}
	if len(store.chat) != 1 {
		t.Errorf("chat history length = %d, want 1", len(store.chat))
	}
}

func TestAskLabFallback(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore("P001")
	store.reports = append(store.reports, &models.Report{
		PatientID:     "P001",
		ReportType:    models.ReportLab,
		ExtractedData: map[string]float64{"glucose": 92},
		CreatedAt:     time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	gen := &fakeGenerator{reply: "Glucose is within normal range."}
	engine := NewEngine(store, newTestIndex(t), gen, 0, zap.NewNop())

	if _, err := engine.Ask(ctx, "P001", "How is the glucose?"); err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if !strings.Contains(gen.lastUser, "structured lab results") {
		t.Errorf("lab fallback missing from prompt:\n%s", gen.lastUser)
	}
	if !strings.Contains(gen.lastUser, "[LAB REPORT | 2026-03-01]") {
		t.Errorf("lab block missing from prompt:\n%s", gen.lastUser)
	}
}

func TestAskNoRecords(t *testing.T) {
	store := newFakeStore("P001")
	gen := &fakeGenerator{reply: "I do not have enough data."}
	engine := NewEngine(store, newTestIndex(t), gen, 0, zap.NewNop())

	if _, err := engine.Ask(context.Background(), "P001", "Anything?"); err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if !strings.Contains(gen.lastUser, "No medical reports are available yet") {
		t.Errorf("no-records narrative missing from prompt:\n%s", gen.lastUser)
	}
}

func TestAskUnknownPatient(t *testing.T) {
	engine := NewEngine(newFakeStore(), newTestIndex(t), &fakeGenerator{}, 0, zap.NewNop())
	_, err := engine.Ask(context.Background(), "ghost", "hello?")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestAskEmptyQuestion(t *testing.T) {
	engine := NewEngine(newFakeStore("P001"), newTestIndex(t), &fakeGenerator{}, 0, zap.NewNop())
	if _, err := engine.Ask(context.Background(), "P001", "   "); err == nil {
		t.Error("expected error for empty question")
	}
}

func TestAskPropagatesLLMError(t *testing.T) {
	store := newFakeStore("P001")
	gen := &fakeGenerator{err: errors.New("llm backend unavailable")}
	engine := NewEngine(store, newTestIndex(t), gen, 0, zap.NewNop())

	if _, err := engine.Ask(context.Background(), "P001", "hello?"); err == nil {
		t.Error("expected generation error to propagate")
	}
	if len(store.chat) != 0 {
		t.Errorf("failed exchange should not be recorded, history length = %d", len(store.chat))
	}
}

func TestSummarizeAudiences(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore("P001")
	store.reports = append(store.reports, &models.Report{
		PatientID:  "P001",
		ReportType: models.ReportText,
		ParsedText: "Follow-up visit. Blood Pressure controlled on current regimen.",
		CreatedAt:  time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC),
	})
	gen := &fakeGenerator{reply: "Summary text."}
	engine := NewEngine(store, newTestIndex(t), gen, 0, zap.NewNop())

	if _, err := engine.Summarize(ctx, "P001", AudiencePatient); err != nil {
		t.Fatalf("Summarize(patient): %v", err)
	}
	if !strings.Contains(gen.lastSystem, "simple") {
		t.Errorf("patient summary prompt should ask for simple language: %q", gen.lastSystem)
	}
	if !strings.Contains(gen.lastUser, "[REPORT | TEXT | 2026-02-10]") {
		t.Errorf("report block missing from prompt:\n%s", gen.lastUser)
	}

	if _, err := engine.Summarize(ctx, "P001", AudienceDoctor); err != nil {
		t.Fatalf("Summarize(doctor): %v", err)
	}
	if !strings.Contains(gen.lastSystem, "clinical") {
		t.Errorf("doctor summary prompt should be clinical: %q", gen.lastSystem)
	}
}

func TestSummarizeNoReports(t *testing.T) {
	engine := NewEngine(newFakeStore("P001"), newTestIndex(t), &fakeGenerator{}, 0, zap.NewNop())

	got, err := engine.Summarize(context.Background(), "P001", AudienceDoctor)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if !strings.Contains(got, "No textual reports") {
		t.Errorf("canned reply missing, got %q", got)
	}
}

func TestSummarizeUnknownAudience(t *testing.T) {
	engine := NewEngine(newFakeStore("P001"), newTestIndex(t), &fakeGenerator{}, 0, zap.NewNop())
	if _, err := engine.Summarize(context.Background(), "P001", "lab_tech"); err == nil {
		t.Error("expected error for unknown audience")
	}
}
