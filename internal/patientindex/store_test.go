package patientindex

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/karteio/karte/internal/vector"
)

func newTestStore(t *testing.T, width int) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), width, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestStore_LoadAbsent(t *testing.T) {
	s := newTestStore(t, 4)
	ix, entries, err := s.Load("p1")
	if err != nil {
		t.Fatal(err)
	}
	if ix.Count() != 0 || len(entries) != 0 {
		t.Errorf("absent patient should start empty, got %d vectors %d entries", ix.Count(), len(entries))
	}
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t, 4)
	ix, _ := vector.NewFlatIndex(4)
	_ = ix.Add([]float32{1, 2, 3, 4})
	entries := []Entry{{ChunkID: 0, ReportID: 7, Type: TypeText, Text: "bp stable"}}

	if err := s.Save("p1", ix, entries); err != nil {
		t.Fatal(err)
	}
	got, gotEntries, err := s.Load("p1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Count() != 1 || len(gotEntries) != 1 {
		t.Fatalf("got %d vectors %d entries", got.Count(), len(gotEntries))
	}
	e := gotEntries[0]
	if e.ChunkID != 0 || e.ReportID != 7 || e.Type != TypeText || e.Text != "bp stable" {
		t.Errorf("entry round-trip: %+v", e)
	}
}

func TestStore_SaveRejectsSkew(t *testing.T) {
	s := newTestStore(t, 4)
	ix, _ := vector.NewFlatIndex(4)
	_ = ix.Add([]float32{1, 2, 3, 4})
	if err := s.Save("p1", ix, nil); err == nil {
		t.Error("expected error when vector count != metadata length")
	}
}

func TestStore_CorruptIndexSelfHeals(t *testing.T) {
	s := newTestStore(t, 4)
	ix, _ := vector.NewFlatIndex(4)
	_ = ix.Add([]float32{1, 2, 3, 4})
	entries := []Entry{{ChunkID: 0, ReportID: 1, Type: TypeText, Text: "x"}}
	if err := s.Save("p1", ix, entries); err != nil {
		t.Fatal(err)
	}

	indexPath, _ := s.paths("p1")
	if err := os.WriteFile(indexPath, []byte("garbage"), 0644); err != nil {
		t.Fatal(err)
	}

	got, gotEntries, err := s.Load("p1")
	if err != nil {
		t.Fatalf("corrupt index must self-heal, got error %v", err)
	}
	if got.Count() != 0 || len(gotEntries) != 0 {
		t.Errorf("self-healed store should be empty, got %d vectors %d entries", got.Count(), len(gotEntries))
	}
}

func TestStore_MissingMetaStartsEmpty(t *testing.T) {
	s := newTestStore(t, 4)
	ix, _ := vector.NewFlatIndex(4)
	_ = ix.Add([]float32{1, 2, 3, 4})
	entries := []Entry{{ChunkID: 0, ReportID: 1, Type: TypeText, Text: "x"}}
	if err := s.Save("p1", ix, entries); err != nil {
		t.Fatal(err)
	}

	_, metaPath := s.paths("p1")
	if err := os.Remove(metaPath); err != nil {
		t.Fatal(err)
	}

	// With only one artifact on disk the pair must never load out of sync.
	got, gotEntries, err := s.Load("p1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Count() != 0 || len(gotEntries) != 0 {
		t.Errorf("half-present store should start empty, got %d vectors %d entries", got.Count(), len(gotEntries))
	}
}

func TestStore_WidthChangeRebuildsEmpty(t *testing.T) {
	dir := t.TempDir()
	s4, err := NewStore(dir, 4, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	ix, _ := vector.NewFlatIndex(4)
	_ = ix.Add([]float32{1, 2, 3, 4})
	if err := s4.Save("p1", ix, []Entry{{ChunkID: 0, ReportID: 1, Type: TypeText, Text: "x"}}); err != nil {
		t.Fatal(err)
	}

	s8, err := NewStore(dir, 8, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	got, gotEntries, err := s8.Load("p1")
	if err != nil {
		t.Fatalf("width change must rebuild, got error %v", err)
	}
	if got.Width() != 8 || got.Count() != 0 || len(gotEntries) != 0 {
		t.Errorf("expected empty width-8 index, got width=%d count=%d entries=%d",
			got.Width(), got.Count(), len(gotEntries))
	}
}

func TestStore_LegacyBareArrayMeta(t *testing.T) {
	s := newTestStore(t, 2)
	ix, _ := vector.NewFlatIndex(2)
	_ = ix.Add([]float32{1, 0})
	if err := s.Save("p1", ix, []Entry{{ChunkID: 0, ReportID: 3, Type: TypeText, Text: "note"}}); err != nil {
		t.Fatal(err)
	}

	// Rewrite metadata in the pre-envelope shape.
	_, metaPath := s.paths("p1")
	legacy := `[{"chunk_id":0,"report_id":3,"type":"text","text":"note"}]`
	if err := os.WriteFile(metaPath, []byte(legacy), 0644); err != nil {
		t.Fatal(err)
	}

	_, entries, err := s.Load("p1")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].ReportID != 3 {
		t.Errorf("legacy metadata should load, got %+v", entries)
	}
}

func TestStore_InvalidPatientID(t *testing.T) {
	s := newTestStore(t, 2)
	for _, id := range []string{"", "..", "a/b", `a\b`} {
		if _, _, err := s.Load(id); err == nil {
			t.Errorf("Load(%q) should fail", id)
		}
	}
}

func TestStore_FilesLandInDir(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, 2, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	ix, _ := vector.NewFlatIndex(2)
	if err := s.Save("p9", ix, nil); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"p9.index", "p9_meta.json"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("expected %s: %v", name, err)
		}
	}
}
