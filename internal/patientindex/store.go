// Package patientindex maintains one append-only vector index per patient
// and serves the nearest-neighbor lookups that ground chat answers and
// summaries in that patient's own records.
package patientindex

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/karteio/karte/internal/vector"
)

// ImagePlaceholder is the text stored for image entries, whose content lives
// only in the vector itself.
const ImagePlaceholder = "(IMAGE EMBEDDING)"

// Entry types.
const (
	TypeText  = "text"
	TypeImage = "image"
)

// Entry is one metadata record of a patient index. ChunkID is the entry's
// zero-based position in the metadata log and always equals the matching
// vector's position in the index.
type Entry struct {
	ChunkID  int    `json:"chunk_id"`
	ReportID int64  `json:"report_id"`
	Type     string `json:"type"`
	Text     string `json:"text"`
}

// metaVersion is the current metadata file format version.
const metaVersion = 1

// metaFile is the on-disk metadata envelope. Files written before the
// envelope was introduced are a bare entry array and are still accepted.
type metaFile struct {
	Version int     `json:"version"`
	Entries []Entry `json:"entries"`
}

// Store owns the on-disk representation of every patient index: a binary
// vector index and a JSON metadata log per patient, both rewritten wholesale
// on each save. No other component touches these files.
type Store struct {
	dir    string
	width  int
	logger *zap.Logger
}

// NewStore creates a store writing indexes of the given unified width under dir.
func NewStore(dir string, width int, logger *zap.Logger) (*Store, error) {
	if width <= 0 {
		return nil, fmt.Errorf("unified width must be positive, got %d", width)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}
	return &Store{dir: dir, width: width, logger: logger}, nil
}

// Width returns the unified vector width of the store.
func (s *Store) Width() int {
	return s.width
}

func validatePatientID(patientID string) error {
	if patientID == "" {
		return fmt.Errorf("patient id is empty")
	}
	if strings.ContainsAny(patientID, "/\\") || patientID == "." || patientID == ".." {
		return fmt.Errorf("invalid patient id %q", patientID)
	}
	return nil
}

func (s *Store) paths(patientID string) (indexPath, metaPath string) {
	indexPath = filepath.Join(s.dir, patientID+".index")
	metaPath = filepath.Join(s.dir, patientID+"_meta.json")
	return indexPath, metaPath
}

// Load reads a patient's index and metadata log. A patient with no persisted
// state, or with only one of the two files present, starts empty. An
// unreadable or wrong-width index file is self-healed: the whole store is
// rebuilt empty (with a warning) rather than surfacing an error, so that the
// metadata log can never drift out of step with the vectors.
func (s *Store) Load(patientID string) (*vector.FlatIndex, []Entry, error) {
	if err := validatePatientID(patientID); err != nil {
		return nil, nil, err
	}
	indexPath, metaPath := s.paths(patientID)

	indexRaw, indexErr := os.ReadFile(indexPath)
	metaRaw, metaErr := os.ReadFile(metaPath)
	if os.IsNotExist(indexErr) || os.IsNotExist(metaErr) {
		ix, err := vector.NewFlatIndex(s.width)
		return ix, nil, err
	}
	if indexErr != nil {
		return nil, nil, fmt.Errorf("read index for %s: %w", patientID, indexErr)
	}
	if metaErr != nil {
		return nil, nil, fmt.Errorf("read metadata for %s: %w", patientID, metaErr)
	}

	entries, err := decodeMeta(metaRaw)
	if err != nil {
		s.logger.Warn("patient metadata unreadable, rebuilding empty index",
			zap.String("patient_id", patientID), zap.Error(err))
		ix, err := vector.NewFlatIndex(s.width)
		return ix, nil, err
	}

	ix, err := vector.Read(bytes.NewReader(indexRaw), s.width)
	if err != nil {
		s.logger.Warn("patient index unreadable, rebuilding empty index",
			zap.String("patient_id", patientID), zap.Error(err))
		ix, err := vector.NewFlatIndex(s.width)
		return ix, nil, err
	}

	if ix.Count() != len(entries) {
		s.logger.Warn("patient index and metadata out of sync, rebuilding empty index",
			zap.String("patient_id", patientID),
			zap.Int("vectors", ix.Count()), zap.Int("entries", len(entries)))
		ix, err := vector.NewFlatIndex(s.width)
		return ix, nil, err
	}

	return ix, entries, nil
}

func decodeMeta(raw []byte) ([]Entry, error) {
	var mf metaFile
	if err := json.Unmarshal(raw, &mf); err == nil && mf.Version > 0 {
		return mf.Entries, nil
	}
	// Legacy shape: a bare array of entries.
	var entries []Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return entries, nil
}

// Save persists a patient's index and metadata log, replacing any prior
// state. Both artifacts are written to temp files and renamed into place so
// a crash never leaves a half-written file. The vector count must equal the
// metadata length.
func (s *Store) Save(patientID string, ix *vector.FlatIndex, entries []Entry) error {
	if err := validatePatientID(patientID); err != nil {
		return err
	}
	if ix.Count() != len(entries) {
		return fmt.Errorf("refusing save for %s: %d vectors but %d metadata entries",
			patientID, ix.Count(), len(entries))
	}
	indexPath, metaPath := s.paths(patientID)

	var indexBuf bytes.Buffer
	if err := ix.Save(&indexBuf); err != nil {
		return fmt.Errorf("serialize index for %s: %w", patientID, err)
	}
	if entries == nil {
		entries = []Entry{}
	}
	metaRaw, err := json.MarshalIndent(metaFile{Version: metaVersion, Entries: entries}, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize metadata for %s: %w", patientID, err)
	}

	if err := writeAtomic(indexPath, indexBuf.Bytes()); err != nil {
		return fmt.Errorf("write index for %s: %w", patientID, err)
	}
	if err := writeAtomic(metaPath, metaRaw); err != nil {
		return fmt.Errorf("write metadata for %s: %w", patientID, err)
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}
