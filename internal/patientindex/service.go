package patientindex

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/karteio/karte/internal/chunker"
	"github.com/karteio/karte/internal/embedding"
	"github.com/karteio/karte/internal/vector"
)

// ScoredEntry is an Entry plus the squared Euclidean distance reported by the
// index, for caller-side relevance filtering.
type ScoredEntry struct {
	Entry
	Distance float32 `json:"distance"`
}

// Stats reports a patient index's vector count and metadata length. The two
// are kept equal; a difference means the store had to self-heal.
type Stats struct {
	PatientID   string `json:"patient_id"`
	Vectors     int    `json:"ntotal_vectors"`
	MetadataLen int    `json:"metadata_len"`
}

// Service implements the indexing and query operations over per-patient
// stores. Every operation loads the patient's state fresh from disk and, for
// mutations, rewrites it. A per-patient mutex serializes the
// load-mutate-save sequence so two concurrent writers for the same patient
// cannot lose each other's appends; distinct patients proceed in parallel.
type Service struct {
	store    *Store
	embedder embedding.Embedder
	chunker  *chunker.Chunker
	logger   *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewService creates the indexing/query service. The embedder handle is
// shared and must be safe for concurrent use.
func NewService(store *Store, emb embedding.Embedder, ck *chunker.Chunker, logger *zap.Logger) *Service {
	return &Service{
		store:    store,
		embedder: emb,
		chunker:  ck,
		logger:   logger,
		locks:    make(map[string]*sync.Mutex),
	}
}

// lock returns the mutex for patientID, creating it on first use.
func (s *Service) lock(patientID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[patientID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[patientID] = l
	}
	return l
}

// AddText chunks text, embeds every chunk, unifies the embeddings to the
// store width, and appends them with text metadata records. Text that yields
// no chunks is a silent no-op: the store is not touched.
func (s *Service) AddText(ctx context.Context, patientID string, reportID int64, text string) error {
	chunks := s.chunker.Split(text)
	if len(chunks) == 0 {
		return nil
	}

	embs, err := s.embedder.EmbedBatch(ctx, chunks)
	if err != nil {
		return fmt.Errorf("embed %d chunks: %w", len(chunks), err)
	}

	l := s.lock(patientID)
	l.Lock()
	defer l.Unlock()

	ix, entries, err := s.store.Load(patientID)
	if err != nil {
		return err
	}
	for i, chunk := range chunks {
		if err := ix.Add(vector.Unify(embs[i], s.store.Width())); err != nil {
			return err
		}
		entries = append(entries, Entry{
			ChunkID:  len(entries),
			ReportID: reportID,
			Type:     TypeText,
			Text:     chunk,
		})
	}
	if err := s.store.Save(patientID, ix, entries); err != nil {
		return err
	}
	s.logger.Debug("indexed text chunks",
		zap.String("patient_id", patientID), zap.Int64("report_id", reportID),
		zap.Int("chunks", len(chunks)), zap.Int("total", len(entries)))
	return nil
}

// AddImage unifies a single externally produced image embedding and appends
// it with an image metadata record. A nil or empty embedding is a silent no-op.
func (s *Service) AddImage(ctx context.Context, patientID string, reportID int64, emb []float32) error {
	if len(emb) == 0 {
		return nil
	}

	l := s.lock(patientID)
	l.Lock()
	defer l.Unlock()

	ix, entries, err := s.store.Load(patientID)
	if err != nil {
		return err
	}
	if err := ix.Add(vector.Unify(emb, s.store.Width())); err != nil {
		return err
	}
	entries = append(entries, Entry{
		ChunkID:  len(entries),
		ReportID: reportID,
		Type:     TypeImage,
		Text:     ImagePlaceholder,
	})
	if err := s.store.Save(patientID, ix, entries); err != nil {
		return err
	}
	s.logger.Debug("indexed image embedding",
		zap.String("patient_id", patientID), zap.Int64("report_id", reportID),
		zap.Int("total", len(entries)))
	return nil
}

// SearchText embeds a text query and returns the topK nearest metadata
// records, ranked by ascending distance. An absent or empty patient index
// returns no results, never an error.
func (s *Service) SearchText(ctx context.Context, patientID, query string, topK int) ([]Entry, error) {
	emb, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	scored, err := s.SearchVector(ctx, patientID, emb, topK)
	if err != nil {
		return nil, err
	}
	results := make([]Entry, len(scored))
	for i, r := range scored {
		results[i] = r.Entry
	}
	return results, nil
}

// SearchVector runs a nearest-neighbor search with a caller-supplied
// embedding of any native width, enabling image-to-text and image-to-image
// retrieval across the unified space. Positions outside the metadata log are
// dropped as a defense against index/metadata skew.
func (s *Service) SearchVector(ctx context.Context, patientID string, emb []float32, topK int) ([]ScoredEntry, error) {
	if len(emb) == 0 {
		return nil, fmt.Errorf("empty query vector")
	}

	l := s.lock(patientID)
	ix, entries, err := func() (*vector.FlatIndex, []Entry, error) {
		l.Lock()
		defer l.Unlock()
		return s.store.Load(patientID)
	}()
	if err != nil {
		return nil, err
	}
	if ix.Count() == 0 || len(entries) == 0 {
		return nil, nil
	}

	matches, err := ix.Search(vector.Unify(emb, s.store.Width()), topK)
	if err != nil {
		return nil, err
	}
	var results []ScoredEntry
	for _, m := range matches {
		if m.Position < 0 || m.Position >= len(entries) {
			continue
		}
		results = append(results, ScoredEntry{Entry: entries[m.Position], Distance: m.Distance})
	}
	return results, nil
}

// Stats returns a patient index's vector count and metadata length, used to
// detect count/length drift without failing callers.
func (s *Service) Stats(patientID string) (Stats, error) {
	l := s.lock(patientID)
	l.Lock()
	defer l.Unlock()

	ix, entries, err := s.store.Load(patientID)
	if err != nil {
		return Stats{}, err
	}
	return Stats{PatientID: patientID, Vectors: ix.Count(), MetadataLen: len(entries)}, nil
}
