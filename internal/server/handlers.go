package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/karteio/karte/internal/chat"
	"github.com/karteio/karte/internal/embedding"
	"github.com/karteio/karte/internal/ingest"
	"github.com/karteio/karte/internal/llm"
	"github.com/karteio/karte/internal/models"
	"github.com/karteio/karte/internal/patientindex"
	"github.com/karteio/karte/internal/storage"
)

const maxUploadBytes = 64 << 20

// handleUploadReport accepts a multipart report upload: a patient_id field
// and a file. Image files additionally need an image_embedding field holding
// a JSON float array.
func (s *Server) handleUploadReport(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	patientID := r.FormValue("patient_id")
	if patientID == "" {
		s.respondError(w, http.StatusBadRequest, "patient_id is required")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()
	content, err := io.ReadAll(file)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "failed to read file")
		return
	}

	var imageVec []float32
	if raw := r.FormValue("image_embedding"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &imageVec); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid image_embedding")
			return
		}
	}

	s.logger.Debug("upload request",
		zap.String("patient_id", patientID), zap.String("filename", header.Filename))

	report, err := s.pipeline.IngestFile(r.Context(), patientID, header.Filename, content, imageVec)
	if err != nil {
		s.respondIngestError(w, err)
		return
	}

	// Image uploads return the text chunks nearest the image vector, so the
	// caller sees which written findings the image sits close to.
	if report.ReportType == models.ReportImage {
		related, err := s.index.SearchVector(r.Context(), patientID, imageVec, s.config.Search.TopK)
		if err != nil {
			s.logger.Warn("related-chunk lookup failed",
				zap.String("patient_id", patientID), zap.Error(err))
		}
		textOnly := make([]patientindex.ScoredEntry, 0, len(related))
		for _, se := range related {
			if se.Entry.Type == patientindex.TypeText {
				textOnly = append(textOnly, se)
			}
		}
		s.respondJSON(w, http.StatusCreated, map[string]any{
			"report":         report,
			"related_chunks": textOnly,
		})
		return
	}
	s.respondJSON(w, http.StatusCreated, report)
}

// handleLabReport records a structured lab result without a file.
func (s *Server) handleLabReport(w http.ResponseWriter, r *http.Request) {
	var input struct {
		PatientID string             `json:"patient_id"`
		Values    map[string]float64 `json:"values"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if input.PatientID == "" {
		s.respondError(w, http.StatusBadRequest, "patient_id is required")
		return
	}
	report, err := s.pipeline.IngestLabJSON(r.Context(), input.PatientID, input.Values)
	if err != nil {
		s.respondIngestError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, report)
}

// handleImportCSV bulk-imports lab rows from an uploaded CSV file.
func (s *Server) handleImportCSV(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()
	content, err := io.ReadAll(file)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "failed to read file")
		return
	}

	created, err := s.pipeline.ImportLabCSV(r.Context(), content)
	if err != nil {
		s.logger.Error("CSV import failed", zap.Error(err))
		s.respondIngestError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"message":         "CSV lab import completed",
		"reports_created": created,
	})
}

func (s *Server) handleDeleteReport(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid report id")
		return
	}
	if err := s.pipeline.DeleteReport(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "report not found")
			return
		}
		s.logger.Error("deletion failed", zap.Int64("report_id", id), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleCreatePatient registers a patient with their demographics, ahead of
// any report upload.
func (s *Server) handleCreatePatient(w http.ResponseWriter, r *http.Request) {
	var input struct {
		PatientID string `json:"patient_id"`
		Name      string `json:"name"`
		DOB       string `json:"dob"`
		Gender    string `json:"gender"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if input.PatientID == "" {
		s.respondError(w, http.StatusBadRequest, "patient_id is required")
		return
	}

	patient := &models.Patient{
		PatientID: input.PatientID,
		Name:      input.Name,
		DOB:       input.DOB,
		Gender:    input.Gender,
	}
	if err := s.storage.CreatePatient(r.Context(), patient); err != nil {
		if errors.Is(err, storage.ErrDuplicatePatient) {
			s.respondError(w, http.StatusBadRequest, "patient ID already exists")
			return
		}
		s.logger.Error("create patient failed", zap.String("patient_id", input.PatientID), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "failed to create patient")
		return
	}
	s.respondJSON(w, http.StatusCreated, patient)
}

func (s *Server) handleListPatients(w http.ResponseWriter, r *http.Request) {
	patients, err := s.storage.ListPatients(r.Context())
	if err != nil {
		s.logger.Error("list patients failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if patients == nil {
		patients = []*models.Patient{}
	}
	s.respondJSON(w, http.StatusOK, patients)
}

func (s *Server) handleGetPatient(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "patientID")
	patient, err := s.storage.GetPatient(r.Context(), patientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "patient not found")
			return
		}
		s.logger.Error("get patient failed", zap.String("patient_id", patientID), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, patient)
}

// handlePatientAnalytics serves lab trends, risk grade, and per-modality
// analytics for one patient.
func (s *Server) handlePatientAnalytics(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "patientID")
	result, err := s.analytics.ForPatient(r.Context(), patientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "patient not found")
			return
		}
		s.logger.Error("patient analytics failed", zap.String("patient_id", patientID), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

func (s *Server) handlePopulationAnalytics(w http.ResponseWriter, r *http.Request) {
	result, err := s.analytics.ForPopulation(r.Context())
	if err != nil {
		s.logger.Error("population analytics failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "patientID")
	reports, err := s.storage.ListReportsByPatient(r.Context(), patientID)
	if err != nil {
		s.logger.Error("list reports failed", zap.String("patient_id", patientID), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, reports)
}

// handleSearch runs semantic retrieval over one patient's index.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "patientID")
	query := r.URL.Query().Get("query")
	if query == "" {
		s.respondError(w, http.StatusBadRequest, "query is required")
		return
	}
	topK := s.config.Search.TopK
	if v := r.URL.Query().Get("top_k"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.respondError(w, http.StatusBadRequest, "invalid top_k")
			return
		}
		topK = n
	}

	results, err := s.index.SearchText(r.Context(), patientID, query, topK)
	if err != nil {
		if errors.Is(err, embedding.ErrUnavailable) {
			s.respondError(w, http.StatusServiceUnavailable, "embedding backend unavailable")
			return
		}
		s.logger.Error("search failed", zap.String("patient_id", patientID), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"patient_id": patientID,
		"query":      query,
		"results":    results,
	})
}

// handleKeywordSearch runs exact-term search over one patient's reports.
func (s *Server) handleKeywordSearch(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "patientID")
	query := r.URL.Query().Get("query")
	if query == "" {
		s.respondError(w, http.StatusBadRequest, "query is required")
		return
	}
	limit := s.config.Search.TopK
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	results, err := s.keyword.Search(r.Context(), patientID, query, limit)
	if err != nil {
		s.logger.Error("keyword search failed", zap.String("patient_id", patientID), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"patient_id": patientID,
		"query":      query,
		"results":    results,
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "patientID")
	var input struct {
		Question string `json:"question"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	entry, err := s.chat.Ask(r.Context(), patientID, input.Question)
	if err != nil {
		s.respondChatError(w, patientID, err)
		return
	}
	s.respondJSON(w, http.StatusOK, entry)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "patientID")
	audience := chat.Audience(chi.URLParam(r, "audience"))

	summary, err := s.chat.Summarize(r.Context(), patientID, audience)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "patient not found")
			return
		}
		if errors.Is(err, llm.ErrUnavailable) {
			s.respondError(w, http.StatusServiceUnavailable, "LLM temporarily unavailable. Please try again.")
			return
		}
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{
		"patient_id":   patientID,
		"summary_type": string(audience),
		"summary":      summary,
	})
}

func (s *Server) handleIndexStats(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "patientID")
	stats, err := s.index.Stats(patientID)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	patientCount, err := s.storage.CountPatients(ctx)
	if err != nil {
		s.logger.Error("status: count patients failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	reportCount, err := s.storage.CountReports(ctx)
	if err != nil {
		s.logger.Error("status: count reports failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	keywordDocs, err := s.keyword.DocCount()
	if err != nil {
		s.logger.Error("status: keyword doc count failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"patients":     patientCount,
		"reports":      reportCount,
		"keyword_docs": keywordDocs,
		"config": map[string]any{
			"vector_width":  s.config.Embedding.UnifiedWidth(),
			"chunk_size":    s.config.Search.ChunkSize,
			"chunk_overlap": s.config.Search.ChunkOverlap,
			"llm_model":     s.config.LLM.Model,
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// respondIngestError maps pipeline failures to HTTP statuses.
func (s *Server) respondIngestError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrDuplicateReport):
		s.respondError(w, http.StatusBadRequest, "duplicate report detected for this patient")
	case errors.Is(err, embedding.ErrUnavailable):
		s.respondError(w, http.StatusServiceUnavailable, "embedding backend unavailable")
	case errors.Is(err, ingest.ErrInvalidInput):
		s.respondError(w, http.StatusBadRequest, err.Error())
	default:
		// Storage or index fault, not a problem with the submission.
		s.logger.Error("ingest failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "failed to store report")
	}
}

func (s *Server) respondChatError(w http.ResponseWriter, patientID string, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.respondError(w, http.StatusNotFound, "patient not found")
	case errors.Is(err, llm.ErrUnavailable):
		s.respondError(w, http.StatusServiceUnavailable, "LLM temporarily unavailable. Please try again.")
	default:
		s.logger.Error("chat failed", zap.String("patient_id", patientID), zap.Error(err))
		s.respondError(w, http.StatusBadRequest, err.Error())
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
