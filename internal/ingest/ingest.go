// Package ingest runs the report intake pipeline: persist the upload,
// extract and clean its text, record it relationally, and feed both the
// vector and keyword indexes.
package ingest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/karteio/karte/internal/extract"
	"github.com/karteio/karte/internal/keyword"
	"github.com/karteio/karte/internal/models"
	"github.com/karteio/karte/internal/patientindex"
	"github.com/karteio/karte/internal/storage"
)

// ErrInvalidInput marks intake failures caused by the submission itself
// (unusable file type, missing embedding, empty lab payload) as opposed to
// storage or index faults.
var ErrInvalidInput = errors.New("invalid report input")

// Pipeline ties report intake together. All writes go through it so the
// relational row, the stored file, and the indexes stay in step.
type Pipeline struct {
	store      storage.Storage
	index      *patientindex.Service
	keyword    keyword.Index
	extractor  *extract.Extractor
	reportsDir string
	logger     *zap.Logger
}

// NewPipeline creates an ingest pipeline storing uploads under reportsDir.
func NewPipeline(store storage.Storage, index *patientindex.Service, kw keyword.Index, reportsDir string, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		store:      store,
		index:      index,
		keyword:    kw,
		extractor:  extract.NewExtractor(),
		reportsDir: reportsDir,
		logger:     logger,
	}
}

// ContentHash returns the SHA-256 hex digest of content. The hash keys
// per-patient duplicate detection.
func ContentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func isImageExt(ext string) bool {
	switch ext {
	case ".png", ".jpg", ".jpeg":
		return true
	}
	return false
}

// IngestFile processes one uploaded report file for a patient. The patient
// row is created on first contact. A file whose content hash already exists
// for the patient is rejected with storage.ErrDuplicateReport before
// anything is written.
//
// Image files carry no extractable text here; the caller must supply the
// image embedding, which is indexed with a placeholder metadata entry.
func (p *Pipeline) IngestFile(ctx context.Context, patientID, filename string, content []byte, imageVec []float32) (*models.Report, error) {
	if _, err := p.store.EnsurePatient(ctx, patientID); err != nil {
		return nil, err
	}

	hash := ContentHash(content)
	if _, err := p.store.FindReportByHash(ctx, patientID, hash); err == nil {
		return nil, storage.ErrDuplicateReport
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("check duplicate: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(filename))
	if !isImageExt(ext) && !p.extractor.Supported(ext) {
		return nil, fmt.Errorf("%w: unsupported file type %q", ErrInvalidInput, ext)
	}
	if isImageExt(ext) && len(imageVec) == 0 {
		return nil, fmt.Errorf("%w: image report requires an embedding", ErrInvalidInput)
	}

	storedPath, err := p.saveUpload(patientID, ext, content)
	if err != nil {
		return nil, err
	}

	report := &models.Report{
		PatientID:   patientID,
		FilePath:    storedPath,
		ContentHash: hash,
	}

	switch {
	case isImageExt(ext):
		report.ReportType = models.ReportImage

	case ext == ".json" || ext == ".csv":
		raw, err := p.extractor.ExtractBytes(content, ext)
		if err != nil {
			return nil, fmt.Errorf("%w: extract lab data: %v", ErrInvalidInput, err)
		}
		report.ReportType = models.ReportLab
		report.ParsedText = "Structured lab report\n\n" + raw

	default:
		raw, err := p.extractor.ExtractBytes(content, ext)
		if err != nil {
			return nil, fmt.Errorf("%w: extract text: %v", ErrInvalidInput, err)
		}
		report.ReportType = models.ReportText
		report.ParsedText = extract.CleanMedicalText(raw)
	}

	if err := p.store.CreateReport(ctx, report); err != nil {
		return nil, err
	}

	if report.ReportType == models.ReportImage {
		if err := p.index.AddImage(ctx, patientID, report.ID, imageVec); err != nil {
			return nil, fmt.Errorf("index image: %w", err)
		}
	} else if report.ParsedText != "" {
		if err := p.indexText(ctx, report); err != nil {
			return nil, err
		}
	}

	p.logger.Info("report ingested",
		zap.String("patient_id", patientID),
		zap.Int64("report_id", report.ID),
		zap.String("report_type", report.ReportType))
	return report, nil
}

// IngestLabJSON records a structured lab result submitted without a file.
func (p *Pipeline) IngestLabJSON(ctx context.Context, patientID string, values map[string]float64) (*models.Report, error) {
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: lab report has no values", ErrInvalidInput)
	}
	if _, err := p.store.EnsurePatient(ctx, patientID); err != nil {
		return nil, err
	}

	report := &models.Report{
		PatientID:     patientID,
		ReportType:    models.ReportLab,
		ExtractedData: values,
		ParsedText:    "Structured lab report\n\n" + formatLabValues(values),
		FilePath:      fmt.Sprintf("lab://%s/%s", patientID, time.Now().UTC().Format(time.RFC3339)),
	}
	if err := p.store.CreateReport(ctx, report); err != nil {
		return nil, err
	}
	if err := p.indexText(ctx, report); err != nil {
		return nil, err
	}
	return report, nil
}

// ImportLabCSV bulk-imports lab results. Each row needs a patient_id column;
// every other non-empty numeric column becomes a lab value. Rows without a
// patient ID are skipped. Returns the number of reports created.
func (p *Pipeline) ImportLabCSV(ctx context.Context, content []byte) (int, error) {
	rows, err := parseCSV(content)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	created := 0
	for _, row := range rows {
		patientID := row["patient_id"]
		if patientID == "" {
			continue
		}
		values := make(map[string]float64)
		for k, v := range row {
			if k == "patient_id" || v == "" {
				continue
			}
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				continue
			}
			values[k] = f
		}

		if _, err := p.store.EnsurePatient(ctx, patientID); err != nil {
			return created, err
		}
		report := &models.Report{
			PatientID:     patientID,
			ReportType:    models.ReportLab,
			ExtractedData: values,
			ParsedText:    formatLabValues(values),
			FilePath:      fmt.Sprintf("labcsv://%s/%s", patientID, time.Now().UTC().Format(time.RFC3339)),
		}
		if err := p.store.CreateReport(ctx, report); err != nil {
			return created, err
		}
		if err := p.indexText(ctx, report); err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}

// DeleteReport removes a report's relational row and keyword entry. Vector
// index entries are left in place; the per-patient index is append-only.
func (p *Pipeline) DeleteReport(ctx context.Context, reportID int64) error {
	report, err := p.store.GetReport(ctx, reportID)
	if err != nil {
		return err
	}
	if err := p.store.DeleteReport(ctx, reportID); err != nil {
		return err
	}
	if err := p.keyword.Delete(ctx, reportID); err != nil {
		p.logger.Warn("keyword delete failed", zap.Int64("report_id", reportID), zap.Error(err))
	}
	if report.FilePath != "" && !strings.Contains(report.FilePath, "://") {
		if err := os.Remove(report.FilePath); err != nil && !os.IsNotExist(err) {
			p.logger.Warn("stored file removal failed", zap.String("path", report.FilePath), zap.Error(err))
		}
	}
	return nil
}

// indexText feeds a report's parsed text to both indexes.
func (p *Pipeline) indexText(ctx context.Context, report *models.Report) error {
	if err := p.index.AddText(ctx, report.PatientID, report.ID, report.ParsedText); err != nil {
		return fmt.Errorf("index text: %w", err)
	}
	doc := &keyword.ReportDoc{
		PatientID:  report.PatientID,
		ReportType: report.ReportType,
		Content:    report.ParsedText,
	}
	if err := p.keyword.Index(ctx, report.ID, doc); err != nil {
		p.logger.Warn("keyword indexing failed", zap.Int64("report_id", report.ID), zap.Error(err))
	}
	return nil
}

// saveUpload writes the raw upload under reportsDir/<patientID>/ with a
// random name so original filenames cannot collide or escape the directory.
func (p *Pipeline) saveUpload(patientID, ext string, content []byte) (string, error) {
	dir := filepath.Join(p.reportsDir, patientID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create patient directory: %w", err)
	}
	path := filepath.Join(dir, uuid.New().String()+ext)
	if err := os.WriteFile(path, content, 0644); err != nil {
		return "", fmt.Errorf("store upload: %w", err)
	}
	return path, nil
}

// parseCSV reads header-keyed rows from CSV content.
func parseCSV(content []byte) ([]map[string]string, error) {
	r := csv.NewReader(bytes.NewReader(content))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse CSV: %w", err)
	}
	if len(records) < 2 {
		return nil, nil
	}
	header := records[0]
	rows := make([]map[string]string, 0, len(records)-1)
	for _, record := range records[1:] {
		row := make(map[string]string, len(header))
		for i, field := range record {
			if i >= len(header) {
				break
			}
			row[header[i]] = field
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func formatLabValues(values map[string]float64) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s: %v", k, values[k]))
	}
	return strings.Join(lines, "\n")
}
