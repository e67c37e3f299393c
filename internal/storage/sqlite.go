package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/karteio/karte/internal/models"
)

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens or creates a SQLite database at dbPath and
// initializes the schema. Parent directories are created if needed.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &SQLiteStorage{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS patients (
		patient_id TEXT PRIMARY KEY,
		name TEXT,
		dob TEXT,
		gender TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS reports (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		patient_id TEXT NOT NULL,
		report_type TEXT NOT NULL,
		parsed_text TEXT,
		extracted_data TEXT,
		file_path TEXT,
		content_hash TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (patient_id) REFERENCES patients(patient_id)
	);

	CREATE INDEX IF NOT EXISTS idx_reports_patient ON reports(patient_id);
	CREATE INDEX IF NOT EXISTS idx_reports_patient_hash ON reports(patient_id, content_hash);

	CREATE TABLE IF NOT EXISTS chat_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		patient_id TEXT NOT NULL,
		question TEXT NOT NULL,
		answer TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_chat_patient ON chat_history(patient_id);
	`
	_, err := db.Exec(schema)
	return err
}

// EnsurePatient returns the patient row, creating a placeholder record on
// first contact so reports can be uploaded before demographics are known.
func (s *SQLiteStorage) EnsurePatient(ctx context.Context, patientID string) (*models.Patient, error) {
	p, err := s.GetPatient(ctx, patientID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	p = &models.Patient{
		PatientID: patientID,
		Name:      "Patient " + patientID,
		DOB:       "01/01/2000",
		Gender:    "Unknown",
		CreatedAt: time.Now(),
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO patients (patient_id, name, dob, gender, created_at) VALUES (?, ?, ?, ?, ?)`,
		p.PatientID, p.Name, p.DOB, p.Gender, p.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create patient %s: %w", patientID, err)
	}
	return p, nil
}

// CreatePatient registers a patient with their demographics. An existing
// patient ID is rejected with ErrDuplicatePatient.
func (s *SQLiteStorage) CreatePatient(ctx context.Context, p *models.Patient) error {
	if _, err := s.GetPatient(ctx, p.PatientID); err == nil {
		return fmt.Errorf("patient %s: %w", p.PatientID, ErrDuplicatePatient)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO patients (patient_id, name, dob, gender, created_at) VALUES (?, ?, ?, ?, ?)`,
		p.PatientID, p.Name, p.DOB, p.Gender, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create patient %s: %w", p.PatientID, err)
	}
	return nil
}

// ListPatients returns all patients ordered by ID.
func (s *SQLiteStorage) ListPatients(ctx context.Context) ([]*models.Patient, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT patient_id, name, dob, gender, created_at FROM patients ORDER BY patient_id`)
	if err != nil {
		return nil, fmt.Errorf("list patients: %w", err)
	}
	defer rows.Close()

	var patients []*models.Patient
	for rows.Next() {
		var p models.Patient
		if err := rows.Scan(&p.PatientID, &p.Name, &p.DOB, &p.Gender, &p.CreatedAt); err != nil {
			return nil, err
		}
		patients = append(patients, &p)
	}
	return patients, rows.Err()
}

// GetPatient returns a patient by ID.
func (s *SQLiteStorage) GetPatient(ctx context.Context, patientID string) (*models.Patient, error) {
	var p models.Patient
	err := s.db.QueryRowContext(ctx,
		`SELECT patient_id, name, dob, gender, created_at FROM patients WHERE patient_id = ?`,
		patientID,
	).Scan(&p.PatientID, &p.Name, &p.DOB, &p.Gender, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("patient %s: %w", patientID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateReport inserts a report and fills in its assigned ID and timestamp.
func (s *SQLiteStorage) CreateReport(ctx context.Context, r *models.Report) error {
	var extracted any
	if r.ExtractedData != nil {
		raw, err := json.Marshal(r.ExtractedData)
		if err != nil {
			return fmt.Errorf("marshal extracted data: %w", err)
		}
		extracted = string(raw)
	}
	r.CreatedAt = time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO reports (patient_id, report_type, parsed_text, extracted_data, file_path, content_hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.PatientID, r.ReportType, r.ParsedText, extracted, r.FilePath, r.ContentHash, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	r.ID, err = res.LastInsertId()
	return err
}

func scanReport(row interface{ Scan(...any) error }) (*models.Report, error) {
	var r models.Report
	var extracted sql.NullString
	err := row.Scan(&r.ID, &r.PatientID, &r.ReportType, &r.ParsedText, &extracted,
		&r.FilePath, &r.ContentHash, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	if extracted.Valid && extracted.String != "" {
		if err := json.Unmarshal([]byte(extracted.String), &r.ExtractedData); err != nil {
			return nil, fmt.Errorf("unmarshal extracted data: %w", err)
		}
	}
	return &r, nil
}

const reportColumns = `id, patient_id, report_type, parsed_text, extracted_data, file_path, content_hash, created_at`

// GetReport returns a report by ID.
func (s *SQLiteStorage) GetReport(ctx context.Context, id int64) (*models.Report, error) {
	r, err := scanReport(s.db.QueryRowContext(ctx,
		`SELECT `+reportColumns+` FROM reports WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("report %d: %w", id, ErrNotFound)
	}
	return r, err
}

func (s *SQLiteStorage) listReports(ctx context.Context, query string, args ...any) ([]*models.Report, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reports []*models.Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

// ListReportsByPatient returns a patient's reports, newest first.
func (s *SQLiteStorage) ListReportsByPatient(ctx context.Context, patientID string) ([]*models.Report, error) {
	return s.listReports(ctx,
		`SELECT `+reportColumns+` FROM reports WHERE patient_id = ? ORDER BY created_at DESC`, patientID)
}

// ListLabReports returns a patient's lab reports, newest first. Used as chat
// context fallback when the vector index has nothing for a patient.
func (s *SQLiteStorage) ListLabReports(ctx context.Context, patientID string) ([]*models.Report, error) {
	return s.listReports(ctx,
		`SELECT `+reportColumns+` FROM reports WHERE patient_id = ? AND report_type = 'lab' ORDER BY created_at DESC`,
		patientID)
}

// FindReportByHash returns the patient's report with the given content hash,
// or ErrNotFound.
func (s *SQLiteStorage) FindReportByHash(ctx context.Context, patientID, contentHash string) (*models.Report, error) {
	r, err := scanReport(s.db.QueryRowContext(ctx,
		`SELECT `+reportColumns+` FROM reports WHERE patient_id = ? AND content_hash = ? LIMIT 1`,
		patientID, contentHash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// DeleteReport removes a report row. Index entries for the report are not
// removed; the patient index is append-only.
func (s *SQLiteStorage) DeleteReport(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM reports WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("report %d: %w", id, ErrNotFound)
	}
	return nil
}

// CountReports returns the total number of reports.
func (s *SQLiteStorage) CountReports(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reports`).Scan(&n)
	return n, err
}

// CountPatients returns the total number of patients.
func (s *SQLiteStorage) CountPatients(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM patients`).Scan(&n)
	return n, err
}

// AddChatEntry appends a question/answer exchange to the audit log.
func (s *SQLiteStorage) AddChatEntry(ctx context.Context, e *models.ChatEntry) error {
	e.CreatedAt = time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_history (patient_id, question, answer, created_at) VALUES (?, ?, ?, ?)`,
		e.PatientID, e.Question, e.Answer, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert chat entry: %w", err)
	}
	e.ID, err = res.LastInsertId()
	return err
}

// Close closes the database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
