// Package models defines the shared data structures for patients, reports,
// and chat history.
package models

import "time"

// Report types.
const (
	ReportText  = "text"
	ReportImage = "image"
	ReportLab   = "lab"
)

// Patient is a clinical record subject. PatientID is an opaque external
// identifier; every report and index entry is keyed by it.
type Patient struct {
	PatientID string    `json:"patient_id"`
	Name      string    `json:"name"`
	DOB       string    `json:"dob"`
	Gender    string    `json:"gender"`
	CreatedAt time.Time `json:"created_at"`
}

// Report is one uploaded clinical document. ParsedText holds the extracted
// and cleaned text; ExtractedData holds structured lab values when the
// report is a lab result. ContentHash is the SHA-256 of the original upload,
// used to reject duplicate uploads per patient before anything is indexed.
type Report struct {
	ID            int64              `json:"id"`
	PatientID     string             `json:"patient_id"`
	ReportType    string             `json:"report_type"`
	ParsedText    string             `json:"parsed_text"`
	ExtractedData map[string]float64 `json:"extracted_data,omitempty"`
	FilePath      string             `json:"file_path"`
	ContentHash   string             `json:"content_hash"`
	CreatedAt     time.Time          `json:"created_at"`
}

// ChatEntry is one question/answer exchange, kept for audit.
type ChatEntry struct {
	ID        int64     `json:"id"`
	PatientID string    `json:"patient_id"`
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	CreatedAt time.Time `json:"created_at"`
}
