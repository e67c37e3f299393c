// Package keyword provides full-text keyword search over report text,
// complementing the vector index for exact-term lookups like drug names
// and test codes.
package keyword

import "context"

// ReportDoc is the document shape indexed per report.
type ReportDoc struct {
	PatientID  string `json:"patient_id"`
	ReportType string `json:"report_type"`
	Content    string `json:"content"`
}

// Result is one keyword search hit.
type Result struct {
	ReportID int64   `json:"report_id"`
	Score    float64 `json:"score"`
}

// Index is the keyword search surface the services depend on.
type Index interface {
	Index(ctx context.Context, reportID int64, doc *ReportDoc) error
	Search(ctx context.Context, patientID, query string, limit int) ([]*Result, error)
	Delete(ctx context.Context, reportID int64) error
	DocCount() (uint64, error)
	Close() error
}
