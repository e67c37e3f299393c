// Package storage provides relational persistence for patients, reports,
// and chat history.
package storage

import (
	"context"
	"errors"

	"github.com/karteio/karte/internal/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateReport is returned when a report with the same content hash
// already exists for the patient.
var ErrDuplicateReport = errors.New("duplicate report for patient")

// ErrDuplicatePatient is returned when registering a patient ID that is
// already taken.
var ErrDuplicatePatient = errors.New("patient ID already exists")

// Storage defines the relational operations the services depend on.
type Storage interface {
	CreatePatient(ctx context.Context, p *models.Patient) error
	EnsurePatient(ctx context.Context, patientID string) (*models.Patient, error)
	GetPatient(ctx context.Context, patientID string) (*models.Patient, error)
	ListPatients(ctx context.Context) ([]*models.Patient, error)

	CreateReport(ctx context.Context, report *models.Report) error
	GetReport(ctx context.Context, id int64) (*models.Report, error)
	ListReportsByPatient(ctx context.Context, patientID string) ([]*models.Report, error)
	ListLabReports(ctx context.Context, patientID string) ([]*models.Report, error)
	FindReportByHash(ctx context.Context, patientID, contentHash string) (*models.Report, error)
	DeleteReport(ctx context.Context, id int64) error
	CountReports(ctx context.Context) (int, error)
	CountPatients(ctx context.Context) (int, error)

	AddChatEntry(ctx context.Context, entry *models.ChatEntry) error

	Close() error
}
