// Package store provides storage backends for opdflow.
//
// It includes an in-memory store for tests and development plus
// SQLite- and PostgreSQL-backed stores with embedded migrations.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/opdflow/opdflow/internal/models"
)

// Store is the persistence surface consumed by the workflows and the queue
// admission engine. Absent records are reported as (nil, nil); errors are
// reserved for backend failures.
type Store interface {
	// Agent sessions: opaque JSON state blobs keyed by session identifier.
	CreateSession(ctx context.Context, kind models.AgentKind, state json.RawMessage) (string, error)
	GetSession(ctx context.Context, sessionID string) (json.RawMessage, error)
	UpdateSession(ctx context.Context, sessionID string, state json.RawMessage) error
	// FindConsultationSessionByVisit locates the newest doctor assistance
	// session whose state references the given visit.
	FindConsultationSessionByVisit(ctx context.Context, visitID string) (string, json.RawMessage, error)

	// Patients.
	GetPatientByPhone(ctx context.Context, phone string) (*models.Patient, error)
	CreatePatient(ctx context.Context, p models.Patient) error

	// Hospital catalog.
	ListHospitals(ctx context.Context) ([]models.Hospital, error)
	SearchHospitalsByDepartment(ctx context.Context, departmentName string) ([]models.Hospital, error)
	ListDepartments(ctx context.Context, hospitalID string) ([]models.Department, error)
	ListAvailableDoctorsByDepartment(ctx context.Context, departmentID string) ([]models.Doctor, error)
	ListHospitalDoctors(ctx context.Context, hospitalID, departmentName string) ([]models.Doctor, error)
	GetDoctor(ctx context.Context, doctorID string) (*models.Doctor, error)

	// Visits.
	CreateVisit(ctx context.Context, v models.Visit) error
	GetVisit(ctx context.Context, visitID string) (*models.Visit, error)
	SetVisitToken(ctx context.Context, visitID string, token int) error
	UpdateVisitStatus(ctx context.Context, visitID string, status models.VisitStatus) error

	// Doctor queues and entries. The admission engine composes these under
	// its per-(doctor, date) lock; backends only need per-call consistency.
	GetDoctorQueue(ctx context.Context, doctorID, queueDate string) (*models.DoctorQueue, error)
	CreateDoctorQueue(ctx context.Context, q models.DoctorQueue) error
	UpdateDoctorQueue(ctx context.Context, q models.DoctorQueue) error
	CountActiveEntries(ctx context.Context, queueID string) (int, error)
	CreateQueueEntry(ctx context.Context, e models.QueueEntry) error
	GetQueueEntryByVisit(ctx context.Context, queueID, visitID string) (*models.QueueEntry, error)
	UpdateQueueEntryStatus(ctx context.Context, entryID string, status models.QueueEntryStatus) error
	FirstEligibleEntry(ctx context.Context, queueID string) (*models.QueueEntry, error)

	// Consultations and prescriptions.
	GetConsultationByVisit(ctx context.Context, visitID string) (*models.Consultation, error)
	UpsertConsultationNotes(ctx context.Context, c models.Consultation) error
	CloseConsultation(ctx context.Context, visitID string, endedAt time.Time) error
	AddPrescriptionItem(ctx context.Context, visitID string, item models.PrescriptionItem) error

	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for a store backend.
type Option func(*Opts)

// WithDSN sets the backend connection string (Postgres DSN or SQLite path).
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}
