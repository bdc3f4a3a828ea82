// Package models defines the core data structures for opdflow.
//
// It includes hospital catalog entities, visit and queue records, and the
// shared validation constants and error values used across modules.
package models

import (
	"errors"
	"regexp"
	"time"
)

// Validation constants shared by the workflow and queue modules.
const (
	// MinSymptomLength is the minimum trimmed length accepted for symptom text.
	MinSymptomLength = 5
	// MaxSummaryLength caps stored symptom summaries.
	MaxSummaryLength = 300
	// ConfidenceThreshold gates whether a department suggestion is presented
	// as a confirm/override prompt or alongside the full department list.
	ConfidenceThreshold = 0.75
	// MaxReasoningItems caps classifier reasoning bullets.
	MaxReasoningItems = 3
	// MinPatientAge and MaxPatientAge bound accepted patient ages.
	MinPatientAge = 0
	MaxPatientAge = 120
	// PediatricsAgeLimit routes patients below this age to Pediatrics.
	PediatricsAgeLimit = 18
	// PediatricsDepartment is the department the age rule resolves to.
	PediatricsDepartment = "Pediatrics"
)

// Queue defaults applied when a doctor queue is lazily created.
const (
	DefaultShiftStart        = "09:00"
	DefaultShiftEnd          = "17:00"
	DefaultAvgConsultMinutes = 10
)

// PhoneNumberPattern matches exactly ten digits.
var PhoneNumberPattern = regexp.MustCompile(`^\d{10}$`)

// Error variables for better error handling and testability.
var (
	ErrSessionNotFound      = errors.New("session not found")
	ErrPatientNotFound      = errors.New("patient not found")
	ErrVisitNotFound        = errors.New("visit not found")
	ErrQueueNotFound        = errors.New("doctor queue not found")
	ErrQueueEntryNotFound   = errors.New("queue entry not found")
	ErrNotHeadOfQueue       = errors.New("visit is not the current head of queue")
	ErrEmptyStateBlob       = errors.New("state blob cannot be empty")
	ErrUnknownAgentKind     = errors.New("unknown agent kind")
	ErrDelegateUnavailable  = errors.New("delegate unavailable")
	ErrMalformedDelegateMsg = errors.New("malformed delegate response")
)

// AgentKind identifies which workflow owns a persisted session blob.
type AgentKind string

const (
	AgentRegistration AgentKind = "registration_agent"
	AgentConsultation AgentKind = "doctor_assistance_agent"
	AgentChatbot      AgentKind = "chatbot_orchestrator"
	AgentQueue        AgentKind = "queue_agent"
)

// IsValidAgentKind checks if the given agent kind is supported.
func IsValidAgentKind(k AgentKind) bool {
	switch k {
	case AgentRegistration, AgentConsultation, AgentChatbot, AgentQueue:
		return true
	default:
		return false
	}
}

// Hospital is a catalog entry for a registered hospital.
type Hospital struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Location string `json:"location"`
	IsActive bool   `json:"is_active"`
}

// Department belongs to one hospital; names are unique per hospital.
type Department struct {
	ID         string `json:"id"`
	HospitalID string `json:"hospital_id"`
	Name       string `json:"name"`
}

// Doctor is a catalog entry scoped to a hospital and department.
type Doctor struct {
	ID             string `json:"id"`
	HospitalID     string `json:"hospital_id"`
	DepartmentID   string `json:"department_id"`
	Name           string `json:"name"`
	Specialization string `json:"specialization"`
	IsAvailable    bool   `json:"is_available"`
}

// Patient is a registered patient record.
type Patient struct {
	ID            string    `json:"id"`
	FullName      string    `json:"full_name"`
	Age           int       `json:"age"`
	ContactNumber string    `json:"contact_number"`
	CreatedAt     time.Time `json:"created_at"`
}

// VisitStatus tracks the lifecycle of a visit record.
type VisitStatus string

const (
	VisitScheduled      VisitStatus = "scheduled"
	VisitInConsultation VisitStatus = "in_consultation"
	VisitCompleted      VisitStatus = "completed"
)

// Visit is one patient-doctor encounter created by the registration flow.
type Visit struct {
	ID              string      `json:"id"`
	PatientID       string      `json:"patient_id"`
	DoctorID        string      `json:"doctor_id"`
	SymptomsSummary string      `json:"symptoms_summary,omitempty"`
	TokenNumber     int         `json:"token_number,omitempty"`
	Status          VisitStatus `json:"status"`
	CreatedAt       time.Time   `json:"created_at"`
}

// QueueEntryStatus enumerates the states a queue entry moves through.
type QueueEntryStatus string

const (
	EntryWaiting        QueueEntryStatus = "waiting"
	EntryPresent        QueueEntryStatus = "present"
	EntryInConsultation QueueEntryStatus = "in_consultation"
	EntryCompleted      QueueEntryStatus = "completed"
	EntrySkipped        QueueEntryStatus = "skipped"
)

// IsActiveEntryStatus reports whether the status counts toward queue capacity.
func IsActiveEntryStatus(s QueueEntryStatus) bool {
	switch s {
	case EntryWaiting, EntryPresent, EntryInConsultation:
		return true
	default:
		return false
	}
}

// QueueEntry is one admitted visit in a doctor's daily queue. Token numbers
// are strictly increasing and unique per (doctor, date); at most one entry
// exists per visit per queue.
type QueueEntry struct {
	ID          string           `json:"id"`
	QueueID     string           `json:"queue_id"`
	VisitID     string           `json:"visit_id"`
	TokenNumber int              `json:"token_number"`
	Position    int              `json:"position"`
	Status      QueueEntryStatus `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// DoctorQueue is the queue agent's state for one (doctor, date) scope.
// QueueOpen only ever transitions true to false within a day; the admission
// engine never reopens it. CurrentToken is non-decreasing.
type DoctorQueue struct {
	ID                string    `json:"id"`
	DoctorID          string    `json:"doctor_id"`
	QueueDate         string    `json:"queue_date"`        // YYYY-MM-DD
	ShiftStart        string    `json:"shift_start_time"`  // HH:MM
	ShiftEnd          string    `json:"shift_end_time"`    // HH:MM
	AvgConsultMinutes int       `json:"avg_consult_time_minutes"`
	QueueOpen         bool      `json:"queue_open"`
	CurrentToken      int       `json:"current_token"`
	CurrentVisitID    string    `json:"current_visit_id,omitempty"`
	LastEventType     string    `json:"last_event_type,omitempty"`
	LastEventReason   string    `json:"last_event_reason,omitempty"`
	LastUpdatedBy     string    `json:"last_updated_by,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Consultation is the clinical record for a visit; one per visit.
type Consultation struct {
	ID        string     `json:"id"`
	VisitID   string     `json:"visit_id"`
	DoctorID  string     `json:"doctor_id"`
	PatientID string     `json:"patient_id"`
	Notes     string     `json:"notes,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// PrescriptionItem is one prescribed medicine on a visit.
type PrescriptionItem struct {
	MedicineName string `json:"medicine_name"`
	Dosage       string `json:"dosage,omitempty"`
	Frequency    string `json:"frequency,omitempty"`
	DurationDays *int   `json:"duration_days,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// LabOrderItem is one ordered lab test on a visit.
type LabOrderItem struct {
	TestName string `json:"test_name"`
	Priority string `json:"priority,omitempty"`
}

// DateLayout and ClockLayout are the canonical textual forms for queue
// dates and shift boundaries in session blobs and storage.
const (
	DateLayout  = "2006-01-02"
	ClockLayout = "15:04"
)
