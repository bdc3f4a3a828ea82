// Package store provides storage backends for opdflow.
//
// This file implements the SQLite-backed store.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/opdflow/opdflow/internal/models"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}

func (s *SQLiteStore) CreateSession(ctx context.Context, kind models.AgentKind, state json.RawMessage) (string, error) {
	if len(state) == 0 {
		return "", models.ErrEmptyStateBlob
	}
	if !models.IsValidAgentKind(kind) {
		return "", models.ErrUnknownAgentKind
	}
	id := uuid.NewString()
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_sessions (id, agent_kind, state, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, string(kind), string(state), now, now)
	if err != nil {
		slog.Error("SQLiteStore CreateSession failed", "error", err, "kind", kind)
		return "", fmt.Errorf("failed to insert session: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (json.RawMessage, error) {
	var state string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM agent_sessions WHERE id = ?`, sessionID).Scan(&state)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetSession failed", "error", err, "session_id", sessionID)
		return nil, fmt.Errorf("failed to query session %s: %w", sessionID, err)
	}
	return json.RawMessage(state), nil
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, sessionID string, state json.RawMessage) error {
	if len(state) == 0 {
		return models.ErrEmptyStateBlob
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_sessions SET state = ?, updated_at = ? WHERE id = ?`,
		string(state), time.Now().UTC(), sessionID)
	if err != nil {
		slog.Error("SQLiteStore UpdateSession failed", "error", err, "session_id", sessionID)
		return fmt.Errorf("failed to update session %s: %w", sessionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrSessionNotFound
	}
	return nil
}

func (s *SQLiteStore) FindConsultationSessionByVisit(ctx context.Context, visitID string) (string, json.RawMessage, error) {
	var (
		id    string
		state string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, state FROM agent_sessions
		 WHERE agent_kind = ? AND json_extract(state, '$.visit_id') = ?
		 ORDER BY updated_at DESC LIMIT 1`,
		string(models.AgentConsultation), visitID).Scan(&id, &state)
	if err == sql.ErrNoRows {
		return "", nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore FindConsultationSessionByVisit failed", "error", err, "visit_id", visitID)
		return "", nil, fmt.Errorf("failed to find consultation session for visit %s: %w", visitID, err)
	}
	return id, json.RawMessage(state), nil
}

func (s *SQLiteStore) GetPatientByPhone(ctx context.Context, phone string) (*models.Patient, error) {
	var p models.Patient
	err := s.db.QueryRowContext(ctx,
		`SELECT id, full_name, age, contact_number, created_at FROM patients WHERE contact_number = ?`,
		phone).Scan(&p.ID, &p.FullName, &p.Age, &p.ContactNumber, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query patient by phone: %w", err)
	}
	return &p, nil
}

func (s *SQLiteStore) CreatePatient(ctx context.Context, p models.Patient) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO patients (id, full_name, age, contact_number, created_at) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.FullName, p.Age, p.ContactNumber, p.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore CreatePatient failed", "error", err, "patient_id", p.ID)
		return fmt.Errorf("failed to insert patient %s: %w", p.ID, err)
	}
	return nil
}

func (s *SQLiteStore) ListHospitals(ctx context.Context) ([]models.Hospital, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, location, is_active FROM hospitals ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query hospitals: %w", err)
	}
	defer rows.Close()
	var out []models.Hospital
	for rows.Next() {
		var h models.Hospital
		if err := rows.Scan(&h.ID, &h.Name, &h.Location, &h.IsActive); err != nil {
			return nil, fmt.Errorf("failed to scan hospital row: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SearchHospitalsByDepartment(ctx context.Context, departmentName string) ([]models.Hospital, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT h.id, h.name, h.location, h.is_active
		 FROM hospitals h JOIN departments d ON d.hospital_id = h.id
		 WHERE LOWER(d.name) = LOWER(?) ORDER BY h.name`,
		departmentName)
	if err != nil {
		return nil, fmt.Errorf("failed to search hospitals by department: %w", err)
	}
	defer rows.Close()
	var out []models.Hospital
	for rows.Next() {
		var h models.Hospital
		if err := rows.Scan(&h.ID, &h.Name, &h.Location, &h.IsActive); err != nil {
			return nil, fmt.Errorf("failed to scan hospital row: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListDepartments(ctx context.Context, hospitalID string) ([]models.Department, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, hospital_id, name FROM departments WHERE hospital_id = ? ORDER BY name`, hospitalID)
	if err != nil {
		return nil, fmt.Errorf("failed to query departments: %w", err)
	}
	defer rows.Close()
	var out []models.Department
	for rows.Next() {
		var d models.Department
		if err := rows.Scan(&d.ID, &d.HospitalID, &d.Name); err != nil {
			return nil, fmt.Errorf("failed to scan department row: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListAvailableDoctorsByDepartment(ctx context.Context, departmentID string) ([]models.Doctor, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, hospital_id, department_id, name, specialization, is_available
		 FROM doctors WHERE department_id = ? AND is_available = 1 ORDER BY name`, departmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query doctors: %w", err)
	}
	defer rows.Close()
	return scanDoctors(rows)
}

func (s *SQLiteStore) ListHospitalDoctors(ctx context.Context, hospitalID, departmentName string) ([]models.Doctor, error) {
	query := `SELECT doc.id, doc.hospital_id, doc.department_id, doc.name, doc.specialization, doc.is_available
		 FROM doctors doc JOIN departments dep ON dep.id = doc.department_id
		 WHERE doc.hospital_id = ? AND doc.is_available = 1`
	args := []any{hospitalID}
	if departmentName != "" {
		query += ` AND LOWER(dep.name) = LOWER(?)`
		args = append(args, departmentName)
	}
	query += ` ORDER BY doc.name`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query hospital doctors: %w", err)
	}
	defer rows.Close()
	return scanDoctors(rows)
}

func (s *SQLiteStore) GetDoctor(ctx context.Context, doctorID string) (*models.Doctor, error) {
	var d models.Doctor
	err := s.db.QueryRowContext(ctx,
		`SELECT id, hospital_id, department_id, name, specialization, is_available FROM doctors WHERE id = ?`,
		doctorID).Scan(&d.ID, &d.HospitalID, &d.DepartmentID, &d.Name, &d.Specialization, &d.IsAvailable)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query doctor %s: %w", doctorID, err)
	}
	return &d, nil
}

func (s *SQLiteStore) CreateVisit(ctx context.Context, v models.Visit) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO visits (id, patient_id, doctor_id, symptoms_summary, token_number, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.PatientID, v.DoctorID, v.SymptomsSummary, v.TokenNumber, string(v.Status), v.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore CreateVisit failed", "error", err, "visit_id", v.ID)
		return fmt.Errorf("failed to insert visit %s: %w", v.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetVisit(ctx context.Context, visitID string) (*models.Visit, error) {
	var v models.Visit
	err := s.db.QueryRowContext(ctx,
		`SELECT id, patient_id, doctor_id, symptoms_summary, token_number, status, created_at FROM visits WHERE id = ?`,
		visitID).Scan(&v.ID, &v.PatientID, &v.DoctorID, &v.SymptomsSummary, &v.TokenNumber, &v.Status, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query visit %s: %w", visitID, err)
	}
	return &v, nil
}

func (s *SQLiteStore) SetVisitToken(ctx context.Context, visitID string, token int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE visits SET token_number = ? WHERE id = ?`, token, visitID)
	if err != nil {
		return fmt.Errorf("failed to set token for visit %s: %w", visitID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrVisitNotFound
	}
	return nil
}

func (s *SQLiteStore) UpdateVisitStatus(ctx context.Context, visitID string, status models.VisitStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE visits SET status = ? WHERE id = ?`, string(status), visitID)
	if err != nil {
		return fmt.Errorf("failed to update visit %s status: %w", visitID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrVisitNotFound
	}
	return nil
}

func (s *SQLiteStore) GetDoctorQueue(ctx context.Context, doctorID, queueDate string) (*models.DoctorQueue, error) {
	var q models.DoctorQueue
	err := s.db.QueryRowContext(ctx,
		`SELECT id, doctor_id, queue_date, shift_start_time, shift_end_time, avg_consult_time_minutes,
		        queue_open, current_token, current_visit_id, last_event_type, last_event_reason,
		        last_updated_by, created_at, updated_at
		 FROM doctor_queues WHERE doctor_id = ? AND queue_date = ?`,
		doctorID, queueDate).Scan(
		&q.ID, &q.DoctorID, &q.QueueDate, &q.ShiftStart, &q.ShiftEnd, &q.AvgConsultMinutes,
		&q.QueueOpen, &q.CurrentToken, &q.CurrentVisitID, &q.LastEventType, &q.LastEventReason,
		&q.LastUpdatedBy, &q.CreatedAt, &q.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query queue for doctor %s on %s: %w", doctorID, queueDate, err)
	}
	return &q, nil
}

func (s *SQLiteStore) CreateDoctorQueue(ctx context.Context, q models.DoctorQueue) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO doctor_queues (id, doctor_id, queue_date, shift_start_time, shift_end_time,
		   avg_consult_time_minutes, queue_open, current_token, current_visit_id,
		   last_event_type, last_event_reason, last_updated_by, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.ID, q.DoctorID, q.QueueDate, q.ShiftStart, q.ShiftEnd,
		q.AvgConsultMinutes, q.QueueOpen, q.CurrentToken, q.CurrentVisitID,
		q.LastEventType, q.LastEventReason, q.LastUpdatedBy, q.CreatedAt, q.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore CreateDoctorQueue failed", "error", err, "queue_id", q.ID)
		return fmt.Errorf("failed to insert queue %s: %w", q.ID, err)
	}
	return nil
}

func (s *SQLiteStore) UpdateDoctorQueue(ctx context.Context, q models.DoctorQueue) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE doctor_queues SET queue_open = ?, current_token = ?, current_visit_id = ?,
		   last_event_type = ?, last_event_reason = ?, last_updated_by = ?, updated_at = ?
		 WHERE id = ?`,
		q.QueueOpen, q.CurrentToken, q.CurrentVisitID,
		q.LastEventType, q.LastEventReason, q.LastUpdatedBy, q.UpdatedAt, q.ID)
	if err != nil {
		return fmt.Errorf("failed to update queue %s: %w", q.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrQueueNotFound
	}
	return nil
}

func (s *SQLiteStore) CountActiveEntries(ctx context.Context, queueID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_entries WHERE queue_id = ? AND status IN ('waiting', 'present', 'in_consultation')`,
		queueID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active entries for queue %s: %w", queueID, err)
	}
	return count, nil
}

func (s *SQLiteStore) CreateQueueEntry(ctx context.Context, e models.QueueEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO queue_entries (id, queue_id, visit_id, token_number, position, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.QueueID, e.VisitID, e.TokenNumber, e.Position, string(e.Status), e.CreatedAt, e.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore CreateQueueEntry failed", "error", err, "entry_id", e.ID)
		return fmt.Errorf("failed to insert queue entry %s: %w", e.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetQueueEntryByVisit(ctx context.Context, queueID, visitID string) (*models.QueueEntry, error) {
	var e models.QueueEntry
	err := s.db.QueryRowContext(ctx,
		`SELECT id, queue_id, visit_id, token_number, position, status, created_at, updated_at
		 FROM queue_entries WHERE queue_id = ? AND visit_id = ?`,
		queueID, visitID).Scan(&e.ID, &e.QueueID, &e.VisitID, &e.TokenNumber, &e.Position, &e.Status, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query queue entry for visit %s: %w", visitID, err)
	}
	return &e, nil
}

func (s *SQLiteStore) UpdateQueueEntryStatus(ctx context.Context, entryID string, status models.QueueEntryStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_entries SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), entryID)
	if err != nil {
		return fmt.Errorf("failed to update queue entry %s: %w", entryID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrQueueEntryNotFound
	}
	return nil
}

func (s *SQLiteStore) FirstEligibleEntry(ctx context.Context, queueID string) (*models.QueueEntry, error) {
	var e models.QueueEntry
	err := s.db.QueryRowContext(ctx,
		`SELECT id, queue_id, visit_id, token_number, position, status, created_at, updated_at
		 FROM queue_entries
		 WHERE queue_id = ? AND status IN ('waiting', 'present', 'in_consultation')
		 ORDER BY token_number ASC LIMIT 1`,
		queueID).Scan(&e.ID, &e.QueueID, &e.VisitID, &e.TokenNumber, &e.Position, &e.Status, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query first eligible entry for queue %s: %w", queueID, err)
	}
	return &e, nil
}

func (s *SQLiteStore) GetConsultationByVisit(ctx context.Context, visitID string) (*models.Consultation, error) {
	var (
		c         models.Consultation
		startedAt sql.NullTime
		endedAt   sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, visit_id, doctor_id, patient_id, notes, started_at, ended_at, updated_at
		 FROM consultations WHERE visit_id = ?`,
		visitID).Scan(&c.ID, &c.VisitID, &c.DoctorID, &c.PatientID, &c.Notes, &startedAt, &endedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query consultation for visit %s: %w", visitID, err)
	}
	if startedAt.Valid {
		c.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		c.EndedAt = &endedAt.Time
	}
	return &c, nil
}

func (s *SQLiteStore) UpsertConsultationNotes(ctx context.Context, c models.Consultation) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	var startedAt any
	if c.StartedAt != nil {
		startedAt = *c.StartedAt
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO consultations (id, visit_id, doctor_id, patient_id, notes, started_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(visit_id) DO UPDATE SET notes = excluded.notes, updated_at = excluded.updated_at`,
		c.ID, c.VisitID, c.DoctorID, c.PatientID, c.Notes, startedAt, c.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore UpsertConsultationNotes failed", "error", err, "visit_id", c.VisitID)
		return fmt.Errorf("failed to upsert consultation for visit %s: %w", c.VisitID, err)
	}
	return nil
}

func (s *SQLiteStore) CloseConsultation(ctx context.Context, visitID string, endedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO consultations (id, visit_id, ended_at, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(visit_id) DO UPDATE SET ended_at = excluded.ended_at, updated_at = excluded.updated_at`,
		uuid.NewString(), visitID, endedAt, endedAt)
	if err != nil {
		slog.Error("SQLiteStore CloseConsultation failed", "error", err, "visit_id", visitID)
		return fmt.Errorf("failed to close consultation for visit %s: %w", visitID, err)
	}
	return nil
}

func (s *SQLiteStore) AddPrescriptionItem(ctx context.Context, visitID string, item models.PrescriptionItem) error {
	var duration any
	if item.DurationDays != nil {
		duration = *item.DurationDays
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO prescription_items (visit_id, medicine_name, dosage, frequency, duration_days, instructions, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		visitID, item.MedicineName, item.Dosage, item.Frequency, duration, item.Instructions, time.Now().UTC())
	if err != nil {
		slog.Error("SQLiteStore AddPrescriptionItem failed", "error", err, "visit_id", visitID)
		return fmt.Errorf("failed to insert prescription item for visit %s: %w", visitID, err)
	}
	return nil
}

func scanDoctors(rows *sql.Rows) ([]models.Doctor, error) {
	var out []models.Doctor
	for rows.Next() {
		var d models.Doctor
		if err := rows.Scan(&d.ID, &d.HospitalID, &d.DepartmentID, &d.Name, &d.Specialization, &d.IsAvailable); err != nil {
			return nil, fmt.Errorf("failed to scan doctor row: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
