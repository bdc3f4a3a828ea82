// Package store provides storage backends for opdflow.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/opdflow/opdflow/internal/models"
)

// Database connection pool configuration constants.
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database.
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool.
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused.
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}

func (s *PostgresStore) CreateSession(ctx context.Context, kind models.AgentKind, state json.RawMessage) (string, error) {
	if len(state) == 0 {
		return "", models.ErrEmptyStateBlob
	}
	if !models.IsValidAgentKind(kind) {
		return "", models.ErrUnknownAgentKind
	}
	id := uuid.NewString()
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_sessions (id, agent_kind, state, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		id, string(kind), string(state), now, now)
	if err != nil {
		slog.Error("PostgresStore CreateSession failed", "error", err, "kind", kind)
		return "", fmt.Errorf("failed to insert session: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (json.RawMessage, error) {
	var state string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM agent_sessions WHERE id = $1`, sessionID).Scan(&state)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetSession failed", "error", err, "session_id", sessionID)
		return nil, fmt.Errorf("failed to query session %s: %w", sessionID, err)
	}
	return json.RawMessage(state), nil
}

func (s *PostgresStore) UpdateSession(ctx context.Context, sessionID string, state json.RawMessage) error {
	if len(state) == 0 {
		return models.ErrEmptyStateBlob
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_sessions SET state = $1, updated_at = $2 WHERE id = $3`,
		string(state), time.Now().UTC(), sessionID)
	if err != nil {
		slog.Error("PostgresStore UpdateSession failed", "error", err, "session_id", sessionID)
		return fmt.Errorf("failed to update session %s: %w", sessionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrSessionNotFound
	}
	return nil
}

func (s *PostgresStore) FindConsultationSessionByVisit(ctx context.Context, visitID string) (string, json.RawMessage, error) {
	var (
		id    string
		state string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, state FROM agent_sessions
		 WHERE agent_kind = $1 AND state->>'visit_id' = $2
		 ORDER BY updated_at DESC LIMIT 1`,
		string(models.AgentConsultation), visitID).Scan(&id, &state)
	if err == sql.ErrNoRows {
		return "", nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore FindConsultationSessionByVisit failed", "error", err, "visit_id", visitID)
		return "", nil, fmt.Errorf("failed to find consultation session for visit %s: %w", visitID, err)
	}
	return id, json.RawMessage(state), nil
}

func (s *PostgresStore) GetPatientByPhone(ctx context.Context, phone string) (*models.Patient, error) {
	var p models.Patient
	err := s.db.QueryRowContext(ctx,
		`SELECT id, full_name, age, contact_number, created_at FROM patients WHERE contact_number = $1`,
		phone).Scan(&p.ID, &p.FullName, &p.Age, &p.ContactNumber, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query patient by phone: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) CreatePatient(ctx context.Context, p models.Patient) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO patients (id, full_name, age, contact_number, created_at) VALUES ($1, $2, $3, $4, $5)`,
		p.ID, p.FullName, p.Age, p.ContactNumber, p.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore CreatePatient failed", "error", err, "patient_id", p.ID)
		return fmt.Errorf("failed to insert patient %s: %w", p.ID, err)
	}
	return nil
}

func (s *PostgresStore) ListHospitals(ctx context.Context) ([]models.Hospital, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, location, is_active FROM hospitals ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query hospitals: %w", err)
	}
	defer rows.Close()
	return scanHospitals(rows)
}

func (s *PostgresStore) SearchHospitalsByDepartment(ctx context.Context, departmentName string) ([]models.Hospital, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT h.id, h.name, h.location, h.is_active
		 FROM hospitals h JOIN departments d ON d.hospital_id = h.id
		 WHERE LOWER(d.name) = LOWER($1) ORDER BY h.name`,
		departmentName)
	if err != nil {
		return nil, fmt.Errorf("failed to search hospitals by department: %w", err)
	}
	defer rows.Close()
	return scanHospitals(rows)
}

func (s *PostgresStore) ListDepartments(ctx context.Context, hospitalID string) ([]models.Department, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, hospital_id, name FROM departments WHERE hospital_id = $1 ORDER BY name`, hospitalID)
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

func (s *PostgresStore) ListAvailableDoctorsByDepartment(ctx context.Context, departmentID string) ([]models.Doctor, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, hospital_id, department_id, name, specialization, is_available
		 FROM doctors WHERE department_id = $1 AND is_available = TRUE ORDER BY name`, departmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query doctors: %w", err)
	}
	defer rows.Close()
	return scanDoctors(rows)
}

func (s *PostgresStore) ListHospitalDoctors(ctx context.Context, hospitalID, departmentName string) ([]models.Doctor, error) {
	query := `SELECT doc.id, doc.hospital_id, doc.department_id, doc.name, doc.specialization, doc.is_available
		 FROM doctors doc JOIN departments dep ON dep.id = doc.department_id
		 WHERE doc.hospital_id = $1 AND doc.is_available = TRUE`
	args := []any{hospitalID}
	if departmentName != "" {
		query += ` AND LOWER(dep.name) = LOWER($2)`
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

func (s *PostgresStore) GetDoctor(ctx context.Context, doctorID string) (*models.Doctor, error) {
	var d models.Doctor
	err := s.db.QueryRowContext(ctx,
		`SELECT id, hospital_id, department_id, name, specialization, is_available FROM doctors WHERE id = $1`,
		doctorID).Scan(&d.ID, &d.HospitalID, &d.DepartmentID, &d.Name, &d.Specialization, &d.IsAvailable)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query doctor %s: %w", doctorID, err)
	}
	return &d, nil
}

func (s *PostgresStore) CreateVisit(ctx context.Context, v models.Visit) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO visits (id, patient_id, doctor_id, symptoms_summary, token_number, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		v.ID, v.PatientID, v.DoctorID, v.SymptomsSummary, v.TokenNumber, string(v.Status), v.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore CreateVisit failed", "error", err, "visit_id", v.ID)
		return fmt.Errorf("failed to insert visit %s: %w", v.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetVisit(ctx context.Context, visitID string) (*models.Visit, error) {
	var v models.Visit
	err := s.db.QueryRowContext(ctx,
		`SELECT id, patient_id, doctor_id, symptoms_summary, token_number, status, created_at FROM visits WHERE id = $1`,
		visitID).Scan(&v.ID, &v.PatientID, &v.DoctorID, &v.SymptomsSummary, &v.TokenNumber, &v.Status, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query visit %s: %w", visitID, err)
	}
	return &v, nil
}

func (s *PostgresStore) SetVisitToken(ctx context.Context, visitID string, token int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE visits SET token_number = $1 WHERE id = $2`, token, visitID)
	if err != nil {
		return fmt.Errorf("failed to set token for visit %s: %w", visitID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrVisitNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateVisitStatus(ctx context.Context, visitID string, status models.VisitStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE visits SET status = $1 WHERE id = $2`, string(status), visitID)
	if err != nil {
		return fmt.Errorf("failed to update visit %s status: %w", visitID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrVisitNotFound
	}
	return nil
}

func (s *PostgresStore) GetDoctorQueue(ctx context.Context, doctorID, queueDate string) (*models.DoctorQueue, error) {
	var q models.DoctorQueue
	err := s.db.QueryRowContext(ctx,
		`SELECT id, doctor_id, queue_date, shift_start_time, shift_end_time, avg_consult_time_minutes,
		        queue_open, current_token, current_visit_id, last_event_type, last_event_reason,
		        last_updated_by, created_at, updated_at
		 FROM doctor_queues WHERE doctor_id = $1 AND queue_date = $2`,
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

func (s *PostgresStore) CreateDoctorQueue(ctx context.Context, q models.DoctorQueue) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO doctor_queues (id, doctor_id, queue_date, shift_start_time, shift_end_time,
		   avg_consult_time_minutes, queue_open, current_token, current_visit_id,
		   last_event_type, last_event_reason, last_updated_by, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		q.ID, q.DoctorID, q.QueueDate, q.ShiftStart, q.ShiftEnd,
		q.AvgConsultMinutes, q.QueueOpen, q.CurrentToken, q.CurrentVisitID,
		q.LastEventType, q.LastEventReason, q.LastUpdatedBy, q.CreatedAt, q.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore CreateDoctorQueue failed", "error", err, "queue_id", q.ID)
		return fmt.Errorf("failed to insert queue %s: %w", q.ID, err)
	}
	return nil
}

func (s *PostgresStore) UpdateDoctorQueue(ctx context.Context, q models.DoctorQueue) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE doctor_queues SET queue_open = $1, current_token = $2, current_visit_id = $3,
		   last_event_type = $4, last_event_reason = $5, last_updated_by = $6, updated_at = $7
		 WHERE id = $8`,
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

func (s *PostgresStore) CountActiveEntries(ctx context.Context, queueID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_entries WHERE queue_id = $1 AND status IN ('waiting', 'present', 'in_consultation')`,
		queueID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active entries for queue %s: %w", queueID, err)
	}
	return count, nil
}

func (s *PostgresStore) CreateQueueEntry(ctx context.Context, e models.QueueEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO queue_entries (id, queue_id, visit_id, token_number, position, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.QueueID, e.VisitID, e.TokenNumber, e.Position, string(e.Status), e.CreatedAt, e.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore CreateQueueEntry failed", "error", err, "entry_id", e.ID)
		return fmt.Errorf("failed to insert queue entry %s: %w", e.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetQueueEntryByVisit(ctx context.Context, queueID, visitID string) (*models.QueueEntry, error) {
	var e models.QueueEntry
	err := s.db.QueryRowContext(ctx,
		`SELECT id, queue_id, visit_id, token_number, position, status, created_at, updated_at
		 FROM queue_entries WHERE queue_id = $1 AND visit_id = $2`,
		queueID, visitID).Scan(&e.ID, &e.QueueID, &e.VisitID, &e.TokenNumber, &e.Position, &e.Status, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query queue entry for visit %s: %w", visitID, err)
	}
	return &e, nil
}

func (s *PostgresStore) UpdateQueueEntryStatus(ctx context.Context, entryID string, status models.QueueEntryStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_entries SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), entryID)
	if err != nil {
		return fmt.Errorf("failed to update queue entry %s: %w", entryID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrQueueEntryNotFound
	}
	return nil
}

func (s *PostgresStore) FirstEligibleEntry(ctx context.Context, queueID string) (*models.QueueEntry, error) {
	var e models.QueueEntry
	err := s.db.QueryRowContext(ctx,
		`SELECT id, queue_id, visit_id, token_number, position, status, created_at, updated_at
		 FROM queue_entries
		 WHERE queue_id = $1 AND status IN ('waiting', 'present', 'in_consultation')
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

func (s *PostgresStore) GetConsultationByVisit(ctx context.Context, visitID string) (*models.Consultation, error) {
	var (
		c         models.Consultation
		startedAt sql.NullTime
		endedAt   sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, visit_id, doctor_id, patient_id, notes, started_at, ended_at, updated_at
		 FROM consultations WHERE visit_id = $1`,
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

func (s *PostgresStore) UpsertConsultationNotes(ctx context.Context, c models.Consultation) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	var startedAt any
	if c.StartedAt != nil {
		startedAt = *c.StartedAt
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO consultations (id, visit_id, doctor_id, patient_id, notes, started_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (visit_id) DO UPDATE SET notes = EXCLUDED.notes, updated_at = EXCLUDED.updated_at`,
		c.ID, c.VisitID, c.DoctorID, c.PatientID, c.Notes, startedAt, c.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore UpsertConsultationNotes failed", "error", err, "visit_id", c.VisitID)
		return fmt.Errorf("failed to upsert consultation for visit %s: %w", c.VisitID, err)
	}
	return nil
}

func (s *PostgresStore) CloseConsultation(ctx context.Context, visitID string, endedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO consultations (id, visit_id, ended_at, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (visit_id) DO UPDATE SET ended_at = EXCLUDED.ended_at, updated_at = EXCLUDED.updated_at`,
		uuid.NewString(), visitID, endedAt, endedAt)
	if err != nil {
		slog.Error("PostgresStore CloseConsultation failed", "error", err, "visit_id", visitID)
		return fmt.Errorf("failed to close consultation for visit %s: %w", visitID, err)
	}
	return nil
}

func (s *PostgresStore) AddPrescriptionItem(ctx context.Context, visitID string, item models.PrescriptionItem) error {
	var duration any
	if item.DurationDays != nil {
		duration = *item.DurationDays
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO prescription_items (visit_id, medicine_name, dosage, frequency, duration_days, instructions, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		visitID, item.MedicineName, item.Dosage, item.Frequency, duration, item.Instructions, time.Now().UTC())
	if err != nil {
		slog.Error("PostgresStore AddPrescriptionItem failed", "error", err, "visit_id", visitID)
		return fmt.Errorf("failed to insert prescription item for visit %s: %w", visitID, err)
	}
	return nil
}

func scanHospitals(rows *sql.Rows) ([]models.Hospital, error) {
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
