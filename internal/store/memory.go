// Package store provides storage backends for opdflow.
//
// This file implements an in-memory store used by tests and the default
// development configuration.
package store

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opdflow/opdflow/internal/models"
)

type sessionRecord struct {
	kind      models.AgentKind
	state     json.RawMessage
	createdAt time.Time
	updatedAt time.Time
}

// InMemoryStore keeps everything in maps guarded by one mutex. It mirrors
// the SQL backends' semantics, including (nil, nil) for absent records.
type InMemoryStore struct {
	mu sync.Mutex

	sessions map[string]*sessionRecord

	patients     map[string]models.Patient
	patientPhone map[string]string

	hospitals   map[string]models.Hospital
	departments map[string]models.Department
	doctors     map[string]models.Doctor

	visits map[string]models.Visit

	queues     map[string]models.DoctorQueue
	queueByKey map[string]string
	entries    map[string]models.QueueEntry

	consultations map[string]models.Consultation
	prescriptions map[string][]models.PrescriptionItem
}

// NewInMemoryStore creates a new in-memory store instance.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions:      make(map[string]*sessionRecord),
		patients:      make(map[string]models.Patient),
		patientPhone:  make(map[string]string),
		hospitals:     make(map[string]models.Hospital),
		departments:   make(map[string]models.Department),
		doctors:       make(map[string]models.Doctor),
		visits:        make(map[string]models.Visit),
		queues:        make(map[string]models.DoctorQueue),
		queueByKey:    make(map[string]string),
		entries:       make(map[string]models.QueueEntry),
		consultations: make(map[string]models.Consultation),
		prescriptions: make(map[string][]models.PrescriptionItem),
	}
}

// SeedCatalog loads hospitals, departments, and doctors into the catalog.
// Intended for tests and the development configuration.
func (s *InMemoryStore) SeedCatalog(hospitals []models.Hospital, departments []models.Department, doctors []models.Doctor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range hospitals {
		s.hospitals[h.ID] = h
	}
	for _, d := range departments {
		s.departments[d.ID] = d
	}
	for _, d := range doctors {
		s.doctors[d.ID] = d
	}
}

func (s *InMemoryStore) CreateSession(ctx context.Context, kind models.AgentKind, state json.RawMessage) (string, error) {
	if len(state) == 0 {
		return "", models.ErrEmptyStateBlob
	}
	if !models.IsValidAgentKind(kind) {
		return "", models.ErrUnknownAgentKind
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	now := time.Now().UTC()
	s.sessions[id] = &sessionRecord{kind: kind, state: append(json.RawMessage(nil), state...), createdAt: now, updatedAt: now}
	return id, nil
}

func (s *InMemoryStore) GetSession(ctx context.Context, sessionID string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	return append(json.RawMessage(nil), rec.state...), nil
}

func (s *InMemoryStore) UpdateSession(ctx context.Context, sessionID string, state json.RawMessage) error {
	if len(state) == 0 {
		return models.ErrEmptyStateBlob
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return models.ErrSessionNotFound
	}
	rec.state = append(json.RawMessage(nil), state...)
	rec.updatedAt = time.Now().UTC()
	return nil
}

func (s *InMemoryStore) FindConsultationSessionByVisit(ctx context.Context, visitID string) (string, json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bestID := ""
	var bestAt time.Time
	var bestState json.RawMessage
	for id, rec := range s.sessions {
		if rec.kind != models.AgentConsultation {
			continue
		}
		var probe struct {
			VisitID string `json:"visit_id"`
		}
		if err := json.Unmarshal(rec.state, &probe); err != nil || probe.VisitID != visitID {
			continue
		}
		if bestID == "" || rec.updatedAt.After(bestAt) {
			bestID, bestAt = id, rec.updatedAt
			bestState = rec.state
		}
	}
	if bestID == "" {
		return "", nil, nil
	}
	return bestID, append(json.RawMessage(nil), bestState...), nil
}

func (s *InMemoryStore) GetPatientByPhone(ctx context.Context, phone string) (*models.Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.patientPhone[phone]
	if !ok {
		return nil, nil
	}
	p := s.patients[id]
	return &p, nil
}

func (s *InMemoryStore) CreatePatient(ctx context.Context, p models.Patient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patients[p.ID] = p
	s.patientPhone[p.ContactNumber] = p.ID
	return nil
}

func (s *InMemoryStore) ListHospitals(ctx context.Context) ([]models.Hospital, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Hospital, 0, len(s.hospitals))
	for _, h := range s.hospitals {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *InMemoryStore) SearchHospitalsByDepartment(ctx context.Context, departmentName string) ([]models.Hospital, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool)
	var out []models.Hospital
	for _, d := range s.departments {
		if !strings.EqualFold(d.Name, departmentName) || seen[d.HospitalID] {
			continue
		}
		if h, ok := s.hospitals[d.HospitalID]; ok {
			seen[d.HospitalID] = true
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *InMemoryStore) ListDepartments(ctx context.Context, hospitalID string) ([]models.Department, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Department
	for _, d := range s.departments {
		if d.HospitalID == hospitalID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *InMemoryStore) ListAvailableDoctorsByDepartment(ctx context.Context, departmentID string) ([]models.Doctor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Doctor
	for _, d := range s.doctors {
		if d.DepartmentID == departmentID && d.IsAvailable {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *InMemoryStore) ListHospitalDoctors(ctx context.Context, hospitalID, departmentName string) ([]models.Doctor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Doctor
	for _, d := range s.doctors {
		if d.HospitalID != hospitalID || !d.IsAvailable {
			continue
		}
		if departmentName != "" {
			dep, ok := s.departments[d.DepartmentID]
			if !ok || !strings.EqualFold(dep.Name, departmentName) {
				continue
			}
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *InMemoryStore) GetDoctor(ctx context.Context, doctorID string) (*models.Doctor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.doctors[doctorID]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (s *InMemoryStore) CreateVisit(ctx context.Context, v models.Visit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visits[v.ID] = v
	return nil
}

func (s *InMemoryStore) GetVisit(ctx context.Context, visitID string) (*models.Visit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.visits[visitID]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func (s *InMemoryStore) SetVisitToken(ctx context.Context, visitID string, token int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.visits[visitID]
	if !ok {
		return models.ErrVisitNotFound
	}
	v.TokenNumber = token
	s.visits[visitID] = v
	return nil
}

func (s *InMemoryStore) UpdateVisitStatus(ctx context.Context, visitID string, status models.VisitStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.visits[visitID]
	if !ok {
		return models.ErrVisitNotFound
	}
	v.Status = status
	s.visits[visitID] = v
	return nil
}

func queueKey(doctorID, queueDate string) string {
	return doctorID + "|" + queueDate
}

func (s *InMemoryStore) GetDoctorQueue(ctx context.Context, doctorID, queueDate string) (*models.DoctorQueue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.queueByKey[queueKey(doctorID, queueDate)]
	if !ok {
		return nil, nil
	}
	q := s.queues[id]
	return &q, nil
}

func (s *InMemoryStore) CreateDoctorQueue(ctx context.Context, q models.DoctorQueue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[q.ID] = q
	s.queueByKey[queueKey(q.DoctorID, q.QueueDate)] = q.ID
	return nil
}

func (s *InMemoryStore) UpdateDoctorQueue(ctx context.Context, q models.DoctorQueue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queues[q.ID]; !ok {
		return models.ErrQueueNotFound
	}
	s.queues[q.ID] = q
	return nil
}

func (s *InMemoryStore) CountActiveEntries(ctx context.Context, queueID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, e := range s.entries {
		if e.QueueID == queueID && models.IsActiveEntryStatus(e.Status) {
			count++
		}
	}
	return count, nil
}

func (s *InMemoryStore) CreateQueueEntry(ctx context.Context, e models.QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.ID] = e
	return nil
}

func (s *InMemoryStore) GetQueueEntryByVisit(ctx context.Context, queueID, visitID string) (*models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.QueueID == queueID && e.VisitID == visitID {
			entry := e
			return &entry, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) UpdateQueueEntryStatus(ctx context.Context, entryID string, status models.QueueEntryStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[entryID]
	if !ok {
		return models.ErrQueueEntryNotFound
	}
	e.Status = status
	e.UpdatedAt = time.Now().UTC()
	s.entries[entryID] = e
	return nil
}

func (s *InMemoryStore) FirstEligibleEntry(ctx context.Context, queueID string) (*models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *models.QueueEntry
	for _, e := range s.entries {
		if e.QueueID != queueID || !models.IsActiveEntryStatus(e.Status) {
			continue
		}
		entry := e
		if best == nil || entry.TokenNumber < best.TokenNumber {
			best = &entry
		}
	}
	return best, nil
}

func (s *InMemoryStore) GetConsultationByVisit(ctx context.Context, visitID string) (*models.Consultation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.consultations[visitID]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *InMemoryStore) UpsertConsultationNotes(ctx context.Context, c models.Consultation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.consultations[c.VisitID]
	if ok {
		existing.Notes = c.Notes
		existing.UpdatedAt = c.UpdatedAt
		if existing.StartedAt == nil {
			existing.StartedAt = c.StartedAt
		}
		s.consultations[c.VisitID] = existing
		return nil
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	s.consultations[c.VisitID] = c
	return nil
}

func (s *InMemoryStore) CloseConsultation(ctx context.Context, visitID string, endedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.consultations[visitID]
	if !ok {
		c = models.Consultation{ID: uuid.NewString(), VisitID: visitID}
	}
	c.EndedAt = &endedAt
	c.UpdatedAt = endedAt
	s.consultations[visitID] = c
	return nil
}

func (s *InMemoryStore) AddPrescriptionItem(ctx context.Context, visitID string, item models.PrescriptionItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prescriptions[visitID] = append(s.prescriptions[visitID], item)
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }
