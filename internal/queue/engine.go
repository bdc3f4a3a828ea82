// Package queue implements per-doctor-per-day admission control: capacity
// checks, sequential token allocation, and the consultation start/end
// transitions that the doctor assistance workflow delegates here.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opdflow/opdflow/internal/models"
	"github.com/opdflow/opdflow/internal/store"
)

// Queue event types recorded for observability.
const (
	EventVisitAdded          = "VISIT_ADDED"
	EventQueueClosed         = "QUEUE_CLOSED"
	EventConsultationStarted = "CONSULTATION_STARTED"
	EventConsultationEnded   = "CONSULTATION_ENDED"
	EventEntrySkipped        = "ENTRY_SKIPPED"
)

// Engine decides whether a visit can be queued for a doctor on a date and
// owns the authoritative queue-entry transitions. The count-then-assign
// sequence for one (doctor, date) key runs under a per-key mutex so
// concurrent intakes can never receive duplicate tokens or bypass the
// capacity check together. The lock is never held across a network call.
type Engine struct {
	store store.Store
	locks sync.Map // "doctorID|date" -> *sync.Mutex
}

// NewEngine creates an admission engine backed by the given store.
func NewEngine(st store.Store) *Engine {
	return &Engine{store: st}
}

func (e *Engine) keyLock(doctorID, queueDate string) *sync.Mutex {
	m, _ := e.locks.LoadOrStore(doctorID+"|"+queueDate, &sync.Mutex{})
	return m.(*sync.Mutex)
}

// Intake runs the admission algorithm as one isolated unit per
// (doctor, date): lazily create the queue, check it is open, count active
// entries, project the finish time against the shift end, and either close
// the queue or assign the next token.
func (e *Engine) Intake(ctx context.Context, req models.QueueIntakeRequest) (*models.QueueIntakeResponse, error) {
	mu := e.keyLock(req.DoctorID, req.QueueDate)
	mu.Lock()
	defer mu.Unlock()

	now := time.Now().UTC()
	q, err := e.store.GetDoctorQueue(ctx, req.DoctorID, req.QueueDate)
	if err != nil {
		return nil, fmt.Errorf("queue lookup for doctor %s: %w", req.DoctorID, err)
	}
	if q == nil {
		q = &models.DoctorQueue{
			ID:                uuid.NewString(),
			DoctorID:          req.DoctorID,
			QueueDate:         req.QueueDate,
			ShiftStart:        models.DefaultShiftStart,
			ShiftEnd:          models.DefaultShiftEnd,
			AvgConsultMinutes: models.DefaultAvgConsultMinutes,
			QueueOpen:         true,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := e.store.CreateDoctorQueue(ctx, *q); err != nil {
			return nil, fmt.Errorf("create queue for doctor %s: %w", req.DoctorID, err)
		}
		slog.Debug("Engine.Intake: queue created", "doctor_id", req.DoctorID, "queue_date", req.QueueDate)
	}

	if !q.QueueOpen {
		slog.Info("Engine.Intake: rejected, queue closed", "doctor_id", req.DoctorID, "queue_date", req.QueueDate)
		return &models.QueueIntakeResponse{Accepted: false, Reason: models.ReasonQueueClosed}, nil
	}

	active, err := e.store.CountActiveEntries(ctx, q.ID)
	if err != nil {
		return nil, fmt.Errorf("count active entries for queue %s: %w", q.ID, err)
	}

	shiftStart, shiftEnd, err := shiftBounds(q)
	if err != nil {
		return nil, err
	}
	projected := shiftStart.Add(time.Duration(active+1) * time.Duration(q.AvgConsultMinutes) * time.Minute)
	if projected.After(shiftEnd) {
		// Capacity closes permanently for the day at the first overflow
		// detection; this mutation happens even though the call rejects.
		q.QueueOpen = false
		q.LastEventType = EventQueueClosed
		q.LastEventReason = models.ReasonShiftEnd
		q.LastUpdatedBy = models.CallerQueueAgent
		q.UpdatedAt = now
		if err := e.store.UpdateDoctorQueue(ctx, *q); err != nil {
			return nil, fmt.Errorf("close queue %s: %w", q.ID, err)
		}
		slog.Info("Engine.Intake: rejected, shift overflow; queue closed",
			"doctor_id", req.DoctorID, "queue_date", req.QueueDate, "active", active)
		return &models.QueueIntakeResponse{Accepted: false, Reason: models.ReasonShiftEnd}, nil
	}

	token := active + 1
	if token <= q.CurrentToken {
		// Completed or skipped entries shrink the active count; tokens must
		// stay strictly increasing within the (doctor, date) scope.
		token = q.CurrentToken + 1
	}
	entry := models.QueueEntry{
		ID:          uuid.NewString(),
		QueueID:     q.ID,
		VisitID:     req.VisitID,
		TokenNumber: token,
		Position:    token,
		Status:      models.EntryWaiting,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.store.CreateQueueEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("create queue entry for visit %s: %w", req.VisitID, err)
	}
	if err := e.store.SetVisitToken(ctx, req.VisitID, token); err != nil {
		return nil, fmt.Errorf("stamp visit %s with token: %w", req.VisitID, err)
	}

	q.CurrentToken = token
	q.LastEventType = EventVisitAdded
	q.LastEventReason = "within shift capacity"
	q.LastUpdatedBy = models.CallerQueueAgent
	q.UpdatedAt = now
	if err := e.store.UpdateDoctorQueue(ctx, *q); err != nil {
		return nil, fmt.Errorf("record admission on queue %s: %w", q.ID, err)
	}

	wait := active * q.AvgConsultMinutes
	slog.Info("Engine.Intake: accepted", "doctor_id", req.DoctorID, "queue_date", req.QueueDate,
		"visit_id", req.VisitID, "token", token)
	return &models.QueueIntakeResponse{
		Accepted:             true,
		TokenNumber:          &token,
		Position:             &token,
		EstimatedWaitMinutes: &wait,
	}, nil
}

// StartConsultation validates the visit is the current head-of-queue
// eligible entry and marks it in consultation. Calling it again for the
// entry already in consultation is a no-op success.
func (e *Engine) StartConsultation(ctx context.Context, req models.StartConsultationRequest) (*models.StartConsultationResponse, error) {
	mu := e.keyLock(req.DoctorID, req.QueueDate)
	mu.Lock()
	defer mu.Unlock()

	q, entry, err := e.queueEntry(ctx, req.DoctorID, req.QueueDate, req.VisitID)
	if err != nil {
		return nil, err
	}

	if entry.Status == models.EntryInConsultation {
		return &models.StartConsultationResponse{Success: true, VisitID: req.VisitID, Status: string(entry.Status)}, nil
	}
	if entry.Status != models.EntryWaiting && entry.Status != models.EntryPresent {
		return nil, fmt.Errorf("visit %s cannot start consultation from status %s", req.VisitID, entry.Status)
	}
	head, err := e.store.FirstEligibleEntry(ctx, q.ID)
	if err != nil {
		return nil, fmt.Errorf("head lookup for queue %s: %w", q.ID, err)
	}
	if head == nil || head.VisitID != req.VisitID {
		return nil, models.ErrNotHeadOfQueue
	}

	if err := e.store.UpdateQueueEntryStatus(ctx, entry.ID, models.EntryInConsultation); err != nil {
		return nil, fmt.Errorf("mark entry %s in consultation: %w", entry.ID, err)
	}
	if err := e.store.UpdateVisitStatus(ctx, req.VisitID, models.VisitInConsultation); err != nil {
		return nil, fmt.Errorf("mark visit %s in consultation: %w", req.VisitID, err)
	}
	e.recordEvent(ctx, q, EventConsultationStarted, "token "+fmt.Sprint(entry.TokenNumber), callerOrDefault(req.Caller), req.VisitID)

	slog.Info("Engine.StartConsultation: started", "doctor_id", req.DoctorID, "visit_id", req.VisitID, "token", entry.TokenNumber)
	return &models.StartConsultationResponse{Success: true, VisitID: req.VisitID, Status: string(models.EntryInConsultation)}, nil
}

// EndConsultation is the single source of truth for closing a queue entry
// and, transitively, the consultation record. Ending an already completed
// entry acknowledges without further mutation.
func (e *Engine) EndConsultation(ctx context.Context, req models.EndConsultationRequest) (*models.EndConsultationResponse, error) {
	mu := e.keyLock(req.DoctorID, req.QueueDate)
	mu.Lock()
	defer mu.Unlock()

	q, entry, err := e.queueEntry(ctx, req.DoctorID, req.QueueDate, req.VisitID)
	if err != nil {
		return nil, err
	}

	if entry.Status == models.EntryCompleted {
		return &models.EndConsultationResponse{Success: true, VisitID: req.VisitID, Message: "consultation already completed"}, nil
	}
	if entry.Status != models.EntryInConsultation {
		return nil, fmt.Errorf("visit %s cannot end consultation from status %s", req.VisitID, entry.Status)
	}

	now := time.Now().UTC()
	if err := e.store.UpdateQueueEntryStatus(ctx, entry.ID, models.EntryCompleted); err != nil {
		return nil, fmt.Errorf("complete entry %s: %w", entry.ID, err)
	}
	if err := e.store.CloseConsultation(ctx, req.VisitID, now); err != nil {
		return nil, fmt.Errorf("close consultation for visit %s: %w", req.VisitID, err)
	}
	if err := e.store.UpdateVisitStatus(ctx, req.VisitID, models.VisitCompleted); err != nil {
		return nil, fmt.Errorf("complete visit %s: %w", req.VisitID, err)
	}
	q.CurrentVisitID = ""
	e.recordEvent(ctx, q, EventConsultationEnded, "token "+fmt.Sprint(entry.TokenNumber), callerOrDefault(req.Caller), "")

	slog.Info("Engine.EndConsultation: completed", "doctor_id", req.DoctorID, "visit_id", req.VisitID)
	return &models.EndConsultationResponse{Success: true, VisitID: req.VisitID, Message: "consultation completed"}, nil
}

// CheckIn marks a waiting entry as present at the facility.
func (e *Engine) CheckIn(ctx context.Context, req models.CheckInRequest) (*models.CheckInResponse, error) {
	mu := e.keyLock(req.DoctorID, req.QueueDate)
	mu.Lock()
	defer mu.Unlock()

	_, entry, err := e.queueEntry(ctx, req.DoctorID, req.QueueDate, req.VisitID)
	if err != nil {
		return nil, err
	}
	if entry.Status != models.EntryWaiting {
		return nil, fmt.Errorf("visit %s cannot check in from status %s", req.VisitID, entry.Status)
	}
	if err := e.store.UpdateQueueEntryStatus(ctx, entry.ID, models.EntryPresent); err != nil {
		return nil, fmt.Errorf("mark entry %s present: %w", entry.ID, err)
	}
	return &models.CheckInResponse{Success: true, VisitID: req.VisitID, Status: string(models.EntryPresent)}, nil
}

// Skip marks an active entry as skipped with a reason.
func (e *Engine) Skip(ctx context.Context, req models.SkipRequest) (*models.SkipResponse, error) {
	mu := e.keyLock(req.DoctorID, req.QueueDate)
	mu.Lock()
	defer mu.Unlock()

	q, entry, err := e.queueEntry(ctx, req.DoctorID, req.QueueDate, req.VisitID)
	if err != nil {
		return nil, err
	}
	if !models.IsActiveEntryStatus(entry.Status) {
		return nil, fmt.Errorf("visit %s cannot be skipped from status %s", req.VisitID, entry.Status)
	}
	if err := e.store.UpdateQueueEntryStatus(ctx, entry.ID, models.EntrySkipped); err != nil {
		return nil, fmt.Errorf("skip entry %s: %w", entry.ID, err)
	}
	e.recordEvent(ctx, q, EventEntrySkipped, req.Reason, models.CallerQueueAgent, q.CurrentVisitID)
	return &models.SkipResponse{Success: true, VisitID: req.VisitID, Status: string(models.EntrySkipped)}, nil
}

// CallNext returns the earliest eligible entry in the queue without
// changing its status; the consultation start owns that transition.
func (e *Engine) CallNext(ctx context.Context, req models.CallNextRequest) (*models.CallNextResponse, error) {
	q, err := e.store.GetDoctorQueue(ctx, req.DoctorID, req.QueueDate)
	if err != nil {
		return nil, fmt.Errorf("queue lookup for doctor %s: %w", req.DoctorID, err)
	}
	if q == nil {
		return nil, models.ErrQueueNotFound
	}
	head, err := e.store.FirstEligibleEntry(ctx, q.ID)
	if err != nil {
		return nil, fmt.Errorf("head lookup for queue %s: %w", q.ID, err)
	}
	if head == nil {
		return nil, models.ErrQueueEntryNotFound
	}
	visit, err := e.store.GetVisit(ctx, head.VisitID)
	if err != nil {
		return nil, fmt.Errorf("visit lookup for %s: %w", head.VisitID, err)
	}
	if visit == nil {
		return nil, models.ErrVisitNotFound
	}
	return &models.CallNextResponse{
		VisitID:     head.VisitID,
		PatientID:   visit.PatientID,
		DoctorID:    req.DoctorID,
		TokenNumber: head.TokenNumber,
		Status:      string(head.Status),
	}, nil
}

func (e *Engine) queueEntry(ctx context.Context, doctorID, queueDate, visitID string) (*models.DoctorQueue, *models.QueueEntry, error) {
	q, err := e.store.GetDoctorQueue(ctx, doctorID, queueDate)
	if err != nil {
		return nil, nil, fmt.Errorf("queue lookup for doctor %s: %w", doctorID, err)
	}
	if q == nil {
		return nil, nil, models.ErrQueueNotFound
	}
	entry, err := e.store.GetQueueEntryByVisit(ctx, q.ID, visitID)
	if err != nil {
		return nil, nil, fmt.Errorf("entry lookup for visit %s: %w", visitID, err)
	}
	if entry == nil {
		return nil, nil, models.ErrQueueEntryNotFound
	}
	return q, entry, nil
}

func (e *Engine) recordEvent(ctx context.Context, q *models.DoctorQueue, eventType, reason, actor, currentVisitID string) {
	q.LastEventType = eventType
	q.LastEventReason = reason
	q.LastUpdatedBy = actor
	if currentVisitID != "" {
		q.CurrentVisitID = currentVisitID
	}
	q.UpdatedAt = time.Now().UTC()
	if err := e.store.UpdateDoctorQueue(ctx, *q); err != nil {
		slog.Error("Engine.recordEvent: queue update failed", "error", err, "queue_id", q.ID, "event", eventType)
	}
}

func callerOrDefault(caller string) string {
	if caller == "" {
		return models.CallerQueueAgent
	}
	return caller
}

func shiftBounds(q *models.DoctorQueue) (time.Time, time.Time, error) {
	day, err := time.Parse(models.DateLayout, q.QueueDate)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("queue %s has invalid date %q: %w", q.ID, q.QueueDate, err)
	}
	start, err := time.Parse(models.ClockLayout, q.ShiftStart)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("queue %s has invalid shift start %q: %w", q.ID, q.ShiftStart, err)
	}
	end, err := time.Parse(models.ClockLayout, q.ShiftEnd)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("queue %s has invalid shift end %q: %w", q.ID, q.ShiftEnd, err)
	}
	s := day.Add(time.Duration(start.Hour())*time.Hour + time.Duration(start.Minute())*time.Minute)
	e := day.Add(time.Duration(end.Hour())*time.Hour + time.Duration(end.Minute())*time.Minute)
	return s, e, nil
}
