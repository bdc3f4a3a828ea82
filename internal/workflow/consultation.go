package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/opdflow/opdflow/internal/models"
	"github.com/opdflow/opdflow/internal/store"
)

// QueueDelegate is the admission engine surface the consultation flow
// delegates start/end transitions to. Both the in-process engine and the
// HTTP delegation client satisfy it.
type QueueDelegate interface {
	StartConsultation(ctx context.Context, req models.StartConsultationRequest) (*models.StartConsultationResponse, error)
	EndConsultation(ctx context.Context, req models.EndConsultationRequest) (*models.EndConsultationResponse, error)
}

// ConsultationFlow drives the doctor assistance workflow for one visit,
// from handoff through consultation to completion. The admission engine
// owns the authoritative queue-entry transitions; this flow's local status
// is a cache updated alongside, or instead of, the delegation call when the
// engine itself is the caller.
type ConsultationFlow struct {
	store store.Store
	queue QueueDelegate
}

// NewConsultationFlow wires a consultation flow with its collaborators.
func NewConsultationFlow(st store.Store, q QueueDelegate) *ConsultationFlow {
	return &ConsultationFlow{store: st, queue: q}
}

// IntakeVisit accepts the registration handoff, creates the consultation
// session at READY, and returns its session id.
func (f *ConsultationFlow) IntakeVisit(ctx context.Context, payload models.HandoffPayload) (string, error) {
	now := time.Now().UTC()
	st := &models.ConsultationState{
		AgentName:       string(models.AgentConsultation),
		Step:            models.ConsultStepIdle,
		CreatedAt:       now,
		UpdatedAt:       now,
		VisitID:         payload.VisitID,
		PatientID:       payload.PatientID,
		DoctorID:        payload.DoctorID,
		TokenNumber:     payload.TokenNumber,
		Department:      payload.Department,
		SymptomsSummary: payload.SymptomsSummary,
	}
	if err := transition(st, ConsultationTransitions, models.ConsultStepReady); err != nil {
		return "", err
	}
	blob, err := json.Marshal(st)
	if err != nil {
		return "", fmt.Errorf("marshal consultation state: %w", err)
	}
	sessionID, err := f.store.CreateSession(ctx, models.AgentConsultation, blob)
	if err != nil {
		return "", fmt.Errorf("create consultation session: %w", err)
	}
	slog.Info("ConsultationFlow.IntakeVisit: session created", "visit_id", payload.VisitID, "session_id", sessionID)
	return sessionID, nil
}

// Handle dispatches one turn on the state's current step.
func (f *ConsultationFlow) Handle(ctx context.Context, st *models.ConsultationState, in models.AgentInput) (*models.AgentReply, error) {
	slog.Debug("ConsultationFlow.Handle: dispatching", "step", st.Step, "action", in.Action)
	switch st.Step {
	case models.ConsultStepIdle:
		// First contact promotes the session automatically.
		if err := transition(st, ConsultationTransitions, models.ConsultStepReady); err != nil {
			return nil, err
		}
		return f.ready(ctx, st, in)
	case models.ConsultStepReady:
		return f.ready(ctx, st, in)
	case models.ConsultStepInConsultation:
		return f.inConsultation(ctx, st, in)
	case models.ConsultStepCompleted:
		// Idempotent terminal state: same acknowledgment, no mutation, no
		// second call to the admission engine.
		return &models.AgentReply{Message: "This consultation is already completed."}, nil
	default:
		return nil, &UnhandledStepError{Kind: models.AgentConsultation, Step: st.Step}
	}
}

func (f *ConsultationFlow) ready(ctx context.Context, st *models.ConsultationState, in models.AgentInput) (*models.AgentReply, error) {
	if in.Action != models.ActionStartConsultation {
		return &models.AgentReply{Message: "Waiting for the consultation to start."}, nil
	}
	if _, err := time.Parse(models.DateLayout, in.QueueDate); err != nil {
		return &models.AgentReply{Message: "A queue date (YYYY-MM-DD) is required to start the consultation."}, nil
	}

	// skip_queue_call means the admission engine is the caller and already
	// performed its side of the start; only the local cache moves.
	if !in.SkipQueueCall {
		_, err := f.queue.StartConsultation(ctx, models.StartConsultationRequest{
			DoctorID:  st.DoctorID,
			VisitID:   st.VisitID,
			QueueDate: in.QueueDate,
			Caller:    models.CallerConsultationAgent,
		})
		if err != nil {
			slog.Warn("ConsultationFlow.ready: queue start failed", "error", err, "visit_id", st.VisitID)
			return &models.AgentReply{Message: "The queue could not start this consultation. Please try again."}, nil
		}
	}

	now := time.Now().UTC()
	st.ConsultationStartedAt = &now
	if err := transition(st, ConsultationTransitions, models.ConsultStepInConsultation); err != nil {
		return nil, err
	}
	return &models.AgentReply{Message: "Consultation started."}, nil
}

func (f *ConsultationFlow) inConsultation(ctx context.Context, st *models.ConsultationState, in models.AgentInput) (*models.AgentReply, error) {
	switch in.Action {
	case models.ActionSaveNotes:
		return f.saveNotes(ctx, st, in)
	case models.ActionAddPrescription:
		return f.addPrescription(ctx, st, in)
	case models.ActionEndConsultation:
		return f.endConsultation(ctx, st, in)
	default:
		return &models.AgentReply{
			Message:        "Unrecognized action.",
			AllowedActions: []string{models.ActionSaveNotes, models.ActionAddPrescription, models.ActionEndConsultation},
		}, nil
	}
}

func (f *ConsultationFlow) saveNotes(ctx context.Context, st *models.ConsultationState, in models.AgentInput) (*models.AgentReply, error) {
	notes := strings.TrimSpace(in.Notes)
	if utf8.RuneCountInString(notes) < models.MinSymptomLength {
		return &models.AgentReply{Message: "Notes must be at least 5 characters."}, nil
	}
	c := models.Consultation{
		VisitID:   st.VisitID,
		DoctorID:  st.DoctorID,
		PatientID: st.PatientID,
		Notes:     notes,
		StartedAt: st.ConsultationStartedAt,
		UpdatedAt: time.Now().UTC(),
	}
	if err := f.store.UpsertConsultationNotes(ctx, c); err != nil {
		slog.Error("ConsultationFlow.saveNotes: upsert failed", "error", err, "visit_id", st.VisitID)
		return &models.AgentReply{Message: "Notes could not be saved right now. Please try again."}, nil
	}
	st.ConsultationNotes = notes
	st.Touch(time.Now().UTC())
	return &models.AgentReply{Message: "Notes saved."}, nil
}

func (f *ConsultationFlow) addPrescription(ctx context.Context, st *models.ConsultationState, in models.AgentInput) (*models.AgentReply, error) {
	if in.Prescription == nil || strings.TrimSpace(in.Prescription.MedicineName) == "" {
		return &models.AgentReply{Message: "A medicine name is required."}, nil
	}
	if err := f.store.AddPrescriptionItem(ctx, st.VisitID, *in.Prescription); err != nil {
		slog.Error("ConsultationFlow.addPrescription: insert failed", "error", err, "visit_id", st.VisitID)
		return &models.AgentReply{Message: "The prescription could not be saved right now. Please try again."}, nil
	}
	st.Prescriptions = append(st.Prescriptions, *in.Prescription)
	st.Touch(time.Now().UTC())
	return &models.AgentReply{Message: fmt.Sprintf("Added %s to the prescription.", in.Prescription.MedicineName)}, nil
}

func (f *ConsultationFlow) endConsultation(ctx context.Context, st *models.ConsultationState, in models.AgentInput) (*models.AgentReply, error) {
	if _, err := time.Parse(models.DateLayout, in.QueueDate); err != nil {
		return &models.AgentReply{Message: "A queue date (YYYY-MM-DD) is required to end the consultation."}, nil
	}

	// The admission engine owns closing the queue entry and the
	// consultation record; skip only when the engine itself is calling.
	if !in.SkipQueueCall {
		_, err := f.queue.EndConsultation(ctx, models.EndConsultationRequest{
			DoctorID:  st.DoctorID,
			VisitID:   st.VisitID,
			QueueDate: in.QueueDate,
			Caller:    models.CallerConsultationAgent,
		})
		if err != nil {
			slog.Warn("ConsultationFlow.endConsultation: queue end failed", "error", err, "visit_id", st.VisitID)
			return &models.AgentReply{Message: "The queue could not close this consultation. Please try again."}, nil
		}
	}

	now := time.Now().UTC()
	st.ConsultationEndedAt = &now
	if err := transition(st, ConsultationTransitions, models.ConsultStepCompleted); err != nil {
		return nil, err
	}
	return &models.AgentReply{Message: "Consultation completed."}, nil
}
