package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/opdflow/opdflow/internal/models"
	"github.com/opdflow/opdflow/internal/store"
)

type mockQueueDelegate struct {
	startCalls int
	endCalls   int
	startErr   error
	endErr     error
}

func (m *mockQueueDelegate) StartConsultation(ctx context.Context, req models.StartConsultationRequest) (*models.StartConsultationResponse, error) {
	m.startCalls++
	if m.startErr != nil {
		return nil, m.startErr
	}
	return &models.StartConsultationResponse{Success: true, VisitID: req.VisitID}, nil
}

func (m *mockQueueDelegate) EndConsultation(ctx context.Context, req models.EndConsultationRequest) (*models.EndConsultationResponse, error) {
	m.endCalls++
	if m.endErr != nil {
		return nil, m.endErr
	}
	return &models.EndConsultationResponse{Success: true, VisitID: req.VisitID}, nil
}

func newConsultState() *models.ConsultationState {
	now := time.Now().UTC()
	token := 1
	return &models.ConsultationState{
		AgentName: string(models.AgentConsultation),
		Step:      models.ConsultStepReady,
		CreatedAt: now,
		UpdatedAt: now,
		VisitID:   "v-1",
		PatientID: "p-1",
		DoctorID:  "doc-1",
		TokenNumber: &token,
	}
}

func TestConsultationFlow_IntakeVisitCreatesReadySession(t *testing.T) {
	st := store.NewInMemoryStore()
	flow := NewConsultationFlow(st, &mockQueueDelegate{})
	token := 2

	sessionID, err := flow.IntakeVisit(context.Background(), models.HandoffPayload{
		VisitID: "v-1", PatientID: "p-1", DoctorID: "doc-1",
		Department: "Pediatrics", SymptomsSummary: "fever", TokenNumber: &token,
	})
	if err != nil || sessionID == "" {
		t.Fatalf("IntakeVisit: (%q, %v)", sessionID, err)
	}

	blob, err := st.GetSession(context.Background(), sessionID)
	if err != nil || blob == nil {
		t.Fatalf("session lookup: (%v, %v)", blob, err)
	}
	state := &models.ConsultationState{}
	if err := json.Unmarshal(blob, state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if state.Step != models.ConsultStepReady || state.VisitID != "v-1" || state.Department != "Pediatrics" {
		t.Errorf("unexpected handoff state: %+v", state)
	}
}

func TestConsultationFlow_StartRequiresActionAndDate(t *testing.T) {
	q := &mockQueueDelegate{}
	flow := NewConsultationFlow(store.NewInMemoryStore(), q)
	st := newConsultState()
	ctx := context.Background()

	reply, err := flow.Handle(ctx, st, models.AgentInput{Message: "hello"})
	if err != nil || reply.Message != "Waiting for the consultation to start." {
		t.Fatalf("expected waiting reply, got (%+v, %v)", reply, err)
	}

	reply, _ = flow.Handle(ctx, st, models.AgentInput{Action: models.ActionStartConsultation})
	if reply.Message != "A queue date (YYYY-MM-DD) is required to start the consultation." {
		t.Fatalf("expected date re-prompt, got %q", reply.Message)
	}
	if st.Step != models.ConsultStepReady || q.startCalls != 0 {
		t.Errorf("invalid start must not call the queue or move, got %s with %d calls", st.Step, q.startCalls)
	}

	reply, _ = flow.Handle(ctx, st, models.AgentInput{Action: models.ActionStartConsultation, QueueDate: "2026-08-31"})
	if reply.Message != "Consultation started." || st.Step != models.ConsultStepInConsultation {
		t.Fatalf("expected started, got %q at %s", reply.Message, st.Step)
	}
	if q.startCalls != 1 || st.ConsultationStartedAt == nil {
		t.Errorf("expected one delegated start with timestamp, got %d calls", q.startCalls)
	}
}

func TestConsultationFlow_IdlePromotesOnFirstContact(t *testing.T) {
	flow := NewConsultationFlow(store.NewInMemoryStore(), &mockQueueDelegate{})
	st := newConsultState()
	st.Step = models.ConsultStepIdle

	reply, err := flow.Handle(context.Background(), st, models.AgentInput{})
	if err != nil || reply.Message != "Waiting for the consultation to start." {
		t.Fatalf("expected waiting reply after promotion, got (%+v, %v)", reply, err)
	}
	if st.Step != models.ConsultStepReady {
		t.Errorf("expected ready, got %s", st.Step)
	}
}

func TestConsultationFlow_StartFailurePreservesState(t *testing.T) {
	q := &mockQueueDelegate{startErr: errors.New("queue unavailable")}
	flow := NewConsultationFlow(store.NewInMemoryStore(), q)
	st := newConsultState()

	reply, err := flow.Handle(context.Background(), st, models.AgentInput{Action: models.ActionStartConsultation, QueueDate: "2026-08-31"})
	if err != nil || reply.Message != "The queue could not start this consultation. Please try again." {
		t.Fatalf("expected retry reply, got (%+v, %v)", reply, err)
	}
	if st.Step != models.ConsultStepReady || st.ConsultationStartedAt != nil {
		t.Errorf("failed start must not move the state: %+v", st)
	}
}

func TestConsultationFlow_SkipQueueCallShortCircuits(t *testing.T) {
	q := &mockQueueDelegate{}
	flow := NewConsultationFlow(store.NewInMemoryStore(), q)
	st := newConsultState()
	ctx := context.Background()

	flow.Handle(ctx, st, models.AgentInput{Action: models.ActionStartConsultation, QueueDate: "2026-08-31", SkipQueueCall: true})
	flow.Handle(ctx, st, models.AgentInput{Action: models.ActionEndConsultation, QueueDate: "2026-08-31", SkipQueueCall: true})

	if q.startCalls != 0 || q.endCalls != 0 {
		t.Errorf("skip_queue_call must bypass delegation, got %d/%d calls", q.startCalls, q.endCalls)
	}
	if st.Step != models.ConsultStepCompleted {
		t.Errorf("expected completed, got %s", st.Step)
	}
}

func TestConsultationFlow_NotesAndPrescriptions(t *testing.T) {
	memStore := store.NewInMemoryStore()
	q := &mockQueueDelegate{}
	flow := NewConsultationFlow(memStore, q)
	st := newConsultState()
	ctx := context.Background()

	flow.Handle(ctx, st, models.AgentInput{Action: models.ActionStartConsultation, QueueDate: "2026-08-31"})

	reply, _ := flow.Handle(ctx, st, models.AgentInput{Action: models.ActionSaveNotes, Notes: "  hi  "})
	if reply.Message != "Notes must be at least 5 characters." {
		t.Fatalf("expected short-notes rejection, got %q", reply.Message)
	}

	reply, _ = flow.Handle(ctx, st, models.AgentInput{Action: models.ActionSaveNotes, Notes: "high fever, suspect viral infection"})
	if reply.Message != "Notes saved." || st.ConsultationNotes == "" {
		t.Fatalf("expected notes saved, got %q", reply.Message)
	}
	c, err := memStore.GetConsultationByVisit(ctx, "v-1")
	if err != nil || c == nil || c.Notes != "high fever, suspect viral infection" {
		t.Errorf("expected persisted notes, got (%+v, %v)", c, err)
	}

	reply, _ = flow.Handle(ctx, st, models.AgentInput{Action: models.ActionAddPrescription, Prescription: &models.PrescriptionItem{Dosage: "500mg"}})
	if reply.Message != "A medicine name is required." {
		t.Fatalf("expected medicine-name rejection, got %q", reply.Message)
	}

	reply, _ = flow.Handle(ctx, st, models.AgentInput{
		Action:       models.ActionAddPrescription,
		Prescription: &models.PrescriptionItem{MedicineName: "Paracetamol", Dosage: "500mg", Frequency: "twice daily"},
	})
	if reply.Message != "Added Paracetamol to the prescription." || len(st.Prescriptions) != 1 {
		t.Fatalf("expected prescription added, got %q with %d items", reply.Message, len(st.Prescriptions))
	}

	reply, _ = flow.Handle(ctx, st, models.AgentInput{Action: "order_xray"})
	if reply.Message != "Unrecognized action." || len(reply.AllowedActions) != 3 {
		t.Errorf("expected allowed-actions hint, got %+v", reply)
	}
}

func TestConsultationFlow_EndIsTerminalAndIdempotent(t *testing.T) {
	q := &mockQueueDelegate{}
	flow := NewConsultationFlow(store.NewInMemoryStore(), q)
	st := newConsultState()
	ctx := context.Background()

	flow.Handle(ctx, st, models.AgentInput{Action: models.ActionStartConsultation, QueueDate: "2026-08-31"})

	reply, _ := flow.Handle(ctx, st, models.AgentInput{Action: models.ActionEndConsultation})
	if reply.Message != "A queue date (YYYY-MM-DD) is required to end the consultation." || q.endCalls != 0 {
		t.Fatalf("expected date re-prompt before delegation, got %q with %d calls", reply.Message, q.endCalls)
	}

	reply, _ = flow.Handle(ctx, st, models.AgentInput{Action: models.ActionEndConsultation, QueueDate: "2026-08-31"})
	if reply.Message != "Consultation completed." || st.Step != models.ConsultStepCompleted {
		t.Fatalf("expected completed, got %q at %s", reply.Message, st.Step)
	}
	if q.endCalls != 1 || st.ConsultationEndedAt == nil {
		t.Errorf("expected one delegated end with timestamp, got %d calls", q.endCalls)
	}

	before := *st
	reply, err := flow.Handle(ctx, st, models.AgentInput{Action: models.ActionEndConsultation, QueueDate: "2026-08-31"})
	if err != nil || reply.Message != "This consultation is already completed." {
		t.Fatalf("expected terminal acknowledgment, got (%+v, %v)", reply, err)
	}
	if q.endCalls != 1 {
		t.Errorf("terminal step must not delegate again, got %d calls", q.endCalls)
	}
	if st.UpdatedAt != before.UpdatedAt {
		t.Error("terminal step must not mutate state")
	}
}

func TestConsultationFlow_EndFailurePreservesState(t *testing.T) {
	q := &mockQueueDelegate{endErr: errors.New("queue unavailable")}
	flow := NewConsultationFlow(store.NewInMemoryStore(), q)
	st := newConsultState()
	ctx := context.Background()

	flow.Handle(ctx, st, models.AgentInput{Action: models.ActionStartConsultation, QueueDate: "2026-08-31"})
	reply, err := flow.Handle(ctx, st, models.AgentInput{Action: models.ActionEndConsultation, QueueDate: "2026-08-31"})
	if err != nil || reply.Message != "The queue could not close this consultation. Please try again." {
		t.Fatalf("expected retry reply, got (%+v, %v)", reply, err)
	}
	if st.Step != models.ConsultStepInConsultation || st.ConsultationEndedAt != nil {
		t.Errorf("failed end must not move the state: %+v", st)
	}
}
