package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/opdflow/opdflow/internal/models"
	"github.com/opdflow/opdflow/internal/store"
)

const testDate = "2026-08-31"

func seedQueue(t *testing.T, st *store.InMemoryStore, doctorID string, open bool, shiftStart, shiftEnd string) models.DoctorQueue {
	t.Helper()
	now := time.Now().UTC()
	q := models.DoctorQueue{
		ID:                "q-" + doctorID,
		DoctorID:          doctorID,
		QueueDate:         testDate,
		ShiftStart:        shiftStart,
		ShiftEnd:          shiftEnd,
		AvgConsultMinutes: 10,
		QueueOpen:         open,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := st.CreateDoctorQueue(context.Background(), q); err != nil {
		t.Fatalf("seed queue: %v", err)
	}
	return q
}

func seedVisit(t *testing.T, st *store.InMemoryStore, visitID, patientID, doctorID string) {
	t.Helper()
	err := st.CreateVisit(context.Background(), models.Visit{
		ID: visitID, PatientID: patientID, DoctorID: doctorID,
		Status: models.VisitScheduled, CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed visit: %v", err)
	}
}

func intake(t *testing.T, e *Engine, visitID, doctorID string) *models.QueueIntakeResponse {
	t.Helper()
	resp, err := e.Intake(context.Background(), models.QueueIntakeRequest{
		VisitID: visitID, PatientID: "p-" + visitID, DoctorID: doctorID, QueueDate: testDate,
	})
	if err != nil {
		t.Fatalf("intake %s: %v", visitID, err)
	}
	return resp
}

func TestIntake_LazyCreatesQueueWithDefaults(t *testing.T) {
	st := store.NewInMemoryStore()
	e := NewEngine(st)
	seedVisit(t, st, "v-1", "p-1", "doc-1")

	resp := intake(t, e, "v-1", "doc-1")
	if !resp.Accepted || resp.TokenNumber == nil || *resp.TokenNumber != 1 {
		t.Fatalf("expected first admission with token 1, got %+v", resp)
	}
	if *resp.EstimatedWaitMinutes != 0 {
		t.Errorf("expected zero wait for first admission, got %d", *resp.EstimatedWaitMinutes)
	}

	q, err := st.GetDoctorQueue(context.Background(), "doc-1", testDate)
	if err != nil || q == nil {
		t.Fatalf("expected lazily created queue, got (%v, %v)", q, err)
	}
	if q.ShiftStart != models.DefaultShiftStart || q.ShiftEnd != models.DefaultShiftEnd || q.AvgConsultMinutes != models.DefaultAvgConsultMinutes {
		t.Errorf("queue not created with defaults: %+v", q)
	}
	if q.CurrentToken != 1 || q.LastEventType != EventVisitAdded {
		t.Errorf("admission not recorded on queue: %+v", q)
	}

	visit, _ := st.GetVisit(context.Background(), "v-1")
	if visit.TokenNumber != 1 {
		t.Errorf("expected token stamped on visit, got %d", visit.TokenNumber)
	}
}

func TestIntake_ClosedQueueRejectsWithoutMutation(t *testing.T) {
	st := store.NewInMemoryStore()
	e := NewEngine(st)
	q := seedQueue(t, st, "doc-1", false, "09:00", "17:00")
	seedVisit(t, st, "v-1", "p-1", "doc-1")

	resp := intake(t, e, "v-1", "doc-1")
	if resp.Accepted || resp.Reason != models.ReasonQueueClosed {
		t.Fatalf("expected queue-closed rejection, got %+v", resp)
	}
	if resp.TokenNumber != nil {
		t.Error("rejection must not carry a token")
	}
	after, _ := st.GetDoctorQueue(context.Background(), "doc-1", testDate)
	if after.CurrentToken != q.CurrentToken {
		t.Errorf("closed-queue rejection mutated the token counter: %d", after.CurrentToken)
	}
	if entry, _ := st.GetQueueEntryByVisit(context.Background(), q.ID, "v-1"); entry != nil {
		t.Errorf("closed-queue rejection created an entry: %+v", entry)
	}
}

func TestIntake_ConcurrentAdmissionsRespectCapacity(t *testing.T) {
	st := store.NewInMemoryStore()
	e := NewEngine(st)
	// One hour shift at ten minutes per consultation admits exactly six.
	seedQueue(t, st, "doc-1", true, "09:00", "10:00")

	const attempts = 7
	for i := 1; i <= attempts; i++ {
		seedVisit(t, st, fmt.Sprintf("v-%d", i), fmt.Sprintf("p-%d", i), "doc-1")
	}

	responses := make([]*models.QueueIntakeResponse, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := e.Intake(context.Background(), models.QueueIntakeRequest{
				VisitID: fmt.Sprintf("v-%d", i+1), DoctorID: "doc-1", QueueDate: testDate,
			})
			if err != nil {
				t.Errorf("intake v-%d: %v", i+1, err)
				return
			}
			responses[i] = resp
		}(i)
	}
	wg.Wait()

	accepted := 0
	rejected := 0
	tokens := make(map[int]bool)
	for _, resp := range responses {
		if resp == nil {
			continue
		}
		if resp.Accepted {
			accepted++
			if tokens[*resp.TokenNumber] {
				t.Errorf("duplicate token %d assigned", *resp.TokenNumber)
			}
			tokens[*resp.TokenNumber] = true
		} else {
			rejected++
			if resp.Reason != models.ReasonShiftEnd {
				t.Errorf("expected shift-end rejection, got %q", resp.Reason)
			}
		}
	}
	if accepted != 6 || rejected != 1 {
		t.Fatalf("expected 6 admissions and 1 rejection, got %d/%d", accepted, rejected)
	}
	for want := 1; want <= 6; want++ {
		if !tokens[want] {
			t.Errorf("expected consecutive tokens 1..6, missing %d", want)
		}
	}
	q, _ := st.GetDoctorQueue(context.Background(), "doc-1", testDate)
	if q.QueueOpen {
		t.Error("expected queue closed after overflow detection")
	}
}

func TestIntake_TokensStrictlyIncreaseAfterCompletion(t *testing.T) {
	st := store.NewInMemoryStore()
	e := NewEngine(st)
	seedVisit(t, st, "v-1", "p-1", "doc-1")
	seedVisit(t, st, "v-2", "p-2", "doc-1")

	first := intake(t, e, "v-1", "doc-1")
	if *first.TokenNumber != 1 {
		t.Fatalf("expected token 1, got %d", *first.TokenNumber)
	}

	ctx := context.Background()
	if _, err := e.StartConsultation(ctx, models.StartConsultationRequest{DoctorID: "doc-1", VisitID: "v-1", QueueDate: testDate}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := e.EndConsultation(ctx, models.EndConsultationRequest{DoctorID: "doc-1", VisitID: "v-1", QueueDate: testDate}); err != nil {
		t.Fatalf("end: %v", err)
	}

	// The active count dropped back to zero, but the token must not repeat.
	second := intake(t, e, "v-2", "doc-1")
	if *second.TokenNumber != 2 {
		t.Errorf("expected token 2 after completion, got %d", *second.TokenNumber)
	}
}

func TestStartConsultation_RequiresHeadOfQueue(t *testing.T) {
	st := store.NewInMemoryStore()
	e := NewEngine(st)
	seedVisit(t, st, "v-1", "p-1", "doc-1")
	seedVisit(t, st, "v-2", "p-2", "doc-1")
	intake(t, e, "v-1", "doc-1")
	intake(t, e, "v-2", "doc-1")

	_, err := e.StartConsultation(context.Background(), models.StartConsultationRequest{DoctorID: "doc-1", VisitID: "v-2", QueueDate: testDate})
	if !errors.Is(err, models.ErrNotHeadOfQueue) {
		t.Errorf("expected ErrNotHeadOfQueue, got %v", err)
	}
}

func TestStartConsultation_Idempotent(t *testing.T) {
	st := store.NewInMemoryStore()
	e := NewEngine(st)
	seedVisit(t, st, "v-1", "p-1", "doc-1")
	intake(t, e, "v-1", "doc-1")

	ctx := context.Background()
	req := models.StartConsultationRequest{DoctorID: "doc-1", VisitID: "v-1", QueueDate: testDate}
	if _, err := e.StartConsultation(ctx, req); err != nil {
		t.Fatalf("first start: %v", err)
	}
	resp, err := e.StartConsultation(ctx, req)
	if err != nil || !resp.Success {
		t.Errorf("expected idempotent second start, got (%+v, %v)", resp, err)
	}
}

func TestEndConsultation_Idempotent(t *testing.T) {
	st := store.NewInMemoryStore()
	e := NewEngine(st)
	seedVisit(t, st, "v-1", "p-1", "doc-1")
	intake(t, e, "v-1", "doc-1")

	ctx := context.Background()
	if _, err := e.StartConsultation(ctx, models.StartConsultationRequest{DoctorID: "doc-1", VisitID: "v-1", QueueDate: testDate}); err != nil {
		t.Fatalf("start: %v", err)
	}
	endReq := models.EndConsultationRequest{DoctorID: "doc-1", VisitID: "v-1", QueueDate: testDate, Caller: models.CallerConsultationAgent}
	if _, err := e.EndConsultation(ctx, endReq); err != nil {
		t.Fatalf("first end: %v", err)
	}
	resp, err := e.EndConsultation(ctx, endReq)
	if err != nil || !resp.Success || resp.Message != "consultation already completed" {
		t.Errorf("expected idempotent second end, got (%+v, %v)", resp, err)
	}

	visit, _ := st.GetVisit(ctx, "v-1")
	if visit.Status != models.VisitCompleted {
		t.Errorf("expected completed visit, got %s", visit.Status)
	}
	c, _ := st.GetConsultationByVisit(ctx, "v-1")
	if c == nil || c.EndedAt == nil {
		t.Errorf("expected closed consultation record, got %+v", c)
	}
}

func TestCheckInSkipAndCallNext(t *testing.T) {
	st := store.NewInMemoryStore()
	e := NewEngine(st)
	seedVisit(t, st, "v-1", "p-1", "doc-1")
	seedVisit(t, st, "v-2", "p-2", "doc-1")
	intake(t, e, "v-1", "doc-1")
	intake(t, e, "v-2", "doc-1")

	ctx := context.Background()
	checkIn, err := e.CheckIn(ctx, models.CheckInRequest{DoctorID: "doc-1", VisitID: "v-1", QueueDate: testDate})
	if err != nil || checkIn.Status != string(models.EntryPresent) {
		t.Fatalf("expected present after check-in, got (%+v, %v)", checkIn, err)
	}

	next, err := e.CallNext(ctx, models.CallNextRequest{DoctorID: "doc-1", QueueDate: testDate})
	if err != nil {
		t.Fatalf("call next: %v", err)
	}
	if next.VisitID != "v-1" || next.TokenNumber != 1 {
		t.Errorf("expected head v-1 token 1, got %+v", next)
	}
	// Calling next must not change the entry status.
	if next.Status != string(models.EntryPresent) {
		t.Errorf("call next mutated status: %s", next.Status)
	}

	skip, err := e.Skip(ctx, models.SkipRequest{DoctorID: "doc-1", VisitID: "v-1", QueueDate: testDate, Reason: "patient absent"})
	if err != nil || skip.Status != string(models.EntrySkipped) {
		t.Fatalf("expected skipped, got (%+v, %v)", skip, err)
	}
	next, err = e.CallNext(ctx, models.CallNextRequest{DoctorID: "doc-1", QueueDate: testDate})
	if err != nil || next.VisitID != "v-2" {
		t.Errorf("expected head to advance to v-2 after skip, got (%+v, %v)", next, err)
	}

	if _, err := e.Skip(ctx, models.SkipRequest{DoctorID: "doc-1", VisitID: "v-1", QueueDate: testDate, Reason: "again"}); err == nil {
		t.Error("expected error skipping an already skipped entry")
	}
}
