package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/opdflow/opdflow/internal/models"
	"github.com/opdflow/opdflow/internal/queue"
	"github.com/opdflow/opdflow/internal/store"
	"github.com/opdflow/opdflow/internal/workflow"
)

type stubClassifier struct{}

func (stubClassifier) Summarize(ctx context.Context, text string) (string, error) {
	return text, nil
}

func (stubClassifier) ResolveDepartment(ctx context.Context, symptomSummary string, age *int, allowed []string) (*models.DepartmentResolution, error) {
	return &models.DepartmentResolution{Department: "General Medicine", Confidence: 0.9}, nil
}

func (stubClassifier) DetectIntent(ctx context.Context, message string) (models.IntentResult, error) {
	return models.IntentResult{Intent: models.IntentMedical, Confidence: 0.9}, nil
}

type testServer struct {
	store   *store.InMemoryStore
	engine  *queue.Engine
	consult *workflow.ConsultationFlow
	ts      *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st := store.NewInMemoryStore()
	st.SeedCatalog(
		[]models.Hospital{{ID: "h-1", Name: "City Care", Location: "Pune", IsActive: true}},
		[]models.Department{{ID: "dep-gen", HospitalID: "h-1", Name: "General Medicine"}},
		[]models.Doctor{{ID: "doc-1", HospitalID: "h-1", DepartmentID: "dep-gen", Name: "Dr. Mehta", IsAvailable: true}},
	)
	engine := queue.NewEngine(st)
	consult := workflow.NewConsultationFlow(st, engine)
	reg := workflow.NewRegistrationFlow(st, stubClassifier{}, engine, consult, nil)
	chat := workflow.NewChatbotFlow(st, stubClassifier{}, workflow.NewLocalRegistrationDelegate(st, reg))

	srv := NewServer(st, reg, consult, chat, engine)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testServer{store: st, engine: engine, consult: consult, ts: ts}
}

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

func (s *testServer) post(t *testing.T, path string, payload any) (int, envelope) {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	resp, err := http.Post(s.ts.URL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode envelope from %s: %v", path, err)
	}
	return resp.StatusCode, env
}

func decodeResult(t *testing.T, env envelope, out any) {
	t.Helper()
	if err := json.Unmarshal(env.Result, out); err != nil {
		t.Fatalf("decode result: %v", err)
	}
}

func TestRegistrationEndpoint_SessionLifecycle(t *testing.T) {
	s := newTestServer(t)

	code, env := s.post(t, "/agents/registration/message", models.AgentRequest{
		Input: models.AgentInput{PhoneNumber: "9876543210"},
	})
	if code != http.StatusBadRequest || env.Message != "hospital_id is required for a new session" {
		t.Fatalf("expected hospital_id validation, got %d %q", code, env.Message)
	}

	code, env = s.post(t, "/agents/registration/message", models.AgentRequest{
		HospitalID: "h-1",
		Input:      models.AgentInput{PhoneNumber: "9876543210"},
	})
	if code != http.StatusOK || env.Status != "ok" {
		t.Fatalf("expected success envelope, got %d %+v", code, env)
	}
	var agentResp models.AgentResponse
	decodeResult(t, env, &agentResp)
	if agentResp.SessionID == "" || agentResp.Step != models.RegStepCollectPatientDetails {
		t.Fatalf("unexpected first turn: %+v", agentResp)
	}
	if agentResp.Response.Message != "Please provide your full name and age." {
		t.Errorf("unexpected reply: %q", agentResp.Response.Message)
	}

	age := 34
	code, env = s.post(t, "/agents/registration/message", models.AgentRequest{
		SessionID: agentResp.SessionID,
		Input:     models.AgentInput{FullName: "Ravi", Age: &age},
	})
	if code != http.StatusOK {
		t.Fatalf("expected continued session, got %d %+v", code, env)
	}
	decodeResult(t, env, &agentResp)
	if agentResp.Step != models.RegStepCollectSymptoms {
		t.Errorf("expected collect_symptoms, got %s", agentResp.Step)
	}

	code, env = s.post(t, "/agents/registration/message", models.AgentRequest{
		SessionID: "sess-missing",
		Input:     models.AgentInput{},
	})
	if code != http.StatusNotFound || env.Message != "Session not found" {
		t.Errorf("expected 404 for unknown session, got %d %q", code, env.Message)
	}
}

func TestChatbotEndpoint_NewSessionGreets(t *testing.T) {
	s := newTestServer(t)

	code, env := s.post(t, "/agents/chatbot/message", models.AgentRequest{Input: models.AgentInput{}})
	if code != http.StatusOK || env.Status != "ok" {
		t.Fatalf("expected success, got %d %+v", code, env)
	}
	var agentResp models.AgentResponse
	decodeResult(t, env, &agentResp)
	if agentResp.SessionID == "" || agentResp.Step != models.ChatStepCollectSymptoms {
		t.Errorf("unexpected greeting turn: %+v", agentResp)
	}
}

func TestConsultationByVisitEndpoint(t *testing.T) {
	s := newTestServer(t)
	token := 1
	_, err := s.consult.IntakeVisit(context.Background(), models.HandoffPayload{
		VisitID: "v-1", PatientID: "p-1", DoctorID: "doc-1",
		Department: "General Medicine", TokenNumber: &token,
	})
	if err != nil {
		t.Fatalf("seed consultation session: %v", err)
	}

	code, env := s.post(t, "/agents/doctor-assistance/handle-by-visit", map[string]any{
		"visit_id": "v-1",
		"input": models.AgentInput{
			Action:        models.ActionStartConsultation,
			QueueDate:     time.Now().UTC().Format(models.DateLayout),
			SkipQueueCall: true,
		},
	})
	if code != http.StatusOK {
		t.Fatalf("expected success, got %d %+v", code, env)
	}
	var agentResp models.AgentResponse
	decodeResult(t, env, &agentResp)
	if agentResp.Step != models.ConsultStepInConsultation || agentResp.Response.Message != "Consultation started." {
		t.Errorf("unexpected turn: %+v", agentResp)
	}

	// The state change must survive to the next turn.
	code, env = s.post(t, "/agents/doctor-assistance/handle-by-visit", map[string]any{
		"visit_id": "v-1",
		"input":    models.AgentInput{Action: models.ActionSaveNotes, Notes: "suspect viral fever"},
	})
	if code != http.StatusOK {
		t.Fatalf("expected success, got %d %+v", code, env)
	}
	decodeResult(t, env, &agentResp)
	if agentResp.Response.Message != "Notes saved." {
		t.Errorf("unexpected notes turn: %+v", agentResp.Response)
	}

	code, env = s.post(t, "/agents/doctor-assistance/handle-by-visit", map[string]any{
		"visit_id": "v-unknown",
		"input":    models.AgentInput{},
	})
	if code != http.StatusNotFound || env.Message != "No consultation session for visit" {
		t.Errorf("expected 404 for unknown visit, got %d %q", code, env.Message)
	}
}

func TestQueueEndpoints(t *testing.T) {
	s := newTestServer(t)
	today := time.Now().UTC().Format(models.DateLayout)
	ctx := context.Background()
	for _, id := range []string{"v-1", "v-2"} {
		err := s.store.CreateVisit(ctx, models.Visit{
			ID: id, PatientID: "p-" + id, DoctorID: "doc-1",
			Status: models.VisitScheduled, CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("seed visit: %v", err)
		}
	}

	code, env := s.post(t, "/agents/queue/intake", models.QueueIntakeRequest{
		VisitID: "v-1", PatientID: "p-v-1", DoctorID: "doc-1", QueueDate: today,
	})
	if code != http.StatusOK {
		t.Fatalf("intake failed: %d %+v", code, env)
	}
	var intake models.QueueIntakeResponse
	decodeResult(t, env, &intake)
	if !intake.Accepted || intake.TokenNumber == nil || *intake.TokenNumber != 1 {
		t.Fatalf("unexpected intake result: %+v", intake)
	}

	s.post(t, "/agents/queue/intake", models.QueueIntakeRequest{
		VisitID: "v-2", PatientID: "p-v-2", DoctorID: "doc-1", QueueDate: today,
	})

	// Starting a non-head visit maps the head-of-queue violation to 409.
	code, env = s.post(t, "/agents/queue/start-consultation", models.StartConsultationRequest{
		DoctorID: "doc-1", VisitID: "v-2", QueueDate: today,
	})
	if code != http.StatusConflict || env.Status != "error" {
		t.Errorf("expected 409 for non-head start, got %d %+v", code, env)
	}

	code, env = s.post(t, "/agents/queue/check-in", models.CheckInRequest{
		DoctorID: "doc-1", VisitID: "v-1", QueueDate: today,
	})
	if code != http.StatusOK {
		t.Fatalf("check-in failed: %d %+v", code, env)
	}

	code, env = s.post(t, "/agents/queue/call-next", models.CallNextRequest{DoctorID: "doc-1", QueueDate: today})
	if code != http.StatusOK {
		t.Fatalf("call-next failed: %d %+v", code, env)
	}
	var next models.CallNextResponse
	decodeResult(t, env, &next)
	if next.VisitID != "v-1" || next.TokenNumber != 1 {
		t.Errorf("unexpected head: %+v", next)
	}

	code, env = s.post(t, "/agents/queue/call-next", models.CallNextRequest{DoctorID: "doc-1", QueueDate: "2000-01-01"})
	if code != http.StatusNotFound {
		t.Errorf("expected 404 for missing queue, got %d %+v", code, env)
	}
}

func TestCatalogEndpoints(t *testing.T) {
	s := newTestServer(t)

	resp, err := http.Get(s.ts.URL + "/hospitals")
	if err != nil {
		t.Fatalf("GET /hospitals: %v", err)
	}
	defer resp.Body.Close()
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	var hospitals []models.Hospital
	decodeResult(t, env, &hospitals)
	if resp.StatusCode != http.StatusOK || len(hospitals) != 1 || hospitals[0].ID != "h-1" {
		t.Errorf("unexpected hospitals response: %d %+v", resp.StatusCode, hospitals)
	}

	resp, err = http.Get(s.ts.URL + "/doctors/available")
	if err != nil {
		t.Fatalf("GET /doctors/available: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 without department_id, got %d", resp.StatusCode)
	}

	resp, err = http.Get(s.ts.URL + "/doctors/available?department_id=dep-gen")
	if err != nil {
		t.Fatalf("GET /doctors/available: %v", err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	var doctors []models.Doctor
	decodeResult(t, env, &doctors)
	if len(doctors) != 1 || doctors[0].ID != "doc-1" {
		t.Errorf("unexpected doctors response: %+v", doctors)
	}

	resp, err = http.Get(s.ts.URL + "/agents/queue/intake")
	if err != nil {
		t.Fatalf("GET intake: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed || resp.Header.Get("Allow") != http.MethodPost {
		t.Errorf("expected 405 with Allow header, got %d %q", resp.StatusCode, resp.Header.Get("Allow"))
	}
}
