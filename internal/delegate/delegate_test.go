package delegate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/opdflow/opdflow/internal/models"
)

func TestRegistrationClient_Start(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/agents/registration/message" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req models.AgentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.HospitalID != "h-1" || req.Input.PhoneNumber != "9876543210" {
			t.Errorf("unexpected request payload: %+v", req)
		}
		json.NewEncoder(w).Encode(models.Success(models.AgentResponse{
			SessionID: "s-1",
			Step:      models.RegStepPatientLookup,
			Response:  models.AgentReply{Message: "Please describe your symptoms."},
		}))
	}))
	defer srv.Close()

	client, err := NewRegistrationClient(WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp, err := client.Start(context.Background(), "h-1", models.AgentInput{PhoneNumber: "9876543210"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.SessionID != "s-1" || resp.Step != models.RegStepPatientLookup {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestQueueClient_Intake(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/agents/queue/intake" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		token := 3
		json.NewEncoder(w).Encode(models.Success(models.QueueIntakeResponse{Accepted: true, TokenNumber: &token}))
	}))
	defer srv.Close()

	client, err := NewQueueClient(WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp, err := client.Intake(context.Background(), models.QueueIntakeRequest{VisitID: "v-1", DoctorID: "doc-1", QueueDate: "2026-08-31"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.Accepted || resp.TokenNumber == nil || *resp.TokenNumber != 3 {
		t.Errorf("unexpected intake response: %+v", resp)
	}
}

func TestPostJSON_ErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(models.Error("queue exploded"))
	}))
	defer srv.Close()

	client, _ := NewQueueClient(WithBaseURL(srv.URL))
	_, err := client.StartConsultation(context.Background(), models.StartConsultationRequest{VisitID: "v-1"})
	if !errors.Is(err, models.ErrDelegateUnavailable) {
		t.Errorf("expected ErrDelegateUnavailable, got %v", err)
	}
}

func TestPostJSON_ServerUnreachable(t *testing.T) {
	client, _ := NewQueueClient(WithBaseURL("http://127.0.0.1:1"))
	_, err := client.EndConsultation(context.Background(), models.EndConsultationRequest{VisitID: "v-1"})
	if !errors.Is(err, models.ErrDelegateUnavailable) {
		t.Errorf("expected ErrDelegateUnavailable, got %v", err)
	}
}

func TestNewClients_RequireBaseURL(t *testing.T) {
	if _, err := NewRegistrationClient(); err == nil {
		t.Error("expected error without base URL, got nil")
	}
	if _, err := NewQueueClient(); err == nil {
		t.Error("expected error without base URL, got nil")
	}
}
