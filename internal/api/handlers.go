// Package api provides HTTP handlers for opdflow endpoints.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/opdflow/opdflow/internal/models"
)

func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func (s *Server) registrationMessageHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if !requirePost(w, r) {
		return
	}
	var req models.AgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.registrationMessageHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	var st *models.RegistrationState
	isNew := req.SessionID == ""
	if isNew {
		if req.HospitalID == "" {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("hospital_id is required for a new session"))
			return
		}
		st = models.NewRegistrationState(req.HospitalID, time.Now().UTC())
	} else {
		blob, err := s.store.GetSession(r.Context(), req.SessionID)
		if err != nil {
			slog.Error("Server.registrationMessageHandler: session load failed", "error", err, "session_id", req.SessionID)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load session"))
			return
		}
		if blob == nil {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found"))
			return
		}
		st = &models.RegistrationState{}
		if err := json.Unmarshal(blob, st); err != nil {
			slog.Error("Server.registrationMessageHandler: corrupt session state", "error", err, "session_id", req.SessionID)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Corrupt session state"))
			return
		}
	}

	reply, err := s.registration.Handle(r.Context(), st, req.Input)
	if err != nil {
		slog.Error("Server.registrationMessageHandler: workflow failed", "error", err, "session_id", req.SessionID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Registration turn failed"))
		return
	}

	sessionID, err := s.persistState(r, req.SessionID, isNew, models.AgentRegistration, st)
	if err != nil {
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to persist session"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(models.AgentResponse{
		SessionID: sessionID,
		Step:      st.Step,
		Response:  *reply,
	}))
}

func (s *Server) chatbotMessageHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if !requirePost(w, r) {
		return
	}
	var req models.AgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.chatbotMessageHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	var st *models.ChatbotState
	isNew := req.SessionID == ""
	if isNew {
		st = models.NewChatbotState(time.Now().UTC())
	} else {
		blob, err := s.store.GetSession(r.Context(), req.SessionID)
		if err != nil {
			slog.Error("Server.chatbotMessageHandler: session load failed", "error", err, "session_id", req.SessionID)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load session"))
			return
		}
		if blob == nil {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found"))
			return
		}
		st = &models.ChatbotState{}
		if err := json.Unmarshal(blob, st); err != nil {
			slog.Error("Server.chatbotMessageHandler: corrupt session state", "error", err, "session_id", req.SessionID)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Corrupt session state"))
			return
		}
	}

	reply, err := s.chatbot.Handle(r.Context(), st, req.Input)
	if err != nil {
		slog.Error("Server.chatbotMessageHandler: workflow failed", "error", err, "session_id", req.SessionID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Chatbot turn failed"))
		return
	}

	sessionID, err := s.persistState(r, req.SessionID, isNew, models.AgentChatbot, st)
	if err != nil {
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to persist session"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(models.AgentResponse{
		SessionID: sessionID,
		Step:      st.Step,
		Response:  *reply,
	}))
}

// consultationByVisitRequest addresses a doctor assistance session through
// its visit rather than a session id.
type consultationByVisitRequest struct {
	VisitID string            `json:"visit_id"`
	Input   models.AgentInput `json:"input"`
}

func (s *Server) consultationByVisitHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if !requirePost(w, r) {
		return
	}
	var req consultationByVisitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.consultationByVisitHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.VisitID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("visit_id is required"))
		return
	}

	sessionID, blob, err := s.store.FindConsultationSessionByVisit(r.Context(), req.VisitID)
	if err != nil {
		slog.Error("Server.consultationByVisitHandler: session lookup failed", "error", err, "visit_id", req.VisitID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load session"))
		return
	}
	if sessionID == "" {
		writeJSONResponse(w, http.StatusNotFound, models.Error("No consultation session for visit"))
		return
	}
	st := &models.ConsultationState{}
	if err := json.Unmarshal(blob, st); err != nil {
		slog.Error("Server.consultationByVisitHandler: corrupt session state", "error", err, "session_id", sessionID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Corrupt session state"))
		return
	}

	reply, err := s.consultation.Handle(r.Context(), st, req.Input)
	if err != nil {
		slog.Error("Server.consultationByVisitHandler: workflow failed", "error", err, "session_id", sessionID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Consultation turn failed"))
		return
	}

	if _, err := s.persistState(r, sessionID, false, models.AgentConsultation, st); err != nil {
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to persist session"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(models.AgentResponse{
		SessionID: sessionID,
		Step:      st.Step,
		Response:  *reply,
	}))
}

// persistState marshals the state and creates or updates its session row.
func (s *Server) persistState(r *http.Request, sessionID string, isNew bool, kind models.AgentKind, st any) (string, error) {
	blob, err := json.Marshal(st)
	if err != nil {
		slog.Error("Server.persistState: marshal failed", "error", err, "kind", kind)
		return "", err
	}
	if isNew {
		id, err := s.store.CreateSession(r.Context(), kind, blob)
		if err != nil {
			slog.Error("Server.persistState: create failed", "error", err, "kind", kind)
			return "", err
		}
		return id, nil
	}
	if err := s.store.UpdateSession(r.Context(), sessionID, blob); err != nil {
		slog.Error("Server.persistState: update failed", "error", err, "session_id", sessionID)
		return "", err
	}
	return sessionID, nil
}

func queueErrorStatus(err error) int {
	switch {
	case errors.Is(err, models.ErrNotHeadOfQueue):
		return http.StatusConflict
	case errors.Is(err, models.ErrQueueNotFound),
		errors.Is(err, models.ErrQueueEntryNotFound),
		errors.Is(err, models.ErrVisitNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) queueIntakeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if !requirePost(w, r) {
		return
	}
	var req models.QueueIntakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	resp, err := s.queue.Intake(r.Context(), req)
	if err != nil {
		slog.Error("Server.queueIntakeHandler: intake failed", "error", err, "visit_id", req.VisitID)
		writeJSONResponse(w, queueErrorStatus(err), models.Error(err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(resp))
}

func (s *Server) queueStartHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if !requirePost(w, r) {
		return
	}
	var req models.StartConsultationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	resp, err := s.queue.StartConsultation(r.Context(), req)
	if err != nil {
		slog.Warn("Server.queueStartHandler: start failed", "error", err, "visit_id", req.VisitID)
		writeJSONResponse(w, queueErrorStatus(err), models.Error(err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(resp))
}

func (s *Server) queueEndHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if !requirePost(w, r) {
		return
	}
	var req models.EndConsultationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	resp, err := s.queue.EndConsultation(r.Context(), req)
	if err != nil {
		slog.Warn("Server.queueEndHandler: end failed", "error", err, "visit_id", req.VisitID)
		writeJSONResponse(w, queueErrorStatus(err), models.Error(err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(resp))
}

func (s *Server) queueCheckInHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if !requirePost(w, r) {
		return
	}
	var req models.CheckInRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	resp, err := s.queue.CheckIn(r.Context(), req)
	if err != nil {
		writeJSONResponse(w, queueErrorStatus(err), models.Error(err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(resp))
}

func (s *Server) queueSkipHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if !requirePost(w, r) {
		return
	}
	var req models.SkipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	resp, err := s.queue.Skip(r.Context(), req)
	if err != nil {
		writeJSONResponse(w, queueErrorStatus(err), models.Error(err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(resp))
}

func (s *Server) queueCallNextHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if !requirePost(w, r) {
		return
	}
	var req models.CallNextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	resp, err := s.queue.CallNext(r.Context(), req)
	if err != nil {
		writeJSONResponse(w, queueErrorStatus(err), models.Error(err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(resp))
}

func (s *Server) hospitalsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	hospitals, err := s.store.ListHospitals(r.Context())
	if err != nil {
		slog.Error("Server.hospitalsHandler: query failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list hospitals"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(hospitals))
}

func (s *Server) availableDoctorsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	departmentID := r.URL.Query().Get("department_id")
	if departmentID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("department_id query parameter is required"))
		return
	}
	doctors, err := s.store.ListAvailableDoctorsByDepartment(r.Context(), departmentID)
	if err != nil {
		slog.Error("Server.availableDoctorsHandler: query failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list doctors"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(doctors))
}
