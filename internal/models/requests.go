// Package models defines the request and response shapes exchanged between
// agents and over the HTTP API.
package models

// AgentInput carries one turn of structured user input to a workflow. Only
// the fields relevant to the agent's current step are read; the rest are
// ignored rather than rejected.
type AgentInput struct {
	// Registration fields.
	PhoneNumber        string  `json:"phone_number,omitempty"`
	FullName           string  `json:"full_name,omitempty"`
	Age                *int    `json:"age,omitempty"`
	Symptoms           string  `json:"symptoms,omitempty"`
	Confirm            *bool   `json:"confirm,omitempty"`
	DepartmentOverride *string `json:"department_override,omitempty"`
	DoctorID           string  `json:"doctor_id,omitempty"`

	// Chatbot free-text turn.
	Message string `json:"message,omitempty"`

	// Consultation actions.
	Action        string            `json:"action,omitempty"`
	QueueDate     string            `json:"queue_date,omitempty"`
	SkipQueueCall bool              `json:"skip_queue_call,omitempty"`
	Notes         string            `json:"notes,omitempty"`
	Prescription  *PrescriptionItem `json:"prescription,omitempty"`
}

// AgentReply is a workflow's answer for one turn: the user-facing message
// plus any structured payload the step attached.
type AgentReply struct {
	Message string `json:"message"`

	// Department resolution payload.
	SuggestedDepartment string   `json:"suggested_department,omitempty"`
	Confidence          *float64 `json:"confidence,omitempty"`
	Reasoning           []string `json:"reasoning,omitempty"`
	Departments         []string `json:"departments,omitempty"`
	ExpectedInput       []string `json:"expected_input,omitempty"`

	// Doctor selection payload.
	Doctors []DoctorOption `json:"doctors,omitempty"`

	// Visit outcome payload.
	TokenNumber *int `json:"token_number,omitempty"`

	// Consultation payload.
	AllowedActions []string `json:"allowed_actions,omitempty"`

	// Chatbot discovery payload.
	Hospitals []HospitalOption `json:"hospitals,omitempty"`
}

// AgentRequest is the transport envelope for a delegated or direct agent
// turn: {sessionId?, targetId, input}.
type AgentRequest struct {
	SessionID  string     `json:"session_id,omitempty"`
	HospitalID string     `json:"hospital_id,omitempty"`
	Input      AgentInput `json:"input"`
}

// AgentResponse is the transport envelope returned for an agent turn.
type AgentResponse struct {
	SessionID string     `json:"session_id"`
	Step      Step       `json:"step"`
	Response  AgentReply `json:"response"`
}

// HandoffPayload carries the full visit context, including department
// resolution provenance, from registration to consultation intake.
type HandoffPayload struct {
	VisitID         string `json:"visit_id"`
	PatientID       string `json:"patient_id"`
	DoctorID        string `json:"doctor_id"`
	Department      string `json:"department"`
	SymptomsSummary string `json:"symptoms_summary,omitempty"`
	TokenNumber     *int   `json:"token_number,omitempty"`

	DepartmentSuggested  string   `json:"department_suggested,omitempty"`
	DepartmentConfidence *float64 `json:"department_confidence,omitempty"`
	DepartmentReasoning  []string `json:"department_reasoning,omitempty"`
	DepartmentOverridden bool     `json:"department_overridden,omitempty"`
}

// QueueIntakeRequest asks the admission engine to queue a visit.
type QueueIntakeRequest struct {
	VisitID   string `json:"visit_id"`
	PatientID string `json:"patient_id"`
	DoctorID  string `json:"doctor_id"`
	QueueDate string `json:"queue_date"`
}

// QueueIntakeResponse is the admission decision. A rejection is a normal
// business outcome carrying a reason code, not an error.
type QueueIntakeResponse struct {
	Accepted             bool   `json:"accepted"`
	TokenNumber          *int   `json:"token_number,omitempty"`
	Position             *int   `json:"position,omitempty"`
	EstimatedWaitMinutes *int   `json:"estimated_wait_minutes,omitempty"`
	Reason               string `json:"reason,omitempty"`
}

// Admission rejection reason codes.
const (
	ReasonQueueClosed = "queue closed"
	ReasonShiftEnd    = "shift will end before consultation"
)

// Caller identity tags recorded on admission engine events.
const (
	CallerQueueAgent        = "queue_agent"
	CallerConsultationAgent = "doctor_assistance_agent"
	CallerRegistrationAgent = "registration_agent"
)

// StartConsultationRequest marks a queued visit as in consultation.
type StartConsultationRequest struct {
	DoctorID  string `json:"doctor_id"`
	VisitID   string `json:"visit_id"`
	QueueDate string `json:"queue_date"`
	Caller    string `json:"caller,omitempty"`
}

// StartConsultationResponse reports the resulting entry status.
type StartConsultationResponse struct {
	Success bool   `json:"success"`
	VisitID string `json:"visit_id"`
	Status  string `json:"status"`
}

// EndConsultationRequest closes a queue entry. The admission engine is the
// single source of truth for closing both the entry and the consultation
// record.
type EndConsultationRequest struct {
	DoctorID  string `json:"doctor_id"`
	VisitID   string `json:"visit_id"`
	QueueDate string `json:"queue_date"`
	Caller    string `json:"caller,omitempty"`
}

// EndConsultationResponse acknowledges the close.
type EndConsultationResponse struct {
	Success bool   `json:"success"`
	VisitID string `json:"visit_id"`
	Message string `json:"message,omitempty"`
}

// CheckInRequest marks a waiting entry as present at the facility.
type CheckInRequest struct {
	VisitID   string `json:"visit_id"`
	DoctorID  string `json:"doctor_id"`
	QueueDate string `json:"queue_date"`
}

// CheckInResponse reports the resulting entry status.
type CheckInResponse struct {
	Success bool   `json:"success"`
	VisitID string `json:"visit_id"`
	Status  string `json:"status"`
}

// SkipRequest marks an entry as skipped with a reason.
type SkipRequest struct {
	VisitID   string `json:"visit_id"`
	DoctorID  string `json:"doctor_id"`
	QueueDate string `json:"queue_date"`
	Reason    string `json:"reason"`
}

// SkipResponse reports the resulting entry status.
type SkipResponse struct {
	Success bool   `json:"success"`
	VisitID string `json:"visit_id"`
	Status  string `json:"status"`
}

// CallNextRequest asks for the earliest eligible entry in a queue.
type CallNextRequest struct {
	DoctorID  string `json:"doctor_id"`
	QueueDate string `json:"queue_date"`
}

// CallNextResponse identifies the called visit.
type CallNextResponse struct {
	VisitID     string `json:"visit_id"`
	PatientID   string `json:"patient_id"`
	DoctorID    string `json:"doctor_id"`
	TokenNumber int    `json:"token_number"`
	Status      string `json:"status"`
}

// DepartmentResolution is the classifier's department suggestion.
type DepartmentResolution struct {
	Department string   `json:"department"`
	Confidence float64  `json:"confidence"`
	Reasoning  []string `json:"reasoning,omitempty"`
}

// IntentResult is the classifier's intent decision for a chatbot turn.
type IntentResult struct {
	Intent         string  `json:"intent"`
	DepartmentHint string  `json:"department_hint,omitempty"`
	Confidence     float64 `json:"confidence"`
	Reasoning      string  `json:"reasoning,omitempty"`
}

// APIResponse is the uniform HTTP envelope.
type APIResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Result  any    `json:"result,omitempty"`
}

// Success builds a success envelope wrapping a result payload.
func Success(result any) APIResponse {
	return APIResponse{Status: "ok", Result: result}
}

// Error builds an error envelope with a user-safe message.
func Error(message string) APIResponse {
	return APIResponse{Status: "error", Message: message}
}
