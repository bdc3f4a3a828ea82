// Package models defines per-agent workflow state records.
//
// Each agent kind exposes a fixed, known field set; fields not yet collected
// stay absent from the serialized blob rather than defaulting to misleading
// values. State blobs round-trip through the session store as opaque JSON
// documents with RFC 3339 timestamps and string UUIDs.
package models

import "time"

// Step is a state tag within an agent's closed step enumeration.
type Step string

// Registration workflow steps.
const (
	RegStepCollectPhone          Step = "collect_phone"
	RegStepPatientLookup         Step = "patient_lookup"
	RegStepCollectPatientDetails Step = "collect_patient_details"
	RegStepCollectSymptoms       Step = "collect_symptoms"
	RegStepResolveDepartment     Step = "resolve_department"
	RegStepSelectDoctor          Step = "select_doctor"
	RegStepCreateVisit           Step = "create_visit"
	RegStepHandoffComplete       Step = "handoff_complete"
)

// Consultation (doctor assistance) workflow steps.
const (
	ConsultStepIdle           Step = "idle"
	ConsultStepReady          Step = "ready"
	ConsultStepInConsultation Step = "in_consultation"
	ConsultStepCompleted      Step = "completed"
)

// Chatbot orchestrator steps.
const (
	ChatStepGreeting          Step = "greeting"
	ChatStepCollectSymptoms   Step = "collect_symptoms"
	ChatStepDetectIntent      Step = "detect_intent"
	ChatStepDiscoverHospitals Step = "discover_hospitals"
	ChatStepSelectHospital    Step = "select_hospital"
	ChatStepProxyRegistration Step = "proxy_registration"
	ChatStepExternalHandoff   Step = "external_handoff"
	ChatStepCompleted         Step = "completed"
)

// Consultation actions accepted by the doctor assistance workflow.
const (
	ActionStartConsultation = "start_consultation"
	ActionSaveNotes         = "save_notes"
	ActionAddPrescription   = "add_prescription"
	ActionEndConsultation   = "end_consultation"
)

// Intent labels produced by intent detection.
const (
	IntentMedical      = "medical"
	IntentHotelBooking = "hotel_booking"
	IntentGeneralQuery = "general_query"
)

// AgentState is the common surface every workflow state record exposes to
// the step engine.
type AgentState interface {
	Kind() AgentKind
	CurrentStep() Step
	SetStep(Step)
	Touch(now time.Time)
}

// RegistrationState walks a patient from phone number to a created visit.
type RegistrationState struct {
	AgentName string    `json:"agent_name"`
	Step      Step      `json:"step"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	HospitalID string `json:"hospital_id,omitempty"`

	// Patient identification.
	PhoneNumber       string `json:"phone_number,omitempty"`
	PatientID         string `json:"patient_id,omitempty"`
	IsExistingPatient *bool  `json:"is_existing_patient,omitempty"`
	FullName          string `json:"full_name,omitempty"`
	Age               *int   `json:"age,omitempty"`

	// Visit intent.
	SymptomsRaw     string `json:"symptoms_raw,omitempty"`
	SymptomsSummary string `json:"symptoms_summary,omitempty"`

	// Department resolution provenance.
	DepartmentSuggested  string   `json:"department_suggested,omitempty"`
	DepartmentConfidence *float64 `json:"department_confidence,omitempty"`
	DepartmentReasoning  []string `json:"department_reasoning,omitempty"`
	DepartmentFinal      string   `json:"department_final,omitempty"`
	DepartmentID         string   `json:"department_id,omitempty"`
	DepartmentOverridden bool     `json:"department_overridden,omitempty"`

	// Visit outcome.
	DoctorID    string `json:"doctor_id,omitempty"`
	DoctorName  string `json:"doctor_name,omitempty"`
	VisitID     string `json:"visit_id,omitempty"`
	TokenNumber *int   `json:"token_number,omitempty"`

	// Handoff bookkeeping; re-invocation of the terminal step is idempotent.
	HandoffProcessed bool   `json:"handoff_processed,omitempty"`
	HandoffSessionID string `json:"handoff_session_id,omitempty"`
}

// NewRegistrationState creates a fresh registration session state.
func NewRegistrationState(hospitalID string, now time.Time) *RegistrationState {
	return &RegistrationState{
		AgentName:  string(AgentRegistration),
		Step:       RegStepCollectPhone,
		HospitalID: hospitalID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func (s *RegistrationState) Kind() AgentKind     { return AgentRegistration }
func (s *RegistrationState) CurrentStep() Step   { return s.Step }
func (s *RegistrationState) SetStep(st Step)     { s.Step = st }
func (s *RegistrationState) Touch(now time.Time) { s.UpdatedAt = now }

// ConsultationState drives the doctor assistance workflow for one visit.
type ConsultationState struct {
	AgentName string    `json:"agent_name"`
	Step      Step      `json:"step"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Visit context handed off from registration; read-only afterwards.
	VisitID         string `json:"visit_id"`
	PatientID       string `json:"patient_id"`
	DoctorID        string `json:"doctor_id"`
	TokenNumber     *int   `json:"token_number,omitempty"`
	Department      string `json:"department,omitempty"`
	SymptomsSummary string `json:"symptoms_summary,omitempty"`

	// Consultation lifecycle.
	ConsultationStartedAt *time.Time `json:"consultation_started_at,omitempty"`
	ConsultationEndedAt   *time.Time `json:"consultation_ended_at,omitempty"`

	// Clinical data owned by this agent. The authoritative queue-entry
	// transition lives in the admission engine; this state is a cache.
	ConsultationNotes string             `json:"consultation_notes,omitempty"`
	Prescriptions     []PrescriptionItem `json:"prescriptions,omitempty"`
	LabOrders         []LabOrderItem     `json:"lab_orders,omitempty"`
}

func (s *ConsultationState) Kind() AgentKind     { return AgentConsultation }
func (s *ConsultationState) CurrentStep() Step   { return s.Step }
func (s *ConsultationState) SetStep(st Step)     { s.Step = st }
func (s *ConsultationState) Touch(now time.Time) { s.UpdatedAt = now }

// HospitalOption is a read-only projection produced by hospital discovery.
// Options are replaced wholesale on re-discovery, never mutated.
type HospitalOption struct {
	HospitalID   string         `json:"hospital_id"`
	HospitalName string         `json:"hospital_name"`
	Location     string         `json:"location"`
	Doctors      []DoctorOption `json:"doctors,omitempty"`
}

// DoctorOption is a read-only doctor projection for selection prompts.
type DoctorOption struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Specialization string `json:"specialization,omitempty"`
}

// DoctorChoice maps a presented list index back to a doctor identifier.
// Held directly in the orchestrator state so numeric replies resolve without
// scanning conversation history.
type DoctorChoice struct {
	Index int    `json:"index"`
	ID    string `json:"id"`
	Name  string `json:"name"`
}

// ChatMessage is one turn in the orchestrator's conversation transcript.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatbotState is the orchestrator's session state, including the weak
// reference to a delegated registration session.
type ChatbotState struct {
	AgentName string    `json:"agent_name"`
	Step      Step      `json:"step"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Intent detection.
	DetectedIntent   string   `json:"detected_intent,omitempty"`
	DepartmentHint   string   `json:"department_hint,omitempty"`
	IntentConfidence *float64 `json:"intent_confidence,omitempty"`

	SymptomsRaw string `json:"symptoms_raw,omitempty"`

	// Hospital discovery.
	AvailableHospitals   []HospitalOption `json:"available_hospitals,omitempty"`
	SelectedHospitalID   string           `json:"selected_hospital_id,omitempty"`
	SelectedHospitalName string           `json:"selected_hospital_name,omitempty"`

	// Delegated registration session. The proxy never mutates the delegate's
	// state directly, only through delegation calls.
	DelegatedSessionID string         `json:"delegated_session_id,omitempty"`
	RegistrationStep   Step           `json:"registration_step,omitempty"`
	ProxyPhoneNumber   string         `json:"proxy_phone_number,omitempty"`
	DoctorChoices      []DoctorChoice `json:"doctor_choices,omitempty"`

	ExternalSystem string        `json:"external_system,omitempty"`
	Messages       []ChatMessage `json:"messages,omitempty"`
}

// NewChatbotState creates a fresh orchestrator session state.
func NewChatbotState(now time.Time) *ChatbotState {
	return &ChatbotState{
		AgentName: string(AgentChatbot),
		Step:      ChatStepGreeting,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (s *ChatbotState) Kind() AgentKind     { return AgentChatbot }
func (s *ChatbotState) CurrentStep() Step   { return s.Step }
func (s *ChatbotState) SetStep(st Step)     { s.Step = st }
func (s *ChatbotState) Touch(now time.Time) { s.UpdatedAt = now }
