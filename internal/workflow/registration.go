package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/opdflow/opdflow/internal/models"
	"github.com/opdflow/opdflow/internal/store"
)

// Classifier is the text-classification port backing symptom summarization,
// department resolution, and intent detection. Implementations must return
// a nil resolution rather than an error for malformed service output.
type Classifier interface {
	Summarize(ctx context.Context, text string) (string, error)
	ResolveDepartment(ctx context.Context, symptomSummary string, age *int, allowed []string) (*models.DepartmentResolution, error)
	DetectIntent(ctx context.Context, message string) (models.IntentResult, error)
}

// Admitter is the queue admission engine surface the registration flow uses
// to allocate a token at visit creation.
type Admitter interface {
	Intake(ctx context.Context, req models.QueueIntakeRequest) (*models.QueueIntakeResponse, error)
}

// ConsultationIntake receives the handoff payload when registration reaches
// its terminal step and returns the created consultation session id.
type ConsultationIntake interface {
	IntakeVisit(ctx context.Context, payload models.HandoffPayload) (string, error)
}

// Notifier sends the assigned token to the patient out of band. A no-op
// implementation is acceptable; failures are logged, never surfaced.
type Notifier interface {
	TokenAssigned(ctx context.Context, phone string, token int, doctorName string) error
}

// NoopNotifier discards notifications.
type NoopNotifier struct{}

func (NoopNotifier) TokenAssigned(ctx context.Context, phone string, token int, doctorName string) error {
	return nil
}

// RegistrationFlow walks a patient from phone number to a created visit and
// doctor handoff. One turn may cross several steps when a step's
// preconditions are already satisfied by the same input.
type RegistrationFlow struct {
	store      store.Store
	classifier Classifier
	admitter   Admitter
	intake     ConsultationIntake
	notifier   Notifier
}

// NewRegistrationFlow wires a registration flow with its collaborators.
func NewRegistrationFlow(st store.Store, cl Classifier, ad Admitter, in ConsultationIntake, n Notifier) *RegistrationFlow {
	if n == nil {
		n = NoopNotifier{}
	}
	return &RegistrationFlow{store: st, classifier: cl, admitter: ad, intake: in, notifier: n}
}

// Handle dispatches one turn on the state's current step.
func (f *RegistrationFlow) Handle(ctx context.Context, st *models.RegistrationState, in models.AgentInput) (*models.AgentReply, error) {
	slog.Debug("RegistrationFlow.Handle: dispatching", "step", st.Step)
	switch st.Step {
	case models.RegStepCollectPhone:
		return f.collectPhone(ctx, st, in)
	case models.RegStepPatientLookup:
		return f.patientLookup(ctx, st)
	case models.RegStepCollectPatientDetails:
		return f.collectPatientDetails(ctx, st, in)
	case models.RegStepCollectSymptoms:
		return f.collectSymptoms(ctx, st, in)
	case models.RegStepResolveDepartment:
		return f.resolveDepartment(ctx, st, in)
	case models.RegStepSelectDoctor:
		return f.selectDoctor(ctx, st, in)
	case models.RegStepCreateVisit:
		return f.createVisit(ctx, st)
	case models.RegStepHandoffComplete:
		return f.handoff(ctx, st)
	default:
		return nil, &UnhandledStepError{Kind: models.AgentRegistration, Step: st.Step}
	}
}

func (f *RegistrationFlow) collectPhone(ctx context.Context, st *models.RegistrationState, in models.AgentInput) (*models.AgentReply, error) {
	if !models.PhoneNumberPattern.MatchString(in.PhoneNumber) {
		return &models.AgentReply{Message: "Please enter a valid 10-digit phone number."}, nil
	}
	st.PhoneNumber = in.PhoneNumber
	if err := transition(st, RegistrationTransitions, models.RegStepPatientLookup); err != nil {
		return nil, err
	}
	return f.Handle(ctx, st, models.AgentInput{})
}

func (f *RegistrationFlow) patientLookup(ctx context.Context, st *models.RegistrationState) (*models.AgentReply, error) {
	patient, err := f.store.GetPatientByPhone(ctx, st.PhoneNumber)
	if err != nil {
		slog.Error("RegistrationFlow.patientLookup: lookup failed", "error", err)
		return &models.AgentReply{Message: "We could not look up your record right now. Please try again."}, nil
	}
	existing := patient != nil
	st.IsExistingPatient = &existing
	if patient != nil {
		st.PatientID = patient.ID
		st.FullName = patient.FullName
		age := patient.Age
		st.Age = &age
		if err := transition(st, RegistrationTransitions, models.RegStepCollectSymptoms); err != nil {
			return nil, err
		}
		return &models.AgentReply{Message: "Please describe your symptoms."}, nil
	}
	if err := transition(st, RegistrationTransitions, models.RegStepCollectPatientDetails); err != nil {
		return nil, err
	}
	return &models.AgentReply{Message: "Please provide your full name and age."}, nil
}

func (f *RegistrationFlow) collectPatientDetails(ctx context.Context, st *models.RegistrationState, in models.AgentInput) (*models.AgentReply, error) {
	name := strings.TrimSpace(in.FullName)
	if name == "" || in.Age == nil || *in.Age < models.MinPatientAge || *in.Age > models.MaxPatientAge {
		return &models.AgentReply{Message: "Invalid name or age."}, nil
	}
	patient := models.Patient{
		ID:            uuid.NewString(),
		FullName:      name,
		Age:           *in.Age,
		ContactNumber: st.PhoneNumber,
		CreatedAt:     time.Now().UTC(),
	}
	if err := f.store.CreatePatient(ctx, patient); err != nil {
		slog.Error("RegistrationFlow.collectPatientDetails: create failed", "error", err)
		return &models.AgentReply{Message: "We could not save your details right now. Please try again."}, nil
	}
	st.PatientID = patient.ID
	st.FullName = patient.FullName
	st.Age = in.Age
	if err := transition(st, RegistrationTransitions, models.RegStepCollectSymptoms); err != nil {
		return nil, err
	}
	return &models.AgentReply{Message: "Please describe your symptoms."}, nil
}

func (f *RegistrationFlow) collectSymptoms(ctx context.Context, st *models.RegistrationState, in models.AgentInput) (*models.AgentReply, error) {
	raw := strings.TrimSpace(in.Symptoms)
	if utf8.RuneCountInString(raw) < models.MinSymptomLength {
		return &models.AgentReply{Message: "Please describe your symptoms clearly."}, nil
	}
	summary, err := f.classifier.Summarize(ctx, raw)
	if err != nil {
		slog.Warn("RegistrationFlow.collectSymptoms: summarizer unavailable", "error", err)
		return &models.AgentReply{Message: "We could not process your symptoms right now. Please try again."}, nil
	}
	if r := []rune(summary); len(r) > models.MaxSummaryLength {
		summary = string(r[:models.MaxSummaryLength])
	}
	st.SymptomsRaw = raw
	st.SymptomsSummary = summary
	if err := transition(st, RegistrationTransitions, models.RegStepResolveDepartment); err != nil {
		return nil, err
	}
	return f.Handle(ctx, st, models.AgentInput{})
}

func (f *RegistrationFlow) resolveDepartment(ctx context.Context, st *models.RegistrationState, in models.AgentInput) (*models.AgentReply, error) {
	departments, err := f.store.ListDepartments(ctx, st.HospitalID)
	if err != nil {
		slog.Error("RegistrationFlow.resolveDepartment: department list failed", "error", err)
		return &models.AgentReply{Message: "We could not load departments right now. Please try again."}, nil
	}
	names := make([]string, len(departments))
	for i, d := range departments {
		names[i] = d.Name
	}
	findID := func(name string) string {
		for _, d := range departments {
			if strings.EqualFold(d.Name, name) {
				return d.ID
			}
		}
		return ""
	}

	// Decision order, first match wins: confirm, override, age rule,
	// classifier.
	if in.Confirm != nil && *in.Confirm && st.DepartmentSuggested != "" {
		st.DepartmentFinal = st.DepartmentSuggested
		st.DepartmentID = findID(st.DepartmentSuggested)
		st.DepartmentOverridden = false
		if err := transition(st, RegistrationTransitions, models.RegStepSelectDoctor); err != nil {
			return nil, err
		}
		return f.Handle(ctx, st, models.AgentInput{})
	}

	if in.DepartmentOverride != nil {
		// An override naming a department outside the list still finalizes
		// the name; the department id stays unlinked and doctor selection
		// will report no doctors for it.
		override := strings.TrimSpace(*in.DepartmentOverride)
		st.DepartmentFinal = override
		st.DepartmentID = findID(override)
		st.DepartmentOverridden = true
		if err := transition(st, RegistrationTransitions, models.RegStepSelectDoctor); err != nil {
			return nil, err
		}
		return f.Handle(ctx, st, models.AgentInput{})
	}

	if st.Age != nil && *st.Age < models.PediatricsAgeLimit {
		confidence := 1.0
		st.DepartmentFinal = models.PediatricsDepartment
		st.DepartmentID = findID(models.PediatricsDepartment)
		st.DepartmentSuggested = models.PediatricsDepartment
		st.DepartmentConfidence = &confidence
		st.DepartmentReasoning = []string{"patient is under 18"}
		if err := transition(st, RegistrationTransitions, models.RegStepSelectDoctor); err != nil {
			return nil, err
		}
		return f.Handle(ctx, st, models.AgentInput{})
	}

	result, err := f.classifier.ResolveDepartment(ctx, st.SymptomsSummary, st.Age, names)
	if err != nil {
		slog.Warn("RegistrationFlow.resolveDepartment: classifier unavailable", "error", err)
		return &models.AgentReply{Message: "We could not suggest a department right now. Please try again."}, nil
	}
	if result == nil {
		return &models.AgentReply{Message: "Please select a department.", Departments: names}, nil
	}

	st.DepartmentSuggested = result.Department
	st.DepartmentConfidence = &result.Confidence
	st.DepartmentReasoning = result.Reasoning
	st.DepartmentID = findID(result.Department)
	st.Touch(time.Now().UTC())

	if result.Confidence >= models.ConfidenceThreshold {
		return &models.AgentReply{
			Message:             fmt.Sprintf("We recommend %s. Do you want to proceed?", result.Department),
			SuggestedDepartment: result.Department,
			Confidence:          &result.Confidence,
			Reasoning:           result.Reasoning,
			ExpectedInput:       []string{"confirm", "department_override"},
		}, nil
	}
	return &models.AgentReply{
		Message:             "Please confirm or select a department.",
		SuggestedDepartment: result.Department,
		Confidence:          &result.Confidence,
		Reasoning:           result.Reasoning,
		Departments:         names,
	}, nil
}

func (f *RegistrationFlow) selectDoctor(ctx context.Context, st *models.RegistrationState, in models.AgentInput) (*models.AgentReply, error) {
	var doctors []models.Doctor
	if st.DepartmentID != "" {
		var err error
		doctors, err = f.store.ListAvailableDoctorsByDepartment(ctx, st.DepartmentID)
		if err != nil {
			slog.Error("RegistrationFlow.selectDoctor: doctor list failed", "error", err)
			return &models.AgentReply{Message: "We could not load doctors right now. Please try again."}, nil
		}
	}
	if len(doctors) == 0 {
		return &models.AgentReply{Message: fmt.Sprintf("No doctors available in %s.", st.DepartmentFinal)}, nil
	}

	if in.DoctorID == "" {
		options := make([]models.DoctorOption, len(doctors))
		for i, d := range doctors {
			options[i] = models.DoctorOption{ID: d.ID, Name: d.Name, Specialization: d.Specialization}
		}
		return &models.AgentReply{Message: "Please select a doctor.", Doctors: options}, nil
	}

	var selected *models.Doctor
	for i := range doctors {
		if doctors[i].ID == in.DoctorID {
			selected = &doctors[i]
			break
		}
	}
	if selected == nil {
		return &models.AgentReply{Message: "Invalid doctor selection."}, nil
	}
	st.DoctorID = selected.ID
	st.DoctorName = selected.Name
	if err := transition(st, RegistrationTransitions, models.RegStepCreateVisit); err != nil {
		return nil, err
	}
	return f.Handle(ctx, st, models.AgentInput{})
}

func (f *RegistrationFlow) createVisit(ctx context.Context, st *models.RegistrationState) (*models.AgentReply, error) {
	visit := models.Visit{
		ID:              uuid.NewString(),
		PatientID:       st.PatientID,
		DoctorID:        st.DoctorID,
		SymptomsSummary: st.SymptomsSummary,
		Status:          models.VisitScheduled,
		CreatedAt:       time.Now().UTC(),
	}
	if err := f.store.CreateVisit(ctx, visit); err != nil {
		slog.Error("RegistrationFlow.createVisit: create failed", "error", err)
		return &models.AgentReply{Message: "We could not create your visit right now. Please try again."}, nil
	}

	res, err := f.admitter.Intake(ctx, models.QueueIntakeRequest{
		VisitID:   visit.ID,
		PatientID: st.PatientID,
		DoctorID:  st.DoctorID,
		QueueDate: time.Now().UTC().Format(models.DateLayout),
	})
	if err != nil {
		slog.Error("RegistrationFlow.createVisit: intake failed", "error", err)
		return &models.AgentReply{Message: "We could not queue your visit right now. Please try again."}, nil
	}
	if !res.Accepted {
		// A rejection is a business outcome; the step is retried on the
		// next turn (the queue may have capacity again another day).
		return &models.AgentReply{Message: fmt.Sprintf("Your visit could not be queued: %s.", res.Reason)}, nil
	}

	st.VisitID = visit.ID
	st.TokenNumber = res.TokenNumber

	if err := f.notifier.TokenAssigned(ctx, st.PhoneNumber, *res.TokenNumber, st.DoctorName); err != nil {
		slog.Warn("RegistrationFlow.createVisit: token notification failed", "error", err)
	}

	if err := transition(st, RegistrationTransitions, models.RegStepHandoffComplete); err != nil {
		return nil, err
	}
	return f.Handle(ctx, st, models.AgentInput{})
}

func (f *RegistrationFlow) handoff(ctx context.Context, st *models.RegistrationState) (*models.AgentReply, error) {
	reply := &models.AgentReply{
		Message:     f.handoffConfirmation(st),
		TokenNumber: st.TokenNumber,
	}
	if st.HandoffProcessed {
		return reply, nil
	}

	payload := models.HandoffPayload{
		VisitID:              st.VisitID,
		PatientID:            st.PatientID,
		DoctorID:             st.DoctorID,
		Department:           st.DepartmentFinal,
		SymptomsSummary:      st.SymptomsSummary,
		TokenNumber:          st.TokenNumber,
		DepartmentSuggested:  st.DepartmentSuggested,
		DepartmentConfidence: st.DepartmentConfidence,
		DepartmentReasoning:  st.DepartmentReasoning,
		DepartmentOverridden: st.DepartmentOverridden,
	}
	sessionID, err := f.intake.IntakeVisit(ctx, payload)
	if err != nil {
		slog.Error("RegistrationFlow.handoff: consultation intake failed", "error", err)
		return &models.AgentReply{Message: "Your visit is registered, but the handoff is pending. Please try again."}, nil
	}
	st.HandoffProcessed = true
	st.HandoffSessionID = sessionID
	st.Touch(time.Now().UTC())
	slog.Info("RegistrationFlow.handoff: visit handed off", "visit_id", st.VisitID, "consultation_session", sessionID)
	return reply, nil
}

func (f *RegistrationFlow) handoffConfirmation(st *models.RegistrationState) string {
	token := 0
	if st.TokenNumber != nil {
		token = *st.TokenNumber
	}
	return fmt.Sprintf(
		"You have been successfully registered for %s. Token number: %d. Please proceed to the consultation.",
		st.DepartmentFinal, token)
}
