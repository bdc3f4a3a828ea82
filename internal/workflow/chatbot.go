package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/opdflow/opdflow/internal/models"
	"github.com/opdflow/opdflow/internal/store"
)

// RegistrationDelegate is the registration agent surface the orchestrator
// proxies user turns through. The orchestrator never touches the delegated
// session's state directly.
type RegistrationDelegate interface {
	Start(ctx context.Context, hospitalID string, in models.AgentInput) (*models.AgentResponse, error)
	Continue(ctx context.Context, sessionID string, in models.AgentInput) (*models.AgentResponse, error)
}

// nameAgePattern splits a free-text turn like "Ravi, 34" or "Ravi 34" into
// a name and an age for the patient-details proxy translation.
var nameAgePattern = regexp.MustCompile(`^(.+?)[,\s]+(\d{1,3})$`)

// ChatbotFlow is the front-door orchestrator: it detects intent from free
// text, discovers hospitals, and then proxies the conversation into a
// delegated registration session, translating raw messages into the
// structured input the delegate's current step expects.
type ChatbotFlow struct {
	store      store.Store
	classifier Classifier
	delegate   RegistrationDelegate
}

// NewChatbotFlow wires an orchestrator flow with its collaborators.
func NewChatbotFlow(st store.Store, c Classifier, d RegistrationDelegate) *ChatbotFlow {
	return &ChatbotFlow{store: st, classifier: c, delegate: d}
}

// Handle dispatches one free-text turn on the state's current step and
// records the exchange in the session transcript.
func (f *ChatbotFlow) Handle(ctx context.Context, st *models.ChatbotState, in models.AgentInput) (*models.AgentReply, error) {
	slog.Debug("ChatbotFlow.Handle: dispatching", "step", st.Step)
	if msg := strings.TrimSpace(in.Message); msg != "" {
		st.Messages = append(st.Messages, models.ChatMessage{Role: "user", Content: msg})
	}
	reply, err := f.dispatch(ctx, st, in)
	if err != nil {
		return nil, err
	}
	st.Messages = append(st.Messages, models.ChatMessage{Role: "assistant", Content: reply.Message})
	return reply, nil
}

func (f *ChatbotFlow) dispatch(ctx context.Context, st *models.ChatbotState, in models.AgentInput) (*models.AgentReply, error) {
	switch st.Step {
	case models.ChatStepGreeting:
		return f.greeting(ctx, st, in)
	case models.ChatStepCollectSymptoms:
		return f.collectSymptoms(ctx, st, in)
	case models.ChatStepDetectIntent:
		return f.detectIntent(ctx, st)
	case models.ChatStepDiscoverHospitals:
		return f.discoverHospitals(ctx, st)
	case models.ChatStepSelectHospital:
		return f.selectHospital(ctx, st, in)
	case models.ChatStepProxyRegistration:
		return f.proxyRegistration(ctx, st, in)
	case models.ChatStepExternalHandoff:
		return &models.AgentReply{Message: "You have been directed to an external service for this request."}, nil
	case models.ChatStepCompleted:
		return &models.AgentReply{Message: "Your registration is complete. Please proceed to the consultation."}, nil
	default:
		return nil, &UnhandledStepError{Kind: models.AgentChatbot, Step: st.Step}
	}
}

func (f *ChatbotFlow) greeting(ctx context.Context, st *models.ChatbotState, in models.AgentInput) (*models.AgentReply, error) {
	msg := strings.TrimSpace(in.Message)
	if msg == "" {
		if err := transition(st, ChatbotTransitions, models.ChatStepCollectSymptoms); err != nil {
			return nil, err
		}
		return &models.AgentReply{Message: "Hello! Please describe your symptoms or tell me what you need help with."}, nil
	}
	st.SymptomsRaw = msg
	if err := transition(st, ChatbotTransitions, models.ChatStepDetectIntent); err != nil {
		return nil, err
	}
	return f.detectIntent(ctx, st)
}

func (f *ChatbotFlow) collectSymptoms(ctx context.Context, st *models.ChatbotState, in models.AgentInput) (*models.AgentReply, error) {
	msg := strings.TrimSpace(in.Message)
	if utf8.RuneCountInString(msg) < models.MinSymptomLength {
		return &models.AgentReply{Message: "Please describe your symptoms in a little more detail."}, nil
	}
	st.SymptomsRaw = msg
	if err := transition(st, ChatbotTransitions, models.ChatStepDetectIntent); err != nil {
		return nil, err
	}
	return f.detectIntent(ctx, st)
}

func (f *ChatbotFlow) detectIntent(ctx context.Context, st *models.ChatbotState) (*models.AgentReply, error) {
	result, err := f.classifier.DetectIntent(ctx, st.SymptomsRaw)
	if err != nil {
		slog.Warn("ChatbotFlow.detectIntent: classifier unavailable", "error", err)
		return &models.AgentReply{Message: "We could not process your message right now. Please try again."}, nil
	}
	st.DetectedIntent = result.Intent
	st.DepartmentHint = result.DepartmentHint
	st.IntentConfidence = &result.Confidence

	switch result.Intent {
	case models.IntentHotelBooking:
		st.ExternalSystem = "hotel_booking"
		if err := transition(st, ChatbotTransitions, models.ChatStepExternalHandoff); err != nil {
			return nil, err
		}
		return &models.AgentReply{Message: "It looks like you need a hotel booking. We have directed you to our travel partner."}, nil
	case models.IntentMedical:
		if err := transition(st, ChatbotTransitions, models.ChatStepDiscoverHospitals); err != nil {
			return nil, err
		}
		return f.discoverHospitals(ctx, st)
	default:
		// General queries stay put until the user states a medical need.
		return &models.AgentReply{Message: "I can help you find a hospital and register a visit. Could you describe your symptoms?"}, nil
	}
}

func (f *ChatbotFlow) discoverHospitals(ctx context.Context, st *models.ChatbotState) (*models.AgentReply, error) {
	// A department hint narrows discovery to hospitals that can serve it;
	// the full catalog is listed only when there is no hint at all.
	var (
		hospitals []models.Hospital
		err       error
	)
	if st.DepartmentHint != "" {
		hospitals, err = f.store.SearchHospitalsByDepartment(ctx, st.DepartmentHint)
	} else {
		hospitals, err = f.store.ListHospitals(ctx)
	}
	if err != nil {
		slog.Error("ChatbotFlow.discoverHospitals: hospital lookup failed", "error", err, "department_hint", st.DepartmentHint)
		return &models.AgentReply{Message: "We could not look up hospitals right now. Please try again."}, nil
	}

	options := make([]models.HospitalOption, 0, len(hospitals))
	for _, h := range hospitals {
		if !h.IsActive {
			continue
		}
		opt := models.HospitalOption{HospitalID: h.ID, HospitalName: h.Name, Location: h.Location}
		doctors, err := f.store.ListHospitalDoctors(ctx, h.ID, st.DepartmentHint)
		if err != nil {
			slog.Warn("ChatbotFlow.discoverHospitals: doctor lookup failed", "error", err, "hospital_id", h.ID)
		}
		for _, d := range doctors {
			opt.Doctors = append(opt.Doctors, models.DoctorOption{ID: d.ID, Name: d.Name, Specialization: d.Specialization})
		}
		options = append(options, opt)
	}
	if len(options) == 0 {
		return &models.AgentReply{Message: "We could not find a suitable hospital. Could you describe your symptoms differently?"}, nil
	}

	st.AvailableHospitals = options
	if err := transition(st, ChatbotTransitions, models.ChatStepSelectHospital); err != nil {
		return nil, err
	}

	var b strings.Builder
	b.WriteString("Here are the hospitals that can help you:\n")
	for i, opt := range options {
		fmt.Fprintf(&b, "%d. %s, %s\n", i+1, opt.HospitalName, opt.Location)
	}
	b.WriteString("Please reply with the number of the hospital you prefer.")
	return &models.AgentReply{Message: b.String(), Hospitals: options}, nil
}

func (f *ChatbotFlow) selectHospital(ctx context.Context, st *models.ChatbotState, in models.AgentInput) (*models.AgentReply, error) {
	n, err := strconv.Atoi(strings.TrimSpace(in.Message))
	if err != nil || n < 1 || n > len(st.AvailableHospitals) {
		return &models.AgentReply{
			Message: fmt.Sprintf("Please reply with a number between 1 and %d.", len(st.AvailableHospitals)),
		}, nil
	}
	chosen := st.AvailableHospitals[n-1]
	st.SelectedHospitalID = chosen.HospitalID
	st.SelectedHospitalName = chosen.HospitalName
	if err := transition(st, ChatbotTransitions, models.ChatStepProxyRegistration); err != nil {
		return nil, err
	}
	return &models.AgentReply{
		Message: fmt.Sprintf("You selected %s. Please share your 10-digit phone number to begin registration.", chosen.HospitalName),
	}, nil
}

func (f *ChatbotFlow) proxyRegistration(ctx context.Context, st *models.ChatbotState, in models.AgentInput) (*models.AgentReply, error) {
	msg := strings.TrimSpace(in.Message)

	if st.DelegatedSessionID == "" {
		if !models.PhoneNumberPattern.MatchString(msg) {
			return &models.AgentReply{Message: "Please share a valid 10-digit phone number to begin registration."}, nil
		}
		resp, err := f.delegate.Start(ctx, st.SelectedHospitalID, models.AgentInput{PhoneNumber: msg})
		if err != nil {
			slog.Warn("ChatbotFlow.proxyRegistration: delegation start failed", "error", err)
			return &models.AgentReply{Message: "Registration is temporarily unavailable. Please try again."}, nil
		}
		st.DelegatedSessionID = resp.SessionID
		st.ProxyPhoneNumber = msg
		return f.absorbDelegateResponse(st, resp)
	}

	input, reply := f.translate(st, msg)
	if reply != nil {
		return reply, nil
	}
	resp, err := f.delegate.Continue(ctx, st.DelegatedSessionID, input)
	if err != nil {
		slog.Warn("ChatbotFlow.proxyRegistration: delegation failed", "error", err, "delegated_session_id", st.DelegatedSessionID)
		return &models.AgentReply{Message: "Registration is temporarily unavailable. Please try again."}, nil
	}
	return f.absorbDelegateResponse(st, resp)
}

// translate maps a raw message onto the structured input the delegate's
// current step expects. A non-nil reply means the message could not be
// translated and the delegate must not be called this turn.
func (f *ChatbotFlow) translate(st *models.ChatbotState, msg string) (models.AgentInput, *models.AgentReply) {
	switch st.RegistrationStep {
	case models.RegStepCollectPhone:
		return models.AgentInput{PhoneNumber: msg}, nil
	case models.RegStepCollectPatientDetails:
		m := nameAgePattern.FindStringSubmatch(msg)
		if m == nil {
			return models.AgentInput{}, &models.AgentReply{Message: "Please share your name and age, for example: Ravi, 34."}
		}
		age, err := strconv.Atoi(m[2])
		if err != nil {
			return models.AgentInput{}, &models.AgentReply{Message: "Please share your name and age, for example: Ravi, 34."}
		}
		return models.AgentInput{FullName: strings.TrimSpace(m[1]), Age: &age}, nil
	case models.RegStepCollectSymptoms:
		return models.AgentInput{Symptoms: msg}, nil
	case models.RegStepResolveDepartment:
		switch strings.ToLower(msg) {
		case "yes", "y", "confirm", "ok":
			confirm := true
			return models.AgentInput{Confirm: &confirm}, nil
		default:
			override := msg
			return models.AgentInput{DepartmentOverride: &override}, nil
		}
	case models.RegStepSelectDoctor:
		if n, err := strconv.Atoi(msg); err == nil {
			for _, c := range st.DoctorChoices {
				if c.Index == n {
					return models.AgentInput{DoctorID: c.ID}, nil
				}
			}
			return models.AgentInput{}, &models.AgentReply{Message: fmt.Sprintf("Please reply with a number between 1 and %d.", len(st.DoctorChoices))}
		}
		return models.AgentInput{DoctorID: msg}, nil
	default:
		return models.AgentInput{Message: msg}, nil
	}
}

// absorbDelegateResponse caches the delegate's step and doctor options, and
// closes the orchestrator session once the delegate reaches its terminal
// step.
func (f *ChatbotFlow) absorbDelegateResponse(st *models.ChatbotState, resp *models.AgentResponse) (*models.AgentReply, error) {
	st.RegistrationStep = resp.Step
	if len(resp.Response.Doctors) > 0 {
		choices := make([]models.DoctorChoice, 0, len(resp.Response.Doctors))
		for i, d := range resp.Response.Doctors {
			choices = append(choices, models.DoctorChoice{Index: i + 1, ID: d.ID, Name: d.Name})
		}
		st.DoctorChoices = choices
	}
	st.Touch(time.Now().UTC())
	if resp.Step == models.RegStepHandoffComplete {
		if err := transition(st, ChatbotTransitions, models.ChatStepCompleted); err != nil {
			return nil, err
		}
	}
	reply := resp.Response
	return &reply, nil
}
