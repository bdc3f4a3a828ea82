// Package workflow implements the per-agent step state machines: a generic
// transition engine plus the registration, consultation, and chatbot flows
// built on it. Each flow is invoked once per inbound turn; state is loaded
// from the session store by the caller and persisted only after the handler
// returns successfully.
package workflow

import (
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/opdflow/opdflow/internal/models"
)

// TransitionTable maps each step to the set of steps it may move to. Tables
// are fixed per agent kind at compile time. Every reachable non-terminal
// step has at least one outgoing edge; the initial step has no incoming
// edge.
type TransitionTable map[models.Step][]models.Step

// InvalidTransitionError reports an attempt to move between steps the
// agent's table does not connect. It indicates a handler bug, never user
// input, and aborts the turn.
type InvalidTransitionError struct {
	Kind models.AgentKind
	From models.Step
	To   models.Step
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition: %s -> %s", e.Kind, e.From, e.To)
}

// UnhandledStepError reports dispatch on a step outside the agent's declared
// enumeration: a fatal misconfiguration, not a recoverable condition.
type UnhandledStepError struct {
	Kind models.AgentKind
	Step models.Step
}

func (e *UnhandledStepError) Error() string {
	return fmt.Sprintf("unhandled %s step: %s", e.Kind, e.Step)
}

// transition moves state to next if the table permits it, stamping
// UpdatedAt. On refusal the state is left untouched.
func transition(state models.AgentState, table TransitionTable, next models.Step) error {
	from := state.CurrentStep()
	if !slices.Contains(table[from], next) {
		slog.Error("workflow.transition: refused", "agent", state.Kind(), "from", from, "to", next)
		return &InvalidTransitionError{Kind: state.Kind(), From: from, To: next}
	}
	state.SetStep(next)
	state.Touch(time.Now().UTC())
	slog.Debug("workflow.transition: moved", "agent", state.Kind(), "from", from, "to", next)
	return nil
}

// Transition exposes the table-checked step move for tests and callers that
// drive a state record directly.
func Transition(state models.AgentState, table TransitionTable, next models.Step) error {
	return transition(state, table, next)
}

// RegistrationTransitions declares the registration agent's edges.
var RegistrationTransitions = TransitionTable{
	models.RegStepCollectPhone:          {models.RegStepPatientLookup},
	models.RegStepPatientLookup:         {models.RegStepCollectPatientDetails, models.RegStepCollectSymptoms},
	models.RegStepCollectPatientDetails: {models.RegStepCollectSymptoms},
	models.RegStepCollectSymptoms:       {models.RegStepResolveDepartment},
	models.RegStepResolveDepartment:     {models.RegStepSelectDoctor},
	models.RegStepSelectDoctor:          {models.RegStepCreateVisit},
	models.RegStepCreateVisit:           {models.RegStepHandoffComplete},
}

// ConsultationTransitions declares the doctor assistance agent's edges.
var ConsultationTransitions = TransitionTable{
	models.ConsultStepIdle:           {models.ConsultStepReady},
	models.ConsultStepReady:          {models.ConsultStepInConsultation},
	models.ConsultStepInConsultation: {models.ConsultStepCompleted},
}

// ChatbotTransitions declares the orchestrator's edges, including the
// external-handoff side branch for out-of-domain intents.
var ChatbotTransitions = TransitionTable{
	models.ChatStepGreeting:          {models.ChatStepCollectSymptoms, models.ChatStepDetectIntent},
	models.ChatStepCollectSymptoms:   {models.ChatStepDetectIntent},
	models.ChatStepDetectIntent:      {models.ChatStepDiscoverHospitals, models.ChatStepExternalHandoff},
	models.ChatStepDiscoverHospitals: {models.ChatStepSelectHospital},
	models.ChatStepSelectHospital:    {models.ChatStepProxyRegistration},
	models.ChatStepProxyRegistration: {models.ChatStepCompleted},
}
