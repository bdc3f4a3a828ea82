package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opdflow/opdflow/internal/models"
	"github.com/opdflow/opdflow/internal/store"
)

// LocalRegistrationDelegate runs registration delegation in process when
// all agents share one deployment. It owns the delegated session's
// load/handle/persist cycle the same way the HTTP surface does.
type LocalRegistrationDelegate struct {
	store store.Store
	flow  *RegistrationFlow
}

// NewLocalRegistrationDelegate wires an in-process registration delegate.
func NewLocalRegistrationDelegate(st store.Store, flow *RegistrationFlow) *LocalRegistrationDelegate {
	return &LocalRegistrationDelegate{store: st, flow: flow}
}

// Start opens a fresh registration session with the first input.
func (d *LocalRegistrationDelegate) Start(ctx context.Context, hospitalID string, in models.AgentInput) (*models.AgentResponse, error) {
	st := models.NewRegistrationState(hospitalID, time.Now().UTC())
	reply, err := d.flow.Handle(ctx, st, in)
	if err != nil {
		return nil, err
	}
	blob, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("marshal registration state: %w", err)
	}
	sessionID, err := d.store.CreateSession(ctx, models.AgentRegistration, blob)
	if err != nil {
		return nil, fmt.Errorf("create registration session: %w", err)
	}
	return &models.AgentResponse{SessionID: sessionID, Step: st.Step, Response: *reply}, nil
}

// Continue forwards one turn to an existing registration session. The
// session state is persisted only when the handler succeeds.
func (d *LocalRegistrationDelegate) Continue(ctx context.Context, sessionID string, in models.AgentInput) (*models.AgentResponse, error) {
	blob, err := d.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load registration session %s: %w", sessionID, err)
	}
	if blob == nil {
		return nil, models.ErrSessionNotFound
	}
	st := &models.RegistrationState{}
	if err := json.Unmarshal(blob, st); err != nil {
		return nil, fmt.Errorf("decode registration session %s: %w", sessionID, err)
	}
	reply, err := d.flow.Handle(ctx, st, in)
	if err != nil {
		return nil, err
	}
	updated, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("marshal registration state: %w", err)
	}
	if err := d.store.UpdateSession(ctx, sessionID, updated); err != nil {
		return nil, fmt.Errorf("persist registration session %s: %w", sessionID, err)
	}
	return &models.AgentResponse{SessionID: sessionID, Step: st.Step, Response: *reply}, nil
}
