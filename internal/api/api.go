// Package api provides HTTP handlers and the main API server logic for
// opdflow.
//
// It exposes the agent messaging endpoints, the queue admission endpoints,
// and read-only catalog lookups. Session state is loaded before each turn
// and persisted only after the workflow handler returns successfully.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/opdflow/opdflow/internal/queue"
	"github.com/opdflow/opdflow/internal/store"
	"github.com/opdflow/opdflow/internal/workflow"
)

// DefaultAddr is the default listen address.
const DefaultAddr = ":8080"

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address, e.g. ":8080".
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// Server hosts the HTTP surface over the workflows and the admission engine.
type Server struct {
	addr         string
	store        store.Store
	registration *workflow.RegistrationFlow
	consultation *workflow.ConsultationFlow
	chatbot      *workflow.ChatbotFlow
	queue        *queue.Engine
}

// NewServer wires the API server with its collaborators.
func NewServer(st store.Store, reg *workflow.RegistrationFlow, consult *workflow.ConsultationFlow, chat *workflow.ChatbotFlow, q *queue.Engine, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{
		addr:         cfg.Addr,
		store:        st,
		registration: reg,
		consultation: consult,
		chatbot:      chat,
		queue:        q,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/agents/registration/message", s.registrationMessageHandler)
	mux.HandleFunc("/agents/chatbot/message", s.chatbotMessageHandler)
	mux.HandleFunc("/agents/doctor-assistance/handle-by-visit", s.consultationByVisitHandler)
	mux.HandleFunc("/agents/queue/intake", s.queueIntakeHandler)
	mux.HandleFunc("/agents/queue/start-consultation", s.queueStartHandler)
	mux.HandleFunc("/agents/queue/end-consultation", s.queueEndHandler)
	mux.HandleFunc("/agents/queue/check-in", s.queueCheckInHandler)
	mux.HandleFunc("/agents/queue/skip", s.queueSkipHandler)
	mux.HandleFunc("/agents/queue/call-next", s.queueCallNextHandler)
	mux.HandleFunc("/hospitals", s.hospitalsHandler)
	mux.HandleFunc("/doctors/available", s.availableDoctorsHandler)
	return mux
}

// Run serves until the context is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: opdflow API listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
