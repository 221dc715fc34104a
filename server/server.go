// Package server exposes the engine control surface over HTTP: plan
// submission, approvals, cancellation, DLQ operations, and the live event
// feed.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/andrewcho-dev/opsconductor-ng-sub000/approval"
	"github.com/andrewcho-dev/opsconductor-ng-sub000/config"
	"github.com/andrewcho-dev/opsconductor-ng-sub000/event"
	"github.com/andrewcho-dev/opsconductor-ng-sub000/exec"
	"github.com/andrewcho-dev/opsconductor-ng-sub000/plan"
	"github.com/andrewcho-dev/opsconductor-ng-sub000/queue"
	"github.com/andrewcho-dev/opsconductor-ng-sub000/runner"
)

// Server is the HTTP control surface for the engine.
type Server struct {
	registrar  *exec.Registrar
	executions *exec.Store
	fsm        *exec.FSM
	approvals  *approval.Manager
	queue      *queue.Queue
	immediate  *runner.Immediate
	events     *event.Logger

	limiters       *tenantLimiters
	allowedOrigins []string
	maxAttempts    int

	httpServer *http.Server
	log        *zap.SugaredLogger
}

// New creates the HTTP server.
func New(cfg *config.Config, registrar *exec.Registrar, executions *exec.Store, fsm *exec.FSM, approvals *approval.Manager, q *queue.Queue, immediate *runner.Immediate, events *event.Logger, log *zap.SugaredLogger) *Server {
	s := &Server{
		registrar:      registrar,
		executions:     executions,
		fsm:            fsm,
		approvals:      approvals,
		queue:          q,
		immediate:      immediate,
		events:         events,
		limiters:       newTenantLimiters(float64(cfg.Limits.SubmitRatePerSec), cfg.Limits.SubmitBurst),
		allowedOrigins: cfg.Server.AllowedOrigins,
		maxAttempts:    cfg.Engine.DefaultMaxAttempts,
		log:            log.Named("server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/executions", s.handleExecutions)    // POST submit, GET list
	mux.HandleFunc("/api/executions/", s.handleExecution)    // GET one, sub-resources, POST cancel
	mux.HandleFunc("/api/approvals", s.handleApprovals)      // GET pending
	mux.HandleFunc("/api/approvals/", s.handleApprovalByID)  // GET one, POST decide
	mux.HandleFunc("/api/dlq", s.handleDLQ)                  // GET list
	mux.HandleFunc("/api/dlq/", s.handleDLQEntry)            // GET one, POST replay
	mux.HandleFunc("/ws/events", s.handleEventFeed)
	mux.HandleFunc("/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // immediate-mode runs and websockets outlive short write windows
	}

	return s
}

// Start serves HTTP until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Infow("HTTP server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// dispatch routes a runnable execution: immediate mode runs inline,
// background mode enqueues. Executions still gated on approval are left
// untouched.
func (s *Server) dispatch(ctx context.Context, execution *exec.Execution) (*exec.Execution, error) {
	switch execution.Status {
	case exec.StatusPending:
		if execution.ApprovalLevel > 0 {
			return execution, nil
		}
	case exec.StatusApproved:
	default:
		return execution, nil
	}

	if execution.Mode == plan.ModeImmediate {
		return s.immediate.Run(ctx, execution.ID)
	}

	if _, err := s.queue.Enqueue(execution.ID, queue.PriorityNormal, s.maxAttempts); err != nil {
		return execution, err
	}
	return execution, nil
}
