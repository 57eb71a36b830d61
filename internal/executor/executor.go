package executor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-remediation/internal/action"
	"github.com/kubilitics/kubilitics-remediation/internal/models"
)

// Package executor runs approved remediation actions.
//
// CRITICAL CONSTRAINT: nothing calls the executor except the approval gate,
// and only for an entry it has just moved into executing.
//
// Responsibilities:
//   - Dispatch a typed action to the Handler that physically applies it
//   - Bound every execution with a timeout
//   - Describe the ConfigChange a successful config_change leaves behind;
//     the gate stores it in the same transaction that completes the entry
//   - Report failures as ExecutionError so the gate can mark the entry failed
//
// Handlers:
//   The physical step sits behind the Handler interface. Simulated is the
//   default: it acts on nothing and returns the result a real handler would,
//   flagged with simulated=true.
//
// Result payload (every action):
//   action, service, status ("completed"), message, simulated
//   plus per type:
//     rollback       target_revision
//     scale          direction, factor
//     config_change  config_key

// Request is one action to run against a service.
type Request struct {
	EntryID    string
	IncidentID string
	Service    string
	Action     action.Action
	// Actor approved the action, or triggered it on the emergency path.
	Actor     string
	Emergency bool
}

// Handler physically applies an action.
type Handler interface {
	Apply(ctx context.Context, req Request) (map[string]interface{}, error)
}


// DefaultTimeout bounds an execution when none is configured.
const DefaultTimeout = 60 * time.Second

// Executor runs actions through a Handler.
type Executor struct {
	handler Handler
	timeout atomic.Int64 // time.Duration
	clock   clock.Clock
	logger  *zap.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithHandler replaces the simulated handler.
func WithHandler(h Handler) Option { return func(e *Executor) { e.handler = h } }

// WithTimeout bounds each execution.
func WithTimeout(d time.Duration) Option { return func(e *Executor) { e.SetTimeout(d) } }

// WithClock sets the clock used for change timestamps.
func WithClock(c clock.Clock) Option { return func(e *Executor) { e.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(e *Executor) { e.logger = l } }

// New creates an executor backed by the simulated handler unless
// WithHandler says otherwise.
func New(opts ...Option) *Executor {
	e := &Executor{
		handler: Simulated{},
		clock:   clock.New(),
		logger:  zap.NewNop(),
	}
	e.timeout.Store(int64(DefaultTimeout))
	for _, o := range opts {
		o(e)
	}
	return e
}

// Timeout returns the per-execution bound.
func (e *Executor) Timeout() time.Duration { return time.Duration(e.timeout.Load()) }

// SetTimeout replaces the per-execution bound. Non-positive values are ignored.
func (e *Executor) SetTimeout(d time.Duration) {
	if d > 0 {
		e.timeout.Store(int64(d))
	}
}

// Execute applies req.Action and returns its result payload. Every failure,
// including a timeout, is returned as an *models.ExecutionError.
func (e *Executor) Execute(ctx context.Context, req Request) (map[string]interface{}, error) {
	if req.Action == nil {
		return nil, &models.ExecutionError{Service: req.Service, Err: errors.New("no action")}
	}
	typ := string(req.Action.Type())

	timeout := e.Timeout()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result map[string]interface{}
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := e.handler.Apply(ctx, req)
		done <- outcome{r, err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		out.err = fmt.Errorf("execution did not finish within %s: %w", timeout, ctx.Err())
	}
	if out.err != nil {
		e.logger.Warn("action execution failed",
			zap.String("entry_id", req.EntryID),
			zap.String("action", typ),
			zap.String("service", req.Service),
			zap.Error(out.err),
		)
		return nil, &models.ExecutionError{ActionType: typ, Service: req.Service, Err: out.err}
	}

	e.logger.Info("action executed",
		zap.String("entry_id", req.EntryID),
		zap.String("action", typ),
		zap.String("service", req.Service),
		zap.Bool("emergency", req.Emergency),
	)
	return out.result, nil
}

// ConfigChangeFor returns the history record left by req once it has
// executed, or nil when req is not a config_change.
func (e *Executor) ConfigChangeFor(req Request) *models.ConfigChange {
	cc, ok := req.Action.(action.ConfigChange)
	if !ok {
		return nil
	}
	changeType := cc.ChangeType
	if changeType == "" {
		changeType = "env_var"
	}
	changedBy := fmt.Sprintf("executor-agent (approved by %s)", req.Actor)
	if req.Emergency {
		changedBy = fmt.Sprintf("executor-agent (emergency by %s)", req.Actor)
	}
	return &models.ConfigChange{
		ID:                uuid.NewString(),
		ServiceName:       req.Service,
		ChangeType:        changeType,
		OldValue:          orEmpty(cc.OldValue),
		NewValue:          orEmpty(cc.NewValue),
		ChangedBy:         changedBy,
		Reason:            cc.Reason,
		RelatedIncidentID: req.IncidentID,
		CreatedAt:         e.clock.Now().UTC(),
	}
}

func orEmpty(v interface{}) interface{} {
	if v == nil {
		return map[string]interface{}{}
	}
	return v
}
