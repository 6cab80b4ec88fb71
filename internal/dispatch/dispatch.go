// Package dispatch performs the side effect attached to a passed proposal. Handlers are looked up
// by action kind; adding a kind means registering one more handler.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"orangecat/governance/internal/events"
	"orangecat/governance/internal/store"
	"orangecat/governance/internal/util"
)

var (
	ErrNotPassed      = errors.New("proposal has not passed")
	ErrNoAction       = errors.New("proposal has no action attached")
	ErrHandlerMissing = errors.New("no handler registered for action kind")
)

// ExecutionError reports a handler failure or a missing handler. The proposal stays passed and
// execution may be retried.
type ExecutionError struct {
	ProposalID string
	ActionKind string
	Err        error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execute %s for proposal %s: %v", e.ActionKind, e.ProposalID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Request is what a handler needs to act on behalf of a group.
type Request struct {
	ProposalID      string
	GroupID         string
	GroupActorID    string
	ProposerActorID string
	Params          map[string]any
	// Now is the execution instant; records a handler creates carry it.
	Now time.Time
}

// Handler performs one action kind and returns a reference to the record it produced. It runs
// inside the execution transaction carried by ctx.
type Handler func(ctx context.Context, req Request) (string, error)

type dataStore interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
	LockProposal(ctx context.Context, proposalID string) (store.Proposal, error)
	GetGroup(ctx context.Context, groupID string) (store.Group, error)
	MarkExecuted(ctx context.Context, proposalID string, at time.Time) (bool, error)
	CreateActionResult(ctx context.Context, result store.ActionResult) error
	GetActionResult(ctx context.Context, proposalID string) (store.ActionResult, error)
	RecordExecutionFailure(ctx context.Context, proposalID, message string, at time.Time) error
}

type Dispatcher struct {
	store     dataStore
	publisher events.Publisher
	logger    *zap.Logger
	now       func() time.Time

	mu       sync.RWMutex
	handlers map[string]Handler
}

func New(store dataStore, publisher events.Publisher, logger *zap.Logger) *Dispatcher {
	if publisher == nil {
		publisher = events.Noop{}
	}
	return &Dispatcher{
		store:     store,
		publisher: publisher,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		handlers:  map[string]Handler{},
	}
}

// SetClock replaces the time source used for executed_at and handler timestamps.
func (d *Dispatcher) SetClock(now func() time.Time) {
	d.now = now
}

// Register adds the handler for kind. Registering the same kind twice is an error.
func (d *Dispatcher) Register(kind string, handler Handler) error {
	if kind == "" || handler == nil {
		return fmt.Errorf("register handler: kind and handler are required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.handlers[kind]; exists {
		return fmt.Errorf("register handler: %s already registered", kind)
	}
	d.handlers[kind] = handler
	return nil
}

func (d *Dispatcher) Kinds() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	kinds := make([]string, 0, len(d.handlers))
	for kind := range d.handlers {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

func (d *Dispatcher) handler(kind string) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[kind]
	return h, ok
}

// Execute runs the action of a passed proposal. Marking the proposal executed, the handler's
// writes and the action result commit together or not at all. Executing an already executed
// proposal returns its existing result.
func (d *Dispatcher) Execute(ctx context.Context, proposalID string) (store.ActionResult, error) {
	var result store.ActionResult
	var proposal store.Proposal
	var already bool

	err := d.store.InTx(ctx, func(ctx context.Context) error {
		var err error
		proposal, err = d.store.LockProposal(ctx, proposalID)
		if err != nil {
			return err
		}
		if proposal.Status == store.StatusExecuted {
			already = true
			result, err = d.store.GetActionResult(ctx, proposalID)
			return err
		}
		if proposal.Status != store.StatusPassed {
			return fmt.Errorf("execute proposal %s (%s): %w", proposalID, proposal.Status, ErrNotPassed)
		}
		if proposal.Action == nil {
			return fmt.Errorf("execute proposal %s: %w", proposalID, ErrNoAction)
		}

		kind := proposal.Action.Kind
		handler, ok := d.handler(kind)
		if !ok {
			return &ExecutionError{ProposalID: proposalID, ActionKind: kind, Err: ErrHandlerMissing}
		}
		group, err := d.store.GetGroup(ctx, proposal.GroupID)
		if err != nil {
			return err
		}

		now := d.now()
		marked, err := d.store.MarkExecuted(ctx, proposalID, now)
		if err != nil {
			return err
		}
		if !marked {
			return fmt.Errorf("execute proposal %s: %w", proposalID, ErrNotPassed)
		}

		ref, err := handler(ctx, Request{
			ProposalID:      proposal.ID,
			GroupID:         proposal.GroupID,
			GroupActorID:    group.ActorID,
			ProposerActorID: proposal.ProposerActorID,
			Params:          proposal.Action.Params,
			Now:             now,
		})
		if err != nil {
			return &ExecutionError{ProposalID: proposalID, ActionKind: kind, Err: err}
		}

		result = store.ActionResult{
			ID:         util.NewID("res"),
			ProposalID: proposalID,
			ActionKind: kind,
			ResultRef:  ref,
			CreatedAt:  now,
		}
		return d.store.CreateActionResult(ctx, result)
	})

	var execErr *ExecutionError
	switch {
	case errors.As(err, &execErr):
		d.recordFailure(ctx, proposal, execErr)
		return store.ActionResult{}, err
	case err != nil:
		return store.ActionResult{}, err
	case already:
		return result, nil
	}

	d.logger.Info("proposal executed",
		zap.String("proposal_id", proposalID),
		zap.String("action_kind", result.ActionKind),
		zap.String("result_ref", result.ResultRef),
	)
	d.publisher.Publish(ctx, events.Event{
		Name:       events.ProposalExecuted,
		GroupID:    proposal.GroupID,
		ProposalID: proposalID,
		Status:     string(store.StatusExecuted),
		Data:       map[string]any{"action_kind": result.ActionKind, "result_ref": result.ResultRef},
		At:         result.CreatedAt,
	})
	return result, nil
}

func (d *Dispatcher) recordFailure(ctx context.Context, proposal store.Proposal, execErr *ExecutionError) {
	d.logger.Error("proposal execution failed",
		zap.String("proposal_id", execErr.ProposalID),
		zap.String("action_kind", execErr.ActionKind),
		zap.Error(execErr.Err),
	)
	now := d.now()
	if err := d.store.RecordExecutionFailure(ctx, execErr.ProposalID, execErr.Err.Error(), now); err != nil {
		d.logger.Warn("failed to record execution failure", zap.String("proposal_id", execErr.ProposalID), zap.Error(err))
	}
	d.publisher.Publish(ctx, events.Event{
		Name:       events.ProposalExecutionFailed,
		GroupID:    proposal.GroupID,
		ProposalID: execErr.ProposalID,
		Status:     string(store.StatusPassed),
		Data:       map[string]any{"action_kind": execErr.ActionKind, "error": execErr.Err.Error()},
		At:         now,
	})
}
