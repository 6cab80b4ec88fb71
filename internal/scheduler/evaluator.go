// Package scheduler re-evaluates active proposals, after each vote and on a periodic sweep of
// expired voting windows, and hands newly passed proposals to the dispatcher.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"orangecat/governance/internal/events"
	"orangecat/governance/internal/store"
	"orangecat/governance/internal/tally"
)

type dataStore interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
	LockProposal(ctx context.Context, proposalID string) (store.Proposal, error)
	ListVotes(ctx context.Context, proposalID string) ([]store.Vote, error)
	UpdateProposalStatus(ctx context.Context, proposalID string, from []store.ProposalStatus, to store.ProposalStatus, at time.Time) (bool, error)
	ListExpiredActive(ctx context.Context, at time.Time, limit int) ([]store.Proposal, error)
}

type executor interface {
	Execute(ctx context.Context, proposalID string) (store.ActionResult, error)
}

// Evaluation is the result of one re-evaluation. Resolved is true only for the caller whose
// write moved the proposal out of active.
type Evaluation struct {
	Proposal     store.Proposal
	Outcome      tally.Outcome
	Resolved     bool
	Result       *store.ActionResult
	ExecutionErr error
}

type Evaluator struct {
	store      dataStore
	dispatcher executor
	publisher  events.Publisher
	logger     *zap.Logger
	now        func() time.Time
}

func NewEvaluator(store dataStore, dispatcher executor, publisher events.Publisher, logger *zap.Logger) *Evaluator {
	if publisher == nil {
		publisher = events.Noop{}
	}
	return &Evaluator{
		store:      store,
		dispatcher: dispatcher,
		publisher:  publisher,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the evaluator's time source.
func (e *Evaluator) SetClock(now func() time.Time) {
	e.now = now
}

// Evaluate recomputes the outcome of proposalID and, when it is decided, moves it from active to
// passed or failed. Non-active proposals are left untouched. A passed proposal with an action is
// executed after the status change commits; execution failures are reported on the Evaluation,
// not as an error.
func (e *Evaluator) Evaluate(ctx context.Context, proposalID string) (Evaluation, error) {
	var eval Evaluation
	err := e.store.InTx(ctx, func(ctx context.Context) error {
		proposal, err := e.store.LockProposal(ctx, proposalID)
		if err != nil {
			return err
		}
		eval.Proposal = proposal
		if proposal.Status != store.StatusActive {
			return nil
		}
		votes, err := e.store.ListVotes(ctx, proposalID)
		if err != nil {
			return err
		}
		now := e.now()
		eval.Outcome = tally.Resolve(proposal, votes, now)
		if !eval.Outcome.Terminal {
			return nil
		}
		changed, err := e.store.UpdateProposalStatus(ctx, proposalID, []store.ProposalStatus{store.StatusActive}, eval.Outcome.Status, now)
		if err != nil {
			return err
		}
		if changed {
			eval.Resolved = true
			eval.Proposal.Status = eval.Outcome.Status
			eval.Proposal.ResolvedAt = &now
			eval.Proposal.UpdatedAt = now
		}
		return nil
	})
	if err != nil {
		return Evaluation{}, err
	}
	if !eval.Resolved {
		return eval, nil
	}

	p := eval.Proposal
	e.logger.Info("proposal resolved",
		zap.String("proposal_id", p.ID),
		zap.String("group_id", p.GroupID),
		zap.String("status", string(p.Status)),
		zap.Float64("participation", eval.Outcome.Tally.Participation),
		zap.Float64("yes_ratio", eval.Outcome.Tally.YesRatio),
		zap.Bool("expired", eval.Outcome.Expired),
	)
	e.publisher.Publish(ctx, events.Event{
		Name:       events.ProposalResolved,
		GroupID:    p.GroupID,
		ProposalID: p.ID,
		Status:     string(p.Status),
		Data: map[string]any{
			"participation": eval.Outcome.Tally.Participation,
			"yes_ratio":     eval.Outcome.Tally.YesRatio,
		},
		At: *p.ResolvedAt,
	})

	if p.Status != store.StatusPassed || p.Action == nil || e.dispatcher == nil {
		return eval, nil
	}
	result, err := e.dispatcher.Execute(ctx, p.ID)
	if err != nil {
		eval.ExecutionErr = err
		return eval, nil
	}
	eval.Result = &result
	eval.Proposal.Status = store.StatusExecuted
	eval.Proposal.ExecutedAt = &result.CreatedAt
	return eval, nil
}
