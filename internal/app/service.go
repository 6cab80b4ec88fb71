package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"orangecat/governance/internal/dispatch"
	"orangecat/governance/internal/events"
	"orangecat/governance/internal/permission"
	"orangecat/governance/internal/rbac"
	"orangecat/governance/internal/rules"
	"orangecat/governance/internal/scheduler"
	"orangecat/governance/internal/store"
	"orangecat/governance/internal/tally"
	"orangecat/governance/internal/util"
)

type dataStore interface {
	Ping(ctx context.Context) error
	InTx(ctx context.Context, fn func(ctx context.Context) error) error

	CreateActor(ctx context.Context, actor store.Actor) error
	CreateGroup(ctx context.Context, group store.Group) error
	GetGroup(ctx context.Context, groupID string) (store.Group, error)
	UpsertMember(ctx context.Context, member store.Member) error
	GetMember(ctx context.Context, groupID, actorID string) (store.Member, error)
	ListEligibleMembers(ctx context.Context, groupID string, at time.Time) ([]store.Member, error)

	CreateProposal(ctx context.Context, proposal store.Proposal) error
	GetProposal(ctx context.Context, proposalID string) (store.Proposal, error)
	LockProposal(ctx context.Context, proposalID string) (store.Proposal, error)
	ListProposals(ctx context.Context, groupID string, statuses []store.ProposalStatus) ([]store.Proposal, error)
	ActivateProposal(ctx context.Context, proposal store.Proposal) (bool, error)
	UpdateProposalStatus(ctx context.Context, proposalID string, from []store.ProposalStatus, to store.ProposalStatus, at time.Time) (bool, error)

	UpsertVote(ctx context.Context, vote store.Vote) (bool, error)
	ListVotes(ctx context.Context, proposalID string) ([]store.Vote, error)
	GetActionResult(ctx context.Context, proposalID string) (store.ActionResult, error)
}

type evaluator interface {
	Evaluate(ctx context.Context, proposalID string) (scheduler.Evaluation, error)
	SetClock(now func() time.Time)
}

type executor interface {
	Execute(ctx context.Context, proposalID string) (store.ActionResult, error)
}

type Options struct {
	// EarlyResolution re-evaluates a proposal after every vote. When off, proposals resolve
	// only on the expiry sweep.
	EarlyResolution bool
	// DefaultVotingWindow replaces the governance mode's window when positive.
	DefaultVotingWindow time.Duration
}

type Service struct {
	store       dataStore
	permissions *permission.Resolver
	evaluator   evaluator
	dispatcher  executor
	publisher   events.Publisher
	logger      *zap.Logger
	opts        Options
	now         func() time.Time
}

func New(data dataStore, evaluator evaluator, dispatcher executor, publisher events.Publisher, logger *zap.Logger, opts Options) *Service {
	if publisher == nil {
		publisher = events.Noop{}
	}
	return &Service{
		store:       data,
		permissions: permission.NewResolver(data),
		evaluator:   evaluator,
		dispatcher:  dispatcher,
		publisher:   publisher,
		logger:      logger,
		opts:        opts,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source of the service and its evaluator.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
	s.evaluator.SetClock(now)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ResolveAction reports whether actorID may perform actionKind in groupID directly.
func (s *Service) ResolveAction(ctx context.Context, actorID, groupID, actionKind string) (permission.Result, error) {
	actionKind = strings.TrimSpace(actionKind)
	if actionKind == "" {
		return permission.Result{}, validation("action kind is required")
	}
	return s.permissions.Resolve(ctx, actorID, groupID, actionKind)
}

type CreateProposalInput struct {
	GroupID             string        `json:"-"`
	Title               string        `json:"title"`
	Description         string        `json:"description"`
	Kind                string        `json:"kind"`
	Action              *store.Action `json:"action,omitempty"`
	Threshold           *float64      `json:"threshold,omitempty"`
	Quorum              *float64      `json:"quorum,omitempty"`
	VotingWindowSeconds *int64        `json:"voting_window_seconds,omitempty"`
}

func (in CreateProposalInput) validate() error {
	if strings.TrimSpace(in.Title) == "" {
		return validation("title is required")
	}
	if in.Action != nil && strings.TrimSpace(in.Action.Kind) == "" {
		return validation("action kind is required")
	}
	if in.Threshold != nil && (*in.Threshold <= 0 || *in.Threshold > 1) {
		return validation("threshold must be in (0, 1]")
	}
	if in.Quorum != nil && (*in.Quorum <= 0 || *in.Quorum > 1) {
		return validation("quorum must be in (0, 1]")
	}
	if in.VotingWindowSeconds != nil && *in.VotingWindowSeconds <= 0 {
		return validation("voting window must be positive")
	}
	return nil
}

// CreateProposal stores a draft on behalf of actorID. An attached action the actor is denied
// outright cannot be proposed either.
func (s *Service) CreateProposal(ctx context.Context, actorID string, input CreateProposalInput) (ProposalView, error) {
	if err := input.validate(); err != nil {
		return ProposalView{}, err
	}
	group, err := s.store.GetGroup(ctx, input.GroupID)
	if err != nil {
		return ProposalView{}, classify(err, "group")
	}
	member, err := s.store.GetMember(ctx, group.ID, actorID)
	if errors.Is(err, store.ErrNotFound) {
		return ProposalView{}, forbidden("not a member")
	}
	if err != nil {
		return ProposalView{}, err
	}
	modeRules, err := rules.Lookup(group.Mode)
	if err != nil {
		return ProposalView{}, err
	}
	if !modeRules.CanPropose(member.Role) {
		return ProposalView{}, forbidden(fmt.Sprintf("role %s may not propose in %s mode", member.Role, group.Mode))
	}

	var action *store.Action
	if input.Action != nil {
		action = &store.Action{Kind: strings.TrimSpace(input.Action.Kind), Params: input.Action.Params}
		if decision := permission.Decide(group, member, action.Kind); decision.Decision == permission.Deny {
			return ProposalView{}, forbidden(decision.Reason)
		}
	}

	kind := strings.TrimSpace(input.Kind)
	if kind == "" {
		kind = "general"
	}
	now := s.now()
	proposal := store.Proposal{
		ID:                util.NewID("prp"),
		GroupID:           group.ID,
		ProposerActorID:   actorID,
		Title:             strings.TrimSpace(input.Title),
		Description:       strings.TrimSpace(input.Description),
		Kind:              kind,
		Action:            action,
		Status:            store.StatusDraft,
		ThresholdOverride: input.Threshold,
		QuorumOverride:    input.Quorum,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if input.VotingWindowSeconds != nil {
		window := time.Duration(*input.VotingWindowSeconds) * time.Second
		proposal.WindowOverride = &window
	}
	if err := s.store.CreateProposal(ctx, proposal); err != nil {
		return ProposalView{}, err
	}

	s.publish(ctx, events.ProposalCreated, proposal, actorID, nil)
	return toProposalView(proposal), nil
}

// authorizeTransition allows the proposer or a group admin.
func (s *Service) authorizeTransition(ctx context.Context, proposal store.Proposal, actorID string) error {
	if proposal.ProposerActorID == actorID {
		return nil
	}
	member, err := s.store.GetMember(ctx, proposal.GroupID, actorID)
	if errors.Is(err, store.ErrNotFound) {
		return forbidden("only the proposer or a group admin may do this")
	}
	if err != nil {
		return err
	}
	if !rbac.IsAdmin(member.Role) {
		return forbidden("only the proposer or a group admin may do this")
	}
	return nil
}

// Activate opens voting on a draft, freezing threshold, quorum, window and the eligible weight.
func (s *Service) Activate(ctx context.Context, proposalID, actorID string) (ProposalView, error) {
	var activated store.Proposal
	err := s.store.InTx(ctx, func(ctx context.Context) error {
		proposal, err := s.store.LockProposal(ctx, proposalID)
		if err != nil {
			return classify(err, "proposal")
		}
		if err := s.authorizeTransition(ctx, proposal, actorID); err != nil {
			return err
		}
		if proposal.Status != store.StatusDraft {
			return invalidState("only draft proposals can be activated", proposal.Status)
		}
		group, err := s.store.GetGroup(ctx, proposal.GroupID)
		if err != nil {
			return classify(err, "group")
		}
		modeRules, err := rules.Lookup(group.Mode)
		if err != nil {
			return err
		}

		now := s.now()
		members, err := s.store.ListEligibleMembers(ctx, group.ID, now)
		if err != nil {
			return err
		}
		var eligible float64
		for _, member := range members {
			if modeRules.CanVote(member.Role) {
				eligible += member.VotingPower
			}
		}
		if eligible <= 0 {
			return validation("no eligible voters")
		}

		params := rules.Effective(modeRules, group, proposal, s.opts.DefaultVotingWindow)
		ends := now.Add(params.VotingWindow)
		proposal.Threshold = params.Threshold
		proposal.Quorum = params.Quorum
		proposal.EligibleWeight = eligible
		proposal.VotingStartsAt = &now
		proposal.VotingEndsAt = &ends

		changed, err := s.store.ActivateProposal(ctx, proposal)
		if err != nil {
			return err
		}
		if !changed {
			return invalidState("only draft proposals can be activated", proposal.Status)
		}
		proposal.Status = store.StatusActive
		proposal.UpdatedAt = now
		activated = proposal
		return nil
	})
	if err != nil {
		return ProposalView{}, err
	}

	s.logger.Info("proposal activated",
		zap.String("proposal_id", activated.ID),
		zap.Float64("eligible_weight", activated.EligibleWeight),
		zap.Time("voting_ends_at", *activated.VotingEndsAt),
	)
	s.publish(ctx, events.ProposalActivated, activated, actorID, nil)
	return toProposalView(activated), nil
}

type VoteReceipt struct {
	Vote     VoteView     `json:"vote"`
	Proposal ProposalView `json:"proposal"`
	Tally    tally.Tally  `json:"tally"`
	// ExecutionError is set when the vote passed the proposal but its action failed.
	ExecutionError string `json:"execution_error,omitempty"`
}

// CastVote records or replaces actorID's vote, with the weight of its current membership, and
// re-evaluates the proposal when early resolution is on.
func (s *Service) CastVote(ctx context.Context, proposalID, actorID, choice string) (VoteReceipt, error) {
	parsed, ok := store.ParseChoice(strings.ToLower(strings.TrimSpace(choice)))
	if !ok {
		return VoteReceipt{}, validation("choice must be yes, no or abstain")
	}
	proposal, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return VoteReceipt{}, classify(err, "proposal")
	}
	if proposal.Status != store.StatusActive {
		return VoteReceipt{}, invalidState("proposal is not open for voting", proposal.Status)
	}
	now := s.now()
	if proposal.VotingStartsAt != nil && now.Before(*proposal.VotingStartsAt) {
		return VoteReceipt{}, validation("voting window not open")
	}
	if proposal.VotingEndsAt != nil && now.After(*proposal.VotingEndsAt) {
		return VoteReceipt{}, validation("voting window closed")
	}
	if err := s.checkEligible(ctx, proposal, actorID); err != nil {
		return VoteReceipt{}, err
	}
	member, err := s.store.GetMember(ctx, proposal.GroupID, actorID)
	if err != nil {
		return VoteReceipt{}, classify(err, "member")
	}

	vote := store.Vote{
		ProposalID:   proposal.ID,
		VoterActorID: actorID,
		Choice:       parsed,
		Weight:       member.VotingPower,
		CastAt:       now,
	}
	recorded, err := s.store.UpsertVote(ctx, vote)
	if err != nil {
		return VoteReceipt{}, err
	}
	if !recorded {
		current, err := s.store.GetProposal(ctx, proposalID)
		if err != nil {
			return VoteReceipt{}, classify(err, "proposal")
		}
		return VoteReceipt{}, invalidState("proposal is not open for voting", current.Status)
	}
	s.publish(ctx, events.VoteCast, proposal, actorID, map[string]any{"choice": parsed, "weight": vote.Weight})

	receipt := VoteReceipt{Vote: toVoteView(vote)}
	if s.opts.EarlyResolution {
		eval, err := s.evaluator.Evaluate(ctx, proposalID)
		if err != nil {
			s.logger.Warn("evaluate after vote failed", zap.String("proposal_id", proposalID), zap.Error(err))
		} else if eval.ExecutionErr != nil {
			receipt.ExecutionError = eval.ExecutionErr.Error()
		}
	}

	current, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return VoteReceipt{}, classify(err, "proposal")
	}
	votes, err := s.store.ListVotes(ctx, proposalID)
	if err != nil {
		return VoteReceipt{}, err
	}
	receipt.Proposal = toProposalView(current)
	receipt.Tally = tally.Count(votes, current.EligibleWeight)
	return receipt, nil
}

// checkEligible applies the same rule used to compute the frozen eligible weight at activation.
func (s *Service) checkEligible(ctx context.Context, proposal store.Proposal, actorID string) error {
	member, err := s.store.GetMember(ctx, proposal.GroupID, actorID)
	if errors.Is(err, store.ErrNotFound) {
		return forbidden("not an eligible voter")
	}
	if err != nil {
		return err
	}
	group, err := s.store.GetGroup(ctx, proposal.GroupID)
	if err != nil {
		return classify(err, "group")
	}
	modeRules, err := rules.Lookup(group.Mode)
	if err != nil {
		return err
	}
	if member.VotingPower <= 0 || !modeRules.CanVote(member.Role) {
		return forbidden("not an eligible voter")
	}
	if proposal.VotingStartsAt != nil && member.JoinedAt.After(*proposal.VotingStartsAt) {
		return forbidden("joined after voting opened")
	}
	return nil
}

// Cancel withdraws a draft or active proposal. Recorded votes are kept.
func (s *Service) Cancel(ctx context.Context, proposalID, actorID string) (ProposalView, error) {
	proposal, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return ProposalView{}, classify(err, "proposal")
	}
	if err := s.authorizeTransition(ctx, proposal, actorID); err != nil {
		return ProposalView{}, err
	}
	if proposal.Status != store.StatusDraft && proposal.Status != store.StatusActive {
		return ProposalView{}, invalidState("only draft or active proposals can be cancelled", proposal.Status)
	}
	now := s.now()
	changed, err := s.store.UpdateProposalStatus(ctx, proposalID, []store.ProposalStatus{store.StatusDraft, store.StatusActive}, store.StatusCancelled, now)
	if err != nil {
		return ProposalView{}, err
	}
	current, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return ProposalView{}, classify(err, "proposal")
	}
	if !changed {
		return ProposalView{}, invalidState("only draft or active proposals can be cancelled", current.Status)
	}

	s.publish(ctx, events.ProposalCancelled, current, actorID, nil)
	return toProposalView(current), nil
}

// Resolve re-evaluates the proposal now. It never forces an outcome and is a no-op for
// proposals that are not active. Any group member may trigger it.
func (s *Service) Resolve(ctx context.Context, proposalID, actorID string) (ProposalDetail, error) {
	proposal, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return ProposalDetail{}, classify(err, "proposal")
	}
	if err := s.requireMember(ctx, proposal.GroupID, actorID); err != nil {
		return ProposalDetail{}, err
	}
	if _, err := s.evaluator.Evaluate(ctx, proposalID); err != nil {
		return ProposalDetail{}, classify(err, "proposal")
	}
	return s.GetProposal(ctx, proposalID, actorID)
}

// RetryExecution re-runs the action of a passed proposal whose execution failed. Only group
// admins may retry; an executed proposal returns its existing result.
func (s *Service) RetryExecution(ctx context.Context, proposalID, actorID string) (ActionResultView, error) {
	proposal, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return ActionResultView{}, classify(err, "proposal")
	}
	member, err := s.store.GetMember(ctx, proposal.GroupID, actorID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !rbac.IsAdmin(member.Role)) {
		return ActionResultView{}, forbidden("only group admins may retry execution")
	}
	if err != nil {
		return ActionResultView{}, err
	}
	switch {
	case proposal.Status == store.StatusExecuted:
	case proposal.Status != store.StatusPassed:
		return ActionResultView{}, invalidState("only passed proposals can be executed", proposal.Status)
	case proposal.Action == nil:
		return ActionResultView{}, invalidState("proposal has no action attached", proposal.Status)
	}

	result, err := s.dispatcher.Execute(ctx, proposalID)
	if err != nil {
		return ActionResultView{}, classify(err, "proposal")
	}
	return toActionResultView(result), nil
}

type ProposalDetail struct {
	Proposal ProposalView      `json:"proposal"`
	Tally    tally.Tally       `json:"tally"`
	Votes    []VoteView        `json:"votes"`
	Result   *ActionResultView `json:"result,omitempty"`
}

// GetProposal returns the proposal with its live tally and votes. Only members of the owning
// group may read it.
func (s *Service) GetProposal(ctx context.Context, proposalID, actorID string) (ProposalDetail, error) {
	proposal, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return ProposalDetail{}, classify(err, "proposal")
	}
	if err := s.requireMember(ctx, proposal.GroupID, actorID); err != nil {
		return ProposalDetail{}, err
	}
	return s.proposalDetail(ctx, proposal)
}

func (s *Service) proposalDetail(ctx context.Context, proposal store.Proposal) (ProposalDetail, error) {
	votes, err := s.store.ListVotes(ctx, proposal.ID)
	if err != nil {
		return ProposalDetail{}, err
	}
	detail := ProposalDetail{
		Proposal: toProposalView(proposal),
		Tally:    tally.Count(votes, proposal.EligibleWeight),
		Votes:    make([]VoteView, 0, len(votes)),
	}
	for _, vote := range votes {
		detail.Votes = append(detail.Votes, toVoteView(vote))
	}
	if proposal.Status == store.StatusExecuted {
		result, err := s.store.GetActionResult(ctx, proposal.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return ProposalDetail{}, err
		}
		if err == nil {
			view := toActionResultView(result)
			detail.Result = &view
		}
	}
	return detail, nil
}

// requireMember rejects actors outside the group. Reads of proposals, votes and the roster are
// scoped to members.
func (s *Service) requireMember(ctx context.Context, groupID, actorID string) error {
	_, err := s.store.GetMember(ctx, groupID, actorID)
	if errors.Is(err, store.ErrNotFound) {
		return forbidden("only group members may view this")
	}
	return err
}

// ListProposals returns the group's proposals, newest first, optionally filtered by status.
func (s *Service) ListProposals(ctx context.Context, groupID, actorID string, statuses []string) ([]ProposalView, error) {
	if _, err := s.store.GetGroup(ctx, groupID); err != nil {
		return nil, classify(err, "group")
	}
	if err := s.requireMember(ctx, groupID, actorID); err != nil {
		return nil, err
	}
	filter := make([]store.ProposalStatus, 0, len(statuses))
	for _, raw := range statuses {
		raw = strings.ToLower(strings.TrimSpace(raw))
		if raw == "" {
			continue
		}
		status, ok := store.ParseStatus(raw)
		if !ok {
			return nil, validation(fmt.Sprintf("unknown status %q", raw))
		}
		filter = append(filter, status)
	}
	proposals, err := s.store.ListProposals(ctx, groupID, filter)
	if err != nil {
		return nil, err
	}
	views := make([]ProposalView, 0, len(proposals))
	for _, proposal := range proposals {
		views = append(views, toProposalView(proposal))
	}
	return views, nil
}

func (s *Service) publish(ctx context.Context, name string, proposal store.Proposal, actorID string, data map[string]any) {
	s.publisher.Publish(ctx, events.Event{
		Name:       name,
		GroupID:    proposal.GroupID,
		ProposalID: proposal.ID,
		ActorID:    actorID,
		Status:     string(proposal.Status),
		Data:       data,
		At:         s.now(),
	})
}

var _ executor = (*dispatch.Dispatcher)(nil)
var _ evaluator = (*scheduler.Evaluator)(nil)
