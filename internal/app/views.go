package app

import (
	"time"

	"orangecat/governance/internal/store"
)

type ProposalView struct {
	ID                 string               `json:"id"`
	GroupID            string               `json:"group_id"`
	ProposerActorID    string               `json:"proposer_actor_id"`
	Title              string               `json:"title"`
	Description        string               `json:"description,omitempty"`
	Kind               string               `json:"kind"`
	Action             *store.Action        `json:"action,omitempty"`
	Status             store.ProposalStatus `json:"status"`
	Threshold          float64              `json:"threshold,omitempty"`
	Quorum             float64              `json:"quorum,omitempty"`
	EligibleWeight     float64              `json:"eligible_weight,omitempty"`
	VotingStartsAt     *time.Time           `json:"voting_starts_at,omitempty"`
	VotingEndsAt       *time.Time           `json:"voting_ends_at,omitempty"`
	ResolvedAt         *time.Time           `json:"resolved_at,omitempty"`
	ExecutedAt         *time.Time           `json:"executed_at,omitempty"`
	CancelledAt        *time.Time           `json:"cancelled_at,omitempty"`
	LastExecutionError string               `json:"last_execution_error,omitempty"`
	LastExecutionAt    *time.Time           `json:"last_execution_at,omitempty"`
	CreatedAt          time.Time            `json:"created_at"`
	UpdatedAt          time.Time            `json:"updated_at"`
}

func toProposalView(p store.Proposal) ProposalView {
	return ProposalView{
		ID:                 p.ID,
		GroupID:            p.GroupID,
		ProposerActorID:    p.ProposerActorID,
		Title:              p.Title,
		Description:        p.Description,
		Kind:               p.Kind,
		Action:             p.Action,
		Status:             p.Status,
		Threshold:          p.Threshold,
		Quorum:             p.Quorum,
		EligibleWeight:     p.EligibleWeight,
		VotingStartsAt:     p.VotingStartsAt,
		VotingEndsAt:       p.VotingEndsAt,
		ResolvedAt:         p.ResolvedAt,
		ExecutedAt:         p.ExecutedAt,
		CancelledAt:        p.CancelledAt,
		LastExecutionError: p.LastExecutionError,
		LastExecutionAt:    p.LastExecutionAt,
		CreatedAt:          p.CreatedAt,
		UpdatedAt:          p.UpdatedAt,
	}
}

type VoteView struct {
	VoterActorID string           `json:"voter_actor_id"`
	Choice       store.VoteChoice `json:"choice"`
	Weight       float64          `json:"weight"`
	CastAt       time.Time        `json:"cast_at"`
}

func toVoteView(v store.Vote) VoteView {
	return VoteView{VoterActorID: v.VoterActorID, Choice: v.Choice, Weight: v.Weight, CastAt: v.CastAt}
}

type ActionResultView struct {
	ID         string    `json:"id"`
	ProposalID string    `json:"proposal_id"`
	ActionKind string    `json:"action_kind"`
	ResultRef  string    `json:"result_ref"`
	CreatedAt  time.Time `json:"created_at"`
}

func toActionResultView(r store.ActionResult) ActionResultView {
	return ActionResultView{ID: r.ID, ProposalID: r.ProposalID, ActionKind: r.ActionKind, ResultRef: r.ResultRef, CreatedAt: r.CreatedAt}
}

type GroupView struct {
	ID                  string               `json:"id"`
	ActorID             string               `json:"actor_id"`
	Name                string               `json:"name"`
	Mode                store.GovernanceMode `json:"governance_mode"`
	Threshold           *float64             `json:"threshold,omitempty"`
	Quorum              *float64             `json:"quorum,omitempty"`
	VotingWindowSeconds *int64               `json:"voting_window_seconds,omitempty"`
	CreatedAt           time.Time            `json:"created_at"`
}

func toGroupView(g store.Group) GroupView {
	view := GroupView{ID: g.ID, ActorID: g.ActorID, Name: g.Name, Mode: g.Mode, Threshold: g.Threshold, Quorum: g.Quorum, CreatedAt: g.CreatedAt}
	if g.VotingWindow != nil {
		seconds := int64(g.VotingWindow.Seconds())
		view.VotingWindowSeconds = &seconds
	}
	return view
}

type MemberView struct {
	GroupID     string            `json:"group_id"`
	ActorID     string            `json:"actor_id"`
	Role        string            `json:"role"`
	VotingPower float64           `json:"voting_power"`
	Permissions map[string]string `json:"permissions,omitempty"`
	JoinedAt    time.Time         `json:"joined_at"`
}

func toMemberView(m store.Member) MemberView {
	return MemberView{GroupID: m.GroupID, ActorID: m.ActorID, Role: string(m.Role), VotingPower: m.VotingPower, Permissions: m.Permissions, JoinedAt: m.JoinedAt}
}
