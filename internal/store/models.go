package store

import (
	"errors"
	"time"

	"orangecat/governance/internal/rbac"
)

var ErrNotFound = errors.New("not found")

type GovernanceMode string

const (
	ModeConsensus    GovernanceMode = "consensus"
	ModeDemocratic   GovernanceMode = "democratic"
	ModeHierarchical GovernanceMode = "hierarchical"
)

type ProposalStatus string

const (
	StatusDraft     ProposalStatus = "draft"
	StatusActive    ProposalStatus = "active"
	StatusPassed    ProposalStatus = "passed"
	StatusFailed    ProposalStatus = "failed"
	StatusExecuted  ProposalStatus = "executed"
	StatusCancelled ProposalStatus = "cancelled"
)

// Terminal reports whether no resolution sweep may move the proposal any further.
// Passed is terminal for resolution; only the dispatcher moves it to Executed.
func (s ProposalStatus) Terminal() bool {
	switch s {
	case StatusPassed, StatusFailed, StatusExecuted, StatusCancelled:
		return true
	default:
		return false
	}
}

func ParseStatus(value string) (ProposalStatus, bool) {
	switch status := ProposalStatus(value); status {
	case StatusDraft, StatusActive, StatusPassed, StatusFailed, StatusExecuted, StatusCancelled:
		return status, true
	default:
		return "", false
	}
}

type VoteChoice string

const (
	ChoiceYes     VoteChoice = "yes"
	ChoiceNo      VoteChoice = "no"
	ChoiceAbstain VoteChoice = "abstain"
)

func ParseChoice(value string) (VoteChoice, bool) {
	switch choice := VoteChoice(value); choice {
	case ChoiceYes, ChoiceNo, ChoiceAbstain:
		return choice, true
	default:
		return "", false
	}
}

type ActorKind string

const (
	ActorIndividual ActorKind = "individual"
	ActorGroup      ActorKind = "group"
)

// Actor is the ownable identity shared by individuals and groups.
type Actor struct {
	ID          string
	Kind        ActorKind
	DisplayName string
	CreatedAt   time.Time
}

type Group struct {
	ID      string
	ActorID string
	Name    string
	Mode    GovernanceMode
	// Optional overrides of the mode defaults.
	Threshold    *float64
	Quorum       *float64
	VotingWindow *time.Duration
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Member struct {
	GroupID     string
	ActorID     string
	Role        rbac.Role
	VotingPower float64
	// Permissions maps an action kind to "allow", "require_proposal" or "deny".
	Permissions map[string]string
	JoinedAt    time.Time
}

type Action struct {
	Kind   string         `json:"kind"`
	Params map[string]any `json:"params,omitempty"`
}

type Proposal struct {
	ID              string
	GroupID         string
	ProposerActorID string
	Title           string
	Description     string
	Kind            string
	Action          *Action
	Status          ProposalStatus

	// Requested by the proposer; applied at activation.
	ThresholdOverride *float64
	QuorumOverride    *float64
	WindowOverride    *time.Duration

	// Frozen at activation.
	Threshold      float64
	Quorum         float64
	EligibleWeight float64
	VotingStartsAt *time.Time
	VotingEndsAt   *time.Time

	ResolvedAt  *time.Time
	ExecutedAt  *time.Time
	CancelledAt *time.Time

	LastExecutionError string
	LastExecutionAt    *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

type Vote struct {
	ProposalID   string
	VoterActorID string
	Choice       VoteChoice
	Weight       float64
	CastAt       time.Time
}

// ActionResult links the record produced by a handler back to the proposal that authorized it.
type ActionResult struct {
	ID         string
	ProposalID string
	ActionKind string
	ResultRef  string
	CreatedAt  time.Time
}

type Contract struct {
	ID                  string
	GroupID             string
	PartyActorID        string
	CounterpartyActorID string
	Title               string
	Terms               map[string]any
	Amount              *float64
	Currency            string
	Status              string
	SourceProposalID    string
	CreatedAt           time.Time
}

type Listing struct {
	ID               string
	OwnerActorID     string
	Title            string
	SourceProposalID *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
