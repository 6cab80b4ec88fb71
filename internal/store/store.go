package store

import (
	"context"
	"time"
)

// Store is the full persistence surface shared by the Postgres and in-memory backends.
type Store interface {
	Ping(ctx context.Context) error
	InTx(ctx context.Context, fn func(ctx context.Context) error) error

	CreateActor(ctx context.Context, actor Actor) error
	CreateGroup(ctx context.Context, group Group) error
	GetGroup(ctx context.Context, groupID string) (Group, error)
	UpsertMember(ctx context.Context, member Member) error
	GetMember(ctx context.Context, groupID, actorID string) (Member, error)
	ListEligibleMembers(ctx context.Context, groupID string, at time.Time) ([]Member, error)

	CreateProposal(ctx context.Context, proposal Proposal) error
	GetProposal(ctx context.Context, proposalID string) (Proposal, error)
	LockProposal(ctx context.Context, proposalID string) (Proposal, error)
	ListProposals(ctx context.Context, groupID string, statuses []ProposalStatus) ([]Proposal, error)
	ListExpiredActive(ctx context.Context, at time.Time, limit int) ([]Proposal, error)
	ActivateProposal(ctx context.Context, proposal Proposal) (bool, error)
	UpdateProposalStatus(ctx context.Context, proposalID string, from []ProposalStatus, to ProposalStatus, at time.Time) (bool, error)
	MarkExecuted(ctx context.Context, proposalID string, at time.Time) (bool, error)
	RecordExecutionFailure(ctx context.Context, proposalID, message string, at time.Time) error

	UpsertVote(ctx context.Context, vote Vote) (bool, error)
	ListVotes(ctx context.Context, proposalID string) ([]Vote, error)

	CreateActionResult(ctx context.Context, result ActionResult) error
	GetActionResult(ctx context.Context, proposalID string) (ActionResult, error)
	CreateContract(ctx context.Context, contract Contract) (Contract, bool, error)
	GetContractBySource(ctx context.Context, proposalID string) (Contract, error)
	CreateListing(ctx context.Context, listing Listing) error
	GetListing(ctx context.Context, listingID string) (Listing, error)
	ReassignListing(ctx context.Context, listingID, ownerActorID, sourceProposalID string) error
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
