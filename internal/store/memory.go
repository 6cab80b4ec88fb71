package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

type memberKey struct {
	groupID string
	actorID string
}

type voteKey struct {
	proposalID string
	voterID    string
}

// memTx collects undo steps and held proposal locks for one MemoryStore transaction.
type memTx struct {
	undo []func()
	held map[string]*sync.RWMutex
}

type memTxKey struct{}

// MemoryStore is a process-local store with the same semantics as PostgresStore: conditional
// status transitions, one live vote per voter, and all-or-nothing transactions. Proposal-level
// row locks are emulated with one RWMutex per proposal.
type MemoryStore struct {
	actors    *xsync.Map[string, Actor]
	groups    *xsync.Map[string, Group]
	members   *xsync.Map[memberKey, Member]
	proposals *xsync.Map[string, Proposal]
	votes     *xsync.Map[voteKey, Vote]
	results   *xsync.Map[string, ActionResult]
	contracts *xsync.Map[string, Contract]
	listings  *xsync.Map[string, Listing]
	locks     *xsync.Map[string, *sync.RWMutex]
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		actors:    xsync.NewMap[string, Actor](),
		groups:    xsync.NewMap[string, Group](),
		members:   xsync.NewMap[memberKey, Member](),
		proposals: xsync.NewMap[string, Proposal](),
		votes:     xsync.NewMap[voteKey, Vote](),
		results:   xsync.NewMap[string, ActionResult](),
		contracts: xsync.NewMap[string, Contract](),
		listings:  xsync.NewMap[string, Listing](),
		locks:     xsync.NewMap[string, *sync.RWMutex](),
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if _, ok := ctx.Value(memTxKey{}).(*memTx); ok {
		return fn(ctx)
	}
	tx := &memTx{held: map[string]*sync.RWMutex{}}
	defer func() {
		p := recover()
		if err != nil || p != nil {
			for i := len(tx.undo) - 1; i >= 0; i-- {
				tx.undo[i]()
			}
		}
		for _, lock := range tx.held {
			lock.Unlock()
		}
		if p != nil {
			panic(p)
		}
	}()
	return fn(context.WithValue(ctx, memTxKey{}, tx))
}

func txFrom(ctx context.Context) *memTx {
	tx, _ := ctx.Value(memTxKey{}).(*memTx)
	return tx
}

// remember registers an undo step when ctx carries a transaction.
func remember(ctx context.Context, undo func()) {
	if tx := txFrom(ctx); tx != nil {
		tx.undo = append(tx.undo, undo)
	}
}

func (s *MemoryStore) lockFor(proposalID string) *sync.RWMutex {
	lock, _ := s.locks.LoadOrStore(proposalID, &sync.RWMutex{})
	return lock
}

// exclusive runs fn holding the proposal's write lock unless the transaction in ctx holds it.
func (s *MemoryStore) exclusive(ctx context.Context, proposalID string, fn func()) {
	if tx := txFrom(ctx); tx != nil {
		if _, ok := tx.held[proposalID]; ok {
			fn()
			return
		}
	}
	lock := s.lockFor(proposalID)
	lock.Lock()
	defer lock.Unlock()
	fn()
}

func (s *MemoryStore) shared(ctx context.Context, proposalID string, fn func()) {
	if tx := txFrom(ctx); tx != nil {
		if _, ok := tx.held[proposalID]; ok {
			fn()
			return
		}
	}
	lock := s.lockFor(proposalID)
	lock.RLock()
	defer lock.RUnlock()
	fn()
}

func storeWithUndo[K comparable, V any](ctx context.Context, m *xsync.Map[K, V], key K, value V) {
	previous, existed := m.Load(key)
	m.Store(key, value)
	remember(ctx, func() {
		if existed {
			m.Store(key, previous)
		} else {
			m.Delete(key)
		}
	})
}

func (s *MemoryStore) CreateActor(ctx context.Context, actor Actor) error {
	if actor.CreatedAt.IsZero() {
		actor.CreatedAt = time.Now().UTC()
	}
	if _, loaded := s.actors.LoadOrStore(actor.ID, actor); !loaded {
		remember(ctx, func() { s.actors.Delete(actor.ID) })
	}
	return nil
}

func (s *MemoryStore) CreateGroup(ctx context.Context, group Group) error {
	now := time.Now().UTC()
	if group.CreatedAt.IsZero() {
		group.CreatedAt = now
	}
	group.UpdatedAt = group.CreatedAt
	if _, loaded := s.groups.LoadOrStore(group.ID, group); loaded {
		return fmt.Errorf("create group: %s already exists", group.ID)
	}
	remember(ctx, func() { s.groups.Delete(group.ID) })
	return nil
}

func (s *MemoryStore) GetGroup(_ context.Context, groupID string) (Group, error) {
	group, ok := s.groups.Load(groupID)
	if !ok {
		return Group{}, fmt.Errorf("get group: %w", ErrNotFound)
	}
	return group, nil
}

func (s *MemoryStore) UpsertMember(ctx context.Context, member Member) error {
	key := memberKey{groupID: member.GroupID, actorID: member.ActorID}
	if existing, ok := s.members.Load(key); ok {
		member.JoinedAt = existing.JoinedAt
	} else if member.JoinedAt.IsZero() {
		member.JoinedAt = time.Now().UTC()
	}
	member.Permissions = copyPermissions(member.Permissions)
	storeWithUndo(ctx, s.members, key, member)
	return nil
}

func (s *MemoryStore) GetMember(_ context.Context, groupID, actorID string) (Member, error) {
	member, ok := s.members.Load(memberKey{groupID: groupID, actorID: actorID})
	if !ok {
		return Member{}, fmt.Errorf("get member: %w", ErrNotFound)
	}
	member.Permissions = copyPermissions(member.Permissions)
	return member, nil
}

func (s *MemoryStore) ListEligibleMembers(_ context.Context, groupID string, at time.Time) ([]Member, error) {
	items := make([]Member, 0)
	s.members.Range(func(key memberKey, member Member) bool {
		if key.groupID == groupID && !member.JoinedAt.After(at) && member.VotingPower > 0 {
			member.Permissions = copyPermissions(member.Permissions)
			items = append(items, member)
		}
		return true
	})
	sort.Slice(items, func(i, j int) bool {
		if items[i].JoinedAt.Equal(items[j].JoinedAt) {
			return items[i].ActorID < items[j].ActorID
		}
		return items[i].JoinedAt.Before(items[j].JoinedAt)
	})
	return items, nil
}

func (s *MemoryStore) CreateProposal(ctx context.Context, proposal Proposal) error {
	if proposal.UpdatedAt.IsZero() {
		proposal.UpdatedAt = proposal.CreatedAt
	}
	proposal.Action = copyAction(proposal.Action)
	if _, loaded := s.proposals.LoadOrStore(proposal.ID, proposal); loaded {
		return fmt.Errorf("create proposal: %s already exists", proposal.ID)
	}
	remember(ctx, func() { s.proposals.Delete(proposal.ID) })
	return nil
}

func (s *MemoryStore) GetProposal(_ context.Context, proposalID string) (Proposal, error) {
	proposal, ok := s.proposals.Load(proposalID)
	if !ok {
		return Proposal{}, fmt.Errorf("get proposal: %w", ErrNotFound)
	}
	proposal.Action = copyAction(proposal.Action)
	return proposal, nil
}

// LockProposal acquires the proposal's write lock for the rest of the transaction in ctx.
// Outside a transaction it behaves like GetProposal.
func (s *MemoryStore) LockProposal(ctx context.Context, proposalID string) (Proposal, error) {
	if tx := txFrom(ctx); tx != nil {
		if _, ok := tx.held[proposalID]; !ok {
			lock := s.lockFor(proposalID)
			lock.Lock()
			tx.held[proposalID] = lock
		}
	}
	proposal, err := s.GetProposal(ctx, proposalID)
	if err != nil {
		return Proposal{}, fmt.Errorf("lock proposal: %w", ErrNotFound)
	}
	return proposal, nil
}

func (s *MemoryStore) ListProposals(_ context.Context, groupID string, statuses []ProposalStatus) ([]Proposal, error) {
	wanted := make(map[ProposalStatus]struct{}, len(statuses))
	for _, status := range statuses {
		wanted[status] = struct{}{}
	}
	items := make([]Proposal, 0)
	s.proposals.Range(func(_ string, proposal Proposal) bool {
		if proposal.GroupID != groupID {
			return true
		}
		if _, ok := wanted[proposal.Status]; len(wanted) > 0 && !ok {
			return true
		}
		proposal.Action = copyAction(proposal.Action)
		items = append(items, proposal)
		return true
	})
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID > items[j].ID
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	return items, nil
}

func (s *MemoryStore) ListExpiredActive(_ context.Context, at time.Time, limit int) ([]Proposal, error) {
	if limit <= 0 {
		limit = 500
	}
	items := make([]Proposal, 0)
	s.proposals.Range(func(_ string, proposal Proposal) bool {
		if proposal.Status == StatusActive && proposal.VotingEndsAt != nil && proposal.VotingEndsAt.Before(at) {
			proposal.Action = copyAction(proposal.Action)
			items = append(items, proposal)
		}
		return true
	})
	sort.Slice(items, func(i, j int) bool { return items[i].VotingEndsAt.Before(*items[j].VotingEndsAt) })
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// transition applies mutate to the stored proposal when accept approves its current state.
func (s *MemoryStore) transition(ctx context.Context, proposalID string, accept func(Proposal) bool, mutate func(*Proposal)) bool {
	var changed bool
	var previous Proposal
	s.exclusive(ctx, proposalID, func() {
		s.proposals.Compute(proposalID, func(current Proposal, loaded bool) (Proposal, xsync.ComputeOp) {
			if !loaded || !accept(current) {
				return current, xsync.CancelOp
			}
			previous = current
			next := current
			mutate(&next)
			changed = true
			return next, xsync.UpdateOp
		})
	})
	if changed {
		remember(ctx, func() { s.proposals.Store(proposalID, previous) })
	}
	return changed
}

func (s *MemoryStore) ActivateProposal(ctx context.Context, proposal Proposal) (bool, error) {
	return s.transition(ctx, proposal.ID,
		func(current Proposal) bool { return current.Status == StatusDraft },
		func(next *Proposal) {
			next.Status = StatusActive
			next.Threshold = proposal.Threshold
			next.Quorum = proposal.Quorum
			next.EligibleWeight = proposal.EligibleWeight
			next.VotingStartsAt = proposal.VotingStartsAt
			next.VotingEndsAt = proposal.VotingEndsAt
			if proposal.VotingStartsAt != nil {
				next.UpdatedAt = *proposal.VotingStartsAt
			}
		}), nil
}

func (s *MemoryStore) UpdateProposalStatus(ctx context.Context, proposalID string, from []ProposalStatus, to ProposalStatus, at time.Time) (bool, error) {
	return s.transition(ctx, proposalID,
		func(current Proposal) bool {
			for _, status := range from {
				if current.Status == status {
					return true
				}
			}
			return false
		},
		func(next *Proposal) {
			next.Status = to
			stamp := at
			switch to {
			case StatusPassed, StatusFailed:
				next.ResolvedAt = &stamp
			case StatusCancelled:
				next.CancelledAt = &stamp
			}
			next.UpdatedAt = at
		}), nil
}

func (s *MemoryStore) MarkExecuted(ctx context.Context, proposalID string, at time.Time) (bool, error) {
	return s.transition(ctx, proposalID,
		func(current Proposal) bool {
			return current.Status == StatusPassed && current.ExecutedAt == nil && current.Action != nil
		},
		func(next *Proposal) {
			stamp := at
			next.Status = StatusExecuted
			next.ExecutedAt = &stamp
			next.LastExecutionAt = &stamp
			next.LastExecutionError = ""
			next.UpdatedAt = at
		}), nil
}

func (s *MemoryStore) RecordExecutionFailure(ctx context.Context, proposalID, message string, at time.Time) error {
	s.transition(ctx, proposalID,
		func(current Proposal) bool { return current.Status == StatusPassed },
		func(next *Proposal) {
			stamp := at
			next.LastExecutionError = message
			next.LastExecutionAt = &stamp
			next.UpdatedAt = at
		})
	return nil
}

func (s *MemoryStore) UpsertVote(ctx context.Context, vote Vote) (bool, error) {
	var accepted bool
	s.shared(ctx, vote.ProposalID, func() {
		proposal, ok := s.proposals.Load(vote.ProposalID)
		if !ok || proposal.Status != StatusActive {
			return
		}
		storeWithUndo(ctx, s.votes, voteKey{proposalID: vote.ProposalID, voterID: vote.VoterActorID}, vote)
		accepted = true
	})
	return accepted, nil
}

func (s *MemoryStore) ListVotes(_ context.Context, proposalID string) ([]Vote, error) {
	items := make([]Vote, 0)
	s.votes.Range(func(key voteKey, vote Vote) bool {
		if key.proposalID == proposalID {
			items = append(items, vote)
		}
		return true
	})
	sort.Slice(items, func(i, j int) bool {
		if items[i].CastAt.Equal(items[j].CastAt) {
			return items[i].VoterActorID < items[j].VoterActorID
		}
		return items[i].CastAt.Before(items[j].CastAt)
	})
	return items, nil
}

func (s *MemoryStore) CreateActionResult(ctx context.Context, result ActionResult) error {
	if _, loaded := s.results.LoadOrStore(result.ProposalID, result); loaded {
		return fmt.Errorf("create action result: proposal %s already has a result", result.ProposalID)
	}
	remember(ctx, func() { s.results.Delete(result.ProposalID) })
	return nil
}

func (s *MemoryStore) GetActionResult(_ context.Context, proposalID string) (ActionResult, error) {
	result, ok := s.results.Load(proposalID)
	if !ok {
		return ActionResult{}, fmt.Errorf("get action result: %w", ErrNotFound)
	}
	return result, nil
}

func (s *MemoryStore) CreateContract(ctx context.Context, contract Contract) (Contract, bool, error) {
	if contract.SourceProposalID == "" {
		storeWithUndo(ctx, s.contracts, contract.ID, contract)
		return contract, true, nil
	}
	existing, loaded := s.contracts.LoadOrStore("source:"+contract.SourceProposalID, contract)
	if loaded {
		return existing, false, nil
	}
	remember(ctx, func() { s.contracts.Delete("source:" + contract.SourceProposalID) })
	storeWithUndo(ctx, s.contracts, contract.ID, contract)
	return contract, true, nil
}

func (s *MemoryStore) GetContractBySource(_ context.Context, proposalID string) (Contract, error) {
	contract, ok := s.contracts.Load("source:" + proposalID)
	if !ok {
		return Contract{}, fmt.Errorf("get contract: %w", ErrNotFound)
	}
	return contract, nil
}

func (s *MemoryStore) CreateListing(ctx context.Context, listing Listing) error {
	now := time.Now().UTC()
	if listing.CreatedAt.IsZero() {
		listing.CreatedAt = now
	}
	listing.UpdatedAt = listing.CreatedAt
	if _, loaded := s.listings.LoadOrStore(listing.ID, listing); loaded {
		return fmt.Errorf("create listing: %s already exists", listing.ID)
	}
	remember(ctx, func() { s.listings.Delete(listing.ID) })
	return nil
}

func (s *MemoryStore) GetListing(_ context.Context, listingID string) (Listing, error) {
	listing, ok := s.listings.Load(listingID)
	if !ok {
		return Listing{}, fmt.Errorf("get listing: %w", ErrNotFound)
	}
	return listing, nil
}

func (s *MemoryStore) ReassignListing(ctx context.Context, listingID, ownerActorID, sourceProposalID string) error {
	var previous Listing
	var found bool
	s.listings.Compute(listingID, func(current Listing, loaded bool) (Listing, xsync.ComputeOp) {
		if !loaded {
			return current, xsync.CancelOp
		}
		previous, found = current, true
		source := sourceProposalID
		current.OwnerActorID = ownerActorID
		current.SourceProposalID = &source
		current.UpdatedAt = time.Now().UTC()
		return current, xsync.UpdateOp
	})
	if !found {
		return fmt.Errorf("reassign listing: %w", ErrNotFound)
	}
	remember(ctx, func() { s.listings.Store(listingID, previous) })
	return nil
}

func copyPermissions(input map[string]string) map[string]string {
	out := make(map[string]string, len(input))
	for key, value := range input {
		out[key] = value
	}
	return out
}

func copyAction(action *Action) *Action {
	if action == nil {
		return nil
	}
	params := make(map[string]any, len(action.Params))
	for key, value := range action.Params {
		params[key] = value
	}
	return &Action{Kind: action.Kind, Params: params}
}
