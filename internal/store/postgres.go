package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"orangecat/governance/internal/rbac"
)

type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// conn returns the transaction carried by ctx, or the pool when there is none.
func (s *PostgresStore) conn(ctx context.Context) executor {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

// InTx runs fn inside a single transaction. Store calls made with the ctx passed to fn join it.
// Nested calls reuse the outer transaction.
func (s *PostgresStore) InTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (s *PostgresStore) CreateActor(ctx context.Context, actor Actor) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO actors (id, kind, display_name)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`, actor.ID, actor.Kind, actor.DisplayName)
	if err != nil {
		return fmt.Errorf("create actor: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateGroup(ctx context.Context, group Group) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO groups (id, actor_id, name, governance_mode, threshold, quorum, voting_window_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, group.ID, group.ActorID, group.Name, group.Mode, group.Threshold, group.Quorum, durationSeconds(group.VotingWindow))
	if err != nil {
		return fmt.Errorf("create group: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetGroup(ctx context.Context, groupID string) (Group, error) {
	var item Group
	var windowSeconds *int64
	err := s.conn(ctx).QueryRowContext(ctx, `
		SELECT id, actor_id, name, governance_mode, threshold, quorum, voting_window_seconds, created_at, updated_at
		FROM groups
		WHERE id=$1
	`, groupID).Scan(
		&item.ID,
		&item.ActorID,
		&item.Name,
		&item.Mode,
		&item.Threshold,
		&item.Quorum,
		&windowSeconds,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return Group{}, fmt.Errorf("get group: %w", notFound(err))
	}
	item.VotingWindow = secondsDuration(windowSeconds)
	return item, nil
}

func (s *PostgresStore) UpsertMember(ctx context.Context, member Member) error {
	permissions := member.Permissions
	if permissions == nil {
		permissions = map[string]string{}
	}
	encoded, err := json.Marshal(permissions)
	if err != nil {
		return fmt.Errorf("marshal member permissions: %w", err)
	}
	joinedAt := member.JoinedAt
	if joinedAt.IsZero() {
		joinedAt = time.Now().UTC()
	}
	_, err = s.conn(ctx).ExecContext(ctx, `
		INSERT INTO group_members (group_id, actor_id, role, voting_power, permissions, joined_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6)
		ON CONFLICT (group_id, actor_id)
		DO UPDATE SET role=EXCLUDED.role, voting_power=EXCLUDED.voting_power, permissions=EXCLUDED.permissions
	`, member.GroupID, member.ActorID, member.Role, member.VotingPower, string(encoded), joinedAt)
	if err != nil {
		return fmt.Errorf("upsert member: %w", err)
	}
	return nil
}

const memberColumns = `group_id, actor_id, role, voting_power, permissions, joined_at`

func scanMember(row interface{ Scan(...any) error }) (Member, error) {
	var item Member
	var role string
	var permissionsRaw []byte
	if err := row.Scan(&item.GroupID, &item.ActorID, &role, &item.VotingPower, &permissionsRaw, &item.JoinedAt); err != nil {
		return Member{}, err
	}
	item.Role = rbac.Normalize(role)
	item.Permissions = map[string]string{}
	if err := decodeObject(permissionsRaw, &item.Permissions); err != nil {
		return Member{}, fmt.Errorf("decode member permissions: %w", err)
	}
	return item, nil
}

// decodeObject unmarshals a JSONB object column. An empty column leaves out untouched.
func decodeObject(raw []byte, out any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func (s *PostgresStore) GetMember(ctx context.Context, groupID, actorID string) (Member, error) {
	row := s.conn(ctx).QueryRowContext(ctx, `
		SELECT `+memberColumns+`
		FROM group_members
		WHERE group_id=$1 AND actor_id=$2
	`, groupID, actorID)
	item, err := scanMember(row)
	if err != nil {
		return Member{}, fmt.Errorf("get member: %w", notFound(err))
	}
	return item, nil
}

// ListEligibleMembers returns members with voting power that had joined by at.
func (s *PostgresStore) ListEligibleMembers(ctx context.Context, groupID string, at time.Time) ([]Member, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT `+memberColumns+`
		FROM group_members
		WHERE group_id=$1 AND joined_at <= $2 AND voting_power > 0
		ORDER BY joined_at ASC, actor_id ASC
	`, groupID, at)
	if err != nil {
		return nil, fmt.Errorf("list eligible members: %w", err)
	}
	defer rows.Close()

	items := make([]Member, 0)
	for rows.Next() {
		item, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return items, nil
}

const proposalColumns = `
	id, group_id, proposer_actor_id, title, description, kind, action_kind, action_params, status,
	threshold_override, quorum_override, voting_window_override_seconds,
	threshold, quorum, eligible_weight, voting_starts_at, voting_ends_at,
	resolved_at, executed_at, cancelled_at, last_execution_error, last_execution_at,
	created_at, updated_at`

func scanProposal(row interface{ Scan(...any) error }) (Proposal, error) {
	var item Proposal
	var actionKind *string
	var actionParams []byte
	var windowSeconds *int64
	if err := row.Scan(
		&item.ID,
		&item.GroupID,
		&item.ProposerActorID,
		&item.Title,
		&item.Description,
		&item.Kind,
		&actionKind,
		&actionParams,
		&item.Status,
		&item.ThresholdOverride,
		&item.QuorumOverride,
		&windowSeconds,
		&item.Threshold,
		&item.Quorum,
		&item.EligibleWeight,
		&item.VotingStartsAt,
		&item.VotingEndsAt,
		&item.ResolvedAt,
		&item.ExecutedAt,
		&item.CancelledAt,
		&item.LastExecutionError,
		&item.LastExecutionAt,
		&item.CreatedAt,
		&item.UpdatedAt,
	); err != nil {
		return Proposal{}, err
	}
	if actionKind != nil {
		item.Action = &Action{Kind: *actionKind}
		if len(actionParams) > 0 {
			if err := json.Unmarshal(actionParams, &item.Action.Params); err != nil {
				return Proposal{}, fmt.Errorf("decode action params: %w", err)
			}
		}
	}
	item.WindowOverride = secondsDuration(windowSeconds)
	return item, nil
}

func (s *PostgresStore) CreateProposal(ctx context.Context, proposal Proposal) error {
	var actionKind *string
	var actionParams *string
	if proposal.Action != nil {
		kind := proposal.Action.Kind
		actionKind = &kind
		params := proposal.Action.Params
		if params == nil {
			params = map[string]any{}
		}
		encoded, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal action params: %w", err)
		}
		raw := string(encoded)
		actionParams = &raw
	}
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO proposals (
			id, group_id, proposer_actor_id, title, description, kind, action_kind, action_params, status,
			threshold_override, quorum_override, voting_window_override_seconds, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10, $11, $12, $13, $13)
	`,
		proposal.ID,
		proposal.GroupID,
		proposal.ProposerActorID,
		proposal.Title,
		proposal.Description,
		proposal.Kind,
		actionKind,
		actionParams,
		proposal.Status,
		proposal.ThresholdOverride,
		proposal.QuorumOverride,
		durationSeconds(proposal.WindowOverride),
		proposal.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create proposal: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProposal(ctx context.Context, proposalID string) (Proposal, error) {
	row := s.conn(ctx).QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id=$1`, proposalID)
	item, err := scanProposal(row)
	if err != nil {
		return Proposal{}, fmt.Errorf("get proposal: %w", notFound(err))
	}
	return item, nil
}

// LockProposal reads the proposal row with an exclusive row lock held until the surrounding
// transaction ends. Vote upserts take a shared lock on the same row.
func (s *PostgresStore) LockProposal(ctx context.Context, proposalID string) (Proposal, error) {
	row := s.conn(ctx).QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id=$1 FOR UPDATE`, proposalID)
	item, err := scanProposal(row)
	if err != nil {
		return Proposal{}, fmt.Errorf("lock proposal: %w", notFound(err))
	}
	return item, nil
}

func (s *PostgresStore) ListProposals(ctx context.Context, groupID string, statuses []ProposalStatus) ([]Proposal, error) {
	filter := make([]string, 0, len(statuses))
	for _, status := range statuses {
		filter = append(filter, string(status))
	}
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT `+proposalColumns+`
		FROM proposals
		WHERE group_id=$1 AND (cardinality($2::text[]) = 0 OR status = ANY($2::text[]))
		ORDER BY created_at DESC, id DESC
	`, groupID, filter)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	return collectProposals(rows)
}

// ListExpiredActive returns active proposals whose voting window ended before at.
func (s *PostgresStore) ListExpiredActive(ctx context.Context, at time.Time, limit int) ([]Proposal, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT `+proposalColumns+`
		FROM proposals
		WHERE status='active' AND voting_ends_at < $1
		ORDER BY voting_ends_at ASC
		LIMIT $2
	`, at, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired proposals: %w", err)
	}
	return collectProposals(rows)
}

func collectProposals(rows *sql.Rows) ([]Proposal, error) {
	defer rows.Close()
	items := make([]Proposal, 0)
	for rows.Next() {
		item, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan proposal: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate proposals: %w", err)
	}
	return items, nil
}

// ActivateProposal writes the frozen voting parameters and moves a draft to active.
// It reports false when the proposal is no longer a draft.
func (s *PostgresStore) ActivateProposal(ctx context.Context, proposal Proposal) (bool, error) {
	result, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE proposals
		SET status='active', threshold=$2, quorum=$3, eligible_weight=$4,
			voting_starts_at=$5, voting_ends_at=$6, updated_at=$5
		WHERE id=$1 AND status='draft'
	`, proposal.ID, proposal.Threshold, proposal.Quorum, proposal.EligibleWeight, proposal.VotingStartsAt, proposal.VotingEndsAt)
	if err != nil {
		return false, fmt.Errorf("activate proposal: %w", err)
	}
	return rowsChanged(result, "activate proposal")
}

// UpdateProposalStatus moves the proposal to status only if its current status is one of from.
func (s *PostgresStore) UpdateProposalStatus(ctx context.Context, proposalID string, from []ProposalStatus, to ProposalStatus, at time.Time) (bool, error) {
	allowed := make([]string, 0, len(from))
	for _, status := range from {
		allowed = append(allowed, string(status))
	}
	result, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE proposals
		SET status=$3,
			resolved_at=CASE WHEN $3 IN ('passed', 'failed') THEN $4 ELSE resolved_at END,
			cancelled_at=CASE WHEN $3='cancelled' THEN $4 ELSE cancelled_at END,
			updated_at=$4
		WHERE id=$1 AND status = ANY($2::text[])
	`, proposalID, allowed, string(to), at)
	if err != nil {
		return false, fmt.Errorf("update proposal status: %w", err)
	}
	return rowsChanged(result, "update proposal status")
}

// MarkExecuted claims execution of a passed proposal. Only one caller ever sees true.
func (s *PostgresStore) MarkExecuted(ctx context.Context, proposalID string, at time.Time) (bool, error) {
	result, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE proposals
		SET status='executed', executed_at=$2, last_execution_at=$2, last_execution_error='', updated_at=$2
		WHERE id=$1 AND status='passed' AND executed_at IS NULL AND action_kind IS NOT NULL
	`, proposalID, at)
	if err != nil {
		return false, fmt.Errorf("mark proposal executed: %w", err)
	}
	return rowsChanged(result, "mark proposal executed")
}

func (s *PostgresStore) RecordExecutionFailure(ctx context.Context, proposalID, message string, at time.Time) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE proposals
		SET last_execution_error=$2, last_execution_at=$3, updated_at=$3
		WHERE id=$1 AND status='passed'
	`, proposalID, message, at)
	if err != nil {
		return fmt.Errorf("record execution failure: %w", err)
	}
	return nil
}

// UpsertVote records one live vote per (proposal, voter). It reports false when the proposal is
// not active; the shared row lock orders the write against a concurrent resolution.
func (s *PostgresStore) UpsertVote(ctx context.Context, vote Vote) (bool, error) {
	result, err := s.conn(ctx).ExecContext(ctx, `
		WITH live AS (
			SELECT id FROM proposals WHERE id=$1 AND status='active' FOR SHARE
		)
		INSERT INTO votes (proposal_id, voter_actor_id, choice, weight, cast_at)
		SELECT live.id, $2, $3, $4, $5 FROM live
		ON CONFLICT (proposal_id, voter_actor_id)
		DO UPDATE SET choice=EXCLUDED.choice, weight=EXCLUDED.weight, cast_at=EXCLUDED.cast_at
	`, vote.ProposalID, vote.VoterActorID, vote.Choice, vote.Weight, vote.CastAt)
	if err != nil {
		return false, fmt.Errorf("upsert vote: %w", err)
	}
	return rowsChanged(result, "upsert vote")
}

func (s *PostgresStore) ListVotes(ctx context.Context, proposalID string) ([]Vote, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT proposal_id, voter_actor_id, choice, weight, cast_at
		FROM votes
		WHERE proposal_id=$1
		ORDER BY cast_at ASC, voter_actor_id ASC
	`, proposalID)
	if err != nil {
		return nil, fmt.Errorf("list votes: %w", err)
	}
	defer rows.Close()

	items := make([]Vote, 0)
	for rows.Next() {
		var item Vote
		if err := rows.Scan(&item.ProposalID, &item.VoterActorID, &item.Choice, &item.Weight, &item.CastAt); err != nil {
			return nil, fmt.Errorf("scan vote: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate votes: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) CreateActionResult(ctx context.Context, result ActionResult) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO action_results (id, proposal_id, action_kind, result_ref, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, result.ID, result.ProposalID, result.ActionKind, result.ResultRef, result.CreatedAt)
	if err != nil {
		return fmt.Errorf("create action result: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetActionResult(ctx context.Context, proposalID string) (ActionResult, error) {
	var item ActionResult
	err := s.conn(ctx).QueryRowContext(ctx, `
		SELECT id, proposal_id, action_kind, result_ref, created_at
		FROM action_results
		WHERE proposal_id=$1
	`, proposalID).Scan(&item.ID, &item.ProposalID, &item.ActionKind, &item.ResultRef, &item.CreatedAt)
	if err != nil {
		return ActionResult{}, fmt.Errorf("get action result: %w", notFound(err))
	}
	return item, nil
}

// CreateContract inserts the contract unless one already exists for the same source proposal, in
// which case the existing row is returned with created=false.
func (s *PostgresStore) CreateContract(ctx context.Context, contract Contract) (Contract, bool, error) {
	terms := contract.Terms
	if terms == nil {
		terms = map[string]any{}
	}
	encoded, err := json.Marshal(terms)
	if err != nil {
		return Contract{}, false, fmt.Errorf("marshal contract terms: %w", err)
	}
	result, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO contracts (id, group_id, party_actor_id, counterparty_actor_id, title, terms, amount, currency, status, source_proposal_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, NULLIF($10, ''), $11)
		ON CONFLICT (source_proposal_id) DO NOTHING
	`,
		contract.ID,
		contract.GroupID,
		contract.PartyActorID,
		contract.CounterpartyActorID,
		contract.Title,
		string(encoded),
		contract.Amount,
		contract.Currency,
		contract.Status,
		contract.SourceProposalID,
		contract.CreatedAt,
	)
	if err != nil {
		return Contract{}, false, fmt.Errorf("create contract: %w", err)
	}
	created, err := rowsChanged(result, "create contract")
	if err != nil {
		return Contract{}, false, err
	}
	if created {
		return contract, true, nil
	}
	existing, err := s.getContractBySource(ctx, contract.SourceProposalID)
	if err != nil {
		return Contract{}, false, err
	}
	return existing, false, nil
}

func (s *PostgresStore) getContractBySource(ctx context.Context, proposalID string) (Contract, error) {
	var item Contract
	var termsRaw []byte
	var source *string
	err := s.conn(ctx).QueryRowContext(ctx, `
		SELECT id, group_id, party_actor_id, counterparty_actor_id, title, terms, amount::float8, currency, status, source_proposal_id, created_at
		FROM contracts
		WHERE source_proposal_id=$1
	`, proposalID).Scan(
		&item.ID,
		&item.GroupID,
		&item.PartyActorID,
		&item.CounterpartyActorID,
		&item.Title,
		&termsRaw,
		&item.Amount,
		&item.Currency,
		&item.Status,
		&source,
		&item.CreatedAt,
	)
	if err != nil {
		return Contract{}, fmt.Errorf("get contract: %w", notFound(err))
	}
	if source != nil {
		item.SourceProposalID = *source
	}
	if err := decodeObject(termsRaw, &item.Terms); err != nil {
		return Contract{}, fmt.Errorf("decode contract terms: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) GetContractBySource(ctx context.Context, proposalID string) (Contract, error) {
	return s.getContractBySource(ctx, proposalID)
}

func (s *PostgresStore) CreateListing(ctx context.Context, listing Listing) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO listings (id, owner_actor_id, title)
		VALUES ($1, $2, $3)
	`, listing.ID, listing.OwnerActorID, listing.Title)
	if err != nil {
		return fmt.Errorf("create listing: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetListing(ctx context.Context, listingID string) (Listing, error) {
	var item Listing
	err := s.conn(ctx).QueryRowContext(ctx, `
		SELECT id, owner_actor_id, title, source_proposal_id, created_at, updated_at
		FROM listings
		WHERE id=$1
	`, listingID).Scan(&item.ID, &item.OwnerActorID, &item.Title, &item.SourceProposalID, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Listing{}, fmt.Errorf("get listing: %w", notFound(err))
	}
	return item, nil
}

// ReassignListing re-parents the listing to ownerActorID, recording the authorizing proposal.
func (s *PostgresStore) ReassignListing(ctx context.Context, listingID, ownerActorID, sourceProposalID string) error {
	result, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE listings
		SET owner_actor_id=$2, source_proposal_id=$3, updated_at=NOW()
		WHERE id=$1
	`, listingID, ownerActorID, sourceProposalID)
	if err != nil {
		return fmt.Errorf("reassign listing: %w", err)
	}
	changed, err := rowsChanged(result, "reassign listing")
	if err != nil {
		return err
	}
	if !changed {
		return fmt.Errorf("reassign listing: %w", ErrNotFound)
	}
	return nil
}

func rowsChanged(result sql.Result, op string) (bool, error) {
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s rows: %w", op, err)
	}
	return affected > 0, nil
}

func durationSeconds(d *time.Duration) *int64 {
	if d == nil {
		return nil
	}
	seconds := int64(d.Seconds())
	return &seconds
}

func secondsDuration(seconds *int64) *time.Duration {
	if seconds == nil {
		return nil
	}
	d := time.Duration(*seconds) * time.Second
	return &d
}
