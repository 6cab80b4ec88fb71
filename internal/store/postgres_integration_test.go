package store

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("GOVERN_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("GOVERN_TEST_DATABASE_URL is not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := Open(ctx, dsn, DefaultPoolOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`)
	require.NoError(t, err)
	_, err = ApplyMigrations(ctx, db, testMigrationsDir, zaptest.NewLogger(t))
	require.NoError(t, err)
	return db
}

func TestMigrationsRoundTripPostgres(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	require.NoError(t, RollbackMigrations(ctx, db, testMigrationsDir, logger))
	applied, err := ApplyMigrations(ctx, db, testMigrationsDir, logger)
	require.NoError(t, err)
	require.Positive(t, applied)

	applied, err = ApplyMigrations(ctx, db, testMigrationsDir, logger)
	require.NoError(t, err)
	require.Zero(t, applied)
}

func TestPostgresStoreProposalLifecycle(t *testing.T) {
	db := openTestDB(t)
	s := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, s.CreateActor(ctx, Actor{ID: "act_grp", Kind: ActorGroup, DisplayName: "Co-op"}))
	require.NoError(t, s.CreateActor(ctx, Actor{ID: "act_ann", Kind: ActorIndividual, DisplayName: "Ann"}))
	require.NoError(t, s.CreateActor(ctx, Actor{ID: "act_bob", Kind: ActorIndividual, DisplayName: "Bob"}))
	require.NoError(t, s.CreateGroup(ctx, Group{ID: "grp_1", ActorID: "act_grp", Name: "Co-op", Mode: ModeDemocratic}))
	require.NoError(t, s.UpsertMember(ctx, Member{GroupID: "grp_1", ActorID: "act_ann", Role: "founder", VotingPower: 1, JoinedAt: now.Add(-time.Hour)}))
	require.NoError(t, s.UpsertMember(ctx, Member{GroupID: "grp_1", ActorID: "act_bob", Role: "member", VotingPower: 2, JoinedAt: now.Add(-time.Hour),
		Permissions: map[string]string{"create_listing": "deny"}}))

	member, err := s.GetMember(ctx, "grp_1", "act_bob")
	require.NoError(t, err)
	require.Equal(t, "deny", member.Permissions["create_listing"])

	eligible, err := s.ListEligibleMembers(ctx, "grp_1", now)
	require.NoError(t, err)
	require.Len(t, eligible, 2)

	require.NoError(t, s.CreateProposal(ctx, Proposal{
		ID: "prp_1", GroupID: "grp_1", ProposerActorID: "act_ann", Title: "Hire", Kind: "employment",
		Action: &Action{Kind: "create_contract", Params: map[string]any{"title": "Hire", "counterparty_actor_id": "act_bob"}},
		Status: StatusDraft, CreatedAt: now,
	}))

	end := now.Add(time.Hour)
	ok, err := s.ActivateProposal(ctx, Proposal{ID: "prp_1", Threshold: 0.51, Quorum: 0.5, EligibleWeight: 3, VotingStartsAt: &now, VotingEndsAt: &end})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.UpsertVote(ctx, Vote{ProposalID: "prp_1", VoterActorID: "act_bob", Choice: ChoiceNo, Weight: 2, CastAt: now})
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.UpsertVote(ctx, Vote{ProposalID: "prp_1", VoterActorID: "act_bob", Choice: ChoiceYes, Weight: 2, CastAt: now})
	require.NoError(t, err)
	require.True(t, ok)

	votes, err := s.ListVotes(ctx, "prp_1")
	require.NoError(t, err)
	require.Len(t, votes, 1)
	require.Equal(t, ChoiceYes, votes[0].Choice)

	err = s.InTx(ctx, func(ctx context.Context) error {
		locked, err := s.LockProposal(ctx, "prp_1")
		require.NoError(t, err)
		require.Equal(t, StatusActive, locked.Status)
		require.Equal(t, "create_contract", locked.Action.Kind)
		ok, err := s.UpdateProposalStatus(ctx, "prp_1", []ProposalStatus{StatusActive}, StatusPassed, now)
		require.NoError(t, err)
		require.True(t, ok)
		return nil
	})
	require.NoError(t, err)

	ok, err = s.UpsertVote(ctx, Vote{ProposalID: "prp_1", VoterActorID: "act_ann", Choice: ChoiceNo, Weight: 1, CastAt: now})
	require.NoError(t, err)
	require.False(t, ok, "votes on a resolved proposal are rejected")

	contract, created, err := s.CreateContract(ctx, Contract{ID: "ctr_1", GroupID: "grp_1", PartyActorID: "act_grp", CounterpartyActorID: "act_bob",
		Title: "Hire", Status: "active", SourceProposalID: "prp_1", CreatedAt: now})
	require.NoError(t, err)
	require.True(t, created)
	again, created, err := s.CreateContract(ctx, Contract{ID: "ctr_2", GroupID: "grp_1", PartyActorID: "act_grp", CounterpartyActorID: "act_bob",
		Title: "Hire", Status: "active", SourceProposalID: "prp_1", CreatedAt: now})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, contract.ID, again.ID)

	ok, err = s.MarkExecuted(ctx, "prp_1", now)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.MarkExecuted(ctx, "prp_1", now)
	require.NoError(t, err)
	require.False(t, ok)

	got, err := s.GetProposal(ctx, "prp_1")
	require.NoError(t, err)
	require.Equal(t, StatusExecuted, got.Status)
	require.NotNil(t, got.ExecutedAt)

	_, err = s.GetProposal(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}
