package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"orangecat/governance/internal/dispatch"
	"orangecat/governance/internal/store"
)

var start = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type harness struct {
	store     *store.MemoryStore
	evaluator *Evaluator
	clock     time.Time
	mu        sync.Mutex
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateActor(ctx, store.Actor{ID: "act_group", Kind: store.ActorGroup}))
	require.NoError(t, s.CreateGroup(ctx, store.Group{ID: "grp_1", ActorID: "act_group", Name: "Co-op", Mode: store.ModeDemocratic}))

	logger := zaptest.NewLogger(t)
	d := dispatch.New(s, nil, logger)
	require.NoError(t, dispatch.RegisterBuiltins(d, s))

	h := &harness{store: s, clock: start.Add(time.Hour)}
	h.evaluator = NewEvaluator(s, d, nil, logger)
	h.evaluator.SetClock(h.now)
	return h
}

func (h *harness) now() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clock
}

func (h *harness) advance(to time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clock = to
}

// activeProposal stores an active democratic proposal with ten eligible weight and the given
// ballots, one weight each.
func (h *harness) activeProposal(t *testing.T, id string, action *store.Action, choices ...store.VoteChoice) store.Proposal {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.store.CreateProposal(ctx, store.Proposal{
		ID: id, GroupID: "grp_1", ProposerActorID: "act_ann", Title: id, Kind: "general",
		Action: action, Status: store.StatusDraft, CreatedAt: start,
	}))
	begin, end := start, start.Add(7*24*time.Hour)
	p := store.Proposal{ID: id, Threshold: 0.51, Quorum: 0.50, EligibleWeight: 10, VotingStartsAt: &begin, VotingEndsAt: &end}
	ok, err := h.store.ActivateProposal(ctx, p)
	require.NoError(t, err)
	require.True(t, ok)
	for i, choice := range choices {
		ok, err := h.store.UpsertVote(ctx, store.Vote{ProposalID: id, VoterActorID: fmt.Sprintf("act_%d", i), Choice: choice, Weight: 1, CastAt: start})
		require.NoError(t, err)
		require.True(t, ok)
	}
	got, err := h.store.GetProposal(ctx, id)
	require.NoError(t, err)
	return got
}

func yesNo(yes, no int) []store.VoteChoice {
	out := make([]store.VoteChoice, 0, yes+no)
	for i := 0; i < yes; i++ {
		out = append(out, store.ChoiceYes)
	}
	for i := 0; i < no; i++ {
		out = append(out, store.ChoiceNo)
	}
	return out
}

func TestEvaluatePassesOnceQuorumIsReached(t *testing.T) {
	h := newHarness(t)
	h.activeProposal(t, "prp_1", nil, yesNo(6, 2)...)

	eval, err := h.evaluator.Evaluate(context.Background(), "prp_1")
	require.NoError(t, err)
	require.True(t, eval.Resolved)
	require.Equal(t, store.StatusPassed, eval.Proposal.Status)
	assert.InDelta(t, 0.8, eval.Outcome.Tally.Participation, 1e-9)
	assert.Nil(t, eval.Result, "advisory proposals are not executed")

	p, err := h.store.GetProposal(context.Background(), "prp_1")
	require.NoError(t, err)
	require.Equal(t, store.StatusPassed, p.Status)
	require.NotNil(t, p.ResolvedAt)
}

func TestEvaluateLeavesUndecidedProposalActive(t *testing.T) {
	h := newHarness(t)
	h.activeProposal(t, "prp_1", nil, yesNo(2, 1)...)

	eval, err := h.evaluator.Evaluate(context.Background(), "prp_1")
	require.NoError(t, err)
	require.False(t, eval.Resolved)
	require.Equal(t, store.StatusActive, eval.Proposal.Status)
}

func TestEvaluateExecutesPassedAction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.CreateListing(ctx, store.Listing{ID: "lst_1", OwnerActorID: "act_ann", Title: "Bike"}))
	h.activeProposal(t, "prp_1", &store.Action{Kind: "associate_entity", Params: map[string]any{"entity_id": "lst_1"}}, yesNo(5, 0)...)

	eval, err := h.evaluator.Evaluate(ctx, "prp_1")
	require.NoError(t, err)
	require.NoError(t, eval.ExecutionErr)
	require.NotNil(t, eval.Result)
	require.Equal(t, store.StatusExecuted, eval.Proposal.Status)

	listing, err := h.store.GetListing(ctx, "lst_1")
	require.NoError(t, err)
	require.Equal(t, "act_group", listing.OwnerActorID)
}

func TestEvaluateReportsExecutionFailureWithoutError(t *testing.T) {
	h := newHarness(t)
	h.activeProposal(t, "prp_1", &store.Action{Kind: "spend_funds"}, yesNo(6, 2)...)

	eval, err := h.evaluator.Evaluate(context.Background(), "prp_1")
	require.NoError(t, err)
	require.True(t, eval.Resolved)
	require.ErrorIs(t, eval.ExecutionErr, dispatch.ErrHandlerMissing)

	p, err := h.store.GetProposal(context.Background(), "prp_1")
	require.NoError(t, err)
	require.Equal(t, store.StatusPassed, p.Status)
}

func TestEvaluateIsIdempotentOnTerminalProposals(t *testing.T) {
	h := newHarness(t)
	h.activeProposal(t, "prp_1", nil, yesNo(1, 5)...)

	first, err := h.evaluator.Evaluate(context.Background(), "prp_1")
	require.NoError(t, err)
	require.True(t, first.Resolved)
	require.Equal(t, store.StatusFailed, first.Proposal.Status)

	h.advance(start.Add(30 * 24 * time.Hour))
	for i := 0; i < 3; i++ {
		again, err := h.evaluator.Evaluate(context.Background(), "prp_1")
		require.NoError(t, err)
		require.False(t, again.Resolved)
		require.Equal(t, store.StatusFailed, again.Proposal.Status)
	}
}

func TestConcurrentEvaluatorsResolveOnce(t *testing.T) {
	h := newHarness(t)
	h.activeProposal(t, "prp_1", nil, yesNo(6, 2)...)

	var wg sync.WaitGroup
	var mu sync.Mutex
	resolved := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			eval, err := h.evaluator.Evaluate(context.Background(), "prp_1")
			assert.NoError(t, err)
			if eval.Resolved {
				mu.Lock()
				resolved++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, resolved)
}

func TestSweepFailsExpiredProposalBelowQuorum(t *testing.T) {
	h := newHarness(t)
	p := h.activeProposal(t, "prp_1", nil, yesNo(2, 1)...)
	sweeper := NewSweeper(h.store, h.evaluator, zaptest.NewLogger(t), SweepOptions{Workers: 2})
	t.Cleanup(sweeper.Stop)

	report, err := sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, report.Scanned, "window still open")

	h.advance(p.VotingEndsAt.Add(time.Second))
	report, err = sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, SweepReport{Scanned: 1, Failed: 1}, report)

	got, err := h.store.GetProposal(context.Background(), "prp_1")
	require.NoError(t, err)
	require.Equal(t, store.StatusFailed, got.Status)

	report, err = sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, report.Scanned)
}

func TestSweepAndVotePathAgree(t *testing.T) {
	cases := map[string][]store.VoteChoice{
		"pass":         yesNo(6, 2),
		"fail ratio":   yesNo(2, 4),
		"fail quorum":  yesNo(2, 1),
		"all abstain":  {store.ChoiceAbstain, store.ChoiceAbstain, store.ChoiceAbstain, store.ChoiceAbstain, store.ChoiceAbstain},
		"tie at ratio": yesNo(3, 3),
	}
	for name, choices := range cases {
		t.Run(name, func(t *testing.T) {
			viaVote := newHarness(t)
			viaSweep := newHarness(t)
			p := viaVote.activeProposal(t, "prp_1", nil, choices...)
			viaSweep.activeProposal(t, "prp_1", nil, choices...)
			expiry := p.VotingEndsAt.Add(time.Minute)
			viaVote.advance(expiry)
			viaSweep.advance(expiry)

			_, err := viaVote.evaluator.Evaluate(context.Background(), "prp_1")
			require.NoError(t, err)
			sweeper := NewSweeper(viaSweep.store, viaSweep.evaluator, zaptest.NewLogger(t), SweepOptions{})
			t.Cleanup(sweeper.Stop)
			_, err = sweeper.SweepOnce(context.Background())
			require.NoError(t, err)

			a, err := viaVote.store.GetProposal(context.Background(), "prp_1")
			require.NoError(t, err)
			b, err := viaSweep.store.GetProposal(context.Background(), "prp_1")
			require.NoError(t, err)
			require.Equal(t, a.Status, b.Status)
			require.NotEqual(t, store.StatusActive, a.Status)
		})
	}
}

func TestSweeperCronRunsSweeps(t *testing.T) {
	h := newHarness(t)
	p := h.activeProposal(t, "prp_1", nil, yesNo(1, 0)...)
	h.advance(p.VotingEndsAt.Add(time.Second))

	sweeper := NewSweeper(h.store, h.evaluator, zaptest.NewLogger(t), SweepOptions{Spec: "* * * * * *", Workers: 1})
	require.NoError(t, sweeper.Start(context.Background()))
	t.Cleanup(sweeper.Stop)

	require.Eventually(t, func() bool {
		got, err := h.store.GetProposal(context.Background(), "prp_1")
		return err == nil && got.Status == store.StatusFailed
	}, 5*time.Second, 50*time.Millisecond)
}

func TestSweeperRejectsBadSpec(t *testing.T) {
	h := newHarness(t)
	sweeper := NewSweeper(h.store, h.evaluator, zaptest.NewLogger(t), SweepOptions{Spec: "every minute"})
	t.Cleanup(sweeper.Stop)

	require.Error(t, sweeper.Start(context.Background()))
}

type fakeLocker struct {
	mu       sync.Mutex
	held     bool
	released int
}

func (l *fakeLocker) TryLock(_ context.Context, _ string, _ time.Duration) (func(context.Context) error, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return nil, false, nil
	}
	l.held = true
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.held = false
		l.released++
		return nil
	}, true, nil
}

func TestRunScheduledHonoursLease(t *testing.T) {
	h := newHarness(t)
	p := h.activeProposal(t, "prp_1", nil, yesNo(1, 0)...)
	h.advance(p.VotingEndsAt.Add(time.Second))

	locker := &fakeLocker{held: true}
	sweeper := NewSweeper(h.store, h.evaluator, zaptest.NewLogger(t), SweepOptions{Workers: 1, Locker: locker})
	t.Cleanup(sweeper.Stop)

	require.False(t, sweeper.RunScheduled(context.Background()))
	got, err := h.store.GetProposal(context.Background(), "prp_1")
	require.NoError(t, err)
	require.Equal(t, store.StatusActive, got.Status)

	locker.held = false
	require.True(t, sweeper.RunScheduled(context.Background()))
	got, err = h.store.GetProposal(context.Background(), "prp_1")
	require.NoError(t, err)
	require.Equal(t, store.StatusFailed, got.Status)
	require.Equal(t, 1, locker.released)
	require.False(t, locker.held)
}
