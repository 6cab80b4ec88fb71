package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"orangecat/governance/internal/events"
	"orangecat/governance/internal/store"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, event events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, event := range p.events {
		out = append(out, event.Name)
	}
	return out
}

type fixture struct {
	store      *store.MemoryStore
	dispatcher *Dispatcher
	publisher  *recordingPublisher
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	s := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateActor(ctx, store.Actor{ID: "act_group", Kind: store.ActorGroup}))
	require.NoError(t, s.CreateActor(ctx, store.Actor{ID: "act_ann", Kind: store.ActorIndividual}))
	require.NoError(t, s.CreateGroup(ctx, store.Group{ID: "grp_1", ActorID: "act_group", Name: "Co-op", Mode: store.ModeDemocratic}))

	publisher := &recordingPublisher{}
	d := New(s, publisher, zaptest.NewLogger(t))
	require.NoError(t, RegisterBuiltins(d, s))
	return fixture{store: s, dispatcher: d, publisher: publisher}
}

// passed stores a proposal carrying action and moves it through to passed.
func (f fixture) passed(t *testing.T, id string, action *store.Action) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, f.store.CreateProposal(ctx, store.Proposal{
		ID: id, GroupID: "grp_1", ProposerActorID: "act_ann", Title: "t", Kind: "general",
		Action: action, Status: store.StatusDraft, CreatedAt: now,
	}))
	end := now.Add(time.Hour)
	ok, err := f.store.ActivateProposal(ctx, store.Proposal{ID: id, Threshold: 0.51, Quorum: 0.5, EligibleWeight: 1, VotingStartsAt: &now, VotingEndsAt: &end})
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = f.store.UpdateProposalStatus(ctx, id, []store.ProposalStatus{store.StatusActive}, store.StatusPassed, now)
	require.NoError(t, err)
	require.True(t, ok)
}

func contractAction() *store.Action {
	return &store.Action{Kind: "create_contract", Params: map[string]any{
		"counterparty_actor_id": "act_ann",
		"title":                 "Consulting",
		"amount":                "1200.50",
		"currency":              "usd",
		"terms":                 map[string]any{"hours": 40},
	}}
}

func TestExecuteCreatesContractAndMarksExecuted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.passed(t, "prp_1", contractAction())

	result, err := f.dispatcher.Execute(ctx, "prp_1")
	require.NoError(t, err)
	require.Equal(t, "create_contract", result.ActionKind)

	contract, err := f.store.GetContractBySource(ctx, "prp_1")
	require.NoError(t, err)
	assert.Equal(t, result.ResultRef, contract.ID)
	assert.Equal(t, "act_group", contract.PartyActorID)
	assert.Equal(t, "USD", contract.Currency)
	require.NotNil(t, contract.Amount)
	assert.InDelta(t, 1200.50, *contract.Amount, 1e-9)

	p, err := f.store.GetProposal(ctx, "prp_1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusExecuted, p.Status)
	assert.NotNil(t, p.ExecutedAt)

	stored, err := f.store.GetActionResult(ctx, "prp_1")
	require.NoError(t, err)
	assert.Equal(t, result, stored)
	assert.Contains(t, f.publisher.names(), events.ProposalExecuted)
}

func TestExecuteStampsRecordsWithDispatcherClock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	at := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	f.dispatcher.SetClock(func() time.Time { return at })
	f.passed(t, "prp_1", contractAction())
	f.passed(t, "prp_2", &store.Action{Kind: "add_member", Params: map[string]any{"actor_id": "act_new"}})

	_, err := f.dispatcher.Execute(ctx, "prp_1")
	require.NoError(t, err)
	result, err := f.dispatcher.Execute(ctx, "prp_2")
	require.NoError(t, err)

	contract, err := f.store.GetContractBySource(ctx, "prp_1")
	require.NoError(t, err)
	assert.Equal(t, at, contract.CreatedAt)
	p, err := f.store.GetProposal(ctx, "prp_1")
	require.NoError(t, err)
	require.NotNil(t, p.ExecutedAt)
	assert.Equal(t, at, *p.ExecutedAt)

	member, err := f.store.GetMember(ctx, "grp_1", "act_new")
	require.NoError(t, err)
	assert.Equal(t, at, member.JoinedAt)
	assert.Equal(t, at, result.CreatedAt)
}

func TestExecuteMissingHandlerLeavesProposalPassed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.passed(t, "prp_spend", &store.Action{Kind: "spend_funds", Params: map[string]any{"amount": 10}})

	_, err := f.dispatcher.Execute(ctx, "prp_spend")
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	require.ErrorIs(t, err, ErrHandlerMissing)
	assert.Equal(t, "spend_funds", execErr.ActionKind)

	p, err := f.store.GetProposal(ctx, "prp_spend")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPassed, p.Status)
	assert.Nil(t, p.ExecutedAt)
	assert.Contains(t, p.LastExecutionError, "no handler registered")
	assert.NotNil(t, p.LastExecutionAt)
	assert.Contains(t, f.publisher.names(), events.ProposalExecutionFailed)

	_, err = f.store.GetActionResult(ctx, "prp_spend")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestExecuteHandlerFailureRollsBackAndRetrySucceeds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	attempts := 0
	require.NoError(t, f.dispatcher.Register("spend_funds", func(ctx context.Context, req Request) (string, error) {
		attempts++
		if attempts == 1 {
			return "", errors.New("treasury unavailable")
		}
		return "tx_" + req.ProposalID, nil
	}))
	f.passed(t, "prp_spend", &store.Action{Kind: "spend_funds"})

	_, err := f.dispatcher.Execute(ctx, "prp_spend")
	require.Error(t, err)
	p, err := f.store.GetProposal(ctx, "prp_spend")
	require.NoError(t, err)
	require.Equal(t, store.StatusPassed, p.Status)
	require.Equal(t, "treasury unavailable", p.LastExecutionError)

	result, err := f.dispatcher.Execute(ctx, "prp_spend")
	require.NoError(t, err)
	require.Equal(t, "tx_prp_spend", result.ResultRef)

	p, err = f.store.GetProposal(ctx, "prp_spend")
	require.NoError(t, err)
	require.Equal(t, store.StatusExecuted, p.Status)
	require.Empty(t, p.LastExecutionError)
}

func TestExecuteIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	calls := 0
	var mu sync.Mutex
	require.NoError(t, f.dispatcher.Register("spend_funds", func(context.Context, Request) (string, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return "tx_1", nil
	}))
	f.passed(t, "prp_spend", &store.Action{Kind: "spend_funds"})

	var wg sync.WaitGroup
	results := make([]store.ActionResult, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := f.dispatcher.Execute(ctx, "prp_spend")
			assert.NoError(t, err)
			results[i] = result
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, calls)
	for _, result := range results {
		require.Equal(t, results[0].ID, result.ID)
	}
}

func TestExecuteRejectsNonPassedAndAdvisory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreateProposal(ctx, store.Proposal{ID: "prp_draft", GroupID: "grp_1", Status: store.StatusDraft, Action: contractAction(), CreatedAt: time.Now()}))
	f.passed(t, "prp_advisory", nil)

	_, err := f.dispatcher.Execute(ctx, "prp_draft")
	require.ErrorIs(t, err, ErrNotPassed)

	_, err = f.dispatcher.Execute(ctx, "prp_advisory")
	require.ErrorIs(t, err, ErrNoAction)

	_, err = f.dispatcher.Execute(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	f := newFixture(t)

	err := f.dispatcher.Register("create_contract", func(context.Context, Request) (string, error) { return "", nil })
	require.Error(t, err)
	require.Equal(t, []string{"add_member", "associate_entity", "create_contract"}, f.dispatcher.Kinds())
}
