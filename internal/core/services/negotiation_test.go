package services

import (
	"context"
	"sync"
	"testing"

	"telecall/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type negotiationPeer struct {
	id      domain.PeerID
	machine *NegotiationStateMachine
	engine  *fakeEngine
	out     *outbox
}

func newNegotiationPeer(t *testing.T, local, remote domain.PeerID) *negotiationPeer {
	t.Helper()
	role, err := domain.AssignRole(local, remote)
	require.NoError(t, err)
	engine := newFakeEngine(string(local))
	out := &outbox{}
	return &negotiationPeer{
		id:      local,
		machine: NewNegotiationStateMachine(DefaultNegotiationConfig(), local, role, engine, out, nil, zaptest.NewLogger(t).Sugar()),
		engine:  engine,
		out:     out,
	}
}

// pump delivers queued messages in both directions until both sides are
// quiet.
func pump(t *testing.T, a, b *negotiationPeer) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		fromA, fromB := a.out.Drain(), b.out.Drain()
		if len(fromA) == 0 && len(fromB) == 0 {
			return
		}
		for _, msg := range fromA {
			require.NoError(t, b.machine.HandleMessage(ctx, msg))
		}
		for _, msg := range fromB {
			require.NoError(t, a.machine.HandleMessage(ctx, msg))
		}
	}
	t.Fatal("negotiation did not settle")
}

func candidate(s string) domain.ICECandidate {
	return domain.ICECandidate{Candidate: s}
}

func TestAssignRole(t *testing.T) {
	role, err := domain.AssignRole("alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, domain.RolePolite, role)

	role, err = domain.AssignRole("bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleImpolite, role)

	_, err = domain.AssignRole("alice", "alice")
	assert.ErrorIs(t, err, domain.ErrIdenticalPeerIDs)
}

func TestNegotiation_OfferAnswer(t *testing.T) {
	alice := newNegotiationPeer(t, "alice", "bob")
	bob := newNegotiationPeer(t, "bob", "alice")

	require.NoError(t, alice.machine.NegotiationNeeded(context.Background()))
	assert.Equal(t, domain.StateHaveLocalOffer, alice.machine.State())
	assert.True(t, alice.machine.HasPendingOffer())

	pump(t, alice, bob)

	assert.Equal(t, domain.StateStable, alice.machine.State())
	assert.Equal(t, domain.StateStable, bob.machine.State())
	assert.False(t, alice.machine.HasPendingOffer())
	assert.Equal(t, []string{"set-remote-offer", "create-answer", "set-local-answer"}, bob.engine.Calls())
	assert.Equal(t, []string{"create-offer", "set-local-offer", "set-remote-answer"}, alice.engine.Calls())
}

func TestNegotiation_GlareConverges(t *testing.T) {
	alice := newNegotiationPeer(t, "alice", "bob") // polite
	bob := newNegotiationPeer(t, "bob", "alice")   // impolite
	ctx := context.Background()

	require.NoError(t, alice.machine.NegotiationNeeded(ctx))
	require.NoError(t, bob.machine.NegotiationNeeded(ctx))

	pump(t, alice, bob)

	assert.Equal(t, domain.StateStable, alice.machine.State())
	assert.Equal(t, domain.StateStable, bob.machine.State())
	assert.Equal(t, 1, alice.engine.Count("rollback"), "polite side backs off once")
	assert.Equal(t, 0, bob.engine.Count("rollback"), "impolite side keeps its offer")
	assert.Equal(t, 2, alice.engine.Count("create-offer"), "polite side re-offers its own changes")
	assert.Equal(t, 1, bob.engine.Count("create-offer"))
}

func TestNegotiation_GlareIgnoredOfferDropsItsCandidates(t *testing.T) {
	bob := newNegotiationPeer(t, "bob", "alice")
	ctx := context.Background()

	require.NoError(t, bob.machine.NegotiationNeeded(ctx))
	require.NoError(t, bob.machine.HandleMessage(ctx, domain.OfferMessage("alice", "alice-offer-1")))
	require.NoError(t, bob.machine.HandleMessage(ctx, domain.CandidateMessage("alice", candidate("a1"))))

	assert.Equal(t, domain.StateHaveLocalOffer, bob.machine.State())
	assert.Equal(t, 0, bob.machine.BufferedCandidates())
	assert.Empty(t, bob.engine.Added())
}

func TestNegotiation_CandidatesBufferedUntilRemoteDescription(t *testing.T) {
	bob := newNegotiationPeer(t, "bob", "alice")
	ctx := context.Background()

	require.NoError(t, bob.machine.HandleMessage(ctx, domain.CandidateMessage("alice", candidate("c1"))))
	require.NoError(t, bob.machine.HandleMessage(ctx, domain.CandidateMessage("alice", candidate("c2"))))
	assert.Equal(t, 2, bob.machine.BufferedCandidates())
	assert.Empty(t, bob.engine.Added())

	require.NoError(t, bob.machine.HandleMessage(ctx, domain.OfferMessage("alice", "alice-offer-1")))
	assert.Equal(t, 0, bob.machine.BufferedCandidates())
	assert.Equal(t, []string{"c1", "c2"}, bob.engine.Added(), "flushed in arrival order")

	calls := bob.engine.Calls()
	assert.Equal(t, "set-remote-offer", calls[0], "description applied before any candidate")

	require.NoError(t, bob.machine.HandleMessage(ctx, domain.CandidateMessage("alice", candidate("c3"))))
	assert.Equal(t, []string{"c1", "c2", "c3"}, bob.engine.Added())
}

func TestNegotiation_PoliteRollbackDiscardsBufferedCandidates(t *testing.T) {
	alice := newNegotiationPeer(t, "alice", "bob")
	ctx := context.Background()

	require.NoError(t, alice.machine.NegotiationNeeded(ctx))
	require.NoError(t, alice.machine.HandleMessage(ctx, domain.CandidateMessage("bob", candidate("stale"))))
	require.Equal(t, 1, alice.machine.BufferedCandidates())

	require.NoError(t, alice.machine.HandleMessage(ctx, domain.OfferMessage("bob", "bob-offer-1")))
	assert.Empty(t, alice.engine.Added())
	assert.Equal(t, 0, alice.machine.BufferedCandidates())
}

func TestNegotiation_DuplicateOfferIsNoop(t *testing.T) {
	bob := newNegotiationPeer(t, "bob", "alice")
	ctx := context.Background()
	offer := domain.OfferMessage("alice", "alice-offer-1")

	require.NoError(t, bob.machine.HandleMessage(ctx, offer))
	require.NoError(t, bob.machine.HandleMessage(ctx, offer))

	assert.Equal(t, 1, bob.engine.Count("create-answer"))
	assert.Len(t, bob.out.Sent(), 1)
	assert.Equal(t, domain.StateStable, bob.machine.State())
}

func TestNegotiation_NeedWhileBusyIsReplayed(t *testing.T) {
	alice := newNegotiationPeer(t, "alice", "bob")
	bob := newNegotiationPeer(t, "bob", "alice")
	ctx := context.Background()

	require.NoError(t, alice.machine.NegotiationNeeded(ctx))
	require.NoError(t, alice.machine.NegotiationNeeded(ctx))
	require.NoError(t, alice.machine.NegotiationNeeded(ctx))
	assert.Equal(t, 1, alice.engine.Count("create-offer"))

	pump(t, alice, bob)
	assert.Equal(t, 2, alice.engine.Count("create-offer"), "coalesced needs replay once")
	assert.Equal(t, domain.StateStable, alice.machine.State())
}

func TestNegotiation_AnswerWithoutOfferIgnored(t *testing.T) {
	alice := newNegotiationPeer(t, "alice", "bob")

	require.NoError(t, alice.machine.HandleMessage(context.Background(), domain.AnswerMessage("bob", "stray")))
	assert.Equal(t, domain.StateStable, alice.machine.State())
	assert.Empty(t, alice.engine.Calls())
}

func TestNegotiation_DescriptionFailureResetsThenExhausts(t *testing.T) {
	alice := newNegotiationPeer(t, "alice", "bob")
	alice.engine.failAll = true
	ctx := context.Background()

	var (
		mu       sync.Mutex
		failures []error
	)
	alice.machine.OnFailed(func(err error) {
		mu.Lock()
		defer mu.Unlock()
		failures = append(failures, err)
	})

	require.NoError(t, alice.machine.NegotiationNeeded(ctx))
	for i := 1; i <= 3; i++ {
		require.NoError(t, alice.machine.HandleMessage(ctx, domain.AnswerMessage("bob", "bad-answer")))
		assert.Equal(t, i, alice.machine.Failures())
		assert.Equal(t, domain.StateHaveLocalOffer, alice.machine.State(), "fresh offer after reset %d", i)
	}

	err := alice.machine.HandleMessage(ctx, domain.AnswerMessage("bob", "bad-answer"))
	assert.ErrorIs(t, err, domain.ErrNegotiationExhausted)
	assert.True(t, IsTerminal(err))
	assert.ErrorIs(t, alice.machine.Err(), domain.ErrNegotiationExhausted)
	assert.Equal(t, 4, alice.engine.Count("create-offer"))

	mu.Lock()
	assert.Len(t, failures, 1)
	mu.Unlock()

	err = alice.machine.NegotiationNeeded(ctx)
	assert.ErrorIs(t, err, domain.ErrNegotiationExhausted)
	assert.Equal(t, 4, alice.engine.Count("create-offer"))
}

func TestNegotiation_TransientFailureRecovers(t *testing.T) {
	alice := newNegotiationPeer(t, "alice", "bob")
	bob := newNegotiationPeer(t, "bob", "alice")
	alice.engine.failSet = 1

	require.NoError(t, alice.machine.NegotiationNeeded(context.Background()))
	pump(t, alice, bob)

	assert.Equal(t, domain.StateStable, alice.machine.State())
	assert.Equal(t, 0, alice.machine.Failures(), "a successful exchange clears the budget")
	assert.NoError(t, alice.machine.Err())
}

func TestNegotiation_CloseClearsPendingState(t *testing.T) {
	alice := newNegotiationPeer(t, "alice", "bob")
	ctx := context.Background()

	require.NoError(t, alice.machine.NegotiationNeeded(ctx))
	require.NoError(t, alice.machine.HandleMessage(ctx, domain.CandidateMessage("bob", candidate("c1"))))
	require.NoError(t, alice.machine.HandleMessage(ctx, domain.CandidateMessage("bob", candidate("c2"))))
	require.Equal(t, 2, alice.machine.BufferedCandidates())

	alice.machine.Close()

	assert.False(t, alice.machine.HasPendingOffer())
	assert.Equal(t, 0, alice.machine.BufferedCandidates())
	assert.Equal(t, 1, alice.engine.Count("rollback"))

	before := len(alice.engine.Calls())
	err := alice.machine.HandleMessage(ctx, domain.AnswerMessage("bob", "late"))
	assert.ErrorIs(t, err, domain.ErrCallEnded)
	assert.ErrorIs(t, alice.machine.NegotiationNeeded(ctx), domain.ErrCallEnded)
	assert.Len(t, alice.engine.Calls(), before, "nothing applied after close")

	alice.machine.Close()
}

func TestNegotiation_MalformedMessages(t *testing.T) {
	alice := newNegotiationPeer(t, "alice", "bob")
	ctx := context.Background()

	assert.Error(t, alice.machine.HandleMessage(ctx, domain.SignalMessage{Kind: domain.MessageOffer}))
	assert.Error(t, alice.machine.HandleMessage(ctx, domain.SignalMessage{Kind: domain.MessageCandidate}))
	assert.Error(t, alice.machine.HandleMessage(ctx, domain.SignalMessage{Kind: "bye"}))
	assert.Equal(t, domain.StateStable, alice.machine.State())
}
