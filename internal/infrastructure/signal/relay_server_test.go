package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"telecall/internal/core/domain"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const validSDP = "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

func newRelay(t *testing.T) (*RelayServer, string) {
	t.Helper()
	relay := NewRelayServer(RelayConfig{}, zaptest.NewLogger(t).Sugar())
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", relay.HandleWebSocket)
	mux.HandleFunc("/health", relay.HealthCheck)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return relay, srv.URL
}

func wsURL(base string) string {
	return "ws" + strings.TrimPrefix(base, "http") + "/ws"
}

func dialClient(t *testing.T, base string, peer domain.PeerID) *Client {
	t.Helper()
	c, err := Dial(context.Background(), ClientConfig{
		URL:    wsURL(base),
		CallID: "call-1",
		PeerID: peer,
	}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

type received struct {
	mu   sync.Mutex
	msgs []domain.SignalMessage
}

func (r *received) add(msg domain.SignalMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *received) all() []domain.SignalMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.SignalMessage{}, r.msgs...)
}

func backlogLen(relay *RelayServer, id domain.CallID) int {
	relay.mu.Lock()
	defer relay.mu.Unlock()
	if rm, ok := relay.rooms[id]; ok {
		return len(rm.backlog)
	}
	return 0
}

func TestRelay_ForwardsInOrder(t *testing.T) {
	_, base := newRelay(t)
	alice := dialClient(t, base, "alice")
	bob := dialClient(t, base, "bob")

	var got received
	bob.OnMessage(got.add)

	ctx := context.Background()
	require.NoError(t, alice.Send(ctx, domain.OfferMessage("", validSDP)))
	require.NoError(t, alice.Send(ctx, domain.CandidateMessage("", domain.ICECandidate{Candidate: "c1"})))
	require.NoError(t, alice.Send(ctx, domain.CandidateMessage("", domain.ICECandidate{Candidate: "c2"})))

	require.Eventually(t, func() bool { return len(got.all()) == 3 }, 2*time.Second, 10*time.Millisecond)
	msgs := got.all()
	assert.Equal(t, domain.MessageOffer, msgs[0].Kind)
	assert.Equal(t, domain.PeerID("alice"), msgs[0].From)
	assert.Equal(t, "c1", msgs[1].Candidate.Candidate)
	assert.Equal(t, "c2", msgs[2].Candidate.Candidate)
}

func TestRelay_HoldsMessagesUntilPeerJoins(t *testing.T) {
	relay, base := newRelay(t)
	alice := dialClient(t, base, "alice")

	require.NoError(t, alice.Send(context.Background(), domain.OfferMessage("", validSDP)))
	require.Eventually(t, func() bool { return backlogLen(relay, "call-1") == 1 }, 2*time.Second, 10*time.Millisecond)

	var got received
	bob, err := Dial(context.Background(), ClientConfig{URL: wsURL(base), CallID: "call-1", PeerID: "bob"}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	defer bob.Close()
	bob.OnMessage(got.add)

	// The backlog is usually read before the handler exists; it is held
	// and handed over on registration.
	require.Eventually(t, func() bool { return len(got.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, domain.PeerID("alice"), got.all()[0].From)
	assert.Equal(t, 0, backlogLen(relay, "call-1"))
}

func TestRelay_JoinHoldsWritesUntilBacklogDelivered(t *testing.T) {
	relay := NewRelayServer(RelayConfig{}, zaptest.NewLogger(t).Sugar())
	relay.rooms["call-1"] = &room{
		peers:   make(map[domain.PeerID]*peerConn),
		backlog: []domain.SignalMessage{domain.OfferMessage("alice", validSDP)},
	}

	pc := &peerConn{timeout: time.Second}
	backlog, reconnect, err := relay.join("call-1", "bob", pc)
	require.NoError(t, err)
	assert.False(t, reconnect)
	assert.Len(t, backlog, 1)

	assert.False(t, pc.writeMu.TryLock(), "live writes wait for the backlog")
	require.NoError(t, deliverBacklog(pc, nil))
	require.True(t, pc.writeMu.TryLock())
	pc.writeMu.Unlock()
}

func TestRelay_BacklogPrecedesLiveMessages(t *testing.T) {
	relay, base := newRelay(t)
	alice := dialClient(t, base, "alice")
	ctx := context.Background()

	const held, live = 20, 30
	for i := 0; i < held; i++ {
		require.NoError(t, alice.Send(ctx, domain.CandidateMessage("", domain.ICECandidate{Candidate: fmt.Sprint(i)})))
	}
	require.Eventually(t, func() bool { return backlogLen(relay, "call-1") == held }, 2*time.Second, 10*time.Millisecond)

	// Alice keeps sending while bob joins.
	sent := make(chan error, 1)
	go func() {
		for i := held; i < held+live; i++ {
			if err := alice.Send(ctx, domain.CandidateMessage("", domain.ICECandidate{Candidate: fmt.Sprint(i)})); err != nil {
				sent <- err
				return
			}
		}
		sent <- nil
	}()

	var got received
	bob := dialClient(t, base, "bob")
	bob.OnMessage(got.add)
	require.NoError(t, <-sent)

	require.Eventually(t, func() bool { return len(got.all()) == held+live }, 3*time.Second, 10*time.Millisecond)
	for i, msg := range got.all() {
		assert.Equal(t, fmt.Sprint(i), msg.Candidate.Candidate)
	}
}

func TestRelay_RejectsInvalidMessages(t *testing.T) {
	_, base := newRelay(t)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(base)+"?call_id=call-1&peer_id=alice", nil)
	require.NoError(t, err)
	defer conn.Close()

	cases := []domain.SignalMessage{
		domain.OfferMessage("", "not sdp"),
		{Kind: domain.MessageAnswer},
		{Kind: domain.MessageCandidate},
		{Kind: "bye"},
	}
	for _, msg := range cases {
		require.NoError(t, conn.WriteJSON(msg))

		var reply errorMessage
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		require.NoError(t, conn.ReadJSON(&reply))
		assert.Equal(t, "error", reply.Kind)
		assert.NotEmpty(t, reply.Error)
	}
}

func TestRelay_RejectsThirdPeer(t *testing.T) {
	_, base := newRelay(t)
	dialClient(t, base, "alice")
	dialClient(t, base, "bob")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(base)+"?call_id=call-1&peer_id=carol", nil)
	require.NoError(t, err)
	defer conn.Close()

	var reply errorMessage
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Contains(t, reply.Error, "already has two peers")
}

func TestRelay_RequiresIdentifiers(t *testing.T) {
	_, base := newRelay(t)

	resp, err := http.Get(base + "/ws?call_id=call-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRelay_ReconnectReplacesConnection(t *testing.T) {
	relay, base := newRelay(t)
	first := dialClient(t, base, "alice")
	dialClient(t, base, "alice")

	select {
	case <-first.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("replaced connection was not closed")
	}
	assert.Equal(t, 1, relay.Rooms())
}

func TestRelay_HealthCheck(t *testing.T) {
	_, base := newRelay(t)
	dialClient(t, base, "alice")

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/health")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var body map[string]interface{}
		if json.NewDecoder(resp.Body).Decode(&body) != nil {
			return false
		}
		return body["connections"] == float64(1)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClient_SendAfterClose(t *testing.T) {
	_, base := newRelay(t)
	c := dialClient(t, base, "alice")
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	err := c.Send(context.Background(), domain.OfferMessage("", validSDP))
	assert.ErrorContains(t, err, "closed")
	<-c.Done()
}

func TestClient_DialFailure(t *testing.T) {
	_, err := Dial(context.Background(), ClientConfig{URL: "ws://127.0.0.1:1/ws", CallID: "c", PeerID: "p"}, nil)
	assert.Error(t, err)
}

func TestRelay_RejectsMalformedIdentifiers(t *testing.T) {
	_, base := newRelay(t)

	resp, err := http.Get(base + "/ws?call_id=call%201&peer_id=alice")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
