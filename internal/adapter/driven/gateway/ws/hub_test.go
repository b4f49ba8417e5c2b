package ws

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePeer struct {
	id domain.UserID

	mu      sync.Mutex
	got     []Envelope
	closed  bool
	sendErr error
}

func (p *fakePeer) UserID() domain.UserID { return p.id }

func (p *fakePeer) Send(env Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendErr != nil {
		return p.sendErr
	}
	p.got = append(p.got, env)
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) received() []Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Envelope(nil), p.got...)
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func runHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub()
	go h.Run()
	t.Cleanup(h.Stop)
	return h
}

func TestHubRoutesAndStampsSender(t *testing.T) {
	h := runHub(t)
	alice := &fakePeer{id: "alice"}
	bob := &fakePeer{id: "bob"}
	h.Register(alice)
	h.Register(bob)
	require.Eventually(t, func() bool { return h.Count() == 2 }, time.Second, 5*time.Millisecond)

	h.Route(alice, Envelope{Op: OpOffer, CallID: "c1", From: "mallory", To: "bob", SDP: &domain.SessionDescription{Type: domain.SDPOffer, SDP: "v=0"}})

	require.Eventually(t, func() bool { return len(bob.received()) == 1 }, time.Second, 5*time.Millisecond)
	env := bob.received()[0]
	assert.Equal(t, domain.UserID("alice"), env.From)
	assert.Equal(t, OpOffer, env.Op)
	assert.Empty(t, alice.received())
}

func TestHubDeclinesInviteToOfflineUser(t *testing.T) {
	h := runHub(t)
	alice := &fakePeer{id: "alice"}
	h.Register(alice)

	h.Route(alice, Envelope{Op: OpInvite, CallID: "c1", To: "carol", Kind: domain.MediaAudio})
	h.Route(alice, Envelope{Op: OpCandidate, CallID: "c1", To: "carol"})

	require.Eventually(t, func() bool { return len(alice.received()) == 1 }, time.Second, 5*time.Millisecond)
	reply := alice.received()[0]
	assert.Equal(t, OpDecline, reply.Op)
	assert.Equal(t, ReasonOffline, reply.Reason)
	assert.Equal(t, domain.CallID("c1"), reply.CallID)
	assert.Equal(t, domain.UserID("carol"), reply.From)

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, alice.received(), 1, "only invitations get an offline reply")
}

func TestHubReplacesConnectionForSameUser(t *testing.T) {
	h := runHub(t)
	first := &fakePeer{id: "bob"}
	second := &fakePeer{id: "bob"}
	h.Register(first)
	h.Register(second)

	require.Eventually(t, first.isClosed, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.Count())

	h.Unregister(first)
	time.Sleep(20 * time.Millisecond)
	assert.True(t, h.Connected("bob"), "stale unregister keeps the newer connection")

	h.Unregister(second)
	require.Eventually(t, func() bool { return h.Count() == 0 }, time.Second, 5*time.Millisecond)
}

func TestHubDropsPeerOnSendFailure(t *testing.T) {
	h := runHub(t)
	alice := &fakePeer{id: "alice"}
	bob := &fakePeer{id: "bob", sendErr: errors.New("broken pipe")}
	h.Register(alice)
	h.Register(bob)
	require.Eventually(t, func() bool { return h.Count() == 2 }, time.Second, 5*time.Millisecond)

	h.Route(alice, Envelope{Op: OpEnd, CallID: "c1", To: "bob"})

	require.Eventually(t, bob.isClosed, time.Second, 5*time.Millisecond)
	assert.False(t, h.Connected("bob"))
}

func TestHubStopClosesPeers(t *testing.T) {
	h := NewHub()
	go h.Run()
	alice := &fakePeer{id: "alice"}
	h.Register(alice)

	h.Stop()
	h.Stop()
	require.Eventually(t, alice.isClosed, time.Second, 5*time.Millisecond)
	h.Register(&fakePeer{id: "late"})
}
