package invitation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type listener struct {
	mu       sync.Mutex
	accepted []domain.CallID
	upgrade  bool
	timedOut []domain.CallID
}

func (l *listener) AcceptCall(_ context.Context, callID domain.CallID, upgrade bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accepted = append(l.accepted, callID)
	l.upgrade = upgrade
	return nil
}

func (l *listener) DeclineCall(context.Context, domain.CallID, string) error { return nil }

func (l *listener) InvitationTimedOut(_ context.Context, callID domain.CallID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.timedOut = append(l.timedOut, callID)
}

func (l *listener) acceptedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.accepted)
}

func (l *listener) timedOutCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.timedOut)
}

var inv = domain.Invitation{CallID: "c1", From: domain.Party{ID: "alice"}, Kind: domain.MediaAudio}

func TestRingerTimesOut(t *testing.T) {
	var stopped []domain.CallID
	var mu sync.Mutex
	r := New(10*time.Millisecond, WithNotifier(nil, func(id domain.CallID) {
		mu.Lock()
		defer mu.Unlock()
		stopped = append(stopped, id)
	}))
	l := &listener{}

	r.Present(inv, l)
	assert.Len(t, r.Pending(), 1)

	require.Eventually(t, func() bool { return l.timedOutCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, r.Pending())
	mu.Lock()
	assert.Equal(t, []domain.CallID{"c1"}, stopped)
	mu.Unlock()
}

func TestRingerDismissCancelsTimeout(t *testing.T) {
	r := New(20 * time.Millisecond)
	l := &listener{}

	r.Present(inv, l)
	r.Dismiss("c1")
	r.Dismiss("c1")

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, l.acceptedCount())
	assert.Zero(t, l.timedOutCount())
	assert.Empty(t, r.Pending())
}

func TestRingerIgnoresDuplicatePresent(t *testing.T) {
	var rings int
	r := New(time.Minute, WithNotifier(func(domain.Invitation) { rings++ }, nil))
	l := &listener{}

	r.Present(inv, l)
	r.Present(inv, l)

	assert.Equal(t, 1, rings)
	assert.Len(t, r.Pending(), 1)
	r.Dismiss(inv.CallID)
}

func TestRingerAutoAccept(t *testing.T) {
	r := New(time.Minute, WithAutoAccept(5*time.Millisecond, true))
	l := &listener{}

	r.Present(inv, l)

	require.Eventually(t, func() bool { return l.acceptedCount() == 1 }, time.Second, 5*time.Millisecond)
	l.mu.Lock()
	assert.True(t, l.upgrade)
	l.mu.Unlock()
	assert.Empty(t, r.Pending(), "an accepted invitation no longer rings")
}

func TestNewDefaultsTimeout(t *testing.T) {
	assert.Equal(t, DefaultTimeout, New(0).timeout)
}
