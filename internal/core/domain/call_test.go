package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allStates = []CallState{
	StateIdle, StateInitiating, StateRinging, StateConnecting,
	StateConnected, StateReconnecting, StateEnding, StateEnded,
}

func TestTransitionTable(t *testing.T) {
	allowed := map[[2]CallState]bool{
		{StateIdle, StateInitiating}:         true,
		{StateIdle, StateRinging}:            true,
		{StateIdle, StateEnding}:             true,
		{StateInitiating, StateRinging}:      true,
		{StateInitiating, StateEnding}:       true,
		{StateRinging, StateConnecting}:      true,
		{StateRinging, StateEnding}:          true,
		{StateConnecting, StateConnected}:    true,
		{StateConnecting, StateEnding}:       true,
		{StateConnected, StateReconnecting}:  true,
		{StateConnected, StateEnding}:        true,
		{StateReconnecting, StateConnected}:  true,
		{StateReconnecting, StateEnding}:     true,
		{StateEnding, StateEnded}:            true,
	}

	now := time.Unix(1000, 0)
	for _, from := range allStates {
		for _, to := range allStates {
			want := allowed[[2]CallState{from, to}]
			assert.Equal(t, want, from.CanTransitionTo(to), "%s -> %s", from, to)

			call := NewCall("c1", MediaAudio, RoleInitiator, Party{ID: "a"}, Party{ID: "b"}, now)
			call.State = from
			err := call.Transition(to, now)
			if want {
				require.NoError(t, err)
				assert.Equal(t, to, call.State)
			} else {
				require.ErrorIs(t, err, ErrInvalidTransition)
				assert.Equal(t, from, call.State, "rejected transition must not mutate state")
			}
		}
	}
}

func TestEveryNonTerminalStateCanEnd(t *testing.T) {
	for _, s := range allStates {
		if s == StateEnding || s == StateEnded {
			continue
		}
		assert.True(t, s.CanTransitionTo(StateEnding), s)
	}
	assert.True(t, StateEnded.IsTerminal())
	assert.False(t, StateEnding.IsTerminal())
}

func TestConnectedTimestampSetOnce(t *testing.T) {
	t0 := time.Unix(100, 0)
	call := NewCall("c1", MediaVideo, RoleReceiver, Party{}, Party{}, t0)
	call.State = StateConnecting

	require.NoError(t, call.Transition(StateConnected, t0.Add(time.Second)))
	require.NoError(t, call.Transition(StateReconnecting, t0.Add(2*time.Second)))
	require.NoError(t, call.Transition(StateConnected, t0.Add(3*time.Second)))

	assert.Equal(t, t0.Add(time.Second), call.ConnectedAt)
	assert.Equal(t, 9*time.Second, call.Duration(t0.Add(10*time.Second)))
}

func TestDurationZeroWhenNeverConnected(t *testing.T) {
	call := NewCall("c1", MediaAudio, RoleInitiator, Party{}, Party{}, time.Unix(0, 0))
	assert.Zero(t, call.Duration(time.Unix(50, 0)))
}

func TestEndReasonSetOnce(t *testing.T) {
	call := NewCall("c1", MediaAudio, RoleInitiator, Party{}, Party{}, time.Now())
	require.NoError(t, call.SetEndReason(EndBusy))
	err := call.SetEndReason(EndCompleted)
	require.Error(t, err)
	assert.Equal(t, EndBusy, call.EndReason)
}

func TestParseEndReason(t *testing.T) {
	assert.Equal(t, EndBusy, ParseEndReason("busy"))
	assert.Equal(t, EndNetwork, ParseEndReason("network"))
	assert.Equal(t, EndDeclined, ParseEndReason("timeout"))
	assert.Equal(t, EndDeclined, ParseEndReason("offline"))
	assert.Equal(t, EndCompleted, ParseEndReason(""))
	assert.Equal(t, EndCompleted, ParseEndReason("something-else"))
}

func TestMediaAcquisitionErrorClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want MediaErrorCode
	}{
		{"permission", errors.Join(errors.New("open /dev/video0"), ErrPermissionDenied), MediaPermissionDenied},
		{"no device", ErrNoDevice, MediaNoDevice},
		{"other", errors.New("driver exploded"), MediaAcquisitionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mediaErr := NewMediaAcquisitionError(tt.err)
			assert.Equal(t, tt.want, mediaErr.Code)
			assert.ErrorIs(t, mediaErr, tt.err)
		})
	}

	wrapped := &MediaAcquisitionError{Code: MediaNoDevice}
	assert.Same(t, wrapped, NewMediaAcquisitionError(wrapped))
}
