package pion_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Wyydra/yacall/internal/adapter/driven/media/pion"
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/service"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sampleTrack struct {
	local   *webrtc.TrackLocalStaticSample
	enabled atomic.Bool
}

func newSampleTrack(t *testing.T, id string) *sampleTrack {
	t.Helper()
	local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, id, "test")
	require.NoError(t, err)
	tr := &sampleTrack{local: local}
	tr.enabled.Store(true)
	return tr
}

func (s *sampleTrack) ID() string                    { return s.local.ID() }
func (s *sampleTrack) Kind() domain.TrackKind        { return domain.TrackAudio }
func (s *sampleTrack) Enabled() bool                 { return s.enabled.Load() }
func (s *sampleTrack) SetEnabled(enabled bool)       { s.enabled.Store(enabled) }
func (s *sampleTrack) Stop() error                   { return nil }
func (s *sampleTrack) OnEnded(func())                {}
func (s *sampleTrack) TrackLocal() webrtc.TrackLocal { return s.local }

type plainTrack struct{ sampleTrack }

func (*plainTrack) TrackLocal() {}

func TestAddTrackRequiresLocalTrack(t *testing.T) {
	factory, err := pion.NewFactory()
	require.NoError(t, err)
	tr, err := factory.NewTransport(domain.ICEConfig{})
	require.NoError(t, err)
	defer tr.Close()

	_, err = tr.AddTrack(&plainTrack{})
	assert.ErrorIs(t, err, pion.ErrUnsupportedTrack)

	require.NoError(t, tr.Close())
	assert.Equal(t, domain.ConnClosed, tr.ConnectionState())
}

func TestOfferAnswerOverLoopback(t *testing.T) {
	factory, err := pion.NewFactory(pion.WithLoopbackCandidates())
	require.NoError(t, err)

	var caller, callee *service.PeerSession
	var callerConnected, calleeConnected atomic.Bool

	caller = service.NewPeerSession(factory, service.PeerCallbacks{
		OnLocalCandidate: func(c domain.Candidate) { _ = callee.AddRemoteCandidate(c) },
		OnConnectionState: func(s domain.ConnectionState) {
			if s == domain.ConnConnected {
				callerConnected.Store(true)
			}
		},
	})
	callee = service.NewPeerSession(factory, service.PeerCallbacks{
		OnLocalCandidate: func(c domain.Candidate) { _ = caller.AddRemoteCandidate(c) },
		OnConnectionState: func(s domain.ConnectionState) {
			if s == domain.ConnConnected {
				calleeConnected.Store(true)
			}
		},
	})
	require.NoError(t, caller.Open(domain.ICEConfig{}))
	require.NoError(t, callee.Open(domain.ICEConfig{}))
	defer caller.Close()
	defer callee.Close()

	_, err = caller.AddTrack(newSampleTrack(t, "mic"))
	require.NoError(t, err)

	ctx := context.Background()
	offer, err := caller.CreateOffer(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.SDPOffer, offer.Type)

	require.NoError(t, callee.ApplyRemoteDescription(ctx, offer))
	answer, err := callee.CreateAnswer(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.SDPAnswer, answer.Type)
	require.NoError(t, caller.ApplyRemoteDescription(ctx, answer))

	require.Eventually(t, func() bool {
		return callerConnected.Load() && calleeConnected.Load()
	}, 15*time.Second, 20*time.Millisecond)

	assert.Equal(t, domain.NegotiationStable, caller.NegotiationState())
	assert.Equal(t, []string{"mic"}, caller.LocalTrackIDs())

	stats, err := caller.Stats(ctx)
	require.NoError(t, err)
	assert.False(t, stats.Timestamp.IsZero())
}

func TestRollbackResolvesOfferCollision(t *testing.T) {
	factory, err := pion.NewFactory()
	require.NoError(t, err)

	polite := service.NewPeerSession(factory, service.PeerCallbacks{})
	impolite := service.NewPeerSession(factory, service.PeerCallbacks{})
	require.NoError(t, polite.Open(domain.ICEConfig{}))
	require.NoError(t, impolite.Open(domain.ICEConfig{}))
	defer polite.Close()
	defer impolite.Close()

	ctx := context.Background()
	_, err = impolite.AddTrack(newSampleTrack(t, "impolite-mic"))
	require.NoError(t, err)
	offer, err := impolite.CreateOffer(ctx)
	require.NoError(t, err)
	require.NoError(t, polite.ApplyRemoteDescription(ctx, offer))
	answer, err := polite.CreateAnswer(ctx)
	require.NoError(t, err)
	require.NoError(t, impolite.ApplyRemoteDescription(ctx, answer))

	// Both sides renegotiate at once.
	_, err = polite.AddTrack(newSampleTrack(t, "polite-mic"))
	require.NoError(t, err)
	_, err = polite.CreateOffer(ctx)
	require.NoError(t, err)
	theirs, err := impolite.CreateOffer(ctx)
	require.NoError(t, err)
	require.True(t, polite.HasLocalOffer())

	assert.ErrorIs(t, polite.ApplyRemoteDescription(ctx, theirs), pion.ErrOfferCollision)

	require.NoError(t, polite.Rollback(ctx))
	assert.False(t, polite.HasLocalOffer())
	assert.Equal(t, domain.NegotiationStable, polite.NegotiationState())
	require.NoError(t, polite.ApplyRemoteDescription(ctx, theirs))
	answer, err = polite.CreateAnswer(ctx)
	require.NoError(t, err)
	require.NoError(t, impolite.ApplyRemoteDescription(ctx, answer))
	assert.False(t, impolite.HasLocalOffer())

	// The withdrawn offer is made again and completes.
	again, err := polite.CreateOffer(ctx)
	require.NoError(t, err)
	require.NoError(t, impolite.ApplyRemoteDescription(ctx, again))
	answer, err = impolite.CreateAnswer(ctx)
	require.NoError(t, err)
	require.NoError(t, polite.ApplyRemoteDescription(ctx, answer))
	assert.False(t, polite.HasLocalOffer())
}

func TestRollbackWithoutHeldOffer(t *testing.T) {
	factory, err := pion.NewFactory()
	require.NoError(t, err)
	tr, err := factory.NewTransport(domain.ICEConfig{})
	require.NoError(t, err)
	defer tr.Close()

	err = tr.SetLocalDescription(context.Background(), domain.SessionDescription{Type: domain.SDPRollback})
	assert.ErrorIs(t, err, pion.ErrNothingToRollback)
}
