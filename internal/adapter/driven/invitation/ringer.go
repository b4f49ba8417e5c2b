// Package invitation presents incoming calls without a user interface:
// ringing is logged and announced to an optional notifier, and an
// unanswered invitation times out.
package invitation

import (
	"context"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/rs/zerolog/log"
)

const DefaultTimeout = 30 * time.Second

type Option func(*Ringer)

// WithAutoAccept answers every invitation after delay, for unattended
// softphones.
func WithAutoAccept(delay time.Duration, upgradeToVideo bool) Option {
	return func(r *Ringer) {
		r.autoAccept = true
		r.autoAcceptDelay = delay
		r.upgrade = upgradeToVideo
	}
}

// WithNotifier is called when ringing starts and stops.
func WithNotifier(ringing func(inv domain.Invitation), stopped func(callID domain.CallID)) Option {
	return func(r *Ringer) {
		r.onRinging = ringing
		r.onStopped = stopped
	}
}

type pending struct {
	inv     domain.Invitation
	timeout *time.Timer
	accept  *time.Timer
}

// Ringer implements port.Invitations with timers.
type Ringer struct {
	timeout         time.Duration
	autoAccept      bool
	autoAcceptDelay time.Duration
	upgrade         bool
	onRinging       func(domain.Invitation)
	onStopped       func(domain.CallID)

	mu      sync.Mutex
	pending map[domain.CallID]*pending
}

var _ port.Invitations = (*Ringer)(nil)

func New(timeout time.Duration, opts ...Option) *Ringer {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	r := &Ringer{
		timeout: timeout,
		pending: make(map[domain.CallID]*pending),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Ringer) Present(inv domain.Invitation, listener port.InvitationListener) {
	r.mu.Lock()
	if _, ok := r.pending[inv.CallID]; ok {
		r.mu.Unlock()
		return
	}
	p := &pending{inv: inv}
	p.timeout = time.AfterFunc(r.timeout, func() {
		if !r.take(inv.CallID, p) {
			return
		}
		log.Info().Str("call_id", inv.CallID.String()).Dur("after", r.timeout).Msg("No answer")
		listener.InvitationTimedOut(context.Background(), inv.CallID)
	})
	if r.autoAccept {
		p.accept = time.AfterFunc(r.autoAcceptDelay, func() {
			if !r.take(inv.CallID, p) {
				return
			}
			log.Info().Str("call_id", inv.CallID.String()).Msg("Auto-accepting call")
			if err := listener.AcceptCall(context.Background(), inv.CallID, r.upgrade); err != nil {
				log.Error().Err(err).Str("call_id", inv.CallID.String()).Msg("Auto-accept failed")
			}
		})
	}
	r.pending[inv.CallID] = p
	r.mu.Unlock()

	log.Info().
		Str("call_id", inv.CallID.String()).
		Str("from", inv.From.ID.String()).
		Str("kind", string(inv.Kind)).
		Msg("Ringing")
	if r.onRinging != nil {
		r.onRinging(inv)
	}
}

func (r *Ringer) Dismiss(callID domain.CallID) {
	r.mu.Lock()
	p, ok := r.pending[callID]
	if ok {
		r.stopLocked(callID, p)
	}
	r.mu.Unlock()
	if ok {
		r.stopped(callID)
	}
}

// Pending lists invitations that are still ringing.
func (r *Ringer) Pending() []domain.Invitation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Invitation, 0, len(r.pending))
	for _, p := range r.pending {
		out = append(out, p.inv)
	}
	return out
}

// take removes p if it is still the pending entry for callID, so only
// one of timeout, auto-accept and dismiss acts on an invitation.
func (r *Ringer) take(callID domain.CallID, p *pending) bool {
	r.mu.Lock()
	cur, ok := r.pending[callID]
	if !ok || cur != p {
		r.mu.Unlock()
		return false
	}
	r.stopLocked(callID, p)
	r.mu.Unlock()
	r.stopped(callID)
	return true
}

func (r *Ringer) stopLocked(callID domain.CallID, p *pending) {
	p.timeout.Stop()
	if p.accept != nil {
		p.accept.Stop()
	}
	delete(r.pending, callID)
}

func (r *Ringer) stopped(callID domain.CallID) {
	log.Debug().Str("call_id", callID.String()).Msg("Ringing stopped")
	if r.onStopped != nil {
		r.onStopped(callID)
	}
}
