package port

import (
	"context"

	"github.com/Wyydra/yacall/internal/core/domain"
)

// Invitations surfaces incoming calls to the user, plays ringing
// feedback and enforces the no-answer timeout.
type Invitations interface {
	Present(inv domain.Invitation, listener InvitationListener)
	Dismiss(callID domain.CallID)
}

// InvitationListener receives the user's answer to an invitation.
type InvitationListener interface {
	AcceptCall(ctx context.Context, callID domain.CallID, upgradeToVideo bool) error
	DeclineCall(ctx context.Context, callID domain.CallID, reason string) error
	InvitationTimedOut(ctx context.Context, callID domain.CallID)
}
