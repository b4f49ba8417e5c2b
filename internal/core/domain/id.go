package domain

import (
	"github.com/google/uuid"
)

// UserID is the opaque identity the signaling layer assigns to a party.
type UserID string

func (id UserID) String() string {
	return string(id)
}

// CallID identifies one call attempt. It is generated by the initiator.
type CallID string

func NewCallID() CallID {
	return CallID(uuid.New().String())
}

func (id CallID) String() string {
	return string(id)
}
