package models

import (
	"errors"
	"fmt"
)

var ErrUnknownKind = errors.New("unknown change kind")

type ChangeKind string

const (
	Lock   ChangeKind = "Lock"
	Unlock ChangeKind = "Unlock"
	Update ChangeKind = "Update"
	Insert ChangeKind = "Insert"
	Delete ChangeKind = "Delete"
)

// ChangeKinds lists every kind the protocol knows about.
// Adding a kind here must be accompanied by a review of every switch over ChangeKind.
var ChangeKinds = []ChangeKind{Lock, Unlock, Update, Insert, Delete}

// Validate returns ErrUnknownKind for anything outside the closed set of kinds.
func (k ChangeKind) Validate() error {
	switch k {
	case Lock, Unlock, Update, Insert, Delete:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, string(k))
	}
}

// IsLockSignal reports whether k belongs to the advisory locking protocol
// rather than describing a data change.
func (k ChangeKind) IsLockSignal() bool {
	return k == Lock || k == Unlock
}

// Notification is the unit exchanged over the streaming channel.
type Notification[T any] struct {
	Kind    ChangeKind `json:"action" cbor:"action"`
	Payload T          `json:"data" cbor:"data"`
}

// RecordNotification is the only instantiation the authority speaks.
type RecordNotification = Notification[Record]

func NewNotification[T any](kind ChangeKind, payload T) Notification[T] {
	return Notification[T]{Kind: kind, Payload: payload}
}

// LockOf builds the outbound intent announcing that r is being edited here.
func LockOf(r Record) RecordNotification {
	return NewNotification(Lock, r)
}

// UnlockOf builds the outbound intent releasing a previously announced lock on r.
func UnlockOf(r Record) RecordNotification {
	return NewNotification(Unlock, r)
}

func (n Notification[T]) String() string {
	return fmt.Sprintf("%s(%v)", n.Kind, n.Payload)
}
