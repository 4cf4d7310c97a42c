package session

import "errors"

var (
	// ErrInvalidIdentity is returned by SetIdentity for an identity without an ID
	// or with an unknown role.
	ErrInvalidIdentity = errors.New("invalid identity")

	// ErrCorruptMirror is returned by Mirror.Load when the stored value cannot
	// be decoded. The value has already been removed.
	ErrCorruptMirror = errors.New("corrupt stored identity")
)
