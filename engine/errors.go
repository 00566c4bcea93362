package engine

import "errors"

// Host-facing sentinel errors: every engine API call
// returns one of these (or nil), wrapping the underlying cause so
// errors.Is still works while giving host applications a small,
// stable error surface.
var (
	ErrInvalidArgument   = errors.New("engine: invalid argument")
	ErrNotFound          = errors.New("engine: not found")
	ErrHandshakeFailed   = errors.New("engine: handshake failed")
	ErrTimeout           = errors.New("engine: timeout")
	ErrPeerUnreachable   = errors.New("engine: peer unreachable")
	ErrStorageCorrupt    = errors.New("engine: storage corrupt")
	ErrProtocolViolation = errors.New("engine: protocol violation")
	ErrConflict          = errors.New("engine: conflicting registration")
	ErrInternal          = errors.New("engine: internal error")
)
