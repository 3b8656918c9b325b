package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores, the cache engine and the
// session layer return these (optionally wrapped) so callers can branch with
// errors.Is without depending on the concrete backend.
//
//   - ErrNotFound: nothing stored under the requested key or namespace
//   - ErrExpired: token or cached value is past its lifetime
//   - ErrInvalidState: entity in wrong state for requested operation
//   - ErrUnavailable: backend temporarily unavailable
//   - ErrUnauthenticated: operation needs a signed-in session
var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrExpired         = errors.New("expired")
	ErrInvalidState    = errors.New("invalid state")
	ErrUnavailable     = errors.New("unavailable")
	ErrUnauthenticated = errors.New("unauthenticated")
)
