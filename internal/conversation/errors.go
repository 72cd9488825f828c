// Package conversation implements the conversation core: authorization
// gates, message send/edit/delete/search, call state machine, and the
// best-effort dual-write to the external federated chat protocol. Every
// mutating operation resolves through an authorization gate (requireMember,
// the relationship oracle check in CreateDirect, or checkGroupAdmin) before
// touching storage, matching spec.md §4.2.1.
package conversation

import "errors"

// Sentinel errors callers check with errors.Is, matching the error kinds
// from spec.md §7. Causes are wrapped with %w and logged; these sentinels
// are the only thing callers ever see.
var (
	ErrNotFound         = errors.New("conversation: not found")
	ErrInvalidArgument  = errors.New("conversation: invalid argument")
	ErrForbidden        = errors.New("conversation: forbidden")
	ErrConflict         = errors.New("conversation: conflict")
	ErrAlreadyExists    = errors.New("conversation: already exists")
	ErrDependencyDown   = errors.New("conversation: dependency unavailable")
)
