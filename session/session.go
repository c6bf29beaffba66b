// Package session owns the client-side session lifecycle: acquiring,
// validating, refreshing and discarding tokens, and deriving the
// authorization role consumers render against.
package session

import (
	"github.com/agroup/go-aula-client/roles"
	"github.com/agroup/go-aula-client/users"
)

// Status is the lifecycle state of the session.
type Status string

const (
	StatusUnknown         Status = "unknown"
	StatusAuthenticating  Status = "authenticating"
	StatusAuthenticated   Status = "authenticated"
	StatusUnauthenticated Status = "unauthenticated"
)

// Snapshot is the read surface consumers (route guards, UI badges) get.
// Consumers never mutate session state directly; every transition goes
// through a Coordinator operation.
type Snapshot struct {
	Status          Status
	IsAuthenticated bool
	IsLoading       bool
	// Validated is false until the provider confirmed the current token,
	// and drops back to false when a validation attempt failed for
	// transient reasons without evicting the session.
	Validated bool
	Role      roles.Role
	Profile   *users.Profile
	LastError *Error
}
