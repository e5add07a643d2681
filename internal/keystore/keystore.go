// Package keystore resolves bearer credentials to accounts.
//
// The gateway only ever asks one question of a keystore: does this raw key
// belong to an active account, and if so with which purpose. Revoked keys are
// reported as absent — the distinction never reaches the client. Lookup is
// always fronted by the credential cache, so backends are free to hit disk or
// the network on every call.
package keystore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Lookup when the key does not exist or belongs to
// an inactive account.
var ErrNotFound = errors.New("keystore: key not found")

// Credential is the account a verified key maps to. Purpose selects the
// rewrite pipeline applied to the account's requests.
type Credential struct {
	UserID  int64
	Active  bool
	Purpose string
}

// Store is a credential backend.
//
// Lookup returns ErrNotFound for absent or inactive keys and a non-nil error
// only for backend failures (which callers must not cache).
type Store interface {
	Lookup(ctx context.Context, key string) (*Credential, error)
}
