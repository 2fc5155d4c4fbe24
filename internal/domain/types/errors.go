package types

import "errors"

// ErrIdentityChanged reports that a peer's session was started with an
// identity key that does not match its id or the key we knew.
var ErrIdentityChanged = errors.New("peer identity key changed")
