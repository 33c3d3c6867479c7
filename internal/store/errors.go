package store

import "github.com/contactsync/contactsync/internal/syncerr"

// ErrNotFound is returned when a Link, PendingSync, or Token row does not
// exist. It aliases syncerr.ErrNotFound so callers above the store boundary
// can match on a single sentinel regardless of which layer raised it.
var ErrNotFound = syncerr.ErrNotFound
