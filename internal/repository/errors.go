package repository

import "errors"

// ErrNotFound is returned when a lookup by key finds nothing. Callers
// use errors.Is, not a nil-pointer convention, so "absent" and "error"
// can never be confused.
var ErrNotFound = errors.New("repository: not found")

// ErrAlreadyExists is returned by natural-key inserts that collide
// with an existing row: there is at most one DigestRecord per
// (user, week).
var ErrAlreadyExists = errors.New("repository: already exists")
