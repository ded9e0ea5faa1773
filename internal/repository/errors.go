// Package repository holds the persistence layer of the checkout core.
// Sentinel errors declared here let the service layer tell apart the
// failure modes of a store without depending on a particular driver.
package repository

import "errors"

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when an insert violates a uniqueness
// constraint, e.g. a second order for the same checkout session.
var ErrDuplicate = errors.New("duplicate")
