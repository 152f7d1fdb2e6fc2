package model

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound reports an absent key. Always recoverable.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists reports a key that is already bound to different content.
	ErrAlreadyExists = errors.New("already exists")
	// ErrMalformedInput reports unparsable headers or missing required data.
	ErrMalformedInput = errors.New("malformed input")
	// ErrNoIdentifier reports a header block without a Message-Id.
	ErrNoIdentifier = fmt.Errorf("%w: no message identifier", ErrMalformedInput)
	// ErrTransient reports a dependency failure worth retrying.
	ErrTransient = errors.New("transient dependency failure")
	// ErrInvariantViolation reports cross-component data corruption. It is
	// never repaired automatically.
	ErrInvariantViolation = errors.New("invariant violation")
)
