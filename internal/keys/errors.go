package keys

import (
	"errors"
	"fmt"
)

// KeyDerivationError reports that a node's signing material could not be
// derived from stored state. A node cannot run without its key, so callers
// treat this as fatal.
type KeyDerivationError struct {
	KeyID  string
	Reason string
	Err    error
}

func (e *KeyDerivationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("derive key %s: %s: %v", e.KeyID, e.Reason, e.Err)
	}
	return fmt.Sprintf("derive key %s: %s", e.KeyID, e.Reason)
}

func (e *KeyDerivationError) Unwrap() error {
	return e.Err
}

// IsKeyDerivationError reports whether err is or wraps a KeyDerivationError.
func IsKeyDerivationError(err error) bool {
	var ke *KeyDerivationError
	return errors.As(err, &ke)
}
