package recovery

import (
	"errors"
	"fmt"
)

// Stage names the recovery step a StartupError came from.
type Stage string

const (
	StageIdentity         Stage = "identity"
	StageDecode           Stage = "decode"
	StageIdentityMismatch Stage = "identity_mismatch"
	StageReplay           Stage = "replay"
	StageManager          Stage = "manager"
	StageCatchUp          Stage = "catch_up"
	StageWatch            Stage = "watch"
)

// StartupError reports persisted state that cannot be trusted. The node
// must not be started.
type StartupError struct {
	Node  string
	Stage Stage
	Err   error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("recover node %s: %s: %v", e.Node, e.Stage, e.Err)
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err is a StartupError.
func IsFatal(err error) bool {
	var se *StartupError
	return errors.As(err, &se)
}

// StageOf returns the stage of a StartupError in err's chain.
func StageOf(err error) (Stage, bool) {
	var se *StartupError
	if errors.As(err, &se) {
		return se.Stage, true
	}
	return "", false
}

func fatal(node string, stage Stage, err error) error {
	return &StartupError{Node: node, Stage: stage, Err: err}
}
