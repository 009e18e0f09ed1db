package stitch

import (
	"errors"
	"fmt"
)

var (
	// ErrUnregistrable matches every *UnregistrableError.
	ErrUnregistrable = errors.New("unregistrable pair")
	// ErrTooFewImages is returned when fewer than two images are supplied.
	ErrTooFewImages = errors.New("need at least two images to stitch")
)

// Stage names where registration can fail.
const (
	StagePairwise  = "pairwise"
	StageCanvas    = "canvas"
	StageComposite = "composite"
)

// UnregistrableError reports the image that could not be placed.
type UnregistrableError struct {
	Index int    // the image that failed to register
	Pair  Pair   // what it was registered against
	Stage string // pairwise, canvas or composite
	Err   error
}

func (e *UnregistrableError) Error() string {
	return fmt.Sprintf("image %d could not be registered (%s stage, %s): %v", e.Index, e.Stage, e.Pair, e.Err)
}

// Unwrap exposes both ErrUnregistrable and the underlying cause.
func (e *UnregistrableError) Unwrap() []error {
	return []error{ErrUnregistrable, e.Err}
}
