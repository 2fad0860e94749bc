// Package store holds the errors shared by every persistence backend.
package store

import (
	"errors"

	"github.com/mcdev12/roundsync/go/internal/apperrors"
)

var (
	ErrNotFound                = apperrors.NotFoundf("record not found")
	ErrDuplicateSequenceNumber = apperrors.Validationf("round sequence number already in use")
	ErrSequenceExists          = apperrors.Validationf("target sequence already defined for round")
	ErrRoundNotWaiting         = apperrors.Validationf("target sequence can only be defined before the round starts")
	ErrOrdersExist             = apperrors.Validationf("production orders already generated for round")
	ErrStaleWrite              = apperrors.Conflictf("record changed concurrently")
)

// ErrSequenceExhausted signals that a round has no Waiting orders left. It is
// an outcome, not a failure.
var ErrSequenceExhausted = errors.New("sequence exhausted")
