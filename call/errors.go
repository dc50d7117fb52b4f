package call

import (
	"fmt"

	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrMissingIdentity is returned when a call is placed without a signed-in
// user. This is fatal to the call attempt and must be surfaced to the
// initiating UI.
var ErrMissingIdentity = errors.New("expected non-empty local user id")

// ErrAcceptLost is returned when another device of the same user won the
// accept race. It is not a failure; the losing device simply stands down.
var ErrAcceptLost = status.Error(codes.AlreadyExists, "call already accepted by another device")

// ErrCallTerminal is returned when an operation is attempted against a call
// that has already reached a terminal state.
var ErrCallTerminal = status.Error(codes.FailedPrecondition, "call already ended")

// ErrInviteCancelled is returned when accepting an invitation that was
// cancelled on this device by the out-of-band exclusion signal.
var ErrInviteCancelled = status.Error(codes.Aborted, "incoming call was cancelled on this device")

type inactiveCallError struct {
	id string
}

func (e *inactiveCallError) Error() string {
	return fmt.Sprintf("no active call for id %q", e.id)
}

func newInactiveCallErr(id string) error {
	return &inactiveCallError{id}
}

// IsInactiveCallError reports whether the error indicates the call document
// no longer exists or expired.
func IsInactiveCallError(err error) bool {
	var inactive *inactiveCallError
	return errors.As(err, &inactive)
}
