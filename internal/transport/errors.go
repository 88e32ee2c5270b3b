package transport

import "github.com/pkg/errors"

var (
	// ErrRejected reports an invalid argument or a busy transmission id.
	// The call had no effect.
	ErrRejected = errors.New("rejected")
	// ErrTimeout reports that a deadline elapsed. Sender records are
	// destroyed on timeout; receiver records are preserved for a later
	// claim.
	ErrTimeout = errors.New("timeout")
	// ErrShutdown reports that the transport has been closed.
	ErrShutdown = errors.New("transport shut down")
)
