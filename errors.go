package restore

import (
	"errors"

	"github.com/gzeit/ReStore/internal/retrieval"
	"github.com/gzeit/ReStore/pkg/comm"
)

var (
	// ErrInvalidArgument reports a constructor or submission parameter that
	// violates the store's invariants. State is untouched.
	ErrInvalidArgument = errors.New("restore: invalid argument")

	// ErrNotImplemented reports a configuration the store reserves but does
	// not ship yet, such as the lookup-table offset mode.
	ErrNotImplemented = errors.New("restore: not implemented")

	// ErrFault reports that one or more peers died during the call. The
	// submitted data of the current epoch is discarded; the application
	// must shrink the group and re-submit if it wants retrieval again.
	ErrFault = comm.ErrFault

	// ErrRevoked reports that the group handle was revoked mid-phase. The
	// application must install a new handle via UpdateComm.
	ErrRevoked = comm.ErrRevoked

	// ErrUnrecoverableDataLoss reports that a requested range has no
	// surviving holder. Distribution and storage are preserved; other
	// ranges remain retrievable.
	ErrUnrecoverableDataLoss = retrieval.ErrUnrecoverableDataLoss
)
