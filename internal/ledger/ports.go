package ledger

import (
	"context"
	"errors"
	"fmt"

	"farmledger/internal/core"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// CloseResult is the backend's verdict on a close-ledger request.
type CloseResult struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (r CloseResult) OK() bool { return r.Status == StatusSuccess }

// Ports for the remote ledger backend.
type (
	TransactionSource interface {
		// Transactions reads the live ledger when batch is empty, or the
		// named archive otherwise.
		Transactions(ctx context.Context, batch string) ([]core.Transaction, error)
	}

	TransactionWriter interface {
		AppendTransaction(ctx context.Context, tx core.Transaction) error
		// DeleteTransaction is idempotent; deleting an unknown id is not
		// an error.
		DeleteTransaction(ctx context.Context, id string) error
	}

	CategorySource interface {
		// Categories never blocks usage: failures and empty results
		// degrade to the default category list.
		Categories(ctx context.Context) ([]string, error)
	}

	CategoryWriter interface {
		AppendCategory(ctx context.Context, name string) error
	}

	UserSource interface {
		// Users never fails; malformed or empty backend data substitutes
		// the built-in fallback admin account.
		Users(ctx context.Context) ([]core.User, error)
	}

	UserWriter interface {
		AppendUser(ctx context.Context, u core.User) error
		DeleteUser(ctx context.Context, username string) error
	}

	ArchiveSource interface {
		// Archives lists closed batch names, without their data.
		Archives(ctx context.Context) ([]string, error)
	}

	Closer interface {
		CloseLedger(ctx context.Context, batchName string) (CloseResult, error)
	}
)

// Backend bundles everything the remote ledger endpoint offers.
type Backend interface {
	TransactionSource
	TransactionWriter
	CategorySource
	CategoryWriter
	UserSource
	UserWriter
	ArchiveSource
	Closer
}

// ConnectivityError wraps network and decode failures talking to the remote
// ledger, keeping them distinct from logical/validation failures.
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("ledger backend unreachable (%s): %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// IsConnectivity reports whether err stems from a failed remote call.
func IsConnectivity(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce)
}
