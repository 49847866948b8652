// Package dderr defines the typed error codes that cross the data
// distributor's administrative boundary (spec section 6), plus the
// sentinel errors internal components raise before they are classified.
package dderr

import (
	"errors"
	"fmt"
)

// Code is one of the symbolic error names the original spec lists as
// crossing the supervisor boundary.
type Code string

const (
	CodeMoveKeysConflict          Code = "movekeys_conflict"
	CodeDataMoveCancelled         Code = "data_move_cancelled"
	CodeDataMoveDestTeamNotFound  Code = "data_move_dest_team_not_found"
	CodeDDConfigChanged           Code = "dd_config_changed"
	CodeAuditStorageFailed        Code = "audit_storage_failed"
	CodeSnapStorageFailed         Code = "snap_storage_failed"
	CodeSnapTlogFailed            Code = "snap_tlog_failed"
	CodeSnapCoordFailed           Code = "snap_coord_failed"
	CodeSnapDisableTlogPopFailed  Code = "snap_disable_tlog_pop_failed"
	CodeSnapEnableTlogPopFailed   Code = "snap_enable_tlog_pop_failed"
	CodeSnapWithRecoveryUnsupported Code = "snap_with_recovery_unsupported"
	CodeDuplicateSnapshotRequest  Code = "duplicate_snapshot_request"
	CodeOperationFailed           Code = "operation_failed"
	CodeTimedOut                  Code = "timed_out"
	CodeNotImplemented            Code = "not_implemented"
	CodeExceededRequestLimit      Code = "exceeded_request_limit"
	CodeBrokenPromise             Code = "broken_promise"
)

// DDError is the typed error value carried across the administrative
// boundary; Code identifies the symbolic name, Err (optional) wraps the
// underlying cause for logging.
type DDError struct {
	Code Code
	Err  error
}

func (e *DDError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return string(e.Code)
}

func (e *DDError) Unwrap() error { return e.Err }

// New creates a DDError with no wrapped cause.
func New(code Code) *DDError { return &DDError{Code: code} }

// Wrap creates a DDError wrapping err under code.
func Wrap(code Code, err error) *DDError { return &DDError{Code: code, Err: err} }

// Is reports whether err is a DDError carrying code.
func Is(err error, code Code) bool {
	var dd *DDError
	if errors.As(err, &dd) {
		return dd.Code == code
	}
	return false
}

// Sentinel errors raised internally before being classified into DDError
// at the supervisor boundary (spec section 7, category 4).
var (
	// ErrRemoveFailedServer signals the "RemoveFailedServer completed"
	// fatal-set case: the supervisor must clean up the dropped range and
	// re-bootstrap.
	ErrRemoveFailedServer = errors.New("dd: remove failed server completed")

	// ErrMultiRangeDataMoveUnsupported flags the open question in the
	// original spec's design notes: Phase B only re-registers the first
	// range of a multi-range data move.
	ErrMultiRangeDataMoveUnsupported = errors.New("dd: multi-range data move tracker registration unsupported")
)
