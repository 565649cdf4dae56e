// Package errkind names the error taxonomy the engine's collaborators
// raise: these are kinds, not
// types. Call sites use errors.Is against the sentinels below, or wrap
// one of them with github.com/pkg/errors.Wrap to attach context while
// keeping the kind recoverable via errors.Cause + errors.Is.
package errkind

import "github.com/pkg/errors"

var (
	// ErrConfig: missing/invalid configuration. Fatal at startup, never
	// surfaced from the hot loop.
	ErrConfig = errors.New("config error")

	// ErrTransientRPC: chain-collaborator timeout / 5xx. Swallowed at
	// the balance-aggregation seam; propagated at the submission seam.
	ErrTransientRPC = errors.New("transient rpc error")

	// ErrTransientBridgeAPI: adapter quote/status failure. Swallowed
	// inside the planner; propagated during send.
	ErrTransientBridgeAPI = errors.New("transient bridge api error")

	// ErrBridgeProtocol: adapter returned a structurally invalid
	// response or asserted an invariant. Always propagated.
	ErrBridgeProtocol = errors.New("bridge protocol error")

	// ErrUniqueEarmarkConflict: race with another planner instance;
	// handled locally by re-read.
	ErrUniqueEarmarkConflict = errors.New("unique earmark conflict")

	// ErrBelowMinimum: planner-level, skip bridge, try next preference.
	ErrBelowMinimum = errors.New("below bridge minimum")

	// ErrDatabaseWriteAfterSend: a confirmed on-chain receipt exists
	// but persistence failed. Logged at critical level by the caller,
	// re-raised for operator reconciliation.
	ErrDatabaseWriteAfterSend = errors.New("database write failed after confirmed send")

	// ErrPolicyRejected: paused, unsupported recipient, or invalid
	// admin request.
	ErrPolicyRejected = errors.New("policy rejected")

	// ErrNotFound is returned by stores and the admin surface for
	// missing rows.
	ErrNotFound = errors.New("not found")
)

// Is reports whether err (or anything it wraps) is kind.
func Is(err, kind error) bool {
	return errors.Is(err, kind)
}
