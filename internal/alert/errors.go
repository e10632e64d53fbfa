package alert

import "github.com/linnemanlabs/go-core/xerrors"

// Sentinel errors for failures tied to a single source or operator request.
// Batch stages recover from these locally; operator-facing operations surface
// them to the caller unchanged.
var (
	// ErrAuthentication means a source's credential check failed. The source
	// is skipped for the run, other sources continue.
	ErrAuthentication = xerrors.New("source authentication failed")

	// ErrShieldNotFound means an operation referenced a shield that does not
	// exist or is not currently active.
	ErrShieldNotFound = xerrors.New("shield not found or inactive")

	// ErrEventNotFound means a cohort selection matched zero events.
	ErrEventNotFound = xerrors.New("no events matched")

	// ErrAlertNotFound means an operation targeted an alert that does not
	// exist or is already closed.
	ErrAlertNotFound = xerrors.New("alert not found or closed")

	// ErrInvalidTransition means a state change violated the alert
	// lifecycle rules.
	ErrInvalidTransition = xerrors.New("invalid alert transition")
)

// NormalizationError reports a raw alert that could not be turned into a
// canonical event. The offending item is skipped; the batch continues.
type NormalizationError struct {
	Field  string
	Reason string
}

func (e *NormalizationError) Error() string {
	return "normalize: field " + e.Field + ": " + e.Reason
}
