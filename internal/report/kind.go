package report

import "errors"

// ErrorKind tells the presentation layer which remediation to offer.
type ErrorKind string

const (
	KindNone              ErrorKind = ""
	KindSessionNotFound   ErrorKind = "session_not_found"
	KindComputationFailed ErrorKind = "report_computation_failed"
	KindUnknown           ErrorKind = "unknown"
)

// Action is the user-facing remediation for an error kind.
type Action string

const (
	ActionGoBack          Action = "go_back"
	ActionStartNewSession Action = "start_new_session"
	ActionRetry           Action = "retry"
)

// Kind classifies an Assemble error.
func Kind(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrSessionNotFound):
		return KindSessionNotFound
	case errors.Is(err, ErrReportComputationFailed):
		return KindComputationFailed
	default:
		return KindUnknown
	}
}

// ActionFor returns the remediation the UI should show for kind.
func ActionFor(kind ErrorKind) Action {
	switch kind {
	case KindSessionNotFound:
		return ActionGoBack
	case KindComputationFailed:
		return ActionStartNewSession
	default:
		return ActionRetry
	}
}
