package exchange

import "fmt"

// Kind classifies an exchange error for retry and alerting decisions.
type Kind string

const (
	KindTransport      Kind = "TRANSPORT"
	KindRateLimited    Kind = "RATE_LIMITED"
	KindRejected       Kind = "REJECTED"
	KindInvalidRequest Kind = "INVALID_REQUEST"
	KindConfig         Kind = "CONFIG"
	KindInvariant      Kind = "INVARIANT"
)

// Error wraps a lower-level cause with a Kind the rest of the system can
// switch on without string matching.
type Error struct {
	Kind    Kind
	Op      string
	Cause   error
	Retriable bool
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// retriableStatus is the set of HTTP status codes the Exchange Adapter
// treats as transient and worth retrying with backoff.
var retriableStatus = map[int]bool{
	408: true, 429: true, 500: true, 502: true, 503: true, 504: true,
}

// classifyStatus maps an HTTP status code to an error Kind and whether the
// retry policy should apply.
func classifyStatus(op string, status int, cause error) *Error {
	switch {
	case status == 429:
		return &Error{Kind: KindRateLimited, Op: op, Cause: cause, Retriable: true}
	case retriableStatus[status]:
		return &Error{Kind: KindTransport, Op: op, Cause: cause, Retriable: true}
	case status == 400 || status == 422:
		return &Error{Kind: KindInvalidRequest, Op: op, Cause: cause, Retriable: false}
	case status >= 400:
		return &Error{Kind: KindRejected, Op: op, Cause: cause, Retriable: false}
	default:
		return &Error{Kind: KindTransport, Op: op, Cause: cause, Retriable: false}
	}
}
