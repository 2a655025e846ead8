package submission

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/kalambet/acctintel/internal/account"
	"github.com/kalambet/acctintel/internal/analysisapi"
)

type Kind string

const (
	MalformedInput    Kind = "malformed_input"
	SubmissionFailed  Kind = "submission_failed"
	StatusUnavailable Kind = "status_unavailable"
	ResultUnavailable Kind = "result_unavailable"
	AnalysisTimedOut  Kind = "analysis_timed_out"
	AnalysisFailed    Kind = "analysis_failed"
	Cancelled         Kind = "cancelled"
)

// ErrorMarker starts every failure text written into a conversation.
const ErrorMarker = "[error]"

// Error is the failure of one submission.
type Error struct {
	Kind       Kind                `json:"kind"`
	Message    string              `json:"message"`
	HTTPStatus int                 `json:"http_status,omitempty"`
	Fields     account.FieldErrors `json:"fields,omitempty"`
	Err        error               `json:"-"`
}

func (e *Error) Error() string {
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("%s: %s (HTTP %d)", e.Kind, e.Message, e.HTTPStatus)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of a *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// remoteError tags a failed service call. The service's own message is kept
// when there is one.
func remoteError(kind Kind, err error) *Error {
	e := &Error{Kind: kind, Message: err.Error(), Err: err}
	var apiErr *analysisapi.Error
	if errors.As(err, &apiErr) {
		e.Message = apiErr.Message
		e.HTTPStatus = apiErr.StatusCode
	} else if errors.Is(err, context.DeadlineExceeded) {
		e.Message = "the analysis service did not answer in time"
	}
	return e
}

// retryable reports whether a failed poll is worth repeating. Client errors
// other than timeouts and rate limits will not change on retry.
func retryable(err error) bool {
	code := analysisapi.StatusCode(err)
	if code == 0 {
		return true
	}
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return true
	}
	return code >= 500
}
