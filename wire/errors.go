package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable wire-level error identifier.
type Code string

const (
	// Auth boundary (raised by collaborators, consumed here for completeness)
	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeForbidden    Code = "FORBIDDEN"

	// Validation
	CodeInvalidOffset          Code = "INVALID_OFFSET"
	CodeEmptyBody              Code = "EMPTY_BODY"
	CodeEmptyQueryParam        Code = "EMPTY_QUERY_PARAM"
	CodeInvalidContentLength   Code = "INVALID_CONTENT_LENGTH"
	CodeContentLengthMismatch  Code = "CONTENT_LENGTH_MISMATCH"
	CodeContentTypeRequired    Code = "CONTENT_TYPE_REQUIRED"
	CodeMissingProjectOrStream Code = "MISSING_PROJECT_OR_STREAM_ID"
	CodeInvalidJSON            Code = "INVALID_JSON"
	CodeOffsetRequired         Code = "OFFSET_REQUIRED"
	CodeOffsetBeyondTail       Code = "OFFSET_BEYOND_TAIL"
	CodeInvalidExpiresAt       Code = "INVALID_EXPIRES_AT"
	CodeInvalidTTL             Code = "INVALID_TTL"

	// Limits
	CodePayloadTooLarge      Code = "PAYLOAD_TOO_LARGE"
	CodeStorageQuotaExceeded Code = "STORAGE_QUOTA_EXCEEDED"

	// Stream conflicts
	CodeContentTypeMismatch        Code = "CONTENT_TYPE_MISMATCH"
	CodeStreamClosed               Code = "STREAM_CLOSED"
	CodeStreamClosedStatusMismatch Code = "STREAM_CLOSED_STATUS_MISMATCH"
	CodeStreamTTLMismatch          Code = "STREAM_TTL_MISMATCH"
	CodeStreamSeqRegression        Code = "STREAM_SEQ_REGRESSION"

	// Idempotent producers
	CodeStaleProducerEpoch         Code = "STALE_PRODUCER_EPOCH"
	CodeProducerSequenceGap        Code = "PRODUCER_SEQUENCE_GAP"
	CodeProducerSeqMustStartAtZero Code = "PRODUCER_SEQ_MUST_START_AT_ZERO"
	CodeProducerHeadersIncomplete  Code = "PRODUCER_HEADERS_INCOMPLETE"
	CodeProducerIDInvalid          Code = "PRODUCER_ID_INVALID"
	CodeProducerEpochSeqNotInts    Code = "PRODUCER_EPOCH_SEQ_NOT_INTEGERS"
	CodeProducerEpochSeqOverflow   Code = "PRODUCER_EPOCH_SEQ_OVERFLOW"
	CodeProducerEvalFailed         Code = "PRODUCER_EVAL_FAILED"

	// Not found
	CodeStreamNotFound  Code = "STREAM_NOT_FOUND"
	CodeProjectNotFound Code = "PROJECT_NOT_FOUND"

	// Cold storage
	CodeSegmentUnavailable Code = "SEGMENT_UNAVAILABLE"
	CodeSegmentMissing     Code = "SEGMENT_MISSING"
	CodeSegmentTruncated   Code = "SEGMENT_TRUNCATED"
	CodeBatchBuildFailed   Code = "BATCH_BUILD_FAILED"

	// Internal
	CodeInternal Code = "INTERNAL_ERROR"

	// Realtime
	CodeTooManySSEConnections    Code = "TOO_MANY_SSE_CONNECTIONS"
	CodeWebSocketUpgradeRequired Code = "WEBSOCKET_UPGRADE_REQUIRED"
)

// Error is a tagged protocol error carrying the HTTP status and wire code.
// Extra response headers (e.g. Producer-Expected-Seq) ride along in Headers.
type Error struct {
	Status  int
	Code    Code
	Message string
	Headers map[string]string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New creates a wire error.
func New(status int, code Code, message string) *Error {
	return &Error{Status: status, Code: code, Message: message}
}

// Newf creates a wire error with a formatted message.
func Newf(status int, code Code, format string, args ...any) *Error {
	return &Error{Status: status, Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithHeader attaches an extra response header to the error.
func (e *Error) WithHeader(name, value string) *Error {
	if e.Headers == nil {
		e.Headers = make(map[string]string, 1)
	}
	e.Headers[name] = value
	return e
}

// IsCode reports whether err is a wire error with the given code.
func IsCode(err error, code Code) bool {
	var we *Error
	return errors.As(err, &we) && we.Code == code
}

// errorBody is the JSON wire shape of an error response.
type errorBody struct {
	Code  Code   `json:"code"`
	Error string `json:"error"`
}

// WriteError translates err into the protocol error response. Unknown errors
// become INTERNAL_ERROR without leaking their message.
func WriteError(w http.ResponseWriter, err error) {
	we := From(err)
	for name, value := range we.Headers {
		w.Header().Set(name, value)
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(we.Status)
	body, _ := json.Marshal(errorBody{Code: we.Code, Error: we.Message})
	w.Write(body)
}

// From normalizes any error into a wire error.
func From(err error) *Error {
	var we *Error
	if errors.As(err, &we) {
		return we
	}
	return &Error{Status: http.StatusInternalServerError, Code: CodeInternal, Message: "internal server error"}
}
