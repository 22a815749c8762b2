package status

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrBadID indicates a malformed or missing document or revision identifier.
	ErrBadID = errors.New("revdb: bad id")
	// ErrBadRequest indicates a malformed document body.
	ErrBadRequest = errors.New("revdb: bad request")
	// ErrConflict indicates a write that lost a race against the current leaf revision.
	ErrConflict = errors.New("revdb: conflict")
	// ErrForbidden indicates a validation callback rejected the write.
	ErrForbidden = errors.New("revdb: forbidden")
	// ErrBadAttachment indicates inconsistent attachment metadata.
	ErrBadAttachment = errors.New("revdb: bad attachment")
	// ErrAttachmentError indicates an I/O failure while installing or reading a blob.
	ErrAttachmentError = errors.New("revdb: attachment error")
	// ErrNotFound indicates a missing document, revision, attachment or blob.
	ErrNotFound = errors.New("revdb: not found")
	// ErrUnauthorized indicates an encrypted store was opened without a usable key.
	ErrUnauthorized = errors.New("revdb: unauthorized")
	// ErrException indicates an unexpected internal fault.
	ErrException = errors.New("revdb: exception")
)

// Error is a coded failure. The code is "<operation>.<reason>"; the kind is one of the sentinel
// errors above.
type Error struct {
	code    string
	kind    error
	message string
	err     error
}

// New builds a coded error for operation and reason.
func New(operation, reason string, kind error, cause error) error {
	return &Error{code: fmt.Sprintf("%s.%s", operation, reason), kind: kind, err: cause}
}

// Rejected builds a coded error carrying a human readable message, used for validation rejections.
func Rejected(operation, reason string, kind error, message string) error {
	return &Error{code: fmt.Sprintf("%s.%s", operation, reason), kind: kind, message: message}
}

func (e *Error) Error() string {
	switch {
	case e.message != "":
		return fmt.Sprintf("%s: %s", e.code, e.message)
	case e.err != nil:
		return fmt.Sprintf("%s: %v", e.code, e.err)
	default:
		return e.code
	}
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	unwrapped := make([]error, 0, 2)
	if e.kind != nil {
		unwrapped = append(unwrapped, e.kind)
	}
	if e.err != nil {
		unwrapped = append(unwrapped, e.err)
	}
	return unwrapped
}

// Code returns the dotted operation code.
func (e *Error) Code() string {
	return e.code
}

// Kind returns the sentinel kind.
func (e *Error) Kind() error {
	return e.kind
}

// Message returns the rejection message, if any.
func (e *Error) Message() string {
	return e.message
}

// KindOf returns the sentinel kind of err, or ErrException when err carries none.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range []error{
		ErrBadID, ErrBadRequest, ErrConflict, ErrForbidden, ErrBadAttachment,
		ErrAttachmentError, ErrNotFound, ErrUnauthorized, ErrException,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return ErrException
}

// HTTPStatus maps an error to the numeric status used on the wire.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case nil:
		return http.StatusOK
	case ErrBadID, ErrBadRequest, ErrBadAttachment:
		return http.StatusBadRequest
	case ErrConflict:
		return http.StatusConflict
	case ErrForbidden:
		return http.StatusForbidden
	case ErrNotFound:
		return http.StatusNotFound
	case ErrUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
