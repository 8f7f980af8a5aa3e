package mailbox

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dhcgn/imap-to-files/model"
)

var ErrSessionClosed = errors.New("mailbox session closed")

// Session is an authenticated connection to a mail server. Implementations
// are not safe for concurrent use; Actor serialises every call.
type Session interface {
	// Select opens folder and returns the number of messages in it.
	Select(folder string) (uint32, error)
	// Fetch retrieves one field of message number.
	Fetch(number uint32, field model.Field) (model.FieldContent, error)
	Logout() error
	Close() error
}

// SelectError is fatal for a run.
type SelectError struct {
	Folder string
	Err    error
}

func (e *SelectError) Error() string {
	return fmt.Sprintf("select folder %q: %v", e.Folder, e.Err)
}

func (e *SelectError) Unwrap() error {
	return e.Err
}

// FetchError reports a failed fetch of a single field.
type FetchError struct {
	Number uint32
	Field  model.Field
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s of message %d: %v", e.Field, e.Number, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// FieldStatus is the outcome of one field while materializing a message.
type FieldStatus string

const (
	StatusOK         FieldStatus = "ok"
	StatusFailed     FieldStatus = "failed"
	StatusNotFetched FieldStatus = "not_fetched"
)

// MaterializeError reports which fields of a message could not be fetched.
// No Message is produced when it is returned.
type MaterializeError struct {
	Number uint32
	Status map[model.Field]FieldStatus
	Errs   []error
}

func newMaterializeError(number uint32) *MaterializeError {
	status := make(map[model.Field]FieldStatus, len(model.AllFields))
	for _, f := range model.AllFields {
		status[f] = StatusNotFetched
	}
	return &MaterializeError{Number: number, Status: status}
}

func (e *MaterializeError) Error() string {
	parts := make([]string, 0, len(model.AllFields))
	for _, f := range model.AllFields {
		parts = append(parts, fmt.Sprintf("%s=%s", f, e.Status[f]))
	}
	return fmt.Sprintf("materialize message %d: %s: %v", e.Number, strings.Join(parts, ", "), errors.Join(e.Errs...))
}

func (e *MaterializeError) Unwrap() []error {
	return e.Errs
}

// LogAttrs returns the per-field outcome as slog key/value pairs.
func (e *MaterializeError) LogAttrs() []any {
	attrs := make([]any, 0, 2*len(model.AllFields))
	for _, f := range model.AllFields {
		attrs = append(attrs, f.String(), string(e.Status[f]))
	}
	return attrs
}

func (e *MaterializeError) record(field model.Field, err error) {
	if err != nil {
		e.Status[field] = StatusFailed
		e.Errs = append(e.Errs, err)
		return
	}
	e.Status[field] = StatusOK
}

func (e *MaterializeError) failed() bool {
	return len(e.Errs) > 0
}
