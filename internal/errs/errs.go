// Package errs holds the error taxonomy shared by the delivery path.
// Callers mark concrete failures with one of the sentinels below and test
// for them with errors.Is; the marks survive wrapping.
package errs

import (
	"fmt"
	"strings"

	cr "github.com/cockroachdb/errors"
)

var (
	// ErrConfiguration means the store or SMTP transport is not configured.
	ErrConfiguration = cr.New("not configured")

	ErrUnknownTemplate = cr.New("unknown template")
	ErrTemplateData    = cr.New("template data mismatch")

	// ErrTransport covers every SMTP failure (auth, timeout, DNS, refused).
	ErrTransport = cr.New("transport error")

	ErrStore      = cr.New("store error")
	ErrValidation = cr.New("validation error")
	ErrNotFound   = cr.New("not found")
)

func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return cr.Wrap(err, msg)
}

func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return cr.Wrapf(err, format, args...)
}

func New(msg string) error {
	return cr.New(msg)
}

func Newf(format string, args ...any) error {
	return cr.Newf(format, args...)
}

func Mark(err error, markErr error) error {
	if err == nil {
		return markErr
	}
	return cr.Mark(err, markErr)
}

func Is(err, target error) bool {
	return cr.Is(err, target)
}

func As(err error, target any) bool {
	return cr.As(err, target)
}

// ExtractStackLines returns at most maxLines lines of the verbose error
// rendering, including the stack trace recorded by cockroachdb/errors.
func ExtractStackLines(err error, maxLines int) []string {
	if err == nil {
		return nil
	}
	s := fmt.Sprintf("%+v", err)
	lines := strings.Split(s, "\n")
	if maxLines > 0 && len(lines) > maxLines {
		lines = lines[:maxLines]
	}
	return lines
}
