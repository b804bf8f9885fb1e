package util

import (
	"errors"
	"fmt"
	"maps"

	"github.com/sirupsen/logrus"
)

// ContextualError carries a log message and structured fields alongside the
// error that caused it, so the error can be matched with errors.Is and logged
// with all of its context in one place.
type ContextualError struct {
	RealError error
	Fields    map[string]any
	Context   string
}

func NewContextualError(msg string, fields map[string]any, realError error) *ContextualError {
	return &ContextualError{Context: msg, Fields: fields, RealError: realError}
}

// ContextualizeIfNeeded is a helper function to turn an error into a ContextualError if it is not already one
func ContextualizeIfNeeded(msg string, err error) error {
	var ce *ContextualError
	if errors.As(err, &ce) {
		return err
	}
	return NewContextualError(msg, nil, err)
}

// LogWithContextIfNeeded logs err with its fields when it is, or wraps, a
// ContextualError and falls back to msg otherwise.
func LogWithContextIfNeeded(msg string, err error, l logrus.FieldLogger) {
	var ce *ContextualError
	if errors.As(err, &ce) {
		ce.Log(l)
		return
	}
	l.WithError(err).Error(msg)
}

// WithFields returns a copy of the error with extra fields merged in. Existing
// keys win.
func (ce *ContextualError) WithFields(fields map[string]any) *ContextualError {
	merged := make(map[string]any, len(ce.Fields)+len(fields))
	maps.Copy(merged, fields)
	maps.Copy(merged, ce.Fields)
	return &ContextualError{RealError: ce.RealError, Fields: merged, Context: ce.Context}
}

func (ce *ContextualError) Error() string {
	if ce.RealError == nil {
		return ce.Context
	}
	return fmt.Errorf("%s (%v): %w", ce.Context, ce.Fields, ce.RealError).Error()
}

func (ce *ContextualError) Unwrap() error {
	if ce.RealError == nil {
		return errors.New(ce.Context)
	}
	return ce.RealError
}

func (ce *ContextualError) Log(lr logrus.FieldLogger) {
	if ce.RealError != nil {
		lr.WithFields(ce.Fields).WithError(ce.RealError).Error(ce.Context)
	} else {
		lr.WithFields(ce.Fields).Error(ce.Context)
	}
}
