// Package report is the structured sink every jail operation logs through.
// The Policy decides what happens to fatal errors: embedded callers get the
// typed error back untouched, the CLI logs it where it happened.
package report

import (
	"errors"
	"io"
	"log/slog"
)

type Policy interface {
	Fail(log *slog.Logger, err error) error
}

// ReturnPolicy hands fatal errors back to the caller without logging them.
type ReturnPolicy struct{}

func (ReturnPolicy) Fail(_ *slog.Logger, err error) error {
	return err
}

// ExitPolicy logs fatal errors at the point of failure and marks them as
// reported so main can exit non-zero without printing them twice.
type ExitPolicy struct{}

func (ExitPolicy) Fail(log *slog.Logger, err error) error {
	if err == nil || IsReported(err) {
		return err
	}
	log.Error(err.Error())
	return &reportedError{err: err}
}

type reportedError struct {
	err error
}

func (r *reportedError) Error() string { return r.err.Error() }
func (r *reportedError) Unwrap() error { return r.err }

func IsReported(err error) bool {
	var r *reportedError
	return errors.As(err, &r)
}

type Sink struct {
	log    *slog.Logger
	policy Policy
	silent bool
}

func New(log *slog.Logger, policy Policy) *Sink {
	if policy == nil {
		policy = ReturnPolicy{}
	}
	return &Sink{log: log, policy: policy}
}

// Discard returns a sink that drops everything and returns errors as is.
func Discard() *Sink {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)), ReturnPolicy{})
}

// Silent returns a copy that suppresses info and warning output.
func (s *Sink) Silent() *Sink {
	c := *s
	c.silent = true
	return &c
}

func (s *Sink) Logger() *slog.Logger {
	return s.log
}

func (s *Sink) Info(msg string, args ...any) {
	if s.silent {
		return
	}
	s.log.Info(msg, args...)
}

func (s *Sink) Warn(msg string, args ...any) {
	if s.silent {
		return
	}
	s.log.Warn(msg, args...)
}

func (s *Sink) Error(msg string, args ...any) {
	s.log.Error(msg, args...)
}

func (s *Sink) Debug(msg string, args ...any) {
	s.log.Debug(msg, args...)
}

// Step reports the outcome of one labelled shell-out as "  + label OK" or
// "  + label FAILED".
func (s *Sink) Step(label string, err error) {
	if err != nil {
		s.Warn("  + "+label+" FAILED", "error", err)
		return
	}
	s.Info("  + " + label + " OK")
}

// Exception passes a fatal error through the policy. Nil stays nil.
func (s *Sink) Exception(err error) error {
	if err == nil {
		return nil
	}
	return s.policy.Fail(s.log, err)
}
