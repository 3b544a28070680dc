package domain

import (
	"errors"
	"fmt"
)

// ValidationError is a malformed or incomplete request. Nothing was changed.
type ValidationError struct {
	Field string
	Msg   string
	Err   error
}

func (e ValidationError) Error() string {
	if e.Msg != "" && e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Msg)
	}
	if e.Msg != "" {
		return e.Msg
	}
	if e.Field != "" {
		return fmt.Sprintf("invalid %s", e.Field)
	}
	return "validation error"
}

func (e ValidationError) Unwrap() error { return e.Err }

// UpstreamError is a failure of an external collaborator (recognizer,
// registry). Nothing was changed; the caller may retry.
type UpstreamError struct {
	Service string
	Err     error
}

func (e UpstreamError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s unavailable", e.Service)
	}
	return fmt.Sprintf("%s unavailable: %v", e.Service, e.Err)
}

func (e UpstreamError) Unwrap() error { return e.Err }

// CommitError is a failed store transaction. None of its writes were
// applied; the trip stays in-progress and is retried by the next sweep.
type CommitError struct {
	Op  string
	Err error
}

func (e CommitError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("commit failed: %v", e.Err)
	}
	return fmt.Sprintf("%s: commit failed: %v", e.Op, e.Err)
}

func (e CommitError) Unwrap() error { return e.Err }

// NotFoundError is an unknown zone, trip or owner id.
type NotFoundError struct {
	Resource string
	ID       string
	Err      error
}

func (e NotFoundError) Error() string {
	switch {
	case e.Resource == "":
		return "not found"
	case e.ID == "":
		return fmt.Sprintf("%s not found", e.Resource)
	default:
		return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
	}
}

func (e NotFoundError) Unwrap() error { return e.Err }

func IsValidation(err error) bool {
	var target ValidationError
	return errors.As(err, &target)
}

func IsUpstream(err error) bool {
	var target UpstreamError
	return errors.As(err, &target)
}

func IsCommit(err error) bool {
	var target CommitError
	return errors.As(err, &target)
}

func IsNotFound(err error) bool {
	var target NotFoundError
	return errors.As(err, &target)
}
