package structure

import (
	"errors"
	"fmt"
)

// ConfigError reports a malformed site definition. It is raised during
// parsing, before any crawling begins, and always cites the offending
// rule's source so the operator can fix the definition and re-run.
type ConfigError struct {
	Source string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("site config error: %s", e.Reason)
	if e.Source != "" {
		msg = fmt.Sprintf("%s (in %s)", msg, e.Source)
	}
	return msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

func configErrorf(source string, format string, args ...any) *ConfigError {
	return &ConfigError{Source: source, Reason: fmt.Sprintf(format, args...)}
}

// RuleResultError reports a user rule that produced no value where one was
// required, e.g. a file path template that did not match its URL.
type RuleResultError struct {
	Source string
	URL    string
}

func (e *RuleResultError) Error() string {
	return fmt.Sprintf("rule produced no result for %q: %s", e.URL, e.Source)
}

// AssertionError reports a page whose content failed a declared invariant
// check. Processing of that response is aborted; retry or skip policy is
// left to the host crawler.
type AssertionError struct {
	Source string
	URL    string
}

func (e *AssertionError) Error() string {
	return fmt.Sprintf("assertion failed on %q: %s", e.URL, e.Source)
}

// UnmatchedStartURLError reports a start URL that matched none of the root
// structures.
type UnmatchedStartURLError struct {
	URL string
}

func (e *UnmatchedStartURLError) Error() string {
	return fmt.Sprintf("start url %q matches no defined structure", e.URL)
}

// ErrBinaryContent distinguishes "this body is not text" from generic rule
// failures so debug tooling can branch to a binary-safe view.
var ErrBinaryContent = errors.New("body is not valid text")
