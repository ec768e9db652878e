// Package agerr classifies errors along the taxonomy agenr's pipelines use
// to decide retry vs. dead-letter vs. abort behavior.
package agerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is one node of the error taxonomy.
type Kind string

const (
	Config          Kind = "CONFIG"
	Auth            Kind = "AUTH"
	IO              Kind = "IO"
	Parse           Kind = "PARSE"
	LLMTransient    Kind = "LLM_TRANSIENT"
	LLMPermanent    Kind = "LLM_PERMANENT"
	EmbedTransient  Kind = "EMBED_TRANSIENT"
	EmbedPermanent  Kind = "EMBED_PERMANENT"
	DedupLLM        Kind = "DEDUP_LLM"
	Storage         Kind = "STORAGE"
	Backpressure    Kind = "BACKPRESSURE"
	Cancelled       Kind = "CANCELLED"
)

// Error wraps an underlying error with a taxonomy Kind.
type Error struct {
	kind Kind
	err  error
}

func New(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, err: err}
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.kind, e.err) }
func (e *Error) Unwrap() error { return e.err }
func (e *Error) Kind() Kind    { return e.kind }

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error; otherwise it falls back to transient-error heuristics over the
// error text, the way an upstream system without typed errors would be
// classified.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	if isTransientText(err.Error()) {
		return LLMTransient
	}
	return Storage
}

// IsTransient reports whether err should be retried rather than
// dead-lettered.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case LLMTransient, EmbedTransient, Backpressure:
		return true
	default:
		return false
	}
}

// isTransientText applies the same string-matching heuristic used
// throughout this codebase's message-handling paths for providers that
// don't expose a structured error kind.
func isTransientText(msg string) bool {
	m := strings.ToLower(msg)
	for _, s := range []string{"timeout", "temporary", "temporarily unavailable", "transient", "retry", "too many requests", "rate limit", "connection reset"} {
		if strings.Contains(m, s) {
			return true
		}
	}
	return false
}
