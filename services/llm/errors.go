// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"bytes"
	"errors"
	"fmt"
)

// ModelErrorType categorizes failed upstream operations.
type ModelErrorType int

const (
	// ModelErrorNotFound indicates the model does not exist in Ollama.
	ModelErrorNotFound ModelErrorType = iota

	// ModelErrorPullFailed indicates the model download failed.
	ModelErrorPullFailed

	// ModelErrorConnectionFailed indicates Ollama is not reachable.
	ModelErrorConnectionFailed

	// ModelErrorInvalidResponse indicates Ollama returned an unexpected
	// status or body.
	ModelErrorInvalidResponse

	// ModelErrorContextCancelled indicates the operation was cancelled.
	ModelErrorContextCancelled

	// ModelErrorStreamFailed indicates a streamed response reported an
	// error or broke off mid-read.
	ModelErrorStreamFailed
)

// String returns the error type as a string for logging.
func (t ModelErrorType) String() string {
	switch t {
	case ModelErrorNotFound:
		return "MODEL_NOT_FOUND"
	case ModelErrorPullFailed:
		return "PULL_FAILED"
	case ModelErrorConnectionFailed:
		return "CONNECTION_FAILED"
	case ModelErrorInvalidResponse:
		return "INVALID_RESPONSE"
	case ModelErrorContextCancelled:
		return "CONTEXT_CANCELLED"
	case ModelErrorStreamFailed:
		return "STREAM_FAILED"
	default:
		return "UNKNOWN"
	}
}

// ModelError provides structured error information for upstream calls.
type ModelError struct {
	// Type categorizes the error for programmatic handling.
	Type ModelErrorType

	// Model is the name of the model involved, if any.
	Model string

	// Message is a human-readable error description.
	Message string

	// Detail carries the upstream's own message or the transport error.
	Detail string

	// Remediation suggests how to fix the issue.
	Remediation string
}

// Error returns the message followed by the upstream detail.
func (e *ModelError) Error() string {
	if e.Detail == "" {
		return e.Message
	}
	return e.Message + ": " + e.Detail
}

// FullError returns a detailed error message including remediation.
func (e *ModelError) FullError() string {
	var buf bytes.Buffer
	buf.WriteString(e.Message)
	if e.Model != "" {
		buf.WriteString(fmt.Sprintf(" (model: %s)", e.Model))
	}
	if e.Detail != "" {
		buf.WriteString("\n\nDetails: ")
		buf.WriteString(e.Detail)
	}
	if e.Remediation != "" {
		buf.WriteString("\n\nTo fix:\n")
		buf.WriteString(e.Remediation)
	}
	return buf.String()
}

// IsModelError reports whether err is a *ModelError of type t.
func IsModelError(err error, t ModelErrorType) bool {
	var me *ModelError
	return errors.As(err, &me) && me.Type == t
}
