// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package relay

import (
	"errors"
	"fmt"
)

// ErrNoModelSelected is wrapped by the InputError returned when neither the
// request nor the session names a model.
var ErrNoModelSelected = errors.New("No model selected")

// ErrUploadFailed is reported in place of the underlying storage error when
// an upload cannot be saved or read back, so server paths stay private.
var ErrUploadFailed = errors.New("Could not store the uploaded file")

// InputError is a problem with the caller's request. It is detected before
// any upstream call and is never recorded in history.
type InputError struct {
	Message string
	Err     error
}

func (e *InputError) Error() string {
	return e.Message
}

func (e *InputError) Unwrap() error {
	return e.Err
}

func inputErrorf(format string, args ...interface{}) *InputError {
	return &InputError{Message: fmt.Sprintf(format, args...)}
}

// IsInputError reports whether err is, or wraps, an *InputError.
func IsInputError(err error) bool {
	var ie *InputError
	return errors.As(err, &ie)
}
