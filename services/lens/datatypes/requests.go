// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the request and response bodies of the lens HTTP
// API together with their validation rules.
package datatypes

import (
	"errors"
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianLens/pkg/logging"
	"github.com/AleutianAI/AleutianLens/services/llm"
	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// lensValidate is the validator instance for request datatypes.
// Initialized in init() with custom validators.
var lensValidate *validator.Validate

func init() {
	lensValidate = validator.New()

	_ = lensValidate.RegisterValidation("notblank", validateNotBlank)
	_ = lensValidate.RegisterValidation("debuglevel", validateDebugLevel)
}

// validateNotBlank rejects strings that are empty after trimming whitespace.
func validateNotBlank(fl validator.FieldLevel) bool {
	return strings.TrimSpace(fl.Field().String()) != ""
}

// validateDebugLevel accepts any case-insensitive verbosity name.
func validateDebugLevel(fl validator.FieldLevel) bool {
	_, err := logging.ParseLevel(fl.Field().String())
	return err == nil
}

// validationMessage turns the first validator failure into a user-facing
// sentence. messages maps field names to the text for a failed rule.
func validationMessage(err error, messages map[string]string) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		if msg, ok := messages[verrs[0].Field()]; ok {
			return errors.New(msg)
		}
		return fmt.Errorf("invalid %s", strings.ToLower(verrs[0].Field()))
	}
	return err
}

// =============================================================================
// Model Selection
// =============================================================================

// SelectModelRequest is the body of POST /api/select-model. Accepted as JSON
// or form data.
type SelectModelRequest struct {
	Model string `json:"model" form:"model" validate:"notblank"`
}

// Validate checks that a model was named.
func (r *SelectModelRequest) Validate() error {
	r.Model = strings.TrimSpace(r.Model)
	if err := lensValidate.Struct(r); err != nil {
		return validationMessage(err, map[string]string{"Model": "No model specified"})
	}
	return nil
}

// SelectModelResponse is returned after a model is selected.
type SelectModelResponse struct {
	Status      string        `json:"status"`
	Model       string        `json:"model"`
	Message     string        `json:"message"`
	Vision      bool          `json:"vision"`
	Default     string        `json:"default_prompt"`
	Suggestions []string      `json:"suggestions"`
	FileTypes   llm.FileTypes `json:"file_types"`
}

// =============================================================================
// Debug Level
// =============================================================================

// DebugLevelRequest is the body of POST /api/debug-level. A missing level
// means INFO.
type DebugLevelRequest struct {
	Level string `json:"level" form:"level" validate:"debuglevel"`
}

// Normalize applies the INFO default and returns the canonical upper-case
// level name, or an error naming the accepted values.
func (r *DebugLevelRequest) Normalize() (string, error) {
	r.Level = strings.ToUpper(strings.TrimSpace(r.Level))
	if r.Level == "" {
		r.Level = logging.LevelInfo.String()
	}
	if err := lensValidate.Struct(r); err != nil {
		return r.Level, fmt.Errorf("Invalid debug level: %s. Must be one of %s",
			r.Level, strings.Join(logging.LevelNames, ", "))
	}
	return r.Level, nil
}

// DebugLevelResponse reports the process threshold and the session's
// stored preference.
type DebugLevelResponse struct {
	Status            string   `json:"status"`
	Level             string   `json:"level"`
	CurrentDebugLevel string   `json:"current_debug_level"`
	SessionLevel      string   `json:"session_level,omitempty"`
	Levels            []string `json:"levels"`
	Message           string   `json:"message,omitempty"`
}

// =============================================================================
// Pull / Abort
// =============================================================================

// PullRequest names the model to download. Accepted as JSON, form data or
// the name query parameter.
type PullRequest struct {
	Name string `json:"name" form:"name" validate:"notblank,max=256"`
}

// Validate checks the model name.
func (r *PullRequest) Validate() error {
	r.Name = strings.TrimSpace(r.Name)
	if err := lensValidate.Struct(r); err != nil {
		return validationMessage(err, map[string]string{"Name": "Model name is required"})
	}
	return nil
}

// AbortRequest optionally names the stream to abort.
type AbortRequest struct {
	RequestID string `json:"request_id" form:"request_id" validate:"omitempty,uuid"`
}

// Validate checks the request id format when one is given.
func (r *AbortRequest) Validate() error {
	r.RequestID = strings.TrimSpace(r.RequestID)
	if err := lensValidate.Struct(r); err != nil {
		return validationMessage(err, map[string]string{"RequestID": "Invalid request_id"})
	}
	return nil
}

// StatusResponse is the generic {status, message} body.
type StatusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}
