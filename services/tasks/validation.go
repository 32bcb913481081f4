// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tasks

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
)

// Messages reported to the agent for invalid input. They are part of the
// tool contract and must not change between transports.
const (
	msgTitle       = "Title must be between 1 and 200 characters"
	msgDescription = "Description must be 1000 characters or less"
	msgUserID      = "User ID must be between 1 and 255 characters"
	msgStatus      = "Status must be one of: all, pending, completed"
	msgNoFields    = "At least one of title or description must be provided"
	msgNotFound    = "Task not found"
)

// fieldMessages maps struct field names to their fixed messages.
var fieldMessages = map[string]string{
	"Title":       msgTitle,
	"Description": msgDescription,
	"UserID":      msgUserID,
	"Status":      msgStatus,
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// validatorInstance returns the shared validator. validator.Validate caches
// struct metadata and is safe for concurrent use.
func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		if err := validate.RegisterValidation("notblank", validators.NotBlank); err != nil {
			panic(fmt.Sprintf("register notblank validator: %v", err))
		}
	})
	return validate
}

// Field order matters: the first failing field decides the message.
type createInput struct {
	Title       string  `validate:"notblank,max=200"`
	Description *string `validate:"omitempty,max=1000"`
	UserID      string  `validate:"required,max=255"`
}

type updateInput struct {
	Title       *string `validate:"omitempty,notblank,max=200"`
	Description *string `validate:"omitempty,max=1000"`
	UserID      string  `validate:"required,max=255"`
}

type listInput struct {
	UserID string `validate:"required,max=255"`
	Status string `validate:"oneof=all pending completed"`
}

type ownerInput struct {
	UserID string `validate:"required,max=255"`
}

// ValidationError carries the user-facing message of a failed check.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return e.Message
}

// Unwrap lets callers match ErrValidation with errors.Is.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// check validates input and returns the first failure as a *ValidationError.
func check(input any) error {
	err := validatorInstance().Struct(input)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		field := fieldErrs[0].StructField()
		msg, ok := fieldMessages[field]
		if !ok {
			msg = fmt.Sprintf("Invalid %s", field)
		}
		return &ValidationError{Field: field, Message: msg}
	}
	return &ValidationError{Message: fmt.Sprintf("Validation error: %v", err)}
}
