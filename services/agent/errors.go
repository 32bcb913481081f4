// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agent

import "errors"

// Sentinel errors for the agent package.
var (
	// ErrMaxTurnsExceeded indicates the model kept calling tools past the
	// turn limit.
	ErrMaxTurnsExceeded = errors.New("maximum model turns exceeded")

	// ErrEmptyMessage indicates the user message is empty.
	ErrEmptyMessage = errors.New("message must not be empty")

	// ErrNoTools indicates the run has no tool set.
	ErrNoTools = errors.New("tool set is required")

	// ErrLLMUnavailable wraps failures of the model call.
	ErrLLMUnavailable = errors.New("LLM service unavailable")
)
