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
	"encoding/json"
	"fmt"
)

// Envelope statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Envelope is the uniform outcome of a task operation.
//
// The JSON shape is stable across operations and transports:
//
//	{"status": "success", "data": {...}}
//	{"status": "error", "error": "Task not found"}
type Envelope struct {
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Success wraps data in a success envelope.
func Success(data any) Envelope {
	return Envelope{Status: StatusSuccess, Data: data}
}

// Failure builds an error envelope with a human-readable message.
func Failure(format string, args ...any) Envelope {
	return Envelope{Status: StatusError, Error: fmt.Sprintf(format, args...)}
}

// OK reports whether the envelope is a success.
func (e Envelope) OK() bool {
	return e.Status == StatusSuccess
}

// JSON renders the envelope as a JSON string. Rendering never fails for the
// payload types produced in this package; anything else degrades to an error
// envelope so callers always get valid JSON.
func (e Envelope) JSON() string {
	b, err := json.Marshal(e)
	if err != nil {
		b, _ = json.Marshal(Failure("Failed to encode result: %v", err))
	}
	return string(b)
}

// DecodeEnvelope parses the JSON form produced by Envelope.JSON. Data is left
// as generic JSON values (maps, slices, strings, numbers).
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Status != StatusSuccess && env.Status != StatusError {
		return Envelope{}, fmt.Errorf("decode envelope: unknown status %q", env.Status)
	}
	return env, nil
}
