// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package toolconn

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by Acquire after the manager has been closed.
var ErrClosed = errors.New("tool connection manager closed")

// ConstructionError reports that the shared connection could not be built.
// The manager stays uninitialized and the next Acquire tries again.
type ConstructionError struct {
	Endpoint string
	Err      error
}

func (e *ConstructionError) Error() string {
	return fmt.Sprintf("connect to tool server %s: %v", e.Endpoint, e.Err)
}

func (e *ConstructionError) Unwrap() error {
	return e.Err
}

// TransportError reports a failed round trip to the tool server. The tool
// may or may not have run.
type TransportError struct {
	Endpoint string
	Tool     string
	Err      error
}

func (e *TransportError) Error() string {
	if e.Tool == "" {
		return fmt.Sprintf("tool server %s: %v", e.Endpoint, e.Err)
	}
	return fmt.Sprintf("call %s on tool server %s: %v", e.Tool, e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
