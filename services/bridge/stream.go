// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bridge

import (
	"context"
	"time"

	"github.com/AleutianAI/AleutianTasks/services/agent"
)

// streamBuffer bounds how far the producer can run ahead of the consumer.
const streamBuffer = 32

// Stream is a running, cancellable message run.
//
// # Description
//
// Events arrive on Events() in order and the channel is closed after the
// last one. A successful run ends with EventDone; a failed one with
// EventError carrying ApologyText. A cancelled stream may end without a
// terminal event. A Stream is not restartable.
//
// The binding is released exactly once, before Events() is closed, however
// the run ends.
//
// # Thread Safety
//
// Events() has a single consumer. Close may be called from any goroutine
// and more than once.
type Stream struct {
	events chan agent.Event
	cancel context.CancelFunc
	done   chan struct{}
	result Result
}

// Stream starts processing a message in the background.
//
// # Inputs
//
//   - ctx: Parent context. Cancelling it stops the run like Close does.
//   - userID, message, history: As for Run.
//
// # Outputs
//
//   - *Stream: Handle for consuming events. The caller must drain Events()
//     or call Close.
func (b *Bridge) Stream(ctx context.Context, userID, message string, history []agent.Message) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		events: make(chan agent.Event, streamBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go b.produce(ctx, s, userID, message, history)
	return s
}

// Events returns the event channel.
func (s *Stream) Events() <-chan agent.Event {
	return s.events
}

// Close cancels the run and waits for the producer to finish.
func (s *Stream) Close() {
	s.cancel()
	<-s.done
}

// Done is closed when the producer has finished.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Result returns the final outcome. It is valid once Done is closed.
func (s *Stream) Result() Result {
	<-s.done
	return s.result
}

func (s *Stream) send(ctx context.Context, ev agent.Event) error {
	select {
	case s.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bridge) produce(ctx context.Context, s *Stream, userID, message string, history []agent.Message) {
	defer close(s.done)
	defer close(s.events)
	defer s.cancel()

	start := time.Now()
	mode := b.binder.Mode()
	defer func() {
		if r := recover(); r != nil {
			s.result = b.degrade(userID, start, "panic", panicError(r))
			_ = s.send(ctx, errorEvent(s.result))
		}
	}()

	binding, err := b.binder.Bind(ctx, userID)
	if err != nil {
		s.result = b.degrade(userID, start, "bind", err)
		_ = s.send(ctx, errorEvent(s.result))
		return
	}
	defer b.release(binding, userID)

	emit := func(ev agent.Event) error {
		return s.send(ctx, ev)
	}
	out, err := b.runner.RunStream(ctx, agent.Input{
		Instructions: binding.Instructions,
		History:      history,
		Message:      message,
		Tools:        binding.Tools,
	}, emit)
	if err != nil {
		s.result = b.degrade(userID, start, "stream", err)
		_ = s.send(ctx, errorEvent(s.result))
		return
	}

	b.observeCalls(out.ToolCalls)
	b.observer.ObserveRun(mode, OutcomeOK, time.Since(start))
	s.result = Result{
		Response:   out.Response,
		ToolCalls:  out.ToolCalls,
		Model:      firstNonEmpty(out.Model, binding.Model),
		TokensUsed: out.TokensUsed,
	}
	_ = s.send(ctx, agent.Event{
		Type:      agent.EventDone,
		Response:  s.result.Response,
		ToolCalls: s.result.ToolCalls,
		Model:     s.result.Model,
	})
}

func errorEvent(r Result) agent.Event {
	return agent.Event{
		Type:     agent.EventError,
		Response: r.Response,
		Error:    r.Error,
	}
}
