// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/AleutianAI/AleutianTasks/services/tasks"
)

// Tool names. They are part of the model-facing contract.
const (
	AddTask      = "add_task"
	ListTasks    = "list_tasks"
	CompleteTask = "complete_task"
	UpdateTask   = "update_task"
	DeleteTask   = "delete_task"
)

// UserIDParam is the extra argument the remote tool server requires. It is
// injected by the client and never shown to the model.
const UserIDParam = "user_id"

// UserIDParamDef describes UserIDParam in remote schemas.
var UserIDParamDef = ParamDef{
	Type:        ParamTypeString,
	Description: "Identifier of the user who owns the tasks",
	Required:    true,
	MinLength:   1,
	MaxLength:   tasks.MaxUserIDLength,
}

// =============================================================================
// Definitions
// =============================================================================

var (
	titleParam = ParamDef{
		Type:        ParamTypeString,
		Description: "Short title of the task",
		MinLength:   1,
		MaxLength:   tasks.MaxTitleLength,
	}
	descriptionParam = ParamDef{
		Type:        ParamTypeString,
		Description: "Optional longer description of the task",
		MaxLength:   tasks.MaxDescriptionLength,
	}
	taskIDParam = ParamDef{
		Type:        ParamTypeString,
		Description: "The task_id returned by add_task or list_tasks",
		Required:    true,
	}
)

func required(p ParamDef) ParamDef {
	p.Required = true
	return p
}

// TaskDefinitions returns the five task tool definitions, sorted by name.
func TaskDefinitions() []Definition {
	return []Definition{
		{
			Name:        AddTask,
			Description: "Create a new task for the user.",
			Parameters: map[string]ParamDef{
				"title":       required(titleParam),
				"description": descriptionParam,
			},
		},
		{
			Name:        CompleteTask,
			Description: "Mark a task as completed. Completing an already completed task is harmless.",
			Parameters: map[string]ParamDef{
				"task_id": taskIDParam,
			},
		},
		{
			Name:        DeleteTask,
			Description: "Permanently delete a task.",
			Parameters: map[string]ParamDef{
				"task_id": taskIDParam,
			},
			Destructive: true,
		},
		{
			Name:        ListTasks,
			Description: "List the user's tasks, oldest first. Use this to find a task_id by title.",
			Parameters: map[string]ParamDef{
				"status": {
					Type:        ParamTypeString,
					Description: "Which tasks to return",
					Enum:        []string{string(tasks.StatusAll), string(tasks.StatusPending), string(tasks.StatusCompleted)},
				},
			},
			ReadOnly: true,
		},
		{
			Name:        UpdateTask,
			Description: "Change the title and/or description of a task. Provide at least one of them.",
			Parameters: map[string]ParamDef{
				"task_id":     taskIDParam,
				"title":       titleParam,
				"description": descriptionParam,
			},
		},
	}
}

// =============================================================================
// Arguments
// =============================================================================

type addTaskArgs struct {
	Title       string  `json:"title"`
	Description *string `json:"description"`
}

type listTasksArgs struct {
	Status string `json:"status"`
}

type taskIDArgs struct {
	TaskID string `json:"task_id"`
}

type updateTaskArgs struct {
	TaskID      string  `json:"task_id"`
	Title       *string `json:"title"`
	Description *string `json:"description"`
}

// decodeArgs unmarshals tool arguments. Missing or null arguments decode as
// an empty object; unknown fields are ignored.
func decodeArgs(tool string, raw json.RawMessage, dst any) (tasks.Envelope, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return tasks.Envelope{}, true
	}
	if err := json.Unmarshal(trimmed, dst); err != nil {
		return tasks.Failure("Invalid arguments for %s: %v", tool, err), false
	}
	return tasks.Envelope{}, true
}

// =============================================================================
// Registry
// =============================================================================

// NewTaskRegistry registers the five task tools backed by svc.
//
// # Inputs
//
//   - svc: The task service. Must not be nil.
//
// # Outputs
//
//   - *Registry: Registry with add_task, list_tasks, complete_task,
//     update_task and delete_task.
func NewTaskRegistry(svc *tasks.Service) *Registry {
	handlers := map[string]Handler{
		AddTask: func(ctx context.Context, userID string, raw json.RawMessage) tasks.Envelope {
			var args addTaskArgs
			if env, ok := decodeArgs(AddTask, raw, &args); !ok {
				return env
			}
			return svc.Create(ctx, userID, args.Title, args.Description)
		},
		ListTasks: func(ctx context.Context, userID string, raw json.RawMessage) tasks.Envelope {
			var args listTasksArgs
			if env, ok := decodeArgs(ListTasks, raw, &args); !ok {
				return env
			}
			return svc.List(ctx, userID, args.Status)
		},
		CompleteTask: func(ctx context.Context, userID string, raw json.RawMessage) tasks.Envelope {
			var args taskIDArgs
			if env, ok := decodeArgs(CompleteTask, raw, &args); !ok {
				return env
			}
			return svc.Complete(ctx, userID, args.TaskID)
		},
		UpdateTask: func(ctx context.Context, userID string, raw json.RawMessage) tasks.Envelope {
			var args updateTaskArgs
			if env, ok := decodeArgs(UpdateTask, raw, &args); !ok {
				return env
			}
			return svc.Update(ctx, userID, args.TaskID, args.Title, args.Description)
		},
		DeleteTask: func(ctx context.Context, userID string, raw json.RawMessage) tasks.Envelope {
			var args taskIDArgs
			if env, ok := decodeArgs(DeleteTask, raw, &args); !ok {
				return env
			}
			return svc.Delete(ctx, userID, args.TaskID)
		},
	}

	registry := NewRegistry()
	for _, def := range TaskDefinitions() {
		registry.Register(Tool{Definition: def, Handler: handlers[def.Name]})
	}
	return registry
}
