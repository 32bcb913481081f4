// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"net/http"
	"strconv"

	"github.com/AleutianAI/AleutianTasks/services/chat"
	"github.com/AleutianAI/AleutianTasks/services/conversation"
	"github.com/AleutianAI/AleutianTasks/services/orchestrator/middleware"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// maxPageSize caps the limit query parameter.
const maxPageSize = 200

// HandleConversationMessages returns a page of a conversation.
//
// Query parameters: limit (default 50, max 200) and before, the sequence
// number returned as "before" by the previous page.
func HandleConversationMessages(svc *chat.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := conversationID(c)
		if !ok {
			return
		}

		limit := conversation.DefaultPageSize
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
				return
			}
			limit = min(n, maxPageSize)
		}
		var before int64
		if raw := c.Query("before"); raw != "" {
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || n <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "before must be a positive integer"})
				return
			}
			before = n
		}

		page, err := svc.History(c.Request.Context(), middleware.UserID(c), id, limit, before)
		if err != nil {
			status, msg := chatErrorStatus(err)
			c.JSON(status, gin.H{"error": msg})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"conversation_id": id,
			"messages":        page.Turns,
			"has_more":        page.HasMore,
			"before":          page.Before,
		})
	}
}

// HandleDeleteConversation removes a conversation and its turns.
func HandleDeleteConversation(svc *chat.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := conversationID(c)
		if !ok {
			return
		}
		if err := svc.Delete(c.Request.Context(), middleware.UserID(c), id); err != nil {
			status, msg := chatErrorStatus(err)
			c.JSON(status, gin.H{"error": msg})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func conversationID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": chat.ErrConversationNotFound.Error()})
		return "", false
	}
	return id, true
}
