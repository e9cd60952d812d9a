package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ngmhub/siteledger/internal/agents"
	"github.com/ngmhub/siteledger/internal/models"
)

func (s *Server) handlePostMessage(c *gin.Context) {
	var req struct {
		ChannelKey string            `json:"channel_key"`
		Body       string            `json:"body"`
		Blocks     string            `json:"blocks"`
		Metadata   map[string]string `json:"metadata"`
		ReplyToID  string            `json:"reply_to_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid message body: "+err.Error())
		return
	}
	msg, err := s.deps.Messages.Post(c.Request.Context(), &models.Message{
		ChannelKey: req.ChannelKey,
		AuthorID:   actor(c),
		Body:       req.Body,
		BlocksJSON: req.Blocks,
		Metadata:   req.Metadata,
		ReplyToID:  req.ReplyToID,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (s *Server) handleListMessages(c *gin.Context) {
	channelKey := c.Query("channel_key")
	if channelKey == "" {
		badRequest(c, "query parameter \"channel_key\" is required")
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	msgs, err := s.deps.Messages.History(c.Request.Context(), channelKey, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": msgs})
}

func (s *Server) handleThread(c *gin.Context) {
	msgs, err := s.deps.Messages.Thread(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": msgs})
}

func (s *Server) handleDeleteMessage(c *gin.Context) {
	if err := s.deps.Messages.Delete(c.Request.Context(), actor(c), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleReact(c *gin.Context) {
	var req struct {
		Emoji string `json:"emoji"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Emoji == "" {
		badRequest(c, "emoji is required")
		return
	}
	if err := s.deps.Messages.React(c.Request.Context(), actor(c), c.Param("id"), req.Emoji); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleReactions(c *gin.Context) {
	reactions, err := s.deps.Messages.Reactions(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": reactions})
}

func (s *Server) handleUnreact(c *gin.Context) {
	if err := s.deps.Messages.Unreact(c.Request.Context(), actor(c), c.Param("id"), c.Param("emoji")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleMarkRead(c *gin.Context) {
	var req struct {
		ChannelKey string `json:"channel_key"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.ChannelKey == "" {
		badRequest(c, "channel_key is required")
		return
	}
	if err := s.deps.Messages.MarkRead(c.Request.Context(), actor(c), req.ChannelKey); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleUnreadCounts(c *gin.Context) {
	counts, err := s.deps.Messages.UnreadCounts(c.Request.Context(), actor(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, counts)
}

func (s *Server) handleUnreadMentions(c *gin.Context) {
	mentions, err := s.deps.Messages.UnreadMentions(c.Request.Context(), actor(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": mentions})
}

func (s *Server) handleAgentEvent(c *gin.Context) {
	var req struct {
		ChannelKey string `json:"channel_key"`
		Text       string `json:"text"`
		Agent      string `json:"agent"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid event body: "+err.Error())
		return
	}
	if req.ChannelKey == "" || req.Text == "" {
		badRequest(c, "channel_key and text are required")
		return
	}

	msg, err := s.deps.Dispatcher.Dispatch(c.Request.Context(), agents.Event{
		UserID:     actor(c),
		ChannelKey: req.ChannelKey,
		Text:       req.Text,
		Agent:      req.Agent,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	if msg == nil {
		// Suppressed by the cooldown; nothing was posted.
		c.JSON(http.StatusAccepted, gin.H{"suppressed": true})
		return
	}
	c.JSON(http.StatusOK, msg)
}
