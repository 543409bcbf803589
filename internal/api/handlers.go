package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/askqwen/gptuidemo/internal/auth"
	"github.com/askqwen/gptuidemo/internal/config"
	"github.com/askqwen/gptuidemo/internal/events"
	"github.com/askqwen/gptuidemo/internal/handoff"
	"github.com/askqwen/gptuidemo/internal/session"
	"github.com/askqwen/gptuidemo/internal/storage"
	"github.com/askqwen/gptuidemo/internal/worker"
)

const defaultHeartbeat = 25 * time.Second

// Options wires a Handler to the rest of the service.
type Options struct {
	Hub          *session.Hub
	Handoffs     handoff.Store
	Auth         *auth.Service
	Models       []config.ModelEntry
	DefaultModel string
	Logger       *zap.Logger
	// Heartbeat is the interval of keep-alive comments on the event stream.
	Heartbeat time.Duration
}

// Handler wires HTTP routes to the per-client chat controllers.
type Handler struct {
	hub          *session.Hub
	handoffs     handoff.Store
	auth         *auth.Service
	models       []config.ModelEntry
	defaultModel string
	logger       *zap.Logger
	heartbeat    time.Duration
}

// NewHandler constructs a Handler instance.
func NewHandler(opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = defaultHeartbeat
	}
	if opts.Auth == nil {
		opts.Auth = auth.NewService(0)
	}
	models := opts.Models
	if models == nil {
		models = []config.ModelEntry{}
	}
	return &Handler{
		hub:          opts.Hub,
		handoffs:     opts.Handoffs,
		auth:         opts.Auth,
		models:       models,
		defaultModel: opts.DefaultModel,
		logger:       opts.Logger,
		heartbeat:    opts.Heartbeat,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.Use(h.auth.ClientMiddleware(), h.auth.CSRFMiddleware())
	api.GET("/models", h.listModels)
	api.POST("/handoff", h.createHandoff)
	api.GET("/events", h.streamEvents)

	chat := api.Group("/chat")
	chat.POST("/mount", h.mountChat)
	chat.GET("", h.getChat)
	chat.POST("/messages", h.postMessage)
	chat.PUT("/model", h.setModel)
	chat.POST("/new", h.newChat)
	chat.POST("/load", h.loadChat)

	api.GET("/chats", h.listChats)
	api.DELETE("/chats/:id", h.deleteChat)
}

func (h *Handler) clientID(c *gin.Context) (string, bool) {
	id, ok := auth.ClientIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "client id required"})
		return "", false
	}
	return id, true
}

func (h *Handler) knownModel(id string) bool {
	if len(h.models) == 0 {
		return true
	}
	for _, m := range h.models {
		if m.ID == id {
			return true
		}
	}
	return false
}

// writeError maps domain errors onto HTTP statuses.
func (h *Handler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"
	switch {
	case errors.Is(err, session.ErrUnknownModel):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, storage.ErrChatNotFound):
		status, msg = http.StatusNotFound, "chat not found"
	case errors.Is(err, worker.ErrDispatcherBusy):
		status, msg = http.StatusTooManyRequests, "server is busy, please retry"
	case errors.Is(err, session.ErrClosed):
		status, msg = http.StatusConflict, err.Error()
	default:
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": msg})
}

func (h *Handler) listModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"models":  h.models,
		"default": h.defaultModel,
	})
}

// Landing view handoff
type handoffRequest struct {
	Message string `json:"message"`
	Model   string `json:"model"`
}

func (h *Handler) createHandoff(c *gin.Context) {
	var req handoffRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Model != "" && !h.knownModel(req.Model) {
		c.JSON(http.StatusBadRequest, gin.H{"error": session.ErrUnknownModel.Error()})
		return
	}
	token, err := h.handoffs.Put(c.Request.Context(), handoff.Pending{Message: req.Message, Model: req.Model})
	if err != nil {
		if errors.Is(err, handoff.ErrEmptyToken) {
			c.Status(http.StatusNoContent)
			return
		}
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"token": token})
}

// Chat view
type mountRequest struct {
	Handoff string `json:"handoff"`
}

func (h *Handler) mountChat(c *gin.Context) {
	clientID, ok := h.clientID(c)
	if !ok {
		return
	}
	var req mountRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	state, turn, err := h.hub.Get(clientID).Mount(c.Request.Context(), strings.TrimSpace(req.Handoff))
	if err != nil {
		h.writeError(c, err)
		return
	}
	resp := gin.H{"state": state}
	if turn != nil {
		resp["turn"] = turn
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) getChat(c *gin.Context) {
	clientID, ok := h.clientID(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.hub.Get(clientID).State())
}

type messageRequest struct {
	Content     string   `json:"content"`
	Attachments []string `json:"attachments"`
}

func (h *Handler) postMessage(c *gin.Context) {
	clientID, ok := h.clientID(c)
	if !ok {
		return
	}
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	ctrl := h.hub.Get(clientID)
	turn, err := ctrl.Submit(c.Request.Context(), session.Input{Text: req.Content, Attachments: req.Attachments})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": ctrl.State(), "turn": turn})
}

type modelRequest struct {
	Model string `json:"model"`
}

func (h *Handler) setModel(c *gin.Context) {
	clientID, ok := h.clientID(c)
	if !ok {
		return
	}
	var req modelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	ctrl := h.hub.Get(clientID)
	if err := ctrl.SetModel(req.Model); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ctrl.State())
}

func (h *Handler) newChat(c *gin.Context) {
	clientID, ok := h.clientID(c)
	if !ok {
		return
	}
	ctrl := h.hub.Get(clientID)
	h.hub.Bus().Publish(events.NewChat{ClientID: clientID})
	c.JSON(http.StatusOK, ctrl.State())
}

type loadRequest struct {
	ChatID string `json:"chat_id"`
}

func (h *Handler) loadChat(c *gin.Context) {
	clientID, ok := h.clientID(c)
	if !ok {
		return
	}
	var req loadRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.ChatID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "chat_id is required"})
		return
	}
	chat, err := h.hub.Store(clientID).GetChat(c.Request.Context(), req.ChatID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	ctrl := h.hub.Get(clientID)
	h.hub.Bus().Publish(events.LoadChat{ClientID: clientID, Chat: chat})
	c.JSON(http.StatusOK, ctrl.State())
}

// History
func (h *Handler) listChats(c *gin.Context) {
	clientID, ok := h.clientID(c)
	if !ok {
		return
	}
	chats, err := h.hub.Store(clientID).GetAllChats(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chats": chats})
}

func (h *Handler) deleteChat(c *gin.Context) {
	clientID, ok := h.clientID(c)
	if !ok {
		return
	}
	chatID := c.Param("id")
	if err := h.hub.Store(clientID).DeleteChat(c.Request.Context(), chatID); err != nil {
		h.writeError(c, err)
		return
	}
	// a view still showing the chat would save it again on its next turn
	if h.hub.Get(clientID).State().ChatID == chatID {
		h.hub.Bus().Publish(events.NewChat{ClientID: clientID})
	}
	h.hub.Bus().Publish(events.ChatsUpdated{ClientID: clientID})
	c.Status(http.StatusNoContent)
}
