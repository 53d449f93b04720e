// ABOUTME: HTTP handlers for the agent console - queue, history, and lifecycle actions
// ABOUTME: JSON API polled by the console page; domain errors map onto HTTP statuses

package console

import (
	"bytes"
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/yuin/goldmark"

	"github.com/2389/handoff-gateway/internal/lifecycle"
	"github.com/2389/handoff-gateway/internal/store"
	"github.com/2389/handoff-gateway/internal/uploads"
)

// maxUploadBytes bounds multipart send bodies.
const maxUploadBytes = 10 << 20 // 10 MiB

// ConversationResponse is the JSON shape for a conversation.
type ConversationResponse struct {
	ID          int64  `json:"id"`
	ChannelID   string `json:"channel_id"`
	LastMessage string `json:"last_message"`
	ClaimedBy   string `json:"claimed_by,omitempty"`
	Finished    bool   `json:"finished"`
	UpdatedAt   string `json:"updated_at"`
}

// MessageResponse is the JSON shape for a message.
type MessageResponse struct {
	ID             int64  `json:"id"`
	ConversationID int64  `json:"conversation_id"`
	Sender         string `json:"sender"`
	Text           string `json:"text,omitempty"`
	ImageURL       string `json:"image_url,omitempty"`
	CreatedAt      string `json:"created_at"`
}

// ClaimRequest is the JSON request body for POST /api/conversations/{id}/claim.
type ClaimRequest struct {
	Agent string `json:"agent"`
}

// SendRequest is the JSON request body for POST /api/conversations/{id}/send.
type SendRequest struct {
	Text string `json:"text"`
}

// Console serves the agent console page and its JSON API.
type Console struct {
	service *lifecycle.Service
	uploads *uploads.Store
	logger  *slog.Logger
}

// New creates a console backed by the given lifecycle service.
func New(service *lifecycle.Service, uploadStore *uploads.Store, logger *slog.Logger) *Console {
	if logger == nil {
		logger = slog.Default()
	}
	return &Console{
		service: service,
		uploads: uploadStore,
		logger:  logger.With("component", "console"),
	}
}

// RegisterRoutes attaches all console routes to mux.
func (c *Console) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", c.handleIndex)
	mux.HandleFunc("GET /help", c.handleHelp)

	mux.HandleFunc("GET /api/conversations", c.handleListConversations)
	mux.HandleFunc("GET /api/conversations/{id}", c.handleGetConversation)
	mux.HandleFunc("GET /api/conversations/{id}/messages", c.handleListMessages)
	mux.HandleFunc("POST /api/conversations/{id}/claim", c.handleClaim)
	mux.HandleFunc("POST /api/conversations/{id}/finish", c.handleFinish)
	mux.HandleFunc("POST /api/conversations/{id}/reopen", c.handleReopen)
	mux.HandleFunc("POST /api/conversations/{id}/send", c.handleSend)
}

// handleIndex renders the console page shell.
func (c *Console) handleIndex(w http.ResponseWriter, r *http.Request) {
	tmpl := template.Must(template.ParseFS(templateFS, "templates/console.html"))

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.Execute(w, struct{ Title string }{Title: "Handoff Console"}); err != nil {
		c.logger.Error("failed to render console", "error", err)
	}
}

// handleHelp renders the operator help page from embedded markdown.
func (c *Console) handleHelp(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		topic = "getting-started"
	}
	// Slugs are flat filenames; reject anything with separators.
	if topic != filepath.Base(topic) || strings.Contains(topic, "..") {
		http.Error(w, "Unknown topic", http.StatusNotFound)
		return
	}

	mdContent, err := helpFS.ReadFile("docs/" + topic + ".md")
	if err != nil {
		http.Error(w, "Unknown topic", http.StatusNotFound)
		return
	}

	var htmlBuf bytes.Buffer
	if err := goldmark.Convert(mdContent, &htmlBuf); err != nil {
		c.logger.Error("failed to convert help markdown", "topic", topic, "error", err)
		http.Error(w, "Failed to render help", http.StatusInternalServerError)
		return
	}

	tmpl := template.Must(template.ParseFS(templateFS, "templates/help.html"))
	data := struct {
		Title   string
		Content template.HTML
	}{
		Title:   "Help",
		Content: template.HTML(htmlBuf.String()),
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.Execute(w, data); err != nil {
		c.logger.Error("failed to render help", "error", err)
	}
}

// handleListConversations handles GET /api/conversations.
// Returns all conversations, most recently active first.
func (c *Console) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := c.service.Conversations(r.Context())
	if err != nil {
		c.logger.Error("failed to list conversations", "error", err)
		c.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := make([]ConversationResponse, 0, len(convs))
	for _, conv := range convs {
		response = append(response, toConversationResponse(conv))
	}

	c.writeJSON(w, http.StatusOK, response)
}

// handleGetConversation handles GET /api/conversations/{id}.
func (c *Console) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := c.conversationID(w, r)
	if !ok {
		return
	}

	conv, err := c.service.Conversation(r.Context(), id)
	if err != nil {
		c.sendDomainError(w, err)
		return
	}

	c.writeJSON(w, http.StatusOK, toConversationResponse(conv))
}

// handleListMessages handles GET /api/conversations/{id}/messages.
// The optional after query parameter is a message id cursor: only strictly
// newer messages are returned, in ascending id order.
func (c *Console) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := c.conversationID(w, r)
	if !ok {
		return
	}

	var afterID int64
	if after := r.URL.Query().Get("after"); after != "" {
		parsed, err := strconv.ParseInt(after, 10, 64)
		if err != nil || parsed < 0 {
			c.sendJSONError(w, http.StatusBadRequest, "invalid after cursor")
			return
		}
		afterID = parsed
	}

	msgs, err := c.service.History(r.Context(), id, afterID)
	if err != nil {
		c.sendDomainError(w, err)
		return
	}

	response := make([]MessageResponse, 0, len(msgs))
	for _, msg := range msgs {
		response = append(response, toMessageResponse(msg))
	}

	c.writeJSON(w, http.StatusOK, response)
}

// handleClaim handles POST /api/conversations/{id}/claim.
func (c *Console) handleClaim(w http.ResponseWriter, r *http.Request) {
	id, ok := c.conversationID(w, r)
	if !ok {
		return
	}

	var req ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		c.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Agent == "" {
		c.sendJSONError(w, http.StatusBadRequest, "agent is required")
		return
	}

	if err := c.service.Claim(r.Context(), id, req.Agent); err != nil {
		c.sendDomainError(w, err)
		return
	}

	c.writeJSON(w, http.StatusOK, map[string]string{"status": "claimed"})
}

// handleFinish handles POST /api/conversations/{id}/finish.
func (c *Console) handleFinish(w http.ResponseWriter, r *http.Request) {
	id, ok := c.conversationID(w, r)
	if !ok {
		return
	}

	if err := c.service.Finish(r.Context(), id); err != nil {
		c.sendDomainError(w, err)
		return
	}

	c.writeJSON(w, http.StatusOK, map[string]string{"status": "finished"})
}

// handleReopen handles POST /api/conversations/{id}/reopen.
func (c *Console) handleReopen(w http.ResponseWriter, r *http.Request) {
	id, ok := c.conversationID(w, r)
	if !ok {
		return
	}

	if err := c.service.Reopen(r.Context(), id); err != nil {
		c.sendDomainError(w, err)
		return
	}

	c.writeJSON(w, http.StatusOK, map[string]string{"status": "reopened"})
}

// handleSend handles POST /api/conversations/{id}/send.
//
// Accepts either a JSON body {"text": ...} or a multipart form with a text
// field and an optional image file. The reply is persisted before delivery;
// a 502 response still carries the persisted message.
func (c *Console) handleSend(w http.ResponseWriter, r *http.Request) {
	id, ok := c.conversationID(w, r)
	if !ok {
		return
	}

	text, imageURL, ok := c.parseSendBody(w, r)
	if !ok {
		return
	}

	msg, err := c.service.Send(r.Context(), id, text, imageURL)

	var deliveryErr *lifecycle.DeliveryError
	if errors.As(err, &deliveryErr) {
		// Persisted but not pushed to the platform.
		c.writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":   "delivery failed",
			"message": toMessageResponse(msg),
		})
		return
	}
	if err != nil {
		// The reply was rejected before persisting; don't leave its upload
		// orphaned on disk.
		if imageURL != "" {
			if rmErr := c.uploads.Remove(imageURL); rmErr != nil {
				c.logger.Warn("removing rejected upload", "error", rmErr)
			}
		}
		c.sendDomainError(w, err)
		return
	}

	if msg == nil {
		// Consecutive duplicate, suppressed.
		c.writeJSON(w, http.StatusOK, map[string]any{"status": "duplicate"})
		return
	}

	c.writeJSON(w, http.StatusCreated, toMessageResponse(msg))
}

// parseSendBody extracts text and an optional stored image from the request.
func (c *Console) parseSendBody(w http.ResponseWriter, r *http.Request) (text, imageURL string, ok bool) {
	contentType := r.Header.Get("Content-Type")

	if strings.Contains(contentType, "multipart/form-data") {
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			c.sendJSONError(w, http.StatusBadRequest, "invalid multipart form")
			return "", "", false
		}
		text = r.FormValue("text")

		file, header, err := r.FormFile("image")
		if err == nil {
			defer file.Close()
			url, saveErr := c.uploads.Save(file, filepath.Ext(header.Filename))
			if saveErr != nil {
				c.logger.Error("failed to save upload", "error", saveErr)
				c.sendJSONError(w, http.StatusInternalServerError, "failed to save image")
				return "", "", false
			}
			imageURL = url
		} else if err != http.ErrMissingFile {
			c.sendJSONError(w, http.StatusBadRequest, "invalid image upload")
			return "", "", false
		}
		return text, imageURL, true
	}

	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		c.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return "", "", false
	}
	return req.Text, "", true
}

// conversationID parses the {id} path value, writing a 400 on failure.
func (c *Console) conversationID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		c.sendJSONError(w, http.StatusBadRequest, "invalid conversation id")
		return 0, false
	}
	return id, true
}

// sendDomainError maps domain errors onto HTTP statuses.
func (c *Console) sendDomainError(w http.ResponseWriter, err error) {
	var claimed *store.AlreadyClaimedError
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.sendJSONError(w, http.StatusNotFound, "conversation not found")
	case errors.As(err, &claimed):
		c.writeJSON(w, http.StatusConflict, map[string]string{
			"error":      "already claimed",
			"claimed_by": claimed.Agent,
		})
	case errors.Is(err, store.ErrNotClaimed):
		c.sendJSONError(w, http.StatusBadRequest, "conversation is not claimed")
	case errors.Is(err, store.ErrEmptyMessage):
		c.sendJSONError(w, http.StatusBadRequest, "message text or image is required")
	default:
		c.logger.Error("request failed", "error", err)
		c.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// sendJSONError writes a JSON error response.
func (c *Console) sendJSONError(w http.ResponseWriter, status int, message string) {
	c.writeJSON(w, status, map[string]string{"error": message})
}

// writeJSON encodes v as the response body with the given status.
func (c *Console) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		c.logger.Error("failed to encode response", "error", err)
	}
}

func toConversationResponse(conv *store.Conversation) ConversationResponse {
	return ConversationResponse{
		ID:          conv.ID,
		ChannelID:   conv.ChannelID,
		LastMessage: conv.LastMessage,
		ClaimedBy:   conv.ClaimedBy,
		Finished:    conv.Finished,
		UpdatedAt:   conv.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func toMessageResponse(msg *store.Message) MessageResponse {
	if msg == nil {
		return MessageResponse{}
	}
	return MessageResponse{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		Sender:         string(msg.Sender),
		Text:           msg.Text,
		ImageURL:       msg.ImageURL,
		CreatedAt:      msg.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}
