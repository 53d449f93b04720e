// ABOUTME: Tests for the console JSON API and pages
// ABOUTME: Exercises routes end to end against a real store and lifecycle service

package console

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/handoff-gateway/internal/lifecycle"
	"github.com/2389/handoff-gateway/internal/store"
	"github.com/2389/handoff-gateway/internal/uploads"
)

type failingDeliverer struct{}

func (failingDeliverer) Deliver(ctx context.Context, channelID, text, imagePath string) error {
	return errors.New("platform unreachable")
}

type consoleFixture struct {
	server  *httptest.Server
	service *lifecycle.Service
	store   *store.SQLiteStore
	uploads *uploads.Store
}

func newFixture(t *testing.T, deliverer lifecycle.Deliverer) *consoleFixture {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	uploadStore, err := uploads.New(filepath.Join(t.TempDir(), "uploads"))
	require.NoError(t, err)

	svc := lifecycle.New(st, deliverer, time.Second, nil)

	mux := http.NewServeMux()
	New(svc, uploadStore, nil).RegisterRoutes(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &consoleFixture{server: server, service: svc, store: st, uploads: uploadStore}
}

// seedConversation creates a conversation with one inbound message.
func (f *consoleFixture) seedConversation(t *testing.T, channelID string) int64 {
	t.Helper()
	res, err := f.service.HandleInbound(context.Background(), channelID, "hello from "+channelID, "")
	require.NoError(t, err)
	return res.Conversation.ID
}

func (f *consoleFixture) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.server.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestListConversations(t *testing.T) {
	f := newFixture(t, nil)
	f.seedConversation(t, "chat-1")
	f.seedConversation(t, "chat-2")

	resp, err := http.Get(f.server.URL + "/api/conversations")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	convs := decodeBody[[]ConversationResponse](t, resp)
	require.Len(t, convs, 2)
	assert.Equal(t, "chat-2", convs[0].ChannelID, "most recent activity first")
	assert.False(t, convs[0].Finished)
	assert.Empty(t, convs[0].ClaimedBy)
}

func TestListConversations_Empty(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := http.Get(f.server.URL + "/api/conversations")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	convs := decodeBody[[]ConversationResponse](t, resp)
	assert.Empty(t, convs)
}

func TestGetConversation(t *testing.T) {
	f := newFixture(t, nil)
	id := f.seedConversation(t, "chat-1")

	resp, err := http.Get(fmt.Sprintf("%s/api/conversations/%d", f.server.URL, id))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	conv := decodeBody[ConversationResponse](t, resp)
	assert.Equal(t, id, conv.ID)
	assert.Equal(t, "chat-1", conv.ChannelID)
}

func TestGetConversation_NotFound(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := http.Get(f.server.URL + "/api/conversations/999")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetConversation_InvalidID(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := http.Get(f.server.URL + "/api/conversations/abc")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListMessages_CursorReturnsOnlyNewer(t *testing.T) {
	f := newFixture(t, nil)
	id := f.seedConversation(t, "chat-1")

	for _, text := range []string{"second", "third"} {
		_, err := f.service.HandleInbound(context.Background(), "chat-1", text, "")
		require.NoError(t, err)
	}

	resp, err := http.Get(fmt.Sprintf("%s/api/conversations/%d/messages", f.server.URL, id))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	all := decodeBody[[]MessageResponse](t, resp)
	require.Len(t, all, 3)

	resp, err = http.Get(fmt.Sprintf("%s/api/conversations/%d/messages?after=%d", f.server.URL, id, all[0].ID))
	require.NoError(t, err)
	tail := decodeBody[[]MessageResponse](t, resp)
	require.Len(t, tail, 2)
	assert.Equal(t, "second", tail[0].Text)
	assert.Equal(t, "third", tail[1].Text)
}

func TestListMessages_BadCursor(t *testing.T) {
	f := newFixture(t, nil)
	id := f.seedConversation(t, "chat-1")

	resp, err := http.Get(fmt.Sprintf("%s/api/conversations/%d/messages?after=bogus", f.server.URL, id))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestClaim(t *testing.T) {
	f := newFixture(t, nil)
	id := f.seedConversation(t, "chat-1")

	resp := f.postJSON(t, fmt.Sprintf("/api/conversations/%d/claim", id), ClaimRequest{Agent: "Ana"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	conv, err := f.store.GetConversation(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "Ana", conv.ClaimedBy)
}

func TestClaim_ConflictNamesHolder(t *testing.T) {
	f := newFixture(t, nil)
	id := f.seedConversation(t, "chat-1")

	resp := f.postJSON(t, fmt.Sprintf("/api/conversations/%d/claim", id), ClaimRequest{Agent: "Ana"})
	resp.Body.Close()

	resp = f.postJSON(t, fmt.Sprintf("/api/conversations/%d/claim", id), ClaimRequest{Agent: "Bob"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	body := decodeBody[map[string]string](t, resp)
	assert.Equal(t, "Ana", body["claimed_by"])
}

func TestClaim_MissingAgent(t *testing.T) {
	f := newFixture(t, nil)
	id := f.seedConversation(t, "chat-1")

	resp := f.postJSON(t, fmt.Sprintf("/api/conversations/%d/claim", id), ClaimRequest{})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestFinishAndReopen(t *testing.T) {
	f := newFixture(t, nil)
	id := f.seedConversation(t, "chat-1")

	resp := f.postJSON(t, fmt.Sprintf("/api/conversations/%d/claim", id), ClaimRequest{Agent: "Ana"})
	resp.Body.Close()

	resp = f.postJSON(t, fmt.Sprintf("/api/conversations/%d/finish", id), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	conv, err := f.store.GetConversation(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, conv.Finished)

	resp = f.postJSON(t, fmt.Sprintf("/api/conversations/%d/reopen", id), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	conv, err = f.store.GetConversation(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, conv.Finished)
	assert.False(t, conv.Claimed())
}

func TestFinish_NotFound(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.postJSON(t, "/api/conversations/999/finish", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSend_JSON(t *testing.T) {
	f := newFixture(t, nil)
	id := f.seedConversation(t, "chat-1")

	resp := f.postJSON(t, fmt.Sprintf("/api/conversations/%d/claim", id), ClaimRequest{Agent: "Ana"})
	resp.Body.Close()

	resp = f.postJSON(t, fmt.Sprintf("/api/conversations/%d/send", id), SendRequest{Text: "on it"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	msg := decodeBody[MessageResponse](t, resp)
	assert.Equal(t, "agent", msg.Sender)
	assert.Equal(t, "on it", msg.Text)
}

func TestSend_Unclaimed(t *testing.T) {
	f := newFixture(t, nil)
	id := f.seedConversation(t, "chat-1")

	resp := f.postJSON(t, fmt.Sprintf("/api/conversations/%d/send", id), SendRequest{Text: "hi"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSend_Empty(t *testing.T) {
	f := newFixture(t, nil)
	id := f.seedConversation(t, "chat-1")

	resp := f.postJSON(t, fmt.Sprintf("/api/conversations/%d/claim", id), ClaimRequest{Agent: "Ana"})
	resp.Body.Close()

	resp = f.postJSON(t, fmt.Sprintf("/api/conversations/%d/send", id), SendRequest{})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSend_DuplicateSuppressed(t *testing.T) {
	f := newFixture(t, nil)
	id := f.seedConversation(t, "chat-1")

	resp := f.postJSON(t, fmt.Sprintf("/api/conversations/%d/claim", id), ClaimRequest{Agent: "Ana"})
	resp.Body.Close()

	resp = f.postJSON(t, fmt.Sprintf("/api/conversations/%d/send", id), SendRequest{Text: "same"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = f.postJSON(t, fmt.Sprintf("/api/conversations/%d/send", id), SendRequest{Text: "same"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[map[string]string](t, resp)
	assert.Equal(t, "duplicate", body["status"])
}

func TestSend_DeliveryFailureReturns502WithMessage(t *testing.T) {
	f := newFixture(t, failingDeliverer{})
	id := f.seedConversation(t, "chat-1")

	resp := f.postJSON(t, fmt.Sprintf("/api/conversations/%d/claim", id), ClaimRequest{Agent: "Ana"})
	resp.Body.Close()

	resp = f.postJSON(t, fmt.Sprintf("/api/conversations/%d/send", id), SendRequest{Text: "reply"})
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)

	body := decodeBody[map[string]json.RawMessage](t, resp)
	require.Contains(t, body, "message", "502 must carry the persisted message")

	msgs, err := f.store.ListMessages(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, msgs, 2, "reply must be persisted despite delivery failure")
}

func TestSend_MultipartWithImage(t *testing.T) {
	f := newFixture(t, nil)
	id := f.seedConversation(t, "chat-1")

	resp := f.postJSON(t, fmt.Sprintf("/api/conversations/%d/claim", id), ClaimRequest{Agent: "Ana"})
	resp.Body.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("text", "see screenshot"))
	part, err := mw.CreateFormFile("image", "shot.png")
	require.NoError(t, err)
	_, err = part.Write([]byte("png bytes"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err = http.Post(
		fmt.Sprintf("%s/api/conversations/%d/send", f.server.URL, id),
		mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	msg := decodeBody[MessageResponse](t, resp)
	assert.Equal(t, "see screenshot", msg.Text)
	assert.True(t, strings.HasPrefix(msg.ImageURL, uploads.URLPrefix),
		"image should be stored and referenced by upload URL, got %q", msg.ImageURL)
}

func TestSend_RejectedMultipartLeavesNoUpload(t *testing.T) {
	f := newFixture(t, nil)
	id := f.seedConversation(t, "chat-1")

	// Unclaimed conversation: the send is rejected after the image upload.
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("text", "see screenshot"))
	part, err := mw.CreateFormFile("image", "shot.png")
	require.NoError(t, err)
	_, err = part.Write([]byte("png bytes"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(
		fmt.Sprintf("%s/api/conversations/%d/send", f.server.URL, id),
		mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	entries, err := os.ReadDir(f.uploads.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries, "rejected send must not leave an orphaned upload")
}

func TestIndexPage(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := http.Get(f.server.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
}

func TestHelpPage(t *testing.T) {
	f := newFixture(t, nil)

	for _, topic := range []string{"", "?topic=lifecycle"} {
		resp, err := http.Get(f.server.URL + "/help" + topic)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, "topic %q", topic)
	}

	resp, err := http.Get(f.server.URL + "/help?topic=no-such-topic")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
