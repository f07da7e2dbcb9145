package mailclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"mailsync/internal/mailbox/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGraphBackend_ListMessages(t *testing.T) {
	since := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/me/mailFolders/inbox/messages", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "isRead eq false and receivedDateTime ge 2026-04-01T12:00:00Z", r.URL.Query().Get("$filter"))
		assert.Equal(t, "receivedDateTime asc", r.URL.Query().Get("$orderby"))
		assert.Equal(t, "10", r.URL.Query().Get("$top"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"value":[{
			"id":"m1","conversationId":"c1","subject":"Enrollment question",
			"from":{"emailAddress":{"name":"Parent","address":"Parent@Example.com"}},
			"bodyPreview":"When does the term start?",
			"body":{"contentType":"html","content":"<p>When does the term start?</p>"},
			"isRead":false,"receivedDateTime":"2026-04-01T12:30:00Z","internetMessageId":"<abc@example.com>"}]}`))
	}))
	defer srv.Close()

	msgs, err := NewGraphBackend(srv.URL, 5*time.Second).ListMessages(context.Background(), "tok", since, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	m := msgs[0]
	assert.Equal(t, "m1", m.ID)
	assert.Equal(t, "parent@example.com", m.From)
	assert.Equal(t, "Parent", m.FromName)
	assert.True(t, m.IsHTML)
	assert.Equal(t, "<abc@example.com>", m.MessageIDHdr)
	assert.True(t, m.ReceivedAt.Equal(time.Date(2026, 4, 1, 12, 30, 0, 0, time.UTC)))
}

func TestGraphBackend_ListWithoutWatermark(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "isRead eq false", r.URL.Query().Get("$filter"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"value":[]}`))
	}))
	defer srv.Close()

	msgs, err := NewGraphBackend(srv.URL, time.Second).ListMessages(context.Background(), "tok", time.Time{}, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestGraphBackend_ReplyMarkReadSend(t *testing.T) {
	var calls []string
	var bodies []map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		bodies = append(bodies, body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	b := NewGraphBackend(srv.URL, time.Second)
	ctx := context.Background()
	require.NoError(t, b.ReplyTo(ctx, "tok", "m1", &domain.OutgoingMessage{Body: "Thanks!"}))
	require.NoError(t, b.MarkRead(ctx, "tok", "m1"))
	require.NoError(t, b.SendMessage(ctx, "tok", &domain.OutgoingMessage{To: []string{"a@example.com"}, Subject: "Hi", Body: "Hello"}))

	assert.Equal(t, []string{
		"POST /me/messages/m1/reply",
		"PATCH /me/messages/m1",
		"POST /me/sendMail",
	}, calls)
	assert.Equal(t, "Thanks!", bodies[0]["comment"])
	assert.Equal(t, true, bodies[1]["isRead"])
	msg := bodies[2]["message"].(map[string]interface{})
	assert.Equal(t, "Hi", msg["subject"])
}

func TestGraphBackend_ErrorMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"code":"TooManyRequests","message":"slow down"}}`))
	}))
	defer srv.Close()

	_, err := NewGraphBackend(srv.URL, time.Second).GetMessage(context.Background(), "tok", "m1")
	var apiErr *domain.RemoteAPIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.Status)
	assert.Equal(t, "slow down", apiErr.Message)
	assert.Equal(t, 7*time.Second, apiErr.RetryAfter)
	assert.True(t, domain.IsRetryable(err))
}

func TestGraphBackend_TransportErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	err := NewGraphBackend(url, time.Second).MarkRead(context.Background(), "tok", "m1")
	var te *domain.TransientError
	assert.ErrorAs(t, err, &te)
}
