package coursepath

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"gotest.tools/v3/assert"
)

const testAPIToken = "api-secret"

type postLog struct {
	mu    sync.Mutex
	posts []string
}

func (p *postLog) add(content string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.posts = append(p.posts, content)
}

func (p *postLog) list() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.posts...)
}

func newTestAPI(t *testing.T) (*Client, *postLog) {
	t.Helper()
	posted := &postLog{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/account", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Account{ID: 42, Login: "ada"})
	})
	mux.HandleFunc("/api/courses/for-notifications", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]Course{{ID: 1, Title: "Compilers"}, {ID: 2, Title: "Databases", IsAtLeastTutor: true}})
	})
	mux.HandleFunc("/api/courses/1/conversations", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]Conversation{{ID: 3, CourseID: 1, Title: "general"}})
	})
	mux.HandleFunc("/api/courses/1/conversations/3/messages", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, r.Method, http.MethodPost)
		assert.Equal(t, r.Header.Get("Content-Type"), "application/json")
		var req postContentRequest
		assert.NilError(t, json.NewDecoder(r.Body).Decode(&req))
		posted.add(req.Content)
		json.NewEncoder(w).Encode(ConversationMessage{ID: 10, ConversationID: 3, Content: req.Content})
	})
	mux.HandleFunc("/api/courses/1/conversations/3/messages/10/answers", func(w http.ResponseWriter, r *http.Request) {
		var req postContentRequest
		assert.NilError(t, json.NewDecoder(r.Body).Decode(&req))
		posted.add(req.Content)
		json.NewEncoder(w).Encode(AnswerMessage{ID: 11, MessageID: 10, Content: req.Content})
	})
	mux.HandleFunc("/api/courses/9/conversations", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		io.WriteString(w, `{"code":"not_enrolled","message":"not a member of this course"}`)
	})
	mux.HandleFunc("/api/courses/8/conversations", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+testAPIToken {
			w.WriteHeader(http.StatusUnauthorized)
			io.WriteString(w, `{"message":"invalid token"}`)
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", WithToken(testAPIToken), WithUserAgent("coursepath-test")), posted
}

func TestClientRequests(t *testing.T) {
	c, posted := newTestAPI(t)
	ctx := context.Background()

	t.Run("account", func(t *testing.T) {
		account, err := c.Account.Get(ctx)
		assert.NilError(t, err)
		assert.Equal(t, account.Login, "ada")
	})

	t.Run("conversations", func(t *testing.T) {
		convs, err := c.Conversations.List(ctx, 1)
		assert.NilError(t, err)
		assert.Equal(t, len(convs), 1)
		assert.Equal(t, convs[0].Title, "general")
	})

	t.Run("post message and answer", func(t *testing.T) {
		msg, err := c.Conversations.PostMessage(ctx, ConversationRef{CourseID: 1, ConversationID: 3}, "hi")
		assert.NilError(t, err)
		assert.Equal(t, msg.ID, int64(10))

		assert.NilError(t, c.SendAnswer(ctx, MessageRef{CourseID: 1, ConversationID: 3, MessageID: 10}, "hello back"))
		assert.DeepEqual(t, posted.list(), []string{"hi", "hello back"})
	})

	t.Run("notification topics", func(t *testing.T) {
		account, courses, topics, err := c.NotificationTopics(ctx)
		assert.NilError(t, err)
		assert.Equal(t, account.ID, int64(42))
		assert.Equal(t, len(courses), 2)
		assert.DeepEqual(t, topics, []Topic{"user/42/notifications", "course/1/STUDENT", "course/2/TUTOR"})
	})
}

func TestClientAPIErrors(t *testing.T) {
	c, _ := newTestAPI(t)
	ctx := context.Background()

	t.Run("structured body", func(t *testing.T) {
		_, err := c.Conversations.List(ctx, 9)
		var apiErr *APIError
		assert.Assert(t, errors.As(err, &apiErr))
		assert.Equal(t, apiErr.Status, http.StatusForbidden)
		assert.Equal(t, apiErr.Code, "not_enrolled")
		assert.Error(t, err, "http 403: not_enrolled: not a member of this course")
	})

	t.Run("empty body", func(t *testing.T) {
		_, err := c.Conversations.List(ctx, 8)
		assert.Error(t, err, "http 502: Bad Gateway")
	})

	t.Run("bad token", func(t *testing.T) {
		c.SetToken("expired")
		defer c.SetToken(testAPIToken)
		_, err := c.Account.Get(ctx)
		var apiErr *APIError
		assert.Assert(t, errors.As(err, &apiErr))
		assert.Equal(t, apiErr.Status, http.StatusUnauthorized)
		assert.Equal(t, apiErr.Message, "invalid token")
	})
}

func TestClientHost(t *testing.T) {
	assert.Equal(t, NewClient("https://x.edu/").Host(), "x.edu")
	assert.Equal(t, NewClient("https://x.edu:8443/api").Host(), "x.edu:8443")
	assert.Equal(t, NewClient("https://x.edu/").BaseURL(), "https://x.edu")
}
