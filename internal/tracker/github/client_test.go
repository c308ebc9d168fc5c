package github

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"alertsync/internal/apperr"
	"alertsync/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Auth   string
	Body   map[string]any
}

// fakeGitHub - минимальный GitHub API поверх httptest.
type fakeGitHub struct {
	mu       sync.Mutex
	requests []recordedRequest
	handler  func(w http.ResponseWriter, r *http.Request, body map[string]any)
}

func (f *fakeGitHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)

	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.RawQuery,
		Auth:   r.Header.Get("Authorization"),
		Body:   body,
	})
	f.mu.Unlock()

	f.handler(w, r, body)
}

func (f *fakeGitHub) recorded() []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedRequest(nil), f.requests...)
}

func newTestClient(t *testing.T, handler func(w http.ResponseWriter, r *http.Request, body map[string]any)) (*Client, *fakeGitHub) {
	t.Helper()
	fake := &fakeGitHub{handler: handler}
	srv := httptest.NewTLSServer(fake)
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{
		BaseURL:    srv.URL,
		Token:      "tok",
		HTTPClient: srv.Client(),
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)
	return client, fake
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestNewClient_Validation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "plain http", cfg: Config{BaseURL: "http://github.local", Token: "t"}, wantErr: "HTTPS"},
		{name: "no auth", cfg: Config{}, wantErr: "no authentication"},
		{name: "both modes", cfg: Config{Token: "t", AppID: 1}, wantErr: "both"},
		{name: "partial app", cfg: Config{AppID: 1, InstallationID: 2}, wantErr: "required"},
		{name: "bad key", cfg: Config{AppID: 1, InstallationID: 2, PrivateKey: []byte("nope")}, wantErr: "PEM"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClient(tt.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestClient_CreateIssue(t *testing.T) {
	client, fake := newTestClient(t, func(w http.ResponseWriter, r *http.Request, body map[string]any) {
		writeJSON(w, http.StatusCreated, map[string]any{"number": 17, "title": body["title"]})
	})

	number, err := client.CreateIssue(context.Background(), "acme/alerts", models.IssueContent{
		Title:  "[P1] Disk full",
		Body:   "body",
		Labels: []string{"alert", "team:storage"},
	})
	require.NoError(t, err)
	assert.Equal(t, 17, number)

	reqs := fake.recorded()
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodPost, reqs[0].Method)
	assert.Equal(t, "/repos/acme/alerts/issues", reqs[0].Path)
	assert.Equal(t, "Bearer tok", reqs[0].Auth)
	assert.Equal(t, "[P1] Disk full", reqs[0].Body["title"])
	assert.ElementsMatch(t, []any{"alert", "team:storage"}, reqs[0].Body["labels"])
}

func TestClient_CloseIssue(t *testing.T) {
	client, fake := newTestClient(t, func(w http.ResponseWriter, r *http.Request, body map[string]any) {
		writeJSON(w, http.StatusOK, map[string]any{"number": 5})
	})

	err := client.CloseIssue(context.Background(), "acme/alerts", 5, "Alert resolved")
	require.NoError(t, err)

	reqs := fake.recorded()
	require.Len(t, reqs, 2)
	assert.Equal(t, http.MethodPatch, reqs[0].Method)
	assert.Equal(t, "/repos/acme/alerts/issues/5", reqs[0].Path)
	assert.Equal(t, "closed", reqs[0].Body["state"])
	assert.Equal(t, "completed", reqs[0].Body["state_reason"])
	assert.Equal(t, "/repos/acme/alerts/issues/5/comments", reqs[1].Path)
	assert.Equal(t, "Alert resolved", reqs[1].Body["body"])
}

func TestClient_CloseIssue_FailedCloseLeavesNoComment(t *testing.T) {
	client, fake := newTestClient(t, func(w http.ResponseWriter, r *http.Request, body map[string]any) {
		if r.Method == http.MethodPatch {
			writeJSON(w, http.StatusBadGateway, map[string]any{"message": "upstream"})
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"id": 1})
	})

	for i := 0; i < 3; i++ {
		err := client.CloseIssue(context.Background(), "acme/alerts", 5, "Alert resolved")
		require.Error(t, err)
		assert.True(t, apperr.IsTransient(err))
	}

	for _, req := range fake.recorded() {
		assert.NotEqual(t, "/repos/acme/alerts/issues/5/comments", req.Path)
	}
}

func TestClient_ReopenIssue(t *testing.T) {
	client, fake := newTestClient(t, func(w http.ResponseWriter, r *http.Request, body map[string]any) {
		writeJSON(w, http.StatusOK, map[string]any{"number": 5})
	})

	err := client.ReopenIssue(context.Background(), "acme/alerts", 5, models.IssueContent{Title: "t", Body: "b"}, "fired again")
	require.NoError(t, err)

	reqs := fake.recorded()
	require.Len(t, reqs, 2)
	assert.Equal(t, http.MethodPatch, reqs[0].Method)
	assert.Equal(t, "open", reqs[0].Body["state"])
	assert.Equal(t, "/repos/acme/alerts/issues/5/comments", reqs[1].Path)
}

func TestClient_FindIssueByMarker(t *testing.T) {
	marker := "<!-- alertsync:fingerprint=fp-1 -->"
	client, fake := newTestClient(t, func(w http.ResponseWriter, r *http.Request, body map[string]any) {
		writeJSON(w, http.StatusOK, []map[string]any{
			{"number": 3, "body": "pull request " + marker, "pull_request": map[string]any{}},
			{"number": 4, "body": "other alert"},
			{"number": 9, "body": "details\n" + marker},
		})
	})

	number, found, err := client.FindIssueByMarker(context.Background(), "acme/alerts", "alert", marker)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 9, number)

	reqs := fake.recorded()
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0].Query, "labels=alert")
	assert.Contains(t, reqs[0].Query, "state=open")

	_, found, err = client.FindIssueByMarker(context.Background(), "acme/alerts", "alert", "<!-- missing -->")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestClient_FindIssueByMarker_Paginates(t *testing.T) {
	marker := "<!-- alertsync:fingerprint=deep -->"
	client, fake := newTestClient(t, func(w http.ResponseWriter, r *http.Request, body map[string]any) {
		if r.URL.Query().Get("page") == "1" {
			page := make([]map[string]any, issuesPerPage)
			for i := range page {
				page[i] = map[string]any{"number": i + 1, "body": "noise"}
			}
			writeJSON(w, http.StatusOK, page)
			return
		}
		writeJSON(w, http.StatusOK, []map[string]any{{"number": 250, "body": marker}})
	})

	number, found, err := client.FindIssueByMarker(context.Background(), "acme/alerts", "alert", marker)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 250, number)
	assert.Len(t, fake.recorded(), 2)
}

func TestClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		message       string
		wantTransient bool
	}{
		{name: "not found", status: http.StatusNotFound, message: "Not Found"},
		{name: "gone", status: http.StatusGone, message: "Issue deleted"},
		{name: "validation failed", status: http.StatusUnprocessableEntity, message: "Validation Failed"},
		{name: "bad credentials", status: http.StatusUnauthorized, message: "Bad credentials", wantTransient: true},
		{name: "primary rate limit", status: http.StatusForbidden, message: "API rate limit exceeded", wantTransient: true},
		{name: "secondary rate limit", status: http.StatusTooManyRequests, message: "slow down", wantTransient: true},
		{name: "server error", status: http.StatusBadGateway, message: "bad gateway", wantTransient: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request, body map[string]any) {
				writeJSON(w, tt.status, map[string]any{"message": tt.message})
			})

			err := client.UpdateIssue(context.Background(), "acme/alerts", 1, models.IssueContent{Title: "t"})
			require.Error(t, err)
			assert.Equal(t, tt.wantTransient, apperr.IsTransient(err), err.Error())
			assert.Equal(t, !tt.wantTransient, apperr.IsPermanent(err), err.Error())
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}

func TestClient_InvalidRepoIsPermanent(t *testing.T) {
	client, fake := newTestClient(t, func(w http.ResponseWriter, r *http.Request, body map[string]any) {
		t.Fatal("no request expected")
	})

	_, err := client.CreateIssue(context.Background(), "not-a-repo", models.IssueContent{Title: "t"})
	require.Error(t, err)
	assert.True(t, apperr.IsPermanent(err))
	assert.Empty(t, fake.recorded())
}

func TestClient_RateLimitExhaustedFailsFast(t *testing.T) {
	reset := time.Now().Add(time.Hour).Unix()
	client, fake := newTestClient(t, func(w http.ResponseWriter, r *http.Request, body map[string]any) {
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("X-RateLimit-Reset", fmt.Sprint(reset))
		writeJSON(w, http.StatusOK, map[string]any{"number": 1})
	})

	_, err := client.CreateIssue(context.Background(), "acme/alerts", models.IssueContent{Title: "t"})
	require.NoError(t, err)

	_, err = client.CreateIssue(context.Background(), "acme/alerts", models.IssueContent{Title: "t"})
	require.Error(t, err)
	assert.True(t, apperr.IsTransient(err))
	assert.True(t, IsRateLimited(err))
	assert.Len(t, fake.recorded(), 1)
}

func TestClient_AppAuthentication(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	var exchanges atomic.Int32
	fake := &fakeGitHub{}
	fake.handler = func(w http.ResponseWriter, r *http.Request, body map[string]any) {
		if r.URL.Path == "/app/installations/77/access_tokens" {
			exchanges.Add(1)
			assert.Len(t, strings.Split(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "), "."), 3)
			writeJSON(w, http.StatusCreated, map[string]any{
				"token":      "inst-token",
				"expires_at": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
			})
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"number": 1})
	}
	srv := httptest.NewTLSServer(fake)
	defer srv.Close()

	client, err := NewClient(Config{
		BaseURL:        srv.URL,
		AppID:          12,
		InstallationID: 77,
		PrivateKey:     keyPEM,
		HTTPClient:     srv.Client(),
		Logger:         zerolog.Nop(),
	})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := client.CreateIssue(context.Background(), "acme/alerts", models.IssueContent{Title: "t"})
		require.NoError(t, err)
	}

	assert.Equal(t, int32(1), exchanges.Load())
	for _, req := range fake.recorded() {
		if strings.HasPrefix(req.Path, "/repos/") {
			assert.Equal(t, "Bearer inst-token", req.Auth)
		}
	}
}
