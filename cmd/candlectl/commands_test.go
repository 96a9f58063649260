package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"candle/api/internal/auth"
	"candle/api/internal/envelope"
)

func TestViewPathsCoverEveryChannel(t *testing.T) {
	for _, channel := range envelope.Channels() {
		assert.Contains(t, viewPaths, channel)
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("CANDLE_CONFIG_FILE", "")
	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestKissPostsWithBearerToken(t *testing.T) {
	var gotAuth, gotMethod, gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotMethod = r.Method
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"ldg_1","sentAt":"2026-03-14T09:00:00Z"}`))
	}))
	defer server.Close()

	out, err := execute(t, "--api", server.URL, "--token", "abc", "kiss")
	require.NoError(t, err)
	assert.Equal(t, "Bearer abc", gotAuth)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/api/kisses", gotPath)
	assert.Contains(t, out, `"id": "ldg_1"`)
}

func TestPrivacyCommandSendsBool(t *testing.T) {
	var body map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = w.Write([]byte(`{"settings":{"mood":false}}`))
	}))
	defer server.Close()

	_, err := execute(t, "--api", server.URL, "--token", "abc", "privacy", "mood", "false")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"category": "mood", "visible": false}, body)

	_, err = execute(t, "--api", server.URL, "--token", "abc", "privacy", "mood")
	assert.Error(t, err)
}

func TestAPIErrorsSurface(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"code":"NOT_PAIRED","error":"You are not paired yet"}`))
	}))
	defer server.Close()

	_, err := execute(t, "--api", server.URL, "--token", "abc", "answer", "hello")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "NOT_PAIRED"), err.Error())
}

func TestTokenCommandIssuesParsableToken(t *testing.T) {
	t.Setenv("CANDLE_JWT_SECRET", "cli-secret")
	out, err := execute(t, "token", "alice", "--name", "Alice")
	require.NoError(t, err)

	claims, err := auth.ParseToken([]byte("cli-secret"), strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, "Alice", claims.Name)
}

func TestMissingTokenIsReported(t *testing.T) {
	t.Setenv("CANDLE_TOKEN", "")
	_, err := execute(t, "kiss")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no token")
}

func TestNoteAndMoodHistoryCommands(t *testing.T) {
	var calls []string
	var body map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.RequestURI())
		if r.Method == http.MethodPost {
			body = nil
			_ = json.NewDecoder(r.Body).Decode(&body)
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	_, err := execute(t, "--api", server.URL, "--token", "abc", "note", "miss you", "--emoji", "💛")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"message": "miss you", "emoji": "💛"}, body)

	_, err = execute(t, "--api", server.URL, "--token", "abc", "note", "read", "ldg_7")
	require.NoError(t, err)
	_, err = execute(t, "--api", server.URL, "--token", "abc", "note", "--sent")
	require.NoError(t, err)
	_, err = execute(t, "--api", server.URL, "--token", "abc", "mood", "--history", "7")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"POST /api/notes",
		"POST /api/notes/ldg_7/read",
		"GET /api/notes/sent",
		"GET /api/mood/history?days=7",
	}, calls)
}
