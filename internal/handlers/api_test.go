package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/stranger-signaling/internal/models"
)

func doRequest(t *testing.T, s *testServer, method, path string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	s.Config.Handler.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	w := doRequest(t, s, http.MethodGet, "/api/health", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestCreateSession(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/api/session", nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var first models.SessionPayload
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))
	assert.NotEmpty(t, first.Identity)

	identity, err := s.sessions.Parse(first.Token)
	require.NoError(t, err)
	assert.Equal(t, first.Identity, identity)

	w = doRequest(t, s, http.MethodPost, "/api/session", http.Header{"Authorization": {"Bearer " + first.Token}})
	require.Equal(t, http.StatusCreated, w.Code)
	var refreshed models.SessionPayload
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &refreshed))
	assert.Equal(t, first.Identity, refreshed.Identity)
}

func TestGetRoom(t *testing.T) {
	s := newTestServer(t)
	_, _, mx, _ := matchPair(t, s)

	w := doRequest(t, s, http.MethodGet, "/api/rooms/"+mx.RoomID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var meta models.RoomMetadata
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &meta))
	assert.Equal(t, mx.RoomID, meta.ID)
	assert.False(t, meta.TextOnly)

	w = doRequest(t, s, http.MethodGet, "/api/rooms/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetStats(t *testing.T) {
	s := newTestServer(t)
	matchPair(t, s)
	waiting := s.dial(t, "")
	waiting.send(models.EventStartMatching, models.StartMatchingPayload{TextOnly: true})
	waiting.expect(models.EventWaiting, nil)

	w := doRequest(t, s, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats models.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.EqualValues(t, 3, stats.Online)
	assert.Equal(t, 1, stats.Waiting)
	assert.Equal(t, 1, stats.Rooms)
}

func TestGetICEServers(t *testing.T) {
	s := newTestServer(t)
	w := doRequest(t, s, http.MethodGet, "/api/ice-servers", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"mode":"stun-only","iceServers":[{"urls":["stun:stun.example:3478"]}]}`, w.Body.String())
}

func TestOriginFilter(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name       string
		method     string
		origin     string
		wantStatus int
		wantHeader string
	}{
		{"no origin", http.MethodGet, "", http.StatusOK, ""},
		{"allowed origin", http.MethodGet, "http://allowed.example", http.StatusOK, "http://allowed.example"},
		{"rejected origin", http.MethodGet, "http://evil.example", http.StatusForbidden, ""},
		{"preflight", http.MethodOptions, "http://allowed.example", http.StatusNoContent, "http://allowed.example"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.origin != "" {
				header.Set("Origin", tt.origin)
			}
			w := doRequest(t, s, tt.method, "/api/health", header)
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantHeader, w.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}

func TestOriginFilterWildcard(t *testing.T) {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.Use(OriginFilter([]string{"*"}))
	engine.GET("/", Health)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "http://anything.example")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "http://anything.example", w.Header().Get("Access-Control-Allow-Origin"))
}
