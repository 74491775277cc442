package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dkeye/voicemesh/internal/app/hub"
	"github.com/dkeye/voicemesh/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopSink struct{}

func (nopSink) Send(hub.Event) error { return nil }
func (nopSink) Kick()                {}

func TestPresenceEndpoints(t *testing.T) {
	h := hub.New(nil)
	h.Subscribe("room", "b", nopSink{})
	h.Subscribe("room", "a", nopSink{})
	h.Subscribe("room", "lurker", nopSink{})
	require.NoError(t, h.Announce("room", "a"))
	require.NoError(t, h.Announce("room", "b"))

	r := SetupRouter(context.Background(), &config.Config{Mode: "test", Secret: "s"}, h)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Result().Cookies(), "client token session cookie is issued")

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/presence/room", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var one presenceDTO
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &one))
	assert.Equal(t, 2, one.Count, "only announced members are present")
	assert.Equal(t, "a", one.Members[0].String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/presence/empty", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"channel":"empty","members":[],"count":0}`, w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/presence/bad:key", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/presence", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var all []presenceDTO
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &all))
	require.Len(t, all, 1)
	assert.Equal(t, "room", all[0].Channel.String())
}
