package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arifwicaksono2000/botapp-trader/engine"
	"github.com/arifwicaksono2000/botapp-trader/logger"
)

type fakeController struct {
	stops  int
	closes int
	err    error
}

func (f *fakeController) EmergencyStop(context.Context) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.stops++
	return f.closes, nil
}

func (f *fakeController) Status(context.Context) (engine.Status, error) {
	if f.err != nil {
		return engine.Status{}, f.err
	}
	return engine.Status{State: engine.StateReady, Halted: f.stops > 0}, nil
}

func newTestServer(t *testing.T, ctrl Controller, token string) *httptest.Server {
	t.Helper()
	logger.SetOutput(io.Discard)
	srv := httptest.NewServer(NewServer(ctrl, nil, token).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func stopRequest(t *testing.T, url, auth string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url+"/api/emergency-stop", nil)
	require.NoError(t, err)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestEmergencyStopRequiresBearer(t *testing.T) {
	ctrl := &fakeController{closes: 2}
	srv := newTestServer(t, ctrl, "s3cret")

	assert.Equal(t, http.StatusUnauthorized, stopRequest(t, srv.URL, "").StatusCode)
	assert.Equal(t, http.StatusUnauthorized, stopRequest(t, srv.URL, "Bearer wrong").StatusCode)
	assert.Equal(t, 0, ctrl.stops)

	resp := stopRequest(t, srv.URL, "Bearer s3cret")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.EqualValues(t, 2, body["closes_requested"])
	assert.Equal(t, 1, ctrl.stops)
}

func TestEmergencyStopDisabledWithoutToken(t *testing.T) {
	ctrl := &fakeController{}
	srv := newTestServer(t, ctrl, "")
	assert.Equal(t, http.StatusForbidden, stopRequest(t, srv.URL, "Bearer ").StatusCode)
	assert.Equal(t, 0, ctrl.stops)
}

func TestStatus(t *testing.T) {
	srv := newTestServer(t, &fakeController{}, "x")

	resp, err := http.Get(srv.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var st map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, "ready", st["state"])
	assert.Equal(t, false, st["halted"])
}

func TestStatusEngineUnavailable(t *testing.T) {
	srv := newTestServer(t, &fakeController{err: errors.New("stopped")}, "x")
	resp, err := http.Get(srv.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t, &fakeController{}, "x")

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "hedge_session_state")
}
