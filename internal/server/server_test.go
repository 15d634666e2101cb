package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/k1timer/internal/k1"
	"github.com/shaunagostinho/k1timer/internal/portscan"
	"github.com/shaunagostinho/k1timer/internal/racelog"
	"github.com/shaunagostinho/k1timer/internal/track"
)

type testEnv struct {
	sim     *k1.Simulator
	monitor *track.Monitor
	cfg     *Config
	results *racelog.Logger
	srv     *Server
	http    *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	sim := k1.NewSimulator()

	cfg := DefaultConfig()
	cfg.path = filepath.Join(dir, "config.yaml")
	cfg.Results.Path = filepath.Join(dir, "results")

	tc := cfg.Timer.K1()
	tc.Opener = sim.Open
	monitor := track.NewMonitor(track.Config{
		Timer: tc,
		Discover: func() ([]portscan.PortInfo, error) {
			return []portscan.PortInfo{{PortName: "/dev/ttyUSB0", Description: "USB-Serial Controller"}}, nil
		},
	})
	results := racelog.New(cfg.Results)
	srv := New(cfg, monitor, results, nil)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hs.Close()
		monitor.Close()
		results.Close()
	})
	return &testEnv{sim: sim, monitor: monitor, cfg: cfg, results: results, srv: srv, http: hs}
}

func (e *testEnv) post(t *testing.T, path string, v any) int {
	t.Helper()
	resp, err := http.Post(e.http.URL+path, "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	e.srv.clientsMu.RLock()
	before := len(e.srv.clients)
	e.srv.clientsMu.RUnlock()

	url := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool {
		e.srv.clientsMu.RLock()
		defer e.srv.clientsMu.RUnlock()
		return len(e.srv.clients) > before
	}, time.Second, 5*time.Millisecond)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) track.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var fr track.Frame
	require.NoError(t, conn.ReadJSON(&fr))
	return fr
}

func TestTimerEndpoints(t *testing.T) {
	e := newTestEnv(t)

	var resp opResponse
	assert.Equal(t, http.StatusOK, e.post(t, "/api/timer/test", &resp))
	assert.False(t, resp.OK, "no timer yet")

	resp = opResponse{}
	assert.Equal(t, http.StatusOK, e.post(t, "/api/timer/init", &resp))
	assert.True(t, resp.OK)
	require.NotNil(t, resp.Port)
	assert.Equal(t, "/dev/ttyUSB0", resp.Port.PortName)

	for _, op := range []string{"test", "endRace", "clearRace"} {
		resp = opResponse{}
		assert.Equal(t, http.StatusOK, e.post(t, "/api/timer/"+op, &resp))
		assert.True(t, resp.OK, op)
	}

	resp = opResponse{}
	assert.Equal(t, http.StatusOK, e.post(t, "/api/timer/newConnection", &resp))
	assert.True(t, resp.OK)

	r, err := http.Get(e.http.URL + "/api/timer/init")
	require.NoError(t, err)
	r.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, r.StatusCode)
}

func TestTimerInitFailure(t *testing.T) {
	e := newTestEnv(t)
	monitor := track.NewMonitor(track.Config{
		Timer:    e.cfg.Timer.K1(),
		Discover: func() ([]portscan.PortInfo, error) { return nil, nil },
	})
	srv := New(e.cfg, monitor, nil, nil)
	hs := httptest.NewServer(srv.Handler())
	defer hs.Close()

	resp, err := http.Post(hs.URL+"/api/timer/init", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body opResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.False(t, body.OK)
	assert.Nil(t, body.Port)
	assert.Contains(t, body.Error, "no timer port")
}

func TestStatus(t *testing.T) {
	e := newTestEnv(t)

	var st statusResponse
	r, err := http.Get(e.http.URL + "/api/timer/status")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(r.Body).Decode(&st))
	r.Body.Close()
	assert.False(t, st.Connected)

	e.post(t, "/api/timer/init", nil)
	r, err = http.Get(e.http.URL + "/api/timer/status")
	require.NoError(t, err)
	st = statusResponse{}
	require.NoError(t, json.NewDecoder(r.Body).Decode(&st))
	r.Body.Close()

	assert.True(t, st.Connected)
	assert.Equal(t, 4, st.LaneCount)
	assert.True(t, st.Features["maskLane"])
	require.NotNil(t, st.Mode)
	assert.Equal(t, k1.FormatNew, st.Mode.DataFormat)
}

func TestWebSocketResults(t *testing.T) {
	e := newTestEnv(t)
	e.post(t, "/api/timer/init", nil)
	conn := e.dial(t)

	e.sim.TriggerResults(k1.FormatResults(
		[k1.MaxLaneCount]float64{3.1, 3.0, 3.2},
		[k1.MaxLaneCount]k1.Place{k1.Second, k1.First, k1.Third, k1.NoPlace, k1.NoPlace, k1.NoPlace},
	))
	fr := readFrame(t, conn)
	assert.Equal(t, track.FrameResults, fr.Type)
	require.NotNil(t, fr.Result)
	assert.Equal(t, k1.First, fr.Result.LaneResults[k1.LaneB].Place)
	assert.Equal(t, k1.Third, fr.Result.LaneResults[k1.LaneC].Place)

	e.sim.TriggerCleared()
	assert.Equal(t, track.FrameCleared, readFrame(t, conn).Type)

	// a late joiner gets the last results straight away
	late := e.dial(t)
	again := readFrame(t, late)
	assert.Equal(t, fr.ID, again.ID)
}

func TestConfigEndpoint(t *testing.T) {
	e := newTestEnv(t)
	e.post(t, "/api/timer/init", nil)

	r, err := http.Get(e.http.URL + "/api/config")
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	r.Body.Close()
	assert.Contains(t, got, "timer")

	resp, err := http.Post(e.http.URL+"/api/config", "application/json",
		strings.NewReader(`{"timer":{"offsetResultsForTies":false},"results":{"enabled":true}}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	timer, err := e.monitor.Timer()
	require.NoError(t, err)
	assert.False(t, timer.OffsetResultsForTies(), "applied to the live timer")
	assert.True(t, e.results.IsEnabled())
	assert.FileExists(t, e.cfg.Path())

	resp, err = http.Post(e.http.URL+"/api/config", "application/json", strings.NewReader(`{`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
