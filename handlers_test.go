package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/knadh/stuffbin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veildrop/veildrop/internal/hub"
	"github.com/veildrop/veildrop/internal/quota"
	"github.com/veildrop/veildrop/store/mem"
)

type testResp struct {
	Error *string         `json:"error"`
	Data  json.RawMessage `json:"data"`
}

func newTestApp(t *testing.T) (*App, *httptest.Server) {
	t.Helper()
	logger.SetOutput(io.Discard)

	st, err := mem.New(mem.Config{})
	require.NoError(t, err)

	fs, err := stuffbin.NewLocalFS("./", "./static")
	require.NoError(t, err)

	cfg := &hub.Config{
		RoomKeyBytes:    16,
		RoomAge:         time.Hour,
		MaxChunkSize:    1 << 20,
		MaxMessageQueue: 50,
		WSTimeout:       5 * time.Second,
	}
	app := &App{
		cfg:    cfg,
		fs:     fs,
		logger: logger,
		hub:    hub.NewHub(cfg, st, quota.New(quota.Config{}), logger),
	}

	srv := httptest.NewServer(initRoutes(app))
	t.Cleanup(func() {
		app.hub.Shutdown()
		srv.Close()
		st.Close()
	})
	return app, srv
}

func doReq(t *testing.T, method, url, body string) (int, testResp) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out testResp
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func createRoom(t *testing.T, srv *httptest.Server, body string) string {
	t.Helper()
	code, out := doReq(t, http.MethodPost, srv.URL+"/api/rooms", body)
	require.Equal(t, http.StatusOK, code)
	require.Nil(t, out.Error)

	var r respRoom
	require.NoError(t, json.Unmarshal(out.Data, &r))
	require.NotEmpty(t, r.SecretKey)
	return r.SecretKey
}

func checkRoom(t *testing.T, url string) bool {
	t.Helper()
	code, out := doReq(t, http.MethodGet, url, "")
	require.Equal(t, http.StatusOK, code)

	var r respCheck
	require.NoError(t, json.Unmarshal(out.Data, &r))
	return r.Valid
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func TestCreateAndCheckRoom(t *testing.T) {
	_, srv := newTestApp(t)

	key := createRoom(t, srv, "")
	assert.True(t, checkRoom(t, srv.URL+"/api/rooms/"+key))
	assert.True(t, checkRoom(t, srv.URL+"/api/check-room?secret_key="+key))
	assert.False(t, checkRoom(t, srv.URL+"/api/rooms/nope"))

	// The original client's route.
	code, out := doReq(t, http.MethodPost, srv.URL+"/api/create-room", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(out.Data), "secret_key")

	code, _ = doReq(t, http.MethodGet, srv.URL+"/api/check-room", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = doReq(t, http.MethodPost, srv.URL+"/api/rooms", `{"max_receivers": -1}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = doReq(t, http.MethodPost, srv.URL+"/api/rooms", `{bad`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestRegisterPolicy(t *testing.T) {
	app, srv := newTestApp(t)
	key := createRoom(t, srv, `{"max_receivers": 5}`)

	r, err := app.hub.Store.GetRoom(key)
	require.NoError(t, err)
	assert.Equal(t, 5, r.Policy.MaxReceivers)

	code, _ := doReq(t, http.MethodPut, srv.URL+"/api/rooms/"+key+"/policy", `{"max_receivers": 1}`)
	assert.Equal(t, http.StatusOK, code)

	r, err = app.hub.Store.GetRoom(key)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Policy.MaxReceivers)

	code, _ = doReq(t, http.MethodPut, srv.URL+"/api/rooms/"+key+"/policy", `{}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, out := doReq(t, http.MethodPut, srv.URL+"/api/rooms/nope/policy", `{"max_receivers": 1}`)
	assert.Equal(t, http.StatusNotFound, code)
	require.NotNil(t, out.Error)
	assert.Equal(t, hub.ErrRoomNotFound.Error(), *out.Error)
}

func TestWSRoutes(t *testing.T) {
	_, srv := newTestApp(t)
	key := createRoom(t, srv, `{"max_receivers": 1}`)

	// Unknown role.
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/admin/"+key), nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Malformed public key.
	_, resp, err = websocket.DefaultDialer.Dial(wsURL(srv, "/ws/receiver/"+key+"?pubkey=abc"), nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	c, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/receiver/"+key), nil)
	require.NoError(t, err)
	defer c.Close()

	var m map[string]interface{}
	require.NoError(t, c.ReadJSON(&m))
	assert.Equal(t, "status", m["type"])
	assert.EqualValues(t, 1, m["receivers"])

	// Capacity applies to receivers.
	c2, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/receiver/"+key), nil)
	require.NoError(t, err)
	defer c2.Close()

	require.NoError(t, c2.ReadJSON(&m))
	assert.Equal(t, "error", m["type"])
	assert.Equal(t, hub.ErrRoomFull.Error(), m["message"])

	_, _, err = c2.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))

	// Unknown room.
	c3, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/sender/nope"), nil)
	require.NoError(t, err)
	defer c3.Close()

	require.NoError(t, c3.ReadJSON(&m))
	assert.Equal(t, hub.ErrRoomNotFound.Error(), m["message"])
}

func TestStats(t *testing.T) {
	_, srv := newTestApp(t)
	key := createRoom(t, srv, "")

	c, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/sender/"+key), nil)
	require.NoError(t, err)
	defer c.Close()

	var m map[string]interface{}
	require.NoError(t, c.ReadJSON(&m))

	code, out := doReq(t, http.MethodGet, srv.URL+"/api/stats", "")
	assert.Equal(t, http.StatusOK, code)

	var s respStats
	require.NoError(t, json.Unmarshal(out.Data, &s))
	assert.Equal(t, 1, s.Rooms)
	assert.Zero(t, s.BufferedBytes)
}

func TestIndex(t *testing.T) {
	_, srv := newTestApp(t)

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, bytes.Contains(b, []byte("Veildrop")))
}
