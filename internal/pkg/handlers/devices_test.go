package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jake-scott/tuya-bridge/internal/pkg/cmdqueue"
	"github.com/jake-scott/tuya-bridge/internal/pkg/connmgr"
)

type sent struct {
	deviceID string
	command  interface{}
	version  string
}

type fakeController struct {
	mu      sync.Mutex
	sendErr error
	sent    []sent
	state   map[string]interface{}
}

func (f *fakeController) Send(deviceID string, command interface{}, opts connmgr.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sent{deviceID: deviceID, command: command, version: opts.APIVersion})
	return nil
}

func (f *fakeController) GetDeviceState(deviceID, code string) (interface{}, bool) {
	v, ok := f.state[deviceID+"/"+code]
	return v, ok
}

func (f *fakeController) Stats() connmgr.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return connmgr.Stats{State: connmgr.Connected, ReconnectAttempts: 0, QueuedCommands: len(f.sent), MQTTConnected: true}
}

func newRouter(ctl Controller) *mux.Router {
	h := NewDeviceHandler(ctl)
	r := mux.NewRouter()
	h.Register(r)
	return r
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestSendCommandV1(t *testing.T) {
	ctl := &fakeController{}
	rec := do(newRouter(ctl), http.MethodPost, "/devices/dev1/commands",
		`{"api_version":"1.0","commands":[{"code":"switch_led","value":true}]}`)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"device_id":"dev1","queued_commands":1}`, rec.Body.String())

	require.Len(t, ctl.sent, 1)
	assert.Equal(t, "dev1", ctl.sent[0].deviceID)
	assert.Equal(t, "1.0", ctl.sent[0].version)
	assert.Equal(t, []interface{}{map[string]interface{}{"code": "switch_led", "value": true}}, ctl.sent[0].command)
}

func TestSendCommandV2UsesProperties(t *testing.T) {
	ctl := &fakeController{}
	rec := do(newRouter(ctl), http.MethodPost, "/devices/dev2/commands",
		`{"api_version":"2.0","properties":{"switch":false}}`)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, ctl.sent, 1)
	assert.Equal(t, "2.0", ctl.sent[0].version)
	assert.Equal(t, map[string]interface{}{"switch": false}, ctl.sent[0].command)
}

func TestSendCommandBadRequests(t *testing.T) {
	r := newRouter(&fakeController{})

	rec := do(r, http.MethodPost, "/devices/dev1/commands", `{"commands":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(r, http.MethodPost, "/devices/dev1/commands", `{"commands":[]}{"commands":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/devices/dev1/commands", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "text/plain")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSendCommandRejected(t *testing.T) {
	ctl := &fakeController{sendErr: errors.New("unknown api version 9.9")}
	rec := do(newRouter(ctl), http.MethodPost, "/devices/dev1/commands", `{"api_version":"9.9","commands":{}}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown api version")
}

func TestSendCommandQueueClosed(t *testing.T) {
	ctl := &fakeController{sendErr: cmdqueue.ErrClosed}
	rec := do(newRouter(ctl), http.MethodPost, "/devices/dev1/commands", `{"commands":{"switch":true}}`)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGetState(t *testing.T) {
	ctl := &fakeController{state: map[string]interface{}{"dev1/switch": true}}
	r := newRouter(ctl)

	rec := do(r, http.MethodGet, "/devices/dev1/state/switch", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"device_id":"dev1","code":"switch","value":true}`, rec.Body.String())

	rec = do(r, http.MethodGet, "/devices/dev1/state/bright", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatus(t *testing.T) {
	rec := do(newRouter(&fakeController{}), http.MethodGet, "/status", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"state":"connected","reconnect_attempts":0,"queued_commands":0,"mqtt_connected":true}`, rec.Body.String())
}

func TestWrongMethod(t *testing.T) {
	rec := do(newRouter(&fakeController{}), http.MethodGet, "/devices/dev1/commands", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
